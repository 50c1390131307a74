// Package registry provides explicit factory registries keyed by mime type
// or file extension. Components that need pluggable parsers or displayers
// receive a registry at construction instead of consulting process-wide
// statics, so tests and embedders can wire their own sets.
package registry

import (
	"net/url"
	"path"
	"sort"
	"strings"
	"sync"
)

// Registry maps normalized mime types and file extensions to factories of
// type T. All methods are safe for concurrent use.
type Registry[T any] struct {
	mu     sync.RWMutex
	byMime map[string]T
	byExt  map[string]T
}

// New creates an empty registry.
func New[T any]() *Registry[T] {
	return &Registry[T]{
		byMime: make(map[string]T),
		byExt:  make(map[string]T),
	}
}

// RegisterMimeType associates a factory with a mime type. Codec parameters
// are ignored; later registrations replace earlier ones.
func (r *Registry[T]) RegisterMimeType(mimeType string, factory T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byMime[NormalizeMimeType(mimeType)] = factory
}

// RegisterExtension associates a factory with a file extension. The leading
// dot is optional.
func (r *Registry[T]) RegisterExtension(ext string, factory T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byExt[normalizeExt(ext)] = factory
}

// ByMimeType looks up the factory for a mime type, ignoring any parameters
// ("video/mp4; codecs=...").
func (r *Registry[T]) ByMimeType(mimeType string) (T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.byMime[NormalizeMimeType(mimeType)]
	return f, ok
}

// ByExtension looks up the factory for a file extension.
func (r *Registry[T]) ByExtension(ext string) (T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.byExt[normalizeExt(ext)]
	return f, ok
}

// ForURI looks up a factory by the extension of a URI's path, ignoring any
// query string or fragment.
func (r *Registry[T]) ForURI(uri string) (T, bool) {
	return r.ByExtension(ExtensionOf(uri))
}

// MimeTypes returns the registered mime types, sorted.
func (r *Registry[T]) MimeTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byMime))
	for m := range r.byMime {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// Extensions returns the registered extensions, sorted, without dots.
func (r *Registry[T]) Extensions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byExt))
	for e := range r.byExt {
		out = append(out, e)
	}
	sort.Strings(out)
	return out
}

// NormalizeMimeType lowercases a mime type and strips parameters.
func NormalizeMimeType(mimeType string) string {
	if i := strings.IndexByte(mimeType, ';'); i >= 0 {
		mimeType = mimeType[:i]
	}
	return strings.ToLower(strings.TrimSpace(mimeType))
}

// ExtensionOf returns the lowercase extension of a URI's path, without the
// dot. Unparseable URIs fall back to treating the whole string as a path.
func ExtensionOf(uri string) string {
	p := uri
	if u, err := url.Parse(uri); err == nil && u.Path != "" {
		p = u.Path
	}
	return normalizeExt(path.Ext(p))
}

func normalizeExt(ext string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ext), "."))
}
