package media

// ContentType identifies the media stream kind driven by one media state.
type ContentType string

const (
	ContentTypeAudio ContentType = "audio"
	ContentTypeVideo ContentType = "video"
	ContentTypeText  ContentType = "text"
	ContentTypeImage ContentType = "image"
)

// InitDataRecord is one piece of DRM initialization data from the manifest or
// from media (PSSH box, key ids).
type InitDataRecord struct {
	Type  string // "cenc", "keyids", "webm"
	Data  []byte
	KeyID string // hex, lowercase; empty if unknown
}

// DrmInfo describes one key system's configuration for a stream. Unset
// string fields mean "no preference"; the merge reducers fill defaults.
type DrmInfo struct {
	KeySystem         string
	LicenseServerURI  string
	ServerCertificate []byte
	Robustness        string
	PersistentState   bool
	DistinctiveID     bool
	SessionType       string // "temporary" or "persistent-license"
	InitData          []InitDataRecord
	KeyIDs            map[string]struct{}
}

// Stream is one elementary stream: a content type, codecs, and the segment
// index locating its bytes. CreateSegmentIndex is invoked lazily by the
// streaming engine; it may be slow (SIDX fetch) and is only invoked once.
type Stream struct {
	ID           string
	Type         ContentType
	MimeType     string
	Codecs       string
	Bandwidth    int64
	Width        int
	Height       int
	Kind         string // text kind, e.g. "caption"
	Encrypted    bool
	// ClosedCaptions marks video streams carrying embedded CEA captions.
	ClosedCaptions bool
	DrmInfos       []DrmInfo
	SequenceMode   bool

	SegmentIndex       *SegmentIndex
	MetaSegmentIndex   *MetaSegmentIndex
	CreateSegmentIndex func() error
}

// Index returns the stream's queryable index surface, preferring the
// multi-period composite when present.
func (s *Stream) Index() interface {
	Get(position int) *SegmentReference
	Find(time float64) int
	IteratorForTime(time float64) *Iterator
} {
	if s.MetaSegmentIndex != nil {
		return s.MetaSegmentIndex
	}
	if s.SegmentIndex != nil {
		return s.SegmentIndex
	}
	return nil
}

// HasIndex reports whether the segment index has been created yet.
func (s *Stream) HasIndex() bool {
	return s.SegmentIndex != nil || s.MetaSegmentIndex != nil
}

// Variant pairs an audio and a video stream at one bandwidth point.
type Variant struct {
	ID        string
	Audio     *Stream
	Video     *Stream
	Bandwidth int64
}

// Manifest is the parsed presentation handed to the streaming engine by a
// manifest parser (an external collaborator).
type Manifest struct {
	Timeline     *PresentationTimeline
	Variants     []*Variant
	TextStreams  []*Stream
	ImageStreams []*Stream
}
