package media

import (
	"fmt"
	"sort"
	"sync"
)

// SegmentIndex is an ordered, time-queryable sequence of non-overlapping
// segment references for one stream. References are sorted by start time and,
// after stitching, contiguous: each reference's end equals the next one's
// start.
//
// The index is mutated only by its owning stream's producer (manifest refresh
// or container parse completion) but read by the streaming engine's per-type
// loops, so all access is guarded.
type SegmentIndex struct {
	mu   sync.RWMutex
	refs []*SegmentReference

	// numEvicted counts references dropped from the front so that positions
	// handed to iterators remain stable across eviction.
	numEvicted int
}

// NewSegmentIndex builds an index over refs, which must already be sorted by
// start time.
func NewSegmentIndex(refs []*SegmentReference) *SegmentIndex {
	return &SegmentIndex{refs: refs}
}

// Length returns the number of live references.
func (s *SegmentIndex) Length() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.refs)
}

// Get returns the reference at position, or nil if position has been evicted
// or lies past the end.
func (s *SegmentIndex) Get(position int) *SegmentReference {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getLocked(position)
}

func (s *SegmentIndex) getLocked(position int) *SegmentReference {
	i := position - s.numEvicted
	if i < 0 || i >= len(s.refs) {
		return nil
	}
	return s.refs[i]
}

// Find returns the position of the reference containing time, or, when time
// falls into a stitched gap before a reference, the position of that
// following reference. Returns -1 when time is at or past the end of the
// index.
func (s *SegmentIndex) Find(time float64) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.findLocked(time)
}

func (s *SegmentIndex) findLocked(time float64) int {
	n := len(s.refs)
	if n == 0 {
		return -1
	}
	// First reference whose end is after time.
	i := sort.Search(n, func(i int) bool { return s.refs[i].EndTime() > time })
	if i == n {
		return -1
	}
	// Gap case: time precedes refs[i].start; the following segment is still
	// the right answer, matching the builder's policy of closing gaps
	// forward. Time before the first live reference resolves the same way.
	return i + s.numEvicted
}

// ForEach calls fn for every live reference in order.
func (s *SegmentIndex) ForEach(fn func(ref *SegmentReference)) {
	s.mu.RLock()
	refs := make([]*SegmentReference, len(s.refs))
	copy(refs, s.refs)
	s.mu.RUnlock()
	for _, r := range refs {
		fn(r)
	}
}

// ReplaceReferences swaps in a new, sorted reference list, used when a
// manifest refresh recomputes the stream's segments.
func (s *SegmentIndex) ReplaceReferences(refs []*SegmentReference) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refs = refs
	s.numEvicted = 0
}

// MergeAndEvict merges refs into the tail of the index (replacing any
// overlap) and evicts everything ending before availabilityStart. Used by
// live manifest refreshes.
func (s *SegmentIndex) MergeAndEvict(refs []*SegmentReference, availabilityStart float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(refs) > 0 {
		firstNew := refs[0].StartTime()
		keep := len(s.refs)
		for keep > 0 && s.refs[keep-1].StartTime() >= firstNew {
			keep--
		}
		s.refs = append(s.refs[:keep], refs...)
	}
	s.evictLocked(availabilityStart)
}

// Evict drops references that end at or before time.
func (s *SegmentIndex) Evict(time float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evictLocked(time)
}

func (s *SegmentIndex) evictLocked(time float64) {
	drop := 0
	for drop < len(s.refs) && s.refs[drop].EndTime() <= time {
		drop++
	}
	if drop > 0 {
		s.refs = s.refs[drop:]
		s.numEvicted += drop
	}
}

// Fit clips the index to the window [start, end): boundary references are
// trimmed in place (their trueEndTime untouched) and references falling
// wholly outside are dropped. isNew marks a freshly built index whose
// trailing reference should be extended to the period end to cover rounding
// slop in the manifest.
func (s *SegmentIndex) Fit(windowStart, windowEnd float64, isNew bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	refs := s.refs[:0]
	for _, r := range s.refs {
		if r.EndTime() <= windowStart || r.StartTime() >= windowEnd {
			continue
		}
		r.trim(windowStart, windowEnd)
		refs = append(refs, r)
	}
	s.refs = refs
	if isNew && len(s.refs) > 0 {
		last := s.refs[len(s.refs)-1]
		if last.EndTime() < windowEnd {
			last.endTime = windowEnd
		}
	}
}

// Release drops all references. Idempotent; iterators over a released index
// terminate.
func (s *SegmentIndex) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refs = nil
	s.numEvicted = 0
}

// first returns the first live position and reference, or -1.
func (s *SegmentIndex) first() (int, *SegmentReference) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.refs) == 0 {
		return -1, nil
	}
	return s.numEvicted, s.refs[0]
}

// last returns the last live reference, or nil.
func (s *SegmentIndex) last() *SegmentReference {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.refs) == 0 {
		return nil
	}
	return s.refs[len(s.refs)-1]
}

// Iterator walks an index from a starting position. Next must be called
// before Current. Iterators tolerate concurrent appends: positions resolve
// lazily so references appended after creation are still reachable.
type Iterator struct {
	index    indexSource
	position int
	current  *SegmentReference
}

// indexSource is the lookup surface shared by SegmentIndex and
// MetaSegmentIndex.
type indexSource interface {
	Get(position int) *SegmentReference
	Find(time float64) int
}

// IteratorForTime returns an iterator positioned so that the first Next
// yields the reference for time, or nil when the index has nothing at or
// after time.
func (s *SegmentIndex) IteratorForTime(time float64) *Iterator {
	pos := s.Find(time)
	if pos < 0 {
		return nil
	}
	return &Iterator{index: s, position: pos - 1}
}

// Next advances and returns the next reference, or nil at the end.
func (it *Iterator) Next() *SegmentReference {
	it.position++
	it.current = it.index.Get(it.position)
	return it.current
}

// Current returns the reference most recently yielded by Next.
func (it *Iterator) Current() *SegmentReference { return it.current }

// CurrentPosition returns the position of the current reference.
func (it *Iterator) CurrentPosition() int { return it.position }

// MetaSegmentIndex concatenates several underlying indexes into one
// contiguous position space, used to flatten multi-period content. Appended
// indexes may themselves still be growing; positions are resolved lazily on
// every access so late-appended references are reachable.
type MetaSegmentIndex struct {
	mu      sync.RWMutex
	indexes []*SegmentIndex
}

// NewMetaSegmentIndex builds an empty composite index.
func NewMetaSegmentIndex() *MetaSegmentIndex {
	return &MetaSegmentIndex{}
}

// AppendSegmentIndex adds index after the existing tail. It fails when the
// new index's first reference does not start at or after the tail's end,
// which would silently produce non-monotonic output downstream.
func (m *MetaSegmentIndex) AppendSegmentIndex(index *SegmentIndex) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.indexes) > 0 {
		tail := m.indexes[len(m.indexes)-1].last()
		_, head := index.first()
		if tail != nil && head != nil && head.StartTime() < tail.EndTime() {
			return NewError(SeverityCritical, CategoryManifest, CodeNonMonotonicIndex,
				fmt.Errorf("appended index starts at %v before tail end %v", head.StartTime(), tail.EndTime()))
		}
	}
	m.indexes = append(m.indexes, index)
	return nil
}

// Get resolves a global position across the concatenation.
func (m *MetaSegmentIndex) Get(position int) *SegmentReference {
	m.mu.RLock()
	defer m.mu.RUnlock()

	offset := 0
	for _, idx := range m.indexes {
		idx.mu.RLock()
		n := idx.numEvicted + len(idx.refs)
		ref := idx.getLocked(position - offset)
		idx.mu.RUnlock()
		if ref != nil {
			return ref
		}
		offset += n
	}
	return nil
}

// Find locates time across the concatenation, preserving global ordering
// across index boundaries.
func (m *MetaSegmentIndex) Find(time float64) int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	offset := 0
	for _, idx := range m.indexes {
		idx.mu.RLock()
		n := idx.numEvicted + len(idx.refs)
		pos := idx.findLocked(time)
		idx.mu.RUnlock()
		if pos >= 0 {
			return offset + pos
		}
		offset += n
	}
	return -1
}

// IteratorForTime mirrors SegmentIndex.IteratorForTime over the composite.
func (m *MetaSegmentIndex) IteratorForTime(time float64) *Iterator {
	pos := m.Find(time)
	if pos < 0 {
		return nil
	}
	return &Iterator{index: m, position: pos - 1}
}

// Release releases all underlying indexes.
func (m *MetaSegmentIndex) Release() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, idx := range m.indexes {
		idx.Release()
	}
	m.indexes = nil
}
