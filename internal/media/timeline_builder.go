package media

import (
	"log/slog"
	"math"
)

// GapOverlapTolerance is the largest timeline adjustment, in seconds, applied
// silently during stitching. Larger adjustments are still applied but logged;
// they usually indicate a sloppy encoder.
const GapOverlapTolerance = 1.0 / 15.0

// TimelineEntry is one declared timeline item: a start time, a duration, and
// a repeat count, all in timescale units (DASH SegmentTimeline S element, or
// a SIDX/Cues entry with Repeat zero).
type TimelineEntry struct {
	Start    int64
	Duration int64
	// Repeat is the number of additional segments with the same duration.
	// Negative means "repeat until the next entry's start, or until
	// periodDuration for the final entry".
	Repeat int
	// HasDuration distinguishes a zero duration from an absent one; entries
	// without a duration truncate processing.
	HasDuration bool
}

// TimeRange is one stitched segment interval in seconds.
type TimeRange struct {
	Start float64
	End   float64
	// UnscaledStart preserves the timescale-unit start for URI templating.
	UnscaledStart int64
}

// BuildTimeline expands entries into a flat, contiguous sequence of time
// ranges in seconds.
//
// Negative repeats resolve against the next entry's start, or against
// periodDuration (seconds; +Inf for live with no declared end) for the final
// entry. Gaps and overlaps between a computed end and the next declared start
// are stitched by moving the computed end to the declared start; adjustments
// beyond GapOverlapTolerance are logged at warn.
//
// Malformed input truncates rather than fails: an entry with no duration, or
// a final negative repeat with infinite period duration, ends processing and
// everything built so far is returned.
func BuildTimeline(entries []TimelineEntry, timescale int64, periodStart, periodDuration float64, logger *slog.Logger) []TimeRange {
	if logger == nil {
		logger = slog.Default()
	}
	var out []TimeRange
	if timescale <= 0 {
		return out
	}

	for i, e := range entries {
		if !e.HasDuration || e.Duration <= 0 {
			logger.Warn("timeline entry has no usable duration, truncating timeline",
				slog.Int("entry", i), slog.Int("built", len(out)))
			return out
		}

		repeat := e.Repeat
		if repeat < 0 {
			var until float64
			if i+1 < len(entries) {
				until = float64(entries[i+1].Start) / float64(timescale)
			} else if !math.IsInf(periodDuration, 1) {
				until = periodDuration
			} else {
				logger.Warn("unresolvable negative repeat at final entry, truncating timeline",
					slog.Int("entry", i), slog.Int("built", len(out)))
				return out
			}
			start := float64(e.Start) / float64(timescale)
			d := float64(e.Duration) / float64(timescale)
			repeat = int(math.Ceil((until-start)/d)) - 1
			if repeat < 0 {
				repeat = 0
			}
		}

		unscaled := e.Start
		for j := 0; j <= repeat; j++ {
			start := float64(unscaled) / float64(timescale)
			end := float64(unscaled+e.Duration) / float64(timescale)

			// Stitch against the next declared start so adjacent ranges
			// always meet exactly.
			if j == repeat && i+1 < len(entries) {
				next := float64(entries[i+1].Start) / float64(timescale)
				delta := math.Abs(end - next)
				if delta > GapOverlapTolerance {
					kind := "gap"
					if end > next {
						kind = "overlap"
					}
					logger.Warn("timeline discontinuity stitched",
						slog.String("kind", kind),
						slog.Float64("at", end),
						slog.Float64("magnitude", delta))
				}
				end = next
			}
			if end <= start {
				// Fully swallowed by an overlap correction.
				unscaled += e.Duration
				continue
			}
			out = append(out, TimeRange{Start: periodStart + start, End: periodStart + end, UnscaledStart: unscaled})
			unscaled += e.Duration
		}
	}
	return out
}

// ReferencesFromRanges builds segment references over stitched ranges using
// makeRef for per-range details. Ranges must be the output of BuildTimeline.
func ReferencesFromRanges(ranges []TimeRange, makeRef func(r TimeRange) (*SegmentReference, error)) ([]*SegmentReference, error) {
	refs := make([]*SegmentReference, 0, len(ranges))
	for _, r := range ranges {
		ref, err := makeRef(r)
		if err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	return refs, nil
}
