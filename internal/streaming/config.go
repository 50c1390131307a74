package streaming

import (
	"time"

	strevanet "github.com/streva/streva/internal/net"
)

// Config controls the streaming engine's buffering and scheduling behavior.
type Config struct {
	// BufferingGoal is how many seconds ahead of the playhead to keep
	// buffered. The effective goal shrinks when quota errors force the
	// reduction ladder.
	BufferingGoal float64

	// RebufferingGoal is the safety margin used by the switch abort
	// decision: an in-flight fetch is only abandoned when the buffer can
	// absorb the new fetch without dipping below this.
	RebufferingGoal float64

	// BufferBehind is how many seconds behind the playhead to retain
	// before evicting.
	BufferBehind float64

	// UpdateInterval is the idle poll cadence. A media state that has met
	// its buffering goal re-checks at half this interval.
	UpdateInterval time.Duration

	// IgnoreTextStreamFailures drops a failing text stream instead of
	// surfacing a fatal error.
	IgnoreTextStreamFailures bool

	// LowLatencyMode appends complete MP4 boxes as segment bytes arrive
	// instead of waiting for the whole segment.
	LowLatencyMode bool

	// FailureBackoffBase and FailureBackoffMax gate the application
	// failure callback so retry storms cannot flood it. The gate resets
	// after a quiet period.
	FailureBackoffBase time.Duration
	FailureBackoffMax  time.Duration

	RetryPolicy strevanet.RetryPolicy
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		BufferingGoal:      30,
		RebufferingGoal:    2,
		BufferBehind:       30,
		UpdateInterval:     time.Second,
		FailureBackoffBase: 2 * time.Second,
		FailureBackoffMax:  16 * time.Second,
		RetryPolicy:        strevanet.DefaultRetryPolicy(),
	}
}
