package research

import (
	"fmt"
	"sync/atomic"
	"time"
)

// Metrics tracks execution statistics across every invocation of one
// Orchestrator. Safe for concurrent use.
type Metrics struct {
	OracleCalls   atomic.Int64 // Oracle consultations actually executed (replays excluded)
	Children      atomic.Int64 // Child invocations spawned
	MaxLevel      atomic.Int64 // Deepest level reached, root is 0
	Failures      atomic.Int64 // Invocations that returned an error
	TotalDuration atomic.Int64 // Wall time of root invocations (nanoseconds)
}

// observeLevel raises MaxLevel to level if it is deeper.
func (m *Metrics) observeLevel(level int) {
	for {
		current := m.MaxLevel.Load()
		if int64(level) <= current {
			return
		}
		if m.MaxLevel.CompareAndSwap(current, int64(level)) {
			return
		}
	}
}

// String returns a human-readable summary.
func (m *Metrics) String() string {
	return fmt.Sprintf(
		"Oracle calls: %d | Children: %d | Max level: %d | Failures: %d | Duration: %s",
		m.OracleCalls.Load(),
		m.Children.Load(),
		m.MaxLevel.Load(),
		m.Failures.Load(),
		time.Duration(m.TotalDuration.Load()).Round(time.Millisecond),
	)
}
