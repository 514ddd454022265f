package stats

import (
	"fmt"
	"sync/atomic"
	"time"
)

// Collector tracks pipeline counters using lock-free atomics. The driver
// is single-threaded, but the CLI may snapshot from another goroutine
// while a copy is running.
type Collector struct {
	readsSubmitted  atomic.Int64
	readsCompleted  atomic.Int64
	writesSubmitted atomic.Int64
	writesCompleted atomic.Int64
	bytesRead       atomic.Int64
	bytesWritten    atomic.Int64
	inFlight        atomic.Int64
	inFlightPeak    atomic.Int64
	startTime       time.Time
}

// NewCollector creates a Collector with startTime set to now.
func NewCollector() *Collector {
	return &Collector{startTime: time.Now()}
}

func (c *Collector) AddReadsSubmitted(n int64)  { c.readsSubmitted.Add(n) }
func (c *Collector) AddReadsCompleted(n int64)  { c.readsCompleted.Add(n) }
func (c *Collector) AddWritesSubmitted(n int64) { c.writesSubmitted.Add(n) }
func (c *Collector) AddWritesCompleted(n int64) { c.writesCompleted.Add(n) }
func (c *Collector) AddBytesRead(n int64)       { c.bytesRead.Add(n) }
func (c *Collector) AddBytesWritten(n int64)    { c.bytesWritten.Add(n) }

// SlotActivated records a slot leaving Idle and keeps the high-water
// mark current.
func (c *Collector) SlotActivated() {
	n := c.inFlight.Add(1)
	for {
		peak := c.inFlightPeak.Load()
		if n <= peak || c.inFlightPeak.CompareAndSwap(peak, n) {
			return
		}
	}
}

// SlotRetired records a slot returning to Idle.
func (c *Collector) SlotRetired() { c.inFlight.Add(-1) }

// InFlight returns the current number of non-idle slots.
func (c *Collector) InFlight() int64 { return c.inFlight.Load() }

// Elapsed returns time since collector creation.
func (c *Collector) Elapsed() time.Duration {
	return time.Since(c.startTime)
}

// Snapshot is a point-in-time read of all counters.
type Snapshot struct {
	ReadsSubmitted  int64
	ReadsCompleted  int64
	WritesSubmitted int64
	WritesCompleted int64
	BytesRead       int64
	BytesWritten    int64
	InFlight        int64
	InFlightPeak    int64
	Elapsed         time.Duration
}

// Snapshot returns a consistent point-in-time read of all counters.
func (c *Collector) Snapshot() Snapshot {
	return Snapshot{
		ReadsSubmitted:  c.readsSubmitted.Load(),
		ReadsCompleted:  c.readsCompleted.Load(),
		WritesSubmitted: c.writesSubmitted.Load(),
		WritesCompleted: c.writesCompleted.Load(),
		BytesRead:       c.bytesRead.Load(),
		BytesWritten:    c.bytesWritten.Load(),
		InFlight:        c.inFlight.Load(),
		InFlightPeak:    c.inFlightPeak.Load(),
		Elapsed:         c.Elapsed(),
	}
}

func (s Snapshot) String() string {
	return fmt.Sprintf(
		"reads=%d/%d writes=%d/%d bytes_read=%d bytes_written=%d peak_inflight=%d",
		s.ReadsCompleted, s.ReadsSubmitted,
		s.WritesCompleted, s.WritesSubmitted,
		s.BytesRead, s.BytesWritten, s.InFlightPeak,
	)
}

// FormatBytes returns a human-readable byte count.
func FormatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(b)/float64(div), "KMGTPE"[exp])
}
