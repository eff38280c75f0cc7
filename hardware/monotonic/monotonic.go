// Package monotonic provides a free-running 32-bit 1 MHz tick counter
// from the system monotonic clock. It wraps every ~71.6 minutes.
package monotonic

const Hz uint32 = 1000000

type Source struct {
	nanos func() int64
}

func New() *Source { return &Source{nanos: monotonicNanos()} }

func (s *Source) Ticks() uint32 { return uint32(uint64(s.nanos()) / 1000) }

func (s *Source) Hz() uint32 { return Hz }
