// Package wallclock derives UTC wall-clock time from a free-running 32-bit tick counter
// and the last calibration point set by a time sync.
package wallclock

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/temoto/telenode/calendar"
	"github.com/temoto/telenode/log2"
)

const DefaultTickHz uint32 = 1000000

type Timestamp struct {
	UnixSecs uint64
	Micros   uint32 // 0..999999
}

func (ts Timestamp) IsZero() bool { return ts.UnixSecs == 0 && ts.Micros == 0 }

func (ts Timestamp) Time() time.Time {
	return time.Unix(int64(ts.UnixSecs), int64(ts.Micros)*int64(time.Microsecond)).UTC()
}

func (ts Timestamp) Civil() calendar.Civil { return calendar.FromUnix(ts.UnixSecs) }

// String renders the zero timestamp as "unknown".
func (ts Timestamp) String() string {
	if ts.IsZero() {
		return "unknown"
	}
	return fmt.Sprintf("%s.%06d", ts.Civil().String()[:19], ts.Micros) + "Z"
}

// Add ignores negative durations.
func (ts Timestamp) Add(d time.Duration) Timestamp {
	if d <= 0 {
		return ts
	}
	us := uint64(d / time.Microsecond)
	total := uint64(ts.Micros) + us%1000000
	ts.UnixSecs += us/1000000 + total/1000000
	ts.Micros = uint32(total % 1000000)
	return ts
}

type TickSource interface {
	Ticks() uint32
}

// Backup is a hardware clock that keeps time across power loss.
type Backup interface {
	SetTime(Timestamp) error
}

type ClockOptions struct {
	Ticks  TickSource
	TickHz uint32
	Backup Backup
	Log    *log2.Log
}

// Clock fields are separate atomic words. Readers racing with Calibrate
// may observe a mix of old and new base values for one call.
type Clock struct {
	baseSecs   uint32
	baseMicros uint32
	baseTicks  uint32
	synced     uint32

	hz     uint32
	ticks  TickSource
	backup Backup
	log    *log2.Log
}

func NewClock(opt ClockOptions) *Clock {
	if opt.Ticks == nil {
		panic("code error wallclock.NewClock Ticks=nil")
	}
	if opt.TickHz == 0 {
		opt.TickHz = DefaultTickHz
	}
	return &Clock{
		hz:     opt.TickHz,
		ticks:  opt.Ticks,
		backup: opt.Backup,
		log:    opt.Log,
	}
}

// Calibrate must be called from a single writer.
// Backup clock failure is logged and otherwise ignored.
func (c *Clock) Calibrate(ts Timestamp, ticks uint32) {
	if ts.UnixSecs > calendar.MaxUnix {
		ts.UnixSecs = calendar.MaxUnix
	}
	atomic.StoreUint32(&c.baseSecs, uint32(ts.UnixSecs))
	atomic.StoreUint32(&c.baseMicros, ts.Micros%1000000)
	atomic.StoreUint32(&c.baseTicks, ticks)
	atomic.StoreUint32(&c.synced, 1)
	c.log.Debugf("wallclock calibrated %s ticks=%d", ts, ticks)

	if c.backup != nil {
		if err := c.backup.SetTime(ts); err != nil {
			c.log.Errorf("wallclock backup set time err=%v", err)
		}
	}
}

func (c *Clock) Synced() bool { return atomic.LoadUint32(&c.synced) == 1 }

// At returns zero Timestamp until first Calibrate.
func (c *Clock) At(ticks uint32) Timestamp {
	if !c.Synced() {
		return Timestamp{}
	}
	secs := atomic.LoadUint32(&c.baseSecs)
	micros := atomic.LoadUint32(&c.baseMicros)
	base := atomic.LoadUint32(&c.baseTicks)

	elapsed := Elapsed(base, ticks)
	whole := elapsed / c.hz
	frac := uint64(elapsed%c.hz) * 1000000 / uint64(c.hz)

	ts := Timestamp{UnixSecs: uint64(secs) + uint64(whole)}
	m := uint64(micros) + frac
	ts.UnixSecs += m / 1000000
	ts.Micros = uint32(m % 1000000)
	return ts
}

func (c *Clock) Now() Timestamp { return c.At(c.ticks.Ticks()) }
func (c *Clock) Ticks() uint32  { return c.ticks.Ticks() }
func (c *Clock) TickHz() uint32 { return c.hz }

// Time is intended as tls.Config.Time source, zero until synced.
func (c *Clock) Time() time.Time {
	if !c.Synced() {
		return time.Time{}
	}
	return c.Now().Time()
}

// Elapsed handles one counter wraparound.
func Elapsed(base, cur uint32) uint32 { return cur - base }

// TicksToDuration converts a tick delta at rate hz.
func TicksToDuration(ticks, hz uint32) time.Duration {
	if hz == 0 {
		hz = DefaultTickHz
	}
	return time.Duration(uint64(ticks) * uint64(time.Second) / uint64(hz))
}
