package wallclock

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/telenode/log2"
)

type fakeTicks struct{ v uint32 }

func (f *fakeTicks) Ticks() uint32    { return atomic.LoadUint32(&f.v) }
func (f *fakeTicks) set(v uint32)     { atomic.StoreUint32(&f.v, v) }
func (f *fakeTicks) advance(d uint32) { atomic.AddUint32(&f.v, d) }

type fakeBackup struct {
	last  Timestamp
	calls int
	err   error
}

func (f *fakeBackup) SetTime(ts Timestamp) error {
	f.calls++
	f.last = ts
	return f.err
}

func TestUnsynced(t *testing.T) {
	t.Parallel()
	ft := &fakeTicks{}
	c := NewClock(ClockOptions{Ticks: ft, Log: log2.NewTest(t, log2.LDebug)})
	ft.set(12345)
	assert.False(t, c.Synced())
	assert.Equal(t, Timestamp{}, c.Now())
	assert.True(t, c.Now().IsZero())
	assert.True(t, c.Time().IsZero())
}

func TestAt(t *testing.T) {
	t.Parallel()
	cases := []struct {
		base   Timestamp
		ticks0 uint32
		ticks  uint32
		expect Timestamp
	}{
		{Timestamp{1700000000, 0}, 1000, 1000, Timestamp{1700000000, 0}},
		{Timestamp{1700000000, 0}, 1000, 2501000, Timestamp{1700000002, 500000}},
		{Timestamp{1700000000, 900000}, 0, 200000, Timestamp{1700000001, 100000}},
		{Timestamp{1700000000, 999999}, 0, 1, Timestamp{1700000001, 0}},
		// wraparound: 4294967200 -> 100 is 196 ticks
		{Timestamp{1700000000, 0}, 4294967200, 100, Timestamp{1700000000, 196}},
		{Timestamp{1700000000, 500000}, 4294000000, 1000000, Timestamp{1700000002, 467296}},
	}
	for i, c := range cases {
		c := c
		t.Run(fmt.Sprint(i), func(t *testing.T) {
			ft := &fakeTicks{}
			clock := NewClock(ClockOptions{Ticks: ft})
			clock.Calibrate(c.base, c.ticks0)
			require.True(t, clock.Synced())
			assert.Equal(t, c.expect, clock.At(c.ticks))
		})
	}
}

func TestMonotonic(t *testing.T) {
	t.Parallel()
	ft := &fakeTicks{}
	ft.set(4294000000)
	c := NewClock(ClockOptions{Ticks: ft})
	c.Calibrate(Timestamp{1700000000, 123456}, ft.Ticks())
	prev := c.Now()
	for i := 0; i < 5000; i++ {
		ft.advance(997)
		now := c.Now()
		if now.UnixSecs < prev.UnixSecs || (now.UnixSecs == prev.UnixSecs && now.Micros < prev.Micros) {
			t.Fatalf("time went back prev=%s now=%s", prev, now)
		}
		prev = now
	}
}

func TestCalibrateBackup(t *testing.T) {
	t.Parallel()
	ft := &fakeTicks{}
	bk := &fakeBackup{}
	c := NewClock(ClockOptions{Ticks: ft, Backup: bk, Log: log2.NewTest(t, log2.LDebug)})
	ts := Timestamp{1767574800, 42}
	c.Calibrate(ts, 0)
	assert.Equal(t, 1, bk.calls)
	assert.Equal(t, ts, bk.last)

	bk.err = errors.New("rtc unavailable")
	c.Calibrate(Timestamp{1767574801, 0}, 1000000)
	assert.Equal(t, 2, bk.calls)
	assert.True(t, c.Synced(), "backup failure must not affect calibration")
	assert.Equal(t, Timestamp{1767574801, 0}, c.At(1000000))
}

func TestSyncedStays(t *testing.T) {
	t.Parallel()
	ft := &fakeTicks{}
	c := NewClock(ClockOptions{Ticks: ft})
	c.Calibrate(Timestamp{1700000000, 0}, 0)
	for i := 0; i < 3; i++ {
		ft.advance(4000000000)
		assert.True(t, c.Synced())
	}
}

func TestTimestamp(t *testing.T) {
	t.Parallel()
	ts := Timestamp{1767574800, 5}
	assert.Equal(t, "2026-01-05T01:00:00.000005Z", ts.String())
	assert.Equal(t, time.Date(2026, 1, 5, 1, 0, 0, 5000, time.UTC), ts.Time())
	assert.Equal(t, Timestamp{1767574802, 5}, ts.Add(1999999*time.Microsecond+time.Microsecond))
	assert.Equal(t, Timestamp{1767574801, 0}, Timestamp{1767574800, 999999}.Add(time.Microsecond))
	assert.Equal(t, ts, ts.Add(-time.Second))
	assert.Equal(t, "unknown", Timestamp{}.String())
	assert.Equal(t, "1970-01-01T00:00:00.000001Z", Timestamp{0, 1}.String())
}

func TestElapsed(t *testing.T) {
	t.Parallel()
	assert.Equal(t, uint32(196), Elapsed(4294967200, 100))
	assert.Equal(t, uint32(0), Elapsed(7, 7))
	assert.Equal(t, 1500*time.Millisecond, TicksToDuration(1500000, DefaultTickHz))
	assert.Equal(t, 2*time.Second, TicksToDuration(64, 32))
}

func TestTickHz(t *testing.T) {
	t.Parallel()
	ft := &fakeTicks{}
	c := NewClock(ClockOptions{Ticks: ft, TickHz: 32768})
	c.Calibrate(Timestamp{1700000000, 0}, 0)
	ft.set(32768 + 16384)
	assert.Equal(t, Timestamp{1700000001, 500000}, c.Now())
	assert.Equal(t, time.Unix(1700000001, 500000000).UTC(), c.Time())
}
