package helpers

import (
	"sync/atomic"
	"time"

	"github.com/temoto/telenode/helpers/atomic_clock"
)

// Limited exponential backoff for retry delays.
// K=1 or Min=Max gives fixed delay.
// First DelayBefore() is always 0.
// Failure() multiplies next delay by K.
type Backoff struct {
	next     int64 // atomic align
	failures uint32
	last     atomic_clock.Clock

	Min time.Duration
	Max time.Duration
	K   float32
	Res time.Duration // delay resolution, default=1ms
}

// Use scenario:
//
//	for {
//		err := op()
//		sleep(backoff.DelayAfter(err == nil))
//	}
func (b *Backoff) DelayAfter(success bool) time.Duration {
	atomic.CompareAndSwapInt64(&b.next, 0, int64(b.Min))
	b.Update(success)
	if success {
		return 0
	}
	return b.DelayBefore()
}

// Use scenario:
//
//	for {
//		sleep(backoff.DelayBefore())
//		err := op()
//		backoff.Update(err == nil)
//	}
func (b *Backoff) DelayBefore() time.Duration {
	next := time.Duration(atomic.LoadInt64(&b.next))
	if next == 0 || atomic.LoadUint32(&b.failures) == 0 {
		return 0
	}
	delay := b.limit(next)
	since := atomic_clock.Since(&b.last)
	if since >= delay {
		return 0
	}
	return b.round(delay - since)
}

// Failure increases next delay.
// The very first failure keeps Min.
func (b *Backoff) Failure() {
	next := time.Duration(atomic.LoadInt64(&b.next))
	if atomic.AddUint32(&b.failures, 1) > 1 {
		k := b.K
		if k <= 0 {
			k = 1
		}
		next = time.Duration(float32(next) * k)
	}
	next = b.limit(next)
	b.last.SetNow()
	atomic.StoreInt64(&b.next, int64(next))
}

func (b *Backoff) Reset() {
	b.last.SetNow()
	atomic.StoreUint32(&b.failures, 0)
	atomic.StoreInt64(&b.next, int64(b.Min))
}

func (b *Backoff) Update(success bool) {
	if success {
		b.Reset()
	} else {
		b.Failure()
	}
}

func (b *Backoff) limit(d time.Duration) time.Duration {
	if d < b.Min {
		d = b.Min
	}
	if b.Max != 0 && d > b.Max {
		d = b.Max
	}
	return b.round(d)
}

func (b *Backoff) round(d time.Duration) time.Duration {
	res := b.Res
	if res == 0 {
		res = 1 * time.Millisecond
	}
	return d / res * res
}
