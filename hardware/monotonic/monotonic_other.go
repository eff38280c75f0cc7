//go:build !linux

package monotonic

import "time"

func monotonicNanos() func() int64 {
	start := time.Now()
	return func() int64 { return int64(time.Since(start)) }
}
