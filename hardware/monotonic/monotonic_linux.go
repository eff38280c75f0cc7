//go:build linux

package monotonic

import "golang.org/x/sys/unix"

func monotonicNanos() func() int64 {
	return func() int64 {
		var ts unix.Timespec
		if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
			panic("code error CLOCK_MONOTONIC err=" + err.Error())
		}
		return ts.Nano()
	}
}
