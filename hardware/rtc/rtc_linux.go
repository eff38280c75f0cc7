//go:build linux

package rtc

import (
	"os"

	"github.com/juju/errors"
	"golang.org/x/sys/unix"
)

func (d *Device) set(f Fields) error {
	file, err := os.OpenFile(d.Path, os.O_RDONLY, 0)
	if err != nil {
		return errors.Annotatef(err, "rtc open")
	}
	defer file.Close()
	value := unix.RTCTime{
		Sec:  f.Sec,
		Min:  f.Min,
		Hour: f.Hour,
		Mday: f.Mday,
		Mon:  f.Mon,
		Year: f.Year,
	}
	if err = unix.IoctlSetRTCTime(int(file.Fd()), &value); err != nil {
		return errors.Annotatef(err, "rtc ioctl RTC_SET_TIME device=%s", d.Path)
	}
	return nil
}
