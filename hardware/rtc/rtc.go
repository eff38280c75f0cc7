// Package rtc writes calibrated time into the battery-backed hardware clock.
package rtc

import (
	"github.com/temoto/telenode/calendar"
	"github.com/temoto/telenode/log2"
	"github.com/temoto/telenode/wallclock"
)

const DefaultDevice = "/dev/rtc0"

// Fields are struct rtc_time values (month 0-based, year since 1900).
// Weekday is left 0, the hardware clock does not rely on it.
type Fields struct {
	Sec, Min, Hour, Mday, Mon, Year int32
}

func FieldsFrom(ts wallclock.Timestamp) Fields {
	c := calendar.FromUnix(ts.UnixSecs)
	return Fields{
		Sec:  int32(c.Second),
		Min:  int32(c.Minute),
		Hour: int32(c.Hour),
		Mday: int32(c.Day),
		Mon:  int32(c.Month) - 1,
		Year: int32(c.Year) - 1900,
	}
}

// Device implements wallclock.Backup.
type Device struct {
	Path string
	Log  *log2.Log
}

var _ wallclock.Backup = (*Device)(nil)

func New(path string, log *log2.Log) *Device {
	if path == "" {
		path = DefaultDevice
	}
	return &Device{Path: path, Log: log}
}

func (d *Device) SetTime(ts wallclock.Timestamp) error {
	f := FieldsFrom(ts)
	if err := d.set(f); err != nil {
		return err
	}
	d.Log.Debugf("rtc %s set %s", d.Path, ts.Civil())
	return nil
}
