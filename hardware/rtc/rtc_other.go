//go:build !linux

package rtc

import "github.com/juju/errors"

func (d *Device) set(f Fields) error {
	return errors.NotSupportedf("rtc device=%s on this platform", d.Path)
}
