package rtc

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/telenode/log2"
	"github.com/temoto/telenode/wallclock"
)

func TestFieldsFrom(t *testing.T) {
	t.Parallel()
	cases := []struct {
		secs   uint64
		expect Fields
	}{
		{0, Fields{Sec: 0, Min: 0, Hour: 0, Mday: 1, Mon: 0, Year: 70}},
		{1709251199, Fields{Sec: 59, Min: 59, Hour: 23, Mday: 29, Mon: 1, Year: 124}},
		{1767574800, Fields{Sec: 0, Min: 0, Hour: 1, Mday: 5, Mon: 0, Year: 126}},
	}
	for _, c := range cases {
		assert.Equal(t, c.expect, FieldsFrom(wallclock.Timestamp{UnixSecs: c.secs, Micros: 999}), "secs=%d", c.secs)
	}
}

func TestMissingDevice(t *testing.T) {
	t.Parallel()
	d := New(filepath.Join(t.TempDir(), "rtc-missing"), log2.NewTest(t, log2.LDebug))
	require.Error(t, d.SetTime(wallclock.Timestamp{UnixSecs: 1767574800}))
	assert.Equal(t, DefaultDevice, New("", nil).Path)
}
