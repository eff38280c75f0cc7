// Package calendar converts Unix seconds to proleptic Gregorian civil date/time and back
// in constant time (Howard Hinnant's civil_from_days / days_from_civil).
//
// Supported range is 1970-01-01T00:00:00Z .. 2105-12-31T23:59:59Z.
// Upper bound comes from the 16-bit year field and 32-bit calibration seconds.
// UTC only, no leap seconds. Day of week is not computed.
package calendar

import "fmt"

const (
	MinYear uint16 = 1970
	MaxYear uint16 = 2105
	// MaxUnix is 2105-12-31T23:59:59Z.
	MaxUnix uint64 = 4291747199

	secondsPerDay = 86400
	// days from 0000-03-01 to 1970-01-01
	epochShift = 719468
	daysPerEra = 146097
)

type Civil struct {
	Year   uint16
	Month  uint8 // 1..12
	Day    uint8 // 1..31
	Hour   uint8
	Minute uint8
	Second uint8
}

// Divisible by 4 and not by 100, unless divisible by 400.
func IsLeapYear(year uint16) bool {
	return (year%4 == 0 && year%100 != 0) || year%400 == 0
}

func DaysInMonth(year uint16, month uint8) uint8 {
	switch month {
	case 1, 3, 5, 7, 8, 10, 12:
		return 31
	case 4, 6, 9, 11:
		return 30
	case 2:
		if IsLeapYear(year) {
			return 29
		}
		return 28
	}
	return 0
}

// FromUnix clamps secs above MaxUnix.
func FromUnix(secs uint64) Civil {
	if secs > MaxUnix {
		secs = MaxUnix
	}
	days := int64(secs / secondsPerDay)
	rem := secs % secondsPerDay
	y, m, d := civilFromDays(days)
	return Civil{
		Year:   y,
		Month:  m,
		Day:    d,
		Hour:   uint8(rem / 3600),
		Minute: uint8(rem % 3600 / 60),
		Second: uint8(rem % 60),
	}
}

// Unix is the inverse of FromUnix. Result is meaningful only for Valid() input.
func (c Civil) Unix() uint64 {
	days := daysFromCivil(c.Year, c.Month, c.Day)
	if days < 0 {
		return 0
	}
	return uint64(days)*secondsPerDay + uint64(c.Hour)*3600 + uint64(c.Minute)*60 + uint64(c.Second)
}

func (c Civil) Valid() bool {
	return c.Year >= MinYear && c.Year <= MaxYear &&
		c.Month >= 1 && c.Month <= 12 &&
		c.Day >= 1 && c.Day <= DaysInMonth(c.Year, c.Month) &&
		c.Hour < 24 && c.Minute < 60 && c.Second < 60
}

func (c Civil) String() string {
	return fmt.Sprintf("%04d-%02d-%02dT%02d:%02d:%02dZ", c.Year, c.Month, c.Day, c.Hour, c.Minute, c.Second)
}

func civilFromDays(days int64) (uint16, uint8, uint8) {
	z := days + epochShift
	era := z
	if era < 0 {
		era -= daysPerEra - 1
	}
	era /= daysPerEra
	doe := uint32(z - era*daysPerEra)                      // [0, 146096]
	yoe := (doe - doe/1460 + doe/36524 - doe/146096) / 365 // [0, 399]
	y := int64(yoe) + era*400
	doy := doe - (365*yoe + yoe/4 - yoe/100) // [0, 365]
	mp := (5*doy + 2) / 153                  // March=0 .. February=11
	d := uint8(doy - (153*mp+2)/5 + 1)
	var m uint8
	if mp < 10 {
		m = uint8(mp + 3)
	} else {
		m = uint8(mp - 9)
	}
	if m <= 2 {
		y++
	}
	return uint16(y), m, d
}

func daysFromCivil(year uint16, month, day uint8) int64 {
	y := int64(year)
	m := int64(month)
	if m <= 2 {
		y--
		m += 9
	} else {
		m -= 3
	}
	era := y
	if era < 0 {
		era -= 399
	}
	era /= 400
	yoe := y - era*400
	doy := (153*m+2)/5 + int64(day) - 1
	doe := yoe*365 + yoe/4 - yoe/100 + doy
	return era*daysPerEra + doe - epochShift
}
