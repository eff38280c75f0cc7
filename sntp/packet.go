package sntp

import (
	"encoding/binary"
	"fmt"

	"github.com/juju/errors"
	"github.com/temoto/telenode/wallclock"
)

const (
	PacketSize  = 48
	DefaultPort = 123
	// seconds between 1900-01-01 and 1970-01-01
	ntpEpochOffset = 2208988800
	// MinUnixSecs is 2020-01-01, earlier transmit times are rejected.
	MinUnixSecs uint64 = 1577836800

	// LI=0 VN=3 Mode=client
	requestHeader byte = 0x1b
)

type Mode uint8

const (
	ModeReserved Mode = iota
	ModeSymmetricActive
	ModeSymmetricPassive
	ModeClient
	ModeServer
	ModeBroadcast
	ModeControl
	ModePrivate
)

func (m Mode) String() string {
	switch m {
	case ModeReserved:
		return "reserved"
	case ModeSymmetricActive:
		return "symmetric-active"
	case ModeSymmetricPassive:
		return "symmetric-passive"
	case ModeClient:
		return "client"
	case ModeServer:
		return "server"
	case ModeBroadcast:
		return "broadcast"
	case ModeControl:
		return "control"
	case ModePrivate:
		return "private"
	}
	return fmt.Sprintf("mode(%d)", uint8(m))
}

type Stratum uint8

const (
	StratumUnspecified Stratum = 0
	StratumPrimary     Stratum = 1
	StratumUnsync      Stratum = 16
)

func (s Stratum) String() string {
	switch {
	case s == StratumUnspecified:
		return "unspecified"
	case s == StratumPrimary:
		return "primary"
	case s < StratumUnsync:
		return fmt.Sprintf("secondary(%d)", uint8(s))
	case s == StratumUnsync:
		return "unsynchronized"
	}
	return fmt.Sprintf("reserved(%d)", uint8(s))
}

// Valid reports whether stratum is in 1..max.
func (s Stratum) Valid(max Stratum) bool { return s >= StratumPrimary && s <= max }

// Packet keeps only the fields a simple client reads.
// Everything except header and transmit time is sent as zero.
type Packet struct {
	Leap         uint8
	Version      uint8
	Mode         Mode
	Stratum      Stratum
	TransmitSecs uint32
	TransmitFrac uint32
}

func NewRequest() Packet {
	return Packet{
		Version: uint8(requestHeader>>3) & 0x7,
		Mode:    Mode(requestHeader & 0x7),
	}
}

func (p Packet) header() byte {
	return p.Leap<<6 | (p.Version&0x7)<<3 | byte(p.Mode)&0x7
}

func (p Packet) Marshal(b []byte) error {
	if len(b) < PacketSize {
		return errors.Errorf("sntp marshal buffer=%d < %d", len(b), PacketSize)
	}
	for i := range b[:PacketSize] {
		b[i] = 0
	}
	b[0] = p.header()
	b[1] = byte(p.Stratum)
	binary.BigEndian.PutUint32(b[40:], p.TransmitSecs)
	binary.BigEndian.PutUint32(b[44:], p.TransmitFrac)
	return nil
}

// ParsePacket requires exact length.
func ParsePacket(b []byte) (Packet, error) {
	if len(b) != PacketSize {
		return Packet{}, errors.Annotatef(ErrInvalidResponse, "length=%d", len(b))
	}
	return Packet{
		Leap:         b[0] >> 6,
		Version:      (b[0] >> 3) & 0x7,
		Mode:         Mode(b[0] & 0x7),
		Stratum:      Stratum(b[1]),
		TransmitSecs: binary.BigEndian.Uint32(b[40:]),
		TransmitFrac: binary.BigEndian.Uint32(b[44:]),
	}, nil
}

func (p Packet) Timestamp() wallclock.Timestamp { return FromNTP(p.TransmitSecs, p.TransmitFrac) }

// FromNTP saturates pre-1970 seconds at Unix epoch.
func FromNTP(secs, frac uint32) wallclock.Timestamp {
	var unix uint64
	if uint64(secs) > ntpEpochOffset {
		unix = uint64(secs) - ntpEpochOffset
	}
	return wallclock.Timestamp{
		UnixSecs: unix,
		Micros:   uint32((uint64(frac) * 1000000) >> 32),
	}
}
