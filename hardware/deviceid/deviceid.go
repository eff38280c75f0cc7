// Package deviceid supplies the stable per-device unique id used in MQTT client id.
package deviceid

import (
	"encoding/hex"
	"io/ioutil"
	"strings"

	"github.com/juju/errors"
)

// UIDLen matches 96-bit MCU unique id.
const UIDLen = 12

const DefaultMachineIDPath = "/etc/machine-id"

// MachineID reads systemd machine-id (32 hex digits).
type MachineID struct {
	Path string
}

func (m MachineID) UniqueID() ([]byte, error) {
	path := m.Path
	if path == "" {
		path = DefaultMachineIDPath
	}
	b, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, errors.Annotate(err, "machine-id")
	}
	return Parse(string(b))
}

func Parse(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, errors.NotValidf("machine-id=%q", s)
	}
	if len(raw) < UIDLen {
		return nil, errors.NotValidf("machine-id length=%d", len(raw))
	}
	return raw[:UIDLen], nil
}

// Static fixed id.
type Static []byte

func (s Static) UniqueID() ([]byte, error) {
	if len(s) == 0 {
		return nil, errors.NotFoundf("static device id")
	}
	return []byte(s), nil
}
