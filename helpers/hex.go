package helpers

import "encoding/hex"

// MustHex decodes compile-time constants and test fixtures.
func MustHex(s string) []byte {
	b, err := hex.DecodeString(s)
	if err != nil {
		panic(err)
	}
	return b
}
