package secure

import (
	"sync/atomic"

	"github.com/juju/errors"
)

const (
	// max plaintext 16384 + header 5 + content type 1 + tag 16 + padding slack
	ReadBufferSize  = 18 << 10
	WriteBufferSize = 16 << 10
)

var ErrBuffersInUse = errors.New("tls buffers in use")

// BufferPair is the one read/write buffer set a secure session may hold.
// At most one session holds it at a time, enforced by an explicit in-use flag.
type BufferPair struct {
	inUse uint32
	read  [ReadBufferSize]byte
	write [WriteBufferSize]byte
}

func NewBufferPair() *BufferPair { return &BufferPair{} }

func (b *BufferPair) Acquire() error {
	if !atomic.CompareAndSwapUint32(&b.inUse, 0, 1) {
		return ErrBuffersInUse
	}
	return nil
}

// Release must be called exactly once per successful Acquire.
func (b *BufferPair) Release() {
	if !atomic.CompareAndSwapUint32(&b.inUse, 1, 0) {
		panic("code error secure.BufferPair double release")
	}
}

func (b *BufferPair) InUse() bool { return atomic.LoadUint32(&b.inUse) == 1 }
