package mqtt

import (
	"encoding/hex"
	"strings"

	"github.com/juju/errors"
)

const (
	ArenaSize      = 2048
	MaxTopicLen    = 64
	MaxClientIDLen = 48
)

var (
	ErrConnectionFailed = errors.New("mqtt connection failed")
	ErrPublishFailed    = errors.New("mqtt publish failed")
	ErrProtocol         = errors.New("mqtt protocol error")
	ErrBuffer           = errors.New("mqtt buffer exhausted")
	ErrNotConnected     = errors.New("mqtt not connected")
)

// Arena is a bump allocator sized for a single in-flight packet.
type Arena struct {
	buf  [ArenaSize]byte
	used int
}

func (a *Arena) Alloc(n int) ([]byte, error) {
	if n < 0 || n > len(a.buf)-a.used {
		return nil, errors.Annotatef(ErrBuffer, "alloc=%d free=%d", n, len(a.buf)-a.used)
	}
	b := a.buf[a.used : a.used+n : a.used+n]
	a.used += n
	return b, nil
}

func (a *Arena) Reset() { a.used = 0 }

func validComponent(kind, s string) error {
	if s == "" {
		return errors.Annotatef(ErrProtocol, "%s empty", kind)
	}
	if i := strings.IndexAny(s, "+#\x00"); i >= 0 {
		return errors.Annotatef(ErrProtocol, "%s=%q invalid char at %d", kind, s, i)
	}
	return nil
}

// ClientID formats prefix-hex(uid).
func ClientID(prefix string, uid []byte) (string, error) {
	if err := validComponent("client prefix", prefix); err != nil {
		return "", err
	}
	if strings.Contains(prefix, "/") {
		return "", errors.Annotatef(ErrProtocol, "client prefix=%q contains /", prefix)
	}
	n := len(prefix) + 1 + hex.EncodedLen(len(uid))
	if n > MaxClientIDLen {
		return "", errors.Annotatef(ErrBuffer, "client id length=%d max=%d", n, MaxClientIDLen)
	}
	var buf [MaxClientIDLen]byte
	w := copy(buf[:], prefix)
	buf[w] = '-'
	w++
	w += hex.Encode(buf[w:], uid)
	return string(buf[:w]), nil
}

// FormatTopic builds namespace/clientID/subtopic in a fixed MaxTopicLen buffer.
func FormatTopic(namespace, clientID, subtopic string) (string, error) {
	if err := validComponent("namespace", namespace); err != nil {
		return "", err
	}
	if err := validComponent("client id", clientID); err != nil {
		return "", err
	}
	if err := validComponent("subtopic", subtopic); err != nil {
		return "", err
	}
	var buf [MaxTopicLen]byte
	w := 0
	for i, part := range [3]string{namespace, clientID, subtopic} {
		if i > 0 {
			if w >= len(buf) {
				return "", errors.Annotatef(ErrBuffer, "topic length>%d", MaxTopicLen)
			}
			buf[w] = '/'
			w++
		}
		if len(part) > len(buf)-w {
			return "", errors.Annotatef(ErrBuffer, "topic length>%d", MaxTopicLen)
		}
		w += copy(buf[w:], part)
	}
	return string(buf[:w]), nil
}
