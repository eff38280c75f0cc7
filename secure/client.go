// Package secure establishes TLS 1.3 sessions over a netstack.Stack
// using one shared BufferPair for session IO.
package secure

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"io"
	"net"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/telenode/log2"
	"github.com/temoto/telenode/netstack"
)

const DefaultTimeout = 30 * time.Second

var ErrHandshake = errors.New("tls handshake failed")

// Provider supplies randomness, trust decision and certificate time.
type Provider struct {
	Rand     io.Reader
	Verifier Verifier
	// zero result means "system time"
	Time func() time.Time
}

type Options struct {
	Host     string
	Port     uint16
	Buffers  *BufferPair
	Provider Provider
	// Handshake timeout.
	Timeout time.Duration
	// Negotiated suite must be one of these, default TLS_AES_128_GCM_SHA256 only.
	AllowedSuites []uint16
	Log           *log2.Log
}

type Client struct {
	opt Options
}

var _ netstack.Client[*Session] = (*Client)(nil)

func NewClient(opt Options) *Client {
	if opt.Buffers == nil {
		panic("code error secure.NewClient Buffers=nil")
	}
	if opt.Provider.Rand == nil {
		opt.Provider.Rand = rand.Reader
	}
	if opt.Provider.Verifier == nil {
		opt.Provider.Verifier = InsecureAcceptAll{Log: opt.Log}
	}
	if opt.Timeout == 0 {
		opt.Timeout = DefaultTimeout
	}
	if len(opt.AllowedSuites) == 0 {
		opt.AllowedSuites = []uint16{tls.TLS_AES_128_GCM_SHA256}
	}
	return &Client{opt: opt}
}

func (c *Client) tlsConfig() *tls.Config {
	verifier := c.opt.Provider.Verifier
	timefun := c.opt.Provider.Time
	return &tls.Config{
		ServerName: c.opt.Host,
		MinVersion: tls.VersionTLS13,
		MaxVersion: tls.VersionTLS13,
		Rand:       c.opt.Provider.Rand,
		Time: func() time.Time {
			if timefun != nil {
				if t := timefun(); !t.IsZero() {
					return t
				}
			}
			return time.Now()
		},
		// chain is checked by Verifier in VerifyConnection
		InsecureSkipVerify: true,
		VerifyConnection:   verifier.Verify,
	}
}

// Run on failure always releases buffers and closes connection.
func (c *Client) Run(ctx context.Context, stack *netstack.Stack) (*Session, error) {
	log := c.opt.Log
	ip, err := stack.ResolveIPv4(ctx, c.opt.Host)
	if err != nil {
		return nil, err
	}
	conn, err := stack.Dial(ctx, ip, c.opt.Port)
	if err != nil {
		return nil, err
	}
	if err = c.opt.Buffers.Acquire(); err != nil {
		conn.Close()
		return nil, err
	}
	ok := false
	defer func() {
		if !ok {
			conn.Close()
			c.opt.Buffers.Release()
		}
	}()

	tconn := tls.Client(conn, c.tlsConfig())
	hctx, cancel := context.WithTimeout(ctx, c.opt.Timeout)
	defer cancel()
	if err = tconn.HandshakeContext(hctx); err != nil {
		if hctx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return nil, errors.Timeoutf("tls handshake host=%s after %s", c.opt.Host, c.opt.Timeout)
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errors.Annotatef(ErrHandshake, "host=%s err=%v", c.opt.Host, err)
	}
	cs := tconn.ConnectionState()
	if !c.suiteAllowed(cs.CipherSuite) {
		return nil, errors.Annotatef(ErrHandshake, "host=%s cipher suite=%s not allowed", c.opt.Host, tls.CipherSuiteName(cs.CipherSuite))
	}
	log.Debugf("tls connected host=%s addr=%s suite=%s", c.opt.Host, conn.RemoteAddr(), tls.CipherSuiteName(cs.CipherSuite))
	ok = true
	return newSession(tconn, c.opt.Buffers, log), nil
}

func (c *Client) suiteAllowed(id uint16) bool {
	for _, s := range c.opt.AllowedSuites {
		if s == id {
			return true
		}
	}
	return false
}

// Session is a plaintext stream over TLS.
// Reads are staged in the read buffer, writes accumulate until Flush.
// Not safe for concurrent use, owned by one goroutine.
type Session struct {
	conn    *tls.Conn
	bufs    *BufferPair
	log     *log2.Log
	rpos    int
	rend    int
	wlen    int
	closed  bool
	readErr error
}

func newSession(conn *tls.Conn, bufs *BufferPair, log *log2.Log) *Session {
	return &Session{conn: conn, bufs: bufs, log: log}
}

func (s *Session) Read(p []byte) (int, error) {
	if s.closed {
		return 0, net.ErrClosed
	}
	if s.rpos == s.rend {
		if s.readErr != nil {
			return 0, s.readErr
		}
		n, err := s.conn.Read(s.bufs.read[:])
		s.rpos, s.rend = 0, n
		if err != nil {
			s.readErr = err
		}
		if n == 0 {
			return 0, err
		}
	}
	n := copy(p, s.bufs.read[s.rpos:s.rend])
	s.rpos += n
	return n, nil
}

func (s *Session) Write(p []byte) (int, error) {
	if s.closed {
		return 0, net.ErrClosed
	}
	total := 0
	for len(p) > 0 {
		if s.wlen == len(s.bufs.write) {
			if err := s.Flush(); err != nil {
				return total, err
			}
		}
		n := copy(s.bufs.write[s.wlen:], p)
		s.wlen += n
		total += n
		p = p[n:]
	}
	return total, nil
}

func (s *Session) Flush() error {
	if s.closed {
		return net.ErrClosed
	}
	if s.wlen == 0 {
		return nil
	}
	_, err := s.conn.Write(s.bufs.write[:s.wlen])
	s.wlen = 0
	return err
}

func (s *Session) SetDeadline(t time.Time) error { return s.conn.SetDeadline(t) }

func (s *Session) ConnectionState() tls.ConnectionState { return s.conn.ConnectionState() }

// Close sends close_notify and releases buffers once.
func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	err := s.conn.Close()
	s.bufs.Release()
	s.log.Debugf("tls session closed")
	return err
}
