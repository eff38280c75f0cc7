// Package netstacktest provides in-memory collaborators for netstack.Stack in tests.
package netstacktest

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/telenode/log2"
	"github.com/temoto/telenode/netstack"
)

type Resolver struct {
	mu    sync.Mutex
	Hosts map[string][]net.IP
	Calls int
}

func (r *Resolver) LookupIP(ctx context.Context, network, host string) ([]net.IP, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Calls++
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ips, ok := r.Hosts[host]
	if !ok {
		return nil, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
	}
	return ips, nil
}

// DatagramHandler computes reply to one datagram sent to `to`.
// Returning nil reply means the datagram is lost.
type DatagramHandler func(to net.Addr, request []byte) (reply []byte, from net.Addr)

type Packets struct {
	Handler DatagramHandler
	Opened  int32
	Closed  int32
}

func (p *Packets) ListenPacket(ctx context.Context, network, address string) (net.PacketConn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	atomic.AddInt32(&p.Opened, 1)
	return &packetConn{
		owner: p,
		ch:    make(chan datagram, 4),
		done:  make(chan struct{}),
	}, nil
}

type datagram struct {
	b    []byte
	from net.Addr
}

type packetConn struct {
	owner    *Packets
	ch       chan datagram
	done     chan struct{}
	once     sync.Once
	deadline atomic.Value // time.Time
}

func (c *packetConn) ReadFrom(b []byte) (int, net.Addr, error) {
	var timeout <-chan time.Time
	if d, ok := c.deadline.Load().(time.Time); ok && !d.IsZero() {
		t := time.NewTimer(time.Until(d))
		defer t.Stop()
		timeout = t.C
	}
	select {
	case dg := <-c.ch:
		n := copy(b, dg.b)
		return n, dg.from, nil
	case <-c.done:
		return 0, nil, net.ErrClosed
	case <-timeout:
		return 0, nil, errors.Timeoutf("read")
	}
}

func (c *packetConn) WriteTo(b []byte, addr net.Addr) (int, error) {
	select {
	case <-c.done:
		return 0, net.ErrClosed
	default:
	}
	if c.owner.Handler != nil {
		req := append([]byte(nil), b...)
		if reply, from := c.owner.Handler(addr, req); reply != nil {
			select {
			case c.ch <- datagram{b: reply, from: from}:
			default:
			}
		}
	}
	return len(b), nil
}

func (c *packetConn) Close() error {
	c.once.Do(func() {
		atomic.AddInt32(&c.owner.Closed, 1)
		close(c.done)
	})
	return nil
}

func (c *packetConn) LocalAddr() net.Addr {
	return &net.UDPAddr{IP: net.IPv4(10, 0, 0, 2), Port: 40000}
}
func (c *packetConn) SetDeadline(t time.Time) error { return c.SetReadDeadline(t) }
func (c *packetConn) SetReadDeadline(t time.Time) error {
	c.deadline.Store(t)
	return nil
}
func (c *packetConn) SetWriteDeadline(t time.Time) error { return nil }

// Dialer connects to real loopback listeners registered by address,
// so tests can run TLS and MQTT servers on 127.0.0.1 under fake names.
type Dialer struct {
	mu     sync.Mutex
	Routes map[string]string // "ip:port" -> real address
	Err    error
	Dials  int
}

func (d *Dialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	d.mu.Lock()
	d.Dials++
	err := d.Err
	target, ok := d.Routes[address]
	d.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if !ok {
		target = address
	}
	var nd net.Dialer
	return nd.DialContext(ctx, "tcp", target)
}

type Link struct {
	UpErr     error
	ConfigErr error
	Ups       int32
	Configs   int32
}

func (l *Link) Up(ctx context.Context) error {
	atomic.AddInt32(&l.Ups, 1)
	return l.UpErr
}

func (l *Link) WaitConfig(ctx context.Context) error {
	atomic.AddInt32(&l.Configs, 1)
	return l.ConfigErr
}

func (l *Link) RunDriver(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (l *Link) RunStack(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

// Stack wires given collaborators, filling missing ones with empty fakes.
func Stack(log *log2.Log, r *Resolver, d *Dialer, p *Packets, l *Link) *netstack.Stack {
	if r == nil {
		r = &Resolver{}
	}
	if d == nil {
		d = &Dialer{}
	}
	if p == nil {
		p = &Packets{}
	}
	if l == nil {
		l = &Link{}
	}
	return &netstack.Stack{
		Resolver: r,
		Dialer:   d,
		Packets:  p,
		Link:     l,
		Log:      log,
	}
}

type Ticks struct{ v uint32 }

func (t *Ticks) Ticks() uint32    { return atomic.LoadUint32(&t.v) }
func (t *Ticks) Set(v uint32)     { atomic.StoreUint32(&t.v, v) }
func (t *Ticks) Advance(d uint32) { atomic.AddUint32(&t.v, d) }
