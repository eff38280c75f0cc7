// Package netstack is the network-stack object a protocol client runs on.
// A Stack is built inside its owner goroutine by a Factory and never shared;
// protocol clients receive it as an exclusive borrow for one Run call.
package netstack

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/telenode/log2"
)

var (
	ErrResolve = errors.New("dns resolve failed")
	ErrConnect = errors.New("connect failed")
	ErrLink    = errors.New("link failed")
)

type Resolver interface {
	LookupIP(ctx context.Context, network, host string) ([]net.IP, error)
}

type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

type PacketListener interface {
	ListenPacket(ctx context.Context, network, address string) (net.PacketConn, error)
}

// Link is the physical interface and its driver.
// RunDriver and RunStack are pumps that return only when ctx is done or on fatal error.
type Link interface {
	Up(ctx context.Context) error
	WaitConfig(ctx context.Context) error
	RunDriver(ctx context.Context) error
	RunStack(ctx context.Context) error
}

type Stack struct {
	Resolver Resolver
	Dialer   Dialer
	Packets  PacketListener
	Link     Link
	Log      *log2.Log
	// Upper bound for one connect, 0 = only ctx.
	DialTimeout time.Duration
}

type Factory func(ctx context.Context) (*Stack, error)

// Client is one protocol run borrowing the stack exclusively.
type Client[T any] interface {
	Run(ctx context.Context, stack *Stack) (T, error)
}

// ClientFunc adapts a function to Client.
type ClientFunc[T any] func(ctx context.Context, stack *Stack) (T, error)

func (f ClientFunc[T]) Run(ctx context.Context, stack *Stack) (T, error) { return f(ctx, stack) }

// ResolveIPv4 returns first IPv4 address of host.
func (s *Stack) ResolveIPv4(ctx context.Context, host string) (net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		if ip4 := ip.To4(); ip4 != nil {
			return ip4, nil
		}
		return nil, errors.Annotatef(ErrResolve, "host=%s not ipv4", host)
	}
	ips, err := s.Resolver.LookupIP(ctx, "ip4", host)
	if err != nil {
		return nil, errors.Annotatef(ErrResolve, "host=%s err=%v", host, err)
	}
	for _, ip := range ips {
		if ip4 := ip.To4(); ip4 != nil {
			return ip4, nil
		}
	}
	return nil, errors.Annotatef(ErrResolve, "host=%s no ipv4 address", host)
}

// Dial connects TCP to ip:port, honoring DialTimeout and ctx deadline.
func (s *Stack) Dial(ctx context.Context, ip net.IP, port uint16) (net.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.DialTimeout != 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.DialTimeout)
		defer cancel()
	}
	addr := net.JoinHostPort(ip.String(), strconv.Itoa(int(port)))
	conn, err := s.Dialer.DialContext(ctx, "tcp4", addr)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, errors.Timeoutf("connect %s", addr)
		}
		return nil, errors.Annotatef(ErrConnect, "addr=%s err=%v", addr, err)
	}
	return conn, nil
}

// ListenUDP opens an ephemeral local datagram endpoint.
func (s *Stack) ListenUDP(ctx context.Context) (net.PacketConn, error) {
	pc, err := s.Packets.ListenPacket(ctx, "udp4", ":0")
	if err != nil {
		return nil, errors.Annotatef(ErrConnect, "listen udp err=%v", err)
	}
	return pc, nil
}
