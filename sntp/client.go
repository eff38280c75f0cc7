// Package sntp is a simple network time client (RFC 4330 subset).
// It queries configured servers in order and calibrates the wall clock from the first valid reply.
package sntp

import (
	"context"
	"expvar"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/telenode/helpers"
	"github.com/temoto/telenode/log2"
	"github.com/temoto/telenode/netstack"
	"github.com/temoto/telenode/wallclock"
)

var (
	ErrInvalidResponse  = errors.New("sntp invalid response")
	ErrServer           = errors.New("sntp server unsuitable")
	ErrAllServersFailed = errors.New("sntp all servers failed")
)

const (
	DefaultTimeout       = 5 * time.Second
	DefaultRetryCount    = 3
	DefaultRetryBackoff  = 2 * time.Second
	DefaultMaxStratum    = 3
	DefaultMaxCorrection = time.Second
)

func DefaultServers() []string {
	return []string{"pool.ntp.org", "time.google.com", "time.cloudflare.com"}
}

type Config struct {
	Servers       []string
	Port          uint16
	Timeout       time.Duration
	RetryCount    int
	RetryBackoff  time.Duration
	RetryBackoffK float32 // 1 = fixed delay
	MaxStratum    Stratum
	// Upper bound for half round trip added to server time.
	MaxCorrection time.Duration
}

func DefaultConfig() Config {
	return Config{
		Servers:       DefaultServers(),
		Port:          DefaultPort,
		Timeout:       DefaultTimeout,
		RetryCount:    DefaultRetryCount,
		RetryBackoff:  DefaultRetryBackoff,
		RetryBackoffK: 1,
		MaxStratum:    DefaultMaxStratum,
		MaxCorrection: DefaultMaxCorrection,
	}
}

func (c *Config) fill() {
	d := DefaultConfig()
	if len(c.Servers) == 0 {
		c.Servers = d.Servers
	}
	if c.Port == 0 {
		c.Port = d.Port
	}
	if c.Timeout == 0 {
		c.Timeout = d.Timeout
	}
	if c.RetryCount <= 0 {
		c.RetryCount = d.RetryCount
	}
	if c.RetryBackoffK == 0 {
		c.RetryBackoffK = d.RetryBackoffK
	}
	if c.MaxStratum == 0 {
		c.MaxStratum = d.MaxStratum
	}
	if c.MaxCorrection == 0 {
		c.MaxCorrection = d.MaxCorrection
	}
}

// Stat values are updated atomically but not consistently.
type Stat struct {
	Attempts   expvar.Int
	Timeouts   expvar.Int
	Failures   expvar.Int
	Successes  expvar.Int
	LastServer expvar.String
}

func (s *Stat) String() string {
	return fmt.Sprintf(`{"attempts":%d,"timeouts":%d,"failures":%d,"successes":%d,"last_server":%s}`,
		s.Attempts.Value(), s.Timeouts.Value(), s.Failures.Value(), s.Successes.Value(), s.LastServer.String())
}

// Client implements netstack.Client[wallclock.Timestamp].
// Only a successful attempt calibrates the clock.
type Client struct {
	mu    sync.Mutex // serializes Run
	cfg   Config
	clock *wallclock.Clock
	log   *log2.Log
	stat  Stat
}

var _ netstack.Client[wallclock.Timestamp] = (*Client)(nil)

func NewClient(cfg Config, clock *wallclock.Clock, log *log2.Log) *Client {
	if clock == nil {
		panic("code error sntp.NewClient clock=nil")
	}
	cfg.fill()
	return &Client{cfg: cfg, clock: clock, log: log}
}

func (c *Client) Config() Config { return c.cfg }
func (c *Client) Stat() *Stat    { return &c.stat }

func (c *Client) Run(ctx context.Context, stack *netstack.Stack) (wallclock.Timestamp, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	errs := make([]error, 0, len(c.cfg.Servers)*c.cfg.RetryCount)
	for _, server := range c.cfg.Servers {
		backoff := helpers.Backoff{
			Min: c.cfg.RetryBackoff,
			Max: c.cfg.RetryBackoff * time.Duration(c.cfg.RetryCount),
			K:   c.cfg.RetryBackoffK,
		}
		for attempt := 1; attempt <= c.cfg.RetryCount; attempt++ {
			if err := helpers.SleepContext(ctx, backoff.DelayBefore()); err != nil {
				return wallclock.Timestamp{}, errors.Annotate(err, "sntp")
			}
			ts, err := c.attempt(ctx, stack, server)
			if err == nil {
				c.stat.Successes.Add(1)
				c.log.Infof("sntp server=%s attempt=%d time=%s", server, attempt, ts)
				return ts, nil
			}
			if ctx.Err() != nil {
				return wallclock.Timestamp{}, errors.Annotate(ctx.Err(), "sntp")
			}
			if errors.IsTimeout(err) {
				c.stat.Timeouts.Add(1)
			} else {
				c.stat.Failures.Add(1)
			}
			c.log.Errorf("sntp server=%s attempt=%d/%d err=%v", server, attempt, c.cfg.RetryCount, err)
			errs = append(errs, errors.Annotatef(err, "server=%s attempt=%d", server, attempt))
			backoff.Failure()
		}
	}
	return wallclock.Timestamp{}, errors.Annotate(ErrAllServersFailed, helpers.FoldErrors(errs).Error())
}

func (c *Client) attempt(ctx context.Context, stack *netstack.Stack, server string) (wallclock.Timestamp, error) {
	c.stat.Attempts.Add(1)
	c.stat.LastServer.Set(server)

	ip, err := stack.ResolveIPv4(ctx, server)
	if err != nil {
		return wallclock.Timestamp{}, err
	}
	conn, err := stack.ListenUDP(ctx)
	if err != nil {
		return wallclock.Timestamp{}, err
	}
	defer conn.Close()

	var req [PacketSize]byte
	if err = NewRequest().Marshal(req[:]); err != nil {
		return wallclock.Timestamp{}, err
	}
	raddr := &net.UDPAddr{IP: ip, Port: int(c.cfg.Port)}

	t0 := c.clock.Ticks()
	if _, err = conn.WriteTo(req[:], raddr); err != nil {
		return wallclock.Timestamp{}, errors.Annotatef(netstack.ErrConnect, "send to=%s err=%v", raddr, err)
	}

	type result struct {
		n    int
		from net.Addr
		err  error
	}
	var buf [PacketSize + 1]byte // +1 detects oversize reply
	rch := make(chan result, 1)
	go func() {
		n, from, err := conn.ReadFrom(buf[:])
		rch <- result{n, from, err}
	}()
	timer := time.NewTimer(c.cfg.Timeout)
	defer timer.Stop()
	var r result
	select {
	case r = <-rch:
	case <-timer.C:
		conn.Close()
		return wallclock.Timestamp{}, errors.Timeoutf("sntp server=%s after %s", server, c.cfg.Timeout)
	case <-ctx.Done():
		conn.Close()
		return wallclock.Timestamp{}, ctx.Err()
	}
	t1 := c.clock.Ticks()
	if r.err != nil {
		return wallclock.Timestamp{}, errors.Annotatef(netstack.ErrConnect, "receive err=%v", r.err)
	}

	if udp, ok := r.from.(*net.UDPAddr); !ok || !udp.IP.Equal(ip) {
		return wallclock.Timestamp{}, errors.Annotatef(ErrInvalidResponse, "source=%v expected=%s", r.from, ip)
	}
	p, err := ParsePacket(buf[:r.n])
	if err != nil {
		return wallclock.Timestamp{}, err
	}
	if p.Mode != ModeServer {
		return wallclock.Timestamp{}, errors.Annotatef(ErrInvalidResponse, "mode=%s", p.Mode)
	}
	if !p.Stratum.Valid(c.cfg.MaxStratum) {
		return wallclock.Timestamp{}, errors.Annotatef(ErrServer, "stratum=%s max=%d", p.Stratum, c.cfg.MaxStratum)
	}
	if p.TransmitSecs == 0 {
		return wallclock.Timestamp{}, errors.Annotatef(ErrInvalidResponse, "transmit timestamp zero")
	}
	if unix := p.Timestamp().UnixSecs; unix < MinUnixSecs {
		return wallclock.Timestamp{}, errors.Annotatef(ErrInvalidResponse, "transmit unix=%d min=%d", unix, MinUnixSecs)
	}

	half := wallclock.TicksToDuration(wallclock.Elapsed(t0, t1), c.clock.TickHz()) / 2
	if half > c.cfg.MaxCorrection {
		half = c.cfg.MaxCorrection
	}
	ts := p.Timestamp().Add(half)
	c.log.Debugf("sntp server=%s stratum=%s rtt/2=%s", server, p.Stratum, half)
	c.clock.Calibrate(ts, t1)
	return ts, nil
}
