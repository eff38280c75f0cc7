package netstack_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/telenode/log2"
	"github.com/temoto/telenode/netstack"
	"github.com/temoto/telenode/netstack/netstacktest"
)

func TestResolveIPv4(t *testing.T) {
	t.Parallel()
	r := &netstacktest.Resolver{Hosts: map[string][]net.IP{
		"dual.example": {net.ParseIP("2001:db8::1"), net.IPv4(192, 0, 2, 7)},
		"v6.example":   {net.ParseIP("2001:db8::2")},
	}}
	stack := netstacktest.Stack(log2.NewTest(t, log2.LDebug), r, nil, nil, nil)
	ctx := context.Background()

	cases := []struct {
		host   string
		expect string
		err    error
	}{
		{"dual.example", "192.0.2.7", nil},
		{"198.51.100.1", "198.51.100.1", nil},
		{"v6.example", "", netstack.ErrResolve},
		{"missing.example", "", netstack.ErrResolve},
		{"::1", "", netstack.ErrResolve},
	}
	for _, c := range cases {
		c := c
		t.Run(c.host, func(t *testing.T) {
			ip, err := stack.ResolveIPv4(ctx, c.host)
			if c.err != nil {
				require.Error(t, err)
				assert.Equal(t, c.err, errors.Cause(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, c.expect, ip.String())
		})
	}
}

func TestDial(t *testing.T) {
	t.Parallel()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			conn.Close()
		}
	}()

	d := &netstacktest.Dialer{Routes: map[string]string{"192.0.2.10:8883": ln.Addr().String()}}
	stack := netstacktest.Stack(nil, nil, d, nil, nil)
	conn, err := stack.Dial(context.Background(), net.IPv4(192, 0, 2, 10), 8883)
	require.NoError(t, err)
	conn.Close()

	d.Err = errors.New("connection refused")
	_, err = stack.Dial(context.Background(), net.IPv4(192, 0, 2, 10), 8883)
	require.Error(t, err)
	assert.Equal(t, netstack.ErrConnect, errors.Cause(err))
	assert.Equal(t, 2, d.Dials)
}

func TestClientFunc(t *testing.T) {
	t.Parallel()
	var c netstack.Client[int] = netstack.ClientFunc[int](func(ctx context.Context, s *netstack.Stack) (int, error) {
		return 42, nil
	})
	v, err := c.Run(context.Background(), netstacktest.Stack(nil, nil, nil, nil, nil))
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestHostLink(t *testing.T) {
	t.Parallel()
	stack := netstack.NewHostStack(netstack.HostOptions{Interface: "telenode-test-missing0", ConfigPoll: time.Millisecond})
	err := stack.Link.Up(context.Background())
	require.Error(t, err)
	assert.Equal(t, netstack.ErrLink, errors.Cause(err))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, stack.Link.RunDriver(ctx))
	assert.NoError(t, stack.Link.RunStack(ctx))

	err = stack.Link.WaitConfig(ctx)
	require.Error(t, err)
	assert.Equal(t, netstack.ErrLink, errors.Cause(err))
}
