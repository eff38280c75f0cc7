package main

import (
	"context"
	"net"
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/telenode/cmd/telenode/subcmd"
	"github.com/temoto/telenode/internal/state"
	"github.com/temoto/telenode/log2"
	"github.com/temoto/telenode/netstack/netstacktest"
	"github.com/temoto/telenode/sntp"
	"github.com/temoto/telenode/wallclock"
)

func TestSyncErrorFrames(t *testing.T) {
	t.Parallel()
	config := state.NewDefaultConfig()
	config.TimeSync.Servers = []string{"nowhere.invalid"}
	config.TimeSync.RetryCount = 2
	config.TimeSync.RetryBackoffMs = 1
	env := &subcmd.Env{Config: config, Log: log2.NewTest(t, log2.LDebug), Level: log2.LDebug}
	clock := wallclock.NewClock(wallclock.ClockOptions{Ticks: &netstacktest.Ticks{}})

	var frames []string
	sync := newSync(env, clock, func(s string) error {
		frames = append(frames, s)
		return nil
	})
	resolver := &netstacktest.Resolver{Hosts: map[string][]net.IP{}}
	stack := netstacktest.Stack(nil, resolver, nil, &netstacktest.Packets{}, nil)
	_, err := sync.Run(context.Background(), stack)
	require.Error(t, err)
	assert.Equal(t, sntp.ErrAllServersFailed, errors.Cause(err))
	require.Len(t, frames, 2)
	for _, f := range frames {
		assert.Contains(t, f, "sntp: sntp server=nowhere.invalid")
	}
	assert.False(t, clock.Synced())
}
