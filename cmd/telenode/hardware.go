package main

import (
	"github.com/temoto/telenode/cmd/telenode/subcmd"
	"github.com/temoto/telenode/hardware/monotonic"
	"github.com/temoto/telenode/hardware/rtc"
	"github.com/temoto/telenode/netstack"
	"github.com/temoto/telenode/wallclock"
)

func newClock(env *subcmd.Env) *wallclock.Clock {
	ticks := monotonic.New()
	opt := wallclock.ClockOptions{Ticks: ticks, TickHz: ticks.Hz(), Log: env.SubLog("clock: ")}
	if path := env.Config.Hardware.RtcDevice; path != "" {
		opt.Backup = rtc.New(path, opt.Log)
	}
	return wallclock.NewClock(opt)
}

func hostOptions(env *subcmd.Env) netstack.HostOptions {
	return netstack.HostOptions{
		Interface:   env.Config.Hardware.LinkInterface,
		DialTimeout: env.Config.NetworkTimeout(),
		Log:         env.SubLog("net: "),
	}
}
