package main

import (
	"context"
	"fmt"

	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"
	"github.com/temoto/telenode/cmd/telenode/subcmd"
	"github.com/temoto/telenode/hardware/deviceid"
	"github.com/temoto/telenode/internal/node"
	"github.com/temoto/telenode/netstack"
	"github.com/temoto/telenode/sntp"
	"github.com/temoto/telenode/wallclock"
)

var runMod = subcmd.Mod{Name: "run", Usage: "keep time synced and publish telemetry", Main: runMain}

func runMain(ctx context.Context, env *subcmd.Env) error {
	config := env.Config
	clock := newClock(env)

	var uplink node.UplinkFactory
	if config.Broker.Enable {
		identity := deviceid.MachineID{Path: config.Hardware.MachineID}
		u, err := node.ConfigUplink(config, clock, identity, env.SubLog("uplink: "))
		if err != nil {
			return errors.Annotate(err, "uplink")
		}
		env.Log.Infof("client id=%s broker=%s:%d", u.ClientID(), config.Broker.Host, config.Broker.Port)
		uplink = u
	}

	var o *node.Orchestrator
	o = node.New(node.Options{
		Config:   config,
		Log:      env.SubLog("node: "),
		NewStack: netstack.HostFactory(hostOptions(env)),
		Clock:    clock,
		Sync:     newSync(env, clock, func(s string) error { return o.LogFrame(s) }),
		Uplink:   uplink,
		OnReady: func() {
			subcmd.SdNotify(env.Log, daemon.SdNotifyReady)
			_ = o.LogFrame(fmt.Sprintf("online synced=%t time=%s", clock.Synced(), clock.Now()))
		},
	})
	defer subcmd.SdNotify(env.Log, daemon.SdNotifyStopping)

	err := o.Run(ctx)
	st := o.Status()
	env.Log.Infof("stop synced=%t last_sync=%s connected=%t published=%d dropped=%d",
		st.Synced, st.LastSync.Format("2006-01-02T15:04:05Z07:00"), st.Connected, st.Published, st.Dropped)
	return err
}

// newSync forwards time sync errors to frame and logs counters after every run.
// frame must not log errors to the sntp logger.
func newSync(env *subcmd.Env, clock *wallclock.Clock, frame func(string) error) netstack.Client[wallclock.Timestamp] {
	log := env.SubLog("sntp: ")
	log.SetErrorFunc(func(e error) { _ = frame("sntp: " + e.Error()) })
	client := sntp.NewClient(env.Config.Sntp(), clock, log)
	return netstack.ClientFunc[wallclock.Timestamp](func(ctx context.Context, stack *netstack.Stack) (wallclock.Timestamp, error) {
		ts, err := client.Run(ctx, stack)
		log.Debugf("stat=%s", client.Stat())
		return ts, err
	})
}
