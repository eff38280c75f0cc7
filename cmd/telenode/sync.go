package main

import (
	"context"
	"fmt"

	"github.com/juju/errors"
	"github.com/temoto/telenode/cmd/telenode/subcmd"
	"github.com/temoto/telenode/netstack"
	"github.com/temoto/telenode/sntp"
)

var syncMod = subcmd.Mod{Name: "sync", Usage: "query time servers once and print result", Main: syncMain}

func syncMain(ctx context.Context, env *subcmd.Env) error {
	clock := newClock(env)
	stack := netstack.NewHostStack(hostOptions(env))
	if err := stack.Link.Up(ctx); err != nil {
		return errors.Annotate(err, "link up")
	}
	if err := stack.Link.WaitConfig(ctx); err != nil {
		return errors.Annotate(err, "link config")
	}

	client := sntp.NewClient(env.Config.Sntp(), clock, env.SubLog("sntp: "))
	ts, err := client.Run(ctx, stack)
	env.Log.Debugf("sntp stat=%s", client.Stat().String())
	if err != nil {
		return err
	}
	fmt.Fprintf(env.Out, "%s server=%s now=%s\n", ts, client.Stat().LastServer.Value(), clock.Now())
	return nil
}
