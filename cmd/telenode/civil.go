package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/juju/errors"
	"github.com/temoto/telenode/calendar"
	"github.com/temoto/telenode/cmd/telenode/subcmd"
)

var civilMod = subcmd.Mod{Name: "civil", Usage: "print civil UTC time of unix seconds", NoConfig: true, Main: civilMain}

func civilMain(ctx context.Context, env *subcmd.Env) error {
	if len(env.Args) == 0 {
		return errors.NotValidf("civil requires unix seconds argument")
	}
	for _, arg := range env.Args {
		secs, err := strconv.ParseUint(arg, 10, 64)
		if err != nil {
			return errors.NotValidf("unix seconds=%q", arg)
		}
		if secs > calendar.MaxUnix {
			env.Log.Infof("%d beyond supported range, clamped", secs)
		}
		c := calendar.FromUnix(secs)
		fmt.Fprintf(env.Out, "%d %s\n", secs, c)
	}
	return nil
}
