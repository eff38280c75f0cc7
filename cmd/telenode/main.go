package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/juju/errors"
	"github.com/mattn/go-isatty"
	"github.com/temoto/telenode/cmd/telenode/subcmd"
	"github.com/temoto/telenode/internal/state"
	"github.com/temoto/telenode/log2"
)

var modules = []subcmd.Mod{
	runMod,
	syncMod,
	civilMod,
}

func main() {
	flagConfig := flag.String("config", "telenode.hcl", "")
	flagDebug := flag.Bool("debug", false, "override log_debug")
	flag.Usage = func() { subcmd.Usage(flag.CommandLine.Output(), os.Args[0], modules) }
	flag.Parse()

	log := log2.NewStderr(log2.LInfo)
	if subcmd.SdNotify(log, "STATUS=start") {
		// we're under systemd, assume systemd journal logging, remove timestamp
		log.SetFlags(log2.LServiceFlags)
	} else if isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd()) {
		log.SetFlags(log2.LInteractiveFlags)
	}

	mod, err := subcmd.Parse(flag.Arg(0), modules)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		flag.Usage()
		os.Exit(2)
	}

	env := &subcmd.Env{Log: log, Level: log2.LInfo, Args: flag.Args()[1:], Out: os.Stdout}
	if !mod.NoConfig {
		env.Config = state.MustReadConfig(log, state.NewOsFullReader(), *flagConfig)
		if env.Config.LogDebug {
			env.Level = log2.LDebug
		}
	}
	if *flagDebug {
		env.Level = log2.LDebug
	}
	log.SetLevel(env.Level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := mod.Main(ctx, env); err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
}
