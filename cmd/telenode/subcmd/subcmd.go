// Support sub-commands in telenode application.
// It's simple but fine so far.
package subcmd

import (
	"context"
	"fmt"
	"io"

	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"
	"github.com/temoto/telenode/internal/state"
	"github.com/temoto/telenode/log2"
)

type Env struct {
	// nil for NoConfig modules
	Config *state.Config
	Log    *log2.Log
	Level  log2.Level
	Args   []string
	Out    io.Writer
}

// SubLog returns component logger with prefix, e.g. "sntp: ".
func (e *Env) SubLog(prefix string) *log2.Log {
	l := e.Log.Clone(e.Level)
	l.SetPrefix(prefix)
	return l
}

type Mod struct {
	Name     string
	Usage    string
	NoConfig bool
	Main     func(context.Context, *Env) error
}

func Parse(command string, modules []Mod) (*Mod, error) {
	if command == "" {
		return nil, errors.NotValidf("empty command")
	}

	var found *Mod
	for i := range modules {
		m := &modules[i]
		if m.Name == "" {
			panic(fmt.Sprintf("code error Name='' module=%#v", m))
		}
		if command == m.Name {
			found = m
			break
		}
	}
	if found == nil {
		return nil, errors.NotFoundf("command='%s'", command)
	}
	return found, nil
}

func Usage(w io.Writer, program string, modules []Mod) {
	fmt.Fprintf(w, "usage: %s [-config telenode.hcl] command [args]\ncommands:\n", program)
	for _, m := range modules {
		fmt.Fprintf(w, "  %-8s %s\n", m.Name, m.Usage)
	}
}

// SdNotify returns true when running under systemd.
func SdNotify(log *log2.Log, s string) bool {
	ok, err := daemon.SdNotify(false, s)
	if err != nil {
		log.Errorf("sdnotify state=%s err=%v", s, errors.ErrorStack(err))
	}
	return ok
}
