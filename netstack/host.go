package netstack

import (
	"context"
	"net"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/telenode/helpers"
	"github.com/temoto/telenode/log2"
)

const DefaultConfigPoll = 500 * time.Millisecond

type HostOptions struct {
	// empty = any up non-loopback interface
	Interface   string
	DialTimeout time.Duration
	ConfigPoll  time.Duration
	Log         *log2.Log
}

// NewHostStack uses the operating system network stack.
// Driver and stack pumps are run by the kernel so they only wait for ctx.
func NewHostStack(opt HostOptions) *Stack {
	if opt.ConfigPoll == 0 {
		opt.ConfigPoll = DefaultConfigPoll
	}
	link := &hostLink{
		name:       opt.Interface,
		poll:       opt.ConfigPoll,
		log:        opt.Log,
		interfaces: net.Interfaces,
	}
	return &Stack{
		Resolver:    net.DefaultResolver,
		Dialer:      &net.Dialer{Timeout: opt.DialTimeout, KeepAlive: -1},
		Packets:     &net.ListenConfig{},
		Link:        link,
		Log:         opt.Log,
		DialTimeout: opt.DialTimeout,
	}
}

func HostFactory(opt HostOptions) Factory {
	return func(ctx context.Context) (*Stack, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return NewHostStack(opt), nil
	}
}

type hostLink struct {
	name       string
	poll       time.Duration
	log        *log2.Log
	interfaces func() ([]net.Interface, error)
}

func (l *hostLink) candidates() ([]net.Interface, error) {
	all, err := l.interfaces()
	if err != nil {
		return nil, errors.Annotatef(ErrLink, "list interfaces err=%v", err)
	}
	result := make([]net.Interface, 0, len(all))
	for _, iface := range all {
		if l.name != "" {
			if iface.Name == l.name {
				result = append(result, iface)
			}
			continue
		}
		if iface.Flags&net.FlagLoopback == 0 {
			result = append(result, iface)
		}
	}
	if l.name != "" && len(result) == 0 {
		return nil, errors.Annotatef(ErrLink, "interface=%s not found", l.name)
	}
	return result, nil
}

func (l *hostLink) Up(ctx context.Context) error {
	ifs, err := l.candidates()
	if err != nil {
		return err
	}
	for _, iface := range ifs {
		if iface.Flags&net.FlagUp != 0 {
			l.log.Debugf("link up interface=%s", iface.Name)
			return nil
		}
	}
	return errors.Annotatef(ErrLink, "no interface up name=%q", l.name)
}

// WaitConfig polls until an IPv4 address is assigned.
func (l *hostLink) WaitConfig(ctx context.Context) error {
	for {
		ifs, err := l.candidates()
		if err != nil {
			return err
		}
		for _, iface := range ifs {
			if iface.Flags&net.FlagUp == 0 {
				continue
			}
			addrs, err := iface.Addrs()
			if err != nil {
				continue
			}
			for _, a := range addrs {
				if ipn, ok := a.(*net.IPNet); ok && ipn.IP.To4() != nil && !ipn.IP.IsLoopback() {
					l.log.Debugf("link config interface=%s addr=%s", iface.Name, ipn)
					return nil
				}
			}
		}
		if err := helpers.SleepContext(ctx, l.poll); err != nil {
			return errors.Annotate(err, "link wait config")
		}
	}
}

func (l *hostLink) RunDriver(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (l *hostLink) RunStack(ctx context.Context) error {
	<-ctx.Done()
	return nil
}
