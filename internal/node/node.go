// Package node runs the network owner unit and the periodic resync unit.
//
// Owner unit is the only goroutine touching the network stack: it brings link up,
// syncs time, keeps the uplink session and publishes telemetry. Other goroutines
// talk to it only through the bounded Mailbox.
package node

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/telenode/helpers"
	"github.com/temoto/telenode/helpers/atomic_clock"
	"github.com/temoto/telenode/internal/state"
	"github.com/temoto/telenode/log2"
	"github.com/temoto/telenode/netstack"
	"github.com/temoto/telenode/tele/mqtt"
	"github.com/temoto/telenode/wallclock"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultKeepAliveCheck = time.Second

	TopicTelemetry = "telemetry"
	TopicStatus    = "status"
)

var ErrStopped = errors.New("orchestrator stopped")

type Options struct {
	Config   *state.Config
	Log      *log2.Log
	NewStack netstack.Factory
	Clock    *wallclock.Clock
	Sync     netstack.Client[wallclock.Timestamp]
	// nil disables uplink and telemetry
	Uplink UplinkFactory
	// called once after first sync and uplink attempts, whatever their outcome
	OnReady func()

	// Zero values are taken from Config.
	ResyncInterval  time.Duration
	PublishInterval time.Duration
	KeepAliveCheck  time.Duration
}

type Status struct {
	Synced      bool
	LastSync    time.Time
	LastSyncErr error
	Connected   bool
	Published   uint32
	Dropped     uint32
}

// Telemetry is the periodic payload.
type Telemetry struct {
	MsgID     uint32 `json:"msg_id"`
	Timestamp uint64 `json:"timestamp"`
	Micros    uint32 `json:"micros"`
}

type Orchestrator struct {
	opt     Options
	log     *log2.Log
	alive   *alive.Alive
	mailbox *Mailbox

	lastSync  atomic_clock.Clock
	errMu     sync.Mutex
	syncErr   error
	connected uint32
	published uint32
	dropped   uint32

	// owner unit only
	uplink Uplink
	msgID  uint32
}

func New(opt Options) *Orchestrator {
	switch {
	case opt.Config == nil:
		panic("code error node.Options.Config=nil")
	case opt.NewStack == nil:
		panic("code error node.Options.NewStack=nil")
	case opt.Clock == nil:
		panic("code error node.Options.Clock=nil")
	case opt.Sync == nil:
		panic("code error node.Options.Sync=nil")
	}
	if opt.ResyncInterval == 0 {
		opt.ResyncInterval = opt.Config.ResyncInterval()
	}
	if opt.PublishInterval == 0 {
		opt.PublishInterval = opt.Config.PublishInterval()
	}
	if opt.KeepAliveCheck == 0 {
		opt.KeepAliveCheck = DefaultKeepAliveCheck
	}
	return &Orchestrator{
		opt:     opt,
		log:     opt.Log,
		alive:   alive.NewAlive(),
		mailbox: NewMailbox(MailboxDepth),
	}
}

// Run blocks until ctx is done, Stop is called or owner unit fails.
// Stop and ctx cancel are not errors.
func (o *Orchestrator) Run(ctx context.Context) error {
	if !o.alive.Add(2) {
		return ErrStopped
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-o.alive.StopChan():
			cancel()
		case <-ctx.Done():
		}
	}()

	var ownerErr error
	go func() {
		defer o.alive.Done()
		ownerErr = o.runOwner(ctx)
		cancel()
	}()
	go func() {
		defer o.alive.Done()
		o.runResync(ctx)
	}()

	o.alive.WaitTasks()
	o.alive.Stop()
	switch errors.Cause(ownerErr) {
	case nil, context.Canceled, context.DeadlineExceeded:
		return nil
	}
	return ownerErr
}

func (o *Orchestrator) Stop() { o.alive.Stop() }

func (o *Orchestrator) RequestSync() error         { return o.send(SyncRequest()) }
func (o *Orchestrator) LogFrame(text string) error { return o.send(LogFrame(text)) }

func (o *Orchestrator) send(m Message) error {
	err := o.mailbox.Send(m)
	if err != nil {
		atomic.AddUint32(&o.dropped, 1)
		o.log.Debugf("node drop message=%s err=%v", m, err)
	}
	return err
}

func (o *Orchestrator) Status() Status {
	var syncErr error
	helpers.WithLock(&o.errMu, func() { syncErr = o.syncErr })
	return Status{
		Synced:      o.opt.Clock.Synced(),
		LastSync:    o.lastSync.Time(),
		LastSyncErr: syncErr,
		Connected:   atomic.LoadUint32(&o.connected) == 1,
		Published:   atomic.LoadUint32(&o.published),
		Dropped:     atomic.LoadUint32(&o.dropped),
	}
}

func (o *Orchestrator) runOwner(ctx context.Context) error {
	defer o.mailbox.Close()
	stack, err := o.opt.NewStack(ctx)
	if err != nil {
		return errors.Annotate(err, "network stack")
	}

	appCtx, appCancel := context.WithCancel(ctx)
	defer appCancel()
	g, gctx := errgroup.WithContext(appCtx)
	g.Go(func() error {
		return errors.Annotate(stack.Link.RunDriver(gctx), "link driver")
	})
	g.Go(func() error {
		return errors.Annotate(stack.Link.RunStack(gctx), "network stack")
	})
	g.Go(func() error {
		defer appCancel()
		defer o.closeUplinkFinal()
		return o.app(gctx, stack)
	})
	return g.Wait()
}

func (o *Orchestrator) runResync(ctx context.Context) {
	t := time.NewTicker(o.opt.ResyncInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := o.RequestSync(); err != nil {
				o.log.Errorf("node resync request dropped err=%v", err)
			}
		}
	}
}

func (o *Orchestrator) app(ctx context.Context, stack *netstack.Stack) error {
	if err := stack.Link.Up(ctx); err != nil {
		return errors.Annotate(err, "link up")
	}
	if err := stack.Link.WaitConfig(ctx); err != nil {
		return errors.Annotate(err, "link config")
	}
	_ = o.sync(ctx, stack)
	o.connect(ctx, stack)
	if o.opt.OnReady != nil {
		o.opt.OnReady()
	}

	var publishC, keepaliveC <-chan time.Time
	if o.opt.Uplink != nil {
		if o.opt.PublishInterval > 0 {
			t := time.NewTicker(o.opt.PublishInterval)
			defer t.Stop()
			publishC = t.C
		}
		t := time.NewTicker(o.opt.KeepAliveCheck)
		defer t.Stop()
		keepaliveC = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case m, ok := <-o.mailbox.C():
			if !ok {
				return nil
			}
			o.handle(ctx, stack, m)

		case <-publishC:
			if err := o.publishTelemetry(ctx); err != nil {
				o.log.Error(errors.Annotate(err, "telemetry"))
			}

		case <-keepaliveC:
			if o.uplink != nil && o.uplink.KeepAliveDue() {
				if err := o.uplink.Ping(ctx); err != nil {
					o.log.Error(errors.Annotate(err, "uplink keepalive"))
					o.closeUplink(ctx)
				}
			}
		}
	}
}

func (o *Orchestrator) handle(ctx context.Context, stack *netstack.Stack, m Message) {
	o.log.Debugf("node handle %s", m)
	switch m.Kind {
	case MessageSyncRequest:
		_ = o.sync(ctx, stack)
		if o.opt.Uplink != nil && o.opt.Config.Broker.ReconnectOnResync && !o.uplinkConnected() {
			o.connect(ctx, stack)
		}

	case MessageLogFrame:
		o.log.Infof("frame: %s", m.Text)
		if o.uplinkConnected() {
			if err := o.publish(ctx, TopicStatus, []byte(m.Text)); err != nil {
				o.log.Error(errors.Annotate(err, "publish log frame"))
			}
		}

	default:
		o.log.Errorf("code error node unknown message=%s", m)
	}
}

func (o *Orchestrator) sync(ctx context.Context, stack *netstack.Stack) error {
	ts, err := o.opt.Sync.Run(ctx, stack)
	helpers.WithLock(&o.errMu, func() { o.syncErr = err })
	if err != nil {
		o.log.Error(errors.Annotate(err, "time sync"))
		return err
	}
	o.lastSync.SetNow()
	o.log.Infof("time synced %s", ts)
	return nil
}

func (o *Orchestrator) connect(ctx context.Context, stack *netstack.Stack) {
	if o.opt.Uplink == nil {
		return
	}
	o.closeUplink(ctx)
	u, err := o.opt.Uplink.Run(ctx, stack)
	if err != nil {
		o.log.Error(errors.Annotate(err, "uplink connect"))
		return
	}
	o.uplink = u
	atomic.StoreUint32(&o.connected, 1)
}

func (o *Orchestrator) uplinkConnected() bool { return o.uplink != nil && o.uplink.Connected() }

func (o *Orchestrator) closeUplink(ctx context.Context) {
	if o.uplink == nil {
		return
	}
	if err := o.uplink.Close(ctx); err != nil {
		o.log.Debugf("uplink close err=%v", err)
	}
	o.uplink = nil
	atomic.StoreUint32(&o.connected, 0)
}

// closeUplinkFinal gives DISCONNECT a chance after app context is cancelled.
func (o *Orchestrator) closeUplinkFinal() {
	ctx, cancel := context.WithTimeout(context.Background(), o.opt.Config.NetworkTimeout())
	defer cancel()
	o.closeUplink(ctx)
}

func (o *Orchestrator) publish(ctx context.Context, subtopic string, payload []byte) error {
	if o.uplink == nil {
		return mqtt.ErrNotConnected
	}
	err := o.uplink.Publish(ctx, subtopic, payload)
	if err != nil {
		if !o.uplink.Connected() {
			o.closeUplink(ctx)
		}
		return err
	}
	atomic.AddUint32(&o.published, 1)
	return nil
}

func (o *Orchestrator) publishTelemetry(ctx context.Context) error {
	if !o.uplinkConnected() {
		return mqtt.ErrNotConnected
	}
	o.msgID++
	ts := o.opt.Clock.Now()
	b, err := json.Marshal(Telemetry{MsgID: o.msgID, Timestamp: ts.UnixSecs, Micros: ts.Micros})
	if err != nil {
		return errors.Trace(err)
	}
	return o.publish(ctx, TopicTelemetry, b)
}
