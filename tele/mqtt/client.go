package mqtt

import (
	"context"
	"io"
	"net"
	"time"

	"github.com/256dpi/gomqtt/packet"
	"github.com/juju/errors"
	"github.com/temoto/telenode/helpers/atomic_clock"
	"github.com/temoto/telenode/log2"
)

const DefaultNetworkTimeout = 30 * time.Second

// KeepAlive in seconds, KeepAliveInfinite disables the mechanism.
type KeepAlive uint16

const KeepAliveInfinite KeepAlive = 0

func (k KeepAlive) Duration() time.Duration { return time.Duration(k) * time.Second }

// SessionExpiry only supports EndOnDisconnect with MQTT 3.1.1 wire protocol.
type SessionExpiry uint32

const EndOnDisconnect SessionExpiry = 0

type ConnectOptions struct {
	SessionExpiry SessionExpiry
	CleanStart    bool
	KeepAlive     KeepAlive
	Username      string
	Password      string
	Will          *packet.Message
}

type PublishOptions struct {
	QoS    packet.QOS
	Retain bool
}

// Stream is an established secure byte stream, satisfied by *secure.Session.
type Stream interface {
	io.ReadWriter
	Flush() error
}

type deadliner interface {
	SetDeadline(time.Time) error
}

// Identity is the stable per-device unique id source.
type Identity interface {
	UniqueID() ([]byte, error)
}

type ClientOptions struct {
	Prefix         string
	Namespace      string
	Identity       Identity
	Connect        ConnectOptions
	NetworkTimeout time.Duration
	Log            *log2.Log
}

// Telemetry publisher over a borrowed Stream.
// - synchronous, owned by one goroutine
// - clean session only, no subscriptions
// - QOS 0,1
// - every packet is encoded into and decoded from the single Arena
type Client struct {
	opt       ClientOptions
	id        string
	arena     Arena
	stream    Stream
	lastID    packet.ID
	connected bool
	sentAt    atomic_clock.Clock // last outgoing control packet
	recvAt    atomic_clock.Clock // last incoming control packet
}

func NewClient(opt ClientOptions) (*Client, error) {
	if opt.Identity == nil {
		return nil, errors.NotValidf("code error mqtt.ClientOptions.Identity=nil")
	}
	if opt.Connect.SessionExpiry != EndOnDisconnect {
		return nil, errors.NotValidf("mqtt session expiry=%d (only end-on-disconnect)", opt.Connect.SessionExpiry)
	}
	if opt.NetworkTimeout == 0 {
		opt.NetworkTimeout = DefaultNetworkTimeout
	}
	opt.Namespace = defaultString(opt.Namespace, "device")
	if err := validComponent("namespace", opt.Namespace); err != nil {
		return nil, err
	}
	uid, err := opt.Identity.UniqueID()
	if err != nil {
		return nil, errors.Annotate(err, "mqtt device unique id")
	}
	id, err := ClientID(opt.Prefix, uid)
	if err != nil {
		return nil, err
	}
	return &Client{opt: opt, id: id, lastID: packet.ID(time.Now().UnixNano())}, nil
}

func (c *Client) ClientID() string { return c.id }
func (c *Client) Connected() bool  { return c.connected }

// Topic returns full topic for subtopic.
func (c *Client) Topic(subtopic string) (string, error) {
	return FormatTopic(c.opt.Namespace, c.id, subtopic)
}

// Connect sends CONNECT and waits CONNACK.
func (c *Client) Connect(ctx context.Context, s Stream) error {
	c.connected = false
	c.stream = s

	conpkt := packet.NewConnect()
	conpkt.Version = 4 // 3.1.1
	conpkt.ClientID = c.id
	conpkt.KeepAlive = uint16(c.opt.Connect.KeepAlive)
	conpkt.CleanSession = c.opt.Connect.CleanStart
	conpkt.Username = c.opt.Connect.Username
	conpkt.Password = c.opt.Connect.Password
	conpkt.Will = c.opt.Connect.Will
	if err := c.send(ctx, conpkt); err != nil {
		c.stream = nil
		return connectError(err)
	}

	pkt, err := c.receive(ctx)
	if err != nil {
		c.stream = nil
		return connectError(errors.Annotate(err, "expect CONNACK"))
	}
	connack, ok := pkt.(*packet.Connack)
	if !ok {
		c.stream = nil
		return errors.Annotatef(ErrProtocol, "expected CONNACK received=%s", PacketString(pkt))
	}
	c.opt.Log.Debugf("mqtt CONNACK=%s", connack.String())
	if connack.ReturnCode != packet.ConnectionAccepted {
		c.stream = nil
		return errors.Annotatef(ErrConnectionFailed, "denied code=%s", connack.ReturnCode.String())
	}
	c.connected = true
	c.opt.Log.Infof("mqtt connected client=%s keepalive=%s", c.id, c.opt.Connect.KeepAlive.Duration())
	return nil
}

func (c *Client) Publish(ctx context.Context, subtopic string, payload []byte, po PublishOptions) error {
	if !c.connected {
		return ErrNotConnected
	}
	if po.QoS >= packet.QOSExactlyOnce {
		return errors.Annotatef(ErrProtocol, "qos=%d not supported", po.QoS)
	}
	topic, err := c.Topic(subtopic)
	if err != nil {
		return err
	}

	pub := packet.NewPublish()
	pub.Message = packet.Message{Topic: topic, Payload: payload, QOS: po.QoS, Retain: po.Retain}
	if po.QoS == packet.QOSAtLeastOnce {
		pub.ID = c.nextID()
	}
	if err = c.send(ctx, pub); err != nil {
		if errors.Cause(err) == ErrBuffer {
			return err
		}
		c.lost()
		return errors.Annotatef(ErrPublishFailed, "topic=%s err=%v", topic, err)
	}
	if po.QoS == packet.QOSAtMostOnce {
		return nil
	}

	for {
		pkt, err := c.receive(ctx)
		if err != nil {
			c.lost()
			return errors.Annotatef(ErrPublishFailed, "expect PUBACK id=%d err=%v", pub.ID, err)
		}
		switch pt := pkt.(type) {
		case *packet.Puback:
			if pt.ID != pub.ID {
				c.lost()
				return errors.Annotatef(ErrProtocol, "PUBACK id=%d expected=%d", pt.ID, pub.ID)
			}
			return nil
		default:
			if err = c.unsolicited(pkt); err != nil {
				return err
			}
		}
	}
}

// Ping sends PINGREQ and waits PINGRESP.
func (c *Client) Ping(ctx context.Context) error {
	if !c.connected {
		return ErrNotConnected
	}
	if err := c.send(ctx, packet.NewPingreq()); err != nil {
		c.lost()
		return errors.Annotate(err, "send PINGREQ")
	}
	for {
		pkt, err := c.receive(ctx)
		if err != nil {
			c.lost()
			return errors.Annotate(err, "expect PINGRESP")
		}
		if _, ok := pkt.(*packet.Pingresp); ok {
			return nil
		}
		if err = c.unsolicited(pkt); err != nil {
			return err
		}
	}
}

// KeepAliveDue reports whether PINGREQ should be sent now.
// [MQTT-3.1.2-24] broker drops the session after 1.5*keepalive of silence,
// ping as late as possible leaving NetworkTimeout for delivery.
func (c *Client) KeepAliveDue() bool {
	if !c.connected || c.opt.Connect.KeepAlive == KeepAliveInfinite {
		return false
	}
	keepalive := c.opt.Connect.KeepAlive.Duration()
	interval := keepaliveAndHalf(uint16(c.opt.Connect.KeepAlive)) - c.opt.NetworkTimeout
	if interval <= 0 || interval > keepalive {
		interval = keepalive / 2
	}
	return atomic_clock.Since(&c.sentAt) >= interval
}

// Disconnect sends DISCONNECT best effort. Stream is not closed.
func (c *Client) Disconnect(ctx context.Context) error {
	if !c.connected {
		c.stream = nil
		return nil
	}
	err := c.send(ctx, packet.NewDisconnect())
	c.lost()
	return err
}

func (c *Client) lost() {
	c.connected = false
	c.stream = nil
}

func (c *Client) nextID() packet.ID {
	c.lastID++
	if c.lastID == 0 {
		c.lastID = 1
	}
	return c.lastID
}

func (c *Client) unsolicited(pkt packet.Generic) error {
	switch pkt.(type) {
	case *packet.Pingresp:
		return nil
	case *packet.Publish:
		c.opt.Log.Debugf("mqtt ignore unsolicited %s", PacketString(pkt))
		return nil
	case *packet.Connack:
		c.lost()
		return errors.Annotatef(ErrProtocol, "duplicate CONNACK")
	}
	c.opt.Log.Debugf("mqtt unexpected %s", PacketString(pkt))
	return nil
}

func (c *Client) deadline(ctx context.Context) {
	d, ok := c.stream.(deadliner)
	if !ok {
		return
	}
	t := time.Now().Add(c.opt.NetworkTimeout)
	if cd, ok := ctx.Deadline(); ok && cd.Before(t) {
		t = cd
	}
	_ = d.SetDeadline(t)
}

func (c *Client) send(ctx context.Context, pkt packet.Generic) error {
	if c.stream == nil {
		return ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	c.arena.Reset()
	b, err := c.arena.Alloc(pkt.Len())
	if err != nil {
		return errors.Annotatef(err, "encode %s", pkt.Type().String())
	}
	n, err := pkt.Encode(b)
	if err != nil {
		return errors.Annotatef(ErrProtocol, "encode %s err=%v", pkt.Type().String(), err)
	}
	c.deadline(ctx)
	if _, err = c.stream.Write(b[:n]); err == nil {
		err = c.stream.Flush()
	}
	if err != nil {
		return ioError(err, "send "+pkt.Type().String())
	}
	c.sentAt.SetNow()
	c.opt.Log.Debugf("mqtt sent %s", PacketString(pkt))
	return nil
}

// receive reads exactly one packet into the arena.
func (c *Client) receive(ctx context.Context) (packet.Generic, error) {
	if c.stream == nil {
		return nil, ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.arena.Reset()
	b, _ := c.arena.Alloc(ArenaSize)
	c.deadline(ctx)

	// fixed header: type byte + remaining length varint (1..4 bytes)
	if _, err := io.ReadFull(c.stream, b[:2]); err != nil {
		return nil, ioError(err, "receive header")
	}
	hlen := 2
	remain, mul := int(b[1]&0x7f), 1
	for b[hlen-1]&0x80 != 0 {
		if hlen == 5 {
			return nil, errors.Annotatef(ErrProtocol, "remaining length overflow")
		}
		if _, err := io.ReadFull(c.stream, b[hlen:hlen+1]); err != nil {
			return nil, ioError(err, "receive header")
		}
		mul *= 128
		remain += int(b[hlen]&0x7f) * mul
		hlen++
	}
	total := hlen + remain
	if total > len(b) {
		return nil, errors.Annotatef(ErrBuffer, "incoming packet length=%d", total)
	}
	if _, err := io.ReadFull(c.stream, b[hlen:total]); err != nil {
		return nil, ioError(err, "receive body")
	}

	l, typ := packet.DetectPacket(b[:total])
	if l != total {
		return nil, errors.Annotatef(ErrProtocol, "malformed packet length=%d detected=%d", total, l)
	}
	pkt, err := typ.New()
	if err != nil {
		return nil, errors.Annotatef(ErrProtocol, "packet type=%d err=%v", typ, err)
	}
	if _, err = pkt.Decode(b[:total]); err != nil {
		return nil, errors.Annotatef(ErrProtocol, "decode %s err=%v", typ.String(), err)
	}
	c.recvAt.SetNow()
	c.opt.Log.Debugf("mqtt received %s", PacketString(pkt))
	return pkt, nil
}

func ioError(err error, what string) error {
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return errors.Timeoutf("mqtt %s", what)
	}
	return errors.Annotate(err, what)
}

func connectError(err error) error {
	switch errors.Cause(err) {
	case ErrBuffer, ErrProtocol:
		return err
	}
	if errors.IsTimeout(err) {
		return err
	}
	return errors.Annotatef(ErrConnectionFailed, "%v", err)
}
