package node

import (
	"context"

	"github.com/juju/errors"
	"github.com/temoto/telenode/internal/state"
	"github.com/temoto/telenode/log2"
	"github.com/temoto/telenode/netstack"
	"github.com/temoto/telenode/secure"
	"github.com/temoto/telenode/tele/mqtt"
	"github.com/temoto/telenode/wallclock"
)

// Uplink is a connected telemetry session, used only by the owner unit.
type Uplink interface {
	Publish(ctx context.Context, subtopic string, payload []byte) error
	Ping(ctx context.Context) error
	KeepAliveDue() bool
	Connected() bool
	// Close ends session and releases transport resources. Safe to call twice.
	Close(ctx context.Context) error
}

type UplinkFactory = netstack.Client[Uplink]

// MqttUplink opens TLS session over the stack and runs MQTT on top of it.
// Both clients are long lived, each Run produces a new session.
type MqttUplink struct {
	tls     *secure.Client
	mqtt    *mqtt.Client
	publish mqtt.PublishOptions
	log     *log2.Log
}

var _ UplinkFactory = (*MqttUplink)(nil)

func NewMqttUplink(tls *secure.Client, client *mqtt.Client, po mqtt.PublishOptions, log *log2.Log) *MqttUplink {
	return &MqttUplink{tls: tls, mqtt: client, publish: po, log: log}
}

// ConfigUplink builds MqttUplink from broker config.
// Certificate validity is checked against clock once it is synced.
func ConfigUplink(config *state.Config, clock *wallclock.Clock, identity mqtt.Identity, log *log2.Log) (*MqttUplink, error) {
	b := &config.Broker
	var verifier secure.Verifier = secure.InsecureAcceptAll{Log: log}
	if b.TlsCaFile != "" {
		v, err := secure.LoadPoolVerifier(b.TlsCaFile, clock.Time)
		if err != nil {
			return nil, errors.Annotate(err, "broker.tls_ca_file")
		}
		verifier = v
	}
	tlsClient := secure.NewClient(secure.Options{
		Host:     b.Host,
		Port:     uint16(b.Port),
		Buffers:  secure.NewBufferPair(),
		Provider: secure.Provider{Verifier: verifier, Time: clock.Time},
		Timeout:  config.NetworkTimeout(),
		Log:      log,
	})
	mqttClient, err := mqtt.NewClient(mqtt.ClientOptions{
		Prefix:         b.ClientPrefix,
		Namespace:      b.TopicNamespace,
		Identity:       identity,
		Connect:        config.MqttConnect(),
		NetworkTimeout: config.NetworkTimeout(),
		Log:            log,
	})
	if err != nil {
		return nil, errors.Annotate(err, "mqtt client")
	}
	return NewMqttUplink(tlsClient, mqttClient, config.MqttPublish(), log), nil
}

func (u *MqttUplink) ClientID() string { return u.mqtt.ClientID() }

func (u *MqttUplink) Run(ctx context.Context, stack *netstack.Stack) (Uplink, error) {
	session, err := u.tls.Run(ctx, stack)
	if err != nil {
		return nil, errors.Annotate(err, "uplink tls")
	}
	if err = u.mqtt.Connect(ctx, session); err != nil {
		session.Close()
		return nil, errors.Annotate(err, "uplink mqtt")
	}
	u.log.Infof("uplink connected client=%s", u.mqtt.ClientID())
	return &mqttSession{client: u.mqtt, session: session, publish: u.publish}, nil
}

type mqttSession struct {
	client  *mqtt.Client
	session *secure.Session
	publish mqtt.PublishOptions
	closed  bool
}

func (s *mqttSession) Publish(ctx context.Context, subtopic string, payload []byte) error {
	if s.closed {
		return mqtt.ErrNotConnected
	}
	return s.client.Publish(ctx, subtopic, payload, s.publish)
}

func (s *mqttSession) Ping(ctx context.Context) error {
	if s.closed {
		return mqtt.ErrNotConnected
	}
	return s.client.Ping(ctx)
}

func (s *mqttSession) KeepAliveDue() bool { return !s.closed && s.client.KeepAliveDue() }
func (s *mqttSession) Connected() bool    { return !s.closed && s.client.Connected() }

func (s *mqttSession) Close(ctx context.Context) error {
	if s.closed {
		return nil
	}
	s.closed = true
	err := s.client.Disconnect(ctx)
	if cerr := s.session.Close(); err == nil {
		err = cerr
	}
	return err
}
