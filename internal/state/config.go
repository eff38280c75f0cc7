// Package state reads and validates static node configuration (HCL with includes).
package state

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/256dpi/gomqtt/packet"
	"github.com/hashicorp/hcl"
	"github.com/juju/errors"
	"github.com/temoto/telenode/helpers"
	"github.com/temoto/telenode/log2"
	"github.com/temoto/telenode/sntp"
	"github.com/temoto/telenode/tele/mqtt"
)

type Config struct {
	// includeSeen contains absolute paths to prevent include loops
	includeSeen map[string]struct{}
	// only used for Unmarshal, do not access
	XXX_Include []ConfigSource `hcl:"include"`

	LogDebug bool           `hcl:"log_debug"`
	TimeSync TimeSyncConfig `hcl:"time_sync"`
	Broker   BrokerConfig   `hcl:"broker"`
	Hardware HardwareConfig `hcl:"hardware"`
}

type TimeSyncConfig struct {
	Servers           []string `hcl:"servers"`
	Port              int      `hcl:"port"`
	TimeoutMs         int      `hcl:"timeout_ms"`
	RetryCount        int      `hcl:"retry_count"`
	RetryBackoffMs    int      `hcl:"retry_backoff_ms"`
	RetryBackoffK     float64  `hcl:"retry_backoff_k"`
	MaxStratum        int      `hcl:"max_stratum"`
	MaxCorrectionMs   int      `hcl:"max_correction_ms"`
	ResyncIntervalSec int      `hcl:"resync_interval_sec"`
}

type BrokerConfig struct { //nolint:maligned
	Enable             bool   `hcl:"enable"`
	Host               string `hcl:"host"`
	Port               int    `hcl:"port"`
	KeepaliveSec       int    `hcl:"keepalive_sec"`
	CleanStart         bool   `hcl:"clean_start"`
	ClientPrefix       string `hcl:"client_prefix"`
	TopicNamespace     string `hcl:"topic_namespace"`
	PublishIntervalSec int    `hcl:"publish_interval_sec"`
	QoS                int    `hcl:"qos"`
	Retain             bool   `hcl:"retain"`
	Username           string `hcl:"username"`
	Password           string `hcl:"password"`
	TlsCaFile          string `hcl:"tls_ca_file"`
	NetworkTimeoutSec  int    `hcl:"network_timeout_sec"`
	ReconnectOnResync  bool   `hcl:"reconnect_on_resync"`
}

type HardwareConfig struct {
	RtcDevice     string `hcl:"rtc_device"`
	MachineID     string `hcl:"machine_id"`
	LinkInterface string `hcl:"link_interface"`
}

type ConfigSource struct {
	Name     string `hcl:"name,key"`
	Optional bool   `hcl:"optional"`
}

const (
	DefaultResyncInterval  = 15 * time.Minute
	DefaultPublishInterval = 60 * time.Second
)

// NewDefaultConfig mirrors firmware constants.
// Defaults where zero is meaningful must be set before unmarshal, HCL only overwrites present keys.
func NewDefaultConfig() *Config {
	c := &Config{includeSeen: make(map[string]struct{})}
	c.TimeSync.RetryBackoffMs = int(sntp.DefaultRetryBackoff / time.Millisecond)
	c.Broker.Enable = true
	c.Broker.CleanStart = true
	c.Broker.ReconnectOnResync = true
	c.Hardware.RtcDevice = "/dev/rtc0"
	c.Hardware.MachineID = "/etc/machine-id"
	c.Defaults()
	return c
}

// Defaults fills zero values.
func (c *Config) Defaults() {
	ts := &c.TimeSync
	if len(ts.Servers) == 0 {
		ts.Servers = sntp.DefaultServers()
	}
	defaultInt(&ts.Port, sntp.DefaultPort)
	defaultInt(&ts.TimeoutMs, int(sntp.DefaultTimeout/time.Millisecond))
	defaultInt(&ts.RetryCount, sntp.DefaultRetryCount)
	if ts.RetryBackoffK == 0 {
		ts.RetryBackoffK = 1
	}
	defaultInt(&ts.MaxStratum, sntp.DefaultMaxStratum)
	defaultInt(&ts.MaxCorrectionMs, int(sntp.DefaultMaxCorrection/time.Millisecond))
	defaultInt(&ts.ResyncIntervalSec, int(DefaultResyncInterval/time.Second))

	b := &c.Broker
	if b.Host == "" {
		b.Host = "broker.emqx.io"
	}
	defaultInt(&b.Port, 8883)
	if b.ClientPrefix == "" {
		b.ClientPrefix = "telenode"
	}
	if b.TopicNamespace == "" {
		b.TopicNamespace = "device"
	}
	defaultInt(&b.NetworkTimeoutSec, int(mqtt.DefaultNetworkTimeout/time.Second))
}

func (c *Config) Validate() error {
	ts := &c.TimeSync
	errs := make([]error, 0, 8)
	if len(ts.Servers) == 0 {
		errs = append(errs, errors.NotValidf("time_sync.servers empty"))
	}
	for _, s := range ts.Servers {
		if strings.TrimSpace(s) == "" {
			errs = append(errs, errors.NotValidf("time_sync.servers blank entry"))
		}
	}
	if ts.Port <= 0 || ts.Port > 65535 {
		errs = append(errs, errors.NotValidf("time_sync.port=%d", ts.Port))
	}
	if ts.TimeoutMs <= 0 {
		errs = append(errs, errors.NotValidf("time_sync.timeout_ms=%d", ts.TimeoutMs))
	}
	if ts.RetryCount < 1 {
		errs = append(errs, errors.NotValidf("time_sync.retry_count=%d", ts.RetryCount))
	}
	if ts.RetryBackoffMs < 0 || ts.RetryBackoffK < 0 {
		errs = append(errs, errors.NotValidf("time_sync.retry_backoff_ms=%d k=%v", ts.RetryBackoffMs, ts.RetryBackoffK))
	}
	if ts.MaxStratum < 1 || ts.MaxStratum > 15 {
		errs = append(errs, errors.NotValidf("time_sync.max_stratum=%d (1..15)", ts.MaxStratum))
	}
	if ts.MaxCorrectionMs < 0 || ts.ResyncIntervalSec < 0 {
		errs = append(errs, errors.NotValidf("time_sync.max_correction_ms=%d resync_interval_sec=%d", ts.MaxCorrectionMs, ts.ResyncIntervalSec))
	}

	b := &c.Broker
	if b.Enable {
		if b.Host == "" {
			errs = append(errs, errors.NotValidf("broker.host empty"))
		}
		if b.Port <= 0 || b.Port > 65535 {
			errs = append(errs, errors.NotValidf("broker.port=%d", b.Port))
		}
		if b.KeepaliveSec < 0 || b.KeepaliveSec > 65535 {
			errs = append(errs, errors.NotValidf("broker.keepalive_sec=%d", b.KeepaliveSec))
		}
		if b.QoS < 0 || b.QoS > 1 {
			errs = append(errs, errors.NotValidf("broker.qos=%d (0..1)", b.QoS))
		}
		if strings.ContainsAny(b.TopicNamespace, "+#/\x00") || b.TopicNamespace == "" {
			errs = append(errs, errors.NotValidf("broker.topic_namespace=%q", b.TopicNamespace))
		}
		if strings.ContainsAny(b.ClientPrefix, "+#/\x00") || b.ClientPrefix == "" {
			errs = append(errs, errors.NotValidf("broker.client_prefix=%q", b.ClientPrefix))
		}
		if b.PublishIntervalSec < 0 || b.NetworkTimeoutSec < 0 {
			errs = append(errs, errors.NotValidf("broker.publish_interval_sec=%d network_timeout_sec=%d", b.PublishIntervalSec, b.NetworkTimeoutSec))
		}
	}
	return helpers.FoldErrors(errs)
}

func (c *Config) Sntp() sntp.Config {
	ts := &c.TimeSync
	return sntp.Config{
		Servers:       append([]string(nil), ts.Servers...),
		Port:          uint16(ts.Port),
		Timeout:       helpers.IntMillisecondDefault(ts.TimeoutMs, sntp.DefaultTimeout),
		RetryCount:    ts.RetryCount,
		RetryBackoff:  time.Duration(ts.RetryBackoffMs) * time.Millisecond,
		RetryBackoffK: float32(ts.RetryBackoffK),
		MaxStratum:    sntp.Stratum(ts.MaxStratum),
		MaxCorrection: time.Duration(ts.MaxCorrectionMs) * time.Millisecond,
	}
}

func (c *Config) ResyncInterval() time.Duration {
	return helpers.IntSecondDefault(c.TimeSync.ResyncIntervalSec, DefaultResyncInterval)
}

// PublishInterval 0 disables periodic telemetry.
func (c *Config) PublishInterval() time.Duration {
	return time.Duration(c.Broker.PublishIntervalSec) * time.Second
}

func (c *Config) NetworkTimeout() time.Duration {
	return helpers.IntSecondDefault(c.Broker.NetworkTimeoutSec, mqtt.DefaultNetworkTimeout)
}

func (c *Config) MqttConnect() mqtt.ConnectOptions {
	return mqtt.ConnectOptions{
		SessionExpiry: mqtt.EndOnDisconnect,
		CleanStart:    c.Broker.CleanStart,
		KeepAlive:     mqtt.KeepAlive(c.Broker.KeepaliveSec),
		Username:      c.Broker.Username,
		Password:      c.Broker.Password,
	}
}

func (c *Config) MqttPublish() mqtt.PublishOptions {
	return mqtt.PublishOptions{QoS: packet.QOS(c.Broker.QoS), Retain: c.Broker.Retain}
}

func (c *Config) read(log *log2.Log, fs FullReader, source ConfigSource, errs *[]error) {
	norm := fs.Normalize(source.Name)
	if _, ok := c.includeSeen[norm]; ok {
		*errs = append(*errs, errors.Errorf("config duplicate source=%s", source.Name))
		return
	}
	log.Debugf("config reading source='%s' path=%s", source.Name, norm)
	c.includeSeen[source.Name] = struct{}{}
	c.includeSeen[norm] = struct{}{}

	bs, err := fs.ReadAll(norm)
	if bs == nil && err == nil {
		if !source.Optional {
			err = errors.NotFoundf("config required name=%s path=%s", source.Name, norm)
			*errs = append(*errs, err)
		}
		return
	}
	if err != nil {
		*errs = append(*errs, errors.Annotatef(err, "config source=%s", source.Name))
		return
	}

	err = hcl.Unmarshal(bs, c)
	if err != nil {
		err = errors.Annotatef(err, "config unmarshal source=%s", source.Name)
		*errs = append(*errs, err)
		return
	}

	var includes []ConfigSource
	includes, c.XXX_Include = c.XXX_Include, nil
	for _, include := range includes {
		includeNorm := fs.Normalize(include.Name)
		if _, ok := c.includeSeen[includeNorm]; ok {
			err = errors.Errorf("config include loop: from=%s include=%s", source.Name, include.Name)
			*errs = append(*errs, err)
			continue
		}
		c.read(log, fs, include, errs)
	}
}

// ReadConfig applies defaults, reads names in order (later overwrite earlier), then validates.
func ReadConfig(log *log2.Log, fs FullReader, names ...string) (*Config, error) {
	if len(names) == 0 {
		return nil, errors.NotValidf("code error ReadConfig() without names")
	}

	names = append([]string(nil), names...)
	if osfs, ok := fs.(*OsFullReader); ok {
		dir, name := filepath.Split(names[0])
		osfs.SetBase(dir)
		names[0] = name
	}
	c := NewDefaultConfig()
	// HCL appends to existing slices, list defaults are applied after read
	c.TimeSync.Servers = nil
	errs := make([]error, 0, 8)
	for _, name := range names {
		c.read(log, fs, ConfigSource{Name: name}, &errs)
	}
	if err := helpers.FoldErrors(errs); err != nil {
		return nil, err
	}
	c.Defaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func MustReadConfig(log *log2.Log, fs FullReader, names ...string) *Config {
	c, err := ReadConfig(log, fs, names...)
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	return c
}

func defaultInt(p *int, def int) {
	if *p == 0 {
		*p = def
	}
}
