package state

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/256dpi/gomqtt/packet"
	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/telenode/log2"
	"github.com/temoto/telenode/sntp"
	"github.com/temoto/telenode/tele/mqtt"
)

func TestReadConfig(t *testing.T) {
	t.Parallel()

	type Case struct {
		name      string
		input     string
		check     func(testing.TB, *Config)
		expectErr string
	}
	cases := []Case{
		{"empty", "", func(t testing.TB, c *Config) {
			assert.Equal(t, []string{"pool.ntp.org", "time.google.com", "time.cloudflare.com"}, c.TimeSync.Servers)
			assert.Equal(t, 123, c.TimeSync.Port)
			assert.Equal(t, 5000, c.TimeSync.TimeoutMs)
			assert.Equal(t, 3, c.TimeSync.RetryCount)
			assert.Equal(t, 2000, c.TimeSync.RetryBackoffMs)
			assert.Equal(t, 3, c.TimeSync.MaxStratum)
			assert.Equal(t, 15*time.Minute, c.ResyncInterval())
			assert.True(t, c.Broker.Enable)
			assert.True(t, c.Broker.CleanStart)
			assert.True(t, c.Broker.ReconnectOnResync)
			assert.Equal(t, "device", c.Broker.TopicNamespace)
			assert.Equal(t, 8883, c.Broker.Port)
			assert.Equal(t, time.Duration(0), c.PublishInterval())
			assert.Equal(t, "/dev/rtc0", c.Hardware.RtcDevice)
			assert.False(t, c.LogDebug)
		}, ""},

		{"time-sync", `
log_debug = true
time_sync {
	servers = ["ntp1.example", "ntp2.example"]
	timeout_ms = 800
	retry_count = 2
	retry_backoff_k = 2.0
	max_stratum = 5
	resync_interval_sec = 60
}`,
			func(t testing.TB, c *Config) {
				assert.True(t, c.LogDebug)
				sc := c.Sntp()
				assert.Equal(t, []string{"ntp1.example", "ntp2.example"}, sc.Servers)
				assert.Equal(t, uint16(123), sc.Port)
				assert.Equal(t, 800*time.Millisecond, sc.Timeout)
				assert.Equal(t, 2, sc.RetryCount)
				assert.Equal(t, float32(2), sc.RetryBackoffK)
				assert.Equal(t, sntp.Stratum(5), sc.MaxStratum)
				assert.Equal(t, time.Second, sc.MaxCorrection)
				assert.Equal(t, time.Minute, c.ResyncInterval())
			}, ""},

		{"broker", `
broker {
	host = "mqtt.example"
	port = 8884
	keepalive_sec = 0
	clean_start = false
	qos = 1
	retain = true
	publish_interval_sec = 10
	reconnect_on_resync = false
}`,
			func(t testing.TB, c *Config) {
				assert.Equal(t, "mqtt.example", c.Broker.Host)
				assert.Equal(t, 8884, c.Broker.Port)
				assert.False(t, c.Broker.ReconnectOnResync)
				co := c.MqttConnect()
				assert.Equal(t, mqtt.KeepAliveInfinite, co.KeepAlive)
				assert.False(t, co.CleanStart)
				assert.Equal(t, mqtt.EndOnDisconnect, co.SessionExpiry)
				po := c.MqttPublish()
				assert.Equal(t, packet.QOSAtLeastOnce, po.QoS)
				assert.True(t, po.Retain)
				assert.Equal(t, 10*time.Second, c.PublishInterval())
			}, ""},

		{"retry-backoff-zero", `time_sync { retry_backoff_ms = 0 }`,
			func(t testing.TB, c *Config) {
				assert.Equal(t, 0, c.TimeSync.RetryBackoffMs)
				assert.Equal(t, time.Duration(0), c.Sntp().RetryBackoff)
			}, ""},

		{"include-normalize", `
broker { port = 1 }
include "./empty" {}`,
			nil, ""},

		{"include-optional", `
include "broker-port-7" {}
include "non-exist" { optional = true }`,
			func(t testing.TB, c *Config) {
				assert.Equal(t, 7, c.Broker.Port)
			}, ""},

		{"include-overwrites", `
broker { port = 1 }
include "broker-port-7" {}`,
			func(t testing.TB, c *Config) {
				assert.Equal(t, 7, c.Broker.Port)
			}, ""},

		{"error-syntax", `hello`, nil, "key 'hello' expected start of object"},
		{"error-include-loop", `include "include-loop" {}`, nil, "config include loop: from=include-loop include=include-loop"},
		{"error-include-missing", `include "missing" {}`, nil, "config required name=missing"},
		{"error-stratum", `time_sync { max_stratum = 16 }`, nil, "max_stratum=16"},
		{"error-qos", `broker { qos = 2 }`, nil, "broker.qos=2"},
		{"error-namespace", `broker { topic_namespace = "dev/+" }`, nil, "topic_namespace"},
		{"disabled-broker-skips-checks", `broker {
	enable = false
	qos = 2
}`, func(t testing.TB, c *Config) {
			assert.False(t, c.Broker.Enable)
		}, ""},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			log := log2.NewTest(t, log2.LDebug)
			fs := NewMockFullReader(map[string]string{
				"test-inline":   c.input,
				"empty":         "",
				"broker-port-7": "broker{port=7}",
				"include-loop":  `include "include-loop" {}`,
			})
			cfg, err := ReadConfig(log, fs, "test-inline")
			if c.expectErr == "" {
				if err != nil {
					t.Fatalf("error expected=nil actual='%v'", errors.ErrorStack(err))
				}
				if c.check != nil {
					c.check(t, cfg)
				}
				return
			}
			require.Error(t, err)
			if !strings.Contains(err.Error(), c.expectErr) {
				t.Fatalf("error expected='%s' actual='%v'", c.expectErr, err)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	c := NewDefaultConfig()
	require.NoError(t, c.Validate())

	c.TimeSync.Servers = nil
	err := c.Validate()
	assert.True(t, errors.IsNotValid(err), "single error keeps type err=%v", err)

	c.TimeSync.RetryCount = 0
	err = c.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "servers empty")
	assert.Contains(t, err.Error(), "retry_count=0")

	c = NewDefaultConfig()
	c.Broker.Host = ""
	assert.True(t, errors.IsNotValid(c.Validate()))
}

func TestReadConfigFile(t *testing.T) {
	t.Parallel()
	dir, err := ioutil.TempDir("", "telenode-config")
	require.NoError(t, err)
	defer os.RemoveAll(dir)
	require.NoError(t, ioutil.WriteFile(filepath.Join(dir, "main.hcl"), []byte(`
include "local.hcl" { optional = true }
include "secret.hcl" {}
broker { host = "a.example" }`), 0600))
	require.NoError(t, ioutil.WriteFile(filepath.Join(dir, "secret.hcl"), []byte(`broker { password = "s3cret" }`), 0600))

	names := []string{filepath.Join(dir, "main.hcl")}
	cfg, err := ReadConfig(log2.NewTest(t, log2.LDebug), NewOsFullReader(), names...)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "main.hcl"), names[0], "caller names untouched")
	assert.Equal(t, "a.example", cfg.Broker.Host)
	assert.Equal(t, "s3cret", cfg.Broker.Password)

	_, err = ReadConfig(log2.NewTest(t, log2.LDebug), NewOsFullReader(), filepath.Join(dir, "nope.hcl"))
	assert.True(t, errors.IsNotFound(err))
}

func TestExampleConfig(t *testing.T) {
	t.Parallel()
	cfg, err := ReadConfig(log2.NewTest(t, log2.LDebug), NewOsFullReader(), "../../cmd/telenode/telenode.hcl")
	require.NoError(t, err)
	assert.Equal(t, 60, cfg.Broker.KeepaliveSec)
	assert.Equal(t, time.Minute, cfg.PublishInterval())
	assert.Equal(t, 15*time.Minute, cfg.ResyncInterval())
	assert.Equal(t, "", cfg.Broker.TlsCaFile)
}
