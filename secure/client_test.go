package secure

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"io"
	"io/ioutil"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/telenode/log2"
	"github.com/temoto/telenode/netstack"
	"github.com/temoto/telenode/netstack/netstacktest"
	"github.com/temoto/telenode/secure/securetest"
)

const testHost = "broker.test"

var testBrokerIP = net.IPv4(192, 0, 2, 50)

// echo server on loopback, reachable as testHost:8883 through fake stack
func startEchoServer(t testing.TB, cert securetest.Cert) (*netstack.Stack, *netstacktest.Dialer) {
	addr := securetest.Listen(t, cert, securetest.Echo)
	resolver := &netstacktest.Resolver{Hosts: map[string][]net.IP{testHost: {testBrokerIP}}}
	dialer := &netstacktest.Dialer{Routes: map[string]string{"192.0.2.50:8883": addr}}
	return netstacktest.Stack(log2.NewTest(t, log2.LDebug), resolver, dialer, nil, nil), dialer
}

func TestSessionEcho(t *testing.T) {
	t.Parallel()
	cert := securetest.NewCert(t, testHost)
	stack, _ := startEchoServer(t, cert)
	bufs := NewBufferPair()
	pool := x509.NewCertPool()
	pool.AddCert(cert.X509)

	cases := []struct {
		name     string
		verifier Verifier
	}{
		{"insecure", InsecureAcceptAll{Log: log2.NewTest(t, log2.LDebug)}},
		{"pool", &PoolVerifier{Roots: pool}},
		{"default", nil},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			client := NewClient(Options{
				Host:     testHost,
				Port:     8883,
				Buffers:  bufs,
				Provider: Provider{Verifier: c.verifier},
				Timeout:  5 * time.Second,
				Log:      log2.NewTest(t, log2.LDebug),
			})
			s, err := client.Run(context.Background(), stack)
			require.NoError(t, err)
			assert.True(t, bufs.InUse())
			cs := s.ConnectionState()
			assert.Equal(t, uint16(tls.VersionTLS13), cs.Version)
			assert.Equal(t, tls.TLS_AES_128_GCM_SHA256, cs.CipherSuite)
			assert.Equal(t, testHost, cs.ServerName)

			_, err = s.Write([]byte("hello "))
			require.NoError(t, err)
			_, err = s.Write([]byte("broker"))
			require.NoError(t, err)
			assert.Equal(t, 12, s.wlen)
			require.NoError(t, s.Flush())
			assert.Equal(t, 0, s.wlen)
			require.NoError(t, s.SetDeadline(time.Now().Add(5*time.Second)))
			got := make([]byte, 12)
			_, err = io.ReadFull(s, got)
			require.NoError(t, err)
			assert.Equal(t, "hello broker", string(got))

			require.NoError(t, s.Close())
			assert.False(t, bufs.InUse())
			assert.NoError(t, s.Close(), "second close is noop")
			_, err = s.Write([]byte("x"))
			assert.Error(t, err)
		})
	}
}

func TestLargeWrite(t *testing.T) {
	t.Parallel()
	cert := securetest.NewCert(t, testHost)
	stack, _ := startEchoServer(t, cert)
	client := NewClient(Options{Host: testHost, Port: 8883, Buffers: NewBufferPair()})
	s, err := client.Run(context.Background(), stack)
	require.NoError(t, err)
	defer s.Close()

	payload := make([]byte, WriteBufferSize*2+100)
	for i := range payload {
		payload[i] = byte(i % 251)
	}
	done := make(chan []byte, 1)
	go func() {
		got := make([]byte, len(payload))
		_, _ = io.ReadFull(s, got)
		done <- got
	}()
	n, err := s.Write(payload)
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)
	require.NoError(t, s.Flush())
	select {
	case got := <-done:
		assert.Equal(t, payload, got)
	case <-time.After(5 * time.Second):
		t.Fatal("echo timeout")
	}
}

func TestHandshakeFailures(t *testing.T) {
	t.Parallel()
	cert := securetest.NewCert(t, testHost)
	other := securetest.NewCert(t, "other.test")
	wrongPool := x509.NewCertPool()
	wrongPool.AddCert(other.X509)
	rightPool := x509.NewCertPool()
	rightPool.AddCert(cert.X509)

	cases := []struct {
		name   string
		opt    Options
		expect error
	}{
		{"untrusted", Options{Provider: Provider{Verifier: &PoolVerifier{Roots: wrongPool}}}, ErrHandshake},
		{"expired-by-clock", Options{Provider: Provider{Verifier: &PoolVerifier{
			Roots: rightPool,
			Time:  func() time.Time { return time.Now().Add(48 * time.Hour) },
		}}}, ErrHandshake},
		{"suite", Options{AllowedSuites: []uint16{tls.TLS_AES_256_GCM_SHA384}}, ErrHandshake},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			stack, _ := startEchoServer(t, cert)
			c.opt.Host = testHost
			c.opt.Port = 8883
			c.opt.Buffers = NewBufferPair()
			c.opt.Log = log2.NewTest(t, log2.LDebug)
			_, err := NewClient(c.opt).Run(context.Background(), stack)
			require.Error(t, err)
			assert.Equal(t, c.expect, errors.Cause(err))
			assert.False(t, c.opt.Buffers.InUse(), "buffers released on failure")
		})
	}
}

func TestBuffersInUse(t *testing.T) {
	t.Parallel()
	cert := securetest.NewCert(t, testHost)
	stack, _ := startEchoServer(t, cert)
	bufs := NewBufferPair()
	client := NewClient(Options{Host: testHost, Port: 8883, Buffers: bufs})
	s, err := client.Run(context.Background(), stack)
	require.NoError(t, err)

	_, err = client.Run(context.Background(), stack)
	assert.Equal(t, ErrBuffersInUse, errors.Cause(err))
	require.NoError(t, s.Close())

	s, err = client.Run(context.Background(), stack)
	require.NoError(t, err)
	require.NoError(t, s.Close())
}

func TestConnectFailure(t *testing.T) {
	t.Parallel()
	cert := securetest.NewCert(t, testHost)
	stack, dialer := startEchoServer(t, cert)
	dialer.Err = errors.New("connection refused")
	bufs := NewBufferPair()
	_, err := NewClient(Options{Host: testHost, Port: 8883, Buffers: bufs}).Run(context.Background(), stack)
	assert.Equal(t, netstack.ErrConnect, errors.Cause(err))
	assert.False(t, bufs.InUse())

	_, err = NewClient(Options{Host: "unknown.test", Port: 8883, Buffers: bufs}).Run(context.Background(), stack)
	assert.Equal(t, netstack.ErrResolve, errors.Cause(err))
}

func TestHandshakeTimeout(t *testing.T) {
	t.Parallel()
	// accepts TCP but never speaks TLS
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			time.Sleep(time.Second)
			conn.Close()
		}
	}()
	resolver := &netstacktest.Resolver{Hosts: map[string][]net.IP{testHost: {testBrokerIP}}}
	dialer := &netstacktest.Dialer{Routes: map[string]string{"192.0.2.50:8883": ln.Addr().String()}}
	stack := netstacktest.Stack(nil, resolver, dialer, nil, nil)
	bufs := NewBufferPair()
	_, err = NewClient(Options{Host: testHost, Port: 8883, Buffers: bufs, Timeout: 50 * time.Millisecond}).Run(context.Background(), stack)
	require.Error(t, err)
	assert.True(t, errors.IsTimeout(err), "err=%v", err)
	assert.False(t, bufs.InUse())
}

func TestLoadPoolVerifier(t *testing.T) {
	t.Parallel()
	cert := securetest.NewCert(t, testHost)
	dir, err := ioutil.TempDir("", "telenode-secure")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "ca.pem")
	require.NoError(t, ioutil.WriteFile(path, cert.PEM, 0600))
	v, err := LoadPoolVerifier(path, nil)
	require.NoError(t, err)
	require.NoError(t, v.Verify(tls.ConnectionState{ServerName: testHost, PeerCertificates: []*x509.Certificate{cert.X509}}))
	assert.Error(t, v.Verify(tls.ConnectionState{ServerName: "other.test", PeerCertificates: []*x509.Certificate{cert.X509}}))
	assert.Error(t, v.Verify(tls.ConnectionState{ServerName: testHost}))

	bad := filepath.Join(dir, "bad.pem")
	require.NoError(t, ioutil.WriteFile(bad, []byte("garbage"), 0600))
	_, err = LoadPoolVerifier(bad, nil)
	assert.True(t, errors.IsNotValid(err))
	_, err = LoadPoolVerifier(filepath.Join(dir, "missing.pem"), nil)
	assert.Error(t, err)
}

func TestBufferPair(t *testing.T) {
	t.Parallel()
	b := NewBufferPair()
	require.NoError(t, b.Acquire())
	assert.Equal(t, ErrBuffersInUse, b.Acquire())
	b.Release()
	assert.False(t, b.InUse())
	assert.Panics(t, b.Release)
	assert.GreaterOrEqual(t, ReadBufferSize, 16384+5+1+16)
}
