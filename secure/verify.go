package secure

import (
	"crypto/tls"
	"crypto/x509"
	"io/ioutil"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/telenode/log2"
)

// Verifier decides whether the peer certificate chain is trusted.
type Verifier interface {
	Verify(cs tls.ConnectionState) error
}

// InsecureAcceptAll accepts any certificate.
// Unsafe for production, warns on every handshake.
type InsecureAcceptAll struct {
	Log *log2.Log
}

func (v InsecureAcceptAll) Verify(cs tls.ConnectionState) error {
	v.Log.Infof("tls WARNING certificate not verified server=%s, unsafe for production", cs.ServerName)
	return nil
}

// PoolVerifier checks chain against Roots and server name.
type PoolVerifier struct {
	Roots *x509.CertPool
	// zero result falls back to system time
	Time func() time.Time
}

func LoadPoolVerifier(path string, now func() time.Time) (*PoolVerifier, error) {
	b, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, errors.Annotatef(err, "tls ca file=%s", path)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(b) {
		return nil, errors.NotValidf("tls ca file=%s no certificates", path)
	}
	return &PoolVerifier{Roots: pool, Time: now}, nil
}

func (v *PoolVerifier) Verify(cs tls.ConnectionState) error {
	if len(cs.PeerCertificates) == 0 {
		return errors.New("no peer certificate")
	}
	opts := x509.VerifyOptions{
		Roots:         v.Roots,
		DNSName:       cs.ServerName,
		Intermediates: x509.NewCertPool(),
	}
	if v.Time != nil {
		opts.CurrentTime = v.Time()
	}
	for _, c := range cs.PeerCertificates[1:] {
		opts.Intermediates.AddCert(c)
	}
	_, err := cs.PeerCertificates[0].Verify(opts)
	return err
}
