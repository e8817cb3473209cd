package dialer

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
)

// TLSPort is the only port dialed over TLS without an explicit request.
const TLSPort = 443

// UseTLS reports whether a target must be dialed over TLS. The decision is a port
// heuristic, not protocol detection.
func UseTLS(port int, forced bool) bool {
	return forced || port == TLSPort
}

// CipherSuites is the TLS 1.2 allow-list offered to targets. TLS 1.3 suites are
// AEAD-only and not configurable.
var CipherSuites = []uint16{
	tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
}

// TLSPolicy holds the client-side TLS settings applied to every TLS target.
type TLSPolicy struct {
	// InsecureSkipVerify disables certificate verification. Off unless explicitly requested.
	InsecureSkipVerify bool
	// RootCAs overrides the system pool when non-nil.
	RootCAs *x509.CertPool
}

// Config returns the tls.Config used for a handshake with host.
func (p TLSPolicy) Config(host string) *tls.Config {
	return &tls.Config{
		MinVersion:         tls.VersionTLS12,
		CipherSuites:       CipherSuites,
		ServerName:         host,
		RootCAs:            p.RootCAs,
		InsecureSkipVerify: p.InsecureSkipVerify,
	}
}

// LoadRootCAs reads a PEM bundle into a new pool.
func LoadRootCAs(path string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read ca file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, errors.New("failed to parse CA certificate")
	}
	return pool, nil
}
