// Package tlsconf builds the TLS configurations used to secure the control
// channel and QUIC data channels.
package tlsconf

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"sync"
	"time"
)

const (
	// ControlALPN is offered when a negotiated control channel upgrades to TLS.
	ControlALPN = "jargon-control-v1"
	// DataALPN is offered on QUIC data channels.
	DataALPN = "jargon-data-v1"
)

var (
	defaultOnce sync.Once
	defaultCert tls.Certificate
	defaultErr  error
)

// DefaultCertificate returns a process-wide self-signed certificate,
// generated on first use.
func DefaultCertificate() (tls.Certificate, error) {
	defaultOnce.Do(func() {
		defaultCert, defaultErr = SelfSigned("localhost", "127.0.0.1")
	})
	return defaultCert, defaultErr
}

// ServerConfig returns a server TLS configuration presenting cert.
func ServerConfig(cert tls.Certificate, alpn ...string) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   alpn,
		MinVersion:   tls.VersionTLS12,
	}
}

// ClientConfig returns a client TLS configuration. With a nil pool the
// server certificate is not verified, matching the self-signed default.
func ClientConfig(roots *x509.CertPool, serverName string, alpn ...string) *tls.Config {
	return &tls.Config{
		RootCAs:            roots,
		ServerName:         serverName,
		InsecureSkipVerify: roots == nil,
		NextProtos:         alpn,
		MinVersion:         tls.VersionTLS12,
	}
}

// SelfSigned generates a self-signed certificate valid for hosts.
func SelfSigned(hosts ...string) (tls.Certificate, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return tls.Certificate{}, err
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		return tls.Certificate{}, err
	}
	template := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{Organization: []string{"jargon grid"}},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, h)
		}
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{
		Certificate: [][]byte{certDER},
		PrivateKey:  priv,
	}, nil
}
