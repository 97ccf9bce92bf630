// Package tlsutil provides local-development TLS convenience helpers: an
// in-memory ephemeral self-signed certificate and a client config that
// skips chain verification. Neither helper is meant for production use —
// see spec.md §9's security-posture note that this library delegates all
// peer authentication to the TLS layer and does none of its own.
package tlsutil

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"time"
)

// certLifetime is generous for a development certificate; it is never
// meant to outlive a single test run or local session.
const certLifetime = 24 * time.Hour

// GenerateSelfSigned returns an ephemeral ECDSA P-256 self-signed
// certificate whose DNS names are serverName, "localhost" and "127.0.0.1"
// (serverName defaults to "localhost" when empty; no IP address names are
// set), suitable only for loopback or other local-development use.
func GenerateSelfSigned(serverName string) (tls.Certificate, error) {
	if serverName == "" {
		serverName = "localhost"
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("tlsutil: generate key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("tlsutil: generate serial: %w", err)
	}

	template := x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{Organization: []string{"qnet local development"}, CommonName: serverName},
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().Add(certLifetime),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{serverName, "localhost", "127.0.0.1"},
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("tlsutil: create certificate: %w", err)
	}

	return tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  key,
		Leaf:        &template,
	}, nil
}

// ServerConfig builds a *tls.Config serving cert over the given ALPN
// protocols, as required by QUIC (quic-go requires tls.Config.NextProtos
// to be set on both ends of the handshake).
func ServerConfig(cert tls.Certificate, alpn ...string) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   alpn,
	}
}

// InsecureClientConfig returns a *tls.Config that skips standard chain
// verification, for dialing a peer using a GenerateSelfSigned certificate
// that is not rooted in any trusted CA. This is a local-development
// helper only and must never be used against an untrusted network.
func InsecureClientConfig(alpn ...string) *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         alpn,
	}
}
