package fog

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"slices"
	"time"
)

// linkTLSConfigs derives the listener and dialer configurations of the
// transport. A nil base yields an ephemeral self-signed identity: links are
// then encrypted but not authenticated, envelopes carry their own HMAC.
func linkTLSConfigs(base *tls.Config) (server, client *tls.Config, err error) {
	if base == nil {
		cert, err := selfSignedCertificate()
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %w", ErrNoTLSConfig, err)
		}
		base = &tls.Config{
			Certificates:       []tls.Certificate{cert},
			InsecureSkipVerify: true,
		}
	}

	server = base.Clone()
	client = base.Clone()
	for _, conf := range []*tls.Config{server, client} {
		if !slices.Contains(conf.NextProtos, alpnProtocol) {
			conf.NextProtos = append(conf.NextProtos, alpnProtocol)
		}
		if conf.MinVersion < tls.VersionTLS13 {
			conf.MinVersion = tls.VersionTLS13
		}
	}
	return server, client, nil
}

func selfSignedCertificate() (tls.Certificate, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, err
	}

	tmpl := x509.Certificate{
		Subject:               pkix.Name{CommonName: "fog node"},
		SerialNumber:          serial,
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(10 * 365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, pub, priv)
	if err != nil {
		return tls.Certificate{}, err
	}

	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return tls.Certificate{}, err
	}

	return tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  priv,
		Leaf:        leaf,
	}, nil
}
