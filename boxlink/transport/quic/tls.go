package quic

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/TheusHen/boxlink/boxlink/box"
	"github.com/TheusHen/boxlink/boxlink/keystore"
)

const (
	ALPN = "boxlink/1"

	// DefaultCertLifetime bounds the throwaway certificate of a listener.
	DefaultCertLifetime = 24 * time.Hour

	clockSkew = time.Hour
)

var ErrPeerCertificate = errors.New("quic: peer certificate rejected")

// Identity labels the QUIC endpoint of a node. TLS only protects the frame
// headers: every envelope inside is sealed and authenticated with box keys,
// so the certificate is self-signed and never chained to a CA.
type Identity struct {
	// Public is the node's box public key, carried in the certificate
	// subject so captures and logs show which node answered.
	Public box.PublicKey
	// Lifetime of the certificate. Zero means DefaultCertLifetime.
	Lifetime time.Duration
}

func (id Identity) commonName() string {
	if id.Public.IsZero() {
		return "boxlink"
	}
	return "boxlink-" + keystore.EncodeKey(id.Public)
}

func (id Identity) lifetime() time.Duration {
	if id.Lifetime <= 0 {
		return DefaultCertLifetime
	}
	return id.Lifetime
}

// certificate builds a fresh ed25519 certificate for id, valid from now
// (minus clock skew) for the identity's lifetime.
func (id Identity) certificate(now time.Time) (tls.Certificate, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 126))
	if err != nil {
		return tls.Certificate{}, err
	}
	tpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: id.commonName(), Organization: []string{"boxlink"}},
		NotBefore:             now.Add(-clockSkew),
		NotAfter:              now.Add(id.lifetime()),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tpl, tpl, pub, priv)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("quic: certificate for %s: %w", id.commonName(), err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv, Leaf: leaf}, nil
}

func serverTLSConfig(id Identity) (*tls.Config, error) {
	cert, err := id.certificate(time.Now())
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS13,
		NextProtos:   []string{ALPN},
	}, nil
}

// clientTLSConfig skips chain verification, since no CA is involved, but
// still refuses a listener that speaks another protocol or presents an
// expired certificate.
func clientTLSConfig() *tls.Config {
	return &tls.Config{
		MinVersion:         tls.VersionTLS13,
		NextProtos:         []string{ALPN},
		InsecureSkipVerify: true,
		VerifyConnection:   verifyListener(time.Now),
	}
}

func verifyListener(now func() time.Time) func(tls.ConnectionState) error {
	return func(cs tls.ConnectionState) error {
		if cs.NegotiatedProtocol != ALPN {
			return fmt.Errorf("%w: protocol %q", ErrPeerCertificate, cs.NegotiatedProtocol)
		}
		if len(cs.PeerCertificates) == 0 {
			return fmt.Errorf("%w: none presented", ErrPeerCertificate)
		}
		leaf := cs.PeerCertificates[0]
		if t := now(); t.Before(leaf.NotBefore) || t.After(leaf.NotAfter) {
			return fmt.Errorf("%w: %s valid %s to %s", ErrPeerCertificate,
				leaf.Subject.CommonName, leaf.NotBefore.Format(time.RFC3339), leaf.NotAfter.Format(time.RFC3339))
		}
		return nil
	}
}
