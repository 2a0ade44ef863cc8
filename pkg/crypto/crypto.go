// Package crypto generates the node's per-run identity: a random
// fingerprint for plain HTTP nodes, or a self-signed certificate whose
// SHA-256 hash doubles as the fingerprint for HTTPS nodes.
package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"math/big"
	"time"
)

// SecurityContext holds the in-memory TLS material for one process run.
// Nothing is persisted; identity is regenerated at every startup.
type SecurityContext struct {
	PrivateKeyPEM  string
	CertificatePEM string
	Fingerprint    string
}

// RandomFingerprint returns 32 random bytes rendered as lowercase hex.
func RandomFingerprint() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// RandomID returns n random bytes rendered as lowercase hex. Session IDs
// and file tokens use n=16 (128 bits, 32 hex chars).
func RandomID(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// GenerateSecurityContext creates a fresh RSA key and self-signed
// certificate. The fingerprint is the hex SHA-256 of the DER certificate.
func GenerateSecurityContext(alias string) (*SecurityContext, error) {
	privKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("failed to generate RSA key: %w", err)
	}

	serialLimit := new(big.Int).Lsh(big.NewInt(1), 128)
	serial, err := rand.Int(rand.Reader, serialLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}

	template := x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"PeerDrop"},
			CommonName:   alias,
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().AddDate(10, 0, 0),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &privKey.PublicKey, privKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate: %w", err)
	}

	hash := sha256.Sum256(certDER)

	return &SecurityContext{
		PrivateKeyPEM:  string(pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(privKey)})),
		CertificatePEM: string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})),
		Fingerprint:    hex.EncodeToString(hash[:]),
	}, nil
}

// TLSCertificate returns the context's key pair in the form the HTTP server
// expects.
func (sc *SecurityContext) TLSCertificate() (tls.Certificate, error) {
	cert, err := tls.X509KeyPair([]byte(sc.CertificatePEM), []byte(sc.PrivateKeyPEM))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to load TLS key pair: %w", err)
	}
	return cert, nil
}
