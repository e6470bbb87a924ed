package security

import (
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const (
	// Rotate when less than 30 days remain
	certRotationThreshold = 30 * 24 * time.Hour

	certFile   = "node.crt"
	keyFile    = "node.key"
	caCertFile = "ca.crt"

	// CertReqsRequired makes a server demand and verify client certificates
	CertReqsRequired = "required"
	// CertReqsOptional verifies a client certificate when one is presented
	CertReqsOptional = "optional"
	// CertReqsNone never asks for client certificates
	CertReqsNone = "none"
)

// CertDir returns the transport certificate directory inside a pki dir
func CertDir(pkiDir string) string {
	return filepath.Join(pkiDir, "tls")
}

// SaveCertToFile saves a TLS certificate and its key to certDir
func SaveCertToFile(cert *tls.Certificate, certDir string) error {
	if err := os.MkdirAll(certDir, 0700); err != nil {
		return fmt.Errorf("failed to create cert directory: %w", err)
	}

	privateKey, ok := cert.PrivateKey.(*rsa.PrivateKey)
	if !ok {
		return fmt.Errorf("private key is not RSA")
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Certificate[0]})
	if err := writeFileAtomic(filepath.Join(certDir, certFile), certPEM, 0600); err != nil {
		return fmt.Errorf("failed to write certificate: %w", err)
	}

	keyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  pemTypeRSAPrivate,
		Bytes: x509.MarshalPKCS1PrivateKey(privateKey),
	})
	if err := writeFileAtomic(filepath.Join(certDir, keyFile), keyPEM, 0600); err != nil {
		return fmt.Errorf("failed to write private key: %w", err)
	}

	return nil
}

// LoadCertFromFile loads a TLS certificate from certDir
func LoadCertFromFile(certDir string) (*tls.Certificate, error) {
	cert, err := tls.LoadX509KeyPair(filepath.Join(certDir, certFile), filepath.Join(certDir, keyFile))
	if err != nil {
		return nil, fmt.Errorf("failed to load certificate: %w", err)
	}

	if cert.Leaf == nil {
		leaf, err := x509.ParseCertificate(cert.Certificate[0])
		if err != nil {
			return nil, fmt.Errorf("failed to parse certificate: %w", err)
		}
		cert.Leaf = leaf
	}

	return &cert, nil
}

// SaveCACertToFile saves the CA certificate to certDir
func SaveCACertToFile(caCert *x509.Certificate, certDir string) error {
	if err := os.MkdirAll(certDir, 0700); err != nil {
		return fmt.Errorf("failed to create cert directory: %w", err)
	}

	caPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: caCert.Raw})
	if err := writeFileAtomic(filepath.Join(certDir, caCertFile), caPEM, 0644); err != nil {
		return fmt.Errorf("failed to write CA certificate: %w", err)
	}

	return nil
}

// LoadCACertFromFile loads the CA certificate from certDir
func LoadCACertFromFile(certDir string) (*x509.Certificate, error) {
	caPEM, err := os.ReadFile(filepath.Join(certDir, caCertFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate: %w", err)
	}

	block, _ := pem.Decode(caPEM)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("failed to decode CA certificate PEM")
	}

	caCert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse CA certificate: %w", err)
	}

	return caCert, nil
}

// CertExists checks if a certificate, key and CA exist in certDir
func CertExists(certDir string) bool {
	for _, name := range []string{certFile, keyFile, caCertFile} {
		if _, err := os.Stat(filepath.Join(certDir, name)); err != nil {
			return false
		}
	}
	return true
}

// CertNeedsRotation returns true when less than 30 days remain until expiry
func CertNeedsRotation(cert *x509.Certificate) bool {
	if cert == nil {
		return true
	}
	return time.Until(cert.NotAfter) < certRotationThreshold
}

// ValidateCertChain validates that a certificate is signed by the CA
func ValidateCertChain(cert, ca *x509.Certificate) error {
	if cert == nil {
		return fmt.Errorf("certificate is nil")
	}
	if ca == nil {
		return fmt.Errorf("CA certificate is nil")
	}

	roots := x509.NewCertPool()
	roots.AddCert(ca)

	opts := x509.VerifyOptions{
		Roots:     roots,
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
	}
	if _, err := cert.Verify(opts); err != nil {
		return fmt.Errorf("certificate verification failed: %w", err)
	}

	return nil
}

// ServerTLSConfig builds the listener side TLS configuration. certReqs
// selects how client certificates are treated.
func ServerTLSConfig(cert *tls.Certificate, ca *x509.Certificate, certReqs string) (*tls.Config, error) {
	pool := x509.NewCertPool()
	pool.AddCert(ca)

	cfg := &tls.Config{
		Certificates: []tls.Certificate{*cert},
		ClientCAs:    pool,
		MinVersion:   tls.VersionTLS12,
	}

	switch certReqs {
	case CertReqsRequired:
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	case CertReqsOptional:
		cfg.ClientAuth = tls.VerifyClientCertIfGiven
	case CertReqsNone, "":
		cfg.ClientAuth = tls.NoClientCert
	default:
		return nil, fmt.Errorf("unknown certificate requirement %q", certReqs)
	}

	return cfg, nil
}

// ClientTLSConfig builds the dialer side TLS configuration
func ClientTLSConfig(cert *tls.Certificate, ca *x509.Certificate, serverName string) *tls.Config {
	pool := x509.NewCertPool()
	pool.AddCert(ca)

	cfg := &tls.Config{
		RootCAs:    pool,
		ServerName: serverName,
		MinVersion: tls.VersionTLS12,
	}
	if cert != nil {
		cfg.Certificates = []tls.Certificate{*cert}
	}
	return cfg
}
