package security

import (
	"bytes"
	"crypto/x509"

	"github.com/cuemby/brine/pkg/payload"
)

// tlsMarker prefixes messages sent without the symmetric layer because the
// transport already provides mutually authenticated TLS
var tlsMarker = []byte("::brine:tls::")

// TLSPolicy decides whether the symmetric layer may be skipped
type TLSPolicy struct {
	DisableAESWithTLS bool
	Transport         string
	SSLCertReqs       string
}

// Allowed reports whether the optimization is enabled, the transport is tcp
// and peer certificates are required
func (p TLSPolicy) Allowed() bool {
	return p.DisableAESWithTLS && p.Transport == "tcp" && p.SSLCertReqs == "required"
}

// TLSAwareCrypticle skips AES on verified mutual-TLS connections and falls
// back to a Crypticle otherwise. It always accepts plain Crypticle messages.
type TLSAwareCrypticle struct {
	*Crypticle
	policy TLSPolicy
}

// NewTLSAwareCrypticle wraps a Crypticle with the given policy
func NewTLSAwareCrypticle(c *Crypticle, policy TLSPolicy) *TLSAwareCrypticle {
	return &TLSAwareCrypticle{Crypticle: c, policy: policy}
}

// Policy returns the configured policy
func (t *TLSAwareCrypticle) Policy() TLSPolicy {
	return t.policy
}

// Dumps frames msg in the clear behind the TLS marker when the policy allows
// it and the peer presented a certificate. Otherwise it encrypts.
func (t *TLSAwareCrypticle) Dumps(msg any, nonce string, peer *x509.Certificate) ([]byte, error) {
	if t.policy.Allowed() && peer != nil {
		return frame(tlsMarker, msg, nonce)
	}
	return t.Crypticle.Dumps(msg, nonce)
}

// Loads decodes data produced by Dumps or by a plain Crypticle.
//
// A marker-tagged message received while the policy is disallowed, or
// without a peer certificate, decodes to an empty Load with a nil error.
// If the decoded message names an id that differs from the peer
// certificate's identity, ErrIdentityMismatch is returned.
func (t *TLSAwareCrypticle) Loads(data []byte, nonce string, peer *x509.Certificate) (payload.Load, error) {
	if !bytes.HasPrefix(data, tlsMarker) {
		return t.Crypticle.Loads(data, nonce)
	}
	if !t.policy.Allowed() || peer == nil {
		return payload.Load{}, nil
	}

	load, err := unframe(data[len(tlsMarker):], nonce)
	if err != nil {
		return nil, err
	}
	if id := load.String("id"); id != "" && id != PeerIdentity(peer) {
		return nil, ErrIdentityMismatch
	}
	return load, nil
}

// IsTLSFramed reports whether data carries the TLS marker
func IsTLSFramed(data []byte) bool {
	return bytes.HasPrefix(data, tlsMarker)
}

// PeerIdentity returns the principal id bound to a peer certificate
func PeerIdentity(cert *x509.Certificate) string {
	if cert == nil {
		return ""
	}
	return cert.Subject.CommonName
}
