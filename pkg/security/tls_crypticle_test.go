package security

import (
	"bytes"
	"crypto/x509"
	"crypto/x509/pkix"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/brine/pkg/payload"
)

var enabledPolicy = TLSPolicy{DisableAESWithTLS: true, Transport: "tcp", SSLCertReqs: CertReqsRequired}

func peerCert(cn string) *x509.Certificate {
	return &x509.Certificate{Subject: pkix.Name{CommonName: cn}}
}

func TestTLSPolicyAllowed(t *testing.T) {
	tests := []struct {
		name   string
		policy TLSPolicy
		want   bool
	}{
		{"all set", enabledPolicy, true},
		{"flag off", TLSPolicy{Transport: "tcp", SSLCertReqs: CertReqsRequired}, false},
		{"other transport", TLSPolicy{DisableAESWithTLS: true, Transport: "zeromq", SSLCertReqs: CertReqsRequired}, false},
		{"optional certs", TLSPolicy{DisableAESWithTLS: true, Transport: "tcp", SSLCertReqs: CertReqsOptional}, false},
		{"zero value", TLSPolicy{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.policy.Allowed())
		})
	}
}

func TestTLSAwareRoundTripSkipsAES(t *testing.T) {
	c := newTestCrypticle(t)
	sender := NewTLSAwareCrypticle(c, enabledPolicy)
	receiver := NewTLSAwareCrypticle(c, enabledPolicy)
	peer := peerCert("web01")

	msg := payload.Load{"id": "web01", "fun": "test.ping"}
	nonce := NewNonce()

	data, err := sender.Dumps(msg, nonce, peer)
	require.NoError(t, err)
	assert.True(t, IsTLSFramed(data))

	// The payload is readable without the session key
	_, err = c.Decrypt(data)
	assert.ErrorIs(t, err, ErrDecode)

	got, err := receiver.Loads(data, nonce, peer)
	require.NoError(t, err)
	assert.Equal(t, msg, got)

	_, err = receiver.Loads(data, NewNonce(), peer)
	assert.ErrorIs(t, err, ErrNonceVerification)
}

func TestTLSAwareFallsBackWithoutPeer(t *testing.T) {
	c := newTestCrypticle(t)
	tc := NewTLSAwareCrypticle(c, enabledPolicy)

	data, err := tc.Dumps(payload.Load{"a": "b"}, "", nil)
	require.NoError(t, err)
	assert.False(t, IsTLSFramed(data))

	got, err := c.Loads(data, "")
	require.NoError(t, err)
	assert.Equal(t, payload.Load{"a": "b"}, got)
}

func TestTLSAwareReceiverPolicyMismatchFailsClosed(t *testing.T) {
	c := newTestCrypticle(t)
	sender := NewTLSAwareCrypticle(c, enabledPolicy)
	peer := peerCert("web01")

	data, err := sender.Dumps(payload.Load{"id": "web01"}, "", peer)
	require.NoError(t, err)

	strict := NewTLSAwareCrypticle(c, TLSPolicy{Transport: "tcp", SSLCertReqs: CertReqsRequired})
	got, err := strict.Loads(data, "", peer)
	require.NoError(t, err)
	assert.Empty(t, got)

	// Allowed policy but the connection has no verified peer
	lenient := NewTLSAwareCrypticle(c, enabledPolicy)
	got, err = lenient.Loads(data, "", nil)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestTLSAwareDecodesLegacyCrypticle(t *testing.T) {
	c := newTestCrypticle(t)
	msg := payload.Load{"fun": "test.ping"}
	nonce := NewNonce()

	legacy, err := c.Dumps(msg, nonce)
	require.NoError(t, err)

	for _, policy := range []TLSPolicy{enabledPolicy, {}} {
		tc := NewTLSAwareCrypticle(c, policy)
		got, err := tc.Loads(legacy, nonce, peerCert("web01"))
		require.NoError(t, err)
		assert.Equal(t, msg, got)
	}
}

func TestTLSAwareIdentityBinding(t *testing.T) {
	c := newTestCrypticle(t)
	tc := NewTLSAwareCrypticle(c, enabledPolicy)

	data, err := tc.Dumps(payload.Load{"id": "web01"}, "", peerCert("web01"))
	require.NoError(t, err)

	_, err = tc.Loads(data, "", peerCert("db01"))
	assert.ErrorIs(t, err, ErrIdentityMismatch)

	// Messages that do not name an id are not bound
	anon, err := tc.Dumps(payload.Load{"fun": "x"}, "", peerCert("web01"))
	require.NoError(t, err)
	got, err := tc.Loads(anon, "", peerCert("db01"))
	require.NoError(t, err)
	assert.Equal(t, "x", got.String("fun"))
}

func TestTLSMarkerDistinctFromPad(t *testing.T) {
	assert.False(t, bytes.HasPrefix(tlsMarker, padMarker))
	assert.False(t, bytes.HasPrefix(padMarker, tlsMarker))
}
