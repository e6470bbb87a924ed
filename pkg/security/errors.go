package security

import "errors"

var (
	// ErrInvalidKey reports malformed or empty key material. Never retried.
	ErrInvalidKey = errors.New("invalid key")

	// ErrKeyGeneration reports a failure creating or persisting a keypair
	ErrKeyGeneration = errors.New("key generation failed")

	// ErrAuthenticationTimeout reports a sign-in round trip that exceeded
	// its deadline. Retried up to the configured attempt count.
	ErrAuthenticationTimeout = errors.New("authentication timed out")

	// ErrIdentityMismatch reports a master key that changed since it was
	// pinned, or a claimed principal id that differs from the TLS peer.
	// Always fatal.
	ErrIdentityMismatch = errors.New("identity mismatch")

	// ErrNonceVerification reports a replayed or substituted message.
	// Fatal for that message only.
	ErrNonceVerification = errors.New("nonce verification error")

	// ErrDecode reports a MAC or framing failure: wrong key, tampering or
	// corruption. Fatal for that message only.
	ErrDecode = errors.New("message authentication failed")
)
