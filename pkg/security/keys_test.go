package security

import (
	"crypto/rand"
	"crypto/rsa"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureKeypairGeneratesOnce(t *testing.T) {
	dir := t.TempDir()

	kp, err := EnsureKeypair(dir, "minion", DefaultKeySize)
	require.NoError(t, err)

	info, err := os.Stat(kp.PrivPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0400), info.Mode().Perm())

	info, err = os.Stat(kp.PubPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0644), info.Mode().Perm())

	again, err := EnsureKeypair(dir, "minion", DefaultKeySize)
	require.NoError(t, err)
	assert.True(t, kp.Private.Equal(again.Private), "existing key must be loaded, not regenerated")

	// No temp files left behind
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestEnsureKeypairRestoresPublicKey(t *testing.T) {
	dir := t.TempDir()

	kp, err := EnsureKeypair(dir, "master", DefaultKeySize)
	require.NoError(t, err)
	require.NoError(t, os.Remove(kp.PubPath))

	kp2, err := EnsureKeypair(dir, "master", DefaultKeySize)
	require.NoError(t, err)

	pub, err := LoadPublicKey(kp2.PubPath)
	require.NoError(t, err)
	assert.True(t, pub.Equal(kp.Public))
}

func TestEnsureKeypairReplacesMismatchedPublicKey(t *testing.T) {
	dir := t.TempDir()

	kp, err := EnsureKeypair(dir, "master", MinKeySize)
	require.NoError(t, err)

	other, err := rsa.GenerateKey(rand.Reader, MinKeySize)
	require.NoError(t, err)
	otherPEM, err := PublicKeyPEM(&other.PublicKey)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(kp.PubPath, []byte(otherPEM+"\n"), 0644))

	_, err = EnsureKeypair(dir, "master", MinKeySize)
	require.NoError(t, err)

	pub, err := LoadPublicKey(kp.PubPath)
	require.NoError(t, err)
	assert.True(t, pub.Equal(kp.Public))
}

func TestEnsureKeypairConcurrent(t *testing.T) {
	dir := t.TempDir()

	const n = 6
	pairs := make([]*Keypair, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Go(func() { pairs[i], errs[i] = EnsureKeypair(dir, "minion", MinKeySize) })
	}
	wg.Wait()

	for i := range n {
		require.NoError(t, errs[i])
		assert.True(t, pairs[i].Public.Equal(pairs[0].Public), "caller %d loaded a different key", i)
	}

	priv, err := LoadPrivateKey(pairs[0].PrivPath)
	require.NoError(t, err)
	pub, err := LoadPublicKey(pairs[0].PubPath)
	require.NoError(t, err)
	assert.True(t, pub.Equal(&priv.PublicKey), "public key on disk must match the private key")

	// No staged temp files are left behind
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.ElementsMatch(t, []string{"minion.pem", "minion.pub"}, names)
}

func TestEnsureKeypairFailures(t *testing.T) {
	_, err := EnsureKeypair(t.TempDir(), "tiny", 1024)
	assert.ErrorIs(t, err, ErrKeyGeneration)

	// pki dir path occupied by a regular file
	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0600))
	_, err = EnsureKeypair(filepath.Join(blocker, "pki"), "minion", DefaultKeySize)
	assert.Error(t, err)
}

func TestLoadPublicKeyInvalid(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name    string
		content string
	}{
		{"empty", ""},
		{"whitespace", "  \n\n"},
		{"garbage", "this is not a key"},
		{"bad body", "-----BEGIN PUBLIC KEY-----\nAAAA\n-----END PUBLIC KEY-----\n"},
		{"wrong type", "-----BEGIN CERTIFICATE-----\nAAAA\n-----END CERTIFICATE-----\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, tt.name+".pub")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0644))

			key, err := LoadPublicKey(path)
			assert.ErrorIs(t, err, ErrInvalidKey)
			assert.Nil(t, key)
		})
	}
}

func TestLoadPrivateKeyInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.pem")
	require.NoError(t, os.WriteFile(path, nil, 0600))

	_, err := LoadPrivateKey(path)
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestCleanKey(t *testing.T) {
	kp, err := EnsureKeypair(t.TempDir(), "minion", DefaultKeySize)
	require.NoError(t, err)

	lf, err := kp.PublicPEM()
	require.NoError(t, err)

	crlf := strings.ReplaceAll(lf, "\n", "\r\n") + "\r\n"
	cr := strings.ReplaceAll(lf, "\n", "\r")
	mixed := strings.Replace(crlf, "\r\n", "\n", 3)

	for _, variant := range []string{lf, crlf, cr, mixed, "\n" + lf + "\n\n"} {
		assert.Equal(t, CleanKey(lf), CleanKey(variant))
	}

	// Idempotent
	assert.Equal(t, CleanKey(crlf), CleanKey(CleanKey(crlf)))

	// A content change survives normalization
	idx := strings.Index(lf, "\n") + 5
	altered := lf[:idx] + string(lf[idx]^1) + lf[idx+1:]
	assert.NotEqual(t, CleanKey(lf), CleanKey(altered))

	// Keys parse regardless of line endings
	_, err = ParsePublicKey([]byte(crlf))
	assert.NoError(t, err)
}

func TestSignVerify(t *testing.T) {
	a, err := EnsureKeypair(t.TempDir(), "a", DefaultKeySize)
	require.NoError(t, err)
	b, err := EnsureKeypair(t.TempDir(), "b", DefaultKeySize)
	require.NoError(t, err)

	msg := []byte("session key proof")
	sig, err := Sign(a.Private, msg)
	require.NoError(t, err)

	assert.True(t, Verify(a.Public, msg, sig))
	assert.False(t, Verify(b.Public, msg, sig))
	assert.False(t, Verify(a.Public, []byte("other"), sig))
	assert.False(t, Verify(a.Public, msg, nil))
	assert.False(t, Verify(nil, msg, sig))
}

func TestOAEPRoundTrip(t *testing.T) {
	kp, err := EnsureKeypair(t.TempDir(), "minion", DefaultKeySize)
	require.NoError(t, err)

	secret := []byte("c2Vzc2lvbiBrZXkgbWF0ZXJpYWw=")
	ct, err := EncryptOAEP(kp.Public, secret)
	require.NoError(t, err)

	pt, err := DecryptOAEP(kp.Private, ct)
	require.NoError(t, err)
	assert.Equal(t, secret, pt)

	ct[0] ^= 0xff
	_, err = DecryptOAEP(kp.Private, ct)
	assert.ErrorIs(t, err, ErrDecode)
}

func TestFingerprint(t *testing.T) {
	kp, err := EnsureKeypair(t.TempDir(), "master", DefaultKeySize)
	require.NoError(t, err)
	pemText, err := kp.PublicPEM()
	require.NoError(t, err)

	fp, err := Fingerprint(pemText)
	require.NoError(t, err)
	assert.Len(t, strings.Split(fp, ":"), 32)

	fp2, err := Fingerprint(strings.ReplaceAll(pemText, "\n", "\r\n"))
	require.NoError(t, err)
	assert.Equal(t, fp, fp2)

	_, err = Fingerprint("nope")
	assert.ErrorIs(t, err, ErrInvalidKey)
}
