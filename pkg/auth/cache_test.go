package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCredentialsCache(t *testing.T) {
	c := NewCredentialsCache()
	key := CredsKey{PKIDir: "/pki", ID: "web1", MasterURI: "m1"}
	other := CredsKey{PKIDir: "/pki", ID: "web1", MasterURI: "m2"}

	assert.Nil(t, c.Get(key))

	first := &Credentials{AES: "k1"}
	assert.Same(t, first, c.Install(key, first))

	// Same key material keeps the stored pointer
	assert.Same(t, first, c.Install(key, &Credentials{AES: "k1"}))

	second := &Credentials{AES: "k2"}
	assert.Same(t, second, c.Install(key, second))
	assert.Same(t, second, c.Get(key))
	assert.Nil(t, c.Get(other))
	assert.Equal(t, 1, c.Len())

	c.Invalidate(key)
	assert.Nil(t, c.Get(key))
	assert.NotEqual(t, key.String(), other.String())
}
