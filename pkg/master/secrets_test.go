package master

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSecretsRotate(t *testing.T) {
	clk := &clock{t: time.Unix(1700000000, 0)}
	initial, err := NewSessionKeySet(192, clk.Now())
	require.NoError(t, err)

	s, err := NewSecrets(initial, time.Minute, clk.Now)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), s.Epoch())
	assert.Len(t, s.Crypticles(), 1)

	clk.Advance(time.Hour)
	next, err := s.Rotate(192)
	require.NoError(t, err)

	assert.Equal(t, uint64(2), next.Epoch)
	assert.Equal(t, initial.Current, next.Previous)
	assert.NotEqual(t, initial.Current, next.Current)
	assert.Equal(t, next.Current, s.Current())
	assert.Equal(t, clk.Now(), next.RotatedAt)
}

func TestSecretsPreviousKeyGrace(t *testing.T) {
	clk := &clock{t: time.Unix(1700000000, 0)}
	initial, err := NewSessionKeySet(192, clk.Now())
	require.NoError(t, err)

	s, err := NewSecrets(initial, time.Minute, clk.Now)
	require.NoError(t, err)
	_, err = s.Rotate(192)
	require.NoError(t, err)

	old := initial.Current
	sealed := func(key string) []byte {
		c := mustCrypticle(t, key)
		data, err := c.Dumps(map[string]any{"fun": "test.ping"}, "")
		require.NoError(t, err)
		return data
	}(old)

	decodes := func() bool {
		for _, c := range s.Crypticles() {
			if load, err := c.Loads(sealed, ""); err == nil && len(load) > 0 {
				return true
			}
		}
		return false
	}

	clk.Advance(30 * time.Second)
	assert.Len(t, s.Crypticles(), 2)
	assert.True(t, decodes(), "previous key must decode within grace")

	clk.Advance(time.Minute)
	assert.Len(t, s.Crypticles(), 1)
	assert.False(t, decodes(), "previous key must not decode after grace")
}

func TestSecretsInstallRejectsGarbage(t *testing.T) {
	initial, err := NewSessionKeySet(192, time.Now())
	require.NoError(t, err)
	s, err := NewSecrets(initial, time.Minute, nil)
	require.NoError(t, err)

	bad := initial
	bad.Current = "not a key"
	assert.Error(t, s.Install(bad))
	assert.Equal(t, initial.Current, s.Current(), "failed install must not change state")
}
