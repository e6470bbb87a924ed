package master

import (
	"crypto/rand"
	"crypto/rsa"
	"path/filepath"
	"testing"
	"time"

	"github.com/cuemby/brine/pkg/config"
	"github.com/cuemby/brine/pkg/security"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T, id string) *config.MasterConfig {
	t.Helper()
	dir := t.TempDir()

	cfg := config.DefaultMaster()
	cfg.ID = id
	cfg.PKIDir = filepath.Join(dir, "pki")
	cfg.CacheDir = filepath.Join(dir, "cache")
	cfg.KeySize = security.MinKeySize
	cfg.LoopInterval = 10 * time.Millisecond
	require.NoError(t, cfg.Validate())
	return cfg
}

func newTestRegistry(t *testing.T, cfg *config.MasterConfig, opts Options) *Registry {
	t.Helper()
	reg, err := NewRegistry(cfg, opts)
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })
	return reg
}

func minionPub(t *testing.T) string {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	pub, err := security.PublicKeyPEM(&key.PublicKey)
	require.NoError(t, err)
	return pub
}

// clock is a settable time source
type clock struct {
	t time.Time
}

func (c *clock) Now() time.Time { return c.t }

func (c *clock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func mustCrypticle(t *testing.T, key string) *security.Crypticle {
	t.Helper()
	c, err := security.NewCrypticle(key)
	require.NoError(t, err)
	return c
}
