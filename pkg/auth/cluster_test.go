package auth

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/cuemby/brine/pkg/master"
	"github.com/cuemby/brine/pkg/security"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClusterRotationConvergesForMinion(t *testing.T) {
	shared := filepath.Join(t.TempDir(), "cluster")

	var masters []*testMaster
	for i := 1; i <= 3; i++ {
		cfg := masterConfig(t, fmt.Sprintf("master%d", i))
		cfg.ClusterID = "brine"
		cfg.ClusterPKIDir = shared
		masters = append(masters, startMaster(t, cfg))
	}

	// One minion identity, one client per master
	pkiDir := t.TempDir()
	cache := NewCredentialsCache()
	var clients []*SAuth
	for _, m := range masters {
		opts := minionOptions(t, m)
		opts.PKIDir = pkiDir
		opts.Cache = cache
		clients = append(clients, newSAuth(t, opts))
	}

	authAll := func() string {
		var key string
		for i, c := range clients {
			c.Invalidate()
			creds, err := c.Authenticate(context.Background())
			require.NoError(t, err, "master%d", i+1)
			if key == "" {
				key = creds.AES
			}
			assert.Equal(t, key, creds.AES, "master%d handed out a different key", i+1)
		}
		return key
	}

	before := authAll()

	// Rotation is requested on one master only
	trigger := masters[1]
	ok, err := master.WriteDropfile(trigger.cfg.CacheDir, trigger.cfg.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, master.NewMaintenance(trigger.reg).Tick())

	for _, m := range masters {
		master.NewMaintenance(m.reg).Tick()
	}

	after := authAll()
	assert.NotEqual(t, before, after)
	for _, m := range masters {
		assert.Equal(t, after, m.reg.CurrentSessionKey())
		assert.Equal(t, security.SessionID(after), clients[0].Creds().SessionID)
	}
}
