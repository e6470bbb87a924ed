package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	return path
}

func TestDefaultsValidate(t *testing.T) {
	require.NoError(t, DefaultMaster().Validate())

	minion := DefaultMinion()
	minion.ID = "web01"
	require.NoError(t, minion.Validate())
}

func TestLoadMasterOverrides(t *testing.T) {
	path := writeConfig(t, `
id: master-a
pki_dir: /srv/pki
cachedir: /srv/cache
auto_accept: true
max_minions: 50
loop_interval: 2s
conn_idle_timeout: 90s
previous_key_grace: 30s
disable_aes_with_tls: true
cluster_id: prod
cluster_pki_dir: /srv/cluster
cluster_peers: [master-b, master-c]
log:
  level: debug
  json: true
`)

	cfg, err := LoadMaster(path)
	require.NoError(t, err)

	assert.Equal(t, "master-a", cfg.ID)
	assert.Equal(t, "/srv/pki", cfg.PKIDir)
	assert.True(t, cfg.AutoAccept)
	assert.Equal(t, 50, cfg.MaxMinions)
	assert.Equal(t, 2*time.Second, cfg.LoopInterval)
	assert.Equal(t, 90*time.Second, cfg.ConnIdleTimeout)
	assert.Equal(t, 30*time.Second, cfg.PreviousKeyGrace)
	assert.True(t, cfg.DisableAESWithTLS)
	assert.Equal(t, []string{"master-b", "master-c"}, cfg.ClusterPeers)
	assert.Equal(t, "debug", cfg.Log.Level)

	// Untouched defaults survive
	assert.Equal(t, 5, cfg.WorkerThreads)
	assert.Equal(t, 24*time.Hour, cfg.PublishSession)
	assert.Equal(t, "/srv/cache/.dfn", cfg.DropfilePath())
	assert.Equal(t, "/srv/cache/raft", cfg.RaftDataDir())
}

func TestLoadMinion(t *testing.T) {
	path := writeConfig(t, `
id: web01
master: [10.0.0.1:4506, 10.0.0.2:4506]
auth_tries: 3
acceptance_wait_time: 1s
acceptance_wait_time_max: 8s
rejected_retry: true
`)

	cfg, err := LoadMinion(path)
	require.NoError(t, err)
	assert.Equal(t, "web01", cfg.ID)
	assert.Len(t, cfg.Masters, 2)
	assert.Equal(t, 3, cfg.AuthTries)
	assert.Equal(t, 8*time.Second, cfg.AcceptanceWaitTimeMax)
	assert.True(t, cfg.RejectedRetry)
	assert.Equal(t, 5*time.Second, cfg.AuthTimeout)
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"small key", "keysize: 1024"},
		{"bad aes size", "aes_key_size: 100"},
		{"cluster without dir", "cluster_id: prod"},
		{"raft without bind", "cluster_id: prod\ncluster_pki_dir: /x\ncluster_backend: raft"},
		{"unknown backend", "cluster_id: prod\ncluster_pki_dir: /x\ncluster_backend: gossip"},
		{"bad cert reqs", "ssl_cert_reqs: maybe"},
		{"zero workers", "worker_threads: 0"},
		{"negative idle timeout", "conn_idle_timeout: -1s"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadMaster(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}

	_, err := LoadMinion(writeConfig(t, "id: web01\nmaster: []"))
	assert.Error(t, err)

	_, err = LoadMaster(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = LoadMaster(writeConfig(t, "listen: [unclosed"))
	assert.Error(t, err)
}
