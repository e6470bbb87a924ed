package auth

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuemby/brine/pkg/config"
	"github.com/cuemby/brine/pkg/dispatcher"
	"github.com/cuemby/brine/pkg/master"
	"github.com/cuemby/brine/pkg/security"
	"github.com/cuemby/brine/pkg/transport"
	"github.com/stretchr/testify/require"
)

type testMaster struct {
	cfg      *config.MasterConfig
	reg      *master.Registry
	listener *transport.MemListener
	dials    atomic.Int32
}

func masterConfig(t *testing.T, id string) *config.MasterConfig {
	t.Helper()
	dir := t.TempDir()

	cfg := config.DefaultMaster()
	cfg.ID = id
	cfg.PKIDir = filepath.Join(dir, "pki")
	cfg.CacheDir = filepath.Join(dir, "cache")
	cfg.KeySize = security.MinKeySize
	cfg.AutoAccept = true
	return cfg
}

func startMaster(t *testing.T, cfg *config.MasterConfig) *testMaster {
	t.Helper()
	return startMasterPool(t, cfg, 4, dispatcher.DefaultIdleTimeout)
}

// startMasterPool runs the master with workers dispatcher workers and the
// given connection idle timeout
func startMasterPool(t *testing.T, cfg *config.MasterConfig, workers int, idle time.Duration) *testMaster {
	t.Helper()
	require.NoError(t, cfg.Validate())

	reg, err := master.NewRegistry(cfg, master.Options{})
	require.NoError(t, err)

	d := dispatcher.New(reg, dispatcher.Options{AESFuncs: dispatcher.DefaultAESFuncs(reg)})
	listener := transport.NewMemListener()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		pool := dispatcher.NewPool(listener, d, workers)
		pool.SetIdleTimeout(idle)
		pool.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		listener.Close()
		<-done
		reg.Close()
	})

	return &testMaster{cfg: cfg, reg: reg, listener: listener}
}

// Dialer counts connections opened to the master
func (m *testMaster) Dialer() transport.Dialer {
	dial := m.listener.Dialer(nil, nil)
	return func(ctx context.Context) (transport.Conn, error) {
		m.dials.Add(1)
		return dial(ctx)
	}
}

func minionOptions(t *testing.T, m *testMaster) Options {
	t.Helper()
	return Options{
		ID:                 "web1",
		PKIDir:             t.TempDir(),
		MasterURI:          "mem://" + m.cfg.ID,
		KeySize:            security.MinKeySize,
		AuthTimeout:        2 * time.Second,
		AuthTries:          1,
		AcceptanceWaitTime: 10 * time.Millisecond,
		Dial:               m.Dialer(),
		Cache:              NewCredentialsCache(),
	}
}

func newSAuth(t *testing.T, opts Options) *SAuth {
	t.Helper()
	a, err := NewSAuth(opts)
	require.NoError(t, err)
	return a
}
