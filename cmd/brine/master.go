package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/brine/pkg/dispatcher"
	"github.com/cuemby/brine/pkg/events"
	"github.com/cuemby/brine/pkg/log"
	"github.com/cuemby/brine/pkg/master"
	"github.com/cuemby/brine/pkg/metrics"
	"github.com/cuemby/brine/pkg/security"
	"github.com/cuemby/brine/pkg/storage"
	"github.com/cuemby/brine/pkg/transport"
	"github.com/spf13/cobra"
)

var masterCmd = &cobra.Command{
	Use:   "master",
	Short: "Run a Brine master",
	Long: `Run a master: accept minion sign-ins, hand out the session key and
serve sealed requests. The session key rotates on the publish_session
schedule, when a dropfile appears, or when a minion key is rejected.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadMasterConfig(cmd)
		if err != nil {
			return err
		}
		logger := log.WithMasterID("master", cfg.ID)

		fmt.Println("Starting Brine master...")
		fmt.Printf("  Master ID: %s\n", cfg.ID)
		fmt.Printf("  Listen Address: %s\n", cfg.Listen)
		fmt.Printf("  PKI Directory: %s\n", cfg.PKIDir)
		if cfg.ClusterID != "" {
			fmt.Printf("  Cluster: %s (%s)\n", cfg.ClusterID, cfg.ClusterBackend)
		}
		fmt.Println()

		health := metrics.NewHealthChecker(Version, "registry", "listener")

		cache, err := storage.NewBoltStore(cfg.CacheDir)
		if err != nil {
			return fmt.Errorf("failed to open cache: %v", err)
		}
		defer cache.Close()

		broker := events.NewBroker()
		broker.Start()
		defer broker.Stop()
		sub := broker.Subscribe()
		defer broker.Unsubscribe(sub)
		go logEvents(sub)

		reg, err := master.NewRegistry(cfg, master.Options{Cache: cache, Events: broker})
		if err != nil {
			return fmt.Errorf("failed to create registry: %v", err)
		}
		defer reg.Close()
		health.Set("registry", true, fmt.Sprintf("epoch %d", reg.Epoch()))

		finger, err := masterFinger(reg)
		if err != nil {
			return err
		}
		fmt.Println("✓ Master keys loaded")
		fmt.Printf("  Fingerprint: %s\n", finger)

		tlsCfg, err := masterTLS(cfg, cache)
		if err != nil {
			return err
		}
		listener, err := transport.ListenGRPC(cfg.Listen, tlsCfg)
		if err != nil {
			return fmt.Errorf("failed to listen: %v", err)
		}
		defer listener.Close()
		health.Set("listener", true, listener.Addr().String())
		fmt.Printf("✓ Listening on %s (tls=%t)\n", listener.Addr(), tlsCfg != nil)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		d := dispatcher.New(reg, dispatcher.Options{
			Policy: security.TLSPolicy{
				DisableAESWithTLS: cfg.DisableAESWithTLS,
				Transport:         cfg.Transport,
				SSLCertReqs:       cfg.SSLCertReqs,
			},
			AESFuncs: dispatcher.DefaultAESFuncs(reg),
		})
		pool := dispatcher.NewPool(listener, d, cfg.WorkerThreads)
		pool.SetIdleTimeout(cfg.ConnIdleTimeout)
		poolDone := make(chan struct{})
		go func() {
			pool.Run(ctx)
			close(poolDone)
		}()
		fmt.Printf("✓ Dispatcher started (%d workers)\n", cfg.WorkerThreads)

		go master.NewMaintenance(reg).Run(ctx)
		fmt.Println("✓ Maintenance loop started")

		collector := metrics.NewCollector(reg, 15*time.Second)
		collector.Start()
		defer collector.Stop()

		var srv *http.Server
		if cfg.MetricsAddr != "" {
			srv = &http.Server{Addr: cfg.MetricsAddr, Handler: health.Mux(), ReadHeaderTimeout: 5 * time.Second}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error().Err(err).Msg("Metrics server failed")
					health.Set("metrics", false, err.Error())
				}
			}()
			fmt.Printf("✓ Metrics on http://%s/metrics\n", cfg.MetricsAddr)
		}

		fmt.Println()
		fmt.Println("Master is running. Press Ctrl+C to stop.")

		select {
		case <-ctx.Done():
			fmt.Println("\nShutting down...")
		case <-poolDone:
			logger.Warn().Msg("Dispatcher pool stopped")
		}

		stop()
		listener.Close()
		<-poolDone
		if srv != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}

		fmt.Println("✓ Shutdown complete")
		return nil
	},
}

func masterFinger(reg *master.Registry) (string, error) {
	pem, err := reg.Keys().PublicPEM()
	if err != nil {
		return "", err
	}
	return security.Fingerprint(pem)
}

func logEvents(sub events.Subscriber) {
	logger := log.WithComponent("events")
	for ev := range sub {
		e := logger.Info().Str("event", string(ev.Type))
		for k, v := range ev.Metadata {
			e = e.Str(k, v)
		}
		e.Msg(ev.Message)
	}
}
