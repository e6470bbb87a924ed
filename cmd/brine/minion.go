package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/cuemby/brine/pkg/auth"
	"github.com/cuemby/brine/pkg/config"
	"github.com/cuemby/brine/pkg/events"
	"github.com/cuemby/brine/pkg/log"
	"github.com/cuemby/brine/pkg/payload"
	"github.com/cuemby/brine/pkg/transport"
	"github.com/spf13/cobra"
)

var minionCmd = &cobra.Command{
	Use:   "minion",
	Short: "Run a Brine minion",
	Long: `Run a minion: sign in to every configured master, report the session
each one handed out and ping it periodically over the sealed channel.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		interval, _ := cmd.Flags().GetDuration("ping-interval")

		cfg, err := loadMinionConfig(cmd)
		if err != nil {
			return err
		}

		fmt.Println("Starting Brine minion...")
		fmt.Printf("  Minion ID: %s\n", cfg.ID)
		fmt.Printf("  Masters: %v\n", cfg.Masters)
		fmt.Println()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		broker := events.NewBroker()
		broker.Start()
		defer broker.Stop()

		cache := auth.NewCredentialsCache()
		var wg sync.WaitGroup
		for _, uri := range cfg.Masters {
			dial, err := masterDialer(cfg, uri)
			if err != nil {
				return err
			}
			opts := auth.OptionsFromConfig(cfg, uri, dial, cache)
			opts.Events = broker
			sauth, err := auth.NewSAuth(opts)
			if err != nil {
				return fmt.Errorf("failed to create auth client for %s: %v", uri, err)
			}
			ch := auth.NewReqChannel(sauth)
			wg.Go(func() {
				defer ch.Close()
				runChannel(ctx, uri, ch, interval)
			})
		}

		fmt.Println("Minion is running. Press Ctrl+C to stop.")
		wg.Wait()
		fmt.Println("✓ Shutdown complete")
		return nil
	},
}

func init() {
	minionCmd.Flags().Duration("ping-interval", 30*time.Second, "Interval between test.ping requests")
}

// masterDialer returns a dialer for uri, using mutual TLS when ssl is set
func masterDialer(cfg *config.MinionConfig, uri string) (transport.Dialer, error) {
	host, _, err := net.SplitHostPort(uri)
	if err != nil {
		return nil, fmt.Errorf("invalid master address %q: %v", uri, err)
	}
	tlsCfg, err := minionTLS(cfg, host)
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context) (transport.Conn, error) {
		return transport.DialGRPC(ctx, uri, tlsCfg)
	}, nil
}

func runChannel(ctx context.Context, uri string, ch *auth.ReqChannel, interval time.Duration) {
	logger := log.Logger.With().Str("component", "minion").Str("master", uri).Logger()

	for {
		ret, err := ch.Send(ctx, payload.Load{"cmd": "_session"})
		if err == nil {
			fmt.Printf("✓ Signed in to %s: %v\n", uri, ret)
			break
		}
		if ctx.Err() != nil {
			return
		}
		logger.Warn().Err(err).Msg("Sign-in failed, retrying")
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := ch.Send(ctx, payload.Load{"cmd": "test.ping"}); err != nil {
				logger.Warn().Err(err).Msg("Ping failed")
				continue
			}
			logger.Debug().Msg("Ping ok")
		}
	}
}
