package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/devblac/event-relay/internal/api"
	"github.com/devblac/event-relay/internal/engine"
	"github.com/devblac/event-relay/internal/health"
)

var (
	flagOnce           bool
	flagResyncInterval time.Duration
)

func init() {
	runCmd.Flags().BoolVar(&flagOnce, "once", false, "Backfill every event once and exit")
	runCmd.Flags().String("api", "", "HTTP address for health, metrics and sync triggers (e.g. :8080); env EVENT_RELAY_API")
	runCmd.Flags().DurationVar(&flagResyncInterval, "resync-interval", 0, "Repeat the backfill pass on this interval (0 disables)")
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Attach live listeners and backfill every event, then follow the chain",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.close()

		ctx := cmd.Context()
		log := a.log

		if addr := a.overrides.APIAddr; addr != "" {
			srv := api.NewServer(api.Config{Addr: addr}, a.service, health.Checker{
				DBPing:  a.store.Ping,
				RPCPing: health.NewRPCChecker(a.pool).Ping,
			}, log)
			go func() {
				if err := srv.Start(); err != nil {
					log.Error("api server error", zap.Error(err))
				}
			}()
			defer func() {
				if err := srv.Shutdown(context.Background()); err != nil {
					log.Warn("api shutdown", zap.Error(err))
				}
			}()
		}

		if flagOnce {
			results := a.service.SyncEvents(ctx)
			if failed := countFailed(results); failed > 0 {
				return fmt.Errorf("run: %d of %d events failed to sync", failed, len(results))
			}
			return nil
		}

		results, attached := a.service.Start(ctx)
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil
		}
		log.Info("event relay running",
			zap.Int("events", len(results)),
			zap.Int("failed", countFailed(results)),
			zap.Int("listeners", attached),
			zap.Duration("resync_interval", flagResyncInterval),
		)

		if flagResyncInterval > 0 {
			a.service.RunLoop(ctx, flagResyncInterval)
		} else {
			<-ctx.Done()
		}
		log.Info("shutting down")
		return nil
	},
}

func countFailed(results []engine.Result) int {
	n := 0
	for _, r := range results {
		if r.Err != nil {
			n++
		}
	}
	return n
}
