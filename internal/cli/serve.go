package cli

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"broker-gateway/internal/api"
	"broker-gateway/internal/logging"
)

const shutdownTimeout = 15 * time.Second

func newServeCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Long: `Start the gateway: credential store, session manager, symbol master
refresh, market data hub and the HTTP API.

SIGINT or SIGTERM stops accepting requests, waits for in-flight ones and
closes every upstream connection.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
				app.Config.Server.Addr = addr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return app.serve(ctx)
		},
	}
	cmd.Flags().String("addr", "", "listen address (overrides server.addr)")
	return cmd
}

func (app *App) serve(ctx context.Context) error {
	logger := logging.Component(app.Logger, "serve")

	svc, err := app.Build(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := svc.Close(); err != nil {
			logger.Warn().Err(err).Msg("Shutdown incomplete")
		}
	}()
	svc.Start(ctx, app.Config.Instruments.RefreshInterval)

	server := api.NewServer(svc.Gateway, svc.Sessions, svc.Hub, api.ConfigFrom(app.Config),
		api.WithLogger(app.Logger),
		api.WithAuditLogger(svc.Audit),
		api.WithGatherer(svc.Prometheus),
	)

	logger.Info().
		Str("version", Version).
		Strs("brokers", brokerNames(svc.Registry.IDs())).
		Str("store", app.Config.Store.Driver).
		Bool("read_only", app.Config.Gateway.ReadOnly).
		Msg("Gateway starting")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(server.Start)
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
