package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/telekom/audit-trail/pkg/api"
	"github.com/telekom/audit-trail/pkg/config"
	"github.com/telekom/audit-trail/pkg/telemetry"
	"github.com/telekom/audit-trail/pkg/version"
)

func NewServeCommand() *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the audit API server",
		Long: `Run the audit API server. SIGINT and SIGTERM shut it down gracefully,
SIGHUP reloads the broker sinks and declared models from the config file.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := getRuntime(cmd)
			if err != nil {
				return err
			}
			cfg := rt.cfg
			if listen != "" {
				cfg.Server.ListenAddress = listen
			}
			log := rt.logger
			log.Info("starting audit trail", version.GetBuildInfo().Fields()...)

			_, shutdownTracing, err := telemetry.Init(cmd.Context(),
				telemetry.OptionsFromConfig(cfg.Telemetry, version.Version, log))
			if err != nil {
				return fmt.Errorf("init tracing: %w", err)
			}
			defer func() {
				if err := shutdownTracing(context.Background()); err != nil {
					log.Warn("failed to flush traces", zap.Error(err))
				}
			}()

			app, err := NewApp(cfg, log)
			if err != nil {
				return fmt.Errorf("build audit pipeline: %w", err)
			}
			defer func() {
				if err := app.Close(); err != nil {
					log.Warn("failed to close audit pipeline", zap.Error(err))
				}
			}()

			server := api.NewServer(log, cfg, rt.debug, api.Deps{
				Capturer:   app.Capturer,
				Service:    app.Service,
				Translator: app.Translator,
			})
			defer server.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			hup := make(chan os.Signal, 1)
			signal.Notify(hup, syscall.SIGHUP)
			defer signal.Stop(hup)
			go reloadOnHangup(ctx, hup, rt.configPath, app, log)

			return server.Listen(ctx)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "Listen address, overrides server.listenAddress")
	return cmd
}

// reloadOnHangup reloads the audit sinks each time hup fires until ctx ends.
// A config that fails to load or validate leaves the running pipeline as is.
func reloadOnHangup(ctx context.Context, hup <-chan os.Signal, path string, app *App, log *zap.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
		}
		cfg, err := config.Load(path)
		if err != nil {
			log.Error("config reload failed, keeping current pipeline", zap.Error(err))
			continue
		}
		if err := app.Service.Reload(cfg.Audit); err != nil {
			log.Error("audit sink reload failed, keeping current pipeline", zap.Error(err))
			continue
		}
		added := RegisterModels(app.Registry, cfg.Audit.Models)
		log.Info("audit configuration reloaded", zap.Int("new_models", added))
	}
}
