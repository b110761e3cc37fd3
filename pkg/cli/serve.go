package cli

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jguan/agent-domain/pkg/config"
	"github.com/jguan/agent-domain/pkg/infra/logger"
	"github.com/jguan/agent-domain/pkg/infra/telemetry"
	"github.com/jguan/agent-domain/pkg/provider"
)

const (
	defaultHealthInterval = time.Minute
	shutdownTimeout       = 10 * time.Second
)

func NewServeCommand(root *RootCommand) *cobra.Command {
	var (
		healthInterval time.Duration
		mock           bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the agent command service",
		Long: `Connect to the transport, subscribe to every agent command subject and
handle commands until interrupted. Accepted lifecycle events are stored and
republished; messages to active agents stream provider responses.`,
		Example: `  # Serve against the NATS server in the config
  agentd serve --config /etc/agentd/config.toml

  # Run fully in process with the mock provider
  AGENTD_TRANSPORT=memory AGENTD_STORE_DRIVER=memory agentd serve --mock`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := root.Config()
			if mock {
				cfg.Providers.MockEnabled = true
			}
			return runServe(cmd.Context(), cfg, healthInterval, nil)
		},
	}

	cmd.Flags().DurationVar(&healthInterval, "health-interval", defaultHealthInterval, "Provider health check interval (0 disables)")
	cmd.Flags().BoolVar(&mock, "mock", false, "Register the mock provider")

	return cmd
}

// runServe blocks until ctx is done. ready, when set, receives the node once
// its dispatcher accepts commands.
func runServe(ctx context.Context, cfg *config.Config, healthInterval time.Duration, ready chan<- *node) error {
	log := logger.Default().With("component", "agentd")

	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
		Endpoint:       cfg.Telemetry.OTLPEndpoint,
		Insecure:       cfg.Telemetry.Insecure,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: cliVersion,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			log.Warn("telemetry shutdown", "error", err)
		}
	}()

	n, err := newNode(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer n.close()

	log.Info("agentd starting",
		"version", cliVersion,
		"transport", cfg.Transport.Kind,
		"store", cfg.Store.Driver,
		"providers", len(n.registry.Providers()),
		"agents", n.directory.Len(),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return n.run(gctx) })
	if healthInterval > 0 {
		g.Go(func() error {
			watchHealth(gctx, n.registry, healthInterval, log)
			return nil
		})
	}
	if ready != nil {
		go func() {
			select {
			case <-n.dispatcher.Ready():
				ready <- n
			case <-gctx.Done():
			}
		}()
	}

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("agentd stopped")
	return nil
}

// watchHealth checks every provider at start and then every interval. It
// records each result in the registry, which then tries unhealthy providers
// last, and logs transitions between healthy and unhealthy.
func watchHealth(ctx context.Context, reg *provider.Registry, interval time.Duration, log *slog.Logger) {
	check := func() {
		for _, p := range reg.Providers() {
			cctx, cancel := context.WithTimeout(ctx, interval/2)
			err := p.HealthCheck(cctx)
			cancel()
			if ctx.Err() != nil {
				return
			}

			was, seen := reg.SetHealth(p.Name(), err)
			switch {
			case err != nil && (was || !seen):
				log.Warn("provider unhealthy", "provider", p.Name(), "error", err)
			case err == nil && !was && seen:
				log.Info("provider recovered", "provider", p.Name())
			case err == nil && !seen:
				log.Debug("provider healthy", "provider", p.Name())
			}
		}
	}

	check()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			check()
		}
	}
}
