package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/jguan/agent-domain/pkg/config"
	"github.com/jguan/agent-domain/pkg/infra/eventbus"
	"github.com/jguan/agent-domain/pkg/infra/ratelimit"
	"github.com/jguan/agent-domain/pkg/infra/store"
	"github.com/jguan/agent-domain/pkg/infra/store/repositories"
	"github.com/jguan/agent-domain/pkg/messaging"
	"github.com/jguan/agent-domain/pkg/projection"
	"github.com/jguan/agent-domain/pkg/provider"
	"github.com/jguan/agent-domain/pkg/provider/llm"
	"github.com/jguan/agent-domain/pkg/service"
	"github.com/jguan/agent-domain/pkg/subject"
)

// node is one running agentd: storage, transport, providers and the
// command dispatcher wired from a Config.
type node struct {
	cfg        *config.Config
	logger     *slog.Logger
	events     store.EventStore
	snapshots  store.SnapshotStore
	bus        eventbus.Bus
	registry   *provider.Registry
	service    *service.AgentService
	dispatcher *service.Dispatcher
	directory  *projection.Directory
	dirSub     eventbus.Subscription
	querySub   eventbus.Subscription
}

func newNode(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*node, error) {
	n := &node{cfg: cfg, logger: logger}

	var err error
	if n.events, n.snapshots, err = openStore(cfg.Store); err != nil {
		return nil, err
	}
	if n.bus, err = openBus(ctx, cfg.Transport, logger); err != nil {
		n.closeStore()
		return nil, err
	}
	if n.registry, err = buildRegistry(cfg.Providers, logger); err != nil {
		n.close()
		return nil, err
	}

	repo := repositories.NewAgentRepository(n.events, n.snapshots,
		repositories.WithSnapshotFrequency(cfg.Store.SnapshotFrequency),
		repositories.WithLogger(logger),
	)
	msgOpts := []messaging.Option{
		messaging.WithPublisher(n.bus),
		messaging.WithTimeout(cfg.Messaging.MessageTimeoutD),
		messaging.WithLogger(logger),
	}
	if cfg.Messaging.RateLimit > 0 {
		msgOpts = append(msgOpts, messaging.WithRateLimit(
			ratelimit.New(cfg.Messaging.RateLimit, cfg.Messaging.RateBurst)))
	}
	msgs := messaging.NewService(n.registry, msgOpts...)
	n.service = service.NewAgentService(repo,
		service.WithPublisher(n.bus),
		service.WithMessaging(msgs),
		service.WithConflictRetries(cfg.Messaging.ConflictRetries),
		service.WithLogger(logger),
	)
	n.dispatcher = service.NewDispatcher(n.bus, n.service,
		service.WithMaxInflight(cfg.Messaging.MaxInflight),
		service.WithDispatcherLogger(logger),
	)

	n.directory = projection.NewDirectory(
		projection.WithLogger(logger),
		projection.WithEventStore(n.events),
	)
	if err := n.directory.Rebuild(ctx, n.events); err != nil {
		n.close()
		return nil, fmt.Errorf("rebuild agent directory: %w", err)
	}
	if n.dirSub, err = n.directory.Subscribe(n.bus); err != nil {
		n.close()
		return nil, fmt.Errorf("subscribe agent directory: %w", err)
	}
	if n.querySub, err = service.ServeQueries(n.bus, n.directory, logger); err != nil {
		n.close()
		return nil, fmt.Errorf("serve agent queries: %w", err)
	}
	return n, nil
}

// run dispatches commands until ctx is done.
func (n *node) run(ctx context.Context) error {
	return n.dispatcher.Run(ctx)
}

func (n *node) close() {
	if n.querySub != nil {
		_ = n.querySub.Unsubscribe()
	}
	if n.dirSub != nil {
		_ = n.dirSub.Unsubscribe()
	}
	if n.bus != nil {
		if err := n.bus.Close(); err != nil {
			n.logger.Warn("close transport", "error", err)
		}
	}
	n.closeStore()
}

func (n *node) closeStore() {
	if n.snapshots != nil {
		_ = n.snapshots.Close()
	}
	if n.events != nil {
		if err := n.events.Close(); err != nil {
			n.logger.Warn("close event store", "error", err)
		}
	}
}

func openStore(cfg config.StoreConfig) (store.EventStore, store.SnapshotStore, error) {
	switch cfg.Driver {
	case "memory":
		return store.NewMemoryEventStore(), store.NewMemorySnapshotStore(), nil
	case "sqlite":
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
			return nil, nil, fmt.Errorf("create store directory: %w", err)
		}
		db, err := store.OpenSQLite(cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		return store.NewSQLiteEventStore(db), store.NewSQLiteSnapshotStore(db), nil
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

func openBus(ctx context.Context, cfg config.TransportConfig, logger *slog.Logger) (eventbus.Bus, error) {
	switch cfg.Kind {
	case "memory":
		return eventbus.NewInMemoryBus(eventbus.WithLogger(logger)), nil
	case "nats":
		nc := eventbus.NATSConfig{
			URL:            cfg.URL,
			Name:           "agentd",
			ConnectTimeout: cfg.ConnectTimeoutD,
			ReconnectWait:  cfg.ReconnectWaitD,
			MaxReconnects:  cfg.MaxReconnects,
		}
		if cfg.EnsureStream {
			nc.StreamName = cfg.StreamName
			nc.StreamSubjects = []string{subject.AllLifecycleEvents()}
		}
		return eventbus.ConnectNATS(ctx, nc, logger)
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Kind)
	}
}

// buildRegistry registers the configured providers, earlier entries of
// Order first. Hosted providers without an API key are skipped.
func buildRegistry(cfg config.ProvidersConfig, logger *slog.Logger) (*provider.Registry, error) {
	order := make([]string, 0, len(cfg.Order)+1)
	for _, name := range cfg.Order {
		order = append(order, strings.ToLower(name))
	}
	if cfg.MockEnabled && !slices.Contains(order, "mock") {
		order = append(order, "mock")
	}

	reg := provider.NewRegistry()
	for priority, name := range order {
		var port provider.ChatPort
		switch name {
		case "ollama":
			port = llm.NewOllamaClient(cfg.OllamaAddr)
		case "openai":
			if cfg.OpenAIAPIKey == "" {
				logger.Debug("skipping provider without api key", "provider", name)
				continue
			}
			port = llm.NewOpenAIClient(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL)
		case "anthropic":
			if cfg.AnthropicAPIKey == "" {
				logger.Debug("skipping provider without api key", "provider", name)
				continue
			}
			port = llm.NewAnthropicClient(cfg.AnthropicAPIKey, "")
		case "mock":
			port = llm.NewMockClient([]string{"This is ", "a mock ", "response."})
		default:
			return nil, fmt.Errorf("unknown provider %q", name)
		}
		if err := reg.Register(port, priority); err != nil {
			return nil, fmt.Errorf("register provider: %w", err)
		}
		logger.Info("provider registered", "provider", port.Name(), "priority", priority)
	}
	return reg, nil
}
