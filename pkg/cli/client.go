package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jguan/agent-domain/pkg/config"
	"github.com/jguan/agent-domain/pkg/infra/logger"
	"github.com/jguan/agent-domain/pkg/service"
)

// withClient runs fn with a command client on the configured transport.
// The memory transport has no server to reach, so an in-process node is
// started for the duration of fn against the configured store.
func withClient(ctx context.Context, cfg *config.Config, timeout time.Duration, fn func(context.Context, *service.Client) error) error {
	if cfg.Transport.Kind == "memory" {
		return withEmbeddedNode(ctx, cfg, timeout, fn)
	}

	bus, err := openBus(ctx, cfg.Transport, logger.Default())
	if err != nil {
		return err
	}
	defer bus.Close()
	return fn(ctx, service.NewClient(bus, timeout))
}

func withEmbeddedNode(ctx context.Context, cfg *config.Config, timeout time.Duration, fn func(context.Context, *service.Client) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ready := make(chan *node, 1)
	errc := make(chan error, 1)
	go func() { errc <- runServe(ctx, cfg, 0, ready) }()

	select {
	case n := <-ready:
		err := fn(ctx, service.NewClient(n.bus, timeout))
		cancel()
		return errors.Join(err, <-errc)
	case err := <-errc:
		if err == nil {
			err = fmt.Errorf("embedded node stopped before it was ready")
		}
		return err
	}
}
