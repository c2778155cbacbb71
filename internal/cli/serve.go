package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"cdr.dev/slog/v3"
	"golang.org/x/sync/errgroup"

	"github.com/runnerr0/presence/internal/cache"
	"github.com/runnerr0/presence/internal/httpapi"
	"github.com/runnerr0/presence/internal/query"
)

// Execute implements the go-flags Commander interface for ServeCommand.
func (c *ServeCommand) Execute(args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	e, err := openEnv(ctx, c.globals)
	if err != nil {
		return err
	}
	defer e.Close()

	return c.executeWithEnv(ctx, e)
}

// addr applies --host and --port over the configured listen address.
func (c *ServeCommand) addr(e *env) string {
	host := e.cfg.Server.Host
	if c.Host != "" {
		host = c.Host
	}
	port := e.cfg.Server.Port
	if c.Port != 0 {
		port = c.Port
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// executeWithEnv serves until ctx is cancelled.
func (c *ServeCommand) executeWithEnv(ctx context.Context, e *env) error {
	log := e.log.Named("server")

	ingestor := e.ingestor()
	if err := ingestor.Recover(ctx); err != nil {
		return fmt.Errorf("recover state: %w", err)
	}

	var opts []query.Option
	if addr := e.cfg.Cache.RedisAddr; addr != "" {
		rc, err := cache.NewRedisCache(ctx, cache.Options{
			Addr: addr,
			DB:   e.cfg.Cache.RedisDB,
			TTL:  e.cfg.CacheTTL(),
		})
		if err != nil {
			// The summary is always computable from the store.
			log.Warn(ctx, "summary cache disabled", slog.Error(err))
		} else {
			defer rc.Close()
			opts = append(opts, query.WithCache(rc))
		}
	}

	q, err := e.queryService(opts...)
	if err != nil {
		return err
	}

	srv := httpapi.New(ingestor, q, e.rebuilder(),
		httpapi.WithLogger(log),
		httpapi.WithMaxRequestSize(e.cfg.Server.MaxRequestSize),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.ListenAndServe(gctx, httpapi.ServerConfig{
			Addr:         c.addr(e),
			ReadTimeout:  time.Duration(e.cfg.Server.ReadTimeoutSeconds) * time.Second,
			WriteTimeout: time.Duration(e.cfg.Server.WriteTimeoutSeconds) * time.Second,
		})
	})
	if c.Consume {
		rc := (&ConsumeCommand{}).readerConfig(e)
		g.Go(func() error {
			return runConsumer(gctx, e, rc, ingestor)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
