package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"collabtext/notesync/authority"
	"collabtext/notesync/config"
	"collabtext/notesync/discovery"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		addr       string
	)
	cmd := &cobra.Command{
		Use:           "notesync-server",
		Short:         "Serve notes with version-gated writes and push updates",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			logger := cfg.Logger(os.Stderr)
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if err := run(ctx, cfg, logger); err != nil {
				logger.Error("server stopped", "err", err)
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
	cmd.Flags().StringVar(&addr, "addr", "", "listen address, overrides the config")
	return cmd
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	store, closeStore, err := openStore(ctx, cfg.Server, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := authority.NewMetrics(reg)
	hub := authority.NewHub(logger, metrics)

	var relay *authority.RedisRelay
	opts := []authority.HandlerOption{authority.WithLogger(logger), authority.WithMetrics(metrics, reg)}
	if cfg.Server.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Server.RedisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect to redis at %s: %w", cfg.Server.RedisAddr, err)
		}
		logger.Info("connected to redis", "addr", cfg.Server.RedisAddr)
		relay = authority.NewRedisRelay(rdb, hub, logger)
		opts = append(opts, authority.WithPublisher(relay))
	}

	ln, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Server.Addr, err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(ctx)
		return nil
	})
	if relay != nil {
		g.Go(func() error { return relay.Run(ctx) })
	}

	srv := &http.Server{
		Handler:           authority.NewHandler(store, hub, opts...),
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		logger.Info("authority listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if cfg.Server.Advertise {
		port := ln.Addr().(*net.TCPAddr).Port
		mdns, err := discovery.Advertise("notesync", discovery.AuthorityService, port, []string{"v=1"})
		if err != nil {
			logger.Warn("mdns advertisement failed", "err", err)
		} else {
			defer mdns.Shutdown()
			logger.Info("advertising authority", "service", discovery.AuthorityService, "port", port)
		}
	}

	return g.Wait()
}

// openStore connects to PostgreSQL when a database URL is configured and
// falls back to memory otherwise.
func openStore(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) (authority.Store, func(), error) {
	if cfg.DatabaseURL == "" {
		logger.Warn("no database configured, notes are kept in memory")
		return authority.NewMemoryStore(), func() {}, nil
	}
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("ping database: %w", err)
	}
	store := authority.NewPostgresStore(pool)
	if err := store.Migrate(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	logger.Info("connected to postgres")
	return store, pool.Close, nil
}
