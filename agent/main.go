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

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"collabtext/notesync/cache"
	"collabtext/notesync/command"
	"collabtext/notesync/config"
	"collabtext/notesync/discovery"
	"collabtext/notesync/push"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		authority  string
		noteID     string
		addr       string
	)
	cmd := &cobra.Command{
		Use:           "notesync-agent",
		Short:         "Edit a shared note from a local UI",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				return err
			}
			if authority != "" {
				cfg.Agent.AuthorityURL = authority
			}
			if noteID != "" {
				cfg.Agent.NoteID = noteID
			}
			if addr != "" {
				cfg.Agent.Addr = addr
			}
			logger := cfg.Logger(os.Stderr)
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if err := run(ctx, cfg.Agent, logger); err != nil {
				logger.Error("agent stopped", "err", err)
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
	cmd.Flags().StringVar(&authority, "authority", "", "authority base URL; browse mDNS when empty")
	cmd.Flags().StringVar(&noteID, "note", "", "note to open at startup")
	cmd.Flags().StringVar(&addr, "addr", "", "local listen address for the UI")
	cmd.AddCommand(newPeersCmd(), newCachedCmd(&configPath))
	return cmd
}

// newCachedCmd lists the notes whose snapshot can be shown offline.
func newCachedCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "cached",
		Short: "List notes available offline in the snapshot cache",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			snapshots, err := cache.Open(cfg.Agent.CachePath)
			if err != nil {
				return err
			}
			defer snapshots.Close()
			ids, err := snapshots.IDs()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, id := range ids {
				doc, err := snapshots.Load(id)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "%-40s v%-6d %s\n", id, doc.Version, doc.Title)
			}
			return nil
		},
	}
}

// newPeersCmd lists the authorities and agents answering on the local network.
func newPeersCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "peers",
		Short: "List notesync authorities and agents on the local network",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
			g, ctx := errgroup.WithContext(cmd.Context())
			found := make([][]discovery.Peer, 2)
			for i, service := range []string{discovery.AuthorityService, discovery.AgentService} {
				g.Go(func() error {
					browseCtx, cancel := context.WithTimeout(ctx, timeout)
					defer cancel()
					peers, err := discovery.Browse(browseCtx, service, logger)
					found[i] = peers
					return err
				})
			}
			if err := g.Wait(); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for i, kind := range []string{"authority", "agent"} {
				for _, p := range found[i] {
					fmt.Fprintf(out, "%-10s %-40s %s\n", kind, p.Instance, p.URL())
				}
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "how long to listen for answers")
	return cmd
}

func run(ctx context.Context, cfg config.AgentConfig, logger *slog.Logger) error {
	authorityURL := cfg.AuthorityURL
	if authorityURL == "" {
		browseCtx, cancel := context.WithTimeout(ctx, cfg.DiscoveryTimeout)
		url, err := discovery.FindAuthority(browseCtx, logger)
		cancel()
		if err != nil {
			return fmt.Errorf("no authority configured and none discovered: %w", err)
		}
		authorityURL = url
	}

	commands, err := command.NewHTTPClient(authorityURL, &http.Client{Timeout: 10 * time.Second}, logger)
	if err != nil {
		return err
	}
	channel, err := push.NewWSChannel(authorityURL, logger)
	if err != nil {
		return err
	}

	var snapshots *cache.Cache
	if cfg.CachePath != "" {
		if snapshots, err = cache.Open(cfg.CachePath); err != nil {
			return err
		}
		defer snapshots.Close()
	}

	hub := newHub(logger)
	go hub.run()
	a := newAgent(commands, channel, hub, snapshots, cfg.AutoResync, logger)
	defer a.session.Close()

	if cfg.NoteID != "" {
		if err := a.open(ctx, cfg.NoteID); err != nil {
			return err
		}
	}

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Addr, err)
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		serveWs(hub, a, w, r)
	})
	if cfg.UIDir != "" {
		mux.Handle("/", http.FileServer(http.Dir(cfg.UIDir)))
	}
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	if cfg.Advertise {
		port := ln.Addr().(*net.TCPAddr).Port
		mdns, err := discovery.Advertise("notesync-agent", discovery.AgentService, port, []string{"v=1"})
		if err != nil {
			logger.Warn("mdns advertisement failed", "err", err)
		} else {
			defer mdns.Shutdown()
			logger.Info("advertising agent", "service", discovery.AgentService, "port", port)
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("agent listening", "addr", ln.Addr().String(), "authority", authorityURL)
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
	return g.Wait()
}
