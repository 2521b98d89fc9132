package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/browserforce/relay/cmd/config"
	"github.com/browserforce/relay/lib/admin"
	"github.com/browserforce/relay/lib/auth"
	"github.com/browserforce/relay/lib/broker"
	"github.com/browserforce/relay/lib/extension"
	"github.com/browserforce/relay/lib/logring"
	"github.com/browserforce/relay/lib/plugins"
	"github.com/browserforce/relay/lib/prefs"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve [port]",
		Short: "Run the relay broker",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var portOverride int
			if len(args) == 1 {
				p, err := strconv.Atoi(args[0])
				if err != nil || p < 1 || p > 65535 {
					return fmt.Errorf("invalid port %q", args[0])
				}
				portOverride = p
			}
			return runServe(portOverride)
		},
	}
}

func runServe(portOverride int) error {
	slogger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	if portOverride != 0 {
		cfg.Port = portOverride
	}
	slogger.Info("relay configuration", "port", cfg.Port, "host", cfg.Host, "config_dir", cfg.ConfigDir)

	token, err := auth.EnsureToken(cfg.ConfigDir)
	if err != nil {
		return err
	}

	// context cancellation on SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ring := logring.New(cfg.RingCapacity)
	bkr := broker.New(slogger.With("component", "broker"), broker.Options{
		Token:            token,
		Ring:             ring,
		ClientQueueCap:   cfg.ClientQueueCap,
		DecodeErrorLimit: cfg.DecodeErrorLimit,
		Link: extension.Options{
			Keepalive:        cfg.Keepalive(),
			MaxMissedPongs:   cfg.MaxMissedPongs,
			CallTimeout:      cfg.CommandTimeout(),
			DecodeErrorLimit: cfg.DecodeErrorLimit,
		},
	})
	prefStore := prefs.NewStore(slogger.With("component", "prefs"), cfg.ConfigDir)
	go prefStore.Watch(ctx)
	pluginMgr := plugins.NewManager(filepath.Join(cfg.ConfigDir, "plugins"))

	router := admin.Router(slogger, admin.Deps{
		Token:   token,
		Broker:  bkr,
		Ring:    ring,
		Prefs:   prefStore,
		Plugins: pluginMgr,
	})

	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	// Bind explicitly before publishing the connect URL: a held port must
	// fail with a clean error and no state on disk.
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("bind %s: %w", addr, err)
	}

	url := cfg.PublishedURL
	if url == "" {
		url = auth.ConnectURL(cfg.Host, cfg.Port, token)
	}
	if err := auth.PublishURL(cfg.ConfigDir, url); err != nil {
		ln.Close()
		return err
	}

	srv := &http.Server{Handler: router}
	go func() {
		slogger.Info("relay listening", "addr", addr)
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			slogger.Error("http server failed", "err", err)
			stop()
		}
	}()

	// graceful shutdown
	<-ctx.Done()
	slogger.Info("shutdown signal received")

	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Shutdown(context.Background())
	})
	g.Go(func() error {
		bkr.Shutdown()
		return nil
	})
	if err := g.Wait(); err != nil {
		slogger.Error("server failed to shutdown", "err", err)
	}

	if err := auth.RemoveURL(cfg.ConfigDir); err != nil {
		slogger.Warn("remove url file failed", "err", err)
	}
	slogger.Info("relay stopped")
	return nil
}
