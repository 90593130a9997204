// Command tienda serves the live store configuration (store open, accepting
// orders) to storefront consumers over HTTP and SSE.
// Run with -source=mem for a local in-memory document.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/tienda-app/tienda-go/internal/api"
	"github.com/tienda-app/tienda-go/internal/configctx"
	"github.com/tienda-app/tienda-go/internal/identity"
	"github.com/tienda-app/tienda-go/internal/models"
	"github.com/tienda-app/tienda-go/internal/remote"
	"github.com/tienda-app/tienda-go/internal/zeroconf"
)

// rtdbAuthEnv holds the database credential so it stays out of process listings.
const rtdbAuthEnv = "TIENDA_RTDB_AUTH"

func main() {
	var (
		addr    = flag.String("addr", ":8080", "HTTP listen address")
		source  = flag.String("source", "file", "configuration source: mem, file or rtdb")
		cfgDir  = flag.String("config-dir", "", "config directory (default: ~/.config/tienda)")
		rtdbURL = flag.String("rtdb-url", "", "Realtime Database URL, e.g. https://example-default-rtdb.firebaseio.com")
		docPath = flag.String("path", models.DefaultPath, "configuration document path")
		mdns    = flag.Bool("mdns", false, "advertise the API over mDNS")
		debug   = flag.Bool("debug", false, "enable debug logging")
	)
	flag.Parse()

	// Configure logging
	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	// Resolve config directory
	if *cfgDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			slog.Error("cannot determine home directory", "err", err)
			os.Exit(1)
		}
		*cfgDir = filepath.Join(home, ".config", "tienda")
	}

	src, err := newSource(*source, *cfgDir, *rtdbURL)
	if err != nil {
		slog.Error("invalid configuration source", "source", *source, "err", err)
		os.Exit(1)
	}

	// Graceful shutdown context
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	info := identity.Get(*cfgDir)

	err = configctx.Run(ctx, src, func(ctx context.Context, scope *configctx.Scope) error {
		return serve(ctx, scope, info, *addr, *mdns)
	}, configctx.WithPath(*docPath))
	if err != nil {
		slog.Error("tienda stopped with error", "err", err)
		os.Exit(1)
	}
	slog.Info("shutdown complete")
}

// newSource builds the remote backend selected on the command line.
func newSource(kind, cfgDir, rtdbURL string) (remote.Source, error) {
	switch kind {
	case "mem":
		return remote.NewMemSource(), nil
	case "file":
		if err := os.MkdirAll(cfgDir, 0755); err != nil {
			return nil, fmt.Errorf("create config directory %s: %w", cfgDir, err)
		}
		return remote.NewFileSource(cfgDir), nil
	case "rtdb":
		if rtdbURL == "" {
			return nil, errors.New("-rtdb-url is required for the rtdb source")
		}
		var opts []remote.RTDBOption
		if token := os.Getenv(rtdbAuthEnv); token != "" {
			opts = append(opts, remote.WithAuth(token))
		}
		return remote.NewRTDBSource(rtdbURL, opts...)
	default:
		return nil, fmt.Errorf("unknown source %q (want mem, file or rtdb)", kind)
	}
}

// serve runs the HTTP server (and optional mDNS advertisement) until ctx is done.
func serve(ctx context.Context, scope *configctx.Scope, info identity.Info, addr string, mdns bool) error {
	if mdns {
		zc := zeroconf.New(info.Hostname, listenPort(addr), "version="+info.Version, "path="+scope.Path())
		go func() {
			if err := zc.Start(ctx); err != nil {
				slog.Warn("zeroconf failed", "err", err)
			}
		}()
	}

	srv := &http.Server{
		Addr:         addr,
		Handler:      api.NewRouter(scope, info),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // 0 = no timeout (needed for SSE)
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("tienda listening", "addr", addr, "source", scope.Source(), "path", scope.Path())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for shutdown signal
	select {
	case <-ctx.Done():
		slog.Info("shutting down...")
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	// SSE streams end when the scope closes; close it first so Shutdown
	// does not wait on them.
	scope.Close()

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutCancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		slog.Warn("server shutdown error", "err", err)
	}
	return nil
}

// listenPort extracts the port from a listen address, defaulting to 80.
func listenPort(addr string) int {
	port := 80
	if parts := strings.SplitN(addr, ":", 2); len(parts) == 2 && parts[1] != "" {
		if p, err := strconv.Atoi(parts[1]); err == nil {
			port = p
		}
	}
	return port
}
