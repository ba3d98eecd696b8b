// livedrive server
//
// Serves a live, websocket-synced view of a directory tree:
// - Directory listings pushed on every filesystem change
// - File operations (copy, move, rename, delete, upload, fetch)
// - Per-user homes, sessions and shortlinks
// - WebDAV access to the same homes
// - Prometheus metrics & structured logging (zap)
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/livedrive/internal/api"
	"github.com/fruitsalade/livedrive/internal/auth"
	"github.com/fruitsalade/livedrive/internal/config"
	"github.com/fruitsalade/livedrive/internal/engine"
	"github.com/fruitsalade/livedrive/internal/logging"
	"github.com/fruitsalade/livedrive/internal/metrics"
	"github.com/fruitsalade/livedrive/internal/sharing"
	"github.com/fruitsalade/livedrive/internal/store"
	"github.com/fruitsalade/livedrive/internal/webdav"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		// Can't use structured logging yet
		panic("configuration error: " + err.Error())
	}

	level := cfg.LogLevel
	if cfg.Debug {
		level = "debug"
	}
	if err := logging.Init(logging.Config{
		Level:  level,
		Format: cfg.LogFormat,
	}); err != nil {
		panic("logging init error: " + err.Error())
	}
	defer logging.Sync()

	logging.Info("livedrive starting...",
		zap.String("listen", cfg.ListenAddr),
		zap.String("metrics", cfg.MetricsAddr),
		zap.String("files", cfg.FilesDir),
		zap.Bool("no_login", cfg.NoLogin))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Persistence
	persist, err := store.Open(ctx, store.Config{
		Backend:     cfg.DBBackend,
		Path:        cfg.DBPath,
		DatabaseURL: cfg.DatabaseURL,
	})
	if err != nil {
		logging.Fatal("store open failed", zap.String("backend", cfg.DBBackend), zap.Error(err))
	}
	defer persist.Close()

	snap, err := persist.Load(ctx)
	if err != nil {
		logging.Fatal("store load failed", zap.Error(err))
	}

	sessions := auth.NewStore(persist, snap, auth.Options{TTL: cfg.SessionTTL})
	links := sharing.NewLinkStore(persist, snap, cfg.LinkLength)
	if sessions.FirstRun() && !cfg.NoLogin {
		logging.Info("no users yet; the first visitor creates the admin account")
	}

	eng, err := engine.New(engine.Config{
		FilesDir:     cfg.FilesDir,
		NoLogin:      cfg.NoLogin,
		Debug:        cfg.Debug,
		MaxFileSize:  cfg.MaxFileSize,
		MaxOpen:      cfg.MaxOpen,
		ReadInterval: cfg.ReadInterval,
	}, sessions, links)
	if err != nil {
		logging.Fatal("engine init failed", zap.Error(err))
	}
	defer eng.Close()

	apiCfg := api.Config{
		ResDir:        cfg.ResDir,
		IncomingDir:   cfg.IncomingDir,
		MaxFileSize:   cfg.MaxFileSize,
		NoLogin:       cfg.NoLogin,
		SessionTTL:    cfg.SessionTTL,
		KeepAlive:     cfg.KeepAlive,
		PushTimeout:   cfg.PushTimeout,
		PushRetry:     cfg.PushRetry,
		LoginCooldown: cfg.LoginCooldown,
	}
	if cfg.WebDAVEnabled {
		apiCfg.WebDAV = webdav.NewHandler(sessions, eng.Home, cfg.NoLogin)
		logging.Info("webdav enabled", zap.String("prefix", webdav.Prefix))
	}
	srv := api.NewServer(apiCfg, eng, sessions, links)

	// Start metrics server
	var metricsServer *http.Server
	if cfg.MetricsAddr != "" {
		metricsServer = &http.Server{
			Addr:    cfg.MetricsAddr,
			Handler: metrics.Handler(),
		}
		go func() {
			logging.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
			if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
				logging.Error("metrics server error", zap.Error(err))
			}
		}()
	}

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	useTLS := cfg.TLSCertFile != "" && cfg.TLSKeyFile != ""
	if useTLS {
		httpServer.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS13,
		}
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logging.Info("shutting down...")
		cancel()

		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		httpServer.Shutdown(shutdownCtx)
		if metricsServer != nil {
			metricsServer.Close()
		}
	}()

	// Periodic cleanup (expired sessions + idle rate limiter buckets)
	go func() {
		ticker := time.NewTicker(cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := sessions.Sweep(ctx)
				if err != nil {
					logging.Error("session sweep failed", zap.Error(err))
				} else if n > 0 {
					logging.Info("expired sessions removed", zap.Int("count", n))
				}
				srv.Limiter().Cleanup(cfg.SweepInterval)
			}
		}
	}()

	if useTLS {
		logging.Info("server listening (TLS 1.3)",
			zap.String("addr", cfg.ListenAddr),
			zap.String("cert", cfg.TLSCertFile))
		if err := httpServer.ListenAndServeTLS(cfg.TLSCertFile, cfg.TLSKeyFile); err != http.ErrServerClosed {
			logging.Fatal("server error", zap.Error(err))
		}
	} else {
		logging.Info("server listening (HTTP)", zap.String("addr", cfg.ListenAddr))
		if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
			logging.Fatal("server error", zap.Error(err))
		}
	}
}
