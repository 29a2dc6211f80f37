package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/nhle/mailcache/internal/connectivity"
	"github.com/nhle/mailcache/internal/credential"
	"github.com/nhle/mailcache/internal/model"
	"github.com/nhle/mailcache/internal/notify"
	"github.com/nhle/mailcache/internal/remote/gmail"
	"github.com/nhle/mailcache/internal/status"
	"github.com/nhle/mailcache/internal/store"
	mailsync "github.com/nhle/mailcache/internal/sync"
)

const shutdownTimeout = 10 * time.Second

func runDaemon(args []string) error {
	fset, configPath := commonFlags("run")
	_ = fset.Parse(args)

	level := new(slog.LevelVar)
	logger := newLogger(level)

	watcher, err := model.WatchConfig(*configPath, func(cfg *model.AppConfig, err error) {
		if err != nil {
			logger.Error("reloading config", "err", err)
			return
		}
		level.Set(parseLevel(cfg.Log.Level))
		logger.Info("config reloaded", "cache_enabled", cfg.Cache.Enabled, "cache_max_mb", cfg.Cache.MaxSizeMB)
	})
	if err != nil {
		return err
	}
	cfg := watcher.Config()
	level.Set(parseLevel(cfg.Log.Level))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(cfg.Cache.DBPath)
	if err != nil {
		return err
	}
	defer st.Close()

	creds, err := credential.Open()
	if err != nil {
		return err
	}
	oauthCfg := gmail.OAuthConfig(cfg.Remote.ClientID, cfg.Remote.ClientSecret)
	ts, err := gmail.TokenSource(ctx, oauthCfg, creds, cfg.Remote.CredentialKey, logger.With("component", "oauth"))
	if err != nil {
		return err
	}
	client, err := gmail.NewWithTokenSource(ctx, ts, gmail.Options{
		RequestsPerSecond: float64(cfg.Remote.RequestsPerSecond),
		Logger:            logger.With("component", "gmail"),
	})
	if err != nil {
		return err
	}

	monitor := connectivity.New(connectivity.Options{
		Debounce:        time.Duration(cfg.Connectivity.DebounceMs) * time.Millisecond,
		OnlineInterval:  time.Duration(cfg.Connectivity.OnlinePollSec) * time.Second,
		OfflineInterval: time.Duration(cfg.Connectivity.OfflinePollSec) * time.Second,
		Reachable:       connectivity.NetworkReachability(cfg.Connectivity.ProbeAddr, 0),
		Prober:          client,
		Logger:          logger.With("component", "connectivity"),
	})

	hub := notify.NewHub()
	states, unsubscribe := monitor.Subscribe()
	defer unsubscribe()
	relayStop := make(chan struct{})
	defer close(relayStop)
	go hub.Relay(states, relayStop)

	engine := mailsync.New(mailsync.Options{
		Store:              st,
		Remote:             client,
		Monitor:            monitor,
		Notifier:           hub,
		Settings:           watcher,
		Logger:             logger.With("component", "sync"),
		SyncInterval:       time.Duration(cfg.Sync.IntervalSec) * time.Second,
		PopulateInterval:   time.Duration(cfg.Sync.PopulateIntervalSec) * time.Second,
		PopulateBatch:      cfg.Sync.PopulateBatch,
		PopulateDelay:      time.Duration(cfg.Sync.PopulateDelayMs) * time.Millisecond,
		RefreshBatchSize:   cfg.Sync.RefreshBatchSize,
		FullSyncViews:      cfg.Sync.FullSyncViews,
		FullSyncMaxResults: cfg.Sync.FullSyncMaxResults,
	})

	server := status.New(status.Options{
		Store:        st,
		Syncer:       engine,
		Connectivity: monitor,
		Events:       hub,
		Settings:     watcher,
		Logger:       logger.With("component", "status"),
	})

	monitor.Start(ctx)
	engine.Start(ctx)

	serverErr := make(chan error, 1)
	if cfg.Status.Addr != "" {
		go func() { serverErr <- server.Start(cfg.Status.Addr) }()
	}

	logger.Info("mailcache running", "db", cfg.Cache.DBPath, "status", cfg.Status.Addr)

	select {
	case <-ctx.Done():
	case err = <-serverErr:
		if err != nil {
			logger.Error("status server stopped", "err", err)
		}
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("status server shutdown", "err", err)
	}
	engine.Stop()
	monitor.Stop()

	return err
}

func openStore(path string) (*store.SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	return store.NewSQLiteStore(path)
}
