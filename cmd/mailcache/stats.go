package main

import (
	"context"

	"github.com/k0kubun/pp/v3"

	"github.com/nhle/mailcache/internal/model"
)

type statsReport struct {
	Cache    model.CacheStats
	Sync     model.SyncMeta
	Pending  []model.PendingAction
	Outbox   []model.OutboxItem
	Snoozed  []model.SnoozeRecord
	Settings model.CacheSettings
}

func runStats(args []string) error {
	fset, configPath := commonFlags("stats")
	_ = fset.Parse(args)

	cfg, err := model.LoadConfig(*configPath)
	if err != nil {
		return err
	}
	st, err := openStore(cfg.Cache.DBPath)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := context.Background()
	var report statsReport
	if report.Cache, err = st.GetStats(ctx); err != nil {
		return err
	}
	if report.Sync, err = st.GetSyncMeta(ctx); err != nil {
		return err
	}
	if report.Pending, err = st.GetPendingActions(ctx); err != nil {
		return err
	}
	if report.Outbox, err = st.ListOutbox(ctx); err != nil {
		return err
	}
	if report.Snoozed, err = st.GetAllSnoozed(ctx); err != nil {
		return err
	}
	report.Settings = model.CacheSettings{Enabled: cfg.Cache.Enabled, MaxSizeMB: cfg.Cache.MaxSizeMB}

	_, err = pp.Println(report)
	return err
}
