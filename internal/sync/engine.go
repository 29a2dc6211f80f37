// Package sync keeps the Local Store consistent with the remote mail
// service. The Engine runs sync passes on a timer and on connectivity
// changes, populates message bodies in the background, replays offline
// mutations and drains the outbox.
package sync

import (
	"context"
	"io"
	"log/slog"
	gosync "sync"
	"sync/atomic"
	"time"

	"github.com/nhle/mailcache/internal/model"
	"github.com/nhle/mailcache/internal/remote"
	"github.com/nhle/mailcache/internal/store"
)

const (
	DefaultSyncInterval       = 60 * time.Second
	DefaultPopulateInterval   = 2 * time.Minute
	DefaultPopulateBatch      = 10
	DefaultPopulateDelay      = 500 * time.Millisecond
	DefaultRefreshBatchSize   = 20
	DefaultFullSyncMaxResults = 50

	// passTimeout bounds one background pass started by the loop.
	passTimeout = 5 * time.Minute

	// populateBudgetRatio stops background population near the budget.
	populateBudgetRatio = 0.95
)

// Connectivity is the view of the Connectivity Monitor the engine needs.
type Connectivity interface {
	IsOnline() bool
	ReportOnline()
	ReportError(err error)
	Subscribe() (<-chan bool, func())
}

// Notifier is told which threads changed after each pass.
type Notifier interface {
	ThreadsChanged(ids []string)
}

// SettingsProvider supplies the cache settings consulted before every
// prune and populate pass.
type SettingsProvider interface {
	CacheSettings() model.CacheSettings
}

// Options configures an Engine. Zero values use the defaults.
type Options struct {
	Store    store.Store
	Remote   remote.Client
	Monitor  Connectivity
	Notifier Notifier
	Settings SettingsProvider
	Logger   *slog.Logger

	SyncInterval       time.Duration
	PopulateInterval   time.Duration
	PopulateBatch      int
	PopulateDelay      time.Duration
	RefreshBatchSize   int
	FullSyncViews      []string
	FullSyncMaxResults int

	// UserAddress is the mailbox owner. When empty it is read from the
	// remote profile on first use.
	UserAddress string

	Now func() time.Time
}

// Engine orchestrates sync between the remote service and the store.
type Engine struct {
	store    store.Store
	remote   remote.Client
	monitor  Connectivity
	notifier Notifier
	settings SettingsProvider
	logger   *slog.Logger
	now      func() time.Time

	syncInterval       time.Duration
	populateInterval   time.Duration
	populateBatch      int
	populateDelay      time.Duration
	refreshBatchSize   int
	fullSyncViews      []string
	fullSyncMaxResults int

	syncing    atomic.Bool
	populating atomic.Bool
	replaying  atomic.Bool
	draining   atomic.Bool

	addrMu      gosync.Mutex
	userAddress string

	mu        gosync.Mutex
	running   bool
	stopCh    chan struct{}
	triggerCh chan struct{}
	flushCh   chan struct{}
	wg        gosync.WaitGroup
}

// New creates an Engine. Store and Remote are required.
func New(opts Options) *Engine {
	e := &Engine{
		store:              opts.Store,
		remote:             opts.Remote,
		monitor:            opts.Monitor,
		notifier:           opts.Notifier,
		settings:           opts.Settings,
		logger:             opts.Logger,
		now:                opts.Now,
		syncInterval:       opts.SyncInterval,
		populateInterval:   opts.PopulateInterval,
		populateBatch:      opts.PopulateBatch,
		populateDelay:      opts.PopulateDelay,
		refreshBatchSize:   opts.RefreshBatchSize,
		fullSyncViews:      opts.FullSyncViews,
		fullSyncMaxResults: opts.FullSyncMaxResults,
		userAddress:        model.NormalizeAddress(opts.UserAddress),
		triggerCh:          make(chan struct{}, 1),
		flushCh:            make(chan struct{}, 1),
	}
	if e.monitor == nil {
		e.monitor = alwaysOnline{}
	}
	if e.notifier == nil {
		e.notifier = discardNotifier{}
	}
	if e.settings == nil {
		e.settings = model.StaticSettings{Enabled: true, MaxSizeMB: model.DefaultAppConfig().Cache.MaxSizeMB}
	}
	if e.logger == nil {
		e.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.syncInterval <= 0 {
		e.syncInterval = DefaultSyncInterval
	}
	if e.populateInterval <= 0 {
		e.populateInterval = DefaultPopulateInterval
	}
	if e.populateBatch <= 0 {
		e.populateBatch = DefaultPopulateBatch
	}
	if e.populateDelay <= 0 {
		e.populateDelay = DefaultPopulateDelay
	}
	if e.refreshBatchSize <= 0 {
		e.refreshBatchSize = DefaultRefreshBatchSize
	}
	if len(e.fullSyncViews) == 0 {
		e.fullSyncViews = model.DefaultFullSyncViews
	}
	if e.fullSyncMaxResults <= 0 {
		e.fullSyncMaxResults = DefaultFullSyncMaxResults
	}
	return e
}

// Start runs an initial pass and then schedules sync passes, body
// population and queue flushes until Stop or ctx is done. Calling Start
// on a running engine is a no-op.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return
	}
	e.running = true
	e.stopCh = make(chan struct{})
	stopCh := e.stopCh
	e.mu.Unlock()

	states, cancel := e.monitor.Subscribe()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer cancel()
		e.loop(ctx, stopCh, states)
	}()
}

// Stop clears the timers and waits for an in-flight pass to finish.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	close(e.stopCh)
	e.mu.Unlock()

	e.wg.Wait()
}

// RequestSync schedules a pass on the running loop without waiting for it.
func (e *Engine) RequestSync() {
	select {
	case e.triggerCh <- struct{}{}:
	default:
	}
}

// requestFlush schedules a replay and outbox drain on the running loop.
func (e *Engine) requestFlush() {
	select {
	case e.flushCh <- struct{}{}:
	default:
	}
}

func (e *Engine) loop(ctx context.Context, stopCh <-chan struct{}, states <-chan bool) {
	syncTicker := time.NewTicker(e.syncInterval)
	defer syncTicker.Stop()
	populateTicker := time.NewTicker(e.populateInterval)
	defer populateTicker.Stop()

	e.tick(ctx)

	for {
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		case <-syncTicker.C:
			e.tick(ctx)
		case <-e.triggerCh:
			e.tick(ctx)
		case <-e.flushCh:
			e.flush(ctx)
		case <-populateTicker.C:
			e.populate(ctx)
		case online := <-states:
			if online {
				e.logger.Info("back online; flushing queues and syncing")
				e.tick(ctx)
			}
		}
	}
}

// passContext detaches a background pass from the loop's context so Stop
// lets it complete, bounded by passTimeout.
func passContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), passTimeout)
}

// tick wakes expired snoozes, flushes both queues and runs a sync pass.
func (e *Engine) tick(ctx context.Context) {
	pctx, cancel := passContext(ctx)
	defer cancel()

	if _, err := e.WakeSnoozes(pctx); err != nil {
		e.logger.Error("waking snoozed threads", "err", err)
	}
	e.flushWith(pctx)
	if _, err := e.Sync(pctx); err != nil {
		e.logger.Warn("sync pass failed", "err", err)
	}
}

func (e *Engine) flush(ctx context.Context) {
	pctx, cancel := passContext(ctx)
	defer cancel()
	e.flushWith(pctx)
}

func (e *Engine) flushWith(ctx context.Context) {
	if _, err := e.ReplayPending(ctx); err != nil {
		e.logger.Warn("replaying pending actions", "err", err)
	}
	if _, err := e.DrainOutbox(ctx); err != nil {
		e.logger.Warn("draining outbox", "err", err)
	}
}

func (e *Engine) populate(ctx context.Context) {
	pctx, cancel := passContext(ctx)
	defer cancel()
	if _, err := e.PopulateBodies(pctx); err != nil {
		e.logger.Warn("populating bodies", "err", err)
	}
}

// reportError feeds a remote failure to the connectivity monitor.
func (e *Engine) reportError(err error) {
	e.monitor.ReportError(err)
}

// selfAddress returns the mailbox owner, asking the remote profile once.
func (e *Engine) selfAddress(ctx context.Context) string {
	e.addrMu.Lock()
	defer e.addrMu.Unlock()
	if e.userAddress != "" {
		return e.userAddress
	}
	p, err := e.remote.GetProfile(ctx)
	if err != nil {
		e.logger.Warn("reading mailbox owner", "err", err)
		return ""
	}
	e.userAddress = model.NormalizeAddress(p.Address)
	return e.userAddress
}

func (e *Engine) rememberSelf(addr string) {
	addr = model.NormalizeAddress(addr)
	if addr == "" {
		return
	}
	e.addrMu.Lock()
	e.userAddress = addr
	e.addrMu.Unlock()
}

type alwaysOnline struct{}

func (alwaysOnline) IsOnline() bool    { return true }
func (alwaysOnline) ReportOnline()     {}
func (alwaysOnline) ReportError(error) {}
func (alwaysOnline) Subscribe() (<-chan bool, func()) {
	return nil, func() {}
}

type discardNotifier struct{}

func (discardNotifier) ThreadsChanged([]string) {}
