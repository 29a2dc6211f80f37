// Package connectivity tracks whether the remote mail service is reachable.
//
// State is derived from three layers, most authoritative first: OS-level
// reachability, an optional authenticated probe against the service, and
// hints reported by collaborators that just talked to it. Every proposed
// change is debounced before it is committed and broadcast.
package connectivity

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/nhle/mailcache/internal/remote"
)

const (
	DefaultDebounce        = 3 * time.Second
	DefaultOnlineInterval  = 30 * time.Second
	DefaultOfflineInterval = 10 * time.Second
	DefaultProbeTimeout    = 10 * time.Second
)

// Prober performs a lightweight authenticated request against the remote
// service.
type Prober interface {
	Probe(ctx context.Context) error
}

// ReachabilityFunc reports whether the host has a usable network path.
type ReachabilityFunc func(ctx context.Context) bool

// Options configures a Monitor. Zero durations use the defaults.
type Options struct {
	Debounce        time.Duration
	OnlineInterval  time.Duration
	OfflineInterval time.Duration
	ProbeTimeout    time.Duration

	// Reachable defaults to NetworkReachability with no probe address.
	Reachable ReachabilityFunc

	// Prober is optional; without it reachability alone decides.
	Prober Prober

	Logger *slog.Logger
}

// Monitor holds the debounced online/offline state.
type Monitor struct {
	debounce        time.Duration
	onlineInterval  time.Duration
	offlineInterval time.Duration
	probeTimeout    time.Duration
	reachable       ReachabilityFunc
	prober          Prober
	logger          *slog.Logger

	mu           sync.Mutex
	online       bool
	pending      *time.Timer
	pendingState bool
	generation   uint64
	subs         map[int]chan bool
	nextSub      int
	running      bool
	stopCh       chan struct{}
	cadenceCh    chan struct{}
	wg           sync.WaitGroup
}

// New creates a Monitor. It reports online until Start runs the first
// check.
func New(opts Options) *Monitor {
	m := &Monitor{
		debounce:        opts.Debounce,
		onlineInterval:  opts.OnlineInterval,
		offlineInterval: opts.OfflineInterval,
		probeTimeout:    opts.ProbeTimeout,
		reachable:       opts.Reachable,
		prober:          opts.Prober,
		logger:          opts.Logger,
		online:          true,
		subs:            make(map[int]chan bool),
	}
	if m.debounce <= 0 {
		m.debounce = DefaultDebounce
	}
	if m.onlineInterval <= 0 {
		m.onlineInterval = DefaultOnlineInterval
	}
	if m.offlineInterval <= 0 {
		m.offlineInterval = DefaultOfflineInterval
	}
	if m.probeTimeout <= 0 {
		m.probeTimeout = DefaultProbeTimeout
	}
	if m.reachable == nil {
		m.reachable = NetworkReachability("", 0)
	}
	if m.logger == nil {
		m.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return m
}

// IsOnline returns the last committed state.
func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Subscribe returns a channel that receives every committed state change
// and a function that cancels the subscription. A slow subscriber only
// sees the latest state.
func (m *Monitor) Subscribe() (<-chan bool, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextSub
	m.nextSub++
	ch := make(chan bool, 1)
	m.subs[id] = ch

	return ch, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs, id)
	}
}

// Start commits the result of an immediate check without debounce, then
// polls at the online or offline interval until Stop.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.cadenceCh = make(chan struct{}, 1)
	m.mu.Unlock()

	online := m.evaluate(ctx)
	m.commit(online, m.currentGeneration(), true)

	m.wg.Add(1)
	go m.poll(ctx)
}

// Stop halts polling and drops any pending state change.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopCh)
	m.cancelPendingLocked()
	m.mu.Unlock()

	m.wg.Wait()
}

// CheckNow runs the reachability layers immediately and feeds the result
// through the debounce. It returns the probe result, which may not be
// committed yet.
func (m *Monitor) CheckNow(ctx context.Context) bool {
	online := m.evaluate(ctx)
	m.updateState(online)
	return online
}

// ReportOffline records a collaborator's observation that the remote
// service could not be reached.
func (m *Monitor) ReportOffline() {
	m.updateState(false)
}

// ReportOnline records a collaborator's successful remote call.
func (m *Monitor) ReportOnline() {
	m.updateState(true)
}

// ReportError forwards network-shaped errors as offline reports.
// Authorization and domain errors prove the network works and are ignored.
func (m *Monitor) ReportError(err error) {
	if remote.IsNetworkError(err) {
		m.logger.Debug("network error reported", "err", err)
		m.ReportOffline()
	}
}

// evaluate never fails; probe errors resolve to offline.
func (m *Monitor) evaluate(ctx context.Context) bool {
	if !m.reachable(ctx) {
		return false
	}
	if m.prober == nil {
		return true
	}

	probeCtx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	defer cancel()

	err := m.prober.Probe(probeCtx)
	switch {
	case err == nil:
		return true
	case remote.IsAuthError(err):
		m.logger.Warn("probe rejected credentials; treating network as reachable", "err", err)
		return true
	default:
		m.logger.Info("probe failed", "err", err)
		return false
	}
}

// updateState proposes a new state. The proposal is committed only if it
// holds for the debounce window; a report agreeing with the committed state
// cancels it.
func (m *Monitor) updateState(proposed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if proposed == m.online {
		m.cancelPendingLocked()
		return
	}
	if m.pending != nil && m.pendingState == proposed {
		return
	}

	m.cancelPendingLocked()
	gen := m.generation
	m.pendingState = proposed
	m.pending = time.AfterFunc(m.debounce, func() {
		m.commit(proposed, gen, false)
	})
}

func (m *Monitor) cancelPendingLocked() {
	if m.pending != nil {
		m.pending.Stop()
		m.pending = nil
	}
	m.generation++
}

func (m *Monitor) currentGeneration() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.generation
}

// commit sets the state and broadcasts it. A commit from a superseded
// proposal is discarded. The initial commit always broadcasts.
func (m *Monitor) commit(online bool, gen uint64, initial bool) {
	m.mu.Lock()
	if gen != m.generation {
		m.mu.Unlock()
		return
	}
	m.pending = nil
	changed := m.online != online
	m.online = online
	if !changed && !initial {
		m.mu.Unlock()
		return
	}

	for _, ch := range m.subs {
		select {
		case ch <- online:
		default:
			select {
			case <-ch:
			default:
			}
			ch <- online
		}
	}
	cadence := m.cadenceCh
	m.mu.Unlock()

	if changed {
		m.logger.Info("connectivity changed", "online", online)
	}
	if cadence != nil {
		select {
		case cadence <- struct{}{}:
		default:
		}
	}
}

func (m *Monitor) interval() time.Duration {
	if m.IsOnline() {
		return m.onlineInterval
	}
	return m.offlineInterval
}

func (m *Monitor) poll(ctx context.Context) {
	defer m.wg.Done()

	m.mu.Lock()
	stopCh, cadenceCh := m.stopCh, m.cadenceCh
	m.mu.Unlock()

	timer := time.NewTimer(m.interval())
	defer timer.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		case <-cadenceCh:
			timer.Reset(m.interval())
		case <-timer.C:
			m.CheckNow(ctx)
			timer.Reset(m.interval())
		}
	}
}
