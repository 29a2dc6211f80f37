// Package status serves a small local diagnostics API: health, cache
// statistics, a manual sync trigger and a websocket stream of change
// events.
package status

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/nhle/mailcache/internal/model"
	"github.com/nhle/mailcache/internal/notify"
	"github.com/nhle/mailcache/internal/store"
	mailsync "github.com/nhle/mailcache/internal/sync"
)

// writeTimeout bounds a single websocket frame write.
const writeTimeout = 5 * time.Second

// Syncer triggers sync passes.
type Syncer interface {
	Sync(ctx context.Context) (mailsync.Result, error)
	RequestSync()
}

// Connectivity reports the committed connectivity state.
type Connectivity interface {
	IsOnline() bool
}

// Events is the source of change events streamed to clients.
type Events interface {
	Subscribe() (<-chan notify.Event, func())
}

// Options configures a Server.
type Options struct {
	Store        store.Store
	Syncer       Syncer
	Connectivity Connectivity
	Events       Events
	Settings     mailsync.SettingsProvider
	Logger       *slog.Logger
}

// Server is the diagnostics HTTP surface.
type Server struct {
	echo     *echo.Echo
	store    store.Store
	syncer   Syncer
	conn     Connectivity
	events   Events
	settings mailsync.SettingsProvider
	logger   *slog.Logger
}

// StatsResponse is the body of GET /stats.
type StatsResponse struct {
	Online        bool             `json:"online"`
	Cache         model.CacheStats `json:"cache"`
	CacheEnabled  bool             `json:"cache_enabled"`
	CacheMaxBytes int64            `json:"cache_max_bytes"`
	LastHistoryID string           `json:"last_history_id,omitempty"`
	LastSyncedAt  *time.Time       `json:"last_synced_at,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// New builds the server and registers its routes.
func New(opts Options) *Server {
	s := &Server{
		echo:     echo.New(),
		store:    opts.Store,
		syncer:   opts.Syncer,
		conn:     opts.Connectivity,
		events:   opts.Events,
		settings: opts.Settings,
		logger:   opts.Logger,
	}
	if s.logger == nil {
		s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	e := s.echo
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []any{"method", v.Method, "uri", v.URI, "status", v.Status, "latency", v.Latency}
			if v.Error != nil {
				s.logger.Warn("request failed", append(attrs, "err", v.Error)...)
				return nil
			}
			s.logger.Debug("request", attrs...)
			return nil
		},
	}))

	e.GET("/healthz", s.getHealth)
	e.GET("/stats", s.getStats)
	e.POST("/sync", s.postSync)
	e.GET("/events", s.getEvents)

	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start listens on addr until Shutdown.
func (s *Server) Start(addr string) error {
	s.logger.Info("status server listening", "addr", addr)
	err := s.echo.Start(addr)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops the listener and waits for open requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func (s *Server) online() bool {
	if s.conn == nil {
		return true
	}
	return s.conn.IsOnline()
}

func (s *Server) getHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status": "ok",
		"online": s.online(),
	})
}

func (s *Server) getStats(c echo.Context) error {
	ctx := c.Request().Context()

	stats, err := s.store.GetStats(ctx)
	if err != nil {
		s.logger.Error("reading cache stats", "err", err)
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: "failed to read cache stats"})
	}
	meta, err := s.store.GetSyncMeta(ctx)
	if err != nil {
		s.logger.Error("reading sync meta", "err", err)
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: "failed to read sync state"})
	}

	resp := StatsResponse{
		Online:        s.online(),
		Cache:         stats,
		LastHistoryID: meta.LastHistoryID,
	}
	if !meta.LastSyncedAt.IsZero() {
		at := meta.LastSyncedAt
		resp.LastSyncedAt = &at
	}
	if s.settings != nil {
		cs := s.settings.CacheSettings()
		resp.CacheEnabled = cs.Enabled
		resp.CacheMaxBytes = cs.MaxSizeBytes()
	}
	return c.JSON(http.StatusOK, resp)
}

// postSync schedules a pass. With ?wait=true it runs the pass in the
// request and returns its result.
func (s *Server) postSync(c echo.Context) error {
	if s.syncer == nil {
		return c.JSON(http.StatusServiceUnavailable, errorResponse{Error: "sync engine not running"})
	}

	wait, _ := strconv.ParseBool(c.QueryParam("wait"))
	if !wait {
		s.syncer.RequestSync()
		return c.JSON(http.StatusAccepted, map[string]string{"status": "scheduled"})
	}

	res, err := s.syncer.Sync(c.Request().Context())
	if err != nil {
		return c.JSON(http.StatusBadGateway, errorResponse{Error: err.Error()})
	}
	return c.JSON(http.StatusOK, res)
}

// getEvents upgrades to a websocket and streams hub events as JSON until
// the client goes away.
func (s *Server) getEvents(c echo.Context) error {
	if s.events == nil {
		return c.JSON(http.StatusServiceUnavailable, errorResponse{Error: "event stream unavailable"})
	}

	conn, err := websocket.Accept(c.Response(), c.Request(), nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "err", err)
		return nil
	}
	defer conn.CloseNow()

	events, cancel := s.events.Subscribe()
	defer cancel()

	ctx := conn.CloseRead(c.Request().Context())

	online := s.online()
	if err := s.write(ctx, conn, notify.Event{Type: notify.EventConnectivity, Online: &online, At: time.Now()}); err != nil {
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return nil
		case ev, ok := <-events:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "server shutting down")
				return nil
			}
			if err := s.write(ctx, conn, ev); err != nil {
				s.logger.Debug("event stream closed", "err", err)
				return nil
			}
		}
	}
}

func (s *Server) write(ctx context.Context, conn *websocket.Conn, ev notify.Event) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, ev)
}
