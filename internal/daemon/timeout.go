// Package daemon provides background workers shared by the operator CLI:
// the pending-request sweeper and the store file watcher.
package daemon

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/josephwibowo/mantora/internal/db"
)

// DefaultCheckInterval is how often the sweeper looks for expired requests.
const DefaultCheckInterval = 10 * time.Second

// TimeoutHandlerConfig configures the sweeper.
type TimeoutHandlerConfig struct {
	// CheckInterval is how often to check for expired requests.
	CheckInterval time.Duration
	// RequestTimeout is how long a pending request may wait before it is
	// auto-decided as timed out.
	RequestTimeout time.Duration
	// DesktopNotify enables desktop notifications on expiry.
	DesktopNotify bool
	// Logger for sweeper events.
	Logger *log.Logger
}

// DefaultTimeoutConfig returns the default sweeper configuration.
func DefaultTimeoutConfig(requestTimeout time.Duration) TimeoutHandlerConfig {
	return TimeoutHandlerConfig{
		CheckInterval:  DefaultCheckInterval,
		RequestTimeout: requestTimeout,
		DesktopNotify:  false,
		Logger:         nil,
	}
}

// TimeoutHandler expires pending requests that outlived their deadline.
// The proxy enforces its own deadline while alive; the sweeper covers
// requests orphaned by a proxy that died mid-wait.
type TimeoutHandler struct {
	db     *db.DB
	config TimeoutHandlerConfig
	logger *log.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
}

// NewTimeoutHandler creates a sweeper over the given store.
func NewTimeoutHandler(database *db.DB, cfg TimeoutHandlerConfig) *TimeoutHandler {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}

	return &TimeoutHandler{
		db:     database,
		config: cfg,
		logger: logger.WithPrefix("sweeper"),
	}
}

// Start begins the sweeper goroutine. It returns immediately.
func (h *TimeoutHandler) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return fmt.Errorf("timeout handler already running")
	}
	h.running = true
	h.stopCh = make(chan struct{})
	h.mu.Unlock()

	go h.run(ctx)
	h.logger.Info("sweeper started",
		"interval", h.config.CheckInterval, "request_timeout", h.config.RequestTimeout)
	return nil
}

// Stop stops the sweeper.
func (h *TimeoutHandler) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.running {
		return
	}

	close(h.stopCh)
	h.running = false
	h.logger.Info("sweeper stopped")
}

// IsRunning reports whether the sweeper loop is active.
func (h *TimeoutHandler) IsRunning() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.running
}

func (h *TimeoutHandler) run(ctx context.Context) {
	ticker := time.NewTicker(h.config.CheckInterval)
	defer ticker.Stop()

	// Initial pass catches requests that expired while nothing ran.
	h.SweepExpired()

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			h.running = false
			h.mu.Unlock()
			return
		case <-h.stopCh:
			return
		case <-ticker.C:
			h.SweepExpired()
		}
	}
}

// SweepExpired runs one pass: every pending request older than the timeout
// is decided as timed out. Returns how many were expired.
func (h *TimeoutHandler) SweepExpired() int {
	if h.config.RequestTimeout <= 0 {
		return 0
	}

	cutoff := time.Now().UTC().Add(-h.config.RequestTimeout)
	expired, err := h.db.ListExpiredPending(cutoff)
	if err != nil {
		h.logger.Error("listing expired requests failed", "error", err)
		return 0
	}

	swept := 0
	for _, req := range expired {
		if _, err := h.db.DecidePendingRequest(req.ID, db.PendingStatusTimeout); err != nil {
			h.logger.Error("expiring request failed", "request_id", req.ID, "error", err)
			continue
		}
		swept++
		h.logger.Warn("request expired without a decision",
			"request_id", req.ID,
			"tool", req.ToolName,
			"created_at", req.CreatedAt)

		if h.config.DesktopNotify {
			title := "mantora: request timed out"
			body := fmt.Sprintf("Request %s (%s) expired without a decision.",
				shortID(req.ID), req.ToolName)
			if err := SendDesktopNotification(title, body); err != nil {
				h.logger.Debug("desktop notification failed", "error", err)
			}
		}
	}
	return swept
}

// StartTimeoutChecker starts a sweeper with default intervals.
func StartTimeoutChecker(ctx context.Context, database *db.DB, requestTimeout time.Duration, logger *log.Logger) (*TimeoutHandler, error) {
	cfg := DefaultTimeoutConfig(requestTimeout)
	cfg.Logger = logger

	handler := NewTimeoutHandler(database, cfg)
	if err := handler.Start(ctx); err != nil {
		return nil, err
	}

	return handler, nil
}
