package handler

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/publish-scheduler/internal/model"
	"github.com/t77yq/publish-scheduler/internal/monitor"
)

const healthTimeout = 2 * time.Second

// Pinger reports whether a dependency is reachable
type Pinger interface {
	Ping(ctx context.Context) error
}

// AlertSource lists recently raised alerts
type AlertSource interface {
	Recent() []*model.Alert
}

// SystemHandler serves health, stats and alerts
type SystemHandler struct {
	logger  *zap.Logger
	store   Pinger
	metrics monitor.SnapshotSource
	alerts  AlertSource
}

// NewSystemHandler creates a new system handler. metrics and alerts may be nil.
func NewSystemHandler(store Pinger, metrics monitor.SnapshotSource, alerts AlertSource, logger *zap.Logger) *SystemHandler {
	return &SystemHandler{
		logger:  logger.Named("system-handler"),
		store:   store,
		metrics: metrics,
		alerts:  alerts,
	}
}

func (h *SystemHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	if err := h.store.Ping(ctx); err != nil {
		h.logger.Warn("Health check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, Response{
			Success: false,
			Data:    map[string]string{"status": "unavailable"},
			Message: "schedule store unavailable",
		})
		return
	}
	writeData(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *SystemHandler) handleStats(w http.ResponseWriter, _ *http.Request) {
	if h.metrics == nil {
		writeMessage(w, http.StatusServiceUnavailable, "metrics collection is disabled")
		return
	}
	snapshot := h.metrics.Snapshot()
	if snapshot == nil {
		writeMessage(w, http.StatusServiceUnavailable, "metrics not collected yet")
		return
	}
	writeData(w, http.StatusOK, snapshot)
}

func (h *SystemHandler) handleAlerts(w http.ResponseWriter, _ *http.Request) {
	alerts := []*model.Alert{}
	if h.alerts != nil {
		alerts = h.alerts.Recent()
	}
	writeData(w, http.StatusOK, alerts)
}
