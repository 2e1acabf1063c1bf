package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/snarg/poem-engine/internal/jobs"
)

// WatcherStatusData is the inbox watcher's state as reported by /health.
type WatcherStatusData struct {
	Status       string `json:"status"`
	WatchDir     string `json:"watch_dir"`
	FilesQueued  int64  `json:"files_queued"`
	FilesSkipped int64  `json:"files_skipped"`
}

type HealthResponse struct {
	Status        string             `json:"status"`
	Version       string             `json:"version"`
	UptimeSeconds int64              `json:"uptime_seconds"`
	Checks        map[string]string  `json:"checks"`
	Queue         *jobs.QueueStats   `json:"queue,omitempty"`
	Watcher       *WatcherStatusData `json:"watcher,omitempty"`
}

// HealthChecker is satisfied by *database.DB.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// ConnectionStatus is satisfied by *mqttclient.Client.
type ConnectionStatus interface {
	IsConnected() bool
}

type HealthHandler struct {
	db        HealthChecker
	mqtt      ConnectionStatus
	queue     JobQueue
	watcher   func() *WatcherStatusData
	version   string
	startTime time.Time
}

func NewHealthHandler(opts ServerOptions) *HealthHandler {
	return &HealthHandler{
		db:        opts.DB,
		mqtt:      opts.MQTT,
		queue:     opts.Queue,
		watcher:   opts.WatcherStatus,
		version:   opts.Version,
		startTime: opts.StartTime,
	}
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string)
	status := "healthy"
	httpStatus := http.StatusOK

	// The ledger is optional; jobs still run without it.
	if h.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		err := h.db.HealthCheck(ctx)
		cancel()
		if err != nil {
			checks["database"] = "error"
			status = "degraded"
		} else {
			checks["database"] = "ok"
		}
	} else {
		checks["database"] = "not_configured"
	}

	if h.mqtt != nil {
		if h.mqtt.IsConnected() {
			checks["mqtt"] = "ok"
		} else {
			checks["mqtt"] = "disconnected"
			status = "degraded"
		}
	} else {
		checks["mqtt"] = "not_configured"
	}

	resp := HealthResponse{
		Version:       h.version,
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
		Checks:        checks,
	}

	if h.watcher != nil {
		if ws := h.watcher(); ws != nil {
			checks["file_watcher"] = ws.Status
			resp.Watcher = ws
		}
	} else {
		checks["file_watcher"] = "not_configured"
	}

	if h.queue != nil {
		stats := h.queue.Stats()
		resp.Queue = &stats
		checks["worker_pool"] = "ok"
		if h.queue.Workers() == 0 {
			checks["worker_pool"] = "no_workers"
			status = "unhealthy"
			httpStatus = http.StatusServiceUnavailable
		}
	}

	resp.Status = status
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	json.NewEncoder(w).Encode(resp)
}
