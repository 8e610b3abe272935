// Package db provides the health check and server statistics endpoint.
//
// This file implements /status, which reports uptime, request statistics and
// the outcome of the periodic database pings scheduled when
// server.healthCheck is enabled.
package db

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// ServerStats tracks request statistics. All counters are atomic.
type ServerStats struct {
	RequestsTotal     int64     `json:"requestsTotal"`
	RequestsError     int64     `json:"requestsError"`
	ResponseTimeTotal int64     `json:"responseTimeTotalMs"`
	ResponseTimeCount int64     `json:"responseTimeCount"`
	StartTime         time.Time `json:"startTime"`
}

// AverageResponseTime returns the average response time in milliseconds.
func (s *ServerStats) AverageResponseTime() float64 {
	if s.ResponseTimeCount == 0 {
		return 0
	}
	return float64(s.ResponseTimeTotal) / float64(s.ResponseTimeCount)
}

// Record adds one completed request.
func (s *ServerStats) Record(status int, elapsed time.Duration) {
	atomic.AddInt64(&s.RequestsTotal, 1)
	if status >= http.StatusInternalServerError {
		atomic.AddInt64(&s.RequestsError, 1)
	}
	atomic.AddInt64(&s.ResponseTimeTotal, elapsed.Milliseconds())
	atomic.AddInt64(&s.ResponseTimeCount, 1)
}

// Snapshot returns a copy with the atomic values loaded.
func (s *ServerStats) Snapshot() ServerStats {
	return ServerStats{
		RequestsTotal:     atomic.LoadInt64(&s.RequestsTotal),
		RequestsError:     atomic.LoadInt64(&s.RequestsError),
		ResponseTimeTotal: atomic.LoadInt64(&s.ResponseTimeTotal),
		ResponseTimeCount: atomic.LoadInt64(&s.ResponseTimeCount),
		StartTime:         s.StartTime,
	}
}

// statsMiddleware feeds completed requests into stats.
func statsMiddleware(stats *ServerStats) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rw := newResponseWriter(w)
			next.ServeHTTP(rw, r)
			stats.Record(rw.status, time.Since(rw.startTime))
		})
	}
}

// HealthCheck pings the store on a cron schedule and keeps the last result.
type HealthCheck struct {
	store   Store
	metrics *Metrics
	logger  zerolog.Logger
	timeout time.Duration

	cron *cron.Cron

	mu        sync.RWMutex
	lastCheck time.Time
	lastErr   error
}

// NewHealthCheck creates a check. Call Start to schedule it.
func NewHealthCheck(store Store, metrics *Metrics, logger zerolog.Logger) *HealthCheck {
	return &HealthCheck{
		store:   store,
		metrics: metrics,
		logger:  logger,
		timeout: 5 * time.Second,
	}
}

// Start runs one check immediately and then every interval.
func (h *HealthCheck) Start(interval time.Duration) error {
	h.Run(context.Background())
	h.cron = cron.New()
	if _, err := h.cron.AddFunc("@every "+interval.String(), func() {
		h.Run(context.Background())
	}); err != nil {
		return err
	}
	h.cron.Start()
	return nil
}

// Stop cancels the schedule and waits for a running check.
func (h *HealthCheck) Stop() {
	if h.cron == nil {
		return
	}
	<-h.cron.Stop().Done()
}

// Run pings the store once.
func (h *HealthCheck) Run(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	err := h.store.Ping(ctx)
	h.metrics.RecordHealthCheck(err)
	if err != nil {
		h.logger.Error().Err(err).Msg("database health check failed")
	}

	h.mu.Lock()
	h.lastCheck = time.Now()
	h.lastErr = err
	h.mu.Unlock()
	return err
}

// Healthy reports the last result. A check that never ran counts as healthy.
func (h *HealthCheck) Healthy() (bool, time.Time, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.lastErr == nil, h.lastCheck, h.lastErr
}

// handleStatus answers 200 with uptime and statistics, or 503 when the last
// database check failed.
func handleStatus(stats *ServerStats, health *HealthCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snapshot := stats.Snapshot()
		body := map[string]interface{}{
			"status":        "ok",
			"uptimeSeconds": int64(time.Since(snapshot.StartTime).Seconds()),
			"stats": map[string]interface{}{
				"requestsTotal":     snapshot.RequestsTotal,
				"requestsError":     snapshot.RequestsError,
				"responseTimeAvgMs": snapshot.AverageResponseTime(),
			},
		}
		status := http.StatusOK
		if health != nil {
			ok, at, err := health.Healthy()
			check := map[string]interface{}{"healthy": ok}
			if !at.IsZero() {
				check["lastCheck"] = at.UTC().Format(time.RFC3339)
			}
			if err != nil {
				check["error"] = err.Error()
				body["status"] = "error"
				status = http.StatusServiceUnavailable
			}
			body["db"] = check
		}
		WriteJSONSafe(w, status, body)
	}
}
