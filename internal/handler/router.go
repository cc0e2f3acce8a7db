package handler

import (
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// RouterConfig configures the HTTP router
type RouterConfig struct {
	// RateLimit is the sustained rate of mutating requests per second. Zero disables limiting.
	RateLimit float64
	Burst     int
}

// NewRouter wires the API routes and middleware
func NewRouter(config RouterConfig, schedules *ScheduleHandler, system *SystemHandler, logger *zap.Logger) http.Handler {
	logger = logger.Named("http")
	mux := http.NewServeMux()

	limit := rateLimit(config)

	mux.Handle("POST /schedules", limit(http.HandlerFunc(schedules.handleCreate)))
	mux.HandleFunc("GET /schedules", schedules.handleList)
	mux.HandleFunc("GET /schedules/{id}", schedules.handleGet)
	mux.Handle("PUT /schedules/{id}", limit(http.HandlerFunc(schedules.handleUpdate)))
	mux.Handle("DELETE /schedules/{id}", limit(http.HandlerFunc(schedules.handleDelete)))
	mux.Handle("POST /schedules/{id}/cancel", limit(http.HandlerFunc(schedules.handleCancel)))
	mux.Handle("POST /schedules/{id}/execute", limit(http.HandlerFunc(schedules.handleExecute)))
	mux.HandleFunc("GET /schedules/{id}/attempts", schedules.handleAttempts)

	mux.HandleFunc("GET /healthz", system.handleHealth)
	mux.HandleFunc("GET /stats", system.handleStats)
	mux.HandleFunc("GET /alerts", system.handleAlerts)

	return recoverer(logger, accessLog(logger, mux))
}

func rateLimit(config RouterConfig) func(http.Handler) http.Handler {
	if config.RateLimit <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}

	burst := config.Burst
	if burst <= 0 {
		burst = int(config.RateLimit)
		if burst < 1 {
			burst = 1
		}
	}
	limiter := rate.NewLimiter(rate.Limit(config.RateLimit), burst)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				writeMessage(w, http.StatusTooManyRequests, "too many requests")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func accessLog(logger *zap.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		logger.Info("Request handled",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(start)))
	})
}

func recoverer(logger *zap.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				if v == http.ErrAbortHandler {
					panic(v)
				}
				logger.Error("Handler panicked",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.String("panic", fmt.Sprint(v)))
				writeMessage(w, http.StatusInternalServerError, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}
