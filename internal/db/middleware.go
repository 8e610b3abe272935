// Package db provides HTTP middleware for request processing.
//
// This file contains middleware for request IDs, request logging, CORS and
// user resolution. The responseWriter wraps http.ResponseWriter to capture the
// status code and response time of every request.
package db

import (
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/xdevplatform/platformatic/internal/config"
)

// HeaderRequestID carries the request id in both directions.
const HeaderRequestID = "X-Request-ID"

// responseWriter records the status code and the time the headers were sent.
type responseWriter struct {
	http.ResponseWriter
	startTime    time.Time
	status       int
	written      bool
	responseTime time.Duration
}

func newResponseWriter(w http.ResponseWriter) *responseWriter {
	return &responseWriter{ResponseWriter: w, startTime: time.Now(), status: http.StatusOK}
}

// WriteHeader captures the status and response time before writing headers.
func (w *responseWriter) WriteHeader(statusCode int) {
	if w.written {
		return
	}
	w.status = statusCode
	w.responseTime = time.Since(w.startTime)
	w.Header().Set("X-Response-Time", strconv.FormatInt(w.responseTime.Milliseconds(), 10))
	w.written = true
	w.ResponseWriter.WriteHeader(statusCode)
}

// Write sends a 200 status first when WriteHeader was not called.
func (w *responseWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}

// Flush implements http.Flusher if the underlying ResponseWriter supports it.
func (w *responseWriter) Flush() {
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// AddRequestID reuses the X-Request-ID request header or generates a new id,
// and echoes it on the response.
func AddRequestID(w http.ResponseWriter, r *http.Request) string {
	requestID := r.Header.Get(HeaderRequestID)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	w.Header().Set(HeaderRequestID, requestID)
	return requestID
}

// requestLogger tracks in-flight requests, attaches a request scoped logger
// to the context and logs one line per completed request.
func requestLogger(logger zerolog.Logger, active *int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt64(active, 1)
			defer atomic.AddInt64(active, -1)

			rw := newResponseWriter(w)
			requestID := AddRequestID(rw, r)
			reqLogger := logger.With().Str("reqId", requestID).Logger()
			r = r.WithContext(reqLogger.WithContext(r.Context()))

			next.ServeHTTP(rw, r)

			elapsed := rw.responseTime
			if !rw.written {
				elapsed = time.Since(rw.startTime)
			}
			evt := reqLogger.Info()
			if rw.status >= http.StatusInternalServerError {
				evt = reqLogger.Error()
			}
			evt.Str("method", r.Method).
				Str("url", r.URL.RequestURI()).
				Int("statusCode", rw.status).
				Float64("responseTime", float64(elapsed.Microseconds())/1000).
				Msg("request completed")
		})
	}
}

// corsMiddleware applies server.cors the way fastify-cors does: the origin
// option decides the Access-Control-Allow-Origin value and OPTIONS requests
// carrying an Origin are answered as preflights.
func corsMiddleware(cfg *config.CORS) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			addCORSHeaders(w, r, cfg)

			if r.Method != http.MethodOptions || !cfg.PreflightEnabled() {
				next.ServeHTTP(w, r)
				return
			}

			if cfg.StrictPreflightEnabled() && (origin == "" || r.Header.Get("Access-Control-Request-Method") == "") {
				w.Header().Set("Content-Type", "text/plain; charset=utf-8")
				w.WriteHeader(http.StatusBadRequest)
				_, _ = w.Write([]byte("Invalid Preflight Request"))
				return
			}
			if origin == "" {
				next.ServeHTTP(w, r)
				return
			}

			addPreflightHeaders(w, r, cfg)
			if cfg.PreflightContinue {
				next.ServeHTTP(w, r)
				return
			}
			w.Header().Set("Content-Length", "0")
			w.WriteHeader(cfg.OptionsSuccessStatus)
		})
	}
}

// allowedOrigin returns the Access-Control-Allow-Origin value for origin, or
// "" when the header must not be sent.
func allowedOrigin(cfg *config.CORS, origin string) string {
	if cfg.Origin.Reflect {
		return origin
	}
	if len(cfg.Origin.Values) == 1 {
		return cfg.Origin.Values[0]
	}
	for _, allowed := range cfg.Origin.Values {
		if allowed == "*" || allowed == origin {
			return origin
		}
	}
	return ""
}

// addCORSHeaders sets the headers sent on every response.
func addCORSHeaders(w http.ResponseWriter, r *http.Request, cfg *config.CORS) {
	if !cfg.Origin.Enabled() {
		return
	}
	h := w.Header()
	value := allowedOrigin(cfg, r.Header.Get("Origin"))
	if value != "" {
		h.Set("Access-Control-Allow-Origin", value)
	}
	if value != "*" {
		h.Add("Vary", "Origin")
	}
	if cfg.Credentials {
		h.Set("Access-Control-Allow-Credentials", "true")
	}
	if len(cfg.ExposedHeaders) > 0 {
		h.Set("Access-Control-Expose-Headers", strings.Join(cfg.ExposedHeaders, ", "))
	}
}

// addPreflightHeaders sets the headers only sent in answer to a preflight.
func addPreflightHeaders(w http.ResponseWriter, r *http.Request, cfg *config.CORS) {
	h := w.Header()
	h.Set("Access-Control-Allow-Methods", strings.Join(cfg.Methods, ", "))
	if cfg.AllowedHeaders != "" {
		h.Set("Access-Control-Allow-Headers", cfg.AllowedHeaders)
	} else if requested := r.Header.Get("Access-Control-Request-Headers"); requested != "" {
		h.Set("Access-Control-Allow-Headers", requested)
		h.Add("Vary", "Access-Control-Request-Headers")
	}
	if cfg.MaxAge != nil {
		h.Set("Access-Control-Max-Age", strconv.Itoa(*cfg.MaxAge))
	}
}

// authMiddleware resolves the request user and stores it in the context.
// Authentication failures answer 401 before any handler runs.
func authMiddleware(auth *Authorizer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, err := auth.Authenticate(r)
			if err != nil {
				zerolog.Ctx(r.Context()).Warn().Err(err).Msg("authentication failed")
				WriteErr(w, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
		})
	}
}
