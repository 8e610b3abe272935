package db

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xdevplatform/platformatic/internal/config"
)

func okHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func corsConfig(mutate func(*config.CORS)) *config.CORS {
	cfg := &config.CORS{
		Methods:              append([]string(nil), config.DefaultCORSMethods...),
		OptionsSuccessStatus: config.DefaultOptionsStatus,
	}
	if mutate != nil {
		mutate(cfg)
	}
	return cfg
}

func TestCORSAllowedOrigin(t *testing.T) {
	tests := []struct {
		name   string
		origin config.Origin
		req    string
		want   string
	}{
		{name: "reflect", origin: config.Origin{Reflect: true}, req: "http://a.test", want: "http://a.test"},
		{name: "single value", origin: config.Origin{Values: []string{"*"}}, req: "http://a.test", want: "*"},
		{name: "single fixed origin", origin: config.Origin{Values: []string{"http://b.test"}}, req: "http://a.test", want: "http://b.test"},
		{name: "list match", origin: config.Origin{Values: []string{"http://a.test", "http://b.test"}}, req: "http://b.test", want: "http://b.test"},
		{name: "list miss", origin: config.Origin{Values: []string{"http://a.test", "http://b.test"}}, req: "http://c.test", want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := corsConfig(func(c *config.CORS) { c.Origin = tt.origin })
			assert.Equal(t, tt.want, allowedOrigin(cfg, tt.req))
		})
	}
}

func TestCORSMiddleware(t *testing.T) {
	maxAge := 600
	cfg := corsConfig(func(c *config.CORS) {
		c.Origin = config.Origin{Reflect: true}
		c.Credentials = true
		c.ExposedHeaders = config.StringList{"X-Total-Count"}
		c.MaxAge = &maxAge
	})
	h := corsMiddleware(cfg)(http.HandlerFunc(okHandler))

	t.Run("simple request", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/movies", nil)
		req.Header.Set("Origin", "http://app.test")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "http://app.test", rec.Header().Get("Access-Control-Allow-Origin"))
		assert.Equal(t, "true", rec.Header().Get("Access-Control-Allow-Credentials"))
		assert.Equal(t, "X-Total-Count", rec.Header().Get("Access-Control-Expose-Headers"))
		assert.Equal(t, "Origin", rec.Header().Get("Vary"))
		assert.Empty(t, rec.Header().Get("Access-Control-Allow-Methods"))
	})

	t.Run("preflight", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodOptions, "/movies", nil)
		req.Header.Set("Origin", "http://app.test")
		req.Header.Set("Access-Control-Request-Method", "POST")
		req.Header.Set("Access-Control-Request-Headers", "content-type")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Equal(t, "GET, HEAD, PUT, PATCH, POST, DELETE", rec.Header().Get("Access-Control-Allow-Methods"))
		assert.Equal(t, "content-type", rec.Header().Get("Access-Control-Allow-Headers"))
		assert.Equal(t, "600", rec.Header().Get("Access-Control-Max-Age"))
		assert.Empty(t, rec.Body.String())
	})

	t.Run("strict preflight rejects incomplete requests", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodOptions, "/movies", nil)
		req.Header.Set("Origin", "http://app.test")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "Invalid Preflight Request", rec.Body.String())
	})
}

func TestCORSPreflightOptions(t *testing.T) {
	off := false
	tests := []struct {
		name       string
		mutate     func(*config.CORS)
		headers    map[string]string
		wantStatus int
		wantBody   string
	}{
		{
			name:       "preflight continue",
			mutate:     func(c *config.CORS) { c.PreflightContinue = true },
			headers:    map[string]string{"Origin": "http://app.test", "Access-Control-Request-Method": "GET"},
			wantStatus: http.StatusOK,
			wantBody:   "ok",
		},
		{
			name:       "custom success status",
			mutate:     func(c *config.CORS) { c.OptionsSuccessStatus = http.StatusOK },
			headers:    map[string]string{"Origin": "http://app.test", "Access-Control-Request-Method": "GET"},
			wantStatus: http.StatusOK,
		},
		{
			name:       "non strict without origin",
			mutate:     func(c *config.CORS) { c.StrictPreflight = &off },
			wantStatus: http.StatusOK,
			wantBody:   "ok",
		},
		{
			name:       "preflight disabled",
			mutate:     func(c *config.CORS) { c.Preflight = &off },
			headers:    map[string]string{"Origin": "http://app.test", "Access-Control-Request-Method": "GET"},
			wantStatus: http.StatusOK,
			wantBody:   "ok",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := corsConfig(func(c *config.CORS) {
				c.Origin = config.Origin{Values: []string{"*"}}
				tt.mutate(c)
			})
			req := httptest.NewRequest(http.MethodOptions, "/movies", nil)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			rec := httptest.NewRecorder()
			corsMiddleware(cfg)(http.HandlerFunc(okHandler)).ServeHTTP(rec, req)
			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantBody, rec.Body.String())
		})
	}
}

func TestRequestLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	var active int64

	h := requestLogger(logger, &active)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, int64(1), active)
		zerolog.Ctx(r.Context()).Info().Msg("inside")
		w.WriteHeader(http.StatusCreated)
	}))

	req := httptest.NewRequest(http.MethodPost, "/movies?x=1", nil)
	req.Header.Set(HeaderRequestID, "req-1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, int64(0), active)
	assert.Equal(t, "req-1", rec.Header().Get(HeaderRequestID))
	assert.NotEmpty(t, rec.Header().Get("X-Response-Time"))

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 2)
	var inside, done map[string]interface{}
	require.NoError(t, json.Unmarshal(lines[0], &inside))
	require.NoError(t, json.Unmarshal(lines[1], &done))
	assert.Equal(t, "req-1", inside["reqId"])
	assert.Equal(t, "request completed", done["message"])
	assert.Equal(t, "/movies?x=1", done["url"])
	assert.Equal(t, float64(http.StatusCreated), done["statusCode"])
}

func TestAddRequestIDGeneratesIDs(t *testing.T) {
	rec := httptest.NewRecorder()
	id := AddRequestID(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Len(t, id, 36)
	assert.Equal(t, id, rec.Header().Get(HeaderRequestID))
}

func TestAuthMiddlewareRejectsBadCredentials(t *testing.T) {
	auth := NewAuthorizer(testAuthorization(), zerolog.Nop())
	h := authMiddleware(auth)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, UserFromContext(r.Context()).Roles)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderAdminSecret, "wrong")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	var body ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, http.StatusUnauthorized, body.StatusCode)
	assert.Equal(t, "Unauthorized", body.Error)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `["anonymous"]`, rec.Body.String())
}
