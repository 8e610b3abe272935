package db

import (
	"bytes"
	"context"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xdevplatform/platformatic/internal/config"
)

func newPluginServer(t *testing.T) *Server {
	t.Helper()
	srv := newTestServer(t, func(c *config.Config) {
		c.Plugin = &config.Plugin{Path: filepath.Join("testdata", "plugins", "hello.js")}
	})
	require.NotNil(t, srv.plugin)
	return srv
}

func TestPluginRoutes(t *testing.T) {
	h := newPluginServer(t).Handler()

	tests := []struct {
		name       string
		method     string
		path       string
		body       string
		wantStatus int
		wantBody   string
	}{
		{name: "default query", method: http.MethodGet, path: "/hello", wantStatus: http.StatusOK, wantBody: `{"hello":"world"}`},
		{name: "query", method: http.MethodGet, path: "/hello?name=plt", wantStatus: http.StatusOK, wantBody: `{"hello":"plt"}`},
		{name: "path params", method: http.MethodGet, path: "/echo/jaws", wantStatus: http.StatusOK, wantBody: `{"name":"jaws"}`},
		{name: "save through db", method: http.MethodPost, path: "/quick", body: `{"title":"Jaws"}`, wantStatus: http.StatusOK, wantBody: `{"id":1,"title":"Jaws"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, tt.method, tt.path, tt.body)
			require.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
			assert.JSONEq(t, tt.wantBody, rec.Body.String())
		})
	}

	seedMovies(t, h, "Alien")
	rec := do(t, h, http.MethodGet, "/titles", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `["Alien","Jaws"]`, rec.Body.String())

	rec = do(t, h, http.MethodGet, "/text", "")
	assert.Equal(t, "plain", rec.Body.String())
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/plain")

	rec = do(t, h, http.MethodGet, "/empty", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestPluginErrors(t *testing.T) {
	srv := newPluginServer(t)
	srv.plugin.timeout = 100 * time.Millisecond
	h := srv.Handler()

	rec := do(t, h, http.MethodGet, "/boom", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "Internal server error")

	start := time.Now()
	rec = do(t, h, http.MethodGet, "/spin", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Less(t, time.Since(start), 5*time.Second)

	rec = do(t, h, http.MethodGet, "/hello", "")
	assert.Equal(t, http.StatusOK, rec.Code, "the runtime is usable after an interrupt")

	rec = do(t, h, http.MethodPost, "/quick", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "store errors keep their status through the script")
}

func TestPluginClose(t *testing.T) {
	var buf bytes.Buffer
	store, catalog := newMoviesStore(t)
	svc := NewService(store, catalog, nil, nil)
	p, err := LoadPlugin(filepath.Join("testdata", "plugins", "hello.js"), svc, zerolog.New(&buf))
	require.NoError(t, err)
	assert.Len(t, p.routes, 8)

	require.NoError(t, p.Close(context.Background()))
	assert.Contains(t, buf.String(), `"message":"closing"`)
}

func TestLoadPluginErrors(t *testing.T) {
	store, catalog := newMoviesStore(t)
	svc := NewService(store, catalog, nil, nil)
	dir := t.TempDir()

	tests := []struct {
		name    string
		script  string
		wantErr string
	}{
		{name: "syntax error", script: `app.get('/x', function (`, wantErr: "failed to run plugin"},
		{name: "bad route path", script: `app.get('x', function () {})`, wantErr: "path must start with /"},
		{name: "throwing register function", script: `module.exports = function () { throw new Error('nope') }`, wantErr: "failed to register plugin"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, "plugin.js")
			require.NoError(t, os.WriteFile(path, []byte(tt.script), 0o644))
			_, err := LoadPlugin(path, svc, zerolog.Nop())
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}

	_, err := LoadPlugin(filepath.Join(dir, "missing.js"), svc, zerolog.Nop())
	assert.ErrorContains(t, err, "failed to read plugin")
}
