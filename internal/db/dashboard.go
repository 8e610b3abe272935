// Package db serves the embedded dashboard and GraphiQL pages.
//
// The dashboard lives at /dashboard (and / when dashboard.rootPath is set)
// and links to the generated APIs. Files are embedded in the binary with
// go:embed.
package db

import (
	"embed"
	"net/http"
	"path"
	"strings"

	"github.com/rs/zerolog"
)

//go:embed ui/*
var uiFiles embed.FS

// handleDashboard serves ui/ files below prefix, falling back to index.html
// for paths without an extension.
func handleDashboard(prefix string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := strings.TrimPrefix(strings.TrimPrefix(r.URL.Path, prefix), "/")
		if name == "" {
			name = "index.html"
		}

		data, err := uiFiles.ReadFile("ui/" + name)
		if err != nil {
			if strings.Contains(name, ".") {
				http.NotFound(w, r)
				return
			}
			name = "index.html"
			if data, err = uiFiles.ReadFile("ui/index.html"); err != nil {
				http.NotFound(w, r)
				return
			}
		}
		serveFile(w, r, name, data)
	}
}

// handleGraphiQL serves the GraphiQL page.
func handleGraphiQL(w http.ResponseWriter, r *http.Request) {
	data, err := uiFiles.ReadFile("ui/graphiql.html")
	if err != nil {
		http.NotFound(w, r)
		return
	}
	serveFile(w, r, "graphiql.html", data)
}

func serveFile(w http.ResponseWriter, r *http.Request, name string, data []byte) {
	switch path.Ext(name) {
	case ".html":
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
	case ".css":
		w.Header().Set("Content-Type", "text/css; charset=utf-8")
	case ".js":
		w.Header().Set("Content-Type", "application/javascript; charset=utf-8")
	default:
		w.Header().Set("Content-Type", "application/octet-stream")
	}
	if _, err := w.Write(data); err != nil {
		zerolog.Ctx(r.Context()).Warn().Err(err).Str("file", name).Msg("failed to write dashboard file")
	}
}
