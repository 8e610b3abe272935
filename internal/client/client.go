// Package client generates Go client packages for running platformatic
// servers.
//
// A URL ending in /graphql is introspected and produces entity structs plus
// a GraphQL method that unwraps the single top-level field of a response.
// Any other URL is treated as an OpenAPI document and produces one typed
// method per operation. In both cases the fetched schema is saved next to
// the generated code, and the generated package only uses the standard
// library.
package client

import (
	"bytes"
	"context"
	"embed"
	"errors"
	"fmt"
	"go/format"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"text/template"
	"time"

	"github.com/rs/zerolog"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

var templates = template.Must(template.New("client").ParseFS(templateFS, "templates/*.tmpl"))

// Kind is the schema a client was generated from.
type Kind string

const (
	KindOpenAPI Kind = "openapi"
	KindGraphQL Kind = "graphql"
)

const documentationPath = "/documentation/json"

// Options configures Generate.
type Options struct {
	// URL is the server GraphQL endpoint, its OpenAPI document, or the
	// server root, which implies the OpenAPI document.
	URL string
	// Name is both the output directory and the package name.
	Name string
	// Dir is the parent of the output directory. It defaults to the
	// working directory.
	Dir        string
	HTTPClient *http.Client
	Logger     zerolog.Logger
}

// Result describes a generated package.
type Result struct {
	Kind    Kind
	Package string
	Dir     string
	Files   []string
}

// goField is one struct field of generated code.
type goField struct {
	Name string
	Type string
	JSON string
}

type goStruct struct {
	Name   string
	Doc    string
	Fields []goField
}

// addField appends f unless a field with the same Go name exists.
func (s *goStruct) addField(f goField) bool {
	for _, existing := range s.Fields {
		if existing.Name == f.Name {
			return false
		}
	}
	s.Fields = append(s.Fields, f)
	return true
}

type packageModel struct {
	Package string
	Source  string
	BaseURL string
	Types   []goStruct
	// Operations is only set for OpenAPI clients.
	Operations []goOperation
}

// Generate fetches the schema at opts.URL and writes a client package into
// opts.Dir/opts.Name.
func Generate(ctx context.Context, opts Options) (*Result, error) {
	if opts.URL == "" {
		return nil, errors.New("a server URL is required")
	}
	if opts.Name == "" {
		return nil, errors.New("a client name is required")
	}
	u, err := url.Parse(opts.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid server URL %q", opts.URL)
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	dir := opts.Dir
	if dir == "" {
		dir = "."
	}

	res := &Result{
		Package: packageName(opts.Name),
		Dir:     filepath.Join(dir, opts.Name),
	}
	var (
		model      *packageModel
		schema     []byte
		schemaFile string
		tmpl       string
	)
	if isGraphQLURL(u) {
		res.Kind = KindGraphQL
		endpoint := strings.TrimRight(opts.URL, "/")
		model, schema, err = generateGraphQL(ctx, opts.HTTPClient, endpoint)
		if err != nil {
			return nil, err
		}
		model.BaseURL = strings.TrimSuffix(endpoint, "/graphql")
		schemaFile = opts.Name + ".schema.graphql"
		tmpl = "graphql.go.tmpl"
	} else {
		res.Kind = KindOpenAPI
		docURL, baseURL := openAPIURLs(u)
		model, schema, err = generateOpenAPI(ctx, opts.HTTPClient, docURL)
		if err != nil {
			return nil, err
		}
		model.BaseURL = baseURL
		schemaFile = opts.Name + ".openapi.json"
		tmpl = "openapi.go.tmpl"
	}
	model.Package = res.Package
	model.Source = opts.URL

	src, err := render(tmpl, model)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(res.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", res.Dir, err)
	}
	files := map[string][]byte{
		opts.Name + ".go": src,
		schemaFile:        schema,
	}
	for _, name := range []string{opts.Name + ".go", schemaFile} {
		path := filepath.Join(res.Dir, name)
		if err := os.WriteFile(path, files[name], 0o644); err != nil {
			return nil, fmt.Errorf("failed to write %s: %w", path, err)
		}
		res.Files = append(res.Files, path)
	}

	opts.Logger.Info().
		Str("kind", string(res.Kind)).
		Str("package", res.Package).
		Str("dir", res.Dir).
		Int("types", len(model.Types)).
		Int("operations", len(model.Operations)).
		Msg("client generated")
	return res, nil
}

func isGraphQLURL(u *url.URL) bool {
	return strings.HasSuffix(strings.TrimRight(u.Path, "/"), "/graphql")
}

// openAPIURLs returns the document URL and the server base URL for u.
func openAPIURLs(u *url.URL) (string, string) {
	root := u.Scheme + "://" + u.Host
	p := strings.TrimRight(u.Path, "/")
	switch {
	case strings.HasSuffix(p, documentationPath):
		return root + p, root + strings.TrimSuffix(p, documentationPath)
	case strings.HasSuffix(p, ".json"):
		return root + p, root
	default:
		return root + p + documentationPath, root + p
	}
}

func render(name string, model *packageModel) ([]byte, error) {
	var buf bytes.Buffer
	if err := templates.ExecuteTemplate(&buf, name, model); err != nil {
		return nil, fmt.Errorf("failed to render client: %w", err)
	}
	src, err := format.Source(buf.Bytes())
	if err != nil {
		return nil, fmt.Errorf("failed to format client: %w", err)
	}
	return src, nil
}
