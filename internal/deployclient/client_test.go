package deployclient

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testWorkspaceID  = "6f9e2a34-1c3b-4d5e-8f70-123456789abc"
	testWorkspaceKey = "workspace-key"
)

// fakeDeployService records the calls made against it.
type fakeDeployService struct {
	mu               sync.Mutex
	alreadyUploaded  bool
	bundleStatus     int
	bundle           bundleRequest
	uploaded         []byte
	uploadAuth       string
	deployment       deploymentRequest
	workspaceHeaders []string
}

func (f *fakeDeployService) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/bundles", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		assert.Equal(t, http.MethodPost, r.Method)
		f.workspaceHeaders = append(f.workspaceHeaders, r.Header.Get(HeaderWorkspaceID)+"/"+r.Header.Get(HeaderAPIKey))
		if f.bundleStatus != 0 {
			w.WriteHeader(f.bundleStatus)
			_, _ = w.Write([]byte(`{"message":"invalid workspace key"}`))
			return
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&f.bundle))
		_ = json.NewEncoder(w).Encode(bundleResponse{ID: "bundle-1", Token: "upload-token", IsBundleUploaded: f.alreadyUploaded})
	})
	mux.HandleFunc("/upload", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		assert.Equal(t, http.MethodPut, r.Method)
		f.uploadAuth = r.Header.Get("Authorization")
		f.uploaded, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/deployments", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.workspaceHeaders = append(f.workspaceHeaders, r.Header.Get(HeaderWorkspaceID)+"/"+r.Header.Get(HeaderAPIKey))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&f.deployment))
		_ = json.NewEncoder(w).Encode(deploymentResponse{EntryPointURL: "https://movies.deploy.example"})
	})
	return mux
}

func writeProject(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	files := map[string]string{
		"platformatic.db.json":          `{"server":{"hostname":"127.0.0.1","port":3042},"core":{"connectionString":"memory://"}}`,
		"migrations/001_movies.up.sql":  "CREATE TABLE movies (id SERIAL PRIMARY KEY, title VARCHAR(255));",
		".env":                          "PLT_SERVER_HOSTNAME=0.0.0.0\nPORT=3042\n",
		".secrets.env":                  "DATABASE_URL=postgres://secret\n",
		"node_modules/ignored/index.js": "module.exports = {}",
		".git/HEAD":                     "ref: refs/heads/main",
	}
	for name, content := range files {
		path := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
	return dir
}

func TestDeployUploadsBundleAndCreatesDeployment(t *testing.T) {
	fake := &fakeDeployService{}
	srv := httptest.NewServer(fake.handler(t))
	defer srv.Close()

	project := writeProject(t)
	var logs bytes.Buffer
	logger := zerolog.New(&logs)

	deployment, err := New().Deploy(context.Background(), Request{
		DeployServiceHost: srv.URL + "/",
		WorkspaceID:       testWorkspaceID,
		WorkspaceKey:      testWorkspaceKey,
		PathToProject:     project,
		PathToEnvFile:     ".env",
		PathToSecretsFile: ".secrets.env",
		Variables:         map[string]string{"PORT": "8080"},
		Secrets:           map[string]string{},
		Label:             "cli:deploy-1",
		Logger:            &logger,
	})
	require.NoError(t, err)

	assert.Equal(t, "bundle-1", deployment.BundleID)
	assert.Equal(t, "https://movies.deploy.example", deployment.EntryPointURL)

	assert.Equal(t, AppType, fake.bundle.Bundle.AppType)
	assert.Equal(t, "platformatic.db.json", fake.bundle.Bundle.ConfigPath)
	assert.Len(t, fake.bundle.Bundle.Checksum, 64)
	assert.Equal(t, "Bearer upload-token", fake.uploadAuth)
	assert.Equal(t, len(fake.uploaded), fake.bundle.Bundle.Size)

	names, err := ListBundle(fake.uploaded)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"platformatic.db.json", "migrations/001_movies.up.sql"}, names)

	assert.Equal(t, "bundle-1", fake.deployment.BundleID)
	assert.Equal(t, "cli:deploy-1", fake.deployment.Label)
	assert.Equal(t, map[string]string{"PLT_SERVER_HOSTNAME": "0.0.0.0", "PORT": "8080"}, fake.deployment.Variables)
	assert.Equal(t, map[string]string{"DATABASE_URL": "postgres://secret"}, fake.deployment.Secrets)

	for _, h := range fake.workspaceHeaders {
		assert.Equal(t, testWorkspaceID+"/"+testWorkspaceKey, h)
	}
	assert.Contains(t, logs.String(), "Application has been successfully deployed")
}

func TestDeploySkipsUploadWhenBundleExists(t *testing.T) {
	fake := &fakeDeployService{alreadyUploaded: true}
	srv := httptest.NewServer(fake.handler(t))
	defer srv.Close()

	_, err := Deploy(context.Background(), Request{
		DeployServiceHost: srv.URL,
		WorkspaceID:       testWorkspaceID,
		WorkspaceKey:      testWorkspaceKey,
		PathToProject:     writeProject(t),
		PathToConfig:      "platformatic.db.json",
	})
	require.NoError(t, err)
	assert.Nil(t, fake.uploaded)
	assert.Equal(t, "bundle-1", fake.deployment.BundleID)
	assert.Empty(t, fake.deployment.Secrets)
}

func TestDeployPropagatesServiceErrors(t *testing.T) {
	fake := &fakeDeployService{bundleStatus: http.StatusUnauthorized}
	srv := httptest.NewServer(fake.handler(t))
	defer srv.Close()

	_, err := Deploy(context.Background(), Request{
		DeployServiceHost: srv.URL,
		WorkspaceID:       testWorkspaceID,
		WorkspaceKey:      "wrong",
		PathToProject:     writeProject(t),
	})
	require.Error(t, err)

	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusUnauthorized, statusErr.StatusCode)
	assert.Contains(t, err.Error(), "invalid workspace key")
}

func TestDeployRequiresConfigFile(t *testing.T) {
	_, err := Deploy(context.Background(), Request{
		DeployServiceHost: "http://127.0.0.1:1",
		PathToProject:     t.TempDir(),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no configuration file found")

	_, err = Deploy(context.Background(), Request{
		DeployServiceHost: "http://127.0.0.1:1",
		PathToProject:     t.TempDir(),
		PathToConfig:      "missing.json",
	})
	require.Error(t, err)
}

func TestCreateBundleExcludesPaths(t *testing.T) {
	project := writeProject(t)

	bundle, err := CreateBundle(project, ".env", "migrations")
	require.NoError(t, err)

	names, err := ListBundle(bundle.Data)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"platformatic.db.json", ".secrets.env"}, names)
	assert.Equal(t, 2, bundle.Files)
}
