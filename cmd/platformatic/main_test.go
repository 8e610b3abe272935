package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xdevplatform/platformatic/internal/config"
	"github.com/xdevplatform/platformatic/internal/db"
	"github.com/xdevplatform/platformatic/internal/deploy"
	"github.com/xdevplatform/platformatic/internal/deployclient"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

type fakeDeployer struct {
	req deployclient.Request
}

func (f *fakeDeployer) Deploy(ctx context.Context, req deployclient.Request) (*deployclient.Deployment, error) {
	f.req = req
	return &deployclient.Deployment{BundleID: "bundle-1", EntryPointURL: "https://app.example.com"}, nil
}

func TestDeployCmd(t *testing.T) {
	fake := &fakeDeployer{}
	previous := newDeployer
	newDeployer = func() deploy.Deployer { return fake }
	t.Cleanup(func() { newDeployer = previous })

	configPath := filepath.Join(t.TempDir(), "platformatic.db.json")
	out, err := execute(t, "deploy",
		"--type", "static",
		"--workspace-id", "00000000-0000-4000-8000-000000000000",
		"--workspace-key", "secret",
		"-c", configPath,
	)
	require.NoError(t, err)
	assert.Contains(t, out, "Application deployed: https://app.example.com")
	assert.Equal(t, deploy.DefaultDeployServiceHost, fake.req.DeployServiceHost)
	assert.Equal(t, filepath.Dir(configPath), fake.req.PathToProject)
	assert.Equal(t, "platformatic.db.json", fake.req.PathToConfig)
	assert.Equal(t, ".env", fake.req.PathToEnvFile)
	assert.Equal(t, ".secrets.env", fake.req.PathToSecretsFile)
}

func TestDeployCmdExitErrors(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		wantLog string
	}{
		{
			name:    "invalid type",
			args:    []string{"deploy", "--type", "serverless", "--workspace-id", "00000000-0000-4000-8000-000000000000"},
			wantLog: `Invalid workspace type provided: "serverless". Type must be one of: static, dynamic.`,
		},
		{
			name:    "invalid workspace id",
			args:    []string{"deploy", "--type", "static", "--workspace-id", "not-a-uuid"},
			wantLog: "Invalid workspace id provided. Workspace id must be a valid uuid.",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := execute(t, tt.args...)
			var exitErr *deploy.ExitError
			require.True(t, errors.As(err, &exitErr), "got %v", err)
			assert.Equal(t, 1, exitErr.Code)
			assert.Contains(t, out, tt.wantLog)
		})
	}
}

func TestDBSchemaCmd(t *testing.T) {
	out, err := execute(t, "db", "schema")
	require.NoError(t, err)

	var schema map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(out), &schema))
	assert.Equal(t, config.SchemaID, schema["$id"])
}

func TestDBInitMigrateTypes(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "platformatic.db.json")

	out, err := execute(t, "db", "init", "--dir", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "Project initialized")
	assert.FileExists(t, configPath)

	out, err = execute(t, "db", "init", "--dir", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "already exists, skipping")

	out, err = execute(t, "db", "migrate", "-c", configPath)
	require.NoError(t, err)
	assert.Contains(t, out, "1 migrations applied")

	out, err = execute(t, "db", "types", "-c", configPath)
	require.NoError(t, err)
	assert.Contains(t, out, "Types written to")
	assert.FileExists(t, filepath.Join(dir, "types", "types.go"))
}

func TestDBCmdMissingConfig(t *testing.T) {
	_, err := execute(t, "db", "migrate", "-c", filepath.Join(t.TempDir(), "missing.json"))
	assert.ErrorContains(t, err, "failed to read config")
}

func TestClientCmd(t *testing.T) {
	cfg := &config.Config{
		Server:     config.Server{Hostname: "127.0.0.1"},
		Core:       config.Core{ConnectionString: "sqlite://:memory:"},
		Migrations: &config.Migrations{Dir: filepath.Join("..", "..", "internal", "client", "testdata", "movies")},
	}
	cfg.ApplyDefaults()
	srv, err := db.NewServer(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	dir := t.TempDir()
	out, err := execute(t, "client", ts.URL+"/graphql", "--name", "movies", "--folder", dir)
	require.NoError(t, err)
	assert.Contains(t, out, `graphql client "movies" generated`)
	assert.FileExists(t, filepath.Join(dir, "movies", "movies.go"))
	assert.FileExists(t, filepath.Join(dir, "movies", "movies.schema.graphql"))

	_, err = execute(t, "client", ts.URL)
	assert.ErrorContains(t, err, "--name is required")

	_, err = execute(t, "client")
	assert.Error(t, err)
}
