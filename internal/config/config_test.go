package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalConfig = `{
  "server": { "hostname": "127.0.0.1", "port": 3042 },
  "core": { "connectionString": "memory://" }
}`

func TestParseMinimalConfig(t *testing.T) {
	cfg, err := Parse([]byte(minimalConfig), ".json", nil)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.Server.Hostname)
	assert.Equal(t, Port(3042), cfg.Server.Port)
	assert.Equal(t, "127.0.0.1:3042", cfg.Server.Addr())
	assert.Equal(t, "memory://", cfg.Core.ConnectionString)
	assert.True(t, cfg.Core.GraphQLEnabled())
	assert.True(t, cfg.Core.OpenAPIEnabled())
	assert.Nil(t, cfg.Authorization)
}

func TestValidateRejectsInvalidDocuments(t *testing.T) {
	tests := []struct {
		name    string
		doc     string
		problem string
	}{
		{
			name:    "missing server",
			doc:     `{"core": {"connectionString": "memory://"}}`,
			problem: "server",
		},
		{
			name:    "missing connection string",
			doc:     `{"server": {"hostname": "localhost", "port": 1}, "core": {}}`,
			problem: "connectionString",
		},
		{
			name:    "unknown root property",
			doc:     `{"server": {"hostname": "localhost", "port": 1}, "core": {"connectionString": "x"}, "extra": true}`,
			problem: "extra",
		},
		{
			name:    "port of wrong type",
			doc:     `{"server": {"hostname": "localhost", "port": true}, "core": {"connectionString": "x"}}`,
			problem: "/server/port",
		},
		{
			name: "rule without entity",
			doc: `{"server": {"hostname": "localhost", "port": 1}, "core": {"connectionString": "x"},
				"authorization": {"rules": [{"role": "user"}]}}`,
			problem: "entity",
		},
		{
			name: "unknown check operator",
			doc: `{"server": {"hostname": "localhost", "port": 1}, "core": {"connectionString": "x"},
				"authorization": {"rules": [{"role": "user", "entity": "movie", "find": {"checks": {"userId": {"like": "X-USER"}}}}]}}`,
			problem: "/authorization/rules/0/find",
		},
		{
			name: "unknown authorization property",
			doc: `{"server": {"hostname": "localhost", "port": 1}, "core": {"connectionString": "x"},
				"authorization": {"secret": "nope"}}`,
			problem: "secret",
		},
		{
			name:    "migrations without dir",
			doc:     `{"server": {"hostname": "localhost", "port": 1}, "core": {"connectionString": "x"}, "migrations": {}}`,
			problem: "dir",
		},
		{
			name: "metrics auth without password",
			doc: `{"server": {"hostname": "localhost", "port": 1}, "core": {"connectionString": "x"},
				"metrics": {"auth": {"username": "admin"}}}`,
			problem: "/metrics",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var doc interface{}
			require.NoError(t, json.Unmarshal([]byte(tt.doc), &doc))

			err := Validate(doc)
			require.Error(t, err)

			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Contains(t, verr.Error(), tt.problem)
		})
	}
}

func TestParseAuthorizationRules(t *testing.T) {
	doc := `{
	  "server": { "hostname": "127.0.0.1", "port": "3042" },
	  "core": { "connectionString": "memory://" },
	  "authorization": {
	    "adminSecret": "secret",
	    "jwt": { "secret": "shh" },
	    "rules": [
	      {
	        "role": "user",
	        "entity": "movie",
	        "defaults": { "ownerId": "X-PLATFORMATIC-USER-ID" },
	        "find": true,
	        "save": { "checks": { "ownerId": "X-PLATFORMATIC-USER-ID" }, "fields": ["id", "title"] },
	        "delete": { "checks": { "ownerId": { "eq": "X-PLATFORMATIC-USER-ID" } } }
	      },
	      { "role": "anonymous", "entity": "movie", "find": false }
	    ]
	  }
	}`

	cfg, err := Parse([]byte(doc), ".json", nil)
	require.NoError(t, err)
	require.NotNil(t, cfg.Authorization)

	auth := cfg.Authorization
	assert.Equal(t, DefaultRoleKey, auth.RoleKey)
	assert.Equal(t, DefaultAnonymousRole, auth.AnonymousRole)
	assert.Equal(t, Port(3042), cfg.Server.Port)
	require.Len(t, auth.Rules, 2)

	rule := auth.Rules[0]
	assert.True(t, rule.Find.Allowed)
	assert.Empty(t, rule.Find.Checks)
	assert.True(t, rule.Save.Allowed)
	assert.Equal(t, Check{"eq": "X-PLATFORMATIC-USER-ID"}, rule.Save.Checks["ownerId"])
	assert.Equal(t, []string{"id", "title"}, rule.Save.Fields)
	assert.Equal(t, Check{"eq": "X-PLATFORMATIC-USER-ID"}, rule.Delete.Checks["ownerId"])
	assert.Equal(t, "X-PLATFORMATIC-USER-ID", rule.Defaults["ownerId"])

	assert.False(t, auth.Rules[1].Find.Allowed)
	assert.Nil(t, auth.Rules[1].Save)
}

func TestParseUnionOptionsAndDefaults(t *testing.T) {
	doc := `{
	  "server": {
	    "hostname": "0.0.0.0",
	    "port": 3000,
	    "healthCheck": { "interval": 2000 },
	    "cors": { "origin": ["https://a.example", "https://b.example"], "exposedHeaders": "x-a, x-b" }
	  },
	  "core": {
	    "connectionString": "memory://",
	    "graphql": { "graphiql": true },
	    "openapi": { "info": { "title": "Movies", "version": "1.0.0" } },
	    "ignore": { "versions": true }
	  },
	  "metrics": true,
	  "plugin": { "path": "plugin.js" }
	}`

	cfg, err := Parse([]byte(doc), ".json", nil)
	require.NoError(t, err)

	require.NotNil(t, cfg.Server.HealthCheck)
	assert.True(t, cfg.Server.HealthCheck.Enabled)
	assert.Equal(t, 2000, cfg.Server.HealthCheck.Interval)

	cors := cfg.Server.CORS
	require.NotNil(t, cors)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cors.Origin.Values)
	assert.Equal(t, StringList{"x-a", "x-b"}, cors.ExposedHeaders)
	assert.Equal(t, DefaultCORSMethods, cors.Methods)
	assert.Equal(t, DefaultOptionsStatus, cors.OptionsSuccessStatus)
	assert.True(t, cors.PreflightEnabled())
	assert.True(t, cors.StrictPreflightEnabled())

	assert.True(t, cfg.Core.GraphQL.GraphiQL)
	assert.Equal(t, "Movies", cfg.Core.OpenAPI.Info.Title)
	assert.True(t, cfg.Core.Ignore["versions"])

	require.NotNil(t, cfg.Metrics)
	assert.Equal(t, "0.0.0.0:9090", cfg.Metrics.Addr())
	assert.Equal(t, DefaultPluginStopTimeout, cfg.Plugin.StopTimeout)
}

func TestParseYAML(t *testing.T) {
	doc := `
server:
  hostname: 127.0.0.1
  port: 3042
  healthCheck: true
core:
  connectionString: memory://
  graphql: false
migrations:
  dir: ./migrations
  autoApply: true
`
	cfg, err := Parse([]byte(doc), ".yaml", nil)
	require.NoError(t, err)
	assert.Equal(t, Port(3042), cfg.Server.Port)
	assert.Equal(t, DefaultHealthCheckInterval, cfg.Server.HealthCheck.Interval)
	assert.False(t, cfg.Core.GraphQLEnabled())
	assert.True(t, cfg.Migrations.AutoApply)
}

func TestParsePlaceholders(t *testing.T) {
	doc := `{
	  "server": { "hostname": "{PLT_HOST}", "port": "{PORT}" },
	  "core": { "connectionString": "{DATABASE_URL}" }
	}`

	t.Run("replaced from env", func(t *testing.T) {
		env := map[string]string{"PLT_HOST": "127.0.0.1", "PORT": "4000", "DATABASE_URL": "memory://"}
		cfg, err := Parse([]byte(doc), ".json", env)
		require.NoError(t, err)
		assert.Equal(t, "127.0.0.1", cfg.Server.Hostname)
		assert.Equal(t, Port(4000), cfg.Server.Port)
	})

	t.Run("missing variable", func(t *testing.T) {
		_, err := Parse([]byte(doc), ".json", map[string]string{"PORT": "1"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "PLT_HOST")
		assert.Contains(t, err.Error(), "DATABASE_URL")
	})

	t.Run("values are escaped", func(t *testing.T) {
		env := map[string]string{"PLT_HOST": `a"b`, "PORT": "1", "DATABASE_URL": "memory://"}
		cfg, err := Parse([]byte(doc), ".json", env)
		require.NoError(t, err)
		assert.Equal(t, `a"b`, cfg.Server.Hostname)
	})
}

func TestLoadFromDirectoryWithEnvFile(t *testing.T) {
	dir := t.TempDir()
	result, err := Init(dir)
	require.NoError(t, err)
	assert.Empty(t, result.Skipped)

	t.Setenv("PLT_SERVER_PORT", "4242")

	cfg, err := Load(result.ConfigPath)
	require.NoError(t, err)
	assert.Equal(t, Port(4242), cfg.Server.Port)
	assert.Equal(t, "127.0.0.1", cfg.Server.Hostname)
	assert.Equal(t, dir, cfg.Dir)
	assert.Equal(t, filepath.Join(dir, "migrations"), cfg.ResolvePath(cfg.Migrations.Dir))

	found, err := FindConfigFile(dir)
	require.NoError(t, err)
	assert.Equal(t, result.ConfigPath, found)

	again, err := Init(dir)
	require.NoError(t, err)
	assert.Len(t, again.Skipped, 3)
}

func TestFindConfigFileMissing(t *testing.T) {
	_, err := FindConfigFile(t.TempDir())
	assert.Error(t, err)
}

func TestRedactedMasksSecrets(t *testing.T) {
	cfg := &Config{
		Authorization: &Authorization{AdminSecret: "admin", JWT: &JWT{Secret: "jwt"}},
		Metrics:       &Metrics{Enabled: true, Auth: &BasicAuth{Username: "u", Password: "p"}},
	}
	redacted := cfg.Redacted()

	assert.Equal(t, "********", redacted.Authorization.AdminSecret)
	assert.Equal(t, "********", redacted.Authorization.JWT.Secret)
	assert.Equal(t, "********", redacted.Metrics.Auth.Password)
	assert.Equal(t, "admin", cfg.Authorization.AdminSecret)
	assert.Equal(t, "p", cfg.Metrics.Auth.Password)
}

func TestSchemaIsValidJSON(t *testing.T) {
	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(Schema(), &doc))
	assert.Equal(t, SchemaID, doc["$id"])
	assert.ElementsMatch(t, []interface{}{"core", "server"}, doc["required"])
}

func TestMain(m *testing.M) {
	for _, name := range []string{"PLT_SERVER_HOSTNAME", "PLT_SERVER_PORT", "DATABASE_URL", "PORT", "PLT_SERVER_LOGGER_LEVEL"} {
		os.Unsetenv(name)
	}
	os.Exit(m.Run())
}
