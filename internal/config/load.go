package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultFileNames are searched, in order, when no config path is given.
var DefaultFileNames = []string{
	"platformatic.db.json",
	"platformatic.db.yaml",
	"platformatic.db.yml",
}

// placeholderPattern matches {NAME} placeholders in a configuration file.
var placeholderPattern = regexp.MustCompile(`\{([A-Z][A-Z0-9_]*)\}`)

// allowedPlaceholders may be used in addition to any PLT_ prefixed variable.
var allowedPlaceholders = map[string]bool{
	"DATABASE_URL": true,
	"PORT":         true,
}

// envOverrides are decoded from the process environment after the file is parsed.
type envOverrides struct {
	Hostname         string `env:"PLT_SERVER_HOSTNAME"`
	Port             string `env:"PLT_SERVER_PORT"`
	ConnectionString string `env:"DATABASE_URL"`
	LogLevel         string `env:"PLT_SERVER_LOGGER_LEVEL"`
}

// FindConfigFile returns the first default config file present in dir.
func FindConfigFile(dir string) (string, error) {
	for _, name := range DefaultFileNames {
		candidate := filepath.Join(dir, name)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("no configuration file found in %s (looked for %s)", dir, strings.Join(DefaultFileNames, ", "))
}

// Load reads, expands, validates and decodes the configuration at path.
// An empty path searches the working directory for a default file name.
func Load(path string) (*Config, error) {
	if path == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get working directory: %w", err)
		}
		if path, err = FindConfigFile(wd); err != nil {
			return nil, err
		}
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %s: %w", path, err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", absPath, err)
	}

	env, err := loadEnv(filepath.Join(filepath.Dir(absPath), ".env"))
	if err != nil {
		return nil, err
	}

	cfg, err := Parse(data, filepath.Ext(absPath), env)
	if err != nil {
		return nil, fmt.Errorf("failed to load config %s: %w", absPath, err)
	}

	cfg.Path = absPath
	cfg.Dir = filepath.Dir(absPath)
	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes raw configuration bytes. ext selects the format (".json",
// ".yaml" or ".yml"); env supplies the values of {PLACEHOLDER} references.
func Parse(data []byte, ext string, env map[string]string) (*Config, error) {
	expanded, err := expandPlaceholders(string(data), env)
	if err != nil {
		return nil, err
	}

	doc, err := decodeDocument([]byte(expanded), ext)
	if err != nil {
		return nil, err
	}

	if err := Validate(doc); err != nil {
		return nil, err
	}

	normalized, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to normalize config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(normalized, &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	cfg.ApplyDefaults()
	return &cfg, nil
}

// decodeDocument turns JSON or YAML into plain JSON values so the schema
// validator sees float64 numbers and string keyed maps only.
func decodeDocument(data []byte, ext string) (interface{}, error) {
	var raw interface{}
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
		asJSON, err := json.Marshal(raw)
		if err != nil {
			return nil, fmt.Errorf("failed to convert YAML config: %w", err)
		}
		raw = nil
		if err := json.Unmarshal(asJSON, &raw); err != nil {
			return nil, fmt.Errorf("failed to convert YAML config: %w", err)
		}
	case ".json", "":
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format %q", ext)
	}
	return raw, nil
}

// expandPlaceholders replaces {NAME} references with values from env.
func expandPlaceholders(text string, env map[string]string) (string, error) {
	var missing []string
	out := placeholderPattern.ReplaceAllStringFunc(text, func(match string) string {
		name := match[1 : len(match)-1]
		if !strings.HasPrefix(name, "PLT_") && !allowedPlaceholders[name] {
			return match
		}
		value, ok := env[name]
		if !ok {
			missing = append(missing, name)
			return match
		}
		// Values land inside JSON/YAML strings.
		escaped, _ := json.Marshal(value)
		return string(escaped[1 : len(escaped)-1])
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("missing environment variables for placeholders: %s", strings.Join(missing, ", "))
	}
	return out, nil
}

// loadEnv merges the optional .env file with the process environment.
// Process variables win over the file.
func loadEnv(envFile string) (map[string]string, error) {
	env := make(map[string]string)
	if _, err := os.Stat(envFile); err == nil {
		fileEnv, err := godotenv.Read(envFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read env file %s: %w", envFile, err)
		}
		for k, v := range fileEnv {
			env[k] = v
		}
	}
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}
	return env, nil
}

func applyEnvOverrides(cfg *Config) error {
	var overrides envOverrides
	if err := envdecode.Decode(&overrides); err != nil {
		if errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
			return nil
		}
		return fmt.Errorf("failed to decode environment overrides: %w", err)
	}

	if overrides.Hostname != "" {
		cfg.Server.Hostname = overrides.Hostname
	}
	if overrides.Port != "" {
		port, err := strconv.Atoi(overrides.Port)
		if err != nil {
			return fmt.Errorf("PLT_SERVER_PORT %q is not a number", overrides.Port)
		}
		cfg.Server.Port = Port(port)
	}
	if overrides.ConnectionString != "" {
		cfg.Core.ConnectionString = overrides.ConnectionString
	}
	cfg.LogLevel = overrides.LogLevel
	return nil
}

// ApplyDefaults fills unset options with their documented defaults.
func (c *Config) ApplyDefaults() {
	if hc := c.Server.HealthCheck; hc != nil && hc.Enabled && hc.Interval <= 0 {
		hc.Interval = DefaultHealthCheckInterval
	}

	if cors := c.Server.CORS; cors != nil {
		if len(cors.Methods) == 0 {
			cors.Methods = append([]string(nil), DefaultCORSMethods...)
		}
		if cors.OptionsSuccessStatus == 0 {
			cors.OptionsSuccessStatus = DefaultOptionsStatus
		}
	}

	if a := c.Authorization; a != nil {
		if a.RoleKey == "" {
			a.RoleKey = DefaultRoleKey
		}
		if a.AnonymousRole == "" {
			a.AnonymousRole = DefaultAnonymousRole
		}
	}

	if m := c.Metrics; m != nil && m.Enabled {
		if m.Hostname == "" {
			m.Hostname = DefaultMetricsHostname
		}
		if m.Port == 0 {
			m.Port = DefaultMetricsPort
		}
	}

	if p := c.Plugin; p != nil && p.StopTimeout <= 0 {
		p.StopTimeout = DefaultPluginStopTimeout
	}
}

// ResolvePath makes p absolute relative to the config directory.
func (c *Config) ResolvePath(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Dir, p)
}

// Redacted returns a copy of the configuration with secrets masked.
func (c *Config) Redacted() *Config {
	out := *c
	if c.Authorization != nil {
		auth := *c.Authorization
		if auth.AdminSecret != "" {
			auth.AdminSecret = "********"
		}
		if auth.JWT != nil {
			jwtCfg := *auth.JWT
			if jwtCfg.Secret != "" {
				jwtCfg.Secret = "********"
			}
			auth.JWT = &jwtCfg
		}
		out.Authorization = &auth
	}
	if c.Metrics != nil && c.Metrics.Auth != nil {
		metrics := *c.Metrics
		metrics.Auth = &BasicAuth{Username: c.Metrics.Auth.Username, Password: "********"}
		out.Metrics = &metrics
	}
	return &out
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
