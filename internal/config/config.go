// Package config defines the DB server configuration, its JSON schema and the
// loading logic (JSON or YAML files, env placeholders, env overrides, defaults).
//
// Several options accept more than one JSON shape (for example `healthCheck` is
// either a boolean or an object). Those fields use small wrapper types whose
// UnmarshalJSON normalises every accepted shape into one Go value.
package config

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Defaults applied after a configuration is loaded.
const (
	DefaultRoleKey             = "X-PLATFORMATIC-ROLE"
	DefaultAnonymousRole       = "anonymous"
	DefaultHealthCheckInterval = 5000
	DefaultMetricsHostname     = "0.0.0.0"
	DefaultMetricsPort         = 9090
	DefaultPluginStopTimeout   = 10000
	DefaultOptionsStatus       = 204
)

// DefaultCORSMethods are the methods allowed when cors.methods is not set.
var DefaultCORSMethods = []string{"GET", "HEAD", "PUT", "PATCH", "POST", "DELETE"}

// Config is the root of a platformatic.db configuration file.
type Config struct {
	Schema        string         `json:"$schema,omitempty"`
	Server        Server         `json:"server"`
	Core          Core           `json:"core"`
	Dashboard     *Dashboard     `json:"dashboard,omitempty"`
	Authorization *Authorization `json:"authorization,omitempty"`
	Migrations    *Migrations    `json:"migrations,omitempty"`
	Metrics       *Metrics       `json:"metrics,omitempty"`
	Types         *Types         `json:"types,omitempty"`
	Plugin        *Plugin        `json:"plugin,omitempty"`

	// Path is the file the configuration was loaded from.
	Path string `json:"-"`
	// Dir is the directory relative paths in the configuration resolve against.
	Dir string `json:"-"`
	// LogLevel comes from PLT_SERVER_LOGGER_LEVEL.
	LogLevel string `json:"-"`
}

// Server holds the HTTP listener options.
type Server struct {
	Hostname    string       `json:"hostname"`
	Port        Port         `json:"port"`
	HealthCheck *HealthCheck `json:"healthCheck,omitempty"`
	CORS        *CORS        `json:"cors,omitempty"`
}

// Addr returns hostname:port.
func (s Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.Hostname, int(s.Port))
}

// Port accepts either a JSON number or a numeric string.
type Port int

// UnmarshalJSON implements json.Unmarshaler.
func (p *Port) UnmarshalJSON(data []byte) error {
	var n int
	if err := json.Unmarshal(data, &n); err == nil {
		*p = Port(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("port must be a number or a string: %w", err)
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("port %q is not a number", s)
	}
	*p = Port(n)
	return nil
}

// HealthCheck is `true`, `false` or `{ "interval": ms }`.
type HealthCheck struct {
	Enabled  bool
	Interval int
}

// UnmarshalJSON implements json.Unmarshaler.
func (h *HealthCheck) UnmarshalJSON(data []byte) error {
	var enabled bool
	if err := json.Unmarshal(data, &enabled); err == nil {
		h.Enabled = enabled
		return nil
	}
	var obj struct {
		Interval int `json:"interval"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("healthCheck must be a boolean or an object: %w", err)
	}
	h.Enabled = true
	h.Interval = obj.Interval
	return nil
}

// MarshalJSON implements json.Marshaler.
func (h HealthCheck) MarshalJSON() ([]byte, error) {
	if !h.Enabled {
		return []byte("false"), nil
	}
	return json.Marshal(map[string]int{"interval": h.Interval})
}

// IntervalDuration returns the check interval as a duration.
func (h HealthCheck) IntervalDuration() time.Duration {
	return time.Duration(h.Interval) * time.Millisecond
}

// CORS mirrors the fastify-cors options.
type CORS struct {
	Origin               Origin     `json:"origin"`
	Methods              []string   `json:"methods,omitempty"`
	AllowedHeaders       string     `json:"allowedHeaders,omitempty"`
	ExposedHeaders       StringList `json:"exposedHeaders,omitempty"`
	Credentials          bool       `json:"credentials,omitempty"`
	MaxAge               *int       `json:"maxAge,omitempty"`
	PreflightContinue    bool       `json:"preflightContinue"`
	OptionsSuccessStatus int        `json:"optionsSuccessStatus"`
	Preflight            *bool      `json:"preflight,omitempty"`
	StrictPreflight      *bool      `json:"strictPreflight,omitempty"`
	HideOptionsRoute     *bool      `json:"hideOptionsRoute,omitempty"`
}

// PreflightEnabled reports whether OPTIONS preflight requests are answered.
func (c *CORS) PreflightEnabled() bool {
	return c.Preflight == nil || *c.Preflight
}

// StrictPreflightEnabled reports whether malformed preflight requests are rejected.
func (c *CORS) StrictPreflightEnabled() bool {
	return c.StrictPreflight == nil || *c.StrictPreflight
}

// Origin is `true` (reflect the request origin), `false` (disabled), a single
// origin string or a list of origins.
type Origin struct {
	Reflect bool
	Values  []string
}

// Enabled reports whether any CORS origin handling is configured.
func (o Origin) Enabled() bool {
	return o.Reflect || len(o.Values) > 0
}

// UnmarshalJSON implements json.Unmarshaler.
func (o *Origin) UnmarshalJSON(data []byte) error {
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		*o = Origin{Reflect: b}
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*o = Origin{Values: []string{s}}
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("cors.origin must be a boolean, a string or a list of strings: %w", err)
	}
	*o = Origin{Values: list}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (o Origin) MarshalJSON() ([]byte, error) {
	if len(o.Values) == 0 {
		return json.Marshal(o.Reflect)
	}
	if len(o.Values) == 1 {
		return json.Marshal(o.Values[0])
	}
	return json.Marshal(o.Values)
}

// StringList accepts a list of strings or one comma separated string.
type StringList []string

// UnmarshalJSON implements json.Unmarshaler.
func (l *StringList) UnmarshalJSON(data []byte) error {
	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		*l = list
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("expected a string or a list of strings: %w", err)
	}
	*l = splitList(s)
	return nil
}

// Core holds the database and API generation options.
type Core struct {
	ConnectionString string          `json:"connectionString"`
	GraphQL          *GraphQL        `json:"graphql,omitempty"`
	OpenAPI          *OpenAPI        `json:"openapi,omitempty"`
	Ignore           map[string]bool `json:"ignore,omitempty"`
}

// GraphQLEnabled reports whether the GraphQL API is mounted (default true).
func (c Core) GraphQLEnabled() bool {
	return c.GraphQL == nil || c.GraphQL.Enabled
}

// OpenAPIEnabled reports whether the REST API is mounted (default true).
func (c Core) OpenAPIEnabled() bool {
	return c.OpenAPI == nil || c.OpenAPI.Enabled
}

// GraphQL is `true`, `false` or `{ "graphiql": bool }`.
type GraphQL struct {
	Enabled  bool
	GraphiQL bool
}

// UnmarshalJSON implements json.Unmarshaler.
func (g *GraphQL) UnmarshalJSON(data []byte) error {
	var enabled bool
	if err := json.Unmarshal(data, &enabled); err == nil {
		*g = GraphQL{Enabled: enabled}
		return nil
	}
	var obj struct {
		GraphiQL bool `json:"graphiql"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("core.graphql must be a boolean or an object: %w", err)
	}
	*g = GraphQL{Enabled: true, GraphiQL: obj.GraphiQL}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (g GraphQL) MarshalJSON() ([]byte, error) {
	if !g.Enabled || !g.GraphiQL {
		return json.Marshal(g.Enabled)
	}
	return json.Marshal(map[string]bool{"graphiql": true})
}

// OpenAPI is `true`, `false` or `{ "info": {...} }`.
type OpenAPI struct {
	Enabled bool
	Info    OpenAPIInfo
}

// OpenAPIInfo is copied into the generated OpenAPI document.
type OpenAPIInfo struct {
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Version     string `json:"version,omitempty"`
}

// UnmarshalJSON implements json.Unmarshaler.
func (o *OpenAPI) UnmarshalJSON(data []byte) error {
	var enabled bool
	if err := json.Unmarshal(data, &enabled); err == nil {
		*o = OpenAPI{Enabled: enabled}
		return nil
	}
	var obj struct {
		Info OpenAPIInfo `json:"info"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("core.openapi must be a boolean or an object: %w", err)
	}
	*o = OpenAPI{Enabled: true, Info: obj.Info}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (o OpenAPI) MarshalJSON() ([]byte, error) {
	if !o.Enabled {
		return []byte("false"), nil
	}
	return json.Marshal(map[string]OpenAPIInfo{"info": o.Info})
}

// Dashboard controls the built-in dashboard page.
type Dashboard struct {
	RootPath bool `json:"rootPath"`
}

// Authorization configures user resolution and per-role entity rules.
type Authorization struct {
	AdminSecret   string   `json:"adminSecret,omitempty"`
	RoleKey       string   `json:"roleKey,omitempty"`
	AnonymousRole string   `json:"anonymousRole,omitempty"`
	JWT           *JWT     `json:"jwt,omitempty"`
	Webhook       *Webhook `json:"webhook,omitempty"`
	Rules         []Rule   `json:"rules,omitempty"`
}

// JWT configures bearer token verification.
type JWT struct {
	Secret string      `json:"secret,omitempty"`
	JWKS   interface{} `json:"jwks,omitempty"`
}

// Webhook delegates user resolution to an external HTTP endpoint.
type Webhook struct {
	URL string `json:"url"`
}

// Rule grants a role access to an entity.
type Rule struct {
	Role     string            `json:"role"`
	Entity   string            `json:"entity"`
	Defaults map[string]string `json:"defaults,omitempty"`
	Find     *OperationAuth    `json:"find,omitempty"`
	Save     *OperationAuth    `json:"save,omitempty"`
	Delete   *OperationAuth    `json:"delete,omitempty"`
}

// OperationAuth is either a boolean or an object with checks and fields.
type OperationAuth struct {
	Allowed bool
	Checks  map[string]Check
	Fields  []string
}

// UnmarshalJSON implements json.Unmarshaler.
func (o *OperationAuth) UnmarshalJSON(data []byte) error {
	var allowed bool
	if err := json.Unmarshal(data, &allowed); err == nil {
		*o = OperationAuth{Allowed: allowed}
		return nil
	}
	var obj struct {
		Checks map[string]Check `json:"checks"`
		Fields []string         `json:"fields"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("operation rule must be a boolean or an object: %w", err)
	}
	*o = OperationAuth{Allowed: true, Checks: obj.Checks, Fields: obj.Fields}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (o OperationAuth) MarshalJSON() ([]byte, error) {
	if len(o.Checks) == 0 && len(o.Fields) == 0 {
		return json.Marshal(o.Allowed)
	}
	return json.Marshal(map[string]interface{}{"checks": o.Checks, "fields": o.Fields})
}

// Check compares an entity field with a value from the user metadata.
// A plain string check means {"eq": key}.
type Check map[string]string

// UnmarshalJSON implements json.Unmarshaler.
func (c *Check) UnmarshalJSON(data []byte) error {
	var key string
	if err := json.Unmarshal(data, &key); err == nil {
		*c = Check{"eq": key}
		return nil
	}
	var ops map[string]string
	if err := json.Unmarshal(data, &ops); err != nil {
		return fmt.Errorf("check must be a string or an object: %w", err)
	}
	*c = Check(ops)
	return nil
}

// Migrations points at the directory holding *.up.sql files.
type Migrations struct {
	Dir       string `json:"dir"`
	AutoApply bool   `json:"autoApply,omitempty"`
}

// Metrics is `true`, `false` or an object with listener and auth options.
type Metrics struct {
	Enabled  bool
	Hostname string
	Port     int
	Auth     *BasicAuth
}

// BasicAuth protects the metrics endpoint.
type BasicAuth struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Addr returns hostname:port of the metrics listener.
func (m Metrics) Addr() string {
	return fmt.Sprintf("%s:%d", m.Hostname, m.Port)
}

// UnmarshalJSON implements json.Unmarshaler.
func (m *Metrics) UnmarshalJSON(data []byte) error {
	var enabled bool
	if err := json.Unmarshal(data, &enabled); err == nil {
		*m = Metrics{Enabled: enabled}
		return nil
	}
	var obj struct {
		Hostname string     `json:"hostname"`
		Port     int        `json:"port"`
		Auth     *BasicAuth `json:"auth"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("metrics must be a boolean or an object: %w", err)
	}
	*m = Metrics{Enabled: true, Hostname: obj.Hostname, Port: obj.Port, Auth: obj.Auth}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (m Metrics) MarshalJSON() ([]byte, error) {
	if !m.Enabled {
		return []byte("false"), nil
	}
	return json.Marshal(map[string]interface{}{"hostname": m.Hostname, "port": m.Port, "auth": m.Auth})
}

// Types controls generation of Go entity types.
type Types struct {
	Autogenerate bool `json:"autogenerate"`
}

// Plugin points at a JavaScript file extending the server.
type Plugin struct {
	Path        string `json:"path"`
	StopTimeout int    `json:"stopTimeout,omitempty"`
}

// StopTimeoutDuration returns the graceful shutdown budget.
func (p Plugin) StopTimeoutDuration() time.Duration {
	return time.Duration(p.StopTimeout) * time.Millisecond
}
