package db

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"github.com/xdevplatform/platformatic/internal/config"
)

// Request headers understood by the authorization layer.
const (
	HeaderAdminSecret = "X-PLATFORMATIC-ADMIN-SECRET"
	HeaderUserID      = "X-PLATFORMATIC-USER-ID"
)

// AdminRole is granted to requests carrying the admin secret. It bypasses every rule.
const AdminRole = "platformatic-admin"

// Action is a CRUD operation subject to authorization rules.
type Action string

// Actions.
const (
	ActionFind   Action = "find"
	ActionSave   Action = "save"
	ActionDelete Action = "delete"
)

// User is the identity attached to a request.
type User struct {
	Claims map[string]interface{}
	Roles  []string
}

// Get looks a claim up, ignoring case.
func (u *User) Get(key string) (interface{}, bool) {
	if u == nil {
		return nil, false
	}
	if v, ok := u.Claims[key]; ok {
		return v, true
	}
	for k, v := range u.Claims {
		if strings.EqualFold(k, key) {
			return v, true
		}
	}
	return nil, false
}

// HasRole reports whether the user carries role.
func (u *User) HasRole(role string) bool {
	if u == nil {
		return false
	}
	for _, r := range u.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// IsAdmin reports whether the user authenticated with the admin secret.
func (u *User) IsAdmin() bool {
	return u.HasRole(AdminRole)
}

type userContextKey struct{}

// WithUser attaches u to ctx.
func WithUser(ctx context.Context, u *User) context.Context {
	return context.WithValue(ctx, userContextKey{}, u)
}

// UserFromContext returns the user attached by the authorization middleware.
func UserFromContext(ctx context.Context) *User {
	u, _ := ctx.Value(userContextKey{}).(*User)
	return u
}

// Permission is the outcome of evaluating the rules for one action.
type Permission struct {
	// Where is added to find, update and delete filters and must hold for inserted records.
	Where []Condition
	// Fields restricts readable and writable fields. Nil allows all fields.
	Fields []string
	// Defaults are set on inserted records.
	Defaults Record
}

// AllowsField reports whether name may be read or written.
func (p *Permission) AllowsField(name string) bool {
	if p == nil || p.Fields == nil {
		return true
	}
	for _, f := range p.Fields {
		if f == name {
			return true
		}
	}
	return false
}

// Authorizer resolves users and evaluates rules.
type Authorizer struct {
	cfg    *config.Authorization
	client *http.Client
	logger zerolog.Logger
}

// NewAuthorizer builds an authorizer. A nil configuration allows everything.
func NewAuthorizer(cfg *config.Authorization, logger zerolog.Logger) *Authorizer {
	a := &Authorizer{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger,
	}
	if cfg != nil && cfg.JWT != nil && cfg.JWT.Secret == "" && cfg.JWT.JWKS != nil {
		logger.Warn().Msg("authorization.jwt.jwks is not supported; bearer tokens will be rejected")
	}
	return a
}

// Enabled reports whether rules are enforced.
func (a *Authorizer) Enabled() bool {
	return a != nil && a.cfg != nil
}

// Anonymous returns the user of unauthenticated requests.
func (a *Authorizer) Anonymous() *User {
	u := &User{Claims: map[string]interface{}{}}
	if a.Enabled() {
		u.Roles = []string{a.cfg.AnonymousRole}
	}
	return u
}

// Authenticate resolves the user of r from the admin secret, a JWT bearer
// token or the webhook, in that order.
func (a *Authorizer) Authenticate(r *http.Request) (*User, error) {
	if !a.Enabled() {
		return a.Anonymous(), nil
	}

	if secret := r.Header.Get(HeaderAdminSecret); secret != "" {
		if a.cfg.AdminSecret == "" || subtle.ConstantTimeCompare([]byte(secret), []byte(a.cfg.AdminSecret)) != 1 {
			return nil, fmt.Errorf("%w: invalid admin secret", ErrUnauthorized)
		}
		userID := r.Header.Get(HeaderUserID)
		role := r.Header.Get(a.cfg.RoleKey)
		if userID == "" && role == "" {
			return &User{Claims: map[string]interface{}{a.cfg.RoleKey: AdminRole}, Roles: []string{AdminRole}}, nil
		}
		claims := map[string]interface{}{}
		if userID != "" {
			claims[HeaderUserID] = userID
		}
		if role != "" {
			claims[a.cfg.RoleKey] = role
		}
		return a.userFromClaims(claims), nil
	}

	if token, ok := bearerToken(r); ok && a.cfg.JWT != nil {
		claims, err := a.verifyJWT(token)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
		}
		return a.userFromClaims(claims), nil
	}

	if a.cfg.Webhook != nil && a.cfg.Webhook.URL != "" {
		claims, err := a.callWebhook(r)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
		}
		return a.userFromClaims(claims), nil
	}

	return a.Anonymous(), nil
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	if len(h) < 7 || !strings.EqualFold(h[:7], "bearer ") {
		return "", false
	}
	token := strings.TrimSpace(h[7:])
	return token, token != ""
}

func (a *Authorizer) verifyJWT(token string) (map[string]interface{}, error) {
	if a.cfg.JWT.Secret == "" {
		return nil, errors.New("no jwt secret configured")
	}
	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(a.cfg.JWT.Secret), nil
	})
	if err != nil {
		return nil, fmt.Errorf("jwt parse: %w", err)
	}
	if !parsed.Valid {
		return nil, errors.New("jwt invalid")
	}
	return map[string]interface{}(claims), nil
}

// callWebhook forwards the request headers to the webhook; its JSON reply is the user.
func (a *Authorizer) callWebhook(r *http.Request) (map[string]interface{}, error) {
	req, err := http.NewRequestWithContext(r.Context(), http.MethodPost, a.cfg.Webhook.URL, bytes.NewReader([]byte("{}")))
	if err != nil {
		return nil, err
	}
	for k, v := range r.Header {
		if strings.EqualFold(k, "Content-Length") || strings.EqualFold(k, "Host") {
			continue
		}
		req.Header[k] = v
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read webhook response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("webhook responded with status %d", resp.StatusCode)
	}
	claims := map[string]interface{}{}
	if err := json.Unmarshal(body, &claims); err != nil {
		return nil, fmt.Errorf("webhook response is not a JSON object: %w", err)
	}
	return claims, nil
}

func (a *Authorizer) userFromClaims(claims map[string]interface{}) *User {
	u := &User{Claims: claims}
	if raw, ok := u.Get(a.cfg.RoleKey); ok {
		switch v := raw.(type) {
		case string:
			for _, role := range strings.Split(v, ",") {
				if role = strings.TrimSpace(role); role != "" {
					u.Roles = append(u.Roles, role)
				}
			}
		case []interface{}:
			for _, role := range v {
				if s, ok := role.(string); ok && s != "" {
					u.Roles = append(u.Roles, s)
				}
			}
		}
	}
	if len(u.Roles) == 0 {
		u.Roles = []string{a.cfg.AnonymousRole}
	}
	return u
}

// Permit evaluates the rules of e for action. The first rule granting the
// action to one of the user's roles wins; a rule whose checks reference a
// claim the user lacks does not apply.
func (a *Authorizer) Permit(u *User, e *Entity, action Action) (*Permission, error) {
	if !a.Enabled() || u.IsAdmin() {
		return &Permission{}, nil
	}

	reason := fmt.Errorf("%w: %s on %s", ErrForbidden, action, e.Name)
	for _, rule := range a.cfg.Rules {
		if !ruleMatchesEntity(rule.Entity, e) || !u.HasRole(rule.Role) {
			continue
		}
		var op *config.OperationAuth
		switch action {
		case ActionFind:
			op = rule.Find
		case ActionSave:
			op = rule.Save
		case ActionDelete:
			op = rule.Delete
		}
		if op == nil || !op.Allowed {
			continue
		}
		perm, err := buildPermission(u, e, op, rule.Defaults, action)
		if err != nil {
			reason = err
			continue
		}
		return perm, nil
	}
	return nil, reason
}

func ruleMatchesEntity(name string, e *Entity) bool {
	for _, candidate := range []string{e.Singular, e.Name, e.Table, e.Plural} {
		if strings.EqualFold(name, candidate) {
			return true
		}
	}
	return false
}

func buildPermission(u *User, e *Entity, op *config.OperationAuth, defaults map[string]string, action Action) (*Permission, error) {
	perm := &Permission{}

	fieldNames := make([]string, 0, len(op.Checks))
	for name := range op.Checks {
		fieldNames = append(fieldNames, name)
	}
	sort.Strings(fieldNames)

	for _, name := range fieldNames {
		f, ok := e.Field(name)
		if !ok {
			return nil, fmt.Errorf("%w: check on unknown field %s of %s", ErrForbidden, name, e.Name)
		}
		check := op.Checks[name]
		opNames := make([]string, 0, len(check))
		for o := range check {
			opNames = append(opNames, o)
		}
		sort.Strings(opNames)
		for _, opName := range opNames {
			whereOp, ok := ParseOp(opName)
			if !ok {
				return nil, fmt.Errorf("%w: unsupported check operator %s", ErrForbidden, opName)
			}
			userKey := check[opName]
			raw, ok := u.Get(userKey)
			if !ok {
				return nil, fmt.Errorf("%w: missing user key %s", ErrForbidden, userKey)
			}
			value, err := checkValue(f, whereOp, raw)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrForbidden, err)
			}
			perm.Where = append(perm.Where, Condition{Field: f.Name, Op: whereOp, Value: value})
		}
	}

	if op.Fields != nil {
		perm.Fields = []string{}
		for _, name := range op.Fields {
			f, ok := e.Field(name)
			if !ok {
				return nil, fmt.Errorf("%w: unknown field %s of %s", ErrForbidden, name, e.Name)
			}
			perm.Fields = append(perm.Fields, f.Name)
		}
	}

	if action == ActionSave && len(defaults) > 0 {
		perm.Defaults = Record{}
		for name, userKey := range defaults {
			f, ok := e.Field(name)
			if !ok {
				return nil, fmt.Errorf("%w: default for unknown field %s of %s", ErrForbidden, name, e.Name)
			}
			raw, ok := u.Get(userKey)
			if !ok {
				return nil, fmt.Errorf("%w: missing user key %s", ErrForbidden, userKey)
			}
			v, err := f.Coerce(raw)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrForbidden, err)
			}
			perm.Defaults[f.Name] = v
		}
	}
	return perm, nil
}

// checkValue converts a claim for use in a condition. Lists for in/nin may be
// JSON arrays or comma separated strings.
func checkValue(f *Field, op Op, raw interface{}) (interface{}, error) {
	if op != OpIn && op != OpNin {
		return f.Coerce(raw)
	}
	var items []interface{}
	switch v := raw.(type) {
	case []interface{}:
		items = v
	case string:
		for _, part := range strings.Split(v, ",") {
			items = append(items, strings.TrimSpace(part))
		}
	default:
		items = []interface{}{v}
	}
	out := make([]interface{}, 0, len(items))
	for _, item := range items {
		c, err := f.Coerce(item)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}
