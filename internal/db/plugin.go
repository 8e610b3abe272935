package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

// DefaultPluginTimeout bounds one plugin handler call.
const DefaultPluginTimeout = 10 * time.Second

// pluginRoute is a route registered by the script with app.get and friends.
type pluginRoute struct {
	method  string
	path    string
	handler goja.Callable
}

// Plugin runs a JavaScript file that extends the server. The script sees an
// `app` global:
//
//	app.get(path, function (req) { return {...} })   // also post, put, delete
//	app.db.find("movie", { where: { id: { eq: 1 } }, limit: 10 })
//	app.db.count("movie", { where: {...} })
//	app.db.save("movie", { title: "foo" })
//	app.db.delete("movie", { id: { eq: 1 } })
//	app.log.info("message")
//	app.onClose(function () {})
//
// A script may also assign a function to module.exports; it is called with app.
// goja runtimes are not goroutine safe, so every call holds mu.
type Plugin struct {
	path    string
	svc     *Service
	logger  zerolog.Logger
	timeout time.Duration

	mu      sync.Mutex
	vm      *goja.Runtime
	routes  []pluginRoute
	onClose []goja.Callable
	// ctx and thrown belong to the call holding mu.
	ctx    context.Context
	thrown error
}

// LoadPlugin reads and runs the script at path.
func LoadPlugin(path string, svc *Service, logger zerolog.Logger) (*Plugin, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plugin %s: %w", path, err)
	}
	p := &Plugin{
		path:    path,
		svc:     svc,
		logger:  logger.With().Str("plugin", path).Logger(),
		timeout: DefaultPluginTimeout,
		vm:      goja.New(),
	}
	if err := p.run(string(src)); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Plugin) run(src string) error {
	vm := p.vm
	app := vm.NewObject()
	for _, method := range []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete} {
		method := method
		if err := app.Set(strings.ToLower(method), func(call goja.FunctionCall) goja.Value {
			path := call.Argument(0).String()
			fn, ok := goja.AssertFunction(call.Argument(1))
			if !strings.HasPrefix(path, "/") || !ok {
				panic(vm.NewTypeError("app.%s(path, handler): path must start with / and handler must be a function", strings.ToLower(method)))
			}
			p.routes = append(p.routes, pluginRoute{method: method, path: path, handler: fn})
			return goja.Undefined()
		}); err != nil {
			return fmt.Errorf("failed to set up plugin: %w", err)
		}
	}

	if err := app.Set("onClose", func(call goja.FunctionCall) goja.Value {
		fn, ok := goja.AssertFunction(call.Argument(0))
		if !ok {
			panic(vm.NewTypeError("app.onClose(handler): handler must be a function"))
		}
		p.onClose = append(p.onClose, fn)
		return goja.Undefined()
	}); err != nil {
		return fmt.Errorf("failed to set up plugin: %w", err)
	}

	logObj := vm.NewObject()
	for _, level := range []string{"debug", "info", "warn", "error"} {
		level := level
		lvl, _ := zerolog.ParseLevel(level)
		_ = logObj.Set(level, func(call goja.FunctionCall) goja.Value {
			parts := make([]string, len(call.Arguments))
			for i, arg := range call.Arguments {
				parts[i] = arg.String()
			}
			p.logger.WithLevel(lvl).Msg(strings.Join(parts, " "))
			return goja.Undefined()
		})
	}
	_ = app.Set("log", logObj)
	_ = app.Set("db", p.dbObject())

	module := vm.NewObject()
	_ = module.Set("exports", vm.NewObject())
	_ = vm.Set("module", module)
	_ = vm.Set("app", app)

	if _, err := vm.RunScript(p.path, src); err != nil {
		return fmt.Errorf("failed to run plugin %s: %w", p.path, err)
	}
	if register, ok := goja.AssertFunction(module.Get("exports")); ok {
		if _, err := register(goja.Undefined(), app); err != nil {
			return fmt.Errorf("failed to register plugin %s: %w", p.path, err)
		}
	}
	return nil
}

// dbObject exposes the entity service, running as the user of the current request.
func (p *Plugin) dbObject() *goja.Object {
	vm := p.vm
	db := vm.NewObject()

	entity := func(call goja.FunctionCall) *Entity {
		name := call.Argument(0).String()
		e, ok := p.svc.Catalog().Entity(name)
		if !ok {
			panic(vm.NewTypeError("unknown entity %s", name))
		}
		return e
	}
	options := func(v goja.Value) map[string]interface{} {
		if goja.IsUndefined(v) || goja.IsNull(v) {
			return map[string]interface{}{}
		}
		opts, _ := v.Export().(map[string]interface{})
		if opts == nil {
			panic(vm.NewTypeError("options must be an object"))
		}
		return opts
	}
	throw := func(err error) {
		p.thrown = err
		panic(vm.NewGoError(err))
	}

	_ = db.Set("find", func(call goja.FunctionCall) goja.Value {
		e := entity(call)
		q, err := queryFromArgs(e, options(call.Argument(1)))
		if err != nil {
			throw(err)
		}
		records, err := p.svc.Find(p.callContext(), e, q, nil)
		if err != nil {
			throw(err)
		}
		return vm.ToValue(recordsToMaps(records))
	})
	_ = db.Set("count", func(call goja.FunctionCall) goja.Value {
		e := entity(call)
		where, err := whereFromArg(e, options(call.Argument(1))["where"])
		if err != nil {
			throw(err)
		}
		total, err := p.svc.Count(p.callContext(), e, where)
		if err != nil {
			throw(err)
		}
		return vm.ToValue(total)
	})
	_ = db.Set("save", func(call goja.FunctionCall) goja.Value {
		e := entity(call)
		rec, err := e.CoerceInput(options(call.Argument(1)))
		if err != nil {
			throw(err)
		}
		saved, err := p.svc.Save(p.callContext(), e, rec)
		if err != nil {
			throw(err)
		}
		return vm.ToValue(map[string]interface{}(saved))
	})
	_ = db.Set("delete", func(call goja.FunctionCall) goja.Value {
		e := entity(call)
		where, err := whereFromArg(e, options(call.Argument(1)))
		if err != nil {
			throw(err)
		}
		if len(where) == 0 {
			throw(&ValidationError{Message: "delete requires a where filter"})
		}
		deleted, err := p.svc.Delete(p.callContext(), e, where)
		if err != nil {
			throw(err)
		}
		return vm.ToValue(recordsToMaps(deleted))
	})
	return db
}

func (p *Plugin) callContext() context.Context {
	if p.ctx == nil {
		return context.Background()
	}
	return p.ctx
}

// call invokes fn with the runtime locked and interrupted after the timeout.
func (p *Plugin) call(ctx context.Context, fn goja.Callable, args ...goja.Value) (interface{}, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	done := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		select {
		case <-ctx.Done():
			p.vm.Interrupt("plugin execution timeout")
		case <-done:
		}
	}()
	defer func() {
		close(done)
		<-exited
		p.vm.ClearInterrupt()
	}()

	p.ctx, p.thrown = ctx, nil
	defer func() { p.ctx = nil }()

	result, err := fn(goja.Undefined(), args...)
	if err != nil {
		return nil, p.unwrap(err)
	}
	if result == nil || goja.IsUndefined(result) || goja.IsNull(result) {
		return nil, nil
	}
	return result.Export(), nil
}

// unwrap recovers Go errors thrown through the script so their status
// mapping survives.
func (p *Plugin) unwrap(err error) error {
	var exc *goja.Exception
	if errors.As(err, &exc) {
		if p.thrown != nil && strings.Contains(exc.Value().String(), p.thrown.Error()) {
			return p.thrown
		}
		return fmt.Errorf("plugin error: %s", exc.Value().String())
	}
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		return fmt.Errorf("plugin interrupted: %v", interrupted.Value())
	}
	return err
}

// RegisterRoutes mounts the script routes on r.
func (p *Plugin) RegisterRoutes(r chi.Router) {
	for _, route := range p.routes {
		r.Method(route.method, route.path, p.handler(route))
	}
}

func (p *Plugin) handler(route pluginRoute) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req := map[string]interface{}{
			"method":  r.Method,
			"url":     r.URL.RequestURI(),
			"params":  urlParams(r),
			"query":   flatten(r.URL.Query(), false),
			"headers": flatten(r.Header, true),
		}
		if r.Body != nil && r.ContentLength != 0 {
			body, err := io.ReadAll(r.Body)
			if err != nil {
				WriteErr(w, r, fmt.Errorf("failed to read body: %w", err))
				return
			}
			var decoded interface{}
			if len(body) > 0 && json.Unmarshal(body, &decoded) == nil {
				req["body"] = decoded
			} else {
				req["body"] = string(body)
			}
		}

		p.mu.Lock()
		arg := p.vm.ToValue(req)
		p.mu.Unlock()

		result, err := p.call(r.Context(), route.handler, arg)
		if err != nil {
			WriteErr(w, r, err)
			return
		}
		if result == nil {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		if s, ok := result.(string); ok {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			_, _ = w.Write([]byte(s))
			return
		}
		WriteJSONSafe(w, http.StatusOK, result)
	}
}

// Close runs the onClose hooks, giving up when ctx ends.
func (p *Plugin) Close(ctx context.Context) error {
	for _, fn := range p.onClose {
		if _, err := p.call(ctx, fn); err != nil {
			return fmt.Errorf("plugin onClose hook failed: %w", err)
		}
	}
	return nil
}

func urlParams(r *http.Request) map[string]interface{} {
	params := map[string]interface{}{}
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		for i, key := range rctx.URLParams.Keys {
			if key != "*" {
				params[key] = rctx.URLParams.Values[i]
			}
		}
	}
	return params
}

// flatten turns single values into strings; header names are lower cased.
func flatten(values map[string][]string, lowerKeys bool) map[string]interface{} {
	out := make(map[string]interface{}, len(values))
	for k, v := range values {
		if lowerKeys {
			k = strings.ToLower(k)
		}
		if len(v) == 1 {
			out[k] = v[0]
		} else {
			out[k] = v
		}
	}
	return out
}
