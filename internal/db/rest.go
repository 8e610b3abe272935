package db

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
)

// HeaderTotalCount is set on list responses when ?totalCount=true is given.
const HeaderTotalCount = "X-Total-Count"

// restHandlers serves the entity routes over a Service.
type restHandlers struct {
	svc *Service
}

// RegisterRoutes mounts the REST routes of every entity on r:
//
//	GET    /movies              list, filtered by the query string
//	POST   /movies              insert
//	PUT    /movies              update the records matching where.*
//	GET    /movies/{id}         fetch one
//	PUT    /movies/{id}         update one
//	DELETE /movies/{id}         delete one
//	GET    /movies/{id}/quotes  records referencing the movie
//	GET    /quotes/{id}/movie   record referenced by the quote
func RegisterRoutes(r chi.Router, svc *Service) {
	h := &restHandlers{svc: svc}
	for _, e := range svc.Catalog().Entities {
		e := e
		base := "/" + e.Plural
		r.Get(base, h.list(e))
		r.Post(base, h.create(e))
		r.Put(base, h.updateMany(e))
		r.Get(base+"/{id}", h.get(e))
		r.Put(base+"/{id}", h.update(e))
		r.Delete(base+"/{id}", h.delete(e))
		// chi panics on duplicate patterns; the first relation of a name wins.
		seen := map[string]bool{}
		for _, rel := range e.Relations {
			if seen[rel.Name] {
				continue
			}
			seen[rel.Name] = true
			target, _ := svc.Catalog().Entity(rel.Target)
			r.Get(base+"/{id}/"+rel.Name, h.getRelated(e, target, rel))
		}
		for _, rev := range e.Reverse {
			if seen[rev.Name] {
				continue
			}
			seen[rev.Name] = true
			source, _ := svc.Catalog().Entity(rev.Source)
			r.Get(base+"/{id}/"+rev.Name, h.listReverse(e, source, rev))
		}
	}
}

func (h *restHandlers) list(e *Entity) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q, fields, err := parseQuery(e, r.URL.RawQuery)
		if err != nil {
			WriteErr(w, r, err)
			return
		}
		records, err := h.svc.Find(r.Context(), e, q, fields)
		if err != nil {
			WriteErr(w, r, err)
			return
		}
		if r.URL.Query().Get("totalCount") == "true" {
			total, err := h.svc.Count(r.Context(), e, q.Where)
			if err != nil {
				WriteErr(w, r, err)
				return
			}
			w.Header().Set(HeaderTotalCount, strconv.FormatInt(total, 10))
		}
		WriteJSONSafe(w, http.StatusOK, records)
	}
}

func (h *restHandlers) create(e *Entity) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		input, err := decodeInput(e, r)
		if err != nil {
			WriteErr(w, r, err)
			return
		}
		fields, err := parseFields(e, r.URL.Query())
		if err != nil {
			WriteErr(w, r, err)
			return
		}
		created, err := h.svc.Insert(r.Context(), e, input)
		if err != nil {
			WriteErr(w, r, err)
			return
		}
		WriteJSONSafe(w, http.StatusOK, created.Project(fields))
	}
}

func (h *restHandlers) updateMany(e *Entity) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q, fields, err := parseQuery(e, r.URL.RawQuery)
		if err != nil {
			WriteErr(w, r, err)
			return
		}
		input, err := decodeInput(e, r)
		if err != nil {
			WriteErr(w, r, err)
			return
		}
		delete(input, e.PrimaryKey.Name)
		updated, err := h.svc.Update(r.Context(), e, q.Where, input)
		if err != nil {
			WriteErr(w, r, err)
			return
		}
		WriteJSONSafe(w, http.StatusOK, projectAll(updated, fields))
	}
}

func (h *restHandlers) get(e *Entity) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		fields, err := parseFields(e, r.URL.Query())
		if err != nil {
			WriteErr(w, r, err)
			return
		}
		rec, err := h.svc.FindByID(r.Context(), e, chi.URLParam(r, "id"), fields)
		if err != nil {
			WriteErr(w, r, err)
			return
		}
		WriteJSONSafe(w, http.StatusOK, rec)
	}
}

func (h *restHandlers) update(e *Entity) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		input, err := decodeInput(e, r)
		if err != nil {
			WriteErr(w, r, err)
			return
		}
		fields, err := parseFields(e, r.URL.Query())
		if err != nil {
			WriteErr(w, r, err)
			return
		}
		delete(input, e.PrimaryKey.Name)
		updated, err := h.svc.UpdateByID(r.Context(), e, chi.URLParam(r, "id"), input)
		if err != nil {
			WriteErr(w, r, err)
			return
		}
		WriteJSONSafe(w, http.StatusOK, updated.Project(fields))
	}
}

func (h *restHandlers) delete(e *Entity) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		fields, err := parseFields(e, r.URL.Query())
		if err != nil {
			WriteErr(w, r, err)
			return
		}
		deleted, err := h.svc.DeleteByID(r.Context(), e, chi.URLParam(r, "id"))
		if err != nil {
			WriteErr(w, r, err)
			return
		}
		WriteJSONSafe(w, http.StatusOK, deleted.Project(fields))
	}
}

// listReverse lists the source records whose foreign key points at {id}.
func (h *restHandlers) listReverse(e, source *Entity, rev ReverseRelation) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, err := h.svc.FindByID(r.Context(), e, chi.URLParam(r, "id"), nil); err != nil {
			WriteErr(w, r, err)
			return
		}
		q, fields, err := parseQuery(source, r.URL.RawQuery)
		if err != nil {
			WriteErr(w, r, err)
			return
		}
		fk, _ := source.Field(rev.SourceField)
		key, err := fk.Coerce(chi.URLParam(r, "id"))
		if err != nil {
			WriteErr(w, r, err)
			return
		}
		q.Where = append(q.Where, Condition{Field: fk.Name, Op: OpEq, Value: key})
		records, err := h.svc.Find(r.Context(), source, q, fields)
		if err != nil {
			WriteErr(w, r, err)
			return
		}
		WriteJSONSafe(w, http.StatusOK, records)
	}
}

// getRelated returns the record the foreign key of {id} points at.
func (h *restHandlers) getRelated(e, target *Entity, rel Relation) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		fields, err := parseFields(target, r.URL.Query())
		if err != nil {
			WriteErr(w, r, err)
			return
		}
		rec, err := h.svc.FindByID(r.Context(), e, chi.URLParam(r, "id"), nil)
		if err != nil {
			WriteErr(w, r, err)
			return
		}
		ref := rec[rel.Field]
		if ref == nil {
			WriteErr(w, r, fmt.Errorf("%s of %s %s: %w", rel.Name, e.Name, chi.URLParam(r, "id"), ErrNotFound))
			return
		}
		tf, _ := target.Field(rel.TargetField)
		records, err := h.svc.Find(r.Context(), target, Query{
			Where: []Condition{{Field: tf.Name, Op: OpEq, Value: ref}},
			Limit: 1,
		}, fields)
		if err != nil {
			WriteErr(w, r, err)
			return
		}
		if len(records) == 0 {
			WriteErr(w, r, fmt.Errorf("%s %v: %w", target.Name, ref, ErrNotFound))
			return
		}
		WriteJSONSafe(w, http.StatusOK, records[0])
	}
}

// decodeInput reads a JSON object body and coerces it to the entity fields.
func decodeInput(e *Entity, r *http.Request) (Record, error) {
	var body map[string]interface{}
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(&body); err != nil {
		return nil, &ValidationError{Message: fmt.Sprintf("body must be a JSON object: %v", err)}
	}
	if body == nil {
		return nil, &ValidationError{Message: "body must be a JSON object"}
	}
	return e.CoerceInput(body)
}

// parseFields reads ?fields=a,b. A missing parameter selects every field.
func parseFields(e *Entity, values url.Values) ([]string, error) {
	raw, ok := values["fields"]
	if !ok {
		return nil, nil
	}
	fields := []string{}
	for _, part := range strings.Split(strings.Join(raw, ","), ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		f, ok := e.Field(part)
		if !ok {
			return nil, &ValidationError{Message: fmt.Sprintf("unknown field %s for entity %s", part, e.Name)}
		}
		fields = append(fields, f.Name)
	}
	return fields, nil
}

// parseQuery reads limit, offset, fields, orderby.<field> and
// where.<field>.<op> from a raw query string. Clauses keep the order in which
// they appear in the request.
func parseQuery(e *Entity, rawQuery string) (Query, []string, error) {
	var q Query

	values, err := url.ParseQuery(rawQuery)
	if err != nil {
		return q, nil, &ValidationError{Message: fmt.Sprintf("malformed query string: %v", err)}
	}

	fields, err := parseFields(e, values)
	if err != nil {
		return q, nil, err
	}

	if q.Limit, err = parseNonNegative(values, "limit"); err != nil {
		return q, nil, err
	}
	if q.Offset, err = parseNonNegative(values, "offset"); err != nil {
		return q, nil, err
	}

	for _, key := range queryKeys(rawQuery) {
		value := values.Get(key)
		switch {
		case strings.HasPrefix(key, "orderby."):
			f, ok := e.Field(strings.TrimPrefix(key, "orderby."))
			if !ok {
				return q, nil, &ValidationError{Message: fmt.Sprintf("unknown orderby field %s", strings.TrimPrefix(key, "orderby."))}
			}
			var desc bool
			switch strings.ToLower(value) {
			case "asc":
			case "desc":
				desc = true
			default:
				return q, nil, &ValidationError{Message: fmt.Sprintf("orderby.%s must be asc or desc", f.Name)}
			}
			q.OrderBy = append(q.OrderBy, OrderBy{Field: f.Name, Desc: desc})

		case strings.HasPrefix(key, "where."):
			cond, err := parseWhere(e, strings.TrimPrefix(key, "where."), value)
			if err != nil {
				return q, nil, err
			}
			q.Where = append(q.Where, cond)
		}
	}
	return q, fields, nil
}

// queryKeys lists the distinct keys of a raw query string in request order.
func queryKeys(rawQuery string) []string {
	var keys []string
	seen := map[string]bool{}
	for _, pair := range strings.Split(rawQuery, "&") {
		if pair == "" {
			continue
		}
		key, _, _ := strings.Cut(pair, "=")
		key, err := url.QueryUnescape(key)
		if err != nil || seen[key] {
			continue
		}
		seen[key] = true
		keys = append(keys, key)
	}
	return keys
}

func parseWhere(e *Entity, spec, value string) (Condition, error) {
	i := strings.LastIndexByte(spec, '.')
	if i <= 0 {
		return Condition{}, &ValidationError{Message: fmt.Sprintf("where.%s must be where.<field>.<operator>", spec)}
	}
	f, ok := e.Field(spec[:i])
	if !ok {
		return Condition{}, &ValidationError{Message: fmt.Sprintf("unknown where field %s", spec[:i])}
	}
	op, ok := ParseOp(spec[i+1:])
	if !ok {
		return Condition{}, &ValidationError{Message: fmt.Sprintf("unknown where operator %s", spec[i+1:])}
	}

	if op == OpIn || op == OpNin {
		var list []interface{}
		for _, part := range strings.Split(value, ",") {
			v, err := f.Coerce(strings.TrimSpace(part))
			if err != nil {
				return Condition{}, err
			}
			list = append(list, v)
		}
		return Condition{Field: f.Name, Op: op, Value: list}, nil
	}

	v, err := f.Coerce(value)
	if err != nil {
		return Condition{}, err
	}
	return Condition{Field: f.Name, Op: op, Value: v}, nil
}

func parseNonNegative(values url.Values, key string) (int, error) {
	raw := values.Get(key)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, &ValidationError{Message: fmt.Sprintf("%s must be a non-negative integer", key)}
	}
	return n, nil
}
