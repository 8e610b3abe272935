package db

import (
	"context"
	"fmt"
)

// Service runs entity operations for the user found in the context, applying
// the authorization rules around the store.
type Service struct {
	store   Store
	catalog *Catalog
	auth    *Authorizer
	metrics *Metrics
}

// NewService creates a service. auth and metrics may be nil.
func NewService(store Store, catalog *Catalog, auth *Authorizer, metrics *Metrics) *Service {
	return &Service{store: store, catalog: catalog, auth: auth, metrics: metrics}
}

// Catalog returns the mapped entities.
func (s *Service) Catalog() *Catalog {
	return s.catalog
}

func (s *Service) permit(ctx context.Context, e *Entity, action Action) (*Permission, error) {
	if !s.auth.Enabled() {
		return &Permission{}, nil
	}
	u := UserFromContext(ctx)
	if u == nil {
		u = s.auth.Anonymous()
	}
	return s.auth.Permit(u, e, action)
}

// readableFields intersects the requested fields with the permitted ones.
func readableFields(requested []string, perm *Permission) []string {
	if perm.Fields == nil {
		return requested
	}
	if requested == nil {
		return perm.Fields
	}
	out := []string{}
	for _, f := range requested {
		if perm.AllowsField(f) {
			out = append(out, f)
		}
	}
	return out
}

func projectAll(records []Record, fields []string) []Record {
	if fields == nil {
		return records
	}
	out := make([]Record, len(records))
	for i, r := range records {
		out[i] = r.Project(fields)
	}
	return out
}

// Find returns the records matching q, restricted to fields when given.
func (s *Service) Find(ctx context.Context, e *Entity, q Query, fields []string) (_ []Record, err error) {
	defer func() { s.metrics.RecordOperation(e.Name, ActionFind, err) }()
	perm, err := s.permit(ctx, e, ActionFind)
	if err != nil {
		return nil, err
	}
	q.Where = append(append([]Condition(nil), q.Where...), perm.Where...)
	records, err := s.store.Find(ctx, e, q)
	if err != nil {
		return nil, err
	}
	return projectAll(records, readableFields(fields, perm)), nil
}

// FindByID returns one record or ErrNotFound.
func (s *Service) FindByID(ctx context.Context, e *Entity, id interface{}, fields []string) (Record, error) {
	key, err := e.PrimaryKey.Coerce(id)
	if err != nil {
		return nil, err
	}
	records, err := s.Find(ctx, e, Query{Where: []Condition{{Field: e.PrimaryKey.Name, Op: OpEq, Value: key}}, Limit: 1}, fields)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%s %v: %w", e.Name, id, ErrNotFound)
	}
	return records[0], nil
}

// Count counts the records matching where.
func (s *Service) Count(ctx context.Context, e *Entity, where []Condition) (_ int64, err error) {
	defer func() { s.metrics.RecordOperation(e.Name, ActionFind, err) }()
	perm, err := s.permit(ctx, e, ActionFind)
	if err != nil {
		return 0, err
	}
	return s.store.Count(ctx, e, append(append([]Condition(nil), where...), perm.Where...))
}

func checkWritableFields(e *Entity, input Record, perm *Permission) error {
	for name := range input {
		if !perm.AllowsField(name) {
			return fmt.Errorf("%w: field %s of %s is not writable", ErrForbidden, name, e.Name)
		}
	}
	return nil
}

// Insert creates a record. Rule defaults are applied and eq checks fill
// missing fields; the record must then satisfy every check.
func (s *Service) Insert(ctx context.Context, e *Entity, input Record) (_ Record, err error) {
	defer func() { s.metrics.RecordOperation(e.Name, ActionSave, err) }()
	perm, err := s.permit(ctx, e, ActionSave)
	if err != nil {
		return nil, err
	}
	if err := checkWritableFields(e, input, perm); err != nil {
		return nil, err
	}

	rec := make(Record, len(input)+len(perm.Defaults))
	for k, v := range input {
		rec[k] = v
	}
	for k, v := range perm.Defaults {
		rec[k] = v
	}
	for _, c := range perm.Where {
		if c.Op != OpEq {
			continue
		}
		if v, ok := rec[c.Field]; !ok || v == nil {
			rec[c.Field] = c.Value
		}
	}
	if !MatchAll(rec, perm.Where) {
		return nil, fmt.Errorf("%w: record does not satisfy the save checks of %s", ErrForbidden, e.Name)
	}

	created, err := s.store.Insert(ctx, e, rec)
	if err != nil {
		return nil, err
	}
	return created.Project(perm.Fields), nil
}

// Update changes the records matching where.
func (s *Service) Update(ctx context.Context, e *Entity, where []Condition, changes Record) (_ []Record, err error) {
	defer func() { s.metrics.RecordOperation(e.Name, ActionSave, err) }()
	perm, err := s.permit(ctx, e, ActionSave)
	if err != nil {
		return nil, err
	}
	if err := checkWritableFields(e, changes, perm); err != nil {
		return nil, err
	}
	for _, c := range perm.Where {
		if _, changed := changes[c.Field]; changed && !c.Match(changes) {
			return nil, fmt.Errorf("%w: %s.%s cannot be changed to that value", ErrForbidden, e.Name, c.Field)
		}
	}
	updated, err := s.store.Update(ctx, e, append(append([]Condition(nil), where...), perm.Where...), changes)
	if err != nil {
		return nil, err
	}
	return projectAll(updated, perm.Fields), nil
}

// UpdateByID changes one record or returns ErrNotFound.
func (s *Service) UpdateByID(ctx context.Context, e *Entity, id interface{}, changes Record) (Record, error) {
	key, err := e.PrimaryKey.Coerce(id)
	if err != nil {
		return nil, err
	}
	updated, err := s.Update(ctx, e, []Condition{{Field: e.PrimaryKey.Name, Op: OpEq, Value: key}}, changes)
	if err != nil {
		return nil, err
	}
	if len(updated) == 0 {
		return nil, fmt.Errorf("%s %v: %w", e.Name, id, ErrNotFound)
	}
	return updated[0], nil
}

// Save updates the record with the input's primary key, inserting it when
// the key is absent or unknown.
func (s *Service) Save(ctx context.Context, e *Entity, input Record) (Record, error) {
	id, hasID := input[e.PrimaryKey.Name]
	if !hasID || id == nil {
		return s.Insert(ctx, e, input)
	}
	changes := make(Record, len(input))
	for k, v := range input {
		if k != e.PrimaryKey.Name {
			changes[k] = v
		}
	}
	updated, err := s.Update(ctx, e, []Condition{{Field: e.PrimaryKey.Name, Op: OpEq, Value: id}}, changes)
	if err != nil {
		return nil, err
	}
	if len(updated) > 0 {
		return updated[0], nil
	}
	return s.Insert(ctx, e, input)
}

// Delete removes the records matching where and returns them.
func (s *Service) Delete(ctx context.Context, e *Entity, where []Condition) (_ []Record, err error) {
	defer func() { s.metrics.RecordOperation(e.Name, ActionDelete, err) }()
	perm, err := s.permit(ctx, e, ActionDelete)
	if err != nil {
		return nil, err
	}
	deleted, err := s.store.Delete(ctx, e, append(append([]Condition(nil), where...), perm.Where...))
	if err != nil {
		return nil, err
	}
	return projectAll(deleted, perm.Fields), nil
}

// DeleteByID removes one record or returns ErrNotFound.
func (s *Service) DeleteByID(ctx context.Context, e *Entity, id interface{}) (Record, error) {
	key, err := e.PrimaryKey.Coerce(id)
	if err != nil {
		return nil, err
	}
	deleted, err := s.Delete(ctx, e, []Condition{{Field: e.PrimaryKey.Name, Op: OpEq, Value: key}})
	if err != nil {
		return nil, err
	}
	if len(deleted) == 0 {
		return nil, fmt.Errorf("%s %v: %w", e.Name, id, ErrNotFound)
	}
	return deleted[0], nil
}
