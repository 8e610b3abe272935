package db

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// migrationsTable is created by golang-migrate and never mapped to an entity.
const migrationsTable = "schema_migrations"

// dialect holds what differs between the databases behind sqlStore.
type dialect struct {
	// numbered placeholders ($1, $2) instead of ?
	numbered bool
	// arrays binds in/nin lists as a single array argument.
	arrays bool
	// offsetNeedsLimit emits LIMIT -1 in front of an OFFSET without limit.
	offsetNeedsLimit bool
	translate        func(error) error
}

// sqlStore implements the record operations of Store over database/sql.
// PostgresStore and SQLiteStore add migrations and introspection.
type sqlStore struct {
	db      *sqlx.DB
	dialect dialect
}

// sqlBuilder accumulates positional arguments.
type sqlBuilder struct {
	d    dialect
	args []interface{}
}

func (b *sqlBuilder) arg(v interface{}) string {
	b.args = append(b.args, v)
	if b.d.numbered {
		return "$" + strconv.Itoa(len(b.args))
	}
	return "?"
}

func quote(name string) string {
	return pq.QuoteIdentifier(name)
}

func (b *sqlBuilder) in(col string, values []interface{}) string {
	if b.d.arrays {
		return col + " = ANY(" + b.arg(pq.Array(values)) + ")"
	}
	if len(values) == 0 {
		return "1 = 0"
	}
	placeholders := make([]string, len(values))
	for i, v := range values {
		placeholders[i] = b.arg(v)
	}
	return col + " IN (" + strings.Join(placeholders, ", ") + ")"
}

func (b *sqlBuilder) where(e *Entity, conds []Condition) (string, error) {
	if len(conds) == 0 {
		return "", nil
	}
	parts := make([]string, 0, len(conds))
	for _, c := range conds {
		f, ok := e.Field(c.Field)
		if !ok {
			return "", &ValidationError{Message: fmt.Sprintf("unknown field %s for entity %s", c.Field, e.Name)}
		}
		col := quote(f.Column)
		switch c.Op {
		case OpIn, OpNin:
			values, _ := c.Value.([]interface{})
			expr := b.in(col, values)
			if c.Op == OpNin {
				expr = "NOT (" + expr + ")"
			}
			parts = append(parts, expr)
			continue
		}
		if c.Value == nil {
			switch c.Op {
			case OpEq:
				parts = append(parts, col+" IS NULL")
				continue
			case OpNeq:
				parts = append(parts, col+" IS NOT NULL")
				continue
			}
		}
		var sqlOp string
		switch c.Op {
		case OpEq:
			sqlOp = "="
		case OpNeq:
			sqlOp = "<>"
		case OpGt:
			sqlOp = ">"
		case OpGte:
			sqlOp = ">="
		case OpLt:
			sqlOp = "<"
		case OpLte:
			sqlOp = "<="
		default:
			return "", &ValidationError{Message: fmt.Sprintf("unsupported operator %s", c.Op)}
		}
		parts = append(parts, col+" "+sqlOp+" "+b.arg(c.Value))
	}
	return " WHERE " + strings.Join(parts, " AND "), nil
}

func (d dialect) buildSelect(e *Entity, q Query) (string, []interface{}, error) {
	b := &sqlBuilder{d: d}
	where, err := b.where(e, q.Where)
	if err != nil {
		return "", nil, err
	}
	var sb strings.Builder
	sb.WriteString("SELECT * FROM " + quote(e.Table) + where)

	order := q.OrderBy
	if len(order) == 0 {
		order = []OrderBy{{Field: e.PrimaryKey.Name}}
	}
	terms := make([]string, 0, len(order))
	for _, o := range order {
		f, ok := e.Field(o.Field)
		if !ok {
			return "", nil, &ValidationError{Message: fmt.Sprintf("unknown field %s for entity %s", o.Field, e.Name)}
		}
		dir := "ASC"
		if o.Desc {
			dir = "DESC"
		}
		terms = append(terms, quote(f.Column)+" "+dir)
	}
	sb.WriteString(" ORDER BY " + strings.Join(terms, ", "))

	switch {
	case q.Limit > 0:
		sb.WriteString(" LIMIT " + b.arg(q.Limit))
	case q.Offset > 0 && d.offsetNeedsLimit:
		sb.WriteString(" LIMIT -1")
	}
	if q.Offset > 0 {
		sb.WriteString(" OFFSET " + b.arg(q.Offset))
	}
	return sb.String(), b.args, nil
}

func sortedColumns(e *Entity, rec Record) ([]string, map[string]interface{}) {
	cols := e.toColumns(rec)
	names := make([]string, 0, len(cols))
	for name := range cols {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, cols
}

func (d dialect) buildInsert(e *Entity, rec Record) (string, []interface{}) {
	names, cols := sortedColumns(e, rec)
	if len(names) == 0 {
		return "INSERT INTO " + quote(e.Table) + " DEFAULT VALUES RETURNING *", nil
	}
	b := &sqlBuilder{d: d}
	quoted := make([]string, len(names))
	placeholders := make([]string, len(names))
	for i, name := range names {
		quoted[i] = quote(name)
		placeholders[i] = b.arg(cols[name])
	}
	return "INSERT INTO " + quote(e.Table) + " (" + strings.Join(quoted, ", ") + ") VALUES (" +
		strings.Join(placeholders, ", ") + ") RETURNING *", b.args
}

func (d dialect) buildUpdate(e *Entity, where []Condition, changes Record) (string, []interface{}, error) {
	names, cols := sortedColumns(e, changes)
	b := &sqlBuilder{d: d}
	sets := make([]string, 0, len(names))
	for _, name := range names {
		if name == e.PrimaryKey.Column {
			continue
		}
		sets = append(sets, quote(name)+" = "+b.arg(cols[name]))
	}
	if len(sets) == 0 {
		return "", nil, nil
	}
	w, err := b.where(e, where)
	if err != nil {
		return "", nil, err
	}
	return "UPDATE " + quote(e.Table) + " SET " + strings.Join(sets, ", ") + w + " RETURNING *", b.args, nil
}

func (d dialect) buildDelete(e *Entity, where []Condition) (string, []interface{}, error) {
	b := &sqlBuilder{d: d}
	w, err := b.where(e, where)
	if err != nil {
		return "", nil, err
	}
	return "DELETE FROM " + quote(e.Table) + w + " RETURNING *", b.args, nil
}

func (s *sqlStore) queryRecords(ctx context.Context, e *Entity, query string, args []interface{}) ([]Record, error) {
	rows, err := s.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, s.dialect.translate(err)
	}
	defer rows.Close()

	records := []Record{}
	for rows.Next() {
		row := make(map[string]interface{})
		if err := rows.MapScan(row); err != nil {
			return nil, fmt.Errorf("failed to scan %s row: %w", e.Table, err)
		}
		records = append(records, e.fromColumns(row))
	}
	if err := rows.Err(); err != nil {
		return nil, s.dialect.translate(err)
	}
	return records, nil
}

// Find implements Store.
func (s *sqlStore) Find(ctx context.Context, e *Entity, q Query) ([]Record, error) {
	query, args, err := s.dialect.buildSelect(e, q)
	if err != nil {
		return nil, err
	}
	return s.queryRecords(ctx, e, query, args)
}

// Count implements Store.
func (s *sqlStore) Count(ctx context.Context, e *Entity, where []Condition) (int64, error) {
	b := &sqlBuilder{d: s.dialect}
	w, err := b.where(e, where)
	if err != nil {
		return 0, err
	}
	var n int64
	if err := s.db.GetContext(ctx, &n, "SELECT COUNT(*) FROM "+quote(e.Table)+w, b.args...); err != nil {
		return 0, s.dialect.translate(err)
	}
	return n, nil
}

// Insert implements Store.
func (s *sqlStore) Insert(ctx context.Context, e *Entity, rec Record) (Record, error) {
	query, args := s.dialect.buildInsert(e, rec)
	records, err := s.queryRecords(ctx, e, query, args)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("insert into %s returned no row", e.Table)
	}
	return records[0], nil
}

// Update implements Store. Primary keys are never changed.
func (s *sqlStore) Update(ctx context.Context, e *Entity, where []Condition, changes Record) ([]Record, error) {
	query, args, err := s.dialect.buildUpdate(e, where, changes)
	if err != nil {
		return nil, err
	}
	if query == "" {
		return s.Find(ctx, e, Query{Where: where})
	}
	return s.queryRecords(ctx, e, query, args)
}

// Delete implements Store.
func (s *sqlStore) Delete(ctx context.Context, e *Entity, where []Condition) ([]Record, error) {
	query, args, err := s.dialect.buildDelete(e, where)
	if err != nil {
		return nil, err
	}
	return s.queryRecords(ctx, e, query, args)
}

// Ping implements Store.
func (s *sqlStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close implements Store.
func (s *sqlStore) Close() error {
	return s.db.Close()
}

// applyMigrations runs m.Up and counts the files of dir it applied.
func applyMigrations(m *migrate.Migrate, files []migrationFile) (int, error) {
	before, err := migrationVersion(m)
	if err != nil {
		return 0, err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return 0, fmt.Errorf("failed to apply migrations: %w", err)
	}
	after, err := migrationVersion(m)
	if err != nil {
		return 0, err
	}

	applied := 0
	for _, f := range files {
		if f.Version > before && f.Version <= after {
			applied++
		}
	}
	return applied, nil
}

func migrationVersion(m *migrate.Migrate) (uint64, error) {
	v, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read migration version: %w", err)
	}
	if dirty {
		return 0, fmt.Errorf("database is at dirty migration version %d", v)
	}
	return uint64(v), nil
}
