package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

const introspectColumnsQuery = `SELECT c.table_name, c.column_name, c.data_type, c.is_nullable, c.column_default, c.is_identity
FROM information_schema.columns c
JOIN information_schema.tables t ON t.table_schema = c.table_schema AND t.table_name = c.table_name
WHERE c.table_schema = current_schema() AND t.table_type = 'BASE TABLE'
ORDER BY c.table_name, c.ordinal_position`

const introspectConstraintsQuery = `SELECT kcu.table_name, kcu.column_name, tc.constraint_type,
	ccu.table_name AS foreign_table_name, ccu.column_name AS foreign_column_name
FROM information_schema.table_constraints tc
JOIN information_schema.key_column_usage kcu
	ON tc.constraint_name = kcu.constraint_name AND tc.table_schema = kcu.table_schema
LEFT JOIN information_schema.constraint_column_usage ccu
	ON tc.constraint_type = 'FOREIGN KEY' AND tc.constraint_name = ccu.constraint_name AND tc.table_schema = ccu.table_schema
WHERE tc.table_schema = current_schema() AND tc.constraint_type IN ('PRIMARY KEY', 'FOREIGN KEY')
ORDER BY kcu.table_name, kcu.column_name`

type pgColumn struct {
	Table    string         `db:"table_name"`
	Column   string         `db:"column_name"`
	DataType string         `db:"data_type"`
	Nullable string         `db:"is_nullable"`
	Default  sql.NullString `db:"column_default"`
	Identity string         `db:"is_identity"`
}

type pgConstraint struct {
	Table         string         `db:"table_name"`
	Column        string         `db:"column_name"`
	Type          string         `db:"constraint_type"`
	ForeignTable  sql.NullString `db:"foreign_table_name"`
	ForeignColumn sql.NullString `db:"foreign_column_name"`
}

// postgresDialect binds $N placeholders and in/nin lists as arrays.
var postgresDialect = dialect{numbered: true, arrays: true, translate: translatePQError}

// PostgresStore keeps records in PostgreSQL.
type PostgresStore struct {
	sqlStore
	dsn string
}

var _ Store = (*PostgresStore)(nil)

// OpenPostgres connects to dsn.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	conn, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	return &PostgresStore{sqlStore: sqlStore{db: conn, dialect: postgresDialect}, dsn: dsn}, nil
}

// NewPostgresStore wraps an existing connection pool. Migrate needs a DSN and
// is unavailable on stores built this way.
func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{sqlStore: sqlStore{db: db, dialect: postgresDialect}}
}

// Migrate implements Store using golang-migrate.
func (s *PostgresStore) Migrate(ctx context.Context, dir string) (int, error) {
	if s.dsn == "" {
		return 0, errors.New("postgres store has no connection string to migrate with")
	}
	files, err := listMigrations(dir)
	if err != nil {
		return 0, err
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return 0, err
	}

	m, err := migrate.New("file://"+filepath.ToSlash(abs), s.dsn)
	if err != nil {
		return 0, fmt.Errorf("failed to create migrator: %w", err)
	}
	defer m.Close()

	return applyMigrations(m, files)
}

// Introspect implements Store.
func (s *PostgresStore) Introspect(ctx context.Context, ignore map[string]bool) (*Catalog, error) {
	var columns []pgColumn
	if err := s.db.SelectContext(ctx, &columns, introspectColumnsQuery); err != nil {
		return nil, fmt.Errorf("failed to read columns: %w", err)
	}
	var constraints []pgConstraint
	if err := s.db.SelectContext(ctx, &constraints, introspectConstraintsQuery); err != nil {
		return nil, fmt.Errorf("failed to read constraints: %w", err)
	}

	byName := make(map[string]*TableDef)
	var order []string
	for _, c := range columns {
		if c.Table == migrationsTable {
			continue
		}
		t, ok := byName[c.Table]
		if !ok {
			t = &TableDef{Name: c.Table}
			byName[c.Table] = t
			order = append(order, c.Table)
		}
		def := c.Default.String
		t.Columns = append(t.Columns, ColumnDef{
			Name:          c.Column,
			SQLType:       c.DataType,
			NotNull:       c.Nullable == "NO",
			HasDefault:    c.Default.Valid || c.Identity == "YES",
			AutoIncrement: strings.HasPrefix(def, "nextval(") || c.Identity == "YES",
		})
	}

	for _, k := range constraints {
		t, ok := byName[k.Table]
		if !ok {
			continue
		}
		col, ok := t.Column(k.Column)
		if !ok {
			continue
		}
		switch k.Type {
		case "PRIMARY KEY":
			col.PrimaryKey = true
		case "FOREIGN KEY":
			if k.ForeignTable.Valid {
				col.References = &ForeignKey{Table: k.ForeignTable.String, Column: k.ForeignColumn.String}
			}
		}
	}

	tables := make([]TableDef, 0, len(order))
	for _, name := range order {
		tables = append(tables, *byName[name])
	}
	return NewCatalog(tables, ignore), nil
}

// translatePQError turns constraint violations into validation errors.
func translatePQError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "23":
			return &ValidationError{Message: pqErr.Message}
		case "22":
			return &ValidationError{Message: pqErr.Message}
		}
	}
	return err
}
