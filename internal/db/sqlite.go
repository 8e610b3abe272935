package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jmoiron/sqlx"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// MemoryPath opens a private in-memory SQLite database.
const MemoryPath = ":memory:"

const sqliteColumnsQuery = `SELECT m.name AS table_name, p.name AS column_name, p.type AS data_type,
	p."notnull" AS not_null, p.dflt_value AS column_default, p.pk AS pk
FROM sqlite_master m, pragma_table_info(m.name) p
WHERE m.type = 'table' AND m.name NOT LIKE 'sqlite\_%' ESCAPE '\'
ORDER BY m.name, p.cid`

const sqliteForeignKeysQuery = `SELECT m.name AS table_name, f."from" AS column_name,
	f."table" AS foreign_table_name, f."to" AS foreign_column_name
FROM sqlite_master m, pragma_foreign_key_list(m.name) f
WHERE m.type = 'table' AND m.name NOT LIKE 'sqlite\_%' ESCAPE '\'
ORDER BY m.name, f.id, f.seq`

type sqliteColumn struct {
	Table   string         `db:"table_name"`
	Column  string         `db:"column_name"`
	Type    string         `db:"data_type"`
	NotNull bool           `db:"not_null"`
	Default sql.NullString `db:"column_default"`
	PK      int            `db:"pk"`
}

type sqliteForeignKey struct {
	Table         string         `db:"table_name"`
	Column        string         `db:"column_name"`
	ForeignTable  string         `db:"foreign_table_name"`
	ForeignColumn sql.NullString `db:"foreign_column_name"`
}

// sqliteDialect binds ? placeholders and expands in/nin lists.
var sqliteDialect = dialect{offsetNeedsLimit: true, translate: translateSQLiteError}

// SQLiteStore keeps records in a SQLite database file or in memory.
type SQLiteStore struct {
	sqlStore
	path string
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLite opens the database file at path, creating it when missing.
// MemoryPath opens an empty in-memory database.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("sqlite connection string has no database path")
	}
	conn, err := sqlx.Open("sqlite", sqliteDSN(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database %s: %w", path, err)
	}
	// An in-memory database lives and dies with its connection.
	conn.SetMaxOpenConns(1)
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open sqlite database %s: %w", path, err)
	}
	return &SQLiteStore{sqlStore: sqlStore{db: conn, dialect: sqliteDialect}, path: path}, nil
}

func sqliteDSN(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
}

// InMemory reports whether the database is lost when the store closes.
func (s *SQLiteStore) InMemory() bool {
	return s.path == MemoryPath || strings.Contains(s.path, "mode=memory")
}

// Migrate implements Store using golang-migrate.
func (s *SQLiteStore) Migrate(ctx context.Context, dir string) (int, error) {
	files, err := listMigrations(dir)
	if err != nil {
		return 0, err
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return 0, err
	}

	src, err := (&file.File{}).Open("file://" + filepath.ToSlash(abs))
	if err != nil {
		return 0, fmt.Errorf("failed to read migrations directory %s: %w", dir, err)
	}
	defer src.Close()

	driver, err := migratesqlite.WithInstance(s.db.DB, &migratesqlite.Config{MigrationsTable: migrationsTable})
	if err != nil {
		return 0, fmt.Errorf("failed to create migrator: %w", err)
	}
	m, err := migrate.NewWithInstance("file", src, "sqlite", driver)
	if err != nil {
		return 0, fmt.Errorf("failed to create migrator: %w", err)
	}
	// m.Close closes the database driver, which owns s.db: only the source is closed.
	return applyMigrations(m, files)
}

// Introspect implements Store. A single INTEGER PRIMARY KEY aliases the rowid
// and is generated on insert.
func (s *SQLiteStore) Introspect(ctx context.Context, ignore map[string]bool) (*Catalog, error) {
	var columns []sqliteColumn
	if err := s.db.SelectContext(ctx, &columns, sqliteColumnsQuery); err != nil {
		return nil, fmt.Errorf("failed to read columns: %w", err)
	}
	var keys []sqliteForeignKey
	if err := s.db.SelectContext(ctx, &keys, sqliteForeignKeysQuery); err != nil {
		return nil, fmt.Errorf("failed to read foreign keys: %w", err)
	}

	byName := make(map[string]*TableDef)
	pkColumns := make(map[string][]string)
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
		t.Columns = append(t.Columns, ColumnDef{
			Name:       c.Column,
			SQLType:    c.Type,
			NotNull:    c.NotNull,
			PrimaryKey: c.PK > 0,
			HasDefault: c.Default.Valid,
		})
		if c.PK > 0 {
			pkColumns[c.Table] = append(pkColumns[c.Table], c.Column)
		}
	}

	for table, pks := range pkColumns {
		if len(pks) != 1 {
			continue
		}
		col, _ := byName[table].Column(pks[0])
		if strings.EqualFold(col.SQLType, "INTEGER") {
			col.AutoIncrement = true
			col.HasDefault = true
		}
	}

	for _, k := range keys {
		t, ok := byName[k.Table]
		if !ok {
			continue
		}
		col, ok := t.Column(k.Column)
		if !ok {
			continue
		}
		// A bare REFERENCES movies has no target column and points at the primary key.
		col.References = &ForeignKey{Table: k.ForeignTable, Column: k.ForeignColumn.String}
	}

	tables := make([]TableDef, 0, len(order))
	for _, name := range order {
		tables = append(tables, *byName[name])
	}
	return NewCatalog(tables, ignore), nil
}

// translateSQLiteError turns constraint and type violations into validation
// errors.
func translateSQLiteError(err error) error {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return err
	}
	msg := sqliteErr.Error()
	switch sqliteErr.Code() & 0xff {
	case sqlite3.SQLITE_CONSTRAINT:
	case sqlite3.SQLITE_MISMATCH:
		return &ValidationError{Message: "datatype mismatch"}
	default:
		return err
	}

	if target, ok := constraintTarget(msg, "NOT NULL"); ok {
		return &ValidationError{Message: target + " must not be null"}
	}
	if target, ok := constraintTarget(msg, "UNIQUE"); ok {
		return &ValidationError{Message: "duplicate key value for " + target}
	}
	if _, ok := constraintTarget(msg, "FOREIGN KEY"); ok {
		return &ValidationError{Message: "foreign key constraint failed"}
	}
	return &ValidationError{Message: msg}
}

// constraintTarget extracts "movies.title" from
// "NOT NULL constraint failed: movies.title (1299)".
func constraintTarget(msg, kind string) (string, bool) {
	marker := kind + " constraint failed"
	i := strings.Index(msg, marker)
	if i < 0 {
		return "", false
	}
	target := strings.TrimPrefix(msg[i+len(marker):], ":")
	if j := strings.LastIndex(target, " ("); j >= 0 {
		target = target[:j]
	}
	return strings.TrimSpace(target), true
}
