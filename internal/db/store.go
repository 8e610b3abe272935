package db

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Op is a where operator.
type Op string

// Where operators.
const (
	OpEq  Op = "eq"
	OpNeq Op = "neq"
	OpGt  Op = "gt"
	OpGte Op = "gte"
	OpLt  Op = "lt"
	OpLte Op = "lte"
	OpIn  Op = "in"
	OpNin Op = "nin"
)

// ParseOp validates an operator name. "nen" is accepted as an alias of neq.
func ParseOp(s string) (Op, bool) {
	switch op := Op(strings.ToLower(s)); op {
	case OpEq, OpNeq, OpGt, OpGte, OpLt, OpLte, OpIn, OpNin:
		return op, true
	case "nen", "ne":
		return OpNeq, true
	}
	return "", false
}

// Condition filters records on one field. For in/nin Value is a []interface{}.
type Condition struct {
	Field string
	Op    Op
	Value interface{}
}

// Match reports whether rec satisfies the condition.
func (c Condition) Match(rec Record) bool {
	v := rec[c.Field]
	switch c.Op {
	case OpIn, OpNin:
		values, _ := c.Value.([]interface{})
		found := false
		for _, candidate := range values {
			if cmp, ok := compareValues(v, candidate); ok && cmp == 0 {
				found = true
				break
			}
		}
		return found == (c.Op == OpIn)
	}

	if v == nil || c.Value == nil {
		switch c.Op {
		case OpEq:
			return v == nil && c.Value == nil
		case OpNeq:
			return (v == nil) != (c.Value == nil)
		}
		return false
	}

	cmp, ok := compareValues(v, c.Value)
	if !ok {
		return false
	}
	switch c.Op {
	case OpEq:
		return cmp == 0
	case OpNeq:
		return cmp != 0
	case OpGt:
		return cmp > 0
	case OpGte:
		return cmp >= 0
	case OpLt:
		return cmp < 0
	case OpLte:
		return cmp <= 0
	}
	return false
}

// MatchAll reports whether rec satisfies every condition.
func MatchAll(rec Record, where []Condition) bool {
	for _, c := range where {
		if !c.Match(rec) {
			return false
		}
	}
	return true
}

// OrderBy sorts on one field.
type OrderBy struct {
	Field string
	Desc  bool
}

// Query selects records. Zero Limit means no limit.
type Query struct {
	Where   []Condition
	OrderBy []OrderBy
	Limit   int
	Offset  int
}

// Store persists entity records. Conditions and records are keyed by field name.
type Store interface {
	// Migrate applies the *.up.sql files of dir not applied yet and reports how many ran.
	Migrate(ctx context.Context, dir string) (int, error)
	// Introspect maps the current tables to entities.
	Introspect(ctx context.Context, ignore map[string]bool) (*Catalog, error)
	Find(ctx context.Context, e *Entity, q Query) ([]Record, error)
	Count(ctx context.Context, e *Entity, where []Condition) (int64, error)
	Insert(ctx context.Context, e *Entity, rec Record) (Record, error)
	Update(ctx context.Context, e *Entity, where []Condition, changes Record) ([]Record, error)
	Delete(ctx context.Context, e *Entity, where []Condition) ([]Record, error)
	Ping(ctx context.Context) error
	Close() error
}

// Open selects a store from a connection string: sqlite://<path>,
// sqlite://:memory: or postgres://. memory:// is short for sqlite://:memory:.
func Open(ctx context.Context, connectionString string) (Store, error) {
	switch {
	case connectionString == "memory://":
		return OpenSQLite(ctx, MemoryPath)
	case strings.HasPrefix(connectionString, "sqlite://"):
		return OpenSQLite(ctx, strings.TrimPrefix(connectionString, "sqlite://"))
	case strings.HasPrefix(connectionString, "postgres://"), strings.HasPrefix(connectionString, "postgresql://"):
		return OpenPostgres(ctx, connectionString)
	default:
		return nil, fmt.Errorf("unsupported connection string %q: expected sqlite:// or postgres://", redactDSN(connectionString))
	}
}

func redactDSN(dsn string) string {
	if at := strings.LastIndex(dsn, "@"); at >= 0 {
		if scheme := strings.Index(dsn, "://"); scheme >= 0 && scheme < at {
			return dsn[:scheme+3] + "***" + dsn[at:]
		}
	}
	return dsn
}

// compareValues orders two normalized values. Mixed numeric kinds compare as
// floats; other mixed kinds are not comparable.
func compareValues(a, b interface{}) (int, bool) {
	if af, ok := toFloat(a); ok {
		if bf, ok := toFloat(b); ok {
			switch {
			case af < bf:
				return -1, true
			case af > bf:
				return 1, true
			}
			return 0, true
		}
		return 0, false
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(av, bv), true
	case bool:
		bv, ok := b.(bool)
		if !ok {
			return 0, false
		}
		switch {
		case av == bv:
			return 0, true
		case !av:
			return -1, true
		}
		return 1, true
	}
	return 0, false
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

// normalizeValue converts a driver value to the field's Go representation.
func normalizeValue(f *Field, v interface{}) interface{} {
	switch val := v.(type) {
	case nil:
		return nil
	case []byte:
		return normalizeValue(f, string(val))
	case time.Time:
		return val.UTC().Format(time.RFC3339Nano)
	case string:
		switch f.Type {
		case TypeInteger:
			if i, err := strconv.ParseInt(val, 10, 64); err == nil {
				return i
			}
		case TypeNumber:
			if n, err := strconv.ParseFloat(val, 64); err == nil {
				return n
			}
		case TypeBoolean:
			if b, err := strconv.ParseBool(val); err == nil {
				return b
			}
		}
		return val
	case int64:
		switch f.Type {
		case TypeBoolean:
			return val != 0
		case TypeNumber:
			return float64(val)
		}
		return val
	case int:
		return int64(val)
	case int32:
		return int64(val)
	case float32:
		return float64(val)
	}
	if f.Type == TypeNumber {
		if n, ok := toFloat(v); ok {
			return n
		}
	}
	return v
}

// migrationFile is one *.up.sql file.
type migrationFile struct {
	Version uint64
	Name    string
	Path    string
}

// listMigrations returns the *.up.sql files of dir ordered by version. Names
// must start with a numeric version followed by an underscore.
func listMigrations(dir string) ([]migrationFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations directory %s: %w", dir, err)
	}

	var files []migrationFile
	seen := make(map[uint64]string)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".up.sql") {
			continue
		}
		prefix := name
		if i := strings.IndexByte(name, '_'); i > 0 {
			prefix = name[:i]
		} else {
			prefix = strings.TrimSuffix(name, ".up.sql")
		}
		version, err := strconv.ParseUint(prefix, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid migration file name %s: expected <version>_<title>.up.sql", name)
		}
		if other, dup := seen[version]; dup {
			return nil, fmt.Errorf("duplicate migration version %d: %s and %s", version, other, name)
		}
		seen[version] = name
		files = append(files, migrationFile{Version: version, Name: name, Path: filepath.Join(dir, name)})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Version < files[j].Version })
	return files, nil
}
