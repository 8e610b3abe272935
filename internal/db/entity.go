// Package db serves a REST and GraphQL API generated from a database schema.
//
// Tables are mapped to entities (movies → Movie), columns to camelCase
// fields and foreign keys to relations. Records flow through a Store (SQLite or
// PostgreSQL), are filtered by the authorization
// rules of the configuration and exposed over chi routes, a graphql-go schema
// and an optional JavaScript plugin.
package db

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/iancoleman/strcase"
	"github.com/jinzhu/inflection"
)

// FieldType is the JSON type of an entity field.
type FieldType string

// Field types.
const (
	TypeInteger FieldType = "integer"
	TypeNumber  FieldType = "number"
	TypeString  FieldType = "string"
	TypeBoolean FieldType = "boolean"
)

// TableDef describes a table as read from the database catalog.
type TableDef struct {
	Name    string
	Columns []ColumnDef
}

// Column returns the column named name.
func (t *TableDef) Column(name string) (*ColumnDef, bool) {
	for i := range t.Columns {
		if strings.EqualFold(t.Columns[i].Name, name) {
			return &t.Columns[i], true
		}
	}
	return nil, false
}

// ColumnDef describes one column.
type ColumnDef struct {
	Name          string
	SQLType       string
	NotNull       bool
	PrimaryKey    bool
	AutoIncrement bool
	HasDefault    bool
	References    *ForeignKey
}

// ForeignKey points at the referenced table column.
type ForeignKey struct {
	Table  string
	Column string
}

// Field is an entity attribute backed by a column.
type Field struct {
	Name          string
	Column        string
	Type          FieldType
	SQLType       string
	Nullable      bool
	PrimaryKey    bool
	AutoIncrement bool
	HasDefault    bool
}

// Relation is a foreign key seen from the referencing entity: quote.movie.
type Relation struct {
	Name        string
	Field       string
	Target      string
	TargetField string
}

// ReverseRelation is a foreign key seen from the referenced entity: movie.quotes.
type ReverseRelation struct {
	Name        string
	Source      string
	SourceField string
}

// Entity maps one table.
type Entity struct {
	// Name is the exported type name, e.g. "Movie".
	Name string
	// Singular is the lowerCamel singular name, e.g. "movie".
	Singular string
	// Plural is the lowerCamel plural name used in routes, e.g. "movies".
	Plural string
	Table  string
	Fields []*Field

	PrimaryKey *Field
	Relations  []Relation
	Reverse    []ReverseRelation
}

// Field looks a field up by field name or column name.
func (e *Entity) Field(name string) (*Field, bool) {
	for _, f := range e.Fields {
		if f.Name == name {
			return f, true
		}
	}
	for _, f := range e.Fields {
		if strings.EqualFold(f.Column, name) {
			return f, true
		}
	}
	return nil, false
}

// FieldNames returns the field names in column order.
func (e *Entity) FieldNames() []string {
	names := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		names[i] = f.Name
	}
	return names
}

// PluralName returns the exported plural name, e.g. "Movies".
func (e *Entity) PluralName() string {
	return strcase.ToCamel(e.Plural)
}

// Catalog is the set of entities of a database.
type Catalog struct {
	Entities []*Entity
	// Skipped lists tables that could not be mapped (no primary key).
	Skipped []string

	byName  map[string]*Entity
	byTable map[string]*Entity
}

// NewCatalog maps tables to entities. Tables named in ignore are left out.
func NewCatalog(tables []TableDef, ignore map[string]bool) *Catalog {
	c := &Catalog{
		byName:  make(map[string]*Entity),
		byTable: make(map[string]*Entity),
	}

	sorted := append([]TableDef(nil), tables...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	for _, table := range sorted {
		if ignore[table.Name] {
			continue
		}
		e := newEntity(table)
		if e.PrimaryKey == nil {
			c.Skipped = append(c.Skipped, table.Name)
			continue
		}
		c.Entities = append(c.Entities, e)
		c.byName[strings.ToLower(e.Name)] = e
		c.byTable[strings.ToLower(e.Table)] = e
	}

	for _, table := range sorted {
		source, ok := c.byTable[strings.ToLower(table.Name)]
		if !ok {
			continue
		}
		for _, col := range table.Columns {
			if col.References == nil {
				continue
			}
			target, ok := c.byTable[strings.ToLower(col.References.Table)]
			if !ok {
				continue
			}
			field, _ := source.Field(col.Name)
			targetField := target.PrimaryKey
			if col.References.Column != "" {
				if f, ok := target.Field(col.References.Column); ok {
					targetField = f
				}
			}
			source.Relations = append(source.Relations, Relation{
				Name:        relationName(col.Name, target),
				Field:       field.Name,
				Target:      target.Name,
				TargetField: targetField.Name,
			})
			target.Reverse = append(target.Reverse, ReverseRelation{
				Name:        source.Plural,
				Source:      source.Name,
				SourceField: field.Name,
			})
		}
	}
	return c
}

// Entity finds an entity by type name, singular, plural or table name.
func (c *Catalog) Entity(name string) (*Entity, bool) {
	key := strings.ToLower(name)
	if e, ok := c.byName[key]; ok {
		return e, true
	}
	if e, ok := c.byTable[key]; ok {
		return e, true
	}
	for _, e := range c.Entities {
		if strings.EqualFold(e.Plural, name) || strings.EqualFold(e.Singular, name) {
			return e, true
		}
	}
	return nil, false
}

func newEntity(table TableDef) *Entity {
	singular := inflection.Singular(strings.ToLower(table.Name))
	e := &Entity{
		Name:     strcase.ToCamel(singular),
		Singular: strcase.ToLowerCamel(singular),
		Plural:   strcase.ToLowerCamel(inflection.Plural(singular)),
		Table:    table.Name,
	}
	for _, col := range table.Columns {
		f := &Field{
			Name:          strcase.ToLowerCamel(col.Name),
			Column:        col.Name,
			Type:          sqlFieldType(col.SQLType),
			SQLType:       col.SQLType,
			Nullable:      !col.NotNull && !col.PrimaryKey,
			PrimaryKey:    col.PrimaryKey,
			AutoIncrement: col.AutoIncrement,
			HasDefault:    col.HasDefault,
		}
		e.Fields = append(e.Fields, f)
		if f.PrimaryKey && e.PrimaryKey == nil {
			e.PrimaryKey = f
		}
	}
	return e
}

// relationName turns movie_id into movie; other columns get the target name.
func relationName(column string, target *Entity) string {
	lower := strings.ToLower(column)
	for _, suffix := range []string{"_id", "id"} {
		if strings.HasSuffix(lower, suffix) && len(lower) > len(suffix) {
			return strcase.ToLowerCamel(strings.TrimSuffix(column[:len(column)-len(suffix)], "_"))
		}
	}
	return strcase.ToLowerCamel(column) + target.Name
}

// sqlFieldType maps declared SQL type names to field types.
func sqlFieldType(sqlType string) FieldType {
	t := strings.ToLower(strings.TrimSpace(sqlType))
	if i := strings.IndexByte(t, '('); i >= 0 {
		t = strings.TrimSpace(t[:i])
	}
	switch t {
	case "int", "integer", "int2", "int4", "int8", "smallint", "bigint", "serial", "bigserial", "smallserial", "tinyint", "mediumint":
		return TypeInteger
	case "real", "float", "float4", "float8", "double", "double precision", "numeric", "decimal":
		return TypeNumber
	case "bool", "boolean":
		return TypeBoolean
	default:
		return TypeString
	}
}

// Record is an entity row keyed by field name.
type Record map[string]interface{}

// Coerce converts a decoded JSON, GraphQL or query string value to the Go
// representation of the field type: int64, float64, string or bool.
func (f *Field) Coerce(v interface{}) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	switch f.Type {
	case TypeInteger:
		return coerceInteger(f.Name, v)
	case TypeNumber:
		return coerceNumber(f.Name, v)
	case TypeBoolean:
		switch b := v.(type) {
		case bool:
			return b, nil
		case string:
			parsed, err := strconv.ParseBool(b)
			if err != nil {
				return nil, invalidValue(f.Name, v)
			}
			return parsed, nil
		}
		return nil, invalidValue(f.Name, v)
	default:
		switch s := v.(type) {
		case string:
			return s, nil
		case json.Number:
			return s.String(), nil
		case int, int32, int64, float64, bool:
			return fmt.Sprint(s), nil
		}
		return nil, invalidValue(f.Name, v)
	}
}

func coerceInteger(name string, v interface{}) (interface{}, error) {
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int64:
		return n, nil
	case float64:
		if n != math.Trunc(n) {
			return nil, invalidValue(name, v)
		}
		return int64(n), nil
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return nil, invalidValue(name, v)
		}
		return i, nil
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64)
		if err != nil {
			return nil, invalidValue(name, v)
		}
		return i, nil
	}
	return nil, invalidValue(name, v)
}

func coerceNumber(name string, v interface{}) (interface{}, error) {
	switch n := v.(type) {
	case int:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case float32:
		return float64(n), nil
	case float64:
		return n, nil
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return nil, invalidValue(name, v)
		}
		return f, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return nil, invalidValue(name, v)
		}
		return f, nil
	}
	return nil, invalidValue(name, v)
}

func invalidValue(field string, v interface{}) error {
	return &ValidationError{Message: fmt.Sprintf("invalid value %v for field %s", v, field)}
}

// CoerceInput validates an input object against the entity and converts its
// values. Unknown fields are rejected.
func (e *Entity) CoerceInput(input map[string]interface{}) (Record, error) {
	rec := make(Record, len(input))
	for name, v := range input {
		f, ok := e.Field(name)
		if !ok {
			return nil, &ValidationError{Message: fmt.Sprintf("unknown field %s for entity %s", name, e.Name)}
		}
		coerced, err := f.Coerce(v)
		if err != nil {
			return nil, err
		}
		rec[f.Name] = coerced
	}
	return rec, nil
}

// Project keeps only the given fields. A nil list keeps everything.
func (r Record) Project(fields []string) Record {
	if fields == nil {
		return r
	}
	out := make(Record, len(fields))
	for _, f := range fields {
		if v, ok := r[f]; ok {
			out[f] = v
		}
	}
	return out
}

// toColumns re-keys a record by column name.
func (e *Entity) toColumns(rec Record) map[string]interface{} {
	row := make(map[string]interface{}, len(rec))
	for name, v := range rec {
		if f, ok := e.Field(name); ok {
			row[f.Column] = v
		}
	}
	return row
}

// fromColumns re-keys a row by field name, normalizing driver values.
func (e *Entity) fromColumns(row map[string]interface{}) Record {
	rec := make(Record, len(e.Fields))
	for _, f := range e.Fields {
		v, ok := row[f.Column]
		if !ok {
			continue
		}
		rec[f.Name] = normalizeValue(f, v)
	}
	return rec
}
