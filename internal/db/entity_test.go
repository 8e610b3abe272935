package db

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testTables is a movies/quotes schema shared by the package tests.
func testTables() []TableDef {
	return []TableDef{
		{
			Name: "quotes",
			Columns: []ColumnDef{
				{Name: "id", SQLType: "SERIAL", PrimaryKey: true, NotNull: true, AutoIncrement: true, HasDefault: true},
				{Name: "quote", SQLType: "TEXT", NotNull: true},
				{Name: "movie_id", SQLType: "INTEGER", References: &ForeignKey{Table: "movies", Column: "id"}},
			},
		},
		{
			Name: "movies",
			Columns: []ColumnDef{
				{Name: "id", SQLType: "INTEGER", PrimaryKey: true, NotNull: true},
				{Name: "title", SQLType: "VARCHAR(255)", NotNull: true},
				{Name: "rating", SQLType: "NUMERIC"},
				{Name: "is_classic", SQLType: "BOOLEAN"},
			},
		},
		{
			Name:    "audit_log",
			Columns: []ColumnDef{{Name: "message", SQLType: "TEXT"}},
		},
	}
}

func TestNewCatalogMapsTables(t *testing.T) {
	c := NewCatalog(testTables(), nil)

	require.Len(t, c.Entities, 2)
	assert.Equal(t, []string{"audit_log"}, c.Skipped)

	movie, ok := c.Entity("movie")
	require.True(t, ok)
	assert.Equal(t, "Movie", movie.Name)
	assert.Equal(t, "movies", movie.Plural)
	assert.Equal(t, "Movies", movie.PluralName())
	assert.Equal(t, []string{"id", "title", "rating", "isClassic"}, movie.FieldNames())
	assert.Equal(t, "id", movie.PrimaryKey.Name)

	rating, _ := movie.Field("rating")
	assert.Equal(t, TypeNumber, rating.Type)
	assert.True(t, rating.Nullable)
	classic, ok := movie.Field("is_classic")
	require.True(t, ok, "fields are found by column name too")
	assert.Equal(t, TypeBoolean, classic.Type)

	quote, ok := c.Entity("quotes")
	require.True(t, ok)
	require.Len(t, quote.Relations, 1)
	assert.Equal(t, Relation{Name: "movie", Field: "movieId", Target: "Movie", TargetField: "id"}, quote.Relations[0])
	require.Len(t, movie.Reverse, 1)
	assert.Equal(t, ReverseRelation{Name: "quotes", Source: "Quote", SourceField: "movieId"}, movie.Reverse[0])
}

func TestNewCatalogIgnoresTables(t *testing.T) {
	c := NewCatalog(testTables(), map[string]bool{"quotes": true})
	require.Len(t, c.Entities, 1)
	_, ok := c.Entity("quote")
	assert.False(t, ok)
	movie, _ := c.Entity("Movie")
	assert.Empty(t, movie.Reverse)
}

func TestSQLFieldType(t *testing.T) {
	tests := []struct {
		sqlType string
		want    FieldType
	}{
		{"INTEGER", TypeInteger},
		{"bigserial", TypeInteger},
		{"int8", TypeInteger},
		{"double precision", TypeNumber},
		{"NUMERIC(10,2)", TypeNumber},
		{"boolean", TypeBoolean},
		{"VARCHAR(42)", TypeString},
		{"timestamp with time zone", TypeString},
		{"uuid", TypeString},
	}
	for _, tt := range tests {
		t.Run(tt.sqlType, func(t *testing.T) {
			assert.Equal(t, tt.want, sqlFieldType(tt.sqlType))
		})
	}
}

func TestFieldCoerce(t *testing.T) {
	intField := &Field{Name: "id", Type: TypeInteger}
	numField := &Field{Name: "rating", Type: TypeNumber}
	boolField := &Field{Name: "ok", Type: TypeBoolean}
	strField := &Field{Name: "title", Type: TypeString}

	tests := []struct {
		name    string
		field   *Field
		in      interface{}
		want    interface{}
		wantErr bool
	}{
		{name: "int from string", field: intField, in: "42", want: int64(42)},
		{name: "int from json number", field: intField, in: json.Number("7"), want: int64(7)},
		{name: "int from whole float", field: intField, in: 3.0, want: int64(3)},
		{name: "int rejects fraction", field: intField, in: 3.5, wantErr: true},
		{name: "int rejects text", field: intField, in: "abc", wantErr: true},
		{name: "number from int", field: numField, in: 2, want: 2.0},
		{name: "number from string", field: numField, in: "1.5", want: 1.5},
		{name: "bool from string", field: boolField, in: "true", want: true},
		{name: "bool rejects number", field: boolField, in: 1, wantErr: true},
		{name: "string from number", field: strField, in: json.Number("12"), want: "12"},
		{name: "nil stays nil", field: intField, in: nil, want: nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.field.Coerce(tt.in)
			if tt.wantErr {
				var verr *ValidationError
				assert.ErrorAs(t, err, &verr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCoerceInputRejectsUnknownFields(t *testing.T) {
	movie, _ := NewCatalog(testTables(), nil).Entity("movie")

	rec, err := movie.CoerceInput(map[string]interface{}{"title": "Jaws", "is_classic": "true"})
	require.NoError(t, err)
	assert.Equal(t, Record{"title": "Jaws", "isClassic": true}, rec)

	_, err = movie.CoerceInput(map[string]interface{}{"director": "Spielberg"})
	assert.Equal(t, http.StatusBadRequest, StatusCode(err))
}

func TestRecordProject(t *testing.T) {
	rec := Record{"id": int64(1), "title": "Jaws"}
	assert.Equal(t, rec, rec.Project(nil))
	assert.Equal(t, Record{"title": "Jaws"}, rec.Project([]string{"title", "missing"}))
	assert.Equal(t, Record{}, rec.Project([]string{}))
}
