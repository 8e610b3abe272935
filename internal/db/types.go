package db

import (
	"bytes"
	"fmt"
	"go/format"
	"os"
	"path/filepath"

	"github.com/iancoleman/strcase"
)

// TypesFile is where GenerateTypes writes, relative to the project directory.
const TypesFile = "types/types.go"

type sourceBuffer struct {
	bytes.Buffer
}

func (b *sourceBuffer) line(format string, args ...interface{}) {
	fmt.Fprintf(b, format, args...)
	b.WriteByte('\n')
}

// TypesSource renders package types with one struct per entity.
func TypesSource(catalog *Catalog) ([]byte, error) {
	var buf sourceBuffer
	buf.line("// Code generated by platformatic db types. DO NOT EDIT.")
	buf.line("")
	buf.line("// Package types holds the entity types of the database.")
	buf.line("package types")
	for _, e := range catalog.Entities {
		buf.line("")
		buf.line("// %s is a row of the %s table.", e.Name, e.Table)
		buf.line("type %s struct {", e.Name)
		for _, f := range e.Fields {
			buf.line("\t%s %s `json:\"%s,omitempty\"`", goFieldName(f.Name), goFieldType(f), f.Name)
		}
		buf.line("}")
	}
	return format.Source(buf.Bytes())
}

// GenerateTypes writes the entity types below dir and returns the file path.
func GenerateTypes(catalog *Catalog, dir string) (string, error) {
	src, err := TypesSource(catalog)
	if err != nil {
		return "", fmt.Errorf("failed to format entity types: %w", err)
	}
	target := filepath.Join(dir, filepath.FromSlash(TypesFile))
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", fmt.Errorf("failed to create types directory: %w", err)
	}
	if err := os.WriteFile(target, src, 0o644); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", target, err)
	}
	return target, nil
}

// goFieldName exports a field name; a trailing Id becomes ID.
func goFieldName(name string) string {
	n := strcase.ToCamel(name)
	if n == "Id" {
		return "ID"
	}
	if len(n) > 2 && n[len(n)-2:] == "Id" {
		return n[:len(n)-2] + "ID"
	}
	return n
}

func goFieldType(f *Field) string {
	var t string
	switch f.Type {
	case TypeInteger:
		t = "int64"
	case TypeNumber:
		t = "float64"
	case TypeBoolean:
		t = "bool"
	default:
		t = "string"
	}
	if f.Nullable {
		return "*" + t
	}
	return t
}
