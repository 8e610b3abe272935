package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// SchemaID is the canonical identifier of the DB server configuration schema.
const SchemaID = "https://schemas.platformatic.dev/db"

//go:embed schema.json
var schemaJSON []byte

var (
	compileOnce    sync.Once
	compiledSchema *jsonschema.Schema
	compileErr     error
)

// Schema returns the raw JSON schema describing the DB server configuration.
func Schema() []byte {
	out := make([]byte, len(schemaJSON))
	copy(out, schemaJSON)
	return out
}

func compiled() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		compiler.Draft = jsonschema.Draft2020
		if err := compiler.AddResource(SchemaID, bytes.NewReader(schemaJSON)); err != nil {
			compileErr = fmt.Errorf("failed to load config schema: %w", err)
			return
		}
		compiledSchema, compileErr = compiler.Compile(SchemaID)
		if compileErr != nil {
			compileErr = fmt.Errorf("failed to compile config schema: %w", compileErr)
		}
	})
	return compiledSchema, compileErr
}

// ValidationError lists every schema violation found in a configuration document.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid configuration:\n  " + strings.Join(e.Problems, "\n  ")
}

// Validate checks a decoded JSON document (maps, slices, float64, string, bool)
// against the configuration schema.
func Validate(doc interface{}) error {
	schema, err := compiled()
	if err != nil {
		return err
	}
	err = schema.Validate(doc)
	if err == nil {
		return nil
	}

	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return fmt.Errorf("failed to validate config: %w", err)
	}

	problems := collectProblems(verr)
	if len(problems) == 0 {
		problems = []string{verr.Error()}
	}
	return &ValidationError{Problems: problems}
}

// collectProblems flattens the leaves of a validation error tree.
func collectProblems(verr *jsonschema.ValidationError) []string {
	seen := make(map[string]bool)
	var problems []string
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			location := e.InstanceLocation
			if location == "" {
				location = "/"
			}
			msg := fmt.Sprintf("%s: %s", location, e.Message)
			if !seen[msg] {
				seen[msg] = true
				problems = append(problems, msg)
			}
			return
		}
		for _, cause := range e.Causes {
			walk(cause)
		}
	}
	walk(verr)
	sort.Strings(problems)
	return problems
}
