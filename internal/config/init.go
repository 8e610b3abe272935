package config

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

//go:embed templates/*
var templates embed.FS

// InitResult lists the files written by Init.
type InitResult struct {
	ConfigPath    string
	EnvPath       string
	MigrationsDir string
	Skipped       []string
}

// Init scaffolds a new project in dir: a default config, a .env file and a
// first migration. Existing files are never overwritten.
func Init(dir string) (*InitResult, error) {
	if err := os.MkdirAll(filepath.Join(dir, "migrations"), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create migrations directory: %w", err)
	}

	result := &InitResult{
		ConfigPath:    filepath.Join(dir, "platformatic.db.json"),
		EnvPath:       filepath.Join(dir, ".env"),
		MigrationsDir: filepath.Join(dir, "migrations"),
	}

	files := []struct {
		template string
		target   string
	}{
		{"templates/platformatic.db.json", result.ConfigPath},
		{"templates/env.tmpl", result.EnvPath},
		{"templates/001_create_movies.up.sql", filepath.Join(result.MigrationsDir, "001_create_movies.up.sql")},
	}

	for _, f := range files {
		written, err := writeTemplate(f.template, f.target)
		if err != nil {
			return nil, err
		}
		if !written {
			result.Skipped = append(result.Skipped, f.target)
		}
	}
	return result, nil
}

func writeTemplate(name, target string) (bool, error) {
	if _, err := os.Stat(target); err == nil {
		return false, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return false, fmt.Errorf("failed to stat %s: %w", target, err)
	}

	data, err := templates.ReadFile(name)
	if err != nil {
		return false, fmt.Errorf("failed to read template %s: %w", name, err)
	}
	if err := os.WriteFile(target, data, 0o644); err != nil {
		return false, fmt.Errorf("failed to write %s: %w", target, err)
	}
	return true, nil
}
