package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/xdevplatform/platformatic/internal/config"
	"github.com/xdevplatform/platformatic/internal/db"
	"github.com/xdevplatform/platformatic/internal/logging"
)

func createDBCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "db",
		Short: "Run and manage a database backed API server",
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to the configuration file (default: platformatic.db.json in the working directory)")

	cmd.AddCommand(createDBStartCmd(&configPath))
	cmd.AddCommand(createDBMigrateCmd(&configPath))
	cmd.AddCommand(createDBTypesCmd(&configPath))
	cmd.AddCommand(createDBSchemaCmd())
	cmd.AddCommand(createDBInitCmd())
	return cmd
}

func createDBStartCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the API server",
		Long: `Start an HTTP server exposing REST and GraphQL APIs for the configured
database. The server runs until interrupted (Ctrl+C).`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			logger := logging.New(os.Stdout, cfg.LogLevel)

			server, err := db.NewServer(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}

			sigChan := shutdownSignals()

			errChan := make(chan error, 1)
			go func() {
				if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errChan <- err
				}
			}()

			select {
			case sig := <-sigChan:
				color.Yellow("\n🛑 %s", shutdownMessage(sig))
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer shutdownCancel()

				if err := server.Stop(shutdownCtx); err != nil {
					return fmt.Errorf("failed to shut down server: %w", err)
				}
				color.Green("✅ Server stopped gracefully")
				return nil
			case err := <-errChan:
				return stopAfterFailure(err, server.Stop)
			}
		},
	}
}

// stopAfterFailure releases the server after Start failed, keeping both errors.
func stopAfterFailure(err error, stop func(context.Context) error) error {
	return errors.Join(err, stop(context.Background()))
}

func createDBMigrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			applied, err := db.Migrate(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			color.New(color.FgGreen).Fprintf(cmd.OutOrStdout(), "✅ %d migrations applied\n", applied)
			return nil
		},
	}
}

func createDBTypesCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "types",
		Short: "Generate Go types for the database entities",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			store, catalog, err := db.OpenStore(cmd.Context(), cfg, logging.NewConsole(cmd.ErrOrStderr()))
			if err != nil {
				return err
			}
			defer store.Close()

			path, err := db.GenerateTypes(catalog, cfg.Dir)
			if err != nil {
				return err
			}
			color.New(color.FgGreen).Fprintf(cmd.OutOrStdout(), "✅ Types written to %s\n", path)
			return nil
		},
	}
}

func createDBSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the JSON schema of the configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := cmd.OutOrStdout().Write(config.Schema())
			return err
		},
	}
}

func createDBInitCmd() *cobra.Command {
	var dir string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a configuration file, a .env file and a first migration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := config.Init(dir)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, skipped := range result.Skipped {
				color.New(color.FgYellow).Fprintf(out, "⚠️  %s already exists, skipping\n", skipped)
			}
			color.New(color.FgGreen).Fprintf(out, "✅ Project initialized in %s\n", filepath.Clean(dir))
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", ".", "Directory to initialize")
	return cmd
}
