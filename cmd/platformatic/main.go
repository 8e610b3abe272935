package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/xdevplatform/platformatic/internal/deploy"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		var exitErr *deploy.ExitError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.Code)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "platformatic",
		Short: "Platformatic - database backed API servers, clients and deployments",
		Long: `Platformatic runs HTTP services backed by a database, generates typed
clients for them and deploys them.

The CLI provides:
  - db: REST and GraphQL APIs generated from the database schema
  - client: Go client packages generated from OpenAPI or GraphQL schemas
  - deploy: upload a project to the deploy service`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(createDeployCmd())
	rootCmd.AddCommand(createDBCmd())
	rootCmd.AddCommand(createClientCmd())
	return rootCmd
}
