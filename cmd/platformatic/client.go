package main

import (
	"errors"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/xdevplatform/platformatic/internal/client"
	"github.com/xdevplatform/platformatic/internal/logging"
)

func createClientCmd() *cobra.Command {
	var name string
	var folder string

	cmd := &cobra.Command{
		Use:   "client <url>",
		Short: "Generate a Go client for a running server",
		Long: `Generate a Go client package from the OpenAPI document or the GraphQL
schema of a running server. URLs ending in /graphql use GraphQL introspection,
any other URL is read as an OpenAPI document (default /documentation/json).`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" {
				return errors.New("--name is required")
			}
			res, err := client.Generate(cmd.Context(), client.Options{
				URL:    args[0],
				Name:   name,
				Dir:    folder,
				Logger: logging.NewConsole(cmd.ErrOrStderr()),
			})
			if err != nil {
				return err
			}
			out := color.New(color.FgGreen)
			out.Fprintf(cmd.OutOrStdout(), "✅ %s client %q generated in %s\n", res.Kind, res.Package, res.Dir)
			return nil
		},
	}

	cmd.Flags().StringVarP(&name, "name", "n", "", "Name of the client package and folder")
	cmd.Flags().StringVarP(&folder, "folder", "f", ".", "Parent folder of the generated package")
	return cmd
}
