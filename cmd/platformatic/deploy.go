package main

import (
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/xdevplatform/platformatic/internal/deploy"
	"github.com/xdevplatform/platformatic/internal/deployclient"
	"github.com/xdevplatform/platformatic/internal/logging"
)

// newDeployer and newPrompter are replaced in tests.
var (
	newDeployer = func() deploy.Deployer { return deployclient.New() }
	newPrompter = func() deploy.Prompter { return deploy.SurveyPrompter{} }
)

func createDeployCmd() *cobra.Command {
	var opts deploy.Options

	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Deploy the project to a workspace",
		Long: `Bundle the project and deploy it to a static or dynamic workspace.
Missing workspace settings are asked for interactively.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := &deploy.Command{
				Prompter: newPrompter(),
				Deployer: newDeployer(),
				Logger:   logging.NewConsole(cmd.ErrOrStderr()),
			}
			deployment, err := c.Run(cmd.Context(), opts)
			if err != nil {
				return err
			}
			color.New(color.FgGreen).Fprintf(cmd.OutOrStdout(), "✅ Application deployed: %s\n", deployment.EntryPointURL)
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.Config, "config", "c", "", "Path to the configuration file")
	flags.StringVarP(&opts.Type, "type", "t", "", "Workspace type (static or dynamic)")
	flags.StringVarP(&opts.Env, "env", "e", "", "Path to the env file (default .env)")
	flags.StringVarP(&opts.Secrets, "secrets", "s", "", "Path to the secrets file (default .secrets.env)")
	flags.StringVar(&opts.Label, "label", "", "Deploy label of dynamic workspaces")
	flags.StringVar(&opts.WorkspaceID, "workspace-id", "", "Workspace id")
	flags.StringVar(&opts.WorkspaceKey, "workspace-key", "", "Workspace key")
	flags.StringVar(&opts.DeployServiceHost, "deploy-service-host", deploy.DefaultDeployServiceHost, "Deploy service URL")

	return cmd
}
