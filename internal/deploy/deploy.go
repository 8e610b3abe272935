// Package deploy implements the `platformatic deploy` command: it collects the
// workspace credentials (from flags or interactive prompts), validates them and
// hands the project over to the deploy client.
package deploy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/rs/zerolog"

	"github.com/xdevplatform/platformatic/internal/deployclient"
)

// DefaultDeployServiceHost receives deployments when --deploy-service-host is not set.
const DefaultDeployServiceHost = "https://plt-development-deploy-service.fly.dev"

// Default file names of the env and secrets files.
const (
	DefaultEnvFile     = ".env"
	DefaultSecretsFile = ".secrets.env"
	DefaultLabel       = "cli:deploy-1"
)

// Workspace types.
const (
	WorkspaceStatic  = "static"
	WorkspaceDynamic = "dynamic"
)

// WorkspaceTypes lists the accepted --type values.
var WorkspaceTypes = []string{WorkspaceStatic, WorkspaceDynamic}

var uuidPattern = regexp.MustCompile(`(?i)^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)

// Options are the raw command line values. Empty strings mean "not given".
type Options struct {
	Config            string
	Type              string
	Env               string
	Secrets           string
	Label             string
	WorkspaceID       string
	WorkspaceKey      string
	DeployServiceHost string
}

// Deployer performs the actual deployment.
type Deployer interface {
	Deploy(ctx context.Context, req deployclient.Request) (*deployclient.Deployment, error)
}

// ExitError asks the caller to terminate the process with Code.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// Command wires the deploy flow to its collaborators.
type Command struct {
	Prompter Prompter
	Deployer Deployer
	Logger   zerolog.Logger
	// Getwd defaults to os.Getwd.
	Getwd func() (string, error)
}

// Run resolves every missing option and deploys the project.
func (c *Command) Run(ctx context.Context, opts Options) (*deployclient.Deployment, error) {
	workspaceType := opts.Type
	if workspaceType == "" {
		answer, err := c.Prompter.Select("Select workspace type:", WorkspaceTypes)
		if err != nil {
			return nil, fmt.Errorf("failed to read workspace type: %w", err)
		}
		workspaceType = answer
	}

	if !IsWorkspaceType(workspaceType) {
		return nil, c.fail(fmt.Sprintf("Invalid workspace type provided: %q. Type must be one of: %s.",
			workspaceType, strings.Join(WorkspaceTypes, ", ")))
	}

	workspaceID := opts.WorkspaceID
	if workspaceID == "" {
		answer, err := c.Prompter.Input("Enter workspace id:", "")
		if err != nil {
			return nil, fmt.Errorf("failed to read workspace id: %w", err)
		}
		workspaceID = answer
	}

	if !IsWorkspaceID(workspaceID) {
		return nil, c.fail("Invalid workspace id provided. Workspace id must be a valid uuid.")
	}

	workspaceKey := opts.WorkspaceKey
	if workspaceKey == "" {
		answer, err := c.Prompter.Password("Enter workspace key:")
		if err != nil {
			return nil, fmt.Errorf("failed to read workspace key: %w", err)
		}
		workspaceKey = answer
	}

	label := opts.Label
	if workspaceType == WorkspaceDynamic && label == "" {
		answer, err := c.Prompter.Input("Enter deploy label:", DefaultLabel)
		if err != nil {
			return nil, fmt.Errorf("failed to read deploy label: %w", err)
		}
		label = answer
	}

	getwd := c.Getwd
	if getwd == nil {
		getwd = os.Getwd
	}
	cwd, err := getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to get working directory: %w", err)
	}
	pathToProject, pathToConfig := ResolvePaths(cwd, opts.Config)

	pathToEnvFile := opts.Env
	if pathToEnvFile == "" {
		pathToEnvFile = DefaultEnvFile
	}
	pathToSecretsFile := opts.Secrets
	if pathToSecretsFile == "" {
		pathToSecretsFile = DefaultSecretsFile
	}
	deployServiceHost := opts.DeployServiceHost
	if deployServiceHost == "" {
		deployServiceHost = DefaultDeployServiceHost
	}

	logger := c.Logger
	return c.Deployer.Deploy(ctx, deployclient.Request{
		DeployServiceHost: deployServiceHost,
		WorkspaceID:       workspaceID,
		WorkspaceKey:      workspaceKey,
		PathToProject:     pathToProject,
		PathToConfig:      pathToConfig,
		PathToEnvFile:     pathToEnvFile,
		PathToSecretsFile: pathToSecretsFile,
		Secrets:           map[string]string{},
		Variables:         map[string]string{},
		Label:             label,
		Logger:            &logger,
	})
}

// fail logs msg and returns an ExitError with status 1.
func (c *Command) fail(msg string) error {
	c.Logger.Error().Msg(msg)
	return &ExitError{Code: 1, Err: fmt.Errorf("%s", msg)}
}

// ResolvePaths returns the project directory and the config path to deploy.
// An absolute config path moves the project to the config's directory and
// becomes relative to it; anything else keeps cwd as the project.
func ResolvePaths(cwd, configPath string) (pathToProject, pathToConfig string) {
	pathToProject = cwd
	pathToConfig = configPath
	if configPath != "" && filepath.IsAbs(configPath) {
		pathToProject = filepath.Dir(configPath)
		if rel, err := filepath.Rel(pathToProject, configPath); err == nil {
			pathToConfig = rel
		}
	}
	return pathToProject, pathToConfig
}

// IsWorkspaceType reports whether t is an accepted workspace type.
func IsWorkspaceType(t string) bool {
	for _, candidate := range WorkspaceTypes {
		if t == candidate {
			return true
		}
	}
	return false
}

// IsWorkspaceID reports whether id looks like a UUID.
func IsWorkspaceID(id string) bool {
	return uuidPattern.MatchString(id)
}
