// Package deployclient uploads a project to the deploy service and starts a
// deployment of it.
//
// A deployment is three calls: register a bundle (the service answers whether
// a bundle with the same checksum already exists), upload the tarball when it
// does not, then create the deployment with the env variables and secrets read
// from the project's env files.
package deployclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/xdevplatform/platformatic/internal/config"
)

// Header names understood by the deploy service.
const (
	HeaderWorkspaceID = "x-platformatic-workspace-id"
	HeaderAPIKey      = "x-platformatic-api-key"
)

// AppType is reported to the deploy service for every bundle.
const AppType = "db"

// Request describes one deployment.
type Request struct {
	DeployServiceHost string
	WorkspaceID       string
	WorkspaceKey      string
	PathToProject     string
	PathToConfig      string
	PathToEnvFile     string
	PathToSecretsFile string
	Secrets           map[string]string
	Variables         map[string]string
	Label             string
	Logger            *zerolog.Logger
}

// Deployment is the result of a successful deploy.
type Deployment struct {
	BundleID      string
	EntryPointURL string
}

// Client talks to the deploy service.
type Client struct {
	HTTPClient *http.Client
}

// New creates a client with a bounded HTTP timeout.
func New() *Client {
	return &Client{
		HTTPClient: &http.Client{Timeout: 5 * time.Minute},
	}
}

// Deploy runs a deployment with a default client.
func Deploy(ctx context.Context, req Request) (*Deployment, error) {
	return New().Deploy(ctx, req)
}

type bundleRequest struct {
	Bundle bundleInfo `json:"bundle"`
}

type bundleInfo struct {
	AppType    string `json:"appType"`
	ConfigPath string `json:"configPath"`
	Checksum   string `json:"checksum"`
	Size       int    `json:"size"`
}

type bundleResponse struct {
	ID               string `json:"id"`
	Token            string `json:"token"`
	IsBundleUploaded bool   `json:"isBundleUploaded"`
}

type deploymentRequest struct {
	BundleID  string            `json:"bundleId"`
	Label     string            `json:"label,omitempty"`
	Variables map[string]string `json:"variables"`
	Secrets   map[string]string `json:"secrets"`
}

type deploymentResponse struct {
	EntryPointURL string `json:"entryPointUrl"`
}

// Deploy bundles req.PathToProject and deploys it.
func (c *Client) Deploy(ctx context.Context, req Request) (*Deployment, error) {
	logger := zerolog.Nop()
	if req.Logger != nil {
		logger = *req.Logger
	}
	if req.DeployServiceHost == "" {
		return nil, errors.New("deploy service host is required")
	}
	host := strings.TrimSuffix(req.DeployServiceHost, "/")

	configPath, err := resolveConfigPath(req.PathToProject, req.PathToConfig)
	if err != nil {
		return nil, err
	}

	variables, err := readEnvFile(req.PathToProject, req.PathToEnvFile)
	if err != nil {
		return nil, err
	}
	for k, v := range req.Variables {
		variables[k] = v
	}

	secrets, err := readEnvFile(req.PathToProject, req.PathToSecretsFile)
	if err != nil {
		return nil, err
	}
	for k, v := range req.Secrets {
		secrets[k] = v
	}

	logger.Info().Str("project", req.PathToProject).Msg("Creating bundle")
	bundle, err := CreateBundle(req.PathToProject, relativeTo(req.PathToProject, req.PathToEnvFile), relativeTo(req.PathToProject, req.PathToSecretsFile))
	if err != nil {
		return nil, err
	}
	logger.Debug().Int("files", bundle.Files).Int("size", bundle.Size()).Str("checksum", bundle.Checksum).Msg("Bundle created")

	var created bundleResponse
	err = c.doJSON(ctx, http.MethodPost, host+"/bundles", workspaceHeaders(req), bundleRequest{
		Bundle: bundleInfo{
			AppType:    AppType,
			ConfigPath: filepath.ToSlash(configPath),
			Checksum:   bundle.Checksum,
			Size:       bundle.Size(),
		},
	}, &created)
	if err != nil {
		return nil, fmt.Errorf("failed to create bundle: %w", err)
	}

	if created.IsBundleUploaded {
		logger.Info().Msg("Bundle has already been uploaded")
	} else {
		logger.Info().Msg("Uploading bundle")
		if err := c.upload(ctx, host+"/upload", created.Token, bundle.Data); err != nil {
			return nil, fmt.Errorf("failed to upload bundle: %w", err)
		}
	}

	var deployed deploymentResponse
	err = c.doJSON(ctx, http.MethodPost, host+"/deployments", workspaceHeaders(req), deploymentRequest{
		BundleID:  created.ID,
		Label:     req.Label,
		Variables: variables,
		Secrets:   secrets,
	}, &deployed)
	if err != nil {
		return nil, fmt.Errorf("failed to create deployment: %w", err)
	}

	logger.Info().Str("url", deployed.EntryPointURL).Msgf("Application has been successfully deployed to %s", deployed.EntryPointURL)
	return &Deployment{BundleID: created.ID, EntryPointURL: deployed.EntryPointURL}, nil
}

func workspaceHeaders(req Request) http.Header {
	h := http.Header{}
	h.Set(HeaderWorkspaceID, req.WorkspaceID)
	h.Set(HeaderAPIKey, req.WorkspaceKey)
	return h
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func (c *Client) doJSON(ctx context.Context, method, url string, headers http.Header, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	for k, v := range headers {
		req.Header[k] = v
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (c *Client) upload(ctx context.Context, url, token string, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/x-tar")
	req.Header.Set("Content-Encoding", "gzip")
	req.ContentLength = int64(len(data))

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return nil
}

// StatusError is returned when the deploy service answers with a non 2xx status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("deploy service responded with status %d", e.StatusCode)
	}
	return fmt.Sprintf("deploy service responded with status %d: %s", e.StatusCode, e.Body)
}

// resolveConfigPath returns the config path relative to the project, looking
// for a default file name when none is given.
func resolveConfigPath(projectDir, configPath string) (string, error) {
	if configPath == "" {
		found, err := config.FindConfigFile(projectDir)
		if err != nil {
			return "", err
		}
		return filepath.Rel(projectDir, found)
	}
	abs := configPath
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(projectDir, configPath)
	}
	if _, err := os.Stat(abs); err != nil {
		return "", fmt.Errorf("failed to find config file %s: %w", abs, err)
	}
	return filepath.Rel(projectDir, abs)
}

// readEnvFile parses an optional env file; a missing file yields an empty map.
func readEnvFile(projectDir, path string) (map[string]string, error) {
	values := make(map[string]string)
	if path == "" {
		return values, nil
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(projectDir, path)
	}
	parsed, err := godotenv.Read(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return values, nil
		}
		return nil, fmt.Errorf("failed to read env file %s: %w", path, err)
	}
	for k, v := range parsed {
		values[k] = v
	}
	return values, nil
}

func relativeTo(projectDir, path string) string {
	if path == "" || !filepath.IsAbs(path) {
		return path
	}
	rel, err := filepath.Rel(projectDir, path)
	if err != nil {
		return ""
	}
	return rel
}
