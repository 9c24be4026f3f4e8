// Package client is a Go client for the mpkd HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cordum/mpk/core/mpk/mpkerr"
)

const defaultPollInterval = 200 * time.Millisecond

// Client is a minimal HTTP client for the package gateway.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// New returns a client with a default HTTP timeout.
func New(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: baseURL,
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: 5 * time.Minute,
		},
	}
}

// Package mirrors an installed package record.
type Package struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Version     string    `json:"version"`
	VersionCode int64     `json:"version_code,omitempty"`
	CodeType    string    `json:"code_type"`
	EntryPoint  string    `json:"entry_point"`
	Permissions []string  `json:"permissions,omitempty"`
	SizeBytes   int64     `json:"size_bytes"`
	InstallTime time.Time `json:"install_time"`
	UpdateTime  time.Time `json:"update_time"`
	InstallDir  string    `json:"install_dir"`
	Digest      string    `json:"digest,omitempty"`
}

// Manifest mirrors manifest.json.
type Manifest struct {
	ID                 string   `json:"id"`
	Name               string   `json:"name"`
	Version            string   `json:"version"`
	VersionCode        int      `json:"version_code,omitempty"`
	Description        string   `json:"description,omitempty"`
	Author             string   `json:"author,omitempty"`
	Platform           string   `json:"platform,omitempty"`
	MinPlatformVersion string   `json:"min_platform_version,omitempty"`
	CodeType           string   `json:"code_type"`
	EntryPoint         string   `json:"entry_point"`
	Permissions        []string `json:"permissions,omitempty"`
	Icon               string   `json:"icon,omitempty"`
}

// PackageInfo is the result of parsing an archive.
type PackageInfo struct {
	Manifest  Manifest `json:"manifest"`
	Files     []string `json:"files"`
	Signature string   `json:"signature,omitempty"`
	Digest    string   `json:"digest"`
	Verified  bool     `json:"verified"`
}

// Operation mirrors the server-side operation record.
type Operation struct {
	ID         string    `json:"id"`
	Kind       string    `json:"kind"`
	PackageID  string    `json:"package_id,omitempty"`
	State      string    `json:"state"`
	Code       string    `json:"code,omitempty"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	UpdatedAt  time.Time `json:"updated_at"`
	FinishedAt time.Time `json:"finished_at,omitzero"`
}

// Terminal reports whether the operation has finished.
func (o *Operation) Terminal() bool {
	switch o.State {
	case "REGISTERED", "SUCCEEDED", "SKIPPED", "FAILED":
		return true
	}
	return false
}

// Err converts a failed operation into an *APIError.
func (o *Operation) Err() error {
	if o.State != "FAILED" {
		return nil
	}
	return &APIError{Code: o.Code, Message: o.Error}
}

// InstallOptions tunes InstallFile.
type InstallOptions struct {
	// Update installs only when the archive is newer than the installed version.
	Update bool
	// Async returns as soon as the server accepted the archive.
	Async bool
}

// InstallResult is the gateway reply to an install.
type InstallResult struct {
	OperationID string   `json:"operation_id"`
	Package     *Package `json:"package,omitempty"`
	Updated     bool     `json:"updated"`
}

// APIError is a non-2xx gateway reply. It matches the mpkerr kind named by
// Code, so errors.Is(err, mpkerr.ErrNotInstalled) works on the client side.
type APIError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"error"`
}

func (e *APIError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("unexpected status %d (%s): %s", e.StatusCode, e.Code, e.Message)
}

var kindByCode = map[string]error{
	"invalid_archive":     mpkerr.ErrInvalidArchive,
	"manifest_validation": mpkerr.ErrManifestValidation,
	"path_traversal":      mpkerr.ErrPathTraversal,
	"io":                  mpkerr.ErrIO,
	"integrity":           mpkerr.ErrIntegrity,
	"conflict":            mpkerr.ErrConflict,
	"not_installed":       mpkerr.ErrNotInstalled,
	"invalid_version":     mpkerr.ErrInvalidVersion,
}

// Unwrap returns the mpkerr kind for Code, if any.
func (e *APIError) Unwrap() error {
	return kindByCode[e.Code]
}

// Health pings /health.
func (c *Client) Health(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodGet, "/health", nil, nil)
}

// ListPackages returns the installed packages.
func (c *Client) ListPackages(ctx context.Context) ([]Package, error) {
	var resp struct {
		Items []Package `json:"items"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/packages", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Items, nil
}

// GetPackage returns one installed package.
func (c *Client) GetPackage(ctx context.Context, id string) (*Package, error) {
	if id == "" {
		return nil, fmt.Errorf("package id required")
	}
	var pkg Package
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/packages/"+url.PathEscape(id), nil, &pkg); err != nil {
		return nil, err
	}
	return &pkg, nil
}

// Uninstall removes an installed package.
func (c *Client) Uninstall(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("package id required")
	}
	return c.doJSON(ctx, http.MethodDelete, "/api/v1/packages/"+url.PathEscape(id), nil, nil)
}

// Verify checks an installed package against its signature and returns
// the digest.
func (c *Client) Verify(ctx context.Context, id string) (string, error) {
	if id == "" {
		return "", fmt.Errorf("package id required")
	}
	var resp struct {
		Digest string `json:"digest"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/packages/"+url.PathEscape(id)+"/verify", nil, &resp); err != nil {
		return "", err
	}
	return resp.Digest, nil
}

// GetOperation fetches an operation record.
func (c *Client) GetOperation(ctx context.Context, id string) (*Operation, error) {
	if id == "" {
		return nil, fmt.Errorf("operation id required")
	}
	var op Operation
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/operations/"+url.PathEscape(id), nil, &op); err != nil {
		return nil, err
	}
	return &op, nil
}

// ListOperations returns live and recently finished operations.
func (c *Client) ListOperations(ctx context.Context) ([]Operation, error) {
	var resp struct {
		Items []Operation `json:"items"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/operations", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Items, nil
}

// WaitOperation polls until the operation finishes or ctx ends. A failed
// operation is returned together with its error.
func (c *Client) WaitOperation(ctx context.Context, id string, interval time.Duration) (*Operation, error) {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		op, err := c.GetOperation(ctx, id)
		if err != nil {
			return nil, err
		}
		if op.Terminal() {
			return op, op.Err()
		}
		select {
		case <-ctx.Done():
			return op, ctx.Err()
		case <-ticker.C:
		}
	}
}

// InstallFile uploads the archive at path.
func (c *Client) InstallFile(ctx context.Context, path string, opts InstallOptions) (*InstallResult, error) {
	q := url.Values{}
	if opts.Update {
		q.Set("update", "true")
	}
	if opts.Async {
		q.Set("async", "true")
	}
	endpoint := "/api/v1/packages/install"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var res InstallResult
	if err := c.upload(ctx, endpoint, path, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// ParseFile uploads the archive at path and returns its description.
func (c *Client) ParseFile(ctx context.Context, path string) (*PackageInfo, error) {
	var resp struct {
		Info *PackageInfo `json:"info"`
	}
	if err := c.upload(ctx, "/api/v1/packages/parse", path, &resp); err != nil {
		return nil, err
	}
	if resp.Info == nil {
		return nil, fmt.Errorf("empty parse response")
	}
	return resp.Info, nil
}

// upload streams path as the multipart "archive" field.
func (c *Client) upload(ctx context.Context, endpoint, path string, out any) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		part, err := mw.CreateFormFile("archive", filepath.Base(path))
		if err == nil {
			_, err = io.Copy(part, f)
		}
		if err == nil {
			err = mw.Close()
		}
		_ = pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(endpoint), pr)
	if err != nil {
		_ = pr.Close()
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return c.send(req, out)
}

func (c *Client) doJSON(ctx context.Context, method, path string, body any, out any) error {
	var payload io.Reader
	if body != nil {
		buf := &bytes.Buffer{}
		if err := json.NewEncoder(buf).Encode(body); err != nil {
			return fmt.Errorf("encode json: %w", err)
		}
		payload = buf
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path), payload)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.send(req, out)
}

func (c *Client) send(req *http.Request, out any) error {
	if c.APIKey != "" {
		req.Header.Set("X-API-Key", c.APIKey)
	}
	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if json.Unmarshal(data, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(data))
		}
		if apiErr.Message == "" {
			apiErr.Message = resp.Status
		}
		return apiErr
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) endpoint(path string) string {
	return strings.TrimRight(c.BaseURL, "/") + path
}
