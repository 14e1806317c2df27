// Package registryclient is a thin HTTP client for the remote plugin
// registry: a simple archive store the host polls for available
// packages, metadata, and zip downloads. The registry itself is an
// external collaborator; this package only speaks its wire protocol.
package registryclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"time"

	"github.com/streamspace/pluginhost/internal/logger"
	"github.com/streamspace/pluginhost/internal/pherrors"
)

// PluginRecord is one manifest-plus-metadata entry as served by
// GET /api/plugins and GET /api/plugins/{name}.
type PluginRecord struct {
	Name        string   `json:"name"`
	Version     string   `json:"version"`
	Description string   `json:"description,omitempty"`
	Author      string   `json:"author,omitempty"`
	Dependencies []string `json:"dependencies,omitempty"`
	UploadedAt  time.Time `json:"uploadedAt"`
	FileSize    int64     `json:"fileSize"`
	Checksum    string    `json:"checksum"`
}

// Client talks to a registry server's HTTP wire protocol over a
// single base URL. It never caches; callers (typically the kernel's
// own TTL+LRU cache) are responsible for that.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a registry client bound to baseURL with the given
// request timeout, grounded in the agents' plain net/http style: one
// http.Client is reused for every call, with no per-endpoint tuning.
func New(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// List fetches every plugin record the registry currently carries.
func (c *Client) List(ctx context.Context) ([]PluginRecord, error) {
	var records []PluginRecord
	if err := c.getJSON(ctx, "/api/plugins", &records); err != nil {
		return nil, err
	}
	return records, nil
}

// Get fetches one plugin's metadata record by name.
func (c *Client) Get(ctx context.Context, name string) (*PluginRecord, error) {
	var record PluginRecord
	path := "/api/plugins/" + url.PathEscape(name)
	if err := c.getJSON(ctx, path, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

// Download streams the zip archive for a plugin version. The caller
// owns the returned ReadCloser and must Close it.
func (c *Client) Download(ctx context.Context, name string) (io.ReadCloser, error) {
	path := "/api/plugins/" + url.PathEscape(name) + "/download"
	req, err := c.newRequest(ctx, http.MethodGet, path, nil, "")
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, pherrors.Wrap(pherrors.RegistryUnavailable, "registry download request failed", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		return nil, pherrors.ForPlugin(pherrors.RegistryNotFound, name, "plugin not found in registry")
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, pherrors.Wrap(pherrors.RegistryUnavailable,
			fmt.Sprintf("registry download returned status %d", resp.StatusCode), fmt.Errorf("%s", body))
	}

	return resp.Body, nil
}

// Upload submits a plugin package to the registry as a multipart
// "plugin" field and returns the resulting metadata record.
func (c *Client) Upload(ctx context.Context, filename string, data io.Reader) (*PluginRecord, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("plugin", filename)
	if err != nil {
		return nil, pherrors.Wrap(pherrors.Internal, "failed to build multipart upload", err)
	}
	if _, err := io.Copy(part, data); err != nil {
		return nil, pherrors.Wrap(pherrors.Internal, "failed to stream upload body", err)
	}
	if err := writer.Close(); err != nil {
		return nil, pherrors.Wrap(pherrors.Internal, "failed to finalize multipart upload", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/api/plugins", &body, writer.FormDataContentType())
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, pherrors.Wrap(pherrors.RegistryUnavailable, "registry upload request failed", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
		var record PluginRecord
		if err := json.NewDecoder(resp.Body).Decode(&record); err != nil {
			return nil, pherrors.Wrap(pherrors.Internal, "failed to decode upload response", err)
		}
		return &record, nil
	case http.StatusConflict:
		return nil, pherrors.New(pherrors.RegistryInvalidPackage, "plugin version already exists in registry").
			WithSuggestion("bump the manifest version before re-uploading")
	case http.StatusBadRequest:
		respBody, _ := io.ReadAll(resp.Body)
		return nil, pherrors.New(pherrors.RegistryInvalidPackage, "registry rejected invalid package").WithDetails(string(respBody))
	default:
		respBody, _ := io.ReadAll(resp.Body)
		return nil, pherrors.Wrap(pherrors.RegistryUnavailable,
			fmt.Sprintf("registry upload returned status %d", resp.StatusCode), fmt.Errorf("%s", respBody))
	}
}

// Health reports whether the registry answered GET /api/health with 200.
func (c *Client) Health(ctx context.Context) error {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/health", nil, "")
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		logger.Registry().Warn().Str("baseURL", c.baseURL).Err(err).Msg("registry health check unreachable")
		return pherrors.Wrap(pherrors.RegistryUnavailable, "registry health check failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		logger.Registry().Warn().Str("baseURL", c.baseURL).Int("status", resp.StatusCode).Msg("registry health check degraded")
		return pherrors.New(pherrors.RegistryUnavailable, fmt.Sprintf("registry health check returned status %d", resp.StatusCode))
	}
	return nil
}

func (c *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	req, err := c.newRequest(ctx, http.MethodGet, path, nil, "")
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return pherrors.Wrap(pherrors.RegistryUnavailable, "registry request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return pherrors.New(pherrors.RegistryNotFound, "registry entry not found")
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return pherrors.Wrap(pherrors.RegistryUnavailable,
			fmt.Sprintf("registry request returned status %d", resp.StatusCode), fmt.Errorf("%s", body))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return pherrors.Wrap(pherrors.Internal, "failed to decode registry response", err)
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader, contentType string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, pherrors.Wrap(pherrors.Internal, "failed to build registry request", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	return req, nil
}
