package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"borg/bootstrap/internal/fault"
)

// DefaultTimeout bounds every request made by the client.
const DefaultTimeout = 60 * time.Second

// Client talks to the version server and to the repository host that serves
// worker archives.
type Client struct {
	serverURL  string
	httpClient *http.Client
}

// NewClient creates a new HTTP client for the given server.
func NewClient(serverURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		serverURL: serverURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Credentials identify the supervisor to the server.
type Credentials struct {
	Username string
	Password string
}

// VersionRef identifies the snapshot of the worker source to install.
type VersionRef struct {
	RepoURL string `json:"client_repo_url"`
	RepoRef string `json:"client_repo_ref"`
}

// ArchiveURL is the download location of the archive for the ref.
func (v VersionRef) ArchiveURL() string {
	return JoinURL(v.RepoURL, "archive", v.RepoRef+".zip")
}

// RepoName is the last path segment of the repository URL.
func (v VersionRef) RepoName() string {
	trimmed := strings.TrimRight(v.RepoURL, "/")
	if u, err := url.Parse(trimmed); err == nil && u.Path != "" {
		trimmed = u.Path
	}
	if i := strings.LastIndex(trimmed, "/"); i >= 0 {
		trimmed = trimmed[i+1:]
	}
	return strings.TrimSuffix(trimmed, ".git")
}

// JoinURL joins URL parts with single slashes, trimming surrounding slashes
// from every part.
func JoinURL(parts ...string) string {
	cleaned := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.Trim(p, "/")
		if p != "" {
			cleaned = append(cleaned, p)
		}
	}
	return strings.Join(cleaned, "/")
}

// ResolveVersion asks the server which worker snapshot to install.
func (c *Client) ResolveVersion(ctx context.Context, creds Credentials) (*VersionRef, error) {
	form := url.Values{}
	form.Set("username", creds.Username)
	form.Set("password", creds.Password)

	target := JoinURL(c.serverURL, "clientVersionRef") + "/"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, target, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create request: %v", fault.ErrResolution, err)
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to send request: %w", fault.ErrResolution, err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read response: %w", fault.ErrResolution, err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: request failed with status %d: %s",
			fault.ErrResolution, resp.StatusCode, serverMessage(bodyBytes))
	}

	var payload struct {
		VersionRef
		Error string `json:"error"`
	}
	if err := json.Unmarshal(bodyBytes, &payload); err != nil {
		return nil, fmt.Errorf("%w: failed to decode response: %w", fault.ErrResolution, err)
	}
	if payload.Error != "" {
		return nil, fmt.Errorf("%w: server error: %s", fault.ErrResolution, payload.Error)
	}
	if payload.RepoURL == "" || payload.RepoRef == "" {
		return nil, fmt.Errorf("%w: response is missing client_repo_url or client_repo_ref", fault.ErrResolution)
	}

	ref := payload.VersionRef
	return &ref, nil
}

// DownloadArchive streams the zip archive for ref into writer.
func (c *Client) DownloadArchive(ctx context.Context, ref VersionRef, writer io.Writer) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, ref.ArchiveURL(), nil)
	if err != nil {
		return fmt.Errorf("%w: failed to create request: %v", fault.ErrDownload, err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: failed to send request: %w", fault.ErrDownload, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%w: download failed with status %d: %s",
			fault.ErrDownload, resp.StatusCode, serverMessage(bodyBytes))
	}

	if _, err := io.Copy(writer, resp.Body); err != nil {
		return fmt.Errorf("%w: failed to copy archive data: %w", fault.ErrDownload, err)
	}

	return nil
}

// serverMessage extracts {"error": "..."} from a response body, falling back
// to the raw text.
func serverMessage(body []byte) string {
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Error != "" {
		return payload.Error
	}
	return strings.TrimSpace(string(body))
}
