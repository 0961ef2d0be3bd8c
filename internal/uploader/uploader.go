package uploader

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"borg/bootstrap/internal/client"
)

// Result describes a published archive.
type Result struct {
	Ref    string `json:"ref"`
	Size   int64  `json:"size"`
	SHA256 string `json:"sha256"`
	Active bool   `json:"active"`
}

// Uploader publishes worker archives to a version server.
type Uploader struct {
	serverURL  string
	httpClient *http.Client
	token      string
}

// NewUploader creates a new uploader
func NewUploader(serverURL string, timeout time.Duration) *Uploader {
	if timeout <= 0 {
		timeout = client.DefaultTimeout
	}
	return &Uploader{
		serverURL:  serverURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Login exchanges admin credentials for a token used by later calls.
func (u *Uploader) Login(ctx context.Context, username, password string) error {
	body, err := json.Marshal(map[string]string{"username": username, "password": password})
	if err != nil {
		return err
	}

	var resp struct {
		Token string `json:"token"`
	}
	if err := u.do(ctx, http.MethodPost, "api/v1/auth/login", "application/json", bytes.NewReader(body), &resp); err != nil {
		return fmt.Errorf("login failed: %w", err)
	}
	if resp.Token == "" {
		return fmt.Errorf("login failed: server returned no token")
	}

	u.token = resp.Token
	return nil
}

// UploadArchive uploads the archive at filePath as ref.
func (u *Uploader) UploadArchive(ctx context.Context, ref, filePath string, activate bool) (*Result, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	writer.WriteField("ref", ref)
	writer.WriteField("activate", strconv.FormatBool(activate))

	part, err := writer.CreateFormFile("file", filepath.Base(filePath))
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(part, file); err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}

	var result Result
	if err := u.do(ctx, http.MethodPost, "api/v1/archives", writer.FormDataContentType(), &buf, &result); err != nil {
		return nil, fmt.Errorf("failed to upload archive: %w", err)
	}
	return &result, nil
}

// SetVersion publishes a ref that was uploaded earlier.
func (u *Uploader) SetVersion(ctx context.Context, ref string) error {
	body, err := json.Marshal(map[string]string{"ref": ref})
	if err != nil {
		return err
	}
	if err := u.do(ctx, http.MethodPut, "api/v1/version", "application/json", bytes.NewReader(body), nil); err != nil {
		return fmt.Errorf("failed to set version: %w", err)
	}
	return nil
}

func (u *Uploader) do(ctx context.Context, method, path, contentType string, body io.Reader, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, client.JoinURL(u.serverURL, path), body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	if u.token != "" {
		req.Header.Set("Authorization", "Bearer "+u.token)
	}

	resp, err := u.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("status %d: %s", resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("status %d", resp.StatusCode)
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}
