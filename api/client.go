// Package api is the thin REST client for the transcription backend:
// the single-shot upload flow and the debug-artifact reset call.
package api

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
	"strings"
)

// DefaultLanguage matches the backend's form default.
const DefaultLanguage = "de-DE"

var supportedExtensions = map[string]bool{
	".mp4": true,
	".mov": true,
	".avi": true,
}

type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL:    strings.TrimSuffix(baseURL, "/"),
		HTTPClient: &http.Client{},
	}
}

// Extract uploads a media file and returns the recognized text.
func (c *Client) Extract(ctx context.Context, path, language string) (string, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if !supportedExtensions[ext] {
		return "", fmt.Errorf("unsupported file format %q: use MP4, MOV, or AVI", ext)
	}
	if language == "" {
		language = DefaultLanguage
	}

	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	part, err := writer.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(part, file); err != nil {
		return "", err
	}
	if err := writer.WriteField("language", language); err != nil {
		return "", err
	}
	if err := writer.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.BaseURL+"/extract-audio", body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", decodeError(resp)
	}

	var result struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	return result.Text, nil
}

// ClearDebug asks the backend to drop debug artifacts left over from a
// previous session. Best-effort at every call site.
func (c *Client) ClearDebug(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, "POST", c.BaseURL+"/debug/clear", nil)
	if err != nil {
		return err
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	return nil
}

// decodeError extracts the backend's detail message when present.
func decodeError(resp *http.Response) error {
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	var detail struct {
		Detail string `json:"detail"`
	}
	if json.Unmarshal(data, &detail) == nil && detail.Detail != "" {
		return fmt.Errorf("backend: %s", detail.Detail)
	}
	return fmt.Errorf("unexpected status code: %d, response body: %s", resp.StatusCode, string(data))
}
