package importer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/vyvo/pkgbuild/backend/pkg/imports"
)

// Client talks to the frontend's import queue over HTTP.
type Client struct {
	baseURL    string
	authUser   string
	authToken  string
	httpClient *http.Client
}

// NewClient creates a queue client. authUser and authToken are sent as basic
// auth on completion callbacks.
func NewClient(baseURL, authUser, authToken string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		authUser:   authUser,
		authToken:  authToken,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// SuccessReport is posted when every package of a task was imported.
type SuccessReport struct {
	TaskID   json.RawMessage   `json:"task_id"`
	Packages []imports.Package `json:"packages"`
}

// FailureReport is posted with a short failure tag.
type FailureReport struct {
	TaskID json.RawMessage `json:"task_id"`
	Error  string          `json:"error"`
}

// NextTask returns the first pending task entry, or nil when the queue is empty.
func (c *Client) NextTask(ctx context.Context) (json.RawMessage, error) {
	endpoint := c.baseURL + "/backend/importing/"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create queue request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("poll queue: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return nil, fmt.Errorf("poll queue failed: %d %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}

	var out struct {
		Builds []json.RawMessage `json:"builds"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode queue response: %w", err)
	}
	if len(out.Builds) == 0 {
		return nil, nil
	}
	return out.Builds[0], nil
}

// ReportResult posts report to the completion endpoint.
func (c *Client) ReportResult(ctx context.Context, report any) error {
	body, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}

	endpoint := c.baseURL + "/backend/import-completed/"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create report request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(c.authUser, c.authToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("post report: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return fmt.Errorf("post report failed: %d %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}
	return nil
}
