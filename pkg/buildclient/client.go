package buildclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/vyvo/pkgbuild/backend/pkg/buildstore"
)

// ErrNotFound is returned when the builder service reports a missing build.
var ErrNotFound = errors.New("build not found")

// StreamClosed is the final event of a finished build's log stream.
const StreamClosed = "[stream closed]"

// Client talks to the builder service over HTTP.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	// streamClient has no timeout; log streams last as long as the build.
	streamClient *http.Client
}

// NewClient creates a builder client. An empty token sends no Authorization header.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL:      strings.TrimSuffix(baseURL, "/"),
		token:        token,
		httpClient:   &http.Client{Timeout: 15 * time.Second},
		streamClient: &http.Client{},
	}
}

type buildEnvelope struct {
	Build buildstore.Build `json:"build"`
}

// Submit starts a build and returns it in its queued state.
func (c *Client) Submit(ctx context.Context, req buildstore.CreateRequest) (buildstore.Build, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return buildstore.Build{}, fmt.Errorf("marshal build request: %w", err)
	}
	resp, err := c.do(ctx, c.httpClient, http.MethodPost, "/api/builds", body)
	if err != nil {
		return buildstore.Build{}, fmt.Errorf("submit build: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		return buildstore.Build{}, fmt.Errorf("submit build failed: %s", readError(resp))
	}
	var out buildEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return buildstore.Build{}, fmt.Errorf("decode build: %w", err)
	}
	return out.Build, nil
}

// Get fetches the current state of a build.
func (c *Client) Get(ctx context.Context, id string) (buildstore.Build, error) {
	resp, err := c.do(ctx, c.httpClient, http.MethodGet, "/api/builds/"+url.PathEscape(id), nil)
	if err != nil {
		return buildstore.Build{}, fmt.Errorf("get build: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return buildstore.Build{}, ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return buildstore.Build{}, fmt.Errorf("get build failed: %s", readError(resp))
	}
	var out buildEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return buildstore.Build{}, fmt.Errorf("decode build: %w", err)
	}
	return out.Build, nil
}

// Interrupt asks the service to stop a running build.
func (c *Client) Interrupt(ctx context.Context, id, message string) error {
	body, err := json.Marshal(map[string]string{"message": message})
	if err != nil {
		return fmt.Errorf("marshal interrupt request: %w", err)
	}
	resp, err := c.do(ctx, c.httpClient, http.MethodPost, "/api/builds/"+url.PathEscape(id)+"/interrupt", body)
	if err != nil {
		return fmt.Errorf("interrupt build: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusAccepted:
		return nil
	case http.StatusNotFound:
		return ErrNotFound
	default:
		return fmt.Errorf("interrupt build failed: %s", readError(resp))
	}
}

// StreamLogs follows the log of a build, calling lineFn for every line until
// the service closes the stream.
func (c *Client) StreamLogs(ctx context.Context, id string, lineFn func(string) error) error {
	resp, err := c.do(ctx, c.streamClient, http.MethodGet, "/api/builds/"+url.PathEscape(id)+"/logs", nil)
	if err != nil {
		return fmt.Errorf("stream logs: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("stream logs failed: %s", readError(resp))
	}
	return ReadEvents(resp.Body, func(data string) error {
		if data == StreamClosed {
			return nil
		}
		return lineFn(data)
	})
}

func (c *Client) do(ctx context.Context, client *http.Client, method, path string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return client.Do(req)
}

func readError(resp *http.Response) string {
	payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	var body struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(payload, &body) == nil && body.Error != "" {
		return fmt.Sprintf("%d %s", resp.StatusCode, body.Error)
	}
	return fmt.Sprintf("%d %s", resp.StatusCode, strings.TrimSpace(string(payload)))
}

// ParseSSEEvent extracts the data payload of one SSE event. Multiple data
// lines are joined with newlines.
func ParseSSEEvent(lines []string) (string, bool) {
	var data []string
	for _, line := range lines {
		if strings.HasPrefix(line, "data:") {
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if len(data) == 0 {
		return "", false
	}
	return strings.Join(data, "\n"), true
}

// ReadEvents streams SSE events, invoking eventFn for each completed event.
func ReadEvents(body io.Reader, eventFn func(string) error) error {
	reader := bufio.NewReader(body)
	var lines []string
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				if trimmed := strings.TrimRight(line, "\r\n"); trimmed != "" {
					lines = append(lines, trimmed)
				}
				return dispatchEvent(lines, eventFn)
			}
			return err
		}
		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed == "" {
			if err := dispatchEvent(lines, eventFn); err != nil {
				return err
			}
			lines = lines[:0]
			continue
		}
		lines = append(lines, trimmed)
	}
}

func dispatchEvent(lines []string, eventFn func(string) error) error {
	if len(lines) == 0 {
		return nil
	}
	payload, ok := ParseSSEEvent(lines)
	if !ok {
		return nil
	}
	return eventFn(payload)
}
