package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"agentnet/internal/domain"
	sqlitestore "agentnet/internal/store/sqlite"
)

// Client talks to a running serve process. The CLI and the monitor use it.
type Client struct {
	base string
	http *http.Client
}

func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return &Client{base: base, http: httpClient}
}

func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/healthz", nil, nil)
}

func (c *Client) Submit(ctx context.Context, def domain.TaskDefinition) (string, error) {
	var out SubmitResponse
	if err := c.do(ctx, http.MethodPost, "/tasks", def, &out); err != nil {
		return "", err
	}
	return out.TaskID, nil
}

func (c *Client) Status(ctx context.Context, taskID string) (domain.TaskSnapshot, error) {
	var out domain.TaskSnapshot
	err := c.do(ctx, http.MethodGet, "/tasks/"+url.PathEscape(taskID), nil, &out)
	return out, err
}

func (c *Client) List(ctx context.Context, status domain.TaskStatus) ([]domain.TaskSnapshot, error) {
	path := "/tasks"
	if status != "" {
		path += "?status=" + url.QueryEscape(string(status))
	}
	var out []domain.TaskSnapshot
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

func (c *Client) Cancel(ctx context.Context, taskID string) (bool, error) {
	var out CancelResponse
	if err := c.do(ctx, http.MethodPost, "/tasks/"+url.PathEscape(taskID)+"/cancel", nil, &out); err != nil {
		return false, err
	}
	return out.Cancelled, nil
}

func (c *Client) Decisions(ctx context.Context, taskID string, limit int) ([]domain.DecisionLog, error) {
	var out []domain.DecisionLog
	err := c.do(ctx, http.MethodGet, "/tasks/"+url.PathEscape(taskID)+"/decisions?limit="+strconv.Itoa(limit), nil, &out)
	return out, err
}

func (c *Client) Dashboard(ctx context.Context) (domain.Dashboard, error) {
	var out domain.Dashboard
	err := c.do(ctx, http.MethodGet, "/dashboard", nil, &out)
	return out, err
}

func (c *Client) Archive(ctx context.Context, status domain.TaskStatus, limit int) ([]domain.TaskSnapshot, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", string(status))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/archive/tasks"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out []domain.TaskSnapshot
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

func (c *Client) AgentOutcomes(ctx context.Context) ([]sqlitestore.AgentOutcome, error) {
	var out []sqlitestore.AgentOutcome
	err := c.do(ctx, http.MethodGet, "/archive/agents", nil, &out)
	return out, err
}

// WaitTask polls until the task is terminal.
func (c *Client) WaitTask(ctx context.Context, taskID string, every time.Duration) (domain.TaskSnapshot, error) {
	if every <= 0 {
		every = 500 * time.Millisecond
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		snap, err := c.Status(ctx, taskID)
		if err != nil {
			return snap, err
		}
		if snap.Status.Terminal() {
			return snap, nil
		}
		select {
		case <-ctx.Done():
			return snap, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var payload struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&payload)
		msg := payload.Error
		if msg == "" {
			msg = resp.Status
		}
		switch resp.StatusCode {
		case http.StatusNotFound:
			return fmt.Errorf("%s: %w", msg, domain.ErrNotFound)
		case http.StatusBadRequest:
			return fmt.Errorf("%s: %w", msg, domain.ErrInvalidDefinition)
		default:
			return fmt.Errorf("%s %s: %s", method, path, msg)
		}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
