package tui

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// Frame is one server-sent event of a task stream.
type Frame struct {
	Event string
	Data  json.RawMessage
}

// Client talks to a running agentrun server.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

func (c *Client) httpClient() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return http.DefaultClient
}

func (c *Client) url(parts ...string) string {
	escaped := make([]string, len(parts))
	for i, p := range parts {
		escaped[i] = url.PathEscape(p)
	}
	return strings.TrimRight(c.BaseURL, "/") + "/" + strings.Join(escaped, "/")
}

// Stream calls fn for every frame of the task's event stream until the
// server ends it, fn returns an error, or ctx is done.
func (c *Client) Stream(ctx context.Context, taskID string, fn func(Frame) error) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url("tasks", taskID, "events"), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return fmt.Errorf("open event stream: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("open event stream: %s", resp.Status)
	}
	return parseSSE(resp.Body, fn)
}

// parseSSE splits an event stream into frames. Comment lines are skipped.
func parseSSE(r io.Reader, fn func(Frame) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var (
		event string
		data  bytes.Buffer
	)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if event != "" || data.Len() > 0 {
				if event == "" {
					event = "message"
				}
				if err := fn(Frame{Event: event, Data: json.RawMessage(bytes.Clone(data.Bytes()))}); err != nil {
					return err
				}
			}
			event = ""
			data.Reset()
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	return sc.Err()
}

// Confirm approves a step that waits for confirmation.
func (c *Client) Confirm(ctx context.Context, taskID string, step int) error {
	body := strings.NewReader(`{"confirmed":true}`)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url("tasks", taskID, "step", fmt.Sprint(step), "run"), body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return fmt.Errorf("confirm step %d: %w", step, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		return nil
	}
	var apiErr struct {
		Error string `json:"error"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&apiErr)
	if apiErr.Error == "" {
		apiErr.Error = resp.Status
	}
	return fmt.Errorf("confirm step %d: %s", step, apiErr.Error)
}

// Submit creates a task and returns its id.
func (c *Client) Submit(ctx context.Context, prompt, kind string) (string, error) {
	payload, err := json.Marshal(struct {
		Prompt string `json:"prompt"`
		Kind   string `json:"kind,omitempty"`
	}{prompt, kind})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url("tasks"), bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return "", fmt.Errorf("submit task: %w", err)
	}
	defer resp.Body.Close()

	var out struct {
		TaskID string `json:"task_id"`
		Error  string `json:"error"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	if resp.StatusCode != http.StatusOK {
		if out.Error == "" {
			out.Error = resp.Status
		}
		return "", fmt.Errorf("submit task: %s", out.Error)
	}
	if out.TaskID == "" {
		return "", fmt.Errorf("submit task: response carried no task_id")
	}
	return out.TaskID, nil
}
