package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Retrieve queries an external document retrieval service.
type Retrieve struct {
	Endpoint string
	Client   *http.Client
	TopK     int
}

type retrieveRequest struct {
	Query string `json:"query"`
	TopK  int    `json:"top_k,omitempty"`
}

type retrieveResponse struct {
	Answer string `json:"answer"`
	Chunks []struct {
		Source  string `json:"source"`
		Title   string `json:"title"`
		Content string `json:"content"`
	} `json:"chunks"`
}

func (r *Retrieve) Name() string { return "retrieve" }

func (r *Retrieve) Description() string {
	return "Search the documentation store for passages relevant to the input question."
}

// Execute posts the query and renders the answer followed by the chunks.
func (r *Retrieve) Execute(ctx context.Context, query string) (string, error) {
	if r.Endpoint == "" {
		return "", errors.New("retrieval endpoint not configured")
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return "", errors.New("empty query")
	}

	body, err := json.Marshal(retrieveRequest{Query: query, TopK: r.TopK})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.Endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	client := r.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("retrieval service returned %d: %s", resp.StatusCode, string(msg))
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	var parsed retrieveResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", fmt.Errorf("decode retrieval response: %w", err)
	}

	var b strings.Builder
	if parsed.Answer != "" {
		b.WriteString(parsed.Answer)
	}
	for i, c := range parsed.Chunks {
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "[%d] %s", i+1, c.Title)
		if c.Source != "" {
			fmt.Fprintf(&b, " (%s)", c.Source)
		}
		b.WriteString("\n")
		b.WriteString(c.Content)
	}
	if b.Len() == 0 {
		return "No relevant documents found.", nil
	}
	return b.String(), nil
}
