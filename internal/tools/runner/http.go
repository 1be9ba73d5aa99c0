package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/loqalabs/loqa-link/internal/tools"
)

// HTTPCommand calls an agent's local API. The body carries the optional
// access token and query; the response's "result" becomes stdout.
type HTTPCommand struct {
	Client  *http.Client
	URL     string
	Method  string
	Timeout time.Duration
}

type httpRequest struct {
	AccessToken string `json:"accessToken,omitempty"`
	Query       string `json:"query,omitempty"`
}

type httpResponse struct {
	Result json.RawMessage `json:"result"`
}

func (c *HTTPCommand) Run(ctx context.Context, accessToken, query string) (tools.Result, error) {
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}
	body, err := json.Marshal(httpRequest{AccessToken: accessToken, Query: query})
	if err != nil {
		return tools.Result{}, err
	}
	method := c.Method
	if method == "" {
		method = http.MethodPost
	}
	req, err := http.NewRequestWithContext(ctx, method, c.URL, bytes.NewReader(body))
	if err != nil {
		return tools.Result{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	client := c.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return tools.Result{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return tools.Result{}, fmt.Errorf("API call failed: %d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	}

	var decoded httpResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return tools.Result{}, fmt.Errorf("decode agent response: %w", err)
	}
	return tools.Result{Stdout: resultText(decoded.Result), Success: true}, nil
}

// resultText renders strings verbatim and anything else as compact JSON.
func resultText(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}
