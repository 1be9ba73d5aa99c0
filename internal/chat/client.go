// Package chat talks to the remote dialogue API: one request per message,
// answered by a JSON body or an incremental text stream.
package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// TokenSource supplies the bearer token for each request.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a fixed bearer token. The empty token sends no
// Authorization header.
type StaticToken string

func (t StaticToken) Token(context.Context) (string, error) { return string(t), nil }

type Options struct {
	// Endpoint is the API base URL; requests go to <Endpoint>/chat.
	Endpoint string
	Tokens   TokenSource
	// StreamTimeout aborts a stream when no bytes arrive for this long.
	StreamTimeout time.Duration
	HTTPClient    *http.Client
}

type Client struct {
	opts Options
	log  *slog.Logger

	tracer   trace.Tracer
	requests metric.Int64Counter
	chunks   metric.Int64Counter
}

type chatRequest struct {
	Message  string `json:"message"`
	DeviceID string `json:"device_id"`
}

func NewClient(opts Options, log *slog.Logger) *Client {
	if opts.StreamTimeout <= 0 {
		opts.StreamTimeout = 60 * time.Second
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.Tokens == nil {
		opts.Tokens = StaticToken("")
	}
	opts.Endpoint = strings.TrimRight(opts.Endpoint, "/")
	c := &Client{
		opts:   opts,
		log:    log.With(slog.String("component", "chat")),
		tracer: otel.Tracer("github.com/loqalabs/loqa-link/chat"),
	}
	c.initMetrics()
	return c
}

func (c *Client) initMetrics() {
	meter := otel.Meter("github.com/loqalabs/loqa-link/chat")
	var err error
	if c.requests, err = meter.Int64Counter("loqa_link.chat.requests",
		metric.WithDescription("Chat requests, by outcome")); err != nil {
		c.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	if c.chunks, err = meter.Int64Counter("loqa_link.chat.chunks",
		metric.WithDescription("Text chunks delivered from chat streams")); err != nil {
		c.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
}

// Send submits message and delivers the answer to onChunk in arrival
// order. Failures are translated to an *Error; when onError is non-nil it
// receives the error and Send returns nil. Cancel ctx to abort the call.
func (c *Client) Send(ctx context.Context, message, deviceID string, onChunk func(string), onError func(error)) error {
	ctx, span := c.tracer.Start(ctx, "chat.send")
	defer span.End()
	span.SetAttributes(attribute.String("device_id", deviceID))

	var delivered int64
	count := func(s string) {
		delivered++
		onChunk(s)
	}
	err := c.send(ctx, message, deviceID, count)

	outcome := "ok"
	var result error
	if err != nil {
		ce := translate(err)
		outcome = ce.Kind.String()
		span.RecordError(err)
		span.SetStatus(codes.Error, ce.Message)
		c.log.Warn("chat request failed",
			slog.String("kind", outcome),
			slog.String("error", err.Error()))
		result = ce
	}
	if c.requests != nil {
		c.requests.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}
	if c.chunks != nil && delivered > 0 {
		c.chunks.Add(ctx, delivered)
	}
	if result != nil && onError != nil {
		onError(result)
		return nil
	}
	return result
}

func (c *Client) send(ctx context.Context, message, deviceID string, onChunk func(string)) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	body, err := json.Marshal(chatRequest{Message: message, DeviceID: deviceID})
	if err != nil {
		return err
	}
	req, err := c.newRequest(ctx, http.MethodPost, "/chat", bytes.NewReader(body))
	if err != nil {
		return err
	}
	resp, err := c.opts.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(resp)
	}

	contentType := resp.Header.Get("Content-Type")
	if !strings.Contains(contentType, "text/event-stream") && !strings.Contains(contentType, "text/plain") {
		return readJSON(resp.Body, onChunk)
	}

	var timedOut atomic.Bool
	watchdog := time.AfterFunc(c.opts.StreamTimeout, func() {
		timedOut.Store(true)
		cancel()
	})
	defer watchdog.Stop()

	err = readStream(&activityReader{r: resp.Body, timer: watchdog, timeout: c.opts.StreamTimeout}, onChunk)
	if err != nil && timedOut.Load() {
		return &Error{Kind: KindInterrupted, Message: MsgInterrupted, Err: err}
	}
	return err
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	if c.opts.Endpoint == "" {
		return nil, errors.New("chat endpoint is not configured")
	}
	req, err := http.NewRequestWithContext(ctx, method, c.opts.Endpoint+path, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	token, err := c.opts.Tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("auth token: %w", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

type errorBody struct {
	Error string `json:"error"`
}

func statusError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var eb errorBody
	if err := json.Unmarshal(data, &eb); err == nil && eb.Error != "" {
		return &Error{Message: eb.Error, Err: fmt.Errorf("chat: status %d", resp.StatusCode)}
	}
	statusText := http.StatusText(resp.StatusCode)
	if _, text, ok := strings.Cut(resp.Status, " "); ok {
		statusText = text
	}
	return &Error{
		Message: TranslateStatus(resp.StatusCode, statusText),
		Err:     fmt.Errorf("chat: status %d", resp.StatusCode),
	}
}

type jsonBody struct {
	Success  bool    `json:"success"`
	Response string  `json:"response"`
	Error    *string `json:"error"`
}

func readJSON(r io.Reader, onChunk func(string)) error {
	var body jsonBody
	if err := json.NewDecoder(r).Decode(&body); err != nil {
		return fmt.Errorf("decode chat response: %w", err)
	}
	if body.Error != nil {
		return &Error{Message: *body.Error, Err: errors.New("chat: error response")}
	}
	if body.Success && body.Response != "" {
		onChunk(body.Response)
		return nil
	}
	return errors.New(msgUnexpectedFormat)
}

// activityReader pushes the watchdog deadline forward whenever bytes arrive.
type activityReader struct {
	r       io.Reader
	timer   *time.Timer
	timeout time.Duration
}

func (a *activityReader) Read(p []byte) (int, error) {
	n, err := a.r.Read(p)
	if n > 0 {
		a.timer.Reset(a.timeout)
	}
	return n, err
}

type clearHistoryBody struct {
	Success bool    `json:"success"`
	Message string  `json:"message"`
	Error   *string `json:"error"`
}

// ClearHistory deletes the remote conversation memory for the
// authenticated user.
func (c *Client) ClearHistory(ctx context.Context) error {
	req, err := c.newRequest(ctx, http.MethodDelete, "/clear-history", nil)
	if err != nil {
		return err
	}
	resp, err := c.opts.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("clear history: %w", err)
	}
	defer resp.Body.Close()

	var body clearHistoryBody
	decodeErr := json.NewDecoder(resp.Body).Decode(&body)
	if decodeErr == nil && body.Error != nil {
		return errors.New(*body.Error)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("clear history: %s", resp.Status)
	}
	if decodeErr == nil && body.Success {
		return nil
	}
	return errors.New("Unexpected response format from clear-history API")
}
