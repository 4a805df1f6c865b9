package provider

import (
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

	"github.com/tidwall/gjson"
)

const (
	defaultHTTPTimeout = 30 * time.Second
	maxResponseBytes   = 1 << 20
)

var (
	refPaths    = []string{"id", "request_id", "job_id", "data.id"}
	statusPaths = []string{"status", "state", "data.status"}
	errorPaths  = []string{"error.message", "error", "failure_reason", "data.error"}
	resultPaths = []string{"video.url", "output.video_url", "result.url", "output.0", "video_url", "data.video.url"}
)

// HTTPConfig captures the runtime settings required to talk to a provider.
type HTTPConfig struct {
	Name    string
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// HTTPAdapter talks to a REST provider exposing submit, status and result
// endpoints under /v1/generations.
type HTTPAdapter struct {
	cfg        HTTPConfig
	httpClient *http.Client
	strategies []resultStrategy
}

// resultStrategy tries to locate the output. ok=false means "not here".
type resultStrategy struct {
	name string
	find func(ctx context.Context, ref string, status *Status) (locator string, ok bool, err error)
}

// HTTPOption customizes the adapter.
type HTTPOption func(*HTTPAdapter)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) HTTPOption {
	return func(a *HTTPAdapter) {
		if client != nil {
			a.httpClient = client
		}
	}
}

// NewHTTPAdapter constructs an adapter for cfg.
func NewHTTPAdapter(cfg HTTPConfig, opts ...HTTPOption) *HTTPAdapter {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	cfg.APIKey = strings.TrimSpace(cfg.APIKey)
	if cfg.Name == "" {
		cfg.Name = "http"
	}
	a := &HTTPAdapter{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
	}
	a.strategies = []resultStrategy{
		{name: "inline", find: a.inlineResult},
		{name: "result_endpoint", find: a.resultEndpoint},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *HTTPAdapter) Name() string {
	return a.cfg.Name
}

type submitPayload struct {
	Model         string `json:"model"`
	Prompt        string `json:"prompt"`
	ImageURL      string `json:"image_url,omitempty"`
	Duration      int    `json:"duration,omitempty"`
	Resolution    string `json:"resolution,omitempty"`
	AspectRatio   string `json:"aspect_ratio,omitempty"`
	GenerateAudio bool   `json:"generate_audio,omitempty"`
}

// Submit posts the generation request and extracts the provider reference.
func (a *HTTPAdapter) Submit(ctx context.Context, req Request) (string, error) {
	body, err := json.Marshal(submitPayload{
		Model:         req.Model,
		Prompt:        req.Prompt,
		ImageURL:      req.ReferenceImageURL,
		Duration:      req.DurationSeconds,
		Resolution:    req.Resolution,
		AspectRatio:   req.AspectRatio,
		GenerateAudio: req.GenerateAudio,
	})
	if err != nil {
		return "", &Error{Op: "submit", Err: err}
	}
	raw, err := a.do(ctx, "submit", http.MethodPost, "/v1/generations", body)
	if err != nil {
		return "", err
	}
	ref := firstString(raw, refPaths)
	if ref == "" {
		return "", &Error{Op: "submit", Err: errors.New("response carries no generation id")}
	}
	return ref, nil
}

// CheckStatus fetches and normalizes the generation status.
func (a *HTTPAdapter) CheckStatus(ctx context.Context, ref string) (*Status, error) {
	raw, err := a.do(ctx, "status", http.MethodGet, "/v1/generations/"+url.PathEscape(ref), nil)
	if err != nil {
		return nil, err
	}
	state, ok := normalizeState(firstString(raw, statusPaths))
	if !ok {
		return nil, &Error{Op: "status", Err: fmt.Errorf("unrecognized status %q", firstString(raw, statusPaths))}
	}
	st := &Status{State: state, Raw: raw}
	if state == StateFailed {
		st.Error = firstString(raw, errorPaths)
		if st.Error == "" {
			st.Error = "provider reported failure without detail"
		}
	}
	return st, nil
}

// FetchResult runs the extraction strategies in order and returns the first
// locator found. Strategy errors are remembered but do not stop the chain.
func (a *HTTPAdapter) FetchResult(ctx context.Context, ref string, status *Status) (string, error) {
	var errs []error
	for _, s := range a.strategies {
		locator, ok, err := s.find(ctx, ref, status)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.name, err))
			continue
		}
		if ok {
			return locator, nil
		}
	}
	if len(errs) > 0 {
		return "", fmt.Errorf("%w: %w", ErrResultNotReady, errors.Join(errs...))
	}
	return "", ErrResultNotReady
}

func (a *HTTPAdapter) inlineResult(_ context.Context, _ string, status *Status) (string, bool, error) {
	if status == nil || len(status.Raw) == 0 {
		return "", false, nil
	}
	locator := firstURL(status.Raw, resultPaths)
	return locator, locator != "", nil
}

func (a *HTTPAdapter) resultEndpoint(ctx context.Context, ref string, _ *Status) (string, bool, error) {
	raw, err := a.do(ctx, "result", http.MethodGet, "/v1/generations/"+url.PathEscape(ref)+"/result", nil)
	if err != nil {
		var perr *Error
		if errors.As(err, &perr) && perr.Status == http.StatusNotFound {
			return "", false, nil
		}
		return "", false, err
	}
	locator := firstURL(raw, resultPaths)
	return locator, locator != "", nil
}

func (a *HTTPAdapter) do(ctx context.Context, op, method, path string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.cfg.BaseURL+path, reader)
	if err != nil {
		return nil, &Error{Op: op, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if a.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, &Error{Op: op, Temporary: true, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &Error{Op: op, Status: resp.StatusCode, Temporary: true, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := firstString(raw, errorPaths)
		if msg == "" {
			msg = strings.TrimSpace(string(raw))
		}
		return nil, &Error{Op: op, Status: resp.StatusCode, Err: fmt.Errorf("http %d: %s", resp.StatusCode, msg)}
	}
	if !gjson.ValidBytes(raw) {
		return nil, &Error{Op: op, Status: resp.StatusCode, Err: errors.New("response is not valid JSON")}
	}
	return raw, nil
}

func normalizeState(raw string) (State, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "queued", "in_queue", "pending", "submitted", "starting":
		return StateQueued, true
	case "running", "in_progress", "processing", "generating":
		return StateRunning, true
	case "succeeded", "completed", "complete", "success", "done":
		return StateSucceeded, true
	case "failed", "error", "cancelled", "canceled", "rejected":
		return StateFailed, true
	default:
		return "", false
	}
}

func firstString(raw []byte, paths []string) string {
	for _, p := range paths {
		if v := gjson.GetBytes(raw, p); v.Exists() && v.Type == gjson.String && strings.TrimSpace(v.Str) != "" {
			return strings.TrimSpace(v.Str)
		}
	}
	return ""
}

func firstURL(raw []byte, paths []string) string {
	for _, p := range paths {
		v := gjson.GetBytes(raw, p)
		if !v.Exists() || v.Type != gjson.String {
			continue
		}
		u, err := url.Parse(strings.TrimSpace(v.Str))
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			continue
		}
		return u.String()
	}
	return ""
}
