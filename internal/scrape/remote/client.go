// Package remote talks to an asynchronous scraping service: a run is launched with one request
// and its result is collected later by polling.
//
// Expected endpoints:
//
//	POST {base}/runs        {"url","platform","schema","instructions"} -> run
//	GET  {base}/runs/{id}   -> run
//
// where run is either {"run":{...}} or the bare object
// {"id","status","result","error","permanent"}.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/joseph-ayodele/listing-diagnostics/internal/scrape"
)

type Options struct {
	BaseURL       string
	APIKey        string
	UserAgent     string
	Timeout       time.Duration
	RatePerSecond float64
	Burst         int
	// HTTPClient overrides the default client; its Timeout is left untouched.
	HTTPClient *http.Client
}

// Client implements scrape.Scraper over HTTP.
type Client struct {
	baseURL   string
	apiKey    string
	userAgent string
	client    *http.Client
	limiter   *rate.Limiter
	logger    *slog.Logger
}

var _ scrape.Scraper = (*Client)(nil)

func New(opts Options, logger *slog.Logger) (*Client, error) {
	base := strings.TrimSpace(opts.BaseURL)
	if base == "" {
		return nil, errors.New("remote scraper: BaseURL is required")
	}
	if u, err := url.Parse(base); err != nil || u.Host == "" {
		return nil, fmt.Errorf("remote scraper: invalid BaseURL %q", base)
	}
	if logger == nil {
		logger = slog.Default()
	}
	to := opts.Timeout
	if to <= 0 {
		to = 60 * time.Second
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: to}
	}
	ua := strings.TrimSpace(opts.UserAgent)
	if ua == "" {
		ua = "listing-diagnostics/1.0"
	}
	limit := rate.Inf
	if opts.RatePerSecond > 0 {
		limit = rate.Limit(opts.RatePerSecond)
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Client{
		baseURL:   strings.TrimRight(base, "/"),
		apiKey:    opts.APIKey,
		userAgent: ua,
		client:    hc,
		limiter:   rate.NewLimiter(limit, burst),
		logger:    logger,
	}, nil
}

type launchBody struct {
	URL          string         `json:"url"`
	Platform     string         `json:"platform"`
	Schema       map[string]any `json:"schema,omitempty"`
	Instructions string         `json:"instructions,omitempty"`
}

type runPayload struct {
	ID        string          `json:"id"`
	RunID     string          `json:"run_id"`
	Status    string          `json:"status"`
	Result    json.RawMessage `json:"result"`
	Data      json.RawMessage `json:"data"`
	Error     string          `json:"error"`
	Permanent bool            `json:"permanent"`
}

// Launch starts a run for req.
func (c *Client) Launch(ctx context.Context, req scrape.Request) (scrape.Run, error) {
	body, err := json.Marshal(launchBody{
		URL:          req.URL,
		Platform:     string(req.Platform),
		Schema:       req.Schema,
		Instructions: req.Instructions,
	})
	if err != nil {
		return scrape.Run{}, fmt.Errorf("encode launch request: %w", err)
	}

	start := time.Now()
	raw, err := c.do(ctx, http.MethodPost, c.baseURL+"/runs", body)
	if err != nil {
		c.logger.Warn("scrape.remote.launch.failed", "url", req.URL, "platform", req.Platform,
			"error", err, "elapsed_ms", time.Since(start).Milliseconds())
		return scrape.Run{}, err
	}
	run, err := parseRun(raw)
	if err != nil {
		return scrape.Run{}, err
	}
	if run.Reference == "" {
		return scrape.Run{}, errors.New("launch response carried no run id")
	}
	c.logger.Info("scrape.remote.launch.ok", "run_id", run.Reference, "state", run.State,
		"platform", req.Platform, "elapsed_ms", time.Since(start).Milliseconds())
	return run, nil
}

// Fetch polls the run identified by reference.
func (c *Client) Fetch(ctx context.Context, reference string) (scrape.Run, error) {
	ref := strings.TrimSpace(reference)
	if ref == "" {
		return scrape.Run{}, scrape.ErrRejected{StatusCode: http.StatusBadRequest, Err: errors.New("run reference is required")}
	}
	raw, err := c.do(ctx, http.MethodGet, c.baseURL+"/runs/"+url.PathEscape(ref), nil)
	if err != nil {
		return scrape.Run{}, err
	}
	run, err := parseRun(raw)
	if err != nil {
		return scrape.Run{}, err
	}
	if run.Reference == "" {
		run.Reference = ref
	}
	c.logger.Debug("scrape.remote.fetch", "run_id", run.Reference, "state", run.State)
	return run, nil
}

func (c *Client) do(ctx context.Context, method, u string, body []byte) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, scrape.ClassifyError(err, 0)
	}

	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rdr)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, scrape.ClassifyError(err, 0)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, scrape.ClassifyError(fmt.Errorf("%s %s: http status %d: %s", method, u, resp.StatusCode, snippet(b)), resp.StatusCode)
	}
	return b, nil
}

func parseRun(raw []byte) (scrape.Run, error) {
	var wrapped struct {
		Run *runPayload `json:"run"`
	}
	var p runPayload
	if err := json.Unmarshal(raw, &wrapped); err == nil && wrapped.Run != nil {
		p = *wrapped.Run
	} else if err := json.Unmarshal(raw, &p); err != nil {
		return scrape.Run{}, fmt.Errorf("run payload parse: %w", err)
	}

	run := scrape.Run{
		Reference: firstNonEmpty(p.ID, p.RunID),
		Message:   p.Error,
		Permanent: p.Permanent,
	}
	switch strings.ToLower(p.Status) {
	case "succeeded", "success", "completed", "done":
		run.State = scrape.RunSucceeded
		run.Document = p.Result
		if len(run.Document) == 0 || string(run.Document) == "null" {
			run.Document = p.Data
		}
		if len(run.Document) == 0 || string(run.Document) == "null" {
			run.State = scrape.RunFailed
			run.Message = "run succeeded without a result document"
		}
	case "failed", "error", "aborted", "timed_out", "timed-out", "cancelled":
		run.State = scrape.RunFailed
		if run.Message == "" {
			run.Message = "run " + strings.ToLower(p.Status)
		}
	default:
		run.State = scrape.RunRunning
	}
	return run, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 200 {
		return s[:200] + "..."
	}
	return s
}
