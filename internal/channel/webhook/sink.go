// Package webhook posts rendered messages to a Discord-style incoming webhook.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"fleetnotify/internal/batching"
	"fleetnotify/internal/dispatch"
	logx "fleetnotify/pkg/logx"
)

const (
	defaultTimeout = 10 * time.Second
	userAgent      = "fleetnotify/1"
	// Discord rejects content longer than 2000 characters.
	maxContentLen = 2000
)

type Config struct {
	URL      string
	Username string
	// RatePerMinute paces posts; Discord allows about 30 per minute per webhook.
	RatePerMinute int
	Timeout       time.Duration
}

// Renderer turns a batching message into text.
type Renderer interface {
	Render(msg batching.Message) string
}

// payload is the JSON body posted to the webhook.
type payload struct {
	Content  string `json:"content"`
	Username string `json:"username,omitempty"`
}

type Sink struct {
	cfg     Config
	client  *http.Client
	render  Renderer
	limiter *rate.Limiter
	log     logx.Logger
}

func New(cfg Config, render Renderer, log logx.Logger) (*Sink, error) {
	if cfg.URL == "" {
		return nil, errors.New("webhook URL is required")
	}
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid webhook URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("webhook URL must use http or https scheme, got %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, errors.New("webhook URL must include a host")
	}
	if cfg.RatePerMinute <= 0 {
		cfg.RatePerMinute = 30
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Sink{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		render:  render,
		limiter: rate.NewLimiter(rate.Limit(float64(cfg.RatePerMinute)/60), 1),
		log:     log.With(logx.String("channel", "webhook"), logx.String("url", RedactURL(cfg.URL))),
	}, nil
}

// Send implements batching.Sink. One POST per call; retries belong to the queue.
func (s *Sink) Send(ctx context.Context, msg batching.Message) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("webhook: rate wait: %w", err)
	}

	content := s.render.Render(msg)
	if len(content) > maxContentLen {
		content = content[:maxContentLen-1] + "…"
	}
	body, err := json.Marshal(payload{Content: content, Username: s.cfg.Username})
	if err != nil {
		return dispatch.Permanent(fmt.Errorf("marshal webhook payload: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return dispatch.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)

	start := time.Now()
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	switch code := resp.StatusCode; {
	case code >= 200 && code < 300:
		s.log.Debug("message posted", logx.String("msg", msg.ID), logx.Duration("took", time.Since(start)))
		return nil
	case code == http.StatusTooManyRequests:
		return dispatch.RateLimited(fmt.Errorf("webhook returned HTTP %d", code), retryAfter(resp))
	case code >= 500:
		return fmt.Errorf("webhook returned HTTP %d", code)
	default:
		return dispatch.Permanent(fmt.Errorf("webhook returned HTTP %d", code))
	}
}

// retryAfter reads the delay from the Retry-After header (seconds, possibly
// fractional) or from Discord's JSON body; one second when neither is usable.
func retryAfter(resp *http.Response) time.Duration {
	if v := strings.TrimSpace(resp.Header.Get("Retry-After")); v != "" {
		if secs, err := strconv.ParseFloat(v, 64); err == nil && secs >= 0 {
			return time.Duration(secs * float64(time.Second))
		}
	}
	var body struct {
		RetryAfter float64 `json:"retry_after"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&body); err == nil && body.RetryAfter > 0 {
		return time.Duration(body.RetryAfter * float64(time.Second))
	}
	return time.Second
}

// RedactURL hides the webhook token (last path segment) and query values.
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<invalid-url>"
	}
	if i := strings.LastIndex(u.Path, "/"); i >= 0 && i < len(u.Path)-1 {
		u.Path = u.Path[:i+1] + "REDACTED"
	}
	if u.RawQuery != "" {
		q := u.Query()
		for k := range q {
			q.Set(k, "REDACTED")
		}
		u.RawQuery = q.Encode()
	}
	return u.Redacted()
}
