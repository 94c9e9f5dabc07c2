package github

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"golang.org/x/time/rate"
)

// Classified failures of the provider API. Everything past this package
// boundary deals in these, never in raw HTTP statuses.
var (
	ErrAuthExpired = errors.New("github: auth token expired or invalid")
	ErrRateLimited = errors.New("github: rate limited")
	ErrTransient   = errors.New("github: transient upstream error")
)

// Client wraps the GitHub REST events API. It performs no persistence and
// no caching; it fetches, classifies failures, and normalizes.
type Client struct {
	logger  *slog.Logger
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
}

var tracer = otel.Tracer("github")

func NewClient(logger *slog.Logger, baseURL string, timeout time.Duration, rps float64) *Client {
	logger = logger.With("module", "github")

	client := &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}

	return &Client{
		logger:  logger,
		baseURL: baseURL,
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
	}
}

// ListRecentEvents fetches the user's recent received/performed events.
// When the token is rejected it makes one explicit fallback attempt against
// the public event stream before surfacing ErrAuthExpired, since public
// data is better than none for a dashboard but changes completeness.
func (c *Client) ListRecentEvents(ctx context.Context, token, login string, pageSize int) ([]Event, error) {
	ctx, span := tracer.Start(ctx, "ListRecentEvents")
	defer span.End()

	events, err := c.listEvents(ctx, token, fmt.Sprintf("/users/%s/events", url.PathEscape(login)), pageSize)
	if err == nil {
		return events, nil
	}

	if errors.Is(err, ErrAuthExpired) {
		c.logger.Warn("token rejected, falling back to public event stream", "login", login)
		events, fbErr := c.listEvents(ctx, "", fmt.Sprintf("/users/%s/events/public", url.PathEscape(login)), pageSize)
		if fbErr == nil {
			return events, nil
		}
		c.logger.Warn("public event fallback failed", "login", login, "err", fbErr)
		return nil, ErrAuthExpired
	}

	return nil, err
}

func (c *Client) listEvents(ctx context.Context, token, path string, pageSize int) ([]Event, error) {
	u, err := url.Parse(fmt.Sprintf("%s%s?per_page=%d", c.baseURL, path, pageSize))
	if err != nil {
		return nil, fmt.Errorf("failed to parse URL: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	req.Header.Set("User-Agent", "teamlens-syncd")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	// Rate limit requests
	err = c.limiter.Wait(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to wait for rate limiter: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		requestsTotal.WithLabelValues("transport_error").Inc()
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp); err != nil {
		requestsTotal.WithLabelValues(classLabel(err)).Inc()
		c.logger.Debug("provider request failed", "path", path, "status", resp.Status)
		return nil, err
	}

	var events []Event
	if err := json.NewDecoder(resp.Body).Decode(&events); err != nil {
		requestsTotal.WithLabelValues("decode_error").Inc()
		return nil, fmt.Errorf("failed to decode events: %w", err)
	}

	requestsTotal.WithLabelValues("ok").Inc()

	return events, nil
}

func classifyStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusOK:
		return nil
	case resp.StatusCode == http.StatusUnauthorized:
		return ErrAuthExpired
	case resp.StatusCode == http.StatusTooManyRequests:
		return ErrRateLimited
	case resp.StatusCode == http.StatusForbidden:
		// GitHub reports primary rate limiting as a 403 with the
		// remaining quota header at zero.
		if resp.Header.Get("X-RateLimit-Remaining") == "0" {
			return ErrRateLimited
		}
		return ErrAuthExpired
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: status %s", ErrTransient, resp.Status)
	default:
		return fmt.Errorf("unexpected response status: %s", resp.Status)
	}
}

func classLabel(err error) string {
	switch {
	case errors.Is(err, ErrAuthExpired):
		return "auth_expired"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrTransient):
		return "transient"
	default:
		return "unexpected"
	}
}
