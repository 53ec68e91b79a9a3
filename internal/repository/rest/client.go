package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/jwalitptl/notify-sync/internal/session"
	"github.com/jwalitptl/notify-sync/pkg/circuitbreaker"
	apperrors "github.com/jwalitptl/notify-sync/pkg/errors"
	"github.com/jwalitptl/notify-sync/pkg/logger"
	"github.com/jwalitptl/notify-sync/pkg/metrics"
)

const headerRequestID = "X-Request-ID"

// errAbandoned tags failures of requests whose caller gave up, e.g. a
// fetch cancelled by a filter change. They are not held against the API.
var errAbandoned = errors.New("request abandoned by caller")

type Config struct {
	BaseURL string
	Timeout time.Duration
	// RequestsPerSecond limits outgoing calls; zero disables the limiter.
	RequestsPerSecond float64
	Burst             int
	// MaxRetries bounds retries on 429 responses.
	MaxRetries      int
	BreakerFailures int
	BreakerTimeout  time.Duration
}

// Client is a thin HTTP client for the notification API. It handles
// bearer authentication, request ids, JSON decoding, client side rate
// limiting and retry on 429.
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	breaker    *circuitbreaker.CircuitBreaker
	maxRetries int
	logger     *logger.Logger
	metrics    *metrics.Metrics
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func WithLogger(l *logger.Logger) Option {
	return func(c *Client) { c.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

func NewClient(cfg Config, opts ...Option) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}

	c := &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{Timeout: cfg.Timeout},
		maxRetries: cfg.MaxRetries,
		logger:     logger.Nop(),
	}
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	c.breaker = circuitbreaker.NewCircuitBreaker(circuitbreaker.Settings{
		Name:         "notification-api",
		MaxFailures:  cfg.BreakerFailures,
		Timeout:      cfg.BreakerTimeout,
		IsSuccessful: isClientError,
		IsExcluded: func(err error) bool {
			return errors.Is(err, errAbandoned)
		},
		OnStateChange: func(name string, from, to circuitbreaker.State) {
			c.logger.Warn("circuit breaker state changed", "breaker", name, "from", string(from), "to", string(to))
		},
	})

	for _, opt := range opts {
		opt(c)
	}
	return c
}

// isClientError keeps 4xx answers (other than 429) from tripping the
// breaker: the server is up, it just rejected the request.
func isClientError(err error) bool {
	var appErr *apperrors.AppError
	if !errors.As(err, &appErr) || appErr.Status == 0 {
		return false
	}
	return appErr.Status >= 400 && appErr.Status < 500 && appErr.Status != http.StatusTooManyRequests
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (c *Client) do(
	ctx context.Context,
	sess session.Session,
	method string,
	path string,
	body interface{},
	result interface{},
) error {
	if sess.IsZero() {
		return apperrors.Unauthorized(session.ErrEmptyToken)
	}

	var payload []byte
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling request body: %w", err)
		}
		payload = data
	}

	start := time.Now()
	err := c.breaker.Execute(func() error {
		err := c.doWithRetry(ctx, sess, method, path, payload, result)
		if err != nil && ctx.Err() != nil {
			return fmt.Errorf("%w: %w", errAbandoned, err)
		}
		return err
	})
	c.observe(method, start, err)
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return apperrors.Unavailable("notification API unavailable", err)
	}
	return err
}

func (c *Client) doWithRetry(
	ctx context.Context,
	sess session.Session,
	method string,
	path string,
	payload []byte,
	result interface{},
) error {
	url := c.baseURL + path

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return fmt.Errorf("waiting for rate limiter: %w", err)
			}
		}

		var bodyReader io.Reader
		if payload != nil {
			bodyReader = bytes.NewReader(payload)
		}

		req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
		if err != nil {
			return fmt.Errorf("creating request: %w", err)
		}

		requestID := uuid.New().String()
		req.Header.Set("Authorization", sess.Authorization())
		req.Header.Set("Accept", "application/json")
		req.Header.Set(headerRequestID, requestID)
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("executing request %s %s: %w", method, path, err)
		}

		respBody, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			return fmt.Errorf("reading response body: %w", readErr)
		}

		if resp.StatusCode == http.StatusTooManyRequests && attempt < c.maxRetries {
			wait := retryAfterDuration(resp, attempt)
			lastErr = apperrors.FromStatus(resp.StatusCode, "rate limited")
			c.logger.Debug("rate limited, retrying", "path", path, "request_id", requestID, "wait", wait.String())

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
				continue
			}
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			var eb errorBody
			msg := ""
			if json.Unmarshal(respBody, &eb) == nil {
				msg = eb.Error
				if msg == "" {
					msg = eb.Message
				}
			}
			appErr := apperrors.FromStatus(resp.StatusCode, msg)
			return fmt.Errorf("%s %s (request %s): %w", method, path, requestID, appErr)
		}

		// No content to parse (e.g. 204).
		if result == nil || resp.StatusCode == http.StatusNoContent || len(respBody) == 0 {
			return nil
		}

		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("unmarshaling response from %s %s: %w", method, path, err)
		}
		return nil
	}

	return fmt.Errorf("max retries (%d) exceeded: %w", c.maxRetries, lastErr)
}

func (c *Client) observe(method string, start time.Time, err error) {
	if c.metrics == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	c.metrics.APIRequests.WithLabelValues(method, status).Inc()
	c.metrics.APIRequestsTime.WithLabelValues(method).Observe(time.Since(start).Seconds())
}

// retryAfterDuration reads the Retry-After header and falls back to
// exponential backoff.
func retryAfterDuration(resp *http.Response, attempt int) time.Duration {
	if header := resp.Header.Get("Retry-After"); header != "" {
		if seconds, err := strconv.Atoi(header); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}

	backoff := time.Duration(1<<uint(attempt)) * time.Second
	if backoff > 30*time.Second {
		backoff = 30 * time.Second
	}
	return backoff
}
