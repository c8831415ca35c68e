package nl2sql

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
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/asksql/asksql/internal/observability"
)

const DefaultGeminiEndpoint = "https://generativelanguage.googleapis.com/v1beta/models/gemini-2.5-flash:generateContent"

const maxResponseBytes = 4 << 20

const DefaultTotalTimeout = 25 * time.Second

// ErrUnavailable wraps every generation failure. Callers should treat it as
// "no SQL produced" rather than as a server fault.
var ErrUnavailable = errors.New("generation unavailable")

type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("generation request failed status=%d body=%s", e.StatusCode, e.Body)
}

// Temporary reports whether the status is worth retrying.
func (e *StatusError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

type GeminiConfig struct {
	Endpoint string
	APIKey   string
	Timeout  time.Duration
	// TotalTimeout bounds Generate across all attempts and backoff sleeps.
	TotalTimeout   time.Duration
	MaxAttempts    int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	// RateLimit is requests per second; zero disables limiting.
	RateLimit  float64
	RateBurst  int
	HTTPClient *http.Client
	Logger     *slog.Logger
}

type GeminiClient struct {
	endpoint       string
	apiKey         string
	timeout        time.Duration
	totalTimeout   time.Duration
	maxAttempts    int
	backoffInitial time.Duration
	backoffMax     time.Duration
	limiter        *rate.Limiter
	client         *http.Client
	logger         *slog.Logger
}

func NewGeminiClient(cfg GeminiConfig) (*GeminiClient, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("api key is required")
	}
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		endpoint = DefaultGeminiEndpoint
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	totalTimeout := cfg.TotalTimeout
	if totalTimeout <= 0 {
		totalTimeout = DefaultTotalTimeout
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	backoffInitial := cfg.BackoffInitial
	if backoffInitial <= 0 {
		backoffInitial = 250 * time.Millisecond
	}
	backoffMax := cfg.BackoffMax
	if backoffMax < backoffInitial {
		backoffMax = backoffInitial
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}

	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	return &GeminiClient{
		endpoint:       endpoint,
		apiKey:         strings.TrimSpace(cfg.APIKey),
		timeout:        timeout,
		totalTimeout:   totalTimeout,
		maxAttempts:    maxAttempts,
		backoffInitial: backoffInitial,
		backoffMax:     backoffMax,
		limiter:        limiter,
		client:         client,
		logger:         observability.Component(cfg.Logger, "nl2sql"),
	}, nil
}

// Generate returns the model's raw text. Code fences are left in place.
func (c *GeminiClient) Generate(ctx context.Context, prompt string) (string, error) {
	if c == nil {
		return "", fmt.Errorf("%w: client is not configured", ErrUnavailable)
	}
	body, err := json.Marshal(map[string]any{
		"input": map[string]string{"text": prompt},
	})
	if err != nil {
		return "", fmt.Errorf("%w: marshal request: %v", ErrUnavailable, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.totalTimeout)
	defer cancel()

	start := time.Now()
	defer func() { observability.ObserveGeneration(time.Since(start)) }()

	attempt := 0
	text, err := backoff.RetryWithData(func() (string, error) {
		attempt++
		text, err := c.attempt(ctx, body)
		switch {
		case err == nil:
			observability.IncrementGenerationAttempt("success")
		case isPermanent(err):
			observability.IncrementGenerationAttempt("permanent")
		default:
			observability.IncrementGenerationAttempt("transient")
			c.logger.WarnContext(ctx, "generation attempt failed", slog.Int("attempt", attempt), slog.Any("error", err))
		}
		return text, err
	}, backoff.WithContext(c.newBackOff(), ctx))
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return text, nil
}

func (c *GeminiClient) newBackOff() backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = c.backoffInitial
	exp.MaxInterval = c.backoffMax
	exp.MaxElapsedTime = c.totalTimeout
	exp.Reset()
	return backoff.WithMaxRetries(exp, uint64(c.maxAttempts-1))
}

func (c *GeminiClient) attempt(ctx context.Context, body []byte) (string, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return "", backoff.Permanent(fmt.Errorf("wait for rate limiter: %w", err))
		}
	}

	attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", backoff.Permanent(fmt.Errorf("build generation request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", backoff.Permanent(fmt.Errorf("request generation: %w", err))
		}
		return "", fmt.Errorf("request generation: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", fmt.Errorf("read generation response body: %w", err)
	}
	if resp.StatusCode >= 400 {
		statusErr := &StatusError{StatusCode: resp.StatusCode, Body: truncate(string(raw), 512)}
		if statusErr.Temporary() {
			return "", statusErr
		}
		return "", backoff.Permanent(statusErr)
	}

	text, strategy, err := extractText(raw)
	if err != nil {
		return "", backoff.Permanent(err)
	}
	c.logger.DebugContext(ctx, "generation response extracted", slog.String("strategy", strategy))
	return text, nil
}

func isPermanent(err error) bool {
	var permanent *backoff.PermanentError
	return errors.As(err, &permanent)
}

func truncate(value string, limit int) string {
	if len(value) <= limit {
		return value
	}
	return value[:limit] + "..."
}
