package bridge

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"order-ladder-bot-go/internal/config"
	"order-ladder-bot-go/internal/session"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	signatureHeader = "X-Bridge-Signature"
	timestampHeader = "X-Bridge-Timestamp"
	maxRetries      = 3
)

// Client talks to the browser-automation sidecar that drives the venue's
// web interface. It implements session.Provider.
type Client struct {
	client  *resty.Client
	secret  string
	logger  *zap.Logger
	limiter *rate.Limiter
	backoff time.Duration
}

// ensure Client implements the interface
var _ session.Provider = (*Client)(nil)

// NewClient creates a new sidecar client.
func NewClient(cfg *config.Bridge, logger *zap.Logger) *Client {
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(time.Duration(cfg.TimeoutSeconds) * time.Second)

	// rate.Limit is requests per second.
	limiter := rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateLimitBurst)

	return &Client{
		client:  client,
		secret:  cfg.Token,
		logger:  logger.Named("bridge"),
		limiter: limiter,
		backoff: time.Second,
	}
}

// sign creates a HMAC-SHA256 signature over method, path and timestamp.
func (c *Client) sign(method, path, ts string) string {
	h := hmac.New(sha256.New, []byte(c.secret))
	h.Write([]byte(method + "\n" + path + "\n" + ts))
	return hex.EncodeToString(h.Sum(nil))
}

func (c *Client) newRequest(ctx context.Context) *resty.Request {
	return c.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json")
}

// doRequest handles the actual request execution with rate limiting and retry logic.
func (c *Client) doRequest(ctx context.Context, method, path string, req *resty.Request) (*resty.Response, error) {
	var resp *resty.Response
	var err error

	for i := 0; i < maxRetries; i++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%w: rate limiter wait failed: %w", session.ErrExternalCall, err)
		}

		if c.secret != "" {
			ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
			req.SetHeader(timestampHeader, ts)
			req.SetHeader(signatureHeader, c.sign(method, path, ts))
		}

		c.logger.Debug("Executing request", zap.String("method", method), zap.String("path", path))
		resp, err = req.Execute(method, path)

		if err == nil && !resp.IsError() {
			return resp, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("%w: %w", session.ErrExternalCall, ctxErr)
		}

		// Analyze error and decide whether to retry
		shouldRetry := false
		var retryAfter time.Duration

		if err == nil {
			statusCode := resp.StatusCode()
			if statusCode == http.StatusTooManyRequests {
				shouldRetry = true
				if seconds, convErr := strconv.Atoi(resp.Header().Get("Retry-After")); convErr == nil {
					retryAfter = time.Duration(seconds) * time.Second
				}
			} else if statusCode >= 500 {
				shouldRetry = true
			}
		} else { // Network or other client-side errors
			shouldRetry = true
		}

		if !shouldRetry {
			return nil, fmt.Errorf("%w: request failed with status %s: %s", session.ErrExternalCall, resp.Status(), resp.String())
		}

		if retryAfter == 0 {
			// Exponential backoff: 1s, 2s, 4s
			retryAfter = time.Duration(math.Pow(2, float64(i))) * c.backoff
		}

		c.logger.Warn("Request failed, retrying...",
			zap.Int("attempt", i+1),
			zap.Duration("retry_after", retryAfter),
			zap.Error(err),
		)

		select {
		case <-time.After(retryAfter):
			continue
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %w", session.ErrExternalCall, ctx.Err())
		}
	}

	if err == nil && resp != nil {
		err = fmt.Errorf("status %s", resp.Status())
	}
	return nil, fmt.Errorf("%w: request failed after %d attempts: %w", session.ErrExternalCall, maxRetries, err)
}

type acquireRequest struct {
	Profile string `json:"profile"`
}

type acquireResponse struct {
	SessionID string `json:"session_id"`
}

// Acquire opens a browser session for profile on the sidecar.
func (c *Client) Acquire(ctx context.Context, profile string) (session.Session, error) {
	req := c.newRequest(ctx).
		SetBody(acquireRequest{Profile: profile}).
		SetResult(&acquireResponse{})

	resp, err := c.doRequest(ctx, http.MethodPost, "/sessions", req)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire session for %s: %w", profile, err)
	}

	result := resp.Result().(*acquireResponse)
	if result.SessionID == "" {
		return nil, fmt.Errorf("%w: sidecar returned no session id", session.ErrExternalCall)
	}
	c.logger.Debug("Session acquired", zap.String("profile", profile), zap.String("session_id", result.SessionID))
	return &remoteSession{client: c, id: result.SessionID, profile: profile}, nil
}

// Ping checks that the sidecar is reachable.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.doRequest(ctx, http.MethodGet, "/healthz", c.newRequest(ctx)); err != nil {
		return fmt.Errorf("failed to reach bridge: %w", err)
	}
	return nil
}
