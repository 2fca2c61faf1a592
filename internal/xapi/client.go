package xapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/xmonitor/internal/metrics"
	"github.com/xmonitor/internal/retry"
)

const (
	DefaultBaseURL = "https://api.x.com"

	rulesPath       = "/2/tweets/search/stream/rules"
	streamPath      = "/2/tweets/search/stream"
	connectionsPath = "/2/connections/all"
)

// Config configures the X API client
type Config struct {
	BaseURL     string
	BearerToken string

	// RequestTimeout bounds whole rule and connection management calls.
	RequestTimeout time.Duration
	// ConnectTimeout bounds dialing, the TLS handshake and waiting for
	// response headers. The stream body itself has no deadline.
	ConnectTimeout time.Duration
	KeepAlive      time.Duration

	RuleTagPrefix  string
	RulesPerSecond float64
	RuleBurst      int
	Retry          retry.RetryConfig
}

// Client talks to the rule, stream and connection endpoints
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// NewClient creates a client. The underlying http.Client has no overall
// timeout so the stream can stay open indefinitely.
func NewClient(cfg Config, logger zerolog.Logger, m *metrics.Metrics) (*Client, error) {
	if strings.TrimSpace(cfg.BearerToken) == "" {
		return nil, errors.New("missing X bearer token (set X_BEARER_TOKEN or x.bearer_token)")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 15 * time.Second
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = 30 * time.Second
	}
	if cfg.RuleTagPrefix == "" {
		cfg.RuleTagPrefix = "xmon:"
	}
	if cfg.RulesPerSecond <= 0 {
		cfg.RulesPerSecond = 5
	}
	if cfg.RuleBurst <= 0 {
		cfg.RuleBurst = 5
	}
	if cfg.Retry.Multiplier == 0 {
		cfg.Retry = retry.RuleAPIRetryConfig()
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.ConnectTimeout,
			KeepAlive: cfg.KeepAlive,
		}).DialContext,
		TLSHandshakeTimeout:   cfg.ConnectTimeout,
		ResponseHeaderTimeout: cfg.ConnectTimeout,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
	}

	return &Client{
		cfg:     cfg,
		http:    &http.Client{Transport: transport},
		limiter: rate.NewLimiter(rate.Limit(cfg.RulesPerSecond), cfg.RuleBurst),
		logger:  logger.With().Str("component", "xapi").Logger(),
		metrics: m,
	}, nil
}

// TagPrefix returns the prefix marking rules owned by this monitor
func (c *Client) TagPrefix() string {
	return c.cfg.RuleTagPrefix
}

func (c *Client) newRequest(ctx context.Context, method, path string, payload interface{}) (*http.Request, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal payload: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.BearerToken)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// doJSON performs a bounded management call and returns the status code and body.
// Network failures come back as TransientNetworkError.
func (c *Client) doJSON(ctx context.Context, op, method, path string, payload interface{}) (int, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	if err := c.limiter.Wait(ctx); err != nil {
		return 0, nil, &TransientNetworkError{Op: op, Err: err}
	}

	req, err := c.newRequest(ctx, method, path, payload)
	if err != nil {
		return 0, nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, &TransientNetworkError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, &TransientNetworkError{Op: op, StatusCode: resp.StatusCode, Err: err}
	}

	c.logger.Debug().Str("op", op).Int("status", resp.StatusCode).Int("bytes", len(body)).Msg("X API call")
	return resp.StatusCode, body, nil
}

// classify maps a non-success management response to the error taxonomy
func classify(op string, status int, body []byte) error {
	switch {
	case status == http.StatusUnauthorized:
		return &AuthError{Op: op, StatusCode: status, Detail: problemDetail(body)}
	case status == http.StatusForbidden:
		if isQuotaProblem(body) {
			return &QuotaExceededError{Detail: problemDetail(body)}
		}
		return &AuthError{Op: op, StatusCode: status, Detail: problemDetail(body)}
	case status == http.StatusTooManyRequests || status >= 500:
		return &TransientNetworkError{Op: op, StatusCode: status, Err: errors.New(strings.TrimSpace(string(body)))}
	default:
		return &StatusError{Op: op, StatusCode: status, Body: string(body)}
	}
}

type problem struct {
	Title  string     `json:"title"`
	Detail string     `json:"detail"`
	Type   string     `json:"type"`
	Errors []APIError `json:"errors"`
}

func problemDetail(body []byte) string {
	var p problem
	if err := json.Unmarshal(body, &p); err != nil {
		return strings.TrimSpace(string(body))
	}
	switch {
	case p.Detail != "":
		return p.Detail
	case p.Title != "":
		return p.Title
	case len(p.Errors) > 0:
		return FormatAPIErrors(p.Errors)
	default:
		return strings.TrimSpace(string(body))
	}
}

// quotaTitles are the problem titles the rules endpoint uses for the rule cap
var quotaTitles = []string{"RulesCapExceeded", "RuleCapExceeded"}

// isQuotaProblem reports whether a problem body rejects a rule because the
// account is at its rule cap
func isQuotaProblem(body []byte) bool {
	var p problem
	if err := json.Unmarshal(body, &p); err != nil {
		return quotaText(string(body))
	}
	if isQuotaError(APIError{Title: p.Title, Type: p.Type, Detail: p.Detail}) {
		return true
	}
	for _, e := range p.Errors {
		if isQuotaError(e) {
			return true
		}
	}
	return false
}

func isQuotaError(e APIError) bool {
	for _, title := range quotaTitles {
		if strings.EqualFold(strings.TrimSpace(e.Title), title) {
			return true
		}
	}
	if strings.HasSuffix(strings.TrimRight(e.Type, "/"), "/rule-cap") {
		return true
	}
	return quotaText(e.Detail)
}

func quotaText(text string) bool {
	lower := strings.ToLower(text)
	for _, marker := range []string{"rulescapexceeded", "rulecapexceeded", "rule cap", "rules cap", "number of rules", "rule limit", "quota"} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

func isSuccess(status int) bool {
	return status >= 200 && status < 300
}
