package stream

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/xmonitor/internal/metrics"
	"github.com/xmonitor/internal/retry"
	"github.com/xmonitor/internal/xapi"
	"github.com/xmonitor/pkg/models"
)

// Opener opens one stream connection
type Opener interface {
	OpenStream(ctx context.Context) (io.ReadCloser, error)
}

// Observer receives connection state changes and informational notices.
// Calls are made from the goroutine ranging over the stream and must not block.
type Observer interface {
	OnStateChange(state models.ConnectionState)
	OnNotice(level models.SystemLevel, message string)
}

// Config is the reconnect policy
type Config struct {
	Retry             retry.RetryConfig
	RateLimitDelay    time.Duration
	ProvisioningDelay time.Duration
	NoRulesDelay      time.Duration
	// StabilityWindow is how long a connection must stay up for the backoff
	// to return to its base delay even if no item arrived.
	StabilityWindow time.Duration
	// StallTimeout closes a connection that delivered no bytes, keep-alive
	// newlines included, for this long.
	StallTimeout time.Duration
}

// DefaultConfig returns the policy used against the production API
func DefaultConfig() Config {
	return Config{
		Retry:             retry.StreamRetryConfig(),
		RateLimitDelay:    60 * time.Second,
		ProvisioningDelay: 60 * time.Second,
		NoRulesDelay:      5 * time.Second,
		StabilityWindow:   30 * time.Second,
		StallTimeout:      90 * time.Second,
	}
}

// StreamUnavailableError is yielded when consecutive failures exhaust the retry budget
type StreamUnavailableError struct {
	Attempts int
	Err      error
}

func (e *StreamUnavailableError) Error() string {
	return fmt.Sprintf("stream unavailable after %d attempts: %v", e.Attempts, e.Err)
}

func (e *StreamUnavailableError) Unwrap() error { return e.Err }

var (
	errStreamEnded = errors.New("stream ended by remote host")
	errStalled     = errors.New("no data received within the stall timeout")
)

// Client owns the single stream connection of the process. Each call to
// Connect supersedes the previous one.
type Client struct {
	opener  Opener
	cfg     Config
	logger  zerolog.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	observer Observer
	state    models.ConnectionState
	session  uint64
	cancel   context.CancelFunc
}

// NewClient creates a stream client
func NewClient(opener Opener, cfg Config, logger zerolog.Logger, m *metrics.Metrics) *Client {
	return &Client{
		opener:  opener,
		cfg:     cfg,
		logger:  logger.With().Str("component", "stream").Logger(),
		metrics: m,
		state:   models.ConnectionState{Phase: models.PhaseDisconnected},
	}
}

// SetObserver registers the receiver of state changes and notices
func (c *Client) SetObserver(o Observer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observer = o
}

// State returns the current connection state
func (c *Client) State() models.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Terminate closes the current connection and cancels any pending reconnect
// timer. Nothing reconnects until the next Connect.
func (c *Client) Terminate() {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.session++
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.setState(0, models.ConnectionState{Phase: models.PhaseDisconnected, Reason: "terminated"}, true)
}

// Connect returns a lazy sequence of stream items. Nothing happens until the
// sequence is ranged over. The connection is kept alive with exponential
// backoff between attempts. The sequence yields an error only for fatal
// conditions (AuthError, StreamUnavailableError) and ends after it. It also
// ends silently when ctx is cancelled, when Terminate is called, or when a
// newer Connect starts.
//
// The expressions are informational: the remote side matches against the
// rules registered through the RuleStore.
func (c *Client) Connect(ctx context.Context, expressions []string) iter.Seq2[models.StreamItem, error] {
	return func(yield func(models.StreamItem, error) bool) {
		ctx, session := c.begin(ctx)
		defer c.end(session)

		c.logger.Info().Int("rules", len(expressions)).Msg("Starting stream")
		backoff := retry.NewBackoff(c.cfg.Retry)
		var notified xapi.Condition

		for {
			if ctx.Err() != nil {
				return
			}

			c.setState(session, models.ConnectionState{Phase: models.PhaseConnecting, Attempt: backoff.Attempt()}, false)
			c.metrics.StreamConnect()

			body, err := c.opener.OpenStream(ctx)
			if err == nil {
				notified = ""
				connectedAt := time.Now()
				c.setState(session, models.ConnectionState{Phase: models.PhaseConnected}, false)

				var stopped bool
				stopped, err = c.consume(ctx, body, backoff, yield)
				if stopped {
					return
				}
				if time.Since(connectedAt) >= c.cfg.StabilityWindow {
					backoff.Reset()
				}
			}

			if ctx.Err() != nil {
				return
			}

			if xapi.IsAuthError(err) {
				c.logger.Error().Err(err).Msg("Stream rejected credentials")
				c.setState(session, models.ConnectionState{Phase: models.PhaseDisconnected, Reason: err.Error()}, false)
				yield(models.StreamItem{}, err)
				return
			}

			delay, class, counted := c.delayFor(err, backoff)
			if counted && backoff.Attempt() > c.cfg.Retry.MaxRetries && c.cfg.Retry.MaxRetries > 0 {
				unavailable := &StreamUnavailableError{Attempts: backoff.Attempt(), Err: err}
				c.logger.Error().Err(unavailable).Msg("Giving up on the stream")
				c.setState(session, models.ConnectionState{Phase: models.PhaseDisconnected, Reason: unavailable.Error()}, false)
				yield(models.StreamItem{}, unavailable)
				return
			}

			var cond *xapi.ConditionError
			if errors.As(err, &cond) {
				if cond.Condition != notified {
					notified = cond.Condition
					c.notice(models.LevelInfo, fmt.Sprintf("%s; retrying in %s", cond.Error(), delay.Round(time.Second)))
				}
			} else {
				c.notice(models.LevelWarn, fmt.Sprintf("stream error: %v; retrying in %s", err, delay.Round(time.Second)))
			}

			c.metrics.StreamBackoff(class)
			c.logger.Warn().Err(err).Str("class", class).Dur("delay", delay).Int("attempt", backoff.Attempt()).Msg("Stream disconnected, backing off")
			c.setState(session, models.ConnectionState{
				Phase:   models.PhaseBackoff,
				Attempt: backoff.Attempt(),
				Until:   time.Now().Add(delay),
				Reason:  err.Error(),
			}, false)

			if retry.Sleep(ctx, delay) != nil {
				return
			}
		}
	}
}

// delayFor picks the wait before the next attempt. Conditions that do not
// indicate a failing connection are not counted against the retry budget.
func (c *Client) delayFor(err error, backoff *retry.Backoff) (time.Duration, string, bool) {
	var cond *xapi.ConditionError
	if errors.As(err, &cond) {
		switch cond.Condition {
		case xapi.ConditionNoRules:
			return c.cfg.NoRulesDelay, "no_rules", false
		case xapi.ConditionProvisioning:
			return c.cfg.ProvisioningDelay, "provisioning", false
		case xapi.ConditionTooManyConnections:
			return backoff.NextAtLeast(c.cfg.RateLimitDelay), "rate_limited", true
		}
	}
	return backoff.Next(), "transient", true
}

// consume reads the connection line by line until it fails. stopped reports
// that the consumer stopped ranging or the session ended.
func (c *Client) consume(ctx context.Context, body io.ReadCloser, backoff *retry.Backoff, yield func(models.StreamItem, error) bool) (stopped bool, err error) {
	var closeOnce sync.Once
	closeBody := func() { closeOnce.Do(func() { body.Close() }) }
	defer closeBody()

	var stalled atomic.Bool
	stallTimer := time.AfterFunc(c.cfg.StallTimeout, func() {
		stalled.Store(true)
		closeBody()
	})
	defer stallTimer.Stop()

	stopWatch := context.AfterFunc(ctx, closeBody)
	defer stopWatch()

	reader := bufio.NewReaderSize(body, 64*1024)
	for {
		line, readErr := reader.ReadBytes('\n')
		if len(line) > 0 {
			stallTimer.Reset(c.cfg.StallTimeout)
		}

		if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 {
			msg, decodeErr := xapi.DecodeStreamLine(trimmed)
			switch {
			case decodeErr != nil:
				c.logger.Warn().Err(decodeErr).Msg("Skipping malformed stream line")
			case msg.Item != nil:
				backoff.Reset()
				if !yield(*msg.Item, nil) {
					return true, nil
				}
			case len(msg.Errors) > 0:
				c.notice(models.LevelWarn, "stream response errors: "+xapi.FormatAPIErrors(msg.Errors))
			}
		}

		if readErr != nil {
			switch {
			case ctx.Err() != nil:
				return true, ctx.Err()
			case stalled.Load():
				return false, &xapi.TransientNetworkError{Op: "stream read", Err: errStalled}
			case errors.Is(readErr, io.EOF):
				return false, &xapi.TransientNetworkError{Op: "stream read", Err: errStreamEnded}
			default:
				return false, &xapi.TransientNetworkError{Op: "stream read", Err: readErr}
			}
		}
	}
}

// begin registers a new session, superseding any previous one
func (c *Client) begin(parent context.Context) (context.Context, uint64) {
	ctx, cancel := context.WithCancel(parent)

	c.mu.Lock()
	previous := c.cancel
	c.session++
	session := c.session
	c.cancel = cancel
	c.mu.Unlock()

	if previous != nil {
		previous()
	}
	return ctx, session
}

func (c *Client) end(session uint64) {
	c.mu.Lock()
	current := c.session == session
	var cancel context.CancelFunc
	if current {
		cancel = c.cancel
		c.cancel = nil
	}
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if current {
		c.setState(session, models.ConnectionState{Phase: models.PhaseDisconnected}, false)
	}
}

// setState publishes a state change if session is still the current one
func (c *Client) setState(session uint64, state models.ConnectionState, force bool) {
	c.mu.Lock()
	if !force && session != c.session {
		c.mu.Unlock()
		return
	}
	if c.state.Phase == state.Phase && state.Phase != models.PhaseBackoff {
		c.mu.Unlock()
		return
	}
	c.state = state
	observer := c.observer
	c.mu.Unlock()

	c.metrics.ConnectionState(state.Phase)
	if observer != nil {
		observer.OnStateChange(state)
	}
}

func (c *Client) notice(level models.SystemLevel, message string) {
	c.mu.Lock()
	observer := c.observer
	c.mu.Unlock()
	if observer != nil {
		observer.OnNotice(level, message)
	}
}
