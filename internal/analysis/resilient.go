package analysis

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/xmonitor/internal/retry"
)

// ResilientAnalyzer wraps an Analyzer with retry logic. Retries stay inside
// the caller's deadline.
type ResilientAnalyzer struct {
	analyzer    Analyzer
	retryConfig retry.RetryConfig
	logger      zerolog.Logger
}

// NewResilientAnalyzer creates a new resilient analyzer wrapper
func NewResilientAnalyzer(analyzer Analyzer, config retry.RetryConfig, logger zerolog.Logger) *ResilientAnalyzer {
	return &ResilientAnalyzer{
		analyzer:    analyzer,
		retryConfig: config,
		logger:      logger.With().Str("component", "analysis_retry").Logger(),
	}
}

// ResilientResponse reports the outcome of a call together with its retries
type ResilientResponse struct {
	Output        string
	Success       bool
	AttemptsMade  int
	TotalDuration time.Duration
	RetryReasons  []string
	Err           error
}

// AnalyzeWithRetry runs the request, retrying errors that IsRetryableError accepts
func (ra *ResilientAnalyzer) AnalyzeWithRetry(ctx context.Context, req Request) ResilientResponse {
	var output string
	result := retry.RetryWhen(ctx, ra.retryConfig, func() error {
		out, err := ra.analyzer.Analyze(ctx, req)
		if err != nil {
			return err
		}
		output = out
		return nil
	}, func(err error) bool {
		return ctx.Err() == nil && retry.IsRetryableError(err)
	}, ra.logger)

	response := ResilientResponse{
		Success:       result.Success,
		AttemptsMade:  result.Attempts,
		TotalDuration: result.TotalDuration,
		RetryReasons:  result.RetryReasons,
	}
	if result.Success {
		response.Output = output
		return response
	}

	response.Err = result.LastError
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		ra.logger.Warn().Str("model", req.Model).Dur("duration", result.TotalDuration).Msg("Analysis timed out")
		response.Err = ctx.Err()
	}
	return response
}

// Analyze implements Analyzer
func (ra *ResilientAnalyzer) Analyze(ctx context.Context, req Request) (string, error) {
	resp := ra.AnalyzeWithRetry(ctx, req)
	if !resp.Success {
		return "", resp.Err
	}
	return resp.Output, nil
}

// RetryConfig returns the current retry configuration
func (ra *ResilientAnalyzer) RetryConfig() retry.RetryConfig {
	return ra.retryConfig
}
