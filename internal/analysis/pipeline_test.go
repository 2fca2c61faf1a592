package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xmonitor/internal/metrics"
	"github.com/xmonitor/internal/retry"
	"github.com/xmonitor/pkg/models"
)

// gatedAnalyzer blocks every call until release is closed or a value is sent
type gatedAnalyzer struct {
	mu       sync.Mutex
	calls    []string
	inFlight map[string]int
	maxPer   int
	release  chan struct{}
}

func newGatedAnalyzer() *gatedAnalyzer {
	return &gatedAnalyzer{inFlight: make(map[string]int), release: make(chan struct{})}
}

func (g *gatedAnalyzer) Analyze(ctx context.Context, req Request) (string, error) {
	g.mu.Lock()
	g.calls = append(g.calls, req.UserPrompt)
	g.inFlight[req.Model]++
	if g.inFlight[req.Model] > g.maxPer {
		g.maxPer = g.inFlight[req.Model]
	}
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		g.inFlight[req.Model]--
		g.mu.Unlock()
	}()

	select {
	case <-g.release:
		return "analysis of " + req.UserPrompt, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (g *gatedAnalyzer) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}

func testResolver() *Resolver {
	return NewResolver(DefaultProviders(), "grok", envOf(map[string]string{"XAI_API_KEY": "k"}))
}

func job(target, item, model string) Job {
	return Job{
		Target:   models.TargetRef{ID: target},
		Settings: models.AnalysisSettings{Enabled: true, Provider: "grok", Model: model, Prompt: "p"},
		Item:     models.StreamItem{ID: item, Text: item},
	}
}

func collect(t *testing.T, p *Pipeline, n int) []Result {
	t.Helper()
	var out []Result
	for len(out) < n {
		select {
		case r := <-p.Results():
			out = append(out, r)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for results: got %d of %d", len(out), n)
		}
	}
	return out
}

func TestPipelineOneInFlightPerTargetFIFO(t *testing.T) {
	analyzer := newGatedAnalyzer()
	p := NewPipeline(Config{Timeout: time.Second, MaxConcurrent: 8}, testResolver(), analyzer, zerolog.Nop(), nil)
	defer p.Close()

	for _, id := range []string{"1", "2", "3", "4"} {
		require.NoError(t, p.Submit(job("t1", id, "model-t1")))
	}
	require.Eventually(t, func() bool { return analyzer.callCount() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, 4, p.Pending("t1"))

	close(analyzer.release)
	results := collect(t, p, 4)

	var order []string
	for _, r := range results {
		require.NoError(t, r.Err)
		order = append(order, r.Job.Item.ID)
	}
	assert.Equal(t, []string{"1", "2", "3", "4"}, order)
	assert.Equal(t, 1, analyzer.maxPer)
	assert.Eventually(t, func() bool { return p.Pending("t1") == 0 }, time.Second, time.Millisecond)
}

func TestPipelineTargetsRunConcurrently(t *testing.T) {
	analyzer := newGatedAnalyzer()
	p := NewPipeline(Config{Timeout: time.Second, MaxConcurrent: 8}, testResolver(), analyzer, zerolog.Nop(), nil)
	defer p.Close()

	require.NoError(t, p.Submit(job("a", "1", "m-a")))
	require.NoError(t, p.Submit(job("b", "2", "m-b")))
	require.Eventually(t, func() bool { return analyzer.callCount() == 2 }, time.Second, time.Millisecond)

	close(analyzer.release)
	collect(t, p, 2)
}

func TestPipelineConcurrencyCap(t *testing.T) {
	analyzer := newGatedAnalyzer()
	p := NewPipeline(Config{Timeout: time.Second, MaxConcurrent: 1}, testResolver(), analyzer, zerolog.Nop(), nil)
	defer p.Close()

	require.NoError(t, p.Submit(job("a", "1", "m")))
	require.NoError(t, p.Submit(job("b", "2", "m")))
	require.Eventually(t, func() bool { return analyzer.callCount() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, analyzer.callCount())

	close(analyzer.release)
	collect(t, p, 2)
	assert.Equal(t, 1, analyzer.maxPer)
}

func TestPipelineTimeoutBecomesResultError(t *testing.T) {
	analyzer := newGatedAnalyzer()
	p := NewPipeline(Config{Timeout: 20 * time.Millisecond}, testResolver(), analyzer, zerolog.Nop(), nil)
	defer p.Close()

	require.NoError(t, p.Submit(job("t1", "1", "m")))
	results := collect(t, p, 1)
	require.Error(t, results[0].Err)
	assert.ErrorIs(t, results[0].Err, context.DeadlineExceeded)
	assert.Contains(t, results[0].Err.Error(), "timed out")
}

type panickingAnalyzer struct{}

func (panickingAnalyzer) Analyze(context.Context, Request) (string, error) { panic("boom") }

func TestPipelineRecoversPanics(t *testing.T) {
	p := NewPipeline(Config{Timeout: time.Second}, testResolver(), panickingAnalyzer{}, zerolog.Nop(), nil)
	defer p.Close()

	require.NoError(t, p.Submit(job("t1", "1", "m")))
	require.NoError(t, p.Submit(job("t1", "2", "m")))
	results := collect(t, p, 2)
	for _, r := range results {
		assert.ErrorContains(t, r.Err, "panicked")
	}
}

func TestPipelineCancelDropsQueuedJobs(t *testing.T) {
	analyzer := newGatedAnalyzer()
	m := metrics.New()
	p := NewPipeline(Config{Timeout: time.Second}, testResolver(), analyzer, zerolog.Nop(), m)
	defer p.Close()

	for _, id := range []string{"1", "2", "3"} {
		require.NoError(t, p.Submit(job("t1", id, "m")))
	}
	require.Eventually(t, func() bool { return analyzer.callCount() == 1 }, time.Second, time.Millisecond)

	assert.Equal(t, 2, p.Cancel("t1"))
	assert.Equal(t, 1, p.Pending("t1"), "the call in flight keeps running")
	assert.Equal(t, 2.0, testutil.ToFloat64(m.AnalysisDiscarded))

	close(analyzer.release)
	results := collect(t, p, 1)
	require.NoError(t, results[0].Err)
	assert.Equal(t, "1", results[0].Job.Item.ID)

	require.Eventually(t, func() bool { return p.Pending("t1") == 0 }, time.Second, time.Millisecond)
	assert.Equal(t, 1, analyzer.callCount())
}

func TestPipelineSubmitAfterClose(t *testing.T) {
	p := NewPipeline(Config{}, testResolver(), newGatedAnalyzer(), zerolog.Nop(), nil)
	p.Close()
	assert.ErrorIs(t, p.Submit(job("t1", "1", "m")), ErrPipelineClosed)

	_, open := <-p.Results()
	assert.False(t, open)
}

func chatServer(t *testing.T, calls *atomic.Int32, content string) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		require.Equal(t, "/chat/completions", r.URL.Path)
		require.Equal(t, "Bearer custom-key", r.Header.Get("Authorization"))

		var body struct {
			Model    string `json:"model"`
			Messages []struct {
				Role    string `json:"role"`
				Content any    `json:"content"`
			} `json:"messages"`
		}
		raw, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(raw, &body))
		require.Equal(t, "local-model", body.Model)
		require.Len(t, body.Messages, 2)
		require.Equal(t, "system", body.Messages[0].Role)
		require.Equal(t, "user", body.Messages[1].Role)

		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"id":"c1","object":"chat.completion","created":1,"model":"local-model",
			"choices":[{"index":0,"message":{"role":"assistant","content":"`+content+`"},"finish_reason":"stop"}],
			"usage":{"prompt_tokens":1,"completion_tokens":1,"total_tokens":2}}`)
	}))
	t.Cleanup(server.Close)
	return server
}

func TestPipelineCustomProviderOverHTTP(t *testing.T) {
	var calls atomic.Int32
	server := chatServer(t, &calls, "worth watching")

	analyzer := NewResilientAnalyzer(NewLangchainAnalyzer(zerolog.Nop()), retry.RetryConfig{MaxRetries: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 2}, zerolog.Nop())
	p := NewPipeline(Config{Timeout: 5 * time.Second}, testResolver(), analyzer, zerolog.Nop(), nil)
	defer p.Close()

	require.NoError(t, p.Submit(Job{
		Target: models.TargetRef{ID: "t1"},
		Settings: models.AnalysisSettings{
			Enabled: true, Provider: "custom", Model: "local-model",
			Endpoint: server.URL, APIKey: "custom-key",
		},
		Item: models.StreamItem{ID: "1", Text: "hello"},
	}))

	results := collect(t, p, 1)
	require.NoError(t, results[0].Err)
	assert.Equal(t, "worth watching", results[0].Output)
	assert.Equal(t, "custom", results[0].Provider)
	assert.Equal(t, "local-model", results[0].Model)
	assert.Equal(t, int32(1), calls.Load())
}

func TestPipelineMissingCredentialMakesNoNetworkCall(t *testing.T) {
	var calls atomic.Int32
	server := chatServer(t, &calls, "unused")

	p := NewPipeline(Config{Timeout: 5 * time.Second}, testResolver(), NewLangchainAnalyzer(zerolog.Nop()), zerolog.Nop(), nil)
	defer p.Close()

	start := time.Now()
	require.NoError(t, p.Submit(Job{
		Target:   models.TargetRef{ID: "t1"},
		Settings: models.AnalysisSettings{Enabled: true, Provider: "custom", Model: "local-model", Endpoint: server.URL},
		Item:     models.StreamItem{ID: "1", Text: "hello"},
	}))

	results := collect(t, p, 1)
	var missing *MissingCredentialError
	require.True(t, errors.As(results[0].Err, &missing))
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, int32(0), calls.Load())
}
