package analysis

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/xmonitor/internal/metrics"
	"github.com/xmonitor/pkg/models"
)

// ErrPipelineClosed is returned by Submit after Close
var ErrPipelineClosed = errors.New("analysis pipeline is closed")

// Job asks for one item to be analysed on behalf of a target
type Job struct {
	Target   models.TargetRef
	Settings models.AnalysisSettings
	Item     models.StreamItem
}

// Result is the outcome of a Job. Err is set when the call failed.
type Result struct {
	Job      Job
	Provider string
	Model    string
	Output   string
	Err      error
	Duration time.Duration
}

// Config controls the pipeline
type Config struct {
	Timeout       time.Duration
	MaxConcurrent int
	Temperature   float64
	SystemPrompt  string
}

type targetQueue struct {
	jobs    []Job
	running bool
	cancel  context.CancelFunc
}

// Pipeline runs analysis calls concurrently across targets while keeping at
// most one call in flight per target. Further jobs for a busy target wait in
// FIFO order. Submit never blocks.
type Pipeline struct {
	cfg      Config
	resolver *Resolver
	analyzer Analyzer
	logger   zerolog.Logger
	metrics  *metrics.Metrics
	sem      *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	queues  map[string]*targetQueue
	closed  bool
	results chan Result
}

// NewPipeline creates a pipeline. Results must be drained by the caller.
func NewPipeline(cfg Config, resolver *Resolver, analyzer Analyzer, logger zerolog.Logger, m *metrics.Metrics) *Pipeline {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 45 * time.Second
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = DefaultSystemPrompt
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Pipeline{
		cfg:      cfg,
		resolver: resolver,
		analyzer: analyzer,
		logger:   logger.With().Str("component", "analysis").Logger(),
		metrics:  m,
		sem:      semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		ctx:      ctx,
		cancel:   cancel,
		queues:   make(map[string]*targetQueue),
		results:  make(chan Result, 64),
	}
}

// Results is the single channel all outcomes are delivered on. It is closed
// by Close once every worker has stopped.
func (p *Pipeline) Results() <-chan Result {
	return p.results
}

// Submit queues a job behind any earlier jobs of the same target
func (p *Pipeline) Submit(job Job) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPipelineClosed
	}

	q, ok := p.queues[job.Target.ID]
	if !ok {
		q = &targetQueue{}
		p.queues[job.Target.ID] = q
	}
	q.jobs = append(q.jobs, job)
	if !q.running {
		q.running = true
		p.wg.Add(1)
		go p.work(job.Target.ID, q)
	}
	return nil
}

// Pending returns the number of queued and in-flight jobs of a target
func (p *Pipeline) Pending(targetID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	q, ok := p.queues[targetID]
	if !ok {
		return 0
	}
	n := len(q.jobs)
	if q.cancel != nil {
		n++
	}
	return n
}

// Cancel drops the queued jobs of a target and returns how many were
// discarded. A call already in flight runs to completion; its result still
// arrives on Results and the caller decides whether to emit it.
func (p *Pipeline) Cancel(targetID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	q, ok := p.queues[targetID]
	if !ok {
		return 0
	}
	dropped := len(q.jobs)
	q.jobs = nil
	for i := 0; i < dropped; i++ {
		p.metrics.AnalysisDropped()
	}
	return dropped
}

// Close stops accepting jobs, aborts in-flight calls and waits for workers
func (p *Pipeline) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()
	close(p.results)
}

func (p *Pipeline) next(targetID string, q *targetQueue) (Job, context.Context, context.CancelFunc, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	q.cancel = nil
	if len(q.jobs) == 0 || p.ctx.Err() != nil {
		q.running = false
		q.jobs = nil
		if p.queues[targetID] == q {
			delete(p.queues, targetID)
		}
		return Job{}, nil, nil, false
	}

	job := q.jobs[0]
	q.jobs = q.jobs[1:]
	ctx, cancel := context.WithCancel(p.ctx)
	q.cancel = cancel
	return job, ctx, cancel, true
}

func (p *Pipeline) work(targetID string, q *targetQueue) {
	defer p.wg.Done()
	for {
		job, ctx, cancel, ok := p.next(targetID, q)
		if !ok {
			return
		}
		result := p.run(ctx, job)
		cancel()

		select {
		case p.results <- result:
		case <-p.ctx.Done():
		}
	}
}

func (p *Pipeline) run(ctx context.Context, job Job) (result Result) {
	start := time.Now()
	result = Result{Job: job, Provider: job.Settings.Provider, Model: job.Settings.Model}

	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().Str("stack", string(debug.Stack())).Msgf("analysis panicked: %v", r)
			result.Err = fmt.Errorf("analysis panicked: %v", r)
		}
		result.Duration = time.Since(start)
		p.metrics.AnalysisFinished(result.Provider, result.Err, result.Duration)
	}()

	resolved, err := p.resolver.Resolve(job.Settings)
	if resolved.Provider != "" {
		result.Provider = resolved.Provider
	}
	if resolved.Model != "" {
		result.Model = resolved.Model
	}
	if err != nil {
		result.Err = err
		return result
	}

	if err := p.sem.Acquire(ctx, 1); err != nil {
		result.Err = err
		return result
	}
	defer p.sem.Release(1)

	callCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	output, err := p.analyzer.Analyze(callCtx, Request{
		Endpoint:     resolved.Endpoint,
		APIKey:       resolved.APIKey,
		Model:        resolved.Model,
		SystemPrompt: p.cfg.SystemPrompt,
		UserPrompt:   RenderUserPrompt(job.Settings.Prompt, job.Item.Text),
		Temperature:  p.cfg.Temperature,
	})
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("analysis timed out after %s: %w", p.cfg.Timeout, err)
		}
		p.logger.Warn().Err(err).Str("target", job.Target.ID).Str("item", job.Item.ID).Msg("Analysis failed")
		result.Err = err
		return result
	}
	result.Output = output
	return result
}
