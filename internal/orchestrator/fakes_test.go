package orchestrator

import (
	"context"
	"fmt"
	"iter"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/xmonitor/internal/stream"
	"github.com/xmonitor/pkg/models"
)

const testTagPrefix = "xmon:"

type fakeRules struct {
	mu      sync.Mutex
	rules   []models.RuleBinding
	nextID  int
	lists   int
	adds    int
	deletes int
	failAdd map[string]error
	listErr error
}

func newFakeRules() *fakeRules {
	return &fakeRules{failAdd: make(map[string]error)}
}

func (f *fakeRules) List(ctx context.Context) ([]models.RuleBinding, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lists++
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]models.RuleBinding(nil), f.rules...), nil
}

func (f *fakeRules) Add(ctx context.Context, expression, owner string) (models.RuleBinding, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.adds++
	if err := f.failAdd[expression]; err != nil {
		return models.RuleBinding{}, err
	}
	f.nextID++
	rule := models.RuleBinding{
		ID:            fmt.Sprintf("r%d", f.nextID),
		Expression:    expression,
		Tag:           testTagPrefix + owner,
		OwnerTargetID: owner,
	}
	f.rules = append(f.rules, rule)
	return rule, nil
}

func (f *fakeRules) Delete(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes++
	for i, r := range f.rules {
		if r.ID == id {
			f.rules = append(f.rules[:i], f.rules[i+1:]...)
			break
		}
	}
	return nil
}

func (f *fakeRules) Owned(rule models.RuleBinding) bool {
	return strings.HasPrefix(rule.Tag, testTagPrefix)
}

func (f *fakeRules) failOn(expression string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failAdd[expression] = err
}

func (f *fakeRules) failList(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listErr = err
}

func (f *fakeRules) seed(rules ...models.RuleBinding) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules = append(f.rules, rules...)
}

func (f *fakeRules) counts() (adds, deletes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.adds, f.deletes
}

func (f *fakeRules) listCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lists
}

func (f *fakeRules) resetCounts() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.adds, f.deletes, f.lists = 0, 0, 0
}

func (f *fakeRules) snapshot() []models.RuleBinding {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.RuleBinding(nil), f.rules...)
}

// fakeStream connects immediately and delivers items pushed into it
type fakeStream struct {
	mu       sync.Mutex
	observer stream.Observer
	state    models.ConnectionState
	connects int
	exprs    [][]string
	ctxs     []context.Context

	items  chan models.StreamItem
	drops  chan struct{}
	resume chan struct{}
	fatal  chan error
}

func newFakeStream() *fakeStream {
	return &fakeStream{
		state:  models.ConnectionState{Phase: models.PhaseDisconnected},
		items:  make(chan models.StreamItem),
		drops:  make(chan struct{}),
		resume: make(chan struct{}),
		fatal:  make(chan error),
	}
}

func (f *fakeStream) SetObserver(o stream.Observer) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.observer = o
}

func (f *fakeStream) State() models.ConnectionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeStream) Terminate() {
	f.setState(models.ConnectionState{Phase: models.PhaseDisconnected, Reason: "terminated"})
}

func (f *fakeStream) setState(s models.ConnectionState) {
	f.mu.Lock()
	if f.state.Phase == s.Phase {
		f.mu.Unlock()
		return
	}
	f.state = s
	o := f.observer
	f.mu.Unlock()
	if o != nil {
		o.OnStateChange(s)
	}
}

func (f *fakeStream) Connect(ctx context.Context, exprs []string) iter.Seq2[models.StreamItem, error] {
	return func(yield func(models.StreamItem, error) bool) {
		f.mu.Lock()
		f.connects++
		f.exprs = append(f.exprs, exprs)
		f.ctxs = append(f.ctxs, ctx)
		f.mu.Unlock()

		f.setState(models.ConnectionState{Phase: models.PhaseConnecting})
		f.setState(models.ConnectionState{Phase: models.PhaseConnected})
		defer f.setState(models.ConnectionState{Phase: models.PhaseDisconnected})

		for {
			select {
			case <-ctx.Done():
				return
			case item := <-f.items:
				if !yield(item, nil) {
					return
				}
			case <-f.drops:
				f.setState(models.ConnectionState{Phase: models.PhaseBackoff, Attempt: 1, Until: time.Now(), Reason: "connection reset"})
				select {
				case <-f.resume:
				case <-ctx.Done():
					return
				}
				f.setState(models.ConnectionState{Phase: models.PhaseConnected})
			case err := <-f.fatal:
				f.setState(models.ConnectionState{Phase: models.PhaseDisconnected, Reason: err.Error()})
				yield(models.StreamItem{}, err)
				return
			}
		}
	}
}

func (f *fakeStream) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

// lastContext returns the context of the most recent Connect
func (f *fakeStream) lastContext() context.Context {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ctxs[len(f.ctxs)-1]
}

func (f *fakeStream) push(t *testing.T, item models.StreamItem) {
	t.Helper()
	select {
	case f.items <- item:
	case <-time.After(2 * time.Second):
		t.Fatal("stream is not consuming items")
	}
}

// collector records every event the consumer receives
type collector struct {
	mu     sync.Mutex
	events []models.FeedEvent
}

func (c *collector) all() []models.FeedEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.FeedEvent(nil), c.events...)
}

func (c *collector) has(pred func(models.FeedEvent) bool) bool {
	for _, ev := range c.all() {
		if pred(ev) {
			return true
		}
	}
	return false
}

func (c *collector) waitFor(t *testing.T, what string, pred func(models.FeedEvent) bool) {
	t.Helper()
	require.Eventually(t, func() bool { return c.has(pred) }, 2*time.Second, time.Millisecond, what)
}

type harness struct {
	o       *Orchestrator
	rules   *fakeRules
	stream  *fakeStream
	events  *collector
	ctx     context.Context
	cleanup func()
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	h := &harness{rules: newFakeRules(), stream: newFakeStream(), events: &collector{}}
	if opts.Rules == nil {
		opts.Rules = h.rules
	}
	opts.Stream = h.stream
	opts.RefreshInterval = 5 * time.Millisecond
	opts.Logger = zerolog.Nop()
	h.o = New(opts)

	events := h.o.Bus().Events()
	collected := make(chan struct{})
	go func() {
		defer close(collected)
		for ev := range events {
			h.events.mu.Lock()
			h.events.events = append(h.events.events, ev)
			h.events.mu.Unlock()
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	h.ctx = ctx
	h.o.Start(ctx)

	var once sync.Once
	h.cleanup = func() {
		once.Do(func() {
			cancel()
			h.o.Shutdown()
			<-collected
		})
	}
	t.Cleanup(h.cleanup)
	return h
}

func (h *harness) waitStatus(t *testing.T, id string, status models.TargetStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		target, ok := h.o.Registry().Get(id)
		return ok && target.Status == status
	}, 2*time.Second, time.Millisecond, "target %s never became %s", id, status)
}

func isItem(targetID, itemID string) func(models.FeedEvent) bool {
	return func(ev models.FeedEvent) bool {
		e, ok := ev.(*models.ItemEvent)
		return ok && e.Target.ID == targetID && e.Item.ID == itemID
	}
}

func isAnalysis(targetID, itemID string) func(models.FeedEvent) bool {
	return func(ev models.FeedEvent) bool {
		e, ok := ev.(*models.AnalysisEvent)
		return ok && e.Target.ID == targetID && e.Item.ID == itemID
	}
}

func isSystem(kind models.SystemKind) func(models.FeedEvent) bool {
	return func(ev models.FeedEvent) bool {
		e, ok := ev.(*models.SystemEvent)
		return ok && e.Kind == kind
	}
}
