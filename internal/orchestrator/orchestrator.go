// Package orchestrator wires the rule store, the stream, the target registry
// and the analysis pipeline together.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/xmonitor/internal/analysis"
	"github.com/xmonitor/internal/eventbus"
	"github.com/xmonitor/internal/metrics"
	"github.com/xmonitor/internal/registry"
	"github.com/xmonitor/internal/stream"
	"github.com/xmonitor/internal/xapi"
	"github.com/xmonitor/pkg/models"
)

// RuleStore manages the remote filter rules
type RuleStore interface {
	List(ctx context.Context) ([]models.RuleBinding, error)
	Add(ctx context.Context, expression, owner string) (models.RuleBinding, error)
	Delete(ctx context.Context, id string) error
	Owned(rule models.RuleBinding) bool
}

// StreamSource is the single stream connection of the process
type StreamSource interface {
	Connect(ctx context.Context, expressions []string) iter.Seq2[models.StreamItem, error]
	Terminate()
	State() models.ConnectionState
	SetObserver(o stream.Observer)
}

// AnalysisQueue accepts analysis jobs and returns their results on one channel
type AnalysisQueue interface {
	Submit(job analysis.Job) error
	Results() <-chan analysis.Result
	Cancel(targetID string) int
}

// Terminator closes every stream connection of the app remotely
type Terminator interface {
	TerminateAllConnections(ctx context.Context) (string, error)
}

// Persister stores the target definitions
type Persister interface {
	Save(targets []models.Target) error
}

// Options configures an Orchestrator. Rules and Stream are required.
type Options struct {
	Rules      RuleStore
	Stream     StreamSource
	Analysis   AnalysisQueue
	Terminator Terminator
	Persister  Persister
	// Validate checks analysis settings when targets are added or edited
	Validate func(*models.AnalysisSettings) error

	Registry *registry.Registry
	Bus      *eventbus.Bus

	RefreshInterval time.Duration
	Logger          zerolog.Logger
	Metrics         *metrics.Metrics
}

// Orchestrator owns the monitor. Reconciliation passes are serialized;
// item ingestion runs on its own goroutine and never waits for analysis.
type Orchestrator struct {
	rules      RuleStore
	stream     StreamSource
	analysis   AnalysisQueue
	terminator Terminator
	persister  Persister
	validate   func(*models.AnalysisSettings) error
	registry   *registry.Registry
	bus        *eventbus.Bus
	refresh    time.Duration
	logger     zerolog.Logger
	metrics    *metrics.Metrics

	reconcileMu sync.Mutex

	mu           sync.Mutex
	runCtx       context.Context
	confirmed    map[string]bool
	streamExprs  []string
	streamCancel context.CancelFunc
	streamGen    uint64
	streamDone   chan struct{}

	connected atomic.Bool
	halted    atomic.Bool
	started   atomic.Bool
	trigger   chan struct{}
	wg        sync.WaitGroup
}

// New creates an orchestrator and registers it as the stream observer
func New(opts Options) *Orchestrator {
	if opts.Registry == nil {
		opts.Registry = registry.New()
	}
	if opts.Bus == nil {
		opts.Bus = eventbus.New(eventbus.DefaultHistorySize, opts.Logger)
	}
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = time.Second
	}

	o := &Orchestrator{
		rules:      opts.Rules,
		stream:     opts.Stream,
		analysis:   opts.Analysis,
		terminator: opts.Terminator,
		persister:  opts.Persister,
		validate:   opts.Validate,
		registry:   opts.Registry,
		bus:        opts.Bus,
		refresh:    opts.RefreshInterval,
		logger:     opts.Logger.With().Str("component", "orchestrator").Logger(),
		metrics:    opts.Metrics,
		confirmed:  make(map[string]bool),
		trigger:    make(chan struct{}, 1),
	}

	o.bus.SetGate(o.deliverable)
	o.stream.SetObserver(o)
	return o
}

// Registry returns the target registry
func (o *Orchestrator) Registry() *registry.Registry { return o.registry }

// Bus returns the event bus
func (o *Orchestrator) Bus() *eventbus.Bus { return o.bus }

// Events returns the consumer feed
func (o *Orchestrator) Events() iter.Seq[models.FeedEvent] { return o.bus.Feed() }

// ConnectionState returns the stream connection state
func (o *Orchestrator) ConnectionState() models.ConnectionState { return o.stream.State() }

// Halted reports whether the stream stopped after a fatal error and waits for the user
func (o *Orchestrator) Halted() bool { return o.halted.Load() }

// Snapshot returns the current targets for persistence
func (o *Orchestrator) Snapshot() []models.Target { return o.registry.Snapshot() }

// Restore replaces the target set. Previously enabled targets are
// re-activated by the next reconciliation pass.
func (o *Orchestrator) Restore(targets []models.Target) {
	o.registry.Restore(targets)
	o.metrics.TargetCounts(o.registry.Counts())
	if o.started.Load() {
		o.requestReconcile()
	}
}

// Start launches the event pump, the analysis result loop and the refresh
// loop, then reconciles restored targets. It returns immediately.
func (o *Orchestrator) Start(ctx context.Context) {
	if !o.started.CompareAndSwap(false, true) {
		return
	}
	o.mu.Lock()
	o.runCtx = ctx
	o.mu.Unlock()

	o.wg.Add(2)
	go func() {
		defer o.wg.Done()
		o.bus.Run(ctx)
	}()
	go func() {
		defer o.wg.Done()
		o.loop(ctx)
	}()

	if o.analysis != nil {
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			o.collectResults(ctx)
		}()
	}

	o.requestReconcile()
}

// Run starts the orchestrator and blocks until ctx is done, then shuts down
func (o *Orchestrator) Run(ctx context.Context) error {
	o.Start(ctx)
	<-ctx.Done()
	o.Shutdown()
	return nil
}

// Shutdown terminates the stream before anything else, waits for the
// background loops and saves the targets. The Start context must be done.
func (o *Orchestrator) Shutdown() {
	o.stopStream()
	o.stream.Terminate()
	o.wg.Wait()
	o.persist()
	o.logger.Info().Msg("Monitor stopped")
}

// Add creates a target and optionally activates it
func (o *Orchestrator) Add(ctx context.Context, def models.TargetDefinition, activate bool) (models.Target, error) {
	if err := o.checkAnalysis(def.Analysis); err != nil {
		return models.Target{}, err
	}
	target, err := models.NewTarget(def)
	if err != nil {
		return models.Target{}, err
	}

	o.reconcileMu.Lock()
	defer o.reconcileMu.Unlock()

	if err := o.registry.Add(target); err != nil {
		return models.Target{}, err
	}
	o.logger.Info().Str("target", target.ID).Str("expression", target.Expression).Msg("Target added")

	if activate {
		if _, err := o.registry.MarkInitiating(target.ID); err != nil {
			return target, err
		}
		o.halted.Store(false)
		err = o.reconcileLocked(ctx, false)
	}
	o.persist()

	current, _ := o.registry.Get(target.ID)
	return current, err
}

// Activate subscribes a target: Inactive -> Initiating, rule added if
// missing, stream (re)connected when the rule set changed.
func (o *Orchestrator) Activate(ctx context.Context, id string) (models.Target, error) {
	o.reconcileMu.Lock()
	defer o.reconcileMu.Unlock()

	if _, err := o.registry.MarkInitiating(id); err != nil {
		return models.Target{}, err
	}
	o.halted.Store(false)
	err := o.reconcileLocked(ctx, false)
	o.persist()

	t, _ := o.registry.Get(id)
	return t, err
}

// Deactivate keeps the target but removes its subscription
func (o *Orchestrator) Deactivate(ctx context.Context, id string) (models.Target, error) {
	o.reconcileMu.Lock()
	defer o.reconcileMu.Unlock()

	if _, err := o.registry.Deactivate(id); err != nil {
		return models.Target{}, err
	}
	o.cancelAnalysis(id)
	err := o.reconcileLocked(ctx, false)
	o.persist()

	t, _ := o.registry.Get(id)
	return t, err
}

// Delete retires the target's remote rule, unless another target still
// shares it, and then removes the target.
func (o *Orchestrator) Delete(ctx context.Context, id string) error {
	o.reconcileMu.Lock()
	defer o.reconcileMu.Unlock()

	t, ok := o.registry.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", registry.ErrNotFound, id)
	}

	if t.RuleID != "" && !o.ruleShared(t.RuleID, id) {
		if err := o.rules.Delete(ctx, t.RuleID); err != nil {
			o.publishError(fmt.Sprintf("failed to delete rule for %s", t.Label), err)
			return fmt.Errorf("failed to retire rule %s: %w", t.RuleID, err)
		}
		o.mu.Lock()
		delete(o.confirmed, t.RuleID)
		o.mu.Unlock()
	}

	if _, err := o.registry.Remove(id); err != nil {
		return err
	}
	o.cancelAnalysis(id)
	o.logger.Info().Str("target", id).Msg("Target deleted")

	err := o.reconcileLocked(ctx, false)
	o.persist()
	return err
}

// BeginEdit deactivates the target for editing
func (o *Orchestrator) BeginEdit(ctx context.Context, id string) (models.Target, error) {
	o.reconcileMu.Lock()
	defer o.reconcileMu.Unlock()

	before, err := o.registry.BeginEdit(id)
	if err != nil {
		return models.Target{}, err
	}
	o.cancelAnalysis(id)
	err = o.reconcileLocked(ctx, false)
	return before, err
}

// CommitEdit applies the new definition and re-activates the target if it
// was enabled before the edit. The rule is recreated, never updated.
func (o *Orchestrator) CommitEdit(ctx context.Context, id string, def models.TargetDefinition) (models.Target, error) {
	if err := o.checkAnalysis(def.Analysis); err != nil {
		return models.Target{}, err
	}

	o.reconcileMu.Lock()
	defer o.reconcileMu.Unlock()
	return o.commitLocked(ctx, id, def)
}

func (o *Orchestrator) commitLocked(ctx context.Context, id string, def models.TargetDefinition) (models.Target, error) {
	edited, wasEnabled, err := o.registry.CommitEdit(id, def)
	if err != nil {
		return models.Target{}, err
	}
	if wasEnabled {
		if _, err := o.registry.MarkInitiating(id); err != nil {
			return edited, err
		}
	}
	o.halted.Store(false)
	err = o.reconcileLocked(ctx, false)
	o.persist()

	t, _ := o.registry.Get(id)
	return t, err
}

// CancelEdit ends an edit without changes and restores the previous activation
func (o *Orchestrator) CancelEdit(ctx context.Context, id string) (models.Target, error) {
	o.reconcileMu.Lock()
	defer o.reconcileMu.Unlock()

	_, wasEnabled, err := o.registry.CancelEdit(id)
	if err != nil {
		return models.Target{}, err
	}
	if wasEnabled {
		if _, err := o.registry.MarkInitiating(id); err != nil {
			return models.Target{}, err
		}
		err = o.reconcileLocked(ctx, false)
	}

	t, _ := o.registry.Get(id)
	return t, err
}

// Edit changes a target in one step: deactivate, apply, re-activate. No
// other operation observes the intermediate state.
func (o *Orchestrator) Edit(ctx context.Context, id string, def models.TargetDefinition) (models.Target, error) {
	if err := o.checkAnalysis(def.Analysis); err != nil {
		return models.Target{}, err
	}
	if _, _, _, err := models.BuildExpression(def.Kind, def.Value); err != nil {
		return models.Target{}, err
	}

	o.reconcileMu.Lock()
	defer o.reconcileMu.Unlock()

	if _, err := o.registry.BeginEdit(id); err != nil {
		return models.Target{}, err
	}
	o.cancelAnalysis(id)
	return o.commitLocked(ctx, id, def)
}

// Reconnect is the user request to reconnect: it clears a halted stream,
// reconciles and restarts the connection even if the rules did not change.
func (o *Orchestrator) Reconnect(ctx context.Context) error {
	o.reconcileMu.Lock()
	defer o.reconcileMu.Unlock()

	o.halted.Store(false)
	o.bus.System(models.SystemReconnecting, models.LevelInfo, "reconnecting stream", nil)
	return o.reconcileLocked(ctx, true)
}

// TerminateAll stops the local stream and closes every remote connection
// of the app. Nothing reconnects until Reconnect or an activation.
func (o *Orchestrator) TerminateAll(ctx context.Context) (string, error) {
	if o.terminator == nil {
		return "", errors.New("connection termination is not configured")
	}

	o.reconcileMu.Lock()
	defer o.reconcileMu.Unlock()

	o.halted.Store(true)
	o.stopStream()
	o.stream.Terminate()

	summary, err := o.terminator.TerminateAllConnections(ctx)
	if err != nil {
		o.publishError("terminate-all failed", err)
		return "", err
	}
	o.bus.System(models.SystemInfo, models.LevelInfo, summary, nil)
	return summary, nil
}

// ReconcileNow runs a reconciliation pass
func (o *Orchestrator) ReconcileNow(ctx context.Context) error {
	o.reconcileMu.Lock()
	defer o.reconcileMu.Unlock()
	return o.reconcileLocked(ctx, false)
}

// reconcileLocked brings the remote rules in line with the enabled targets
// and makes sure the stream runs with the resulting expression set. The
// caller holds reconcileMu.
func (o *Orchestrator) reconcileLocked(ctx context.Context, forceStream bool) error {
	desired := Desired(o.registry.Snapshot())

	listed, err := o.rules.List(ctx)
	if err != nil {
		o.failUnbound()
		o.publishError("failed to list stream rules", err)
		return fmt.Errorf("failed to list rules: %w", err)
	}

	var owned []models.RuleBinding
	for _, rule := range listed {
		if o.rules.Owned(rule) {
			owned = append(owned, rule)
		}
	}

	plan := Diff(desired, owned)
	var errs []error
	var bound []models.RuleBinding

	for _, rule := range plan.Deletes {
		err := o.rules.Delete(ctx, rule.ID)
		if err != nil {
			o.publishError(fmt.Sprintf("failed to delete rule %s (%s)", rule.ID, rule.Expression), err)
			errs = append(errs, err)
			continue
		}
		o.logger.Info().Str("rule", rule.ID).Str("expression", rule.Expression).Msg("Deleted rule")
	}

	for _, keep := range plan.Keep {
		o.registry.BindRule(keep.TargetIDs, keep.Rule.ID)
		bound = append(bound, keep.Rule)
	}

	for _, add := range plan.Adds {
		rule, err := o.rules.Add(ctx, add.Expression, add.Owner())
		if err != nil {
			o.registry.Fail(add.TargetIDs)
			o.publishError(o.addFailureMessage(add, err), err)
			errs = append(errs, err)
			continue
		}
		o.registry.BindRule(add.TargetIDs, rule.ID)
		bound = append(bound, rule)
		o.bus.System(models.SystemRules, models.LevelInfo, fmt.Sprintf("added rule %s: %s", rule.ID, rule.Expression), nil)
	}

	o.failUnbound()

	confirmed := make(map[string]bool, len(bound))
	for _, rule := range bound {
		confirmed[rule.ID] = true
	}
	o.mu.Lock()
	o.confirmed = confirmed
	o.mu.Unlock()

	o.ensureStream(Expressions(bound), forceStream)
	o.promote()

	if err := o.registry.CheckInvariant(); err != nil {
		o.logger.Error().Err(err).Msg("Target invariant violated after reconciliation")
	}
	o.metrics.TargetCounts(o.registry.Counts())
	return errors.Join(errs...)
}

// failUnbound moves enabled targets that ended a pass without a rule back to Inactive
func (o *Orchestrator) failUnbound() {
	var ids []string
	for _, t := range o.registry.Snapshot() {
		if t.Status.Enabled() && t.RuleID == "" {
			ids = append(ids, t.ID)
		}
	}
	if len(ids) > 0 {
		o.registry.Fail(ids)
	}
}

func (o *Orchestrator) addFailureMessage(add DesiredRule, err error) string {
	var dup *xapi.DuplicateRuleError
	var quota *xapi.QuotaExceededError
	switch {
	case errors.As(err, &dup):
		return fmt.Sprintf("rule %q already exists outside this monitor; target deactivated", add.Expression)
	case errors.As(err, &quota):
		return fmt.Sprintf("rule quota exceeded adding %q; target deactivated", add.Expression)
	default:
		return fmt.Sprintf("failed to add rule %q; target deactivated", add.Expression)
	}
}

// ensureStream starts, restarts or stops the stream for the expression set
func (o *Orchestrator) ensureStream(exprs []string, force bool) {
	o.mu.Lock()
	runCtx := o.runCtx
	running := o.streamCancel != nil
	unchanged := running && slices.Equal(exprs, o.streamExprs)
	o.mu.Unlock()

	if runCtx == nil || runCtx.Err() != nil {
		return
	}
	if len(exprs) == 0 {
		if running {
			o.logger.Info().Msg("No rules left, stopping stream")
			o.stopStream()
			o.stream.Terminate()
		}
		return
	}
	if unchanged && !force {
		return
	}
	if o.halted.Load() && !force {
		return
	}

	o.stopStream()

	ctx, cancel := context.WithCancel(runCtx)
	done := make(chan struct{})
	o.mu.Lock()
	o.streamGen++
	gen := o.streamGen
	o.streamExprs = exprs
	o.streamCancel = cancel
	o.streamDone = done
	o.mu.Unlock()

	o.logger.Info().Strs("expressions", exprs).Msg("Connecting stream")
	go o.ingest(ctx, gen, exprs, done)
}

// stopStream cancels the ingestion goroutine and waits for it
func (o *Orchestrator) stopStream() {
	o.mu.Lock()
	cancel, done := o.streamCancel, o.streamDone
	o.streamCancel, o.streamDone, o.streamExprs = nil, nil, nil
	o.streamGen++
	o.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// ingest is the only writer of ItemEvents
func (o *Orchestrator) ingest(ctx context.Context, gen uint64, exprs []string, done chan struct{}) {
	defer close(done)

	for item, err := range o.stream.Connect(ctx, exprs) {
		if err != nil {
			o.streamFailed(gen, err)
			return
		}
		o.route(item)
	}
}

func (o *Orchestrator) streamFailed(gen uint64, err error) {
	o.mu.Lock()
	current := gen == o.streamGen
	var cancel context.CancelFunc
	if current {
		cancel = o.streamCancel
		o.streamCancel, o.streamDone, o.streamExprs = nil, nil, nil
	}
	o.mu.Unlock()
	if !current {
		return
	}
	if cancel != nil {
		cancel()
	}

	o.halted.Store(true)
	o.connected.Store(false)
	o.registry.DemoteActive()
	o.metrics.TargetCounts(o.registry.Counts())

	var unavailable *stream.StreamUnavailableError
	switch {
	case xapi.IsAuthError(err):
		o.publishError("stream authentication failed; check the bearer token and reconnect", err)
	case errors.As(err, &unavailable):
		o.publishError("stream unavailable; reconnect when the problem is resolved", err)
	default:
		o.publishError("stream stopped", err)
	}
}

// route publishes one ItemEvent per matched target, then queues analysis
func (o *Orchestrator) route(item models.StreamItem) {
	o.metrics.ItemReceived()

	var matched []models.Target
	var unknown []string
	seen := make(map[string]bool)
	for _, ruleID := range item.MatchedRuleIDs {
		targets := o.registry.ByRule(ruleID)
		if len(targets) == 0 {
			unknown = append(unknown, ruleID)
			continue
		}
		for _, t := range targets {
			if !seen[t.ID] {
				seen[t.ID] = true
				matched = append(matched, t)
			}
		}
	}

	switch {
	case len(item.MatchedRuleIDs) == 0:
		o.orphaned(fmt.Sprintf("post %s arrived without matching rules", item.ID))
	case len(unknown) > 0:
		o.orphaned(fmt.Sprintf("post %s matched unknown rule(s) %s", item.ID, strings.Join(unknown, ", ")))
	}

	for _, t := range matched {
		ref := t.Ref()
		o.bus.Publish(&models.ItemEvent{Target: ref, Item: item})

		if o.analysis == nil || !t.AnalysisEnabled() {
			continue
		}
		job := analysis.Job{Target: ref, Settings: *t.Analysis, Item: item}
		if err := o.analysis.Submit(job); err != nil {
			o.bus.Publish(&models.AnalysisEvent{Target: ref, Item: item, Provider: job.Settings.Provider, Err: err})
		}
	}
}

func (o *Orchestrator) orphaned(message string) {
	o.logger.Warn().Msg(message)
	o.bus.Publish(&models.SystemEvent{Kind: models.SystemOrphanedMatch, Level: models.LevelWarn, Message: message})
}

func (o *Orchestrator) collectResults(ctx context.Context) {
	results := o.analysis.Results()
	for {
		select {
		case <-ctx.Done():
			return
		case r, ok := <-results:
			if !ok {
				return
			}
			if !o.registry.IsLive(r.Job.Target) {
				o.metrics.AnalysisDropped()
				continue
			}
			o.bus.Publish(&models.AnalysisEvent{
				Target:   r.Job.Target,
				Item:     r.Job.Item,
				Provider: r.Provider,
				Model:    r.Model,
				Output:   r.Output,
				Err:      r.Err,
				Duration: r.Duration,
			})
		}
	}
}

// deliverable drops analysis of targets deleted or deactivated since the job was queued
func (o *Orchestrator) deliverable(ev models.FeedEvent) bool {
	a, ok := ev.(*models.AnalysisEvent)
	if !ok {
		return true
	}
	if o.registry.IsLive(a.Target) {
		return true
	}
	o.metrics.AnalysisDropped()
	return false
}

func (o *Orchestrator) loop(ctx context.Context) {
	ticker := time.NewTicker(o.refresh)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-o.trigger:
			if err := o.ReconcileNow(ctx); err != nil && ctx.Err() == nil {
				o.logger.Warn().Err(err).Msg("Reconciliation failed")
			}
		case <-ticker.C:
			if o.registry.HasInitiating() {
				o.promote()
				o.metrics.TargetCounts(o.registry.Counts())
			}
		}
	}
}

// promote moves Initiating targets with a confirmed rule to Active while connected
func (o *Orchestrator) promote() {
	if !o.connected.Load() {
		return
	}
	o.mu.Lock()
	confirmed := o.confirmed
	o.mu.Unlock()

	for _, t := range o.registry.PromoteInitiating(func(ruleID string) bool { return confirmed[ruleID] }) {
		o.logger.Info().Str("target", t.ID).Str("label", t.Label).Msg("Target active")
	}
}

func (o *Orchestrator) requestReconcile() {
	select {
	case o.trigger <- struct{}{}:
	default:
	}
}

// OnStateChange implements stream.Observer
func (o *Orchestrator) OnStateChange(state models.ConnectionState) {
	if state.Phase == models.PhaseConnected {
		if !o.connected.Swap(true) {
			o.bus.System(models.SystemConnected, models.LevelInfo, "stream connected", nil)
			o.requestReconcile()
		}
		return
	}

	if o.connected.Swap(false) {
		demoted := o.registry.DemoteActive()
		o.metrics.TargetCounts(o.registry.Counts())
		msg := "stream disconnected"
		if state.Reason != "" {
			msg += ": " + state.Reason
		}
		o.bus.System(models.SystemDisconnected, models.LevelWarn, msg, nil)
		o.logger.Warn().Str("phase", string(state.Phase)).Int("demoted", demoted).Msg("Stream connection lost")
	}
}

// OnNotice implements stream.Observer
func (o *Orchestrator) OnNotice(level models.SystemLevel, message string) {
	kind := models.SystemInfo
	if level == models.LevelError {
		kind = models.SystemError
	}
	o.bus.System(kind, level, message, nil)
}

func (o *Orchestrator) ruleShared(ruleID, exceptID string) bool {
	for _, t := range o.registry.ByRule(ruleID) {
		if t.ID != exceptID {
			return true
		}
	}
	return false
}

func (o *Orchestrator) cancelAnalysis(id string) {
	if o.analysis != nil {
		o.analysis.Cancel(id)
	}
}

func (o *Orchestrator) checkAnalysis(settings *models.AnalysisSettings) error {
	if o.validate == nil {
		return nil
	}
	return o.validate(settings)
}

func (o *Orchestrator) persist() {
	if o.persister == nil {
		return
	}
	if err := o.persister.Save(o.registry.Snapshot()); err != nil {
		o.logger.Error().Err(err).Msg("Failed to save targets")
		o.bus.System(models.SystemError, models.LevelWarn, "failed to save targets", err)
	}
}

func (o *Orchestrator) publishError(message string, err error) {
	o.logger.Error().Err(err).Msg(message)
	if xapi.IsAuthError(err) {
		message += " (authentication)"
	}
	o.bus.System(models.SystemError, models.LevelError, message, err)
}
