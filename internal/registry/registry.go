// Package registry holds the monitored targets and their lifecycle state.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/xmonitor/pkg/models"
)

var (
	ErrNotFound   = errors.New("target not found")
	ErrNotEditing = errors.New("target is not being edited")
	ErrEditing    = errors.New("target is being edited")
)

// Registry is the in-memory target set. All methods are safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	targets map[string]*models.Target
	order   []string
	// editing remembers whether a target was enabled when its edit began
	editing map[string]bool
}

// New creates an empty registry
func New() *Registry {
	return &Registry{
		targets: make(map[string]*models.Target),
		editing: make(map[string]bool),
	}
}

// Add inserts a new target. New targets always start Inactive.
func (r *Registry) Add(t models.Target) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.targets[t.ID]; ok {
		return fmt.Errorf("target %s already exists", t.ID)
	}
	t.Status = models.StatusInactive
	t.RuleID = ""
	r.targets[t.ID] = &t
	r.order = append(r.order, t.ID)
	return nil
}

// Get returns a copy of the target
func (r *Registry) Get(id string) (models.Target, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.targets[id]
	if !ok {
		return models.Target{}, false
	}
	return copyTarget(t), true
}

// Find resolves an id, an id prefix of at least 4 characters or an exact
// label (case-insensitive).
func (r *Registry) Find(ref string) (models.Target, error) {
	ref = strings.TrimSpace(ref)
	r.mu.RLock()
	defer r.mu.RUnlock()

	if t, ok := r.targets[ref]; ok {
		return copyTarget(t), nil
	}

	var matches []*models.Target
	for _, id := range r.order {
		t := r.targets[id]
		if (len(ref) >= 4 && strings.HasPrefix(t.ID, ref)) || strings.EqualFold(t.Label, ref) {
			matches = append(matches, t)
		}
	}
	switch len(matches) {
	case 0:
		return models.Target{}, fmt.Errorf("%w: %s", ErrNotFound, ref)
	case 1:
		return copyTarget(matches[0]), nil
	default:
		return models.Target{}, fmt.Errorf("%q matches %d targets", ref, len(matches))
	}
}

// Snapshot returns copies of all targets in insertion order
func (r *Registry) Snapshot() []models.Target {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.Target, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, copyTarget(r.targets[id]))
	}
	return out
}

// Restore replaces the target set. Targets that were enabled come back as
// Initiating so the next reconciliation re-confirms their rules.
func (r *Registry) Restore(targets []models.Target) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.targets = make(map[string]*models.Target, len(targets))
	r.order = r.order[:0]
	r.editing = make(map[string]bool)

	for _, t := range targets {
		if _, dup := r.targets[t.ID]; dup || t.ID == "" {
			continue
		}
		restored := copyTarget(&t)
		if restored.Status.Enabled() {
			restored.Status = models.StatusInitiating
		} else {
			restored.Status = models.StatusInactive
			restored.RuleID = ""
		}
		restored.Generation++
		r.targets[restored.ID] = &restored
		r.order = append(r.order, restored.ID)
	}
}

// Remove deletes the target and returns its last state
func (r *Registry) Remove(id string) (models.Target, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.targets[id]
	if !ok {
		return models.Target{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(r.targets, id)
	delete(r.editing, id)
	for i, existing := range r.order {
		if existing == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return copyTarget(t), nil
}

// MarkInitiating moves an Inactive target to Initiating. Enabled targets are
// left alone.
func (r *Registry) MarkInitiating(id string) (models.Target, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.targets[id]
	if !ok {
		return models.Target{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if _, editing := r.editing[id]; editing {
		return models.Target{}, ErrEditing
	}
	if t.Status == models.StatusInactive {
		t.Status = models.StatusInitiating
		t.Generation++
	}
	return copyTarget(t), nil
}

// Deactivate moves a target to Inactive and clears its rule. The previous
// state is returned.
func (r *Registry) Deactivate(id string) (models.Target, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.targets[id]
	if !ok {
		return models.Target{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	before := copyTarget(t)
	r.deactivate(t)
	return before, nil
}

func (r *Registry) deactivate(t *models.Target) {
	if t.Status != models.StatusInactive || t.RuleID != "" {
		t.Generation++
	}
	t.Status = models.StatusInactive
	t.RuleID = ""
}

// Fail deactivates the given targets after a rule could not be created
func (r *Registry) Fail(ids []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		if t, ok := r.targets[id]; ok {
			r.deactivate(t)
		}
	}
}

// BindRule records ruleID on every listed target that is still enabled
func (r *Registry) BindRule(ids []string, ruleID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		t, ok := r.targets[id]
		if !ok || !t.Status.Enabled() {
			continue
		}
		if t.RuleID != ruleID && t.Status == models.StatusActive {
			t.Status = models.StatusInitiating
		}
		t.RuleID = ruleID
	}
}

// DemoteActive moves every Active target back to Initiating. It is called
// when the connection drops.
func (r *Registry) DemoteActive() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, t := range r.targets {
		if t.Status == models.StatusActive {
			t.Status = models.StatusInitiating
			n++
		}
	}
	return n
}

// PromoteInitiating moves Initiating targets whose rule is confirmed to Active
// and returns them.
func (r *Registry) PromoteInitiating(confirmed func(ruleID string) bool) []models.Target {
	r.mu.Lock()
	defer r.mu.Unlock()
	var promoted []models.Target
	for _, id := range r.order {
		t := r.targets[id]
		if t.Status != models.StatusInitiating || t.RuleID == "" || !confirmed(t.RuleID) {
			continue
		}
		t.Status = models.StatusActive
		promoted = append(promoted, copyTarget(t))
	}
	return promoted
}

// HasInitiating reports whether any target waits for confirmation
func (r *Registry) HasInitiating() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, t := range r.targets {
		if t.Status == models.StatusInitiating {
			return true
		}
	}
	return false
}

// ByRule returns the enabled targets bound to ruleID in insertion order
func (r *Registry) ByRule(ruleID string) []models.Target {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []models.Target
	for _, id := range r.order {
		t := r.targets[id]
		if t.RuleID == ruleID && t.Status.Enabled() {
			out = append(out, copyTarget(t))
		}
	}
	return out
}

// IsLive reports whether ref still names an enabled target at the same generation
func (r *Registry) IsLive(ref models.TargetRef) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.targets[ref.ID]
	return ok && t.Status.Enabled() && t.Generation == ref.Generation
}

// BeginEdit deactivates the target and remembers whether it was enabled
func (r *Registry) BeginEdit(id string) (models.Target, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.targets[id]
	if !ok {
		return models.Target{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if _, editing := r.editing[id]; editing {
		return models.Target{}, ErrEditing
	}
	before := copyTarget(t)
	r.editing[id] = t.Status.Enabled()
	r.deactivate(t)
	return before, nil
}

// CommitEdit applies the new definition and ends the edit. It reports
// whether the target was enabled before the edit began.
func (r *Registry) CommitEdit(id string, def models.TargetDefinition) (models.Target, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.targets[id]
	if !ok {
		return models.Target{}, false, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	wasEnabled, editing := r.editing[id]
	if !editing {
		return models.Target{}, false, ErrNotEditing
	}

	updated := copyTarget(t)
	if err := updated.Apply(def); err != nil {
		return models.Target{}, false, err
	}
	updated.Generation++
	*t = updated
	delete(r.editing, id)
	return copyTarget(t), wasEnabled, nil
}

// CancelEdit ends the edit without changes
func (r *Registry) CancelEdit(id string) (models.Target, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.targets[id]
	if !ok {
		return models.Target{}, false, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	wasEnabled, editing := r.editing[id]
	if !editing {
		return models.Target{}, false, ErrNotEditing
	}
	delete(r.editing, id)
	return copyTarget(t), wasEnabled, nil
}

// Editing reports whether an edit of the target is in progress
func (r *Registry) Editing(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.editing[id]
	return ok
}

// Counts returns the number of targets per status
func (r *Registry) Counts() map[models.TargetStatus]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	counts := map[models.TargetStatus]int{
		models.StatusInactive:   0,
		models.StatusInitiating: 0,
		models.StatusActive:     0,
	}
	for _, t := range r.targets {
		counts[t.Status]++
	}
	return counts
}

// Len returns the number of targets
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.targets)
}

// CheckInvariant verifies that a rule id is set exactly on enabled targets
// and that targets sharing a rule share its expression.
func (r *Registry) CheckInvariant() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var problems []string
	expressions := make(map[string]string)
	for _, id := range r.order {
		t := r.targets[id]
		hasRule := t.RuleID != ""
		if hasRule != t.Status.Enabled() {
			problems = append(problems, fmt.Sprintf("target %s is %s with rule %q", t.ID, t.Status, t.RuleID))
		}
		if !hasRule {
			continue
		}
		if expr, seen := expressions[t.RuleID]; seen && expr != t.Expression {
			problems = append(problems, fmt.Sprintf("rule %s bound to different expressions %q and %q", t.RuleID, expr, t.Expression))
		}
		expressions[t.RuleID] = t.Expression
	}

	if len(problems) == 0 {
		return nil
	}
	sort.Strings(problems)
	return errors.New(strings.Join(problems, "; "))
}

func copyTarget(t *models.Target) models.Target {
	c := *t
	if t.Analysis != nil {
		a := *t.Analysis
		c.Analysis = &a
	}
	return c
}
