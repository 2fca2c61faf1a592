package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Monitoring targets

// TargetKind selects how a target value becomes a rule expression
type TargetKind string

const (
	KindAccount TargetKind = "account"
	KindPhrase  TargetKind = "phrase"
)

// ParseTargetKind accepts the kind spellings used in target definition files
func ParseTargetKind(raw string) (TargetKind, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "account", "accounts", "acct":
		return KindAccount, nil
	case "phrase", "phrases", "keyword", "keywords":
		return KindPhrase, nil
	default:
		return "", fmt.Errorf("unsupported target kind %q (expected account or phrase)", raw)
	}
}

// Display returns the human facing name of the kind
func (k TargetKind) Display() string {
	switch k {
	case KindAccount:
		return "Account"
	case KindPhrase:
		return "Phrase"
	default:
		return string(k)
	}
}

// TargetStatus is the lifecycle state of a target
type TargetStatus string

const (
	StatusInactive   TargetStatus = "inactive"
	StatusInitiating TargetStatus = "initiating"
	StatusActive     TargetStatus = "active"
)

// Enabled reports whether the status represents a subscribed target
func (s TargetStatus) Enabled() bool {
	return s == StatusInitiating || s == StatusActive
}

// AnalysisSettings configures optional per-target AI analysis
type AnalysisSettings struct {
	Enabled  bool   `json:"enabled"`
	Provider string `json:"provider"`
	Model    string `json:"model,omitempty"`
	Endpoint string `json:"endpoint,omitempty"`
	APIKey   string `json:"api_key,omitempty"`
	Prompt   string `json:"prompt,omitempty"`
}

// TargetDefinition is the user supplied part of a target
type TargetDefinition struct {
	Kind     TargetKind        `json:"kind"`
	Value    string            `json:"value"`
	Label    string            `json:"label,omitempty"`
	Analysis *AnalysisSettings `json:"analysis,omitempty"`
}

// Target is a monitored account set or phrase.
// RuleID is set exactly when Status is Initiating or Active.
type Target struct {
	ID         string            `json:"id"`
	Kind       TargetKind        `json:"kind"`
	Value      string            `json:"value"`
	Expression string            `json:"expression"`
	Label      string            `json:"label"`
	Status     TargetStatus      `json:"status"`
	RuleID     string            `json:"rule_id,omitempty"`
	Analysis   *AnalysisSettings `json:"analysis,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`

	// Generation changes on every activation and edit. Analysis results
	// carry the generation they were requested under.
	Generation uint64 `json:"-"`
}

// NewTarget validates a definition and builds an inactive target from it
func NewTarget(def TargetDefinition) (Target, error) {
	t := Target{
		ID:        uuid.NewString(),
		Status:    StatusInactive,
		CreatedAt: time.Now().UTC(),
	}
	if err := t.Apply(def); err != nil {
		return Target{}, err
	}
	return t, nil
}

// Apply replaces the definition fields of the target
func (t *Target) Apply(def TargetDefinition) error {
	value, expression, label, err := BuildExpression(def.Kind, def.Value)
	if err != nil {
		return err
	}
	if custom := strings.TrimSpace(def.Label); custom != "" {
		label = custom
	}

	var analysis *AnalysisSettings
	if def.Analysis != nil {
		copied := *def.Analysis
		analysis = &copied
	}

	t.Kind = def.Kind
	t.Value = value
	t.Expression = expression
	t.Label = label
	t.Analysis = analysis
	return nil
}

// Definition returns the user supplied fields of the target
func (t Target) Definition() TargetDefinition {
	def := TargetDefinition{Kind: t.Kind, Value: t.Value, Label: t.Label}
	if t.Analysis != nil {
		copied := *t.Analysis
		def.Analysis = &copied
	}
	return def
}

// AnalysisEnabled reports whether matched items are sent for analysis
func (t Target) AnalysisEnabled() bool {
	return t.Analysis != nil && t.Analysis.Enabled
}

// Ref captures the identity of the target at a point in time
func (t Target) Ref() TargetRef {
	return TargetRef{ID: t.ID, Label: t.Label, Generation: t.Generation}
}

// TargetRef identifies a target as it was when an event was produced
type TargetRef struct {
	ID         string `json:"id"`
	Label      string `json:"label"`
	Generation uint64 `json:"generation"`
}

// Stream items

// StreamItem is one post delivered by the filtered stream
type StreamItem struct {
	ID             string    `json:"id"`
	AuthorID       string    `json:"author_id,omitempty"`
	AuthorHandle   string    `json:"author_handle,omitempty"`
	Text           string    `json:"text"`
	CreatedAt      time.Time `json:"created_at,omitempty"`
	MatchedRuleIDs []string  `json:"matched_rule_ids"`
}

// URL returns the public link to the post
func (i StreamItem) URL() string {
	if i.AuthorHandle != "" {
		return fmt.Sprintf("https://x.com/%s/status/%s", i.AuthorHandle, i.ID)
	}
	return fmt.Sprintf("https://x.com/i/web/status/%s", i.ID)
}

// Author returns @handle, falling back to the author id
func (i StreamItem) Author() string {
	switch {
	case i.AuthorHandle != "":
		return "@" + i.AuthorHandle
	case i.AuthorID != "":
		return i.AuthorID
	default:
		return "unknown"
	}
}

// Rules and connection

// RuleBinding is a remote filter rule. The remote side is authoritative.
type RuleBinding struct {
	ID            string `json:"id"`
	Expression    string `json:"expression"`
	Tag           string `json:"tag,omitempty"`
	OwnerTargetID string `json:"owner_target_id,omitempty"`
}

// ConnectionPhase is the coarse state of the stream connection
type ConnectionPhase string

const (
	PhaseDisconnected ConnectionPhase = "disconnected"
	PhaseConnecting   ConnectionPhase = "connecting"
	PhaseConnected    ConnectionPhase = "connected"
	PhaseBackoff      ConnectionPhase = "backoff"
)

// ConnectionState is the single process-wide stream connection state
type ConnectionState struct {
	Phase   ConnectionPhase `json:"phase"`
	Attempt int             `json:"attempt,omitempty"`
	Until   time.Time       `json:"until,omitempty"`
	Reason  string          `json:"reason,omitempty"`
}

func (s ConnectionState) String() string {
	if s.Phase == PhaseBackoff {
		return fmt.Sprintf("backoff (attempt %d, retry at %s)", s.Attempt, s.Until.Format("15:04:05"))
	}
	return string(s.Phase)
}
