package models

import (
	"fmt"
	"strings"
	"time"
)

// FeedEvent is the closed set of events delivered to consumers:
// *ItemEvent, *AnalysisEvent and *SystemEvent.
type FeedEvent interface {
	Header() EventHeader
	feedEvent()
}

// EventHeader is assigned by the event bus when the event is published
type EventHeader struct {
	ID  string    `json:"id"`
	Seq uint64    `json:"seq"`
	At  time.Time `json:"at"`
}

func (h EventHeader) Header() EventHeader { return h }

// ItemEvent reports a stream item matched by a target
type ItemEvent struct {
	EventHeader
	Target TargetRef  `json:"target"`
	Item   StreamItem `json:"item"`
}

// AnalysisEvent carries the analysis outcome for an item. Exactly one of
// Output and Err is set.
type AnalysisEvent struct {
	EventHeader
	Target   TargetRef     `json:"target"`
	Item     StreamItem    `json:"item"`
	Provider string        `json:"provider,omitempty"`
	Model    string        `json:"model,omitempty"`
	Output   string        `json:"output,omitempty"`
	Err      error         `json:"-"`
	Duration time.Duration `json:"duration"`
}

// SystemKind classifies system events
type SystemKind string

const (
	SystemConnected     SystemKind = "connected"
	SystemDisconnected  SystemKind = "disconnected"
	SystemReconnecting  SystemKind = "reconnecting"
	SystemRules         SystemKind = "rules"
	SystemOrphanedMatch SystemKind = "orphaned_match"
	SystemInfo          SystemKind = "info"
	SystemError         SystemKind = "error"
)

// SystemLevel is the severity of a system event
type SystemLevel string

const (
	LevelInfo  SystemLevel = "info"
	LevelWarn  SystemLevel = "warn"
	LevelError SystemLevel = "error"
)

// SystemEvent reports connection, rule and configuration conditions
type SystemEvent struct {
	EventHeader
	Kind    SystemKind  `json:"kind"`
	Level   SystemLevel `json:"level"`
	Message string      `json:"message"`
	Err     error       `json:"-"`
}

func (*ItemEvent) feedEvent()     {}
func (*AnalysisEvent) feedEvent() {}
func (*SystemEvent) feedEvent()   {}

// Stamp sets the header of an event in place
func Stamp(ev FeedEvent, h EventHeader) {
	switch e := ev.(type) {
	case *ItemEvent:
		e.EventHeader = h
	case *AnalysisEvent:
		e.EventHeader = h
	case *SystemEvent:
		e.EventHeader = h
	}
}

// EventKind returns a short name for the event type
func EventKind(ev FeedEvent) string {
	switch e := ev.(type) {
	case *ItemEvent:
		return "item"
	case *AnalysisEvent:
		if e.Err != nil {
			return "analysis_error"
		}
		return "analysis"
	case *SystemEvent:
		return "system"
	default:
		return "unknown"
	}
}

// Summarize renders the event as a single line
func Summarize(ev FeedEvent) string {
	switch e := ev.(type) {
	case *ItemEvent:
		return fmt.Sprintf("[%s] %s: %s (%s)", e.Target.Label, e.Item.Author(), oneLine(e.Item.Text), e.Item.URL())
	case *AnalysisEvent:
		if e.Err != nil {
			return fmt.Sprintf("[%s] analysis failed for %s: %v", e.Target.Label, e.Item.ID, e.Err)
		}
		return fmt.Sprintf("[%s] analysis (%s/%s) for %s: %s", e.Target.Label, e.Provider, e.Model, e.Item.ID, oneLine(e.Output))
	case *SystemEvent:
		if e.Err != nil && !strings.Contains(e.Message, e.Err.Error()) {
			return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Err)
		}
		return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
	default:
		return fmt.Sprintf("%T", ev)
	}
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
