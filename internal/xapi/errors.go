package xapi

import (
	"errors"
	"fmt"
	"strings"
)

// APIError is one entry of the "errors" array returned by the API
type APIError struct {
	Title  string `json:"title,omitempty"`
	Detail string `json:"detail,omitempty"`
	Type   string `json:"type,omitempty"`
	Value  string `json:"value,omitempty"`
	ID     string `json:"id,omitempty"`
}

func (e APIError) String() string {
	var parts []string
	if e.Title != "" {
		parts = append(parts, e.Title)
	}
	if e.Detail != "" {
		parts = append(parts, e.Detail)
	}
	if e.Value != "" {
		parts = append(parts, "value="+e.Value)
	}
	if len(parts) == 0 {
		return "unknown error"
	}
	return strings.Join(parts, " | ")
}

// FormatAPIErrors renders API errors on one line
func FormatAPIErrors(errs []APIError) string {
	rendered := make([]string, len(errs))
	for i, e := range errs {
		rendered[i] = e.String()
	}
	return strings.Join(rendered, "; ")
}

// TransientNetworkError is a failure that may succeed when retried
type TransientNetworkError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *TransientNetworkError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s failed (HTTP %d): %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *TransientNetworkError) Unwrap() error   { return e.Err }
func (e *TransientNetworkError) Retryable() bool { return true }

// AuthError means the bearer token was rejected. It is fatal to the subsystem
// that received it.
type AuthError struct {
	Op         string
	StatusCode int
	Detail     string
}

func (e *AuthError) Error() string {
	msg := fmt.Sprintf("%s unauthorized (HTTP %d): check the X bearer token permissions", e.Op, e.StatusCode)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func (e *AuthError) Retryable() bool { return false }

// DuplicateRuleError is returned when the same expression is already a live rule
type DuplicateRuleError struct {
	Expression string
	RuleID     string
}

func (e *DuplicateRuleError) Error() string {
	if e.RuleID != "" {
		return fmt.Sprintf("rule %q already exists (id %s)", e.Expression, e.RuleID)
	}
	return fmt.Sprintf("rule %q already exists", e.Expression)
}

func (e *DuplicateRuleError) Retryable() bool { return false }

// QuotaExceededError is returned when the account rule cap is reached
type QuotaExceededError struct {
	Detail string
}

func (e *QuotaExceededError) Error() string {
	return "rule quota exceeded: " + e.Detail
}

func (e *QuotaExceededError) Retryable() bool { return false }

// StatusError is any other non-success response
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s failed (HTTP %d): %s", e.Op, e.StatusCode, strings.TrimSpace(e.Body))
}

func (e *StatusError) Retryable() bool { return false }

// Condition is a stream-specific reason for refusing a connection
type Condition string

const (
	ConditionNoRules            Condition = "no_rules"
	ConditionProvisioning       Condition = "provisioning"
	ConditionTooManyConnections Condition = "too_many_connections"
)

// ConditionError is a stream connect refusal with a known cause
type ConditionError struct {
	Condition  Condition
	StatusCode int
	Body       string
}

func (e *ConditionError) Error() string {
	switch e.Condition {
	case ConditionNoRules:
		return "no stream rules configured"
	case ConditionProvisioning:
		return "subscription provisioning in progress"
	case ConditionTooManyConnections:
		return "too many stream connections"
	default:
		return fmt.Sprintf("stream refused (HTTP %d): %s", e.StatusCode, e.Body)
	}
}

func (e *ConditionError) Retryable() bool { return true }

// IsAuthError reports whether err is, or wraps, an AuthError
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}
