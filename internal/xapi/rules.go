package xapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/xmonitor/internal/retry"
	"github.com/xmonitor/pkg/models"
)

type ruleData struct {
	ID    string `json:"id"`
	Value string `json:"value"`
	Tag   string `json:"tag,omitempty"`
}

type rulesResponse struct {
	Data   []ruleData `json:"data"`
	Errors []APIError `json:"errors"`
}

type addRulesBody struct {
	Add []ruleData `json:"add"`
}

type deleteRulesBody struct {
	Delete struct {
		IDs []string `json:"ids"`
	} `json:"delete"`
}

// RuleStore manages the remote filter rules. Every call is a network round
// trip; the remote side is the only source of truth.
type RuleStore struct {
	client *Client
}

// NewRuleStore creates a rule store on top of the client
func NewRuleStore(client *Client) *RuleStore {
	return &RuleStore{client: client}
}

// Tag returns the rule tag for a target
func (s *RuleStore) Tag(ownerTargetID string) string {
	return s.client.cfg.RuleTagPrefix + ownerTargetID
}

// Owned reports whether a rule was created by this monitor
func (s *RuleStore) Owned(b models.RuleBinding) bool {
	return strings.HasPrefix(b.Tag, s.client.cfg.RuleTagPrefix)
}

func (s *RuleStore) binding(d ruleData) models.RuleBinding {
	b := models.RuleBinding{ID: d.ID, Expression: d.Value, Tag: d.Tag}
	if owner, ok := strings.CutPrefix(d.Tag, s.client.cfg.RuleTagPrefix); ok {
		b.OwnerTargetID = owner
	}
	return b
}

// List returns every rule on the account, including foreign ones
func (s *RuleStore) List(ctx context.Context) ([]models.RuleBinding, error) {
	var bindings []models.RuleBinding

	result := retry.RetryWhen(ctx, s.client.cfg.Retry, func() error {
		status, body, err := s.client.doJSON(ctx, "list rules", http.MethodGet, rulesPath, nil)
		if err != nil {
			return err
		}
		if !isSuccess(status) {
			return classify("list rules", status, body)
		}

		var parsed rulesResponse
		if err := json.Unmarshal(body, &parsed); err != nil {
			return fmt.Errorf("failed to parse rules response: %w", err)
		}
		if len(parsed.Data) == 0 && len(parsed.Errors) > 0 {
			return &StatusError{Op: "list rules", StatusCode: status, Body: FormatAPIErrors(parsed.Errors)}
		}

		bindings = make([]models.RuleBinding, 0, len(parsed.Data))
		for _, d := range parsed.Data {
			bindings = append(bindings, s.binding(d))
		}
		return nil
	}, retry.IsRetryableError, s.client.logger)

	if !result.Success {
		s.client.metrics.RuleCall("list", result.LastError)
		return nil, result.LastError
	}
	s.client.metrics.RuleCall("list", nil)
	return bindings, nil
}

// Add creates a rule for the expression, tagged with the owning target.
// It is not retried: a repeated add of a rule that was in fact created would
// only come back as a duplicate.
func (s *RuleStore) Add(ctx context.Context, expression, ownerTargetID string) (models.RuleBinding, error) {
	binding, err := s.add(ctx, expression, ownerTargetID)
	s.client.metrics.RuleCall("add", err)
	if err != nil {
		s.client.logger.Warn().Err(err).Str("expression", expression).Msg("Failed to add rule")
		return models.RuleBinding{}, err
	}
	s.client.logger.Info().Str("rule_id", binding.ID).Str("expression", expression).Msg("Rule added")
	return binding, nil
}

func (s *RuleStore) add(ctx context.Context, expression, ownerTargetID string) (models.RuleBinding, error) {
	payload := addRulesBody{Add: []ruleData{{Value: expression, Tag: s.Tag(ownerTargetID)}}}

	status, body, err := s.client.doJSON(ctx, "add rule", http.MethodPost, rulesPath, payload)
	if err != nil {
		return models.RuleBinding{}, err
	}

	var parsed rulesResponse
	_ = json.Unmarshal(body, &parsed)

	for _, e := range parsed.Errors {
		if isDuplicate(e) {
			return models.RuleBinding{}, &DuplicateRuleError{Expression: expression, RuleID: e.ID}
		}
	}
	if !isSuccess(status) {
		return models.RuleBinding{}, classify("add rule", status, body)
	}
	for _, e := range parsed.Errors {
		if isQuotaError(e) {
			return models.RuleBinding{}, &QuotaExceededError{Detail: e.String()}
		}
	}
	if len(parsed.Data) == 0 {
		if len(parsed.Errors) > 0 {
			return models.RuleBinding{}, &StatusError{Op: "add rule", StatusCode: status, Body: FormatAPIErrors(parsed.Errors)}
		}
		return models.RuleBinding{}, &StatusError{Op: "add rule", StatusCode: status, Body: "response did not include a rule id"}
	}

	b := s.binding(parsed.Data[0])
	if b.Expression == "" {
		b.Expression = expression
	}
	if b.Tag == "" {
		b.Tag = s.Tag(ownerTargetID)
		b.OwnerTargetID = ownerTargetID
	}
	return b, nil
}

func isDuplicate(e APIError) bool {
	return strings.EqualFold(e.Title, "DuplicateRule") || strings.Contains(e.Type, "duplicate-rules")
}

// Delete removes a rule. Deleting a rule that no longer exists succeeds.
func (s *RuleStore) Delete(ctx context.Context, ruleID string) error {
	_, err := s.deleteIDs(ctx, []string{ruleID})
	if err != nil {
		s.client.logger.Warn().Err(err).Str("rule_id", ruleID).Msg("Failed to delete rule")
		return err
	}
	s.client.logger.Info().Str("rule_id", ruleID).Msg("Rule deleted")
	return nil
}

// Clear deletes every rule owned by this monitor, or every rule on the
// account when all is set. It is meant for explicit resets only.
func (s *RuleStore) Clear(ctx context.Context, all bool) (int, error) {
	rules, err := s.List(ctx)
	if err != nil {
		return 0, err
	}

	var ids []string
	for _, r := range rules {
		if all || s.Owned(r) {
			ids = append(ids, r.ID)
		}
	}
	if len(ids) == 0 {
		return 0, nil
	}
	return s.deleteIDs(ctx, ids)
}

func (s *RuleStore) deleteIDs(ctx context.Context, ids []string) (int, error) {
	var payload deleteRulesBody
	payload.Delete.IDs = ids

	result := retry.RetryWhen(ctx, s.client.cfg.Retry, func() error {
		status, body, err := s.client.doJSON(ctx, "delete rule", http.MethodPost, rulesPath, payload)
		if err != nil {
			return err
		}
		if status == http.StatusNotFound {
			return nil
		}
		if !isSuccess(status) {
			return classify("delete rule", status, body)
		}

		var parsed rulesResponse
		_ = json.Unmarshal(body, &parsed)
		var remaining []APIError
		for _, e := range parsed.Errors {
			if !isNotFound(e) {
				remaining = append(remaining, e)
			}
		}
		if len(remaining) > 0 {
			return &StatusError{Op: "delete rule", StatusCode: status, Body: FormatAPIErrors(remaining)}
		}
		return nil
	}, retry.IsRetryableError, s.client.logger)

	if !result.Success {
		s.client.metrics.RuleCall("delete", result.LastError)
		return 0, result.LastError
	}
	s.client.metrics.RuleCall("delete", nil)
	return len(ids), nil
}

func isNotFound(e APIError) bool {
	text := strings.ToLower(e.Title + " " + e.Detail)
	return strings.Contains(text, "not found") || strings.Contains(text, "does not exist") || strings.Contains(text, "not_found")
}
