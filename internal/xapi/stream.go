package xapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/xmonitor/pkg/models"
)

type streamEnvelope struct {
	Data *struct {
		ID        string `json:"id"`
		Text      string `json:"text"`
		AuthorID  string `json:"author_id"`
		CreatedAt string `json:"created_at"`
	} `json:"data"`
	Includes *struct {
		Users []struct {
			ID       string `json:"id"`
			Username string `json:"username"`
		} `json:"users"`
	} `json:"includes"`
	MatchingRules []struct {
		ID  string `json:"id"`
		Tag string `json:"tag"`
	} `json:"matching_rules"`
	Errors []APIError `json:"errors"`
}

// StreamMessage is one decoded line of the stream. Item is nil for
// error-only messages.
type StreamMessage struct {
	Item   *models.StreamItem
	Errors []APIError
}

// DecodeStreamLine parses a single NDJSON line of the filtered stream
func DecodeStreamLine(line []byte) (StreamMessage, error) {
	var env streamEnvelope
	if err := json.Unmarshal(line, &env); err != nil {
		return StreamMessage{}, fmt.Errorf("failed to parse stream message: %w", err)
	}

	msg := StreamMessage{Errors: env.Errors}
	if env.Data == nil {
		return msg, nil
	}

	item := &models.StreamItem{
		ID:       env.Data.ID,
		AuthorID: env.Data.AuthorID,
		Text:     env.Data.Text,
	}
	if env.Data.CreatedAt != "" {
		if ts, err := time.Parse(time.RFC3339, env.Data.CreatedAt); err == nil {
			item.CreatedAt = ts
		}
	}
	if env.Includes != nil {
		for _, u := range env.Includes.Users {
			if u.ID == item.AuthorID {
				item.AuthorHandle = u.Username
				break
			}
		}
	}
	for _, r := range env.MatchingRules {
		if r.ID != "" {
			item.MatchedRuleIDs = append(item.MatchedRuleIDs, r.ID)
		}
	}
	msg.Item = item
	return msg, nil
}

// OpenStream connects to the filtered stream and returns its body. Closing
// the body ends the connection. Refusals come back classified: AuthError,
// ConditionError, TransientNetworkError or StatusError.
func (c *Client) OpenStream(ctx context.Context) (io.ReadCloser, error) {
	query := url.Values{}
	query.Set("expansions", "author_id")
	query.Set("tweet.fields", "author_id,created_at")
	query.Set("user.fields", "username")

	req, err := c.newRequest(ctx, http.MethodGet, streamPath+"?"+query.Encode(), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &TransientNetworkError{Op: "stream connect", Err: err}
	}
	if isSuccess(resp.StatusCode) {
		return resp.Body, nil
	}

	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	return nil, classifyStream(resp.StatusCode, body)
}

func classifyStream(status int, body []byte) error {
	text := string(body)
	lower := strings.ToLower(text)

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &AuthError{Op: "stream", StatusCode: status, Detail: problemDetail(body)}
	case status == http.StatusConflict &&
		(strings.Contains(text, "RuleConfigurationIssue") || strings.Contains(lower, "must define rules")):
		return &ConditionError{Condition: ConditionNoRules, StatusCode: status, Body: text}
	case status == http.StatusServiceUnavailable &&
		(strings.Contains(text, "ProvisioningSubscription") || strings.Contains(lower, "currently being provisioned")):
		return &ConditionError{Condition: ConditionProvisioning, StatusCode: status, Body: text}
	case status == http.StatusTooManyRequests:
		return &ConditionError{Condition: ConditionTooManyConnections, StatusCode: status, Body: text}
	case status >= 500:
		return &TransientNetworkError{Op: "stream connect", StatusCode: status, Err: fmt.Errorf("%s", strings.TrimSpace(text))}
	default:
		return &StatusError{Op: "stream connect", StatusCode: status, Body: text}
	}
}
