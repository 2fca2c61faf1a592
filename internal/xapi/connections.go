package xapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

type terminateResponse struct {
	Data *struct {
		KilledConnections *bool   `json:"killed_connections"`
		SuccessfulKills   *uint64 `json:"successful_kills"`
		FailedKills       *uint64 `json:"failed_kills"`
	} `json:"data"`
	Errors []APIError `json:"errors"`
}

// TerminateAllConnections closes every stream connection of the app,
// including ones held by other processes, and returns a summary line.
func (c *Client) TerminateAllConnections(ctx context.Context) (string, error) {
	status, body, err := c.doJSON(ctx, "terminate connections", http.MethodDelete, connectionsPath, nil)
	if err != nil {
		return "", err
	}
	if !isSuccess(status) {
		return "", classify("terminate connections", status, body)
	}
	if strings.TrimSpace(string(body)) == "" {
		return "terminated all active stream connections", nil
	}

	var parsed terminateResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("failed to parse terminate connections response: %w", err)
	}

	var summary string
	switch {
	case parsed.Data != nil && (parsed.Data.SuccessfulKills != nil || parsed.Data.FailedKills != nil):
		var ok, failed uint64
		if parsed.Data.SuccessfulKills != nil {
			ok = *parsed.Data.SuccessfulKills
		}
		if parsed.Data.FailedKills != nil {
			failed = *parsed.Data.FailedKills
		}
		summary = fmt.Sprintf("terminate-all complete (successful: %d, failed: %d)", ok, failed)
	case parsed.Data != nil && parsed.Data.KilledConnections != nil && !*parsed.Data.KilledConnections:
		summary = "terminate-all complete (no active stream connections)"
	case parsed.Data == nil && len(parsed.Errors) > 0:
		return "", &StatusError{Op: "terminate connections", StatusCode: status, Body: FormatAPIErrors(parsed.Errors)}
	default:
		summary = "terminated all active stream connections"
	}

	if len(parsed.Errors) > 0 {
		summary += "; warnings: " + FormatAPIErrors(parsed.Errors)
	}
	return summary, nil
}
