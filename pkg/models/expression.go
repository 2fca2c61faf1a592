package models

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrEmptyTarget    = errors.New("target value is empty")
	ErrNoValidHandles = errors.New("no valid account handles found")
)

// BuildExpression normalizes a target value and derives its rule expression
// and default label.
func BuildExpression(kind TargetKind, raw string) (value, expression, label string, err error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", "", "", ErrEmptyTarget
	}

	switch kind {
	case KindAccount:
		handles := ParseAccountHandles(raw)
		if len(handles) == 0 {
			return "", "", "", ErrNoValidHandles
		}
		value = strings.Join(handles, ", ")
		if len(handles) == 1 {
			expression = "from:" + handles[0]
		} else {
			parts := make([]string, len(handles))
			for i, h := range handles {
				parts[i] = "from:" + h
			}
			expression = "(" + strings.Join(parts, " OR ") + ")"
		}
		ats := make([]string, len(handles))
		for i, h := range handles {
			ats[i] = "@" + h
		}
		return value, expression, strings.Join(ats, ", "), nil

	case KindPhrase:
		switch {
		case len(raw) >= 2 && strings.HasPrefix(raw, `"`) && strings.HasSuffix(raw, `"`):
			expression = raw
		case strings.ContainsAny(raw, " \t"):
			expression = `"` + strings.ReplaceAll(raw, `"`, `\"`) + `"`
		default:
			expression = raw
		}
		return raw, expression, raw, nil

	default:
		return "", "", "", fmt.Errorf("unsupported target kind %q", kind)
	}
}

// ParseAccountHandles splits a comma separated handle list. Leading @ is
// stripped, characters outside [A-Za-z0-9_] are dropped and duplicates are
// removed case-insensitively, keeping the first spelling.
func ParseAccountHandles(raw string) []string {
	seen := make(map[string]struct{})
	var handles []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimPrefix(strings.TrimSpace(part), "@")
		var b strings.Builder
		for _, r := range part {
			if r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
				b.WriteRune(r)
			}
		}
		handle := b.String()
		if handle == "" {
			continue
		}
		key := strings.ToLower(handle)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		handles = append(handles, handle)
	}
	return handles
}
