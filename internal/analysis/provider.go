package analysis

import (
	"os"
	"strings"
)

// Provider is an OpenAI-compatible chat completion endpoint
type Provider struct {
	Name      string `koanf:"name" json:"name"`
	BaseURL   string `koanf:"base_url" json:"base_url"`
	Model     string `koanf:"model" json:"model"`
	APIKey    string `koanf:"api_key" json:"api_key,omitempty"`
	APIKeyEnv string `koanf:"api_key_env" json:"api_key_env,omitempty"`
}

// CustomProvider has no defaults; targets using it must supply an endpoint and key
const CustomProvider = "custom"

// DefaultProviders returns the built-in provider catalogue
func DefaultProviders() []Provider {
	return []Provider{
		{Name: "grok", BaseURL: "https://api.x.ai/v1", Model: "grok-4-1-fast-non-reasoning", APIKeyEnv: "XAI_API_KEY"},
		{Name: "openrouter", BaseURL: "https://openrouter.ai/api/v1", Model: "x-ai/grok-4.1-fast", APIKeyEnv: "OPENROUTER_API_KEY"},
		{Name: "gemini", BaseURL: "https://generativelanguage.googleapis.com/v1beta/openai", Model: "gemini-3-flash-preview", APIKeyEnv: "GEMINI_API_KEY"},
		{Name: "openai", BaseURL: "https://api.openai.com/v1", Model: "gpt-5-nano", APIKeyEnv: "OPENAI_API_KEY"},
		{Name: CustomProvider},
	}
}

// MergeDefaultProviders returns the built-in catalogue with configured entries
// replacing defaults of the same name (case-insensitive). Configured providers
// without a default counterpart are appended in their original order.
func MergeDefaultProviders(configured []Provider) []Provider {
	remaining := append([]Provider(nil), configured...)
	merged := make([]Provider, 0, len(remaining)+5)

	for _, def := range DefaultProviders() {
		found := -1
		for i, p := range remaining {
			if strings.EqualFold(p.Name, def.Name) {
				found = i
				break
			}
		}
		if found < 0 {
			merged = append(merged, def)
			continue
		}
		merged = append(merged, remaining[found])
		remaining = append(remaining[:found], remaining[found+1:]...)
	}

	return append(merged, remaining...)
}

// FindProvider looks a provider up by name, ignoring case
func FindProvider(providers []Provider, name string) (Provider, bool) {
	name = strings.TrimSpace(name)
	for _, p := range providers {
		if strings.EqualFold(p.Name, name) {
			return p, true
		}
	}
	return Provider{}, false
}

// ResolvedKey returns the literal key, falling back to the named env variable
func (p Provider) ResolvedKey(lookup func(string) (string, bool)) string {
	if key := strings.TrimSpace(p.APIKey); key != "" {
		return key
	}
	if p.APIKeyEnv == "" {
		return ""
	}
	if value, ok := lookup(p.APIKeyEnv); ok {
		return strings.TrimSpace(value)
	}
	return ""
}

// ResolveKeyInput interprets a per-target key override. "$NAME" and ALL_CAPS
// names refer to environment variables; anything else is a literal key.
// The boolean reports whether a non-empty key was produced.
func ResolveKeyInput(input string, lookup func(string) (string, bool)) (string, bool) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", false
	}
	if lookup == nil {
		lookup = os.LookupEnv
	}

	if name, ok := strings.CutPrefix(input, "$"); ok && looksLikeEnvName(name) {
		value, _ := lookup(name)
		value = strings.TrimSpace(value)
		return value, value != ""
	}

	if looksLikeEnvName(input) {
		if value, ok := lookup(input); ok && strings.TrimSpace(value) != "" {
			return strings.TrimSpace(value), true
		}
		return "", false
	}

	return input, true
}

func looksLikeEnvName(s string) bool {
	hasLetter := false
	for _, r := range s {
		switch {
		case r >= 'A' && r <= 'Z':
			hasLetter = true
		case r == '_' || (r >= '0' && r <= '9'):
		default:
			return false
		}
	}
	return hasLetter
}
