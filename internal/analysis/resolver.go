package analysis

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/xmonitor/pkg/models"
)

// MissingCredentialError is returned when no API key can be found for a
// provider. It is detected before any network call is made.
type MissingCredentialError struct {
	Provider string
	EnvVar   string
}

func (e *MissingCredentialError) Error() string {
	if e.EnvVar != "" {
		return fmt.Sprintf("missing API key for provider %s (set %s or an api key override)", e.Provider, e.EnvVar)
	}
	return fmt.Sprintf("missing API key for provider %s", e.Provider)
}

// Retryable implements retry.Retryable
func (e *MissingCredentialError) Retryable() bool { return false }

var (
	ErrModelRequired          = errors.New("AI model ID cannot be empty when analysis is enabled")
	ErrCustomEndpointRequired = errors.New("custom AI provider requires an endpoint")
	ErrCustomKeyRequired      = errors.New("custom AI provider requires an API key")
)

// Resolved holds everything needed to make one analysis call
type Resolved struct {
	Provider string
	Endpoint string
	Model    string
	APIKey   string
}

// Resolver turns per-target analysis settings into concrete call parameters
type Resolver struct {
	providers       []Provider
	defaultProvider string
	lookup          func(string) (string, bool)
}

// NewResolver creates a resolver. A nil lookup reads the process environment.
func NewResolver(providers []Provider, defaultProvider string, lookup func(string) (string, bool)) *Resolver {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	if len(providers) == 0 {
		providers = DefaultProviders()
	}
	return &Resolver{providers: providers, defaultProvider: defaultProvider, lookup: lookup}
}

// Providers returns the provider catalogue
func (r *Resolver) Providers() []Provider {
	return append([]Provider(nil), r.providers...)
}

func (r *Resolver) provider(name string) (Provider, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = r.defaultProvider
	}
	if name == "" && len(r.providers) > 0 {
		return r.providers[0], nil
	}
	p, ok := FindProvider(r.providers, name)
	if !ok {
		return Provider{}, fmt.Errorf("unknown AI provider %q", name)
	}
	return p, nil
}

// Resolve picks endpoint, model and key for the settings. Key precedence is
// the per-target override, then the provider's configured key or env var.
func (r *Resolver) Resolve(settings models.AnalysisSettings) (Resolved, error) {
	p, err := r.provider(settings.Provider)
	if err != nil {
		return Resolved{}, err
	}

	resolved := Resolved{
		Provider: p.Name,
		Endpoint: firstNonEmpty(settings.Endpoint, p.BaseURL),
		Model:    firstNonEmpty(settings.Model, p.Model),
	}

	if key, ok := ResolveKeyInput(settings.APIKey, r.lookup); ok {
		resolved.APIKey = key
	} else {
		resolved.APIKey = p.ResolvedKey(r.lookup)
	}

	if resolved.APIKey == "" {
		envVar := p.APIKeyEnv
		if name, ok := strings.CutPrefix(strings.TrimSpace(settings.APIKey), "$"); ok {
			envVar = name
		}
		return resolved, &MissingCredentialError{Provider: p.Name, EnvVar: envVar}
	}
	if resolved.Endpoint == "" {
		return resolved, fmt.Errorf("no endpoint configured for provider %s", p.Name)
	}
	if resolved.Model == "" {
		return resolved, fmt.Errorf("no model configured for provider %s", p.Name)
	}
	return resolved, nil
}

// Validate checks settings when a target is created or edited. It does not
// require credentials to be present yet.
func (r *Resolver) Validate(settings *models.AnalysisSettings) error {
	if settings == nil || !settings.Enabled {
		return nil
	}

	p, err := r.provider(settings.Provider)
	if err != nil {
		return err
	}
	if firstNonEmpty(settings.Model, p.Model) == "" {
		return ErrModelRequired
	}
	if strings.EqualFold(p.Name, CustomProvider) {
		if strings.TrimSpace(settings.Endpoint) == "" {
			return ErrCustomEndpointRequired
		}
		if strings.TrimSpace(settings.APIKey) == "" {
			return ErrCustomKeyRequired
		}
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
