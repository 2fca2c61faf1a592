// Package targetfiles reads target definitions from YAML files.
//
// A file describes one target:
//
//	label: "Go team"
//	kind: account
//	target: "@golang, rsc"
//	ai:
//	  provider: grok
//	  prompt: "What changed?"
//
// display_name is accepted for label, and the ai block may be written as flat
// ai_enabled/ai_provider/ai_model/ai_endpoint/ai_api_key/ai_prompt keys.
// Analysis is enabled when any ai value is set unless enabled says otherwise.
package targetfiles

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"

	"github.com/xmonitor/pkg/models"
)

// ExampleFileName is written into a newly created target directory
const ExampleFileName = "example-account.yaml"

const exampleFile = `label: "Example account watch"
kind: account
target: "@handle_1, handle2, @handle_3"
ai:
  enabled: true
  provider: grok
  model: grok-4-1-fast-non-reasoning
  prompt: "Summarize why this post matters and what to watch next."
`

var (
	ErrKindRequired   = errors.New("kind is required")
	ErrTargetRequired = errors.New("target cannot be empty")
)

// Entry is one definition file. Err is set when the file could not be read
// or parsed; the other files are still returned.
type Entry struct {
	FileName   string
	Path       string
	Definition models.TargetDefinition
	Err        error
}

type rawAI struct {
	Enabled  *bool  `koanf:"enabled"`
	Provider string `koanf:"provider"`
	Model    string `koanf:"model"`
	Endpoint string `koanf:"endpoint"`
	APIKey   string `koanf:"api_key"`
	Prompt   string `koanf:"prompt"`
}

type rawFile struct {
	Label       string `koanf:"label"`
	DisplayName string `koanf:"display_name"`
	Kind        string `koanf:"kind"`
	Target      string `koanf:"target"`
	AI          rawAI  `koanf:"ai"`

	AIEnabled  *bool  `koanf:"ai_enabled"`
	AIProvider string `koanf:"ai_provider"`
	AIModel    string `koanf:"ai_model"`
	AIEndpoint string `koanf:"ai_endpoint"`
	AIAPIKey   string `koanf:"ai_api_key"`
	AIPrompt   string `koanf:"ai_prompt"`
}

// Prepare creates dir and writes the example file when it is missing
func Prepare(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create target directory %s: %w", dir, err)
	}
	example := filepath.Join(dir, ExampleFileName)
	if _, err := os.Stat(example); err == nil {
		return nil
	}
	if err := os.WriteFile(example, []byte(exampleFile), 0o644); err != nil {
		return fmt.Errorf("failed to write example target file at %s: %w", example, err)
	}
	return nil
}

// IsDefinitionFile reports whether path has a YAML extension
func IsDefinitionFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	default:
		return false
	}
}

// LoadDir parses every YAML file in dir, sorted by file name
func LoadDir(dir string) ([]Entry, error) {
	items, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}

	var entries []Entry
	for _, item := range items {
		if item.IsDir() || !IsDefinitionFile(item.Name()) {
			continue
		}
		path := filepath.Join(dir, item.Name())
		entry := Entry{FileName: item.Name(), Path: path}

		raw, err := os.ReadFile(path)
		if err != nil {
			entry.Err = fmt.Errorf("failed to read file: %w", err)
		} else {
			entry.Definition, entry.Err = Parse(raw)
		}
		entries = append(entries, entry)
	}

	sort.Slice(entries, func(i, j int) bool {
		return strings.ToLower(entries[i].FileName) < strings.ToLower(entries[j].FileName)
	})
	return entries, nil
}

// Parse reads one target definition
func Parse(raw []byte) (models.TargetDefinition, error) {
	k := koanf.New(".")
	if err := k.Load(rawbytes.Provider(raw), yaml.Parser()); err != nil {
		return models.TargetDefinition{}, fmt.Errorf("invalid YAML format for target config: %w", err)
	}

	var f rawFile
	if err := k.Unmarshal("", &f); err != nil {
		return models.TargetDefinition{}, fmt.Errorf("invalid target config: %w", err)
	}

	if strings.TrimSpace(f.Kind) == "" {
		return models.TargetDefinition{}, ErrKindRequired
	}
	kind, err := models.ParseTargetKind(f.Kind)
	if err != nil {
		return models.TargetDefinition{}, err
	}
	target := strings.TrimSpace(f.Target)
	if target == "" {
		return models.TargetDefinition{}, ErrTargetRequired
	}
	if _, _, _, err := models.BuildExpression(kind, target); err != nil {
		return models.TargetDefinition{}, err
	}

	def := models.TargetDefinition{
		Kind:  kind,
		Value: target,
		Label: firstClean(f.Label, f.DisplayName),
	}

	settings := models.AnalysisSettings{
		Provider: firstClean(f.AIProvider, f.AI.Provider),
		Model:    firstClean(f.AIModel, f.AI.Model),
		Endpoint: firstClean(f.AIEndpoint, f.AI.Endpoint),
		APIKey:   firstClean(f.AIAPIKey, f.AI.APIKey),
		Prompt:   firstClean(f.AIPrompt, f.AI.Prompt),
	}
	anyValue := settings != models.AnalysisSettings{}
	switch {
	case f.AIEnabled != nil:
		settings.Enabled = *f.AIEnabled
	case f.AI.Enabled != nil:
		settings.Enabled = *f.AI.Enabled
	default:
		settings.Enabled = anyValue
	}
	if settings.Enabled || anyValue {
		def.Analysis = &settings
	}
	return def, nil
}

func firstClean(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
