package cmd

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/xmonitor/internal/analysis"
	"github.com/xmonitor/internal/config"
)

// ConfigCheckResult holds the result of credential validation
type ConfigCheckResult struct {
	Missing  []string          // Required credentials that are missing
	Present  map[string]string // Credentials that are set (masked values)
	Warnings []string          // Non-fatal warnings
}

// CheckRequiredConfig checks the bearer token and the analysis provider keys
func CheckRequiredConfig(cfg *config.Config) *ConfigCheckResult {
	result := &ConfigCheckResult{
		Missing:  []string{},
		Present:  make(map[string]string),
		Warnings: []string{},
	}

	// Always required
	if cfg.X.BearerToken == "" {
		result.Missing = append(result.Missing, "X_BEARER_TOKEN")
	} else {
		result.Present["X_BEARER_TOKEN"] = config.MaskSecret(cfg.X.BearerToken)
	}

	// Provider keys are only needed by targets that use them
	for _, p := range cfg.Analysis.Providers {
		if p.Name == analysis.CustomProvider {
			continue
		}
		key := p.ResolvedKey(config.LookupEnvFold)
		name := p.Name
		if p.APIKeyEnv != "" {
			name = p.APIKeyEnv
		}
		if key == "" {
			if strings.EqualFold(p.Name, cfg.Analysis.DefaultProvider) {
				result.Warnings = append(result.Warnings, fmt.Sprintf("default analysis provider %s has no API key (%s)", p.Name, name))
			}
			continue
		}
		result.Present[name] = config.MaskSecret(key)
	}

	return result
}

// PrintConfigCheck prints the configuration check results
func PrintConfigCheck(result *ConfigCheckResult) {
	fmt.Println("=== Configuration Check ===")
	fmt.Println("")

	if len(result.Missing) > 0 {
		fmt.Println("❌ Missing required variables:")
		for _, v := range result.Missing {
			fmt.Printf("   - %s\n", v)
		}
		fmt.Println("")
	}

	if len(result.Present) > 0 {
		fmt.Println("✓ Configured credentials:")
		keys := make([]string, 0, len(result.Present))
		for k := range result.Present {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Printf("   - %s = %s\n", k, result.Present[k])
		}
		fmt.Println("")
	}

	for _, w := range result.Warnings {
		fmt.Printf("⚠ Warning: %s\n", w)
	}

	if len(result.Missing) == 0 {
		fmt.Println("✓ All required configuration is present")
	}

	fmt.Println("============================")
}

// LoadEnvFile loads environment variables from a file, overwriting existing ones.
func LoadEnvFile(filename string) error {
	file, err := os.Open(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		// Remove quotes if present
		if len(value) >= 2 && ((value[0] == '"' && value[len(value)-1] == '"') || (value[0] == '\'' && value[len(value)-1] == '\'')) {
			value = value[1 : len(value)-1]
		}

		if err := os.Setenv(key, value); err != nil {
			return fmt.Errorf("failed to set env var %s: %w", key, err)
		}
	}

	return scanner.Err()
}
