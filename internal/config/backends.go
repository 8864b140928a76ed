package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Backend kinds understood by the generation layer.
const (
	BackendGemini = "gemini"
	BackendOpenAI = "openai"
	BackendStatic = "static"
)

// ErrNoBackends is returned when a backends file lists nothing.
var ErrNoBackends = errors.New("at least one generation backend must be configured")

// BackendConfig describes one generation backend.
type BackendConfig struct {
	Name            string        `yaml:"name"`
	Kind            string        `yaml:"kind"`
	Model           string        `yaml:"model,omitempty"`
	BaseURL         string        `yaml:"base_url,omitempty"`
	APIKeyEnv       string        `yaml:"api_key_env,omitempty"`
	Priority        int           `yaml:"priority"`
	Timeout         time.Duration `yaml:"timeout,omitempty"`
	Temperature     float64       `yaml:"temperature,omitempty"`
	MaxOutputTokens int           `yaml:"max_output_tokens,omitempty"`
}

type backendsFile struct {
	Backends []BackendConfig `yaml:"backends"`
}

// DefaultBackends is used when no backends file is configured.
func DefaultBackends() []BackendConfig {
	return []BackendConfig{
		{Name: "gemini-pro", Kind: BackendGemini, Model: "gemini-1.5-pro-latest", APIKeyEnv: "GEMINI_API_KEY", Priority: 10, Timeout: 45 * time.Second},
		{Name: "gemini-flash", Kind: BackendGemini, Model: "gemini-1.5-flash", APIKeyEnv: "GEMINI_API_KEY", Priority: 20, Timeout: 30 * time.Second},
	}
}

// LoadBackends reads and validates a backends file.
func LoadBackends(path string) ([]BackendConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read backends file: %w", err)
	}
	backends, err := ParseBackends(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return backends, nil
}

// ParseBackends decodes YAML and returns the list sorted by ascending priority.
// Entries with equal priority keep their file order.
func ParseBackends(data []byte) ([]BackendConfig, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var file backendsFile
	if err := dec.Decode(&file); err != nil {
		return nil, fmt.Errorf("parse backends: %w", err)
	}
	if err := ValidateBackends(file.Backends); err != nil {
		return nil, err
	}

	out := make([]BackendConfig, len(file.Backends))
	copy(out, file.Backends)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out, nil
}

// ValidateBackends checks names, kinds and per-kind requirements.
func ValidateBackends(backends []BackendConfig) error {
	if len(backends) == 0 {
		return ErrNoBackends
	}
	seen := make(map[string]struct{}, len(backends))
	for i, b := range backends {
		name := strings.TrimSpace(b.Name)
		if name == "" {
			return fmt.Errorf("backend %d: name is required", i)
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("backend %q: duplicate name", name)
		}
		seen[name] = struct{}{}

		switch b.Kind {
		case BackendGemini, BackendOpenAI:
			if strings.TrimSpace(b.Model) == "" {
				return fmt.Errorf("backend %q: model is required for kind %s", name, b.Kind)
			}
		case BackendStatic:
		default:
			return fmt.Errorf("backend %q: unknown kind %q", name, b.Kind)
		}
		if b.Timeout < 0 {
			return fmt.Errorf("backend %q: timeout must not be negative", name)
		}
		if b.Temperature < 0 || b.Temperature > 2 {
			return fmt.Errorf("backend %q: temperature must be between 0 and 2", name)
		}
	}
	return nil
}
