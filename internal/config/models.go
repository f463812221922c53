package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/goccy/go-yaml"
)

// ModelAliasConfig is the declarative model-alias table: public model
// names (as seen on the v1beta surface) mapped to the upstream model
// identifier they should be sent as, plus the keyword list used for
// media-intent detection. Loaded the same way the teacher loads its
// model-router table: a YAML file decoded onto a validated struct.
type ModelAliasConfig struct {
	Models       []ModelAlias `yaml:"models"`
	MediaKeyword []string     `yaml:"media_keywords"`

	byPublicName map[string]string
}

// ModelAlias binds one public-facing model name to its upstream id.
type ModelAlias struct {
	PublicName string `yaml:"name"`
	UpstreamID string `yaml:"upstream_id"`
}

func init() {
	yaml.RegisterCustomUnmarshaler(func(c *ModelAliasConfig, data []byte) error {
		type Aux ModelAliasConfig
		aux := Aux{}
		if err := yaml.Unmarshal(data, &aux); err != nil {
			return fmt.Errorf("failed to unmarshal model alias config: %w", err)
		}
		cfg := ModelAliasConfig(aux)
		if err := cfg.Validate(); err != nil {
			return err
		}
		cfg.buildIndex()
		*c = cfg
		return nil
	})
}

// Validate checks for duplicate public names and empty fields.
func (c *ModelAliasConfig) Validate() error {
	seen := make(map[string]bool, len(c.Models))
	for _, m := range c.Models {
		if m.PublicName == "" {
			return fmt.Errorf("model alias entry missing name")
		}
		if m.UpstreamID == "" {
			return fmt.Errorf("model alias entry %q missing upstream_id", m.PublicName)
		}
		if seen[m.PublicName] {
			return fmt.Errorf("duplicate model alias name %q", m.PublicName)
		}
		seen[m.PublicName] = true
	}
	return nil
}

func (c *ModelAliasConfig) buildIndex() {
	c.byPublicName = make(map[string]string, len(c.Models))
	for _, m := range c.Models {
		c.byPublicName[m.PublicName] = m.UpstreamID
	}
}

// Resolve maps a public model name to its upstream identifier, stripping
// an optional "models/" prefix first. Unknown names pass through
// unchanged, per the mapping contract.
func (c *ModelAliasConfig) Resolve(publicName string) string {
	name := strings.TrimPrefix(publicName, "models/")
	if c == nil || c.byPublicName == nil {
		return name
	}
	if upstreamID, ok := c.byPublicName[name]; ok {
		return upstreamID
	}
	return name
}

// PublicNames lists every known public model name, for the list-models
// endpoint.
func (c *ModelAliasConfig) PublicNames() []string {
	names := make([]string, 0, len(c.Models))
	for _, m := range c.Models {
		names = append(names, m.PublicName)
	}
	return names
}

// HasMediaKeyword reports whether text contains any configured
// media-intent keyword, case-insensitively.
func (c *ModelAliasConfig) HasMediaKeyword(text string) bool {
	lower := strings.ToLower(text)
	for _, kw := range c.MediaKeyword {
		if kw == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

// LoadModelAliasConfig reads and validates the model alias file at path.
func LoadModelAliasConfig(path string) (*ModelAliasConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read model alias file: %w", err)
	}

	var cfg ModelAliasConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse model alias file: %w", err)
	}
	if cfg.byPublicName == nil {
		cfg.buildIndex()
	}
	return &cfg, nil
}
