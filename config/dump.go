package config

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

const redacted = "[redacted]"

// Dump renders the effective configuration as YAML with secrets redacted.
func Dump(c *Config) ([]byte, error) {
	cp := *c
	if cp.Server.APIKey != "" {
		cp.Server.APIKey = redacted
	}
	if cp.Agent.APIKey != "" {
		cp.Agent.APIKey = redacted
	}
	out, err := yaml.Marshal(&cp)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return out, nil
}
