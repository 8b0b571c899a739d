package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// FileConfig is the YAML configuration file. Every field is optional.
//
//	provider: anthropic
//	subagent_provider: deepseek
//	depth: 2
//	consult_timeout: 2m
type FileConfig struct {
	Provider         string   `yaml:"provider,omitempty"`
	Model            string   `yaml:"model,omitempty"`
	MaxTokens        uint32   `yaml:"max_tokens,omitempty"`
	Temperature      *float64 `yaml:"temperature,omitempty"`
	Depth            *int     `yaml:"depth,omitempty"`
	SubagentProvider string   `yaml:"subagent_provider,omitempty"`
	ConsultTimeout   string   `yaml:"consult_timeout,omitempty"`
	ChildTimeout     string   `yaml:"child_timeout,omitempty"`
	Database         string   `yaml:"database,omitempty"`
	Instructions     string   `yaml:"instructions,omitempty"`
	LogLevel         string   `yaml:"log_level,omitempty"`
}

// LoadFile reads a YAML configuration file. Environment variable references
// in the file are expanded.
func LoadFile(path string) (FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return FileConfig{}, fmt.Errorf("read config file: %w", err)
	}

	var file FileConfig
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &file); err != nil {
		return FileConfig{}, fmt.Errorf("unmarshal config %s: %w", path, err)
	}
	return file, nil
}
