// Package config provides application settings loaded from environment
// variables and an optional YAML file.
//
// Settings are created via Load() which handles:
// - YAML file parsing (values are defaults for the environment)
// - Environment variable parsing with validation
// - Provider-specific configuration lookup

package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Settings holds all application configuration.
type Settings struct {
	LLM      LLMConfig
	Research ResearchConfig
	Storage  StorageConfig
	LogLevel string
}

// LLMConfig holds LLM provider configuration.
type LLMConfig struct {
	Provider    string
	Model       string
	MaxTokens   uint32
	Temperature float64
}

// ResearchConfig holds decomposition settings.
type ResearchConfig struct {
	Depth            int
	SubagentProvider string        // Provider for non-root invocations; empty reuses the root provider
	ConsultTimeout   time.Duration // 0 = none
	ChildTimeout     time.Duration // 0 = none
	Instructions     string
}

// StorageConfig holds journal settings.
type StorageConfig struct {
	Path string
}

// providerInfo holds configuration for a specific LLM provider.
type providerInfo struct {
	modelEnv     string
	defaultModel string
	apiKeyEnv    string
}

// Supported providers and their configuration.
var providers = map[string]providerInfo{
	"openai":    {"OPENAI_MODEL", "gpt-4o", "OPENAI_API_KEY"},
	"anthropic": {"ANTHROPIC_MODEL", "claude-sonnet-4-20250514", "ANTHROPIC_API_KEY"},
	"deepseek":  {"DEEPSEEK_MODEL", "deepseek-chat", "DEEPSEEK_API_KEY"},
	"gemini":    {"GEMINI_MODEL", "gemini-2.5-flash", "GEMINI_API_KEY"},
}

// Provider aliases map to canonical names.
var providerAliases = map[string]string{
	"claude": "anthropic",
	"google": "gemini",
	"gpt":    "openai",
}

const (
	defaultDepth    = 2
	defaultDatabase = ".deepdive/journal.db"
	defaultLogLevel = "info"
)

// New creates settings for the specified provider from environment variables,
// reading the YAML file named by DEEPDIVE_CONFIG when it is set.
func New(provider string) (Settings, error) {
	return Load(provider, os.Getenv("DEEPDIVE_CONFIG"))
}

// Load creates settings from the YAML file at path (skipped when empty) and
// environment variables. Environment variables take precedence over the file.
// An empty provider falls back to DEEPDIVE_PROVIDER, then to the file.
func Load(provider, path string) (Settings, error) {
	var file FileConfig
	if path != "" {
		f, err := LoadFile(path)
		if err != nil {
			return Settings{}, err
		}
		file = f
	}

	if provider == "" {
		provider = getEnv("DEEPDIVE_PROVIDER", file.Provider)
	}
	if provider == "" {
		return Settings{}, fmt.Errorf("no provider configured (supported: %s)", strings.Join(SupportedProviders(), ", "))
	}
	provider = normalizeProvider(provider)

	info, err := getProviderInfo(provider)
	if err != nil {
		return Settings{}, err
	}

	maxTokens, err := getEnvUint32("LLM_MAX_TOKENS", orDefault(file.MaxTokens, 4096))
	if err != nil {
		return Settings{}, err
	}

	temperature, err := getEnvFloat64("LLM_TEMPERATURE", deref(file.Temperature, 0.7))
	if err != nil {
		return Settings{}, err
	}

	depth, err := getEnvInt("DEEPDIVE_DEPTH", deref(file.Depth, defaultDepth))
	if err != nil {
		return Settings{}, err
	}
	if depth < 0 {
		return Settings{}, fmt.Errorf("depth must be non-negative, got %d", depth)
	}

	consultTimeout, err := getEnvDuration("DEEPDIVE_CONSULT_TIMEOUT", file.ConsultTimeout)
	if err != nil {
		return Settings{}, err
	}

	childTimeout, err := getEnvDuration("DEEPDIVE_CHILD_TIMEOUT", file.ChildTimeout)
	if err != nil {
		return Settings{}, err
	}

	subagent := getEnv("DEEPDIVE_SUBAGENT_PROVIDER", file.SubagentProvider)
	if subagent != "" {
		subagent = normalizeProvider(subagent)
		if _, err := getProviderInfo(subagent); err != nil {
			return Settings{}, fmt.Errorf("subagent provider: %w", err)
		}
	}

	// Model: provider-specific env var, then file, then default
	model := getEnv(info.modelEnv, orDefault(file.Model, info.defaultModel))

	return Settings{
		LLM: LLMConfig{
			Provider:    provider,
			Model:       model,
			MaxTokens:   maxTokens,
			Temperature: temperature,
		},
		Research: ResearchConfig{
			Depth:            depth,
			SubagentProvider: subagent,
			ConsultTimeout:   consultTimeout,
			ChildTimeout:     childTimeout,
			Instructions:     getEnv("DEEPDIVE_INSTRUCTIONS", file.Instructions),
		},
		Storage: StorageConfig{
			Path: getEnv("DEEPDIVE_DB", orDefault(file.Database, defaultDatabase)),
		},
		LogLevel: getEnv("DEEPDIVE_LOG_LEVEL", orDefault(file.LogLevel, defaultLogLevel)),
	}, nil
}

// DatabasePath resolves the journal path without requiring a provider,
// for commands that only read the journal.
func DatabasePath(configPath string) (string, error) {
	var file FileConfig
	if configPath != "" {
		f, err := LoadFile(configPath)
		if err != nil {
			return "", err
		}
		file = f
	}
	return getEnv("DEEPDIVE_DB", orDefault(file.Database, defaultDatabase)), nil
}

// normalizeProvider converts provider aliases to canonical names.
func normalizeProvider(provider string) string {
	provider = strings.ToLower(provider)
	if canonical, ok := providerAliases[provider]; ok {
		return canonical
	}
	return provider
}

// getProviderInfo returns configuration for a provider.
func getProviderInfo(provider string) (providerInfo, error) {
	info, ok := providers[provider]
	if !ok {
		return providerInfo{}, fmt.Errorf("unknown provider: %q", provider)
	}
	return info, nil
}

// APIKeyFor returns the API key for a provider from environment variables.
func APIKeyFor(provider string) (string, error) {
	provider = normalizeProvider(provider)

	info, err := getProviderInfo(provider)
	if err != nil {
		return "", err
	}

	key := os.Getenv(info.apiKeyEnv)
	if key == "" {
		return "", fmt.Errorf("%s environment variable not set", info.apiKeyEnv)
	}
	return key, nil
}

// ModelFor returns the model for a provider, checking environment first.
func ModelFor(provider string) (string, error) {
	provider = normalizeProvider(provider)

	info, err := getProviderInfo(provider)
	if err != nil {
		return "", err
	}

	if val := os.Getenv(info.modelEnv); val != "" {
		return val, nil
	}
	return info.defaultModel, nil
}

// SupportedProviders returns the sorted list of supported provider names.
func SupportedProviders() []string {
	result := make([]string, 0, len(providers))
	for name := range providers {
		result = append(result, name)
	}
	sort.Strings(result)
	return result
}

// Environment variable helpers with proper error handling

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	i, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("invalid value for %s: %q: %w", key, val, err)
	}
	return i, nil
}

func getEnvUint32(key string, defaultVal uint32) (uint32, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	i, err := strconv.ParseUint(val, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid value for %s: %q: %w", key, val, err)
	}
	return uint32(i), nil
}

func getEnvFloat64(key string, defaultVal float64) (float64, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid value for %s: %q: %w", key, val, err)
	}
	return f, nil
}

// getEnvDuration parses key, falling back to defaultVal; both use
// time.ParseDuration syntax and empty means zero.
func getEnvDuration(key, defaultVal string) (time.Duration, error) {
	val := getEnv(key, defaultVal)
	if val == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("invalid value for %s: %q: %w", key, val, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("invalid value for %s: %q: negative duration", key, val)
	}
	return d, nil
}

func orDefault[T comparable](val, defaultVal T) T {
	var zero T
	if val == zero {
		return defaultVal
	}
	return val
}

func deref[T any](val *T, defaultVal T) T {
	if val == nil {
		return defaultVal
	}
	return *val
}
