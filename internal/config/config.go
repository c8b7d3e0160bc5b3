// Copyright 2024 Legal Research Assistant Project
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/your-org/legal-research-assistant/internal/agents"
	"github.com/your-org/legal-research-assistant/internal/audit"
	"github.com/your-org/legal-research-assistant/internal/cerebras"
	"github.com/your-org/legal-research-assistant/internal/complexity"
)

// EnvPrefix prefixes environment overrides of config keys, e.g. LEGALCHAT_SERVER_PORT
const EnvPrefix = "LEGALCHAT"

var (
	// ErrMissingRequiredField is returned when a required configuration field is missing
	ErrMissingRequiredField = errors.New("missing required configuration field")
	// ErrInvalidConfigValue is returned when a configuration value is invalid
	ErrInvalidConfigValue = errors.New("invalid configuration value")
)

// Config represents the complete application configuration
type Config struct {
	Environment string          `mapstructure:"environment"`
	Server      ServerConfig    `mapstructure:"server"`
	Cerebras    CerebrasConfig  `mapstructure:"cerebras"`
	Tavily      TavilyConfig    `mapstructure:"tavily"`
	Workflows   WorkflowsConfig `mapstructure:"workflows"`
	Database    DatabaseConfig  `mapstructure:"database"`
	Redis       RedisConfig     `mapstructure:"redis"`
	Extract     ExtractConfig   `mapstructure:"extract"`
	Agents      agents.Config   `mapstructure:"agents"`
	Audit       audit.Config    `mapstructure:"audit"`
	Routing     RoutingConfig   `mapstructure:"routing"`
	Metrics     MetricsConfig   `mapstructure:"metrics"`
	Logging     LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// CerebrasConfig contains the LLM vendor settings
type CerebrasConfig struct {
	APIKeys    []string      `mapstructure:"api_keys"`
	BaseURL    string        `mapstructure:"base_url"`
	Model      string        `mapstructure:"model"`
	Timeout    time.Duration `mapstructure:"timeout"`
	MaxRetries int           `mapstructure:"max_retries"`
}

// TavilyConfig contains the search vendor settings
type TavilyConfig struct {
	APIKeys           []string      `mapstructure:"api_keys"`
	BaseURL           string        `mapstructure:"base_url"`
	Timeout           time.Duration `mapstructure:"timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
	MaxRetries        int           `mapstructure:"max_retries"`
}

// WorkflowsConfig toggles the multi-step workflows
type WorkflowsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// DatabaseConfig points at the legal-document store. An empty URL disables it.
type DatabaseConfig struct {
	URL string `mapstructure:"url"`
}

// RedisConfig points at the key usage counter store. An empty URL disables it.
type RedisConfig struct {
	URL string `mapstructure:"url"`
}

// ExtractConfig contains page fetcher settings
type ExtractConfig struct {
	Timeout      time.Duration `mapstructure:"timeout"`
	MaxChars     int           `mapstructure:"max_chars"`
	UserAgent    string        `mapstructure:"user_agent"`
	HostFailures int           `mapstructure:"host_failures"`
	HostCooldown time.Duration `mapstructure:"host_cooldown"`
}

// RoutingConfig replaces the built-in routing rules when Rules is non-empty
type RoutingConfig struct {
	Rules []complexity.Rule `mapstructure:"rules"`
}

// MetricsConfig contains Prometheus settings
type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Namespace string `mapstructure:"namespace"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

// RoutingRules returns the configured rules, or the built-in table when none are set
func (c *Config) RoutingRules() []complexity.Rule {
	if len(c.Routing.Rules) == 0 {
		return complexity.DefaultRules()
	}
	return c.Routing.Rules
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("configuration validation failed for field '%s': %s", e.Field, e.Message)
}

// LoadOptions contains options for configuration loading
type LoadOptions struct {
	ConfigPath string
	// RequireFile fails the load when no config file is found. Otherwise
	// defaults and environment variables are enough.
	RequireFile      bool
	ValidateRequired bool
}

// Load loads configuration from file and environment variables.
// Environment variables take precedence over config file values.
func Load(configPath string) (*Config, error) {
	return LoadWithOptions(LoadOptions{
		ConfigPath:       configPath,
		ValidateRequired: true,
	})
}

// LoadWithOptions loads configuration with additional options
func LoadWithOptions(opts LoadOptions) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	found, err := setConfigFile(v, opts.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("failed to set config file: %w", err)
	}
	if !found && opts.RequireFile {
		return nil, fmt.Errorf("%w: no config file found in default locations (./configs/config.yaml, ./config.yaml)", ErrMissingRequiredField)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if found {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := setEnvironmentMappings(v); err != nil {
		return nil, err
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	config.Cerebras.APIKeys = cleanKeys(config.Cerebras.APIKeys)
	config.Tavily.APIKeys = cleanKeys(config.Tavily.APIKeys)

	if opts.ValidateRequired {
		if err := validateConfig(&config); err != nil {
			return nil, err
		}
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	// Comprehensive reports stream for minutes
	v.SetDefault("server.write_timeout", "10m")

	v.SetDefault("cerebras.base_url", cerebras.DefaultBaseURL)
	v.SetDefault("cerebras.model", cerebras.DefaultModel)
	v.SetDefault("cerebras.timeout", "120s")
	v.SetDefault("cerebras.max_retries", 3)

	v.SetDefault("tavily.base_url", "https://api.tavily.com")
	v.SetDefault("tavily.timeout", "30s")
	v.SetDefault("tavily.requests_per_second", 5.0)
	v.SetDefault("tavily.burst", 5)
	v.SetDefault("tavily.max_retries", 3)

	v.SetDefault("workflows.enabled", true)

	v.SetDefault("extract.timeout", "15s")
	v.SetDefault("extract.max_chars", 20000)
	v.SetDefault("extract.user_agent", "legalchat/1.0 (+legal research assistant)")
	v.SetDefault("extract.host_failures", 3)
	v.SetDefault("extract.host_cooldown", "2m")

	defaults := agents.DefaultConfig()
	v.SetDefault("agents.max_sources", defaults.MaxSources)
	v.SetDefault("agents.extract_urls", defaults.ExtractURLs)
	v.SetDefault("agents.sub_queries", defaults.SubQueries)
	v.SetDefault("agents.parallelism", defaults.Parallelism)
	v.SetDefault("agents.history_tokens", defaults.HistoryTokens)

	v.SetDefault("audit.storage_type", audit.StorageTypeFile)
	v.SetDefault("audit.file_path", "./data/decisions.jsonl")
	v.SetDefault("audit.db_path", "./data/decisions.db")
	v.SetDefault("audit.max_query_chars", 500)
	v.SetDefault("audit.recent_window", 500)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.namespace", "legalchat")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
}

// setConfigFile sets the configuration file path with fallback logic.
// It reports whether a file will be read.
func setConfigFile(v *viper.Viper, configPath string) (bool, error) {
	if envPath := os.Getenv("CONFIG_PATH"); envPath != "" {
		if _, err := os.Stat(envPath); err != nil {
			return false, fmt.Errorf("config file specified by CONFIG_PATH does not exist: %s", envPath)
		}
		v.SetConfigFile(envPath)
		return true, nil
	}

	if configPath != "" {
		if _, err := os.Stat(configPath); err != nil {
			return false, fmt.Errorf("config file does not exist: %s", configPath)
		}
		v.SetConfigFile(configPath)
		return true, nil
	}

	for _, path := range []string{"./configs/config.yaml", "./config.yaml"} {
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			return true, nil
		}
	}
	return false, nil
}

// setEnvironmentMappings applies the conventional variable names that do not
// follow the LEGALCHAT_ prefix scheme
func setEnvironmentMappings(v *viper.Viper) error {
	envMappings := map[string]string{
		"CEREBRAS_BASE_URL": "cerebras.base_url",
		"CEREBRAS_MODEL":    "cerebras.model",
		"TAVILY_BASE_URL":   "tavily.base_url",
		"DATABASE_URL":      "database.url",
		"REDIS_URL":         "redis.url",
		"AUDIT_DB_PATH":     "audit.db_path",
		"LOG_LEVEL":         "logging.level",
		"LOG_FORMAT":        "logging.format",
		"LOG_OUTPUT":        "logging.output",
		"ENVIRONMENT":       "environment",
	}
	for envVar, configKey := range envMappings {
		if value := os.Getenv(envVar); value != "" {
			v.Set(configKey, value)
		}
	}

	if value := os.Getenv("PORT"); value != "" {
		port, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("%w: PORT=%q", ErrInvalidConfigValue, value)
		}
		v.Set("server.port", port)
	}

	if value := os.Getenv("ENABLE_MASTRA"); value != "" {
		enabled, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("%w: ENABLE_MASTRA=%q", ErrInvalidConfigValue, value)
		}
		v.Set("workflows.enabled", enabled)
	}

	if keys := KeysFromEnv("CEREBRAS_API_KEY"); len(keys) > 0 {
		v.Set("cerebras.api_keys", keys)
	}
	if keys := KeysFromEnv("TAVILY_API_KEY"); len(keys) > 0 {
		v.Set("tavily.api_keys", keys)
	}
	return nil
}

// KeysFromEnv collects a key pool from NAME and NAME_1, NAME_2, ... in numeric
// order. NAME may also hold a comma separated list. Duplicates are dropped.
func KeysFromEnv(name string) []string {
	type numbered struct {
		n   int
		key string
	}
	var indexed []numbered
	for _, entry := range os.Environ() {
		envName, value, ok := strings.Cut(entry, "=")
		if !ok || !strings.HasPrefix(envName, name+"_") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimPrefix(envName, name+"_"))
		if err != nil {
			continue
		}
		indexed = append(indexed, numbered{n: n, key: value})
	}
	sort.Slice(indexed, func(i, j int) bool { return indexed[i].n < indexed[j].n })

	keys := strings.Split(os.Getenv(name), ",")
	for _, entry := range indexed {
		keys = append(keys, entry.key)
	}
	return cleanKeys(keys)
}

func cleanKeys(keys []string) []string {
	seen := make(map[string]bool, len(keys))
	out := make([]string, 0, len(keys))
	for _, key := range keys {
		key = strings.TrimSpace(key)
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, key)
	}
	return out
}

// validateConfig validates the configuration for required fields and valid values
func validateConfig(config *Config) error {
	var errs []ValidationError

	if len(config.Cerebras.APIKeys) == 0 {
		errs = append(errs, ValidationError{
			Field:   "cerebras.api_keys",
			Message: "at least one Cerebras API key is required. Set via config file or CEREBRAS_API_KEY / CEREBRAS_API_KEY_<n>",
		})
	}
	if len(config.Tavily.APIKeys) == 0 {
		errs = append(errs, ValidationError{
			Field:   "tavily.api_keys",
			Message: "at least one Tavily API key is required. Set via config file or TAVILY_API_KEY / TAVILY_API_KEY_<n>",
		})
	}

	if config.Cerebras.BaseURL == "" {
		errs = append(errs, ValidationError{Field: "cerebras.base_url", Message: "Cerebras base URL is required"})
	}
	if config.Cerebras.Model == "" {
		errs = append(errs, ValidationError{Field: "cerebras.model", Message: "Cerebras model is required"})
	}
	if config.Tavily.BaseURL == "" {
		errs = append(errs, ValidationError{Field: "tavily.base_url", Message: "Tavily base URL is required"})
	}

	if config.Server.Port <= 0 || config.Server.Port > 65535 {
		errs = append(errs, ValidationError{Field: "server.port", Message: "port must be between 1 and 65535"})
	}
	if config.Cerebras.MaxRetries < 0 {
		errs = append(errs, ValidationError{Field: "cerebras.max_retries", Message: "max_retries must be greater than or equal to 0"})
	}
	if config.Tavily.MaxRetries < 0 {
		errs = append(errs, ValidationError{Field: "tavily.max_retries", Message: "max_retries must be greater than or equal to 0"})
	}
	if config.Tavily.RequestsPerSecond <= 0 {
		errs = append(errs, ValidationError{Field: "tavily.requests_per_second", Message: "requests_per_second must be greater than 0"})
	}
	if config.Tavily.Burst <= 0 {
		errs = append(errs, ValidationError{Field: "tavily.burst", Message: "burst must be greater than 0"})
	}
	if config.Agents.Parallelism <= 0 {
		errs = append(errs, ValidationError{Field: "agents.parallelism", Message: "parallelism must be greater than 0"})
	}
	if config.Agents.MaxSources <= 0 {
		errs = append(errs, ValidationError{Field: "agents.max_sources", Message: "max_sources must be greater than 0"})
	}

	if len(config.Routing.Rules) > 0 {
		if _, err := complexity.NewDetector(config.Routing.Rules); err != nil {
			errs = append(errs, ValidationError{Field: "routing.rules", Message: err.Error()})
		}
	}

	validLogLevels := []string{"debug", "info", "warn", "error"}
	if !contains(validLogLevels, config.Logging.Level) {
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("log level must be one of: %s", strings.Join(validLogLevels, ", ")),
		})
	}

	validLogFormats := []string{"json", "text"}
	if !contains(validLogFormats, config.Logging.Format) {
		errs = append(errs, ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("log format must be one of: %s", strings.Join(validLogFormats, ", ")),
		})
	}

	validStorageTypes := []string{audit.StorageTypeFile, audit.StorageTypeSQLite}
	if !contains(validStorageTypes, config.Audit.StorageType) {
		errs = append(errs, ValidationError{
			Field:   "audit.storage_type",
			Message: fmt.Sprintf("storage type must be one of: %s", strings.Join(validStorageTypes, ", ")),
		})
	}

	if len(errs) > 0 {
		var errorMessages []string
		for _, err := range errs {
			errorMessages = append(errorMessages, err.Error())
		}
		return fmt.Errorf("%w:\n%s", ErrInvalidConfigValue, strings.Join(errorMessages, "\n"))
	}
	return nil
}

// MaskSensitiveValues returns a copy of the config with sensitive values masked
func (c *Config) MaskSensitiveValues() *Config {
	masked := *c

	masked.Cerebras.APIKeys = maskAll(c.Cerebras.APIKeys)
	masked.Tavily.APIKeys = maskAll(c.Tavily.APIKeys)
	if masked.Database.URL != "" {
		masked.Database.URL = maskValue(masked.Database.URL)
	}
	if masked.Redis.URL != "" {
		masked.Redis.URL = maskValue(masked.Redis.URL)
	}
	return &masked
}

func maskAll(values []string) []string {
	if values == nil {
		return nil
	}
	out := make([]string, len(values))
	for i, value := range values {
		out[i] = maskValue(value)
	}
	return out
}

// maskValue masks sensitive values, showing only the first 8 characters
func maskValue(value string) string {
	if len(value) <= 8 {
		return strings.Repeat("*", len(value))
	}
	return value[:8] + strings.Repeat("*", len(value)-8)
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// WatchConfig reloads the config file on change and passes the result to
// callback. Invalid edits are logged and ignored so the running rules stay in
// place. It returns the watched path.
func WatchConfig(configPath string, logger *zap.Logger, callback func(*Config)) (string, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	v := viper.New()

	found, err := setConfigFile(v, configPath)
	if err != nil {
		return "", err
	}
	if !found {
		return "", fmt.Errorf("%w: no config file to watch", ErrMissingRequiredField)
	}
	if err := v.ReadInConfig(); err != nil {
		return "", fmt.Errorf("failed to read config file: %w", err)
	}
	path := v.ConfigFileUsed()

	v.OnConfigChange(func(e fsnotify.Event) {
		logger.Info("Config file changed", zap.String("file", e.Name), zap.String("op", e.Op.String()))

		config, err := LoadWithOptions(LoadOptions{
			ConfigPath:       path,
			RequireFile:      true,
			ValidateRequired: true,
		})
		if err != nil {
			logger.Error("Failed to reload config", zap.Error(err))
			return
		}
		callback(config)
	})
	v.WatchConfig()

	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	return path, nil
}
