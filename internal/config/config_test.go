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
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/your-org/legal-research-assistant/internal/agents"
	"github.com/your-org/legal-research-assistant/internal/cerebras"
	"github.com/your-org/legal-research-assistant/internal/complexity"
)

const testConfigContent = `
environment: staging
server:
  port: 9090
cerebras:
  api_keys: ["csk-file-key-one", "csk-file-key-two"]  # pragma: allowlist secret
  model: "llama-3.3-70b"
  timeout: 45s
tavily:
  api_keys: ["tvly-file-key"]  # pragma: allowlist secret
  requests_per_second: 2
  burst: 4
workflows:
  enabled: false
agents:
  max_sources: 6
  parallelism: 2
audit:
  storage_type: sqlite
  db_path: ./decisions.db
routing:
  rules:
    - name: statute-lookup
      priority: 5
      complexity: light
      keywords: ["section"]
      reasoning: "Statute lookup"
logging:
  level: debug
  format: text
`

// clearEnv blanks every variable the loader reads so the host environment
// cannot leak into a test
func clearEnv(t *testing.T) {
	t.Helper()
	for _, name := range []string{
		"CONFIG_PATH", "CEREBRAS_API_KEY", "TAVILY_API_KEY", "CEREBRAS_BASE_URL",
		"CEREBRAS_MODEL", "TAVILY_BASE_URL", "DATABASE_URL", "REDIS_URL",
		"AUDIT_DB_PATH", "LOG_LEVEL", "LOG_FORMAT", "LOG_OUTPUT", "ENVIRONMENT",
		"PORT", "ENABLE_MASTRA",
	} {
		t.Setenv(name, "")
	}
	for _, entry := range os.Environ() {
		name, _, _ := strings.Cut(entry, "=")
		if strings.HasPrefix(name, "CEREBRAS_API_KEY_") || strings.HasPrefix(name, "TAVILY_API_KEY_") ||
			strings.HasPrefix(name, EnvPrefix+"_") {
			t.Setenv(name, "")
		}
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("Failed to create test config file: %v", err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	clearEnv(t)
	config, err := Load(writeConfig(t, testConfigContent))
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if config.Environment != "staging" {
		t.Errorf("Expected environment 'staging', got '%s'", config.Environment)
	}
	if config.Server.Port != 9090 {
		t.Errorf("Expected port 9090, got %d", config.Server.Port)
	}
	if len(config.Cerebras.APIKeys) != 2 || config.Cerebras.APIKeys[1] != "csk-file-key-two" {
		t.Errorf("Unexpected Cerebras keys: %v", config.Cerebras.APIKeys)
	}
	if config.Cerebras.Timeout != 45*time.Second {
		t.Errorf("Expected Cerebras timeout 45s, got %v", config.Cerebras.Timeout)
	}
	if config.Tavily.RequestsPerSecond != 2 || config.Tavily.Burst != 4 {
		t.Errorf("Unexpected Tavily pacing: %+v", config.Tavily)
	}
	if config.Workflows.Enabled {
		t.Error("Expected workflows to be disabled")
	}
	if config.Agents.MaxSources != 6 || config.Agents.Parallelism != 2 {
		t.Errorf("Unexpected agent settings: %+v", config.Agents)
	}
	// Unset agent fields keep their defaults
	if config.Agents.ExtractURLs != 3 {
		t.Errorf("Expected default extract_urls 3, got %d", config.Agents.ExtractURLs)
	}
	if config.Audit.StorageType != "sqlite" {
		t.Errorf("Expected sqlite audit storage, got %s", config.Audit.StorageType)
	}
	if config.Extract.HostFailures != 3 || config.Extract.HostCooldown != 2*time.Minute {
		t.Errorf("Unexpected page host circuit defaults: %+v", config.Extract)
	}
	if config.Logging.Level != "debug" || config.Logging.Format != "text" {
		t.Errorf("Unexpected logging config: %+v", config.Logging)
	}

	rules := config.RoutingRules()
	if len(rules) != 1 || rules[0].Name != "statute-lookup" || rules[0].Complexity != complexity.Light {
		t.Errorf("Unexpected routing rules: %+v", rules)
	}
}

func TestLoadWithoutFile(t *testing.T) {
	clearEnv(t)
	t.Setenv("CEREBRAS_API_KEY", "csk-env-key")
	t.Setenv("TAVILY_API_KEY", "tvly-env-key")

	config, err := LoadWithOptions(LoadOptions{ValidateRequired: true})
	if err != nil {
		t.Fatalf("Expected defaults and env to be enough, got: %v", err)
	}
	if config.Server.Port != 8080 {
		t.Errorf("Expected default port 8080, got %d", config.Server.Port)
	}
	if !config.Workflows.Enabled {
		t.Error("Expected workflows enabled by default")
	}
	if config.Cerebras.Model != cerebras.DefaultModel {
		t.Errorf("Expected default model %s, got %s", cerebras.DefaultModel, config.Cerebras.Model)
	}
	if len(config.RoutingRules()) != len(complexity.DefaultRules()) {
		t.Error("Expected the built-in routing rules when none are configured")
	}

	_, err = LoadWithOptions(LoadOptions{RequireFile: true})
	if !errors.Is(err, ErrMissingRequiredField) {
		t.Errorf("Expected ErrMissingRequiredField when a file is required, got %v", err)
	}
}

func TestEnvironmentVariableOverrides(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, testConfigContent)

	t.Setenv("CEREBRAS_API_KEY", "csk-env-zero")
	t.Setenv("CEREBRAS_API_KEY_2", "csk-env-two")
	t.Setenv("CEREBRAS_API_KEY_1", "csk-env-one")
	t.Setenv("TAVILY_API_KEY", "tvly-a, tvly-b")
	t.Setenv("ENABLE_MASTRA", "true")
	t.Setenv("DATABASE_URL", "postgres://legal:secret@db:5432/legal") // pragma: allowlist secret
	t.Setenv("REDIS_URL", "redis://cache:6379/0")
	t.Setenv("LOG_LEVEL", "warn")
	t.Setenv("PORT", "7070")
	t.Setenv("LEGALCHAT_CEREBRAS_MODEL", "qwen-3-32b")

	config, err := Load(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	wantCerebras := []string{"csk-env-zero", "csk-env-one", "csk-env-two"}
	if strings.Join(config.Cerebras.APIKeys, ",") != strings.Join(wantCerebras, ",") {
		t.Errorf("Expected Cerebras keys %v, got %v", wantCerebras, config.Cerebras.APIKeys)
	}
	if len(config.Tavily.APIKeys) != 2 || config.Tavily.APIKeys[1] != "tvly-b" {
		t.Errorf("Expected comma separated Tavily keys, got %v", config.Tavily.APIKeys)
	}
	if !config.Workflows.Enabled {
		t.Error("Expected ENABLE_MASTRA to enable workflows")
	}
	if config.Database.URL == "" || config.Redis.URL != "redis://cache:6379/0" {
		t.Errorf("Unexpected storage URLs: %q %q", config.Database.URL, config.Redis.URL)
	}
	if config.Logging.Level != "warn" {
		t.Errorf("Expected log level 'warn', got '%s'", config.Logging.Level)
	}
	if config.Server.Port != 7070 {
		t.Errorf("Expected port 7070, got %d", config.Server.Port)
	}
	if config.Cerebras.Model != "qwen-3-32b" {
		t.Errorf("Expected prefixed env override of the model, got %s", config.Cerebras.Model)
	}
}

func TestInvalidEnvironmentValues(t *testing.T) {
	for name, value := range map[string]string{"ENABLE_MASTRA": "maybe", "PORT": "http"} {
		t.Run(name, func(t *testing.T) {
			clearEnv(t)
			t.Setenv("CEREBRAS_API_KEY", "csk-env-key")
			t.Setenv("TAVILY_API_KEY", "tvly-env-key")
			t.Setenv(name, value)

			_, err := LoadWithOptions(LoadOptions{ValidateRequired: true})
			if !errors.Is(err, ErrInvalidConfigValue) {
				t.Errorf("Expected ErrInvalidConfigValue, got %v", err)
			}
		})
	}
}

func TestKeysFromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("TAVILY_API_KEY", "tvly-base")
	t.Setenv("TAVILY_API_KEY_10", "tvly-ten")
	t.Setenv("TAVILY_API_KEY_2", "tvly-two")
	t.Setenv("TAVILY_API_KEY_3", "tvly-base")
	t.Setenv("TAVILY_API_KEY_BACKUP", "tvly-ignored")

	got := KeysFromEnv("TAVILY_API_KEY")
	want := []string{"tvly-base", "tvly-two", "tvly-ten"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("Expected %v, got %v", want, got)
	}

	if keys := KeysFromEnv("CEREBRAS_API_KEY"); len(keys) != 0 {
		t.Errorf("Expected no keys, got %v", keys)
	}
}

func validConfig() Config {
	return Config{
		Server:   ServerConfig{Port: 8080},
		Cerebras: CerebrasConfig{APIKeys: []string{"csk-key"}, BaseURL: "https://api.cerebras.ai/v1", Model: "llama-3.3-70b", MaxRetries: 3},
		Tavily:   TavilyConfig{APIKeys: []string{"tvly-key"}, BaseURL: "https://api.tavily.com", RequestsPerSecond: 5, Burst: 5},
		Agents:   agents.DefaultConfig(),
		Logging:  LoggingConfig{Level: "info", Format: "json"},
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name          string
		mutate        func(*Config)
		errorContains []string
	}{
		{
			name:   "valid",
			mutate: func(*Config) {},
		},
		{
			name: "missing keys",
			mutate: func(c *Config) {
				c.Cerebras.APIKeys = nil
				c.Tavily.APIKeys = nil
			},
			errorContains: []string{"cerebras.api_keys", "tavily.api_keys"},
		},
		{
			name:          "invalid port",
			mutate:        func(c *Config) { c.Server.Port = 70000 },
			errorContains: []string{"port must be between 1 and 65535"},
		},
		{
			name:          "invalid pacing",
			mutate:        func(c *Config) { c.Tavily.RequestsPerSecond = 0 },
			errorContains: []string{"requests_per_second must be greater than 0"},
		},
		{
			name:          "invalid log level",
			mutate:        func(c *Config) { c.Logging.Level = "verbose" },
			errorContains: []string{"log level must be one of"},
		},
		{
			name:          "invalid storage type",
			mutate:        func(c *Config) { c.Audit.StorageType = "postgres" },
			errorContains: []string{"audit.storage_type"},
		},
		{
			name: "invalid routing rule",
			mutate: func(c *Config) {
				c.Routing.Rules = []complexity.Rule{{Name: "broken", Complexity: "extreme", Keywords: []string{"x"}}}
			},
			errorContains: []string{"routing.rules"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := validConfig()
			config.Audit.StorageType = "file"
			tt.mutate(&config)

			err := validateConfig(&config)
			if len(tt.errorContains) == 0 {
				if err != nil {
					t.Errorf("Expected no error, got %v", err)
				}
				return
			}
			if !errors.Is(err, ErrInvalidConfigValue) {
				t.Fatalf("Expected ErrInvalidConfigValue, got %v", err)
			}
			for _, want := range tt.errorContains {
				if !strings.Contains(err.Error(), want) {
					t.Errorf("Expected error to contain %q, got %v", want, err)
				}
			}
		})
	}
}

func TestMaskSensitiveValues(t *testing.T) {
	config := validConfig()
	config.Cerebras.APIKeys = []string{"csk-1234567890"}
	config.Database.URL = "postgres://legal:secret@db/legal" // pragma: allowlist secret

	masked := config.MaskSensitiveValues()

	if masked.Cerebras.APIKeys[0] != "csk-1234******" {
		t.Errorf("Unexpected masked key %s", masked.Cerebras.APIKeys[0])
	}
	if strings.Contains(masked.Database.URL, "secret") {
		t.Errorf("Expected database URL to be masked, got %s", masked.Database.URL)
	}
	if config.Cerebras.APIKeys[0] != "csk-1234567890" {
		t.Error("Masking must not modify the original config")
	}
	if masked.Tavily.APIKeys[0] != "********" {
		t.Errorf("Expected short key fully masked, got %s", masked.Tavily.APIKeys[0])
	}
}

func TestConfigPathEnvironmentVariable(t *testing.T) {
	clearEnv(t)
	t.Setenv("CONFIG_PATH", writeConfig(t, testConfigContent))

	config, err := Load("")
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if config.Server.Port != 9090 {
		t.Errorf("Expected the CONFIG_PATH file to be read, got port %d", config.Server.Port)
	}

	t.Setenv("CONFIG_PATH", filepath.Join(t.TempDir(), "missing.yaml"))
	if _, err := Load(""); err == nil {
		t.Error("Expected error for a missing CONFIG_PATH file")
	}
}

func TestWatchConfig(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, testConfigContent)

	reloaded := make(chan *Config, 4)
	watched, err := WatchConfig(path, zaptest.NewLogger(t), func(c *Config) {
		select {
		case reloaded <- c:
		default:
		}
	})
	if err != nil {
		t.Fatalf("WatchConfig failed: %v", err)
	}
	if !filepath.IsAbs(watched) {
		t.Errorf("Expected an absolute watched path, got %s", watched)
	}

	updated := strings.Replace(testConfigContent, "keywords: [\"section\"]", "keywords: [\"statute\"]", 1)
	if err := os.WriteFile(path, []byte(updated), 0600); err != nil {
		t.Fatalf("Failed to update config: %v", err)
	}

	select {
	case c := <-reloaded:
		if got := c.RoutingRules()[0].Keywords[0]; got != "statute" {
			t.Errorf("Expected reloaded keyword 'statute', got %s", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for config reload")
	}
}

func TestWatchConfigWithoutFile(t *testing.T) {
	clearEnv(t)
	if _, err := WatchConfig("", nil, func(*Config) {}); !errors.Is(err, ErrMissingRequiredField) {
		t.Errorf("Expected ErrMissingRequiredField, got %v", err)
	}
}

func TestValidationError(t *testing.T) {
	err := ValidationError{Field: "server.port", Message: "bad"}
	want := "configuration validation failed for field 'server.port': bad"
	if err.Error() != want {
		t.Errorf("Expected %q, got %q", want, err.Error())
	}
}
