package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// TestEnvironmentVariableExpansion tests ${VAR} expansion inside the YAML file.
func TestEnvironmentVariableExpansion(t *testing.T) {
	testCases := []struct {
		name       string
		envVars    map[string]string
		yamlConfig string
		validate   func(*testing.T, *Config)
		wantErr    bool
		errMsg     string
	}{
		{
			name:    "basic env var expansion",
			envVars: map[string]string{"RELAY_BOT_KEY": "123:abc"},
			yamlConfig: `
chat:
    transport: telegram
    bot_username: relaybot
    token: ${RELAY_BOT_KEY}`,
			validate: func(t *testing.T, c *Config) {
				assert.Equal(t, "123:abc", c.Chat.Token)
			},
		},
		{
			name:    "default value syntax",
			envVars: map[string]string{},
			yamlConfig: `
llm:
    model: ${RELAY_TEST_MODEL:-gpt2-medium}`,
			validate: func(t *testing.T, c *Config) {
				assert.Equal(t, "gpt2-medium", c.LLM.Model)
			},
		},
		{
			name: "multiple env vars in single value",
			envVars: map[string]string{
				"RELAY_TEST_HOST": "localhost",
				"RELAY_TEST_PORT": "11434",
			},
			yamlConfig: `
llm:
    endpoint: http://${RELAY_TEST_HOST}:${RELAY_TEST_PORT}`,
			validate: func(t *testing.T, c *Config) {
				assert.Equal(t, "http://localhost:11434", c.LLM.Endpoint)
			},
		},
		{
			name:    "unterminated reference",
			envVars: map[string]string{},
			yamlConfig: `
llm:
    model: ${RELAY_TEST_MODEL`,
			wantErr: true,
			errMsg:  "invalid syntax",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			clearRelayEnv(t)
			for k, v := range tc.envVars {
				t.Setenv(k, v)
			}

			config, err := Load(strings.NewReader(tc.yamlConfig))
			if tc.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tc.errMsg)
				return
			}

			require.NoError(t, err)
			tc.validate(t, config)
		})
	}
}

// clearRelayEnv blanks the override variables so the host environment
// cannot leak into assertions.
func clearRelayEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{EnvMaxHistoryMessages, EnvMaxCompletionTokens, EnvDevice, EnvChatToken, EnvTelegramToken, EnvLogLevel} {
		t.Setenv(k, "")
	}
}

// TestApplyEnv tests the process-environment overrides.
func TestApplyEnv(t *testing.T) {
	testCases := []struct {
		name     string
		envVars  map[string]string
		validate func(*testing.T, *Config)
		wantErr  string
	}{
		{
			name: "history and completion overrides",
			envVars: map[string]string{
				EnvMaxHistoryMessages:  "25",
				EnvMaxCompletionTokens: "300",
			},
			validate: func(t *testing.T, c *Config) {
				assert.Equal(t, 25, c.Relay.MaxHistoryMessages)
				assert.Equal(t, 300, c.LLM.MaxCompletionTokens)
				assert.Equal(t, 724, c.TokenBudget())
			},
		},
		{
			name:    "device is lower-cased",
			envVars: map[string]string{EnvDevice: "CUDA"},
			validate: func(t *testing.T, c *Config) {
				assert.Equal(t, "cuda", c.LLM.Device)
			},
		},
		{
			name: "chat token beats telegram token",
			envVars: map[string]string{
				EnvChatToken:     "primary",
				EnvTelegramToken: "secondary",
			},
			validate: func(t *testing.T, c *Config) {
				assert.Equal(t, "primary", c.Chat.Token)
			},
		},
		{
			name:    "telegram token fallback",
			envVars: map[string]string{EnvTelegramToken: "secondary"},
			validate: func(t *testing.T, c *Config) {
				assert.Equal(t, "secondary", c.Chat.Token)
			},
		},
		{
			name:    "malformed integer",
			envVars: map[string]string{EnvMaxHistoryMessages: "lots"},
			wantErr: "invalid integer",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			clearRelayEnv(t)
			for k, v := range tc.envVars {
				t.Setenv(k, v)
			}

			cfg := DefaultConfig()
			err := ApplyEnv(cfg)
			if tc.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tc.wantErr)
				return
			}
			require.NoError(t, err)
			tc.validate(t, cfg)
		})
	}
}

// TestLoadRejectsBudgetFromEnv ensures an environment override cannot
// produce a non-positive budget.
func TestLoadRejectsBudgetFromEnv(t *testing.T) {
	clearRelayEnv(t)
	t.Setenv(EnvMaxCompletionTokens, "1024")

	_, err := Load(strings.NewReader(""))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "non-positive token budget")
}

func TestConfigWatcher(t *testing.T) {
	clearRelayEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "relay.yaml")
	require.NoError(t, os.WriteFile(path, []byte("relay:\n  max_history_messages: 10\n"), 0644))

	cw, err := NewConfigWatcher(path, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer cw.Close()

	assert.Equal(t, 10, cw.GetCurrentConfig().Relay.MaxHistoryMessages)

	updates := cw.Subscribe()
	require.NoError(t, os.WriteFile(path, []byte("relay:\n  max_history_messages: 20\n"), 0644))

	deadline := time.After(5 * time.Second)
	for seen := false; !seen; {
		select {
		case cfg := <-updates:
			seen = cfg.Relay.MaxHistoryMessages == 20
		case <-deadline:
			t.Fatal("timed out waiting for config reload")
		}
	}
	assert.Equal(t, 20, cw.GetCurrentConfig().Relay.MaxHistoryMessages)

	// An invalid rewrite keeps the last good config.
	require.NoError(t, os.WriteFile(path, []byte("llm:\n  max_completion_tokens: 5000\n"), 0644))
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 20, cw.GetCurrentConfig().Relay.MaxHistoryMessages)

	require.NoError(t, cw.Close())
	require.NoError(t, cw.Close())
}
