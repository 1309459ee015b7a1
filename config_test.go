package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/liushuangls/go-anthropic/v2"
	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validConfigJSON = `{
	"id": "bot123",
	"telegram_token": "token123",
	"memory_size": 1024,
	"messages_per_hour": 10,
	"messages_per_day": 100,
	"temp_ban_duration": "1h",
	"model": "claude-v1",
	"system_prompts": {"default": "Hello!"},
	"active": true,
	"owner_telegram_id": 123456789,
	"anthropic_api_key": "api_key_123",
	"channel_link": "https://t.me/unstablecoin",
	"market": {"peg_target": 2, "reference_symbol": "BTCUSDT", "tick_interval": "30s"},
	"faucet": {"amount": "25", "cooldown": "1d"}
}`

// TestBotConfig_UnmarshalJSON tests the unmarshalling of BotConfig
func TestBotConfig_UnmarshalJSON(t *testing.T) {
	var config BotConfig
	if err := json.Unmarshal([]byte(validConfigJSON), &config); err != nil {
		t.Fatalf("Failed to unmarshal JSON: %v", err)
	}

	if config.Model != anthropic.Model("claude-v1") {
		t.Errorf("Expected model claude-v1, got %s", config.Model)
	}
	if config.ID != "bot123" {
		t.Errorf("Expected ID bot123, got %s", config.ID)
	}
	assert.Equal(t, 2.0, config.Market.PegTarget)
	assert.Equal(t, "BTCUSDT", config.Market.ReferenceSymbol)
	assert.Equal(t, "25", config.Faucet.Amount)
}

func TestValidateConfigPath(t *testing.T) {
	execDir, err := os.Getwd()
	if err != nil {
		t.Fatalf("Failed to get current directory: %v", err)
	}
	subDir := t.TempDir()

	tests := []struct {
		name      string
		configDir string
		filename  string
		wantErr   bool
	}{
		{name: "Valid Path", configDir: execDir, filename: "config.json"},
		{name: "Invalid Extension", configDir: execDir, filename: "config.yaml", wantErr: true},
		{name: "Path Traversal", configDir: execDir, filename: "../config.json", wantErr: true},
		{name: "Sneaky Traversal", configDir: execDir, filename: "a/../../config.json", wantErr: true},
		{name: "Absolute Path Outside", configDir: execDir, filename: "/etc/passwd", wantErr: true},
		{name: "Absolute Json Path", configDir: execDir, filename: "/tmp/config.json", wantErr: true},
		{name: "Nested Valid Path", configDir: subDir, filename: "subdir/config.json"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := validateConfigPath(tt.configDir, tt.filename)
			if (err != nil) != tt.wantErr {
				t.Errorf("validateConfigPath() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadConfig(t *testing.T) {
	tempDir := t.TempDir()

	invalidConfig := `{
		"id": "bot123",
		"telegram_token": "token123",
		"memory_size": "should be int",
		"model": "claude-v1"
	}`

	validPath := filepath.Join(tempDir, "valid_config.json")
	require.NoError(t, os.WriteFile(validPath, []byte(validConfigJSON), 0644))
	invalidPath := filepath.Join(tempDir, "invalid_config.json")
	require.NoError(t, os.WriteFile(invalidPath, []byte(invalidConfig), 0644))

	tests := []struct {
		name      string
		filename  string
		wantErr   bool
		expectID  string
		expectErr string
	}{
		{name: "Load Valid Config", filename: validPath, expectID: "bot123"},
		{name: "Load Invalid Config", filename: invalidPath, wantErr: true, expectErr: "failed to decode JSON"},
		{name: "Non-existent File", filename: filepath.Join(tempDir, "nonexistent.json"), wantErr: true, expectErr: "failed to open config file"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config, err := loadConfig(tt.filename)
			if (err != nil) != tt.wantErr {
				t.Fatalf("loadConfig() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				if !strings.Contains(err.Error(), tt.expectErr) {
					t.Errorf("loadConfig() error = %v, expected to contain %v", err, tt.expectErr)
				}
				return
			}
			if config.ID != tt.expectID {
				t.Errorf("Expected ID %s, got %s", tt.expectID, config.ID)
			}
		})
	}
}

func TestValidateConfig(t *testing.T) {
	valid := func() BotConfig {
		return BotConfig{
			ID:              "bot123",
			TelegramToken:   "token123",
			Model:           "claude-v1",
			Active:          true,
			OwnerTelegramID: 123456789,
		}
	}

	tests := []struct {
		name          string
		mutate        func(*BotConfig)
		ids           map[string]bool
		tokens        map[string]bool
		expectedError string
	}{
		{name: "Valid Config", mutate: func(*BotConfig) {}},
		{name: "Missing ID", mutate: func(c *BotConfig) { c.ID = "" }, expectedError: "missing 'id' field"},
		{name: "Duplicate ID", mutate: func(*BotConfig) {}, ids: map[string]bool{"bot123": true}, expectedError: "duplicate bot id"},
		{name: "Missing Telegram Token", mutate: func(c *BotConfig) { c.TelegramToken = "" }, expectedError: "missing 'telegram_token' field"},
		{name: "Duplicate Telegram Token", mutate: func(*BotConfig) {}, tokens: map[string]bool{"token123": true}, expectedError: "duplicate telegram_token"},
		{name: "Missing Model", mutate: func(c *BotConfig) { c.Model = "" }, expectedError: "missing 'model' field"},
		{name: "Bad Ban Duration", mutate: func(c *BotConfig) { c.TempBanDuration = "soon" }, expectedError: "temp_ban_duration"},
		{name: "Day Ban Duration", mutate: func(c *BotConfig) { c.TempBanDuration = "2d" }},
		{name: "Missing Owner", mutate: func(c *BotConfig) { c.OwnerTelegramID = 0 }, expectedError: "missing 'owner_telegram_id' field"},
		{name: "Negative Owner", mutate: func(c *BotConfig) { c.OwnerTelegramID = -5 }, expectedError: "owner_telegram_id"},
		{name: "Fee Too High", mutate: func(c *BotConfig) { c.Market.FeeBps = lo.ToPtr(10000) }, expectedError: "fee_bps"},
		{name: "Fee Free", mutate: func(c *BotConfig) { c.Market.FeeBps = lo.ToPtr(0) }},
		{name: "Negative Volatility", mutate: func(c *BotConfig) { c.Market.Volatility = lo.ToPtr(-0.1) }, expectedError: "volatility"},
		{name: "Threshold Out Of Range", mutate: func(c *BotConfig) { c.Market.DepegThreshold = 1.5 }, expectedError: "depeg_threshold"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := valid()
			tt.mutate(&config)
			ids, tokens := tt.ids, tt.tokens
			if ids == nil {
				ids = map[string]bool{}
			}
			if tokens == nil {
				tokens = map[string]bool{}
			}

			err := validateConfig(&config, ids, tokens)
			if tt.expectedError == "" {
				assert.NoError(t, err)
				return
			}
			if assert.Error(t, err) {
				assert.Contains(t, err.Error(), tt.expectedError)
			}
		})
	}
}

func TestLoadAllConfigs(t *testing.T) {
	second := strings.NewReplacer(`"bot123"`, `"bot124"`, `"token123"`, `"token124"`)

	tests := []struct {
		name          string
		setupFiles    map[string]string
		expectConfigs int
	}{
		{
			name:          "Load All Valid Configs",
			setupFiles:    map[string]string{"valid_config.json": validConfigJSON},
			expectConfigs: 1,
		},
		{
			name: "Two Bots",
			setupFiles: map[string]string{
				"a.json": validConfigJSON,
				"b.json": second.Replace(validConfigJSON),
			},
			expectConfigs: 2,
		},
		{
			name: "Skip Inactive Config",
			setupFiles: map[string]string{
				"valid_config.json":    validConfigJSON,
				"inactive_config.json": strings.Replace(second.Replace(validConfigJSON), `"active": true`, `"active": false`, 1),
			},
			expectConfigs: 1,
		},
		{
			name: "Duplicate Bot ID",
			setupFiles: map[string]string{
				"a.json": validConfigJSON,
				"b.json": strings.Replace(validConfigJSON, `"token123"`, `"token125"`, 1),
			},
			expectConfigs: 1,
		},
		{
			name: "Duplicate Telegram Token",
			setupFiles: map[string]string{
				"a.json": validConfigJSON,
				"b.json": strings.Replace(validConfigJSON, `"bot123"`, `"bot126"`, 1),
			},
			expectConfigs: 1,
		},
		{
			name: "Invalid Config And Other Files",
			setupFiles: map[string]string{
				"valid_config.json":   validConfigJSON,
				"invalid_config.json": `{"id": "bot127", "telegram_token": "token127", "model": "", "active": true}`,
				"broken.json":         `{`,
				"notes.txt":           "not a config",
			},
			expectConfigs: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tempDir := t.TempDir()
			for filename, content := range tt.setupFiles {
				require.NoError(t, os.WriteFile(filepath.Join(tempDir, filename), []byte(content), 0644))
			}

			configs, err := loadAllConfigs(tempDir)
			require.NoError(t, err)
			assert.Len(t, configs, tt.expectConfigs)
		})
	}
}

func TestLoadAllConfigs_MissingDir(t *testing.T) {
	_, err := loadAllConfigs(filepath.Join(t.TempDir(), "nope"))
	assert.Error(t, err)
}

func TestLoadAllConfigs_AppliesDefaults(t *testing.T) {
	tempDir := t.TempDir()
	minimal := `{"id": "b", "telegram_token": "t", "model": "m", "owner_telegram_id": 1, "active": true}`
	require.NoError(t, os.WriteFile(filepath.Join(tempDir, "b.json"), []byte(minimal), 0644))

	configs, err := loadAllConfigs(tempDir)
	require.NoError(t, err)
	require.Len(t, configs, 1)

	c := configs[0]
	assert.Equal(t, defaultMemorySize, c.MemorySize)
	assert.Equal(t, defaultMessagePerHour, c.MessagePerHour)
	assert.Equal(t, defaultMessagePerDay, c.MessagePerDay)
	assert.Equal(t, 30*time.Minute, c.tempBan())
	assert.Equal(t, 1.0, c.Market.PegTarget)
	assert.Equal(t, time.Minute, c.Market.tickInterval())
	assert.Equal(t, 24*time.Hour, c.Market.retention())
	assert.Equal(t, 0.02, *c.Market.Volatility)
	assert.Equal(t, 0.5, *c.Market.ReferenceBeta)
	assert.Equal(t, 50, *c.Market.FeeBps)

	amount, cash, cooldown, err := c.Faucet.parsed()
	require.NoError(t, err)
	assert.Equal(t, Amount(100*AmountScale), amount)
	assert.Equal(t, Amount(1000*AmountScale), cash)
	assert.Equal(t, 24*time.Hour, cooldown)
}

func TestLoadAllConfigs_KeepsExplicitZeros(t *testing.T) {
	tempDir := t.TempDir()
	zeros := `{"id": "b", "telegram_token": "t", "model": "m", "owner_telegram_id": 1, "active": true,
		"market": {"volatility": 0, "reference_beta": 0, "fee_bps": 0}}`
	require.NoError(t, os.WriteFile(filepath.Join(tempDir, "b.json"), []byte(zeros), 0644))

	configs, err := loadAllConfigs(tempDir)
	require.NoError(t, err)
	require.Len(t, configs, 1)

	m := configs[0].Market
	assert.Equal(t, 0.0, *m.Volatility)
	assert.Equal(t, 0.0, *m.ReferenceBeta)
	assert.Equal(t, 0, *m.FeeBps)
}

func TestLoadAllConfigs_SkipsMissingOwner(t *testing.T) {
	tempDir := t.TempDir()
	noOwner := strings.Replace(validConfigJSON, `"owner_telegram_id": 123456789`, `"owner_telegram_id": 0`, 1)
	require.NoError(t, os.WriteFile(filepath.Join(tempDir, "b.json"), []byte(noOwner), 0644))

	configs, err := loadAllConfigs(tempDir)
	require.NoError(t, err)
	assert.Empty(t, configs)
}

func TestBotConfig_Reload(t *testing.T) {
	tempDir := t.TempDir()
	configPath := filepath.Join(tempDir, "config.json")
	require.NoError(t, os.WriteFile(configPath, []byte(validConfigJSON), 0644))

	var config BotConfig
	if err := config.Reload(tempDir, "config.json"); err != nil {
		t.Fatalf("Failed to reload config: %v", err)
	}
	assert.Equal(t, "bot123", config.ID)
	assert.Equal(t, anthropic.Model("claude-v1"), config.Model)

	updated := strings.NewReplacer(
		`"token123"`, `"token123_updated"`,
		`"memory_size": 1024`, `"memory_size": 2048`,
		`"claude-v1"`, `"claude-v2"`,
		`123456789`, `987654321`,
	).Replace(validConfigJSON)
	require.NoError(t, os.WriteFile(configPath, []byte(updated), 0644))

	if err := config.Reload(tempDir, "config.json"); err != nil {
		t.Fatalf("Failed to reload updated config: %v", err)
	}
	assert.Equal(t, "token123_updated", config.TelegramToken)
	assert.Equal(t, 2048, config.MemorySize)
	assert.Equal(t, anthropic.Model("claude-v2"), config.Model)
	assert.Equal(t, int64(987654321), config.OwnerTelegramID)

	// A broken file leaves the previous config untouched.
	require.NoError(t, os.WriteFile(configPath, []byte(`{"id": ""}`), 0644))
	assert.Error(t, config.Reload(tempDir, "config.json"))
	assert.Equal(t, "bot123", config.ID)
}

func TestParseDuration(t *testing.T) {
	d, err := parseDuration("1d12h")
	require.NoError(t, err)
	assert.Equal(t, 36*time.Hour, d)

	_, err = parseDuration("later")
	assert.Error(t, err)
}

func TestAnthropicKey_EnvFallback(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "from-env")
	assert.Equal(t, "from-env", BotConfig{}.anthropicKey())
	assert.Equal(t, "own", BotConfig{AnthropicAPIKey: "own"}.anthropicKey())
}
