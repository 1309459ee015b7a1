package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/liushuangls/go-anthropic/v2"
	"github.com/samber/lo"
	"github.com/xhit/go-str2duration/v2"
)

// BotConfig describes one bot. Each bot lives in its own JSON file.
type BotConfig struct {
	ID              string            `json:"id"`
	TelegramToken   string            `json:"telegram_token"`
	MemorySize      int               `json:"memory_size"`
	MessagePerHour  int               `json:"messages_per_hour"`
	MessagePerDay   int               `json:"messages_per_day"`
	TempBanDuration string            `json:"temp_ban_duration"`
	Model           anthropic.Model   `json:"model"`
	SystemPrompts   map[string]string `json:"system_prompts"`
	Active          bool              `json:"active"`
	OwnerTelegramID int64             `json:"owner_telegram_id"`
	AnthropicAPIKey string            `json:"anthropic_api_key"`
	ChannelLink     string            `json:"channel_link"`
	ChannelChatID   int64             `json:"channel_chat_id"`
	Market          MarketConfig      `json:"market"`
	Faucet          FaucetConfig      `json:"faucet"`
}

// MarketConfig tunes the price oracle and trading. Volatility, ReferenceBeta
// and FeeBps are pointers so an explicit 0 is kept; nil means the default.
type MarketConfig struct {
	PegTarget       float64  `json:"peg_target"`
	Volatility      *float64 `json:"volatility,omitempty"`
	Reversion       float64  `json:"reversion"`
	ReferenceSymbol string   `json:"reference_symbol"`
	ReferenceBeta   *float64 `json:"reference_beta,omitempty"`
	PriceFloor      float64  `json:"price_floor"`
	TickInterval    string   `json:"tick_interval"`
	DepegThreshold  float64  `json:"depeg_threshold"`
	FeeBps          *int     `json:"fee_bps,omitempty"`
	Retention       string   `json:"retention"`
	Seed            uint64   `json:"seed"`
}

// FaucetConfig controls free USC handouts and the opening cash balance.
type FaucetConfig struct {
	Amount       string `json:"amount"`
	Cooldown     string `json:"cooldown"`
	StartingCash string `json:"starting_cash"`
}

const (
	defaultMemorySize      = 10
	defaultMessagePerHour  = 20
	defaultMessagePerDay   = 100
	defaultTempBanDuration = "30m"
)

func (c *BotConfig) applyDefaults() {
	if c.MemorySize <= 0 {
		c.MemorySize = defaultMemorySize
	}
	if c.MessagePerHour <= 0 {
		c.MessagePerHour = defaultMessagePerHour
	}
	if c.MessagePerDay <= 0 {
		c.MessagePerDay = defaultMessagePerDay
	}
	if c.TempBanDuration == "" {
		c.TempBanDuration = defaultTempBanDuration
	}
	if c.SystemPrompts == nil {
		c.SystemPrompts = make(map[string]string)
	}
	c.Market.applyDefaults()
	c.Faucet.applyDefaults()
}

func (m *MarketConfig) applyDefaults() {
	if m.PegTarget <= 0 {
		m.PegTarget = 1.0
	}
	if m.Volatility == nil {
		m.Volatility = lo.ToPtr(0.02)
	}
	if m.Reversion <= 0 {
		m.Reversion = 0.1
	}
	if m.ReferenceBeta == nil {
		m.ReferenceBeta = lo.ToPtr(0.5)
	}
	if m.PriceFloor <= 0 {
		m.PriceFloor = 0.0001
	}
	if m.TickInterval == "" {
		m.TickInterval = "1m"
	}
	if m.DepegThreshold <= 0 {
		m.DepegThreshold = 0.05
	}
	if m.FeeBps == nil {
		m.FeeBps = lo.ToPtr(50)
	}
	if m.Retention == "" {
		m.Retention = "24h"
	}
}

func (f *FaucetConfig) applyDefaults() {
	if f.Amount == "" {
		f.Amount = "100"
	}
	if f.Cooldown == "" {
		f.Cooldown = "24h"
	}
	if f.StartingCash == "" {
		f.StartingCash = "1000"
	}
}

// parseDuration accepts Go durations plus day and week units ("1d", "2w").
func parseDuration(s string) (time.Duration, error) {
	d, err := str2duration.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	return d, nil
}

func (c BotConfig) tempBan() time.Duration {
	d, err := parseDuration(c.TempBanDuration)
	if err != nil {
		return 0
	}
	return d
}

func (m MarketConfig) tickInterval() time.Duration {
	d, err := parseDuration(m.TickInterval)
	if err != nil || d <= 0 {
		return time.Minute
	}
	return d
}

func (m MarketConfig) retention() time.Duration {
	d, err := parseDuration(m.Retention)
	if err != nil || d <= 0 {
		return 24 * time.Hour
	}
	return d
}

func (f FaucetConfig) parsed() (amount, startingCash Amount, cooldown time.Duration, err error) {
	if amount, err = ParseAmount(f.Amount); err != nil {
		return 0, 0, 0, fmt.Errorf("faucet amount: %w", err)
	}
	if startingCash, err = ParseAmount(f.StartingCash); err != nil {
		return 0, 0, 0, fmt.Errorf("faucet starting_cash: %w", err)
	}
	if cooldown, err = parseDuration(f.Cooldown); err != nil {
		return 0, 0, 0, fmt.Errorf("faucet cooldown: %w", err)
	}
	return amount, startingCash, cooldown, nil
}

// anthropicKey prefers the per-bot key and falls back to ANTHROPIC_API_KEY.
func (c BotConfig) anthropicKey() string {
	if c.AnthropicAPIKey != "" {
		return c.AnthropicAPIKey
	}
	return os.Getenv("ANTHROPIC_API_KEY")
}

// validateConfigPath resolves filename inside configDir and rejects anything
// that is not a .json file or escapes the directory.
func validateConfigPath(configDir, filename string) (string, error) {
	if filepath.Ext(filename) != ".json" {
		return "", fmt.Errorf("invalid config file extension: %s", filename)
	}
	if filepath.IsAbs(filename) {
		return "", fmt.Errorf("absolute config paths are not allowed: %s", filename)
	}

	absDir, err := filepath.Abs(configDir)
	if err != nil {
		return "", fmt.Errorf("failed to resolve config dir: %w", err)
	}
	full := filepath.Join(absDir, filename)

	rel, err := filepath.Rel(absDir, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("config path escapes config dir: %s", filename)
	}
	return full, nil
}

func loadConfig(filename string) (BotConfig, error) {
	var config BotConfig
	file, err := os.Open(filename)
	if err != nil {
		return config, fmt.Errorf("failed to open config file %s: %w", filename, err)
	}
	defer file.Close()

	if err := json.NewDecoder(file).Decode(&config); err != nil {
		return config, fmt.Errorf("failed to decode JSON from %s: %w", filename, err)
	}
	return config, nil
}

func validateConfig(config *BotConfig, ids, tokens map[string]bool) error {
	if config.ID == "" {
		return fmt.Errorf("missing 'id' field")
	}
	if ids[config.ID] {
		return fmt.Errorf("duplicate bot id: %s", config.ID)
	}
	if config.TelegramToken == "" {
		return fmt.Errorf("missing 'telegram_token' field")
	}
	if tokens[config.TelegramToken] {
		return fmt.Errorf("duplicate telegram_token for bot %s", config.ID)
	}
	if config.Model == "" {
		return fmt.Errorf("missing 'model' field")
	}
	if config.OwnerTelegramID <= 0 {
		return fmt.Errorf("missing 'owner_telegram_id' field")
	}
	if config.TempBanDuration != "" {
		if _, err := parseDuration(config.TempBanDuration); err != nil {
			return fmt.Errorf("temp_ban_duration: %w", err)
		}
	}
	if config.Market.DepegThreshold < 0 || config.Market.DepegThreshold >= 1 {
		return fmt.Errorf("market.depeg_threshold must be in [0, 1)")
	}
	if fee := config.Market.FeeBps; fee != nil && (*fee < 0 || *fee >= 10000) {
		return fmt.Errorf("market.fee_bps must be in [0, 10000)")
	}
	if vol := config.Market.Volatility; vol != nil && *vol < 0 {
		return fmt.Errorf("market.volatility must not be negative")
	}
	return nil
}

// loadAllConfigs loads every active, valid bot config in configDir. Invalid
// and duplicate files are logged and skipped.
func loadAllConfigs(configDir string) ([]BotConfig, error) {
	entries, err := os.ReadDir(configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read config directory %s: %w", configDir, err)
	}

	var configs []BotConfig
	ids := make(map[string]bool)
	tokens := make(map[string]bool)

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}

		path, err := validateConfigPath(configDir, entry.Name())
		if err != nil {
			logger.Warn().Err(err).Str("file", entry.Name()).Msg("skipping config")
			continue
		}

		config, err := loadConfig(path)
		if err != nil {
			logger.Warn().Err(err).Str("file", entry.Name()).Msg("skipping config")
			continue
		}

		if !config.Active {
			logger.Info().Str("file", entry.Name()).Str("bot", config.ID).Msg("skipping inactive bot")
			continue
		}

		if err := validateConfig(&config, ids, tokens); err != nil {
			logger.Warn().Err(err).Str("file", entry.Name()).Msg("skipping invalid config")
			continue
		}

		config.applyDefaults()
		ids[config.ID] = true
		tokens[config.TelegramToken] = true
		configs = append(configs, config)
	}

	return configs, nil
}

// Reload re-reads the config from configDir/filename in place.
func (c *BotConfig) Reload(configDir, filename string) error {
	path, err := validateConfigPath(configDir, filename)
	if err != nil {
		return err
	}

	fresh, err := loadConfig(path)
	if err != nil {
		return err
	}
	if err := validateConfig(&fresh, map[string]bool{}, map[string]bool{}); err != nil {
		return fmt.Errorf("reloaded config is invalid: %w", err)
	}
	fresh.applyDefaults()
	*c = fresh
	return nil
}
