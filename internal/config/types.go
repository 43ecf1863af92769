package config

import "strings"

// Config is the top level configuration carrier.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Trading   TradingConfig   `mapstructure:"trading"`
	Binance   BinanceConfig   `mapstructure:"binance"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Executors []ExecutorEntry `mapstructure:"executors"`
}

type AppConfig struct {
	Env         string `mapstructure:"env"`
	LogLevel    string `mapstructure:"log_level"`
	LogPath     string `mapstructure:"log_path"`
	HTTPAddr    string `mapstructure:"http_addr"`
	ConfigID    string `mapstructure:"config_id"`
	Strategy    string `mapstructure:"strategy"`
	CSVAuditDir string `mapstructure:"csv_audit_dir"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// TradingConfig holds the cross-executor trading knobs.
type TradingConfig struct {
	SnapshotIntervalSeconds int `mapstructure:"snapshot_interval_seconds"`
	TickIntervalMillis      int `mapstructure:"tick_interval_millis"`
}

type BinanceConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	APIKey       string `mapstructure:"api_key"`
	SecretKey    string `mapstructure:"secret_key"`
	Testnet      bool   `mapstructure:"testnet"`
	MaxRetries   int    `mapstructure:"max_retries"`
	RetryDelayMS int    `mapstructure:"retry_delay_ms"`
}

type NotifyConfig struct {
	Telegram TelegramConfig `mapstructure:"telegram"`
}

type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
}

// ExecutorEntry is one executor declaration. Type selects the concrete
// config struct; Settings is decoded into it when the executor is
// built.
type ExecutorEntry struct {
	Type            string         `mapstructure:"type"`
	IntervalSeconds int            `mapstructure:"interval_seconds"`
	Settings        map[string]any `mapstructure:"settings"`
}

func (e ExecutorEntry) NormalizedType() string {
	return strings.ToLower(strings.TrimSpace(e.Type))
}
