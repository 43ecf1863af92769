package config

import (
	"fmt"
	"strings"
)

func validate(c *Config) error {
	if err := c.App.validate(); err != nil {
		return err
	}
	if err := c.Binance.validate(); err != nil {
		return err
	}
	if err := c.Notify.validate(); err != nil {
		return err
	}
	for i := range c.Executors {
		if err := c.Executors[i].validate(); err != nil {
			return fmt.Errorf("executors[%d]: %w", i, err)
		}
	}
	return nil
}

func (a *AppConfig) validate() error {
	switch strings.ToLower(a.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("app.log_level must be one of debug/info/warn/error, got %s", a.LogLevel)
	}
	if strings.TrimSpace(a.ConfigID) == "" {
		return fmt.Errorf("app.config_id cannot be empty")
	}
	return nil
}

func (b *BinanceConfig) validate() error {
	if !b.Enabled {
		return nil
	}
	if strings.TrimSpace(b.APIKey) == "" || strings.TrimSpace(b.SecretKey) == "" {
		return fmt.Errorf("binance enabled but missing api_key or secret_key")
	}
	return nil
}

func (n *NotifyConfig) validate() error {
	if n.Telegram.Enabled {
		if n.Telegram.BotToken == "" || n.Telegram.ChatID == "" {
			return fmt.Errorf("telegram notification enabled but missing bot_token or chat_id")
		}
	}
	return nil
}

func (e *ExecutorEntry) validate() error {
	switch e.NormalizedType() {
	case "triangular_arbitrage", "position":
	case "":
		return fmt.Errorf("type cannot be empty")
	default:
		return fmt.Errorf("unknown executor type %q", e.Type)
	}
	if len(e.Settings) == 0 {
		return fmt.Errorf("settings cannot be empty")
	}
	return nil
}
