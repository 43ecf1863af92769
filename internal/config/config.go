package config

import (
	"fmt"
	"reflect"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

func Load(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("config path cannot be empty")
	}
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config file failed (%s): %w", path, err)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.WeaklyTypedInput = true
	}); err != nil {
		return nil, fmt.Errorf("parsing config failed: %w", err)
	}
	cfg.applyDefaults()
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.App.Env == "" {
		c.App.Env = "dev"
	}
	if c.App.LogLevel == "" {
		c.App.LogLevel = "info"
	}
	if c.App.ConfigID == "" {
		c.App.ConfigID = "default"
	}
	if c.App.Strategy == "" {
		c.App.Strategy = "arbor"
	}
	if c.App.CSVAuditDir == "" {
		c.App.CSVAuditDir = "data"
	}
	if c.Database.Path == "" {
		c.Database.Path = "data/arbor.db"
	}
	if c.Trading.SnapshotIntervalSeconds <= 0 {
		c.Trading.SnapshotIntervalSeconds = 60
	}
	if c.Trading.TickIntervalMillis <= 0 {
		c.Trading.TickIntervalMillis = 1000
	}
	if c.Binance.MaxRetries <= 0 {
		c.Binance.MaxRetries = 3
	}
	if c.Binance.RetryDelayMS <= 0 {
		c.Binance.RetryDelayMS = 500
	}
}

// DecodeSettings decodes an executor entry's settings block into the
// concrete config struct, converting strings and numbers into
// decimal.Decimal and time.Duration fields along the way.
func DecodeSettings(settings map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			decimalDecodeHook,
			mapstructure.StringToTimeDurationHookFunc(),
		),
	})
	if err != nil {
		return err
	}
	return dec.Decode(settings)
}

func decimalDecodeHook(from reflect.Type, to reflect.Type, data any) (any, error) {
	if to != reflect.TypeOf(decimal.Decimal{}) {
		return data, nil
	}
	switch val := data.(type) {
	case string:
		return decimal.NewFromString(val)
	case float64:
		return decimal.NewFromFloat(val), nil
	case int:
		return decimal.NewFromInt(int64(val)), nil
	case int64:
		return decimal.NewFromInt(val), nil
	default:
		return data, nil
	}
}

func (t TradingConfig) SnapshotInterval() time.Duration {
	return time.Duration(t.SnapshotIntervalSeconds) * time.Second
}

func (t TradingConfig) TickInterval() time.Duration {
	return time.Duration(t.TickIntervalMillis) * time.Millisecond
}

func (e ExecutorEntry) Interval() time.Duration {
	if e.IntervalSeconds <= 0 {
		return time.Second
	}
	return time.Duration(e.IntervalSeconds) * time.Second
}
