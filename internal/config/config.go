package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"elec-balance-alerts/internal/logging"
)

// Config materialises application configuration. Each cycle receives the
// loaded value as an immutable snapshot; nothing mutates it at runtime.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Portal    PortalConfig    `mapstructure:"portal"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	Forecast  ForecastConfig  `mapstructure:"forecast"`
	Export    ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// SchedulerConfig governs sampling cadence.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToInterval bool          `mapstructure:"align_to_interval"`
	MisfireGrace    time.Duration `mapstructure:"misfire_grace"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
}

// PortalConfig covers the campus electricity portal and CAS credentials.
type PortalConfig struct {
	LoginURL       string        `mapstructure:"login_url"`
	BalanceURL     string        `mapstructure:"balance_url"`
	SearchURL      string        `mapstructure:"search_url"`
	CatalogBaseURL string        `mapstructure:"catalog_base_url"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	AreaID         int           `mapstructure:"area_id"`
	ApartmentID    string        `mapstructure:"apartment_id"`
	FloorID        string        `mapstructure:"floor_id"`
	RoomNumber     string        `mapstructure:"room_number"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	DebugDir       string        `mapstructure:"debug_dir"`
	UserAgent      string        `mapstructure:"user_agent"`
}

// AlertingConfig defines alert thresholds and routing.
type AlertingConfig struct {
	Enabled      bool           `mapstructure:"enabled"`
	Threshold    float64        `mapstructure:"threshold"`
	HorizonDays  float64        `mapstructure:"horizon_days"`
	DedupeWindow time.Duration  `mapstructure:"dedupe_window"`
	Recipients   []string       `mapstructure:"recipients"`
	SMTP         SMTPConfig     `mapstructure:"smtp"`
	Telegram     TelegramConfig `mapstructure:"telegram"`
}

// SMTPConfig 描述邮件告警参数。
type SMTPConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// ForecastConfig selects and tunes the depletion estimators.
type ForecastConfig struct {
	Method      string  `mapstructure:"method"`
	UsePatterns bool    `mapstructure:"use_patterns"`
	TopUpCutoff float64 `mapstructure:"topup_cutoff"`
	MinDailyAvg float64 `mapstructure:"min_daily_avg"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ELECWATCHER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "elecwatcher")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("scheduler.interval", "1h")
	v.SetDefault("scheduler.align_to_interval", true)
	v.SetDefault("scheduler.misfire_grace", "5m")
	v.SetDefault("scheduler.advisory_lock_key", int64(0x656c6563))
	v.SetDefault("scheduler.startup_delay", "0s")

	v.SetDefault("portal.login_url", "https://auth.bupt.edu.cn/authserver/login")
	v.SetDefault("portal.balance_url", "https://app.bupt.edu.cn/buptdf/wap/default/chong")
	v.SetDefault("portal.search_url", "https://app.bupt.edu.cn/buptdf/wap/default/search")
	v.SetDefault("portal.catalog_base_url", "https://app.bupt.edu.cn/buptdf/wap/default")
	v.SetDefault("portal.area_id", 2)
	v.SetDefault("portal.request_timeout", "10s")
	v.SetDefault("portal.debug_dir", ".")
	v.SetDefault("portal.user_agent", "elecwatcher/1.0")

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.threshold", 10.0)
	v.SetDefault("alerting.horizon_days", 7.0)
	v.SetDefault("alerting.dedupe_window", "24h")
	v.SetDefault("alerting.smtp.enabled", false)
	v.SetDefault("alerting.smtp.host", "smtp.qq.com")
	v.SetDefault("alerting.smtp.port", 587)
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("forecast.method", "advanced")
	v.SetDefault("forecast.use_patterns", true)
	v.SetDefault("forecast.topup_cutoff", 50.0)
	v.SetDefault("forecast.min_daily_avg", 0.1)

	v.SetDefault("export.max_data_points", 100000)

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Alerting.Threshold < 0 {
		return fmt.Errorf("alerting.threshold cannot be negative")
	}
	if c.Alerting.HorizonDays <= 0 {
		return fmt.Errorf("alerting.horizon_days must be greater than zero")
	}
	if c.Forecast.Method != "basic" && c.Forecast.Method != "advanced" {
		return fmt.Errorf("forecast.method 必须是 basic 或 advanced")
	}
	if c.Forecast.TopUpCutoff <= 0 {
		return fmt.Errorf("forecast.topup_cutoff must be greater than zero")
	}
	if c.Alerting.SMTP.Enabled {
		if c.Alerting.SMTP.Host == "" {
			return fmt.Errorf("alerting.smtp.host 必须配置")
		}
		if len(c.Alerting.Recipients) == 0 {
			return fmt.Errorf("alerting.recipients 必须至少配置一个邮箱")
		}
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token 必须配置")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id 必须配置")
		}
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
