package config

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	Bridge    Bridge    `mapstructure:"bridge"`
	Monitor   Monitor   `mapstructure:"monitor"`
	Reconcile Reconcile `mapstructure:"reconcile"`
	Brackets  Brackets  `mapstructure:"brackets"`
	Logger    Logger    `mapstructure:"logger"`
	Server    Server    `mapstructure:"server"`
	Database  Database  `mapstructure:"database"`
}

// Bridge holds the configuration for the browser-automation sidecar.
type Bridge struct {
	BaseURL        string  `mapstructure:"base_url"`
	Token          string  `mapstructure:"token"`
	RateLimit      float64 `mapstructure:"rate_limit"`
	RateLimitBurst int     `mapstructure:"rate_limit_burst"`
	TimeoutSeconds int     `mapstructure:"timeout_seconds"`
}

// Server holds the configuration for the web server.
type Server struct {
	Port int `mapstructure:"port"`
}

// Database holds the configuration for the database.
type Database struct {
	Driver string `mapstructure:"driver"` // "sqlite" or "postgres"
	DSN    string `mapstructure:"dsn"`
}

// Monitor holds the scheduling configuration shared by every profile.
type Monitor struct {
	Profiles           []string `mapstructure:"profiles"`
	IntervalSeconds    int      `mapstructure:"interval_seconds"`
	GraceSeconds       int      `mapstructure:"grace_seconds"`
	RunTimeoutSeconds  int      `mapstructure:"run_timeout_seconds"`
	HistoryCacheSize   int      `mapstructure:"history_cache_size"`
	RetentionDays      int      `mapstructure:"retention_days"`
	HealthWindowMinute int      `mapstructure:"health_window_minutes"`
	CatchUpLookbackHrs int      `mapstructure:"catch_up_lookback_hours"`
}

// Interval returns the recurring run interval.
func (m Monitor) Interval() time.Duration {
	return time.Duration(m.IntervalSeconds) * time.Second
}

// Grace returns how late a run may start before it counts as missed.
func (m Monitor) Grace() time.Duration {
	return time.Duration(m.GraceSeconds) * time.Second
}

func (m Monitor) RunTimeout() time.Duration {
	return time.Duration(m.RunTimeoutSeconds) * time.Second
}

func (m Monitor) Retention() time.Duration {
	return time.Duration(m.RetentionDays) * 24 * time.Hour
}

func (m Monitor) HealthWindow() time.Duration {
	return time.Duration(m.HealthWindowMinute) * time.Minute
}

func (m Monitor) CatchUpLookback() time.Duration {
	return time.Duration(m.CatchUpLookbackHrs) * time.Hour
}

// Reconcile holds the tunables of the reconciliation engine.
type Reconcile struct {
	MatchTolerance     float64 `mapstructure:"match_tolerance"`      // relative deviation, 0.05 = 5%
	DefaultAmount      float64 `mapstructure:"default_amount"`       // total spread over a new ladder
	OrderLifetimeHours int     `mapstructure:"order_lifetime_hours"` // countdown the venue starts per order
}

// OrderLifetime is the venue's order countdown, 72h when unset.
func (r Reconcile) OrderLifetime() time.Duration {
	if r.OrderLifetimeHours <= 0 {
		return 72 * time.Hour
	}
	return time.Duration(r.OrderLifetimeHours) * time.Hour
}

// Tier is one market-cap bracket as it appears in the config file.
type Tier struct {
	Min         float64   `mapstructure:"min"`
	Max         float64   `mapstructure:"max"`
	Description string    `mapstructure:"description"`
	Entries     []float64 `mapstructure:"entries"`
	StopLoss    float64   `mapstructure:"stop_loss"`
}

// Brackets holds the tier table and the per-slot ladder shape.
type Brackets struct {
	Tiers             []Tier    `mapstructure:"tiers"`
	TakeProfitPercent []float64 `mapstructure:"take_profit_percent"`
	TradeSizeFraction []float64 `mapstructure:"trade_size_fraction"`
}

// Logger holds the configuration for the logger.
type Logger struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// LoadConfig reads configuration from file or environment variables.
func LoadConfig(path string) (config Config, err error) {
	v := viper.New()
	v.AddConfigPath(path)
	v.SetConfigName("config") // name of config file (without extension)
	v.SetConfigType("yml")

	// Allow environment variables to override config file
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	err = v.ReadInConfig()
	if err != nil {
		return
	}

	err = v.Unmarshal(&config)
	if err != nil {
		return
	}

	err = config.Validate()
	return
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("bridge.base_url", "http://127.0.0.1:9222")
	v.SetDefault("bridge.rate_limit", 5)       // requests per second
	v.SetDefault("bridge.rate_limit_burst", 2) // burst size
	v.SetDefault("bridge.timeout_seconds", 30)

	v.SetDefault("monitor.profiles", []string{"default"})
	v.SetDefault("monitor.interval_seconds", 300)
	v.SetDefault("monitor.grace_seconds", 120)
	v.SetDefault("monitor.run_timeout_seconds", 300)
	v.SetDefault("monitor.history_cache_size", 100)
	v.SetDefault("monitor.retention_days", 30)
	v.SetDefault("monitor.health_window_minutes", 60)
	v.SetDefault("monitor.catch_up_lookback_hours", 24)

	v.SetDefault("reconcile.match_tolerance", 0.05)
	v.SetDefault("reconcile.default_amount", 1.0)
	v.SetDefault("reconcile.order_lifetime_hours", 72)

	v.SetDefault("brackets.take_profit_percent", []float64{1.12, 0.89, 0.81, 0.56})
	v.SetDefault("brackets.trade_size_fraction", []float64{1.0 / 3, 1.0 / 3, 1.0 / 6, 1.0 / 6})

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("server.port", 8080)
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "ladder.db")
}

// Validate checks the values that would otherwise fail deep inside a run.
func (c Config) Validate() error {
	if c.Monitor.IntervalSeconds <= 0 {
		return fmt.Errorf("monitor.interval_seconds must be positive, got %d", c.Monitor.IntervalSeconds)
	}
	if c.Monitor.RunTimeoutSeconds <= 0 {
		return fmt.Errorf("monitor.run_timeout_seconds must be positive, got %d", c.Monitor.RunTimeoutSeconds)
	}
	if c.Reconcile.OrderLifetimeHours < 0 {
		return fmt.Errorf("reconcile.order_lifetime_hours must not be negative")
	}
	if c.Reconcile.MatchTolerance < 0 {
		return fmt.Errorf("reconcile.match_tolerance must not be negative")
	}
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if n := len(c.Brackets.TradeSizeFraction); n != 0 {
		sum := 0.0
		for _, f := range c.Brackets.TradeSizeFraction {
			sum += f
		}
		if math.Abs(sum-1) > 1e-3 {
			return fmt.Errorf("brackets.trade_size_fraction must sum to 1, got %.4f", sum)
		}
	}
	return nil
}
