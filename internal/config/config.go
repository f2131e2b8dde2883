package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"sportsedge/internal/errs"
)

type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
	DB        DBConfig        `mapstructure:"db"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Cron      CronConfig      `mapstructure:"cron"`
	Report    ReportConfig    `mapstructure:"report"`
	Collector CollectorConfig `mapstructure:"collector"`
	Sources   []SourceConfig  `mapstructure:"sources"`
	Analysis  AnalysisConfig  `mapstructure:"analysis"`
	Ranker    RankerConfig    `mapstructure:"ranker"`
	Delivery  DeliveryConfig  `mapstructure:"delivery"`
	Audit     AuditConfig     `mapstructure:"audit"`
}

type AppConfig struct {
	Env string `mapstructure:"env"`
}

type ServerConfig struct {
	HTTPAddr string `mapstructure:"http_addr"`
}

type LogConfig struct {
	Level             string   `mapstructure:"level"`
	Encoding          string   `mapstructure:"encoding"`
	Development       bool     `mapstructure:"development"`
	Sampling          bool     `mapstructure:"sampling"`
	DisableCaller     bool     `mapstructure:"disable_caller"`
	DisableStacktrace bool     `mapstructure:"disable_stacktrace"`
	Outputs           []string `mapstructure:"outputs"`
}

type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	Timezone        string        `mapstructure:"timezone"`
	SlowQuery       time.Duration `mapstructure:"slow_query"`
}

// RedisConfig enables the shared quota tracker when Addr is set.
type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

type CronConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	DailyReport string `mapstructure:"daily_report"`
}

type ReportConfig struct {
	// Timezone defines the calendar date of a run and the quota reset boundary.
	Timezone string `mapstructure:"timezone"`
	// InstanceID owns the lease on a report being generated. Instances sharing a
	// store need distinct ids; empty falls back to the hostname.
	InstanceID string `mapstructure:"instance_id"`
}

type RetryConfig struct {
	MaxAttempts      int           `mapstructure:"max_attempts"`
	BaseDelay        time.Duration `mapstructure:"base_delay"`
	MaxDelay         time.Duration `mapstructure:"max_delay"`
	Multiplier       float64       `mapstructure:"multiplier"`
	Jitter           float64       `mapstructure:"jitter"`
	BreakerThreshold int           `mapstructure:"breaker_threshold"`
}

type CollectorConfig struct {
	Workers   int           `mapstructure:"workers"`
	RunBudget time.Duration `mapstructure:"run_budget"`
	Retry     RetryConfig   `mapstructure:"retry"`
}

type SourceConfig struct {
	ID         string         `mapstructure:"id"`
	Kind       string         `mapstructure:"kind"`
	Transport  string         `mapstructure:"transport"`
	Endpoint   string         `mapstructure:"endpoint"`
	Tool       string         `mapstructure:"tool"`
	DailyLimit int            `mapstructure:"daily_limit"`
	Cost       int            `mapstructure:"cost"`
	Timeout    time.Duration  `mapstructure:"timeout"`
	APIKeyEnv  string         `mapstructure:"api_key_env"`
	Args       map[string]any `mapstructure:"args"`
}

type AnalysisConfig struct {
	FormWindow    int     `mapstructure:"form_window"`
	H2HWeight     float64 `mapstructure:"h2h_weight"`
	EdgeScale     float64 `mapstructure:"edge_scale"`
	MinFormGames  int     `mapstructure:"min_form_games"`
	InjuryPenalty float64 `mapstructure:"injury_penalty"`
}

type RankerConfig struct {
	TopK           int      `mapstructure:"top_k"`
	MinConfidence  float64  `mapstructure:"min_confidence"`
	MarketPriority []string `mapstructure:"market_priority"`
}

type DeliveryConfig struct {
	Sink          string        `mapstructure:"sink"`
	Workers       int           `mapstructure:"workers"`
	RatePerSecond float64       `mapstructure:"rate_per_second"`
	Burst         int           `mapstructure:"burst"`
	Budget        time.Duration `mapstructure:"budget"`
	HistoryScan   int           `mapstructure:"history_scan"`
	Retry         RetryConfig   `mapstructure:"retry"`
	Discord       DiscordConfig `mapstructure:"discord"`
	Slack         SlackConfig   `mapstructure:"slack"`
}

type DiscordConfig struct {
	Token      string `mapstructure:"token"`
	GuildID    string `mapstructure:"guild_id"`
	CategoryID string `mapstructure:"category_id"`
}

type SlackConfig struct {
	Token  string `mapstructure:"token"`
	TeamID string `mapstructure:"team_id"`
	APIURL string `mapstructure:"api_url"`
}

type AuditConfig struct {
	BaseURL string `mapstructure:"base_url"`
	APIKey  string `mapstructure:"api_key"`
	Agent   string `mapstructure:"agent"`
}

func Load(path string, envOnly bool) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.AutomaticEnv()
	v.SetDefault("app.env", "dev")
	v.SetDefault("server.http_addr", ":8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.encoding", "console")
	v.SetDefault("log.development", true)
	v.SetDefault("log.sampling", false)
	v.SetDefault("log.disable_caller", false)
	v.SetDefault("log.disable_stacktrace", false)
	v.SetDefault("db.max_open_conns", 20)
	v.SetDefault("db.max_idle_conns", 5)
	v.SetDefault("db.conn_max_lifetime", "30m")
	v.SetDefault("db.conn_max_idle_time", "5m")
	v.SetDefault("db.timezone", "UTC")
	v.SetDefault("db.slow_query", "500ms")
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "sportsedge:quota")
	v.SetDefault("cron.enabled", true)
	v.SetDefault("cron.daily_report", "0 0 9 * * *")
	v.SetDefault("report.timezone", "UTC")
	v.SetDefault("report.instance_id", "")

	v.SetDefault("collector.workers", 8)
	v.SetDefault("collector.run_budget", "10m")
	v.SetDefault("collector.retry.max_attempts", 3)
	v.SetDefault("collector.retry.base_delay", "500ms")
	v.SetDefault("collector.retry.max_delay", "10s")
	v.SetDefault("collector.retry.multiplier", 2.0)
	v.SetDefault("collector.retry.jitter", 0.2)
	v.SetDefault("collector.retry.breaker_threshold", 5)

	v.SetDefault("analysis.form_window", 10)
	v.SetDefault("analysis.h2h_weight", 0.3)
	v.SetDefault("analysis.edge_scale", 0.15)
	v.SetDefault("analysis.min_form_games", 3)
	v.SetDefault("analysis.injury_penalty", 0.85)

	v.SetDefault("ranker.top_k", 3)
	v.SetDefault("ranker.min_confidence", 0.2)
	v.SetDefault("ranker.market_priority", []string{"moneyline", "spread", "total"})

	v.SetDefault("delivery.sink", "log")
	v.SetDefault("delivery.workers", 2)
	v.SetDefault("delivery.rate_per_second", 1.0)
	v.SetDefault("delivery.burst", 1)
	v.SetDefault("delivery.budget", "5m")
	v.SetDefault("delivery.history_scan", 50)
	v.SetDefault("delivery.retry.max_attempts", 4)
	v.SetDefault("delivery.retry.base_delay", "1s")
	v.SetDefault("delivery.retry.max_delay", "30s")
	v.SetDefault("delivery.retry.multiplier", 2.0)
	v.SetDefault("delivery.retry.jitter", 0.2)

	v.SetDefault("audit.agent", "sportsedge-service")
	_ = v.BindEnv("audit.base_url", "EASYWEB3_API_BASE")
	_ = v.BindEnv("audit.api_key", "EASYWEB3_API_KEY")

	if !envOnly {
		if err := v.ReadInConfig(); err != nil {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

var sourceKinds = map[string]bool{
	"schedule": true,
	"form":     true,
	"h2h":      true,
	"lines":    true,
	"news":     true,
}

// Validate reports configuration that makes a run impossible. The returned error has
// kind fatal_config.
func (c Config) Validate() error {
	var problems []string
	if c.Collector.Workers <= 0 {
		problems = append(problems, "collector.workers must be positive")
	}
	if c.Collector.RunBudget <= 0 {
		problems = append(problems, "collector.run_budget must be positive")
	}
	if c.Ranker.TopK <= 0 {
		problems = append(problems, "ranker.top_k must be positive")
	}
	if c.Delivery.Workers <= 0 {
		problems = append(problems, "delivery.workers must be positive")
	}
	if c.Delivery.RatePerSecond <= 0 {
		problems = append(problems, "delivery.rate_per_second must be positive")
	}
	switch c.Delivery.Sink {
	case "log", "discord", "slack":
	default:
		problems = append(problems, fmt.Sprintf("delivery.sink %q is not one of log, discord, slack", c.Delivery.Sink))
	}
	if _, err := time.LoadLocation(c.Report.Timezone); err != nil {
		problems = append(problems, fmt.Sprintf("report.timezone %q: %v", c.Report.Timezone, err))
	}

	seen := make(map[string]bool, len(c.Sources))
	schedules := 0
	for i, s := range c.Sources {
		id := strings.TrimSpace(s.ID)
		if id == "" {
			problems = append(problems, fmt.Sprintf("sources[%d].id is empty", i))
			continue
		}
		if seen[id] {
			problems = append(problems, fmt.Sprintf("duplicate source id %q", id))
		}
		seen[id] = true
		if !sourceKinds[s.Kind] {
			problems = append(problems, fmt.Sprintf("source %q has unknown kind %q", id, s.Kind))
		}
		if s.Kind == "schedule" {
			schedules++
		}
		switch s.Transport {
		case "http", "mcp":
		default:
			problems = append(problems, fmt.Sprintf("source %q has unknown transport %q", id, s.Transport))
		}
		if strings.TrimSpace(s.Endpoint) == "" {
			problems = append(problems, fmt.Sprintf("source %q has no endpoint", id))
		}
		if s.DailyLimit < 0 || s.Cost < 0 {
			problems = append(problems, fmt.Sprintf("source %q has a negative limit or cost", id))
		}
	}
	if schedules != 1 {
		problems = append(problems, fmt.Sprintf("exactly one schedule source is required, found %d", schedules))
	}

	if len(problems) == 0 {
		return nil
	}
	return errs.Newf(errs.KindFatalConfig, "config.validate", "%s", strings.Join(problems, "; "))
}

// Location returns the report timezone, falling back to UTC.
func (c ReportConfig) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil || c.Timezone == "" {
		return time.UTC
	}
	return loc
}
