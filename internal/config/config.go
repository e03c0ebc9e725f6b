package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/freedom13/abuseguard/internal/model"
)

type Config struct {
	Log          LogConfig          `toml:"log"`
	Server       ServerConfig       `toml:"server"`
	DB           DBConfig           `toml:"database"`
	Cache        CacheConfig        `toml:"cache"`
	Pipeline     PipelineConfig     `toml:"pipeline"`
	RateLimit    RateLimitConfig    `toml:"rate_limit"`
	Cooldown     CooldownConfig     `toml:"cooldown"`
	Bot          BotConfig          `toml:"bot"`
	Captcha      CaptchaConfig      `toml:"captcha"`
	Content      ContentConfig      `toml:"content"`
	Behavior     BehaviorConfig     `toml:"behavior"`
	AutoBan      AutoBanConfig      `toml:"autoban"`
	Housekeeping HousekeepingConfig `toml:"housekeeping"`
}

type LogLevel string

const (
	DebugLevel LogLevel = "debug"
	InfoLevel  LogLevel = "info"
	WarnLevel  LogLevel = "warn"
	ErrorLevel LogLevel = "error"
)

func (l *LogLevel) UnmarshalText(text []byte) error {
	v := string(text)
	switch LogLevel(v) {
	case DebugLevel, InfoLevel, WarnLevel, ErrorLevel:
		*l = LogLevel(v)
		return nil
	default:
		return fmt.Errorf("invalid log.level: %q (must be debug, info, warn, error)", v)
	}
}

func (l LogLevel) String() string { return string(l) }

func (l LogLevel) ToSlogLevel() slog.Level {
	switch l {
	case DebugLevel:
		return slog.LevelDebug
	case WarnLevel:
		return slog.LevelWarn
	case ErrorLevel:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

type LogConfig struct {
	Level LogLevel `toml:"level"`
	// RejectionLevels overrides the log level used when a gate rejects, keyed by gate name.
	RejectionLevels map[string]LogLevel `toml:"rejection_levels"`
}

type ServerConfig struct {
	Listen          string        `toml:"listen"`
	AdminToken      string        `toml:"admin_token"`
	ReadTimeout     time.Duration `toml:"read_timeout"`
	WriteTimeout    time.Duration `toml:"write_timeout"`
	ShutdownTimeout time.Duration `toml:"shutdown_timeout"`
	// TrustProxyHeaders makes the client IP come from CF-Connecting-IP / X-Forwarded-For / X-Real-IP.
	TrustProxyHeaders bool `toml:"trust_proxy_headers"`

	GlobalRate       float64       `toml:"global_rate"`
	GlobalBurst      int           `toml:"global_burst"`
	LimiterCacheSize int           `toml:"limiter_cache_size"`
	LimiterTTL       time.Duration `toml:"limiter_ttl"`
}

type DBDriver string

const (
	DriverSQLite   DBDriver = "sqlite"
	DriverPostgres DBDriver = "postgres"
)

func (d *DBDriver) UnmarshalText(text []byte) error {
	v := string(text)
	switch DBDriver(v) {
	case DriverSQLite, DriverPostgres:
		*d = DBDriver(v)
		return nil
	default:
		return fmt.Errorf("invalid database.driver: %q (must be sqlite, postgres)", v)
	}
}

type DBConfig struct {
	Driver       DBDriver `toml:"driver"`
	DSN          string   `toml:"dsn"`
	MaxOpenConns int      `toml:"max_open_conns"`
}

type CacheBackend string

const (
	CacheRedis  CacheBackend = "redis"
	CacheBadger CacheBackend = "badger"
	CacheMemory CacheBackend = "memory"
	CacheNone   CacheBackend = "none"
)

func (b *CacheBackend) UnmarshalText(text []byte) error {
	v := string(text)
	switch CacheBackend(v) {
	case CacheRedis, CacheBadger, CacheMemory, CacheNone:
		*b = CacheBackend(v)
		return nil
	default:
		return fmt.Errorf("invalid cache.backend: %q (must be redis, badger, memory, none)", v)
	}
}

type CacheConfig struct {
	Backend CacheBackend `toml:"backend"`
	Redis   RedisConfig  `toml:"redis"`
	Badger  BadgerConfig `toml:"badger"`
	Memory  MemoryConfig `toml:"memory"`
}

type RedisConfig struct {
	Addr        string        `toml:"addr"`
	Password    string        `toml:"password"`
	DB          int           `toml:"db"`
	DialTimeout time.Duration `toml:"dial_timeout"`
}

type BadgerConfig struct {
	Path     string `toml:"path"`
	InMemory bool   `toml:"in_memory"`
}

type MemoryConfig struct {
	Size   int           `toml:"size"`
	MaxTTL time.Duration `toml:"max_ttl"`
}

type PipelineConfig struct {
	// FlagThreshold is the combined score at which content goes to review.
	FlagThreshold int `toml:"flag_threshold"`
}

type RateLimitConfig struct {
	Enabled         bool           `toml:"enabled"`
	Window          time.Duration  `toml:"window"`
	HardCeiling     int            `toml:"hard_ceiling"`
	AutoBanDuration time.Duration  `toml:"auto_ban_duration"`
	Limits          map[string]int `toml:"limits"`
}

func (c *RateLimitConfig) LimitFor(a model.Action) int {
	return c.Limits[string(a)]
}

type CooldownConfig struct {
	Enabled   bool                     `toml:"enabled"`
	Durations map[string]time.Duration `toml:"durations"`
}

func (c *CooldownConfig) For(a model.Action) time.Duration {
	return c.Durations[string(a)]
}

type BotConfig struct {
	Enabled         bool     `toml:"enabled"`
	Actions         []string `toml:"actions"`
	ChallengeScore  int      `toml:"challenge_score"`
	ExtraSignatures []string `toml:"extra_signatures"`
}

type CaptchaConfig struct {
	TTL time.Duration `toml:"ttl"`
}

type ContentConfig struct {
	DuplicateWindow time.Duration  `toml:"duplicate_window"`
	MaxURLs         map[string]int `toml:"max_urls"`
	ExtraKeywords   []string       `toml:"extra_keywords"`
	PreviewLength   int            `toml:"preview_length"`
}

func (c *ContentConfig) MaxURLsFor(a model.Action) int {
	if n, ok := c.MaxURLs[string(a)]; ok {
		return n
	}
	return 1
}

type BehaviorConfig struct {
	Enabled        bool          `toml:"enabled"`
	CrossPost      bool          `toml:"cross_post"`
	CrossPostLimit int           `toml:"cross_post_limit"`
	CrossPostSpan  time.Duration `toml:"cross_post_span"`
}

type AutoBanConfig struct {
	Enabled      bool          `toml:"enabled"`
	MaxStrikes   int           `toml:"max_strikes"`
	StrikeWindow time.Duration `toml:"strike_window"`
	BanDuration  time.Duration `toml:"ban_duration"`
	CacheSize    int           `toml:"cache_size"`
	// ExcludeGates lists gates whose rejections never count as strikes.
	ExcludeGates []string `toml:"exclude_gates_from_strikes"`
}

type HousekeepingConfig struct {
	Interval         time.Duration `toml:"interval"`
	SpamLogRetention time.Duration `toml:"spam_log_retention"`
}

func defaultConfig() *Config {
	return &Config{
		Log: LogConfig{Level: InfoLevel},
		Server: ServerConfig{
			Listen:           ":8080",
			ReadTimeout:      10 * time.Second,
			WriteTimeout:     15 * time.Second,
			ShutdownTimeout:  15 * time.Second,
			GlobalRate:       1,
			GlobalBurst:      60,
			LimiterCacheSize: 65536,
			LimiterTTL:       10 * time.Minute,
		},
		DB: DBConfig{
			Driver: DriverSQLite,
			DSN:    "./abuseguard.db",
		},
		Cache: CacheConfig{
			Backend: CacheMemory,
			Redis: RedisConfig{
				Addr:        "localhost:6379",
				DialTimeout: 2 * time.Second,
			},
			Badger: BadgerConfig{Path: "./abuseguard-cache"},
			Memory: MemoryConfig{Size: 100000, MaxTTL: time.Hour},
		},
		Pipeline: PipelineConfig{FlagThreshold: 7},
		RateLimit: RateLimitConfig{
			Enabled:         true,
			Window:          time.Minute,
			HardCeiling:     100,
			AutoBanDuration: 15 * time.Minute,
			Limits: map[string]int{
				string(model.ActionRegister): 5,
				string(model.ActionLogin):    5,
				string(model.ActionPost):     5,
				string(model.ActionComment):  10,
				string(model.ActionReport):   10,
			},
		},
		Cooldown: CooldownConfig{
			Enabled: true,
			Durations: map[string]time.Duration{
				string(model.ActionPost):    30 * time.Second,
				string(model.ActionComment): 10 * time.Second,
			},
		},
		Bot: BotConfig{
			Enabled:        true,
			Actions:        []string{"register", "post", "comment", "report"},
			ChallengeScore: 50,
		},
		Captcha: CaptchaConfig{TTL: 5 * time.Minute},
		Content: ContentConfig{
			DuplicateWindow: 5 * time.Minute,
			MaxURLs: map[string]int{
				string(model.ActionPost):    2,
				string(model.ActionComment): 1,
				string(model.ActionReport):  1,
			},
			PreviewLength: 200,
		},
		Behavior: BehaviorConfig{
			Enabled:        true,
			CrossPost:      true,
			CrossPostLimit: 2,
			CrossPostSpan:  7 * 24 * time.Hour,
		},
		AutoBan: AutoBanConfig{
			Enabled:      false,
			MaxStrikes:   20,
			StrikeWindow: 10 * time.Minute,
			BanDuration:  time.Hour,
			CacheSize:    10000,
		},
		Housekeeping: HousekeepingConfig{
			Interval:         10 * time.Minute,
			SpamLogRetention: 90 * 24 * time.Hour,
		},
	}
}

// Default returns the built-in configuration, already validated.
func Default() *Config {
	return defaultConfig()
}

func (c *Config) validate() error {
	// --- [server] ---
	if c.Server.Listen == "" {
		return errors.New("server.listen must not be empty")
	}
	if c.Server.ShutdownTimeout < 0 {
		return errors.New("server.shutdown_timeout must not be negative")
	}
	if c.Server.GlobalRate < 0 || (c.Server.GlobalRate > 0 && c.Server.GlobalBurst <= 0) {
		return errors.New("server: global_rate must be >= 0 and global_burst must be > 0 when rate is set")
	}

	// --- [database] ---
	if c.DB.DSN == "" {
		return errors.New("database.dsn must not be empty")
	}
	if c.DB.MaxOpenConns < 0 {
		return errors.New("database.max_open_conns must not be negative")
	}

	// --- [cache] ---
	switch c.Cache.Backend {
	case CacheRedis:
		if c.Cache.Redis.Addr == "" {
			return errors.New("cache.redis.addr must be set when cache.backend is redis")
		}
	case CacheBadger:
		if !c.Cache.Badger.InMemory && c.Cache.Badger.Path == "" {
			return errors.New("cache.badger.path must be set unless cache.badger.in_memory is true")
		}
	case CacheMemory:
		if c.Cache.Memory.Size <= 0 {
			return errors.New("cache.memory.size must be positive")
		}
	}

	// --- [pipeline] ---
	if c.Pipeline.FlagThreshold <= 0 {
		return errors.New("pipeline.flag_threshold must be > 0")
	}

	// --- [rate_limit] ---
	rl := c.RateLimit
	if rl.Enabled {
		if rl.Window <= 0 {
			return errors.New("rate_limit.window must be a positive duration")
		}
		if rl.HardCeiling <= 0 {
			return errors.New("rate_limit.hard_ceiling must be > 0")
		}
		if rl.AutoBanDuration <= 0 {
			return errors.New("rate_limit.auto_ban_duration must be a positive duration")
		}
		for name, limit := range rl.Limits {
			if _, err := model.ParseAction(name); err != nil {
				return fmt.Errorf("rate_limit.limits: %w", err)
			}
			if limit < 0 || limit > rl.HardCeiling {
				return fmt.Errorf("rate_limit.limits.%s must be in [0..hard_ceiling], got %d", name, limit)
			}
		}
	}

	// --- [cooldown] ---
	for name, d := range c.Cooldown.Durations {
		if _, err := model.ParseAction(name); err != nil {
			return fmt.Errorf("cooldown.durations: %w", err)
		}
		if d < 0 {
			return fmt.Errorf("cooldown.durations.%s must not be negative", name)
		}
	}

	// --- [bot] ---
	for _, name := range c.Bot.Actions {
		if _, err := model.ParseAction(name); err != nil {
			return fmt.Errorf("bot.actions: %w", err)
		}
	}
	if c.Bot.ChallengeScore < 0 {
		return errors.New("bot.challenge_score must not be negative")
	}

	// --- [captcha] ---
	if c.Captcha.TTL <= 0 {
		return errors.New("captcha.ttl must be a positive duration")
	}

	// --- [content] ---
	if c.Content.DuplicateWindow < 0 {
		return errors.New("content.duplicate_window must not be negative")
	}
	for name, n := range c.Content.MaxURLs {
		if _, err := model.ParseAction(name); err != nil {
			return fmt.Errorf("content.max_urls: %w", err)
		}
		if n < 0 {
			return fmt.Errorf("content.max_urls.%s must not be negative", name)
		}
	}
	if c.Content.PreviewLength <= 0 {
		return errors.New("content.preview_length must be > 0")
	}

	// --- [behavior] ---
	if c.Behavior.CrossPost {
		if c.Behavior.CrossPostLimit <= 0 {
			return errors.New("behavior.cross_post_limit must be > 0")
		}
		if c.Behavior.CrossPostSpan <= 0 {
			return errors.New("behavior.cross_post_span must be a positive duration")
		}
	}

	// --- [autoban] ---
	ab := c.AutoBan
	if ab.Enabled {
		if ab.MaxStrikes <= 0 {
			return errors.New("autoban.max_strikes must be > 0")
		}
		if ab.StrikeWindow <= 0 {
			return errors.New("autoban.strike_window must be a positive duration")
		}
		if ab.BanDuration <= 0 {
			return errors.New("autoban.ban_duration must be a positive duration")
		}
		if ab.CacheSize <= 0 {
			return errors.New("autoban.cache_size must be > 0")
		}
	}

	// --- [housekeeping] ---
	if c.Housekeeping.Interval < 0 {
		return errors.New("housekeeping.interval must not be negative")
	}
	if c.Housekeeping.SpamLogRetention < 0 {
		return errors.New("housekeeping.spam_log_retention must not be negative")
	}

	return nil
}

func Load(path string, useDefaults bool) (*Config, bool, error) {
	cfg := defaultConfig()
	defaultsUsed := false

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			if useDefaults {
				defaultsUsed = true
				if err := cfg.validate(); err != nil {
					return nil, true, err
				}
				return cfg, defaultsUsed, nil
			}
			return nil, false, fmt.Errorf("config file not found at %s", path)
		}
		return nil, false, fmt.Errorf("failed to load config file %s: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, false, err
	}
	return cfg, defaultsUsed, nil
}
