// Package config loads chatreplay settings from flags, CHATREPLAY_* environment
// variables and an optional YAML file through Viper.
package config

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/go-go-golems/chatreplay/pkg/events"
	"github.com/go-go-golems/chatreplay/pkg/redisstream"
	"github.com/go-go-golems/chatreplay/pkg/timing"
	"github.com/go-go-golems/chatreplay/pkg/typing"
)

const EnvPrefix = "CHATREPLAY"

type Config struct {
	LogLevel        string
	LogFormat       string
	Speed           float64
	FastMode        bool
	HistoryCapacity int
	Receipts        bool
	DebugEvents     bool

	Timing            timing.Config
	MaxTypingDuration time.Duration

	Redis        redisstream.Settings
	EventLogDB   string
	ServeAddr    string
	ServePrefix  string
	IdleShutdown time.Duration
}

// NewViper returns a Viper instance reading CHATREPLAY_* variables and, when
// configFile is set, that YAML file.
func NewViper(configFile string) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)
	if configFile != "" {
		v.SetConfigFile(configFile)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config %s", configFile)
		}
	}
	return v, nil
}

func SetDefaults(v *viper.Viper) {
	tc := timing.DefaultConfig()
	rs := redisstream.DefaultSettings()

	v.SetDefault("log-level", "info")
	v.SetDefault("log-format", "auto")
	v.SetDefault("speed", 1.0)
	v.SetDefault("fast-mode", false)
	v.SetDefault("history-capacity", events.DefaultHistoryCapacity)
	v.SetDefault("receipts", false)
	v.SetDefault("debug-events", false)

	v.SetDefault("timing.base-typing-speed", tc.BaseTypingSpeed)
	v.SetDefault("timing.min-delay", tc.MinDelay)
	v.SetDefault("timing.max-delay", tc.MaxDelay)
	v.SetDefault("timing.variation", tc.Variation)
	v.SetDefault("timing.delivery-delay", tc.DeliveryDelay)
	v.SetDefault("timing.read-delay", tc.ReadDelay)
	v.SetDefault("timing.max-typing-duration", typing.DefaultMaxDuration)

	v.SetDefault("redis.enabled", rs.Enabled)
	v.SetDefault("redis.addr", rs.Addr)
	v.SetDefault("redis.group", rs.Group)
	v.SetDefault("redis.consumer", rs.Consumer)

	v.SetDefault("eventlog.db", "")
	v.SetDefault("serve.addr", ":8089")
	v.SetDefault("serve.prefix", "/")
	v.SetDefault("serve.idle-shutdown", time.Duration(0))
}

// AddFlags registers the persistent flags every command shares and binds them to v.
func AddFlags(cmd *cobra.Command, v *viper.Viper) error {
	fs := cmd.PersistentFlags()
	fs.String("log-level", "info", "Log level (trace, debug, info, warn, error)")
	fs.String("log-format", "auto", "Log format (auto, console, json)")
	fs.Float64("speed", 1.0, "Playback speed multiplier in [0.1, 5]")
	fs.Bool("fast-mode", false, "Divide human latency by an extra factor")
	fs.Int("history-capacity", events.DefaultHistoryCapacity, "Events kept in the bus history")
	fs.Bool("receipts", false, "Simulate delivered and read receipts")
	fs.Bool("debug-events", false, "Emit debug events for ignored control calls")
	fs.Bool("redis-enabled", false, "Publish events to Redis Streams")
	fs.String("redis-addr", "localhost:6379", "Redis address")
	fs.String("eventlog-db", "", "SQLite file recording every run (empty disables)")

	for key, flag := range map[string]string{
		"log-level":        "log-level",
		"log-format":       "log-format",
		"speed":            "speed",
		"fast-mode":        "fast-mode",
		"history-capacity": "history-capacity",
		"receipts":         "receipts",
		"debug-events":     "debug-events",
		"redis.enabled":    "redis-enabled",
		"redis.addr":       "redis-addr",
		"eventlog.db":      "eventlog-db",
	} {
		if err := v.BindPFlag(key, fs.Lookup(flag)); err != nil {
			return errors.Wrapf(err, "bind flag %s", flag)
		}
	}
	return nil
}

// Load reads every setting from v and validates the result.
func Load(v *viper.Viper) (*Config, error) {
	tc := timing.DefaultConfig()
	tc.BaseTypingSpeed = v.GetFloat64("timing.base-typing-speed")
	tc.MinDelay = v.GetDuration("timing.min-delay")
	tc.MaxDelay = v.GetDuration("timing.max-delay")
	tc.Variation = v.GetFloat64("timing.variation")
	tc.DeliveryDelay = v.GetDuration("timing.delivery-delay")
	tc.ReadDelay = v.GetDuration("timing.read-delay")

	c := &Config{
		LogLevel:          strings.ToLower(strings.TrimSpace(v.GetString("log-level"))),
		LogFormat:         strings.ToLower(strings.TrimSpace(v.GetString("log-format"))),
		Speed:             v.GetFloat64("speed"),
		FastMode:          v.GetBool("fast-mode"),
		HistoryCapacity:   v.GetInt("history-capacity"),
		Receipts:          v.GetBool("receipts"),
		DebugEvents:       v.GetBool("debug-events"),
		Timing:            tc,
		MaxTypingDuration: v.GetDuration("timing.max-typing-duration"),
		Redis: redisstream.Settings{
			Enabled:  v.GetBool("redis.enabled"),
			Addr:     v.GetString("redis.addr"),
			Group:    v.GetString("redis.group"),
			Consumer: v.GetString("redis.consumer"),
		},
		EventLogDB:   strings.TrimSpace(v.GetString("eventlog.db")),
		ServeAddr:    v.GetString("serve.addr"),
		ServePrefix:  v.GetString("serve.prefix"),
		IdleShutdown: v.GetDuration("serve.idle-shutdown"),
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) Validate() error {
	if !timing.ValidSpeed(c.Speed) {
		return errors.Errorf("speed %g outside [%g, %g]", c.Speed, timing.MinSpeed, timing.MaxSpeed)
	}
	if err := c.Timing.Validate(); err != nil {
		return errors.Wrap(err, "timing")
	}
	if c.HistoryCapacity <= 0 {
		return errors.Errorf("history-capacity must be positive, got %d", c.HistoryCapacity)
	}
	if c.MaxTypingDuration < 0 {
		return errors.New("timing.max-typing-duration must be non-negative")
	}
	switch c.LogFormat {
	case "auto", "console", "json":
	default:
		return errors.Errorf("unknown log-format %q", c.LogFormat)
	}
	if err := c.Redis.Validate(); err != nil {
		return err
	}
	return nil
}
