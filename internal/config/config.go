package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the typed record the engine runs from. Values come from
// BRIDGE_* environment variables; cmd/bridge layers flag overrides on top.
type Config struct {
	General      GeneralConfig
	YouTube      PlatformConfig
	TikTok       PlatformConfig
	Twitch       PlatformConfig
	SE           PlatformConfig
	Gifts        GiftConfig
	Cooldowns    CooldownConfig
	Spam         SpamConfig
	DataLog      DataLogConfig
	ChannelCache ChannelCacheConfig
	Retry        RetryConfig
	HTTP         HTTPConfig
	Store        StoreConfig
	Log          LogConfig
}

type GeneralConfig struct {
	MessagesEnabled   bool
	FilterOldMessages bool
}

type PlatformConfig struct {
	Enabled         bool
	MessagesEnabled bool

	// Per-platform targets and secrets. Only the relevant fields are read
	// for each platform.
	Room      string // tiktok room id
	LiveURL   string // youtube live/watch url
	Channel   string // twitch channel or se channel id
	WSURL     string // websocket endpoint (tiktok bridge, twitch eventsub, se feed)
	Token     string
	TokenFile string
}

type GiftConfig struct {
	AggregationEnabled bool
	AggregationWindow  time.Duration
}

type CooldownConfig struct {
	Default               time.Duration
	HeavyCommandThreshold int
	HeavyCommandWindow    time.Duration
	HeavyCooldown         time.Duration
	GlobalCooldown        time.Duration
	MaxEntries            int
}

type SpamConfig struct {
	Enabled                    bool
	LowValueThreshold          float64
	DetectionWindow            time.Duration
	MaxIndividualNotifications int
}

type DataLogConfig struct {
	Enabled bool
	Dir     string
}

type ChannelCacheConfig struct {
	Enabled  bool
	FilePath string
}

type RetryConfig struct {
	MinDelay time.Duration
	MaxDelay time.Duration
	Base     float64
}

type HTTPConfig struct {
	Addr          string
	RateLimitRPS  int
	RateBurst     int
	EnableMetrics bool
	CORSOrigins   []string
}

type StoreConfig struct {
	SQLitePath string
	BatchSize  int
	FlushMaxMS int
}

type LogConfig struct {
	Level string
	File  string
}

const (
	defaultAggregationWindowMS = 2000
	defaultCooldownSecs        = 3
	defaultHeavyThreshold      = 4
	defaultHeavyWindowSecs     = 5
	defaultHeavyCooldownSecs   = 60
	defaultGlobalCooldownSecs  = 1
	defaultMaxEntries          = 10000
	defaultRetryMinMS          = 1000
	defaultRetryCapMS          = 300000
	defaultRetryBase           = 2.0
)

func Load() Config {
	cfg := Config{}

	cfg.General.MessagesEnabled = readBool("BRIDGE_MESSAGES_ENABLED", true)
	cfg.General.FilterOldMessages = readBool("BRIDGE_FILTER_OLD_MESSAGES", true)

	cfg.YouTube = loadPlatform("YT")
	cfg.YouTube.LiveURL = readString("BRIDGE_YT_URL", "")
	if cfg.YouTube.LiveURL != "" && !envExists("BRIDGE_YT_ENABLED") {
		cfg.YouTube.Enabled = true
	}

	cfg.TikTok = loadPlatform("TIKTOK")
	cfg.TikTok.Room = readString("BRIDGE_TIKTOK_ROOM", "")
	cfg.TikTok.WSURL = readString("BRIDGE_TIKTOK_WS_URL", "")
	if cfg.TikTok.Room != "" && !envExists("BRIDGE_TIKTOK_ENABLED") {
		cfg.TikTok.Enabled = true
	}

	cfg.Twitch = loadPlatform("TWITCH")
	cfg.Twitch.Channel = readString("BRIDGE_TWITCH_CHANNEL", "")
	cfg.Twitch.WSURL = readString("BRIDGE_TWITCH_WS_URL", "")
	cfg.Twitch.Token = readString("BRIDGE_TWITCH_TOKEN", "")
	cfg.Twitch.TokenFile = readString("BRIDGE_TWITCH_TOKEN_FILE", "")
	if cfg.Twitch.Channel != "" && !envExists("BRIDGE_TWITCH_ENABLED") {
		cfg.Twitch.Enabled = true
	}

	cfg.SE = loadPlatform("SE")
	cfg.SE.Channel = readString("BRIDGE_SE_CHANNEL", "")
	cfg.SE.WSURL = readString("BRIDGE_SE_WS_URL", "")
	cfg.SE.Token = readString("BRIDGE_SE_JWT", "")
	cfg.SE.TokenFile = readString("BRIDGE_SE_JWT_FILE", "")
	if (cfg.SE.Token != "" || cfg.SE.TokenFile != "") && !envExists("BRIDGE_SE_ENABLED") {
		cfg.SE.Enabled = true
	}

	cfg.Gifts.AggregationEnabled = readBool("BRIDGE_GIFT_AGGREGATION", true)
	cfg.Gifts.AggregationWindow = time.Duration(readInt("BRIDGE_GIFT_AGGREGATION_WINDOW_MS", defaultAggregationWindowMS)) * time.Millisecond

	cfg.Cooldowns.Default = time.Duration(readInt("BRIDGE_COOLDOWN_DEFAULT", defaultCooldownSecs)) * time.Second
	cfg.Cooldowns.HeavyCommandThreshold = readInt("BRIDGE_COOLDOWN_HEAVY_THRESHOLD", defaultHeavyThreshold)
	cfg.Cooldowns.HeavyCommandWindow = time.Duration(readInt("BRIDGE_COOLDOWN_HEAVY_WINDOW", defaultHeavyWindowSecs)) * time.Second
	cfg.Cooldowns.HeavyCooldown = time.Duration(readInt("BRIDGE_COOLDOWN_HEAVY", defaultHeavyCooldownSecs)) * time.Second
	cfg.Cooldowns.GlobalCooldown = time.Duration(readInt("BRIDGE_COOLDOWN_GLOBAL", defaultGlobalCooldownSecs)) * time.Second
	cfg.Cooldowns.MaxEntries = readInt("BRIDGE_COOLDOWN_MAX_ENTRIES", defaultMaxEntries)

	cfg.Spam.Enabled = readBool("BRIDGE_SPAM_ENABLED", false)
	cfg.Spam.LowValueThreshold = readFloat("BRIDGE_SPAM_LOW_VALUE", 1.0)
	cfg.Spam.DetectionWindow = time.Duration(readInt("BRIDGE_SPAM_WINDOW", 10)) * time.Second
	cfg.Spam.MaxIndividualNotifications = readInt("BRIDGE_SPAM_MAX_NOTIFICATIONS", 3)

	cfg.DataLog.Enabled = readBool("BRIDGE_DATALOG_ENABLED", false)
	cfg.DataLog.Dir = readString("BRIDGE_DATALOG_DIR", "")

	cfg.ChannelCache.Enabled = readBool("BRIDGE_CHANNEL_CACHE_ENABLED", false)
	cfg.ChannelCache.FilePath = readString("BRIDGE_CHANNEL_CACHE_FILE", "")

	cfg.Retry.MinDelay = time.Duration(readInt("BRIDGE_RETRY_MIN_MS", defaultRetryMinMS)) * time.Millisecond
	cfg.Retry.MaxDelay = time.Duration(readInt("BRIDGE_RETRY_CAP_MS", defaultRetryCapMS)) * time.Millisecond
	cfg.Retry.Base = readFloat("BRIDGE_RETRY_BASE", defaultRetryBase)

	cfg.HTTP.Addr = readString("BRIDGE_HTTP_ADDR", "")
	cfg.HTTP.RateLimitRPS = readInt("BRIDGE_HTTP_RATE_RPS", 20)
	cfg.HTTP.RateBurst = readInt("BRIDGE_HTTP_RATE_BURST", 40)
	cfg.HTTP.EnableMetrics = readBool("BRIDGE_HTTP_METRICS", true)
	cfg.HTTP.CORSOrigins = readList("BRIDGE_HTTP_CORS_ORIGINS")

	cfg.Store.SQLitePath = readString("BRIDGE_STORE_SQLITE_PATH", "")
	cfg.Store.BatchSize = readInt("BRIDGE_STORE_BATCH_SIZE", 1)
	cfg.Store.FlushMaxMS = readInt("BRIDGE_STORE_FLUSH_MAX_MS", 0)

	cfg.Log.Level = readString("BRIDGE_LOG_LEVEL", "info")
	cfg.Log.File = readString("BRIDGE_LOG_FILE", "")

	return cfg
}

// Validate returns the fatal configuration problems. A platform explicitly
// enabled without its required inputs is fatal; platforms missing inputs
// without an explicit enable are silently disabled by Load.
func (c *Config) Validate() []error {
	var errs []error

	if c.YouTube.Enabled && strings.TrimSpace(c.YouTube.LiveURL) == "" {
		errs = append(errs, fmt.Errorf("youtube enabled but BRIDGE_YT_URL is empty"))
	}
	if c.TikTok.Enabled && strings.TrimSpace(c.TikTok.Room) == "" {
		errs = append(errs, fmt.Errorf("tiktok enabled but BRIDGE_TIKTOK_ROOM is empty"))
	}
	if c.TikTok.Enabled && strings.TrimSpace(c.TikTok.WSURL) == "" {
		errs = append(errs, fmt.Errorf("tiktok enabled but BRIDGE_TIKTOK_WS_URL is empty"))
	}
	if c.SE.Enabled && strings.TrimSpace(c.SE.WSURL) == "" {
		errs = append(errs, fmt.Errorf("se follow feed enabled but BRIDGE_SE_WS_URL is empty"))
	}
	if c.Twitch.Enabled && strings.TrimSpace(c.Twitch.Channel) == "" {
		errs = append(errs, fmt.Errorf("twitch enabled but BRIDGE_TWITCH_CHANNEL is empty"))
	}
	if c.SE.Enabled && strings.TrimSpace(c.SE.Token) == "" && strings.TrimSpace(c.SE.TokenFile) == "" {
		errs = append(errs, fmt.Errorf("se follow feed enabled but no BRIDGE_SE_JWT or BRIDGE_SE_JWT_FILE"))
	}
	if c.DataLog.Enabled && strings.TrimSpace(c.DataLog.Dir) == "" {
		errs = append(errs, fmt.Errorf("data logging enabled but BRIDGE_DATALOG_DIR is empty"))
	}
	if c.ChannelCache.Enabled && strings.TrimSpace(c.ChannelCache.FilePath) == "" {
		errs = append(errs, fmt.Errorf("channel cache enabled but BRIDGE_CHANNEL_CACHE_FILE is empty"))
	}
	if c.Cooldowns.MaxEntries <= 0 {
		errs = append(errs, fmt.Errorf("cooldown max entries must be positive"))
	}
	return errs
}

func loadPlatform(prefix string) PlatformConfig {
	return PlatformConfig{
		Enabled:         readBool("BRIDGE_"+prefix+"_ENABLED", false),
		MessagesEnabled: readBool("BRIDGE_"+prefix+"_MESSAGES_ENABLED", true),
	}
}

func readString(name, def string) string {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def
	}
	return v
}

// readList splits a comma-separated env value, dropping empty entries.
func readList(name string) []string {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func readInt(name string, def int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func readFloat(name string, def float64) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return f
}

func readBool(name string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return def
	}
	return v
}

func envExists(name string) bool {
	_, ok := os.LookupEnv(name)
	return ok
}

// Redacted returns a loggable snapshot with secrets masked.
func (c Config) Redacted() map[string]any {
	return map[string]any{
		"general": map[string]any{
			"messages_enabled":    c.General.MessagesEnabled,
			"filter_old_messages": c.General.FilterOldMessages,
		},
		"youtube": map[string]any{
			"enabled": c.YouTube.Enabled, "messages": c.YouTube.MessagesEnabled, "live_url": c.YouTube.LiveURL,
		},
		"tiktok": map[string]any{
			"enabled": c.TikTok.Enabled, "messages": c.TikTok.MessagesEnabled,
			"room": c.TikTok.Room, "ws_url": c.TikTok.WSURL,
		},
		"twitch": map[string]any{
			"enabled": c.Twitch.Enabled, "messages": c.Twitch.MessagesEnabled,
			"channel": c.Twitch.Channel, "token": redactString(c.Twitch.Token), "token_file": c.Twitch.TokenFile,
		},
		"se": map[string]any{
			"enabled": c.SE.Enabled, "channel": c.SE.Channel, "ws_url": c.SE.WSURL,
			"jwt": redactString(c.SE.Token), "jwt_file": c.SE.TokenFile,
		},
		"gifts": map[string]any{
			"aggregation": c.Gifts.AggregationEnabled, "window_ms": c.Gifts.AggregationWindow.Milliseconds(),
		},
		"cooldowns": map[string]any{
			"default_s":       int(c.Cooldowns.Default.Seconds()),
			"heavy_threshold": c.Cooldowns.HeavyCommandThreshold,
			"heavy_window_s":  int(c.Cooldowns.HeavyCommandWindow.Seconds()),
			"heavy_s":         int(c.Cooldowns.HeavyCooldown.Seconds()),
			"global_s":        int(c.Cooldowns.GlobalCooldown.Seconds()),
			"max_entries":     c.Cooldowns.MaxEntries,
		},
		"spam": map[string]any{
			"enabled": c.Spam.Enabled, "low_value": c.Spam.LowValueThreshold,
			"window_s": int(c.Spam.DetectionWindow.Seconds()), "max_notifications": c.Spam.MaxIndividualNotifications,
		},
		"datalog":       map[string]any{"enabled": c.DataLog.Enabled, "dir": c.DataLog.Dir},
		"channel_cache": map[string]any{"enabled": c.ChannelCache.Enabled, "file": c.ChannelCache.FilePath},
		"retry": map[string]any{
			"min_ms": c.Retry.MinDelay.Milliseconds(), "cap_ms": c.Retry.MaxDelay.Milliseconds(), "base": c.Retry.Base,
		},
		"http": map[string]any{
			"addr": c.HTTP.Addr, "rate_rps": c.HTTP.RateLimitRPS, "rate_burst": c.HTTP.RateBurst,
			"metrics": c.HTTP.EnableMetrics, "cors_origins": c.HTTP.CORSOrigins,
		},
		"store": map[string]any{
			"sqlite_path": c.Store.SQLitePath, "batch": c.Store.BatchSize, "flush_ms": c.Store.FlushMaxMS,
		},
		"log": map[string]any{"level": c.Log.Level, "file": c.Log.File},
	}
}

// RedactedJSON renders the redacted snapshot, for /status and startup logs.
func (c Config) RedactedJSON() []byte {
	data, _ := json.MarshalIndent(c.Redacted(), "", "  ")
	return data
}

// FlushInterval converts the store flush knob to a duration.
func (c Config) FlushInterval() time.Duration {
	if c.Store.FlushMaxMS <= 0 {
		return 0
	}
	return time.Duration(c.Store.FlushMaxMS) * time.Millisecond
}

// Batch returns the effective store batch size.
func (c Config) Batch() int {
	if c.Store.BatchSize <= 0 {
		return 1
	}
	return c.Store.BatchSize
}

func redactString(value string) string {
	if strings.TrimSpace(value) == "" {
		return ""
	}
	return "***REDACTED*** (len=" + strconv.Itoa(len(value)) + ")"
}
