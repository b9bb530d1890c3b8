// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"unicode"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/autobrr/coverscout/internal/domain"
)

const (
	envPrefix         = "COVERSCOUT__"
	defaultConfigName = "config.toml"
	defaultDBName     = "coverscout.db"
)

// scalar keys that may be overridden from the environment
var envKeys = []string{
	"host",
	"port",
	"logLevel",
	"logPath",
	"logMaxSize",
	"logMaxBackups",
	"dataDir",
	"databasePath",
	"apiKey",
	"corsAllowedOrigins",
	"metricsEnabled",
	"metricsHost",
	"metricsPort",
	"metricsBasicAuthUsers",
	"pageSize",
	"maxScrapePages",
	"imageCacheSize",
	"httpTimeoutSeconds",
	"httpRetries",
	"providerBlockThreshold",
	"enabledProviders",
	"userAgent",
	"minImageBytes",
	"writerQueueSize",
	"writerBusyRetries",
	"dedupeByTitle",
	"priorityDebounceMs",
	"backlogBatchSize",
	"scrapeIntervalMinutes",
	"shutdownTimeoutSeconds",
}

// AppConfig owns the viper instance and the decoded configuration.
type AppConfig struct {
	Config *domain.Config

	viper      *viper.Viper
	configPath string

	mu        sync.Mutex
	listeners []func(*domain.Config)
}

// New loads configuration from configPath. When configPath is empty the default config
// directory is used, and a commented default file is written on first run.
func New(configPath string) (*AppConfig, error) {
	if configPath == "" {
		configPath = filepath.Join(getDefaultConfigDir(), defaultConfigName)
	}
	if info, err := os.Stat(configPath); err == nil && info.IsDir() {
		configPath = filepath.Join(configPath, defaultConfigName)
	}

	c := &AppConfig{
		viper:      viper.New(),
		configPath: configPath,
	}

	if err := c.writeDefaultConfig(); err != nil {
		return nil, err
	}

	c.defaults()
	if err := c.bindEnv(); err != nil {
		return nil, err
	}

	c.viper.SetConfigFile(configPath)
	c.viper.SetConfigType("toml")
	if err := c.viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", configPath, err)
	}

	cfg, err := c.decode()
	if err != nil {
		return nil, err
	}
	c.Config = cfg

	return c, nil
}

func (c *AppConfig) defaults() {
	v := c.viper
	v.SetDefault("host", "127.0.0.1")
	v.SetDefault("port", 7480)
	v.SetDefault("logLevel", "INFO")
	v.SetDefault("logPath", "")
	v.SetDefault("logMaxSize", 50)
	v.SetDefault("logMaxBackups", 3)
	v.SetDefault("dataDir", "")
	v.SetDefault("databasePath", "")
	v.SetDefault("apiKey", "")
	v.SetDefault("corsAllowedOrigins", []string{})
	v.SetDefault("metricsEnabled", false)
	v.SetDefault("metricsHost", "127.0.0.1")
	v.SetDefault("metricsPort", 9074)
	v.SetDefault("metricsBasicAuthUsers", "")
	v.SetDefault("pageSize", 50)
	v.SetDefault("maxScrapePages", 100)
	v.SetDefault("imageCacheSize", 200)
	v.SetDefault("httpTimeoutSeconds", 10)
	v.SetDefault("httpRetries", 2)
	v.SetDefault("providerBlockThreshold", 50)
	v.SetDefault("enabledProviders", []string{})
	v.SetDefault("userAgent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36")
	v.SetDefault("minImageBytes", 10*1024)
	v.SetDefault("writerQueueSize", 256)
	v.SetDefault("writerBusyRetries", 5)
	v.SetDefault("dedupeByTitle", true)
	v.SetDefault("priorityDebounceMs", 150)
	v.SetDefault("backlogBatchSize", 200)
	v.SetDefault("scrapeIntervalMinutes", 0)
	v.SetDefault("shutdownTimeoutSeconds", 10)

	v.SetDefault("popularity.seedersDivisor", 10)
	v.SetDefault("popularity.seedersCap", 30)
	v.SetDefault("popularity.downloadsDivisor", 100)
	v.SetDefault("popularity.downloadsCap", 25)
	v.SetDefault("popularity.viewsDivisor", 1000)
	v.SetDefault("popularity.viewsCap", 20)
	v.SetDefault("popularity.commentsDivisor", 10)
	v.SetDefault("popularity.commentsCap", 10)
	v.SetDefault("popularity.leechersDivisor", 20)
	v.SetDefault("popularity.leechersCap", 15)
}

func (c *AppConfig) bindEnv() error {
	for _, key := range envKeys {
		if err := c.viper.BindEnv(key, envName(key)); err != nil {
			return fmt.Errorf("bind env for %s: %w", key, err)
		}
	}
	return nil
}

func (c *AppConfig) decode() (*domain.Config, error) {
	var cfg domain.Config
	if err := c.viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = filepath.Dir(c.configPath)
	}
	if strings.TrimSpace(cfg.DatabasePath) == "" {
		cfg.DatabasePath = filepath.Join(cfg.DataDir, defaultDBName)
	}
	cfg.EnabledProviders = splitList(cfg.EnabledProviders)
	cfg.CORSAllowedOrigins = splitList(cfg.CORSAllowedOrigins)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// GetDatabasePath returns the resolved database file path.
func (c *AppConfig) GetDatabasePath() string {
	return c.Config.DatabasePath
}

// ConfigPath returns the file the configuration was read from.
func (c *AppConfig) ConfigPath() string {
	return c.configPath
}

// OnChange registers fn to receive the re-decoded configuration after the file changes.
func (c *AppConfig) OnChange(fn func(*domain.Config)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// Watch starts watching the config file. Invalid edits are logged and ignored.
func (c *AppConfig) Watch() {
	c.viper.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}

		cfg, err := c.decode()
		if err != nil {
			log.Warn().Err(err).Str("file", e.Name).Msg("Ignoring config change")
			return
		}

		log.Info().Str("file", e.Name).Msg("Config file changed")

		c.mu.Lock()
		listeners := append([]func(*domain.Config){}, c.listeners...)
		c.mu.Unlock()

		for _, fn := range listeners {
			fn(cfg)
		}
	})
	c.viper.WatchConfig()
}

func (c *AppConfig) writeDefaultConfig() error {
	if _, err := os.Stat(c.configPath); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat config %s: %w", c.configPath, err)
	}

	if err := os.MkdirAll(filepath.Dir(c.configPath), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	if err := os.WriteFile(c.configPath, []byte(defaultConfigTemplate), 0o644); err != nil {
		return fmt.Errorf("write default config: %w", err)
	}

	log.Info().Msgf("Wrote default config to %s", c.configPath)
	return nil
}

// getDefaultConfigDir resolves XDG_CONFIG_HOME. Docker images set it to /config and expect
// the file directly inside it.
func getDefaultConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		if xdg == "/config" {
			return xdg
		}
		return filepath.Join(xdg, "coverscout")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "coverscout")
}

// envName maps a camelCase key to COVERSCOUT__UPPER_SNAKE.
func envName(key string) string {
	var b strings.Builder
	b.WriteString(envPrefix)
	for i, r := range key {
		if unicode.IsUpper(r) && i > 0 {
			b.WriteByte('_')
		}
		b.WriteRune(unicode.ToUpper(r))
	}
	return b.String()
}

func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

const defaultConfigTemplate = `# config.toml - Auto-generated on first run

# Hostname / IP for the API
# Default: "127.0.0.1"
host = "127.0.0.1"

# Port
# Default: 7480
port = 7480

# Log file path
# If not defined, logs to stdout
#logPath = "log/coverscout.log"

# Log level
# Default: "INFO"
# Options: "ERROR", "DEBUG", "INFO", "WARN", "TRACE"
logLevel = "INFO"

# Database file. Defaults to coverscout.db next to this file.
#databasePath = ""

# Optional API key. Clients send it as the X-API-Key header or ?apikey= query param.
#apiKey = ""

# Browser origins allowed to call the API, e.g. ["http://localhost:5173"]
#corsAllowedOrigins = []

# Read-model page size
#pageSize = 50

# Upper bound on pages walked per scrape
#maxScrapePages = 100

# Outbound HTTP
#httpTimeoutSeconds = 10
#httpRetries = 2

# Consecutive misses before a provider is considered silently blocked
#providerBlockThreshold = 50

# Subset of provider tags to run. Empty enables every configured provider.
#enabledProviders = []

# Minutes between automatic scrapes of sources with autoScrape = true. 0 disables.
#scrapeIntervalMinutes = 0

# Prometheus metrics on a separate listener
#metricsEnabled = false
#metricsHost = "127.0.0.1"
#metricsPort = 9074
# Comma separated user:password pairs
#metricsBasicAuthUsers = ""

# Example provider
#[[providers]]
#tag = "p1"
#kind = "html"
#baseUrl = "https://images.example.com"
#searchUrl = "https://images.example.com/search?q={query}"
#imageSelector = "img.cover"
#imageAttr = "src"
#captionAttr = "alt"
#validateImages = true

# Example source
#[[sources]]
#key = "example"
#site = "EX"
#listUrl = "https://listing.example.com/?p={page}&s={sort}&o={order}"
#searchUrl = "https://listing.example.com/?p={page}&q={query}"
#rowSelector = "tr.torrent"
#idPattern = "/view/(\\d+)"
#[sources.fields]
#title = "td.name a"
#link = "td.name a@href"
#magnet = "a.magnet@href"
#size = "td.size"
#seeders = "td.seeders"
#leechers = "td.leechers"
#downloads = "td.downloads"
#date = "td.date"
`
