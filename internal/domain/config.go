// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package domain

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

// Provider kinds understood by the provider registry.
const (
	ProviderKindHTML    = "html"
	ProviderKindPattern = "pattern"
	ProviderKindBrowser = "browser"
)

// Config represents the application configuration
type Config struct {
	Version       string
	Host          string `toml:"host" mapstructure:"host"`
	Port          int    `toml:"port" mapstructure:"port"`
	LogLevel      string `toml:"logLevel" mapstructure:"logLevel"`
	LogPath       string `toml:"logPath" mapstructure:"logPath"`
	LogMaxSize    int    `toml:"logMaxSize" mapstructure:"logMaxSize"`
	LogMaxBackups int    `toml:"logMaxBackups" mapstructure:"logMaxBackups"`
	DataDir       string `toml:"dataDir" mapstructure:"dataDir"`
	DatabasePath  string `toml:"databasePath" mapstructure:"databasePath"`
	// APIKey guards the HTTP API when set. Clients send it as X-API-Key or ?apikey=.
	APIKey string `toml:"apiKey" mapstructure:"apiKey"`
	// CORSAllowedOrigins lists browser origins allowed to call the API. Empty disables CORS.
	CORSAllowedOrigins []string `toml:"corsAllowedOrigins" mapstructure:"corsAllowedOrigins"`

	MetricsEnabled        bool   `toml:"metricsEnabled" mapstructure:"metricsEnabled"`
	MetricsHost           string `toml:"metricsHost" mapstructure:"metricsHost"`
	MetricsPort           int    `toml:"metricsPort" mapstructure:"metricsPort"`
	MetricsBasicAuthUsers string `toml:"metricsBasicAuthUsers" mapstructure:"metricsBasicAuthUsers"`

	// PageSize is the read-model page size used by the API when the caller does not pass one.
	PageSize       int `toml:"pageSize" mapstructure:"pageSize"`
	MaxScrapePages int `toml:"maxScrapePages" mapstructure:"maxScrapePages"`
	// ImageCacheSize belongs to the UI. It is carried so existing config files keep validating.
	ImageCacheSize int `toml:"imageCacheSize" mapstructure:"imageCacheSize"`

	HTTPTimeoutSeconds     int      `toml:"httpTimeoutSeconds" mapstructure:"httpTimeoutSeconds"`
	HTTPRetries            int      `toml:"httpRetries" mapstructure:"httpRetries"`
	ProviderBlockThreshold int      `toml:"providerBlockThreshold" mapstructure:"providerBlockThreshold"`
	EnabledProviders       []string `toml:"enabledProviders" mapstructure:"enabledProviders"`
	UserAgent              string   `toml:"userAgent" mapstructure:"userAgent"`
	MinImageBytes          int      `toml:"minImageBytes" mapstructure:"minImageBytes"`

	WriterQueueSize   int  `toml:"writerQueueSize" mapstructure:"writerQueueSize"`
	WriterBusyRetries int  `toml:"writerBusyRetries" mapstructure:"writerBusyRetries"`
	DedupeByTitle     bool `toml:"dedupeByTitle" mapstructure:"dedupeByTitle"`

	PriorityDebounceMs     int `toml:"priorityDebounceMs" mapstructure:"priorityDebounceMs"`
	BacklogBatchSize       int `toml:"backlogBatchSize" mapstructure:"backlogBatchSize"`
	ScrapeIntervalMinutes  int `toml:"scrapeIntervalMinutes" mapstructure:"scrapeIntervalMinutes"`
	ShutdownTimeoutSeconds int `toml:"shutdownTimeoutSeconds" mapstructure:"shutdownTimeoutSeconds"`

	Popularity PopularityConfig `toml:"popularity" mapstructure:"popularity"`
	Providers  []ProviderConfig `toml:"providers" mapstructure:"providers"`
	Sources    []SourceConfig   `toml:"sources" mapstructure:"sources"`
}

// PopularityConfig holds the divisor and cap for each counter feeding popularity_score.
type PopularityConfig struct {
	SeedersDivisor   float64 `toml:"seedersDivisor" mapstructure:"seedersDivisor"`
	SeedersCap       float64 `toml:"seedersCap" mapstructure:"seedersCap"`
	DownloadsDivisor float64 `toml:"downloadsDivisor" mapstructure:"downloadsDivisor"`
	DownloadsCap     float64 `toml:"downloadsCap" mapstructure:"downloadsCap"`
	ViewsDivisor     float64 `toml:"viewsDivisor" mapstructure:"viewsDivisor"`
	ViewsCap         float64 `toml:"viewsCap" mapstructure:"viewsCap"`
	CommentsDivisor  float64 `toml:"commentsDivisor" mapstructure:"commentsDivisor"`
	CommentsCap      float64 `toml:"commentsCap" mapstructure:"commentsCap"`
	LeechersDivisor  float64 `toml:"leechersDivisor" mapstructure:"leechersDivisor"`
	LeechersCap      float64 `toml:"leechersCap" mapstructure:"leechersCap"`
}

// ProviderConfig describes one image provider adapter.
type ProviderConfig struct {
	Tag  string `toml:"tag" mapstructure:"tag"`
	Kind string `toml:"kind" mapstructure:"kind"`
	// Family restricts the provider to titles carrying a code of that family (for example "fc2").
	Family string `toml:"family" mapstructure:"family"`

	BaseURL   string `toml:"baseUrl" mapstructure:"baseUrl"`
	SearchURL string `toml:"searchUrl" mapstructure:"searchUrl"`
	// Referer defaults to BaseURL when empty.
	Referer string `toml:"referer" mapstructure:"referer"`
	// Warmup requests BaseURL once before the first search to collect cookies.
	Warmup bool `toml:"warmup" mapstructure:"warmup"`

	ImageSelector  string `toml:"imageSelector" mapstructure:"imageSelector"`
	ImageAttr      string `toml:"imageAttr" mapstructure:"imageAttr"`
	CaptionAttr    string `toml:"captionAttr" mapstructure:"captionAttr"`
	MaxCandidates  int    `toml:"maxCandidates" mapstructure:"maxCandidates"`
	ValidateImages bool   `toml:"validateImages" mapstructure:"validateImages"`

	// URLTemplates are used by pattern providers; placeholders: {code} {code_lower} {prefix} {number}.
	URLTemplates []string `toml:"urlTemplates" mapstructure:"urlTemplates"`

	RequestsPerSecond float64 `toml:"requestsPerSecond" mapstructure:"requestsPerSecond"`

	// BrowserControlURL connects the browser provider to a running Chrome instead of launching one.
	BrowserControlURL string `toml:"browserControlUrl" mapstructure:"browserControlUrl"`
}

// SourceConfig describes one paginated listing site.
type SourceConfig struct {
	Key        string `toml:"key" mapstructure:"key"`
	Site       string `toml:"site" mapstructure:"site"`
	BaseURL    string `toml:"baseUrl" mapstructure:"baseUrl"`
	ListURL    string `toml:"listUrl" mapstructure:"listUrl"`
	SearchURL  string `toml:"searchUrl" mapstructure:"searchUrl"`
	AutoScrape bool   `toml:"autoScrape" mapstructure:"autoScrape"`
	MaxPages   int    `toml:"maxPages" mapstructure:"maxPages"`

	RowSelector string `toml:"rowSelector" mapstructure:"rowSelector"`
	// Fields maps record fields (title, link, magnet, torrent, size, seeders, leechers,
	// downloads, comments, views, date, category, genres) to "selector" or "selector@attr".
	Fields map[string]string `toml:"fields" mapstructure:"fields"`
	// IDPattern extracts source_id from the link field; the first capture group wins.
	IDPattern  string `toml:"idPattern" mapstructure:"idPattern"`
	DateLayout string `toml:"dateLayout" mapstructure:"dateLayout"`
	Censored   string `toml:"censored" mapstructure:"censored"`
	Country    string `toml:"country" mapstructure:"country"`
}

// HTTPTimeout returns the per-request timeout for outbound calls.
func (c *Config) HTTPTimeout() time.Duration {
	return time.Duration(c.HTTPTimeoutSeconds) * time.Second
}

// ShutdownTimeout returns the grace period granted to workers on shutdown.
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutSeconds) * time.Second
}

// PriorityDebounce returns the coalescing window for page-change events.
func (c *Config) PriorityDebounce() time.Duration {
	return time.Duration(c.PriorityDebounceMs) * time.Millisecond
}

// ProviderEnabled reports whether tag is in EnabledProviders. An empty list enables all.
func (c *Config) ProviderEnabled(tag string) bool {
	if len(c.EnabledProviders) == 0 {
		return true
	}
	return slices.ContainsFunc(c.EnabledProviders, func(s string) bool {
		return strings.EqualFold(strings.TrimSpace(s), tag)
	})
}

// Validate checks the configuration for values that would make the pipelines misbehave.
func (c *Config) Validate() error {
	var errs []error

	if c.PageSize <= 0 {
		errs = append(errs, errors.New("pageSize must be positive"))
	}
	if c.MaxScrapePages <= 0 {
		errs = append(errs, errors.New("maxScrapePages must be positive"))
	}
	if c.HTTPTimeoutSeconds <= 0 {
		errs = append(errs, errors.New("httpTimeoutSeconds must be positive"))
	}
	if c.HTTPRetries < 0 {
		errs = append(errs, errors.New("httpRetries must not be negative"))
	}
	if c.ProviderBlockThreshold <= 0 {
		errs = append(errs, errors.New("providerBlockThreshold must be positive"))
	}
	if c.WriterQueueSize <= 0 {
		errs = append(errs, errors.New("writerQueueSize must be positive"))
	}

	providerTags := make(map[string]struct{}, len(c.Providers))
	for i, p := range c.Providers {
		tag := strings.TrimSpace(p.Tag)
		if tag == "" {
			errs = append(errs, fmt.Errorf("providers[%d]: tag is required", i))
			continue
		}
		if _, dup := providerTags[tag]; dup {
			errs = append(errs, fmt.Errorf("providers[%d]: duplicate tag %q", i, tag))
		}
		providerTags[tag] = struct{}{}

		switch p.Kind {
		case ProviderKindHTML, ProviderKindBrowser:
			if p.SearchURL == "" {
				errs = append(errs, fmt.Errorf("provider %q: searchUrl is required", tag))
			}
			if p.ImageSelector == "" {
				errs = append(errs, fmt.Errorf("provider %q: imageSelector is required", tag))
			}
		case ProviderKindPattern:
			if len(p.URLTemplates) == 0 {
				errs = append(errs, fmt.Errorf("provider %q: urlTemplates is required", tag))
			}
		default:
			errs = append(errs, fmt.Errorf("provider %q: unknown kind %q", tag, p.Kind))
		}
	}

	for _, tag := range c.EnabledProviders {
		if _, ok := providerTags[strings.TrimSpace(tag)]; !ok {
			errs = append(errs, fmt.Errorf("enabledProviders: unknown provider %q", tag))
		}
	}

	sourceKeys := make(map[string]struct{}, len(c.Sources))
	for i, s := range c.Sources {
		key := strings.TrimSpace(s.Key)
		if key == "" {
			errs = append(errs, fmt.Errorf("sources[%d]: key is required", i))
			continue
		}
		if _, dup := sourceKeys[key]; dup {
			errs = append(errs, fmt.Errorf("sources[%d]: duplicate key %q", i, key))
		}
		sourceKeys[key] = struct{}{}
		if s.ListURL == "" {
			errs = append(errs, fmt.Errorf("source %q: listUrl is required", key))
		}
		if s.RowSelector == "" {
			errs = append(errs, fmt.Errorf("source %q: rowSelector is required", key))
		}
		if _, ok := s.Fields["title"]; !ok {
			errs = append(errs, fmt.Errorf("source %q: fields.title is required", key))
		}
	}

	return errors.Join(errs...)
}
