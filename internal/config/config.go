// Package config loads and validates watcher configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"
	_ "time/tzdata" // schedule.timezone must resolve on minimal images

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Source   SourceConfig   `mapstructure:"source"`
	Extract  ExtractConfig  `mapstructure:"extract"`
	Fetch    FetchConfig    `mapstructure:"fetch"`
	Headless HeadlessConfig `mapstructure:"headless"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	Gemini   GeminiConfig   `mapstructure:"gemini"`
	PDF      PDFConfig      `mapstructure:"pdf"`
	Schedule ScheduleConfig `mapstructure:"schedule"`
	Storage  StorageConfig  `mapstructure:"storage"`
	DB       DBConfig       `mapstructure:"db"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
	Tracing  TracingConfig  `mapstructure:"tracing"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port               int `mapstructure:"port"`
	RequestTimeoutSecs int `mapstructure:"request_timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// SourceConfig points at the municipal listing page.
type SourceConfig struct {
	TargetURL           string `mapstructure:"target_url"`
	DocumentURLTemplate string `mapstructure:"document_url_template"`
	RelayURLTemplate    string `mapstructure:"relay_url_template"`
	Referer             string `mapstructure:"referer"`
	Municipality        string `mapstructure:"municipality"`
}

// ExtractConfig holds the selectors of the listing markup.
type ExtractConfig struct {
	ContainerSelector string `mapstructure:"container_selector"`
	RecordSelector    string `mapstructure:"record_selector"`
	FieldSelector     string `mapstructure:"field_selector"`
	LabelSelector     string `mapstructure:"label_selector"`
	ValueSelector     string `mapstructure:"value_selector"`
	ActionPattern     string `mapstructure:"action_pattern"`
	FallbackTitle     string `mapstructure:"fallback_title"`
	YearFilter        string `mapstructure:"year_filter"`
}

// FetchConfig governs the Direct and Proxied strategies.
type FetchConfig struct {
	TimeoutSeconds int      `mapstructure:"timeout_seconds"`
	UserAgent      string   `mapstructure:"user_agent"`
	AcceptLanguage string   `mapstructure:"accept_language"`
	IgnoreRobots   bool     `mapstructure:"ignore_robots"`
	UpstreamRPS    float64  `mapstructure:"upstream_rps"`
	UpstreamBurst  int      `mapstructure:"upstream_burst"`
	Strategies     []string `mapstructure:"strategies"`
}

// HeadlessConfig configures the Rendered strategy.
type HeadlessConfig struct {
	Enabled                bool     `mapstructure:"enabled"`
	NavTimeoutSec          int      `mapstructure:"nav_timeout_seconds"`
	QuiescenceTimeoutSec   int      `mapstructure:"quiescence_timeout_seconds"`
	ContainerWaitSec       int      `mapstructure:"container_wait_seconds"`
	Mode                   string   `mapstructure:"mode"`
	ExecPath               string   `mapstructure:"exec_path"`
	BlockTitleMarkers      []string `mapstructure:"block_title_markers"`
	ChallengeBodyThreshold int      `mapstructure:"challenge_body_threshold"`
}

// CacheConfig sets the result cache lifetime.
type CacheConfig struct {
	TTLSeconds int `mapstructure:"ttl_seconds"`
}

// PipelineConfig bounds the returned batch.
type PipelineConfig struct {
	Window              int `mapstructure:"window"`
	CheckTimeoutSeconds int `mapstructure:"check_timeout_seconds"`
}

// GeminiConfig configures grounded search and summarization.
type GeminiConfig struct {
	APIKey         string  `mapstructure:"api_key"`
	SearchModel    string  `mapstructure:"search_model"`
	SummaryModel   string  `mapstructure:"summary_model"`
	TimeoutSeconds int     `mapstructure:"timeout_seconds"`
	Temperature    float64 `mapstructure:"temperature"`
}

// PDFConfig configures document text extraction.
type PDFConfig struct {
	TimeoutSeconds int   `mapstructure:"timeout_seconds"`
	MaxBytes       int64 `mapstructure:"max_bytes"`
	MaxPages       int   `mapstructure:"max_pages"`
	MaxChars       int   `mapstructure:"max_chars"`
}

// ScheduleConfig sets the daily check times.
type ScheduleConfig struct {
	Enabled  bool     `mapstructure:"enabled"`
	Times    []string `mapstructure:"times"`
	Timezone string   `mapstructure:"timezone"`
}

// StorageConfig selects the snapshot blob backend.
type StorageConfig struct {
	Backend     string `mapstructure:"backend"`
	GCSBucket   string `mapstructure:"gcs_bucket"`
	LocalDir    string `mapstructure:"local_dir"`
	Prefix      string `mapstructure:"prefix"`
	ContentType string `mapstructure:"content_type"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN                    string `mapstructure:"dsn"`
	Table                  string `mapstructure:"table"`
	MaxOpenConns           int    `mapstructure:"max_open_conns"`
	MaxConnLifetimeMinutes int    `mapstructure:"max_conn_lifetime_minutes"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// TracingConfig controls the OpenTelemetry tracer provider.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("GAZETTE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 " +
	"(KHTML, like Gecko) Chrome/123.0.0.0 Safari/537.36"

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout_seconds", 180)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("source.target_url", "https://saojoaodelrei.mg.gov.br/pagina/9837/Diario%20Oficial")
	v.SetDefault("source.document_url_template", "https://saojoaodelrei.mg.gov.br/Obter_Arquivo_Cadastro_Generico.asp?ID=%s")
	v.SetDefault("source.relay_url_template", "https://api.allorigins.win/raw?url=%s")
	v.SetDefault("source.referer", "https://saojoaodelrei.mg.gov.br/")
	v.SetDefault("source.municipality", "São João del-Rei")
	v.SetDefault("extract.container_selector", "#conteudo")
	v.SetDefault("extract.record_selector", ".item")
	v.SetDefault("extract.field_selector", ".campo")
	v.SetDefault("extract.label_selector", ".titulo")
	v.SetDefault("extract.value_selector", ".valor")
	v.SetDefault("extract.action_pattern", "obterArquivoCadastroGenerico")
	v.SetDefault("extract.fallback_title", "Diário Oficial")
	v.SetDefault("extract.year_filter", "")
	v.SetDefault("fetch.timeout_seconds", 15)
	v.SetDefault("fetch.user_agent", defaultUserAgent)
	v.SetDefault("fetch.accept_language", "pt-BR,pt;q=0.9,en-US;q=0.8,en;q=0.7")
	v.SetDefault("fetch.ignore_robots", true)
	v.SetDefault("fetch.upstream_rps", 1.0)
	v.SetDefault("fetch.upstream_burst", 2)
	v.SetDefault("fetch.strategies", []string{"direct", "proxied", "rendered"})
	v.SetDefault("headless.enabled", true)
	v.SetDefault("headless.nav_timeout_seconds", 45)
	v.SetDefault("headless.quiescence_timeout_seconds", 10)
	v.SetDefault("headless.container_wait_seconds", 5)
	v.SetDefault("headless.mode", "evaluate")
	v.SetDefault("headless.challenge_body_threshold", 4096)
	v.SetDefault("cache.ttl_seconds", 600)
	v.SetDefault("pipeline.window", 5)
	v.SetDefault("pipeline.check_timeout_seconds", 300)
	v.SetDefault("gemini.search_model", "gemini-2.5-flash")
	v.SetDefault("gemini.summary_model", "gemini-2.5-flash")
	v.SetDefault("gemini.timeout_seconds", 60)
	v.SetDefault("gemini.temperature", 0.3)
	v.SetDefault("pdf.timeout_seconds", 30)
	v.SetDefault("pdf.max_bytes", 20<<20)
	v.SetDefault("pdf.max_pages", 10)
	v.SetDefault("pdf.max_chars", 30000)
	v.SetDefault("schedule.enabled", true)
	v.SetDefault("schedule.times", []string{"08:00", "20:00"})
	v.SetDefault("schedule.timezone", "America/Sao_Paulo")
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.local_dir", "data")
	v.SetDefault("storage.prefix", "gazettes")
	v.SetDefault("storage.content_type", "application/json")
	v.SetDefault("db.table", "gazette_latest_batch")
	v.SetDefault("db.max_open_conns", 4)
	v.SetDefault("db.max_conn_lifetime_minutes", 30)
	v.SetDefault("pubsub.topic_name", "gazette.new_edition")
	v.SetDefault("tracing.enabled", true)
	v.SetDefault("tracing.service_name", "gazettewatch")
	v.SetDefault("tracing.sample_ratio", 1.0)
}

// strategyRank fixes the relative attempt order of the strategies.
var strategyRank = map[string]int{"direct": 0, "proxied": 1, "rendered": 2}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Source.TargetURL == "" {
		return fmt.Errorf("source.target_url is required")
	}
	if !strings.Contains(c.Source.DocumentURLTemplate, "%s") {
		return fmt.Errorf("source.document_url_template must contain %%s")
	}
	if !strings.Contains(c.Source.RelayURLTemplate, "%s") {
		return fmt.Errorf("source.relay_url_template must contain %%s")
	}
	if c.Extract.ActionPattern == "" || c.Extract.ContainerSelector == "" || c.Extract.RecordSelector == "" {
		return fmt.Errorf("extract.action_pattern, container_selector and record_selector are required")
	}
	if c.Fetch.TimeoutSeconds <= 0 {
		return fmt.Errorf("fetch.timeout_seconds must be > 0")
	}
	if err := validateStrategies(c.Fetch.Strategies); err != nil {
		return err
	}
	if c.Headless.Enabled && c.Headless.NavTimeoutSec <= 0 {
		return fmt.Errorf("headless.nav_timeout_seconds must be > 0 when headless is enabled")
	}
	if c.Headless.Mode != "evaluate" && c.Headless.Mode != "markup" {
		return fmt.Errorf("headless.mode must be evaluate or markup")
	}
	if c.Cache.TTLSeconds < 0 {
		return fmt.Errorf("cache.ttl_seconds must be >= 0")
	}
	if c.Pipeline.Window <= 0 {
		return fmt.Errorf("pipeline.window must be > 0")
	}
	if c.Pipeline.CheckTimeoutSeconds <= 0 {
		return fmt.Errorf("pipeline.check_timeout_seconds must be > 0")
	}
	if c.Schedule.Enabled {
		if _, err := time.LoadLocation(c.Schedule.Timezone); err != nil {
			return fmt.Errorf("schedule.timezone: %w", err)
		}
		for _, hhmm := range c.Schedule.Times {
			if _, err := time.Parse("15:04", hhmm); err != nil {
				return fmt.Errorf("schedule.times: invalid time %q", hhmm)
			}
		}
	}
	switch c.Storage.Backend {
	case "memory", "local":
	case "gcs":
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket is required for the gcs backend")
		}
	default:
		return fmt.Errorf("storage.backend must be memory, local or gcs")
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be within [0, 1]")
	}
	if c.PubSub.ProjectID != "" && c.PubSub.TopicName == "" {
		return fmt.Errorf("pubsub.topic_name is required when pubsub.project_id is set")
	}
	return nil
}

// validateStrategies requires a non-empty subset of direct, proxied and
// rendered listed in that order, each at most once.
func validateStrategies(names []string) error {
	if len(names) == 0 {
		return fmt.Errorf("fetch.strategies must list at least one strategy")
	}
	prev := -1
	for _, name := range names {
		rank, ok := strategyRank[name]
		if !ok {
			return fmt.Errorf("fetch.strategies: unknown strategy %q", name)
		}
		if rank <= prev {
			return fmt.Errorf("fetch.strategies: %q repeated or out of order (want direct, proxied, rendered)", name)
		}
		prev = rank
	}
	return nil
}

// FetchTimeout is the per-request budget of the Direct and Proxied strategies.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.Fetch.TimeoutSeconds) * time.Second
}

// NavTimeout bounds a Rendered attempt.
func (c Config) NavTimeout() time.Duration {
	return time.Duration(c.Headless.NavTimeoutSec) * time.Second
}

// CacheTTL is the result cache lifetime.
func (c Config) CacheTTL() time.Duration {
	return time.Duration(c.Cache.TTLSeconds) * time.Second
}

// GeminiTimeout bounds one call to the generative service.
func (c Config) GeminiTimeout() time.Duration {
	return time.Duration(c.Gemini.TimeoutSeconds) * time.Second
}

// PDFTimeout bounds one document download.
func (c Config) PDFTimeout() time.Duration {
	return time.Duration(c.PDF.TimeoutSeconds) * time.Second
}

// ConnLifetime caps how long a pooled database connection is reused.
func (c Config) ConnLifetime() time.Duration {
	return time.Duration(c.DB.MaxConnLifetimeMinutes) * time.Minute
}

// CheckTimeout bounds one watcher check, however many callers wait on it.
func (c Config) CheckTimeout() time.Duration {
	return time.Duration(c.Pipeline.CheckTimeoutSeconds) * time.Second
}

// RequestTimeout bounds one API request, which may run a full check.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Server.RequestTimeoutSecs) * time.Second
}
