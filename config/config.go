package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Env                string            `mapstructure:"env"`
	LogLevel           string            `mapstructure:"log_level"`
	LogType            string            `mapstructure:"log_type"`
	ServiceName        string            `mapstructure:"service_name"`
	Port               string            `mapstructure:"port"`
	Version            string            `mapstructure:"version"`
	WorkerSettings     *WorkerConfig     `mapstructure:"worker"`
	CrawlerSettings    *CrawlerConfig    `mapstructure:"crawler"`
	AnalysisSettings   *AnalysisConfig   `mapstructure:"analysis"`
	LifecycleSettings  *LifecycleConfig  `mapstructure:"lifecycle"`
	OpenAISettings     *OpenAIConfig     `mapstructure:"openai"`
	HttpClientSettings *HttpClientConfig `mapstructure:"http_client"`
	CacheSettings      *CacheConfig      `mapstructure:"cache"`
	DbSettings         *DatabaseConfig   `mapstructure:"database"`
	SQSSettings        *SQSConfig        `mapstructure:"sqs"`
	KafkaSettings      *KafkaConfig      `mapstructure:"kafka"`
	TelemetrySettings  *TelemetryConfig  `mapstructure:"telemetry"`
}

type WorkerConfig struct {
	WorkersNum int `mapstructure:"workers_num"`
	// SeedURLs are crawled on startup when sqs is disabled.
	SeedURLs []string `mapstructure:"seed_urls"`
}

type CrawlerConfig struct {
	MaxDepth          int           `mapstructure:"max_depth"`
	MaxPagesPerDomain int           `mapstructure:"max_pages_per_domain"`
	CrawlDelay        time.Duration `mapstructure:"crawl_delay"`
	DelayJitter       time.Duration `mapstructure:"delay_jitter"`
	FetchWorkers      int64         `mapstructure:"fetch_workers"`
	MaxLinksPerPage   int           `mapstructure:"max_links_per_page"`
	MaxBodyBytes      int64         `mapstructure:"max_body_bytes"`
	UserAgent         string        `mapstructure:"user_agent"`
	AutoAnalyze       bool          `mapstructure:"auto_analyze"`
}

type AnalysisConfig struct {
	MaxChunkSize       int     `mapstructure:"max_chunk_size"`
	MinConfidence      float64 `mapstructure:"min_confidence"`
	FallbackConfidence float64 `mapstructure:"fallback_confidence"`
	AmbiguityDampening float64 `mapstructure:"ambiguity_dampening"`
	SearchWindow       int     `mapstructure:"search_window"`
	ChunkWorkers       int     `mapstructure:"chunk_workers"`
}

type LifecycleConfig struct {
	AutoApplyEnabled   bool    `mapstructure:"auto_apply_enabled"`
	AutoApplyThreshold float64 `mapstructure:"auto_apply_threshold"`
}

type OpenAIConfig struct {
	ApiKey      string        `mapstructure:"api_key"`
	BaseURL     string        `mapstructure:"base_url"`
	Model       string        `mapstructure:"model"`
	MaxTokens   int           `mapstructure:"max_tokens"`
	Temperature float64       `mapstructure:"temperature"`
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxRetries  int           `mapstructure:"max_retries"`
}

type HttpClientConfig struct {
	RequestTimeout            time.Duration `mapstructure:"request_timeout"`
	MaxIdleConnections        int           `mapstructure:"max_idle_connections"`
	MaxIdleConnectionsPerHost int           `mapstructure:"max_idle_connections_per_host"`
	MaxConnectionsPerHost     int           `mapstructure:"max_connections_per_host"`
	IdleConnectionTimeout     time.Duration `mapstructure:"idle_connection_timeout"`
	TlsHandshakeTimeout       time.Duration `mapstructure:"tls_handshake_timeout"`
	DialTimeout               time.Duration `mapstructure:"dial_timeout"`
	DialKeepAlive             time.Duration `mapstructure:"dial_keep_alive"`
	TlsInsecureSkipVerify     bool          `mapstructure:"tls_insecure_skip_verify"`
}

type CacheConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	Servers []string      `mapstructure:"servers"`
	Ttl     time.Duration `mapstructure:"ttl"`
}

type DatabaseConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Host            string        `mapstructure:"host"`
	Port            string        `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
}

type SQSConfig struct {
	Enabled             bool   `mapstructure:"enabled"`
	AwsBaseEndpoint     string `mapstructure:"aws_base_endpoint"`
	Region              string `mapstructure:"region"`
	QueueName           string `mapstructure:"queue_name"`
	MaxNumberOfMessages int32  `mapstructure:"max_number_of_messages"`
	WaitTimeSeconds     int32  `mapstructure:"wait_time_seconds"`
	VisibilityTimeout   int32  `mapstructure:"visibility_timeout"`
}

type KafkaConfig struct {
	Enabled  bool            `mapstructure:"enabled"`
	Producer *ProducerConfig `mapstructure:"producer"`
}

type ProducerConfig struct {
	Addr                []string      `mapstructure:"addr"`
	AuditTopicName      string        `mapstructure:"audit_topic_name"`
	DeadLetterTopicName string        `mapstructure:"dlq_topic_name"`
	MaxAttempts         int           `mapstructure:"max_attempts"`
	BatchSize           int           `mapstructure:"batch_size"`
	BatchTimeout        time.Duration `mapstructure:"batch_timeout"`
	ReadTimeout         time.Duration `mapstructure:"read_timeout"`
	WriteTimeout        time.Duration `mapstructure:"write_timeout"`
	RequiredAsks        int           `mapstructure:"required_acks"`
	Async               bool          `mapstructure:"async"`
}

type TelemetryConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	CollectorUrl string `mapstructure:"collector_url"`
}

func MustLoad() *Config {
	cfg, err := Load(".")
	if err != nil {
		slog.Error("can't initialize config.", slog.String("err", err.Error()))
		os.Exit(1)
	}

	return cfg
}

// Load reads config.yaml from dir. A .env file next to it is optional and only fills variables
// that are not set yet. Environment variables override the file, e.g. OPENAI_API_KEY.
func Load(dir string) (*Config, error) {
	if err := godotenv.Load(path.Join(dir, ".env")); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("failed to read .env file.", slog.String("err", err.Error()))
	}

	v := viper.New()
	v.AddConfigPath(path.Join(dir))
	v.SetConfigName("config")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		slog.Warn("config file not found, using defaults.")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("env", "local")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_type", "text")
	v.SetDefault("service_name", "content-proof")
	v.SetDefault("port", "8080")
	v.SetDefault("version", "dev")

	v.SetDefault("worker.workers_num", -1)

	v.SetDefault("crawler.max_depth", 3)
	v.SetDefault("crawler.max_pages_per_domain", 100)
	v.SetDefault("crawler.crawl_delay", time.Second)
	v.SetDefault("crawler.delay_jitter", 250*time.Millisecond)
	v.SetDefault("crawler.fetch_workers", 8)
	v.SetDefault("crawler.max_links_per_page", 50)
	v.SetDefault("crawler.max_body_bytes", 5<<20)
	v.SetDefault("crawler.user_agent", "ContentProofBot/1.0")
	v.SetDefault("crawler.auto_analyze", false)

	v.SetDefault("analysis.max_chunk_size", 2000)
	v.SetDefault("analysis.min_confidence", 0.7)
	v.SetDefault("analysis.fallback_confidence", 0.6)
	v.SetDefault("analysis.ambiguity_dampening", 0.8)
	v.SetDefault("analysis.search_window", 50)
	v.SetDefault("analysis.chunk_workers", 2)

	v.SetDefault("lifecycle.auto_apply_enabled", false)
	v.SetDefault("lifecycle.auto_apply_threshold", 0.9)

	v.SetDefault("openai.api_key", "")
	v.SetDefault("openai.base_url", "")
	v.SetDefault("openai.model", "gpt-4o-mini")
	v.SetDefault("openai.max_tokens", 2000)
	v.SetDefault("openai.temperature", 0.1)
	v.SetDefault("openai.timeout", 60*time.Second)
	v.SetDefault("openai.max_retries", 3)

	v.SetDefault("http_client.request_timeout", 30*time.Second)
	v.SetDefault("http_client.max_idle_connections", 100)
	v.SetDefault("http_client.max_idle_connections_per_host", 10)
	v.SetDefault("http_client.max_connections_per_host", 10)
	v.SetDefault("http_client.idle_connection_timeout", 90*time.Second)
	v.SetDefault("http_client.tls_handshake_timeout", 10*time.Second)
	v.SetDefault("http_client.dial_timeout", 10*time.Second)
	v.SetDefault("http_client.dial_keep_alive", 30*time.Second)

	v.SetDefault("cache.enabled", false)
	v.SetDefault("cache.ttl", 24*time.Hour)

	v.SetDefault("database.enabled", false)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", "5432")
	v.SetDefault("database.conn_max_lifetime", 5*time.Minute)
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)

	v.SetDefault("sqs.enabled", false)
	v.SetDefault("sqs.region", "us-east-1")
	v.SetDefault("sqs.max_number_of_messages", 10)
	v.SetDefault("sqs.wait_time_seconds", 20)
	v.SetDefault("sqs.visibility_timeout", 60)

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.producer.audit_topic_name", "content-proof.audit")
	v.SetDefault("kafka.producer.dlq_topic_name", "content-proof.dlq")
	v.SetDefault("kafka.producer.max_attempts", 3)
	v.SetDefault("kafka.producer.batch_size", 100)
	v.SetDefault("kafka.producer.batch_timeout", time.Second)
	v.SetDefault("kafka.producer.read_timeout", 10*time.Second)
	v.SetDefault("kafka.producer.write_timeout", 10*time.Second)
	v.SetDefault("kafka.producer.required_acks", 1)

	v.SetDefault("telemetry.enabled", false)
}

var ErrInvalidConfig = errors.New("invalid config")

func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.CrawlerSettings.MaxDepth >= 0, "crawler.max_depth must be >= 0, got %d", c.CrawlerSettings.MaxDepth)
	check(c.CrawlerSettings.MaxPagesPerDomain > 0, "crawler.max_pages_per_domain must be > 0, got %d",
		c.CrawlerSettings.MaxPagesPerDomain)
	check(c.CrawlerSettings.CrawlDelay >= 0, "crawler.crawl_delay must not be negative")
	check(c.CrawlerSettings.FetchWorkers > 0, "crawler.fetch_workers must be > 0, got %d",
		c.CrawlerSettings.FetchWorkers)
	check(c.AnalysisSettings.MaxChunkSize >= utf8.UTFMax, "analysis.max_chunk_size must be >= %d, got %d", utf8.UTFMax,
		c.AnalysisSettings.MaxChunkSize)
	check(inUnitRange(c.AnalysisSettings.MinConfidence), "analysis.min_confidence must be in [0,1]")
	check(inUnitRange(c.AnalysisSettings.FallbackConfidence), "analysis.fallback_confidence must be in [0,1]")
	check(c.AnalysisSettings.AmbiguityDampening > 0 && c.AnalysisSettings.AmbiguityDampening <= 1,
		"analysis.ambiguity_dampening must be in (0,1]")
	check(c.AnalysisSettings.SearchWindow >= 0, "analysis.search_window must not be negative")
	check(c.AnalysisSettings.ChunkWorkers > 0, "analysis.chunk_workers must be > 0, got %d",
		c.AnalysisSettings.ChunkWorkers)
	check(inUnitRange(c.LifecycleSettings.AutoApplyThreshold), "lifecycle.auto_apply_threshold must be in [0,1]")
	if c.CacheSettings.Enabled {
		check(len(c.CacheSettings.Servers) > 0, "cache.servers must be set when the cache is enabled")
	}
	if c.KafkaSettings.Enabled {
		check(len(c.KafkaSettings.Producer.Addr) > 0, "kafka.producer.addr must be set when kafka is enabled")
	}
	if c.SQSSettings.Enabled {
		check(c.SQSSettings.QueueName != "", "sqs.queue_name must be set when sqs is enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

func inUnitRange(f float64) bool {
	return f >= 0 && f <= 1
}
