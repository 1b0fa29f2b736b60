package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Environment   string
	Server        ServerConfig
	Logging       LoggingConfig
	Storage       StorageConfig
	Scylla        ScyllaConfig
	SQLite        SQLiteConfig
	Redis         RedisConfig
	Kafka         KafkaConfig
	Clickhouse    ClickhouseConfig
	Elasticsearch ElasticsearchConfig
	KMS           KMSConfig
	Bucketing     BucketingConfig
	Directory     DirectoryConfig
	Quota         QuotaConfig
	HTTPRateLimit HTTPRateLimitConfig
}

type ServerConfig struct {
	Port           int
	RequestTimeout time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	CORSOrigins    []string
	EnableTLS      bool
	AutoCert       bool
	Domain         string
	CertFile       string
	KeyFile        string
	AutoCertDir    string
	Email          string
}

type LoggingConfig struct {
	Level  string
	Format string
}

// StorageConfig selects the profile repository backend: "scylla" for
// deployments, "sqlite" for local development.
type StorageConfig struct {
	Backend string
}

type ScyllaConfig struct {
	Hosts       []string
	Keyspace    string
	Username    string
	Password    string
	Consistency string
	Timeout     time.Duration
}

type SQLiteConfig struct {
	Path string
}

type RedisConfig struct {
	URL       string
	Password  string
	DB        int
	PoolSize  int
	KeyPrefix string
}

type KafkaConfig struct {
	Enabled      bool
	Brokers      []string
	ProfileTopic string
	MessageTopic string
	// ConsumeProfileFeed turns on the consumer that applies profile
	// events from other instances to the local index.
	ConsumeProfileFeed bool
	GroupPrefix        string
}

type ClickhouseConfig struct {
	Enabled  bool
	URL      string
	Database string
	Username string
	Password string
}

type ElasticsearchConfig struct {
	Enabled        bool
	URL            string
	Username       string
	Password       string
	Index          string
	ReindexOnStart bool
}

type KMSConfig struct {
	Enabled bool
	KeyID   string
	Region  string
}

type BucketingConfig struct {
	ProfileBuckets int
	QuotaShards    int
}

type DirectoryConfig struct {
	WarmOnStart     bool
	DefaultRadiusKm float64
}

type QuotaConfig struct {
	// Backend "memory" keeps windows in-process; "redis" shares them
	// across instances.
	Backend           string
	MaxSendsPerWindow int
	Window            time.Duration
	IdleTTL           time.Duration
	CleanupEvery      time.Duration
}

type HTTPRateLimitConfig struct {
	Enabled       bool
	RPS           float64
	Burst         int
	ClientIdleTTL time.Duration
}

var (
	global   *Config
	loadOnce sync.Once
)

// LoadConfig reads .env (if present) and the environment into a Config.
// Loaded once; later calls return the same instance.
func LoadConfig() *Config {
	loadOnce.Do(func() {
		_ = godotenv.Load()
		global = loadFromEnv()
	})

	return global
}

func loadFromEnv() *Config {
	return &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Server: ServerConfig{
			Port:           getEnvInt("SERVER_PORT", 8080),
			RequestTimeout: getEnvDuration("SERVER_REQUEST_TIMEOUT", 60*time.Second),
			ReadTimeout:    getEnvDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:   getEnvDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
			IdleTimeout:    getEnvDuration("SERVER_IDLE_TIMEOUT", 120*time.Second),
			CORSOrigins:    getEnvSlice("CORS_ORIGINS", []string{"*"}),
			EnableTLS:      getEnvBool("TLS_ENABLED", false),
			AutoCert:       getEnvBool("TLS_AUTOCERT", false),
			Domain:         getEnv("TLS_DOMAIN", "localhost"),
			CertFile:       getEnv("TLS_CERT_FILE", ""),
			KeyFile:        getEnv("TLS_KEY_FILE", ""),
			AutoCertDir:    getEnv("TLS_AUTOCERT_DIR", "/var/lib/anthill/autocert"),
			Email:          getEnv("TLS_CONTACT_EMAIL", ""),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "console"),
		},
		Storage: StorageConfig{
			Backend: getEnv("STORAGE_BACKEND", "sqlite"),
		},
		Scylla: ScyllaConfig{
			Hosts:       getEnvSlice("SCYLLA_HOSTS", []string{"127.0.0.1:9042"}),
			Keyspace:    getEnv("SCYLLA_KEYSPACE", "anthill"),
			Username:    getEnv("SCYLLA_USERNAME", ""),
			Password:    getEnv("SCYLLA_PASSWORD", ""),
			Consistency: getEnv("SCYLLA_CONSISTENCY", "quorum"),
			Timeout:     getEnvDuration("SCYLLA_TIMEOUT", 10*time.Second),
		},
		SQLite: SQLiteConfig{
			Path: getEnv("SQLITE_PATH", "anthill.db"),
		},
		Redis: RedisConfig{
			URL:       getEnv("REDIS_URL", "redis://localhost:6379"),
			Password:  getEnv("REDIS_PASSWORD", ""),
			DB:        getEnvInt("REDIS_DB", 0),
			PoolSize:  getEnvInt("REDIS_POOL_SIZE", 10),
			KeyPrefix: getEnv("REDIS_KEY_PREFIX", "anthill"),
		},
		Kafka: KafkaConfig{
			Enabled:            getEnvBool("KAFKA_ENABLED", false),
			Brokers:            getEnvSlice("KAFKA_BROKERS", []string{"localhost:9092"}),
			ProfileTopic:       getEnv("KAFKA_PROFILE_TOPIC", "anthill.profile-events"),
			MessageTopic:       getEnv("KAFKA_MESSAGE_TOPIC", "anthill.message-events"),
			ConsumeProfileFeed: getEnvBool("KAFKA_CONSUME_PROFILE_FEED", true),
			GroupPrefix:        getEnv("KAFKA_GROUP_PREFIX", "anthill-directory"),
		},
		Clickhouse: ClickhouseConfig{
			Enabled:  getEnvBool("CLICKHOUSE_ENABLED", false),
			URL:      getEnv("CLICKHOUSE_URL", "http://localhost:8123"),
			Database: getEnv("CLICKHOUSE_DATABASE", "anthill"),
			Username: getEnv("CLICKHOUSE_USERNAME", "default"),
			Password: getEnv("CLICKHOUSE_PASSWORD", ""),
		},
		Elasticsearch: ElasticsearchConfig{
			Enabled:        getEnvBool("ELASTICSEARCH_ENABLED", false),
			URL:            getEnv("ELASTICSEARCH_URL", "http://localhost:9200"),
			Username:       getEnv("ELASTICSEARCH_USERNAME", ""),
			Password:       getEnv("ELASTICSEARCH_PASSWORD", ""),
			Index:          getEnv("ELASTICSEARCH_INDEX", "anthill-profiles"),
			ReindexOnStart: getEnvBool("ELASTICSEARCH_REINDEX_ON_START", false),
		},
		KMS: KMSConfig{
			Enabled: getEnvBool("KMS_ENABLED", false),
			KeyID:   getEnv("KMS_KEY_ID", ""),
			Region:  getEnv("AWS_REGION", "us-east-1"),
		},
		Bucketing: BucketingConfig{
			ProfileBuckets: getEnvInt("PROFILE_BUCKETS", 64),
			QuotaShards:    getEnvInt("QUOTA_SHARDS", 16),
		},
		Directory: DirectoryConfig{
			WarmOnStart:     getEnvBool("DIRECTORY_WARM_ON_START", true),
			DefaultRadiusKm: getEnvFloat("DIRECTORY_DEFAULT_RADIUS_KM", 50),
		},
		Quota: QuotaConfig{
			Backend:           getEnv("QUOTA_BACKEND", "memory"),
			MaxSendsPerWindow: getEnvInt("QUOTA_MAX_SENDS", 3),
			Window:            getEnvDuration("QUOTA_WINDOW", time.Hour),
			IdleTTL:           getEnvDuration("QUOTA_IDLE_TTL", 10*time.Minute),
			CleanupEvery:      getEnvDuration("QUOTA_CLEANUP_EVERY", time.Minute),
		},
		HTTPRateLimit: HTTPRateLimitConfig{
			Enabled:       getEnvBool("HTTP_RATE_LIMIT_ENABLED", true),
			RPS:           getEnvFloat("HTTP_RATE_LIMIT_RPS", 20),
			Burst:         getEnvInt("HTTP_RATE_LIMIT_BURST", 40),
			ClientIdleTTL: getEnvDuration("HTTP_RATE_LIMIT_IDLE_TTL", 3*time.Minute),
		},
	}
}

// Get returns the loaded configuration, loading it on first use.
func Get() *Config {
	if global == nil {
		return LoadConfig()
	}
	return global
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) IsDevelopment() bool {
	return !c.IsProduction()
}

// Validate checks the combinations that would only fail at runtime.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	switch c.Storage.Backend {
	case "scylla":
		if len(c.Scylla.Hosts) == 0 {
			return fmt.Errorf("storage backend scylla requires SCYLLA_HOSTS")
		}
	case "sqlite":
		if c.SQLite.Path == "" {
			return fmt.Errorf("storage backend sqlite requires SQLITE_PATH")
		}
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	switch c.Quota.Backend {
	case "memory":
	case "redis":
		if c.Redis.URL == "" {
			return fmt.Errorf("quota backend redis requires REDIS_URL")
		}
	default:
		return fmt.Errorf("unknown quota backend %q", c.Quota.Backend)
	}
	if c.Quota.MaxSendsPerWindow < 0 {
		return fmt.Errorf("QUOTA_MAX_SENDS must not be negative")
	}
	if c.Quota.Window <= 0 {
		return fmt.Errorf("QUOTA_WINDOW must be positive")
	}
	if c.Bucketing.ProfileBuckets < 1 || c.Bucketing.QuotaShards < 1 {
		return fmt.Errorf("bucket and shard counts must be at least 1")
	}
	if c.KMS.Enabled && c.KMS.KeyID == "" {
		return fmt.Errorf("KMS_ENABLED requires KMS_KEY_ID")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func getEnvSlice(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
