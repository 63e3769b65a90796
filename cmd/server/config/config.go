package config

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"galaxymarket/internal/reliability"
)

// Config is the whole demand service environment.
type Config struct {
	ServiceName    string `env:"SERVICE_NAME" envDefault:"demand-service"`
	ServiceVersion string `env:"SERVICE_VERSION" envDefault:"dev"`
	LogLevel       string `env:"LOG_LEVEL" envDefault:"info"`
	// DatabaseURL selects the Postgres stores; empty keeps everything in memory.
	DatabaseURL string `env:"DATABASE_URL"`
	// RunProjector also runs the object-side projector in this process.
	RunProjector bool `env:"RUN_PROJECTOR" envDefault:"true"`

	HTTP          HTTPConfig          `envPrefix:"HTTP_"`
	GRPC          GRPCConfig          `envPrefix:"GRPC_"`
	Observability ObservabilityConfig `envPrefix:"OBS_"`
	Kafka         KafkaConfig         `envPrefix:"KAFKA_"`
	Engine        EngineConfig        `envPrefix:"ENGINE_"`
	Worker        WorkerConfig        `envPrefix:"WORKER_"`
	Tracing       TracingConfig       `envPrefix:"OTEL_EXPORTER_"`

	// Guards are loaded separately because they share field names.
	EngineGuard reliability.Config `env:"-"`
	BusGuard    reliability.Config `env:"-"`
	// Redis is nil when REDIS_URL is unset.
	Redis *RedisConfig `env:"-"`
}

// HTTPConfig holds the REST listener and ingress rate limiting settings.
type HTTPConfig struct {
	Addr              string        `env:"ADDR" envDefault:":8080"`
	RateLimitInterval time.Duration `env:"RATE_LIMIT_INTERVAL"`
	RateLimitBurst    int           `env:"RATE_LIMIT_BURST"`
	ShutdownTimeout   time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"5s"`
}

// GRPCConfig holds the health service listener and its rate limiting.
type GRPCConfig struct {
	Addr              string        `env:"ADDR" envDefault:":50051"`
	RateLimitInterval time.Duration `env:"RATE_LIMIT_INTERVAL"`
	RateLimitBurst    int           `env:"RATE_LIMIT_BURST"`
}

// ObservabilityConfig holds the HTTP address for the metrics endpoint.
type ObservabilityConfig struct {
	Addr string `env:"ADDR" envDefault:":9090"`
}

// KafkaConfig selects the Kafka bus; no brokers keeps the bus in process.
type KafkaConfig struct {
	Brokers        []string      `env:"BROKERS" envSeparator:","`
	PublishTimeout time.Duration `env:"PUBLISH_TIMEOUT" envDefault:"10s"`
	RequestsGroup  string        `env:"REQUESTS_GROUP" envDefault:"demand-service-processor"`
	StatusGroup    string        `env:"STATUS_GROUP" envDefault:"demand-service-status"`
	ProjectorGroup string        `env:"PROJECTOR_GROUP" envDefault:"object-service-consumer-group"`
}

// EngineConfig selects the process engine; an empty URL uses the in-memory engine.
type EngineConfig struct {
	URL         string        `env:"URL"`
	ProcessKey  string        `env:"PROCESS_KEY" envDefault:"galactic_market_demand"`
	DeployFile  string        `env:"DEPLOY_FILE"`
	HTTPTimeout time.Duration `env:"HTTP_TIMEOUT" envDefault:"60s"`
}

// WorkerConfig tunes the four task workers.
type WorkerConfig struct {
	ID                   string        `env:"ID" envDefault:"demand_service_worker"`
	PollInterval         time.Duration `env:"POLL_INTERVAL" envDefault:"1s"`
	LockDuration         time.Duration `env:"LOCK_DURATION" envDefault:"10s"`
	MaxTasks             int           `env:"MAX_TASKS" envDefault:"1"`
	AsyncResponseTimeout time.Duration `env:"ASYNC_RESPONSE_TIMEOUT" envDefault:"30s"`
}

// TracingConfig points the OTLP/HTTP exporters at a collector.
type TracingConfig struct {
	Endpoint   string `env:"ENDPOINT"`
	Insecure   bool   `env:"INSECURE"`
	AuthHeader string `env:"AUTH_HEADER"`
	Logs       bool   `env:"LOGS"`
}

// RedisConfig holds Redis connection and behavior settings.
type RedisConfig struct {
	URL                string         `env:"URL"`
	Stream             string         `env:"STREAM"`
	DialTimeout        *time.Duration `env:"DIAL_TIMEOUT"`
	ReadTimeout        *time.Duration `env:"READ_TIMEOUT"`
	WriteTimeout       *time.Duration `env:"WRITE_TIMEOUT"`
	PoolSize           *int           `env:"POOL_SIZE"`
	MinIdleConns       *int           `env:"MIN_IDLE_CONNS"`
	MaxRetries         *int           `env:"MAX_RETRIES"`
	HealthcheckTimeout time.Duration  `env:"HEALTHCHECK_TIMEOUT" envDefault:"2s"`
	StatusTTL          time.Duration  `env:"STATUS_TTL" envDefault:"24h"`
	StreamMaxLen       int64          `env:"STREAM_MAXLEN" envDefault:"10000"`
	EnableOTel         bool           `env:"OTEL"`

	TLSCAFile             string `env:"TLS_CA_FILE"`
	TLSCertFile           string `env:"TLS_CERT_FILE"`
	TLSKeyFile            string `env:"TLS_KEY_FILE"`
	TLSServerName         string `env:"TLS_SERVER_NAME"`
	TLSInsecureSkipVerify *bool  `env:"TLS_INSECURE_SKIP_VERIFY"`

	TLSConfig *tls.Config `env:"-"`
}

// Load reads .env (when present) and then the process environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}

	var err error
	if cfg.EngineGuard, err = reliability.LoadConfig("ENGINE_"); err != nil {
		return Config{}, err
	}
	if cfg.BusGuard, err = reliability.LoadConfig("BUS_"); err != nil {
		return Config{}, err
	}
	if cfg.Redis, err = LoadRedis(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	checks := []struct {
		name string
		neg  bool
	}{
		{"HTTP_RATE_LIMIT_INTERVAL", c.HTTP.RateLimitInterval < 0},
		{"HTTP_RATE_LIMIT_BURST", c.HTTP.RateLimitBurst < 0},
		{"HTTP_SHUTDOWN_TIMEOUT", c.HTTP.ShutdownTimeout < 0},
		{"GRPC_RATE_LIMIT_INTERVAL", c.GRPC.RateLimitInterval < 0},
		{"GRPC_RATE_LIMIT_BURST", c.GRPC.RateLimitBurst < 0},
		{"KAFKA_PUBLISH_TIMEOUT", c.Kafka.PublishTimeout < 0},
		{"ENGINE_HTTP_TIMEOUT", c.Engine.HTTPTimeout < 0},
		{"WORKER_POLL_INTERVAL", c.Worker.PollInterval < 0},
		{"WORKER_LOCK_DURATION", c.Worker.LockDuration < 0},
		{"WORKER_MAX_TASKS", c.Worker.MaxTasks < 0},
		{"WORKER_ASYNC_RESPONSE_TIMEOUT", c.Worker.AsyncResponseTimeout < 0},
	}
	for _, check := range checks {
		if check.neg {
			return fmt.Errorf("%s must be >= 0", check.name)
		}
	}
	if c.Engine.URL != "" && c.Engine.HTTPTimeout > 0 && c.Engine.HTTPTimeout <= c.Worker.AsyncResponseTimeout {
		return errors.New("ENGINE_HTTP_TIMEOUT must exceed WORKER_ASYNC_RESPONSE_TIMEOUT")
	}
	return nil
}

// LoadRedis reads Redis config from env. It returns nil when REDIS_URL is
// unset, which leaves the status trail in memory.
func LoadRedis() (*RedisConfig, error) {
	var cfg RedisConfig
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: "REDIS_"}); err != nil {
		return nil, fmt.Errorf("parse redis env: %w", err)
	}
	cfg.URL = strings.TrimSpace(cfg.URL)
	if cfg.URL == "" {
		return nil, nil
	}

	for name, d := range map[string]*time.Duration{
		"REDIS_DIAL_TIMEOUT":  cfg.DialTimeout,
		"REDIS_READ_TIMEOUT":  cfg.ReadTimeout,
		"REDIS_WRITE_TIMEOUT": cfg.WriteTimeout,
	} {
		if d != nil && *d < 0 {
			return nil, fmt.Errorf("%s must be >= 0", name)
		}
	}
	for name, n := range map[string]*int{
		"REDIS_POOL_SIZE":      cfg.PoolSize,
		"REDIS_MIN_IDLE_CONNS": cfg.MinIdleConns,
		"REDIS_MAX_RETRIES":    cfg.MaxRetries,
	} {
		if n != nil && *n < 0 {
			return nil, fmt.Errorf("%s must be >= 0", name)
		}
	}
	if cfg.HealthcheckTimeout < 0 {
		return nil, errors.New("REDIS_HEALTHCHECK_TIMEOUT must be >= 0")
	}
	if cfg.StatusTTL < 0 {
		return nil, errors.New("REDIS_STATUS_TTL must be >= 0")
	}
	if cfg.StreamMaxLen < 0 {
		return nil, errors.New("REDIS_STREAM_MAXLEN must be >= 0")
	}

	tlsConfig, err := cfg.loadTLS()
	if err != nil {
		return nil, err
	}
	cfg.TLSConfig = tlsConfig
	return &cfg, nil
}

func (c RedisConfig) loadTLS() (*tls.Config, error) {
	caFile := strings.TrimSpace(c.TLSCAFile)
	certFile := strings.TrimSpace(c.TLSCertFile)
	keyFile := strings.TrimSpace(c.TLSKeyFile)
	serverName := strings.TrimSpace(c.TLSServerName)

	if caFile == "" && certFile == "" && keyFile == "" && serverName == "" && c.TLSInsecureSkipVerify == nil {
		return nil, nil
	}
	if (certFile == "") != (keyFile == "") {
		return nil, errors.New("REDIS_TLS_CERT_FILE and REDIS_TLS_KEY_FILE must be set together")
	}

	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
		ServerName: serverName,
	}
	if c.TLSInsecureSkipVerify != nil {
		tlsConfig.InsecureSkipVerify = *c.TLSInsecureSkipVerify
	}

	if caFile != "" {
		pemData, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("read REDIS_TLS_CA_FILE: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemData) {
			return nil, errors.New("REDIS_TLS_CA_FILE contains no valid certificates")
		}
		tlsConfig.RootCAs = pool
	}

	if certFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("load redis TLS keypair: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}
