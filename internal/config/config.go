package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds every setting of the application.
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Redis    RedisConfig    `yaml:"redis"`
	Server   ServerConfig   `yaml:"server"`
	Engine   EngineConfig   `yaml:"engine"`
	Kitchen  KitchenConfig  `yaml:"kitchen"`
	Log      LogConfig      `yaml:"log"`
}

type DatabaseConfig struct {
	// Driver is postgres, sqlite or memory.
	Driver   string `yaml:"driver"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"sslmode"`
	// Path is the sqlite file.
	Path string `yaml:"path"`
}

type RabbitMQConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	VHost    string `yaml:"vhost"`
	UseTLS   bool   `yaml:"tls"`
	Exchange string `yaml:"exchange"`
}

type KafkaConfig struct {
	Enabled bool   `yaml:"enabled"`
	Brokers string `yaml:"brokers"`
	Topic   string `yaml:"topic"`
}

type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	LockTTL  time.Duration `yaml:"lock_ttl"`
}

type ServerConfig struct {
	Port            int           `yaml:"port"`
	MaxConcurrent   int           `yaml:"max_concurrent"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	CORSOrigins     []string      `yaml:"cors_origins"`
}

type EngineConfig struct {
	MaxRetries        int  `yaml:"max_retries"`
	StrictTransitions bool `yaml:"strict_transitions"`
	// LockBackend is local or redis.
	LockBackend string `yaml:"lock_backend"`
}

type KitchenConfig struct {
	WorkerName string        `yaml:"worker_name"`
	Prefetch   int           `yaml:"prefetch"`
	CookDelay  time.Duration `yaml:"cook_delay"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	// Mode is production (JSON) or development (console).
	Mode string `yaml:"mode"`
}

// Default returns the configuration used when a key is absent from the file
// and the environment.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{
			Driver:   "postgres",
			Host:     "localhost",
			Port:     5432,
			User:     "restaurant_user",
			Database: "restaurant_db",
			SSLMode:  "disable",
			Path:     "tableside.db",
		},
		RabbitMQ: RabbitMQConfig{
			Host:     "localhost",
			Port:     5672,
			User:     "guest",
			Password: "guest",
			VHost:    "/",
			Exchange: "orders_topic",
		},
		Kafka: KafkaConfig{Topic: "tableside.orders"},
		Redis: RedisConfig{Addr: "localhost:6379", LockTTL: 5 * time.Second},
		Server: ServerConfig{
			Port:            3000,
			MaxConcurrent:   50,
			ShutdownTimeout: 10 * time.Second,
			RequestTimeout:  15 * time.Second,
			CORSOrigins:     []string{"*"},
		},
		Engine:  EngineConfig{MaxRetries: 3, LockBackend: "local"},
		Kitchen: KitchenConfig{WorkerName: "kitchen-1", Prefetch: 1, CookDelay: 5 * time.Second},
		Log:     LogConfig{Level: "info", Mode: "production"},
	}
}

// LoadConfig reads the YAML file at path on top of the defaults, then applies
// .env and TABLESIDE_* environment overrides. A missing file is not an error
// when path is empty.
func LoadConfig(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("couldn't open the configuration file: %w", err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("error reading %s: %w", path, err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("error reading .env: %w", err)
	}
	if err := applyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "sqlite", "memory":
	default:
		return fmt.Errorf("database.driver must be postgres, sqlite or memory, got %q", c.Database.Driver)
	}
	switch c.Engine.LockBackend {
	case "local", "redis":
	default:
		return fmt.Errorf("engine.lock_backend must be local or redis, got %q", c.Engine.LockBackend)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if c.Server.MaxConcurrent <= 0 {
		return fmt.Errorf("server.max_concurrent must be positive, got %d", c.Server.MaxConcurrent)
	}
	if c.Engine.MaxRetries <= 0 {
		return fmt.Errorf("engine.max_retries must be positive, got %d", c.Engine.MaxRetries)
	}
	if c.Kafka.Enabled && strings.TrimSpace(c.Kafka.Brokers) == "" {
		return errors.New("kafka.brokers is required when kafka is enabled")
	}
	return nil
}

type lookupFunc func(key string) (string, bool)

type envBinding struct {
	name string
	set  func(v string) error
}

func applyEnv(cfg *Config, lookup lookupFunc) error {
	bindings := []envBinding{
		{"DATABASE_DRIVER", setString(&cfg.Database.Driver)},
		{"DATABASE_HOST", setString(&cfg.Database.Host)},
		{"DATABASE_PORT", setInt(&cfg.Database.Port)},
		{"DATABASE_USER", setString(&cfg.Database.User)},
		{"DATABASE_PASSWORD", setString(&cfg.Database.Password)},
		{"DATABASE_NAME", setString(&cfg.Database.Database)},
		{"DATABASE_SSLMODE", setString(&cfg.Database.SSLMode)},
		{"DATABASE_PATH", setString(&cfg.Database.Path)},
		{"RABBITMQ_ENABLED", setBool(&cfg.RabbitMQ.Enabled)},
		{"RABBITMQ_HOST", setString(&cfg.RabbitMQ.Host)},
		{"RABBITMQ_PORT", setInt(&cfg.RabbitMQ.Port)},
		{"RABBITMQ_USER", setString(&cfg.RabbitMQ.User)},
		{"RABBITMQ_PASSWORD", setString(&cfg.RabbitMQ.Password)},
		{"RABBITMQ_VHOST", setString(&cfg.RabbitMQ.VHost)},
		{"KAFKA_ENABLED", setBool(&cfg.Kafka.Enabled)},
		{"KAFKA_BROKERS", setString(&cfg.Kafka.Brokers)},
		{"KAFKA_TOPIC", setString(&cfg.Kafka.Topic)},
		{"REDIS_ADDR", setString(&cfg.Redis.Addr)},
		{"REDIS_PASSWORD", setString(&cfg.Redis.Password)},
		{"SERVER_PORT", setInt(&cfg.Server.Port)},
		{"SERVER_MAX_CONCURRENT", setInt(&cfg.Server.MaxConcurrent)},
		{"ENGINE_MAX_RETRIES", setInt(&cfg.Engine.MaxRetries)},
		{"ENGINE_STRICT_TRANSITIONS", setBool(&cfg.Engine.StrictTransitions)},
		{"ENGINE_LOCK_BACKEND", setString(&cfg.Engine.LockBackend)},
		{"KITCHEN_WORKER_NAME", setString(&cfg.Kitchen.WorkerName)},
		{"KITCHEN_COOK_DELAY", setDuration(&cfg.Kitchen.CookDelay)},
		{"LOG_LEVEL", setString(&cfg.Log.Level)},
		{"LOG_MODE", setString(&cfg.Log.Mode)},
	}
	for _, b := range bindings {
		v, ok := lookup("TABLESIDE_" + b.name)
		if !ok {
			continue
		}
		if err := b.set(strings.TrimSpace(v)); err != nil {
			return fmt.Errorf("TABLESIDE_%s: %w", b.name, err)
		}
	}
	return nil
}

func setString(dst *string) func(string) error {
	return func(v string) error { *dst = v; return nil }
}

func setInt(dst *int) func(string) error {
	return func(v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*dst = n
		return nil
	}
}

func setBool(dst *bool) func(string) error {
	return func(v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*dst = b
		return nil
	}
}

func setDuration(dst *time.Duration) func(string) error {
	return func(v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*dst = d
		return nil
	}
}
