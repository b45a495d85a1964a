package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Redis   RedisConfig   `yaml:"redis"`
	Limits  LimitsConfig  `yaml:"limits"`
	Metrics MetricsConfig `yaml:"metrics"`
	Logging LoggingConfig `yaml:"logging"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Environment     string        `yaml:"environment"`
	CORSOrigin      string        `yaml:"cors_origin"`
	TrustProxy      bool          `yaml:"trust_proxy"`
	WSPath          string        `yaml:"ws_path"`
	InstanceID      string        `yaml:"instance_id"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// RedisConfig holds the optional durable backend. An empty URL selects the
// in-memory room store.
type RedisConfig struct {
	URL         string        `yaml:"url"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	OpTimeout   time.Duration `yaml:"op_timeout"`
}

type LimitsConfig struct {
	RateLimitWindow time.Duration `yaml:"rate_limit_window"`
	RateLimitMax    int           `yaml:"rate_limit_max"`
	APIBodyLimit    int64         `yaml:"api_body_limit"`
	WSReadLimit     int64         `yaml:"ws_read_limit"`
	WSWriteTimeout  time.Duration `yaml:"ws_write_timeout"`
	WSPongTimeout   time.Duration `yaml:"ws_pong_timeout"`
	WSPingInterval  time.Duration `yaml:"ws_ping_interval"`
	SendBufferSize  int           `yaml:"send_buffer_size"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// LoadConfig reads the process environment, after merging a .env file from
// the working directory when one exists.
func LoadConfig() *Config {
	_ = godotenv.Load()

	return &Config{
		Server: ServerConfig{
			Host:            getEnv("HOST", "0.0.0.0"),
			Port:            getEnvInt("PORT", 4000),
			Environment:     getEnv("APP_ENV", getEnv("NODE_ENV", "development")),
			CORSOrigin:      getEnv("CORS_ORIGIN", "http://localhost:3000"),
			TrustProxy:      getEnvBool("TRUST_PROXY", true),
			WSPath:          getEnv("WS_PATH", "/ws"),
			InstanceID:      getEnv("INSTANCE_ID", hostname()),
			ReadTimeout:     time.Duration(getEnvInt("READ_TIMEOUT_SEC", 15)) * time.Second,
			WriteTimeout:    time.Duration(getEnvInt("WRITE_TIMEOUT_SEC", 15)) * time.Second,
			ShutdownTimeout: time.Duration(getEnvInt("SHUTDOWN_TIMEOUT_SEC", 10)) * time.Second,
		},
		Redis: RedisConfig{
			URL:         getEnv("REDIS_URL", ""),
			DialTimeout: time.Duration(getEnvInt("REDIS_DIAL_TIMEOUT_SEC", 5)) * time.Second,
			OpTimeout:   time.Duration(getEnvInt("REDIS_OP_TIMEOUT_MS", 3000)) * time.Millisecond,
		},
		Limits: LimitsConfig{
			RateLimitWindow: time.Duration(getEnvInt("RATE_LIMIT_WINDOW_SEC", 10)) * time.Second,
			RateLimitMax:    getEnvInt("RATE_LIMIT_MAX", 20),
			APIBodyLimit:    int64(getEnvInt("API_BODY_LIMIT", 64*1024)),
			WSReadLimit:     int64(getEnvInt("WS_READ_LIMIT", 10*1024*1024)),
			WSWriteTimeout:  time.Duration(getEnvInt("WS_WRITE_TIMEOUT_SEC", 10)) * time.Second,
			WSPongTimeout:   time.Duration(getEnvInt("WS_PONG_TIMEOUT_SEC", 60)) * time.Second,
			WSPingInterval:  time.Duration(getEnvInt("WS_PING_INTERVAL_SEC", 54)) * time.Second,
			SendBufferSize:  getEnvInt("WS_SEND_BUFFER", 256),
		},
		Metrics: MetricsConfig{
			Enabled: getEnvBool("METRICS_ENABLED", true),
			Path:    getEnv("METRICS_PATH", "/metrics"),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}
}

func (c *Config) IsProduction() bool {
	return c.Server.Environment == "production"
}

func (c *Config) IsDevelopment() bool {
	return c.Server.Environment == "development"
}

func hostname() string {
	name, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return name
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}
