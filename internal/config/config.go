package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Gateway       GatewayConfig       `yaml:"gateway"`
	Control       ControlConfig       `yaml:"control"`
	Limiter       LimiterConfig       `yaml:"limiter"`
	Redis         RedisConfig         `yaml:"redis"`
	Etcd          EtcdConfig          `yaml:"etcd"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type GatewayConfig struct {
	Address         string        `yaml:"address"`
	GRPCAddress     string        `yaml:"grpc_address"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxConnections  int           `yaml:"max_connections"`
	PolicySource    string        `yaml:"policy_source"` // "none", "file" or "etcd"
	PolicyFile      string        `yaml:"policy_file"`
}

type ControlConfig struct {
	Address         string        `yaml:"address"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LimiterConfig holds the default policy and the counter store settings.
type LimiterConfig struct {
	Store         string        `yaml:"store"`        // "memory", "redis" or "etcd"
	FailureMode   string        `yaml:"failure_mode"` // "open" or "closed"
	StoreTimeout  time.Duration `yaml:"store_timeout"`
	SweepSchedule string        `yaml:"sweep_schedule"`
	Algorithm     string        `yaml:"algorithm"`
	Capacity      int64         `yaml:"capacity"`
	RatePerSecond float64       `yaml:"rate_per_second"`
	WindowSeconds int64         `yaml:"window_seconds"`
	Limit         int64         `yaml:"limit"`
}

type RedisConfig struct {
	Address      string        `yaml:"address"`
	Password     string        `yaml:"password"`
	Database     int           `yaml:"database"`
	PoolSize     int           `yaml:"pool_size"`
	MinIdleConns int           `yaml:"min_idle_conns"`
	MaxRetries   int           `yaml:"max_retries"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

type EtcdConfig struct {
	Endpoints    []string      `yaml:"endpoints"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	Username     string        `yaml:"username"`
	Password     string        `yaml:"password"`
	PolicyPrefix string        `yaml:"policy_prefix"`
	StatePrefix  string        `yaml:"state_prefix"`
}

type ObservabilityConfig struct {
	MetricsEnabled   bool   `yaml:"metrics_enabled"`
	TracingEnabled   bool   `yaml:"tracing_enabled"`
	JaegerEndpoint   string `yaml:"jaeger_endpoint"`
	ServiceName      string `yaml:"service_name"`
	ServiceVersion   string `yaml:"service_version"`
	LogLevel         string `yaml:"log_level"`
	EnableProfiling  bool   `yaml:"enable_profiling"`
	ProfilingAddress string `yaml:"profiling_address"`
}

// LoadConfig loads configuration from environment variables with defaults
func LoadConfig() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Address:         getEnv("GATEKEEPER_GATEWAY_ADDRESS", ":8080"),
			GRPCAddress:     getEnv("GATEKEEPER_GATEWAY_GRPC_ADDRESS", ":9080"),
			ReadTimeout:     getEnvDuration("GATEKEEPER_GATEWAY_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:    getEnvDuration("GATEKEEPER_GATEWAY_WRITE_TIMEOUT", 30*time.Second),
			ShutdownTimeout: getEnvDuration("GATEKEEPER_GATEWAY_SHUTDOWN_TIMEOUT", 30*time.Second),
			MaxConnections:  getEnvInt("GATEKEEPER_GATEWAY_MAX_CONNECTIONS", 10000),
			PolicySource:    getEnv("GATEKEEPER_POLICY_SOURCE", "none"),
			PolicyFile:      getEnv("GATEKEEPER_POLICY_FILE", "policies.yaml"),
		},
		Control: ControlConfig{
			Address:         getEnv("GATEKEEPER_CONTROL_ADDRESS", ":8081"),
			ReadTimeout:     getEnvDuration("GATEKEEPER_CONTROL_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:    getEnvDuration("GATEKEEPER_CONTROL_WRITE_TIMEOUT", 30*time.Second),
			ShutdownTimeout: getEnvDuration("GATEKEEPER_CONTROL_SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Limiter: LimiterConfig{
			Store:         getEnv("GATEKEEPER_STORE", "memory"),
			FailureMode:   getEnv("GATEKEEPER_FAILURE_MODE", "closed"),
			StoreTimeout:  getEnvDuration("GATEKEEPER_STORE_TIMEOUT", 250*time.Millisecond),
			SweepSchedule: getEnv("GATEKEEPER_SWEEP_SCHEDULE", "@every 30s"),
			Algorithm:     getEnv("GATEKEEPER_ALGORITHM", "token_bucket"),
			Capacity:      getEnvInt64("GATEKEEPER_CAPACITY", 100),
			RatePerSecond: getEnvFloat64("GATEKEEPER_RATE_PER_SECOND", 10),
			WindowSeconds: getEnvInt64("GATEKEEPER_WINDOW_SECONDS", 60),
			Limit:         getEnvInt64("GATEKEEPER_LIMIT", 100),
		},
		Redis: RedisConfig{
			Address:      getEnv("GATEKEEPER_REDIS_ADDRESS", "localhost:6379"),
			Password:     getEnv("GATEKEEPER_REDIS_PASSWORD", ""),
			Database:     getEnvInt("GATEKEEPER_REDIS_DATABASE", 0),
			PoolSize:     getEnvInt("GATEKEEPER_REDIS_POOL_SIZE", 100),
			MinIdleConns: getEnvInt("GATEKEEPER_REDIS_MIN_IDLE_CONNS", 10),
			MaxRetries:   getEnvInt("GATEKEEPER_REDIS_MAX_RETRIES", 3),
			DialTimeout:  getEnvDuration("GATEKEEPER_REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  getEnvDuration("GATEKEEPER_REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: getEnvDuration("GATEKEEPER_REDIS_WRITE_TIMEOUT", 3*time.Second),
		},
		Etcd: EtcdConfig{
			Endpoints:    getEnvStringSlice("GATEKEEPER_ETCD_ENDPOINTS", []string{"localhost:2379"}),
			DialTimeout:  getEnvDuration("GATEKEEPER_ETCD_DIAL_TIMEOUT", 5*time.Second),
			Username:     getEnv("GATEKEEPER_ETCD_USERNAME", ""),
			Password:     getEnv("GATEKEEPER_ETCD_PASSWORD", ""),
			PolicyPrefix: getEnv("GATEKEEPER_ETCD_POLICY_PREFIX", "/gatekeeper/policies/"),
			StatePrefix:  getEnv("GATEKEEPER_ETCD_STATE_PREFIX", "/gatekeeper/state/"),
		},
		Observability: ObservabilityConfig{
			MetricsEnabled:   getEnvBool("GATEKEEPER_METRICS_ENABLED", true),
			TracingEnabled:   getEnvBool("GATEKEEPER_TRACING_ENABLED", false),
			JaegerEndpoint:   getEnv("GATEKEEPER_JAEGER_ENDPOINT", "http://localhost:14268/api/traces"),
			ServiceName:      getEnv("GATEKEEPER_SERVICE_NAME", "gatekeeper-gateway"),
			ServiceVersion:   getEnv("GATEKEEPER_SERVICE_VERSION", "dev"),
			LogLevel:         getEnv("GATEKEEPER_LOG_LEVEL", "info"),
			EnableProfiling:  getEnvBool("GATEKEEPER_ENABLE_PROFILING", false),
			ProfilingAddress: getEnv("GATEKEEPER_PROFILING_ADDRESS", ":6060"),
		},
	}
}

// Validate checks the settings that have no sensible fallback. Limiter
// parameters are validated by the limiter itself when the policy is built.
func (c *Config) Validate() error {
	var errs []error

	switch c.Limiter.Store {
	case "memory", "redis", "etcd":
	default:
		errs = append(errs, fmt.Errorf("unknown store %q", c.Limiter.Store))
	}

	switch c.Limiter.FailureMode {
	case "open", "closed":
	default:
		errs = append(errs, fmt.Errorf("failure mode must be \"open\" or \"closed\", got %q", c.Limiter.FailureMode))
	}

	switch c.Gateway.PolicySource {
	case "none", "etcd":
	case "file":
		if c.Gateway.PolicyFile == "" {
			errs = append(errs, errors.New("policy source \"file\" requires a policy file"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown policy source %q", c.Gateway.PolicySource))
	}

	if (c.Limiter.Store == "etcd" || c.Gateway.PolicySource == "etcd") && len(c.Etcd.Endpoints) == 0 {
		errs = append(errs, errors.New("etcd endpoints are required"))
	}

	if c.Observability.TracingEnabled && c.Observability.JaegerEndpoint == "" {
		errs = append(errs, errors.New("tracing enabled without a jaeger endpoint"))
	}

	return errors.Join(errs...)
}

// Helper functions for environment variable parsing
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

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat64(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
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

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvStringSlice(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
