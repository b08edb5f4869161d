// Package config loads configuration from environment variables.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/welcomeapp/welcomeapp/internal/registry"
)

// Config holds all server configuration.
type Config struct {
	// Server
	ListenAddr   string
	MetricsAddr  string
	InstanceName string

	// Logging
	LogLevel  string
	LogFormat string

	// Database endpoints, in scan order
	Endpoints          []registry.Endpoint
	ApplicationName    string
	FailoverRetryDelay time.Duration

	// Storage backend ("local" or "s3", default: "local")
	StorageBackend    string
	LocalStoragePath  string
	LocalFallbackPath string

	// S3 storage
	S3Endpoint  string
	S3Bucket    string
	S3AccessKey string
	S3SecretKey string
	S3Region    string
	S3Prefix    string

	// Uploads
	MaxUploadSize     int64
	AllowedExtensions []string

	HealthTimeout     time.Duration
	CORSAllowedOrigin string
}

// endpointFile is the layout of ENDPOINTS_FILE.
type endpointFile struct {
	Endpoints []registry.Endpoint `yaml:"endpoints"`
}

// Load reads configuration from environment variables with defaults.
func Load() (*Config, error) {
	hostname, _ := os.Hostname()

	cfg := &Config{
		ListenAddr:         envOr("LISTEN_ADDR", ":5000"),
		MetricsAddr:        envOr("METRICS_ADDR", ":9090"),
		InstanceName:       envOr("INSTANCE_NAME", hostname),
		LogLevel:           envOr("LOG_LEVEL", "info"),
		LogFormat:          envOr("LOG_FORMAT", "json"),
		ApplicationName:    envOr("DB_APPLICATION_NAME", "welcome_app"),
		FailoverRetryDelay: envDuration("FAILOVER_RETRY_DELAY", 500*time.Millisecond),
		StorageBackend:     envOr("STORAGE_BACKEND", "local"),
		LocalStoragePath:   envOr("LOCAL_STORAGE_PATH", "/mnt/shared/images"),
		LocalFallbackPath:  envOr("LOCAL_FALLBACK_PATH", "./uploads"),
		S3Endpoint:         envOr("S3_ENDPOINT", ""),
		S3Bucket:           envOr("S3_BUCKET", "welcomeapp"),
		S3AccessKey:        envOr("S3_ACCESS_KEY", ""),
		S3SecretKey:        envOr("S3_SECRET_KEY", ""),
		S3Region:           envOr("S3_REGION", "us-east-1"),
		S3Prefix:           envOr("S3_PREFIX", ""),
		MaxUploadSize:      envInt64("MAX_UPLOAD_SIZE", 5*1024*1024), // 5MB default
		AllowedExtensions:  envList("ALLOWED_EXTENSIONS", []string{"png", "jpg", "jpeg", "gif", "webp"}),
		HealthTimeout:      envDuration("HEALTH_TIMEOUT", 2*time.Second),
		CORSAllowedOrigin:  envOr("CORS_ALLOWED_ORIGIN", "*"),
	}

	endpoints, err := loadEndpoints()
	if err != nil {
		return nil, err
	}
	cfg.Endpoints = endpoints

	if len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("at least one database endpoint is required")
	}
	switch cfg.StorageBackend {
	case "local", "s3":
	default:
		return nil, fmt.Errorf("STORAGE_BACKEND must be local or s3, got %q", cfg.StorageBackend)
	}
	if cfg.MaxUploadSize <= 0 {
		return nil, fmt.Errorf("MAX_UPLOAD_SIZE must be positive")
	}

	return cfg, nil
}

// loadEndpoints reads ENDPOINTS_FILE when set, DB_ENDPOINTS otherwise. The
// shared DB_* settings fill fields an entry leaves empty.
func loadEndpoints() ([]registry.Endpoint, error) {
	defaults := registry.Endpoint{
		Port:           envInt("DB_PORT", 5432),
		Database:       envOr("DB_NAME", "welcome_app"),
		User:           envOr("DB_USER", "postgres"),
		Password:       os.Getenv("DB_PASSWORD"),
		SSLMode:        envOr("DB_SSLMODE", "disable"),
		ConnectTimeout: envDuration("DB_CONNECT_TIMEOUT", registry.DefaultConnectTimeout),
	}

	var eps []registry.Endpoint
	if path := os.Getenv("ENDPOINTS_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read endpoints file: %w", err)
		}
		var f endpointFile
		if err := yaml.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("parse endpoints file %s: %w", path, err)
		}
		eps = f.Endpoints
	} else {
		var err error
		eps, err = ParseEndpoints(envOr("DB_ENDPOINTS", "192.168.104.31:5432,192.168.104.32:5432"))
		if err != nil {
			return nil, err
		}
	}

	for i := range eps {
		fillDefaults(&eps[i], defaults)
	}
	return eps, nil
}

func fillDefaults(ep *registry.Endpoint, d registry.Endpoint) {
	if ep.Port == 0 {
		ep.Port = d.Port
	}
	if ep.Database == "" {
		ep.Database = d.Database
	}
	if ep.User == "" {
		ep.User = d.User
	}
	if ep.Password == "" {
		ep.Password = d.Password
	}
	if ep.SSLMode == "" {
		ep.SSLMode = d.SSLMode
	}
	if ep.ConnectTimeout == 0 {
		ep.ConnectTimeout = d.ConnectTimeout
	}
}

// ParseEndpoints parses a comma-separated "host[:port]" list. IPv6 hosts
// must be bracketed, as in "[::1]:5432". Missing ports are left zero.
func ParseEndpoints(s string) ([]registry.Endpoint, error) {
	var eps []registry.Endpoint
	for _, item := range strings.Split(s, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		ep, err := parseEndpoint(item)
		if err != nil {
			return nil, fmt.Errorf("endpoint %q: %w", item, err)
		}
		eps = append(eps, ep)
	}
	return eps, nil
}

func parseEndpoint(item string) (registry.Endpoint, error) {
	host, portStr := item, ""
	switch {
	case strings.HasPrefix(item, "[") && strings.HasSuffix(item, "]"):
		host = item[1 : len(item)-1]
	case strings.HasPrefix(item, "[") || strings.Count(item, ":") == 1:
		var err error
		if host, portStr, err = net.SplitHostPort(item); err != nil {
			return registry.Endpoint{}, err
		}
	case strings.Contains(item, ":"):
		return registry.Endpoint{}, fmt.Errorf("IPv6 address must be bracketed")
	}
	if host == "" {
		return registry.Endpoint{}, fmt.Errorf("missing host")
	}

	ep := registry.Endpoint{Host: host}
	if portStr != "" {
		port, err := strconv.Atoi(portStr)
		if err != nil || port < 1 || port > 65535 {
			return registry.Endpoint{}, fmt.Errorf("invalid port %q", portStr)
		}
		ep.Port = port
	}
	return ep, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func envInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return i
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func envList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
