package config

import (
	"os"
	"strings"
)

const (
	defaultHTTPAddr       = ":8080"
	defaultMetricsAddr    = ":9092"
	defaultNATSURL        = "nats://localhost:4222"
	defaultRedisURL       = "redis://localhost:6379"
	defaultCatalogPath    = "config/packs.yaml"
	envHTTPAddr           = "PACKGRANT_HTTP_ADDR"
	envMetricsAddr        = "PACKGRANT_METRICS_ADDR"
	envNATSURL            = "NATS_URL"
	envRedisURL           = "REDIS_URL"
	envCatalogPath        = "PACKGRANT_CATALOG"
	envAttemptBackend     = "PACKGRANT_ATTEMPT_BACKEND"
	envHashBackend        = "PACKGRANT_HASH_BACKEND"
	envOSSEndpoint        = "OSS_ENDPOINT"
	envOSSBucket          = "OSS_BUCKET"
	envOSSAccessKeyID     = "OSS_ACCESS_KEY_ID"
	envOSSAccessKeySecret = "OSS_ACCESS_KEY_SECRET"
)

// Backend names accepted by PACKGRANT_ATTEMPT_BACKEND and PACKGRANT_HASH_BACKEND.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendFile   = "file"
)

// OSSCredentials locate and authenticate the object storage bucket.
type OSSCredentials struct {
	Endpoint        string
	Bucket          string
	AccessKeyID     string
	AccessKeySecret string
}

// Configured reports whether enough is set to talk to the bucket.
func (c OSSCredentials) Configured() bool {
	return c.Endpoint != "" && c.Bucket != ""
}

// Config holds process level settings. Catalog contents live in the YAML
// file at CatalogPath.
type Config struct {
	HTTPAddr       string
	MetricsAddr    string
	NatsURL        string
	RedisURL       string
	CatalogPath    string
	AttemptBackend string
	HashBackend    string
	OSS            OSSCredentials
}

// Load returns configuration using environment variables with sane defaults.
func Load() *Config {
	return &Config{
		HTTPAddr:       envOr(envHTTPAddr, defaultHTTPAddr),
		MetricsAddr:    envOr(envMetricsAddr, defaultMetricsAddr),
		NatsURL:        envOr(envNATSURL, defaultNATSURL),
		RedisURL:       envOr(envRedisURL, defaultRedisURL),
		CatalogPath:    envOr(envCatalogPath, defaultCatalogPath),
		AttemptBackend: backend(envAttemptBackend, BackendMemory, BackendMemory, BackendRedis),
		HashBackend:    backend(envHashBackend, BackendFile, BackendFile, BackendRedis),
		OSS: OSSCredentials{
			Endpoint:        strings.TrimRight(os.Getenv(envOSSEndpoint), "/"),
			Bucket:          os.Getenv(envOSSBucket),
			AccessKeyID:     os.Getenv(envOSSAccessKeyID),
			AccessKeySecret: os.Getenv(envOSSAccessKeySecret),
		},
	}
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

// backend falls back to def for unknown values.
func backend(key, def string, allowed ...string) string {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	for _, a := range allowed {
		if v == a {
			return v
		}
	}
	return def
}
