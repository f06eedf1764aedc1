package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
)

const (
	BackendS3   = "s3"
	BackendBolt = "bolt"

	DefaultChunkSize      = 512 * 1024
	DefaultChunkThreshold = 500 * 1024
	DefaultSessionTTL     = 2 * time.Hour
	DefaultJobTTL         = 24 * time.Hour
)

type AWSConfig struct {
	Region   string
	Endpoint string // localstack and friends
}

func (c *AWSConfig) Validate() error {
	if c.Region == "" {
		return errors.New("AWS_REGION is required")
	}
	return nil
}

type RedisConfig struct {
	URL string
	// sessions and jobs still live in redis; only the read cache is skipped
	CacheDisabled bool
}

type DocumentsConfig struct {
	Backend    string
	BucketName string
	TableName  string
	BoltPath   string
}

type ServiceConfig struct {
	HTTPAddr            string
	HealthGRPCAddr      string
	CompletionsQueueURL string
}

type TransferConfig struct {
	ChunkSize      int
	ChunkThreshold int
	SessionTTL     time.Duration
	JobTTL         time.Duration
}

type Config struct {
	Env         string
	Tracing     bool
	TracingAddr string

	*AWSConfig
	*RedisConfig
	*DocumentsConfig
	*ServiceConfig
	*TransferConfig
}

// LoadConfig reads the environment and lets command line flags in args
// override individual values.
func LoadConfig(args []string) (Config, error) {
	cfg := Config{
		AWSConfig:       &AWSConfig{},
		RedisConfig:     &RedisConfig{},
		DocumentsConfig: &DocumentsConfig{},
		ServiceConfig:   &ServiceConfig{},
		TransferConfig:  &TransferConfig{},
	}

	fs := pflag.NewFlagSet("routes", pflag.ContinueOnError)
	fs.StringVar(&cfg.Env, "env", getEnv("ENV", "development"), "runtime environment")
	fs.BoolVar(&cfg.Tracing, "tracing", getEnvBool("TRACING", false), "export traces over OTLP")
	fs.StringVar(&cfg.TracingAddr, "tracing-addr", getEnv("TRACING_ADDR", "localhost:4317"), "OTLP collector address")

	fs.StringVar(&cfg.AWSConfig.Region, "aws-region", getEnv("AWS_REGION", "us-east-1"), "AWS region")
	fs.StringVar(&cfg.AWSConfig.Endpoint, "aws-endpoint", getEnv("AWS_ENDPOINT", ""), "override AWS endpoint")

	fs.StringVar(&cfg.RedisConfig.URL, "redis-url", getEnv("REDIS_URL", "redis://localhost:6379/0"), "redis connection string")
	fs.BoolVar(&cfg.RedisConfig.CacheDisabled, "cache-disabled", getEnvBool("CACHE_DISABLED", false), "serve reads straight from the backing store")

	fs.StringVar(&cfg.DocumentsConfig.Backend, "documents-backend", getEnv("DOCUMENTS_BACKEND", BackendS3), "backing store: s3 or bolt")
	fs.StringVar(&cfg.DocumentsConfig.BucketName, "documents-bucket", getEnv("DOCUMENTS_BUCKET", "routes"), "S3 bucket for document bodies")
	fs.StringVar(&cfg.DocumentsConfig.TableName, "documents-table", getEnv("DOCUMENTS_TABLE", "routes"), "DynamoDB table for the document index")
	fs.StringVar(&cfg.DocumentsConfig.BoltPath, "bolt-path", getEnv("BOLT_PATH", "routes.db"), "bolt database file")

	fs.StringVar(&cfg.ServiceConfig.HTTPAddr, "http-addr", getEnv("HTTP_ADDR", ":8080"), "HTTP listen address")
	fs.StringVar(&cfg.ServiceConfig.HealthGRPCAddr, "health-grpc-addr", getEnv("HEALTH_GRPC_ADDR", ":9090"), "gRPC health listen address")
	fs.StringVar(&cfg.ServiceConfig.CompletionsQueueURL, "completions-queue-url", getEnv("COMPLETIONS_QUEUE_URL", ""), "SQS queue for async completions, in-process when empty")

	fs.IntVar(&cfg.TransferConfig.ChunkSize, "chunk-size", getEnvInt("CHUNK_SIZE", DefaultChunkSize), "chunk size in bytes")
	fs.IntVar(&cfg.TransferConfig.ChunkThreshold, "chunk-threshold", getEnvInt("CHUNK_THRESHOLD", DefaultChunkThreshold), "payloads above this many bytes are chunked")
	fs.DurationVar(&cfg.TransferConfig.SessionTTL, "session-ttl", getEnvDuration("SESSION_TTL", DefaultSessionTTL), "lifetime of an upload session")
	fs.DurationVar(&cfg.TransferConfig.JobTTL, "job-ttl", getEnvDuration("JOB_TTL", DefaultJobTTL), "job retention window")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	var errs []error

	switch c.DocumentsConfig.Backend {
	case BackendS3:
		if err := c.AWSConfig.Validate(); err != nil {
			errs = append(errs, err)
		}
		if c.DocumentsConfig.BucketName == "" || c.DocumentsConfig.TableName == "" {
			errs = append(errs, errors.New("DOCUMENTS_BUCKET and DOCUMENTS_TABLE are required for the s3 backend"))
		}
	case BackendBolt:
		if c.DocumentsConfig.BoltPath == "" {
			errs = append(errs, errors.New("BOLT_PATH is required for the bolt backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown documents backend %q", c.DocumentsConfig.Backend))
	}

	if c.TransferConfig.ChunkSize <= 0 {
		errs = append(errs, errors.New("CHUNK_SIZE must be positive"))
	}
	if c.TransferConfig.ChunkThreshold <= 0 {
		errs = append(errs, errors.New("CHUNK_THRESHOLD must be positive"))
	}
	if c.TransferConfig.SessionTTL <= 0 || c.TransferConfig.JobTTL <= 0 {
		errs = append(errs, errors.New("SESSION_TTL and JOB_TTL must be positive"))
	}

	return errors.Join(errs...)
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v, err := strconv.Atoi(getEnv(key, ""))
	if err != nil {
		return fallback
	}
	return v
}

func getEnvBool(key string, fallback bool) bool {
	v, err := strconv.ParseBool(getEnv(key, ""))
	if err != nil {
		return fallback
	}
	return v
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v, err := time.ParseDuration(getEnv(key, ""))
	if err != nil {
		return fallback
	}
	return v
}
