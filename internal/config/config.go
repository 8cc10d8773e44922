// Package config loads and validates service configuration from the
// environment, per the variable table in SPEC_FULL.md / spec.md §6.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Queue holds the task queue's tunables.
type Queue struct {
	MaxConcurrent  int `validate:"min=1,max=100"`
	TaskTimeoutSec int `validate:"min=30,max=3600"`
	RetryAttempts  int `validate:"min=0,max=10"`
}

// ObjectStore holds Aliyun-OSS-compatible credentials and routing. Zero
// value means "unconfigured" — the manager falls back to inline data URLs.
type ObjectStore struct {
	AccessKeyID     string
	AccessKeySecret string
	Bucket          string
	Region          string `validate:"omitempty,startswith=oss-"`
	CustomDomain    string
	PathPrefix      string
}

// Configured reports whether all three required OSS credentials are set.
func (o ObjectStore) Configured() bool {
	return o.AccessKeyID != "" && o.AccessKeySecret != "" && o.Bucket != ""
}

// Config is the fully resolved, validated service configuration.
type Config struct {
	Port        int
	NodeEnv     string
	OSS         ObjectStore
	Queue       Queue
	CleanupHour int `validate:"min=0,max=23"`
	// RetentionDays is the age (from createdAt) at which completed records
	// are evicted from the archive.
	RetentionDays      int `validate:"min=1,max=365"`
	CleanupMaxRetries  int `validate:"min=0,max=10"`
}

const (
	defaultPort                = 3000
	defaultMaxConcurrent       = 10
	defaultTaskTimeoutSec      = 300
	defaultRetryAttempts       = 3
	defaultCleanupHour         = 2
	defaultRetentionDays       = 7
	defaultCleanupMaxRetries   = 3
)

// Load reads environment variables and returns a validated Config, or an
// error enumerating every bound violation.
func Load() (*Config, error) {
	cfg := &Config{
		Port:    envInt("PORT", defaultPort),
		NodeEnv: os.Getenv("NODE_ENV"),
		Queue: Queue{
			MaxConcurrent:  envInt("QUEUE_MAX_CONCURRENT", defaultMaxConcurrent),
			TaskTimeoutSec: envInt("QUEUE_TASK_TIMEOUT", defaultTaskTimeoutSec),
			RetryAttempts:  envInt("QUEUE_RETRY_ATTEMPTS", defaultRetryAttempts),
		},
		CleanupHour:       envInt("CLEANUP_INTERVAL_HOURS", defaultCleanupHour),
		RetentionDays:     envInt("TASK_RETENTION_DAYS", defaultRetentionDays),
		CleanupMaxRetries: envInt("CLEANUP_MAX_RETRIES", defaultCleanupMaxRetries),
	}

	keyID := os.Getenv("OSS_ACCESS_KEY_ID")
	keySecret := os.Getenv("OSS_ACCESS_KEY_SECRET")
	bucket := os.Getenv("OSS_BUCKET")
	// All three are required together; otherwise treat the store as unconfigured.
	if keyID != "" && keySecret != "" && bucket != "" {
		cfg.OSS = ObjectStore{
			AccessKeyID:     keyID,
			AccessKeySecret: keySecret,
			Bucket:          bucket,
			Region:          os.Getenv("OSS_REGION"),
			CustomDomain:    os.Getenv("OSS_CUSTOM_DOMAIN"),
			PathPrefix:      normalizePrefix(os.Getenv("OSS_PATH_PREFIX")),
		}
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

var validatorInstance = validator.New()

func validate(cfg *Config) error {
	if err := validatorInstance.Struct(cfg); err != nil {
		var msgs []string
		for _, fe := range err.(validator.ValidationErrors) {
			msgs = append(msgs, fmt.Sprintf("%s fails %s", fe.Namespace(), fe.Tag()))
		}
		return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
	}
	return nil
}

func normalizePrefix(p string) string {
	if p == "" {
		return ""
	}
	if !strings.HasSuffix(p, "/") {
		p += "/"
	}
	return strings.TrimPrefix(p, "/")
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
