// Package objectstore adapts the task queue's upload/delete/connectivity
// needs to an Aliyun-OSS object store reached through its S3-compatible
// API surface, shielding callers from transient failures with retries and
// a circuit breaker.
package objectstore

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/sony/gobreaker"

	"github.com/rambocode/echarts-server/internal/logging"
)

// Config configures the adapter. Region must begin with "oss-" per the
// Aliyun convention; CustomDomain overrides the derived public host.
type Config struct {
	AccessKeyID     string
	AccessKeySecret string
	Bucket          string
	Region          string
	CustomDomain    string
	PathPrefix      string

	MaxRetries int           // default 3
	RetryDelay time.Duration // default 1s, linear: RetryDelay * attempt
}

// Adapter is the object-store contract the task manager depends on.
type Adapter interface {
	GenerateAndUpload(ctx context.Context, taskID string, buf []byte, contentType, ext string) (url, fileName string, err error)
	Delete(ctx context.Context, fileName string) error
	TestConnection(ctx context.Context) bool
	PublicURL(fileName string) string
}

// Client is the production Adapter, backed by an S3-compatible client
// talking to Aliyun OSS and a go-retryablehttp client for plain
// connectivity probes.
type Client struct {
	cfg        Config
	s3         *s3.Client
	probe      *retryablehttp.Client
	breaker    *gobreaker.CircuitBreaker
	pathPrefix string
}

// New builds a Client from cfg, resolving the OSS endpoint from region or
// custom domain and wiring AWS SDK v2 static credentials against it.
func New(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}

	endpoint := fmt.Sprintf("https://%s.%s.aliyuncs.com", cfg.Bucket, cfg.Region)
	if cfg.CustomDomain != "" {
		endpoint = "https://" + cfg.CustomDomain
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(ossRegionToAWSRegion(cfg.Region)),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.AccessKeySecret, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("objectstore: load aws config: %w", err)
	}

	s3Client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = &endpoint
		o.UsePathStyle = false
	})

	probe := retryablehttp.NewClient()
	probe.Logger = nil
	probe.RetryMax = cfg.MaxRetries

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "objectstore",
		MaxRequests: 1,
		Interval:    0,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})

	return &Client{
		cfg:        cfg,
		s3:         s3Client,
		probe:      probe,
		breaker:    breaker,
		pathPrefix: normalizePrefix(cfg.PathPrefix),
	}, nil
}

// GenerateFileName yields {taskId}_{millis}_{short-random}.{ext}, guaranteed
// unique across calls by construction (timestamp + random suffix).
func GenerateFileName(taskID, ext string) string {
	buf := make([]byte, 3)
	_, _ = rand.Read(buf)
	return fmt.Sprintf("%s_%d_%s.%s", taskID, time.Now().UnixMilli(), hex.EncodeToString(buf), ext)
}

// GenerateAndUpload generates a unique stored filename and uploads buf
// under it, retrying transient failures with linear backoff and tripping
// the circuit breaker after repeated consecutive failures.
func (c *Client) GenerateAndUpload(ctx context.Context, taskID string, buf []byte, contentType, ext string) (string, string, error) {
	fileName := GenerateFileName(taskID, ext)
	key := c.pathPrefix + fileName

	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.retry(ctx, "upload", func() error {
			_, err := c.s3.PutObject(ctx, &s3.PutObjectInput{
				Bucket:      &c.cfg.Bucket,
				Key:         &key,
				Body:        bytes.NewReader(buf),
				ContentType: &contentType,
			})
			return err
		}, nil)
	})
	if err != nil {
		return "", "", fmt.Errorf("objectstore: upload failed after %d attempts: %w", c.cfg.MaxRetries+1, err)
	}

	return c.PublicURL(fileName), fileName, nil
}

// Delete removes fileName from the store. A "not found" condition is
// treated as success (idempotent delete).
func (c *Client) Delete(ctx context.Context, fileName string) error {
	key := c.pathPrefix + fileName
	skipRetry := func(err error) bool { return isNotFound(err) }

	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.retry(ctx, "delete", func() error {
			_, err := c.s3.DeleteObject(ctx, &s3.DeleteObjectInput{
				Bucket: &c.cfg.Bucket,
				Key:    &key,
			})
			if isNotFound(err) {
				return nil
			}
			return err
		}, skipRetry)
	})
	if err != nil {
		return fmt.Errorf("objectstore: delete failed after %d attempts: %w", c.cfg.MaxRetries+1, err)
	}
	return nil
}

// TestConnection issues a bounded HEAD probe against the bucket's public
// endpoint, independent of the S3 SDK's own retry logic.
func (c *Client) TestConnection(ctx context.Context) bool {
	req, err := retryablehttp.NewRequestWithContext(ctx, "HEAD", c.PublicURL(""), nil)
	if err != nil {
		return false
	}
	resp, err := c.probe.Do(req)
	if err != nil {
		logging.Log.Warn().Err(err).Msg("objectstore connectivity probe failed")
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode < 500
}

// PublicURL returns the externally reachable URL for a stored file name.
// If CustomDomain is configured, it overrides the default
// bucket.region.aliyuncs.com host. The configured path prefix is always
// prepended, with one leading slash stripped and a trailing slash added
// when missing.
func (c *Client) PublicURL(fileName string) string {
	host := fmt.Sprintf("%s.%s.aliyuncs.com", c.cfg.Bucket, c.cfg.Region)
	if c.cfg.CustomDomain != "" {
		host = c.cfg.CustomDomain
	}
	return fmt.Sprintf("https://%s/%s%s", host, c.pathPrefix, fileName)
}

// retry runs op up to cfg.MaxRetries+1 times total, waiting
// RetryDelay*attempt between attempts. If skip is non-nil and returns true
// for the last error, retrying stops immediately and that error is
// returned as success-equivalent (nil).
func (c *Client) retry(ctx context.Context, op string, fn func() error, skip func(error) bool) error {
	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxRetries+1; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if skip != nil && skip(lastErr) {
			return nil
		}
		if attempt <= c.cfg.MaxRetries {
			logging.Log.Warn().Err(lastErr).Str("op", op).Int("attempt", attempt).Msg("objectstore operation failed, retrying")
			select {
			case <-time.After(c.cfg.RetryDelay * time.Duration(attempt)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return fmt.Errorf("%s: %w", op, lastErr)
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "not found") ||
		strings.Contains(strings.ToLower(err.Error()), "nosuchkey") ||
		strings.Contains(strings.ToLower(err.Error()), "statuscode: 404")
}

func normalizePrefix(p string) string {
	if p == "" {
		return ""
	}
	p = strings.TrimPrefix(p, "/")
	if !strings.HasSuffix(p, "/") {
		p += "/"
	}
	return p
}

// ossRegionToAWSRegion passes the Aliyun region straight through; the AWS
// SDK only uses it for request signing scope, not for endpoint resolution
// (BaseEndpoint overrides that), so any syntactically valid region string
// works here.
func ossRegionToAWSRegion(region string) string {
	if region == "" {
		return "oss-cn-hangzhou"
	}
	return region
}
