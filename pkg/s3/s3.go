package s3

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// Options configures the artifact mirror bucket client.
type Options struct {
	// Endpoint is host:port or a full URL of an S3-compatible service.
	// Empty means the AWS default endpoint resolution.
	Endpoint  string `yaml:"endpoint"`
	Region    string `yaml:"region"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	// DisableTLS selects http for an Endpoint given without a scheme.
	DisableTLS     bool `yaml:"disable_tls"`
	ForcePathStyle bool `yaml:"force_path_style"`
	// HTTPClient overrides the default client with a 30s timeout.
	HTTPClient *http.Client `yaml:"-"`
}

// Client mirrors downloaded artifacts into a bucket.
type Client struct {
	api     *s3.Client
	presign *s3.PresignClient
}

// New builds a Client. Static credentials are used when both keys are
// set, otherwise the default AWS credential chain applies.
func New(ctx context.Context, opts Options) (*Client, error) {
	region := strings.TrimSpace(opts.Region)
	if region == "" {
		region = "us-east-1"
	}
	if (opts.AccessKey == "") != (opts.SecretKey == "") {
		return nil, errors.New("access key and secret key must be set together")
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	loaders := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
		awsconfig.WithHTTPClient(httpClient),
	}
	if opts.AccessKey != "" {
		loaders = append(loaders, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, "")))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, loaders...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	endpoint := strings.TrimSpace(opts.Endpoint)
	if endpoint != "" && !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		scheme := "https"
		if opts.DisableTLS {
			scheme = "http"
		}
		endpoint = scheme + "://" + endpoint
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = opts.ForcePathStyle
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
	return &Client{api: client, presign: s3.NewPresignClient(client)}, nil
}

// PutObject uploads r to bucket/key with a SHA-256 checksum given as a
// hex digest.
func (c *Client) PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, sha256 string) error {
	if c == nil {
		return errors.New("nil client")
	}
	checksum, err := encodeSHA256(sha256)
	if err != nil {
		return err
	}

	_, err = c.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:            &bucket,
		Key:               &key,
		Body:              r,
		ContentLength:     &size,
		ChecksumAlgorithm: s3types.ChecksumAlgorithmSha256,
		ChecksumSHA256:    &checksum,
		Metadata: map[string]string{
			"sha256": sha256,
		},
	})
	if err != nil {
		return fmt.Errorf("put s3://%s/%s: %w", bucket, key, err)
	}
	return nil
}

// PresignGet returns a GET URL for bucket/key valid for ttl.
func (c *Client) PresignGet(ctx context.Context, bucket, key string, ttl time.Duration) (string, error) {
	if c == nil {
		return "", errors.New("nil client")
	}

	req, err := c.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: &bucket,
		Key:    &key,
	}, func(opts *s3.PresignOptions) {
		opts.Expires = ttl
	})
	if err != nil {
		return "", fmt.Errorf("presign s3://%s/%s: %w", bucket, key, err)
	}
	return req.URL, nil
}

func encodeSHA256(hexDigest string) (string, error) {
	if hexDigest == "" {
		return "", errors.New("sha256 digest required")
	}
	raw, err := hex.DecodeString(hexDigest)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}
