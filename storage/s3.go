package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/ruteri/esp-provisioning-station/interfaces"
)

// s3Config is the parsed form of s3://[ACCESS_KEY:SECRET_KEY@]bucket/prefix?region=..&endpoint=..
type s3Config struct {
	bucket    string
	prefix    string
	region    string
	endpoint  string
	accessKey string
	secretKey string
}

func (c s3Config) locationURI() string {
	uri := fmt.Sprintf("s3://%s/%s?region=%s", c.bucket, c.prefix, c.region)
	if c.accessKey != "" {
		uri = fmt.Sprintf("s3://%s:***@%s/%s?region=%s", c.accessKey, c.bucket, c.prefix, c.region)
	}
	if c.endpoint != "" {
		uri += fmt.Sprintf("&endpoint=%s", c.endpoint)
	}
	return uri
}

func s3ConfigFromURL(u *url.URL, log *slog.Logger) (s3Config, error) {
	if u.Host == "" {
		return s3Config{}, fmt.Errorf("%w: missing bucket in %s", interfaces.ErrInvalidLocationURI, u.Redacted())
	}

	query := u.Query()
	cfg := s3Config{
		bucket:   u.Host,
		prefix:   strings.TrimPrefix(u.Path, "/"),
		region:   query.Get("region"),
		endpoint: query.Get("endpoint"),
	}
	if cfg.region == "" {
		cfg.region = "us-east-1"
	}

	if u.User != nil {
		cfg.accessKey = u.User.Username()
		cfg.secretKey, _ = u.User.Password()
		log.Debug("Using embedded S3 credentials")
	} else {
		log.Debug("No S3 credentials in URI, using the default AWS credential chain")
	}
	return cfg, nil
}

func newS3Client(cfg s3Config) (*s3.S3, error) {
	awsCfg := aws.Config{
		Region: aws.String(cfg.region),
	}
	if cfg.endpoint != "" {
		awsCfg.Endpoint = aws.String(cfg.endpoint)
		awsCfg.S3ForcePathStyle = aws.Bool(true)
	}
	if cfg.accessKey != "" && cfg.secretKey != "" {
		awsCfg.Credentials = credentials.NewStaticCredentials(cfg.accessKey, cfg.secretKey, "")
	}

	sess, err := session.NewSession(&awsCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}
	return s3.New(sess), nil
}

func isNoSuchKey(err error) bool {
	var aerr awserr.Error
	if errors.As(err, &aerr) {
		return aerr.Code() == s3.ErrCodeNoSuchKey || aerr.Code() == "NotFound"
	}
	return false
}

// S3Token stores a token as a single S3 object.
type S3Token struct {
	client *s3.S3
	cfg    s3Config
	log    *slog.Logger
}

// NewS3Token creates a token store for the object named by the URI path.
func NewS3Token(cfg s3Config, log *slog.Logger) (*S3Token, error) {
	if cfg.prefix == "" {
		return nil, fmt.Errorf("%w: missing object key", interfaces.ErrInvalidLocationURI)
	}
	client, err := newS3Client(cfg)
	if err != nil {
		return nil, err
	}
	return &S3Token{client: client, cfg: cfg, log: log}, nil
}

// Load downloads the token object.
func (t *S3Token) Load(ctx context.Context) ([]byte, error) {
	start := time.Now()
	result, err := t.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(t.cfg.bucket),
		Key:    aws.String(t.cfg.prefix),
	})
	if err != nil {
		if isNoSuchKey(err) {
			return nil, fmt.Errorf("%w: %s", interfaces.ErrContentNotFound, t.LocationURI())
		}
		return nil, fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read object body: %w", err)
	}

	t.log.Debug("Loaded token from S3",
		slog.String("bucket", t.cfg.bucket),
		slog.String("key", t.cfg.prefix),
		slog.Duration("duration", time.Since(start)))
	return data, nil
}

// Save overwrites the token object.
func (t *S3Token) Save(ctx context.Context, data []byte) error {
	_, err := t.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(t.cfg.bucket),
		Key:         aws.String(t.cfg.prefix),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("text/plain"),
	})
	if err != nil {
		return fmt.Errorf("failed to put object to S3: %w", err)
	}
	return nil
}

func (t *S3Token) LocationURI() string {
	return t.cfg.locationURI()
}

// S3Backend implements a record store using Amazon S3 or compatible services.
type S3Backend struct {
	client *s3.S3
	cfg    s3Config
	log    *slog.Logger
}

// NewS3Backend creates a record store under the bucket prefix.
func NewS3Backend(cfg s3Config, log *slog.Logger) (*S3Backend, error) {
	cfg.prefix = strings.TrimSuffix(cfg.prefix, "/")
	client, err := newS3Client(cfg)
	if err != nil {
		return nil, err
	}
	return &S3Backend{client: client, cfg: cfg, log: log}, nil
}

// Fetch retrieves a record by its content identifier.
func (b *S3Backend) Fetch(ctx context.Context, id interfaces.ContentID) ([]byte, error) {
	start := time.Now()
	key := b.getObjectKey(id)

	result, err := b.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.cfg.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNoSuchKey(err) {
			return nil, interfaces.ErrContentNotFound
		}
		b.log.Error("Failed to get object from S3",
			slog.String("bucket", b.cfg.bucket),
			slog.String("key", key),
			"err", err,
			slog.Duration("duration", time.Since(start)))
		return nil, fmt.Errorf("failed to get object from S3: %w", err)
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read object body: %w", err)
	}
	return data, nil
}

// Store uploads a record keyed by its content hash.
func (b *S3Backend) Store(ctx context.Context, data []byte) (interfaces.ContentID, error) {
	start := time.Now()
	id := interfaces.ComputeID(data)
	key := b.getObjectKey(id)

	_, err := b.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(b.cfg.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		b.log.Error("Failed to put object to S3",
			slog.String("bucket", b.cfg.bucket),
			slog.String("key", key),
			"err", err,
			slog.Duration("duration", time.Since(start)))
		return id, fmt.Errorf("failed to put object to S3: %w", err)
	}

	b.log.Debug("Stored record in S3",
		slog.String("content_id", id.String()),
		slog.String("bucket", b.cfg.bucket),
		slog.String("key", key),
		slog.Duration("duration", time.Since(start)))
	return id, nil
}

// Available checks that the bucket is reachable.
func (b *S3Backend) Available(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := b.client.HeadBucketWithContext(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(b.cfg.bucket),
	})
	if err != nil {
		b.log.Debug("S3 backend unavailable", slog.String("bucket", b.cfg.bucket), "err", err)
		return false
	}
	return true
}

func (b *S3Backend) Name() string {
	return fmt.Sprintf("s3-%s", b.cfg.bucket)
}

func (b *S3Backend) LocationURI() string {
	return b.cfg.locationURI()
}

func (b *S3Backend) getObjectKey(id interfaces.ContentID) string {
	return path.Join(b.cfg.prefix, id.String()+".json")
}
