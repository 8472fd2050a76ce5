package source

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"taxi-duration/db/clickhouse"
	"taxi-duration/decision/frame"
	"taxi-duration/pkg/config"
	"taxi-duration/pkg/period"
	"taxi-duration/pkg/platform"
)

// =============================================================================
// S3
// =============================================================================

// ObjectGetter is the subset of the S3 client used here.
type ObjectGetter interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Source reads s3://bucket/key objects. The client is created lazily from
// the default AWS credential chain.
type S3Source struct {
	Region string

	once   sync.Once
	client ObjectGetter
	err    error
}

func NewS3Source(region string) *S3Source {
	return &S3Source{Region: region}
}

// NewS3SourceWithClient uses an existing client.
func NewS3SourceWithClient(client ObjectGetter) *S3Source {
	s := &S3Source{client: client}
	s.once.Do(func() {})
	return s
}

func (s *S3Source) getClient(ctx context.Context) (ObjectGetter, error) {
	s.once.Do(func() {
		var opts []func(*awsconfig.LoadOptions) error
		if s.Region != "" {
			opts = append(opts, awsconfig.WithRegion(s.Region))
		}
		cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			s.err = fmt.Errorf("load AWS config: %w", err)
			return
		}
		s.client = s3.NewFromConfig(cfg)
	})
	return s.client, s.err
}

// ParseS3Location splits s3://bucket/key.
func ParseS3Location(location string) (bucket, key string, err error) {
	u, err := url.Parse(location)
	if err != nil {
		return "", "", err
	}
	if u.Scheme != "s3" || u.Host == "" {
		return "", "", fmt.Errorf("invalid S3 location %q", location)
	}
	key = strings.TrimPrefix(u.Path, "/")
	if key == "" {
		return "", "", fmt.Errorf("S3 location %q has no object key", location)
	}
	return u.Host, key, nil
}

func (s *S3Source) Load(ctx context.Context, location string) (*frame.Frame, error) {
	bucket, key, err := ParseS3Location(location)
	if err != nil {
		return nil, err
	}
	format, err := DetectFormat(key)
	if err != nil {
		return nil, err
	}
	client, err := s.getClient(ctx)
	if err != nil {
		return nil, err
	}
	out, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("get s3://%s/%s: %w", bucket, key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("read s3://%s/%s: %w", bucket, key, err)
	}
	return Decode(format, data)
}

// =============================================================================
// CLICKHOUSE
// =============================================================================

// ClickHouseSource queries one month of a trips table.
//
// Location form: clickhouse://[user:pass@]host[:port]/database?table=NAME&period=YYYY-MM
// Credentials missing from the URL come from the config document, then from
// CLICKHOUSE_USER / CLICKHOUSE_PASSWORD.
type ClickHouseSource struct {
	Defaults     config.ClickHouseConfig
	PickupColumn string

	open func(*clickhouse.Config) (monthLoader, error)
}

type monthLoader interface {
	LoadMonth(ctx context.Context, q clickhouse.MonthQuery) (*frame.Frame, error)
	Close() error
}

func NewClickHouseSource(defaults config.ClickHouseConfig, pickupColumn string) *ClickHouseSource {
	return &ClickHouseSource{
		Defaults:     defaults,
		PickupColumn: pickupColumn,
		open: func(c *clickhouse.Config) (monthLoader, error) {
			return clickhouse.NewStore(c)
		},
	}
}

// ParseClickHouseLocation resolves the store config and month query of a location.
func (s *ClickHouseSource) ParseClickHouseLocation(location string) (*clickhouse.Config, clickhouse.MonthQuery, error) {
	var q clickhouse.MonthQuery
	u, err := url.Parse(location)
	if err != nil {
		return nil, q, err
	}

	cfg := clickhouse.DefaultConfig()
	cfg.Host = u.Hostname()
	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return nil, q, fmt.Errorf("invalid ClickHouse port %q", p)
		}
		cfg.Port = port
	}
	cfg.Username = platform.GetEnv("CLICKHOUSE_USER", cfg.Username)
	cfg.Password = platform.GetEnv("CLICKHOUSE_PASSWORD", cfg.Password)
	if s.Defaults.Username != "" {
		cfg.Username = s.Defaults.Username
	}
	if s.Defaults.Password != "" {
		cfg.Password = s.Defaults.Password
	}
	if s.Defaults.Database != "" {
		cfg.Database = s.Defaults.Database
	}
	if u.User != nil {
		cfg.Username = u.User.Username()
		if pw, ok := u.User.Password(); ok {
			cfg.Password = pw
		}
	}
	if db := strings.Trim(u.Path, "/"); db != "" {
		cfg.Database = db
	}

	params := u.Query()
	q.Table = params.Get("table")
	if q.Table == "" {
		return nil, q, fmt.Errorf("ClickHouse location %q has no table parameter", location)
	}
	q.PickupColumn = s.PickupColumn
	if c := params.Get("pickup_column"); c != "" {
		q.PickupColumn = c
	}

	label := params.Get("period")
	var y, m int
	if _, err := fmt.Sscanf(label, "%d-%d", &y, &m); err != nil {
		return nil, q, fmt.Errorf("ClickHouse location %q needs period=YYYY-MM", location)
	}
	p, err := period.New(y, m)
	if err != nil {
		return nil, q, err
	}
	q.Year, q.Month = p.Year, p.Month
	return cfg, q, nil
}

func (s *ClickHouseSource) Load(ctx context.Context, location string) (*frame.Frame, error) {
	cfg, q, err := s.ParseClickHouseLocation(location)
	if err != nil {
		return nil, err
	}
	store, err := s.open(cfg)
	if err != nil {
		return nil, err
	}
	defer store.Close()
	return store.LoadMonth(ctx, q)
}
