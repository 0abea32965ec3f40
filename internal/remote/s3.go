package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/dmitrijs2005/gophbackup/internal/common"
	"github.com/dmitrijs2005/gophbackup/internal/models"
)

var (
	loadDefaultAWSConfig = config.LoadDefaultConfig

	newS3ClientFromConfig = func(cfg aws.Config, optFns ...func(*s3.Options)) *s3.Client {
		return s3.NewFromConfig(cfg, optFns...)
	}
)

// S3API is the part of *s3.Client used by S3Store.
type S3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

type S3Config struct {
	Bucket    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
	// Prefix is prepended to every object key, e.g. "accounts/42/".
	Prefix string
	// CdnNumber is reported for every listed media object.
	CdnNumber uint32
}

// S3Store keeps backups under {prefix}backups/ and media under
// {prefix}media/ in one bucket. It works against AWS S3 and MinIO.
type S3Store struct {
	api    S3API
	bucket string
	prefix string
	cdn    uint32
}

func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := loadDefaultAWSConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("aws config: %w", err)
	}

	client := newS3ClientFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewS3StoreWithClient(client, cfg), nil
}

func NewS3StoreWithClient(api S3API, cfg S3Config) *S3Store {
	return &S3Store{api: api, bucket: cfg.Bucket, prefix: cfg.Prefix, cdn: cfg.CdnNumber}
}

func (s *S3Store) backupKey(key string) string {
	return s.prefix + "backups/" + key
}

func (s *S3Store) mediaPrefix() string {
	return s.prefix + "media/"
}

func (s *S3Store) Upload(ctx context.Context, key string, r io.Reader, size int64) error {
	_, err := s.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.backupKey(key)),
		Body:          r,
		ContentLength: aws.Int64(size),
		ContentType:   aws.String("application/octet-stream"),
	})
	if err != nil {
		return fmt.Errorf("put object: %w", err)
	}
	return nil
}

func (s *S3Store) Download(ctx context.Context, key string, offset int64) (DownloadResult, error) {
	in := &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.backupKey(key)),
	}
	if offset > 0 {
		in.Range = aws.String(rangeHeader(offset))
	}

	out, err := s.api.GetObject(ctx, in)
	if err != nil {
		switch {
		case isS3NotFound(err):
			return DownloadResult{}, fmt.Errorf("backup %q: %w", key, common.ErrNotFound)
		case offset > 0 && s3StatusCode(err) == http.StatusRequestedRangeNotSatisfiable:
			// nothing after offset: the partial file is complete
			return DownloadResult{Body: http.NoBody, Offset: offset, Total: offset, Resumed: true}, nil
		}
		return DownloadResult{}, fmt.Errorf("get object: %w", err)
	}

	res := DownloadResult{Body: out.Body, Offset: 0, Total: -1, Resumed: offset == 0}
	if out.ContentLength != nil {
		res.Total = *out.ContentLength
	}
	if out.ContentRange != nil {
		start, total, err := parseContentRange(*out.ContentRange)
		if err != nil {
			out.Body.Close()
			return DownloadResult{}, err
		}
		res.Offset, res.Total, res.Resumed = start, total, start == offset
	}
	return res, nil
}

func (s *S3Store) ListMedia(ctx context.Context, cursor string, limit int) (models.MediaPage, error) {
	in := &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.mediaPrefix()),
	}
	if cursor != "" {
		in.ContinuationToken = aws.String(cursor)
	}
	if limit > 0 {
		in.MaxKeys = aws.Int32(int32(limit))
	}

	out, err := s.api.ListObjectsV2(ctx, in)
	if err != nil {
		return models.MediaPage{}, fmt.Errorf("list objects: %w", err)
	}

	page := models.MediaPage{Objects: make([]models.MediaObject, 0, len(out.Contents))}
	for _, obj := range out.Contents {
		o := models.MediaObject{
			MediaID:   strings.TrimPrefix(aws.ToString(obj.Key), s.mediaPrefix()),
			CdnNumber: s.cdn,
			Size:      aws.ToInt64(obj.Size),
		}
		page.Objects = append(page.Objects, o)
	}
	if aws.ToBool(out.IsTruncated) {
		page.Cursor = aws.ToString(out.NextContinuationToken)
	}
	return page, nil
}

func isS3NotFound(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && (apiErr.ErrorCode() == "NoSuchKey" || apiErr.ErrorCode() == "NotFound") {
		return true
	}
	return s3StatusCode(err) == http.StatusNotFound
}

func s3StatusCode(err error) int {
	var re *awshttp.ResponseError
	if errors.As(err, &re) {
		return re.HTTPStatusCode()
	}
	return 0
}
