// Package s3 stores keyvalue buckets as objects in one S3 bucket. Each
// identifier owns the object prefix "<prefix>/<escaped identifier>/", or
// "<escaped identifier>/" when no prefix is configured.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"bucketd/internal/keyvalue"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

const backendName = "s3"

// maxListKeys is the most keys one ListObjectsV2 call returns.
const maxListKeys = 1000

// API is the subset of *awss3.Client used by this package.
type API interface {
	GetObject(ctx context.Context, params *awss3.GetObjectInput, optFns ...func(*awss3.Options)) (*awss3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *awss3.PutObjectInput, optFns ...func(*awss3.Options)) (*awss3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *awss3.DeleteObjectInput, optFns ...func(*awss3.Options)) (*awss3.DeleteObjectOutput, error)
	HeadObject(ctx context.Context, params *awss3.HeadObjectInput, optFns ...func(*awss3.Options)) (*awss3.HeadObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *awss3.ListObjectsV2Input, optFns ...func(*awss3.Options)) (*awss3.ListObjectsV2Output, error)
}

// Args are the arguments for creating a Store.
type Args struct {
	Bucket    string // Required. The S3 bucket holding every keyvalue bucket.
	Prefix    string // Optional. Prepended to every object key, joined with "/".
	Region    string // Optional. Overrides the region from the environment.
	Endpoint  string // Optional. Custom endpoint, e.g. a MinIO server.
	PathStyle bool   // Optional. Use path-style addressing.
	AccessKey string // Optional. Static credentials; otherwise the default chain.
	SecretKey string
	PageSize  int // Capped at 1000, the ListObjectsV2 maximum.
	Client    API // Optional. When set, the fields above used to build a client are ignored.
}

// Store hands out Bucket handles that share one S3 client.
type Store struct {
	client   API
	bucket   string
	prefix   string
	pageSize int
}

// New builds a Store, loading AWS configuration from the environment when
// no Client is supplied.
func New(ctx context.Context, args Args) (*Store, error) {
	if args.Bucket == "" {
		return nil, fmt.Errorf("s3: bucket is required")
	}
	if args.Client == nil {
		var opts []func(*config.LoadOptions) error
		if args.Region != "" {
			opts = append(opts, config.WithRegion(args.Region))
		}
		if args.AccessKey != "" {
			opts = append(opts, config.WithCredentialsProvider(
				credentials.NewStaticCredentialsProvider(args.AccessKey, args.SecretKey, "")))
		}
		cfg, err := config.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("loading aws config: %w", err)
		}
		args.Client = awss3.NewFromConfig(cfg, func(o *awss3.Options) {
			o.UsePathStyle = args.PathStyle
			if args.Endpoint != "" {
				o.EndpointResolver = awss3.EndpointResolverFromURL(args.Endpoint)
			}
		})
	}
	prefix := strings.Trim(args.Prefix, "/")
	if prefix != "" {
		prefix += "/"
	}
	pageSize := keyvalue.PageSize(args.PageSize)
	if pageSize > maxListKeys {
		pageSize = maxListKeys
	}
	return &Store{
		client:   args.Client,
		bucket:   args.Bucket,
		prefix:   prefix,
		pageSize: pageSize,
	}, nil
}

// Bucket returns a handle for identifier.
func (s *Store) Bucket(identifier string) *Bucket {
	return &Bucket{store: s, prefix: s.prefix + url.PathEscape(identifier) + "/"}
}

// Bucket implements keyvalue.Bucket with one object per key.
type Bucket struct {
	store  *Store
	prefix string
}

func (b *Bucket) objectKey(key string) *string {
	return aws.String(b.prefix + key)
}

func (b *Bucket) Get(ctx context.Context, key string) ([]byte, bool, error) {
	out, err := b.store.client.GetObject(ctx, &awss3.GetObjectInput{
		Bucket: aws.String(b.store.bucket),
		Key:    b.objectKey(key),
	})
	if isNotFound(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, keyvalue.Otherf("s3 get %q: %v", key, err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, false, keyvalue.Otherf("s3 read %q: %v", key, err)
	}
	return data, true, nil
}

func (b *Bucket) Set(ctx context.Context, key string, value []byte) error {
	_, err := b.store.client.PutObject(ctx, &awss3.PutObjectInput{
		Bucket: aws.String(b.store.bucket),
		Key:    b.objectKey(key),
		Body:   bytes.NewReader(value),
	})
	if err != nil {
		return keyvalue.Otherf("s3 put %q: %v", key, err)
	}
	return nil
}

// Delete relies on S3 treating deletion of a missing object as success.
func (b *Bucket) Delete(ctx context.Context, key string) error {
	_, err := b.store.client.DeleteObject(ctx, &awss3.DeleteObjectInput{
		Bucket: aws.String(b.store.bucket),
		Key:    b.objectKey(key),
	})
	if err != nil && !isNotFound(err) {
		return keyvalue.Otherf("s3 delete %q: %v", key, err)
	}
	return nil
}

func (b *Bucket) Exists(ctx context.Context, key string) (bool, error) {
	_, err := b.store.client.HeadObject(ctx, &awss3.HeadObjectInput{
		Bucket: aws.String(b.store.bucket),
		Key:    b.objectKey(key),
	})
	if isNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, keyvalue.Otherf("s3 head %q: %v", key, err)
	}
	return true, nil
}

// ListKeys issues one ListObjectsV2 call and wraps its continuation token.
func (b *Bucket) ListKeys(ctx context.Context, cursor string) (keyvalue.KeyResponse, error) {
	c, err := keyvalue.DecodeCursor(backendName, cursor)
	if err != nil {
		return keyvalue.KeyResponse{}, err
	}
	in := &awss3.ListObjectsV2Input{
		Bucket:  aws.String(b.store.bucket),
		Prefix:  aws.String(b.prefix),
		MaxKeys: int32(b.store.pageSize),
	}
	if c.Token != "" {
		in.ContinuationToken = aws.String(c.Token)
	}
	out, err := b.store.client.ListObjectsV2(ctx, in)
	if err != nil {
		return keyvalue.KeyResponse{}, keyvalue.Otherf("s3 list: %v", err)
	}

	resp := keyvalue.KeyResponse{Keys: make([]string, 0, len(out.Contents))}
	for _, obj := range out.Contents {
		resp.Keys = append(resp.Keys, strings.TrimPrefix(aws.ToString(obj.Key), b.prefix))
	}
	if out.IsTruncated && aws.ToString(out.NextContinuationToken) != "" {
		resp.Cursor, err = keyvalue.EncodeCursor(keyvalue.Cursor{
			Backend: backendName,
			Token:   aws.ToString(out.NextContinuationToken),
		})
		if err != nil {
			return keyvalue.KeyResponse{}, err
		}
	}
	return resp, nil
}

// isNotFound matches both GetObject's NoSuchKey and HeadObject's bare
// NotFound response.
func isNotFound(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.ErrorCode() {
	case "NoSuchKey", "NotFound":
		return true
	}
	return false
}
