// Package objectstore wraps the AWS S3 client behind the narrow interface
// the ingestion driver needs, grounded on aws-sdk-go-v2's standard
// config-and-credentials bootstrap pattern rather than the teacher's local
// filesystem walk (internal/index's walkDir), since the expanded scope
// reconciles against an object store instead of a local directory tree.
package objectstore

import (
	"bytes"
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/fenwick-ai/emberd/internal/apperr"
)

// ObjectStore is the interface the ingestion driver consumes (spec §6);
// named rather than anonymous so a fake can satisfy it in tests.
type ObjectStore interface {
	PutObject(ctx context.Context, bucket, key string, body []byte) error
	ListObjectsV2(ctx context.Context, bucket, prefix string) ([]ObjectSummary, error)
	DeleteObject(ctx context.Context, bucket, key string) error
	GetObjectPresigned(ctx context.Context, bucket, key string, ttl time.Duration) (string, error)
	CopyObject(ctx context.Context, bucket, srcKey, dstKey string) error
}

// ObjectSummary is one entry from a listing.
type ObjectSummary struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// Client is the S3-backed ObjectStore implementation.
type Client struct {
	s3        *s3.Client
	presigner *s3.PresignClient
}

// New builds a Client from the given region and static credentials. An
// empty accessKeyID/accessKey falls back to the SDK's default credential
// chain (env vars, shared config, IAM role).
func New(ctx context.Context, region, accessKeyID, accessKey string) (*Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	if accessKeyID != "" && accessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKeyID, accessKey, "")))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, apperr.Wrap(apperr.StorageUnavailable, "loading aws config", err)
	}

	c := s3.NewFromConfig(cfg)
	return &Client{s3: c, presigner: s3.NewPresignClient(c)}, nil
}

// PutObject uploads body to bucket/key.
func (c *Client) PutObject(ctx context.Context, bucket, key string, body []byte) error {
	_, err := c.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(body),
	})
	if err != nil {
		return apperr.Wrap(apperr.StorageUnavailable, "put_object", err)
	}
	return nil
}

// ListObjectsV2 lists every object under prefix, paginating internally via
// continuation tokens (spec §6's "Listing must paginate" requirement).
func (c *Client) ListObjectsV2(ctx context.Context, bucket, prefix string) ([]ObjectSummary, error) {
	var out []ObjectSummary
	var token *string

	for {
		resp, err := c.s3.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, apperr.Wrap(apperr.StorageUnavailable, "list_objects_v2", err)
		}
		for _, obj := range resp.Contents {
			summary := ObjectSummary{Key: aws.ToString(obj.Key)}
			if obj.Size != nil {
				summary.Size = *obj.Size
			}
			if obj.LastModified != nil {
				summary.LastModified = *obj.LastModified
			}
			out = append(out, summary)
		}
		if resp.IsTruncated == nil || !*resp.IsTruncated {
			break
		}
		token = resp.NextContinuationToken
	}
	return out, nil
}

// DeleteObject removes bucket/key.
func (c *Client) DeleteObject(ctx context.Context, bucket, key string) error {
	_, err := c.s3.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return apperr.Wrap(apperr.StorageUnavailable, "delete_object", err)
	}
	return nil
}

// GetObjectPresigned returns a time-limited GET URL for bucket/key.
func (c *Client) GetObjectPresigned(ctx context.Context, bucket, key string, ttl time.Duration) (string, error) {
	req, err := c.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", apperr.Wrap(apperr.StorageUnavailable, "get_object_presigned", err)
	}
	return req.URL, nil
}

// CopyObject copies srcKey to dstKey within bucket.
func (c *Client) CopyObject(ctx context.Context, bucket, srcKey, dstKey string) error {
	_, err := c.s3.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(bucket),
		CopySource: aws.String(bucket + "/" + srcKey),
		Key:        aws.String(dstKey),
	})
	if err != nil {
		return apperr.Wrap(apperr.StorageUnavailable, "copy_object", err)
	}
	return nil
}
