package storage

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/aws/smithy-go"

	"github.com/dnitsch/oidc-s3-auth/internal/credentialexchange"
)

var (
	ErrStorageCall         = errors.New("storage call failed")
	ErrUnableToBuildClient = errors.New("unable to build storage client")
)

// staleCredCodes are the API error codes the gateway emits when the
// signing credentials have lapsed or the session token is no longer
// accepted. AccessDenied is included - gateways surface expired session
// tokens that way.
var staleCredCodes = map[string]struct{}{
	"ExpiredToken":         {},
	"InvalidToken":         {},
	"InvalidAccessKeyId":   {},
	"TokenRefreshRequired": {},
	"AccessDenied":         {},
}

// IsAuthError reports whether err is an API error whose code signals
// stale credentials, i.e. a renewal followed by a single retry is worth
// attempting.
func IsAuthError(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		_, ok := staleCredCodes[apiErr.ErrorCode()]
		return ok
	}
	return false
}

// awsConfig builds an sdk config carrying the temporary credentials as a
// static provider. The credentials are never refreshed by the sdk - the
// renewal policy owns that.
func awsConfig(ctx context.Context, creds *credentialexchange.Credentials, region string) (aws.Config, error) {
	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			creds.AccessKey,
			creds.SecretKey,
			creds.SessionToken,
		)),
	)
	if err != nil {
		return aws.Config{}, fmt.Errorf("%s, %w", err, ErrUnableToBuildClient)
	}
	return cfg, nil
}

// NewS3Client returns an S3 client pointed at the gateway endpoint.
// Path-style addressing is forced for gateway compatibility.
func NewS3Client(ctx context.Context, creds *credentialexchange.Credentials, endpoint, region string) (*s3.Client, error) {
	cfg, err := awsConfig(ctx, creds, region)
	if err != nil {
		return nil, err
	}
	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(endpoint)
		o.UsePathStyle = true
	}), nil
}

// NewStsClient returns an sts client pointed at the gateway endpoint,
// used for the caller-identity probe.
func NewStsClient(ctx context.Context, creds *credentialexchange.Credentials, endpoint, region string) (*sts.Client, error) {
	cfg, err := awsConfig(ctx, creds, region)
	if err != nil {
		return nil, err
	}
	return sts.NewFromConfig(cfg, func(o *sts.Options) {
		o.BaseEndpoint = aws.String(endpoint)
	}), nil
}

type S3Api interface {
	ListBuckets(ctx context.Context, params *s3.ListBucketsInput, optFns ...func(*s3.Options)) (*s3.ListBucketsOutput, error)
	CreateBucket(ctx context.Context, params *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

type CallerIdentityApi interface {
	GetCallerIdentity(ctx context.Context, params *sts.GetCallerIdentityInput, optFns ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error)
}

// Client wraps the object-store operations the credential workflow
// exercises. It holds no credential state of its own.
type Client struct {
	api S3Api
}

func New(api S3Api) *Client {
	return &Client{api: api}
}

func (c *Client) ListBuckets(ctx context.Context) ([]string, error) {
	out, err := c.api.ListBuckets(ctx, &s3.ListBucketsInput{})
	if err != nil {
		return nil, fmt.Errorf("list buckets: %w: %w", ErrStorageCall, err)
	}
	buckets := []string{}
	for _, b := range out.Buckets {
		buckets = append(buckets, aws.ToString(b.Name))
	}
	return buckets, nil
}

func (c *Client) CreateBucket(ctx context.Context, bucket string) error {
	if _, err := c.api.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(bucket)}); err != nil {
		return fmt.Errorf("create bucket %s: %w: %w", bucket, ErrStorageCall, err)
	}
	return nil
}

func (c *Client) PutObject(ctx context.Context, bucket, key string, body io.Reader) error {
	if _, err := c.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Body:   body,
	}); err != nil {
		return fmt.Errorf("put %s/%s: %w: %w", bucket, key, ErrStorageCall, err)
	}
	return nil
}

func (c *Client) GetObject(ctx context.Context, bucket, key string) ([]byte, error) {
	out, err := c.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w: %w", bucket, key, ErrStorageCall, err)
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

func (c *Client) ListObjects(ctx context.Context, bucket string) ([]string, error) {
	out, err := c.api.ListObjectsV2(ctx, &s3.ListObjectsV2Input{Bucket: aws.String(bucket)})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w: %w", bucket, ErrStorageCall, err)
	}
	keys := []string{}
	for _, o := range out.Contents {
		keys = append(keys, aws.ToString(o.Key))
	}
	return keys, nil
}

func (c *Client) DeleteObject(ctx context.Context, bucket, key string) error {
	if _, err := c.api.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}); err != nil {
		return fmt.Errorf("delete %s/%s: %w: %w", bucket, key, ErrStorageCall, err)
	}
	return nil
}

// CheckCallerIdentity probes the gateway with the current credentials and
// returns the caller arn. Used to confirm a credential set is live
// without mutating anything.
func CheckCallerIdentity(ctx context.Context, svc CallerIdentityApi) (string, error) {
	out, err := svc.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return "", fmt.Errorf("caller identity: %w: %w", ErrStorageCall, err)
	}
	return aws.ToString(out.Arn), nil
}
