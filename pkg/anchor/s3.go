package anchor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Witness keeps checkpoints in an S3 bucket. Pair it with object lock on
// the bucket to make witnessed heads immutable.
type S3Witness struct {
	client *s3.Client
	bucket string
	prefix string
}

type S3WitnessConfig struct {
	Bucket   string
	Region   string
	Endpoint string // MinIO, LocalStack
	Prefix   string
}

func NewS3Witness(ctx context.Context, cfg S3WitnessConfig) (*S3Witness, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("anchor: s3 bucket required")
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("anchor: load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Witness{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (w *S3Witness) Put(ctx context.Context, cp Checkpoint) error {
	data, err := cp.Encode()
	if err != nil {
		return err
	}
	key := objectKey(w.prefix, cp.TenantID, cp.Sequence)
	_, err = w.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(w.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return fmt.Errorf("%w: sequence %d already witnessed", ErrCheckpointConflict, cp.Sequence)
	}
	var nf *types.NotFound
	if !errors.As(err, &nf) {
		return fmt.Errorf("anchor: s3 head %s: %w", key, err)
	}

	for _, k := range []string{key, latestKey(w.prefix, cp.TenantID)} {
		_, err := w.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(w.bucket),
			Key:         aws.String(k),
			Body:        bytes.NewReader(data),
			ContentType: aws.String("application/json"),
		})
		if err != nil {
			return fmt.Errorf("anchor: s3 put %s: %w", k, err)
		}
	}
	return nil
}

func (w *S3Witness) Latest(ctx context.Context, tenantID string) (*Checkpoint, error) {
	out, err := w.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(w.bucket),
		Key:    aws.String(latestKey(w.prefix, tenantID)),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, fmt.Errorf("%w: %s", ErrNoCheckpoint, tenantID)
		}
		return nil, fmt.Errorf("anchor: s3 get latest for %s: %w", tenantID, err)
	}
	defer func() { _ = out.Body.Close() }()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("anchor: s3 read latest: %w", err)
	}
	return decodeCheckpoint(data)
}
