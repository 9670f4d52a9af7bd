//go:build gcp

package anchor

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
)

// GCSWitness keeps checkpoints in a Cloud Storage bucket. Per-sequence
// objects are created with a DoesNotExist precondition.
type GCSWitness struct {
	client *storage.Client
	bucket string
	prefix string
}

type GCSWitnessConfig struct {
	Bucket string
	Prefix string
}

func NewGCSWitness(ctx context.Context, cfg GCSWitnessConfig) (*GCSWitness, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("anchor: gcs bucket required")
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("anchor: create gcs client: %w", err)
	}
	return &GCSWitness{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (w *GCSWitness) Put(ctx context.Context, cp Checkpoint) error {
	data, err := cp.Encode()
	if err != nil {
		return err
	}
	bkt := w.client.Bucket(w.bucket)
	obj := bkt.Object(objectKey(w.prefix, cp.TenantID, cp.Sequence)).
		If(storage.Conditions{DoesNotExist: true})
	if err := w.write(ctx, obj, data); err != nil {
		return err
	}
	return w.write(ctx, bkt.Object(latestKey(w.prefix, cp.TenantID)), data)
}

func (w *GCSWitness) write(ctx context.Context, obj *storage.ObjectHandle, data []byte) error {
	wr := obj.NewWriter(ctx)
	wr.ContentType = "application/json"
	if _, err := wr.Write(data); err != nil {
		_ = wr.Close()
		return fmt.Errorf("anchor: gcs write %s: %w", obj.ObjectName(), err)
	}
	if err := wr.Close(); err != nil {
		return fmt.Errorf("anchor: gcs close %s: %w", obj.ObjectName(), err)
	}
	return nil
}

func (w *GCSWitness) Latest(ctx context.Context, tenantID string) (*Checkpoint, error) {
	r, err := w.client.Bucket(w.bucket).Object(latestKey(w.prefix, tenantID)).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNoCheckpoint, tenantID)
	}
	if err != nil {
		return nil, fmt.Errorf("anchor: gcs get latest for %s: %w", tenantID, err)
	}
	defer func() { _ = r.Close() }()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("anchor: gcs read latest: %w", err)
	}
	return decodeCheckpoint(data)
}

func (w *GCSWitness) Close() error {
	return w.client.Close()
}
