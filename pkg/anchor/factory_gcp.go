//go:build gcp

package anchor

import "context"

func newGCSWitness(ctx context.Context, cfg Config) (Witness, error) {
	return NewGCSWitness(ctx, GCSWitnessConfig{Bucket: cfg.Bucket, Prefix: cfg.Prefix})
}
