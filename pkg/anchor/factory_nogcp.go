//go:build !gcp

package anchor

import (
	"context"
	"fmt"
)

func newGCSWitness(ctx context.Context, cfg Config) (Witness, error) {
	return nil, fmt.Errorf("anchor: gcs witness is not enabled in this build (use -tags gcp)")
}
