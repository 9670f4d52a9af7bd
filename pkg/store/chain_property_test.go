//go:build property
// +build property

package store

import (
	"context"
	"sync"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/tollgate-labs/tollgate/pkg/audit"
)

// Property: flipping any bit of any stored entry is reported at that entry.
func TestChain_TamperDetectedAtEntry(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("single-bit tamper detected", prop.ForAll(
		func(n, target, pos, bit int) bool {
			ctx := context.Background()
			m := NewMemory()
			l := audit.NewLedger(m)
			for i := 0; i < n; i++ {
				if _, err := l.Append(ctx, "acme", input(i)); err != nil {
					return false
				}
			}

			target %= n
			body := m.chain("acme", false).records[target].Body
			body[pos%len(body)] ^= 1 << (bit % 8)

			res, err := l.VerifyChainIntegrity(ctx, "acme", audit.VerifyOptions{})
			if err != nil || res.Valid || res.FirstInvalidSequence == nil {
				return false
			}
			return *res.FirstInvalidSequence == uint64(target) && res.EntriesVerified == uint64(target)
		},
		gen.IntRange(1, 12),
		gen.IntRange(0, 11),
		gen.IntRange(0, 4096),
		gen.IntRange(0, 7),
	))

	properties.TestingRun(t)
}

// Property: K concurrent appends occupy sequences 0..K-1 and verify.
func TestChain_ConcurrentAppendsContiguous(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30
	properties := gopter.NewProperties(parameters)

	properties.Property("contiguous and valid", prop.ForAll(
		func(k int) bool {
			ctx := context.Background()
			l := audit.NewLedger(NewMemory())

			var wg sync.WaitGroup
			seqs := make([]uint64, k)
			errs := make([]error, k)
			for i := 0; i < k; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					e, err := l.Append(ctx, "acme", input(i))
					errs[i] = err
					if err == nil {
						seqs[i] = e.Chain.Sequence
					}
				}(i)
			}
			wg.Wait()

			seen := make([]bool, k)
			for i := range seqs {
				if errs[i] != nil || seqs[i] >= uint64(k) || seen[seqs[i]] {
					return false
				}
				seen[seqs[i]] = true
			}
			res, err := l.VerifyChainIntegrity(ctx, "acme", audit.VerifyOptions{})
			return err == nil && res.Valid && res.EntriesVerified == uint64(k)
		},
		gen.IntRange(1, 40),
	))

	properties.TestingRun(t)
}
