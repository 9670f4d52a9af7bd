package merkle

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tollgate-labs/tollgate/pkg/canonicalize"
)

func contentHashes(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = canonicalize.Digest([]byte(fmt.Sprintf("entry-%d", i)))
	}
	return out
}

func TestBuild_ThreeLeavesDuplicatesLast(t *testing.T) {
	hashes := contentHashes(3)
	tree, err := Build(hashes)
	require.NoError(t, err)

	//       Root
	//      /    \
	//     N1     N2
	//    /  \   /  \
	//   L0  L1 L2  L2 (dup)
	l0, _ := LeafHash(0, hashes[0])
	l1, _ := LeafHash(1, hashes[1])
	l2, _ := LeafHash(2, hashes[2])
	n1 := nodeHash(l0, l1)
	n2 := nodeHash(l2, l2)
	assert.Equal(t, nodeHash(n1, n2), tree.Root)
	assert.Len(t, tree.Levels, 3)
}

func TestRoot_SingleLeaf(t *testing.T) {
	hashes := contentHashes(1)
	root, err := Root(hashes)
	require.NoError(t, err)
	leaf, _ := LeafHash(0, hashes[0])
	assert.Equal(t, leaf, root)
}

func TestRoot_Empty(t *testing.T) {
	_, err := Root(nil)
	assert.ErrorIs(t, err, ErrEmptyTree)
}

func TestRoot_OrderMatters(t *testing.T) {
	hashes := contentHashes(4)
	r1, err := Root(hashes)
	require.NoError(t, err)

	swapped := []string{hashes[1], hashes[0], hashes[2], hashes[3]}
	r2, err := Root(swapped)
	require.NoError(t, err)
	assert.NotEqual(t, r1, r2)
}

func TestRoot_RejectsMalformedHash(t *testing.T) {
	_, err := Root([]string{"not-a-digest"})
	assert.Error(t, err)
}

func TestProof_AllLeavesVerify(t *testing.T) {
	for _, n := range []int{1, 2, 3, 5, 8, 13} {
		tree, err := Build(contentHashes(n))
		require.NoError(t, err)
		for i := 0; i < n; i++ {
			proof, err := tree.Proof(i)
			require.NoError(t, err)
			assert.Equal(t, tree.Leaves[i], proof.ContentHash)
			assert.True(t, VerifyInclusionProof(*proof, tree.Root), "n=%d i=%d", n, i)
		}
	}
}

func TestProof_RejectsTampering(t *testing.T) {
	hashes := contentHashes(5)
	tree, err := Build(hashes)
	require.NoError(t, err)
	proof, err := tree.Proof(3)
	require.NoError(t, err)

	wrongLeaf := *proof
	wrongLeaf.ContentHash = hashes[2]
	assert.False(t, VerifyInclusionProof(wrongLeaf, tree.Root))

	wrongIndex := *proof
	wrongIndex.Index = 2
	assert.False(t, VerifyInclusionProof(wrongIndex, tree.Root))

	assert.False(t, VerifyInclusionProof(*proof, canonicalize.Digest([]byte("other"))))

	_, err = tree.Proof(5)
	assert.Error(t, err)
}
