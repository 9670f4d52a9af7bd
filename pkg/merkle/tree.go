// Package merkle builds ordered Merkle trees over audit content hashes.
//
// Hashing is domain separated:
//
//	leaf = SHA256("tollgate:audit:leaf:v1\0" || uint64be(index) || content_hash)
//	node = SHA256("tollgate:audit:node:v1\0" || left || right)
//
// The leaf index is part of the preimage, so a root commits to both the
// membership and the order of the hashed entries. Odd levels duplicate
// their last node.
package merkle

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/tollgate-labs/tollgate/pkg/canonicalize"
)

const (
	leafDomain = "tollgate:audit:leaf:v1"
	nodeDomain = "tollgate:audit:node:v1"
)

var ErrEmptyTree = errors.New("merkle: no leaves")

// Tree is an ordered Merkle tree. Leaves holds the content hashes it was
// built from, Levels[0] their leaf hashes, and the last level the root.
// All hashes are "sha256:" digests.
type Tree struct {
	Leaves []string
	Levels [][]string
	Root   string
}

// Build constructs a tree over the given content hashes in order.
func Build(contentHashes []string) (*Tree, error) {
	if len(contentHashes) == 0 {
		return nil, ErrEmptyTree
	}

	level := make([]string, len(contentHashes))
	for i, h := range contentHashes {
		leaf, err := LeafHash(uint64(i), h)
		if err != nil {
			return nil, err
		}
		level[i] = leaf
	}

	tree := &Tree{Leaves: append([]string(nil), contentHashes...)}
	for len(level) > 1 {
		tree.Levels = append(tree.Levels, level)
		level = nextLevel(level)
	}
	tree.Levels = append(tree.Levels, level)
	tree.Root = level[0]
	return tree, nil
}

// Root computes only the root over contentHashes.
func Root(contentHashes []string) (string, error) {
	t, err := Build(contentHashes)
	if err != nil {
		return "", err
	}
	return t.Root, nil
}

// LeafHash hashes a content hash at position index.
func LeafHash(index uint64, contentHash string) (string, error) {
	raw, err := canonicalize.DecodeDigest(contentHash)
	if err != nil {
		return "", fmt.Errorf("merkle: leaf %d: %w", index, err)
	}
	var buf bytes.Buffer
	buf.WriteString(leafDomain)
	buf.WriteByte(0)
	var idx [8]byte
	binary.BigEndian.PutUint64(idx[:], index)
	buf.Write(idx[:])
	buf.Write(raw)
	return digest(buf.Bytes()), nil
}

func nextLevel(hashes []string) []string {
	if len(hashes)%2 != 0 {
		hashes = append(hashes[:len(hashes):len(hashes)], hashes[len(hashes)-1])
	}
	next := make([]string, len(hashes)/2)
	for i := 0; i < len(hashes); i += 2 {
		next[i/2] = nodeHash(hashes[i], hashes[i+1])
	}
	return next
}

func nodeHash(left, right string) string {
	var buf bytes.Buffer
	buf.WriteString(nodeDomain)
	buf.WriteByte(0)
	buf.Write(mustRaw(left))
	buf.Write(mustRaw(right))
	return digest(buf.Bytes())
}

// mustRaw decodes digests this package produced itself.
func mustRaw(d string) []byte {
	b, err := hex.DecodeString(d[len(canonicalize.DigestPrefix):])
	if err != nil {
		panic(fmt.Sprintf("merkle: internal digest %q: %v", d, err))
	}
	return b
}

func digest(data []byte) string {
	sum := sha256.Sum256(data)
	return canonicalize.DigestPrefix + hex.EncodeToString(sum[:])
}
