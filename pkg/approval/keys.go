package approval

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	minSecretLen = 16
	tenantKeyLen = 32
	kdfSalt      = "tollgate-approval-kdf"
)

var ErrWeakSecret = errors.New("approval: secret must be at least 16 bytes")

// KeyDeriver derives an independent HMAC key per tenant from one master
// secret. A token signed for one tenant never verifies for another.
type KeyDeriver struct {
	secret []byte
}

func NewKeyDeriver(secret []byte) (*KeyDeriver, error) {
	if len(secret) < minSecretLen {
		return nil, ErrWeakSecret
	}
	s := make([]byte, len(secret))
	copy(s, secret)
	return &KeyDeriver{secret: s}, nil
}

// TenantKey runs HKDF-SHA256 with the tenant id as info.
func (k *KeyDeriver) TenantKey(tenantID string) ([]byte, error) {
	if tenantID == "" {
		return nil, errors.New("approval: tenant id required for key derivation")
	}
	r := hkdf.New(sha256.New, k.secret, []byte(kdfSalt), []byte(tenantID))
	key := make([]byte, tenantKeyLen)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("HKDF derivation failed: %w", err)
	}
	return key, nil
}
