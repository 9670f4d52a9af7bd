package approval

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tollgate-labs/tollgate/pkg/policy"
)

func testKeys(t *testing.T) *KeyDeriver {
	t.Helper()
	k, err := NewKeyDeriver([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)
	return k
}

func TestKeyDeriver(t *testing.T) {
	_, err := NewKeyDeriver([]byte("short"))
	assert.ErrorIs(t, err, ErrWeakSecret)

	k := testKeys(t)
	a1, err := k.TenantKey("acme")
	require.NoError(t, err)
	a2, err := k.TenantKey("acme")
	require.NoError(t, err)
	b, err := k.TenantKey("globex")
	require.NoError(t, err)

	assert.Len(t, a1, 32)
	assert.Equal(t, a1, a2)
	assert.NotEqual(t, a1, b)

	_, err = k.TenantKey("")
	assert.Error(t, err)
}

func TestIssueAndVerify(t *testing.T) {
	keys := testKeys(t)
	s := NewSigner(keys, time.Hour)
	v := NewVerifier(keys)

	token, issued, err := s.Issue("acme", "run-42", "alice", []policy.Scope{policy.ScopePush, policy.ScopeMerge})
	require.NoError(t, err)
	assert.Equal(t, 3, strings.Count(token, ".")+1)

	got, err := v.Verify("acme", token)
	require.NoError(t, err)
	assert.Equal(t, issued, got)
	assert.Equal(t, "run-42", got.RunID)
	assert.Equal(t, "alice", got.ApproverID)
	assert.True(t, got.HasScope(policy.ScopeMerge))
	assert.False(t, got.HasScope(policy.ScopeCommit))
	assert.NotEmpty(t, got.ID)
}

func TestVerify_OtherTenantRejected(t *testing.T) {
	keys := testKeys(t)
	token, _, err := NewSigner(keys, 0).Issue("acme", "run-1", "alice", []policy.Scope{policy.ScopePush})
	require.NoError(t, err)

	_, err = NewVerifier(keys).Verify("globex", token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerify_Expired(t *testing.T) {
	keys := testKeys(t)
	s := NewSigner(keys, time.Minute)
	s.now = func() time.Time { return time.Now().Add(-time.Hour) }
	token, _, err := s.Issue("acme", "run-1", "alice", []policy.Scope{policy.ScopePush})
	require.NoError(t, err)

	_, err = NewVerifier(keys).Verify("acme", token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerify_Tampered(t *testing.T) {
	keys := testKeys(t)
	token, _, err := NewSigner(keys, 0).Issue("acme", "run-1", "alice", []policy.Scope{policy.ScopePush})
	require.NoError(t, err)

	parts := strings.Split(token, ".")
	sig := []byte(parts[2])
	if sig[0] == 'A' {
		sig[0] = 'B'
	} else {
		sig[0] = 'A'
	}
	parts[2] = string(sig)
	_, err = NewVerifier(keys).Verify("acme", strings.Join(parts, "."))
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = NewVerifier(keys).Verify("acme", "not-a-token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestIssue_Validation(t *testing.T) {
	s := NewSigner(testKeys(t), 0)
	_, _, err := s.Issue("acme", "", "alice", []policy.Scope{policy.ScopePush})
	assert.Error(t, err)
	_, _, err = s.Issue("acme", "run-1", "alice", nil)
	assert.Error(t, err)
	_, _, err = s.Issue("acme", "run-1", "alice", []policy.Scope{"deploy"})
	assert.Error(t, err)
	_, _, err = s.Issue("", "run-1", "alice", []policy.Scope{policy.ScopePush})
	assert.Error(t, err)
}
