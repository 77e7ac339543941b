package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVault_SealUnsealRoundTrip(t *testing.T) {
	v := New("a-master-secret")

	ct, err := v.Seal([]byte("hunter2"))
	require.NoError(t, err)

	pt, err := v.Unseal(ct)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", string(pt))
}

func TestVault_UnsealDetectsTampering(t *testing.T) {
	v := New("a-master-secret")

	ct, err := v.Seal([]byte("hunter2"))
	require.NoError(t, err)

	tampered := append([]byte(nil), ct...)
	tampered[len(tampered)-1] ^= 0xFF

	_, err = v.Unseal(tampered)
	require.Error(t, err)
}

func TestVault_UnsealWrongKey(t *testing.T) {
	v1 := New("secret-one")
	v2 := New("secret-two")

	ct, err := v1.Seal([]byte("payload"))
	require.NoError(t, err)

	_, err = v2.Unseal(ct)
	require.Error(t, err)
}

func TestHash_Deterministic(t *testing.T) {
	assert.Equal(t, Hash("abc"), Hash("abc"))
	assert.NotEqual(t, Hash("abc"), Hash("abd"))
}

func TestConstantTimeEqual(t *testing.T) {
	h := Hash("worker-secret")
	assert.True(t, ConstantTimeEqual(h, h))
	assert.False(t, ConstantTimeEqual(h, Hash("other")))
}

func TestRandomToken_LengthAndUniqueness(t *testing.T) {
	a, err := RandomToken(32)
	require.NoError(t, err)
	b, err := RandomToken(32)
	require.NoError(t, err)

	assert.GreaterOrEqual(t, len(a), 32)
	assert.NotEqual(t, a, b)
}
