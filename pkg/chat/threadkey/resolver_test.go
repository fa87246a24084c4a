package threadkey

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/canopy-network/chatindex/pkg/chat/types"
)

func TestResolveIsCommutative(t *testing.T) {
	r := Default()
	pairs := [][2]string{
		{"U1", "U2"},
		{"U100", "U99"},
		{"U12345678901234567", "U7654321"},
		{"U5", "U50"},
	}
	for _, p := range pairs {
		ab, err := r.Resolve(p[0], p[1])
		require.NoError(t, err)
		ba, err := r.Resolve(p[1], p[0])
		require.NoError(t, err)
		assert.Equal(t, ab, ba, "pair %v", p)
	}
}

func TestResolveCanonicalOrder(t *testing.T) {
	r := Default()
	key, err := r.Resolve("U9", "U10")
	require.NoError(t, err)
	assert.Equal(t, types.ThreadKey("U10:U9"), key)

	lo, hi := key.Participants()
	assert.Equal(t, "U10", lo)
	assert.Equal(t, "U9", hi)
	assert.Equal(t, "U9", key.Other("U10"))
	assert.Equal(t, "U10", key.Other("U9"))
	assert.Equal(t, "", key.Other("U11"))
	assert.True(t, key.Has("U9"))
	assert.False(t, key.Has("U1"))
}

func TestResolveDistinctPairsDoNotCollide(t *testing.T) {
	r := Default()
	seen := map[types.ThreadKey][2]string{}
	addrs := []string{"U1", "U11", "U111", "U2", "U21", "U12"}
	for i := range addrs {
		for j := i + 1; j < len(addrs); j++ {
			key, err := r.Resolve(addrs[i], addrs[j])
			require.NoError(t, err)
			prev, dup := seen[key]
			require.False(t, dup, "key %s produced by %v and %v", key, prev, [2]string{addrs[i], addrs[j]})
			seen[key] = [2]string{addrs[i], addrs[j]}
		}
	}
}

func TestResolveRejectsInvalidAccounts(t *testing.T) {
	r := Default()
	tests := []struct {
		name string
		a, b string
	}{
		{name: "empty sender", a: "", b: "U1"},
		{name: "empty recipient", a: "U1", b: ""},
		{name: "missing prefix", a: "12345", b: "U1"},
		{name: "separator inside", a: "U1:U2", b: "U3"},
		{name: "letters", a: "Uabc", b: "U3"},
		{name: "self pair", a: "U7", b: "U7"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Resolve(tt.a, tt.b)
			require.ErrorIs(t, err, types.ErrInvalidAccount)
		})
	}
}

func TestCustomPattern(t *testing.T) {
	r, err := New(`^0x[0-9a-f]{40}$`)
	require.NoError(t, err)

	a := "0x00000000000000000000000000000000000000aa"
	b := "0x00000000000000000000000000000000000000bb"
	key, err := r.Resolve(b, a)
	require.NoError(t, err)
	assert.Equal(t, types.ThreadKey(a+":"+b), key)

	_, err = r.Resolve("U1", a)
	require.ErrorIs(t, err, types.ErrInvalidAccount)

	_, err = New("([")
	require.Error(t, err)
}

func TestValidatePublicKey(t *testing.T) {
	r := Default()
	require.NoError(t, r.ValidatePublicKey(""))
	require.NoError(t, r.ValidatePublicKey("b87f9fe005c3533152230fdcbd7bf87a0cea83592c591f7e71be5b7a48bb6e44"))
	require.ErrorIs(t, r.ValidatePublicKey("abc"), types.ErrInvalidAccount)
	require.ErrorIs(t, r.ValidatePublicKey("zz7f9fe005c3533152230fdcbd7bf87a0cea83592c591f7e71be5b7a48bb6e44"), types.ErrInvalidAccount)
}
