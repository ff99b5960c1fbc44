package signer

import (
	"encoding/base64"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func TestSignAt_DeterministicAndVerifiable(t *testing.T) {
	s, err := New(testKey)
	require.NoError(t, err)

	payload := []byte(`{"model":"m","messages":[]}`)
	sig1, err := s.SignAt(payload, "transfer1", 1_700_000_000_000_000_000)
	require.NoError(t, err)
	sig2, err := s.SignAt(payload, "transfer1", 1_700_000_000_000_000_000)
	require.NoError(t, err)
	assert.Equal(t, sig1, sig2)

	raw, err := base64.StdEncoding.DecodeString(sig1)
	require.NoError(t, err)
	assert.Len(t, raw, 64)

	assert.True(t, Verify(s.PublicKey(), payload, "transfer1", 1_700_000_000_000_000_000, sig1))
	assert.False(t, Verify(s.PublicKey(), payload, "transfer2", 1_700_000_000_000_000_000, sig1))
	assert.False(t, Verify(s.PublicKey(), payload, "transfer1", 1_700_000_000_000_000_001, sig1))
	assert.False(t, Verify(s.PublicKey(), []byte("{}"), "transfer1", 1_700_000_000_000_000_000, sig1))
	assert.False(t, Verify(s.PublicKey(), payload, "transfer1", 1_700_000_000_000_000_000, "!!"))
}

func TestSignAt_LowS(t *testing.T) {
	s, err := New(testKey)
	require.NoError(t, err)

	halfOrder := new(big.Int).Rsh(crypto.S256().Params().N, 1)
	for i := int64(0); i < 20; i++ {
		sig, err := s.SignAt([]byte("payload"), "addr", i)
		require.NoError(t, err)
		raw, _ := base64.StdEncoding.DecodeString(sig)
		sv := new(big.Int).SetBytes(raw[32:])
		assert.LessOrEqual(t, sv.Cmp(halfOrder), 0)
	}
}

func TestSign_UsesClock(t *testing.T) {
	s, err := New(strings.TrimPrefix(testKey, "0x"))
	require.NoError(t, err)
	s.now = func() time.Time { return time.Unix(0, 42) }

	sig, ts, err := s.Sign([]byte("p"), "addr")
	require.NoError(t, err)
	assert.Equal(t, int64(42), ts)
	assert.True(t, Verify(s.PublicKey(), []byte("p"), "addr", 42, sig))
}

func TestAddress(t *testing.T) {
	s, err := New(testKey)
	require.NoError(t, err)
	assert.Equal(t, "0x2c7536E3605D9C16a7a3D7b1898e529396a65c23", s.Address())
}

func TestNew_Errors(t *testing.T) {
	_, err := New("zz")
	assert.Error(t, err)
	_, err = New("0x1234")
	assert.Error(t, err)
}
