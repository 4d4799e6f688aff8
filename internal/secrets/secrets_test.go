// SPDX-License-Identifier: MIT

package secrets

import (
	"bytes"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMaterialRedactsEverywhere(t *testing.T) {
	m := FromString("1BVtsOKoBu5...session")

	assert.Equal(t, Redacted, m.String())
	assert.Equal(t, Redacted, fmt.Sprintf("%v", m))
	assert.Equal(t, Redacted, fmt.Sprintf("%s", m))
	assert.NotContains(t, fmt.Sprintf("%#v", m), "session")

	raw, err := json.Marshal(m)
	require.NoError(t, err)
	assert.JSONEq(t, `"`+Redacted+`"`, string(raw))

	// Embedded in a struct it still redacts.
	wrapped := struct {
		Label    string   `json:"label"`
		Material Material `json:"material"`
	}{Label: "main", Material: m}
	raw, err = json.Marshal(wrapped)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "session")
}

func TestMaterialRevealAndZero(t *testing.T) {
	src := []byte("credential-bytes")
	m := New(src)

	// The material is an independent copy.
	src[0] = 'X'
	assert.Equal(t, []byte("credential-bytes"), m.Reveal())
	assert.Equal(t, len("credential-bytes"), m.Len())

	m.Zero()
	assert.True(t, m.IsZero())
	assert.Empty(t, m.Reveal())
}

func TestEnvelopeRoundTrip(t *testing.T) {
	key := bytes.Repeat([]byte{0x42}, KeySize)
	env, err := NewEnvelope(key)
	require.NoError(t, err)

	m := FromString("telegram-session-material")
	blob, err := env.Seal(m)
	require.NoError(t, err)
	assert.NotContains(t, string(blob), "telegram-session-material")

	got, err := env.Open(blob)
	require.NoError(t, err)
	assert.Equal(t, m.Reveal(), got.Reveal())

	// Fresh nonce per seal.
	blob2, err := env.Seal(m)
	require.NoError(t, err)
	assert.NotEqual(t, blob, blob2)
}

func TestEnvelopeRejectsBadInput(t *testing.T) {
	key := bytes.Repeat([]byte{0x01}, KeySize)
	env, err := NewEnvelope(key)
	require.NoError(t, err)

	_, err = NewEnvelope([]byte("short"))
	assert.ErrorIs(t, err, ErrKeySize)

	_, err = env.Open([]byte{0x01, 0x02})
	assert.ErrorIs(t, err, ErrCiphertext)

	blob, err := env.Seal(FromString("x"))
	require.NoError(t, err)

	tampered := append([]byte(nil), blob...)
	tampered[len(tampered)-1] ^= 0xff
	_, err = env.Open(tampered)
	assert.ErrorIs(t, err, ErrCiphertext)

	wrongVersion := append([]byte(nil), blob...)
	wrongVersion[0] = 0x7f
	_, err = env.Open(wrongVersion)
	assert.ErrorIs(t, err, ErrCiphertext)

	other, err := NewEnvelope(bytes.Repeat([]byte{0x02}, KeySize))
	require.NoError(t, err)
	_, err = other.Open(blob)
	assert.ErrorIs(t, err, ErrCiphertext)
}
