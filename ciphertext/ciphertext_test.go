package ciphertext

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseMinimumBlob(t *testing.T) {
	raw := append([]byte{0x01}, make([]byte, 16)...)
	raw = append(raw, 0x02, 0x41)

	ct, err := Parse(raw)
	require.NoError(t, err)
	require.Equal(t, Deterministic, ct.Subtype)
	require.Equal(t, [16]byte{}, ct.KeyUUID)
	require.Equal(t, byte(0x02), ct.OriginalBSONType)
	require.Equal(t, []byte{0x41}, ct.Ciphertext)
}

func TestParseRejectsShortBlob(t *testing.T) {
	raw := append([]byte{0x01}, make([]byte, 17)...) // 18 bytes total
	_, err := Parse(raw)
	require.ErrorContains(t, err, "too small")
}

func TestParseRejectsBadSubtype(t *testing.T) {
	raw := append([]byte{0x03}, make([]byte, 19)...) // 20 bytes total
	_, err := Parse(raw)
	require.ErrorContains(t, err, "expected blob subtype of 1 or 2")
}

func TestRoundTrip(t *testing.T) {
	original := Ciphertext{
		Subtype:          Random,
		KeyUUID:          [16]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16},
		OriginalBSONType: 0x02,
		Ciphertext:       []byte("some ciphertext bytes"),
	}

	serialized := Serialize(original)
	parsed, err := Parse(serialized)
	require.NoError(t, err)
	require.Equal(t, original.Subtype, parsed.Subtype)
	require.Equal(t, original.KeyUUID, parsed.KeyUUID)
	require.Equal(t, original.OriginalBSONType, parsed.OriginalBSONType)
	require.Equal(t, original.Ciphertext, parsed.Ciphertext)

	reserialized := Serialize(parsed)
	require.Equal(t, serialized, reserialized)
}

func TestRoundTripProperty(t *testing.T) {
	for _, payloadLen := range []int{1, 2, 10, 100} {
		payload := make([]byte, payloadLen)
		for i := range payload {
			payload[i] = byte(i)
		}

		for _, st := range []Subtype{Deterministic, Random} {
			original := Ciphertext{
				Subtype:          st,
				OriginalBSONType: 0x10,
				Ciphertext:       payload,
			}

			b := Serialize(original)
			parsed, err := Parse(b)
			require.NoError(t, err)
			require.Equal(t, b, Serialize(parsed))
		}
	}
}
