package marking

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
)

func buildMarking(t *testing.T, doc bson.D) []byte {
	t.Helper()
	b, err := bson.Marshal(doc)
	require.NoError(t, err)
	return b
}

func TestParseWithKeyID(t *testing.T) {
	keyID := bson.Binary{Subtype: 0x04, Data: make([]byte, 16)}
	payload := buildMarking(t, bson.D{
		{Key: "ki", Value: keyID},
		{Key: "a", Value: int32(Deterministic)},
		{Key: "v", Value: "hello"},
	})

	m, err := Parse(payload)
	require.NoError(t, err)
	require.False(t, m.HasAltName)
	require.Equal(t, keyID.Data, m.KeyID.Data)
	require.Equal(t, Deterministic, m.Algorithm)
	require.Nil(t, m.IV)
}

func TestParseWithAltName(t *testing.T) {
	payload := buildMarking(t, bson.D{
		{Key: "ka", Value: "my-key-name"},
		{Key: "a", Value: int32(Random)},
		{Key: "v", Value: int32(42)},
	})

	m, err := Parse(payload)
	require.NoError(t, err)
	require.True(t, m.HasAltName)
	name, ok := m.KeyAltName.StringValueOK()
	require.True(t, ok)
	require.Equal(t, "my-key-name", name)
}

func TestParseRejectsBothKiAndKa(t *testing.T) {
	payload := buildMarking(t, bson.D{
		{Key: "ki", Value: bson.Binary{Subtype: 0x04, Data: make([]byte, 16)}},
		{Key: "ka", Value: "name"},
		{Key: "a", Value: int32(Deterministic)},
		{Key: "v", Value: 1},
	})

	_, err := Parse(payload)
	require.ErrorContains(t, err, "exactly one of")
}

func TestParseRejectsNeitherKiNorKa(t *testing.T) {
	payload := buildMarking(t, bson.D{
		{Key: "a", Value: int32(Deterministic)},
		{Key: "v", Value: 1},
	})

	_, err := Parse(payload)
	require.ErrorContains(t, err, "exactly one of")
}

func TestParseRejectsUnknownAlgorithm(t *testing.T) {
	payload := buildMarking(t, bson.D{
		{Key: "ka", Value: "x"},
		{Key: "a", Value: int32(99)},
		{Key: "v", Value: 1},
	})

	_, err := Parse(payload)
	require.ErrorContains(t, err, "unknown algorithm")
}

func TestRoundTrip(t *testing.T) {
	payload := buildMarking(t, bson.D{
		{Key: "ki", Value: bson.Binary{Subtype: 0x04, Data: make([]byte, 16)}},
		{Key: "a", Value: int32(Random)},
		{Key: "v", Value: "value"},
	})

	original, err := Parse(payload)
	require.NoError(t, err)

	serialized, err := Serialize(original)
	require.NoError(t, err)

	parsed, err := Parse(serialized)
	require.NoError(t, err)
	require.Equal(t, original.Algorithm, parsed.Algorithm)
	require.False(t, parsed.HasAltName)
}
