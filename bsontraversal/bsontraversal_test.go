package bsontraversal

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
)

func blob(discriminator byte, rest ...byte) bson.Binary {
	return bson.Binary{Subtype: blobBinarySubtype, Data: append([]byte{discriminator}, rest...)}
}

func TestCollectFindsNestedMarkings(t *testing.T) {
	doc, err := bson.Marshal(bson.D{
		{Key: "top", Value: blob(0, 1, 2, 3)},
		{Key: "nested", Value: bson.D{
			{Key: "inner", Value: blob(0, 4, 5)},
		}},
		{Key: "arr", Value: bson.A{
			blob(0, 6),
			"not a blob",
		}},
		{Key: "ciphertextField", Value: blob(1, 9)}, // should not match MatchMarking
	})
	require.NoError(t, err)

	var found [][]byte
	err = Collect(doc, MatchMarking, func(discriminator byte, payload []byte) error {
		require.Equal(t, byte(0), discriminator)
		found = append(found, append([]byte(nil), payload...))
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, [][]byte{{1, 2, 3}, {4, 5}, {6}}, found)
}

func TestCollectDocumentWithoutBlobsYieldsNothing(t *testing.T) {
	doc, err := bson.Marshal(bson.D{
		{Key: "a", Value: "b"},
		{Key: "c", Value: int32(1)},
	})
	require.NoError(t, err)

	var calls int
	err = Collect(doc, MatchCiphertext, func(discriminator byte, payload []byte) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	require.Zero(t, calls)
}

func TestTransformReplacesMatchedElementsOnly(t *testing.T) {
	doc, err := bson.Marshal(bson.D{
		{Key: "plain", Value: "untouched"},
		{Key: "marked", Value: blob(0, 42)},
		{Key: "nested", Value: bson.D{
			{Key: "marked2", Value: blob(0, 7)},
		}},
	})
	require.NoError(t, err)

	out, err := Transform(doc, MatchMarking, func(discriminator byte, payload []byte) (bson.RawValue, error) {
		return bson.RawValue{Type: bson.TypeInt32, Value: []byte{payload[0], 0, 0, 0}}, nil
	})
	require.NoError(t, err)

	require.Equal(t, "untouched", out.Lookup("plain").StringValue())
	require.Equal(t, int32(42), out.Lookup("marked").Int32())
	require.Equal(t, int32(7), out.Lookup("nested", "marked2").Int32())
}

func TestTransformPreservesDocumentWithNoMatches(t *testing.T) {
	doc, err := bson.Marshal(bson.D{
		{Key: "a", Value: "b"},
		{Key: "c", Value: int32(1)},
		{Key: "arr", Value: bson.A{1, 2, 3}},
	})
	require.NoError(t, err)

	out, err := Transform(doc, MatchCiphertext, func(discriminator byte, payload []byte) (bson.RawValue, error) {
		t.Fatal("mapper should not be called")
		return bson.RawValue{}, nil
	})
	require.NoError(t, err)
	require.True(t, bytes.Equal(doc, out))
}
