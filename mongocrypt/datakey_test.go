package mongocrypt

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
)

func masterKeyDoc(t *testing.T) bson.Raw {
	t.Helper()
	doc, err := bson.Marshal(bson.D{{Key: "provider", Value: "aws"}, {Key: "key", Value: "arn:aws:kms:..."}})
	require.NoError(t, err)
	return doc
}

func TestCreateDataKeyHappyPath(t *testing.T) {
	m := NewMongoCrypt(nil)
	opts := DataKey().SetMasterKey(masterKeyDoc(t))

	ctx, err := m.NewDataKeyContext(opts)
	require.NoError(t, err)
	require.Equal(t, StateReady, ctx.State())

	out, err := ctx.Finalize()
	require.NoError(t, err)
	require.Equal(t, StateDone, ctx.State())

	idVal, err := out.LookupErr("_id")
	require.NoError(t, err)
	subtype, data, ok := idVal.BinaryOK()
	require.True(t, ok)
	require.Equal(t, byte(uuidBinarySubtype), subtype)
	require.Len(t, data, 16)

	materialVal, err := out.LookupErr("keyMaterial")
	require.NoError(t, err)
	_, materialData, ok := materialVal.BinaryOK()
	require.True(t, ok)
	require.Empty(t, materialData)

	masterKeyVal, err := out.LookupErr("masterKey", "provider")
	require.NoError(t, err)
	s, ok := masterKeyVal.StringValueOK()
	require.True(t, ok)
	require.Equal(t, "aws", s)
}

func TestCreateDataKeyRequiresMasterKey(t *testing.T) {
	m := NewMongoCrypt(nil)
	ctx, err := m.NewDataKeyContext(DataKey())
	require.Error(t, err)
	require.Equal(t, StateError, ctx.State())
	require.Error(t, ctx.Status())
}

func TestCreateDataKeyIssuesDistinctIDs(t *testing.T) {
	m := NewMongoCrypt(nil)
	opts := DataKey().SetMasterKey(masterKeyDoc(t))

	ctx1, err := m.NewDataKeyContext(opts)
	require.NoError(t, err)
	ctx2, err := m.NewDataKeyContext(opts)
	require.NoError(t, err)
	require.NotEqual(t, ctx1.ID(), ctx2.ID())

	out1, err := ctx1.Finalize()
	require.NoError(t, err)
	out2, err := ctx2.Finalize()
	require.NoError(t, err)

	id1, _ := out1.LookupErr("_id")
	id2, _ := out2.LookupErr("_id")
	_, data1, _ := id1.BinaryOK()
	_, data2, _ := id2.BinaryOK()
	require.NotEqual(t, data1, data2)
}
