package mongocrypt

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
)

func TestContextIDsAreUniquePerProcess(t *testing.T) {
	m := NewMongoCrypt(nil)
	opts := DataKey().SetMasterKey(masterKeyDoc(t))

	ctx1, err := m.NewDataKeyContext(opts)
	require.NoError(t, err)
	ctx2, err := m.NewDataKeyContext(opts)
	require.NoError(t, err)
	ctx3, err := m.NewDataKeyContext(opts)
	require.NoError(t, err)

	require.NotEqual(t, ctx1.ID(), ctx2.ID())
	require.NotEqual(t, ctx2.ID(), ctx3.ID())
}

func TestErrorStateRejectsSubsequentCalls(t *testing.T) {
	m := NewMongoCrypt(nil)
	ctx, err := m.NewDataKeyContext(DataKey()) // missing master key
	require.Error(t, err)
	require.Equal(t, StateError, ctx.State())

	_, finalizeErr := ctx.Finalize()
	require.Error(t, finalizeErr)
	require.Equal(t, ctx.Status(), finalizeErr)
}

func TestDataKeyContextRejectsVtableCallsOutsideItsKind(t *testing.T) {
	m := NewMongoCrypt(nil)
	ctx, err := m.NewDataKeyContext(DataKey().SetMasterKey(masterKeyDoc(t)))
	require.NoError(t, err)

	_, err = ctx.MongoOpCollInfo()
	require.Error(t, err)
	_, err = ctx.MongoOpMarkings()
	require.Error(t, err)
	_, err = ctx.MongoOpKeys()
	require.Error(t, err, "a CreateDataKey context has no key broker")

	_, ok := ctx.NextKMSCtx()
	require.False(t, ok)
	require.Equal(t, uint32(0), ctx.NextDependentCtxID())
}

func TestCleanupIsIdempotentAndSafeFromError(t *testing.T) {
	m := NewMongoCrypt(nil)
	ctx, err := m.NewEncryptContext(AutoEncryption().SetNamespace("db.coll"), nil, nil)
	require.NoError(t, err)
	require.Equal(t, StateNeedMongoCollInfo, ctx.State())

	// Drive the context into ERROR before cleaning it up.
	viewDoc, err := bson.Marshal(bson.D{{Key: "name", Value: "coll"}, {Key: "type", Value: "view"}})
	require.NoError(t, err)
	require.Error(t, ctx.MongoFeedCollInfo(viewDoc))
	require.Equal(t, StateError, ctx.State())

	ctx.Cleanup()
	ctx.Cleanup()
}
