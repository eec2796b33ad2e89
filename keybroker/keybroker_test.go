package keybroker

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

func uuidOf(b byte) [16]byte {
	var u [16]byte
	u[0] = b
	return u
}

func TestAddIDIdempotent(t *testing.T) {
	store := NewStore()
	b := New(store, 1)
	u := uuidOf(1)
	b.AddID(u)
	b.AddID(u)
	require.Len(t, b.refs, 1)
}

func TestDecryptedByIDAbsentReturnsFalse(t *testing.T) {
	store := NewStore()
	_, ok := store.DecryptedByID(uuidOf(1))
	require.False(t, ok)
}

func TestFullResolutionFlow(t *testing.T) {
	store := NewStore()
	b := New(store, 1)
	u := uuidOf(1)
	b.AddID(u)

	require.True(t, b.NeedsMongoKeys())
	claimed := b.ClaimFetch()
	require.Len(t, claimed, 1)

	require.NoError(t, b.FeedDocument(u, nil, "aws", []byte("encrypted-material")))
	require.True(t, b.NeedsKMS())

	kc, ok := b.NextKMSContext()
	require.True(t, ok)
	require.Equal(t, []byte("encrypted-material"), kc.EncryptedMaterial)

	require.NoError(t, b.CompleteKMS(kc, []byte("plaintext-material")))
	require.True(t, b.Ready())

	material, ok := b.DecryptedByID(u)
	require.True(t, ok)
	require.Equal(t, []byte("plaintext-material"), material)
}

func TestTwoContextsShareFetchOwnership(t *testing.T) {
	store := NewStore()
	u := uuidOf(7)

	b1 := New(store, 1)
	b1.AddID(u)
	b2 := New(store, 2)
	b2.AddID(u)

	claimed1 := b1.ClaimFetch()
	require.Len(t, claimed1, 1)
	claimed2 := b2.ClaimFetch()
	require.Empty(t, claimed2, "second context must not re-claim an already-fetching entry")

	require.Equal(t, uint32(1), b2.NextCtxID())

	require.NoError(t, b1.FeedDocument(u, nil, "aws", []byte("enc")))
	kc, ok := b1.NextKMSContext()
	require.True(t, ok)
	require.NoError(t, b1.CompleteKMS(kc, []byte("material")))

	// Both brokers now see the same decrypted material.
	m1, ok1 := b1.DecryptedByID(u)
	m2, ok2 := b2.DecryptedByID(u)
	require.True(t, ok1)
	require.True(t, ok2)
	require.Equal(t, m1, m2)
}

func TestAltNameResolvesAndAliasesToID(t *testing.T) {
	store := NewStore()
	b := New(store, 1)
	b.AddName("my-key")

	claimed := b.ClaimFetch()
	require.Len(t, claimed, 1)

	u := uuidOf(9)
	require.NoError(t, b.FeedDocument(u, []string{"my-key"}, "local", []byte("enc")))

	resolved, ok := b.ResolvedUUID("my-key")
	require.True(t, ok)
	require.Equal(t, u, resolved)

	kc, ok := b.NextKMSContext()
	require.True(t, ok)
	require.NoError(t, b.CompleteKMS(kc, []byte("material")))

	material, ok := store.DecryptedByID(u)
	require.True(t, ok)
	require.Equal(t, []byte("material"), material)
}

func TestPartialDecryptionMissingKeyIsNotAnError(t *testing.T) {
	store := NewStore()
	material, ok := store.DecryptedByID(uuidOf(42))
	require.False(t, ok)
	require.Nil(t, material)
}

func TestFailKMSSurfacesThroughStatus(t *testing.T) {
	store := NewStore()
	b := New(store, 1)
	u := uuidOf(3)
	b.AddID(u)
	b.ClaimFetch()
	require.NoError(t, b.FeedDocument(u, nil, "aws", []byte("enc")))

	kc, ok := b.NextKMSContext()
	require.True(t, ok)
	require.NoError(t, b.FailKMS(kc, errBoom))

	require.True(t, b.Ready())
	require.ErrorIs(t, b.Status(), errBoom)
}
