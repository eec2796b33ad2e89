package collinfocache

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
)

func TestFirstCallerBecomesOwner(t *testing.T) {
	c := New()

	doc, state, owner, err := c.GetOrCreate("db.coll", 1)
	require.NoError(t, err)
	require.Nil(t, doc)
	require.Equal(t, Pending, state)
	require.Equal(t, uint32(1), owner)
}

func TestSecondCallerObservesExistingOwner(t *testing.T) {
	c := New()

	_, _, _, err := c.GetOrCreate("db.coll", 1)
	require.NoError(t, err)

	_, state, owner, err := c.GetOrCreate("db.coll", 2)
	require.NoError(t, err)
	require.Equal(t, Pending, state)
	require.Equal(t, uint32(1), owner)
}

func TestAddCopyRejectsNonOwner(t *testing.T) {
	c := New()
	_, _, _, err := c.GetOrCreate("db.coll", 1)
	require.NoError(t, err)

	err = c.AddCopy("db.coll", bson.Raw{}, 2)
	require.Error(t, err)
}

func TestAddCopyThenGetOrCreateReturnsDone(t *testing.T) {
	c := New()
	_, _, _, err := c.GetOrCreate("db.coll", 1)
	require.NoError(t, err)

	doc, err := bson.Marshal(bson.D{{Key: "name", Value: "coll"}})
	require.NoError(t, err)

	require.NoError(t, c.AddCopy("db.coll", doc, 1))

	got, state, _, err := c.GetOrCreate("db.coll", 2)
	require.NoError(t, err)
	require.Equal(t, Done, state)
	require.Equal(t, []byte(doc), []byte(got))
}

func TestConcurrentCollInfoSingleOwner(t *testing.T) {
	c := New()

	var wg sync.WaitGroup
	states := make([]State, 2)
	owners := make([]uint32, 2)

	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, state, owner, err := c.GetOrCreate("db.coll", uint32(i+1))
			require.NoError(t, err)
			states[i] = state
			owners[i] = owner
		}(i)
	}
	wg.Wait()

	// Exactly one caller must observe itself as owner.
	ownerCount := 0
	for i, owner := range owners {
		if owner == uint32(i+1) {
			ownerCount++
		}
	}
	require.Equal(t, 1, ownerCount)
}

func TestWaitWakesOnAddCopy(t *testing.T) {
	c := New()
	_, _, _, err := c.GetOrCreate("db.coll", 1)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		c.Wait(0)
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	doc, err := bson.Marshal(bson.D{{Key: "name", Value: "coll"}})
	require.NoError(t, err)
	require.NoError(t, c.AddCopy("db.coll", doc, 1))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Wait did not wake after AddCopy")
	}
}

func TestWaitTimesOut(t *testing.T) {
	c := New()
	start := time.Now()
	c.Wait(20 * time.Millisecond)
	require.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestRemoveByOwnerAllowsReElection(t *testing.T) {
	c := New()
	_, _, owner, err := c.GetOrCreate("db.coll", 1)
	require.NoError(t, err)
	require.Equal(t, uint32(1), owner)

	c.RemoveByOwner(1)

	_, state, newOwner, err := c.GetOrCreate("db.coll", 2)
	require.NoError(t, err)
	require.Equal(t, Pending, state)
	require.Equal(t, uint32(2), newOwner)
}
