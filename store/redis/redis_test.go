package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/execpool/internal/testutil"
)

func newStore(t *testing.T) (*miniredis.Miniredis, *Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, New(client, func(o *Options) { o.TTL = time.Minute })
}

func TestStore_SaveGetDelete(t *testing.T) {
	mr, s := newStore(t)
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	rec := testutil.NewRecordBuilder("s1").Owner("alice").Created(now).LastUsed(now).Build()

	require.NoError(t, s.Save(ctx, rec))
	assert.True(t, mr.Exists("execpool:session:s1"))
	assert.Equal(t, time.Minute, mr.TTL("execpool:session:s1"))
	ok, err := mr.SIsMember("execpool:owner:alice", "s1")
	require.NoError(t, err)
	assert.True(t, ok)

	got, found, err := s.Get(ctx, "s1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "alice", got.OwnerID)
	assert.True(t, got.LastUsedAt.Equal(now))

	require.NoError(t, s.Delete(ctx, "s1"))
	_, found, err = s.Get(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, found)
	assert.False(t, mr.Exists("execpool:owner:alice"))

	assert.NoError(t, s.Delete(ctx, "s1"), "deleting a missing record is a no-op")
}

func TestStore_ListByOwner(t *testing.T) {
	mr, s := newStore(t)
	ctx := context.Background()

	for _, key := range []string{"b", "a", "c"} {
		require.NoError(t, s.Save(ctx, testutil.NewRecordBuilder(key).Owner("alice").Build()))
	}
	require.NoError(t, s.Save(ctx, testutil.NewRecordBuilder("x").Owner("bob").Build()))
	require.NoError(t, s.Save(ctx, testutil.NewRecordBuilder("n").Build()))

	list, err := s.ListByOwner(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "a", list[0].Key)
	assert.Equal(t, "c", list[2].Key)

	// An expired record is dropped from the index on the next listing.
	mr.Del("execpool:session:b")
	list, err = s.ListByOwner(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, list, 2)
	members, err := mr.Members("execpool:owner:alice")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "c"}, members)

	list, err = s.ListByOwner(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestStore_RecordsExpire(t *testing.T) {
	mr, s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, testutil.NewRecordBuilder("s1").Build()))

	mr.FastForward(2 * time.Minute)

	_, found, err := s.Get(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestNewClient(t *testing.T) {
	mr := miniredis.RunT(t)

	client, err := NewClient(context.Background(), mr.Addr(), "", 0, 4)
	require.NoError(t, err)
	defer client.Close()

	mr.Close()
	_, err = NewClient(context.Background(), mr.Addr(), "", 0, 4)
	assert.Error(t, err)
}
