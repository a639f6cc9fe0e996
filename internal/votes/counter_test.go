package votes

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"tidepool/api/internal/apperror"
	"tidepool/api/internal/notify"
	"tidepool/api/internal/pathstore"
)

const threadPath = "categories/general/threads/t1"

func setupCounter(t *testing.T) (*Counter, *notify.Dispatcher, pathstore.Store) {
	t.Helper()
	s := miniredis.RunT(t)
	store := pathstore.NewRedisStoreWithClient(redis.NewClient(&redis.Options{Addr: s.Addr()}))
	t.Cleanup(func() { store.Close() })

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	dispatcher := notify.NewDispatcher(store, log)
	return NewCounter(store, dispatcher, nil, log), dispatcher, store
}

func seedThread(t *testing.T, store pathstore.Store, ownerID string) {
	t.Helper()
	err := store.Write(context.Background(), threadPath, pathstore.Value{
		"userId":      ownerID,
		"content":     "hello",
		"upvoteCount": 0,
		"upvotes":     map[string]any{},
	})
	require.NoError(t, err)
}

func TestToggleAddsVote(t *testing.T) {
	counter, _, store := setupCounter(t)
	ctx := context.Background()
	seedThread(t, store, "owner")

	result, err := counter.Toggle(ctx, threadPath, "alice")
	require.NoError(t, err)
	require.True(t, result.Found)
	require.True(t, result.Voted)
	require.Equal(t, 1, result.Count)

	value, err := store.Read(ctx, threadPath)
	require.NoError(t, err)
	require.Equal(t, 1, value.Int("upvoteCount"))
	require.Contains(t, value.Map("upvotes"), "alice")
}

func TestToggleTwiceIsIdempotentPair(t *testing.T) {
	counter, _, store := setupCounter(t)
	ctx := context.Background()
	seedThread(t, store, "owner")

	_, err := counter.Toggle(ctx, threadPath, "alice")
	require.NoError(t, err)
	result, err := counter.Toggle(ctx, threadPath, "alice")
	require.NoError(t, err)
	require.True(t, result.Found)
	require.False(t, result.Voted)
	require.Equal(t, 0, result.Count)

	value, err := store.Read(ctx, threadPath)
	require.NoError(t, err)
	require.Equal(t, 0, value.Int("upvoteCount"))
	require.Empty(t, value.Map("upvotes"))
}

func TestToggleRequiresUser(t *testing.T) {
	counter, _, store := setupCounter(t)
	seedThread(t, store, "owner")

	_, err := counter.Toggle(context.Background(), threadPath, "")
	require.ErrorIs(t, err, apperror.ErrUnauthenticated)
}

func TestToggleVanishedItemIsNoOp(t *testing.T) {
	counter, _, _ := setupCounter(t)

	result, err := counter.Toggle(context.Background(), "categories/general/threads/gone", "alice")
	require.NoError(t, err)
	require.False(t, result.Found)
}

func TestConcurrentTogglesKeepCountConsistent(t *testing.T) {
	counter, _, store := setupCounter(t)
	ctx := context.Background()
	seedThread(t, store, "owner")

	const voters = 8
	var wg sync.WaitGroup
	errs := make(chan error, voters)
	for i := 0; i < voters; i++ {
		userID := fmt.Sprintf("user-%d", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := counter.Toggle(ctx, threadPath, userID)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	value, err := store.Read(ctx, threadPath)
	require.NoError(t, err)
	require.Equal(t, voters, value.Int("upvoteCount"))
	require.Len(t, value.Map("upvotes"), voters)
}

func TestToggleNotifiesOwnerOnAddOnly(t *testing.T) {
	counter, dispatcher, store := setupCounter(t)
	ctx := context.Background()
	seedThread(t, store, "owner")

	_, err := counter.Toggle(ctx, threadPath, "alice")
	require.NoError(t, err)

	items, unread, err := dispatcher.List(ctx, "owner")
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, 1, unread)
	require.Equal(t, notify.CategoryUpvote, items[0].Category)
	require.Equal(t, "alice upvoted your post", items[0].Message)
	require.Equal(t, threadPath, items[0].SourceID)

	// Removal is silent.
	_, err = counter.Toggle(ctx, threadPath, "alice")
	require.NoError(t, err)

	items, _, err = dispatcher.List(ctx, "owner")
	require.NoError(t, err)
	require.Len(t, items, 1)
}

func TestToggleOwnVoteSuppressesNotification(t *testing.T) {
	counter, dispatcher, store := setupCounter(t)
	ctx := context.Background()
	seedThread(t, store, "owner")

	result, err := counter.Toggle(ctx, threadPath, "owner")
	require.NoError(t, err)
	require.True(t, result.Voted)

	items, _, err := dispatcher.List(ctx, "owner")
	require.NoError(t, err)
	require.Empty(t, items)
}

func TestToggleReplyUsesReplyWording(t *testing.T) {
	counter, dispatcher, store := setupCounter(t)
	ctx := context.Background()
	replyPath := threadPath + "/replies/r1"
	err := store.Write(ctx, replyPath, pathstore.Value{
		"userId":      "owner",
		"content":     "a reply",
		"upvoteCount": 0,
		"upvotes":     map[string]any{},
	})
	require.NoError(t, err)

	_, err = counter.Toggle(ctx, replyPath, "alice")
	require.NoError(t, err)

	items, _, err := dispatcher.List(ctx, "owner")
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, "alice upvoted your reply", items[0].Message)
}

func TestTwoUsersBothCounted(t *testing.T) {
	counter, dispatcher, store := setupCounter(t)
	ctx := context.Background()
	seedThread(t, store, "owner")

	_, err := counter.Toggle(ctx, threadPath, "alice")
	require.NoError(t, err)
	_, err = counter.Toggle(ctx, threadPath, "bob")
	require.NoError(t, err)

	value, err := store.Read(ctx, threadPath)
	require.NoError(t, err)
	require.Equal(t, 2, value.Int("upvoteCount"))
	require.Contains(t, value.Map("upvotes"), "alice")
	require.Contains(t, value.Map("upvotes"), "bob")

	items, _, err := dispatcher.List(ctx, "owner")
	require.NoError(t, err)
	require.Len(t, items, 2)
}
