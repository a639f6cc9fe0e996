package pathstore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func setupTestStore(t *testing.T) *RedisStore {
	t.Helper()
	s := miniredis.RunT(t)
	store, err := NewRedisStore("redis://" + s.Addr())
	if err != nil {
		t.Fatalf("failed to create redis store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestReadMissing(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	value, err := store.Read(ctx, "users/absent")
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if value != nil {
		t.Errorf("expected nil for missing path, got %v", value)
	}
}

func TestWriteReadRoundtrip(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	err := store.Write(ctx, "users/u1", Value{"email": "a@b.c", "createdAt": int64(42)})
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	value, err := store.Read(ctx, "users/u1")
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if value.String("email") != "a@b.c" {
		t.Errorf("expected email a@b.c, got %q", value.String("email"))
	}
	if value.Int64("createdAt") != 42 {
		t.Errorf("expected createdAt 42, got %d", value.Int64("createdAt"))
	}
}

func TestUpdateMergesFields(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if err := store.Write(ctx, "users/u1", Value{"email": "a@b.c"}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := store.Update(ctx, "users/u1", Value{"username": "nova"}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	value, err := store.Read(ctx, "users/u1")
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if value.String("email") != "a@b.c" || value.String("username") != "nova" {
		t.Errorf("merge lost fields: %v", value)
	}
}

func TestReadTreeDirectChildrenOnly(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatalf("write failed: %v", err)
		}
	}
	must(store.Write(ctx, "categories/general/threads/t1", Value{"content": "one"}))
	must(store.Write(ctx, "categories/general/threads/t2", Value{"content": "two"}))
	must(store.Write(ctx, "categories/general/threads/t1/replies/r1", Value{"content": "deep"}))

	snap, err := store.ReadTree(ctx, "categories/general/threads")
	if err != nil {
		t.Fatalf("ReadTree failed: %v", err)
	}
	if len(snap.Children) != 2 {
		t.Fatalf("expected 2 direct children, got %d", len(snap.Children))
	}
	if snap.Children["t1"].String("content") != "one" {
		t.Errorf("unexpected child t1: %v", snap.Children["t1"])
	}
	if _, ok := snap.Children["t1/replies/r1"]; ok {
		t.Error("grandchild leaked into direct children")
	}
}

func TestDeleteRemovesSubtree(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if err := store.Write(ctx, "categories/general/threads/t1", Value{"content": "x"}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := store.Write(ctx, "categories/general/threads/t1/replies/r1", Value{"content": "y"}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	if err := store.Delete(ctx, "categories/general/threads/t1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	value, err := store.Read(ctx, "categories/general/threads/t1/replies/r1")
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if value != nil {
		t.Error("expected reply gone after subtree delete")
	}
}

func TestConditionalUpdateCommits(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	result, err := store.ConditionalUpdate(ctx, "metrics/registeredUsers", func(current Value) (Value, bool) {
		return Value{"count": current.Int("count") + 1}, true
	})
	if err != nil {
		t.Fatalf("ConditionalUpdate failed: %v", err)
	}
	if !result.Committed {
		t.Fatal("expected commit")
	}
	if result.Value.Int("count") != 1 {
		t.Errorf("expected count 1, got %d", result.Value.Int("count"))
	}
}

func TestConditionalUpdateAbortLeavesValue(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if err := store.Write(ctx, "usernames/nova", Value{"userId": "u1"}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	result, err := store.ConditionalUpdate(ctx, "usernames/nova", func(current Value) (Value, bool) {
		if current != nil {
			return nil, false
		}
		return Value{"userId": "u2"}, true
	})
	if err != nil {
		t.Fatalf("ConditionalUpdate failed: %v", err)
	}
	if result.Committed {
		t.Fatal("expected abort")
	}

	value, err := store.Read(ctx, "usernames/nova")
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if value.String("userId") != "u1" {
		t.Errorf("abort must not write; owner is %q", value.String("userId"))
	}
}

func TestConditionalUpdateNilDeletes(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if err := store.Write(ctx, "users/u1", Value{"email": "a@b.c"}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	result, err := store.ConditionalUpdate(ctx, "users/u1", func(current Value) (Value, bool) {
		return nil, true
	})
	if err != nil {
		t.Fatalf("ConditionalUpdate failed: %v", err)
	}
	if !result.Committed {
		t.Fatal("expected commit")
	}

	value, err := store.Read(ctx, "users/u1")
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if value != nil {
		t.Error("expected document deleted")
	}
}

func TestConditionalUpdateConcurrentIncrements(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	const workers = 10
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.ConditionalUpdate(ctx, "metrics/registeredUsers", func(current Value) (Value, bool) {
				return Value{"count": current.Int("count") + 1}, true
			})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent ConditionalUpdate failed: %v", err)
		}
	}

	value, err := store.Read(ctx, "metrics/registeredUsers")
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if value.Int("count") != workers {
		t.Errorf("lost increments: expected %d, got %d", workers, value.Int("count"))
	}
}

func waitForSnapshot(t *testing.T, sub *Subscription, pred func(Snapshot) bool) Snapshot {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case snap, ok := <-sub.Snapshots():
			if !ok {
				t.Fatal("subscription closed while waiting")
			}
			if pred(snap) {
				return snap
			}
		case <-deadline:
			t.Fatal("timed out waiting for snapshot")
		}
	}
}

func TestSubscribeDeliversInitialAndUpdates(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if err := store.Write(ctx, "categories/general/threads/t1", Value{"content": "one"}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	sub, err := store.Subscribe(ctx, "categories/general/threads")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Unsubscribe()

	waitForSnapshot(t, sub, func(snap Snapshot) bool {
		return len(snap.Children) == 1
	})

	if err := store.Write(ctx, "categories/general/threads/t2", Value{"content": "two"}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	snap := waitForSnapshot(t, sub, func(snap Snapshot) bool {
		return len(snap.Children) == 2
	})
	if snap.Children["t2"].String("content") != "two" {
		t.Errorf("unexpected snapshot child: %v", snap.Children["t2"])
	}
}

func TestSubscribeSeesDescendantWrites(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	sub, err := store.Subscribe(ctx, "users/u1")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Unsubscribe()

	if err := store.Write(ctx, "users/u1/notifications/n1", Value{"message": "hi"}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	// The notification itself is a grandchild of users/u1, but the change
	// signal still reaches the subtree subscription.
	waitForSnapshot(t, sub, func(snap Snapshot) bool {
		return true
	})
}

func TestUnsubscribeClosesStream(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	sub, err := store.Subscribe(ctx, "users")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	sub.Unsubscribe()

	deadline := time.After(3 * time.Second)
	for {
		select {
		case _, ok := <-sub.Snapshots():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("stream not closed after Unsubscribe")
		}
	}
}

func TestNowUsesServerClock(t *testing.T) {
	s := miniredis.RunT(t)
	store, err := NewRedisStore("redis://" + s.Addr())
	if err != nil {
		t.Fatalf("failed to create redis store: %v", err)
	}
	defer store.Close()

	frozen := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	s.SetTime(frozen)

	now, err := store.Now(context.Background())
	if err != nil {
		t.Fatalf("Now failed: %v", err)
	}
	if !now.Equal(frozen) {
		t.Errorf("expected server time %v, got %v", frozen, now)
	}
}
