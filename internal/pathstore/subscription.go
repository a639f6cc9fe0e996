package pathstore

import "sync"

// Subscription is a live snapshot stream for one subtree. The stream is
// coalescing: if the consumer lags, intermediate snapshots are dropped and
// only the latest is kept, so delivery order is always non-decreasing in
// consistency and never blocks the store.
type Subscription struct {
	path   string
	ch     chan Snapshot
	cancel func()
	once   sync.Once
}

func newSubscription(path string, cancel func()) *Subscription {
	return &Subscription{
		path:   path,
		ch:     make(chan Snapshot, 1),
		cancel: cancel,
	}
}

// Snapshots returns the snapshot stream. It is closed after Unsubscribe.
func (s *Subscription) Snapshots() <-chan Snapshot {
	return s.ch
}

func (s *Subscription) Path() string {
	return s.path
}

// Unsubscribe stops the stream. Idempotent. After it returns no further
// snapshot is queued, and the stream is closed once the pump goroutine
// observes the cancellation.
func (s *Subscription) Unsubscribe() {
	s.once.Do(s.cancel)
}

// deliver queues a snapshot, replacing any undelivered one.
func (s *Subscription) deliver(snap Snapshot) {
	for {
		select {
		case s.ch <- snap:
			return
		default:
			select {
			case <-s.ch:
			default:
			}
		}
	}
}

func (s *Subscription) close() {
	close(s.ch)
}
