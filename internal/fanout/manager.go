// Package fanout owns the live store subscriptions backing on-screen views.
// Each UI region holds at most one subscription; re-attaching always cancels
// the old one first, and deliveries are tagged with an epoch handle so a
// detached subscription can never repaint its region again.
package fanout

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"tidepool/api/internal/pathstore"
)

// ErrAttachInProgress is returned when a region is attached while a prior
// attach has not finished. The state machine forbids double-attach.
var ErrAttachInProgress = errors.New("attach already in progress for region")

// State is the per-region subscription lifecycle.
type State int

const (
	Detached State = iota
	Attaching
	Attached
)

// Mode selects how much of the subscribed collection a view shows.
type Mode int

const (
	// ModeExpanded delivers the full child set.
	ModeExpanded Mode = iota
	// ModePreview delivers at most the view's limit, newest first.
	ModePreview
)

// Handle identifies one attachment generation of a region. Every delivery
// carries the handle it was produced under.
type Handle struct {
	Region string
	Epoch  uint64
}

// Item is one child document in view order.
type Item struct {
	Key       string
	Value     pathstore.Value
	CreatedAt time.Time
}

// View is a fully re-derived rendering of the latest snapshot: ordering and
// preview truncation are recomputed from scratch on every delivery because
// the store gives no ordering guarantee across children.
type View struct {
	Handle    Handle
	Path      string
	Value     pathstore.Value
	Items     []Item
	Truncated bool
}

// Consumer receives ordered view updates for one region.
type Consumer interface {
	Apply(view View)
}

// ConsumerFunc adapts a function to the Consumer interface.
type ConsumerFunc func(View)

func (f ConsumerFunc) Apply(view View) {
	f(view)
}

type region struct {
	state State
	epoch uint64
	sub   *pathstore.Subscription
	done  chan struct{}
}

// Manager tracks all regions and enforces cancel-then-create ordering.
type Manager struct {
	store pathstore.Store
	log   *slog.Logger

	mu      sync.Mutex
	regions map[string]*region
}

func NewManager(store pathstore.Store, log *slog.Logger) *Manager {
	return &Manager{
		store:   store,
		log:     log,
		regions: make(map[string]*region),
	}
}

// Attach subscribes the named region to the subtree at path. Any prior
// subscription owned by the region is cancelled, and its pump fully drained,
// before the new subscription is created; two concurrently live callbacks
// racing to repaint the same region cannot happen.
func (m *Manager) Attach(ctx context.Context, regionName, path string, mode Mode, limit int, consumer Consumer) (Handle, error) {
	m.mu.Lock()
	reg := m.regions[regionName]
	if reg == nil {
		reg = &region{}
		m.regions[regionName] = reg
	}
	if reg.state == Attaching {
		m.mu.Unlock()
		return Handle{}, ErrAttachInProgress
	}

	var prevDone chan struct{}
	if reg.state == Attached {
		reg.sub.Unsubscribe()
		reg.sub = nil
		prevDone = reg.done
	}
	reg.state = Attaching
	reg.epoch++
	epoch := reg.epoch
	m.mu.Unlock()

	if prevDone != nil {
		<-prevDone
	}

	sub, err := m.store.Subscribe(ctx, path)
	if err != nil {
		m.mu.Lock()
		if reg.epoch == epoch {
			reg.state = Detached
		}
		m.mu.Unlock()
		return Handle{}, err
	}

	m.mu.Lock()
	if reg.epoch != epoch {
		// Detached while the subscription was being set up.
		m.mu.Unlock()
		sub.Unsubscribe()
		return Handle{}, context.Canceled
	}
	reg.sub = sub
	reg.state = Attached
	reg.done = make(chan struct{})
	done := reg.done
	m.mu.Unlock()

	handle := Handle{Region: regionName, Epoch: epoch}
	go m.pump(reg, handle, sub, mode, limit, consumer, done)

	m.log.Debug("region attached", "region", regionName, "path", path, "epoch", epoch)
	return handle, nil
}

// Detach cancels the region's subscription if one exists and waits for its
// pump to finish, so no delivery under the old handle can follow the return.
// Idempotent when the region is already detached or unknown.
func (m *Manager) Detach(regionName string) {
	m.mu.Lock()
	reg := m.regions[regionName]
	if reg == nil || reg.state == Detached {
		m.mu.Unlock()
		return
	}
	reg.epoch++
	if reg.sub != nil {
		reg.sub.Unsubscribe()
		reg.sub = nil
	}
	reg.state = Detached
	done := reg.done
	reg.done = nil
	m.mu.Unlock()

	if done != nil {
		<-done
	}
	m.log.Debug("region detached", "region", regionName)
}

// StateOf reports the region's lifecycle state; unknown regions are
// Detached.
func (m *Manager) StateOf(regionName string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if reg := m.regions[regionName]; reg != nil {
		return reg.state
	}
	return Detached
}

func (m *Manager) pump(reg *region, handle Handle, sub *pathstore.Subscription, mode Mode, limit int, consumer Consumer, done chan struct{}) {
	defer close(done)
	defer func() {
		m.mu.Lock()
		if reg.epoch == handle.Epoch {
			reg.state = Detached
			reg.sub = nil
		}
		m.mu.Unlock()
	}()

	for snap := range sub.Snapshots() {
		m.mu.Lock()
		live := reg.epoch == handle.Epoch
		m.mu.Unlock()
		if !live {
			return
		}
		consumer.Apply(buildView(handle, snap, mode, limit))
	}
}

// buildView re-derives newest-first ordering from the full snapshot. Ties in
// timestamp fall back to the insertion key, which the store generates in
// chronological order.
func buildView(handle Handle, snap pathstore.Snapshot, mode Mode, limit int) View {
	items := make([]Item, 0, len(snap.Children))
	for key, value := range snap.Children {
		items = append(items, Item{
			Key:       key,
			Value:     value,
			CreatedAt: time.UnixMilli(value.Int64("createdAt")),
		})
	}
	sort.Slice(items, func(i, j int) bool {
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.After(items[j].CreatedAt)
		}
		return items[i].Key > items[j].Key
	})

	view := View{
		Handle: handle,
		Path:   snap.Path,
		Value:  snap.Value,
		Items:  items,
	}
	if mode == ModePreview && limit > 0 && len(items) > limit {
		view.Items = items[:limit]
		view.Truncated = true
	}
	return view
}
