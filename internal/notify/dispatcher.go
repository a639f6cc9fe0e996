// Package notify converts state-changing events into mailbox entries.
// Delivery is at-least-once: a caller retrying after a timeout may append a
// duplicate record, which is accepted rather than masked.
package notify

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/rs/xid"

	"tidepool/api/internal/apperror"
	"tidepool/api/internal/pathstore"
)

type Category string

const (
	CategoryUpvote  Category = "upvote"
	CategoryReply   Category = "reply"
	CategoryGeneral Category = "general"
)

// Notification is one immutable mailbox record. Only the read flag ever
// changes after creation.
type Notification struct {
	ID        string
	Recipient string
	Message   string
	Category  Category
	SourceID  string
	CreatedAt time.Time
	Read      bool
}

type Dispatcher struct {
	store pathstore.Store
	log   *slog.Logger
}

func NewDispatcher(store pathstore.Store, log *slog.Logger) *Dispatcher {
	return &Dispatcher{store: store, log: log}
}

// MailboxPath is the per-user append-only notification collection.
func MailboxPath(userID string) string {
	return "users/" + userID + "/notifications"
}

// Dispatch appends one record to the recipient's mailbox. Self-notification
// and empty recipients are suppressed as silent no-ops. The record timestamp
// comes from the store clock so mailbox ordering survives client clock skew.
func (d *Dispatcher) Dispatch(ctx context.Context, recipientID, actorID string, category Category, sourceID, message string) error {
	if recipientID == "" || recipientID == actorID {
		return nil
	}

	now, err := d.store.Now(ctx)
	if err != nil {
		return err
	}

	id := xid.New().String()
	record := pathstore.Value{
		"message":   message,
		"category":  string(category),
		"sourceId":  sourceID,
		"createdAt": now.UnixMilli(),
		"read":      false,
	}
	if err := d.store.Write(ctx, MailboxPath(recipientID)+"/"+id, record); err != nil {
		return err
	}

	d.log.Info("notification dispatched",
		"recipient", recipientID,
		"category", string(category),
		"source", sourceID)
	return nil
}

// MarkRead flips the read flag. The recipient acting on someone else's
// mailbox is not a case this system produces, so no ownership check beyond
// the path itself.
func (d *Dispatcher) MarkRead(ctx context.Context, recipientID, notificationID string) error {
	path := MailboxPath(recipientID) + "/" + notificationID
	result, err := d.store.ConditionalUpdate(ctx, path, func(current pathstore.Value) (pathstore.Value, bool) {
		if current == nil {
			return nil, false
		}
		next := current.Clone()
		next["read"] = true
		return next, true
	})
	if err != nil {
		return err
	}
	if !result.Committed {
		return apperror.NotFound("notification", path)
	}
	return nil
}

// ClearAll deletes the recipient's entire mailbox subtree.
func (d *Dispatcher) ClearAll(ctx context.Context, recipientID string) error {
	return d.store.Delete(ctx, MailboxPath(recipientID))
}

// List returns the mailbox newest-first plus the unread count.
func (d *Dispatcher) List(ctx context.Context, recipientID string) ([]Notification, int, error) {
	snap, err := d.store.ReadTree(ctx, MailboxPath(recipientID))
	if err != nil {
		return nil, 0, err
	}

	items := make([]Notification, 0, len(snap.Children))
	unread := 0
	for id, value := range snap.Children {
		n := Notification{
			ID:        id,
			Recipient: recipientID,
			Message:   value.String("message"),
			Category:  Category(value.String("category")),
			SourceID:  value.String("sourceId"),
			CreatedAt: time.UnixMilli(value.Int64("createdAt")),
			Read:      value.Bool("read"),
		}
		if !n.Read {
			unread++
		}
		items = append(items, n)
	}
	sort.Slice(items, func(i, j int) bool {
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.After(items[j].CreatedAt)
		}
		return items[i].ID > items[j].ID
	})
	return items, unread, nil
}
