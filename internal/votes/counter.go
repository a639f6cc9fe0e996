// Package votes implements the conflict-resolving upvote counter. All
// cross-client races are resolved inside the store's conditional update;
// the mutation function re-derives vote membership from the current value on
// every retry, so concurrent toggles from other users are never lost.
package votes

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"tidepool/api/internal/apperror"
	"tidepool/api/internal/notify"
	"tidepool/api/internal/pathstore"
)

// ActorResolver maps a user identifier to a display label for notification
// messages. A nil resolver falls back to the raw identifier.
type ActorResolver interface {
	DisplayName(ctx context.Context, userID string) string
}

type Counter struct {
	store      pathstore.Store
	dispatcher *notify.Dispatcher
	resolver   ActorResolver
	log        *slog.Logger
}

func NewCounter(store pathstore.Store, dispatcher *notify.Dispatcher, resolver ActorResolver, log *slog.Logger) *Counter {
	return &Counter{store: store, dispatcher: dispatcher, resolver: resolver, log: log}
}

// ToggleResult reports the committed state after a toggle. Found is false
// when the item vanished before the update, which is a no-op rather than an
// error.
type ToggleResult struct {
	Found bool
	Voted bool
	Count int
}

// Toggle flips the caller's vote on the item at itemPath. The voter set and
// the count are mutated in the same document within one conditional update,
// so `upvoteCount == len(upvotes)` holds in every committed state. A vote
// addition notifies the item owner; removal is silent.
func (c *Counter) Toggle(ctx context.Context, itemPath, userID string) (ToggleResult, error) {
	if userID == "" {
		return ToggleResult{}, apperror.Unauthenticated("voting requires a signed-in user")
	}

	var added bool
	var ownerID string
	result, err := c.store.ConditionalUpdate(ctx, itemPath, func(current pathstore.Value) (pathstore.Value, bool) {
		if current == nil {
			return nil, false
		}

		next := current.Clone()
		upvotes := next.Map("upvotes")
		count := next.Int("upvoteCount")

		if _, hasVoted := upvotes[userID]; hasVoted {
			delete(upvotes, userID)
			count--
			if count < 0 {
				count = 0
			}
			added = false
		} else {
			upvotes[userID] = true
			count++
			added = true
		}

		next["upvotes"] = upvotes
		next["upvoteCount"] = count
		ownerID = next.String("userId")
		return next, true
	})
	if err != nil {
		return ToggleResult{}, err
	}
	if !result.Committed {
		return ToggleResult{Found: false}, nil
	}

	count := result.Value.Int("upvoteCount")
	voters := len(result.Value.Map("upvotes"))
	if count != voters {
		c.log.Error("vote invariant violated",
			"path", itemPath, "count", count, "voters", voters)
		return ToggleResult{}, apperror.InvariantViolation(
			fmt.Sprintf("vote count %d diverged from voter set size %d at %s", count, voters, itemPath))
	}

	if added {
		message := fmt.Sprintf("%s upvoted your %s", c.actorLabel(ctx, userID), itemKind(itemPath))
		if err := c.dispatcher.Dispatch(ctx, ownerID, userID, notify.CategoryUpvote, itemPath, message); err != nil {
			// The vote is committed; a lost notification does not undo it.
			c.log.Warn("upvote notification failed", "path", itemPath, "error", err)
		}
	}

	return ToggleResult{Found: true, Voted: added, Count: count}, nil
}

func (c *Counter) actorLabel(ctx context.Context, userID string) string {
	if c.resolver == nil {
		return userID
	}
	if name := c.resolver.DisplayName(ctx, userID); name != "" {
		return name
	}
	return userID
}

func itemKind(itemPath string) string {
	if strings.Contains(itemPath, "/replies/") {
		return "reply"
	}
	return "post"
}
