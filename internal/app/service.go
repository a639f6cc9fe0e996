package app

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/rs/xid"

	"tidepool/api/internal/apperror"
	"tidepool/api/internal/auth"
	"tidepool/api/internal/config"
	"tidepool/api/internal/fanout"
	"tidepool/api/internal/names"
	"tidepool/api/internal/notify"
	"tidepool/api/internal/pathstore"
	"tidepool/api/internal/votes"
)

const (
	registeredUsersPath = "metrics/registeredUsers"
	deletedUserLabel    = "deleted user"
)

func UserPath(userID string) string {
	return "users/" + userID
}

func ThreadsPath(category string) string {
	return "categories/" + category + "/threads"
}

func ThreadPath(category, threadID string) string {
	return ThreadsPath(category) + "/" + threadID
}

func RepliesPath(category, threadID string) string {
	return ThreadPath(category, threadID) + "/replies"
}

func ReplyPath(category, threadID, replyID string) string {
	return RepliesPath(category, threadID) + "/" + replyID
}

// Thread is a typed view of a thread document. Optional fields on legacy
// records decode to zero values instead of panicking on shape.
type Thread struct {
	ID          string    `json:"id"`
	Category    string    `json:"category"`
	UserID      string    `json:"userId"`
	Author      string    `json:"author"`
	Content     string    `json:"content"`
	CreatedAt   time.Time `json:"createdAt"`
	UpvoteCount int       `json:"upvoteCount"`
	Voted       bool      `json:"voted"`
	ReplyCount  int       `json:"replyCount"`
}

type Reply struct {
	ID          string    `json:"id"`
	ThreadID    string    `json:"threadId"`
	UserID      string    `json:"userId"`
	Author      string    `json:"author"`
	Content     string    `json:"content"`
	CreatedAt   time.Time `json:"createdAt"`
	UpvoteCount int       `json:"upvoteCount"`
	Voted       bool      `json:"voted"`
}

// Service glues the mutation core to the forum data model: users, threads,
// replies, the registered-user metric, and author resolution.
type Service struct {
	cfg        config.Config
	store      pathstore.Store
	counter    *votes.Counter
	registry   *names.Registry
	dispatcher *notify.Dispatcher
	views      *fanout.Manager
	provider   *auth.Provider
	log        *slog.Logger
}

func New(cfg config.Config, store pathstore.Store, provider *auth.Provider, log *slog.Logger) *Service {
	s := &Service{
		cfg:      cfg,
		store:    store,
		provider: provider,
		log:      log,
	}
	s.dispatcher = notify.NewDispatcher(store, log)
	s.counter = votes.NewCounter(store, s.dispatcher, s, log)
	s.registry = names.NewRegistry(store, log)
	s.views = fanout.NewManager(store, log)
	return s
}

func (s *Service) Dispatcher() *notify.Dispatcher {
	return s.dispatcher
}

func (s *Service) Views() *fanout.Manager {
	return s.views
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// EnsureUser creates the user record on first sign-in and bumps the
// registered-user metric transactionally. A metric failure is logged and
// swallowed: the account matters, the counter is reconciled later by
// SyncUserCount.
func (s *Service) EnsureUser(ctx context.Context, identity auth.Identity) error {
	existing, err := s.store.Read(ctx, UserPath(identity.ID))
	if err != nil {
		return err
	}

	now, err := s.store.Now(ctx)
	if err != nil {
		return err
	}

	if existing != nil {
		return s.store.Update(ctx, UserPath(identity.ID), pathstore.Value{
			"lastLogin": now.UnixMilli(),
		})
	}

	if err := s.store.Write(ctx, UserPath(identity.ID), pathstore.Value{
		"email":     identity.Email,
		"createdAt": now.UnixMilli(),
		"lastLogin": now.UnixMilli(),
	}); err != nil {
		return err
	}

	_, err = s.store.ConditionalUpdate(ctx, registeredUsersPath, func(current pathstore.Value) (pathstore.Value, bool) {
		return pathstore.Value{"count": current.Int("count") + 1}, true
	})
	if err != nil {
		s.log.Warn("registered-user metric update failed", "error", err)
	}
	return nil
}

// SyncUserCount reconciles the registered-user metric against the actual
// users subtree.
func (s *Service) SyncUserCount(ctx context.Context) error {
	snap, err := s.store.ReadTree(ctx, "users")
	if err != nil {
		return err
	}
	return s.store.Write(ctx, registeredUsersPath, pathstore.Value{
		"count": len(snap.Children),
	})
}

func (s *Service) ClaimUsername(ctx context.Context, identity *auth.Identity, name string) error {
	if identity == nil {
		return apperror.Unauthenticated("claiming a username requires a signed-in user")
	}
	return s.registry.Claim(ctx, strings.TrimSpace(name), identity.ID)
}

func (s *Service) CreateThread(ctx context.Context, identity *auth.Identity, category, content string) (Thread, error) {
	if identity == nil {
		return Thread{}, apperror.Unauthenticated("posting requires a signed-in user")
	}
	category = strings.TrimSpace(category)
	content = strings.TrimSpace(content)
	if category == "" {
		return Thread{}, apperror.ValidationFailed("category", "category is required")
	}
	if content == "" {
		return Thread{}, apperror.ValidationFailed("content", "content is required")
	}

	now, err := s.store.Now(ctx)
	if err != nil {
		return Thread{}, err
	}

	threadID := xid.New().String()
	if err := s.store.Write(ctx, ThreadPath(category, threadID), pathstore.Value{
		"userId":      identity.ID,
		"content":     content,
		"createdAt":   now.UnixMilli(),
		"upvoteCount": 0,
		"upvotes":     map[string]any{},
	}); err != nil {
		return Thread{}, err
	}

	return Thread{
		ID:        threadID,
		Category:  category,
		UserID:    identity.ID,
		Author:    s.DisplayName(ctx, identity.ID),
		Content:   content,
		CreatedAt: now,
	}, nil
}

// DeleteThread removes a thread and its subtree. Only the owner may delete;
// a vanished thread is a silent no-op.
func (s *Service) DeleteThread(ctx context.Context, identity *auth.Identity, category, threadID string) error {
	if identity == nil {
		return apperror.Unauthenticated("deleting requires a signed-in user")
	}
	thread, err := s.store.Read(ctx, ThreadPath(category, threadID))
	if err != nil {
		return err
	}
	if thread == nil {
		return nil
	}
	if thread.String("userId") != identity.ID {
		return apperror.Forbidden("only the thread owner can delete it")
	}
	return s.store.Delete(ctx, ThreadPath(category, threadID))
}

func (s *Service) CreateReply(ctx context.Context, identity *auth.Identity, category, threadID, content string) (Reply, error) {
	if identity == nil {
		return Reply{}, apperror.Unauthenticated("replying requires a signed-in user")
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return Reply{}, apperror.ValidationFailed("content", "content is required")
	}

	thread, err := s.store.Read(ctx, ThreadPath(category, threadID))
	if err != nil {
		return Reply{}, err
	}
	if thread == nil {
		return Reply{}, apperror.NotFound("thread", ThreadPath(category, threadID))
	}

	now, err := s.store.Now(ctx)
	if err != nil {
		return Reply{}, err
	}

	replyID := xid.New().String()
	if err := s.store.Write(ctx, ReplyPath(category, threadID, replyID), pathstore.Value{
		"userId":      identity.ID,
		"content":     content,
		"createdAt":   now.UnixMilli(),
		"upvoteCount": 0,
		"upvotes":     map[string]any{},
	}); err != nil {
		return Reply{}, err
	}

	message := s.DisplayName(ctx, identity.ID) + " replied to your post"
	if err := s.dispatcher.Dispatch(ctx, thread.String("userId"), identity.ID, notify.CategoryReply, ThreadPath(category, threadID), message); err != nil {
		s.log.Warn("reply notification failed", "thread", threadID, "error", err)
	}

	return Reply{
		ID:        replyID,
		ThreadID:  threadID,
		UserID:    identity.ID,
		Author:    s.DisplayName(ctx, identity.ID),
		Content:   content,
		CreatedAt: now,
	}, nil
}

// ToggleVote flips the caller's vote on a thread or reply.
func (s *Service) ToggleVote(ctx context.Context, identity *auth.Identity, itemPath string) (votes.ToggleResult, error) {
	userID := ""
	if identity != nil {
		userID = identity.ID
	}
	return s.counter.Toggle(ctx, itemPath, userID)
}

// ListThreads returns the category's threads newest-first. viewerID controls
// the per-thread Voted flag; empty means signed-out.
func (s *Service) ListThreads(ctx context.Context, category, viewerID string) ([]Thread, error) {
	snap, err := s.store.ReadTree(ctx, ThreadsPath(category))
	if err != nil {
		return nil, err
	}

	threads := make([]Thread, 0, len(snap.Children))
	for id, value := range snap.Children {
		thread := s.threadFromValue(ctx, category, id, value, viewerID)
		replyCount, err := s.replyCount(ctx, category, id)
		if err != nil {
			return nil, err
		}
		thread.ReplyCount = replyCount
		threads = append(threads, thread)
	}
	sort.Slice(threads, func(i, j int) bool {
		if !threads[i].CreatedAt.Equal(threads[j].CreatedAt) {
			return threads[i].CreatedAt.After(threads[j].CreatedAt)
		}
		return threads[i].ID > threads[j].ID
	})
	return threads, nil
}

func (s *Service) ListReplies(ctx context.Context, category, threadID, viewerID string) ([]Reply, error) {
	snap, err := s.store.ReadTree(ctx, RepliesPath(category, threadID))
	if err != nil {
		return nil, err
	}

	replies := make([]Reply, 0, len(snap.Children))
	for id, value := range snap.Children {
		replies = append(replies, Reply{
			ID:          id,
			ThreadID:    threadID,
			UserID:      value.String("userId"),
			Author:      s.AuthorLabel(ctx, value),
			Content:     value.String("content"),
			CreatedAt:   time.UnixMilli(value.Int64("createdAt")),
			UpvoteCount: value.Int("upvoteCount"),
			Voted:       viewerID != "" && hasVoted(value, viewerID),
		})
	}
	sort.Slice(replies, func(i, j int) bool {
		if !replies[i].CreatedAt.Equal(replies[j].CreatedAt) {
			return replies[i].CreatedAt.After(replies[j].CreatedAt)
		}
		return replies[i].ID > replies[j].ID
	})
	return replies, nil
}

func (s *Service) threadFromValue(ctx context.Context, category, id string, value pathstore.Value, viewerID string) Thread {
	return Thread{
		ID:          id,
		Category:    category,
		UserID:      value.String("userId"),
		Author:      s.AuthorLabel(ctx, value),
		Content:     value.String("content"),
		CreatedAt:   time.UnixMilli(value.Int64("createdAt")),
		UpvoteCount: value.Int("upvoteCount"),
		Voted:       viewerID != "" && hasVoted(value, viewerID),
	}
}

// replyCount is derived from the replies subtree size, never stored.
func (s *Service) replyCount(ctx context.Context, category, threadID string) (int, error) {
	snap, err := s.store.ReadTree(ctx, RepliesPath(category, threadID))
	if err != nil {
		return 0, err
	}
	return len(snap.Children), nil
}

func hasVoted(item pathstore.Value, userID string) bool {
	_, ok := item.Map("upvotes")[userID]
	return ok
}

// DisplayName resolves a user identifier to its display label with the
// username, email, deleted-user fallback precedence. Implements
// votes.ActorResolver.
func (s *Service) DisplayName(ctx context.Context, userID string) string {
	if userID == "" {
		return deletedUserLabel
	}
	user, err := s.store.Read(ctx, UserPath(userID))
	if err != nil || user == nil {
		return deletedUserLabel
	}
	if username := user.String("username"); username != "" {
		return username
	}
	if email := user.String("email"); email != "" {
		return email
	}
	return deletedUserLabel
}

// AuthorLabel resolves an item's author. Identifier-based lookup is
// canonical; scanning users by email only backfills legacy records that
// predate stored identifiers.
func (s *Service) AuthorLabel(ctx context.Context, item pathstore.Value) string {
	if userID := item.String("userId"); userID != "" {
		return s.DisplayName(ctx, userID)
	}
	if email := item.String("email"); email != "" {
		if label := s.labelByEmail(ctx, email); label != "" {
			return label
		}
		return email
	}
	return deletedUserLabel
}

func (s *Service) labelByEmail(ctx context.Context, email string) string {
	snap, err := s.store.ReadTree(ctx, "users")
	if err != nil {
		return ""
	}
	for _, user := range snap.Children {
		if user.String("email") == email {
			if username := user.String("username"); username != "" {
				return username
			}
			return email
		}
	}
	return ""
}
