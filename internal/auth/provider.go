// Package auth supplies caller identity: email/password credentials kept in
// the store, HS256 session tokens, and a sign-in/sign-out event stream for
// the UI layer.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/rs/xid"

	"tidepool/api/internal/apperror"
	"tidepool/api/internal/pathstore"
)

var (
	ErrEmailRegistered = errors.New("email already registered")
	ErrBadCredentials  = errors.New("invalid email or password")
)

type EventType string

const (
	EventSignIn  EventType = "sign-in"
	EventSignOut EventType = "sign-out"
)

// Event is one auth state change, delivered to every listener.
type Event struct {
	Type     EventType
	Identity Identity
}

// Provider implements the identity surface the core consumes: CurrentUser
// plus the auth state stream.
type Provider struct {
	store  pathstore.Store
	tokens *TokenService
	log    *slog.Logger

	mu        sync.Mutex
	listeners []chan Event
}

func NewProvider(store pathstore.Store, tokens *TokenService, log *slog.Logger) *Provider {
	return &Provider{store: store, tokens: tokens, log: log}
}

// credentialPath keys credentials by a digest of the normalized email, since
// raw emails are not valid path segments.
func credentialPath(email string) string {
	sum := sha256.Sum256([]byte(normalizeEmail(email)))
	return "credentials/" + hex.EncodeToString(sum[:])
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// SignUp registers a new credential record. The record is claimed with a
// compare-and-set so two concurrent signups for the same email produce
// exactly one account.
func (p *Provider) SignUp(ctx context.Context, email, password string) (Identity, error) {
	email = normalizeEmail(email)
	if email == "" || !strings.Contains(email, "@") {
		return Identity{}, apperror.ValidationFailed("email", "a valid email is required")
	}
	hash, err := HashPassword(password)
	if err != nil {
		return Identity{}, err
	}

	id := xid.New().String()
	result, err := p.store.ConditionalUpdate(ctx, credentialPath(email), func(current pathstore.Value) (pathstore.Value, bool) {
		if current != nil {
			return nil, false
		}
		return pathstore.Value{
			"userId":       id,
			"email":        email,
			"passwordHash": hash,
		}, true
	})
	if err != nil {
		return Identity{}, err
	}
	if !result.Committed {
		return Identity{}, ErrEmailRegistered
	}

	identity := Identity{ID: id, Email: email}
	p.emit(Event{Type: EventSignIn, Identity: identity})
	p.log.Info("user signed up", "user", id)
	return identity, nil
}

// SignIn checks the credential and returns the identity on success.
func (p *Provider) SignIn(ctx context.Context, email, password string) (Identity, error) {
	credential, err := p.store.Read(ctx, credentialPath(email))
	if err != nil {
		return Identity{}, err
	}
	if credential == nil || !CheckPassword(credential.String("passwordHash"), password) {
		return Identity{}, ErrBadCredentials
	}

	identity := Identity{
		ID:    credential.String("userId"),
		Email: credential.String("email"),
	}
	p.emit(Event{Type: EventSignIn, Identity: identity})
	return identity, nil
}

// SignOut only emits the state change; session tokens are stateless and
// expire on their own.
func (p *Provider) SignOut(identity Identity) {
	p.emit(Event{Type: EventSignOut, Identity: identity})
}

// IssueToken mints a session token for the identity.
func (p *Provider) IssueToken(identity Identity) (string, error) {
	return p.tokens.Issue(identity)
}

// CurrentUser resolves a session token to an identity. An empty token means
// no caller identity and returns nil without error.
func (p *Provider) CurrentUser(tokenString string) (*Identity, error) {
	if tokenString == "" {
		return nil, nil
	}
	identity, err := p.tokens.Validate(tokenString)
	if err != nil {
		return nil, err
	}
	return &identity, nil
}

// Subscribe returns a stream of auth state changes. Slow listeners drop
// events rather than block sign-in.
func (p *Provider) Subscribe() <-chan Event {
	ch := make(chan Event, 16)
	p.mu.Lock()
	p.listeners = append(p.listeners, ch)
	p.mu.Unlock()
	return ch
}

func (p *Provider) emit(event Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ch := range p.listeners {
		select {
		case ch <- event:
		default:
		}
	}
}
