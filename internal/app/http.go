package app

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/xid"

	"tidepool/api/internal/apperror"
	"tidepool/api/internal/auth"
	"tidepool/api/internal/fanout"
)

type HTTPServer struct {
	service    *Service
	provider   *auth.Provider
	corsOrigin string
	log        *slog.Logger
}

func NewHTTPServer(service *Service, provider *auth.Provider, corsOrigin string, log *slog.Logger) *HTTPServer {
	return &HTTPServer{
		service:    service,
		provider:   provider,
		corsOrigin: corsOrigin,
		log:        log,
	}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/ready" {
		if err := s.service.Ping(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "NOT_READY", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/signup" {
		s.handleSignUp(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/signin" {
		s.handleSignIn(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/signout" {
		if identity := s.identity(r); identity != nil {
			s.provider.SignOut(*identity)
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/session" {
		identity := s.identity(r)
		if identity == nil {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"authenticated": true,
			"userId":        identity.ID,
			"email":         identity.Email,
		})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/username" {
		s.handleClaimUsername(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/vote" {
		s.handleVote(w, r)
		return
	}

	if strings.HasPrefix(r.URL.Path, "/api/notifications") {
		s.handleNotifications(w, r)
		return
	}

	if strings.HasPrefix(r.URL.Path, "/api/watch/categories/") {
		s.handleWatchThreads(w, r)
		return
	}

	if strings.HasPrefix(r.URL.Path, "/api/categories/") {
		s.handleCategories(w, r)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "no such route")
}

func (s *HTTPServer) handleSignUp(w http.ResponseWriter, r *http.Request) {
	var input struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid JSON body")
		return
	}

	identity, err := s.provider.SignUp(r.Context(), input.Email, input.Password)
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	if err := s.service.EnsureUser(r.Context(), identity); err != nil {
		s.writeAppError(w, err)
		return
	}
	s.writeSession(w, identity)
}

func (s *HTTPServer) handleSignIn(w http.ResponseWriter, r *http.Request) {
	var input struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid JSON body")
		return
	}

	identity, err := s.provider.SignIn(r.Context(), input.Email, input.Password)
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	if err := s.service.EnsureUser(r.Context(), identity); err != nil {
		s.writeAppError(w, err)
		return
	}
	s.writeSession(w, identity)
}

func (s *HTTPServer) writeSession(w http.ResponseWriter, identity auth.Identity) {
	token, err := s.provider.IssueToken(identity)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL", "could not issue session token")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":  token,
		"userId": identity.ID,
		"email":  identity.Email,
	})
}

func (s *HTTPServer) handleClaimUsername(w http.ResponseWriter, r *http.Request) {
	var input struct {
		Username string `json:"username"`
	}
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid JSON body")
		return
	}
	if err := s.service.ClaimUsername(r.Context(), s.identity(r), input.Username); err != nil {
		s.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"username": strings.TrimSpace(input.Username)})
}

func (s *HTTPServer) handleVote(w http.ResponseWriter, r *http.Request) {
	var input struct {
		Category string `json:"category"`
		ThreadID string `json:"threadId"`
		ReplyID  string `json:"replyId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid JSON body")
		return
	}
	if input.Category == "" || input.ThreadID == "" {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "category and threadId are required")
		return
	}

	itemPath := ThreadPath(input.Category, input.ThreadID)
	if input.ReplyID != "" {
		itemPath = ReplyPath(input.Category, input.ThreadID, input.ReplyID)
	}

	result, err := s.service.ToggleVote(r.Context(), s.identity(r), itemPath)
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"found": result.Found,
		"voted": result.Voted,
		"count": result.Count,
	})
}

func (s *HTTPServer) handleNotifications(w http.ResponseWriter, r *http.Request) {
	identity := s.identity(r)
	if identity == nil {
		s.writeAppError(w, apperror.Unauthenticated("notifications require a signed-in user"))
		return
	}
	dispatcher := s.service.Dispatcher()
	rest := strings.TrimPrefix(r.URL.Path, "/api/notifications")

	switch {
	case r.Method == http.MethodGet && rest == "":
		items, unread, err := dispatcher.List(r.Context(), identity.ID)
		if err != nil {
			s.writeAppError(w, err)
			return
		}
		payload := make([]map[string]any, 0, len(items))
		for _, n := range items {
			payload = append(payload, map[string]any{
				"id":        n.ID,
				"message":   n.Message,
				"category":  string(n.Category),
				"sourceId":  n.SourceID,
				"createdAt": n.CreatedAt.Format(time.RFC3339),
				"read":      n.Read,
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": payload, "unread": unread})

	case r.Method == http.MethodPost && rest == "/clear":
		if err := dispatcher.ClearAll(r.Context(), identity.ID); err != nil {
			s.writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	case r.Method == http.MethodPost && strings.HasSuffix(rest, "/read"):
		id := strings.TrimSuffix(strings.TrimPrefix(rest, "/"), "/read")
		if err := dispatcher.MarkRead(r.Context(), identity.ID, id); err != nil {
			s.writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "no such route")
	}
}

// handleCategories routes /api/categories/{cat}/threads[/{id}[/replies]].
func (s *HTTPServer) handleCategories(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/api/categories/"), "/")
	identity := s.identity(r)
	viewerID := ""
	if identity != nil {
		viewerID = identity.ID
	}

	switch {
	case len(parts) == 2 && parts[1] == "threads" && r.Method == http.MethodGet:
		threads, err := s.service.ListThreads(r.Context(), parts[0], viewerID)
		if err != nil {
			s.writeAppError(w, err)
			return
		}
		if limit := queryInt(r, "limit"); limit > 0 && len(threads) > limit {
			threads = threads[:limit]
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": threads})

	case len(parts) == 2 && parts[1] == "threads" && r.Method == http.MethodPost:
		var input struct {
			Content string `json:"content"`
		}
		if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
			writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid JSON body")
			return
		}
		thread, err := s.service.CreateThread(r.Context(), identity, parts[0], input.Content)
		if err != nil {
			s.writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, thread)

	case len(parts) == 3 && parts[1] == "threads" && r.Method == http.MethodDelete:
		if err := s.service.DeleteThread(r.Context(), identity, parts[0], parts[2]); err != nil {
			s.writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	case len(parts) == 4 && parts[1] == "threads" && parts[3] == "replies" && r.Method == http.MethodGet:
		replies, err := s.service.ListReplies(r.Context(), parts[0], parts[2], viewerID)
		if err != nil {
			s.writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": replies})

	case len(parts) == 4 && parts[1] == "threads" && parts[3] == "replies" && r.Method == http.MethodPost:
		var input struct {
			Content string `json:"content"`
		}
		if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
			writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid JSON body")
			return
		}
		reply, err := s.service.CreateReply(r.Context(), identity, parts[0], parts[2], input.Content)
		if err != nil {
			s.writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, reply)

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "no such route")
	}
}

// handleWatchThreads streams live thread views for a category over SSE. Each
// connection owns one fan-out region, detached when the client goes away.
func (s *HTTPServer) handleWatchThreads(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/api/watch/categories/"), "/")
	if r.Method != http.MethodGet || len(parts) != 2 || parts[1] != "threads" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "no such route")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "INTERNAL", "streaming unsupported")
		return
	}

	mode := fanout.ModeExpanded
	limit := queryInt(r, "limit")
	if limit > 0 {
		mode = fanout.ModePreview
	}

	updates := make(chan fanout.View, 4)
	region := "sse-" + xid.New().String()
	_, err := s.service.Views().Attach(r.Context(), region, ThreadsPath(parts[0]), mode, limit,
		fanout.ConsumerFunc(func(view fanout.View) {
			select {
			case updates <- view:
			default:
			}
		}))
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	defer s.service.Views().Detach(region)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case view := <-updates:
			items := make([]map[string]any, 0, len(view.Items))
			for _, item := range view.Items {
				items = append(items, map[string]any{
					"id":          item.Key,
					"userId":      item.Value.String("userId"),
					"content":     item.Value.String("content"),
					"createdAt":   item.CreatedAt.Format(time.RFC3339),
					"upvoteCount": item.Value.Int("upvoteCount"),
				})
			}
			data, err := json.Marshal(map[string]any{"items": items, "truncated": view.Truncated})
			if err != nil {
				continue
			}
			if _, err := w.Write([]byte("data: " + string(data) + "\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// identity resolves the bearer token to the caller, or nil when signed out
// or the token is invalid.
func (s *HTTPServer) identity(r *http.Request) *auth.Identity {
	identity, err := s.provider.CurrentUser(bearerToken(r))
	if err != nil {
		return nil
	}
	return identity
}

func (s *HTTPServer) writeAppError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, apperror.ErrUnauthenticated), errors.Is(err, auth.ErrBadCredentials), errors.Is(err, auth.ErrInvalidToken):
		writeError(w, http.StatusUnauthorized, "UNAUTHENTICATED", err.Error())
	case errors.Is(err, apperror.ErrForbidden):
		writeError(w, http.StatusForbidden, "FORBIDDEN", err.Error())
	case errors.Is(err, apperror.ErrNotFound):
		writeError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, apperror.ErrNameTaken), errors.Is(err, auth.ErrEmailRegistered):
		writeError(w, http.StatusConflict, "CONFLICT", err.Error())
	case errors.Is(err, apperror.ErrValidation):
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error())
	case errors.Is(err, apperror.ErrStoreUnavailable):
		writeError(w, http.StatusServiceUnavailable, "STORE_UNAVAILABLE", err.Error())
	default:
		s.log.Error("internal error", "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL", "internal error")
	}
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", s.corsOrigin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")

		start := time.Now()
		rw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		s.log.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rw.status,
			"duration", time.Since(start))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return ""
}

func queryInt(r *http.Request, key string) int {
	n, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil {
		return 0
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{"code": code, "message": message},
	})
}
