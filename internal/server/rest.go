package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/Tyrowin/groupchat/internal/auth"
	"github.com/Tyrowin/groupchat/internal/membership"
	"github.com/Tyrowin/groupchat/internal/observability"
	"github.com/Tyrowin/groupchat/internal/store"
)

// ErrForbidden is returned when strict membership denies an operation.
var ErrForbidden = errors.New("forbidden")

type userIDKey struct{}

// UserIDFrom returns the authenticated caller stored by the auth middleware.
func UserIDFrom(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(userIDKey{}).(int64)
	return id, ok
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

type errorBody struct {
	Error string `json:"error"`
}

// writeError maps the error taxonomy onto status codes.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	msg := "internal error"

	var v *membership.Violation
	switch {
	case errors.As(err, &v):
		status, msg = http.StatusBadRequest, v.Detail
	case errors.Is(err, ErrMalformedInput):
		status, msg = http.StatusBadRequest, err.Error()
	case errors.Is(err, store.ErrNotFound):
		status, msg = http.StatusNotFound, err.Error()
	case errors.Is(err, auth.ErrUnauthorized):
		status, msg = http.StatusUnauthorized, err.Error()
	case errors.Is(err, ErrForbidden):
		status, msg = http.StatusForbidden, err.Error()
	case errors.Is(err, store.ErrConflict):
		status, msg = http.StatusConflict, err.Error()
	default:
		observability.LoggerFromContext(r.Context()).Error("request failed",
			"method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, errorBody{Error: msg})
}

func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedInput, err)
	}
	return nil
}

// authenticate resolves the bearer token and stores the caller in the context.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, err := s.verifier.Verify(auth.BearerToken(r.Header.Get("Authorization")))
		if err != nil {
			writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userIDKey{}, userID)))
	})
}

func caller(r *http.Request) int64 {
	id, _ := UserIDFrom(r.Context())
	return id
}

func strict() bool {
	return CurrentConfig().StrictMembership
}

// canManage decides who may change a chat under strict membership: admins of
// a group, participants of a simple chat. A group nobody administers yet can
// be managed by its participants, and an empty group by anyone.
func canManage(chat *membership.Chat, userID int64) bool {
	if chat.Kind == membership.KindSimple {
		return chat.IsParticipant(userID)
	}
	if len(chat.Admins) > 0 {
		return chat.IsAdmin(userID)
	}
	return len(chat.Participants) == 0 || chat.IsParticipant(userID)
}

// loadChat fetches the target chat's membership and applies the strict
// membership check.
func (s *Server) loadChat(r *http.Request, manage bool) (*membership.Chat, error) {
	chatID, ok := pathID(r, "chatId")
	if !ok {
		return nil, fmt.Errorf("%w: invalid chat id", ErrMalformedInput)
	}
	chat, err := s.store.FindChatMembers(r.Context(), chatID)
	if err != nil {
		return nil, err
	}
	if !strict() {
		return chat, nil
	}
	userID := caller(r)
	if manage && !canManage(chat, userID) {
		return nil, ErrForbidden
	}
	if !manage && !chat.IsParticipant(userID) {
		return nil, ErrForbidden
	}
	return chat, nil
}

func (s *Server) listChats(w http.ResponseWriter, r *http.Request) {
	chats, err := s.store.ListChats(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	if strict() {
		userID := caller(r)
		visible := chats[:0]
		for i := range chats {
			if chats[i].IsParticipant(userID) {
				visible = append(visible, chats[i])
			}
		}
		chats = visible
	}
	writeJSON(w, http.StatusOK, chats)
}

type createChatRequest struct {
	Type         string  `json:"type"`
	Title        string  `json:"title"`
	Logo         string  `json:"logo"`
	Participants []int64 `json:"participants"`
	Admins       []int64 `json:"admins"`
}

type createChatResponse struct {
	Chat    *membership.Chat `json:"chat"`
	Skipped skippedMembers   `json:"skipped"`
}

type skippedMembers struct {
	Participants []int64 `json:"participants"`
	Admins       []int64 `json:"admins"`
}

func (s *Server) createChat(w http.ResponseWriter, r *http.Request) {
	var req createChatRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	kind, ok := membership.ParseChatKind(req.Type)
	if !ok {
		writeError(w, r, &membership.Violation{Kind: membership.UnknownChatKind, Detail: "unknown chat type " + req.Type})
		return
	}
	if kind == membership.KindSimple {
		req.Title, req.Logo = "", ""
	}

	draft := store.ChatDraft{
		Kind:         kind,
		Title:        req.Title,
		Logo:         req.Logo,
		Participants: req.Participants,
		Admins:       req.Admins,
	}
	chat, err := s.store.CreateChat(r.Context(), draft)
	if err != nil {
		writeError(w, r, err)
		return
	}
	resp := createChatResponse{Chat: chat}
	resp.Skipped.Participants, resp.Skipped.Admins = draft.Skipped(chat)
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) getChat(w http.ResponseWriter, r *http.Request) {
	chat, err := s.loadChat(r, false)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if chat, err = s.store.FindChat(r.Context(), chat.ID); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, chat)
}

func (s *Server) updateChat(w http.ResponseWriter, r *http.Request) {
	chat, err := s.loadChat(r, true)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var patch membership.ChatPatch
	if err := decodeBody(r, &patch); err != nil {
		writeError(w, r, err)
		return
	}
	updated, err := s.store.UpdateChat(r.Context(), chat.ID, patch)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) deleteChat(w http.ResponseWriter, r *http.Request) {
	chat, err := s.loadChat(r, true)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.store.DeleteChat(r.Context(), chat.ID); err != nil {
		writeError(w, r, err)
		return
	}
	if n := s.hub.CloseChat(chat.ID, CloseChatNotFound, "Chat not found"); n > 0 {
		observability.LoggerFromContext(r.Context()).Info("closed streams of deleted chat", "chat_id", chat.ID, "count", n)
	}
	w.WriteHeader(http.StatusNoContent)
}

type batchOp func(ctx context.Context, chatID int64, userIDs []int64) (membership.BatchResult, error)

// membershipHandler serves the four batch membership mutations. field names
// the id list in the request body.
func (s *Server) membershipHandler(field string, op batchOp) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		chat, err := s.loadChat(r, true)
		if err != nil {
			writeError(w, r, err)
			return
		}
		var body map[string][]int64
		if err := decodeBody(r, &body); err != nil {
			writeError(w, r, err)
			return
		}
		ids, ok := body[field]
		if !ok {
			writeError(w, r, fmt.Errorf("%w: %s is required", ErrMalformedInput, field))
			return
		}
		res, err := op(r.Context(), chat.ID, ids)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	chat, err := s.loadChat(r, false)
	if err != nil {
		writeError(w, r, err)
		return
	}
	msgs, err := s.store.ListMessages(r.Context(), chat.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

type markReadRequest struct {
	Users []int64 `json:"users"`
}

func (s *Server) markRead(w http.ResponseWriter, r *http.Request) {
	chat, err := s.loadChat(r, false)
	if err != nil {
		writeError(w, r, err)
		return
	}
	messageID, ok := pathID(r, "messageId")
	if !ok {
		writeError(w, r, fmt.Errorf("%w: invalid message id", ErrMalformedInput))
		return
	}
	var req markReadRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if strict() {
		req.Users = []int64{caller(r)}
	}
	res, err := s.store.MarkRead(r.Context(), chat.ID, messageID, req.Users)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type putUserRequest struct {
	Email string `json:"email"`
}

// putUser registers or updates the caller's own directory entry.
func (s *Server) putUser(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(r, "userId")
	if !ok {
		writeError(w, r, fmt.Errorf("%w: invalid user id", ErrMalformedInput))
		return
	}
	if userID != caller(r) {
		writeError(w, r, ErrForbidden)
		return
	}
	var req putUserRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	user, err := s.store.PutUser(r.Context(), membership.User{ID: userID, Email: req.Email})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (s *Server) deleteUser(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(r, "userId")
	if !ok {
		writeError(w, r, fmt.Errorf("%w: invalid user id", ErrMalformedInput))
		return
	}
	if userID != caller(r) {
		writeError(w, r, ErrForbidden)
		return
	}
	if err := s.store.DeleteUser(r.Context(), userID); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
