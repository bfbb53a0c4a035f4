package server

import (
	"encoding/base64"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/parley-chat/parley/internal/callsession"
	"github.com/parley-chat/parley/internal/event"
	"github.com/parley-chat/parley/internal/gate"
	"github.com/parley-chat/parley/internal/storage"
)

// socketID returns the caller's own realtime connection id, used to exclude
// it from "to others" broadcasts of its own actions.
func socketID(r *http.Request) string {
	return r.Header.Get("X-Socket-ID")
}

func pathID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	return id, err == nil && id > 0
}

func (s *Server) registerUsers(mux *http.ServeMux) {
	// Registration issues the token; everything else requires it.
	handlePost(mux, "/api/users", func(w http.ResponseWriter, r *http.Request, req struct {
		Name   string `json:"name"`
		Avatar string `json:"avatar"`
	}) {
		if req.Name == "" {
			writeError(w, http.StatusBadRequest, "missing name")
			return
		}
		id, err := s.db.CreateUser(r.Context(), req.Name, req.Avatar)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		token, err := s.issueToken(id, req.Name)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, map[string]any{"id": id, "token": token})
	})

	handleGet(mux, "/api/users/{id}", s.authenticate(func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(r)
		if !ok {
			writeError(w, http.StatusBadRequest, "bad user id")
			return
		}
		m, err := s.db.Member(r.Context(), id)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, m)
	}))

	// Published encryption keys. The server stores them opaque — it can
	// never read the messages they protect.
	handleGet(mux, "/api/users/{id}/key", s.authenticate(func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(r)
		if !ok {
			writeError(w, http.StatusBadRequest, "bad user id")
			return
		}
		key, err := s.db.PublicKey(r.Context(), id)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, map[string]string{"key": base64.StdEncoding.EncodeToString(key)})
	}))

	handleAuthedPost(mux, s, "/api/me/key", func(w http.ResponseWriter, r *http.Request, p principal, req struct {
		Key string `json:"key"`
	}) {
		key, err := base64.StdEncoding.DecodeString(req.Key)
		if err != nil || len(key) == 0 {
			writeError(w, http.StatusBadRequest, "bad key encoding")
			return
		}
		if err := s.db.SetPublicKey(r.Context(), p.UserID, key); err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, map[string]string{"status": "ok"})
	})
}

func (s *Server) registerMessages(mux *http.ServeMux) {
	handleAuthedPost(mux, s, "/api/conversations", func(w http.ResponseWriter, r *http.Request, p principal, req struct {
		Kind      string  `json:"kind"`
		Name      string  `json:"name"`
		MemberIDs []int64 `json:"member_ids"`
	}) {
		if req.Kind != storage.ConversationDirect && req.Kind != storage.ConversationGroup {
			writeError(w, http.StatusBadRequest, "bad conversation kind")
			return
		}
		members := req.MemberIDs
		found := false
		for _, id := range members {
			if id == p.UserID {
				found = true
			}
		}
		if !found {
			members = append(members, p.UserID)
		}
		id, err := s.db.CreateConversation(r.Context(), req.Kind, req.Name, members)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, map[string]any{"id": id, "channel": gate.ConversationChannel(id)})
	})

	handleAuthedPost(mux, s, "/api/conversations/{id}/leave", func(w http.ResponseWriter, r *http.Request, p principal, _ struct{}) {
		id, ok := pathID(r)
		if !ok {
			writeError(w, http.StatusBadRequest, "bad conversation id")
			return
		}
		if err := s.db.LeaveConversation(r.Context(), id, p.UserID); err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, map[string]string{"status": "ok"})
	})

	handleGet(mux, "/api/conversations/{id}/messages", s.authenticate(func(w http.ResponseWriter, r *http.Request) {
		p, _ := principalFrom(r.Context())
		id, ok := pathID(r)
		if !ok {
			writeError(w, http.StatusBadRequest, "bad conversation id")
			return
		}
		if !s.requireMember(w, r, id, p.UserID) {
			return
		}
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		msgs, err := s.db.MessagesFor(r.Context(), id, limit)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, map[string]any{"messages": msgs})
	}))

	handleAuthedPost(mux, s, "/api/messages", func(w http.ResponseWriter, r *http.Request, p principal, req struct {
		ConversationID int64  `json:"conversation_id"`
		Type           string `json:"type"`
		Content        string `json:"content"`
		FilePath       string `json:"file_path"`
		FileName       string `json:"file_name"`
	}) {
		if req.ConversationID <= 0 || req.Type == "" {
			writeError(w, http.StatusBadRequest, "missing conversation_id or type")
			return
		}
		if !s.requireMember(w, r, req.ConversationID, p.UserID) {
			return
		}
		msg := &storage.Message{
			ID:             uuid.NewString(),
			ConversationID: req.ConversationID,
			SenderID:       p.UserID,
			Type:           req.Type,
			Content:        req.Content,
			FilePath:       req.FilePath,
			FileName:       req.FileName,
			CreatedAt:      time.Now(),
		}
		if err := s.db.SaveMessage(r.Context(), msg); err != nil {
			writeDomainError(w, err)
			return
		}
		sender, _ := s.db.Member(r.Context(), p.UserID)
		s.hub.Broadcast(gate.ConversationChannel(msg.ConversationID), event.Envelope{
			Kind:     event.KindMessageSent,
			SenderID: p.UserID,
			Payload: &event.MessageSent{
				MessageID:      msg.ID,
				ConversationID: msg.ConversationID,
				Sender:         event.UserRef{ID: sender.ID, Name: sender.Name, Avatar: sender.Avatar},
				Type:           msg.Type,
				Content:        msg.Content,
				FilePath:       msg.FilePath,
				FileName:       msg.FileName,
				CreatedAt:      msg.CreatedAt,
			},
		}, socketID(r))
		writeJSON(w, msg)
	})

	handleAuthedPost(mux, s, "/api/messages/{id}/edit", func(w http.ResponseWriter, r *http.Request, p principal, req struct {
		Content string `json:"content"`
	}) {
		msgID := r.PathValue("id")
		if msgID == "" {
			writeError(w, http.StatusBadRequest, "bad message id")
			return
		}
		// EditMessage matches on sender, so a foreign edit reads as missing.
		if err := s.db.EditMessage(r.Context(), msgID, p.UserID, req.Content); err != nil {
			writeDomainError(w, err)
			return
		}
		msg, err := s.db.MessageByID(r.Context(), msgID)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		sender, _ := s.db.Member(r.Context(), p.UserID)
		s.hub.Broadcast(gate.ConversationChannel(msg.ConversationID), event.Envelope{
			Kind:     event.KindMessageSent,
			SenderID: p.UserID,
			Payload: &event.MessageSent{
				MessageID:      msg.ID,
				ConversationID: msg.ConversationID,
				Sender:         event.UserRef{ID: sender.ID, Name: sender.Name, Avatar: sender.Avatar},
				Type:           msg.Type,
				Content:        msg.Content,
				FilePath:       msg.FilePath,
				FileName:       msg.FileName,
				CreatedAt:      msg.CreatedAt,
				IsEdited:       true,
			},
		}, socketID(r))
		writeJSON(w, msg)
	})

	handleAuthedPost(mux, s, "/api/messages/{id}/read", func(w http.ResponseWriter, r *http.Request, p principal, _ struct{}) {
		msgID := r.PathValue("id")
		msg, err := s.db.MessageByID(r.Context(), msgID)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		if !s.requireMember(w, r, msg.ConversationID, p.UserID) {
			return
		}
		now := time.Now()
		if err := s.db.MarkRead(r.Context(), msgID, p.UserID, now); err != nil {
			writeDomainError(w, err)
			return
		}
		reader, _ := s.db.Member(r.Context(), p.UserID)
		s.hub.Broadcast(gate.ConversationChannel(msg.ConversationID), event.Envelope{
			Kind:     event.KindMessageRead,
			SenderID: p.UserID,
			Payload: &event.MessageRead{
				MessageID:      msg.ID,
				ConversationID: msg.ConversationID,
				ReaderID:       p.UserID,
				ReaderName:     reader.Name,
				ReadAt:         now,
			},
		}, socketID(r))
		writeJSON(w, map[string]string{"status": "ok"})
	})
}

// callView is the REST shape of a call record.
type callView struct {
	ID                string    `json:"id"`
	ConversationID    int64     `json:"conversation_id"`
	CallerID          int64     `json:"caller_id"`
	ReceiverID        int64     `json:"receiver_id,omitempty"`
	Invited           []int64   `json:"invited,omitempty"`
	Kind              string    `json:"kind"`
	Status            string    `json:"status"`
	StartedAt         time.Time `json:"started_at,omitzero"`
	EndedAt           time.Time `json:"ended_at,omitzero"`
	Duration          int64     `json:"duration"`
	FormattedDuration string    `json:"formatted_duration,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

func viewCall(rec *callsession.Record) callView {
	return callView{
		ID:                rec.ID,
		ConversationID:    rec.ConversationID,
		CallerID:          rec.CallerID,
		ReceiverID:        rec.ReceiverID,
		Invited:           rec.Invited,
		Kind:              string(rec.Kind),
		Status:            string(rec.Status),
		StartedAt:         rec.StartedAt,
		EndedAt:           rec.EndedAt,
		Duration:          rec.Duration,
		FormattedDuration: rec.FormattedDuration(),
		CreatedAt:         rec.CreatedAt,
	}
}

func (s *Server) registerCalls(mux *http.ServeMux) {
	handleAuthedPost(mux, s, "POST /api/calls", func(w http.ResponseWriter, r *http.Request, p principal, req struct {
		ConversationID int64   `json:"conversation_id"`
		ReceiverID     int64   `json:"receiver_id"`
		Invited        []int64 `json:"invited"`
		Kind           string  `json:"kind"`
	}) {
		caller, err := s.db.Member(r.Context(), p.UserID)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		rec, err := s.calls.Initiate(r.Context(), callsession.InitiateInput{
			ConversationID: req.ConversationID,
			Caller:         event.UserRef{ID: caller.ID, Name: caller.Name, Avatar: caller.Avatar},
			ReceiverID:     req.ReceiverID,
			Invited:        req.Invited,
			Kind:           callsession.Kind(req.Kind),
		})
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, viewCall(rec))
	})

	transition := func(apply func(r *http.Request, callID string, userID int64) (*callsession.Record, error)) func(http.ResponseWriter, *http.Request, principal, struct{}) {
		return func(w http.ResponseWriter, r *http.Request, p principal, _ struct{}) {
			callID := r.PathValue("id")
			rec, err := apply(r, callID, p.UserID)
			if err != nil {
				writeDomainError(w, err)
				return
			}
			writeJSON(w, viewCall(rec))
		}
	}

	handleAuthedPost(mux, s, "/api/calls/{id}/accept", transition(
		func(r *http.Request, callID string, userID int64) (*callsession.Record, error) {
			return s.calls.Accept(r.Context(), callID, userID)
		}))
	handleAuthedPost(mux, s, "/api/calls/{id}/reject", transition(
		func(r *http.Request, callID string, userID int64) (*callsession.Record, error) {
			return s.calls.Reject(r.Context(), callID, userID)
		}))
	handleAuthedPost(mux, s, "/api/calls/{id}/end", transition(
		func(r *http.Request, callID string, userID int64) (*callsession.Record, error) {
			return s.calls.End(r.Context(), callID, userID)
		}))

	handleGet(mux, "/api/calls/{id}", s.authenticate(func(w http.ResponseWriter, r *http.Request) {
		p, _ := principalFrom(r.Context())
		rec, err := s.calls.Get(r.Context(), r.PathValue("id"))
		if err != nil {
			writeDomainError(w, err)
			return
		}
		if rec.RoleOf(p.UserID) == callsession.RoleNone {
			// Outsiders cannot tell a hidden call from a missing one.
			writeError(w, http.StatusNotFound, callsession.ErrNotFound.Error())
			return
		}
		writeJSON(w, viewCall(rec))
	}))

	handleGet(mux, "GET /api/calls", s.authenticate(func(w http.ResponseWriter, r *http.Request) {
		p, _ := principalFrom(r.Context())
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		recs, err := s.calls.History(r.Context(), p.UserID, limit)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		views := make([]callView, 0, len(recs))
		for _, rec := range recs {
			views = append(views, viewCall(rec))
		}
		writeJSON(w, map[string]any{"calls": views})
	}))
}

// requireMember writes the opaque denial and returns false when the
// principal is not a current member of the conversation.
func (s *Server) requireMember(w http.ResponseWriter, r *http.Request, conversationID, userID int64) bool {
	ok, err := s.db.IsMember(r.Context(), conversationID, userID)
	if err != nil {
		writeDomainError(w, err)
		return false
	}
	if !ok {
		writeError(w, http.StatusForbidden, gate.ErrChannelDenied.Error())
		return false
	}
	return true
}
