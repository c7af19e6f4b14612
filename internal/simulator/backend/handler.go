package backend

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Handler serves a Memory server over the REST API spoken by HTTPClient.
type Handler struct {
	srv *Memory
	mux *http.ServeMux

	mu       sync.Mutex
	sessions map[string]Session
}

// NewHandler returns an http.Handler exposing srv.
func NewHandler(srv *Memory) *Handler {
	h := &Handler{
		srv:      srv,
		mux:      http.NewServeMux(),
		sessions: make(map[string]Session),
	}

	h.mux.HandleFunc("GET "+apiPrefix+"/users/{name}", h.getUser)
	h.mux.HandleFunc("POST "+apiPrefix+"/users", h.createUser)
	h.mux.HandleFunc("POST "+apiPrefix+"/users/{name}/duplicate", h.duplicateUser)
	h.mux.HandleFunc("POST "+apiPrefix+"/sessions", h.logon)
	h.mux.HandleFunc("DELETE "+apiPrefix+"/sessions", h.logoff)
	h.mux.HandleFunc("POST "+apiPrefix+"/messages", h.send)
	h.mux.HandleFunc("GET "+apiPrefix+"/folders/{folder}/messages", h.list)
	h.mux.HandleFunc("DELETE "+apiPrefix+"/folders/{folder}/messages", h.empty)
	h.mux.HandleFunc("GET "+apiPrefix+"/folders/{folder}/messages/{id}", h.fetch)
	h.mux.HandleFunc("GET "+apiPrefix+"/folders/{folder}/messages/{id}/attachments/{n}", h.fetchAttachment)
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// Sessions returns the number of open sessions.
func (h *Handler) Sessions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ErrExists):
		status = http.StatusConflict
	case errors.Is(err, ErrLogonFailed), errors.Is(err, ErrSessionClosed):
		status = http.StatusUnauthorized
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return false
	}
	return true
}

func (h *Handler) session(w http.ResponseWriter, r *http.Request) (Session, bool) {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	h.mu.Lock()
	s, ok := h.sessions[token]
	h.mu.Unlock()
	if !ok {
		writeError(w, ErrSessionClosed)
		return nil, false
	}
	return s, true
}

func (h *Handler) getUser(w http.ResponseWriter, r *http.Request) {
	ok, _ := h.srv.Exists(r.Context(), r.PathValue("name"))
	if !ok {
		writeError(w, ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"username": r.PathValue("name")})
}

func (h *Handler) createUser(w http.ResponseWriter, r *http.Request) {
	var in wireAccount
	if !decode(w, r, &in) {
		return
	}
	if err := h.srv.Create(r.Context(), Account{Username: in.Username, Password: in.Password, Domain: in.Domain, Mailbox: in.Mailbox}); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"username": in.Username})
}

func (h *Handler) duplicateUser(w http.ResponseWriter, r *http.Request) {
	var in wireAccount
	if !decode(w, r, &in) {
		return
	}
	acct := Account{Username: in.Username, Password: in.Password, Domain: in.Domain, Mailbox: in.Mailbox}
	if err := h.srv.Duplicate(r.Context(), r.PathValue("name"), acct); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"username": in.Username})
}

func (h *Handler) logon(w http.ResponseWriter, r *http.Request) {
	var in wireAccount
	if !decode(w, r, &in) {
		return
	}
	s, err := h.srv.Logon(r.Context(), Account{Username: in.Username, Password: in.Password, Domain: in.Domain, Mailbox: in.Mailbox})
	if err != nil {
		writeError(w, err)
		return
	}

	token := uuid.NewString()
	h.mu.Lock()
	h.sessions[token] = s
	h.mu.Unlock()

	writeJSON(w, http.StatusCreated, map[string]string{"token": token, "mailbox": s.Mailbox()})
}

func (h *Handler) logoff(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	h.mu.Lock()
	delete(h.sessions, token)
	h.mu.Unlock()

	_ = s.Logoff(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) send(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	var in wireMessage
	if !decode(w, r, &in) {
		return
	}
	id, err := s.SendMessage(r.Context(), fromWireMessage(in))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	items, err := s.ListMessages(r.Context(), r.PathValue("folder"))
	if err != nil {
		writeError(w, err)
		return
	}

	type entry struct {
		ID          string `json:"id"`
		Subject     string `json:"subject"`
		Size        int    `json:"size"`
		Attachments int    `json:"attachments"`
	}
	out := make([]entry, 0, len(items))
	for _, it := range items {
		out = append(out, entry{ID: it.ID, Subject: it.Subject, Size: it.Size, Attachments: it.Attachments})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"messages": out})
}

func (h *Handler) fetch(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	msg, err := s.FetchMessage(r.Context(), r.PathValue("folder"), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toWireMessage(msg))
}

func (h *Handler) fetchAttachment(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	n, err := strconv.Atoi(r.PathValue("n"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "attachment index must be a number"})
		return
	}
	att, err := s.FetchAttachment(r.Context(), r.PathValue("folder"), r.PathValue("id"), n)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wireAttachment{Filename: att.Filename, Data: att.Data})
}

func (h *Handler) empty(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	n, err := s.EmptyFolder(r.Context(), r.PathValue("folder"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"deleted": n})
}
