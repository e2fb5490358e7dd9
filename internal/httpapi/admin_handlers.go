package httpapi

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"passgate.org/internal/audit"
	"passgate.org/internal/auth"
)

const adminKeyHeader = "X-Admin-Key"

type createUserRequest struct {
	Username string   `json:"username"`
	Password string   `json:"password"`
	Scopes   []string `json:"scopes"`
}

type generateClientRequest struct {
	Type          string   `json:"type"`
	DefaultScopes []string `json:"default_scopes"`
}

type userView struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Scopes    []string  `json:"scopes"`
	CreatedAt time.Time `json:"created_at"`
}

type clientView struct {
	ClientID      string    `json:"client_id"`
	ClientType    string    `json:"client_type"`
	ClientSecret  string    `json:"client_secret,omitempty"`
	GrantTypes    []string  `json:"grant_types"`
	DefaultScopes []string  `json:"default_scopes"`
	CreatedAt     time.Time `json:"created_at"`
}

func toUserView(u *auth.User) userView {
	scopes := u.Scopes
	if scopes == nil {
		scopes = []string{}
	}
	return userView{ID: u.ID, Username: u.Username, Scopes: scopes, CreatedAt: u.CreatedAt}
}

func toClientView(c *auth.Client, secret string) clientView {
	scopes := c.DefaultScopes
	if scopes == nil {
		scopes = []string{}
	}
	return clientView{
		ClientID:      c.ID,
		ClientType:    string(c.Type),
		ClientSecret:  secret,
		GrantTypes:    c.GrantTypes,
		DefaultScopes: scopes,
		CreatedAt:     c.CreatedAt,
	}
}

func (a *API) requireAdminKey(next http.Handler) http.Handler {
	want := []byte(a.opts.AdminKey)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := []byte(r.Header.Get(adminKeyHeader))
		if subtle.ConstantTimeCompare(got, want) != 1 {
			writeError(w, r, http.StatusUnauthorized, "invalid admin key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *API) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	user, err := a.svc.SaveUser(r.Context(), req.Username, req.Password, req.Scopes)
	if err != nil {
		handleAdminError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), audit.EventUserCreated, map[string]any{
		"user_id":  user.ID,
		"username": user.Username,
	})
	w.Header().Set("Location", "/admin/users/"+user.Username)
	writeJSON(w, http.StatusCreated, toUserView(user))
}

func (a *API) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := a.svc.ListUsers(r.Context())
	if err != nil {
		handleAdminError(w, r, err)
		return
	}
	out := make([]userView, 0, len(users))
	for _, u := range users {
		out = append(out, toUserView(u))
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": out})
}

func (a *API) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	username := strings.TrimSpace(r.PathValue("username"))
	if err := a.svc.DeleteUser(r.Context(), username); err != nil {
		handleAdminError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), audit.EventUserDeleted, map[string]any{"username": username})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleGenerateClient(w http.ResponseWriter, r *http.Request) {
	var req generateClientRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	typ := auth.ClientType(strings.ToLower(strings.TrimSpace(req.Type)))
	if typ == "" {
		typ = auth.ClientConfidential
	}
	gen, err := a.svc.GenerateClient(r.Context(), typ, req.DefaultScopes)
	if err != nil {
		handleAdminError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), audit.EventClientGenerated, map[string]any{
		"client_id":   gen.Client.ID,
		"client_type": string(gen.Client.Type),
	})
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusCreated, toClientView(gen.Client, gen.Secret))
}

func (a *API) handleListClients(w http.ResponseWriter, r *http.Request) {
	clients, err := a.svc.ListClients(r.Context())
	if err != nil {
		handleAdminError(w, r, err)
		return
	}
	out := make([]clientView, 0, len(clients))
	for _, c := range clients {
		out = append(out, toClientView(c, ""))
	}
	writeJSON(w, http.StatusOK, map[string]any{"clients": out})
}

func handleAdminError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, auth.ErrInvalidRequest):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, auth.ErrAlreadyExists):
		writeError(w, r, http.StatusConflict, "already exists")
	case errors.Is(err, auth.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "not found")
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
