package httpapi

import (
	"fmt"
	"net/http"
	"strings"

	"passgate.org/internal/audit"
	"passgate.org/internal/auth"
	"passgate.org/internal/obs"
)

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token"`
	Scope        string `json:"scope,omitempty"`
}

type oauthError struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

func clientRequest(r *http.Request) auth.ClientRequest {
	return auth.ClientRequest{
		Authorization: r.Header.Get("Authorization"),
		ClientID:      r.PostForm.Get("client_id"),
		ClientSecret:  r.PostForm.Get("client_secret"),
	}
}

// parseForm reads the form-encoded body; query parameters are ignored.
func parseForm(r *http.Request) error {
	if err := r.ParseForm(); err != nil {
		return fmt.Errorf("%w: %v", auth.ErrInvalidRequest, err)
	}
	return nil
}

func (a *API) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := parseForm(r); err != nil {
		writeOAuthError(w, r, err, false)
		return
	}
	grantType := strings.TrimSpace(r.PostForm.Get("grant_type"))
	if err := checkGrantType(grantType); err != nil {
		obs.GrantFailed(auth.OAuthErrorCode(err))
		writeOAuthError(w, r, err, false)
		return
	}
	creq := clientRequest(r)
	client, err := a.svc.AuthenticateClient(r.Context(), creq)
	if err != nil {
		obs.GrantFailed(auth.OAuthErrorCode(err))
		writeOAuthError(w, r, err, creq.UsedHeader())
		return
	}

	tok, err := a.svc.Issue(r.Context(), client, auth.GrantRequest{
		GrantType: grantType,
		Username:  r.PostForm.Get("username"),
		Password:  r.PostForm.Get("password"),
		Scopes:    auth.ParseScopes(r.PostForm.Get("scope")),
	})
	if err != nil {
		writeOAuthError(w, r, err, creq.UsedHeader())
		return
	}

	_ = audit.LogEvent(r.Context(), audit.EventTokenIssued, map[string]any{
		"token_id":  tok.ID,
		"client_id": tok.ClientID,
		"username":  tok.Username,
	})

	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken:  tok.AccessToken,
		TokenType:    tok.TokenType,
		ExpiresIn:    tok.ExpiresIn(a.svc.Now()),
		RefreshToken: tok.RefreshToken,
		Scope:        auth.FormatScopes(tok.Scopes),
	})
}

// checkGrantType rejects missing and unsupported grant types before the
// client is authenticated.
func checkGrantType(grantType string) error {
	switch grantType {
	case "":
		return fmt.Errorf("%w: grant_type is required", auth.ErrInvalidRequest)
	case auth.GrantPassword:
		return nil
	default:
		return auth.ErrUnsupportedGrantType
	}
}

func (a *API) handleRevoke(w http.ResponseWriter, r *http.Request) {
	if err := parseForm(r); err != nil {
		writeOAuthError(w, r, err, false)
		return
	}
	creq := clientRequest(r)
	client, err := a.svc.AuthenticateClient(r.Context(), creq)
	if err != nil {
		writeOAuthError(w, r, err, creq.UsedHeader())
		return
	}
	if err := a.svc.Revoke(r.Context(), client, r.PostForm.Get("token"), r.PostForm.Get("token_type_hint")); err != nil {
		writeOAuthError(w, r, err, creq.UsedHeader())
		return
	}
	_ = audit.LogEvent(r.Context(), audit.EventTokenRevoked, map[string]any{
		"client_id": client.ID,
	})
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, struct{}{})
}

// writeOAuthError renders an RFC 6749 error response.
func writeOAuthError(w http.ResponseWriter, r *http.Request, err error, basicUsed bool) {
	code := auth.OAuthErrorCode(err)
	status := http.StatusBadRequest
	switch code {
	case "invalid_client":
		status = http.StatusUnauthorized
		if basicUsed {
			w.Header().Set("WWW-Authenticate", `Basic realm="`+serviceName+`"`)
		}
	case "invalid_token":
		status = http.StatusUnauthorized
		w.Header().Set("WWW-Authenticate", `Bearer realm="`+serviceName+`", error="invalid_token"`)
	case "server_error":
		status = http.StatusInternalServerError
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		w.Header().Set(requestIDHeader, rid)
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, status, oauthError{
		Error:            code,
		ErrorDescription: auth.OAuthErrorDescription(err),
	})
}
