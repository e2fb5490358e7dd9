package auth

import "errors"

var (
	ErrNotFound      = errors.New("auth: not found")
	ErrAlreadyExists = errors.New("auth: already exists")
)

// OAuth2 error taxonomy. Public operations only ever return these (possibly wrapped).
var (
	ErrInvalidRequest       = errors.New("auth: invalid request")
	ErrInvalidClient        = errors.New("auth: invalid client")
	ErrInvalidGrant         = errors.New("auth: invalid grant")
	ErrUnauthorizedClient   = errors.New("auth: unauthorized client")
	ErrUnsupportedGrantType = errors.New("auth: unsupported grant type")
	ErrInvalidToken         = errors.New("auth: invalid token")
	ErrStoreUnavailable     = errors.New("auth: store unavailable")
)

// OAuthErrorCode maps an error to its RFC 6749 / RFC 6750 error code.
func OAuthErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return "invalid_request"
	case errors.Is(err, ErrInvalidClient):
		return "invalid_client"
	case errors.Is(err, ErrInvalidGrant):
		return "invalid_grant"
	case errors.Is(err, ErrUnauthorizedClient):
		return "unauthorized_client"
	case errors.Is(err, ErrUnsupportedGrantType):
		return "unsupported_grant_type"
	case errors.Is(err, ErrInvalidToken):
		return "invalid_token"
	default:
		return "server_error"
	}
}

// OAuthErrorDescription returns a description safe to show to callers.
// It never distinguishes unknown users from wrong passwords or unknown clients.
func OAuthErrorDescription(err error) string {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return "The request is missing a required parameter or is malformed."
	case errors.Is(err, ErrInvalidClient):
		return "Client authentication failed."
	case errors.Is(err, ErrInvalidGrant):
		return "The provided credentials are invalid."
	case errors.Is(err, ErrUnauthorizedClient):
		return "The client is not authorized to use this grant type."
	case errors.Is(err, ErrUnsupportedGrantType):
		return "The grant type is not supported."
	case errors.Is(err, ErrInvalidToken):
		return "The access token is invalid or expired."
	default:
		return "The server encountered an unexpected condition."
	}
}
