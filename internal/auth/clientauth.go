package auth

import (
	"context"
	"encoding/base64"
	"errors"
	"net/url"
	"strings"

	"go.uber.org/zap"
)

// ClientRequest carries the client identity presented with a request.
type ClientRequest struct {
	// Authorization is the raw Authorization header, if any.
	Authorization string
	ClientID      string
	ClientSecret  string
}

// UsedHeader reports whether the client identity came from an Authorization header.
func (r ClientRequest) UsedHeader() bool {
	return strings.TrimSpace(r.Authorization) != ""
}

// ClientAuthenticator decides whether a claimed client identity can be trusted.
type ClientAuthenticator struct {
	*core
}

// Authenticated reports whether req identifies a trustworthy client.
func (a *ClientAuthenticator) Authenticated(ctx context.Context, req ClientRequest) bool {
	_, err := a.Authenticate(ctx, req)
	return err == nil
}

// Authenticate resolves and verifies the client named by req. It fails closed
// with ErrInvalidClient on every malformed or mismatched input.
func (a *ClientAuthenticator) Authenticate(ctx context.Context, req ClientRequest) (*Client, error) {
	id, secret, err := clientCredentials(req)
	if err != nil {
		a.log.Debug("client authentication rejected", zap.String("reason", err.Error()))
		return nil, ErrInvalidClient
	}

	sctx, cancel := a.storeCtx(ctx)
	client, err := a.store.Clients().Find(sctx, id)
	cancel()
	if errors.Is(err, ErrNotFound) {
		a.log.Warn("client authentication failed", zap.String("client_id", id), zap.String("reason", "unknown client"))
		return nil, ErrInvalidClient
	}
	if err != nil {
		return nil, a.storeErr("find client", err)
	}

	if client.IsPublic() {
		return client, nil
	}
	if client.Type != ClientConfidential {
		a.log.Warn("client authentication failed", zap.String("client_id", id), zap.String("reason", "unknown client type"))
		return nil, ErrInvalidClient
	}
	if secret == "" {
		a.log.Warn("client authentication failed", zap.String("client_id", id), zap.String("reason", "missing secret"))
		return nil, ErrInvalidClient
	}
	if !CheckPassword(client.SecretHash, secret) {
		a.log.Warn("client authentication failed", zap.String("client_id", id), zap.String("reason", "secret mismatch"))
		return nil, ErrInvalidClient
	}
	return client, nil
}

// clientCredentials extracts the client id and secret from either the Basic
// header or the body parameters. The header wins when present.
func clientCredentials(req ClientRequest) (id, secret string, err error) {
	if header := strings.TrimSpace(req.Authorization); header != "" {
		return parseBasic(header)
	}
	id = strings.TrimSpace(req.ClientID)
	if id == "" {
		return "", "", errors.New("missing client_id")
	}
	return id, req.ClientSecret, nil
}

func parseBasic(header string) (id, secret string, err error) {
	scheme, payload, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Basic") {
		return "", "", errors.New("unsupported authorization scheme")
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(payload))
	if err != nil {
		return "", "", errors.New("malformed basic credentials")
	}
	rawID, rawSecret, ok := strings.Cut(string(raw), ":")
	if !ok {
		return "", "", errors.New("basic credentials missing separator")
	}
	if id, err = url.QueryUnescape(rawID); err != nil {
		return "", "", errors.New("malformed client_id encoding")
	}
	if secret, err = url.QueryUnescape(rawSecret); err != nil {
		return "", "", errors.New("malformed client_secret encoding")
	}
	if id == "" {
		return "", "", errors.New("missing client_id")
	}
	return id, secret, nil
}
