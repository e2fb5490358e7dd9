package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"passgate.org/internal/obs"
)

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

type smoke struct {
	baseURL  string
	clientID string
	username string
	password string
	http     *http.Client
}

func main() {
	s := smoke{
		baseURL:  envOr("PASSGATE_SMOKE_URL", "http://localhost:5100"),
		clientID: envOr("PASSGATE_SMOKE_CLIENT_ID", "c1"),
		username: envOr("PASSGATE_SMOKE_USERNAME", "alice"),
		password: envOr("PASSGATE_SMOKE_PASSWORD", "secret123"),
		http:     &http.Client{Timeout: 5 * time.Second},
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.run(ctx); err != nil {
		obs.Logger().Fatal("smoke test failed", zap.Error(err))
	}
	fmt.Println("✅ password grant smoke test passed")
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func (s smoke) run(ctx context.Context) error {
	first, err := s.grant(ctx)
	if err != nil {
		return fmt.Errorf("first grant: %w", err)
	}
	if first.TokenType != "Bearer" || first.ExpiresIn <= 0 {
		return fmt.Errorf("unexpected token response: %+v", first)
	}
	if code, err := s.me(ctx, first.AccessToken); err != nil || code != http.StatusOK {
		return fmt.Errorf("first token rejected: status=%d err=%v", code, err)
	}

	second, err := s.grant(ctx)
	if err != nil {
		return fmt.Errorf("second grant: %w", err)
	}
	if second.AccessToken == first.AccessToken {
		return errors.New("second grant returned the same access token")
	}
	if code, err := s.me(ctx, first.AccessToken); err != nil || code != http.StatusUnauthorized {
		return fmt.Errorf("superseded token still accepted: status=%d err=%v", code, err)
	}

	if err := s.revoke(ctx, second.AccessToken); err != nil {
		return fmt.Errorf("revoke: %w", err)
	}
	if code, err := s.me(ctx, second.AccessToken); err != nil || code != http.StatusUnauthorized {
		return fmt.Errorf("revoked token still accepted: status=%d err=%v", code, err)
	}
	return nil
}

func (s smoke) post(ctx context.Context, path string, form url.Values) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return s.http.Do(req)
}

func (s smoke) grant(ctx context.Context) (tokenResponse, error) {
	resp, err := s.post(ctx, "/oauth/token", url.Values{
		"grant_type": {"password"},
		"username":   {s.username},
		"password":   {s.password},
		"client_id":  {s.clientID},
	})
	if err != nil {
		return tokenResponse{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return tokenResponse{}, fmt.Errorf("status %d: %s", resp.StatusCode, body)
	}
	var tok tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return tokenResponse{}, fmt.Errorf("decode token response: %w", err)
	}
	return tok, nil
}

func (s smoke) revoke(ctx context.Context, token string) error {
	resp, err := s.post(ctx, "/oauth/revoke", url.Values{"token": {token}, "client_id": {s.clientID}})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

func (s smoke) me(ctx context.Context, token string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/v1/me", nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := s.http.Do(req)
	if err != nil {
		return 0, err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return resp.StatusCode, nil
}
