package httpapi

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"passgate.org/internal/auth"
)

type stubValidator struct {
	tokens map[string]auth.Principal
	err    error
}

func (s stubValidator) Validate(_ context.Context, token string) (auth.Principal, error) {
	if s.err != nil {
		return auth.Principal{}, s.err
	}
	p, ok := s.tokens[token]
	if !ok {
		return auth.Principal{}, auth.ErrInvalidToken
	}
	return p, nil
}

func guarded(v TokenValidator, scope string) http.Handler {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, _ := auth.PrincipalFromContext(r.Context())
		tok, _ := auth.TokenFromContext(r.Context())
		_, _ = w.Write([]byte(p.Username + ":" + tok))
	})
	var h http.Handler = inner
	if scope != "" {
		h = RequireScope(scope)(h)
	}
	return RequireToken(v)(h)
}

func newStub() stubValidator {
	return stubValidator{tokens: map[string]auth.Principal{
		"tok-alice": {
			UserID:    "u1",
			Username:  "alice",
			ClientID:  "c1",
			Scopes:    []string{"read"},
			ExpiresAt: time.Now().Add(time.Hour),
		},
	}}
}

func TestRequireTokenAdmitsValidBearer(t *testing.T) {
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/me", nil)
	req.Header.Set("Authorization", "bearer tok-alice")
	guarded(newStub(), "").ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "alice:tok-alice", rr.Body.String())
}

func TestRequireTokenRejects(t *testing.T) {
	cases := []struct {
		name   string
		header string
	}{
		{"missing header", ""},
		{"basic scheme", "Basic YWxpY2U6c2VjcmV0"},
		{"empty token", "Bearer   "},
		{"unknown token", "Bearer nope"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/v1/me", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			guarded(newStub(), "").ServeHTTP(rr, req)
			require.Equal(t, http.StatusUnauthorized, rr.Code)
			assert.Contains(t, rr.Header().Get("WWW-Authenticate"), "invalid_token")
		})
	}
}

func TestRequireTokenSurfacesStoreFailure(t *testing.T) {
	v := stubValidator{err: errors.Join(auth.ErrStoreUnavailable, errors.New("dial tcp: refused"))}
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/me", nil)
	req.Header.Set("Authorization", "Bearer tok-alice")
	guarded(v, "").ServeHTTP(rr, req)

	require.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.NotContains(t, rr.Body.String(), "refused", "driver error leaked")
}

func TestRequireScope(t *testing.T) {
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/me", nil)
	req.Header.Set("Authorization", "Bearer tok-alice")
	guarded(newStub(), "read").ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = httptest.NewRecorder()
	guarded(newStub(), "write").ServeHTTP(rr, req)
	require.Equal(t, http.StatusForbidden, rr.Code)
	assert.Contains(t, rr.Header().Get("WWW-Authenticate"), `scope="write"`)
}

func TestRequireScopeWithoutPrincipal(t *testing.T) {
	rr := httptest.NewRecorder()
	RequireScope("read")(okHandler()).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestExtractBearerToken(t *testing.T) {
	tok, err := extractBearerToken("  BEARER abc.def  ")
	require.NoError(t, err)
	assert.Equal(t, "abc.def", tok)

	_, err = extractBearerToken("Bearer")
	assert.Error(t, err, "scheme without token")
	_, err = extractBearerToken("Token abc")
	assert.Error(t, err, "foreign scheme")
}
