package auth_test

import (
	"context"
	"encoding/base64"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"passgate.org/internal/auth"
	"passgate.org/internal/cache"
	"passgate.org/internal/store/memory"
)

func TestMain(m *testing.M) {
	auth.HashCost = bcrypt.MinCost
	os.Exit(m.Run())
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	svc    *auth.Service
	store  *memory.Store
	cache  *cache.Memory
	clock  *fakeClock
	public *auth.Client
	alice  *auth.User
}

func newFixture(t *testing.T, opts ...auth.ServiceOption) *fixture {
	t.Helper()
	clock := &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	store := memory.New()
	c := cache.NewMemory(cache.WithClock(clock.Now))
	t.Cleanup(func() { _ = c.Close() })

	svc, err := auth.NewService(store, c, append([]auth.ServiceOption{auth.WithClock(clock.Now)}, opts...)...)
	require.NoError(t, err)

	ctx := context.Background()
	alice, err := svc.SaveUser(ctx, "alice", "secret123", []string{"profile"})
	require.NoError(t, err)
	gen, err := svc.GenerateClient(ctx, auth.ClientPublic, []string{"read"})
	require.NoError(t, err)
	return &fixture{svc: svc, store: store, cache: c, clock: clock, public: gen.Client, alice: alice}
}

func (f *fixture) grant(t *testing.T, client *auth.Client) *auth.Token {
	t.Helper()
	tok, err := f.svc.Issue(context.Background(), client, auth.GrantRequest{
		GrantType: auth.GrantPassword, Username: "alice", Password: "secret123",
	})
	require.NoError(t, err)
	return tok
}

func TestIssueThenValidateResolvesUser(t *testing.T) {
	f := newFixture(t)
	tok := f.grant(t, f.public)

	assert.Equal(t, auth.TokenTypeBearer, tok.TokenType)
	assert.NotEqual(t, tok.AccessToken, tok.RefreshToken)
	assert.Equal(t, int64(3600), tok.ExpiresIn(f.clock.Now()))
	assert.Equal(t, []string{"read"}, tok.Scopes, "client default scopes apply when none requested")

	p, err := f.svc.Validate(context.Background(), tok.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "alice", p.Username)
	assert.Equal(t, f.alice.ID, p.UserID)
	assert.Equal(t, f.public.ID, p.ClientID)
}

func TestIssueTwiceLeavesOneLiveToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.grant(t, f.public)
	second := f.grant(t, f.public)

	require.NotEqual(t, first.AccessToken, second.AccessToken)
	_, err := f.svc.Validate(ctx, first.AccessToken)
	require.ErrorIs(t, err, auth.ErrInvalidToken)
	_, err = f.svc.Validate(ctx, second.AccessToken)
	require.NoError(t, err)

	stored, err := f.store.Tokens().FindByPair(ctx, f.public.ID, f.alice.ID)
	require.NoError(t, err)
	assert.Len(t, stored, 1)
}

func TestTokensArePerClient(t *testing.T) {
	f := newFixture(t)
	other, err := f.svc.GenerateClient(context.Background(), auth.ClientPublic, nil)
	require.NoError(t, err)

	a := f.grant(t, f.public)
	b := f.grant(t, other.Client)

	for _, tok := range []*auth.Token{a, b} {
		_, err := f.svc.Validate(context.Background(), tok.AccessToken)
		require.NoError(t, err)
	}
}

func TestConcurrentIssueKeepsSingleToken(t *testing.T) {
	f := newFixture(t)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Issue(context.Background(), f.public, auth.GrantRequest{
				GrantType: auth.GrantPassword, Username: "alice", Password: "secret123",
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	stored, err := f.store.Tokens().FindByPair(context.Background(), f.public.ID, f.alice.ID)
	require.NoError(t, err)
	assert.Len(t, stored, 1)
}

func TestValidateHonorsExpiryBoundary(t *testing.T) {
	f := newFixture(t)
	tok := f.grant(t, f.public)
	ctx := context.Background()

	f.clock.Advance(time.Hour - time.Nanosecond)
	_, err := f.svc.Validate(ctx, tok.AccessToken)
	require.NoError(t, err)

	f.clock.Advance(time.Nanosecond)
	_, err = f.svc.Validate(ctx, tok.AccessToken)
	require.ErrorIs(t, err, auth.ErrInvalidToken)

	_, err = f.store.Tokens().FindByAccess(ctx, tok.AccessToken)
	require.NoError(t, err, "expired tokens stay stored until replaced or revoked")
}

func TestValidateFallsBackToStoreAndBackfills(t *testing.T) {
	f := newFixture(t)
	tok := f.grant(t, f.public)
	ctx := context.Background()

	require.NoError(t, f.cache.Delete(ctx, "access:"+tok.AccessToken))
	p, err := f.svc.Validate(ctx, tok.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "alice", p.Username)

	_, found, err := f.cache.Get(ctx, "access:"+tok.AccessToken)
	require.NoError(t, err)
	assert.True(t, found, "store hit should repopulate the cache")
}

// pausingTokens blocks the first armed FindByAccess after the row has been
// read, so a concurrent writer can run between the read and the cache write.
type pausingTokens struct {
	auth.TokenStore
	armed   atomic.Bool
	reached chan struct{}
	resume  chan struct{}
}

func (p *pausingTokens) FindByAccess(ctx context.Context, access string) (*auth.Token, error) {
	tok, err := p.TokenStore.FindByAccess(ctx, access)
	if p.armed.CompareAndSwap(true, false) {
		close(p.reached)
		<-p.resume
	}
	return tok, err
}

type pausingStore struct {
	*memory.Store
	tokens *pausingTokens
}

func (s pausingStore) Tokens() auth.TokenStore { return s.tokens }

type pausedFixture struct {
	*fixture
	tokens *pausingTokens
}

func newPausedFixture(t *testing.T) *pausedFixture {
	t.Helper()
	clock := &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	mem := memory.New()
	tokens := &pausingTokens{TokenStore: mem.Tokens(), reached: make(chan struct{}), resume: make(chan struct{})}
	c := cache.NewMemory(cache.WithClock(clock.Now))
	t.Cleanup(func() { _ = c.Close() })

	svc, err := auth.NewService(pausingStore{Store: mem, tokens: tokens}, c, auth.WithClock(clock.Now))
	require.NoError(t, err)
	ctx := context.Background()
	alice, err := svc.SaveUser(ctx, "alice", "secret123", nil)
	require.NoError(t, err)
	gen, err := svc.GenerateClient(ctx, auth.ClientPublic, nil)
	require.NoError(t, err)
	return &pausedFixture{
		fixture: &fixture{svc: svc, store: mem, cache: c, clock: clock, public: gen.Client, alice: alice},
		tokens:  tokens,
	}
}

// validateAround runs a store-backed Validate of access and executes write
// while that validation holds a row it has already read.
func (f *pausedFixture) validateAround(t *testing.T, access string, write func()) error {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.cache.Delete(ctx, "access:"+access))
	f.tokens.armed.Store(true)

	done := make(chan error, 1)
	go func() {
		_, err := f.svc.Validate(ctx, access)
		done <- err
	}()
	<-f.tokens.reached
	write()
	close(f.tokens.resume)
	return <-done
}

func (f *pausedFixture) requireNotCached(t *testing.T, access string) {
	t.Helper()
	_, found, err := f.cache.Get(context.Background(), "access:"+access)
	require.NoError(t, err)
	require.False(t, found, "deleted token must not stay cached")
	_, err = f.svc.Validate(context.Background(), access)
	require.ErrorIs(t, err, auth.ErrInvalidToken)
}

func TestBackfillDoesNotResurrectRevokedToken(t *testing.T) {
	f := newPausedFixture(t)
	tok := f.grant(t, f.public)

	err := f.validateAround(t, tok.AccessToken, func() {
		require.NoError(t, f.svc.Revoke(context.Background(), f.public, tok.AccessToken, ""))
	})
	require.ErrorIs(t, err, auth.ErrInvalidToken)
	f.requireNotCached(t, tok.AccessToken)
}

func TestBackfillDoesNotResurrectSupersededToken(t *testing.T) {
	f := newPausedFixture(t)
	first := f.grant(t, f.public)

	var second *auth.Token
	err := f.validateAround(t, first.AccessToken, func() {
		second = f.grant(t, f.public)
	})
	require.ErrorIs(t, err, auth.ErrInvalidToken)
	f.requireNotCached(t, first.AccessToken)

	_, err = f.svc.Validate(context.Background(), second.AccessToken)
	require.NoError(t, err)
	stored, err := f.store.Tokens().FindByPair(context.Background(), f.public.ID, f.alice.ID)
	require.NoError(t, err)
	require.Len(t, stored, 1)
}

func TestBackfillDoesNotResurrectDeletedUsersToken(t *testing.T) {
	f := newPausedFixture(t)
	tok := f.grant(t, f.public)

	err := f.validateAround(t, tok.AccessToken, func() {
		require.NoError(t, f.svc.DeleteUser(context.Background(), "alice"))
	})
	require.ErrorIs(t, err, auth.ErrInvalidToken)
	f.requireNotCached(t, tok.AccessToken)
}

func TestValidateWithoutBackfill(t *testing.T) {
	f := newFixture(t, auth.WithCacheBackfill(false))
	tok := f.grant(t, f.public)
	ctx := context.Background()

	require.NoError(t, f.cache.Delete(ctx, "access:"+tok.AccessToken))
	_, err := f.svc.Validate(ctx, tok.AccessToken)
	require.NoError(t, err)

	_, found, err := f.cache.Get(ctx, "access:"+tok.AccessToken)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestValidateRejectsUnknownAndEmpty(t *testing.T) {
	f := newFixture(t)
	for _, tok := range []string{"", "   ", "nope"} {
		_, err := f.svc.Validate(context.Background(), tok)
		require.ErrorIs(t, err, auth.ErrInvalidToken)
	}
}

func TestRevokeThenValidate(t *testing.T) {
	f := newFixture(t)
	tok := f.grant(t, f.public)
	ctx := context.Background()

	require.NoError(t, f.svc.Revoke(ctx, f.public, tok.AccessToken, ""))
	_, err := f.svc.Validate(ctx, tok.AccessToken)
	require.ErrorIs(t, err, auth.ErrInvalidToken)

	require.NoError(t, f.svc.Revoke(ctx, f.public, tok.AccessToken, ""), "revoking twice succeeds")
	require.NoError(t, f.svc.Revoke(ctx, f.public, "never-issued", auth.HintRefreshToken))
}

func TestRevokeByRefreshToken(t *testing.T) {
	f := newFixture(t)
	tok := f.grant(t, f.public)
	ctx := context.Background()

	require.NoError(t, f.svc.Revoke(ctx, f.public, tok.RefreshToken, auth.HintRefreshToken))
	_, err := f.svc.Validate(ctx, tok.AccessToken)
	require.ErrorIs(t, err, auth.ErrInvalidToken)
}

func TestRevokeLeavesOtherClientsTokens(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	other, err := f.svc.GenerateClient(ctx, auth.ClientPublic, nil)
	require.NoError(t, err)
	tok := f.grant(t, f.public)

	require.NoError(t, f.svc.Revoke(ctx, other.Client, tok.AccessToken, ""))
	_, err = f.svc.Validate(ctx, tok.AccessToken)
	require.NoError(t, err)
}

func TestRevokeRequiresToken(t *testing.T) {
	f := newFixture(t)
	err := f.svc.Revoke(context.Background(), f.public, " ", "")
	require.ErrorIs(t, err, auth.ErrInvalidRequest)
}

func TestIssueErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	noGrant := &auth.Client{ID: "c-none", Type: auth.ClientPublic}

	cases := []struct {
		name   string
		client *auth.Client
		req    auth.GrantRequest
		want   error
	}{
		{"unsupported grant", f.public, auth.GrantRequest{GrantType: "client_credentials", Username: "alice", Password: "secret123"}, auth.ErrUnsupportedGrantType},
		{"grant not allowed", noGrant, auth.GrantRequest{GrantType: auth.GrantPassword, Username: "alice", Password: "secret123"}, auth.ErrUnauthorizedClient},
		{"missing password", f.public, auth.GrantRequest{GrantType: auth.GrantPassword, Username: "alice"}, auth.ErrInvalidRequest},
		{"unknown user", f.public, auth.GrantRequest{GrantType: auth.GrantPassword, Username: "mallory", Password: "secret123"}, auth.ErrInvalidGrant},
		{"bad password", f.public, auth.GrantRequest{GrantType: auth.GrantPassword, Username: "alice", Password: "wrong"}, auth.ErrInvalidGrant},
		{"no client", nil, auth.GrantRequest{GrantType: auth.GrantPassword, Username: "alice", Password: "secret123"}, auth.ErrInvalidClient},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.Issue(ctx, tc.client, tc.req)
			require.ErrorIs(t, err, tc.want)
		})
	}
}

func TestIssueHonorsRequestedScopes(t *testing.T) {
	f := newFixture(t)
	tok, err := f.svc.Issue(context.Background(), f.public, auth.GrantRequest{
		GrantType: auth.GrantPassword, Username: "alice", Password: "secret123",
		Scopes: []string{"write", " write", "admin"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"write", "admin"}, tok.Scopes)
}

func TestIssueAbortsOnCancelledContext(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.svc.Issue(ctx, f.public, auth.GrantRequest{
		GrantType: auth.GrantPassword, Username: "alice", Password: "secret123",
	})
	require.Error(t, err)

	stored, err := f.store.Tokens().FindByPair(context.Background(), f.public.ID, f.alice.ID)
	require.NoError(t, err)
	assert.Empty(t, stored)
}

func TestAuthenticatePublicClientIgnoresSecret(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	assert.True(t, f.svc.Clients().Authenticated(ctx, auth.ClientRequest{ClientID: f.public.ID}))
	assert.True(t, f.svc.Clients().Authenticated(ctx, auth.ClientRequest{ClientID: f.public.ID, ClientSecret: "whatever"}))
	assert.True(t, f.svc.Clients().Authenticated(ctx, auth.ClientRequest{Authorization: basic(f.public.ID, "anything")}))
	assert.False(t, f.svc.Clients().Authenticated(ctx, auth.ClientRequest{ClientID: "unknown"}))
	assert.False(t, f.svc.Clients().Authenticated(ctx, auth.ClientRequest{}))
}

func TestAuthenticateConfidentialClient(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	gen, err := f.svc.GenerateClient(ctx, auth.ClientConfidential, nil)
	require.NoError(t, err)
	require.NotEmpty(t, gen.Secret)
	id := gen.Client.ID

	c, err := f.svc.AuthenticateClient(ctx, auth.ClientRequest{Authorization: basic(id, gen.Secret)})
	require.NoError(t, err)
	assert.Equal(t, id, c.ID)
	assert.True(t, f.svc.Clients().Authenticated(ctx, auth.ClientRequest{ClientID: id, ClientSecret: gen.Secret}))

	for _, req := range []auth.ClientRequest{
		{ClientID: id},
		{ClientID: id, ClientSecret: "wrong"},
		{Authorization: basic(id, "wrong")},
		{Authorization: basic(id, "")},
	} {
		_, err := f.svc.AuthenticateClient(ctx, req)
		require.ErrorIs(t, err, auth.ErrInvalidClient)
	}
}

func TestAuthenticateMalformedHeaderFailsClosed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, header := range []string{
		"Basic",
		"Basic !!!not-base64!!!",
		"Bearer " + base64.StdEncoding.EncodeToString([]byte(f.public.ID+":x")),
		"Basic " + base64.StdEncoding.EncodeToString([]byte(f.public.ID)),
		"Basic " + base64.StdEncoding.EncodeToString([]byte("%zz:x")),
		"Basic " + base64.StdEncoding.EncodeToString([]byte(":secret")),
	} {
		_, err := f.svc.AuthenticateClient(ctx, auth.ClientRequest{Authorization: header, ClientID: f.public.ID})
		require.ErrorIs(t, err, auth.ErrInvalidClient, header)
	}
}

func TestAuthenticateDecodesFormEncodedCredentials(t *testing.T) {
	f := newFixture(t)
	header := "basic " + base64.StdEncoding.EncodeToString([]byte(f.public.ID+":a%20b%3Ac"))
	assert.True(t, f.svc.Clients().Authenticated(context.Background(), auth.ClientRequest{Authorization: header}))
}

func TestDeleteUserCascadesAndEvicts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tok := f.grant(t, f.public)

	require.NoError(t, f.svc.DeleteUser(ctx, "alice"))
	_, found, err := f.cache.Get(ctx, "access:"+tok.AccessToken)
	require.NoError(t, err)
	assert.False(t, found)
	_, err = f.svc.Validate(ctx, tok.AccessToken)
	require.ErrorIs(t, err, auth.ErrInvalidToken)

	require.ErrorIs(t, f.svc.DeleteUser(ctx, "alice"), auth.ErrNotFound)
}

func TestSaveUserValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.SaveUser(ctx, "alice", "other", nil)
	require.ErrorIs(t, err, auth.ErrAlreadyExists)
	_, err = f.svc.SaveUser(ctx, "", "pw", nil)
	require.ErrorIs(t, err, auth.ErrInvalidRequest)
	_, err = f.svc.SaveUser(ctx, "bob", "", nil)
	require.ErrorIs(t, err, auth.ErrInvalidRequest)

	users, err := f.svc.ListUsers(ctx)
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Empty(t, users[0].PasswordHash)
}

func TestGenerateClientRejectsUnknownType(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.GenerateClient(context.Background(), auth.ClientType("trusted"), nil)
	require.ErrorIs(t, err, auth.ErrInvalidRequest)

	clients, err := f.svc.ListClients(context.Background())
	require.NoError(t, err)
	assert.Len(t, clients, 1)
}

type brokenCache struct{}

var errCacheDown = errors.New("cache down")

func (brokenCache) Set(context.Context, string, string, time.Duration) error { return errCacheDown }
func (brokenCache) Get(context.Context, string) (string, bool, error)        { return "", false, errCacheDown }
func (brokenCache) Delete(context.Context, string) error                     { return errCacheDown }

func TestCacheFailuresAreBestEffort(t *testing.T) {
	store := memory.New()
	svc, err := auth.NewService(store, brokenCache{})
	require.NoError(t, err)
	ctx := context.Background()
	_, err = svc.SaveUser(ctx, "alice", "secret123", nil)
	require.NoError(t, err)
	gen, err := svc.GenerateClient(ctx, auth.ClientPublic, nil)
	require.NoError(t, err)

	tok, err := svc.Issue(ctx, gen.Client, auth.GrantRequest{GrantType: auth.GrantPassword, Username: "alice", Password: "secret123"})
	require.NoError(t, err)
	p, err := svc.Validate(ctx, tok.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "alice", p.Username)
	require.NoError(t, svc.Revoke(ctx, gen.Client, tok.AccessToken, ""))
}

type failingTokens struct {
	auth.TokenStore
}

var errDBDown = errors.New("db down")

func (failingTokens) FindByAccess(context.Context, string) (*auth.Token, error) { return nil, errDBDown }
func (failingTokens) Create(context.Context, *auth.Token) error                 { return errDBDown }

type failingStore struct {
	*memory.Store
}

func (s failingStore) Tokens() auth.TokenStore { return failingTokens{s.Store.Tokens()} }

func TestStoreFailuresMapToStoreUnavailable(t *testing.T) {
	store := failingStore{memory.New()}
	svc, err := auth.NewService(store, nil)
	require.NoError(t, err)
	ctx := context.Background()
	_, err = svc.SaveUser(ctx, "alice", "secret123", nil)
	require.NoError(t, err)
	gen, err := svc.GenerateClient(ctx, auth.ClientPublic, nil)
	require.NoError(t, err)

	_, err = svc.Issue(ctx, gen.Client, auth.GrantRequest{GrantType: auth.GrantPassword, Username: "alice", Password: "secret123"})
	require.ErrorIs(t, err, auth.ErrStoreUnavailable)
	assert.NotErrorIs(t, err, errDBDown, "driver errors must not leak")
	assert.Equal(t, "server_error", auth.OAuthErrorCode(err))

	_, err = svc.Validate(ctx, "whatever")
	require.ErrorIs(t, err, auth.ErrStoreUnavailable)
}

func TestNewServiceValidatesOptions(t *testing.T) {
	_, err := auth.NewService(nil, nil)
	require.Error(t, err)
	_, err = auth.NewService(memory.New(), nil, auth.WithTokenTTL(0))
	require.Error(t, err)
	_, err = auth.NewService(memory.New(), nil, auth.WithStoreTimeout(-time.Second))
	require.Error(t, err)

	svc, err := auth.NewService(memory.New(), nil, auth.WithTokenTTL(5*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, svc.TokenTTL())
}

func basic(id, secret string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(id+":"+secret))
}
