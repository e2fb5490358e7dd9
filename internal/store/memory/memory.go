package memory

import (
	"context"
	"slices"
	"sort"
	"sync"

	"passgate.org/internal/auth"
)

// Store implements auth.Store with in-process concurrency safety.
// Records are copied on the way in and out.
type Store struct {
	mu sync.RWMutex

	users     map[string]*auth.User // username -> user
	userIDs   map[string]string     // user id -> username
	clients   map[string]*auth.Client
	tokens    map[string]*auth.Token // token id -> token
	byAccess  map[string]string
	byRefresh map[string]string
}

var _ auth.Store = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		users:     make(map[string]*auth.User),
		userIDs:   make(map[string]string),
		clients:   make(map[string]*auth.Client),
		tokens:    make(map[string]*auth.Token),
		byAccess:  make(map[string]string),
		byRefresh: make(map[string]string),
	}
}

func (s *Store) Users() auth.UserStore     { return users{s} }
func (s *Store) Clients() auth.ClientStore { return clients{s} }
func (s *Store) Tokens() auth.TokenStore   { return tokens{s} }

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) deleteTokenLocked(id string) {
	t, ok := s.tokens[id]
	if !ok {
		return
	}
	delete(s.byAccess, t.AccessToken)
	delete(s.byRefresh, t.RefreshToken)
	delete(s.tokens, id)
}

type users struct{ s *Store }

func (u users) Create(ctx context.Context, user *auth.User) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	u.s.mu.Lock()
	defer u.s.mu.Unlock()
	if _, ok := u.s.users[user.Username]; ok {
		return auth.ErrAlreadyExists
	}
	if _, ok := u.s.userIDs[user.ID]; ok {
		return auth.ErrAlreadyExists
	}
	u.s.users[user.Username] = copyUser(user)
	u.s.userIDs[user.ID] = user.Username
	return nil
}

func (u users) Find(ctx context.Context, username string) (*auth.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	u.s.mu.RLock()
	defer u.s.mu.RUnlock()
	user, ok := u.s.users[username]
	if !ok {
		return nil, auth.ErrNotFound
	}
	return copyUser(user), nil
}

func (u users) List(ctx context.Context) ([]*auth.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	u.s.mu.RLock()
	defer u.s.mu.RUnlock()
	out := make([]*auth.User, 0, len(u.s.users))
	for _, user := range u.s.users {
		out = append(out, copyUser(user))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out, nil
}

func (u users) Delete(ctx context.Context, username string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	u.s.mu.Lock()
	defer u.s.mu.Unlock()
	user, ok := u.s.users[username]
	if !ok {
		return auth.ErrNotFound
	}
	for id, t := range u.s.tokens {
		if t.UserID == user.ID {
			u.s.deleteTokenLocked(id)
		}
	}
	delete(u.s.userIDs, user.ID)
	delete(u.s.users, username)
	return nil
}

type clients struct{ s *Store }

func (c clients) Create(ctx context.Context, client *auth.Client) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	if _, ok := c.s.clients[client.ID]; ok {
		return auth.ErrAlreadyExists
	}
	c.s.clients[client.ID] = copyClient(client)
	return nil
}

func (c clients) Find(ctx context.Context, id string) (*auth.Client, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.s.mu.RLock()
	defer c.s.mu.RUnlock()
	client, ok := c.s.clients[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	return copyClient(client), nil
}

func (c clients) List(ctx context.Context) ([]*auth.Client, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.s.mu.RLock()
	defer c.s.mu.RUnlock()
	out := make([]*auth.Client, 0, len(c.s.clients))
	for _, client := range c.s.clients {
		out = append(out, copyClient(client))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

type tokens struct{ s *Store }

func (t tokens) Create(ctx context.Context, tok *auth.Token) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if _, ok := t.s.userIDs[tok.UserID]; !ok {
		return auth.ErrNotFound
	}
	if _, ok := t.s.clients[tok.ClientID]; !ok {
		return auth.ErrNotFound
	}
	if _, ok := t.s.tokens[tok.ID]; ok {
		return auth.ErrAlreadyExists
	}
	if _, ok := t.s.byAccess[tok.AccessToken]; ok {
		return auth.ErrAlreadyExists
	}
	if _, ok := t.s.byRefresh[tok.RefreshToken]; ok {
		return auth.ErrAlreadyExists
	}
	t.s.tokens[tok.ID] = copyToken(tok)
	t.s.byAccess[tok.AccessToken] = tok.ID
	t.s.byRefresh[tok.RefreshToken] = tok.ID
	return nil
}

func (t tokens) FindByAccess(ctx context.Context, accessToken string) (*auth.Token, error) {
	return t.findBy(ctx, t.s.byAccess, accessToken)
}

func (t tokens) FindByRefresh(ctx context.Context, refreshToken string) (*auth.Token, error) {
	return t.findBy(ctx, t.s.byRefresh, refreshToken)
}

func (t tokens) findBy(ctx context.Context, index map[string]string, key string) (*auth.Token, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	id, ok := index[key]
	if !ok {
		return nil, auth.ErrNotFound
	}
	return copyToken(t.s.tokens[id]), nil
}

func (t tokens) FindByPair(ctx context.Context, clientID, userID string) ([]*auth.Token, error) {
	return t.filter(ctx, func(tok *auth.Token) bool {
		return tok.ClientID == clientID && tok.UserID == userID
	})
}

func (t tokens) ListByUser(ctx context.Context, userID string) ([]*auth.Token, error) {
	return t.filter(ctx, func(tok *auth.Token) bool { return tok.UserID == userID })
}

func (t tokens) filter(ctx context.Context, keep func(*auth.Token) bool) ([]*auth.Token, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	var out []*auth.Token
	for _, tok := range t.s.tokens {
		if keep(tok) {
			out = append(out, copyToken(tok))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t tokens) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if _, ok := t.s.tokens[id]; !ok {
		return auth.ErrNotFound
	}
	t.s.deleteTokenLocked(id)
	return nil
}

func copyUser(u *auth.User) *auth.User {
	out := *u
	out.Scopes = slices.Clone(u.Scopes)
	return &out
}

func copyClient(c *auth.Client) *auth.Client {
	out := *c
	out.GrantTypes = slices.Clone(c.GrantTypes)
	out.DefaultScopes = slices.Clone(c.DefaultScopes)
	return &out
}

func copyToken(t *auth.Token) *auth.Token {
	out := *t
	out.Scopes = slices.Clone(t.Scopes)
	return &out
}
