package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"passgate.org/internal/auth"
)

type userStore struct{ db *sql.DB }

func (s userStore) Create(ctx context.Context, u *auth.User) error {
	_, err := s.db.ExecContext(ctx, `
		insert into users (id, username, password_hash, scopes, created_at)
		values ($1, $2, $3, $4, $5)
	`, u.ID, u.Username, u.PasswordHash, auth.FormatScopes(u.Scopes), u.CreatedAt)
	if isUniqueViolation(err) {
		return auth.ErrAlreadyExists
	}
	return err
}

func (s userStore) Find(ctx context.Context, username string) (*auth.User, error) {
	var (
		u      auth.User
		scopes string
	)
	err := s.db.QueryRowContext(ctx, `
		select id, username, password_hash, scopes, created_at
		from users
		where username = $1
	`, username).Scan(&u.ID, &u.Username, &u.PasswordHash, &scopes, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	u.Scopes = auth.ParseScopes(scopes)
	return &u, nil
}

func (s userStore) List(ctx context.Context) ([]*auth.User, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, username, password_hash, scopes, created_at
		from users
		order by username
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*auth.User
	for rows.Next() {
		var (
			u      auth.User
			scopes string
		)
		if err := rows.Scan(&u.ID, &u.Username, &u.PasswordHash, &scopes, &u.CreatedAt); err != nil {
			return nil, err
		}
		u.Scopes = auth.ParseScopes(scopes)
		out = append(out, &u)
	}
	return out, rows.Err()
}

// Delete relies on the tokens.user_id foreign key cascading.
func (s userStore) Delete(ctx context.Context, username string) error {
	res, err := s.db.ExecContext(ctx, `delete from users where username = $1`, username)
	if err != nil {
		return err
	}
	return rowsAffected(res)
}

type clientStore struct{ db *sql.DB }

func (s clientStore) Create(ctx context.Context, c *auth.Client) error {
	_, err := s.db.ExecContext(ctx, `
		insert into clients (id, client_type, secret_hash, grant_types, default_scopes, created_at)
		values ($1, $2, $3, $4, $5, $6)
	`, c.ID, string(c.Type), c.SecretHash, strings.Join(c.GrantTypes, " "), auth.FormatScopes(c.DefaultScopes), c.CreatedAt)
	if isUniqueViolation(err) {
		return auth.ErrAlreadyExists
	}
	return err
}

func (s clientStore) Find(ctx context.Context, id string) (*auth.Client, error) {
	c, err := scanClient(s.db.QueryRowContext(ctx, `
		select id, client_type, secret_hash, grant_types, default_scopes, created_at
		from clients
		where id = $1
	`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	return c, err
}

func (s clientStore) List(ctx context.Context) ([]*auth.Client, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, client_type, secret_hash, grant_types, default_scopes, created_at
		from clients
		order by created_at, id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*auth.Client
	for rows.Next() {
		c, err := scanClient(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanClient(row scanner) (*auth.Client, error) {
	var (
		c                   auth.Client
		typ, grants, scopes string
		secret              sql.NullString
	)
	if err := row.Scan(&c.ID, &typ, &secret, &grants, &scopes, &c.CreatedAt); err != nil {
		return nil, err
	}
	c.Type = auth.ClientType(typ)
	c.SecretHash = secret.String
	c.GrantTypes = strings.Fields(grants)
	c.DefaultScopes = auth.ParseScopes(scopes)
	return &c, nil
}

type tokenStore struct{ db *sql.DB }

const tokenColumns = `id, access_token, refresh_token, token_type, client_id, user_id, username, scopes, expires_at, created_at`

func (s tokenStore) Create(ctx context.Context, t *auth.Token) error {
	_, err := s.db.ExecContext(ctx, `
		insert into tokens (`+tokenColumns+`)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, t.ID, t.AccessToken, t.RefreshToken, t.TokenType, t.ClientID, t.UserID, t.Username,
		auth.FormatScopes(t.Scopes), t.ExpiresAt, t.CreatedAt)
	switch {
	case isUniqueViolation(err):
		return auth.ErrAlreadyExists
	case isForeignKeyViolation(err):
		return fmt.Errorf("%w: token references unknown client or user", auth.ErrNotFound)
	}
	return err
}

func (s tokenStore) FindByAccess(ctx context.Context, accessToken string) (*auth.Token, error) {
	return s.findOne(ctx, `select `+tokenColumns+` from tokens where access_token = $1`, accessToken)
}

func (s tokenStore) FindByRefresh(ctx context.Context, refreshToken string) (*auth.Token, error) {
	return s.findOne(ctx, `select `+tokenColumns+` from tokens where refresh_token = $1`, refreshToken)
}

func (s tokenStore) FindByPair(ctx context.Context, clientID, userID string) ([]*auth.Token, error) {
	return s.findMany(ctx, `select `+tokenColumns+` from tokens where client_id = $1 and user_id = $2 order by created_at`, clientID, userID)
}

func (s tokenStore) ListByUser(ctx context.Context, userID string) ([]*auth.Token, error) {
	return s.findMany(ctx, `select `+tokenColumns+` from tokens where user_id = $1 order by created_at`, userID)
}

func (s tokenStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `delete from tokens where id = $1`, id)
	if err != nil {
		return err
	}
	return rowsAffected(res)
}

func (s tokenStore) findOne(ctx context.Context, query string, arg string) (*auth.Token, error) {
	t, err := scanToken(s.db.QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	return t, err
}

func (s tokenStore) findMany(ctx context.Context, query string, args ...any) ([]*auth.Token, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*auth.Token
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanToken(row scanner) (*auth.Token, error) {
	var (
		t      auth.Token
		scopes string
	)
	if err := row.Scan(&t.ID, &t.AccessToken, &t.RefreshToken, &t.TokenType, &t.ClientID,
		&t.UserID, &t.Username, &scopes, &t.ExpiresAt, &t.CreatedAt); err != nil {
		return nil, err
	}
	t.Scopes = auth.ParseScopes(scopes)
	return &t, nil
}
