package pgstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrEthical07/authcore/identity"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const uniqueViolation = "23505"

// DB is the subset of *pgxpool.Pool used by the store.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store implements identity.Store on PostgreSQL.
//
// Expected table:
//
//	CREATE TABLE identities (
//	    id                    TEXT PRIMARY KEY,
//	    email                 TEXT NOT NULL UNIQUE,
//	    password_digest       TEXT NOT NULL DEFAULT '',
//	    email_verified        BOOLEAN NOT NULL DEFAULT FALSE,
//	    provider              TEXT NOT NULL DEFAULT '',
//	    status                SMALLINT NOT NULL DEFAULT 0,
//	    second_factor_enabled BOOLEAN NOT NULL DEFAULT FALSE,
//	    created_at            TIMESTAMPTZ NOT NULL
//	);
type Store struct {
	db DB
}

// New returns a Store over db.
func New(db DB) *Store {
	return &Store{db: db}
}

// Connect opens a pool for dsn.
func Connect(ctx context.Context, dsn string, maxConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid database url: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	return pool, nil
}

const selectColumns = `id, email, password_digest, email_verified, provider, status, second_factor_enabled, created_at`

func (s *Store) FindByEmail(ctx context.Context, email string) (identity.Identity, error) {
	row := s.db.QueryRow(ctx, `SELECT `+selectColumns+` FROM identities WHERE email = $1 LIMIT 1`, email)
	return scan(row)
}

func (s *Store) FindByID(ctx context.Context, id string) (identity.Identity, error) {
	row := s.db.QueryRow(ctx, `SELECT `+selectColumns+` FROM identities WHERE id = $1 LIMIT 1`, id)
	return scan(row)
}

func (s *Store) Create(ctx context.Context, ident identity.Identity) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO identities (id, email, password_digest, email_verified, provider, status, second_factor_enabled, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, ident.ID, ident.Email, ident.PasswordDigest, ident.EmailVerified, string(ident.Provider),
		int16(ident.Status), ident.SecondFactorEnabled, ident.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return identity.ErrExists
		}
		return fmt.Errorf("insert identity: %w", err)
	}
	return nil
}

func (s *Store) SetPasswordDigest(ctx context.Context, id, digest string) error {
	return s.update(ctx, `UPDATE identities SET password_digest = $2 WHERE id = $1`, id, digest)
}

func (s *Store) MarkEmailVerified(ctx context.Context, id string) error {
	return s.update(ctx, `UPDATE identities SET email_verified = TRUE WHERE id = $1`, id)
}

func (s *Store) LinkFederation(ctx context.Context, id string, provider identity.Provider) error {
	return s.update(ctx, `UPDATE identities SET provider = $2, email_verified = TRUE WHERE id = $1`, id, string(provider))
}

func (s *Store) SetSecondFactorEnabled(ctx context.Context, id string, enabled bool) error {
	return s.update(ctx, `UPDATE identities SET second_factor_enabled = $2 WHERE id = $1`, id, enabled)
}

func (s *Store) update(ctx context.Context, query string, args ...any) error {
	tag, err := s.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update identity: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return identity.ErrNotFound
	}
	return nil
}

func scan(row pgx.Row) (identity.Identity, error) {
	var (
		ident    identity.Identity
		provider string
		status   int16
	)
	err := row.Scan(&ident.ID, &ident.Email, &ident.PasswordDigest, &ident.EmailVerified,
		&provider, &status, &ident.SecondFactorEnabled, &ident.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return identity.Identity{}, identity.ErrNotFound
		}
		return identity.Identity{}, fmt.Errorf("query identity: %w", err)
	}
	ident.Provider = identity.Provider(provider)
	ident.Status = identity.Status(status)
	return ident, nil
}
