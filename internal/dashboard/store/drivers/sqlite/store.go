// Package sqlite is the durable store driver. The session survives process
// restarts, and tokens are sealed at rest when a Sealer is configured.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/aussiebroadwan/bankdash/internal/dashboard/store"
	"github.com/aussiebroadwan/bankdash/pkg/cryptox"
	"github.com/aussiebroadwan/bankdash/pkg/dashsdk"
)

var _ store.Store = (*Store)(nil)

type Store struct {
	db    *sql.DB
	codec store.Codec
}

// Option configures a Store.
type Option func(*Store)

// WithSealer seals tokens before they are written.
func WithSealer(s *cryptox.Sealer) Option {
	return func(st *Store) { st.codec.Sealer = s }
}

// NewStore opens the database at dsn. Call ApplyMigrations before use.
func NewStore(dsn string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	// Single connection: the epoch check and its write must not interleave.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(context.Background(), `PRAGMA busy_timeout = 5000;`); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &Store{db: db}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Ping verifies the database connection is still alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// withTx executes fn within a transaction, automatically handling commit/rollback.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback() // safe to call even after commit
	}()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) LoadCredential(ctx context.Context) (dashsdk.Credential, uint64, error) {
	var (
		rec   store.Record
		epoch uint64
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		if epoch, err = readEpoch(ctx, tx); err != nil {
			return err
		}
		if rec.Token, err = getValue(ctx, tx, store.KeyAuthToken); err != nil {
			return err
		}
		rec.ExpiresAt, err = getValue(ctx, tx, store.KeyTokenExpiresAt)
		return err
	})
	if err != nil {
		return dashsdk.Credential{}, 0, fmt.Errorf("failed to load credential: %w", err)
	}

	cred, err := s.codec.DecodeCredential(rec)
	if err != nil {
		return dashsdk.Credential{}, 0, err
	}
	return cred, epoch, nil
}

func (s *Store) SaveCredential(ctx context.Context, c dashsdk.Credential) error {
	rec, err := s.codec.EncodeCredential(c)
	if err != nil {
		return err
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := writeRecord(ctx, tx, rec); err != nil {
			return err
		}
		return bumpEpoch(ctx, tx)
	})
}

func (s *Store) SaveCredentialIf(ctx context.Context, c dashsdk.Credential, epoch uint64) (bool, error) {
	rec, err := s.codec.EncodeCredential(c)
	if err != nil {
		return false, err
	}

	committed := false
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		current, err := readEpoch(ctx, tx)
		if err != nil {
			return err
		}
		if current != epoch {
			return nil
		}
		if err := writeRecord(ctx, tx, rec); err != nil {
			return err
		}
		if err := bumpEpoch(ctx, tx); err != nil {
			return err
		}
		committed = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return committed, nil
}

func (s *Store) Clear(ctx context.Context) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`DELETE FROM session_kv WHERE key IN (?, ?, ?)`,
			store.KeyAuthToken, store.KeyTokenExpiresAt, store.KeyUserData,
		)
		if err != nil {
			return err
		}
		return bumpEpoch(ctx, tx)
	})
}

func (s *Store) LoadUser(ctx context.Context) (*dashsdk.User, error) {
	v, err := getValue(ctx, s.db, store.KeyUserData)
	if err != nil {
		return nil, err
	}
	return store.DecodeUser(v)
}

func (s *Store) SaveUser(ctx context.Context, u dashsdk.User) error {
	v, err := store.EncodeUser(u)
	if err != nil {
		return err
	}
	return putValue(ctx, s.db, store.KeyUserData, v)
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func readEpoch(ctx context.Context, q querier) (uint64, error) {
	var epoch int64
	if err := q.QueryRowContext(ctx, `SELECT epoch FROM session_epoch WHERE id = 1`).Scan(&epoch); err != nil {
		return 0, err
	}
	return uint64(epoch), nil
}

func bumpEpoch(ctx context.Context, q querier) error {
	_, err := q.ExecContext(ctx, `UPDATE session_epoch SET epoch = epoch + 1 WHERE id = 1`)
	return err
}

func getValue(ctx context.Context, q querier, key string) (string, error) {
	var v string
	err := q.QueryRowContext(ctx, `SELECT value FROM session_kv WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return v, err
}

// putValue upserts key. An empty value deletes it.
func putValue(ctx context.Context, q querier, key, value string) error {
	if value == "" {
		_, err := q.ExecContext(ctx, `DELETE FROM session_kv WHERE key = ?`, key)
		return err
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO session_kv (key, value, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value,
	)
	return err
}

func writeRecord(ctx context.Context, q querier, rec store.Record) error {
	if err := putValue(ctx, q, store.KeyAuthToken, rec.Token); err != nil {
		return err
	}
	return putValue(ctx, q, store.KeyTokenExpiresAt, rec.ExpiresAt)
}
