package store

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"

	proxyerrors "github.com/nullstream/antigravity-bridge/internal/errors"

	_ "modernc.org/sqlite" // pure-Go driver, no CGO
)

// SQLiteStore is a token store backed by modernc.org/sqlite. Selected via
// TokenStoreBackend=sqlite; otherwise the proxy defaults to JSONStore.
type SQLiteStore struct {
	db *sql.DB
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS accounts (
	email              TEXT PRIMARY KEY,
	refresh_token      TEXT NOT NULL,
	project_id         TEXT NOT NULL DEFAULT '',
	managed_project_id TEXT NOT NULL DEFAULT '',
	tier               TEXT NOT NULL DEFAULT '',
	created_at         INTEGER NOT NULL,
	updated_at         INTEGER NOT NULL
);`

// NewSQLiteStore opens (or creates) the sqlite database at path and applies
// the schema if missing.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, proxyerrors.NewTokenStoreCorrupt(err, "cannot create token store directory %s", filepath.Dir(path))
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, proxyerrors.NewTokenStoreCorrupt(err, "cannot open sqlite token store %s", path)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers anyway; avoid SQLITE_BUSY

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, proxyerrors.NewTokenStoreCorrupt(err, "cannot initialize sqlite schema at %s", path)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Load(ctx context.Context) ([]Account, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT email, refresh_token, project_id, managed_project_id, tier, created_at, updated_at FROM accounts`)
	if err != nil {
		return nil, proxyerrors.NewTokenStoreCorrupt(err, "cannot query accounts")
	}
	defer rows.Close()

	var out []Account
	for rows.Next() {
		var a Account
		if err := rows.Scan(&a.Email, &a.RefreshToken, &a.ProjectID, &a.ManagedProjectID, &a.Tier, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, proxyerrors.NewTokenStoreCorrupt(err, "cannot scan account row")
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, proxyerrors.NewTokenStoreCorrupt(err, "error iterating account rows")
	}
	return out, nil
}

func (s *SQLiteStore) Get(ctx context.Context, email string) (Account, bool, error) {
	var a Account
	row := s.db.QueryRowContext(ctx, `SELECT email, refresh_token, project_id, managed_project_id, tier, created_at, updated_at FROM accounts WHERE email = ?`, email)
	err := row.Scan(&a.Email, &a.RefreshToken, &a.ProjectID, &a.ManagedProjectID, &a.Tier, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return Account{}, false, nil
	}
	if err != nil {
		return Account{}, false, proxyerrors.NewTokenStoreCorrupt(err, "cannot query account %s", email)
	}
	return a, true, nil
}

func (s *SQLiteStore) Upsert(ctx context.Context, acc Account) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (email, refresh_token, project_id, managed_project_id, tier, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(email) DO UPDATE SET
			refresh_token = excluded.refresh_token,
			project_id = excluded.project_id,
			managed_project_id = excluded.managed_project_id,
			tier = excluded.tier,
			updated_at = excluded.updated_at
	`, acc.Email, acc.RefreshToken, acc.ProjectID, acc.ManagedProjectID, acc.Tier, acc.CreatedAt, acc.UpdatedAt)
	if err != nil {
		return proxyerrors.NewTokenStoreCorrupt(err, "cannot upsert account %s", acc.Email)
	}
	return nil
}

func (s *SQLiteStore) Remove(ctx context.Context, email string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM accounts WHERE email = ?`, email)
	if err != nil {
		return proxyerrors.NewTokenStoreCorrupt(err, "cannot remove account %s", email)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

var _ Store = (*SQLiteStore)(nil)
