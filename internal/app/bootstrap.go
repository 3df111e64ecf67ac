package app

import (
	"context"
	"database/sql"
	"time"

	"mechline/internal/domain"
	"mechline/internal/repo"
)

// Bootstrap seeds an admin user on first run so the API is usable before any
// identities exist. Returns true when the seed user was created.
func Bootstrap(ctx context.Context, r repo.Repo) (bool, error) {
	var count int
	if err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM users`).Scan(&count); err != nil {
		return false, err
	}
	if count > 0 {
		return false, nil
	}
	now := time.Now().UTC().Format(time.RFC3339)
	admin := domain.User{
		ID:        "admin",
		Name:      "Administrator",
		Role:      "admin",
		CreatedAt: now,
	}
	err := r.InTx(ctx, func(tx *sql.Tx) error {
		return r.InsertUser(ctx, tx, admin)
	})
	if err != nil {
		return false, err
	}
	return true, nil
}
