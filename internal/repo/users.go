package repo

import (
	"context"
	"database/sql"

	"mechline/internal/domain"
)

func (r Repo) InsertUser(ctx context.Context, tx *sql.Tx, u domain.User) error {
	if _, err := tx.ExecContext(ctx, `INSERT INTO users(id,name,role,created_at) VALUES (?,?,?,?)`,
		u.ID, u.Name, u.Role, u.CreatedAt); err != nil {
		return err
	}
	for _, siteID := range u.SiteIDs {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO user_sites(user_id,site_id) VALUES (?,?)`, u.ID, siteID); err != nil {
			return err
		}
	}
	return nil
}

// EnsureUser materializes a row for an externally authenticated identity so
// foreign keys on created_by/approved_by columns resolve.
func (r Repo) EnsureUser(ctx context.Context, tx *sql.Tx, id, name, role, now string) error {
	if name == "" {
		name = id
	}
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO users(id,name,role,created_at) VALUES (?,?,?,?)`,
		id, name, role, now)
	return err
}

func (r Repo) GetUser(ctx context.Context, id string) (domain.User, error) {
	var u domain.User
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,role,created_at FROM users WHERE id=?`, id).
		Scan(&u.ID, &u.Name, &u.Role, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	if err != nil {
		return u, err
	}
	u.SiteIDs, err = r.UserSites(ctx, id)
	return u, err
}

func (r Repo) ListUsers(ctx context.Context) ([]domain.User, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,role,created_at FROM users ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.User
	for rows.Next() {
		var u domain.User
		if err := rows.Scan(&u.ID, &u.Name, &u.Role, &u.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, u)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range res {
		sites, err := r.UserSites(ctx, res[i].ID)
		if err != nil {
			return nil, err
		}
		res[i].SiteIDs = sites
	}
	return res, nil
}

func (r Repo) UserSites(ctx context.Context, userID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT site_id FROM user_sites WHERE user_id=? ORDER BY site_id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var sites []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		sites = append(sites, s)
	}
	return sites, rows.Err()
}

func (r Repo) AssignUserSite(ctx context.Context, tx *sql.Tx, userID, siteID string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO user_sites(user_id,site_id) VALUES (?,?)`, userID, siteID)
	return err
}

func (r Repo) RevokeUserSite(ctx context.Context, tx *sql.Tx, userID, siteID string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM user_sites WHERE user_id=? AND site_id=?`, userID, siteID)
	return err
}
