package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// withTx runs fn inside a transaction and commits when fn returns nil.
func (s *PostgresStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}

// SeedWhitelistIfEmpty makes email the first admin when the whitelist is
// empty. Only one caller can ever claim the seed row, so concurrent first
// sign-ins produce exactly one admin.
func (s *PostgresStore) SeedWhitelistIfEmpty(ctx context.Context, email string) (bool, error) {
	seeded := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var count int
		if err := tx.QueryRowContext(ctx, `SELECT count(*) FROM whitelist`).Scan(&count); err != nil {
			return fmt.Errorf("count whitelist: %w", err)
		}
		if count > 0 {
			return nil
		}
		result, err := tx.ExecContext(ctx, `
			INSERT INTO whitelist_seed (id, email)
			VALUES (TRUE, $1)
			ON CONFLICT (id) DO NOTHING
		`, email)
		if err != nil {
			return fmt.Errorf("claim whitelist seed: %w", err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("claim whitelist seed rows: %w", err)
		}
		if affected == 0 {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO whitelist (email, role, added_by)
			VALUES ($1, 'admin', 'seed')
			ON CONFLICT (email) DO NOTHING
		`, email); err != nil {
			return fmt.Errorf("insert seed admin: %w", err)
		}
		seeded = true
		return nil
	})
	return seeded, err
}

func (s *PostgresStore) GetWhitelistEntry(ctx context.Context, email string) (WhitelistEntry, error) {
	var entry WhitelistEntry
	err := s.db.QueryRowContext(ctx, `
		SELECT email, role, added_by, added_at
		FROM whitelist
		WHERE email=$1
	`, email).Scan(&entry.Email, &entry.Role, &entry.AddedBy, &entry.AddedAt)
	if err != nil {
		return WhitelistEntry{}, notFound(err)
	}
	return entry, nil
}

func (s *PostgresStore) ListWhitelist(ctx context.Context) ([]WhitelistEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT email, role, added_by, added_at
		FROM whitelist
		ORDER BY added_at ASC, email ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list whitelist: %w", err)
	}
	defer rows.Close()

	items := make([]WhitelistEntry, 0)
	for rows.Next() {
		var entry WhitelistEntry
		if err := rows.Scan(&entry.Email, &entry.Role, &entry.AddedBy, &entry.AddedAt); err != nil {
			return nil, fmt.Errorf("scan whitelist: %w", err)
		}
		items = append(items, entry)
	}
	return items, rows.Err()
}

func (s *PostgresStore) CountWhitelist(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM whitelist`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count whitelist: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) AddWhitelistEntry(ctx context.Context, entry WhitelistEntry) error {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO whitelist (email, role, added_by, added_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (email) DO NOTHING
	`, entry.Email, entry.Role, entry.AddedBy, entry.AddedAt)
	if err != nil {
		return fmt.Errorf("insert whitelist entry: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert whitelist entry rows: %w", err)
	}
	if affected == 0 {
		return ErrAlreadyExists
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE members SET role=$2 WHERE email=$1`, entry.Email, entry.Role); err != nil {
		return fmt.Errorf("project member role: %w", err)
	}
	return nil
}

// UpdateWhitelistRole changes the role on the whitelist and the member
// projection in one transaction.
func (s *PostgresStore) UpdateWhitelistRole(ctx context.Context, email, role string) (WhitelistEntry, error) {
	var entry WhitelistEntry
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `
			UPDATE whitelist SET role=$2
			WHERE email=$1
			RETURNING email, role, added_by, added_at
		`, email, role).Scan(&entry.Email, &entry.Role, &entry.AddedBy, &entry.AddedAt)
		if err != nil {
			return notFound(err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE members SET role=$2 WHERE email=$1`, email, role); err != nil {
			return fmt.Errorf("project member role: %w", err)
		}
		return nil
	})
	return entry, err
}

// RemoveWhitelistEntry deletes the entry and returns the ids of members who
// signed in with that address.
func (s *PostgresStore) RemoveWhitelistEntry(ctx context.Context, email string) ([]string, error) {
	memberIDs := make([]string, 0)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `DELETE FROM whitelist WHERE email=$1`, email)
		if err != nil {
			return fmt.Errorf("delete whitelist entry: %w", err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("delete whitelist entry rows: %w", err)
		}
		if affected == 0 {
			return ErrNotFound
		}
		rows, err := tx.QueryContext(ctx, `UPDATE members SET role='' WHERE email=$1 RETURNING id`, email)
		if err != nil {
			return fmt.Errorf("clear member role: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return fmt.Errorf("scan member id: %w", err)
			}
			memberIDs = append(memberIDs, id)
		}
		return rows.Err()
	})
	return memberIDs, err
}

const memberColumns = `m.id, m.email, m.display_name, m.photo_url, COALESCE(w.role, ''), m.has_voted, m.joined_at, m.last_login`

func scanMember(row interface{ Scan(...any) error }) (Member, error) {
	var member Member
	err := row.Scan(&member.ID, &member.Email, &member.DisplayName, &member.PhotoURL, &member.Role, &member.HasVoted, &member.JoinedAt, &member.LastLogin)
	return member, err
}

// EnsureMember creates the member on first sign-in. Later sign-ins only
// refresh the display name, photo and last login time.
func (s *PostgresStore) EnsureMember(ctx context.Context, member Member) (Member, bool, error) {
	var created bool
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO members (id, email, display_name, photo_url, role, has_voted, joined_at, last_login)
		VALUES ($1, $2, $3, $4, COALESCE((SELECT role FROM whitelist WHERE email=$2), ''), FALSE, $5, $5)
		ON CONFLICT (id) DO UPDATE
		SET display_name=EXCLUDED.display_name,
			photo_url=EXCLUDED.photo_url,
			last_login=EXCLUDED.last_login
		RETURNING (xmax = 0)
	`, member.ID, member.Email, member.DisplayName, member.PhotoURL, member.LastLogin).Scan(&created)
	if err != nil {
		return Member{}, false, fmt.Errorf("ensure member: %w", err)
	}
	stored, err := s.GetMember(ctx, member.ID)
	if err != nil {
		return Member{}, false, err
	}
	return stored, created, nil
}

func (s *PostgresStore) GetMember(ctx context.Context, memberID string) (Member, error) {
	member, err := scanMember(s.db.QueryRowContext(ctx, `
		SELECT `+memberColumns+`
		FROM members m
		LEFT JOIN whitelist w ON w.email = m.email
		WHERE m.id=$1
	`, memberID))
	if err != nil {
		return Member{}, notFound(err)
	}
	return member, nil
}

func (s *PostgresStore) ListMembers(ctx context.Context) ([]Member, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+memberColumns+`
		FROM members m
		LEFT JOIN whitelist w ON w.email = m.email
		ORDER BY m.joined_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	defer rows.Close()

	items := make([]Member, 0)
	for rows.Next() {
		member, err := scanMember(rows)
		if err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		items = append(items, member)
	}
	return items, rows.Err()
}

func (s *PostgresStore) ListMemberIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM members ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list member ids: %w", err)
	}
	defer rows.Close()
	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan member id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PostgresStore) ClearMemberVoted(ctx context.Context, memberID string) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE members SET has_voted=FALSE WHERE id=$1`, memberID); err != nil {
		return fmt.Errorf("clear member voted: %w", err)
	}
	return nil
}

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, memberID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, member_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET member_id=EXCLUDED.member_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, memberID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (string, error) {
	var memberID string
	err := s.db.QueryRowContext(ctx, `
		SELECT member_id
		FROM refresh_sessions
		WHERE token_hash=$1
			AND revoked_at IS NULL
			AND expires_at > NOW()
	`, tokenHash).Scan(&memberID)
	if err != nil {
		return "", notFound(err)
	}
	return memberID, nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeMemberSessions(ctx context.Context, memberID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE refresh_sessions SET revoked_at=NOW()
		WHERE member_id=$1 AND revoked_at IS NULL
	`, memberID)
	if err != nil {
		return fmt.Errorf("revoke member sessions: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_access_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, exp)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti=$1)`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}

func (s *PostgresStore) InsertVaultItem(ctx context.Context, item VaultItem) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO vault_items (id, title, description, category, file_name, file_url, storage_path, file_size, content_type, uploaded_by, uploaded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, item.ID, item.Title, item.Description, item.Category, item.FileName, item.FileURL, item.StoragePath, item.FileSize, item.ContentType, item.UploadedBy, item.UploadedAt)
	if err != nil {
		return fmt.Errorf("insert vault item: %w", err)
	}
	return nil
}

const vaultColumns = `id, title, description, category, file_name, file_url, storage_path, file_size, content_type, uploaded_by, uploaded_at`

func scanVaultItem(row interface{ Scan(...any) error }) (VaultItem, error) {
	var item VaultItem
	err := row.Scan(&item.ID, &item.Title, &item.Description, &item.Category, &item.FileName, &item.FileURL, &item.StoragePath, &item.FileSize, &item.ContentType, &item.UploadedBy, &item.UploadedAt)
	return item, err
}

func (s *PostgresStore) GetVaultItem(ctx context.Context, id string) (VaultItem, error) {
	item, err := scanVaultItem(s.db.QueryRowContext(ctx, `SELECT `+vaultColumns+` FROM vault_items WHERE id=$1`, id))
	if err != nil {
		return VaultItem{}, notFound(err)
	}
	return item, nil
}

func (s *PostgresStore) ListVaultItems(ctx context.Context) ([]VaultItem, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+vaultColumns+` FROM vault_items ORDER BY uploaded_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list vault items: %w", err)
	}
	defer rows.Close()
	items := make([]VaultItem, 0)
	for rows.Next() {
		item, err := scanVaultItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan vault item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *PostgresStore) DeleteVaultItem(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM vault_items WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("delete vault item: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete vault item rows: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}
