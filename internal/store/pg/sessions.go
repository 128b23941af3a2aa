package pg

import (
	"context"

	"befunny.io/auth/internal/auth"
	"befunny.io/auth/internal/ids"
)

func (s *Store) RecordLogin(ctx context.Context, rec auth.LoginRecord) error {
	if s.db == nil {
		return errNoDB
	}
	if rec.ID == "" {
		rec.ID = ids.New()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		insert into login_history (id, user_id, user_agent, device_id, remote_addr, created_at)
		values ($1, $2, $3, $4, $5, $6)
	`, rec.ID, rec.UserID, rec.UserAgent, rec.DeviceID, rec.RemoteAddr, rec.CreatedAt)
	return mapError(err)
}

func (s *Store) LoginHistory(ctx context.Context, userID string, limit int) ([]auth.LoginRecord, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `
		select id, user_id, user_agent, device_id, remote_addr, created_at
		from login_history
		where user_id = $1
		order by created_at desc, id desc
		limit $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []auth.LoginRecord
	for rows.Next() {
		var rec auth.LoginRecord
		if err := rows.Scan(&rec.ID, &rec.UserID, &rec.UserAgent, &rec.DeviceID, &rec.RemoteAddr, &rec.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// ReplaceRefreshToken keeps a single row per user.
func (s *Store) ReplaceRefreshToken(ctx context.Context, rec auth.RefreshRecord) error {
	if s.db == nil {
		return errNoDB
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = s.now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		insert into refresh_tokens (user_id, token_hash, device_id, expires_at, updated_at)
		values ($1, $2, $3, $4, $5)
		on conflict (user_id) do update
		set token_hash = excluded.token_hash,
		    device_id = excluded.device_id,
		    expires_at = excluded.expires_at,
		    updated_at = excluded.updated_at
	`, rec.UserID, rec.TokenHash, rec.DeviceID, rec.ExpiresAt, rec.UpdatedAt)
	return mapError(err)
}

func (s *Store) RefreshToken(ctx context.Context, userID string) (auth.RefreshRecord, error) {
	if s.db == nil {
		return auth.RefreshRecord{}, errNoDB
	}
	var rec auth.RefreshRecord
	err := s.db.QueryRowContext(ctx, `
		select user_id, token_hash, device_id, expires_at, updated_at
		from refresh_tokens
		where user_id = $1
	`, userID).Scan(&rec.UserID, &rec.TokenHash, &rec.DeviceID, &rec.ExpiresAt, &rec.UpdatedAt)
	if err != nil {
		return auth.RefreshRecord{}, mapError(err)
	}
	return rec, nil
}

func (s *Store) DeleteRefreshToken(ctx context.Context, userID string) error {
	if s.db == nil {
		return errNoDB
	}
	res, err := s.db.ExecContext(ctx, `delete from refresh_tokens where user_id = $1`, userID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return auth.ErrNotFound
	}
	return nil
}
