package repo

import (
	"context"
	"database/sql"
)

// CooldownSentAt returns when an alert with the given key was last sent.
func (r Repo) CooldownSentAt(ctx context.Context, key string) (string, error) {
	var sentAt string
	err := r.DB.QueryRowContext(ctx, `SELECT sent_at FROM alert_cooldowns WHERE key=?`, key).Scan(&sentAt)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return sentAt, err
}

// MarkCooldown records an alert send and drops rows older than pruneBefore.
func (r Repo) MarkCooldown(ctx context.Context, key, sentAt, pruneBefore string) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `INSERT INTO alert_cooldowns(key, sent_at) VALUES (?,?)
ON CONFLICT(key) DO UPDATE SET sent_at=excluded.sent_at`, key, sentAt); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM alert_cooldowns WHERE sent_at < ?`, pruneBefore); err != nil {
		return err
	}
	return tx.Commit()
}
