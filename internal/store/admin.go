package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/corsfix/proxy/internal/lookup"
	"github.com/corsfix/proxy/internal/usage"
)

// ApplicationInput is the writable part of an application.
type ApplicationInput struct {
	ID            string
	UserID        string
	Name          string
	OriginDomains []string
	TargetDomains []string
}

// PutUser inserts or replaces a user's subscription and trial state. The
// API key is kept unless u.APIKey is set.
func (s *Store) PutUser(ctx context.Context, u lookup.User) error {
	var trial sql.NullInt64
	if !u.TrialEndsAt.IsZero() {
		trial = sql.NullInt64{Int64: u.TrialEndsAt.Unix(), Valid: true}
	}
	var key sql.NullString
	if u.APIKey != "" {
		key = sql.NullString{String: u.APIKey, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, subscription_active, subscription_product_id, trial_ends_at, api_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			subscription_active = excluded.subscription_active,
			subscription_product_id = excluded.subscription_product_id,
			trial_ends_at = excluded.trial_ends_at,
			api_key = COALESCE(excluded.api_key, users.api_key)`,
		u.ID, boolInt(u.SubscriptionActive), u.SubscriptionProductID, trial, key, s.now().Unix())
	if err != nil {
		return fmt.Errorf("store: put user %s: %w", u.ID, err)
	}
	return nil
}

// DeleteUser removes a user with its applications and secrets.
func (s *Store) DeleteUser(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: delete user %s: %w", id, err)
	}
	return notFoundIfNone(res)
}

// RotateAPIKey assigns a fresh key to the user and returns it with the key
// it replaced (empty when there was none).
func (s *Store) RotateAPIKey(ctx context.Context, userID string) (newKey, oldKey string, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", "", err
	}
	defer tx.Rollback()

	var prev sql.NullString
	err = tx.QueryRowContext(ctx, `SELECT api_key FROM users WHERE id = ?`, userID).Scan(&prev)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", lookup.ErrNotFound
	}
	if err != nil {
		return "", "", fmt.Errorf("store: rotate key %s: %w", userID, err)
	}

	newKey = NewAPIKey()
	if _, err := tx.ExecContext(ctx, `UPDATE users SET api_key = ? WHERE id = ?`, newKey, userID); err != nil {
		return "", "", fmt.Errorf("store: rotate key %s: %w", userID, err)
	}
	if err := tx.Commit(); err != nil {
		return "", "", err
	}
	return newKey, prev.String, nil
}

// PutApplication creates or replaces an application and its origin domains.
// It fails with ErrDomainTaken when a domain belongs to another application.
// The returned slice holds every origin domain whose mapping changed, for
// cache invalidation.
func (s *Store) PutApplication(ctx context.Context, in ApplicationInput) ([]string, error) {
	targets := in.TargetDomains
	if targets == nil {
		targets = []string{}
	}
	tj, err := json.Marshal(targets)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	for _, d := range in.OriginDomains {
		var owner string
		err := tx.QueryRowContext(ctx,
			`SELECT application_id FROM application_origins WHERE origin_domain = ?`, d).Scan(&owner)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return nil, fmt.Errorf("store: check domain %s: %w", d, err)
		case owner != in.ID:
			return nil, fmt.Errorf("%w: %s", ErrDomainTaken, d)
		}
	}

	previous, err := originsOf(ctx, tx, in.ID)
	if err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO applications (id, user_id, name, target_domains, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			user_id = excluded.user_id,
			name = excluded.name,
			target_domains = excluded.target_domains,
			updated_at = excluded.updated_at`,
		in.ID, in.UserID, in.Name, string(tj), s.now().Unix())
	if err != nil {
		return nil, fmt.Errorf("store: put application %s: %w", in.ID, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM application_origins WHERE application_id = ?`, in.ID); err != nil {
		return nil, err
	}
	for _, d := range in.OriginDomains {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO application_origins (origin_domain, application_id) VALUES (?, ?)`, d, in.ID); err != nil {
			return nil, fmt.Errorf("store: add origin %s: %w", d, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return union(previous, in.OriginDomains), nil
}

// DeleteApplication removes an application and returns the origin domains
// it was registered for.
func (s *Store) DeleteApplication(ctx context.Context, id string) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	domains, err := originsOf(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM applications WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("store: delete application %s: %w", id, err)
	}
	if err := notFoundIfNone(res); err != nil {
		return nil, err
	}
	return domains, tx.Commit()
}

// ListApplications returns the applications owned by userID.
func (s *Store) ListApplications(ctx context.Context, userID string) ([]*lookup.Application, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM applications WHERE user_id = ? ORDER BY id`, userID)
	if err != nil {
		return nil, fmt.Errorf("store: list applications: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	apps := make([]*lookup.Application, 0, len(ids))
	for _, id := range ids {
		app, err := s.ApplicationByID(ctx, id)
		if err != nil {
			return nil, err
		}
		apps = append(apps, app)
	}
	return apps, nil
}

// SetSecret encrypts and stores a secret value.
func (s *Store) SetSecret(ctx context.Context, applicationID, name, value string) error {
	nonce, ct, err := s.sealer.seal(applicationID, name, value)
	if err != nil {
		return fmt.Errorf("store: seal secret %s: %w", name, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO secrets (application_id, name, nonce, ciphertext, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (application_id, name) DO UPDATE SET
			nonce = excluded.nonce,
			ciphertext = excluded.ciphertext,
			updated_at = excluded.updated_at`,
		applicationID, name, nonce, ct, s.now().Unix())
	if err != nil {
		return fmt.Errorf("store: set secret %s: %w", name, err)
	}
	return nil
}

// DeleteSecret removes one secret.
func (s *Store) DeleteSecret(ctx context.Context, applicationID, name string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM secrets WHERE application_id = ? AND name = ?`, applicationID, name)
	if err != nil {
		return fmt.Errorf("store: delete secret %s: %w", name, err)
	}
	return notFoundIfNone(res)
}

// SecretNames lists the secret names of an application. Values are never
// returned.
func (s *Store) SecretNames(ctx context.Context, applicationID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name FROM secrets WHERE application_id = ? ORDER BY name`, applicationID)
	if err != nil {
		return nil, fmt.Errorf("store: secret names: %w", err)
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

// DailyMetrics returns the user's daily rows between from and to
// (inclusive, DayFormat dates).
func (s *Store) DailyMetrics(ctx context.Context, userID, from, to string) ([]usage.Point, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, origin_domain, date, req_count, bytes FROM metrics_daily
		WHERE user_id = ? AND date >= ? AND date <= ?
		ORDER BY date, origin_domain`, userID, from, to)
	if err != nil {
		return nil, fmt.Errorf("store: daily metrics: %w", err)
	}
	defer rows.Close()
	var out []usage.Point
	for rows.Next() {
		var p usage.Point
		if err := rows.Scan(&p.UserID, &p.OriginDomain, &p.Date, &p.ReqCount, &p.Bytes); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// PruneMetrics deletes daily rows older than the retention window.
func (s *Store) PruneMetrics(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := s.now().UTC().Add(-retention).Format(usage.DayFormat)
	res, err := s.db.ExecContext(ctx, `DELETE FROM metrics_daily WHERE date < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("store: prune metrics: %w", err)
	}
	return res.RowsAffected()
}

func originsOf(ctx context.Context, tx *sql.Tx, appID string) ([]string, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT origin_domain FROM application_origins WHERE application_id = ?`, appID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func notFoundIfNone(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return lookup.ErrNotFound
	}
	return nil
}

func union(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, s := range list {
			if _, ok := seen[s]; ok {
				continue
			}
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	return out
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
