package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/corsfix/proxy/internal/lookup"
	"github.com/corsfix/proxy/internal/usage"
)

// APIKeyPrefix starts every generated API key.
const APIKeyPrefix = "cfx_"

// ErrDomainTaken is returned when an origin domain belongs to another
// application.
var ErrDomainTaken = errors.New("origin domain already registered")

// Store is the SQLite-backed directory.
type Store struct {
	db     *sql.DB
	sealer *sealer
	now    func() time.Time
}

// Open opens the database at path, applies migrations and prepares secret
// encryption with key (32 bytes).
func Open(path string, key []byte) (*Store, error) {
	s, err := newSealer(key)
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}
	db, err := openDB(path)
	if err != nil {
		return nil, err
	}
	if err := migrateDB(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, sealer: s, now: time.Now}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Application returns the application registered for originDomain.
func (s *Store) Application(ctx context.Context, originDomain string) (*lookup.Application, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT application_id FROM application_origins WHERE origin_domain = ?`, originDomain,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, lookup.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: application by domain: %w", err)
	}
	return s.ApplicationByID(ctx, id)
}

// ApplicationByID loads an application and its origin domains.
func (s *Store) ApplicationByID(ctx context.Context, id string) (*lookup.Application, error) {
	var (
		app     = &lookup.Application{ID: id}
		targets string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, target_domains FROM applications WHERE id = ?`, id,
	).Scan(&app.UserID, &targets)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, lookup.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: application %s: %w", id, err)
	}
	if err := json.Unmarshal([]byte(targets), &app.TargetDomains); err != nil {
		return nil, fmt.Errorf("store: application %s target domains: %w", id, err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT origin_domain FROM application_origins WHERE application_id = ? ORDER BY origin_domain`, id)
	if err != nil {
		return nil, fmt.Errorf("store: application %s origins: %w", id, err)
	}
	defer rows.Close()
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		app.OriginDomains = append(app.OriginDomains, d)
	}
	return app, rows.Err()
}

const userColumns = `id, subscription_active, subscription_product_id, trial_ends_at, api_key`

func scanUser(row interface{ Scan(...any) error }) (*lookup.User, error) {
	var (
		u      lookup.User
		active int
		trial  sql.NullInt64
		key    sql.NullString
	)
	if err := row.Scan(&u.ID, &active, &u.SubscriptionProductID, &trial, &key); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, lookup.ErrNotFound
		}
		return nil, fmt.Errorf("store: user: %w", err)
	}
	u.SubscriptionActive = active != 0
	if trial.Valid {
		u.TrialEndsAt = time.Unix(trial.Int64, 0).UTC()
	}
	u.APIKey = key.String
	return &u, nil
}

// UserByAPIKey returns the user owning apiKey.
func (s *Store) UserByAPIKey(ctx context.Context, apiKey string) (*lookup.User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE api_key = ?`, apiKey))
}

// User returns the user with id.
func (s *Store) User(ctx context.Context, userID string) (*lookup.User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, userID))
}

// MonthToDate sums the user's usage since the first day of the current UTC
// month.
func (s *Store) MonthToDate(ctx context.Context, userID string) (lookup.Usage, error) {
	now := s.now().UTC()
	start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).Format(usage.DayFormat)

	var u lookup.Usage
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(req_count), 0), COALESCE(SUM(bytes), 0)
		 FROM metrics_daily WHERE user_id = ? AND date >= ?`, userID, start,
	).Scan(&u.ReqCount, &u.Bytes)
	if err != nil {
		return lookup.Usage{}, fmt.Errorf("store: month to date: %w", err)
	}
	return u, nil
}

// SecretsMap decrypts the named secrets of an application. Unknown names
// are absent from the result.
func (s *Store) SecretsMap(ctx context.Context, names []string, applicationID string) (map[string]string, error) {
	out := make(map[string]string, len(names))
	if len(names) == 0 {
		return out, nil
	}

	args := make([]any, 0, len(names)+1)
	args = append(args, applicationID)
	for _, n := range names {
		args = append(args, n)
	}
	q := `SELECT name, nonce, ciphertext FROM secrets WHERE application_id = ? AND name IN (?` +
		strings.Repeat(",?", len(names)-1) + `)`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("store: secrets: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			name              string
			nonce, ciphertext []byte
		)
		if err := rows.Scan(&name, &nonce, &ciphertext); err != nil {
			return nil, err
		}
		v, err := s.sealer.open(applicationID, name, nonce, ciphertext)
		if err != nil {
			return nil, err
		}
		out[name] = v
	}
	return out, rows.Err()
}

// IncrementDaily adds the points to their daily rows in one transaction.
func (s *Store) IncrementDaily(ctx context.Context, points []usage.Point) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO metrics_daily (user_id, origin_domain, date, req_count, bytes)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (user_id, origin_domain, date) DO UPDATE SET
			req_count = req_count + excluded.req_count,
			bytes = bytes + excluded.bytes`)
	if err != nil {
		return fmt.Errorf("store: prepare increment: %w", err)
	}
	defer stmt.Close()

	for _, p := range points {
		if _, err := stmt.ExecContext(ctx, p.UserID, p.OriginDomain, p.Date, p.ReqCount, p.Bytes); err != nil {
			return fmt.Errorf("store: increment %s/%s/%s: %w", p.UserID, p.OriginDomain, p.Date, err)
		}
	}
	return tx.Commit()
}

// NewAPIKey generates a key of the form cfx_<32 hex>.
func NewAPIKey() string {
	return APIKeyPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}
