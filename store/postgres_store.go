package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pheezz/wireguard-bot/types"
	"github.com/pressly/goose/v3"
)

// banSentinelDays is how far into the past a banned user's expiry is pushed,
// so expiry-only checks elsewhere also see the user as inactive.
const banSentinelDays = 9999

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		dsn = buildPostgresDSNFromEnv()
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	s := &PostgresStore{pool: pool}
	if err := s.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func buildPostgresDSNFromEnv() string {
	host := strings.TrimSpace(os.Getenv("POSTGRES_HOST"))
	if host == "" {
		host = "localhost"
	}
	port := strings.TrimSpace(os.Getenv("POSTGRES_PORT"))
	if port == "" {
		port = "5432"
	}
	db := strings.TrimSpace(os.Getenv("POSTGRES_DB"))
	if db == "" {
		db = "wireguard_bot"
	}
	user := strings.TrimSpace(os.Getenv("POSTGRES_USER"))
	if user == "" {
		user = "wireguard_bot"
	}
	pass := os.Getenv("POSTGRES_PASSWORD")
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", urlEscape(user), urlEscape(pass), host, port, db)
}

func urlEscape(s string) string {
	r := strings.NewReplacer(
		"%", "%25",
		":", "%3A",
		"/", "%2F",
		"@", "%40",
		"?", "%3F",
		"#", "%23",
		"[", "%5B",
		"]", "%5D",
	)
	return r.Replace(s)
}

func (s *PostgresStore) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDB(*s.pool.Config().ConnConfig)
	defer db.Close()

	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return goose.UpContext(ctx, db, "migrations")
}

// storeErr maps driver errors onto the error taxonomy the lifecycle engine
// branches on.
func storeErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return types.ErrNotFound
	}
	return fmt.Errorf("%w: %v", types.ErrResourceUnavailable, err)
}

func (s *PostgresStore) UpsertUser(ctx context.Context, user types.User) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := s.pool.Exec(ctx, `
INSERT INTO users (user_id, chat_id, username)
VALUES ($1, $2, $3)
ON CONFLICT (user_id) DO UPDATE SET
  chat_id = EXCLUDED.chat_id,
  username = EXCLUDED.username,
  updated_at = NOW();
`, user.UserID, user.ChatID, strings.TrimSpace(user.Username))
	return storeErr(err)
}

func (s *PostgresStore) GetUser(ctx context.Context, userID int64) (*types.User, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	var u types.User
	err := s.pool.QueryRow(ctx, `
SELECT user_id, chat_id, username, subscription_end_date, config_count, is_banned, created_at, updated_at
FROM users
WHERE user_id = $1
`, userID).Scan(&u.UserID, &u.ChatID, &u.Username, &u.SubscriptionEndDate, &u.ConfigCount, &u.Banned, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, storeErr(err)
	}
	return &u, nil
}

// ExtendSubscription is a single conditional UPDATE: the branch between
// "extend from expiry" and "extend from now" happens inside the statement,
// so two concurrent extends can never read the same base value.
func (s *PostgresStore) ExtendSubscription(ctx context.Context, userID int64, d time.Duration) (time.Time, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var until time.Time
	err := s.pool.QueryRow(ctx, `
UPDATE users SET
  subscription_end_date = CASE
    WHEN subscription_end_date IS NULL OR subscription_end_date < NOW()
      THEN NOW() + make_interval(secs => $2)
    ELSE subscription_end_date + make_interval(secs => $2)
  END,
  expiry_notified = FALSE,
  updated_at = NOW()
WHERE user_id = $1
RETURNING subscription_end_date
`, userID, d.Seconds()).Scan(&until)
	if err != nil {
		return time.Time{}, storeErr(err)
	}
	return until, nil
}

func (s *PostgresStore) SetExpiryAbsolute(ctx context.Context, userID int64, until time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	tag, err := s.pool.Exec(ctx, `
UPDATE users SET subscription_end_date = $2, expiry_notified = FALSE, updated_at = NOW()
WHERE user_id = $1
`, userID, until)
	if err != nil {
		return storeErr(err)
	}
	if tag.RowsAffected() == 0 {
		return types.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) IsExpired(ctx context.Context, userID int64) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	var expired bool
	err := s.pool.QueryRow(ctx, `
SELECT subscription_end_date IS NULL OR subscription_end_date < NOW()
FROM users
WHERE user_id = $1
`, userID).Scan(&expired)
	if err != nil {
		return false, storeErr(err)
	}
	return expired, nil
}

// MarkBanned sets the flag and forces the expiry to the far-past sentinel.
// The flag stays the source of truth; the sentinel only keeps expiry-based
// checks consistent.
func (s *PostgresStore) MarkBanned(ctx context.Context, userID int64) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	tag, err := s.pool.Exec(ctx, `
UPDATE users SET
  is_banned = TRUE,
  subscription_end_date = NOW() - make_interval(days => $2),
  updated_at = NOW()
WHERE user_id = $1
`, userID, banSentinelDays)
	if err != nil {
		return storeErr(err)
	}
	if tag.RowsAffected() == 0 {
		return types.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ClearBanned(ctx context.Context, userID int64) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	tag, err := s.pool.Exec(ctx, `
UPDATE users SET is_banned = FALSE, updated_at = NOW()
WHERE user_id = $1
`, userID)
	if err != nil {
		return storeErr(err)
	}
	if tag.RowsAffected() == 0 {
		return types.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) AddUserConfig(ctx context.Context, userID int64, label, publicKey, allowedIP string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := s.pool.Exec(ctx, `
INSERT INTO configs (user_id, label, public_key, allowed_ip)
VALUES ($1, $2, $3, $4)
ON CONFLICT (user_id, label) DO UPDATE SET
  public_key = EXCLUDED.public_key,
  allowed_ip = EXCLUDED.allowed_ip,
  created_at = NOW()
`, userID, strings.TrimSpace(label), strings.TrimSpace(publicKey), strings.TrimSpace(allowedIP))
	return storeErr(err)
}

func (s *PostgresStore) ListAllocatedIPs(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	rows, err := s.pool.Query(ctx, `SELECT allowed_ip FROM configs WHERE allowed_ip <> ''`)
	if err != nil {
		return nil, storeErr(err)
	}
	defer rows.Close()

	var ips []string
	for rows.Next() {
		var ip string
		if err := rows.Scan(&ip); err != nil {
			return nil, storeErr(err)
		}
		ips = append(ips, ip)
	}
	return ips, storeErr(rows.Err())
}

func (s *PostgresStore) IncrementConfigCount(ctx context.Context, userID int64) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	tag, err := s.pool.Exec(ctx, `
UPDATE users SET config_count = config_count + 1, updated_at = NOW()
WHERE user_id = $1
`, userID)
	if err != nil {
		return storeErr(err)
	}
	if tag.RowsAffected() == 0 {
		return types.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) DeleteUserConfigs(ctx context.Context, userID int64) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	tag, err := s.pool.Exec(ctx, `DELETE FROM configs WHERE user_id = $1`, userID)
	if err != nil {
		return 0, storeErr(err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) ListNewlyExpired(ctx context.Context) ([]types.User, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	rows, err := s.pool.Query(ctx, `
SELECT user_id, chat_id, username, subscription_end_date, config_count, is_banned, created_at, updated_at
FROM users
WHERE is_banned = FALSE
  AND expiry_notified = FALSE
  AND subscription_end_date IS NOT NULL
  AND subscription_end_date < NOW()
ORDER BY subscription_end_date
`)
	if err != nil {
		return nil, storeErr(err)
	}
	defer rows.Close()

	var users []types.User
	for rows.Next() {
		var u types.User
		if err := rows.Scan(&u.UserID, &u.ChatID, &u.Username, &u.SubscriptionEndDate, &u.ConfigCount, &u.Banned, &u.CreatedAt, &u.UpdatedAt); err != nil {
			return nil, storeErr(err)
		}
		users = append(users, u)
	}
	return users, storeErr(rows.Err())
}

func (s *PostgresStore) ListUsersByExpiry(ctx context.Context, filter types.UserFilter) ([]types.User, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	where := ""
	switch filter {
	case types.FilterActive:
		where = "WHERE subscription_end_date IS NOT NULL AND subscription_end_date >= NOW()"
	case types.FilterExpired:
		where = "WHERE subscription_end_date IS NULL OR subscription_end_date < NOW()"
	}

	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
SELECT user_id, chat_id, username, subscription_end_date, config_count, is_banned, created_at, updated_at
FROM users
%s
ORDER BY subscription_end_date DESC NULLS LAST
`, where))
	if err != nil {
		return nil, storeErr(err)
	}
	defer rows.Close()

	var users []types.User
	for rows.Next() {
		var u types.User
		if err := rows.Scan(&u.UserID, &u.ChatID, &u.Username, &u.SubscriptionEndDate, &u.ConfigCount, &u.Banned, &u.CreatedAt, &u.UpdatedAt); err != nil {
			return nil, storeErr(err)
		}
		users = append(users, u)
	}
	return users, storeErr(rows.Err())
}

func (s *PostgresStore) MarkExpiryNotified(ctx context.Context, userID int64) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := s.pool.Exec(ctx, `
UPDATE users SET expiry_notified = TRUE, updated_at = NOW()
WHERE user_id = $1
`, userID)
	return storeErr(err)
}

func (s *PostgresStore) Ban(ctx context.Context, userID int64, reason string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := s.pool.Exec(ctx, `
INSERT INTO banned_users (user_id, reason)
VALUES ($1, $2)
ON CONFLICT (user_id) DO UPDATE SET
  banned_at = NOW(),
  reason = EXCLUDED.reason
`, userID, strings.TrimSpace(reason))
	return storeErr(err)
}

func (s *PostgresStore) Unban(ctx context.Context, userID int64) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	tag, err := s.pool.Exec(ctx, `DELETE FROM banned_users WHERE user_id = $1`, userID)
	if err != nil {
		return false, storeErr(err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) IsBanned(ctx context.Context, userID int64) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	var banned bool
	err := s.pool.QueryRow(ctx, `
SELECT EXISTS(SELECT 1 FROM banned_users WHERE user_id = $1)
`, userID).Scan(&banned)
	if err != nil {
		return false, storeErr(err)
	}
	return banned, nil
}

func (s *PostgresStore) ListBanned(ctx context.Context) ([]types.BanRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	rows, err := s.pool.Query(ctx, `
SELECT user_id, banned_at, reason
FROM banned_users
ORDER BY banned_at DESC
`)
	if err != nil {
		return nil, storeErr(err)
	}
	defer rows.Close()

	var records []types.BanRecord
	for rows.Next() {
		var r types.BanRecord
		if err := rows.Scan(&r.UserID, &r.BannedAt, &r.Reason); err != nil {
			return nil, storeErr(err)
		}
		records = append(records, r)
	}
	return records, storeErr(rows.Err())
}
