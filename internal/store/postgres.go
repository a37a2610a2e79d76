package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ayureze/companion-backend/internal/models"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS app_turns (
    seq BIGSERIAL PRIMARY KEY,
    id TEXT NOT NULL UNIQUE,
    user_id TEXT NOT NULL,
    conversation_id TEXT NOT NULL,
    role TEXT NOT NULL,
    text TEXT NOT NULL,
    metadata JSONB NOT NULL DEFAULT '{}',
    created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS whatsapp_turns (
    seq BIGSERIAL PRIMARY KEY,
    id TEXT NOT NULL UNIQUE,
    user_id TEXT NOT NULL,
    conversation_id TEXT NOT NULL,
    role TEXT NOT NULL,
    text TEXT NOT NULL,
    metadata JSONB NOT NULL DEFAULT '{}',
    created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_app_turns_conv ON app_turns(user_id, conversation_id, created_at);
CREATE INDEX IF NOT EXISTS idx_whatsapp_turns_conv ON whatsapp_turns(user_id, conversation_id, created_at);

CREATE TABLE IF NOT EXISTS journeys (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    health_concern TEXT NOT NULL DEFAULT '',
    language TEXT NOT NULL DEFAULT 'en',
    status TEXT NOT NULL DEFAULT 'active',
    created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_journeys_user ON journeys(user_id, status);

CREATE TABLE IF NOT EXISTS users (
    id TEXT PRIMARY KEY,
    phone TEXT NOT NULL UNIQUE,
    created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS sessions (
    token TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    expires_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS otp_codes (
    phone TEXT PRIMARY KEY,
    code TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    expires_at TIMESTAMPTZ NOT NULL,
    attempts INTEGER NOT NULL DEFAULT 0
);`

// PostgresStore backs the same contract as SQLiteStore on a
// Postgres-compatible service (Supabase in production).
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects a pool and ensures the schema exists.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Partition(ch models.Channel) TurnPartition {
	if ch == models.ChannelWhatsApp {
		return &pgPartition{pool: s.pool, table: "whatsapp_turns", channel: ch}
	}
	return &pgPartition{pool: s.pool, table: "app_turns", channel: models.ChannelApp}
}

func (s *PostgresStore) Journeys() JourneyStore { return &pgJourneys{pool: s.pool} }
func (s *PostgresStore) Sessions() SessionStore { return &pgSessions{pool: s.pool} }
func (s *PostgresStore) Users() UserStore       { return &pgUsers{pool: s.pool} }

func (s *PostgresStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

type pgPartition struct {
	pool    *pgxpool.Pool
	table   string
	channel models.Channel
}

func (p *pgPartition) Append(ctx context.Context, turn *models.Turn) (string, error) {
	turn.ID = uuid.New().String()
	turn.Channel = p.channel
	turn.CreatedAt = time.Now().UTC()

	if turn.Metadata == nil {
		turn.Metadata = make(map[string]string, 2)
	}
	turn.Metadata["channel"] = string(p.channel)
	turn.Metadata["user_id"] = turn.UserID

	meta, err := json.Marshal(turn.Metadata)
	if err != nil {
		return "", fmt.Errorf("encoding metadata: %w", err)
	}

	query := fmt.Sprintf(`
        INSERT INTO %s (id, user_id, conversation_id, role, text, metadata, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
        RETURNING seq`, p.table)

	err = p.pool.QueryRow(ctx, query,
		turn.ID, turn.UserID, turn.ConversationID, string(turn.Role),
		turn.Text, meta, turn.CreatedAt,
	).Scan(&turn.Seq)
	if err != nil {
		return "", fmt.Errorf("%w: appending turn: %v", ErrUnavailable, err)
	}
	return turn.ID, nil
}

func (p *pgPartition) Recent(ctx context.Context, userID, conversationID string, limit int) ([]models.Turn, error) {
	query := fmt.Sprintf(`
        SELECT seq, id, user_id, conversation_id, role, text, metadata, created_at
        FROM %s
        WHERE user_id = $1 AND conversation_id = $2
        ORDER BY created_at DESC, seq DESC
        LIMIT $3`, p.table)

	rows, err := p.pool.Query(ctx, query, userID, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", ErrUnavailable, p.table, err)
	}
	return p.collectTurns(rows)
}

func (p *pgPartition) Scan(ctx context.Context, userID string, limit int) ([]models.Turn, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if userID == "" {
		query := fmt.Sprintf(`
            SELECT seq, id, user_id, conversation_id, role, text, metadata, created_at
            FROM %s
            ORDER BY created_at DESC, seq DESC
            LIMIT $1`, p.table)
		rows, err = p.pool.Query(ctx, query, limit)
	} else {
		query := fmt.Sprintf(`
            SELECT seq, id, user_id, conversation_id, role, text, metadata, created_at
            FROM %s
            WHERE user_id = $1
            ORDER BY created_at DESC, seq DESC
            LIMIT $2`, p.table)
		rows, err = p.pool.Query(ctx, query, userID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", ErrUnavailable, p.table, err)
	}
	return p.collectTurns(rows)
}

func (p *pgPartition) collectTurns(rows pgx.Rows) ([]models.Turn, error) {
	defer rows.Close()

	turns := make([]models.Turn, 0)
	for rows.Next() {
		var (
			turn models.Turn
			role string
			meta []byte
		)
		err := rows.Scan(&turn.Seq, &turn.ID, &turn.UserID, &turn.ConversationID,
			&role, &turn.Text, &meta, &turn.CreatedAt)
		if err != nil {
			return nil, err
		}
		turn.Role = models.Role(role)
		turn.Channel = p.channel
		if len(meta) > 0 {
			_ = json.Unmarshal(meta, &turn.Metadata)
		}
		turns = append(turns, turn)
	}
	return turns, rows.Err()
}

type pgJourneys struct {
	pool *pgxpool.Pool
}

func (s *pgJourneys) Create(ctx context.Context, j *models.Journey) error {
	if j.ID == "" {
		j.ID = uuid.New().String()
	}
	if j.Language == "" {
		j.Language = "en"
	}
	if j.Status == "" {
		j.Status = models.JourneyActive
	}
	j.CreatedAt = time.Now().UTC()

	_, err := s.pool.Exec(ctx, `
        INSERT INTO journeys (id, user_id, health_concern, language, status, created_at)
        VALUES ($1, $2, $3, $4, $5, $6)`,
		j.ID, j.UserID, j.HealthConcern, j.Language, string(j.Status), j.CreatedAt)
	if err != nil {
		return fmt.Errorf("%w: creating journey: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *pgJourneys) Get(ctx context.Context, id string) (*models.Journey, error) {
	return scanPgJourney(s.pool.QueryRow(ctx, `
        SELECT id, user_id, health_concern, language, status, created_at
        FROM journeys WHERE id = $1`, id))
}

func (s *pgJourneys) ActiveForUser(ctx context.Context, userID string) (*models.Journey, error) {
	return scanPgJourney(s.pool.QueryRow(ctx, `
        SELECT id, user_id, health_concern, language, status, created_at
        FROM journeys
        WHERE user_id = $1 AND status = 'active'
        ORDER BY created_at DESC
        LIMIT 1`, userID))
}

func (s *pgJourneys) UpdateStatus(ctx context.Context, id string, status models.JourneyStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE journeys SET status = $1 WHERE id = $2`, string(status), id)
	if err != nil {
		return fmt.Errorf("%w: updating journey: %v", ErrUnavailable, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanPgJourney(row pgx.Row) (*models.Journey, error) {
	var (
		j      models.Journey
		status string
	)
	err := row.Scan(&j.ID, &j.UserID, &j.HealthConcern, &j.Language, &status, &j.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: reading journey: %v", ErrUnavailable, err)
	}
	j.Status = models.JourneyStatus(status)
	return &j, nil
}

type pgSessions struct {
	pool *pgxpool.Pool
}

func (s *pgSessions) CreateSession(ctx context.Context, sess *models.Session) error {
	_, err := s.pool.Exec(ctx, `
        INSERT INTO sessions (token, user_id, created_at, expires_at)
        VALUES ($1, $2, $3, $4)`,
		sess.Token, sess.UserID, sess.CreatedAt, sess.ExpiresAt)
	if err != nil {
		return fmt.Errorf("%w: creating session: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *pgSessions) GetSession(ctx context.Context, token string) (*models.Session, error) {
	var sess models.Session
	err := s.pool.QueryRow(ctx, `
        SELECT token, user_id, created_at, expires_at
        FROM sessions WHERE token = $1`, token).
		Scan(&sess.Token, &sess.UserID, &sess.CreatedAt, &sess.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: reading session: %v", ErrUnavailable, err)
	}

	if sess.Expired(time.Now().UTC()) {
		_, _ = s.pool.Exec(ctx, `DELETE FROM sessions WHERE token = $1`, token)
		return nil, ErrNotFound
	}
	return &sess, nil
}

func (s *pgSessions) DeleteSession(ctx context.Context, token string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE token = $1`, token)
	return err
}

func (s *pgSessions) SaveOTP(ctx context.Context, otp *models.OTP) error {
	_, err := s.pool.Exec(ctx, `
        INSERT INTO otp_codes (phone, code, created_at, expires_at, attempts)
        VALUES ($1, $2, $3, $4, 0)
        ON CONFLICT (phone) DO UPDATE SET
            code = EXCLUDED.code,
            created_at = EXCLUDED.created_at,
            expires_at = EXCLUDED.expires_at,
            attempts = 0`,
		otp.Phone, otp.Code, otp.CreatedAt, otp.ExpiresAt)
	if err != nil {
		return fmt.Errorf("%w: saving otp: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *pgSessions) ConsumeOTP(ctx context.Context, phone, code string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer tx.Rollback(ctx)

	var (
		stored    string
		expiresAt time.Time
		attempts  int
	)
	err = tx.QueryRow(ctx,
		`SELECT code, expires_at, attempts FROM otp_codes WHERE phone = $1 FOR UPDATE`, phone).
		Scan(&stored, &expiresAt, &attempts)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("%w: reading otp: %v", ErrUnavailable, err)
	}

	if time.Now().UTC().After(expiresAt) {
		_, _ = tx.Exec(ctx, `DELETE FROM otp_codes WHERE phone = $1`, phone)
		_ = tx.Commit(ctx)
		return ErrNotFound
	}

	if stored != code {
		if attempts+1 >= maxOTPAttempts {
			_, _ = tx.Exec(ctx, `DELETE FROM otp_codes WHERE phone = $1`, phone)
		} else {
			_, _ = tx.Exec(ctx,
				`UPDATE otp_codes SET attempts = attempts + 1 WHERE phone = $1`, phone)
		}
		_ = tx.Commit(ctx)
		return ErrNotFound
	}

	if _, err := tx.Exec(ctx, `DELETE FROM otp_codes WHERE phone = $1`, phone); err != nil {
		return fmt.Errorf("%w: consuming otp: %v", ErrUnavailable, err)
	}
	return tx.Commit(ctx)
}

type pgUsers struct {
	pool *pgxpool.Pool
}

func (s *pgUsers) GetOrCreateByPhone(ctx context.Context, phone string) (string, error) {
	var id string
	err := s.pool.QueryRow(ctx, `
        INSERT INTO users (id, phone, created_at)
        VALUES ($1, $2, $3)
        ON CONFLICT (phone) DO UPDATE SET phone = EXCLUDED.phone
        RETURNING id`,
		uuid.New().String(), phone, time.Now().UTC()).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("%w: upserting user: %v", ErrUnavailable, err)
	}
	return id, nil
}

func (s *pgUsers) PhoneForUser(ctx context.Context, userID string) (string, error) {
	var phone string
	err := s.pool.QueryRow(ctx, `SELECT phone FROM users WHERE id = $1`, userID).Scan(&phone)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("%w: reading user: %v", ErrUnavailable, err)
	}
	return phone, nil
}
