package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/ayureze/companion-backend/internal/models"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS app_turns (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    id TEXT NOT NULL UNIQUE,
    user_id TEXT NOT NULL,
    conversation_id TEXT NOT NULL,
    role TEXT NOT NULL,
    text TEXT NOT NULL,
    metadata TEXT NOT NULL DEFAULT '{}',
    created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS whatsapp_turns (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    id TEXT NOT NULL UNIQUE,
    user_id TEXT NOT NULL,
    conversation_id TEXT NOT NULL,
    role TEXT NOT NULL,
    text TEXT NOT NULL,
    metadata TEXT NOT NULL DEFAULT '{}',
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_app_turns_conv ON app_turns(user_id, conversation_id, created_at);
CREATE INDEX IF NOT EXISTS idx_whatsapp_turns_conv ON whatsapp_turns(user_id, conversation_id, created_at);

CREATE TABLE IF NOT EXISTS journeys (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    health_concern TEXT NOT NULL DEFAULT '',
    language TEXT NOT NULL DEFAULT 'en',
    status TEXT NOT NULL DEFAULT 'active',
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_journeys_user ON journeys(user_id, status);

CREATE TABLE IF NOT EXISTS users (
    id TEXT PRIMARY KEY,
    phone TEXT NOT NULL UNIQUE,
    created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS sessions (
    token TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    expires_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS otp_codes (
    phone TEXT PRIMARY KEY,
    code TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    expires_at TIMESTAMP NOT NULL,
    attempts INTEGER NOT NULL DEFAULT 0
);`

// maxOTPAttempts is the number of wrong codes tolerated before the pending
// OTP is invalidated.
const maxOTPAttempts = 5

// SQLiteStore is the default single-node backend.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the database at dbPath.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if dbPath == "" {
		dbPath = "./data/companion.db"
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, err
	}

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		return nil, fmt.Errorf("initializing schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Partition(ch models.Channel) TurnPartition {
	if ch == models.ChannelWhatsApp {
		return &sqlitePartition{db: s.db, table: "whatsapp_turns", channel: ch}
	}
	return &sqlitePartition{db: s.db, table: "app_turns", channel: models.ChannelApp}
}

func (s *SQLiteStore) Journeys() JourneyStore { return &sqliteJourneys{db: s.db} }
func (s *SQLiteStore) Sessions() SessionStore { return &sqliteSessions{db: s.db} }
func (s *SQLiteStore) Users() UserStore       { return &sqliteUsers{db: s.db} }

func (s *SQLiteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }
func (s *SQLiteStore) Close() error                   { return s.db.Close() }

// sqlitePartition is one channel's turn table. The table name is a trusted
// constant chosen by Partition, never caller input.
type sqlitePartition struct {
	db      *sql.DB
	table   string
	channel models.Channel
}

func (p *sqlitePartition) Append(ctx context.Context, turn *models.Turn) (string, error) {
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
        VALUES (?, ?, ?, ?, ?, ?, ?)
        RETURNING seq`, p.table)

	err = p.db.QueryRowContext(ctx, query,
		turn.ID, turn.UserID, turn.ConversationID, string(turn.Role),
		turn.Text, string(meta), turn.CreatedAt,
	).Scan(&turn.Seq)
	if err != nil {
		return "", fmt.Errorf("%w: appending turn: %v", ErrUnavailable, err)
	}
	return turn.ID, nil
}

func (p *sqlitePartition) Recent(ctx context.Context, userID, conversationID string, limit int) ([]models.Turn, error) {
	query := fmt.Sprintf(`
        SELECT seq, id, user_id, conversation_id, role, text, metadata, created_at
        FROM %s
        WHERE user_id = ? AND conversation_id = ?
        ORDER BY created_at DESC, seq DESC
        LIMIT ?`, p.table)

	return p.queryTurns(ctx, query, userID, conversationID, limit)
}

func (p *sqlitePartition) Scan(ctx context.Context, userID string, limit int) ([]models.Turn, error) {
	if userID == "" {
		query := fmt.Sprintf(`
            SELECT seq, id, user_id, conversation_id, role, text, metadata, created_at
            FROM %s
            ORDER BY created_at DESC, seq DESC
            LIMIT ?`, p.table)
		return p.queryTurns(ctx, query, limit)
	}

	query := fmt.Sprintf(`
        SELECT seq, id, user_id, conversation_id, role, text, metadata, created_at
        FROM %s
        WHERE user_id = ?
        ORDER BY created_at DESC, seq DESC
        LIMIT ?`, p.table)
	return p.queryTurns(ctx, query, userID, limit)
}

func (p *sqlitePartition) queryTurns(ctx context.Context, query string, args ...any) ([]models.Turn, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", ErrUnavailable, p.table, err)
	}
	defer rows.Close()

	turns := make([]models.Turn, 0)
	for rows.Next() {
		var (
			turn models.Turn
			role string
			meta string
		)
		err := rows.Scan(&turn.Seq, &turn.ID, &turn.UserID, &turn.ConversationID,
			&role, &turn.Text, &meta, &turn.CreatedAt)
		if err != nil {
			return nil, err
		}
		turn.Role = models.Role(role)
		turn.Channel = p.channel
		if meta != "" {
			_ = json.Unmarshal([]byte(meta), &turn.Metadata)
		}
		turns = append(turns, turn)
	}
	return turns, rows.Err()
}

type sqliteJourneys struct {
	db *sql.DB
}

func (s *sqliteJourneys) Create(ctx context.Context, j *models.Journey) error {
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

	_, err := s.db.ExecContext(ctx, `
        INSERT INTO journeys (id, user_id, health_concern, language, status, created_at)
        VALUES (?, ?, ?, ?, ?, ?)`,
		j.ID, j.UserID, j.HealthConcern, j.Language, string(j.Status), j.CreatedAt)
	if err != nil {
		return fmt.Errorf("%w: creating journey: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *sqliteJourneys) Get(ctx context.Context, id string) (*models.Journey, error) {
	return scanJourney(s.db.QueryRowContext(ctx, `
        SELECT id, user_id, health_concern, language, status, created_at
        FROM journeys WHERE id = ?`, id))
}

func (s *sqliteJourneys) ActiveForUser(ctx context.Context, userID string) (*models.Journey, error) {
	return scanJourney(s.db.QueryRowContext(ctx, `
        SELECT id, user_id, health_concern, language, status, created_at
        FROM journeys
        WHERE user_id = ? AND status = 'active'
        ORDER BY created_at DESC
        LIMIT 1`, userID))
}

func (s *sqliteJourneys) UpdateStatus(ctx context.Context, id string, status models.JourneyStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE journeys SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return fmt.Errorf("%w: updating journey: %v", ErrUnavailable, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJourney(row rowScanner) (*models.Journey, error) {
	var (
		j      models.Journey
		status string
	)
	err := row.Scan(&j.ID, &j.UserID, &j.HealthConcern, &j.Language, &status, &j.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: reading journey: %v", ErrUnavailable, err)
	}
	j.Status = models.JourneyStatus(status)
	return &j, nil
}

type sqliteSessions struct {
	db *sql.DB
}

func (s *sqliteSessions) CreateSession(ctx context.Context, sess *models.Session) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO sessions (token, user_id, created_at, expires_at)
        VALUES (?, ?, ?, ?)`,
		sess.Token, sess.UserID, sess.CreatedAt, sess.ExpiresAt)
	if err != nil {
		return fmt.Errorf("%w: creating session: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *sqliteSessions) GetSession(ctx context.Context, token string) (*models.Session, error) {
	var sess models.Session
	err := s.db.QueryRowContext(ctx, `
        SELECT token, user_id, created_at, expires_at
        FROM sessions WHERE token = ?`, token).
		Scan(&sess.Token, &sess.UserID, &sess.CreatedAt, &sess.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: reading session: %v", ErrUnavailable, err)
	}

	if sess.Expired(time.Now().UTC()) {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM sessions WHERE token = ?`, token)
		return nil, ErrNotFound
	}
	return &sess, nil
}

func (s *sqliteSessions) DeleteSession(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE token = ?`, token)
	return err
}

func (s *sqliteSessions) SaveOTP(ctx context.Context, otp *models.OTP) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO otp_codes (phone, code, created_at, expires_at, attempts)
        VALUES (?, ?, ?, ?, 0)
        ON CONFLICT(phone) DO UPDATE SET
            code = excluded.code,
            created_at = excluded.created_at,
            expires_at = excluded.expires_at,
            attempts = 0`,
		otp.Phone, otp.Code, otp.CreatedAt, otp.ExpiresAt)
	if err != nil {
		return fmt.Errorf("%w: saving otp: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *sqliteSessions) ConsumeOTP(ctx context.Context, phone, code string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer tx.Rollback()

	var (
		stored    string
		expiresAt time.Time
		attempts  int
	)
	err = tx.QueryRowContext(ctx,
		`SELECT code, expires_at, attempts FROM otp_codes WHERE phone = ?`, phone).
		Scan(&stored, &expiresAt, &attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("%w: reading otp: %v", ErrUnavailable, err)
	}

	if time.Now().UTC().After(expiresAt) {
		_, _ = tx.ExecContext(ctx, `DELETE FROM otp_codes WHERE phone = ?`, phone)
		_ = tx.Commit()
		return ErrNotFound
	}

	if stored != code {
		if attempts+1 >= maxOTPAttempts {
			_, _ = tx.ExecContext(ctx, `DELETE FROM otp_codes WHERE phone = ?`, phone)
		} else {
			_, _ = tx.ExecContext(ctx,
				`UPDATE otp_codes SET attempts = attempts + 1 WHERE phone = ?`, phone)
		}
		_ = tx.Commit()
		return ErrNotFound
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM otp_codes WHERE phone = ?`, phone); err != nil {
		return fmt.Errorf("%w: consuming otp: %v", ErrUnavailable, err)
	}
	return tx.Commit()
}

type sqliteUsers struct {
	db *sql.DB
}

func (s *sqliteUsers) GetOrCreateByPhone(ctx context.Context, phone string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `SELECT id FROM users WHERE phone = ?`, phone).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: reading user: %v", ErrUnavailable, err)
	}

	id = uuid.New().String()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO users (id, phone, created_at) VALUES (?, ?, ?)
         ON CONFLICT(phone) DO NOTHING`,
		id, phone, time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("%w: creating user: %v", ErrUnavailable, err)
	}

	// Re-read to cover the conflict path where another writer won the race.
	if err := s.db.QueryRowContext(ctx, `SELECT id FROM users WHERE phone = ?`, phone).Scan(&id); err != nil {
		return "", fmt.Errorf("%w: reading user: %v", ErrUnavailable, err)
	}
	return id, nil
}

func (s *sqliteUsers) PhoneForUser(ctx context.Context, userID string) (string, error) {
	var phone string
	err := s.db.QueryRowContext(ctx, `SELECT phone FROM users WHERE id = ?`, userID).Scan(&phone)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("%w: reading user: %v", ErrUnavailable, err)
	}
	return phone, nil
}
