package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ashureev/leadqual/internal/domain"
	"github.com/ashureev/leadqual/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db       *sql.DB
	validate *shared.Validator
	writeMu  sync.Mutex // Serializes multi-statement writes to avoid SQLITE_BUSY
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db, validate: shared.NewValidator()}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS leads (
		lead_id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		age TEXT NOT NULL DEFAULT '',
		country TEXT NOT NULL DEFAULT '',
		interest TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'new',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_leads_status ON leads(status);

	CREATE TABLE IF NOT EXISTS sessions (
		lead_id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		stage TEXT NOT NULL,
		collected_slots TEXT NOT NULL,
		pending_confirmation INTEGER DEFAULT 0,
		follow_up_count INTEGER DEFAULT 0,
		last_activity_at INTEGER NOT NULL,
		is_active INTEGER DEFAULT 1,
		status TEXT NOT NULL,
		confirmed_at INTEGER,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_activity ON sessions(last_activity_at) WHERE is_active = 1;

	CREATE TABLE IF NOT EXISTS conversation_turns (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		lead_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		meta_json TEXT,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_turns_lead ON conversation_turns(lead_id, id);

	CREATE TABLE IF NOT EXISTS follow_up_messages (
		id TEXT PRIMARY KEY,
		lead_id TEXT NOT NULL,
		message TEXT NOT NULL,
		sequence INTEGER NOT NULL,
		delivered INTEGER DEFAULT 0,
		delivered_at INTEGER,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_follow_ups_pending ON follow_up_messages(lead_id) WHERE delivered = 0;

	CREATE TABLE IF NOT EXISTS product_recommendations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		lead_id TEXT NOT NULL,
		query TEXT NOT NULL,
		recommendation TEXT NOT NULL,
		source TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_recommendations_lead ON product_recommendations(lead_id);

	CREATE TABLE IF NOT EXISTS system_metrics (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		metric_name TEXT NOT NULL,
		metric_value REAL NOT NULL,
		metric_data TEXT,
		recorded_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_metrics_recorded ON system_metrics(recorded_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

const sessionColumns = `lead_id, session_id, stage, collected_slots, pending_confirmation,
	follow_up_count, last_activity_at, is_active, status, confirmed_at, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*domain.SessionState, error) {
	var st domain.SessionState
	var slotsJSON string
	var lastActivity, createdAt int64
	var confirmedAt sql.NullInt64

	if err := row.Scan(
		&st.LeadID, &st.SessionID, &st.Stage, &slotsJSON, &st.PendingConfirmation,
		&st.FollowUpCount, &lastActivity, &st.IsActive, &st.Status, &confirmedAt, &createdAt,
	); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(slotsJSON), &st.Slots); err != nil {
		return nil, fmt.Errorf("decode collected slots: %w", err)
	}
	st.LastActivityAt = time.Unix(lastActivity, 0)
	st.CreatedAt = time.Unix(createdAt, 0)
	if confirmedAt.Valid {
		ts := time.Unix(confirmedAt.Int64, 0)
		st.ConfirmedAt = &ts
	}
	return &st, nil
}

// LoadSession retrieves the stored session for a lead.
func (s *SQLiteStore) LoadSession(ctx context.Context, leadID string) (*domain.SessionState, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE lead_id = ?`

	st, err := scanSession(s.db.QueryRowContext(ctx, query, leadID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}
	return st, nil
}

// SaveSession upserts the session and mirrors collection progress onto the
// lead row. Once confirmed, neither the lead row nor the session can be
// overwritten by an unconfirmed state.
func (s *SQLiteStore) SaveSession(ctx context.Context, st *domain.SessionState) error {
	slotsJSON, err := json.Marshal(st.Slots)
	if err != nil {
		return fmt.Errorf("encode collected slots: %w", err)
	}

	var confirmedAt interface{}
	if st.ConfirmedAt != nil {
		confirmedAt = st.ConfirmedAt.Unix()
	}
	now := time.Now().Unix()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin session tx: %w", err)
	}
	defer func() {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			slog.Warn("failed to rollback session tx", "lead_id", st.LeadID, "error", rbErr)
		}
	}()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sessions (
			lead_id, session_id, stage, collected_slots, pending_confirmation,
			follow_up_count, last_activity_at, is_active, status, confirmed_at,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(lead_id) DO UPDATE SET
			session_id = excluded.session_id,
			stage = excluded.stage,
			collected_slots = excluded.collected_slots,
			pending_confirmation = excluded.pending_confirmation,
			follow_up_count = excluded.follow_up_count,
			last_activity_at = excluded.last_activity_at,
			is_active = excluded.is_active,
			status = excluded.status,
			confirmed_at = COALESCE(excluded.confirmed_at, sessions.confirmed_at),
			updated_at = excluded.updated_at
		WHERE sessions.status != 'confirmed' OR excluded.status = 'confirmed'`,
		st.LeadID, st.SessionID, st.Stage, string(slotsJSON), st.PendingConfirmation,
		st.FollowUpCount, st.LastActivityAt.Unix(), st.IsActive, st.Status, confirmedAt,
		st.CreatedAt.Unix(), now,
	)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO leads (lead_id, name, age, country, interest, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(lead_id) DO UPDATE SET
			name = excluded.name,
			age = excluded.age,
			country = excluded.country,
			interest = excluded.interest,
			status = excluded.status,
			updated_at = excluded.updated_at
		WHERE leads.status != 'confirmed'`,
		st.LeadID, st.Slots.Name, st.Slots.Age, st.Slots.Country, st.Slots.Interest,
		st.Status, st.CreatedAt.Unix(), now,
	)
	if err != nil {
		return fmt.Errorf("upsert lead progress: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit session tx: %w", err)
	}
	return nil
}

// ListActiveSessions returns sessions still eligible for follow-ups.
func (s *SQLiteStore) ListActiveSessions(ctx context.Context) ([]domain.SessionState, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE is_active = 1 AND stage != ?`

	rows, err := s.db.QueryContext(ctx, query, domain.StageComplete)
	if err != nil {
		return nil, fmt.Errorf("query active sessions: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close active sessions rows", "error", closeErr)
		}
	}()

	var sessions []domain.SessionState
	for rows.Next() {
		st, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan active session row: %w", err)
		}
		sessions = append(sessions, *st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate active sessions: %w", err)
	}
	return sessions, nil
}

// DeactivateInactiveSessions marks sessions idle since before cutoff as inactive.
func (s *SQLiteStore) DeactivateInactiveSessions(ctx context.Context, cutoff time.Time) (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	query := `UPDATE sessions SET is_active = 0, updated_at = ? WHERE is_active = 1 AND last_activity_at < ?`
	result, err := s.db.ExecContext(ctx, query, time.Now().Unix(), cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("deactivate inactive sessions: %w", err)
	}
	return result.RowsAffected()
}

// UpsertLeadProfile validates and writes the finalized lead record.
func (s *SQLiteStore) UpsertLeadProfile(ctx context.Context, p *domain.LeadProfile) error {
	if err := s.validate.Struct(p); err != nil {
		return fmt.Errorf("invalid lead profile: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	query := `
	INSERT INTO leads (lead_id, name, age, country, interest, status, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(lead_id) DO UPDATE SET
		name = excluded.name,
		age = excluded.age,
		country = excluded.country,
		interest = excluded.interest,
		status = excluded.status,
		updated_at = excluded.updated_at`

	createdAt := p.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	updatedAt := p.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, query,
		p.LeadID, p.Name, p.Age, p.Country, p.Interest, p.Status,
		createdAt.Unix(), updatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert lead profile: %w", err)
	}
	return nil
}

const leadColumns = `lead_id, name, age, country, interest, status, created_at, updated_at`

func scanLead(row rowScanner) (*domain.LeadProfile, error) {
	var p domain.LeadProfile
	var createdAt, updatedAt int64
	if err := row.Scan(&p.LeadID, &p.Name, &p.Age, &p.Country, &p.Interest, &p.Status, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	p.CreatedAt = time.Unix(createdAt, 0)
	p.UpdatedAt = time.Unix(updatedAt, 0)
	return &p, nil
}

// GetLead retrieves a lead by ID.
func (s *SQLiteStore) GetLead(ctx context.Context, leadID string) (*domain.LeadProfile, error) {
	query := `SELECT ` + leadColumns + ` FROM leads WHERE lead_id = ?`

	p, err := scanLead(s.db.QueryRowContext(ctx, query, leadID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan lead row: %w", err)
	}
	return p, nil
}

// ListLeads returns one page of leads, newest first.
func (s *SQLiteStore) ListLeads(ctx context.Context, f LeadFilter) ([]domain.LeadProfile, int, error) {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PerPage < 1 || f.PerPage > 100 {
		f.PerPage = 20
	}

	where := ""
	args := []interface{}{}
	if f.Status != "" {
		where = ` WHERE status = ?`
		args = append(args, f.Status)
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM leads`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count leads: %w", err)
	}

	query := `SELECT ` + leadColumns + ` FROM leads` + where + ` ORDER BY updated_at DESC, lead_id LIMIT ? OFFSET ?`
	args = append(args, f.PerPage, (f.Page-1)*f.PerPage)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query leads: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close leads rows", "error", closeErr)
		}
	}()

	leads := []domain.LeadProfile{}
	for rows.Next() {
		p, err := scanLead(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan lead row: %w", err)
		}
		leads = append(leads, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate leads: %w", err)
	}
	return leads, total, nil
}

// LeadStats aggregates lead counts by status.
func (s *SQLiteStore) LeadStats(ctx context.Context) (domain.LeadStats, error) {
	stats := domain.LeadStats{ByStatus: make(map[domain.LeadStatus]int)}

	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM leads GROUP BY status`)
	if err != nil {
		return stats, fmt.Errorf("query lead stats: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close lead stats rows", "error", closeErr)
		}
	}()

	for rows.Next() {
		var status domain.LeadStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return stats, fmt.Errorf("scan lead stats row: %w", err)
		}
		stats.ByStatus[status] = count
		stats.Total += count
	}
	if err := rows.Err(); err != nil {
		return stats, fmt.Errorf("iterate lead stats: %w", err)
	}

	query := `SELECT COUNT(*) FROM sessions WHERE is_active = 1 AND stage != ?`
	if err := s.db.QueryRowContext(ctx, query, domain.StageComplete).Scan(&stats.ActiveSessions); err != nil {
		return stats, fmt.Errorf("count active sessions: %w", err)
	}

	if stats.Total > 0 {
		stats.ConversionRate = float64(stats.ByStatus[domain.LeadStatusConfirmed]) / float64(stats.Total)
	}
	return stats, nil
}

// AppendTurn appends one conversation turn.
func (s *SQLiteStore) AppendTurn(ctx context.Context, t *domain.ConversationTurn) error {
	var metaJSON interface{}
	if len(t.Meta) > 0 {
		b, err := json.Marshal(t.Meta)
		if err != nil {
			return fmt.Errorf("encode turn meta: %w", err)
		}
		metaJSON = string(b)
	}

	query := `
	INSERT INTO conversation_turns (lead_id, session_id, role, content, meta_json, created_at)
	VALUES (?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query, t.LeadID, t.SessionID, t.Role, t.Content, metaJSON, t.Timestamp.Unix())
	if err != nil {
		return fmt.Errorf("append turn: %w", err)
	}
	return nil
}

// ListTurns returns up to limit of the latest turns in chronological order.
func (s *SQLiteStore) ListTurns(ctx context.Context, leadID string, limit int) ([]domain.ConversationTurn, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT lead_id, session_id, role, content, meta_json, created_at FROM (
			SELECT id, lead_id, session_id, role, content, meta_json, created_at
			FROM conversation_turns WHERE lead_id = ? ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC`

	rows, err := s.db.QueryContext(ctx, query, leadID, limit)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close turns rows", "error", closeErr)
		}
	}()

	turns := []domain.ConversationTurn{}
	for rows.Next() {
		var t domain.ConversationTurn
		var metaJSON sql.NullString
		var createdAt int64
		if err := rows.Scan(&t.LeadID, &t.SessionID, &t.Role, &t.Content, &metaJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("scan turn row: %w", err)
		}
		if metaJSON.Valid && metaJSON.String != "" {
			if err := json.Unmarshal([]byte(metaJSON.String), &t.Meta); err != nil {
				return nil, fmt.Errorf("decode turn meta: %w", err)
			}
		}
		t.Timestamp = time.Unix(createdAt, 0)
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turns: %w", err)
	}
	return turns, nil
}

// SaveFollowUp records a queued follow-up message.
func (s *SQLiteStore) SaveFollowUp(ctx context.Context, m *domain.FollowUpMessage) error {
	query := `
	INSERT INTO follow_up_messages (id, lead_id, message, sequence, delivered, created_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO NOTHING`
	_, err := s.db.ExecContext(ctx, query, m.ID, m.LeadID, m.Message, m.Sequence, m.Delivered, m.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("save follow-up: %w", err)
	}
	return nil
}

// MarkFollowUpsDelivered flags every undelivered follow-up for a lead.
func (s *SQLiteStore) MarkFollowUpsDelivered(ctx context.Context, leadID string, at time.Time) (int64, error) {
	query := `UPDATE follow_up_messages SET delivered = 1, delivered_at = ? WHERE lead_id = ? AND delivered = 0`
	result, err := s.db.ExecContext(ctx, query, at.Unix(), leadID)
	if err != nil {
		return 0, fmt.Errorf("mark follow-ups delivered: %w", err)
	}
	return result.RowsAffected()
}

// SaveRecommendation stores a product recommendation.
func (s *SQLiteStore) SaveRecommendation(ctx context.Context, r *domain.Recommendation) error {
	query := `
	INSERT INTO product_recommendations (lead_id, query, recommendation, source, created_at)
	VALUES (?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query, r.LeadID, r.Query, r.Text, r.Source, r.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("save recommendation: %w", err)
	}
	return nil
}

// ListRecommendations returns recommendations for a lead, newest first.
func (s *SQLiteStore) ListRecommendations(ctx context.Context, leadID string) ([]domain.Recommendation, error) {
	query := `
		SELECT lead_id, query, recommendation, source, created_at
		FROM product_recommendations WHERE lead_id = ? ORDER BY id DESC`

	rows, err := s.db.QueryContext(ctx, query, leadID)
	if err != nil {
		return nil, fmt.Errorf("query recommendations: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close recommendations rows", "error", closeErr)
		}
	}()

	recs := []domain.Recommendation{}
	for rows.Next() {
		var r domain.Recommendation
		var createdAt int64
		if err := rows.Scan(&r.LeadID, &r.Query, &r.Text, &r.Source, &createdAt); err != nil {
			return nil, fmt.Errorf("scan recommendation row: %w", err)
		}
		r.CreatedAt = time.Unix(createdAt, 0)
		recs = append(recs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate recommendations: %w", err)
	}
	return recs, nil
}

// RecordMetric stores a metric sample.
func (s *SQLiteStore) RecordMetric(ctx context.Context, m *domain.Metric) error {
	var data interface{}
	if len(m.Data) > 0 {
		b, err := json.Marshal(m.Data)
		if err != nil {
			return fmt.Errorf("encode metric data: %w", err)
		}
		data = string(b)
	}
	recordedAt := m.RecordedAt
	if recordedAt.IsZero() {
		recordedAt = time.Now()
	}

	query := `INSERT INTO system_metrics (metric_name, metric_value, metric_data, recorded_at) VALUES (?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, query, m.Name, m.Value, data, recordedAt.Unix()); err != nil {
		return fmt.Errorf("record metric: %w", err)
	}
	return nil
}

// RecentMetrics returns the latest metric samples, newest first.
func (s *SQLiteStore) RecentMetrics(ctx context.Context, limit int) ([]domain.Metric, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT metric_name, metric_value, metric_data, recorded_at
		FROM system_metrics ORDER BY id DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query metrics: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close metrics rows", "error", closeErr)
		}
	}()

	metrics := []domain.Metric{}
	for rows.Next() {
		var m domain.Metric
		var data sql.NullString
		var recordedAt int64
		if err := rows.Scan(&m.Name, &m.Value, &data, &recordedAt); err != nil {
			return nil, fmt.Errorf("scan metric row: %w", err)
		}
		if data.Valid && data.String != "" {
			if err := json.Unmarshal([]byte(data.String), &m.Data); err != nil {
				return nil, fmt.Errorf("decode metric data: %w", err)
			}
		}
		m.RecordedAt = time.Unix(recordedAt, 0)
		metrics = append(metrics, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate metrics: %w", err)
	}
	return metrics, nil
}
