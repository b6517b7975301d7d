package tracking

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// LibSQLSessionStore implements SessionStore on an embedded or remote libsql
// database.
type LibSQLSessionStore struct {
	db *sql.DB
}

// NewLibSQLSessionStore creates a session store on an open database handle.
func NewLibSQLSessionStore(db *sql.DB) *LibSQLSessionStore {
	return &LibSQLSessionStore{db: db}
}

// GetSession loads one session row, or (nil, nil) when it does not exist.
func (s *LibSQLSessionStore) GetSession(ctx context.Context, sessionID string) (*SessionRow, error) {
	query := `
		SELECT session_id, COALESCE(user_id, ''), current_topic, COALESCE(game_context, ''),
		       topic_start_turn, created_at, updated_at
		FROM sessions
		WHERE session_id = ?
	`

	var row SessionRow
	err := s.db.QueryRowContext(ctx, query, sessionID).Scan(
		&row.SessionID, &row.UserID, &row.CurrentTopic, &row.GameContext,
		&row.TopicStartTurn, &row.CreatedAt, &row.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session %s: %w", sessionID, err)
	}
	return &row, nil
}

// InsertSession creates a new session row.
func (s *LibSQLSessionStore) InsertSession(ctx context.Context, row *SessionRow) error {
	query := `
		INSERT INTO sessions (session_id, user_id, current_topic, game_context, topic_start_turn, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		row.SessionID, nullable(row.UserID), row.CurrentTopic, nullable(row.GameContext),
		row.TopicStartTurn, row.CreatedAt, row.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert session %s: %w", row.SessionID, err)
	}
	return nil
}

// UpdateSession rewrites the per-turn session fields.
func (s *LibSQLSessionStore) UpdateSession(ctx context.Context, sessionID string, fields SessionUpdate) error {
	query := `
		UPDATE sessions
		SET current_topic = ?, game_context = ?, topic_start_turn = ?, updated_at = ?
		WHERE session_id = ?
	`

	res, err := s.db.ExecContext(ctx, query,
		fields.CurrentTopic, nullable(fields.GameContext), fields.TopicStartTurn, fields.UpdatedAt, sessionID,
	)
	if err != nil {
		return fmt.Errorf("failed to update session %s: %w", sessionID, err)
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		return fmt.Errorf("failed to update session %s: no such session", sessionID)
	}
	return nil
}

// TouchSession refreshes the updated_at soft marker, used by archiving.
func (s *LibSQLSessionStore) TouchSession(ctx context.Context, sessionID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE sessions SET updated_at = ? WHERE session_id = ?`, at, sessionID)
	if err != nil {
		return fmt.Errorf("failed to touch session %s: %w", sessionID, err)
	}
	return nil
}

// InsertHistory appends one turn. The unique (session_id, turn_number) index
// backs the strictly-increasing turn invariant at the storage layer.
func (s *LibSQLSessionStore) InsertHistory(ctx context.Context, row *HistoryRow) error {
	query := `
		INSERT INTO question_history
			(id, session_id, turn_number, question, answer, topic, confidence, was_researched,
			 context_analysis, intent_analysis, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		row.ID, row.SessionID, row.TurnNumber, row.Question, row.Answer, row.Topic,
		row.Confidence, row.WasResearched, nullableBytes(row.ContextAnalysis),
		nullableBytes(row.IntentAnalysis), row.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert history row %s: %w", row.ID, err)
	}
	return nil
}

// ListHistory returns all turns of a session ordered by turn number.
func (s *LibSQLSessionStore) ListHistory(ctx context.Context, sessionID string) ([]HistoryRow, error) {
	query := `
		SELECT id, session_id, turn_number, question, answer, topic, confidence, was_researched,
		       COALESCE(context_analysis, ''), COALESCE(intent_analysis, ''), created_at
		FROM question_history
		WHERE session_id = ?
		ORDER BY turn_number ASC
	`

	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query history for %s: %w", sessionID, err)
	}
	defer rows.Close()

	var out []HistoryRow
	for rows.Next() {
		var row HistoryRow
		var contextJSON, intentJSON string
		if err := rows.Scan(
			&row.ID, &row.SessionID, &row.TurnNumber, &row.Question, &row.Answer, &row.Topic,
			&row.Confidence, &row.WasResearched, &contextJSON, &intentJSON, &row.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan history row: %w", err)
		}
		if contextJSON != "" {
			row.ContextAnalysis = []byte(contextJSON)
		}
		if intentJSON != "" {
			row.IntentAnalysis = []byte(intentJSON)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating history rows: %w", err)
	}
	return out, nil
}

// DeleteHistoryBySession removes all history rows of the given sessions.
func (s *LibSQLSessionStore) DeleteHistoryBySession(ctx context.Context, sessionIDs []string) (int64, error) {
	if len(sessionIDs) == 0 {
		return 0, nil
	}

	query := fmt.Sprintf(`DELETE FROM question_history WHERE session_id IN (%s)`, placeholders(len(sessionIDs)))
	res, err := s.db.ExecContext(ctx, query, toArgs(sessionIDs)...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete history rows: %w", err)
	}
	return res.RowsAffected()
}

// DeleteSessions removes session rows. History rows must be deleted first.
func (s *LibSQLSessionStore) DeleteSessions(ctx context.Context, sessionIDs []string) (int64, error) {
	if len(sessionIDs) == 0 {
		return 0, nil
	}

	query := fmt.Sprintf(`DELETE FROM sessions WHERE session_id IN (%s)`, placeholders(len(sessionIDs)))
	res, err := s.db.ExecContext(ctx, query, toArgs(sessionIDs)...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete sessions: %w", err)
	}
	return res.RowsAffected()
}

// ListSessionsOlderThan returns sessions whose updated_at is before cutoff.
func (s *LibSQLSessionStore) ListSessionsOlderThan(ctx context.Context, cutoff time.Time) ([]SessionRow, error) {
	query := `
		SELECT session_id, COALESCE(user_id, ''), current_topic, COALESCE(game_context, ''),
		       topic_start_turn, created_at, updated_at
		FROM sessions
		WHERE updated_at < ?
	`
	return s.listSessions(ctx, query, cutoff)
}

// ListSessionsByUser returns a user's sessions, most recently updated first.
func (s *LibSQLSessionStore) ListSessionsByUser(ctx context.Context, userID string) ([]SessionRow, error) {
	query := `
		SELECT session_id, COALESCE(user_id, ''), current_topic, COALESCE(game_context, ''),
		       topic_start_turn, created_at, updated_at
		FROM sessions
		WHERE user_id = ?
		ORDER BY updated_at DESC
	`
	return s.listSessions(ctx, query, userID)
}

func (s *LibSQLSessionStore) listSessions(ctx context.Context, query string, args ...any) ([]SessionRow, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionRow
	for rows.Next() {
		var row SessionRow
		if err := rows.Scan(
			&row.SessionID, &row.UserID, &row.CurrentTopic, &row.GameContext,
			&row.TopicStartTurn, &row.CreatedAt, &row.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating session rows: %w", err)
	}
	return out, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func toArgs(ids []string) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

// Ensure LibSQLSessionStore implements the SessionStore interface.
var _ SessionStore = (*LibSQLSessionStore)(nil)
