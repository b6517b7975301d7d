package tracking

import (
	"context"
	"time"
)

// SessionRow is a durable session record.
type SessionRow struct {
	SessionID      string
	UserID         string
	CurrentTopic   string
	GameContext    string
	TopicStartTurn int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// HistoryRow is a durable per-turn record. Analysis payloads are stored as
// JSON blobs so the schema does not chase the analyzer types.
type HistoryRow struct {
	ID              string
	SessionID       string
	TurnNumber      int
	Question        string
	Answer          string
	Topic           string
	Confidence      float64
	WasResearched   bool
	ContextAnalysis []byte
	IntentAnalysis  []byte
	CreatedAt       time.Time
}

// SessionUpdate carries the session fields rewritten on every turn.
type SessionUpdate struct {
	CurrentTopic   string
	GameContext    string
	TopicStartTurn int
	UpdatedAt      time.Time
}

// SessionStore persists sessions and their turn history. It is the only
// cross-instance source of truth; the cache in front of it is a best-effort
// accelerator. GetSession returns (nil, nil) for an unknown session.
type SessionStore interface {
	GetSession(ctx context.Context, sessionID string) (*SessionRow, error)
	InsertSession(ctx context.Context, row *SessionRow) error
	UpdateSession(ctx context.Context, sessionID string, fields SessionUpdate) error
	TouchSession(ctx context.Context, sessionID string, at time.Time) error

	InsertHistory(ctx context.Context, row *HistoryRow) error
	ListHistory(ctx context.Context, sessionID string) ([]HistoryRow, error)

	DeleteHistoryBySession(ctx context.Context, sessionIDs []string) (int64, error)
	DeleteSessions(ctx context.Context, sessionIDs []string) (int64, error)
	ListSessionsOlderThan(ctx context.Context, cutoff time.Time) ([]SessionRow, error)
	ListSessionsByUser(ctx context.Context, userID string) ([]SessionRow, error)
}
