package tracking

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// memStore is an in-memory SessionStore used across the package tests.
type memStore struct {
	mu       sync.Mutex
	sessions map[string]*SessionRow
	history  map[string][]HistoryRow

	failUpdates bool
	failInserts bool
}

func newMemStore() *memStore {
	return &memStore{
		sessions: make(map[string]*SessionRow),
		history:  make(map[string][]HistoryRow),
	}
}

var errStoreDown = errors.New("store unavailable")

func (m *memStore) GetSession(_ context.Context, sessionID string) (*SessionRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	cp := *row
	return &cp, nil
}

func (m *memStore) InsertSession(_ context.Context, row *SessionRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failInserts {
		return errStoreDown
	}
	cp := *row
	m.sessions[row.SessionID] = &cp
	return nil
}

func (m *memStore) UpdateSession(_ context.Context, sessionID string, fields SessionUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failUpdates {
		return errStoreDown
	}
	row, ok := m.sessions[sessionID]
	if !ok {
		return errors.New("no such session")
	}
	row.CurrentTopic = fields.CurrentTopic
	row.GameContext = fields.GameContext
	row.TopicStartTurn = fields.TopicStartTurn
	row.UpdatedAt = fields.UpdatedAt
	return nil
}

func (m *memStore) TouchSession(_ context.Context, sessionID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if row, ok := m.sessions[sessionID]; ok {
		row.UpdatedAt = at
	}
	return nil
}

func (m *memStore) InsertHistory(_ context.Context, row *HistoryRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failInserts {
		return errStoreDown
	}
	for _, existing := range m.history[row.SessionID] {
		if existing.TurnNumber == row.TurnNumber {
			return errors.New("duplicate turn number")
		}
	}
	m.history[row.SessionID] = append(m.history[row.SessionID], *row)
	return nil
}

func (m *memStore) ListHistory(_ context.Context, sessionID string) ([]HistoryRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows := append([]HistoryRow(nil), m.history[sessionID]...)
	sort.Slice(rows, func(i, j int) bool { return rows[i].TurnNumber < rows[j].TurnNumber })
	return rows, nil
}

func (m *memStore) DeleteHistoryBySession(_ context.Context, sessionIDs []string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, id := range sessionIDs {
		n += int64(len(m.history[id]))
		delete(m.history, id)
	}
	return n, nil
}

func (m *memStore) DeleteSessions(_ context.Context, sessionIDs []string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, id := range sessionIDs {
		if _, ok := m.sessions[id]; ok {
			delete(m.sessions, id)
			n++
		}
	}
	return n, nil
}

func (m *memStore) ListSessionsOlderThan(_ context.Context, cutoff time.Time) ([]SessionRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []SessionRow
	for _, row := range m.sessions {
		if row.UpdatedAt.Before(cutoff) {
			out = append(out, *row)
		}
	}
	return out, nil
}

func (m *memStore) ListSessionsByUser(_ context.Context, userID string) ([]SessionRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []SessionRow
	for _, row := range m.sessions {
		if row.UserID == userID {
			out = append(out, *row)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

var _ SessionStore = (*memStore)(nil)
