package tracking

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"
)

// CleanupPolicy bounds session lifetimes and storage.
type CleanupPolicy struct {
	MemoryTTL          time.Duration // cache-resident lifetime
	DatabaseTTL        time.Duration // persisted lifetime
	MaxSessionsPerUser int           // per-user session cap
	CleanupInterval    time.Duration // background sweep period
	Concurrency        int           // parallel delete batches per sweep stage
}

// DefaultCleanupPolicy returns the stock lifecycle policy.
func DefaultCleanupPolicy() CleanupPolicy {
	return CleanupPolicy{
		MemoryTTL:          30 * time.Minute,
		DatabaseTTL:        7 * 24 * time.Hour,
		MaxSessionsPerUser: 10,
		CleanupInterval:    24 * time.Hour,
		Concurrency:        4,
	}
}

// deleteBatchSize caps how many session ids go into one DELETE statement.
const deleteBatchSize = 100

// SessionManager owns session lifecycle: restore, archive, TTL cleanup,
// per-user caps, and the periodic background sweep.
type SessionManager struct {
	store   SessionStore
	cache   *SessionCache
	history *HistoryManager
	policy  CleanupPolicy
	logger  zerolog.Logger
	now     func() time.Time

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewSessionManager wires a session manager. Zero policy fields fall back to
// the defaults.
func NewSessionManager(store SessionStore, cache *SessionCache, history *HistoryManager, policy CleanupPolicy, logger zerolog.Logger) *SessionManager {
	defaults := DefaultCleanupPolicy()
	if policy.MemoryTTL <= 0 {
		policy.MemoryTTL = defaults.MemoryTTL
	}
	if policy.DatabaseTTL <= 0 {
		policy.DatabaseTTL = defaults.DatabaseTTL
	}
	if policy.MaxSessionsPerUser <= 0 {
		policy.MaxSessionsPerUser = defaults.MaxSessionsPerUser
	}
	if policy.CleanupInterval <= 0 {
		policy.CleanupInterval = defaults.CleanupInterval
	}
	if policy.Concurrency <= 0 {
		policy.Concurrency = defaults.Concurrency
	}

	return &SessionManager{
		store:   store,
		cache:   cache,
		history: history,
		policy:  policy,
		logger:  logger.With().Str("component", "lifecycle").Logger(),
		now:     time.Now,
	}
}

// Policy returns the active cleanup policy.
func (s *SessionManager) Policy() CleanupPolicy { return s.policy }

// NewSessionID mints an id for a conversation started without one.
func (s *SessionManager) NewSessionID() string { return uuid.NewString() }

// RestoreSession loads a session by id, or a user's most recent session when
// only the user is known. Expired or unknown sessions yield (nil, nil).
func (s *SessionManager) RestoreSession(ctx context.Context, userID, sessionID string) (*ConversationContext, error) {
	if sessionID != "" {
		if cached, ok := s.cache.Get(sessionID); ok {
			return cached, nil
		}
		row, err := s.store.GetSession(ctx, sessionID)
		if err != nil {
			return nil, fmt.Errorf("lifecycle: %w", err)
		}
		if row == nil || s.now().Sub(row.UpdatedAt) > s.policy.DatabaseTTL {
			return nil, nil
		}
		return s.history.GetContext(ctx, sessionID)
	}

	if userID != "" {
		rows, err := s.store.ListSessionsByUser(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("lifecycle: %w", err)
		}
		if len(rows) == 0 || s.now().Sub(rows[0].UpdatedAt) > s.policy.DatabaseTTL {
			return nil, nil
		}
		return s.history.GetContext(ctx, rows[0].SessionID)
	}

	return nil, nil
}

// ArchiveSession drops a session from the cache and refreshes its durable
// updated_at marker. No rows are deleted.
func (s *SessionManager) ArchiveSession(ctx context.Context, sessionID string) error {
	s.cache.Delete(sessionID)
	if err := s.store.TouchSession(ctx, sessionID, s.now()); err != nil {
		return fmt.Errorf("lifecycle: %w", err)
	}
	return nil
}

// SessionStatus reports where a session currently lives: active while
// cached, expired when unknown or past the database TTL, idle when persisted
// but cold for longer than the memory TTL.
func (s *SessionManager) SessionStatus(ctx context.Context, sessionID string) (SessionStatus, error) {
	if s.cache.Has(sessionID) {
		return StatusActive, nil
	}
	row, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return StatusExpired, fmt.Errorf("lifecycle: %w", err)
	}
	age := time.Duration(0)
	if row != nil {
		age = s.now().Sub(row.UpdatedAt)
	}
	switch {
	case row == nil || age > s.policy.DatabaseTTL:
		return StatusExpired, nil
	case age > s.policy.MemoryTTL:
		return StatusIdle, nil
	default:
		return StatusActive, nil
	}
}

// CleanupReport summarizes one expired-session sweep.
type CleanupReport struct {
	SessionsScanned int      `json:"sessions_scanned"`
	HistoryDeleted  int64    `json:"history_deleted"`
	SessionsDeleted int64    `json:"sessions_deleted"`
	CachePurged     int      `json:"cache_purged"`
	Errors          []string `json:"errors,omitempty"`
}

// CleanupExpiredSessions deletes every session whose updated_at is older
// than the database TTL: history rows first (referential dependency), then
// session rows, then matching cache entries. A failure in one stage is
// recorded and the remaining stages still run.
func (s *SessionManager) CleanupExpiredSessions(ctx context.Context) CleanupReport {
	var report CleanupReport

	cutoff := s.now().Add(-s.policy.DatabaseTTL)
	rows, err := s.store.ListSessionsOlderThan(ctx, cutoff)
	if err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("list expired sessions: %v", err))
		return report
	}
	if len(rows) == 0 {
		return report
	}

	ids := make([]string, len(rows))
	for i, row := range rows {
		ids[i] = row.SessionID
	}
	report.SessionsScanned = len(ids)

	deleted, errs := s.deleteBatches(ctx, ids, s.store.DeleteHistoryBySession)
	report.HistoryDeleted = deleted
	report.Errors = append(report.Errors, errs...)

	deleted, errs = s.deleteBatches(ctx, ids, s.store.DeleteSessions)
	report.SessionsDeleted = deleted
	report.Errors = append(report.Errors, errs...)

	for _, id := range ids {
		if s.cache.Has(id) {
			s.cache.Delete(id)
			report.CachePurged++
		}
		s.history.ForgetSessionLock(id)
	}

	s.logger.Info().
		Int("scanned", report.SessionsScanned).
		Int64("history_deleted", report.HistoryDeleted).
		Int64("sessions_deleted", report.SessionsDeleted).
		Int("cache_purged", report.CachePurged).
		Int("errors", len(report.Errors)).
		Msg("expired session sweep finished")

	return report
}

// deleteBatches fans deletion batches out over a bounded worker pool and
// collects per-batch failures without aborting the stage.
func (s *SessionManager) deleteBatches(ctx context.Context, ids []string, del func(context.Context, []string) (int64, error)) (int64, []string) {
	var (
		deleted atomic.Int64
		errMu   sync.Mutex
		errs    []string
	)

	p := pool.New().WithMaxGoroutines(s.policy.Concurrency)
	for start := 0; start < len(ids); start += deleteBatchSize {
		end := start + deleteBatchSize
		if end > len(ids) {
			end = len(ids)
		}
		batch := ids[start:end]
		p.Go(func() {
			n, err := del(ctx, batch)
			deleted.Add(n)
			if err != nil {
				errMu.Lock()
				errs = append(errs, err.Error())
				errMu.Unlock()
			}
		})
	}
	p.Wait()

	return deleted.Load(), errs
}

// EnforceUserSessionLimit deletes a user's oldest sessions beyond the cap
// and returns how many were removed.
func (s *SessionManager) EnforceUserSessionLimit(ctx context.Context, userID string) (int, error) {
	rows, err := s.store.ListSessionsByUser(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("lifecycle: %w", err)
	}
	if len(rows) <= s.policy.MaxSessionsPerUser {
		return 0, nil
	}

	excess := rows[s.policy.MaxSessionsPerUser:]
	ids := make([]string, len(excess))
	for i, row := range excess {
		ids[i] = row.SessionID
	}

	if _, err := s.store.DeleteHistoryBySession(ctx, ids); err != nil {
		return 0, fmt.Errorf("lifecycle: %w", err)
	}
	if _, err := s.store.DeleteSessions(ctx, ids); err != nil {
		return 0, fmt.Errorf("lifecycle: %w", err)
	}
	for _, id := range ids {
		s.cache.Delete(id)
		s.history.ForgetSessionLock(id)
	}

	s.logger.Info().Str("user_id", userID).Int("removed", len(ids)).Msg("user session cap enforced")
	return len(ids), nil
}

// Start launches the periodic cleanup scheduler. Starting twice is a no-op.
func (s *SessionManager) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true

	go s.run(runCtx)
}

// Stop cancels the scheduler and waits for it to exit.
func (s *SessionManager) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	cancel := s.cancel
	done := s.done
	s.mu.Unlock()

	cancel()
	<-done
}

func (s *SessionManager) run(ctx context.Context) {
	defer func() {
		s.mu.Lock()
		s.running = false
		close(s.done)
		s.mu.Unlock()
	}()

	ticker := time.NewTicker(s.policy.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("cleanup scheduler stopping")
			return
		case <-ticker.C:
			s.CleanupExpiredSessions(ctx)
			if purged := s.cache.Cleanup(); purged > 0 {
				s.logger.Debug().Int("purged", purged).Msg("expired cache entries purged")
			}
		}
	}
}
