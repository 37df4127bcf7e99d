package service

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/knpy/hikitsugi-kun/config"
	"github.com/knpy/hikitsugi-kun/model"
)

// SessionStore is an in-memory store for handover sessions. All mutation goes
// through Update so that concurrent background tasks and request handlers
// never write to a session outside the store lock.
type SessionStore struct {
	sessions    map[string]*model.Session
	mu          sync.RWMutex
	maxSessions int // maximum sessions to keep, 0 = unlimited
}

func NewSessionStore(cfg *config.StoreConfig) *SessionStore {
	maxSessions := cfg.MaxSessions
	if maxSessions < 0 {
		maxSessions = 0
	}
	return &SessionStore{
		sessions:    make(map[string]*model.Session),
		maxSessions: maxSessions,
	}
}

// GetOrCreate returns the session for id, inserting a fresh one if absent
func (s *SessionStore) GetOrCreate(id string) *model.Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess, ok := s.sessions[id]; ok {
		return snapshot(sess)
	}
	sess := model.NewSession(id)
	s.sessions[id] = sess
	s.cleanupIfNeeded()
	return snapshot(sess)
}

// Get returns a copy of the session, or nil if absent
func (s *SessionStore) Get(id string) *model.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return snapshot(s.sessions[id])
}

// Delete removes a session and reports whether it existed
func (s *SessionStore) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return false
	}
	delete(s.sessions, id)
	return true
}

// Update applies fn to the session under the store lock and refreshes its
// UpdatedAt. It reports whether the session existed.
func (s *SessionStore) Update(id string, fn func(*model.Session)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return false
	}
	fn(sess)
	sess.Touch()
	return true
}

// SetPhase moves the session to the given phase
func (s *SessionStore) SetPhase(id string, phase model.Phase) bool {
	return s.Update(id, func(sess *model.Session) {
		sess.Phase = phase
	})
}

// SetError moves the session to the error phase and records the message.
// Prior scoping/analysis text is left intact.
func (s *SessionStore) SetError(id string, msg string) bool {
	return s.Update(id, func(sess *model.Session) {
		sess.Phase = model.PhaseError
		sess.LastError = msg
	})
}

// SetProgress updates the advisory progress percentage and step label and
// appends the step to the session log
func (s *SessionStore) SetProgress(id string, progress int, step string) bool {
	return s.Update(id, func(sess *model.Session) {
		sess.ProcessingProgress = progress
		sess.ProcessingStep = step
		sess.Logs = append(sess.Logs, model.ProgressLog{At: time.Now(), Message: step})
	})
}

// SetRemoteUpload replaces the full-video upload state
func (s *SessionStore) SetRemoteUpload(id string, up model.RemoteUpload) bool {
	return s.Update(id, func(sess *model.Session) {
		sess.RemoteUpload = up
	})
}

// SweepExpired removes every session not updated within ttl and returns how
// many were removed
func (s *SessionStore) SweepExpired(ttl time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-ttl)
	removed := 0
	for id, sess := range s.sessions {
		if sess.UpdatedAt.Before(cutoff) {
			delete(s.sessions, id)
			removed++
		}
	}
	if removed > 0 {
		slog.Info("expired sessions swept", "removed", removed)
	}
	return removed
}

// StartSweeper runs SweepExpired on a fixed interval until ctx is done
func (s *SessionStore) StartSweeper(ctx context.Context, interval, ttl time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.SweepExpired(ttl)
			}
		}
	}()
}

// Count returns the number of sessions in the store
func (s *SessionStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// cleanupIfNeeded removes oldest sessions if the store exceeds maxSessions.
// Must be called with the write lock held.
func (s *SessionStore) cleanupIfNeeded() {
	if s.maxSessions <= 0 {
		return
	}
	if len(s.sessions) <= s.maxSessions {
		return
	}

	sessions := make([]*model.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
	})

	removeCount := len(sessions) - s.maxSessions
	for i := 0; i < removeCount; i++ {
		slog.Info("auto-cleaning old session",
			"session_id", sessions[i].ID,
			"created_at", sessions[i].CreatedAt,
		)
		delete(s.sessions, sessions[i].ID)
	}
}

// snapshot returns a shallow copy so readers never observe a session while a
// background task is mutating it
func snapshot(sess *model.Session) *model.Session {
	if sess == nil {
		return nil
	}
	cp := *sess
	return &cp
}
