package auth

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/RoseWrightdev/Conference-Focus/internal/v1/config"
	"github.com/RoseWrightdev/Conference-Focus/internal/v1/logging"
)

const sessionSweepInterval = time.Minute

// Session is one auto-login grant. A client presenting its session id skips
// re-authentication until the lifetime since the last renewal runs out.
type Session struct {
	ID         string
	MachineUID string
	Identity   Identity
	renewed    time.Time
}

// Sessions keeps auto-login sessions in memory, keyed both by session id
// and by the client's machine uid so a reconnecting device gets its
// existing session back.
type Sessions struct {
	lifetime time.Duration
	clk      clock.WithTicker

	mu    sync.Mutex
	byID  map[string]*Session
	byUID map[string]*Session
}

func NewSessions(cfg config.AuthConfig, clk clock.WithTicker) *Sessions {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Sessions{
		lifetime: time.Duration(cfg.AuthenticationLifetime) * time.Second,
		clk:      clk,
		byID:     make(map[string]*Session),
		byUID:    make(map[string]*Session),
	}
}

// Login creates a session for the identity, or renews and returns the
// existing one when the machine uid is already known.
func (s *Sessions) Login(machineUID string, id Identity) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess, ok := s.byUID[machineUID]; ok && !s.expiredLocked(sess) {
		sess.renewed = s.clk.Now()
		sess.Identity = id
		return sess
	}
	sess := &Session{
		ID:         uuid.NewString(),
		MachineUID: machineUID,
		Identity:   id,
		renewed:    s.clk.Now(),
	}
	s.byID[sess.ID] = sess
	s.byUID[machineUID] = sess
	return sess
}

// Get looks up and renews a session by id.
func (s *Sessions) Get(sessionID string) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.byID[sessionID]
	if !ok || s.expiredLocked(sess) {
		return nil, false
	}
	sess.renewed = s.clk.Now()
	return sess, true
}

// Destroy logs the session out.
func (s *Sessions) Destroy(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.byID[sessionID]; ok {
		delete(s.byID, sessionID)
		delete(s.byUID, sess.MachineUID)
	}
}

func (s *Sessions) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byID)
}

// Sweep drops expired sessions and reports how many were removed.
func (s *Sessions) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, sess := range s.byID {
		if s.expiredLocked(sess) {
			delete(s.byID, id)
			delete(s.byUID, sess.MachineUID)
			removed++
		}
	}
	return removed
}

// Run sweeps periodically until ctx is cancelled.
func (s *Sessions) Run(ctx context.Context) {
	ticker := s.clk.NewTicker(sessionSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			if n := s.Sweep(); n > 0 {
				logging.Debug(ctx, "expired auth sessions", zap.Int("count", n))
			}
		}
	}
}

func (s *Sessions) expiredLocked(sess *Session) bool {
	if s.lifetime <= 0 {
		return false
	}
	return s.clk.Now().Sub(sess.renewed) >= s.lifetime
}
