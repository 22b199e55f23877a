package pairing

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrSessionNotFound is returned when the session id names no live session.
	ErrSessionNotFound = errors.New("pairing: session not found")
	// ErrSessionExpired is returned when operating on a session past its expiry.
	ErrSessionExpired = errors.New("pairing: session expired")
	// ErrSessionEnded is returned when operating on an explicitly ended session.
	ErrSessionEnded = errors.New("pairing: session ended")
)

// comparePad is the fixed buffer length codes are padded to before the
// constant-time comparison, so neither match position nor input length leaks
// through timing.
const comparePad = 64

// Config holds the authenticator's tunable constants.
type Config struct {
	CodeTTL            time.Duration
	MaxSessionLifetime time.Duration
	MaxAttempts        int
	LockoutDuration    time.Duration
	ActivityCap        int
	EndGrace           time.Duration
}

// DefaultConfig returns the authenticator defaults.
func DefaultConfig() Config {
	return Config{
		CodeTTL:            30 * time.Minute,
		MaxSessionLifetime: 4 * time.Hour,
		MaxAttempts:        5,
		LockoutDuration:    15 * time.Minute,
		ActivityCap:        100,
		EndGrace:           2 * time.Minute,
	}
}

// ActivityEntry is one entry in a session's bounded activity log.
type ActivityEntry struct {
	At    time.Time `json:"at"`
	Event string    `json:"event"`
}

// Session is the server-side state for one pairing session.
type Session struct {
	ID                string
	Code              string // plaintext, shown once to the session owner
	normalizedCode    string
	CreatedAt         time.Time
	ExpiresAt         time.Time
	AbsoluteMaxExpiry time.Time
	Authenticated     bool
	AuthenticatedBy   string
	AuthenticatedAt   time.Time
	EndedAt           time.Time // zero while active
	Activity          []ActivityEntry
	Metadata          map[string]string
}

func (s *Session) expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

func (s *Session) ended() bool {
	return !s.EndedAt.IsZero()
}

// failedAttempts tracks validation failures per client identifier.
type failedAttempts struct {
	Count       int
	LastAttempt time.Time
	LockedUntil time.Time
}

// ValidationResult is the outcome of a code validation attempt.
type ValidationResult struct {
	Valid             bool
	SessionID         string
	Session           *Session
	LockedOut         bool
	LockoutRemaining  time.Duration
	AttemptsRemaining int
	Reason            string
}

// Store owns the in-memory session and lockout maps. All state is
// process-local and volatile: a restart drops pairing codes and lockouts,
// which is the safe direction for a short-lived pairing flow. Mutations are
// serialized by a mutex since handlers run on preemptively scheduled
// goroutines.
type Store struct {
	mu       sync.Mutex
	cfg      Config
	sessions map[string]*Session
	attempts map[string]*failedAttempts
	logger   *slog.Logger
	now      func() time.Time
}

// NewStore creates a session store with the given config. Zero config fields
// fall back to defaults.
func NewStore(cfg Config, logger *slog.Logger) *Store {
	def := DefaultConfig()
	if cfg.CodeTTL <= 0 {
		cfg.CodeTTL = def.CodeTTL
	}
	if cfg.MaxSessionLifetime <= 0 {
		cfg.MaxSessionLifetime = def.MaxSessionLifetime
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.LockoutDuration <= 0 {
		cfg.LockoutDuration = def.LockoutDuration
	}
	if cfg.ActivityCap <= 0 {
		cfg.ActivityCap = def.ActivityCap
	}
	if cfg.EndGrace <= 0 {
		cfg.EndGrace = def.EndGrace
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		cfg:      cfg,
		sessions: make(map[string]*Session),
		attempts: make(map[string]*failedAttempts),
		logger:   logger.With("component", "pairing"),
		now:      time.Now,
	}
}

// CreateSession generates a code and an unguessable session id and registers
// the session. The returned Session carries the plaintext code; it is shown
// once to the session owner and communicated out-of-band.
func (s *Store) CreateSession(metadata map[string]string) (*Session, error) {
	code, err := GenerateCode()
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	sess := &Session{
		ID:                uuid.New().String(),
		Code:              code,
		normalizedCode:    NormalizeCode(code),
		CreatedAt:         now,
		ExpiresAt:         now.Add(s.cfg.CodeTTL),
		AbsoluteMaxExpiry: now.Add(s.cfg.MaxSessionLifetime),
		Metadata:          metadata,
	}
	s.sessions[sess.ID] = sess
	s.logger.Info("session created", "session_id", sess.ID, "expires_at", sess.ExpiresAt)
	return snapshot(sess), nil
}

// ValidateCode checks an attempted code from the given client identifier.
// Lockout is evaluated first and short-circuits without touching session
// state. The scan compares against every live session in constant time per
// session and opportunistically purges expired ones it walks past.
func (s *Store) ValidateCode(inputCode, clientID string) ValidationResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if rec, ok := s.attempts[clientID]; ok {
		if rec.Count >= s.cfg.MaxAttempts {
			if now.Before(rec.LockedUntil) {
				return ValidationResult{
					LockedOut:        true,
					LockoutRemaining: rec.LockedUntil.Sub(now),
					Reason:           "too many failed attempts",
				}
			}
			// Lockout elapsed: discard the record, resetting the counter.
			delete(s.attempts, clientID)
		}
	}

	padded := padCode(NormalizeCode(inputCode))

	var matched *Session
	for id, sess := range s.sessions {
		if sess.expired(now) {
			if now.After(sess.ExpiresAt.Add(s.cfg.EndGrace)) {
				delete(s.sessions, id)
			}
			continue
		}
		if sess.ended() {
			continue
		}
		if subtle.ConstantTimeCompare(padded, padCode(sess.normalizedCode)) == 1 {
			matched = sess
		}
	}

	if matched != nil {
		delete(s.attempts, clientID)
		matched.Authenticated = true
		matched.AuthenticatedBy = clientID
		matched.AuthenticatedAt = now
		s.appendActivity(matched, fmt.Sprintf("authenticated by %s", clientID))
		s.logger.Info("code validated", "session_id", matched.ID, "client", clientID)
		return ValidationResult{Valid: true, SessionID: matched.ID, Session: snapshot(matched)}
	}

	rec, ok := s.attempts[clientID]
	if !ok {
		rec = &failedAttempts{}
		s.attempts[clientID] = rec
	}
	rec.Count++
	rec.LastAttempt = now
	remaining := s.cfg.MaxAttempts - rec.Count
	if remaining <= 0 {
		remaining = 0
		rec.LockedUntil = now.Add(s.cfg.LockoutDuration)
		s.logger.Warn("client locked out", "client", clientID, "until", rec.LockedUntil)
	}
	return ValidationResult{
		AttemptsRemaining: remaining,
		Reason:            "invalid code",
	}
}

// ExtendSession pushes a live session's expiry forward, clamped to the
// absolute cap computed at creation. The cap ensures a compromised session
// cannot be kept open indefinitely by repeated refreshing.
func (s *Store) ExtendSession(sessionID string, additional time.Duration) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return time.Time{}, ErrSessionNotFound
	}
	now := s.now()
	if sess.ended() {
		return time.Time{}, ErrSessionEnded
	}
	if sess.expired(now) {
		return time.Time{}, ErrSessionExpired
	}
	next := now.Add(additional)
	if next.After(sess.AbsoluteMaxExpiry) {
		next = sess.AbsoluteMaxExpiry
	}
	sess.ExpiresAt = next
	s.appendActivity(sess, "session extended")
	return next, nil
}

// RecordActivity appends an event to the session's bounded activity log.
func (s *Store) RecordActivity(sessionID, event string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	s.appendActivity(sess, event)
	return nil
}

// EndSession marks the session terminal. It is retained for a short grace
// window for trailing audit read-back, then removed by Cleanup.
func (s *Store) EndSession(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	if sess.ended() {
		return ErrSessionEnded
	}
	sess.EndedAt = s.now()
	s.appendActivity(sess, "session ended")
	s.logger.Info("session ended", "session_id", sessionID)
	return nil
}

// GetSession returns a snapshot of a session, including one that has ended
// but is still inside its grace window.
func (s *Store) GetSession(sessionID string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return snapshot(sess), nil
}

// LiveSession is GetSession restricted to active sessions.
// Ended sessions inside their grace window and sessions past expiry that the
// sweep has not yet removed are rejected; the grace retention exists for
// trailing read-back, never for continued access.
func (s *Store) LiveSession(sessionID string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	if sess.ended() {
		return nil, ErrSessionEnded
	}
	if sess.expired(s.now()) {
		return nil, ErrSessionExpired
	}
	return snapshot(sess), nil
}

// Cleanup purges sessions past expiry or end grace and lockout records whose
// window has elapsed. It only ever deletes entries already past their
// boundary, so a sweep racing a validation cannot invalidate a decision in
// flight. Returns the number of sessions and lockout records removed.
func (s *Store) Cleanup() (sessions, lockouts int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for id, sess := range s.sessions {
		switch {
		case sess.ended() && now.After(sess.EndedAt.Add(s.cfg.EndGrace)):
			delete(s.sessions, id)
			sessions++
		case sess.expired(now) && now.After(sess.ExpiresAt.Add(s.cfg.EndGrace)):
			delete(s.sessions, id)
			sessions++
		}
	}
	for client, rec := range s.attempts {
		stale := rec.Count < s.cfg.MaxAttempts && now.Sub(rec.LastAttempt) > s.cfg.LockoutDuration
		released := rec.Count >= s.cfg.MaxAttempts && now.After(rec.LockedUntil)
		if stale || released {
			delete(s.attempts, client)
			lockouts++
		}
	}
	if sessions > 0 || lockouts > 0 {
		s.logger.Debug("cleanup sweep", "sessions", sessions, "lockouts", lockouts)
	}
	return sessions, lockouts
}

// Count returns the number of sessions currently held, including ended ones
// inside their grace window.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Store) appendActivity(sess *Session, event string) {
	sess.Activity = append(sess.Activity, ActivityEntry{At: s.now(), Event: event})
	if over := len(sess.Activity) - s.cfg.ActivityCap; over > 0 {
		sess.Activity = sess.Activity[over:]
	}
}

// snapshot copies a session so callers cannot mutate store state.
func snapshot(sess *Session) *Session {
	cp := *sess
	cp.Activity = append([]ActivityEntry(nil), sess.Activity...)
	if sess.Metadata != nil {
		cp.Metadata = make(map[string]string, len(sess.Metadata))
		for k, v := range sess.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

func padCode(code string) []byte {
	buf := make([]byte, comparePad)
	copy(buf, code)
	return buf
}
