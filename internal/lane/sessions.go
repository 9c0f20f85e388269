package lane

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/lane.assist/internal/monitoring"
	"github.com/banshee-data/lane.assist/internal/timeutil"
)

// Sessions keeps one Stabilizer per live stream so that concurrent callers
// never share a smoothing window. Idle sessions expire after the TTL.
type Sessions struct {
	mu       sync.Mutex
	clock    timeutil.Clock
	ttl      time.Duration
	window   int
	sessions map[string]*session
}

type session struct {
	mu       sync.Mutex
	stab     *Stabilizer
	lastSeen time.Time
}

// NewSessions creates a registry whose stabilizers hold window frames.
func NewSessions(window int, ttl time.Duration, clock timeutil.Clock) *Sessions {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Sessions{
		clock:    clock,
		ttl:      ttl,
		window:   window,
		sessions: make(map[string]*session),
	}
}

// NewSessionID mints an identifier for a caller that did not supply one.
func NewSessionID() string {
	return uuid.New().String()
}

// Update feeds raw into the stabilizer for id, creating the session when it
// is unknown or has expired, and returns the smoothed positions. An empty id
// is replaced by a fresh one, which is returned; the minted session is only
// stored once a caller sends that id back.
func (s *Sessions) Update(id string, raw Positions) (string, Positions) {
	if id == "" {
		return NewSessionID(), NewStabilizer(s.window).Update(raw)
	}
	now := s.clock.Now()

	s.mu.Lock()
	sess, ok := s.sessions[id]
	if ok && s.expired(sess, now) {
		ok = false
	}
	if !ok {
		sess = &session{stab: NewStabilizer(s.window)}
		s.sessions[id] = sess
	}
	sess.lastSeen = now
	s.mu.Unlock()

	sess.mu.Lock()
	defer sess.mu.Unlock()
	return id, sess.stab.Update(raw)
}

func (s *Sessions) expired(sess *session, now time.Time) bool {
	return s.ttl > 0 && now.Sub(sess.lastSeen) > s.ttl
}

// Evict drops sessions idle for longer than the TTL and returns how many
// were removed.
func (s *Sessions) Evict() int {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, sess := range s.sessions {
		if s.expired(sess, now) {
			delete(s.sessions, id)
			n++
		}
	}
	return n
}

// Len returns the number of tracked sessions.
func (s *Sessions) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Run evicts idle sessions periodically until ctx is done.
func (s *Sessions) Run(ctx context.Context) {
	if s.ttl <= 0 {
		return
	}
	ticker := s.clock.NewTicker(s.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			if n := s.Evict(); n > 0 {
				monitoring.Logf("[lane] evicted %d idle live sessions", n)
			}
		}
	}
}
