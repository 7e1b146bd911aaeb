// Package session orders conversation turns within a session.
package session

import (
	"context"
	"regexp"
	"sync"

	"github.com/lithammer/shortuuid/v4"

	"github.com/hrygo/uncanny/internal/apperrors"
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// NewID returns a new session id.
func NewID() string {
	return shortuuid.New()
}

// ValidID reports whether id is an acceptable session id.
func ValidID(id string) bool {
	return idPattern.MatchString(id)
}

// Locks admits one turn at a time per session. Waiters are admitted in arrival order.
type Locks struct {
	mu       sync.Mutex
	sessions map[string]*entry
}

type entry struct {
	slot chan struct{}
	refs int
}

func NewLocks() *Locks {
	return &Locks{sessions: map[string]*entry{}}
}

// Acquire blocks until the session is free or ctx is done. The returned
// release must be called exactly once.
func (l *Locks) Acquire(ctx context.Context, sessionID string) (func(), error) {
	l.mu.Lock()
	e, ok := l.sessions[sessionID]
	if !ok {
		e = &entry{slot: make(chan struct{}, 1)}
		l.sessions[sessionID] = e
	}
	e.refs++
	l.mu.Unlock()

	select {
	case e.slot <- struct{}{}:
	case <-ctx.Done():
		l.unref(sessionID, e)
		return nil, apperrors.FromContext(ctx.Err())
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.slot
			l.unref(sessionID, e)
		})
	}, nil
}

func (l *Locks) unref(sessionID string, e *entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.sessions, sessionID)
	}
}

// Active returns the number of sessions with a running or waiting turn.
func (l *Locks) Active() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.sessions)
}
