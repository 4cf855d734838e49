// Package session holds the gateway's single active broker session.
package session

import (
	"errors"
	"sync"

	"tradegate/internal/broker"
)

// ErrNoActiveSession is returned by Get when no session has been prepared.
var ErrNoActiveSession = errors.New("no active session, call prepare first")

// Store holds at most one broker.Session. A single mutex guards every read,
// replace and clear; callers must not hold a session reference's lock while
// calling back into the store.
type Store struct {
	mu        sync.Mutex
	current   broker.Session
	listeners []func(active bool)
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{}
}

// OnChange registers fn to be called on every Empty/Active transition. fn is
// first called once with the current state. Listeners run with the store
// lock held and must not call the store.
func (s *Store) OnChange(fn func(active bool)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
	fn(s.current != nil)
}

// Create installs sess, replacing any current session, and returns the
// replaced session (nil if the store was empty). The replaced session is
// not exited.
func (s *Store) Create(sess broker.Session) broker.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.current
	s.current = sess
	if prev == nil {
		s.notify(true)
	}
	return prev
}

// CreateIfEmpty installs sess only when the store is empty.
func (s *Store) CreateIfEmpty(sess broker.Session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil {
		return false
	}
	s.current = sess
	s.notify(true)
	return true
}

// Get returns the current session or ErrNoActiveSession.
func (s *Store) Get() (broker.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return nil, ErrNoActiveSession
	}
	return s.current, nil
}

// Clear removes the current session, if any.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil {
		s.current = nil
		s.notify(false)
	}
}

// ClearIf removes the current session only if it is still sess. It reports
// whether the store was cleared.
func (s *Store) ClearIf(sess broker.Session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil || s.current != sess {
		return false
	}
	s.current = nil
	s.notify(false)
	return true
}

// Active reports whether a session is installed.
func (s *Store) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current != nil
}

func (s *Store) notify(active bool) {
	for _, fn := range s.listeners {
		fn(active)
	}
}
