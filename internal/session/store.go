package session

import "sync"

// CallSession is the immutable context a live call needs: who to call, what
// to ask, and who is asking. It exists only while an attempt is dialing or
// live; the stream handler deletes it when the call's channel closes or the
// attempt terminally fails.
type CallSession struct {
	CallID       string
	TaskID       string
	UserID       string
	BusinessName string
	PhoneNumber  string
	Purpose      string
	Questions    []string
	Context      string

	// CallerProfile carries the fields the agent may disclose on the
	// user's behalf (name, callback number, account references).
	CallerProfile map[string]string

	// PreviousAttemptNotes is set on retry attempts so the agent knows
	// why the last attempt failed.
	PreviousAttemptNotes string

	RetryCount int

	// MaxConcurrentCalls mirrors the job's tier limit so the close path
	// knows whether a concurrency-cap slot must be released.
	MaxConcurrentCalls int
}

// Store is a process-local map from call id to CallSession.
//
// This is an injected component, constructed once in main and handed to
// the worker pool and stream handler; concurrent calls never contend on
// the same entry because the key is the call id.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]CallSession
}

func NewStore() *Store {
	return &Store{sessions: make(map[string]CallSession)}
}

// Put registers the session for a call attempt, replacing any stale entry
// for the same call id (a retry attempt reuses the original call id).
func (s *Store) Put(sess CallSession) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.CallID] = sess
}

// Get returns the session for a call id if the attempt is still active.
func (s *Store) Get(callID string) (CallSession, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[callID]
	return sess, ok
}

// Delete removes the session. Idempotent; the close path and the failure
// path may both run for the same call.
func (s *Store) Delete(callID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, callID)
}

// Len reports the number of active sessions, for health reporting.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}
