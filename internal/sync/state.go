package sync

import (
	"errors"
	gosync "sync"
	"time"
)

// Status is the sync state of one account
type Status string

const (
	StatusIdle    Status = "idle"
	StatusRunning Status = "running"
	StatusError   Status = "error"
	StatusStopped Status = "stopped"
)

var (
	// ErrBusy is returned when a pass is already running for the account
	ErrBusy = errors.New("sync already running")
	// ErrStopped is returned when sync was disabled for the account
	ErrStopped = errors.New("sync stopped")
)

// State is a snapshot of one account's sync state
type State struct {
	AccountID  string    `json:"account_id"`
	Status     Status    `json:"status"`
	LastError  string    `json:"last_error,omitempty"`
	LastSync   time.Time `json:"last_sync"`
	StartedAt  time.Time `json:"started_at"`
	LastResult *Result   `json:"last_result,omitempty"`
}

// StateStore holds the current sync state per account. Nothing is persisted
type StateStore struct {
	mu     gosync.Mutex
	states map[string]*State
}

// NewStateStore creates an empty state store
func NewStateStore() *StateStore {
	return &StateStore{states: make(map[string]*State)}
}

func (s *StateStore) get(accountID string) *State {
	st, ok := s.states[accountID]
	if !ok {
		st = &State{AccountID: accountID, Status: StatusIdle}
		s.states[accountID] = st
	}
	return st
}

// Acquire moves the account to Running. At most one pass runs per account
func (s *StateStore) Acquire(accountID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.get(accountID)
	switch st.Status {
	case StatusRunning:
		return ErrBusy
	case StatusStopped:
		return ErrStopped
	}
	st.Status = StatusRunning
	st.LastError = ""
	st.StartedAt = now
	return nil
}

// Finish ends a pass. Any recorded failure leaves the account in Error with
// the last reason; markSynced advances the last successful sync time
func (s *StateStore) Finish(accountID string, res Result, markSynced bool, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.get(accountID)
	if st.Status != StatusRunning {
		return
	}
	if res.Failed == 0 {
		st.Status = StatusIdle
		st.LastError = ""
	} else {
		st.Status = StatusError
		st.LastError = res.LastError
	}
	if markSynced {
		st.LastSync = now
	}
	st.LastResult = &res
}

// Fail ends a pass that was aborted by a fatal error
func (s *StateStore) Fail(accountID string, res Result) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.get(accountID)
	if st.Status != StatusRunning {
		return
	}
	st.Status = StatusError
	st.LastError = res.LastError
	st.LastResult = &res
}

// Stop disables sync for the account
func (s *StateStore) Stop(accountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.get(accountID)
	if st.Status == StatusRunning {
		return ErrBusy
	}
	st.Status = StatusStopped
	return nil
}

// Start re-enables a stopped account. Other states are left alone
func (s *StateStore) Start(accountID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.get(accountID)
	if st.Status == StatusStopped {
		st.Status = StatusIdle
		st.LastError = ""
	}
}

// Get returns a copy of the account state
func (s *StateStore) Get(accountID string) (State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.states[accountID]
	if !ok {
		return State{AccountID: accountID, Status: StatusIdle}, false
	}
	cp := *st
	if st.LastResult != nil {
		r := st.LastResult.clone()
		cp.LastResult = &r
	}
	return cp, true
}
