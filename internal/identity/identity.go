// Package identity holds the logged-in operator and the tokens that prove it.
package identity

import (
	"errors"
	"strings"
	"sync"
)

var (
	// ErrInvalidToken is returned when a token cannot be parsed or verified.
	ErrInvalidToken = errors.New("invalid operator token")
	// ErrSigningDisabled is returned when no signing secret is configured.
	ErrSigningDisabled = errors.New("token signing disabled")
)

// Operator is the identity announced to the gateway.
type Operator struct {
	ID    string `json:"id" yaml:"id"`
	Name  string `json:"name" yaml:"name"`
	Role  string `json:"role" yaml:"role"`
	Token string `json:"-" yaml:"-"`
}

// Valid reports whether the operator has an id.
func (o Operator) Valid() bool {
	return strings.TrimSpace(o.ID) != ""
}

// Provider reports the current operator, if any.
type Provider interface {
	Current() (Operator, bool)
}

// Store is a Provider backed by explicit Login and Logout calls.
type Store struct {
	mu        sync.RWMutex
	operator  Operator
	loggedIn  bool
	observers []func(Operator, bool)
}

// NewStore returns a logged-out store.
func NewStore() *Store {
	return &Store{}
}

// Login records op as the current operator.
func (s *Store) Login(op Operator) error {
	if !op.Valid() {
		return errors.New("operator id required")
	}
	op.ID = strings.TrimSpace(op.ID)
	op.Name = strings.TrimSpace(op.Name)
	op.Role = strings.TrimSpace(op.Role)

	s.mu.Lock()
	s.operator = op
	s.loggedIn = true
	observers := append([]func(Operator, bool){}, s.observers...)
	s.mu.Unlock()

	for _, fn := range observers {
		fn(op, true)
	}
	return nil
}

// Logout clears the current operator.
func (s *Store) Logout() {
	s.mu.Lock()
	if !s.loggedIn {
		s.mu.Unlock()
		return
	}
	op := s.operator
	s.operator = Operator{}
	s.loggedIn = false
	observers := append([]func(Operator, bool){}, s.observers...)
	s.mu.Unlock()

	for _, fn := range observers {
		fn(op, false)
	}
}

// Current returns the logged-in operator.
func (s *Store) Current() (Operator, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.operator, s.loggedIn
}

// OnChange registers fn to run after every login and logout.
func (s *Store) OnChange(fn func(op Operator, loggedIn bool)) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	s.observers = append(s.observers, fn)
	s.mu.Unlock()
}
