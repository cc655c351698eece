package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/zombor/expense-tracker/internal/scanning"
)

var ErrSessionNotFound = errors.New("session not found")

// Registry tracks the live sessions. Sessions share one scanner and one spool.
type Registry struct {
	scanner scanning.Scanner
	storage Storage
	opts    Options
	idGen   IDGenerator
	clock   TimeSource

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates a new Registry with default dependencies
func NewRegistry(scanner scanning.Scanner, storage Storage, opts Options) *Registry {
	return NewRegistryWithDeps(scanner, storage, opts, &defaultIDGenerator{}, &defaultTimeSource{})
}

// NewRegistryWithDeps creates a new Registry with custom dependencies for testing
func NewRegistryWithDeps(scanner scanning.Scanner, storage Storage, opts Options, idGen IDGenerator, clock TimeSource) *Registry {
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		scanner:  scanner,
		storage:  storage,
		opts:     opts,
		idGen:    idGen,
		clock:    clock,
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*Session),
	}
}

// Create starts a new empty session
func (r *Registry) Create() *Session {
	s := newSession(r.ctx, r.idGen.Generate(), r.scanner, r.storage, r.opts, r.idGen, r.clock)

	r.mu.Lock()
	r.sessions[s.id] = s
	r.mu.Unlock()

	slog.Info("Created session", "session", s.id)
	return s
}

// Get returns a live session
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrSessionNotFound)
	}
	return s, nil
}

// Delete closes a session and forgets it
func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("%s: %w", id, ErrSessionNotFound)
	}
	slog.Info("Deleted session", "session", id)
	return s.Close()
}

// Len returns the number of live sessions
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Sweep closes sessions that have been idle for longer than idle and returns
// how many were closed. Sessions with a running batch are kept.
func (r *Registry) Sweep(idle time.Duration) int {
	cutoff := r.clock.Now().Add(-idle)

	var expired []*Session
	r.mu.Lock()
	for id, s := range r.sessions {
		if s.Progress().Running || s.LastActive().After(cutoff) {
			continue
		}
		expired = append(expired, s)
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	for _, s := range expired {
		if err := s.Close(); err != nil {
			slog.Warn("Failed to close expired session", "session", s.id, "error", err)
		}
	}
	if len(expired) > 0 {
		slog.Info("Expired idle sessions", "count", len(expired))
	}
	return len(expired)
}

// Close shuts down every session
func (r *Registry) Close() error {
	r.cancel()

	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	var errs []error
	for _, s := range sessions {
		errs = append(errs, s.Close())
	}
	return errors.Join(errs...)
}
