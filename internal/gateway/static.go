package gateway

import (
	"context"
	"sync"

	"github.com/OrlandoBitencourt/flagwatch/internal/domain"
)

// Static is an in-memory Gateway. It serves a replaceable snapshot and
// records how often it was called, which makes it useful for tests and demos.
type Static struct {
	mu sync.RWMutex

	flags domain.FlagMap
	err   error

	// Optional behaviour override, consulted before the stored snapshot
	FetchAllFunc func(ctx context.Context) (domain.FlagMap, error)

	calls int
}

// NewStatic creates a gateway serving a copy of flags.
func NewStatic(flags domain.FlagMap) *Static {
	return &Static{flags: flags.Clone()}
}

// Set replaces the served snapshot and clears any configured error.
func (s *Static) Set(flags domain.FlagMap) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flags = flags.Clone()
	s.err = nil
}

// SetFlag changes a single flag in the served snapshot.
func (s *Static) SetFlag(name string, value bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.flags.Clone()
	next[name] = value
	s.flags = next
}

// Fail makes subsequent calls return err until Set is called.
func (s *Static) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// Calls returns the number of FetchAll invocations so far.
func (s *Static) Calls() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.calls
}

// FetchAll returns a copy of the current snapshot.
func (s *Static) FetchAll(ctx context.Context) (domain.FlagMap, error) {
	s.mu.Lock()
	s.calls++
	fn := s.FetchAllFunc
	s.mu.Unlock()

	if fn != nil {
		return fn(ctx)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.err != nil {
		return nil, s.err
	}
	return s.flags.Clone(), nil
}
