package flagr

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
)

// MockServer is a fake Flagr server serving /api/v1/flags and
// /api/v1/health from an in-memory flag list
type MockServer struct {
	*httptest.Server

	mu       sync.RWMutex
	flags    []FlagrFlag
	status   int
	failures int
	requests map[string]int
}

// NewMockServer starts a fake Flagr server
func NewMockServer(flags ...FlagrFlag) *MockServer {
	m := &MockServer{
		flags:    flags,
		status:   http.StatusOK,
		requests: make(map[string]int),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/flags", m.handleFlags)
	mux.HandleFunc("/api/v1/health", m.handleHealth)
	m.Server = httptest.NewServer(mux)

	return m
}

// SetFlags replaces the served flags
func (m *MockServer) SetFlags(flags ...FlagrFlag) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flags = flags
}

// SetEnabled changes the enabled field of the flag with the given key
func (m *MockServer) SetEnabled(key string, enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := make([]FlagrFlag, len(m.flags))
	copy(next, m.flags)
	for i := range next {
		if next[i].Key == key {
			next[i].Enabled = enabled
		}
	}
	m.flags = next
}

// SetStatus makes every request answer with code until reset to 200
func (m *MockServer) SetStatus(code int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status = code
}

// FailNext makes the next n flag requests answer 503
func (m *MockServer) FailNext(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = n
}

// Requests returns how many requests hit path
func (m *MockServer) Requests(path string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.requests[path]
}

func (m *MockServer) handleFlags(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	m.requests[r.URL.Path]++
	status := m.status
	if m.failures > 0 {
		m.failures--
		status = http.StatusServiceUnavailable
	}
	flags := m.flags
	m.mu.Unlock()

	if status != http.StatusOK {
		http.Error(w, http.StatusText(status), status)
		return
	}

	if flags == nil {
		flags = []FlagrFlag{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(flags)
}

func (m *MockServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	m.requests[r.URL.Path]++
	status := m.status
	m.mu.Unlock()

	if status != http.StatusOK {
		http.Error(w, http.StatusText(status), status)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(HealthResponse{Status: "OK"})
}
