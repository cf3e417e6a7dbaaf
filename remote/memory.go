package remote

import (
	"context"
	"sync"
)

// Memory is an in-process remote store for tests and dry runs.
type Memory struct {
	mu        sync.Mutex
	draft     map[string]string
	published map[string]string
	uploads   int
	fail      error
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		draft:     make(map[string]string),
		published: make(map[string]string),
	}
}

// Upload merges blurbs into the drafts.
func (m *Memory) Upload(ctx context.Context, blurbs map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.uploads++
	if m.fail != nil {
		return &SyncError{Op: "upload", Message: "memory store", Cause: m.fail, Retryable: true}
	}
	for k, v := range blurbs {
		m.draft[k] = v
	}
	return nil
}

// Download returns a copy of the drafts.
func (m *Memory) Download(ctx context.Context) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.fail != nil {
		return nil, &SyncError{Op: "download", Message: "memory store", Cause: m.fail, Retryable: true}
	}
	out := make(map[string]string, len(m.draft))
	for k, v := range m.draft {
		out[k] = v
	}
	return out, nil
}

// Deploy copies drafts to published.
func (m *Memory) Deploy(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for k, v := range m.draft {
		m.published[k] = v
	}
	return nil
}

// Draft returns the draft value for key.
func (m *Memory) Draft(key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.draft[key]
	return v, ok
}

// Published returns the published value for key.
func (m *Memory) Published(key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.published[key]
	return v, ok
}

// Uploads returns the number of Upload calls, failed ones included.
func (m *Memory) Uploads() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.uploads
}

// FailWith makes every later call fail with err. Pass nil to recover.
func (m *Memory) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = err
}

// Verify Memory implements Client and Deployer
var (
	_ Client   = (*Memory)(nil)
	_ Deployer = (*Memory)(nil)
)
