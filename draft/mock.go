package draft

import (
	"context"
	"fmt"
	"sync"
)

// MockProvider translates from a fixed table, bracketing unknown texts.
// It is used by tests and by the CLI's --dry-run.
type MockProvider struct {
	Translations map[string]string // Map of source text to translation
	Err          error             // Returned from every call when set

	mu          sync.Mutex
	callCount   int
	lastRequest *Request
}

// NewMockProvider creates a mock provider with a few Spanish translations.
func NewMockProvider() *MockProvider {
	return &MockProvider{
		Translations: map[string]string{
			"Hello":                "Hola",
			"World":                "Mundo",
			"Hello World":          "Hola Mundo",
			"Welcome to our site.": "Bienvenido a nuestro sitio.",
		},
	}
}

// Translate returns mock translations.
func (m *MockProvider) Translate(ctx context.Context, req Request) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.callCount++
	m.lastRequest = &req
	if m.Err != nil {
		return nil, m.Err
	}

	results := make([]string, len(req.Texts))
	for i, text := range req.Texts {
		if translation, ok := m.Translations[text]; ok {
			results[i] = translation
		} else {
			results[i] = fmt.Sprintf("[%s]", text)
		}
	}
	return results, nil
}

// CallCount returns how many times Translate was called.
func (m *MockProvider) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.callCount
}

// LastRequest returns the most recent request, or nil.
func (m *MockProvider) LastRequest() *Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastRequest
}

var _ Provider = (*MockProvider)(nil)
