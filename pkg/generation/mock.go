package generation

import (
	"context"
	"sync"
)

// MockBackend records requests and answers them from GenerateFunc, or echoes
// the last user text when GenerateFunc is nil.
type MockBackend struct {
	mu           sync.Mutex
	Requests     []*Request
	GenerateFunc func(ctx context.Context, req *Request) (*Response, error)
}

// Generate implements Backend.
func (m *MockBackend) Generate(ctx context.Context, req *Request) (*Response, error) {
	m.mu.Lock()
	m.Requests = append(m.Requests, req)
	fn := m.GenerateFunc
	m.mu.Unlock()
	if fn != nil {
		return fn(ctx, req)
	}
	var last string
	if n := len(req.Messages); n > 0 {
		for _, p := range req.Messages[n-1].Parts {
			if !p.IsImage() {
				last += p.Text
			}
		}
	}
	return &Response{
		Model:   req.Model,
		Outputs: []string{last},
		Usage:   Usage{InputTokens: EstimateTokens(Flatten(req.Messages)), OutputTokens: EstimateTokens(last)},
	}, nil
}

// Calls returns a copy of the recorded requests.
func (m *MockBackend) Calls() []*Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Request(nil), m.Requests...)
}
