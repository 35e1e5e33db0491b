package exec

import (
	"context"
	"encoding/json"
	"sync"
)

// MockCommandExecutor records calls and replays canned results for tests.
type MockCommandExecutor struct {
	mu sync.Mutex
	// Calls records every call in the order received.
	Calls []Call
	// Results maps "platform.command" to a JSON payload returned on success.
	Results map[string]string
	// ExecuteFunc, when set, overrides Results.
	ExecuteFunc func(ctx context.Context, call Call) (*Result, error)
}

// Execute implements CommandExecutor.
func (m *MockCommandExecutor) Execute(ctx context.Context, call Call) (*Result, error) {
	m.mu.Lock()
	m.Calls = append(m.Calls, call)
	fn := m.ExecuteFunc
	payload, ok := m.Results[call.String()]
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, call)
	}
	if !ok {
		payload = "{}"
	}
	return &Result{Status: StatusSuccess, Payload: json.RawMessage(payload)}, nil
}

// CallCount returns how many calls were received.
func (m *MockCommandExecutor) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}
