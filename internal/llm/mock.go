package llm

import (
	"context"
	"sync"

	"github.com/openresearchlab/orchestrator/internal/models"
)

// MockInvoker is a scriptable Invoker for tests. Responses are keyed by role
// and consumed in order; once a role's script is exhausted the last entry
// repeats. An error entry is returned as a failure.
type MockInvoker struct {
	mu      sync.Mutex
	scripts map[string][]MockResponse
	cursor  map[string]int
	Calls   []MockCall
}

// MockResponse is one scripted reply.
type MockResponse struct {
	Text  string
	Usage models.TokenUsage
	Err   error
}

// MockCall records one invocation for assertions.
type MockCall struct {
	Role   string
	Prompt string
}

// NewMockInvoker builds an empty mock; script roles with On.
func NewMockInvoker() *MockInvoker {
	return &MockInvoker{
		scripts: make(map[string][]MockResponse),
		cursor:  make(map[string]int),
	}
}

// On appends scripted responses for a role.
func (m *MockInvoker) On(role string, responses ...MockResponse) *MockInvoker {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripts[role] = append(m.scripts[role], responses...)
	return m
}

// Invoke implements Invoker.
func (m *MockInvoker) Invoke(ctx context.Context, role, prompt string) (*Completion, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, MockCall{Role: role, Prompt: prompt})

	script := m.scripts[role]
	if len(script) == 0 {
		return &Completion{Text: "ok", Model: "mock"}, nil
	}
	i := m.cursor[role]
	if i >= len(script) {
		i = len(script) - 1
	} else {
		m.cursor[role] = i + 1
	}
	r := script[i]
	if r.Err != nil {
		return nil, r.Err
	}
	return &Completion{Text: r.Text, Model: "mock", Provider: "mock", Usage: r.Usage}, nil
}

// CallsFor counts invocations recorded for a role.
func (m *MockInvoker) CallsFor(role string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.Calls {
		if c.Role == role {
			n++
		}
	}
	return n
}
