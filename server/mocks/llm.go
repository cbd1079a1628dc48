package mocks

import (
	"context"
	"sync"

	"github.com/teilomillet/gollm"
	"github.com/teilomillet/gollm/llm"
	"github.com/teilomillet/gollm/utils"
)

// MockLLM implements gollm.LLM for tests without calling a provider.
//
// GenerateFunc decides the completion; every prompt and option set on the
// mock is recorded so tests can assert on what the engine sent.
//
//	mockLLM := NewMockLLM(func(ctx context.Context, prompt *gollm.Prompt) (string, error) {
//	    return "mocked response", nil
//	})
type MockLLM struct {
	GenerateFunc func(context.Context, *gollm.Prompt) (string, error)
	DebugFunc    func(string, ...interface{})
	Provider     string
	Model        string

	mu      sync.Mutex
	prompts []string
	options map[string]interface{}
	calls   int
}

// NewMockLLM creates a new MockLLM with optional generate function.
// If generateFunc is nil, Generate will return empty string with no error.
func NewMockLLM(generateFunc func(context.Context, *gollm.Prompt) (string, error)) *MockLLM {
	return &MockLLM{
		GenerateFunc: generateFunc,
		Provider:     "mock",
		Model:        "mock-model",
		options:      make(map[string]interface{}),
	}
}

// Echo returns a generate function that behaves like a raw causal model:
// the output is the prompt followed by completion.
func Echo(completion string) func(context.Context, *gollm.Prompt) (string, error) {
	return func(ctx context.Context, p *gollm.Prompt) (string, error) {
		return PromptText(p) + completion, nil
	}
}

// PromptText returns the text of the first message of p.
func PromptText(p *gollm.Prompt) string {
	if p == nil || len(p.Messages) == 0 {
		return ""
	}
	return p.Messages[0].Content
}

// Generate records the prompt and delegates to GenerateFunc.
func (m *MockLLM) Generate(ctx context.Context, prompt *gollm.Prompt, opts ...llm.GenerateOption) (string, error) {
	m.mu.Lock()
	m.prompts = append(m.prompts, PromptText(prompt))
	m.calls++
	m.mu.Unlock()

	if m.GenerateFunc != nil {
		return m.GenerateFunc(ctx, prompt)
	}
	return "", nil
}

// Prompts returns every prompt text passed to Generate, in call order.
func (m *MockLLM) Prompts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.prompts...)
}

// Calls returns how many times Generate ran.
func (m *MockLLM) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Option returns an option previously set with SetOption.
func (m *MockLLM) Option(key string) (interface{}, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.options[key]
	return v, ok
}

// Debug captures debug messages if DebugFunc is provided.
func (m *MockLLM) Debug(format string, args ...interface{}) {
	if m.DebugFunc != nil {
		m.DebugFunc(format, args...)
	}
}

func (m *MockLLM) GetPromptJSONSchema(opts ...gollm.SchemaOption) ([]byte, error) {
	return []byte(`{}`), nil
}

func (m *MockLLM) GetProvider() string {
	return m.Provider
}

func (m *MockLLM) GetModel() string {
	return m.Model
}

func (m *MockLLM) GetLogLevel() gollm.LogLevel {
	return gollm.LogLevelInfo
}

func (m *MockLLM) UpdateLogLevel(level gollm.LogLevel) {}

func (m *MockLLM) SetLogLevel(level gollm.LogLevel) {}

func (m *MockLLM) GetLogger() utils.Logger {
	return nil
}

// NewPrompt creates a single user message prompt.
func (m *MockLLM) NewPrompt(text string) *gollm.Prompt {
	return &gollm.Prompt{
		Messages: []gollm.PromptMessage{
			{Role: "user", Content: text},
		},
	}
}

func (m *MockLLM) SetEndpoint(endpoint string) {}

// SetOption records the option.
func (m *MockLLM) SetOption(key string, value interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.options == nil {
		m.options = make(map[string]interface{})
	}
	m.options[key] = value
}

func (m *MockLLM) SupportsJSONSchema() bool {
	return true
}

func (m *MockLLM) GenerateWithSchema(ctx context.Context, prompt *gollm.Prompt, schema interface{}, opts ...llm.GenerateOption) (string, error) {
	return m.Generate(ctx, prompt)
}

func (m *MockLLM) SetOllamaEndpoint(endpoint string) error {
	return nil
}

func (m *MockLLM) SetSystemPrompt(prompt string, cacheType llm.CacheType) {}
