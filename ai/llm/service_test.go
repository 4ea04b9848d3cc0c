package llm

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kt3v/EtherialSoul-Server/server/chat"
)

type scriptedResult struct {
	content string
	err     error
}

// fakeCompleter plays back scripted results; the last one repeats.
type fakeCompleter struct {
	mu      sync.Mutex
	results []scriptedResult
	calls   int
}

func (f *fakeCompleter) CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	f.mu.Lock()
	idx := f.calls
	f.calls++
	if idx >= len(f.results) {
		idx = len(f.results) - 1
	}
	r := f.results[idx]
	f.mu.Unlock()

	if r.err != nil {
		return openai.ChatCompletionResponse{}, r.err
	}
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Content: r.content}},
		},
	}, nil
}

func (f *fakeCompleter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestService(client completer) *Service {
	return &Service{
		client:      client,
		provider:    "test",
		model:       "test-model",
		maxTokens:   512,
		temperature: 0.7,
		timeout:     2 * time.Second,
		maxRetries:  3,
		retryBase:   time.Millisecond,
	}
}

const goodBuffer = `[{"text":"the star rises","typingTime":2,"group":0}]`

func TestNewService(t *testing.T) {
	t.Run("defaults_applied", func(t *testing.T) {
		s, err := NewService(&Config{Provider: "deepseek", Model: "deepseek-chat", APIKey: "k"})
		require.NoError(t, err)
		assert.Equal(t, 2048, s.maxTokens)
		assert.Equal(t, float32(0.7), s.temperature)
		assert.Equal(t, 120*time.Second, s.timeout)
		assert.Equal(t, 3, s.maxRetries)
		assert.Equal(t, 800*time.Millisecond, s.retryBase)
	})

	t.Run("model_required", func(t *testing.T) {
		_, err := NewService(&Config{Provider: "openai"})
		assert.Error(t, err)
	})
}

func TestGenerateBuffer_Success(t *testing.T) {
	fake := &fakeCompleter{results: []scriptedResult{{content: goodBuffer}}}
	s := newTestService(fake)

	blocks, err := s.GenerateBuffer(context.Background(), chat.ModeTarot,
		[]chat.HistoryEntry{{Role: chat.RoleUser, Content: "hi"}}, nil, "")
	require.NoError(t, err)
	require.Len(t, blocks, 1)
	assert.Equal(t, "the star rises", blocks[0].Text)
	assert.Equal(t, 1, fake.callCount())
}

func TestGenerateBuffer_RetriesUnavailable(t *testing.T) {
	overloaded := &openai.APIError{HTTPStatusCode: 503, Message: "overloaded"}
	fake := &fakeCompleter{results: []scriptedResult{
		{err: overloaded},
		{err: overloaded},
		{content: goodBuffer},
	}}
	s := newTestService(fake)

	blocks, err := s.GenerateBuffer(context.Background(), chat.ModeTarot, nil, nil, "")
	require.NoError(t, err)
	assert.Len(t, blocks, 1)
	assert.Equal(t, 3, fake.callCount())
}

func TestGenerateBuffer_ExhaustsRetries(t *testing.T) {
	fake := &fakeCompleter{results: []scriptedResult{
		{err: &openai.APIError{HTTPStatusCode: 500, Message: "boom"}},
	}}
	s := newTestService(fake)

	_, err := s.GenerateBuffer(context.Background(), chat.ModeTarot, nil, nil, "")
	assert.ErrorIs(t, err, ErrBackendUnavailable)
	assert.Equal(t, 3, fake.callCount())
}

func TestGenerateBuffer_RefusedNotRetried(t *testing.T) {
	fake := &fakeCompleter{results: []scriptedResult{
		{err: &openai.APIError{HTTPStatusCode: 401, Message: "bad key"}},
	}}
	s := newTestService(fake)

	_, err := s.GenerateBuffer(context.Background(), chat.ModeTarot, nil, nil, "")
	assert.ErrorIs(t, err, ErrBackendRefused)
	assert.Equal(t, 1, fake.callCount())
}

func TestGenerateBuffer_BadPayloadNotRetried(t *testing.T) {
	fake := &fakeCompleter{results: []scriptedResult{
		{content: "I would rather write prose."},
	}}
	s := newTestService(fake)

	_, err := s.GenerateBuffer(context.Background(), chat.ModeTarot, nil, nil, "")
	assert.ErrorIs(t, err, ErrBadResponse)
	assert.Equal(t, 1, fake.callCount())
}

func TestRelevanceCheck(t *testing.T) {
	t.Run("yes_verdict", func(t *testing.T) {
		fake := &fakeCompleter{results: []scriptedResult{{content: "YES"}}}
		s := newTestService(fake)
		got, err := s.RelevanceCheck(context.Background(), nil, nil, nil)
		require.NoError(t, err)
		assert.True(t, got)
	})

	t.Run("no_verdict", func(t *testing.T) {
		fake := &fakeCompleter{results: []scriptedResult{{content: "No, it still fits."}}}
		s := newTestService(fake)
		got, err := s.RelevanceCheck(context.Background(), nil, nil, nil)
		require.NoError(t, err)
		assert.False(t, got)
	})

	t.Run("single_attempt_on_failure", func(t *testing.T) {
		fake := &fakeCompleter{results: []scriptedResult{
			{err: &openai.APIError{HTTPStatusCode: 503}},
		}}
		s := newTestService(fake)
		_, err := s.RelevanceCheck(context.Background(), nil, nil, nil)
		assert.ErrorIs(t, err, ErrBackendUnavailable)
		assert.Equal(t, 1, fake.callCount())
	})
}

func TestClassifyTransport(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want error
	}{
		{"rate_limited", &openai.APIError{HTTPStatusCode: 429}, ErrBackendUnavailable},
		{"server_error", &openai.APIError{HTTPStatusCode: 502}, ErrBackendUnavailable},
		{"unauthorized", &openai.APIError{HTTPStatusCode: 401}, ErrBackendRefused},
		{"bad_request", &openai.APIError{HTTPStatusCode: 400}, ErrBackendRefused},
		{"request_error_5xx", &openai.RequestError{HTTPStatusCode: 500, Err: errors.New("x")}, ErrBackendUnavailable},
		{"request_error_404", &openai.RequestError{HTTPStatusCode: 404, Err: errors.New("x")}, ErrBackendRefused},
		{"deadline", context.DeadlineExceeded, ErrBackendUnavailable},
		{"plain_network", errors.New("connection refused"), ErrBackendUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.ErrorIs(t, classifyTransport(tc.err), tc.want)
		})
	}
}

func TestBackoffBounds(t *testing.T) {
	base := 800 * time.Millisecond
	for attempt := 1; attempt <= 3; attempt++ {
		expected := base << (attempt - 1)
		for i := 0; i < 50; i++ {
			d := backoff(base, attempt)
			assert.GreaterOrEqual(t, d, expected/2)
			assert.LessOrEqual(t, d, expected*3/2)
		}
	}
}
