// Package chat implements the conversation state machine and block-pacing
// orchestrator: per-connection session state, named timers, the pacer that
// emits AI response blocks with typing delays, and the orchestrator that
// coordinates message ingestion, mid-stream relevance checks, and
// regeneration.
package chat

import (
	"context"
)

// ChatMode selects the divination persona used for prompt construction.
type ChatMode string

const (
	ModeTarot ChatMode = "tarot"
	ModeAstro ChatMode = "astro"
)

// IsValid reports whether the mode is one of the supported personas.
func (m ChatMode) IsValid() bool {
	return m == ModeTarot || m == ModeAstro
}

// Block is one atomic emission unit of an AI response. Consecutive blocks
// sharing a Group form an indivisible "thought": a relevance-triggered
// regeneration waits for a group boundary before cutting over.
type Block struct {
	Text       string  `json:"text"`
	TypingTime float64 `json:"typingTime"` // seconds; clamped to 1s minimum when pacing
	Group      int     `json:"group"`
}

// HistoryEntry is a single conversation turn. Append-only within a session.
type HistoryEntry struct {
	Role      string `json:"role"` // "user" or "model"
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"` // unix millis
}

const (
	RoleUser  = "user"
	RoleModel = "model"
)

// TypingState tracks the client-reported typing indicator.
//
// ShouldUseIdleTimer is gated: it may only become true after an
// update-check-triggered interrupt or after an end-of-buffer post-delay
// path. When set, a typing_status=false event arms the idle timer.
type TypingState struct {
	IsTyping           bool
	LastTypingTime     int64
	ShouldUseIdleTimer bool
}

// UpdateCheckState tracks a pending relevance-triggered regeneration.
// WaitingForGroup is true while the pacer drains the current group.
type UpdateCheckState struct {
	NeedsUpdate     bool
	WaitingForGroup bool
	LastCheckTime   int64
}

// EndUpdateState tracks the post-response follow-up timer.
// UserMessagedSinceLastEndUpdate is the gate preventing infinite self-talk:
// the follow-up fires only if the user contributed at least one real
// message during the prior cycle.
type EndUpdateState struct {
	TimerActive                    bool
	TimerStartTime                 int64
	UserMessagedSinceLastEndUpdate bool
}

// Channel is the delivery path to one connected client. Implementations
// must be safe for concurrent Send calls; both the orchestrator and the
// pacer check Connected before emitting and bail out silently when the
// transport is gone.
type Channel interface {
	Send(v any) error
	Connected() bool
}

// LLMClient is the backend used for buffer generation and mid-stream
// relevance checks.
type LLMClient interface {
	// GenerateBuffer produces a fresh block buffer from the conversation
	// history. pending carries not-yet-sent blocks from the prior buffer so
	// the model may continue a thought. profile is optional user context.
	GenerateBuffer(ctx context.Context, mode ChatMode, history []HistoryEntry, pending []Block, profile string) ([]Block, error)

	// RelevanceCheck reports whether the new user messages invalidate the
	// remaining pending blocks: true means the buffer needs regeneration,
	// false means the current buffer can keep streaming.
	RelevanceCheck(ctx context.Context, recent []HistoryEntry, sent []Block, pending []Block) (bool, error)
}

// ProfileProvider resolves optional user profile context (for example a
// natal chart summary) injected into buffer generation. Failures are
// non-fatal: regeneration proceeds without the context.
type ProfileProvider interface {
	Fetch(ctx context.Context, userID string) (string, error)
}
