package chat

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

const (
	// generateTimeout bounds one buffer regeneration end to end, including
	// queueing for the generation semaphore and the profile fetch. The LLM
	// client applies its own per-request timeout and retry budget inside
	// this window.
	generateTimeout = 3 * time.Minute

	// relevanceTimeout bounds a mid-stream relevance check. A check that
	// outlives this is treated as "no interrupt".
	relevanceTimeout = 30 * time.Second
)

// Config carries the orchestrator timer constants and limits. The zero
// value is not usable; start from DefaultConfig.
type Config struct {
	TypingIdle    time.Duration // wait after user stops typing before regenerating
	MaxTyping     time.Duration // regenerate even if user keeps typing this long
	GroupDelay    time.Duration // settle period after a group boundary during interrupt flow
	EndUpdate     time.Duration // post-response follow-up delay
	MinBlockDelay time.Duration // floor for per-block pacing delays

	// HistoryTail is how many trailing history entries feed the relevance
	// check.
	HistoryTail int

	// MaxConcurrentGenerations bounds simultaneous LLM buffer generations
	// server-wide.
	MaxConcurrentGenerations int64
}

// DefaultConfig returns the production timer constants.
func DefaultConfig() Config {
	return Config{
		TypingIdle:               5 * time.Second,
		MaxTyping:                30 * time.Second,
		GroupDelay:               2 * time.Second,
		EndUpdate:                25 * time.Second,
		MinBlockDelay:            DefaultMinBlockDelay,
		HistoryTail:              20,
		MaxConcurrentGenerations: 4,
	}
}

type connEntry struct {
	channel    Channel
	authUserID string // optional, from token verification; logging and profile lookup only
}

// Orchestrator is the per-connection state machine tying together message
// ingestion, the typing-idle timer chain, mid-stream relevance checks,
// block pacing, and the post-completion follow-up timer.
//
// All work for one connection is serialized through a per-connection lock;
// timer callbacks and LLM results re-read session state on entry because a
// racing client event may have altered it in the meantime.
type Orchestrator struct {
	store    *Store
	timers   *TimerService
	pacer    *Pacer
	llm      LLMClient       // nil disables AI flows
	profiles ProfileProvider // nil disables profile context
	cfg      Config

	locks *keyedMutex
	sem   *semaphore.Weighted

	connsMu sync.RWMutex
	conns   map[string]*connEntry
}

// NewOrchestrator wires the state machine. llm and profiles may be nil:
// without an LLM client the server accepts connections but answers AI
// flows with an error event.
func NewOrchestrator(store *Store, timers *TimerService, llm LLMClient, profiles ProfileProvider, cfg Config) *Orchestrator {
	locks := newKeyedMutex()
	maxGen := cfg.MaxConcurrentGenerations
	if maxGen <= 0 {
		maxGen = DefaultConfig().MaxConcurrentGenerations
	}
	return &Orchestrator{
		store:    store,
		timers:   timers,
		pacer:    newPacer(store, locks, cfg.MinBlockDelay),
		llm:      llm,
		profiles: profiles,
		cfg:      cfg,
		locks:    locks,
		sem:      semaphore.NewWeighted(maxGen),
		conns:    make(map[string]*connEntry),
	}
}

// Pacer exposes the block pacer (health checks and tests).
func (o *Orchestrator) Pacer() *Pacer {
	return o.pacer
}

// ActiveUsers returns the number of live sessions.
func (o *Orchestrator) ActiveUsers() int {
	return o.store.Count()
}

// AIEnabled reports whether an LLM client is configured.
func (o *Orchestrator) AIEnabled() bool {
	return o.llm != nil
}

// ---------------------------------------------------------------------------
// Inbound events

// Connect registers the delivery channel for a new connection and creates
// its session. authUserID may be empty.
func (o *Orchestrator) Connect(userID string, channel Channel, authUserID string) {
	o.locks.lock(userID)
	defer o.locks.unlock(userID)

	o.connsMu.Lock()
	o.conns[userID] = &connEntry{channel: channel, authUserID: authUserID}
	o.connsMu.Unlock()

	o.store.GetOrCreate(userID)
	activeSessions.Inc()

	slog.Info("chat: client connected",
		"user_id", userID,
		"auth_user_id", authUserID,
	)
}

// UserMessage ingests one user message: echoes a receipt, clears the
// typing and end-update timer state, then either interrupts the in-flight
// response (relevance check) or regenerates immediately.
func (o *Orchestrator) UserMessage(userID, text string) {
	o.locks.lock(userID)
	defer o.locks.unlock(userID)
	o.handleUserMessage(userID, text)
}

func (o *Orchestrator) handleUserMessage(userID, text string) {
	ch := o.channel(userID)
	if ch == nil {
		return
	}
	messagesReceived.Inc()

	if ch.Connected() {
		_ = ch.Send(MessageReceivedEvent{
			Type:      eventMessageReceived,
			ID:        uuid.NewString(),
			Text:      text,
			Sender:    RoleUser,
			Timestamp: time.Now().UnixMilli(),
		})
	}

	o.store.AppendUserMessage(userID, text)
	o.store.SetUserMessaged(userID, true)

	o.timers.CancelTypingTimers(userID)
	o.store.SetTyping(userID, false)
	o.store.SetShouldUseIdleTimer(userID, false)

	o.timers.Cancel(userID, TimerEndUpdate)
	o.store.SetEndUpdateActive(userID, false)

	if o.pacer.IsSending(userID) && !o.store.IsBufferComplete(userID) {
		o.interruptFlow(userID)
		return
	}
	o.regenerateNow(userID)
}

// TypingStatus ingests a typing indicator change.
func (o *Orchestrator) TypingStatus(userID string, isTyping bool) {
	o.locks.lock(userID)
	defer o.locks.unlock(userID)

	if !o.store.Exists(userID) {
		return
	}

	if isTyping {
		o.store.SetTyping(userID, true)
		o.timers.Cancel(userID, TimerTypingIdle, TimerMaxTyping, TimerGroupDelay)

		if o.store.EndUpdateActive(userID) {
			// User resumed typing during the follow-up window: defer to the
			// idle timer once they stop.
			o.timers.Cancel(userID, TimerEndUpdate)
			o.store.SetEndUpdateActive(userID, false)
			o.store.SetShouldUseIdleTimer(userID, true)
		}

		o.timers.Set(userID, TimerMaxTyping, o.cfg.MaxTyping, func() {
			o.onMaxTyping(userID)
		})
		return
	}

	o.store.SetTyping(userID, false)
	o.timers.CancelTypingTimers(userID)

	if o.store.ShouldUseIdleTimer(userID) {
		o.timers.Set(userID, TimerTypingIdle, o.cfg.TypingIdle, func() {
			o.onIdleAfterTyping(userID)
		})
	}
}

// Stop cancels all timers and the pacer chain, marks the buffer complete,
// and acknowledges with ai_complete.
func (o *Orchestrator) Stop(userID string) {
	o.locks.lock(userID)
	defer o.locks.unlock(userID)
	o.stopLocked(userID)
}

// EndChat stops delivery and tears the session down.
func (o *Orchestrator) EndChat(userID string) {
	o.locks.lock(userID)
	defer o.locks.unlock(userID)
	o.stopLocked(userID)
	o.cleanupLocked(userID)
}

// Disconnect tears the session down after the transport is gone.
func (o *Orchestrator) Disconnect(userID string) {
	o.locks.lock(userID)
	defer o.locks.unlock(userID)
	o.cleanupLocked(userID)
}

// SetChatMode switches the divination persona and optionally injects the
// first message of the new mode.
func (o *Orchestrator) SetChatMode(userID string, mode ChatMode, initialMessage string) {
	o.locks.lock(userID)
	defer o.locks.unlock(userID)

	ch := o.channel(userID)
	if ch == nil {
		return
	}
	if !mode.IsValid() {
		_ = ch.Send(ErrorEvent{Type: eventError, Message: "unknown chat mode: " + string(mode)})
		return
	}

	o.store.SetMode(userID, mode)
	if ch.Connected() {
		_ = ch.Send(ChatModeSetEvent{Type: eventChatModeSet, Mode: string(mode)})
	}
	slog.Info("chat: mode set", "user_id", userID, "mode", mode)

	if initialMessage != "" {
		o.handleUserMessage(userID, initialMessage)
	}
}

// ---------------------------------------------------------------------------
// Sub-flows

// interruptFlow runs the relevance check against the in-flight buffer. The
// check is asynchronous; the pacer keeps emitting until the verdict lands.
func (o *Orchestrator) interruptFlow(userID string) {
	slog.Info("chat: buffer sending, running relevance check", "user_id", userID)

	recent := o.store.HistorySnapshot(userID, o.cfg.HistoryTail)
	sent := o.store.SentBlocks(userID)
	pending := o.store.PendingBlocks(userID)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), relevanceTimeout)
		defer cancel()

		needsUpdate, err := o.llm.RelevanceCheck(ctx, recent, sent, pending)
		if err != nil {
			// Conservative: an unreadable verdict never interrupts.
			slog.Warn("chat: relevance check failed, keeping current buffer",
				"user_id", userID,
				"error", err,
			)
			needsUpdate = false
		}
		o.applyRelevance(userID, needsUpdate)
	}()
}

// applyRelevance applies the relevance-check verdict, re-reading session
// state because the user may have raced another event.
func (o *Orchestrator) applyRelevance(userID string, needsUpdate bool) {
	o.locks.lock(userID)
	defer o.locks.unlock(userID)

	if !o.store.Exists(userID) {
		return
	}
	if !needsUpdate {
		o.store.SetNeedsUpdate(userID, false)
		return
	}

	o.store.SetNeedsUpdate(userID, true)
	interrupts.Inc()

	if o.store.IsCurrentGroupComplete(userID) {
		// Boundary already reached: cut over now.
		o.pacer.Stop(userID)
		o.groupDelayFlow(userID)
		return
	}

	// Let the in-flight group drain; the pacer's group-complete callback
	// picks this up, and its next emission step then exits cleanly.
	o.store.SetWaitingForGroup(userID, true)
	slog.Debug("chat: interrupt waiting for group boundary", "user_id", userID)
}

// groupDelayFlow starts the 2s settle period after a group boundary.
func (o *Orchestrator) groupDelayFlow(userID string) {
	o.timers.Set(userID, TimerGroupDelay, o.cfg.GroupDelay, func() {
		o.onGroupDelay(userID)
	})
}

func (o *Orchestrator) onGroupDelay(userID string) {
	o.locks.lock(userID)
	defer o.locks.unlock(userID)

	if !o.store.Exists(userID) {
		return
	}
	if o.store.IsTyping(userID) {
		// Idle timer takes over when the user stops typing.
		o.store.SetShouldUseIdleTimer(userID, true)
		return
	}
	o.timers.Set(userID, TimerTypingIdle, o.cfg.TypingIdle, func() {
		o.onInterruptIdle(userID)
	})
}

// onInterruptIdle fires at the end of the groupDelay → typingIdle chain.
// Flow-initiated: never counts as a user contribution.
func (o *Orchestrator) onInterruptIdle(userID string) {
	o.locks.lock(userID)
	defer o.locks.unlock(userID)

	if !o.store.Exists(userID) || !o.store.NeedsUpdate(userID) {
		return
	}
	o.store.SetUserMessaged(userID, false)
	o.regenerateNow(userID)
}

func (o *Orchestrator) onMaxTyping(userID string) {
	o.locks.lock(userID)
	defer o.locks.unlock(userID)

	// Tolerate a lost cancellation race: a real message or a typing stop
	// already handled this.
	if !o.store.Exists(userID) || !o.store.IsTyping(userID) {
		return
	}
	o.store.SetUserMessaged(userID, false)
	o.regenerateNow(userID)
}

func (o *Orchestrator) onIdleAfterTyping(userID string) {
	o.locks.lock(userID)
	defer o.locks.unlock(userID)

	if !o.store.Exists(userID) || !o.store.ShouldUseIdleTimer(userID) {
		return
	}
	o.store.SetShouldUseIdleTimer(userID, false)
	o.store.SetUserMessaged(userID, false)
	o.regenerateNow(userID)
}

func (o *Orchestrator) onEndUpdate(userID string) {
	o.locks.lock(userID)
	defer o.locks.unlock(userID)

	if !o.store.Exists(userID) {
		return
	}
	o.store.SetEndUpdateActive(userID, false)
	if !o.store.UserMessaged(userID) {
		return
	}
	o.store.SetUserMessaged(userID, false)
	o.regenerateNow(userID)
}

// ---------------------------------------------------------------------------
// Regeneration

// regenerateNow cancels every timer and the pacer chain, snapshots the
// session, and generates a fresh buffer. The snapshot order is mandatory:
// timers cancelled and pacer stopped before the LLM call, so a response
// arriving after disconnect is safely discarded.
func (o *Orchestrator) regenerateNow(userID string) {
	slog.Info("chat: generating response", "user_id", userID)

	o.timers.CancelAll(userID)
	o.store.SetEndUpdateActive(userID, false)
	o.pacer.Stop(userID)

	ch := o.channel(userID)
	if ch == nil {
		return
	}
	if o.llm == nil {
		if ch.Connected() {
			_ = ch.Send(ErrorEvent{Type: eventError, Message: "AI features are disabled"})
		}
		return
	}

	seq := o.store.BumpRegenSeq(userID)
	history := o.store.HistorySnapshot(userID, 0)
	pending := o.store.PendingBlocks(userID)
	mode := o.store.Mode(userID)
	profileID := o.authUserID(userID)

	go o.generate(userID, seq, mode, history, pending, profileID)
}

func (o *Orchestrator) generate(userID string, seq int64, mode ChatMode, history []HistoryEntry, pending []Block, profileID string) {
	ctx, cancel := context.WithTimeout(context.Background(), generateTimeout)
	defer cancel()

	if err := o.sem.Acquire(ctx, 1); err != nil {
		o.installResult(userID, seq, nil, err)
		return
	}
	defer o.sem.Release(1)

	profileCtx := ""
	if o.profiles != nil && profileID != "" {
		pc, err := o.profiles.Fetch(ctx, profileID)
		if err != nil {
			// Non-fatal: regenerate without profile context.
			slog.Warn("chat: profile fetch failed, continuing without context",
				"user_id", userID,
				"auth_user_id", profileID,
				"error", err,
			)
		} else {
			profileCtx = pc
		}
	}

	blocks, err := o.llm.GenerateBuffer(ctx, mode, history, pending, profileCtx)
	o.installResult(userID, seq, blocks, err)
}

// installResult installs a generated buffer, unless a newer regeneration
// superseded this one or the connection died while the LLM was thinking.
func (o *Orchestrator) installResult(userID string, seq int64, blocks []Block, err error) {
	o.locks.lock(userID)
	defer o.locks.unlock(userID)

	if !o.store.Exists(userID) || o.store.RegenSeq(userID) != seq {
		slog.Debug("chat: dropping superseded generation", "user_id", userID, "seq", seq)
		return
	}
	ch := o.channel(userID)
	if ch == nil || !ch.Connected() {
		slog.Debug("chat: dropping buffer for dead channel", "user_id", userID)
		return
	}

	if err != nil {
		llmFailures.Inc()
		slog.Error("chat: buffer generation failed", "user_id", userID, "error", err)
		_ = ch.Send(ErrorEvent{
			Type:    eventError,
			Message: "Failed to generate response",
			Error:   err.Error(),
		})
		o.store.MarkBufferComplete(userID)
		return
	}

	o.store.InstallBuffer(userID, blocks)
	o.store.SetNeedsUpdate(userID, false)
	o.store.SetWaitingForGroup(userID, false)
	regenerations.Inc()

	o.pacer.Start(userID, ch, o.handleGroupComplete, o.handleBufferComplete)
}

// ---------------------------------------------------------------------------
// Pacer callbacks (run under the connection lock)

func (o *Orchestrator) handleGroupComplete(userID string, group int) {
	slog.Debug("chat: group complete", "user_id", userID, "group", group)

	// When the boundary is also the end of the buffer, the buffer-complete
	// callback owns the follow-up.
	if o.store.NeedsUpdate(userID) && o.store.WaitingForGroup(userID) && !o.store.IsBufferComplete(userID) {
		o.store.SetWaitingForGroup(userID, false)
		o.groupDelayFlow(userID)
	}
}

func (o *Orchestrator) handleBufferComplete(userID string) {
	slog.Debug("chat: buffer complete", "user_id", userID)

	if ch := o.channel(userID); ch != nil && ch.Connected() {
		_ = ch.Send(AICompleteEvent{Type: eventAIComplete})
	}

	if o.store.NeedsUpdate(userID) {
		o.store.SetWaitingForGroup(userID, false)
		o.groupDelayFlow(userID)
		return
	}

	if o.store.UserMessaged(userID) {
		o.store.SetEndUpdateActive(userID, true)
		o.timers.Set(userID, TimerEndUpdate, o.cfg.EndUpdate, func() {
			o.onEndUpdate(userID)
		})
	}
}

// ---------------------------------------------------------------------------
// Internals

func (o *Orchestrator) stopLocked(userID string) {
	o.timers.CancelAll(userID)
	o.store.SetEndUpdateActive(userID, false)
	o.pacer.Stop(userID)
	o.store.MarkBufferComplete(userID)

	if ch := o.channel(userID); ch != nil && ch.Connected() {
		_ = ch.Send(AICompleteEvent{Type: eventAIComplete})
	}
}

func (o *Orchestrator) cleanupLocked(userID string) {
	o.timers.Cleanup(userID)
	o.pacer.Cleanup(userID)

	if o.store.Exists(userID) {
		o.store.Clear(userID)
		activeSessions.Dec()
	}

	o.connsMu.Lock()
	delete(o.conns, userID)
	o.connsMu.Unlock()

	slog.Info("chat: session cleaned up", "user_id", userID)
}

func (o *Orchestrator) channel(userID string) Channel {
	o.connsMu.RLock()
	defer o.connsMu.RUnlock()
	if e, ok := o.conns[userID]; ok {
		return e.channel
	}
	return nil
}

func (o *Orchestrator) authUserID(userID string) string {
	o.connsMu.RLock()
	defer o.connsMu.RUnlock()
	if e, ok := o.conns[userID]; ok {
		return e.authUserID
	}
	return ""
}
