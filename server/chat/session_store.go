package chat

import (
	"sync"
	"time"
)

// Session is the per-connection mutable state: conversation history, the
// current block buffer with its delivery cursor, typing state, and the
// update-check and end-update flags.
//
// A session is exclusively owned by the orchestrator for its connection id;
// the pacer borrows access through the Store for buffer fields and
// append-only history.
type Session struct {
	mu sync.Mutex

	history []HistoryEntry
	buffer  sessionBuffer
	typing  TypingState
	update  UpdateCheckState
	endUpd  EndUpdateState
	mode    ChatMode

	// regenSeq invalidates in-flight LLM results when a newer regeneration
	// supersedes an older one.
	regenSeq int64
}

// sessionBuffer holds the blocks of one AI response plus the delivery
// cursor. Invariant: 0 <= cursor <= len(blocks); complete is true when the
// cursor is past the end or the buffer was forcibly terminated.
type sessionBuffer struct {
	blocks   []Block
	cursor   int
	complete bool
	paused   bool
}

// Store maps connection ids to sessions. Sessions are created lazily on
// first access and removed explicitly on disconnect/end-chat. All
// operations are atomic at single-session granularity; no cross-session
// guarantees are made.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewStore creates an empty session store.
func NewStore() *Store {
	return &Store{sessions: make(map[string]*Session)}
}

// GetOrCreate returns the session for the connection id, creating it with
// defaults on first access.
func (s *Store) GetOrCreate(userID string) *Session {
	s.mu.RLock()
	sess, ok := s.sessions[userID]
	s.mu.RUnlock()
	if ok {
		return sess
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok = s.sessions[userID]; ok {
		return sess
	}
	sess = &Session{
		mode:   ModeTarot,
		buffer: sessionBuffer{complete: true},
	}
	s.sessions[userID] = sess
	return sess
}

// Exists reports whether a session is present without creating one.
func (s *Store) Exists(userID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.sessions[userID]
	return ok
}

// Clear removes the session for the connection id.
func (s *Store) Clear(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, userID)
}

// Count returns the number of live sessions.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// ---------------------------------------------------------------------------
// History

// AppendUserMessage appends a user turn to the session history.
func (s *Store) AppendUserMessage(userID, content string) {
	sess := s.GetOrCreate(userID)
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.history = append(sess.history, HistoryEntry{
		Role:      RoleUser,
		Content:   content,
		Timestamp: time.Now().UnixMilli(),
	})
}

// AppendModelMessage appends a model turn to the session history.
func (s *Store) AppendModelMessage(userID, content string) {
	sess := s.GetOrCreate(userID)
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.history = append(sess.history, HistoryEntry{
		Role:      RoleModel,
		Content:   content,
		Timestamp: time.Now().UnixMilli(),
	})
}

// HistorySnapshot returns a copy of the conversation history. When tail > 0
// only the last tail entries are returned.
func (s *Store) HistorySnapshot(userID string, tail int) []HistoryEntry {
	sess := s.GetOrCreate(userID)
	sess.mu.Lock()
	defer sess.mu.Unlock()
	h := sess.history
	if tail > 0 && len(h) > tail {
		h = h[len(h)-tail:]
	}
	out := make([]HistoryEntry, len(h))
	copy(out, h)
	return out
}

// ---------------------------------------------------------------------------
// Buffer

// InstallBuffer replaces the session buffer with a fresh block sequence and
// resets the cursor and pacing flags.
func (s *Store) InstallBuffer(userID string, blocks []Block) {
	sess := s.GetOrCreate(userID)
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.buffer = sessionBuffer{
		blocks:   blocks,
		complete: len(blocks) == 0,
	}
}

// NextBlock returns the block at the cursor without advancing.
func (s *Store) NextBlock(userID string) (Block, bool) {
	sess := s.GetOrCreate(userID)
	sess.mu.Lock()
	defer sess.mu.Unlock()
	b := &sess.buffer
	if b.complete || b.cursor >= len(b.blocks) {
		return Block{}, false
	}
	return b.blocks[b.cursor], true
}

// Advance moves the cursor past the current block, marking the buffer
// complete when the cursor exhausts it.
func (s *Store) Advance(userID string) {
	sess := s.GetOrCreate(userID)
	sess.mu.Lock()
	defer sess.mu.Unlock()
	b := &sess.buffer
	if b.cursor < len(b.blocks) {
		b.cursor++
	}
	if b.cursor >= len(b.blocks) {
		b.complete = true
	}
}

// CurrentGroup returns the group of the block at the cursor. The second
// return is false when the cursor is exhausted.
func (s *Store) CurrentGroup(userID string) (int, bool) {
	sess := s.GetOrCreate(userID)
	sess.mu.Lock()
	defer sess.mu.Unlock()
	b := &sess.buffer
	if b.cursor >= len(b.blocks) {
		return 0, false
	}
	return b.blocks[b.cursor].Group, true
}

// IsCurrentGroupComplete reports whether the group being delivered has
// fully drained: no block at or after the cursor shares the group of the
// last emitted block. True when the buffer was force-completed (stop), when
// the cursor is exhausted, and when nothing has been emitted yet (no
// thought is mid-flight, so an interrupt may cut over immediately).
func (s *Store) IsCurrentGroupComplete(userID string) bool {
	sess := s.GetOrCreate(userID)
	sess.mu.Lock()
	defer sess.mu.Unlock()
	b := &sess.buffer
	if b.complete || b.cursor >= len(b.blocks) || b.cursor == 0 {
		return true
	}
	group := b.blocks[b.cursor-1].Group
	for i := b.cursor; i < len(b.blocks); i++ {
		if b.blocks[i].Group == group {
			return false
		}
	}
	return true
}

// PendingBlocks returns a copy of the not-yet-sent blocks.
func (s *Store) PendingBlocks(userID string) []Block {
	sess := s.GetOrCreate(userID)
	sess.mu.Lock()
	defer sess.mu.Unlock()
	b := &sess.buffer
	if b.cursor >= len(b.blocks) {
		return nil
	}
	out := make([]Block, len(b.blocks)-b.cursor)
	copy(out, b.blocks[b.cursor:])
	return out
}

// SentBlocks returns a copy of the already-emitted blocks.
func (s *Store) SentBlocks(userID string) []Block {
	sess := s.GetOrCreate(userID)
	sess.mu.Lock()
	defer sess.mu.Unlock()
	b := &sess.buffer
	out := make([]Block, b.cursor)
	copy(out, b.blocks[:b.cursor])
	return out
}

// MarkBufferComplete forcibly terminates the buffer.
func (s *Store) MarkBufferComplete(userID string) {
	sess := s.GetOrCreate(userID)
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.buffer.complete = true
}

// IsBufferComplete reports whether the buffer is drained or terminated.
func (s *Store) IsBufferComplete(userID string) bool {
	sess := s.GetOrCreate(userID)
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.buffer.complete
}

// SetPaused sets the buffer pause flag.
func (s *Store) SetPaused(userID string, paused bool) {
	sess := s.GetOrCreate(userID)
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.buffer.paused = paused
}

// IsPaused reports the buffer pause flag.
func (s *Store) IsPaused(userID string) bool {
	sess := s.GetOrCreate(userID)
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.buffer.paused
}

// ---------------------------------------------------------------------------
// Typing state

// SetTyping records the client-reported typing indicator.
func (s *Store) SetTyping(userID string, isTyping bool) {
	sess := s.GetOrCreate(userID)
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.typing.IsTyping = isTyping
	if isTyping {
		sess.typing.LastTypingTime = time.Now().UnixMilli()
	}
}

// IsTyping reports the client-reported typing indicator.
func (s *Store) IsTyping(userID string) bool {
	sess := s.GetOrCreate(userID)
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.typing.IsTyping
}

// SetShouldUseIdleTimer arms or disarms the idle-timer gate.
func (s *Store) SetShouldUseIdleTimer(userID string, v bool) {
	sess := s.GetOrCreate(userID)
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.typing.ShouldUseIdleTimer = v
}

// ShouldUseIdleTimer reports the idle-timer gate.
func (s *Store) ShouldUseIdleTimer(userID string) bool {
	sess := s.GetOrCreate(userID)
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.typing.ShouldUseIdleTimer
}

// ---------------------------------------------------------------------------
// Update-check state

// SetNeedsUpdate records the outcome of a relevance check.
func (s *Store) SetNeedsUpdate(userID string, v bool) {
	sess := s.GetOrCreate(userID)
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.update.NeedsUpdate = v
	sess.update.LastCheckTime = time.Now().UnixMilli()
}

// NeedsUpdate reports whether a relevance-triggered regeneration is pending.
func (s *Store) NeedsUpdate(userID string) bool {
	sess := s.GetOrCreate(userID)
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.update.NeedsUpdate
}

// SetWaitingForGroup records whether the pacer must drain the current group
// before the regeneration cutover.
func (s *Store) SetWaitingForGroup(userID string, v bool) {
	sess := s.GetOrCreate(userID)
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.update.WaitingForGroup = v
}

// WaitingForGroup reports the group-drain flag.
func (s *Store) WaitingForGroup(userID string) bool {
	sess := s.GetOrCreate(userID)
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.update.WaitingForGroup
}

// ---------------------------------------------------------------------------
// End-update state

// SetEndUpdateActive records whether the post-response follow-up timer is
// armed.
func (s *Store) SetEndUpdateActive(userID string, v bool) {
	sess := s.GetOrCreate(userID)
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.endUpd.TimerActive = v
	if v {
		sess.endUpd.TimerStartTime = time.Now().UnixMilli()
	}
}

// EndUpdateActive reports whether the follow-up timer is armed.
func (s *Store) EndUpdateActive(userID string) bool {
	sess := s.GetOrCreate(userID)
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.endUpd.TimerActive
}

// SetUserMessaged records whether the user contributed a real message since
// the last end-update cycle.
func (s *Store) SetUserMessaged(userID string, v bool) {
	sess := s.GetOrCreate(userID)
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.endUpd.UserMessagedSinceLastEndUpdate = v
}

// UserMessaged reports the end-update gate.
func (s *Store) UserMessaged(userID string) bool {
	sess := s.GetOrCreate(userID)
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.endUpd.UserMessagedSinceLastEndUpdate
}

// ---------------------------------------------------------------------------
// Mode and regeneration sequencing

// SetMode switches the divination persona for the session.
func (s *Store) SetMode(userID string, mode ChatMode) {
	sess := s.GetOrCreate(userID)
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.mode = mode
}

// Mode returns the session persona.
func (s *Store) Mode(userID string) ChatMode {
	sess := s.GetOrCreate(userID)
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.mode
}

// BumpRegenSeq invalidates any in-flight regeneration and returns the new
// sequence number.
func (s *Store) BumpRegenSeq(userID string) int64 {
	sess := s.GetOrCreate(userID)
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.regenSeq++
	return sess.regenSeq
}

// RegenSeq returns the current regeneration sequence number.
func (s *Store) RegenSeq(userID string) int64 {
	sess := s.GetOrCreate(userID)
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.regenSeq
}
