package chat

import (
	"log/slog"
	"sync"
	"time"
)

// DefaultMinBlockDelay is the minimum effective delay before each block
// emission, regardless of how small the block's typing time is.
const DefaultMinBlockDelay = time.Second

// GroupCompleteFunc is invoked when the pacer crosses a group boundary,
// including the transition out of the final group. The per-connection lock
// is already held; implementations must not re-acquire it.
type GroupCompleteFunc func(userID string, group int)

// BufferCompleteFunc is invoked when the buffer is drained. Same locking
// contract as GroupCompleteFunc.
type BufferCompleteFunc func(userID string)

// Pacer serializes blocks from a session's buffer to the delivery channel,
// honoring per-block typing times. At most one emission chain is scheduled
// per connection at any time; starting a new chain implicitly cancels the
// prior one.
type Pacer struct {
	store    *Store
	locks    *keyedMutex
	minDelay time.Duration

	mu      sync.Mutex
	chains  map[string]*pacerChain
	nextGen int64
}

// pacerChain is one emission loop. gen distinguishes it from superseded
// chains whose timers may still fire.
type pacerChain struct {
	gen              int64
	channel          Channel
	onGroupComplete  GroupCompleteFunc
	onBufferComplete BufferCompleteFunc
	timer            *time.Timer
	sending          bool
}

func newPacer(store *Store, locks *keyedMutex, minDelay time.Duration) *Pacer {
	if minDelay <= 0 {
		minDelay = DefaultMinBlockDelay
	}
	return &Pacer{
		store:    store,
		locks:    locks,
		minDelay: minDelay,
		chains:   make(map[string]*pacerChain),
	}
}

// Start begins a new emission chain for the connection, cancelling any
// prior chain and clearing the pause flag. The first block is emitted after
// its own typing delay. Caller must hold the connection lock.
func (p *Pacer) Start(userID string, channel Channel, onGroupComplete GroupCompleteFunc, onBufferComplete BufferCompleteFunc) {
	if channel == nil || !channel.Connected() {
		slog.Debug("pacer: start skipped, channel not live", "user_id", userID)
		return
	}

	p.mu.Lock()
	if prev, ok := p.chains[userID]; ok && prev.timer != nil {
		prev.timer.Stop()
	}
	p.nextGen++
	chain := &pacerChain{
		gen:              p.nextGen,
		channel:          channel,
		onGroupComplete:  onGroupComplete,
		onBufferComplete: onBufferComplete,
	}
	p.chains[userID] = chain
	p.mu.Unlock()

	p.store.SetPaused(userID, false)
	p.schedule(userID, chain, p.firstDelay(userID))
}

// Stop cancels the scheduled next-block firing. No callbacks fire.
func (p *Pacer) Stop(userID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if chain, ok := p.chains[userID]; ok {
		if chain.timer != nil {
			chain.timer.Stop()
		}
		delete(p.chains, userID)
	}
}

// Pause cancels the next-block firing and marks the buffer paused. The
// chain is retained so Resume can restart it.
func (p *Pacer) Pause(userID string) {
	p.mu.Lock()
	if chain, ok := p.chains[userID]; ok {
		if chain.timer != nil {
			chain.timer.Stop()
			chain.timer = nil
		}
		chain.sending = false
	}
	p.mu.Unlock()

	p.store.SetPaused(userID, true)
}

// Resume clears the pause flag and, if the buffer was paused, restarts the
// emission loop.
func (p *Pacer) Resume(userID string) {
	wasPaused := p.store.IsPaused(userID)
	p.store.SetPaused(userID, false)
	if !wasPaused {
		return
	}

	p.mu.Lock()
	chain, ok := p.chains[userID]
	sending := ok && chain.sending
	p.mu.Unlock()

	if ok && !sending {
		p.schedule(userID, chain, p.firstDelay(userID))
	}
}

// IsSending reports whether a next-block firing is pending for the
// connection.
func (p *Pacer) IsSending(userID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	chain, ok := p.chains[userID]
	return ok && chain.sending
}

// Cleanup stops the chain and releases the channel reference.
func (p *Pacer) Cleanup(userID string) {
	p.Stop(userID)
}

// schedule arms the next emission step, unless the chain has been
// superseded in the meantime.
func (p *Pacer) schedule(userID string, chain *pacerChain, d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.chains[userID] != chain {
		return
	}
	gen := chain.gen
	chain.sending = true
	chain.timer = time.AfterFunc(d, func() {
		p.step(userID, gen)
	})
}

// step is the between-block decision procedure. It runs under the
// connection lock so it never interleaves with orchestrator event handling
// for the same connection.
func (p *Pacer) step(userID string, gen int64) {
	p.locks.lock(userID)
	defer p.locks.unlock(userID)

	p.mu.Lock()
	chain, ok := p.chains[userID]
	if !ok || chain.gen != gen {
		p.mu.Unlock()
		return
	}
	chain.sending = false
	chain.timer = nil
	p.mu.Unlock()

	// Dead transport: stop silently. Cleanup arrives via the disconnect
	// event.
	if !chain.channel.Connected() {
		slog.Debug("pacer: channel dead, releasing chain", "user_id", userID)
		p.release(userID, chain)
		return
	}

	if p.store.IsPaused(userID) {
		return
	}

	// The orchestrator requested a clean interrupt and the protected group
	// has drained: release the loop without firing callbacks. The
	// orchestrator owns what happens next.
	if p.store.NeedsUpdate(userID) && !p.store.WaitingForGroup(userID) {
		slog.Debug("pacer: interrupt cutover, releasing chain", "user_id", userID)
		p.release(userID, chain)
		return
	}

	blk, ok := p.store.NextBlock(userID)
	if !ok {
		p.release(userID, chain)
		chain.onBufferComplete(userID)
		return
	}

	if err := chain.channel.Send(AIBlockEvent{
		Type:      eventAIBlock,
		Text:      blk.Text,
		Group:     blk.Group,
		Timestamp: time.Now().UnixMilli(),
	}); err != nil {
		slog.Warn("pacer: block emission failed, releasing chain",
			"user_id", userID,
			"error", err,
		)
		p.release(userID, chain)
		return
	}
	p.store.AppendModelMessage(userID, blk.Text)
	blocksEmitted.Inc()

	previousGroup := blk.Group
	p.store.Advance(userID)
	newGroup, inRange := p.store.CurrentGroup(userID)

	if !inRange || newGroup != previousGroup {
		chain.onGroupComplete(userID, previousGroup)
	}

	p.schedule(userID, chain, p.delayFor(blk))
}

// release removes the chain if it is still current.
func (p *Pacer) release(userID string, chain *pacerChain) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.chains[userID] == chain {
		delete(p.chains, userID)
	}
}

// delayFor returns the effective pacing delay for a block.
func (p *Pacer) delayFor(blk Block) time.Duration {
	d := time.Duration(blk.TypingTime * float64(time.Second))
	if d < p.minDelay {
		d = p.minDelay
	}
	return d
}

// firstDelay returns the delay before the next pending block, or the
// minimum delay when the buffer is exhausted (the step then runs the
// completion path).
func (p *Pacer) firstDelay(userID string) time.Duration {
	if blk, ok := p.store.NextBlock(userID); ok {
		return p.delayFor(blk)
	}
	return p.minDelay
}
