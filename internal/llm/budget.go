package llm

import "sync"

// Budget enforces the per-tick call allowances for chat and embedding.
// The slow tick calls ResetTick at its start; calls reserve a unit when
// they begin and refund it when they never reached the network.
type Budget struct {
	mu sync.Mutex

	chatAllowance  int
	embedAllowance int
	chatUsed       int
	embedUsed      int
}

// NewBudget returns a budget granting the given allowances per tick.
func NewBudget(chatPerTick, embedPerTick int) *Budget {
	return &Budget{
		chatAllowance:  chatPerTick,
		embedAllowance: embedPerTick,
	}
}

// ResetTick restores both allowances. Called once at the top of every
// slow tick, before any step runs.
func (b *Budget) ResetTick() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.chatUsed = 0
	b.embedUsed = 0
}

// ReserveChat consumes one chat unit, reporting false when none remain.
func (b *Budget) ReserveChat() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.chatUsed >= b.chatAllowance {
		return false
	}
	b.chatUsed++
	return true
}

// ReserveEmbed consumes one embed unit, reporting false when none remain.
func (b *Budget) ReserveEmbed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.embedUsed >= b.embedAllowance {
		return false
	}
	b.embedUsed++
	return true
}

// RefundChat returns one chat unit after a call that made no network
// attempt.
func (b *Budget) RefundChat() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.chatUsed > 0 {
		b.chatUsed--
	}
}

// RefundEmbed returns one embed unit after a call that made no network
// attempt.
func (b *Budget) RefundEmbed() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.embedUsed > 0 {
		b.embedUsed--
	}
}

// Remaining returns the unspent chat and embed units for this tick.
func (b *Budget) Remaining() (chat, embed int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.chatAllowance - b.chatUsed, b.embedAllowance - b.embedUsed
}
