package syncx

import (
	"sync"
	"time"
)

// WalletClock allocates strictly increasing server_modified timestamps
// per wallet. Wall time is truncated to microseconds (the canonical
// wire precision) and clamped upward to last+1µs so concurrent accepts
// on the same wallet never collide and cursors stay gap-free.
type WalletClock struct {
	mu   sync.Mutex
	last map[string]time.Time
	now  func() time.Time
}

// NewWalletClock returns a clock backed by wall time.
func NewWalletClock() *WalletClock {
	return &WalletClock{last: make(map[string]time.Time), now: time.Now}
}

// NewWalletClockAt returns a clock with an injected time source.
func NewWalletClockAt(now func() time.Time) *WalletClock {
	return &WalletClock{last: make(map[string]time.Time), now: now}
}

// Next returns the next timestamp for the wallet, strictly after every
// timestamp previously handed out for it.
func (c *WalletClock) Next(walletID string) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := c.now().UTC().Truncate(time.Microsecond)
	if last, ok := c.last[walletID]; ok && !n.After(last) {
		n = last.Add(time.Microsecond)
	}
	c.last[walletID] = n
	return n
}

// Observe records an externally assigned timestamp (rows loaded from
// storage at startup) so future allocations stay ahead of it.
func (c *WalletClock) Observe(walletID string, t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	t = t.UTC().Truncate(time.Microsecond)
	if last, ok := c.last[walletID]; !ok || t.After(last) {
		c.last[walletID] = t
	}
}
