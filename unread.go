package chatsync

import (
	"context"
	"sync"
	"time"
)

// DefaultUnreadInterval is the polling cadence for the unread total. The
// count is eventually consistent: it may lag a new message by up to one
// interval while the user is elsewhere.
const DefaultUnreadInterval = 30 * time.Second

// UnreadTracker derives the global unread badge from the server's read
// cursors. There is no push for the count itself; the tracker polls on a
// fixed interval and refreshes immediately after a mark-read so the badge
// reflects the action without waiting for the next tick.
type UnreadTracker struct {
	api      *Client
	interval time.Duration
	onChange func(int)

	mu      sync.Mutex
	count   int
	stopCh  chan struct{}
	stopped bool
}

// NewUnreadTracker creates a tracker. onChange, if non-nil, is called with
// the new total every time it changes. interval <= 0 selects the default.
func NewUnreadTracker(api *Client, interval time.Duration, onChange func(int)) *UnreadTracker {
	if interval <= 0 {
		interval = DefaultUnreadInterval
	}
	return &UnreadTracker{
		api:      api,
		interval: interval,
		onChange: onChange,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the polling loop. One initial refresh happens immediately.
func (t *UnreadTracker) Start(ctx context.Context) {
	go t.pollLoop(ctx)
}

// Stop halts polling. Safe to call more than once.
func (t *UnreadTracker) Stop() {
	t.mu.Lock()
	if !t.stopped {
		t.stopped = true
		close(t.stopCh)
	}
	t.mu.Unlock()
}

// Count returns the last observed unread total.
func (t *UnreadTracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count
}

// Refresh polls the unread total once. A failed poll keeps the prior count
// until the next tick.
func (t *UnreadTracker) Refresh(ctx context.Context) (int, error) {
	count, err := t.api.Chats.UnreadCount(ctx)
	if err != nil {
		return t.Count(), err
	}

	t.mu.Lock()
	changed := count != t.count
	t.count = count
	cb := t.onChange
	t.mu.Unlock()

	if changed && cb != nil {
		cb(count)
	}
	return count, nil
}

// MarkRead advances the server-side read cursor for the conversation to now
// and refreshes the total so the badge drops right away. The cursor is
// monotonic and moves only through this explicit action, never by passive
// receipt.
func (t *UnreadTracker) MarkRead(ctx context.Context, chatID string) error {
	if err := t.api.Chats.MarkRead(ctx, chatID); err != nil {
		return err
	}
	_, err := t.Refresh(ctx)
	return err
}

func (t *UnreadTracker) pollLoop(ctx context.Context) {
	t.Refresh(ctx)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stopCh:
			return
		case <-ticker.C:
			t.Refresh(ctx)
		}
	}
}
