package progress

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Olorin-ai-git/Bayit-Plus-sub034/internal/storage"
)

// Listener is the LISTEN/NOTIFY surface of the Postgres store.
type Listener interface {
	Listen(ctx context.Context, channel string) error
	WaitForNotification(ctx context.Context) (channel, payload string, err error)
}

// Notifier wakes long-poll waiters when an investigation gets a new event.
// Local appends publish directly; with a Listener, appends made by other
// instances arrive through Postgres notifications.
type Notifier struct {
	logger *slog.Logger

	mu          sync.Mutex
	subscribers map[string]map[chan struct{}]struct{}
}

// NewNotifier creates an empty Notifier.
func NewNotifier(logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		logger:      logger.With("component", "event_notifier"),
		subscribers: make(map[string]map[chan struct{}]struct{}),
	}
}

// Subscribe returns a channel signalled on the next event for investigationID.
// The caller must call Unsubscribe when done.
func (n *Notifier) Subscribe(investigationID string) chan struct{} {
	ch := make(chan struct{}, 1)
	n.mu.Lock()
	subs, ok := n.subscribers[investigationID]
	if !ok {
		subs = make(map[chan struct{}]struct{})
		n.subscribers[investigationID] = subs
	}
	subs[ch] = struct{}{}
	n.mu.Unlock()
	return ch
}

// Unsubscribe removes ch.
func (n *Notifier) Unsubscribe(investigationID string, ch chan struct{}) {
	n.mu.Lock()
	defer n.mu.Unlock()
	subs := n.subscribers[investigationID]
	delete(subs, ch)
	if len(subs) == 0 {
		delete(n.subscribers, investigationID)
	}
}

// Publish signals every waiter on investigationID. A waiter that already has
// a pending signal is skipped.
func (n *Notifier) Publish(investigationID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for ch := range n.subscribers[investigationID] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Waiters is the number of subscribed channels across all investigations.
func (n *Notifier) Waiters() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	total := 0
	for _, subs := range n.subscribers {
		total += len(subs)
	}
	return total
}

// Run relays event notifications from l until ctx is done. It blocks, so call
// it in a goroutine.
func (n *Notifier) Run(ctx context.Context, l Listener) {
	if err := l.Listen(ctx, storage.ChannelEvents); err != nil {
		n.logger.Error("notifier: listen", "error", err)
		return
	}
	n.logger.Info("notifier: listening for events", "channel", storage.ChannelEvents)

	for {
		channel, payload, err := l.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			n.logger.Warn("notifier: notification error, retrying", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if channel == storage.ChannelEvents && payload != "" {
			n.Publish(payload)
		}
	}
}
