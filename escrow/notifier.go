package escrow

import (
	"context"
	"log/slog"

	"github.com/sasha-s/go-deadlock"
)

// MemoryNotifier records notifications, once per token.
type MemoryNotifier struct {
	mu     deadlock.Mutex
	seen   map[string]struct{}
	sent   []Notification
	logger *slog.Logger
}

// NewMemoryNotifier creates a notifier. A nil logger uses slog.Default().
func NewMemoryNotifier(logger *slog.Logger) *MemoryNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryNotifier{
		seen:   make(map[string]struct{}),
		logger: logger,
	}
}

// Notify records n unless a notification with the same token was already sent.
func (n *MemoryNotifier) Notify(_ context.Context, token string, msg Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, dup := n.seen[token]; dup {
		return nil
	}
	n.seen[token] = struct{}{}
	n.sent = append(n.sent, msg)
	n.logger.Info("user notified",
		"user_id", msg.UserID,
		"transaction_id", msg.TransactionID,
		"type", msg.TransactionType,
		"amount", msg.Amount,
		"asset", msg.Asset)
	return nil
}

// Sent returns the notifications recorded so far.
func (n *MemoryNotifier) Sent() []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]Notification, len(n.sent))
	copy(out, n.sent)
	return out
}

var _ Notifier = (*MemoryNotifier)(nil)
