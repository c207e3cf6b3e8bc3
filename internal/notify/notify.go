// Package notify is the best-effort wake channel between producers and the
// sync daemon. A publish failure is logged and swallowed: the periodic
// flush ticker guarantees eventual processing whether or not the wake ever
// arrives.
package notify

import (
	"context"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

const wakeChannel = "gardensync:wake"

type Notifier struct {
	client *redis.Client
	logger *slog.Logger
}

func New(client *redis.Client, logger *slog.Logger) *Notifier {
	return &Notifier{client: client, logger: logger}
}

// Wake signals that a user has new queued work. Best-effort: errors are
// swallowed after logging, and a nil client is a no-op.
func (n *Notifier) Wake(ctx context.Context, userAddress string) {
	if n.client == nil {
		return
	}
	if err := n.client.Publish(ctx, wakeChannel, userAddress).Err(); err != nil && n.logger != nil {
		n.logger.Warn("wake publish failed", "user", userAddress, "err", err)
	}
}

// Listen subscribes to the wake channel and delivers user addresses until
// the context is cancelled. The returned channel closes on shutdown.
func (n *Notifier) Listen(ctx context.Context) <-chan string {
	out := make(chan string)
	if n.client == nil {
		close(out)
		return out
	}

	sub := n.client.Subscribe(ctx, wakeChannel)
	go func() {
		defer close(out)
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- msg.Payload:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}
