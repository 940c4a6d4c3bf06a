package bus

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/corsfix/proxy/internal/logging"
)

// Invalidator is the cache surface messages act on. *lookup.Cached
// implements it.
type Invalidator interface {
	InvalidateApplication(originDomain string)
	InvalidateAPIKey(apiKey string)
}

// Subscribe wires every invalidation channel to c. onMessage, if set, is
// called with the channel of each message received.
func Subscribe(ctx context.Context, b Bus, c Invalidator, onMessage func(channel string)) error {
	handlers := map[string]Handler{
		ChannelApplication: func(_ context.Context, domain string) {
			c.InvalidateApplication(domain)
		},
		ChannelAPIKey: func(_ context.Context, key string) {
			c.InvalidateAPIKey(key)
		},
		// Secrets are fetched per request and never cached, so there is
		// nothing to evict.
		ChannelSecret: func(context.Context, string) {},
	}

	for _, ch := range Channels {
		ch, h := ch, handlers[ch]
		err := b.Subscribe(ctx, ch, func(ctx context.Context, payload string) {
			logging.Debug("cache invalidation received",
				zap.String("channel", ch),
				zap.String("key", payload),
			)
			h(ctx, payload)
			if onMessage != nil {
				onMessage(ch)
			}
		})
		if err != nil {
			return fmt.Errorf("subscribing %s: %w", ch, err)
		}
	}
	return nil
}
