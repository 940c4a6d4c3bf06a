package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"gocloud.dev/gcerrors"
	"gocloud.dev/pubsub"
	_ "gocloud.dev/pubsub/mempubsub"
	_ "gocloud.dev/pubsub/rabbitpubsub"

	"github.com/corsfix/proxy/internal/logging"
)

// CloudBus uses Go CDK pub/sub. Topics are opened at prefix+channel and
// subscriptions at subPrefix+channel, e.g. mem://application-invalidate.
type CloudBus struct {
	prefix    string
	subPrefix string

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
	subs   []*pubsub.Subscription
	closed bool
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewCloudBus opens a topic for every invalidation channel. subPrefix
// defaults to prefix.
func NewCloudBus(ctx context.Context, prefix, subPrefix string) (*CloudBus, error) {
	if subPrefix == "" {
		subPrefix = prefix
	}
	b := &CloudBus{
		prefix:    prefix,
		subPrefix: subPrefix,
		topics:    make(map[string]*pubsub.Topic, len(Channels)),
		stopCh:    make(chan struct{}),
	}
	for _, ch := range Channels {
		topic, err := pubsub.OpenTopic(ctx, prefix+ch)
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("bus: open topic %s: %w", prefix+ch, err)
		}
		b.topics[ch] = topic
	}
	return b, nil
}

func (b *CloudBus) Publish(ctx context.Context, channel, payload string) error {
	b.mu.Lock()
	topic, ok := b.topics[channel]
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if !ok {
		return fmt.Errorf("bus: unknown channel %q", channel)
	}
	if err := topic.Send(ctx, &pubsub.Message{Body: []byte(payload)}); err != nil {
		return fmt.Errorf("bus: publish %s: %w", channel, err)
	}
	return nil
}

func (b *CloudBus) Subscribe(ctx context.Context, channel string, fn Handler) error {
	sub, err := b.open(ctx, channel)
	if err != nil {
		return err
	}

	b.wg.Add(1)
	go b.receiveLoop(ctx, channel, sub, fn)

	logging.Info("subscribed to invalidation channel",
		zap.String("driver", "pubsub"),
		zap.String("url", b.subPrefix+channel),
	)
	return nil
}

func (b *CloudBus) open(ctx context.Context, channel string) (*pubsub.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	sub, err := pubsub.OpenSubscription(ctx, b.subPrefix+channel)
	if err != nil {
		return nil, fmt.Errorf("bus: open subscription %s: %w", b.subPrefix+channel, err)
	}
	b.subs = append(b.subs, sub)
	return sub, nil
}

// receiveLoop delivers messages, reopening the subscription with backoff
// after a broker failure.
func (b *CloudBus) receiveLoop(ctx context.Context, channel string, sub *pubsub.Subscription, fn Handler) {
	defer b.wg.Done()

	bo := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(200*time.Millisecond),
		backoff.WithMaxInterval(30*time.Second),
		backoff.WithMaxElapsedTime(0),
	)
	for {
		msg, err := sub.Receive(ctx)
		if err == nil {
			bo.Reset()
			fn(ctx, string(msg.Body))
			msg.Ack()
			continue
		}
		if ctx.Err() != nil || b.isClosed() || gcerrors.Code(err) == gcerrors.FailedPrecondition {
			return
		}

		wait := bo.NextBackOff()
		logging.Warn("invalidation subscription failed, reopening",
			zap.String("channel", channel),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return
		case <-b.stopCh:
			return
		}

		next, oerr := b.open(ctx, channel)
		if oerr != nil {
			if errors.Is(oerr, ErrClosed) {
				return
			}
			logging.Warn("reopening subscription failed", zap.String("channel", channel), zap.Error(oerr))
			continue
		}
		sub = next
	}
}

func (b *CloudBus) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Close shuts down subscriptions and topics.
func (b *CloudBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.stopCh)
	subs, topics := b.subs, b.topics
	b.subs, b.topics = nil, nil
	b.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var errs []error
	for _, s := range subs {
		if err := s.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	b.wg.Wait()
	for _, t := range topics {
		if err := t.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
