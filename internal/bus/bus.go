// Package bus carries cache invalidation messages between proxy instances.
package bus

import (
	"context"
	"errors"
)

// Invalidation channels. Payloads are an origin domain, an API key and an
// application id respectively.
const (
	ChannelApplication = "application-invalidate"
	ChannelAPIKey      = "apikey-invalidate"
	ChannelSecret      = "secret-invalidate"
)

// Channels lists every invalidation channel.
var Channels = []string{ChannelApplication, ChannelAPIKey, ChannelSecret}

// ErrClosed is returned by operations on a closed bus.
var ErrClosed = errors.New("bus: closed")

// Handler receives one message payload.
type Handler func(ctx context.Context, payload string)

// Bus is a best-effort publish/subscribe transport.
type Bus interface {
	Publish(ctx context.Context, channel, payload string) error
	// Subscribe delivers messages on channel to fn until ctx ends or the
	// bus is closed. It returns once the subscription is established.
	Subscribe(ctx context.Context, channel string, fn Handler) error
	Close() error
}

// Nop discards everything. Used when no bus is configured.
type Nop struct{}

func (Nop) Publish(context.Context, string, string) error     { return nil }
func (Nop) Subscribe(context.Context, string, Handler) error { return nil }
func (Nop) Close() error                                     { return nil }
