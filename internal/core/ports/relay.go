package ports

import (
	"context"

	"lanvoice/internal/core/domain"
)

// RelayBus fans relay traffic out to the other relay instances that share
// a room store. Envelopes published by an instance are not delivered back
// to it.
type RelayBus interface {
	Publish(ctx context.Context, env domain.RelayEnvelope) error
	// Subscribe blocks, calling handler for every remote envelope, until
	// ctx is done or the bus is closed.
	Subscribe(ctx context.Context, handler func(domain.RelayEnvelope)) error
	Close() error
}
