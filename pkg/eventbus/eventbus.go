// Package eventbus provides publish/subscribe plumbing for domain events.
package eventbus

import (
	"context"

	"github.com/leafybank/transactor/pkg/domain/events"
)

// EventBus defines the contract for publishing and subscribing to domain events.
type EventBus interface {
	Publish(ctx context.Context, event events.Event) error
	Subscribe(eventType string, handler func(context.Context, events.Event))
}
