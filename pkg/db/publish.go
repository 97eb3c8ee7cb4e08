package db

import (
	"context"

	"github.com/nedfreetoplay/hydrus/pkg/events"
)

type publisherKey struct{}

func withPublisher(ctx context.Context, p *events.PendingPublisher) context.Context {
	return context.WithValue(ctx, publisherKey{}, p)
}

// QueueOrPublish routes an event raised during database work. Inside a
// serializer job the event is buffered and only delivered once the
// enclosing transaction commits, so subscribers never observe uncommitted
// state; outside a job it publishes immediately.
func QueueOrPublish(ctx context.Context, broker *events.Broker, ev *events.Event) {
	if p, ok := ctx.Value(publisherKey{}).(*events.PendingPublisher); ok && p != nil {
		p.Queue(ev)
		return
	}
	if broker != nil {
		broker.Publish(ev)
	}
}
