/*
Package events provides an in-memory event broker for notifying interested
listeners of repository state changes: bundle creation, account mutation,
petition resolution, nullification cycles.

Publish hands the event to the broker's buffered queue and blocks only while
that queue is full; the broadcast loop never waits on a subscriber, and a
subscriber whose buffer is full misses the event. Code running inside a DB
serializer job should not call Broker.Publish directly — it should queue
through a PendingPublisher and Flush it only after the job's transaction
commits, so a rollback never results in a delivered event.

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	pending := events.NewPendingPublisher(broker)
	pending.Queue(&events.Event{Type: events.EventBundleCreated, ServiceID: svcID})
	// ... commit the transaction ...
	pending.Flush()
*/
package events
