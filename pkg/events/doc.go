/*
Package events provides an in-memory event broker for perpetual task
notifications.

The manager owns two brokers. The CRUD stream carries lifecycle events
(task.created, task.deleted, task.reset, task.rebalance_required); the
state stream carries assignment changes (task.assigned, task.unassigned,
task.paused). Consumers such as the assignment scheduler and the metrics
collector subscribe to whichever stream they need.

	┌──────────────────── EVENT BROKER ──────────────────────┐
	│                                                          │
	│  Publish ─► eventCh (buffer 100) ─► broadcast loop       │
	│                                        │                 │
	│              ┌─────────────────────────┼──────────┐      │
	│              ▼                         ▼          ▼      │
	│        Subscriber chan          Subscriber   SubscribeFunc│
	│        (buffer 50)              (buffer 50)  goroutine    │
	│                                              (buffer 1024)│
	└──────────────────────────────────────────────────────────┘

# Ordering and delivery

A single broadcast loop delivers events, so each subscriber sees events in
the order they were published. There is no ordering between subscribers.
Delivery is non-blocking: a subscriber whose buffer is full misses the
event and the broker's OnDrop hook is called. Publishers are never held up
by slow consumers.

# Usage

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	unsubscribe := broker.SubscribeFunc(func(e *events.Event) {
		logger.Info().Str("task_id", e.TaskID).Msg(string(e.Type))
	})
	defer unsubscribe()

	broker.Publish(&events.Event{
		Type:      events.EventTaskCreated,
		AccountID: "acc1",
		TaskID:    id,
	})
*/
package events
