/*
Package events provides the in-memory per-task event bus for Studio.

The events package fans agent-turn and substrate-operation events out to
HTTP consumers. Every task owns one bounded stream; publishing never
blocks, slow or late consumers see exactly what they missed as a single
lag marker, and re-attaching after a disconnect replays the buffered
tail before following live.

# Architecture

	┌──────────────────── EVENT BROKER ───────────────────────┐
	│                                                          │
	│   Publish(event) ──▶ per-task stream                     │
	│                      ┌─────────────────────────┐         │
	│                      │ ring buffer (256)       │         │
	│                      │ drop-oldest on overflow │         │
	│                      │ dropped count           │         │
	│                      └───────────┬─────────────┘         │
	│                                  │ non-blocking fan-out  │
	│              ┌───────────────────┼──────────────────┐    │
	│              ▼                   ▼                  ▼    │
	│        subscriber ch       subscriber ch      subscriber │
	│        (buffer 264)        (lag marker on     (replay    │
	│                             overflow)          on attach)│
	└──────────────────────────────────────────────────────────┘

# Delivery Semantics

  - Publish assigns each event a per-task monotone Seq starting at 1.
  - The ring holds the newest 256 events; older ones are dropped and
    counted.
  - Subscribing replays the ring. If the ring has rotated, the replay is
    preceded by one lag event whose Data["dropped"] is the count of
    events no longer available.
  - A subscriber that stops draining loses events rather than stalling
    the publisher; the next event that fits is preceded by one lag
    event carrying how many were lost.
  - Lag markers are synthetic: they carry Seq 0 and are never buffered
    in the ring.

# Stream Lifecycle

CloseTask marks a stream terminal after its final complete or error
event. Live subscribers drain their buffers and then see their channel
close. Late subscribers still get the full replay, then an immediately
closed channel, which is what lets the SSE re-attach endpoint serve
finished tasks. Sweep drops closed streams after a retention window;
the reconciler calls it periodically.

# Usage

Publishing from a turn:

	broker.Publish(&types.Event{
		Type:    types.EventRawToken,
		TaskID:  task.ID,
		Message: delta,
	})

Consuming from an SSE handler:

	sub := broker.Subscribe(taskID)
	defer broker.Unsubscribe(sub)
	for event := range sub.C {
		writeFrame(w, event)
	}

# Thread Safety

All broker methods are safe for concurrent use. Fan-out happens under
the broker lock; delivery is non-blocking sends into buffered channels,
so a stuck consumer cannot hold the lock.

# Integration Points

  - pkg/tasks: publishes lifecycle and agent events, closes streams
  - pkg/agent: streams raw tokens, iterations, approvals, completion
  - pkg/api: SSE handlers subscribe, replay, and follow
  - pkg/reconciler: sweeps retired streams
  - pkg/metrics: counts drops and live subscribers
*/
package events
