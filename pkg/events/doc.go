/*
Package events provides an in-memory event broker for membersync.

The queue and the batch manager publish an Event whenever a work item or a
task changes state. The API server subscribes and streams those events to
clients over Server-Sent Events at /v1/events.

	queue ──┐
	        ├──► Broker (buffer 100) ──► Subscriber (buffer 50) ──► SSE client
	batch ──┘                       └──► Subscriber (buffer 50) ──► ...

Event types:

	work.enqueued    work.completed   work.retrying
	work.failed      work.cancelled   work.reset
	work.recovered   task.created     task.completed
	task.failed      task.cancelled

A subscriber may pass a filter of full types or subjects; Subscribe("task")
receives only task.* events. ?type= on /v1/events is parsed with ParseFilter.

Delivery is best effort. Publish never blocks the caller: a full broker buffer
or a slow subscriber drops events. Nothing in the engine depends on an event
being delivered; the store stays the source of truth.

Components that only emit take a Publisher. Nop satisfies it when no broker is
wired, which keeps tests free of goroutines.
*/
package events
