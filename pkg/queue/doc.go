/*
Package queue is the persistent, named-queue, at-least-once job runtime.

Tasks live in Redis: a hash per task (payload, state, retry count), a
pending list and an active list per queue, and a sorted set of scheduled
tasks keyed by their due time. The Client side exposes Enqueue, Schedule,
Delete, and Inspect; handles are opaque task IDs whose state the recovery
monitor inspects when deciding whether an orphaned job needs re-enqueueing.

The Server side registers one handler per queue with per-queue concurrency
and retry configuration. Delivery is at-least-once: a worker crash while a
task is processing leaves the task hash in "processing" with a stale DB
heartbeat, which is exactly the signal the recovery monitor keys on.
Download and upload queues register with MaxRetries 0 so the monitor is the
only owner of their retry counter.
*/
package queue
