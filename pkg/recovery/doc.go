/*
Package recovery re-enqueues jobs orphaned by a dead worker.

A sweep runs at startup and on every check interval. Candidates are rows
in a running status whose heartbeat passed the stale threshold, plus
retry rows whose nextRetryAt is due. Before touching a row the monitor
asks the queue runtime about the stored task handle: a task that is
still waiting is left alone, and anything else is reconciled by deleting
the old handle, recording the retry transition, and scheduling a fresh
task. The status service enforces the retry ceiling, so a row out of
retries lands in its terminal failure instead of going back on a queue.
*/
package recovery
