/*
Package worker executes download, upload, and sync tasks.

Every handler follows one protocol: load the entity and bail if terminal,
acquire its lease (losers exit silently), transition into the running
status, then run the core under two guard goroutines. The heartbeat loop
refreshes the lease and writes lastHeartbeat; the cancel watcher polls
the cancellation bus. Either guard cancels the in-flight transfer, and
the handler attributes the interruption afterwards: lease lost means stop
with no transition, a user cancel means CANCELLED plus signal clear, and
process shutdown means checkpoint and let recovery continue. Failures
map to a RETRY status and are re-raised so the queue runtime sees them
too; only broken credentials or configuration go terminal directly.
*/
package worker
