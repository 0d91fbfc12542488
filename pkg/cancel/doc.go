/*
Package cancel is the cross-process cancellation signal bus.

A signal is a TTL'd Redis key per job. Workers poll IsCancelled from their
heartbeat tick and at well-defined cooperative points (between files,
between upload parts); the API side writes the signal when a user cancels.
The TTL is long enough to survive a worker restart so the signal is never
lost between processes.
*/
package cancel
