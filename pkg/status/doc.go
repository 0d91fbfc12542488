/*
Package status is the gatekeeper of every job and sync status transition.

The state machine lives here as data: a map from current status to the set
of allowed next statuses. TransitionJob and TransitionSync validate against
it, apply the retry/backoff policy (min(cap, base*2^(k-1)), retry ceiling
forcing the terminal failure), stamp completedAt on terminal states
(including CANCELLED), and persist the row update together with the
append-only history row in one store transaction.

No other package writes a status field. Workers, the dispatcher, and the
recovery monitor all call through this service, which is what makes the
history strictly ordered and the audit chain gap-free.
*/
package status
