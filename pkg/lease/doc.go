/*
Package lease implements the single-writer permission that makes job
execution at-most-one across the worker fleet.

A lease is a Redis key with the owning worker ID as value and the lease
duration as TTL. Acquisition is SET NX (atomic against concurrent
acquirers); refresh and release are owner-checked Lua scripts so a worker
that lost its lease can never extend or clear someone else's. Workers
refresh from their heartbeat loop at roughly half the lease duration; a
worker that dies simply lets the TTL lapse and the recovery monitor picks
the job up.
*/
package lease
