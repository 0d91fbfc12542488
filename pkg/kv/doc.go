/*
Package kv wraps the Redis connection shared by the lease service, the
cancellation bus, the queue runtime, and the progress event streams.

The wrapper keeps the command surface deliberately small (SetNX with TTL,
Get/GetDel/Del, XAdd) and maps transport failures onto the REDIS_ERROR code.
Components that need richer commands reach the underlying go-redis client
through Redis().
*/
package kv
