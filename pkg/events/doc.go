/*
Package events publishes live progress over Redis streams.

One global jobs stream carries status changes and download progress; each
provider gets its own upload stream. Streams are capped and consumed via
consumer groups. Events are advisory: every durable fact lives in the
entity store, so a lost event is invisible beyond a delayed UI update.
*/
package events
