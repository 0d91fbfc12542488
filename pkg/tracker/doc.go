/*
Package tracker implements the BEP-15 UDP tracker scrape and its
aggregation across a tracker set.

A scrape is two round trips per tracker: a connect request yielding a
connection id, then a scrape request carrying the 20-byte v1 info-hash,
answered with (seeders, completed, leechers). Trackers are queried in
parallel with a short per-attempt timeout and a bounded retry count; the
aggregate takes the max of each count across responders. Torrents without
a v1 hash are rejected up front (INVALID_TORRENT) since the wire format
has no room for v2 hashes, and an empty or fully dead tracker list falls
back to a configured set of public UDP trackers.
*/
package tracker
