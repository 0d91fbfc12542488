/*
Package torrent defines the download-engine contract and descriptor
validation.

The BitTorrent engine itself is an external collaborator; the worker
only needs Download with cooperative cancellation and a progress
callback. Descriptor validation front-loads the checks that would
otherwise fail deep inside a job: a missing or malformed v1 info-hash,
an empty file list.
*/
package torrent
