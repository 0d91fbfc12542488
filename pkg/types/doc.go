/*
Package types defines the core data structures used throughout Seedvault.

This package contains all fundamental types that represent the pipeline's
domain model: user jobs and their status machine, parsed torrent descriptors,
storage profiles, resumable upload progress, append-only status history, and
tracker scrape results. These types are used by all other packages for state
management, queue payloads, and worker logic.

# Core Types

Job Execution:
  - UserJob: One execution of the pipeline for one user
  - JobStatus / SyncStatus: Lifecycle states with terminal/retry predicates
  - StatusHistory: Append-only audit row for every transition
  - TransitionSource: Worker, user, system, or recovery

Content:
  - RequestedFile: Parsed torrent descriptor (info-hash, file list, announce)
  - TorrentFile: Single file inside a torrent

Destinations:
  - StorageProfile: A user's cloud destination with encrypted credentials
  - UploadProgress: Resumable multipart upload state for one file
  - PartETag: One acknowledged multipart piece

Swarm Health:
  - ScrapeResult / ScrapeAggregate: BEP-15 scrape outcomes

All types are serializable with encoding/json and carry no behavior beyond
small pure helpers, so they can cross package and process boundaries freely.
*/
package types
