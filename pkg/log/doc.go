/*
Package log provides structured logging for Seedvault built on zerolog.

A single global logger is initialized once at process start via Init and
consumed through package-level helpers or per-component child loggers
(WithComponent, WithJobID, WithWorkerID, WithProvider). Console output is
the default; JSON output is used when running as a fleet worker.
*/
package log
