/*
Package config loads and validates the Seedvault worker configuration.

Configuration is a single YAML file layered over compiled-in defaults.
Every tunable of the pipeline lives here: lease and heartbeat timing,
recovery thresholds, retry/backoff policy, multipart part sizes, tracker
scrape behavior, queue names, and store/Redis connection settings.
Validation uses go-playground/validator struct tags so a bad file fails
at startup, not mid-job.
*/
package config
