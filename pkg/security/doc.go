/*
Package security covers credential encryption and OAuth state handling.

Storage-profile credentials (OAuth tokens, S3 keys) are sealed at rest
with AES-256-GCM, nonce prepended to the ciphertext. OAuth state nonces
are single-use KV entries with a short TTL, redeemed atomically with
GetDel so a replayed callback cannot succeed twice.
*/
package security
