/*
Package errdefs defines the coded errors surfaced by the pipeline core.

Every cross-component operation that can fail in a way a caller must branch
on returns an *Error carrying a Code from a closed set. Codes are stable
strings (INVALID_STATE, PROFILE_NOT_FOUND, SESSION_EXPIRED, ...) and are the
only error vocabulary exposed outside the core; everything else is wrapped
with fmt.Errorf("%w") as usual.

Use New/Wrap to construct and CodeOf/HasCode (or errors.Is against a coded
value) to branch.
*/
package errdefs
