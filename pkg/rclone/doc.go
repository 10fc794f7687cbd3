// Package rclone wraps the rclone binary for a single configured remote.
//
// Every operation shells out to one rclone subcommand (lsjson, cat, copyto,
// copy, rcat, mkdir, purge, deletefile, about, listremotes) with an explicit
// --timeout flag and a process deadline slightly beyond it. Before each
// invocation the child environment is scrubbed of all RCLONE_-prefixed
// variables so host-level configuration can never override the flags the
// gateway passes; a stray RCLONE_TIMEOUT=abc on the host would otherwise
// break every call.
//
// Public path inputs are validated against traversal and malformed input
// before any subprocess runs. Errors carrying a quota signature in stderr
// (quota, rate limit, too many requests, 403, forbidden) are classified as
// ErrQuotaExceeded so callers can exempt the remote from selection.
package rclone
