// Package daemon supervises one rclone `serve http` sidecar per remote
// and pools keep-alive HTTP clients to them.
//
// Each daemon gets a deterministic port:
//
//	port = port_start + worker_index*port_slots + counter
//
// which keeps port ranges disjoint across forked workers serving the same
// remote set. A background probe polls the daemon URL every 500ms until it
// answers with a status below 500; if the startup timeout expires the
// process is left running and readers simply take the fallback path until
// a later probe succeeds. Crashed daemons are restarted a bounded number
// of times when auto-restart is enabled.
//
// Shutdown sends SIGTERM, waits a short grace period, then kills. It is
// idempotent and safe to call from signal handlers and exit hooks.
package daemon
