// Package router holds the ordered storage groups and answers every
// "which remote / which daemon" question in the system.
//
// Each group keeps its remote clients, their health trackers, two
// round-robin cursors (one over remotes, one over daemon URLs), a cached
// list of live daemon URLs refreshed at most every 30 seconds, and a
// cumulative uploaded-bytes counter checked against the group's quota
// ceiling. Router locks guard only in-memory cursor and counter updates;
// no I/O happens under a lock.
package router
