// Package supervisor implements the process supervisor core: it spawns,
// adopts, monitors, signals, and terminates child OS processes on behalf
// of a controlling host, speaking the framed protocol from package proto.
//
// All mutable supervisor state is owned by a single event-loop goroutine.
// Stdio pumps, child waiters, the command reader, and the OS signal
// handler communicate with the loop over channels, which preserves the
// per-child ordering guarantee that every stdout/stderr chunk reaches the
// host before the child's exit notification.
package supervisor
