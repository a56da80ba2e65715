// Package divvy is a foreground, process-based parallel task runner for
// coarse-grained, I/O-heavy work.
//
// A user supplies a Task: a generator of work items and a per-item
// processor. The master spawns a fixed pool of child worker processes and
// hands each produced item to exactly one idle worker over a one-shot
// unix-domain-socket rendezvous: the master accepts one connection per
// item, writes the encoded item and closes; a worker opens a fresh
// connection per item, reads it and runs Perform. A worker is idle iff it
// is blocked in connect, so the kernel's accept queue is the scheduler
// and the master keeps no ready-queue of its own.
//
// Delivery is at-most-once. A crashed worker's item is not re-dispatched;
// the slot is re-spawned on the next dispatch iteration.
package divvy

import "errors"

// Item is one unit of work: a heterogeneous tuple of
// msgpack-serializable values.
type Item []any

var (
	// ErrPoolSize is returned by New when concurrency is less than 1.
	ErrPoolSize = errors.New("divvy: concurrency must be at least 1")

	// ErrTaskNotFound is returned when no task factory is registered
	// under the requested name.
	ErrTaskNotFound = errors.New("divvy: task not found")

	// ErrNoBuilder is returned by New when no command builder is given.
	ErrNoBuilder = errors.New("divvy: a command builder is required")
)
