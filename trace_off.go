//go:build !dqn.trace

package dqnalloc

// TracingEnabled reports whether allocators report to their Tracer. Build
// with -tags dqn.trace to turn it on.
const TracingEnabled = false
