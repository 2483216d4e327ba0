//go:build dqn.trace

package dqnalloc

// TracingEnabled reports whether allocators report to their Tracer.
const TracingEnabled = true
