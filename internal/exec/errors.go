package exec

import "errors"

// Error taxonomy from spec.md §4.B "Failure taxonomy" / §7.
var (
	// ErrTimeout means wall clock exceeded; never cacheable.
	ErrTimeout = errors.New("process execution timed out")
	// ErrMissingOutputs means declared outputs were absent; fatal to
	// the calling rule.
	ErrMissingOutputs = errors.New("declared outputs were not produced")
	// ErrTransport means a network or process-launch failure. This
	// package does not retry it; it is returned to the caller as is.
	// Only internal/remoteexec's unary gRPC calls are retried, by its
	// client interceptor; Execute streams and local launches are not.
	ErrTransport = errors.New("transport failure")
	// ErrCancelled means the session was cancelled mid-execution.
	ErrCancelled = errors.New("process execution cancelled")
)
