package exec

import "context"

// Strategy is the polymorphic capability set from spec.md §4.B:
// prepare sandbox, run argv, collect outputs, report. Each recognized
// variant (local, nailgun, container, remote) implements it.
type Strategy interface {
	// Name identifies the strategy for logging and metrics.
	Name() string

	// Run executes desc with its input tree already materialized at
	// sandboxDir (for strategies that use a local sandbox; remote
	// strategies ignore sandboxDir and talk to the execution service
	// directly), and returns the result or a *StrategyError wrapping
	// one of the spec.md §4.B failure kinds.
	Run(ctx context.Context, sandboxDir string, desc *ProcessDescription) (*ProcessResult, error)

	// UsesLocalSandbox reports whether the executor must materialize
	// desc's input tree into a local directory before calling Run.
	UsesLocalSandbox() bool
}

// StrategyError annotates a failure with the spec.md §4.B/§7 kind it
// belongs to, so the caller can decide retry/cacheability policy.
type StrategyError struct {
	Kind error // one of ErrTimeout, ErrMissingOutputs, ErrTransport, ErrCancelled
	Err  error
}

func (e *StrategyError) Error() string { return e.Kind.Error() + ": " + e.Err.Error() }
func (e *StrategyError) Unwrap() []error { return []error{e.Kind, e.Err} }
