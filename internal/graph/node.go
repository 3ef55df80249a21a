// Package graph implements the demand-driven node graph and scheduler
// from spec.md §4.D: memoized execution of rule bodies with
// generation-based early cutoff, a clean/dirty revalidation protocol,
// cycle detection, and cooperative cancellation.
package graph

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/google/go-cmp/cmp"

	"github.com/pantsbuild/corengine/internal/address"
	"github.com/pantsbuild/corengine/internal/rules"
)

// State is a node's position in the execution state machine of
// spec.md §4.D: "NotStarted → Running → {Completed, Failed}; either
// final state may be demoted to Dirty by invalidation".
type State int

const (
	NotStarted State = iota
	Running
	Completed
	Failed
	Dirty
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "not_started"
	case Running:
		return "running"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	case Dirty:
		return "dirty"
	default:
		return "unknown"
	}
}

// ID is a node's identity: the rule that produces it plus the
// concrete parameter tuple it runs under (spec.md §3 "Node: a memo
// slot keyed by (node_kind, identity)").
type ID struct {
	RuleName string
	ParamKey string
}

func (id ID) String() string { return id.RuleName + "@" + id.ParamKey }

func idFor(ruleName string, params address.ParamTuple) ID {
	return ID{RuleName: ruleName, ParamKey: params.Key()}
}

// outEdge is a recorded dependency: the node it points to and the
// dependency's generation as observed when the edge was taken
// (spec.md §4.D "list of outbound edges (dependencies with the
// generation observed at the time of that edge)").
type outEdge struct {
	dep ID
	gen uint64
}

// node is one memo slot of the graph.
type node struct {
	id     ID
	rule   *rules.Rule
	params address.ParamTuple

	mu            sync.Mutex
	state         State
	value         any
	err           error
	everCompleted bool
	generation    uint64
	outEdges      []outEdge
	dependents    map[ID]struct{}

	// done is closed when the node leaves Running, signalling any
	// goroutine blocked awaiting this node's value.
	done chan struct{}
}

func newNode(id ID, rule *rules.Rule, params address.ParamTuple) *node {
	return &node{
		id:         id,
		rule:       rule,
		params:     params,
		state:      NotStarted,
		dependents: make(map[ID]struct{}),
	}
}

// snapshot is an immutable, lock-free view of a node's completed
// state, returned to callers once it is safe to read.
type snapshot struct {
	state      State
	value      any
	err        error
	generation uint64
}

func (n *node) snapshotLocked() snapshot {
	return snapshot{state: n.state, value: n.value, err: n.err, generation: n.generation}
}

// valuesEqual reports structural equality on the typed product, used
// to decide whether a completion bumps the node's generation (spec.md
// §4.D "early cutoff"). cmp.Equal gives more useful panics than
// reflect.DeepEqual on types that need an Equal method, but it panics
// outright on unexported struct fields rather than comparing them;
// since a rule's product type is caller-defined and may legitimately
// carry unexported fields, fall back to reflect.DeepEqual for those.
func valuesEqual(a, b any) (eq bool) {
	defer func() {
		if recover() != nil {
			eq = reflect.DeepEqual(a, b)
		}
	}()
	return cmp.Equal(a, b)
}

// CycleError reports a runtime value-level dependency cycle detected
// on edge insertion (spec.md §4.D "Cycles. Detected on edge
// insertion").
type CycleError struct {
	Ring []ID
}

func (e *CycleError) Error() string {
	s := "node graph cycle: "
	for i, id := range e.Ring {
		if i > 0 {
			s += " -> "
		}
		s += id.String()
	}
	return s
}

// NoSuchRootError is returned when Demand names a product with no
// registered root rule.
type NoSuchRootError struct{ Product reflect.Type }

func (e *NoSuchRootError) Error() string {
	return fmt.Sprintf("no root rule registered for product %s", e.Product)
}
