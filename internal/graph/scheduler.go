package graph

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/pantsbuild/corengine/internal/address"
	"github.com/pantsbuild/corengine/internal/metrics"
	"github.com/pantsbuild/corengine/internal/rules"
)

type stackKey struct{}

func pushStack(ctx context.Context, id ID) context.Context {
	stack, _ := ctx.Value(stackKey{}).([]ID)
	next := make([]ID, len(stack)+1)
	copy(next, stack)
	next[len(stack)] = id
	return context.WithValue(ctx, stackKey{}, next)
}

func stackOf(ctx context.Context) []ID {
	stack, _ := ctx.Value(stackKey{}).([]ID)
	return stack
}

// Graph is the demand-driven scheduler of spec.md §4.D: a directed
// graph of memoized nodes, executed against a worker pool with
// generation-based early cutoff.
type Graph struct {
	reg   *rules.Registry
	table *rules.Table

	rootByProduct map[reflect.Type]rules.NodeKey

	mu    sync.Mutex
	nodes map[ID]*node

	sem    *semaphore.Weighted
	tracer trace.Tracer
}

// New builds a scheduler over an already-resolved rule graph
// (internal/rules.Resolve), bounding concurrent rule execution to
// parallelism workers (spec.md §4.D "Concurrency").
func New(reg *rules.Registry, table *rules.Table, parallelism int64) *Graph {
	if parallelism <= 0 {
		parallelism = 1
	}
	rootByProduct := make(map[reflect.Type]rules.NodeKey)
	for _, key := range table.Roots() {
		if rule, ok := table.RuleFor(key); ok {
			rootByProduct[rule.Product] = key
		}
	}
	return &Graph{
		reg:           reg,
		table:         table,
		rootByProduct: rootByProduct,
		nodes:         make(map[ID]*node),
		sem:           semaphore.NewWeighted(parallelism),
		tracer:        otel.Tracer("corengine/graph"),
	}
}

// Demand requests a value for a root product under a concrete
// parameter tuple, creating or reusing its node (spec.md §4.D
// "Demand").
func (g *Graph) Demand(ctx context.Context, product reflect.Type, params address.ParamTuple) (any, error) {
	rootKey, ok := g.rootByProduct[product]
	if !ok {
		return nil, &NoSuchRootError{Product: product}
	}
	rule, _ := g.table.RuleFor(rootKey)
	nodeParams := projectParams(rule.Params, params)
	id := idFor(rule.Name, nodeParams)
	return g.demandByID(ctx, id, rule, nodeParams)
}

// projectParams selects, from available, only the parameter values
// whose types a rule declares, so node identity depends only on the
// parameters the rule actually reads.
func projectParams(declared []reflect.Type, available address.ParamTuple) address.ParamTuple {
	var ps []address.Param
	for _, t := range declared {
		if p, ok := available.Get(t); ok {
			ps = append(ps, p)
		}
	}
	tuple, _ := address.NewParamTuple(ps...) // declared types are unique by construction
	return tuple
}

func (g *Graph) getOrCreate(id ID, rule *rules.Rule, params address.ParamTuple) *node {
	g.mu.Lock()
	defer g.mu.Unlock()
	if n, ok := g.nodes[id]; ok {
		return n
	}
	n := newNode(id, rule, params)
	g.nodes[id] = n
	return n
}

// demandByID ensures the node for id has executed and returns its
// current value, suspending the caller's worker slot while waiting on
// a dependency (spec.md §4.D "Demands are cooperative: they suspend
// at get, releasing their worker").
func (g *Graph) demandByID(ctx context.Context, id ID, rule *rules.Rule, params address.ParamTuple) (any, error) {
	for _, ancestor := range stackOf(ctx) {
		if ancestor == id {
			return nil, &CycleError{Ring: append(append([]ID(nil), stackOf(ctx)...), id)}
		}
	}

	n := g.getOrCreate(id, rule, params)

	n.mu.Lock()
	switch n.state {
	case Completed, Failed:
		snap := n.snapshotLocked()
		n.mu.Unlock()
		return snap.value, snap.err
	case Dirty:
		n.mu.Unlock()
		if err := g.revalidate(ctx, n); err != nil {
			return nil, err
		}
		n.mu.Lock()
		snap := n.snapshotLocked()
		n.mu.Unlock()
		return snap.value, snap.err
	case Running:
		done := n.done
		n.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		n.mu.Lock()
		snap := n.snapshotLocked()
		n.mu.Unlock()
		return snap.value, snap.err
	default: // NotStarted
		n.state = Running
		n.done = make(chan struct{})
		n.mu.Unlock()
	}

	return g.run(ctx, n, id)
}

// run executes n's rule body to completion, recording outbound edges
// for every get it issues, then transitions the node to its final
// state (spec.md §4.D "Running semantics").
func (g *Graph) run(ctx context.Context, n *node, id ID) (any, error) {
	metrics.SchedulerQueueDepth.Inc()
	err := g.sem.Acquire(ctx, 1)
	metrics.SchedulerQueueDepth.Dec()
	if err != nil {
		g.fail(n, err)
		return nil, err
	}

	runCtx := pushStack(ctx, id)
	runCtx, span := g.tracer.Start(runCtx, "node:"+n.rule.Name, trace.WithAttributes(
		attribute.String("node.id", id.String()),
		attribute.String("node.rule", n.rule.Name),
	))
	defer span.End()

	var edgesMu sync.Mutex
	var edges []outEdge

	getFn := func(gctx context.Context, product reflect.Type, additional address.ParamTuple) (any, error) {
		binding, ok := findBinding(g.table, n.rule, product)
		if !ok {
			return nil, fmt.Errorf("rule %q issued an undeclared get for %s", n.rule.Name, product)
		}
		target, _ := g.table.RuleFor(binding.Target)
		depParams := projectParams(target.Params, n.params.Union(additional))
		depID := idFor(target.Name, depParams)

		// Cooperative suspension: release this node's worker slot while
		// awaiting the dependency, reacquire before resuming.
		g.sem.Release(1)
		value, err := g.demandByID(gctx, depID, target, depParams)
		metrics.SchedulerQueueDepth.Inc()
		acqErr := g.sem.Acquire(gctx, 1)
		metrics.SchedulerQueueDepth.Dec()
		if acqErr != nil {
			return nil, acqErr
		}
		if err != nil {
			return nil, err
		}

		dep := g.getOrCreate(depID, target, depParams)
		dep.mu.Lock()
		gen := dep.generation
		dep.dependents[id] = struct{}{}
		dep.mu.Unlock()

		edgesMu.Lock()
		edges = append(edges, outEdge{dep: depID, gen: gen})
		edgesMu.Unlock()
		return value, nil
	}

	getManyFn := func(gctx context.Context, specs []rules.GetManySpec) ([]any, error) {
		type resolved struct {
			target    *rules.Rule
			depID     ID
			depParams address.ParamTuple
		}
		targets := make([]resolved, len(specs))
		for i, spec := range specs {
			binding, ok := findBinding(g.table, n.rule, spec.Product)
			if !ok {
				return nil, fmt.Errorf("rule %q issued an undeclared get for %s", n.rule.Name, spec.Product)
			}
			target, _ := g.table.RuleFor(binding.Target)
			depParams := projectParams(target.Params, n.params.Union(spec.Additional))
			targets[i] = resolved{target: target, depID: idFor(target.Name, depParams), depParams: depParams}
		}

		// Cooperative suspension: release this node's worker slot once
		// for the whole batch while every dependency in it runs
		// concurrently, reacquire before resuming the rule body.
		g.sem.Release(1)
		results := make([]any, len(targets))
		group, gctx2 := errgroup.WithContext(gctx)
		for i, t := range targets {
			i, t := i, t
			group.Go(func() error {
				v, err := g.demandByID(gctx2, t.depID, t.target, t.depParams)
				if err != nil {
					return err
				}
				results[i] = v
				return nil
			})
		}
		groupErr := group.Wait()
		metrics.SchedulerQueueDepth.Inc()
		acqErr := g.sem.Acquire(gctx, 1)
		metrics.SchedulerQueueDepth.Dec()
		if acqErr != nil {
			return nil, acqErr
		}
		if groupErr != nil {
			return nil, groupErr
		}

		edgesMu.Lock()
		for _, t := range targets {
			dep := g.getOrCreate(t.depID, t.target, t.depParams)
			dep.mu.Lock()
			gen := dep.generation
			dep.dependents[id] = struct{}{}
			dep.mu.Unlock()
			edges = append(edges, outEdge{dep: t.depID, gen: gen})
		}
		edgesMu.Unlock()
		return results, nil
	}

	rc := rules.NewRuleContext(n.params, getFn, getManyFn)
	value, err := n.rule.Run(runCtx, rc)
	g.sem.Release(1)

	n.mu.Lock()
	defer n.mu.Unlock()
	n.outEdges = edges
	if err != nil {
		span.RecordError(err)
		n.err = err
		n.state = Failed
		close(n.done)
		return nil, err
	}
	if !n.everCompleted || !valuesEqual(n.value, value) {
		n.generation++
	}
	n.everCompleted = true
	n.value = value
	n.err = nil
	n.state = Completed
	close(n.done)
	return value, nil
}

func (g *Graph) fail(n *node, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.err = err
	n.state = Failed
	if n.done != nil {
		close(n.done)
	}
}

// revalidate implements spec.md §4.D's clean/dirty protocol: demand
// every recorded dependency and compare generations; if all are
// unchanged the node is marked clean without rerunning, otherwise it
// reruns (and may or may not bump its own generation, per cutoff).
func (g *Graph) revalidate(ctx context.Context, n *node) error {
	n.mu.Lock()
	edges := append([]outEdge(nil), n.outEdges...)
	n.mu.Unlock()

	// A node with no recorded dependencies is either a true leaf (a
	// filesystem observation fed directly by the watcher) or has never
	// successfully run; neither can be validated by comparing edges, so
	// it always reruns.
	allMatch := len(edges) > 0
	for _, e := range edges {
		dep := g.peek(e.dep)
		if dep == nil {
			allMatch = false
			break
		}
		if _, err := g.demandByID(ctx, e.dep, dep.rule, dep.params); err != nil {
			return err
		}
		dep.mu.Lock()
		cur := dep.generation
		dep.mu.Unlock()
		if cur != e.gen {
			allMatch = false
			break
		}
	}

	n.mu.Lock()
	if allMatch {
		n.state = Completed
		n.mu.Unlock()
		return nil
	}
	n.state = NotStarted
	n.done = nil
	n.mu.Unlock()

	_, err := g.demandByID(ctx, n.id, n.rule, n.params)
	return err
}

func (g *Graph) peek(id ID) *node {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.nodes[id]
}

// Invalidate demotes a node to Dirty with a bumped generation,
// matching spec.md §4.E: the watcher calls this for filesystem
// observation nodes whose content actually changed on re-read. Pure
// touch events that don't change content should not call Invalidate —
// early cutoff on the unchanged generation would otherwise be
// bypassed.
func (g *Graph) Invalidate(id ID) {
	n := g.peek(id)
	if n == nil {
		return
	}
	n.mu.Lock()
	if n.state == Completed || n.state == Failed {
		n.state = Dirty
		n.generation++
	}
	n.mu.Unlock()
	g.cascadeDirty(n)
}

// cascadeDirty demotes every transitive dependent of n to Dirty
// without touching its generation: whether a dependent's own
// generation changes is decided only when it actually reruns and its
// new value is compared to its last completed one (spec.md §4.D
// "early cutoff"). This is what lets Invalidate mark a wide swath of
// the graph Dirty cheaply while leaving the expensive decision
// (rerun vs skip) to demand time.
func (g *Graph) cascadeDirty(n *node) {
	n.mu.Lock()
	deps := make([]ID, 0, len(n.dependents))
	for d := range n.dependents {
		deps = append(deps, d)
	}
	n.mu.Unlock()

	for _, depID := range deps {
		dn := g.peek(depID)
		if dn == nil {
			continue
		}
		dn.mu.Lock()
		wasDirty := dn.state == Dirty
		if dn.state == Completed || dn.state == Failed {
			dn.state = Dirty
		}
		dn.mu.Unlock()
		if !wasDirty {
			g.cascadeDirty(dn)
		}
	}
}

// findBinding locates the declared Binding on rule's resolved node
// (identified by its declared Params, i.e. the scope it was resolved
// under) matching product, among the table's precomputed bindings.
func findBinding(table *rules.Table, rule *rules.Rule, product reflect.Type) (rules.Binding, bool) {
	for _, k := range candidateKeysFor(table, rule.Name) {
		for _, b := range table.BindingsFor(k) {
			if b.Get.Product == product {
				return b, true
			}
		}
	}
	return rules.Binding{}, false
}

// candidateKeysFor returns every resolved NodeKey in table belonging
// to ruleName. A rule may be resolved under more than one in-scope
// type set if it is reachable from multiple call sites; checking all
// of them is safe because their declared Gets are identical (Gets are
// a static property of the Rule, not of the scope it runs in).
func candidateKeysFor(table *rules.Table, ruleName string) []rules.NodeKey {
	var out []rules.NodeKey
	for _, root := range table.Roots() {
		collectKeys(table, root, ruleName, map[rules.NodeKey]bool{}, &out)
	}
	return out
}

func collectKeys(table *rules.Table, key rules.NodeKey, ruleName string, seen map[rules.NodeKey]bool, out *[]rules.NodeKey) {
	if seen[key] {
		return
	}
	seen[key] = true
	if key.RuleName == ruleName {
		*out = append(*out, key)
	}
	for _, b := range table.BindingsFor(key) {
		collectKeys(table, b.Target, ruleName, seen, out)
	}
}
