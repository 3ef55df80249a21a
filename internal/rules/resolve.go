package rules

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/pantsbuild/corengine/internal/metrics"
)

// Demand is a root demand: a requested product type resolved within a
// caller-supplied set of available parameter types (spec.md §4.C
// "a static set of root demands").
type Demand struct {
	Product reflect.Type
	Params  []reflect.Type
}

// NodeKey identifies one resolved (rule, in-scope parameter types)
// node of the rule graph (spec.md §4.C "whose nodes are (rule,
// parameter_types)").
type NodeKey struct {
	RuleName string
	scope    string // sorted, joined type names; the node identity proper
}

func (k NodeKey) String() string { return k.RuleName + "[" + k.scope + "]" }

// Binding is one resolved dependency edge: the get a rule issued,
// bound to the concrete rule and in-scope parameter set that will
// satisfy it.
type Binding struct {
	Get    GetSpec
	Target NodeKey
}

// Table is the immutable output of resolution (spec.md §4.C
// "Output"): a map from resolved node to its chosen dependency
// bindings, consulted by internal/graph without further search.
type Table struct {
	nodes    map[NodeKey]*Rule
	bindings map[NodeKey][]Binding
	roots    map[NodeKey]bool
}

// RuleFor returns the rule bound to a resolved node.
func (t *Table) RuleFor(key NodeKey) (*Rule, bool) {
	r, ok := t.nodes[key]
	return r, ok
}

// BindingsFor returns the dependency bindings recorded for a resolved
// node, in the order gets were declared on its rule.
func (t *Table) BindingsFor(key NodeKey) []Binding {
	return t.bindings[key]
}

// Roots returns the resolved nodes produced directly from root demands.
func (t *Table) Roots() []NodeKey {
	out := make([]NodeKey, 0, len(t.roots))
	for k := range t.roots {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// NoRuleError reports zero candidates for a requested product
// (spec.md §4.C step 3).
type NoRuleError struct {
	Product      reflect.Type
	InScope      []reflect.Type
	AllRequired  []reflect.Type // union of types required by any candidate rule for Product, regardless of match
}

func (e *NoRuleError) Error() string {
	return fmt.Sprintf("no rule produces %s given in-scope params [%s] (candidates would additionally need one of [%s])",
		e.Product, joinTypes(e.InScope), joinTypes(e.AllRequired))
}

// AmbiguousError reports more than one equally-specific candidate
// (spec.md §4.C step 4).
type AmbiguousError struct {
	Product    reflect.Type
	Candidates []string // rule names tied for most specific
}

func (e *AmbiguousError) Error() string {
	return fmt.Sprintf("ambiguous rule for %s: tied candidates [%s]", e.Product, strings.Join(e.Candidates, ", "))
}

// CycleError reports a structural cycle detected among rule *types*
// during resolution: rule A's gets transitively require a node that
// is already on the current resolution path. This is a registration
// bug caught at startup, distinct from the node graph's runtime value
// cycle detection (spec.md §4.D), since it is type-level and static.
type CycleError struct {
	Ring []NodeKey
}

func (e *CycleError) Error() string {
	parts := make([]string, len(e.Ring))
	for i, k := range e.Ring {
		parts[i] = k.String()
	}
	return "rule graph cycle: " + strings.Join(parts, " -> ")
}

func joinTypes(ts []reflect.Type) string {
	parts := make([]string, len(ts))
	for i, t := range ts {
		parts[i] = t.String()
	}
	sort.Strings(parts)
	return strings.Join(parts, ", ")
}

func scopeKey(types []reflect.Type) string {
	names := make([]string, len(types))
	for i, t := range types {
		names[i] = t.String()
	}
	sort.Strings(names)
	return strings.Join(names, ",")
}

func typeSet(types ...[]reflect.Type) map[reflect.Type]struct{} {
	s := make(map[reflect.Type]struct{})
	for _, group := range types {
		for _, t := range group {
			s[t] = struct{}{}
		}
	}
	return s
}

func setToSorted(s map[reflect.Type]struct{}) []reflect.Type {
	out := make([]reflect.Type, 0, len(s))
	for t := range s {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// Resolve builds the immutable binding table for roots against reg,
// implementing the algorithm of spec.md §4.C in full: available-type
// computation, typed candidate search, most-specific selection, and
// NoRule/Ambiguous/Cycle failure.
func Resolve(reg *Registry, roots []Demand) (*Table, error) {
	start := time.Now()
	defer func() { metrics.RuleResolutionSeconds.Observe(time.Since(start).Seconds()) }()

	t := &Table{
		nodes:    make(map[NodeKey]*Rule),
		bindings: make(map[NodeKey][]Binding),
		roots:    make(map[NodeKey]bool),
	}
	for _, root := range roots {
		available := typeSet(root.Params)
		rule, err := selectRule(reg, root.Product, available)
		if err != nil {
			return nil, err
		}
		inScope := setToSorted(typeSet(rule.Params, root.Params))
		key := NodeKey{RuleName: rule.Name, scope: scopeKey(inScope)}
		t.roots[key] = true
		if err := resolveNode(reg, t, key, rule, inScope, nil); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// resolveNode resolves rule's gets against its in-scope parameter
// types, recording bindings into t and recursing into each bound
// target. path carries the current resolution stack for cycle
// detection.
func resolveNode(reg *Registry, t *Table, key NodeKey, rule *Rule, inScope []reflect.Type, path []NodeKey) error {
	for _, p := range path {
		if p == key {
			ring := append(append([]NodeKey(nil), path...), key)
			return &CycleError{Ring: ring}
		}
	}
	if _, already := t.nodes[key]; already {
		return nil // already resolved via another path; gets are deterministic given (rule, scope)
	}
	t.nodes[key] = rule
	path = append(path, key)

	for _, get := range rule.Gets {
		available := typeSet(inScope, get.AdditionalParams)
		target, err := selectRule(reg, get.Product, available)
		if err != nil {
			return err
		}
		targetScope := setToSorted(typeSet(target.Params, inScope, get.AdditionalParams))
		targetKey := NodeKey{RuleName: target.Name, scope: scopeKey(targetScope)}
		t.bindings[key] = append(t.bindings[key], Binding{Get: get, Target: targetKey})
		if err := resolveNode(reg, t, targetKey, target, targetScope, path); err != nil {
			return err
		}
	}
	return nil
}

// selectRule implements spec.md §4.C steps 2-4: typed candidate
// search over reg for product, filtered to those whose declared
// parameters are a subset of available, then most-specific selection.
func selectRule(reg *Registry, product reflect.Type, available map[reflect.Type]struct{}) (*Rule, error) {
	all := reg.candidatesFor(product)
	var matching []*Rule
	for _, r := range all {
		if r.isSubsetOf(available) {
			matching = append(matching, r)
		}
	}
	if len(matching) == 0 {
		required := make(map[reflect.Type]struct{})
		for _, r := range all {
			for _, p := range r.Params {
				required[p] = struct{}{}
			}
		}
		return nil, &NoRuleError{
			Product:     product,
			InScope:     setToSorted(available),
			AllRequired: setToSorted(required),
		}
	}
	if len(matching) == 1 {
		return matching[0], nil
	}
	var mostSpecific []*Rule
	for _, candidate := range matching {
		isMostSpecific := true
		for _, other := range matching {
			if other == candidate {
				continue
			}
			if !candidate.moreSpecificThan(other) {
				isMostSpecific = false
				break
			}
		}
		if isMostSpecific {
			mostSpecific = append(mostSpecific, candidate)
		}
	}
	if len(mostSpecific) == 1 {
		return mostSpecific[0], nil
	}
	names := make([]string, len(matching))
	for i, r := range matching {
		names[i] = r.Name
	}
	sort.Strings(names)
	return nil, &AmbiguousError{Product: product, Candidates: names}
}
