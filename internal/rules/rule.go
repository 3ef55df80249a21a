// Package rules implements the typed rule graph from spec.md §4.C: a
// static registry of rules, each declaring the product type it
// produces, the parameter types it requires, and the further products
// it may `get`, resolved once at startup into an immutable binding
// table consulted by internal/graph during execution.
package rules

import (
	"context"
	"fmt"
	"reflect"
	"sort"

	"github.com/pantsbuild/corengine/internal/address"
)

// GetSpec is one statically declared `get(product, additional_params)`
// a rule body may issue (spec.md §4.C). Because resolution happens
// once at startup rather than by tracing a running rule, every get a
// rule can possibly issue must be declared up front; RuleContext.Get
// rejects any product not present in the issuing rule's Gets (the
// additional params' types are not checked against the declaration).
type GetSpec struct {
	Product          reflect.Type
	AdditionalParams []reflect.Type
}

// GetManySpec is one element of a RuleContext.GetMany batch: a
// concrete product and parameter tuple a rule wants fetched alongside
// the rest of the batch, all issued together and awaited as a unit
// (spec.md §6 "get_many": parallel gets from the same rule, batched,
// all complete before the rule resumes).
type GetManySpec struct {
	Product    reflect.Type
	Additional address.ParamTuple
}

// RuleContext is the handle a RuleFunc uses to issue the gets it
// declared and to read its own parameter tuple.
type RuleContext struct {
	Params address.ParamTuple

	// get and getMany are supplied by internal/graph, which is the
	// only caller able to demand a dependency node and await its
	// value.
	get     func(ctx context.Context, product reflect.Type, additional address.ParamTuple) (any, error)
	getMany func(ctx context.Context, specs []GetManySpec) ([]any, error)
}

// NewRuleContext constructs a RuleContext wired to a getter and a
// batched getter. Exported so internal/graph, which drives rule
// bodies, can construct one without this package exposing its
// internals as a dependency cycle.
func NewRuleContext(
	params address.ParamTuple,
	get func(ctx context.Context, product reflect.Type, additional address.ParamTuple) (any, error),
	getMany func(ctx context.Context, specs []GetManySpec) ([]any, error),
) *RuleContext {
	return &RuleContext{Params: params, get: get, getMany: getMany}
}

// Get demands a dependency product, suspending until it resolves.
func (rc *RuleContext) Get(ctx context.Context, product reflect.Type, additional address.ParamTuple) (any, error) {
	return rc.get(ctx, product, additional)
}

// GetMany demands a batch of dependency products concurrently,
// suspending once until every one of them resolves (or the first
// failure occurs). Results are returned in the same order as specs.
func (rc *RuleContext) GetMany(ctx context.Context, specs []GetManySpec) ([]any, error) {
	return rc.getMany(ctx, specs)
}

// RuleFunc is the executable body of a rule. It must be pure with
// respect to rc.Params and the values returned by rc.Get (spec.md §3
// "A rule is pure w.r.t. its declared inputs").
type RuleFunc func(ctx context.Context, rc *RuleContext) (any, error)

// Rule is one entry of the static registry R (spec.md §4.C).
type Rule struct {
	// Name identifies the rule for diagnostics and determinism
	// (candidates are considered in order of this field; a tie between
	// equally specific candidates is reported as an AmbiguousError).
	Name string

	// Product is the type this rule produces.
	Product reflect.Type

	// Params are the parameter types this rule requires in scope.
	Params []reflect.Type

	// Gets are every (product, additional_params) this rule's body may
	// issue via RuleContext.Get.
	Gets []GetSpec

	Run RuleFunc
}

func (r *Rule) paramSet() map[reflect.Type]struct{} {
	s := make(map[reflect.Type]struct{}, len(r.Params))
	for _, t := range r.Params {
		s[t] = struct{}{}
	}
	return s
}

// isSubsetOf reports whether every one of r's declared parameter
// types is present in available.
func (r *Rule) isSubsetOf(available map[reflect.Type]struct{}) bool {
	for _, t := range r.Params {
		if _, ok := available[t]; !ok {
			return false
		}
	}
	return true
}

// moreSpecificThan reports whether r's parameter set is a strict
// superset of other's (spec.md §4.C step 4 "most specific").
func (r *Rule) moreSpecificThan(other *Rule) bool {
	if len(r.Params) <= len(other.Params) {
		return false
	}
	mine := r.paramSet()
	for _, t := range other.Params {
		if _, ok := mine[t]; !ok {
			return false
		}
	}
	return true
}

// Registry is the static set R of registered rules, indexed by
// product type for resolution.
type Registry struct {
	rules     []*Rule
	byProduct map[reflect.Type][]*Rule
}

// NewRegistry builds a registry from rules, sorting candidates per
// product type by Name so resolution iteration order is total and
// stable (spec.md §4.C "Determinism").
func NewRegistry(rules ...*Rule) (*Registry, error) {
	byProduct := make(map[reflect.Type][]*Rule)
	seen := make(map[string]bool, len(rules))
	for _, r := range rules {
		if r.Name == "" {
			return nil, fmt.Errorf("rule registered with empty Name")
		}
		if seen[r.Name] {
			return nil, fmt.Errorf("duplicate rule name %q", r.Name)
		}
		seen[r.Name] = true
		if r.Product == nil {
			return nil, fmt.Errorf("rule %q declares no Product type", r.Name)
		}
		if r.Run == nil {
			return nil, fmt.Errorf("rule %q has no Run function", r.Name)
		}
		byProduct[r.Product] = append(byProduct[r.Product], r)
	}
	for _, candidates := range byProduct {
		sort.Slice(candidates, func(i, j int) bool { return candidates[i].Name < candidates[j].Name })
	}
	return &Registry{rules: rules, byProduct: byProduct}, nil
}

// candidatesFor returns every registered rule producing product,
// in deterministic (name-sorted) order.
func (reg *Registry) candidatesFor(product reflect.Type) []*Rule {
	return reg.byProduct[product]
}
