package graph

import (
	"context"
	"reflect"

	"golang.org/x/sync/errgroup"

	"github.com/pantsbuild/corengine/internal/address"
)

// DemandSpec is one element of a DemandMany batch.
type DemandSpec struct {
	Product reflect.Type
	Params  address.ParamTuple
}

// DemandMany resolves a batch of independent root demands
// concurrently, returning as soon as every demand has completed or
// the first failure occurs (the remaining demands are cancelled via
// ctx). This is a client-facing convenience for a caller that wants
// several unrelated top-level builds in one call (see
// internal/session.Session.DemandMany); it is distinct from spec.md
// §6's get_many primitive, which a rule body issues against its own
// dependencies from inside a running rule and which runs through
// RuleContext.GetMany instead, since only internal/graph's scheduler
// can suspend a running rule's worker slot and record the resulting
// outbound edges.
func (g *Graph) DemandMany(ctx context.Context, specs []DemandSpec) ([]any, error) {
	results := make([]any, len(specs))
	group, gctx := errgroup.WithContext(ctx)
	for i, spec := range specs {
		i, spec := i, spec
		group.Go(func() error {
			v, err := g.Demand(gctx, spec.Product, spec.Params)
			if err != nil {
				return err
			}
			results[i] = v
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
