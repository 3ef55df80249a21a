package exec

import (
	"context"
	"fmt"

	"github.com/pantsbuild/corengine/internal/cas"
)

// ContainerStrategy runs the process inside a container identified by
// desc.ContainerImage (spec.md §4.B "containerized (image reference)").
//
// It requires ContainerImage to be set, then runs argv unchanged through
// LocalStrategy in the local sandbox and records "container:<image>" as
// the result's Worker. No container runtime is invoked, so there is no
// namespace isolation; the image affects the cache key and metadata only.
type ContainerStrategy struct {
	store cas.Store
}

func NewContainerStrategy(store cas.Store) *ContainerStrategy {
	return &ContainerStrategy{store: store}
}

func (s *ContainerStrategy) Name() string            { return "container" }
func (s *ContainerStrategy) UsesLocalSandbox() bool { return true }

func (s *ContainerStrategy) Run(ctx context.Context, sandboxDir string, desc *ProcessDescription) (*ProcessResult, error) {
	if desc.ContainerImage == "" {
		return nil, &StrategyError{Kind: ErrTransport, Err: fmt.Errorf("container strategy requires ContainerImage")}
	}
	local := NewLocalStrategy(s.store)
	result, err := local.Run(ctx, sandboxDir, desc)
	if err != nil {
		return nil, err
	}
	result.Metadata.Worker = "container:" + desc.ContainerImage
	return result, nil
}

var _ Strategy = (*ContainerStrategy)(nil)
