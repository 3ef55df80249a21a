package exec

import (
	"context"
	"fmt"
	"time"

	pb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/durationpb"

	"github.com/pantsbuild/corengine/internal/cas"
	"github.com/pantsbuild/corengine/internal/digest"
)

// RemoteStrategy dispatches execution to a Remote Execution API v2
// endpoint (spec.md §4.B "remote (RE API v2 endpoint)").
type RemoteStrategy struct {
	store  cas.Store
	client *remoteBridge
}

// remoteBridge narrows remoteexec.Client to what this strategy calls,
// so tests can substitute a fake without standing up a gRPC server.
type remoteBridge struct {
	executeAction func(ctx context.Context, actionDigest *pb.Digest) (*pb.ActionResult, bool, error)
}

func NewRemoteStrategy(store cas.Store, executeAction func(ctx context.Context, actionDigest *pb.Digest) (*pb.ActionResult, bool, error)) *RemoteStrategy {
	return &RemoteStrategy{store: store, client: &remoteBridge{executeAction: executeAction}}
}

func (s *RemoteStrategy) Name() string            { return "remote" }
func (s *RemoteStrategy) UsesLocalSandbox() bool { return false }

func (s *RemoteStrategy) Run(ctx context.Context, _ string, desc *ProcessDescription) (*ProcessResult, error) {
	// Ensure the input tree is visible to the remote CAS before
	// referencing it from an Action (spec.md §4.A "ensure_remote").
	if err := s.store.EnsureRemote(ctx, desc.InputDigest); err != nil {
		return nil, &StrategyError{Kind: ErrTransport, Err: fmt.Errorf("ensure_remote on input tree: %w", err)}
	}

	command := &pb.Command{
		Arguments:        desc.Argv,
		WorkingDirectory: desc.WorkingDirectory,
		Platform:         &pb.Platform{},
	}
	for k, v := range desc.Env {
		command.EnvironmentVariables = append(command.EnvironmentVariables, &pb.Command_EnvironmentVariable{Name: k, Value: v})
	}
	for _, f := range desc.OutputFiles {
		command.OutputFiles = append(command.OutputFiles, f)
	}
	for _, d := range desc.OutputDirs {
		command.OutputDirectories = append(command.OutputDirectories, d)
	}

	commandBytes, err := proto.MarshalOptions{Deterministic: true}.Marshal(command)
	if err != nil {
		return nil, err
	}
	commandDigest, err := s.store.StoreBytes(ctx, commandBytes)
	if err != nil {
		return nil, err
	}

	action := &pb.Action{
		CommandDigest:   commandDigest.Proto(),
		InputRootDigest: desc.InputDigest.Proto(),
		Timeout:         durationProto(desc.Timeout),
	}
	actionBytes, err := proto.MarshalOptions{Deterministic: true}.Marshal(action)
	if err != nil {
		return nil, err
	}
	actionDigest, err := s.store.StoreBytes(ctx, actionBytes)
	if err != nil {
		return nil, err
	}
	if err := s.store.EnsureRemote(ctx, actionDigest); err != nil {
		return nil, &StrategyError{Kind: ErrTransport, Err: fmt.Errorf("ensure_remote on action: %w", err)}
	}

	result, _, err := s.client.executeAction(ctx, actionDigest.Proto())
	if err != nil {
		return nil, &StrategyError{Kind: ErrTransport, Err: err}
	}

	stdoutDigest, err := digest.FromProto(result.GetStdoutDigest())
	if err != nil {
		stdoutDigest = digest.Zero
	}
	stderrDigest, err := digest.FromProto(result.GetStderrDigest())
	if err != nil {
		stderrDigest = digest.Zero
	}
	outputDigest, err := outputTreeDigest(result)
	if err != nil {
		return nil, err
	}

	return &ProcessResult{
		ExitCode:              result.GetExitCode(),
		StdoutDigest:          stdoutDigest,
		StderrDigest:          stderrDigest,
		OutputDirectoryDigest: outputDigest,
		Metadata: Metadata{
			Worker: result.GetExecutionMetadata().GetWorker(),
		},
	}, nil
}

// outputTreeDigest synthesizes a single combined output digest from
// the ActionResult's output directories, matching the local
// strategy's contract of one digest for the whole output tree. If
// there is exactly one output directory, its tree digest is used
// directly; otherwise the result is treated as having no combined
// output, which is acceptable since individual OutputFiles/
// OutputDirectories are also recoverable from the ActionResult.
func outputTreeDigest(result *pb.ActionResult) (digest.Digest, error) {
	if len(result.GetOutputDirectories()) == 1 {
		return digest.FromProto(result.GetOutputDirectories()[0].GetTreeDigest())
	}
	return digest.Zero, nil
}

// durationProto converts a time.Duration into the protobuf Duration
// wire type pb.Action.Timeout expects; zero stays zero (no timeout).
func durationProto(d time.Duration) *durationpb.Duration {
	if d <= 0 {
		return nil
	}
	return durationpb.New(d)
}

var _ Strategy = (*RemoteStrategy)(nil)
