package remoteexec

import (
	"context"
	"fmt"
	"time"

	pb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"google.golang.org/genproto/googleapis/longrunning"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"
)

// ExecuteAction submits action (already uploaded, identified by
// actionDigest) to the remote executor and blocks until it completes
// or ctx is cancelled, matching spec.md §4.B's remote execution
// strategy and §7's Transport/Timeout taxonomy.
func (c *Client) ExecuteAction(ctx context.Context, actionDigest *pb.Digest, timeout time.Duration) (*pb.ActionResult, bool, error) {
	if err := c.checkInitialised(); err != nil {
		return nil, false, err
	}
	if c.execClient == nil {
		return nil, false, fmt.Errorf("remote execution not enabled by server")
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	stream, err := c.execClient.Execute(ctx, &pb.ExecuteRequest{
		InstanceName: c.instance,
		ActionDigest: actionDigest,
	})
	if err != nil {
		return nil, false, fmt.Errorf("execute: %w", err)
	}
	return c.drainExecuteStream(stream)
}

// executeStream is the subset of the Execute/WaitExecution streaming
// interface consumed by drainExecuteStream.
type executeStream interface {
	Recv() (*longrunning.Operation, error)
}

func (c *Client) drainExecuteStream(stream executeStream) (*pb.ActionResult, bool, error) {
	for {
		op, err := stream.Recv()
		if err != nil {
			return nil, false, fmt.Errorf("receiving execute stream: %w", err)
		}
		if !op.GetDone() {
			continue
		}
		switch result := op.GetResult().(type) {
		case *longrunning.Operation_Error:
			return nil, false, fmt.Errorf("remote execution failed: %s", result.Error.GetMessage())
		case *longrunning.Operation_Response:
			return decodeExecuteResponse(result.Response)
		}
		return nil, false, fmt.Errorf("execute stream done with neither error nor response")
	}
}

func decodeExecuteResponse(any *anypb.Any) (*pb.ActionResult, bool, error) {
	resp := &pb.ExecuteResponse{}
	if err := proto.Unmarshal(any.GetValue(), resp); err != nil {
		return nil, false, fmt.Errorf("decoding execute response: %w", err)
	}
	if st := resp.GetStatus(); st != nil && st.GetCode() != 0 {
		return resp.GetResult(), resp.GetCachedResult(), fmt.Errorf("remote action failed: %s", st.GetMessage())
	}
	return resp.GetResult(), resp.GetCachedResult(), nil
}

// GetActionResult checks the remote action cache for a previously
// computed result (spec.md §4.B step 3, process cache consultation).
func (c *Client) GetActionResult(ctx context.Context, actionDigest *pb.Digest) (*pb.ActionResult, error) {
	if err := c.checkInitialised(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, reqTimeout)
	defer cancel()
	return c.acClient.GetActionResult(ctx, &pb.GetActionResultRequest{
		InstanceName: c.instance,
		ActionDigest: actionDigest,
	})
}

// UpdateActionResult publishes a freshly computed, cacheable result.
func (c *Client) UpdateActionResult(ctx context.Context, actionDigest *pb.Digest, result *pb.ActionResult) error {
	if err := c.checkInitialised(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, reqTimeout)
	defer cancel()
	_, err := c.acClient.UpdateActionResult(ctx, &pb.UpdateActionResultRequest{
		InstanceName: c.instance,
		ActionDigest: actionDigest,
		ActionResult: result,
	})
	return err
}
