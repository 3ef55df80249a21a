package remoteexec

import (
	"context"
	"fmt"

	pb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"

	"github.com/pantsbuild/corengine/internal/digest"
)

// FetchBlob downloads a single blob via BatchReadBlobs. Large trees
// are expected to go through Directory-aware traversal in
// internal/cas; this path serves individual blob/Directory-message
// fetches on local cache miss.
func (c *Client) FetchBlob(ctx context.Context, d digest.Digest) ([]byte, error) {
	if err := c.checkInitialised(); err != nil {
		return nil, err
	}
	resp, err := c.casClient.BatchReadBlobs(ctx, &pb.BatchReadBlobsRequest{
		InstanceName: c.instance,
		Digests:      []*pb.Digest{d.Proto()},
	})
	if err != nil {
		return nil, fmt.Errorf("batch read blobs: %w", err)
	}
	for _, r := range resp.GetResponses() {
		got, err := digest.FromProto(r.GetDigest())
		if err != nil {
			continue
		}
		if got == d {
			if r.GetStatus().GetCode() != 0 {
				return nil, fmt.Errorf("remote returned status %d for %s", r.GetStatus().GetCode(), d)
			}
			return r.GetData(), nil
		}
	}
	return nil, fmt.Errorf("remote did not return blob %s", d)
}

// PushBlob uploads a single blob via BatchUpdateBlobs.
func (c *Client) PushBlob(ctx context.Context, d digest.Digest, data []byte) error {
	if err := c.checkInitialised(); err != nil {
		return err
	}
	resp, err := c.casClient.BatchUpdateBlobs(ctx, &pb.BatchUpdateBlobsRequest{
		InstanceName: c.instance,
		Requests: []*pb.BatchUpdateBlobsRequest_Request{
			{Digest: d.Proto(), Data: data},
		},
	})
	if err != nil {
		return fmt.Errorf("batch update blobs: %w", err)
	}
	for _, r := range resp.GetResponses() {
		if r.GetStatus().GetCode() != 0 {
			return fmt.Errorf("remote rejected blob %s: status %d", d, r.GetStatus().GetCode())
		}
	}
	return nil
}

// HasBlob reports whether d is already present on the remote, via
// FindMissingBlobs.
func (c *Client) HasBlob(ctx context.Context, d digest.Digest) (bool, error) {
	if err := c.checkInitialised(); err != nil {
		return false, err
	}
	resp, err := c.casClient.FindMissingBlobs(ctx, &pb.FindMissingBlobsRequest{
		InstanceName: c.instance,
		BlobDigests:  []*pb.Digest{d.Proto()},
	})
	if err != nil {
		return false, fmt.Errorf("find missing blobs: %w", err)
	}
	return len(resp.GetMissingBlobDigests()) == 0, nil
}
