// Package remoteexec implements the engine's Remote Execution API v2
// client: the gRPC surface from spec.md §6 ("To the remote execution
// service") used by the process executor's remote strategy and by the
// content store's remote mirror.
package remoteexec

import (
	"context"
	"fmt"
	"sync"
	"time"

	pb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/bazelbuild/remote-apis/build/bazel/semver"
	grpc_retry "github.com/grpc-ecosystem/go-grpc-middleware/retry"
	log "github.com/sirupsen/logrus"
	bs "google.golang.org/genproto/googleapis/bytestream"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

var logger = log.WithField("component", "remoteexec")

// Timeout to initially contact the server.
const dialTimeout = 5 * time.Second

// Timeout for actual requests.
const reqTimeout = 2 * time.Minute

// Maximum number of times we retry a transient request.
const maxRetries = 3

// apiVersion is the REAPI version this client speaks.
var apiVersion = semver.SemVer{Major: 2}

// Client is a higher-level wrapper over the raw REAPI v2 gRPC stubs,
// matching the shape of spec.md §6's required service set:
// ContentAddressableStorage, Execution, ActionCache.
type Client struct {
	addr      string
	instance  string
	authToken string

	initOnce sync.Once
	initErr  error

	casClient    pb.ContentAddressableStorageClient
	acClient     pb.ActionCacheClient
	execClient   pb.ExecutionClient
	bsClient     bs.ByteStreamClient
	conn         *grpc.ClientConn

	maxBatchSize int64
}

// Option configures a Client.
type Option func(*Client)

// WithAuthToken attaches token to every outbound RPC as a bearer
// credential (spec.md §6 config's auth-token-path).
func WithAuthToken(token string) Option {
	return func(c *Client) { c.authToken = token }
}

// New returns a Client that begins connecting to addr in the
// background; construction never blocks (mirrors
// thought-machine-please's remote.New, which kicks off initialisation
// without waiting for it).
func New(addr, instance string, opts ...Option) *Client {
	c := &Client{addr: addr, instance: instance}
	for _, opt := range opts {
		opt(c)
	}
	go c.checkInitialised()
	return c
}

// bearerCredentials implements credentials.PerRPCCredentials, attaching
// a static bearer token to every call.
type bearerCredentials struct{ token string }

func (b bearerCredentials) GetRequestMetadata(context.Context, ...string) (map[string]string, error) {
	return map[string]string{"authorization": "Bearer " + b.token}, nil
}

func (b bearerCredentials) RequireTransportSecurity() bool { return false }

func (c *Client) checkInitialised() error {
	c.initOnce.Do(c.init)
	return c.initErr
}

func (c *Client) init() {
	c.initErr = func() error {
		ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
		defer cancel()
		dialOpts := []grpc.DialOption{
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithUnaryInterceptor(grpc_retry.UnaryClientInterceptor(grpc_retry.WithMax(maxRetries))),
		}
		if c.authToken != "" {
			dialOpts = append(dialOpts, grpc.WithPerRPCCredentials(bearerCredentials{token: c.authToken}))
		}
		conn, err := grpc.DialContext(ctx, c.addr, dialOpts...)
		if err != nil {
			return fmt.Errorf("dialing remote execution server: %w", err)
		}
		capClient := pb.NewCapabilitiesClient(conn)
		resp, err := capClient.GetCapabilities(ctx, &pb.GetCapabilitiesRequest{InstanceName: c.instance})
		if err != nil {
			return fmt.Errorf("querying server capabilities: %w", err)
		}
		if lessThan(&apiVersion, resp.GetLowApiVersion()) || lessThan(resp.GetHighApiVersion(), &apiVersion) {
			return fmt.Errorf("unsupported REAPI version: server supports %s-%s", printVer(resp.GetLowApiVersion()), printVer(resp.GetHighApiVersion()))
		}
		caps := resp.GetCacheCapabilities()
		if caps == nil {
			return fmt.Errorf("server does not advertise cache capabilities")
		}
		c.maxBatchSize = caps.GetMaxBatchTotalSizeBytes()
		if c.maxBatchSize == 0 {
			c.maxBatchSize = 4_000_000 // gRPC's de facto 4MB message limit, minus slack
		}
		c.conn = conn
		c.casClient = pb.NewContentAddressableStorageClient(conn)
		c.acClient = pb.NewActionCacheClient(conn)
		c.bsClient = bs.NewByteStreamClient(conn)
		if execCaps := resp.GetExecutionCapabilities(); execCaps != nil && execCaps.GetExecEnabled() {
			c.execClient = pb.NewExecutionClient(conn)
			logger.Debug("remote execution capability enabled")
		}
		logger.WithField("addr", c.addr).Debug("remote execution client initialised")
		return nil
	}()
	if c.initErr != nil {
		logger.WithError(c.initErr).Error("failed to initialise remote execution client")
	}
}

// Close tears down the underlying connection.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

func lessThan(a, b *semver.SemVer) bool {
	if a == nil || b == nil {
		return false
	}
	if a.Major != b.Major {
		return a.Major < b.Major
	}
	if a.Minor != b.Minor {
		return a.Minor < b.Minor
	}
	return a.Patch < b.Patch
}

func printVer(v *semver.SemVer) string {
	if v == nil {
		return "?"
	}
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}
