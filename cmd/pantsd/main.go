// Command pantsd is the long-running engine daemon: it resolves the
// rule graph once, starts the filesystem watcher, and serves the
// debug HTTP surface, blocking until signalled — modeled on
// nar-bridge/cmd/nar-bridge-http's kong-parse / signal.NotifyContext /
// graceful-shutdown structure.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"reflect"
	"runtime/debug"
	"strings"
	"time"

	pb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	log "github.com/sirupsen/logrus"

	"github.com/pantsbuild/corengine/internal/address"
	"github.com/pantsbuild/corengine/internal/cas"
	"github.com/pantsbuild/corengine/internal/config"
	"github.com/pantsbuild/corengine/internal/debugserver"
	"github.com/pantsbuild/corengine/internal/demorules"
	"github.com/pantsbuild/corengine/internal/exec"
	"github.com/pantsbuild/corengine/internal/graph"
	"github.com/pantsbuild/corengine/internal/metrics"
	"github.com/pantsbuild/corengine/internal/otelsetup"
	"github.com/pantsbuild/corengine/internal/remoteexec"
	"github.com/pantsbuild/corengine/internal/rules"
	"github.com/pantsbuild/corengine/internal/session"
	"github.com/pantsbuild/corengine/internal/watch"
)

// remoteExecTimeout bounds a single remote action; spec.md §6 doesn't
// name a default, so this matches internal/remoteexec's own request
// timeout for non-streaming RPCs.
const remoteExecTimeout = 2 * time.Minute

// buildRemoteOptions turns cfg's remote-store/remote-exec/auth-token
// fields into the cas.Option and, if remote execution is enabled, the
// *remoteexec.Client strategies should dispatch to. Both addresses are
// independently optional (spec.md §6: "empty to disable").
func buildRemoteOptions(cfg config.Config) ([]cas.Option, *remoteexec.Client, error) {
	if cfg.RemoteStoreAddr == "" && cfg.RemoteExecAddr == "" {
		return nil, nil, nil
	}
	var remoteOpts []remoteexec.Option
	if cfg.AuthTokenPath != "" {
		token, err := os.ReadFile(cfg.AuthTokenPath)
		if err != nil {
			return nil, nil, fmt.Errorf("reading auth token: %w", err)
		}
		remoteOpts = append(remoteOpts, remoteexec.WithAuthToken(strings.TrimSpace(string(token))))
	}

	var casOpts []cas.Option
	if cfg.RemoteStoreAddr != "" {
		storeClient := remoteexec.New(cfg.RemoteStoreAddr, "", remoteOpts...)
		casOpts = append(casOpts, cas.WithRemote(storeClient))
	}
	var execClient *remoteexec.Client
	if cfg.RemoteExecAddr != "" {
		execClient = remoteexec.New(cfg.RemoteExecAddr, "", remoteOpts...)
	}
	return casOpts, execClient, nil
}

// sourceNodeID maps a changed filesystem path directly to the graph
// identity of the read_source node that observes it: node identity is
// a pure function of (rule name, param tuple), so this needs no
// registry of "currently demanded" files. Invalidate is a no-op for a
// path that was never demanded (graph.Graph.peek finds no node), so
// watching a root wider than what's actually in use is harmless.
func sourceNodeID(path string) (graph.ID, bool) {
	params, err := address.NewParamTuple(address.NewParam(demorules.SourceFile{Path: path}))
	if err != nil {
		return graph.ID{}, false
	}
	return graph.ID{RuleName: "read_source", ParamKey: params.Key()}, true
}

func main() {
	cfg, err := config.Parse("pantsd", "Persistent build execution engine daemon", os.Args[1:])
	if err != nil {
		log.WithError(err).Fatal("parsing configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	buildInfo, ok := debug.ReadBuildInfo()
	version := "dev"
	if ok {
		version = buildInfo.Main.Version
	}
	shutdownOtel, err := otelsetup.Setup(ctx, "pantsd", version)
	if err != nil {
		log.WithError(err).Fatal("setting up OpenTelemetry")
	}
	defer shutdownOtel(context.Background())

	casOpts, remoteExecClient, err := buildRemoteOptions(cfg)
	if err != nil {
		log.WithError(err).Fatal("configuring remote store/exec")
	}

	store, err := cas.NewLocalStore(cfg.CacheRoot, cfg.QuotaBytes, casOpts...)
	if err != nil {
		log.WithError(err).Fatal("opening content-addressed store")
	}
	defer store.Close()

	processCache, err := exec.NewProcessCache(cfg.CacheRoot)
	if err != nil {
		log.WithError(err).Fatal("opening process cache")
	}

	strategies := map[exec.StrategyKind]exec.Strategy{
		exec.StrategyLocal:     exec.NewLocalStrategy(store),
		exec.StrategyNailgun:   exec.NewNailgunStrategy(store),
		exec.StrategyContainer: exec.NewContainerStrategy(store),
	}
	if remoteExecClient != nil {
		strategies[exec.StrategyRemote] = exec.NewRemoteStrategy(store, func(ctx context.Context, actionDigest *pb.Digest) (*pb.ActionResult, bool, error) {
			return remoteExecClient.ExecuteAction(ctx, actionDigest, remoteExecTimeout)
		})
	}
	executor, err := exec.NewExecutor(store, processCache, cfg.SandboxRoot, cfg.ResolvedParallelism(), strategies)
	if err != nil {
		log.WithError(err).Fatal("building executor")
	}

	reg, err := rules.NewRegistry(demorules.Rules(store, executor)...)
	if err != nil {
		log.WithError(err).Fatal("building rule registry")
	}
	table, err := rules.Resolve(reg, []rules.Demand{
		{Product: demorules.TCompiledClasses, Params: []reflect.Type{demorules.TSourceFile}},
		{Product: demorules.TCompiledPackage, Params: []reflect.Type{demorules.TSourceFileSet}},
	})
	if err != nil {
		log.WithError(err).Fatal("resolving rule graph")
	}
	g := graph.New(reg, table, cfg.ResolvedParallelism())

	sess := session.New(ctx, g)

	if cfg.WatchRoot != "" {
		watcher, err := watch.New(cfg.WatchRoot, sourceNodeID, g, 50*time.Millisecond)
		if err != nil {
			log.WithError(err).Fatal("starting filesystem watcher")
		}
		if err := watcher.Start(ctx); err != nil {
			log.WithError(err).Fatal("starting filesystem watcher")
		}
		defer watcher.Stop()
	} else {
		log.Info("watch-root not configured, filesystem watching disabled")
	}

	debugSrv := debugserver.New(metrics.Registry(), sess, true)
	go func() {
		log.Infof("debug HTTP surface listening on %s", cfg.DebugListenAddr)
		if err := debugSrv.ListenAndServe(cfg.DebugListenAddr); err != nil {
			log.WithError(err).Error("debug HTTP surface exited")
		}
	}()

	log.Info("pantsd ready")
	<-ctx.Done()
	stop()
	log.Info("received signal, shutting down")
}
