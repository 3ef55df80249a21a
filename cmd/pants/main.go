// Command pants is the one-shot client: it resolves the rule graph
// in-process, issues a single root demand (a compiled-classes product
// for one source file, or a compiled-package product when extra source
// files are given), prints the result, and exits. SPEC_FULL.md's pants/pantsd
// split mirrors a client/daemon architecture, but this engine defines
// no wire protocol between them (see DESIGN.md); pants runs the same
// engine components pantsd does, just for a single demand rather than
// as a persistent process.
package main

import (
	"context"
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	pb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	log "github.com/sirupsen/logrus"

	"github.com/pantsbuild/corengine/internal/address"
	"github.com/pantsbuild/corengine/internal/cas"
	"github.com/pantsbuild/corengine/internal/config"
	"github.com/pantsbuild/corengine/internal/demorules"
	"github.com/pantsbuild/corengine/internal/exec"
	"github.com/pantsbuild/corengine/internal/graph"
	"github.com/pantsbuild/corengine/internal/remoteexec"
	"github.com/pantsbuild/corengine/internal/rules"
	"github.com/pantsbuild/corengine/internal/session"
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

// cli embeds the engine's shared configuration alongside the
// positional arguments specific to this one-shot client.
var cli struct {
	config.Config `embed:""`
	Source        string   `arg:"" help:"JVM source file to compile"`
	ExtraSources  []string `arg:"" optional:"" help:"Additional JVM source files compiled into the same package, read via get_many"`
}

func main() {
	if err := config.ParseInto(&cli, "pants", "Build a single target and print its result", os.Args[1:]); err != nil {
		log.WithError(err).Fatal("parsing configuration")
	}
	if err := config.ApplyLogLevel(cli.LogLevel); err != nil {
		log.WithError(err).Fatal("applying log level")
	}
	cfg := cli.Config
	sourcePath := cli.Source
	extraSources := cli.ExtraSources

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
	sess := session.New(context.Background(), g)

	if len(extraSources) > 0 {
		params, err := address.NewParamTuple(address.NewParam(demorules.SourceFileSet{Paths: append([]string{sourcePath}, extraSources...)}))
		if err != nil {
			log.WithError(err).Fatal("building parameter tuple")
		}
		value, err := sess.Demand(demorules.TCompiledPackage, params)
		if err != nil {
			log.WithError(err).Fatal("demand failed")
		}
		result := value.(demorules.CompiledPackage)
		fmt.Printf("compiled package digest: %s\n", result.Digest)
		return
	}

	params, err := address.NewParamTuple(address.NewParam(demorules.SourceFile{Path: sourcePath}))
	if err != nil {
		log.WithError(err).Fatal("building parameter tuple")
	}

	value, err := sess.Demand(demorules.TCompiledClasses, params)
	if err != nil {
		log.WithError(err).Fatal("demand failed")
	}

	result := value.(demorules.CompiledClasses)
	fmt.Printf("compiled classes digest: %s\n", result.Digest)
}
