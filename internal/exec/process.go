// Package exec implements the process execution abstraction from
// spec.md §4.B: running a sandboxed command locally, in a persistent
// nailgun worker, in a container, or remotely, with at-most-once
// semantics per cache key.
package exec

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/pantsbuild/corengine/internal/digest"
)

// StrategyKind selects which execution strategy runs a ProcessDescription.
type StrategyKind string

const (
	StrategyLocal      StrategyKind = "local"
	StrategyNailgun     StrategyKind = "nailgun"
	StrategyContainer  StrategyKind = "container"
	StrategyRemote     StrategyKind = "remote"
)

// CacheDir is an append-only cache directory mounted into the sandbox
// (spec.md §3 "append-only caches"). The executor creates an empty
// directory named Name inside each sandbox; Path is not read, nothing
// is mounted or shared between sandboxes, and no lock is taken.
type CacheDir struct {
	Name string
	Path string
}

// ProcessDescription is the exact tuple from spec.md §3: "Process
// description".
type ProcessDescription struct {
	Argv             []string
	Env              map[string]string
	Platform         string
	InputDigest      digest.Digest
	OutputFiles      []string
	OutputDirs       []string
	Timeout          time.Duration
	AppendOnlyCaches []CacheDir
	JDK              string
	WorkingDirectory string
	ExecStrategy     StrategyKind

	// ContainerImage is consulted only when ExecStrategy is
	// StrategyContainer; it participates in the cache key because two
	// otherwise-identical commands running in different images are
	// not interchangeable (spec.md §3 "execution-strategy-dependent inputs").
	ContainerImage string

	// CacheNonZeroExit resolves SPEC_FULL.md Open Question 1: whether
	// a non-zero exit is cacheable is caller-configurable, and the
	// flag itself is part of the cache key so that toggling it can
	// never silently reuse a result computed under the other policy.
	CacheNonZeroExit bool
}

// canonicalForm produces a stable, field-order-independent
// serialization of the description for cache-key hashing. Maps and
// slices that are semantically unordered are sorted first.
func (p *ProcessDescription) canonicalForm() ([]byte, error) {
	envKeys := make([]string, 0, len(p.Env))
	for k := range p.Env {
		envKeys = append(envKeys, k)
	}
	sort.Strings(envKeys)
	env := make([][2]string, len(envKeys))
	for i, k := range envKeys {
		env[i] = [2]string{k, p.Env[k]}
	}

	caches := append([]CacheDir(nil), p.AppendOnlyCaches...)
	sort.Slice(caches, func(i, j int) bool { return caches[i].Name < caches[j].Name })

	outFiles := append([]string(nil), p.OutputFiles...)
	sort.Strings(outFiles)
	outDirs := append([]string(nil), p.OutputDirs...)
	sort.Strings(outDirs)

	type wire struct {
		Argv             []string
		Env              [][2]string
		Platform         string
		InputDigest      string
		OutputFiles      []string
		OutputDirs       []string
		TimeoutNanos     int64
		AppendOnlyCaches []CacheDir
		JDK              string
		WorkingDirectory string
		ExecStrategy     StrategyKind
		ContainerImage   string
		CacheNonZeroExit bool
	}
	return json.Marshal(wire{
		Argv:             p.Argv,
		Env:              env,
		Platform:         p.Platform,
		InputDigest:      p.InputDigest.String(),
		OutputFiles:      outFiles,
		OutputDirs:       outDirs,
		TimeoutNanos:     p.Timeout.Nanoseconds(),
		AppendOnlyCaches: caches,
		JDK:              p.JDK,
		WorkingDirectory: p.WorkingDirectory,
		ExecStrategy:     p.ExecStrategy,
		ContainerImage:   p.ContainerImage,
		CacheNonZeroExit: p.CacheNonZeroExit,
	})
}

// CacheKey returns the digest of the description's canonical
// serialization plus its execution-strategy-dependent inputs
// (spec.md §3 "Its cache key is...").
func (p *ProcessDescription) CacheKey() (digest.Digest, error) {
	b, err := p.canonicalForm()
	if err != nil {
		return digest.Zero, fmt.Errorf("canonicalizing process description: %w", err)
	}
	return digest.FromBytes(b), nil
}

// ProcessResult is the exact tuple from spec.md §3: "Process result".
type ProcessResult struct {
	ExitCode              int32
	StdoutDigest          digest.Digest
	StderrDigest          digest.Digest
	OutputDirectoryDigest digest.Digest
	Metadata              Metadata
}

// Metadata carries the execution timing REAPI's ExecutedActionMetadata
// exposes, used to populate the workunit timeline (spec.md §6).
type Metadata struct {
	Worker      string
	QueuedTime  time.Time
	StartTime   time.Time
	EndTime     time.Time
}

// Cacheable reports whether result should be written into the process
// cache, per spec.md §3 "Cacheability is (exit_code == 0) unless
// explicitly overridden" — the override is desc.CacheNonZeroExit.
func Cacheable(desc *ProcessDescription, result *ProcessResult) bool {
	return result.ExitCode == 0 || desc.CacheNonZeroExit
}
