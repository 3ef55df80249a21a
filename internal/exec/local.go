package exec

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/pantsbuild/corengine/internal/cas"
)

// defaultOutputBufferBytes bounds stdout/stderr retention per process,
// per spec.md §4.B "ring buffers capped in size".
const defaultOutputBufferBytes = 1 << 20 // 1 MiB

// LocalStrategy runs a process directly on the host, inside the
// materialized sandbox directory.
type LocalStrategy struct {
	store cas.Store
}

// NewLocalStrategy constructs a LocalStrategy backed by store, used to
// persist stdout/stderr and collected outputs.
func NewLocalStrategy(store cas.Store) *LocalStrategy { return &LocalStrategy{store: store} }

func (s *LocalStrategy) Name() string            { return "local" }
func (s *LocalStrategy) UsesLocalSandbox() bool { return true }

func (s *LocalStrategy) Run(ctx context.Context, sandboxDir string, desc *ProcessDescription) (*ProcessResult, error) {
	if len(desc.Argv) == 0 {
		return nil, &StrategyError{Kind: ErrTransport, Err: fmt.Errorf("empty argv")}
	}
	runCtx := ctx
	var cancel context.CancelFunc
	if desc.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, desc.Timeout)
		defer cancel()
	}

	workDir := filepath.Join(sandboxDir, desc.WorkingDirectory)
	if err := ensureDir(workDir); err != nil {
		return nil, fmt.Errorf("preparing working directory: %w", err)
	}

	cmd := exec.CommandContext(runCtx, desc.Argv[0], desc.Argv[1:]...)
	cmd.Dir = workDir
	cmd.Env = envSlice(desc.Env)

	stdout := newRingBuffer(defaultOutputBufferBytes)
	stderr := newRingBuffer(defaultOutputBufferBytes)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	runErr := cmd.Run()
	end := time.Now()

	if runCtx.Err() != nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return nil, &StrategyError{Kind: ErrTimeout, Err: fmt.Errorf("process exceeded timeout %s", desc.Timeout)}
	}

	var exitCode int32
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			exitCode = int32(exitErr.ExitCode())
		} else {
			return nil, &StrategyError{Kind: ErrTransport, Err: fmt.Errorf("launching process: %w", runErr)}
		}
	}

	stdoutDigest, err := s.store.StoreBytes(ctx, stdout.Bytes())
	if err != nil {
		return nil, fmt.Errorf("storing stdout: %w", err)
	}
	stderrDigest, err := s.store.StoreBytes(ctx, stderr.Bytes())
	if err != nil {
		return nil, fmt.Errorf("storing stderr: %w", err)
	}

	outputTree, err := collectOutputs(ctx, s.store, sandboxDir, desc)
	if err != nil {
		return nil, err
	}
	outputDigest, err := s.store.StoreDirectory(ctx, outputTree)
	if err != nil {
		return nil, fmt.Errorf("storing output tree: %w", err)
	}

	log.WithFields(log.Fields{
		"argv":      desc.Argv,
		"exit_code": exitCode,
	}).Debug("local process finished")

	return &ProcessResult{
		ExitCode:              exitCode,
		StdoutDigest:          stdoutDigest,
		StderrDigest:          stderrDigest,
		OutputDirectoryDigest: outputDigest,
		Metadata: Metadata{
			Worker:    "local",
			StartTime: start,
			EndTime:   end,
		},
	}, nil
}

func envSlice(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

var _ Strategy = (*LocalStrategy)(nil)

// ensureDir creates the process's working directory inside the
// sandbox if the command references a subdirectory that doesn't
// exist yet (e.g. a target's own output directory as its cwd).
func ensureDir(path string) error {
	return os.MkdirAll(path, 0o755)
}
