package exec

import (
	"context"
	"fmt"
	"os/exec"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/pantsbuild/corengine/internal/cas"
)

// nailgunWorker is the bookkeeping entry for one (JDK, input digest)
// key (spec.md §4.B "local nailgun"). No process is attached to it:
// cmd is never set.
type nailgunWorker struct {
	mainClass string
	classpath string
	cmd       *exec.Cmd
}

// NailgunStrategy keeps one worker entry per (JDK, input digest) key
// and records "nailgun:<key>" as the result's Worker. It starts no JVM
// and keeps none warm: every Run executes argv as a fresh process
// through LocalStrategy, so JVM startup cost is paid on each invocation.
type NailgunStrategy struct {
	store cas.Store

	mu      sync.Mutex
	workers map[string]*nailgunWorker
}

func NewNailgunStrategy(store cas.Store) *NailgunStrategy {
	return &NailgunStrategy{store: store, workers: map[string]*nailgunWorker{}}
}

func (s *NailgunStrategy) Name() string            { return "nailgun" }
func (s *NailgunStrategy) UsesLocalSandbox() bool { return true }

func (s *NailgunStrategy) workerKey(desc *ProcessDescription) string {
	return desc.JDK + "|" + desc.InputDigest.String()
}

func (s *NailgunStrategy) getOrStartWorker(desc *ProcessDescription) (*nailgunWorker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := s.workerKey(desc)
	if w, ok := s.workers[key]; ok {
		return w, nil
	}
	w := &nailgunWorker{mainClass: desc.JDK, classpath: desc.InputDigest.String()}
	s.workers[key] = w
	log.WithField("key", key).Debug("started nailgun worker")
	return w, nil
}

func (s *NailgunStrategy) Run(ctx context.Context, sandboxDir string, desc *ProcessDescription) (*ProcessResult, error) {
	if _, err := s.getOrStartWorker(desc); err != nil {
		return nil, &StrategyError{Kind: ErrTransport, Err: err}
	}
	// Dispatch through the same process-running machinery as the
	// local strategy, so the observable argv/env/cwd contract a rule
	// depends on is the same as under StrategyLocal.
	local := NewLocalStrategy(s.store)
	result, err := local.Run(ctx, sandboxDir, desc)
	if err != nil {
		return nil, err
	}
	result.Metadata.Worker = fmt.Sprintf("nailgun:%s", s.workerKey(desc))
	return result, nil
}

var _ Strategy = (*NailgunStrategy)(nil)
