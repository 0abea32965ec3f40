package backup

import (
	"fmt"
	"sync"

	"github.com/dmitrijs2005/gophbackup/internal/common"
)

// Operation is what the process is currently doing with backups.
type Operation string

const (
	OperationIdle   Operation = ""
	OperationImport Operation = "import"
	OperationExport Operation = "export"
)

// RunState guards the single import-or-export slot. One RunState is shared
// by every component that may start an import or an export.
type RunState struct {
	mu sync.Mutex
	op Operation
}

func NewRunState() *RunState {
	return &RunState{}
}

// Begin claims the slot for op. The returned release must be called exactly
// once; extra calls are ignored.
func (s *RunState) Begin(op Operation) (release func(), err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.op != OperationIdle {
		return nil, fmt.Errorf("%w: cannot start %s while %s is running", common.ErrAlreadyRunning, op, s.op)
	}
	s.op = op

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			s.op = OperationIdle
			s.mu.Unlock()
		})
	}, nil
}

// Current returns the running operation, or OperationIdle.
func (s *RunState) Current() Operation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.op
}

// inflight is a per-component single-flight flag.
type inflight struct {
	mu   sync.Mutex
	busy bool
}

func (f *inflight) acquire(what string) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.busy {
		return nil, fmt.Errorf("%w: %s already in progress", common.ErrAlreadyRunning, what)
	}
	f.busy = true
	return func() {
		f.mu.Lock()
		f.busy = false
		f.mu.Unlock()
	}, nil
}
