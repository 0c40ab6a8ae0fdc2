package agent

import (
	"os"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ProcessRegistry tracks every live agent subprocess so an operator
// interrupt can terminate all of them regardless of which task owns them
type ProcessRegistry struct {
	mu     sync.Mutex
	nextID int
	procs  map[int]*exec.Cmd
	logger *zap.Logger
}

// NewProcessRegistry creates an empty registry
func NewProcessRegistry(logger *zap.Logger) *ProcessRegistry {
	return &ProcessRegistry{
		procs:  make(map[int]*exec.Cmd),
		logger: logger,
	}
}

func (r *ProcessRegistry) add(cmd *exec.Cmd) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	r.procs[r.nextID] = cmd
	return r.nextID
}

func (r *ProcessRegistry) remove(id int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.procs, id)
}

// Count returns the number of tracked subprocesses
func (r *ProcessRegistry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.procs)
}

// KillAll terminates every tracked subprocess: SIGTERM first, then SIGKILL
// for anything still alive after the grace period
func (r *ProcessRegistry) KillAll(grace time.Duration) {
	r.mu.Lock()
	cmds := make([]*exec.Cmd, 0, len(r.procs))
	for _, cmd := range r.procs {
		cmds = append(cmds, cmd)
	}
	r.mu.Unlock()

	if len(cmds) == 0 {
		return
	}

	r.logger.Warn("terminating agent subprocesses", zap.Int("count", len(cmds)))
	for _, cmd := range cmds {
		if cmd.Process != nil {
			_ = cmd.Process.Signal(os.Interrupt)
		}
	}

	time.Sleep(grace)

	for _, cmd := range cmds {
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
	}
}
