// Package supervisor keeps a fixed pool of worker processes alive. Every
// exit is answered with a restart of the same slot; the pool only shrinks
// when the supervisor itself is told to stop.
package supervisor

import (
	"context"
	"os"
	"os/exec"
	"strconv"

	"drawio-export/internal/infra/logging"
)

const workerEnv = "EXPORT_WORKER_ID"

// Proc is one running worker process.
type Proc interface {
	// Wait blocks until the process exits.
	Wait() error
	Kill() error
}

// SpawnFunc starts the worker for a pool slot.
type SpawnFunc func(id int) (Proc, error)

// ExitEvent reports one worker exit.
type ExitEvent struct {
	ID  int
	Err error
}

// Config sizes the pool and selects how workers are started.
type Config struct {
	PoolSize int
	Spawn    SpawnFunc
}

// Supervisor owns the restart loop.
type Supervisor struct {
	cfg Config
}

func New(cfg Config) *Supervisor {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 1
	}
	if cfg.Spawn == nil {
		cfg.Spawn = SelfSpawn
	}
	return &Supervisor{cfg: cfg}
}

// Run starts the pool and restarts workers until ctx is cancelled. A
// failing spawn is fatal; a failing worker is not.
func (s *Supervisor) Run(ctx context.Context) error {
	exits := make(chan ExitEvent, s.cfg.PoolSize)
	procs := make(map[int]Proc, s.cfg.PoolSize)

	spawn := func(id int) error {
		p, err := s.cfg.Spawn(id)
		if err != nil {
			return err
		}
		procs[id] = p
		go func() {
			exits <- ExitEvent{ID: id, Err: p.Wait()}
		}()
		return nil
	}

	killAll := func() {
		for _, p := range procs {
			_ = p.Kill()
		}
	}

	for i := 0; i < s.cfg.PoolSize; i++ {
		if err := spawn(i); err != nil {
			killAll()
			return err
		}
		logging.Info("Worker started", "worker", i)
	}

	for {
		select {
		case <-ctx.Done():
			killAll()
			return ctx.Err()
		case ev := <-exits:
			detail := ""
			if ev.Err != nil {
				detail = ev.Err.Error()
			}
			logging.Warn("Worker exited, restarting", "worker", ev.ID, "error", detail)
			if err := spawn(ev.ID); err != nil {
				logging.Error("Worker restart failed", "worker", ev.ID, "error", err.Error())
				killAll()
				return err
			}
		}
	}
}

// SelfSpawn re-executes the current binary as a worker. The slot id
// travels in the environment; the child inherits stdout and stderr.
func SelfSpawn(id int) (Proc, error) {
	cmd := exec.Command(os.Args[0], os.Args[1:]...)
	cmd.Env = append(os.Environ(), workerEnv+"="+strconv.Itoa(id))
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &osProc{cmd: cmd}, nil
}

type osProc struct {
	cmd *exec.Cmd
}

func (p *osProc) Wait() error { return p.cmd.Wait() }
func (p *osProc) Kill() error { return p.cmd.Process.Kill() }

// IsWorker reports whether this process was started by a supervisor.
func IsWorker() bool {
	return os.Getenv(workerEnv) != ""
}

// WorkerID returns the pool slot of this process, "0" outside a pool.
func WorkerID() string {
	if v := os.Getenv(workerEnv); v != "" {
		return v
	}
	return "0"
}
