// Package runner supervises a single worker process: dispatching jobs over
// the control channel, demultiplexing its event channel into live events,
// and enforcing ack, deadline, cancellation-grace, and output-cap policy.
package runner

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
)

// Proc is one live worker: its control/event byte channels and lifecycle
// controls. The exec implementation wraps a child process; tests and the
// inproc runtime mode satisfy it with pipes.
type Proc interface {
	// Control is the host-to-worker channel; closing it asks the worker
	// to exit after the current job.
	Control() io.WriteCloser
	// Events is the worker-to-host record stream.
	Events() io.Reader
	// Kill force-terminates the worker. It must cause Events to reach EOF.
	Kill() error
	// Wait reaps the worker after it exited.
	Wait() error
	Pid() int
}

// Spawner creates fresh workers for the pool.
type Spawner interface {
	Spawn(ctx context.Context) (Proc, error)
}

// SpawnerFunc adapts a function to the Spawner interface.
type SpawnerFunc func(ctx context.Context) (Proc, error)

func (f SpawnerFunc) Spawn(ctx context.Context) (Proc, error) { return f(ctx) }

var _ Spawner = (SpawnerFunc)(nil)

// ExecSpawner launches workers by re-executing the current binary with a
// worker subcommand. Each worker gets its own process group so a kill
// takes down anything it forked.
type ExecSpawner struct {
	// Binary defaults to the current executable.
	Binary string
	// Args defaults to ["worker"].
	Args []string
	// MemoryMB and BatchMs are forwarded as worker flags when non-zero.
	MemoryMB int
	BatchMs  int
	Logger   *slog.Logger
}

var _ Spawner = (*ExecSpawner)(nil)

func (s *ExecSpawner) Spawn(ctx context.Context) (Proc, error) {
	bin := s.Binary
	if bin == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolve worker binary: %w", err)
		}
		bin = exe
	}
	args := s.Args
	if len(args) == 0 {
		args = []string{"worker"}
	}
	if s.MemoryMB > 0 {
		args = append(args, "--memory-mb", strconv.Itoa(s.MemoryMB))
	}
	if s.BatchMs > 0 {
		args = append(args, "--batch-ms", strconv.Itoa(s.BatchMs))
	}

	controlR, controlW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("control pipe: %w", err)
	}
	eventR, eventW, err := os.Pipe()
	if err != nil {
		controlR.Close()
		controlW.Close()
		return nil, fmt.Errorf("event pipe: %w", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		controlR.Close()
		controlW.Close()
		eventR.Close()
		eventW.Close()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Stdin = controlR
	cmd.Stdout = eventW
	cmd.Stderr = stderrW
	setSysProcAttr(cmd)

	if err := cmd.Start(); err != nil {
		controlR.Close()
		controlW.Close()
		eventR.Close()
		eventW.Close()
		stderrR.Close()
		stderrW.Close()
		return nil, fmt.Errorf("start worker: %w", err)
	}
	// Parent copies of the child's ends must close so EOF propagates when
	// the child exits.
	controlR.Close()
	eventW.Close()
	stderrW.Close()

	log := s.Logger
	if log == nil {
		log = slog.Default()
	}
	go relayStderr(log, stderrR, cmd.Process.Pid)

	return &execProc{cmd: cmd, control: controlW, events: eventR}, nil
}

// relayStderr forwards worker diagnostics into the host log.
func relayStderr(log *slog.Logger, r io.ReadCloser, pid int) {
	defer r.Close()
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 4<<10), 256<<10)
	for sc.Scan() {
		log.Debug("worker stderr", "pid", pid, "line", sc.Text())
	}
}

type execProc struct {
	cmd     *exec.Cmd
	control io.WriteCloser
	events  io.ReadCloser
}

var _ Proc = (*execProc)(nil)

func (p *execProc) Control() io.WriteCloser { return p.control }
func (p *execProc) Events() io.Reader       { return p.events }
func (p *execProc) Pid() int                { return p.cmd.Process.Pid }

func (p *execProc) Kill() error {
	return killProcessGroup(p.cmd)
}

func (p *execProc) Wait() error {
	return p.cmd.Wait()
}
