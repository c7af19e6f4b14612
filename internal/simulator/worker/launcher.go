// Package worker launches one isolated worker per simulated client and
// supervises them until every one has been reaped.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"strconv"
	"sync/atomic"

	"github.com/wesleyorama2/mailsim/internal/simulator/metrics"
)

// Job is what a worker needs to find its identity. The worker never holds
// an interface handle; teardown belongs to the supervisor alone.
type Job struct {
	Slot      int
	Profile   string
	Address   net.IP
	Interface string
}

// Exit is how a worker ended.
type Exit struct {
	// Err is nil for a clean exit.
	Err error

	// Code is the process exit status, or -1 when killed by a signal.
	Code int

	// Report is the worker's module statistics, when it wrote one.
	Report *metrics.Report
}

// Process is a started worker.
type Process interface {
	PID() int

	// Wait blocks until the worker exits. It is called exactly once.
	Wait() Exit

	// Kill stops the worker without waiting for it.
	Kill() error
}

// Launcher starts workers.
type Launcher interface {
	Launch(ctx context.Context, job Job) (Process, error)
}

// LaunchError reports a worker that could not be started.
type LaunchError struct {
	Job Job
	Err error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launch worker for %s (slot %d): %v", e.Job.Profile, e.Job.Slot, e.Err)
}

func (e *LaunchError) Unwrap() error {
	return e.Err
}

// ============================================================================
// OS processes
// ============================================================================

// ProcessLauncher runs every worker as a child process executing the
// hidden worker command of the current binary.
type ProcessLauncher struct {
	// Executable defaults to os.Executable().
	Executable string

	// Args are passed after the worker command, before the per-job flags.
	Args []string

	// Stderr receives the workers' logs. Defaults to os.Stderr.
	Stderr io.Writer

	// Env is appended to the current environment.
	Env []string
}

// WorkerCommand is the subcommand name workers are started with.
const WorkerCommand = "worker"

func (l *ProcessLauncher) Launch(ctx context.Context, job Job) (Process, error) {
	exe := l.Executable
	if exe == "" {
		var err error
		exe, err = os.Executable()
		if err != nil {
			return nil, &LaunchError{Job: job, Err: err}
		}
	}

	args := append([]string{WorkerCommand}, l.Args...)
	args = append(args, "--profile", job.Profile, "--slot", strconv.Itoa(job.Slot))

	// Workers outlive cancellation of ctx until the supervisor kills them.
	cmd := exec.Command(exe, args...)
	cmd.Env = append(os.Environ(), l.Env...)
	stderr := l.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}
	cmd.Stderr = stderr

	p := &osProcess{cmd: cmd}
	cmd.Stdout = &p.stdout

	if err := cmd.Start(); err != nil {
		return nil, &LaunchError{Job: job, Err: err}
	}
	return p, nil
}

type osProcess struct {
	cmd    *exec.Cmd
	stdout bytes.Buffer
}

func (p *osProcess) PID() int {
	return p.cmd.Process.Pid
}

func (p *osProcess) Wait() Exit {
	err := p.cmd.Wait()
	exit := Exit{Err: err, Code: p.cmd.ProcessState.ExitCode()}

	if p.stdout.Len() > 0 {
		var rep metrics.Report
		if jerr := json.Unmarshal(p.stdout.Bytes(), &rep); jerr == nil {
			exit.Report = &rep
		} else if exit.Err == nil {
			exit.Err = fmt.Errorf("decode worker report: %w", jerr)
		}
	}
	return exit
}

func (p *osProcess) Kill() error {
	err := p.cmd.Process.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

// ============================================================================
// In-process tasks
// ============================================================================

// RunFunc is a worker body. It returns the worker's report.
type RunFunc func(ctx context.Context, job Job) (*metrics.Report, error)

// Synthetic pids start above the default Linux pid_max.
const inProcessPIDBase = 1 << 22

// InProcessLauncher runs every worker as a goroutine. Killing a worker
// cancels its context; the body is expected to return promptly.
type InProcessLauncher struct {
	Run RunFunc

	next atomic.Int32
}

func (l *InProcessLauncher) Launch(ctx context.Context, job Job) (Process, error) {
	if l.Run == nil {
		return nil, &LaunchError{Job: job, Err: errors.New("no worker body")}
	}

	// Workers are not tied to the supervisor's context; in-flight work
	// only stops on Kill.
	wctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p := &taskProcess{
		pid:    inProcessPIDBase + int(l.next.Add(1)),
		cancel: cancel,
		done:   make(chan Exit, 1),
	}

	go func() {
		defer cancel()
		rep, err := runGuarded(wctx, l.Run, job)
		exit := Exit{Err: err, Report: rep}
		switch {
		case err != nil && wctx.Err() != nil:
			exit.Code = -1
		case err != nil:
			exit.Code = 1
		}
		p.done <- exit
	}()
	return p, nil
}

func runGuarded(ctx context.Context, run RunFunc, job Job) (rep *metrics.Report, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker panicked: %v", r)
		}
	}()
	return run(ctx, job)
}

type taskProcess struct {
	pid    int
	cancel context.CancelFunc
	done   chan Exit
}

func (p *taskProcess) PID() int {
	return p.pid
}

func (p *taskProcess) Wait() Exit {
	return <-p.done
}

func (p *taskProcess) Kill() error {
	p.cancel()
	return nil
}
