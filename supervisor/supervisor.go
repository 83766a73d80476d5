// Package supervisor launches renderer processes and watches them until they exit.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultRuntime is the host runtime used to execute the renderer's host app.
const DefaultRuntime = "dotnet"

// waitDelay bounds how long Wait keeps copying output after the process exits,
// in case a grandchild still holds stdout or stderr open.
const waitDelay = 2 * time.Second

type Stream int

const (
	Stdout Stream = iota
	Stderr
)

func (s Stream) String() string {
	if s == Stderr {
		return "stderr"
	}
	return "stdout"
}

// OutputHandler receives renderer output one line at a time. Output is diagnostic only, it is not part of the protocol.
type OutputHandler func(stream Stream, line string)

type LaunchRequest struct {
	AssemblyPath   string
	ExecutablePath string
	HostAppPath    string
	// ListenURI is passed to the renderer as --transport so it can connect back.
	ListenURI string
	// OnExit is called exactly once with the exit code after the process exits, whether it was killed or crashed.
	OnExit func(code int)
}

// Supervisor launches renderer processes.
type Supervisor struct {
	Log *zap.SugaredLogger
	// Runtime is the host runtime executable. Defaults to DefaultRuntime, resolved via PATH.
	Runtime string
	// Env is appended to the current environment of launched processes.
	Env []string
	// Output, if set, receives every non-blank output line in addition to the log.
	Output OutputHandler
}

func New(log *zap.SugaredLogger) *Supervisor {
	return &Supervisor{Log: log.Named("supervisor"), Runtime: DefaultRuntime}
}

// Args returns the runtime arguments used to launch the renderer for req.
func Args(req LaunchRequest) []string {
	return []string{
		"exec",
		"--runtimeconfig", RuntimeConfigPath(req.ExecutablePath),
		"--depsfile", DepsPath(req.ExecutablePath),
		req.HostAppPath,
		"--transport", req.ListenURI,
		req.ExecutablePath,
	}
}

// Launch validates the request paths and starts the renderer. No process is spawned if validation fails.
func (s *Supervisor) Launch(ctx context.Context, req LaunchRequest) (*Process, error) {
	if err := Validate(req); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	runtime := s.Runtime
	if runtime == "" {
		runtime = DefaultRuntime
	}
	args := Args(req)

	cmd := exec.Command(runtime, args...)
	if len(s.Env) > 0 {
		cmd.Env = append(os.Environ(), s.Env...)
	}
	cmd.WaitDelay = waitDelay

	p := &Process{
		log:  s.Log.Named("process"),
		cmd:  cmd,
		done: make(chan struct{}),
	}
	stdout := &lineWriter{stream: Stdout, handle: s.handleLine}
	stderr := &lineWriter{stream: Stderr, handle: s.handleLine}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	s.Log.Infow("starting renderer", "Runtime", runtime, "Args", args)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting renderer: %w", err)
	}
	p.log = p.log.With("PID", cmd.Process.Pid)

	go func() {
		err := cmd.Wait()
		stdout.Flush()
		stderr.Flush()

		code := cmd.ProcessState.ExitCode()
		if err != nil {
			var exitErr *exec.ExitError
			if !errors.As(err, &exitErr) {
				p.log.Debugf("unexpected wait error: %s", err)
			}
		}
		p.mut.Lock()
		p.exitCode = code
		p.mut.Unlock()
		close(p.done)

		p.log.Infow("renderer exited", "ExitCode", code)
		if req.OnExit != nil {
			req.OnExit(code)
		}
	}()

	return p, nil
}

func (s *Supervisor) handleLine(stream Stream, line string) {
	if stream == Stderr {
		s.Log.Errorw("renderer output", "Stream", stream.String(), "Line", line)
	} else {
		s.Log.Debugw("renderer output", "Stream", stream.String(), "Line", line)
	}
	if s.Output != nil {
		s.Output(stream, line)
	}
}

// Process is a running (or exited) renderer process.
type Process struct {
	log  *zap.SugaredLogger
	cmd  *exec.Cmd
	done chan struct{}

	mut      sync.Mutex
	exitCode int
}

func (p *Process) PID() int { return p.cmd.Process.Pid }

// Done is closed after the process has exited and its handle has been released.
func (p *Process) Done() <-chan struct{} { return p.done }

func (p *Process) Running() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// ExitCode returns the exit code, or -1 if the process has not exited or was killed by a signal.
func (p *Process) ExitCode() int {
	if p.Running() {
		return -1
	}
	p.mut.Lock()
	defer p.mut.Unlock()
	return p.exitCode
}

// Kill requests termination. A process that has already exited is not an error.
func (p *Process) Kill() error {
	if !p.Running() {
		return nil
	}
	p.log.Debug("killing renderer")
	err := p.cmd.Process.Kill()
	if err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("killing renderer: %w", err)
	}
	return nil
}

// Wait blocks until the process exits or ctx is done.
func (p *Process) Wait(ctx context.Context) (int, error) {
	select {
	case <-p.done:
		return p.ExitCode(), nil
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}
