// Package previewer controls the lifecycle of an out-of-process markup renderer.
//
// A Controller launches the renderer with a reverse-connect URI, waits for it to connect and complete the handshake,
// forwards source, input and scaling changes to it, and publishes the frames, markup errors and lifecycle events it
// produces to Observers. Start, Stop and crash teardown are serialized; observer callbacks go through a Dispatcher so
// hosts can move them onto their own execution context.
package previewer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/guseggert/remotepreview/frame"
	"github.com/guseggert/remotepreview/internal/promise"
	"github.com/guseggert/remotepreview/protocol"
	"github.com/guseggert/remotepreview/session"
	"github.com/guseggert/remotepreview/supervisor"
	"github.com/guseggert/remotepreview/transport"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	// killTimeout bounds how long teardown waits for a killed renderer to be reaped.
	killTimeout = 10 * time.Second
	// exitGrace is how long a lost connection waits for the renderer to exit on its own, so the crash carries its exit code.
	exitGrace = time.Second
)

// Launcher starts renderer processes. *supervisor.Supervisor is the production implementation.
type Launcher interface {
	Launch(ctx context.Context, req supervisor.LaunchRequest) (*supervisor.Process, error)
}

// Status is a snapshot of the controller's observable state.
type Status struct {
	Running   bool                       `json:"running"`
	Ready     bool                       `json:"ready"`
	PID       int                        `json:"pid,omitempty"`
	Scaling   float64                    `json:"scaling"`
	LastFrame int64                      `json:"lastFrame,omitempty"`
	Error     *protocol.ExceptionDetails `json:"error,omitempty"`
}

type event func(o Observer)

type Controller struct {
	log            *zap.SugaredLogger
	logLevel       *zapcore.Level
	launcher       Launcher
	runtime        string
	output         supervisor.OutputHandler
	dispatch       Dispatcher
	connectTimeout time.Duration
	dpi            float64
	decoder        session.FrameDecoder

	observersMut sync.Mutex
	observers    []Observer

	// gen identifies the current Start. Callbacks carrying an older generation belong to a torn-down renderer.
	gen atomic.Uint64

	// lifecycle serializes Start setup and commit, Stop, and crash teardown. It is not held while Start waits.
	lifecycle    sync.Mutex
	listener     *transport.Listener
	process      *supervisor.Process
	session      *session.Session
	pending      *promise.Promise[*session.Session]
	assemblyPath string

	mut      sync.Mutex
	running  bool
	ready    bool
	pid      int
	scaling  float64
	image    *frame.Image
	errState *protocol.ExceptionDetails
}

// New constructs a stopped controller.
func New(opts ...Option) (*Controller, error) {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	c := &Controller{
		log:            logger.Sugar(),
		dispatch:       Inline,
		connectTimeout: DefaultConnectTimeout,
		dpi:            session.DefaultDPI,
		scaling:        1,
		decoder:        frame.Decoder{},
	}
	for _, o := range opts {
		o(c)
	}
	if !session.ValidFactor(c.scaling) {
		return nil, fmt.Errorf("invalid scaling %g", c.scaling)
	}
	if !session.ValidFactor(c.dpi) {
		return nil, fmt.Errorf("invalid DPI %g", c.dpi)
	}
	if c.logLevel != nil {
		c.log = c.log.WithOptions(zap.IncreaseLevel(*c.logLevel))
	}
	c.log = c.log.Named("previewer")
	if c.launcher == nil {
		sup := supervisor.New(c.log)
		if c.runtime != "" {
			sup.Runtime = c.runtime
		}
		sup.Output = c.output
		c.launcher = sup
	}
	return c, nil
}

// AddObserver registers o for future events. o must be comparable so that it can be removed.
func (c *Controller) AddObserver(o Observer) {
	c.observersMut.Lock()
	defer c.observersMut.Unlock()
	c.observers = append(c.observers, o)
}

// RemoveObserver unregisters o. Events already handed to the dispatcher may still reach it.
func (c *Controller) RemoveObserver(o Observer) {
	c.observersMut.Lock()
	defer c.observersMut.Unlock()
	for i := 0; i < len(c.observers); i++ {
		if c.observers[i] == o {
			c.observers = append(c.observers[:i], c.observers[i+1:]...)
			i--
		}
	}
}

func (c *Controller) emit(events ...event) {
	if len(events) == 0 {
		return
	}
	c.observersMut.Lock()
	observers := append([]Observer(nil), c.observers...)
	c.observersMut.Unlock()
	if len(observers) == 0 {
		return
	}
	c.dispatch(func() {
		for _, e := range events {
			for _, o := range observers {
				e(o)
			}
		}
	})
}

// Start launches the renderer and waits until it has connected and the handshake is done, the renderer exits,
// Stop is called, ctx is done, or the connect timeout elapses. Whatever happens first decides the result.
// On failure everything Start created has been torn down by the time it returns.
func (c *Controller) Start(ctx context.Context, assemblyPath, executablePath, hostAppPath string) error {
	c.lifecycle.Lock()
	if c.process != nil || c.pending != nil {
		c.lifecycle.Unlock()
		return ErrAlreadyRunning
	}

	req := supervisor.LaunchRequest{
		AssemblyPath:   assemblyPath,
		ExecutablePath: executablePath,
		HostAppPath:    hostAppPath,
	}
	if err := supervisor.Validate(req); err != nil {
		c.lifecycle.Unlock()
		return err
	}

	ln, err := transport.Open(c.log)
	if err != nil {
		c.lifecycle.Unlock()
		return fmt.Errorf("opening listener: %w", err)
	}

	gen := c.gen.Add(1)
	p := promise.New[*session.Session]()
	req.ListenURI = ln.URI()
	req.OnExit = func(code int) { c.onProcessExit(gen, p, code) }

	proc, err := c.launcher.Launch(ctx, req)
	if err != nil {
		_ = ln.Close()
		c.lifecycle.Unlock()
		return fmt.Errorf("launching renderer: %w", err)
	}

	c.listener = ln
	c.process = proc
	c.pending = p
	c.assemblyPath = assemblyPath
	c.mut.Lock()
	c.running = true
	c.ready = false
	c.pid = proc.PID()
	c.image = nil
	c.errState = nil
	scaling := c.scaling
	c.mut.Unlock()
	c.log.Infow("renderer launched", "PID", proc.PID(), "ListenURI", req.ListenURI)

	acceptCtx, cancelAccept := context.WithCancel(context.Background())
	go c.accept(acceptCtx, gen, ln, p, scaling)
	c.lifecycle.Unlock()

	c.awaitStartup(ctx, p)
	sess, err := p.Wait(context.Background())
	cancelAccept()

	return c.commitStart(p, proc, sess, err)
}

// awaitStartup returns once p is settled, settling it itself on ctx done or timeout.
func (c *Controller) awaitStartup(ctx context.Context, p *promise.Promise[*session.Session]) {
	var timeout <-chan time.Time
	if c.connectTimeout > 0 {
		t := time.NewTimer(c.connectTimeout)
		defer t.Stop()
		timeout = t.C
	}
	select {
	case <-p.Done():
	case <-ctx.Done():
		p.Reject(fmt.Errorf("waiting for renderer: %w", context.Cause(ctx)))
	case <-timeout:
		p.Reject(fmt.Errorf("%w after %s", ErrConnectTimeout, c.connectTimeout))
	}
}

// accept waits for the renderer's connection and runs the handshake. If Start has already been decided by the time
// the handshake finishes, the session is closed here since nobody else will own it.
func (c *Controller) accept(ctx context.Context, gen uint64, ln *transport.Listener, p *promise.Promise[*session.Session], scaling float64) {
	conn, err := ln.Accept(ctx)
	if err != nil {
		p.Reject(fmt.Errorf("accepting renderer connection: %w", err))
		return
	}
	sess := session.New(conn, session.Options{
		Log:      c.log,
		Decoder:  c.decoder,
		DPI:      c.dpi,
		Scaling:  scaling,
		Handlers: c.handlers(gen),
	})
	if err := sess.Handshake(ctx); err != nil {
		p.Reject(fmt.Errorf("handshaking with renderer: %w", err))
		return
	}
	if !p.Resolve(sess) {
		sess.Detach()
		_ = sess.Close()
	}
}

func (c *Controller) commitStart(p *promise.Promise[*session.Session], proc *supervisor.Process, sess *session.Session, err error) error {
	c.lifecycle.Lock()
	if c.pending != p {
		// Stop got here first and has torn everything down.
		c.lifecycle.Unlock()
		return ErrStoppedDuringStartup
	}
	c.pending = nil

	if err == nil {
		c.session = sess
		switch {
		case !proc.Running():
			err = &ProcessExitedError{ExitCode: proc.ExitCode()}
		case sess.State() == session.Closed:
			cause := sess.Err()
			if cause == nil {
				cause = session.ErrClosed
			}
			err = fmt.Errorf("renderer disconnected during startup: %w", cause)
		}
	}
	if err != nil {
		c.log.Infow("startup failed", "Error", err)
		if terr := c.teardownLocked(); terr != nil {
			c.log.Warnw("tearing down after failed startup", "Error", terr)
		}
		c.lifecycle.Unlock()
		return err
	}

	c.mut.Lock()
	c.ready = true
	c.mut.Unlock()
	c.lifecycle.Unlock()

	c.log.Info("previewer started")
	c.emit(func(o Observer) { o.OnStarted() })
	return nil
}

// Stop tears down the listener, the session and the renderer process, in that order. It is a no-op when nothing is
// running, and makes a pending Start fail with ErrStoppedDuringStartup.
func (c *Controller) Stop() error {
	c.lifecycle.Lock()
	if c.pending == nil && c.process == nil {
		c.lifecycle.Unlock()
		return nil
	}
	c.log.Info("stopping previewer")
	if p := c.pending; p != nil {
		if !p.Reject(ErrStoppedDuringStartup) {
			// the handshake finished but Start has not committed yet, so the session is ours to close
			if sess, err := p.Wait(context.Background()); err == nil {
				c.session = sess
			}
		}
	}
	err := c.teardownLocked()
	c.lifecycle.Unlock()

	c.emit(func(o Observer) { o.OnStopped() })
	return err
}

// teardownLocked releases every resource of the current generation. The caller holds lifecycle.
func (c *Controller) teardownLocked() error {
	c.gen.Add(1)
	var errs []error
	if c.listener != nil {
		if err := c.listener.Close(); err != nil {
			c.log.Debugw("closing listener", "Error", err)
		}
		c.listener = nil
	}
	if c.session != nil {
		c.session.Detach()
		_ = c.session.Close()
		c.session = nil
	}
	if c.process != nil {
		if err := c.process.Kill(); err != nil {
			errs = append(errs, err)
		}
		select {
		case <-c.process.Done():
		case <-time.After(killTimeout):
			errs = append(errs, fmt.Errorf("renderer %d did not exit within %s of being killed", c.process.PID(), killTimeout))
		}
		c.process = nil
	}
	c.pending = nil
	c.assemblyPath = ""

	c.mut.Lock()
	c.running = false
	c.ready = false
	c.pid = 0
	c.mut.Unlock()
	return errors.Join(errs...)
}

func (c *Controller) onProcessExit(gen uint64, p *promise.Promise[*session.Session], code int) {
	events := []event{func(o Observer) { o.OnProcessExited(code) }}

	c.lifecycle.Lock()
	switch {
	case c.gen.Load() != gen:
		c.log.Debugw("stopped renderer exited", "ExitCode", code)
	case c.pending == p:
		// Start is still waiting. If the connection won the race, Start sees the dead process when it commits.
		p.Reject(&ProcessExitedError{ExitCode: code})
	case c.process != nil:
		c.log.Warnw("renderer exited unexpectedly", "ExitCode", code)
		if err := c.teardownLocked(); err != nil {
			c.log.Warnw("tearing down after crash", "Error", err)
		}
		crash := &CrashError{ExitCode: code}
		events = append(events,
			func(o Observer) { o.OnCrashed(crash) },
			func(o Observer) { o.OnStopped() },
		)
	}
	c.lifecycle.Unlock()

	c.emit(events...)
}

func (c *Controller) onSessionClosed(gen uint64, err error) {
	if err == nil {
		return
	}
	c.lifecycle.Lock()
	if c.gen.Load() != gen || c.session == nil {
		c.lifecycle.Unlock()
		return
	}
	c.log.Warnw("renderer connection lost", "Error", err)

	code := -1
	select {
	case <-c.process.Done():
		code = c.process.ExitCode()
	case <-time.After(exitGrace):
	}
	if terr := c.teardownLocked(); terr != nil {
		c.log.Warnw("tearing down after lost connection", "Error", terr)
	}
	c.lifecycle.Unlock()

	crash := &CrashError{ExitCode: code, Err: err}
	c.emit(
		func(o Observer) { o.OnCrashed(crash) },
		func(o Observer) { o.OnStopped() },
	)
}

func (c *Controller) handlers(gen uint64) session.Handlers {
	return session.Handlers{
		OnFrame: func(img *frame.Image) {
			if c.gen.Load() != gen {
				return
			}
			c.mut.Lock()
			c.image = img
			c.mut.Unlock()
			c.emit(func(o Observer) { o.OnFrame(img) })
		},
		OnResult: func(details *protocol.ExceptionDetails) {
			if c.gen.Load() != gen {
				return
			}
			c.mut.Lock()
			changed := !c.errState.Equal(details)
			c.errState = details
			c.mut.Unlock()
			if changed {
				c.emit(func(o Observer) { o.OnErrorChanged(details) })
			}
		},
		OnResize: func(width, height float64) {
			if c.gen.Load() != gen {
				return
			}
			c.emit(func(o Observer) { o.OnViewportResize(width, height) })
		},
		OnClosed: func(err error) { c.onSessionClosed(gen, err) },
	}
}

func (c *Controller) readySession() (*session.Session, string, error) {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	if c.session == nil || c.session.State() != session.Ready {
		return nil, "", ErrNotReady
	}
	return c.session, c.assemblyPath, nil
}

func notReady(err error) error {
	if errors.Is(err, session.ErrClosed) || errors.Is(err, session.ErrNotReady) {
		return fmt.Errorf("%w: %w", ErrNotReady, err)
	}
	return err
}

// UpdateSource sends new markup text to the renderer. The result arrives asynchronously as an error state change
// and, if the markup is valid, a frame.
func (c *Controller) UpdateSource(ctx context.Context, text string) error {
	sess, assemblyPath, err := c.readySession()
	if err != nil {
		return err
	}
	return notReady(sess.SendSourceUpdate(ctx, assemblyPath, text))
}

func (c *Controller) SendInput(ctx context.Context, ev *protocol.InputEvent) error {
	sess, _, err := c.readySession()
	if err != nil {
		return err
	}
	return notReady(sess.SendInput(ctx, ev))
}

// SetScaling changes the preview scaling and tells the renderer the new effective DPI.
func (c *Controller) SetScaling(ctx context.Context, scaling float64) error {
	sess, _, err := c.readySession()
	if err != nil {
		return err
	}
	if err := sess.SetScaling(ctx, scaling); err != nil {
		return notReady(err)
	}
	c.mut.Lock()
	c.scaling = scaling
	c.mut.Unlock()
	return nil
}

// IsRunning reports whether a renderer process is alive.
func (c *Controller) IsRunning() bool {
	c.mut.Lock()
	defer c.mut.Unlock()
	return c.running
}

// IsReady reports whether the handshake has completed and operations can be sent.
func (c *Controller) IsReady() bool {
	c.mut.Lock()
	defer c.mut.Unlock()
	return c.ready
}

// Image returns the most recently decoded frame, or nil.
func (c *Controller) Image() *frame.Image {
	c.mut.Lock()
	defer c.mut.Unlock()
	return c.image
}

// ErrorState returns the renderer's current markup error, or nil.
func (c *Controller) ErrorState() *protocol.ExceptionDetails {
	c.mut.Lock()
	defer c.mut.Unlock()
	return c.errState
}

func (c *Controller) Scaling() float64 {
	c.mut.Lock()
	defer c.mut.Unlock()
	return c.scaling
}

func (c *Controller) Status() Status {
	c.mut.Lock()
	defer c.mut.Unlock()
	s := Status{
		Running: c.running,
		Ready:   c.ready,
		PID:     c.pid,
		Scaling: c.scaling,
		Error:   c.errState,
	}
	if c.image != nil {
		s.LastFrame = c.image.SequenceID
	}
	return s
}
