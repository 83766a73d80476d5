// Package session runs the protocol conversation over one accepted renderer connection.
//
// A Session goes Connecting -> Handshaking -> Ready -> Closed, and reaches Closed exactly once. Outgoing messages are
// written by one goroutine at a time. Incoming messages are dispatched by a single read loop started by Handshake.
package session

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"sync"
	"time"

	inet "github.com/guseggert/remotepreview/internal/net"
	"github.com/guseggert/remotepreview/frame"
	"github.com/guseggert/remotepreview/protocol"
	"go.uber.org/zap"
)

// DefaultDPI is the base DPI sent to the renderer before scaling.
const DefaultDPI = 218

var (
	// ErrClosed is returned by sends after the session has closed.
	ErrClosed = errors.New("session closed")
	// ErrNotReady is returned by caller sends before the handshake has completed.
	ErrNotReady = errors.New("session not ready")
)

// TransportError is a failure of the underlying connection. The session is closed when one occurs.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("transport error %s: %s", e.Op, e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

type State int

const (
	Connecting State = iota
	Handshaking
	Ready
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Handshaking:
		return "handshaking"
	case Ready:
		return "ready"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// ValidFactor reports whether v can be used as a DPI or scaling factor: positive and finite.
func ValidFactor(v float64) bool {
	return v > 0 && !math.IsInf(v, 1)
}

// FrameDecoder turns a raw frame into a displayable image.
type FrameDecoder interface {
	Decode(f *protocol.Frame) (*frame.Image, error)
}

// Handlers receive inbound events. They are called from the session's read loop, one at a time. Any may be nil.
type Handlers struct {
	// OnFrame is called with each successfully decoded frame.
	OnFrame func(img *frame.Image)
	// OnResult is called with the error state carried by each SourceUpdateResult, nil meaning no error.
	OnResult func(details *protocol.ExceptionDetails)
	// OnResize is called when the renderer asks for a different viewport size.
	OnResize func(width, height float64)
	// OnClosed is called once when the session closes. err is nil for a local Close,
	// a *protocol.ProtocolError for a malformed frame, and a *TransportError otherwise.
	OnClosed func(err error)
}

type Options struct {
	Log     *zap.SugaredLogger
	Decoder FrameDecoder
	// DPI is the base DPI. Defaults to DefaultDPI.
	DPI float64
	// Scaling multiplies DPI in the render info. Defaults to 1.
	Scaling  float64
	Handlers Handlers
}

type Session struct {
	log     *zap.SugaredLogger
	conn    net.Conn
	decoder FrameDecoder
	dpi     float64

	writeMut sync.Mutex
	writer   *protocol.Writer

	mut      sync.Mutex
	state    State
	scaling  float64
	handlers Handlers
	lastAck  int64

	closeOnce sync.Once
	closed    chan struct{}
	err       error
}

// New takes ownership of conn. Nothing is sent until Handshake.
func New(conn net.Conn, opts Options) *Session {
	log := opts.Log
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	decoder := opts.Decoder
	if decoder == nil {
		decoder = frame.Decoder{}
	}
	dpi := opts.DPI
	if !ValidFactor(dpi) {
		dpi = DefaultDPI
	}
	scaling := opts.Scaling
	if !ValidFactor(scaling) {
		scaling = 1
	}
	return &Session{
		log:      log.Named("session"),
		conn:     conn,
		decoder:  decoder,
		dpi:      dpi,
		writer:   protocol.NewWriter(conn),
		state:    Connecting,
		scaling:  scaling,
		handlers: opts.Handlers,
		closed:   make(chan struct{}),
	}
}

// Handshake starts the read loop and sends the pixel format capability and the render info.
// The session is Ready when it returns nil. On error the session is closed.
func (s *Session) Handshake(ctx context.Context) error {
	s.mut.Lock()
	if s.state != Connecting {
		state := s.state
		s.mut.Unlock()
		if state == Closed {
			return ErrClosed
		}
		return fmt.Errorf("handshake in state %s", state)
	}
	s.state = Handshaking
	scaling := s.scaling
	s.mut.Unlock()

	go s.readLoop()

	s.log.Debugw("handshaking", "DPI", s.dpi, "Scaling", scaling)
	err := s.send(ctx, &protocol.ClientSupportedPixelFormats{Formats: []protocol.PixelFormat{protocol.Rgba8888}})
	if err != nil {
		s.closeWith(&TransportError{Op: "handshaking", Err: err})
		return fmt.Errorf("sending pixel formats: %w", err)
	}
	if err := s.send(ctx, s.renderInfo(scaling)); err != nil {
		s.closeWith(&TransportError{Op: "handshaking", Err: err})
		return fmt.Errorf("sending render info: %w", err)
	}

	s.mut.Lock()
	defer s.mut.Unlock()
	if s.state != Handshaking {
		return ErrClosed
	}
	s.state = Ready
	s.log.Debug("ready")
	return nil
}

func (s *Session) renderInfo(scaling float64) *protocol.ClientRenderInfo {
	return &protocol.ClientRenderInfo{DpiX: s.dpi * scaling, DpiY: s.dpi * scaling}
}

func (s *Session) SendSourceUpdate(ctx context.Context, assemblyPath, text string) error {
	return s.sendReady(ctx, &protocol.SourceUpdate{AssemblyPath: assemblyPath, Text: text})
}

func (s *Session) SendInput(ctx context.Context, ev *protocol.InputEvent) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	return s.sendReady(ctx, ev)
}

// SetScaling records the new scaling and sends updated render info.
func (s *Session) SetScaling(ctx context.Context, scaling float64) error {
	if !ValidFactor(scaling) {
		return fmt.Errorf("invalid scaling %g", scaling)
	}
	if err := s.checkReady(); err != nil {
		return err
	}
	s.mut.Lock()
	s.scaling = scaling
	s.mut.Unlock()
	return s.send(ctx, s.renderInfo(scaling))
}

func (s *Session) Scaling() float64 {
	s.mut.Lock()
	defer s.mut.Unlock()
	return s.scaling
}

func (s *Session) State() State {
	s.mut.Lock()
	defer s.mut.Unlock()
	return s.state
}

// LastAck is the sequence id of the most recently acknowledged frame, or 0.
func (s *Session) LastAck() int64 {
	s.mut.Lock()
	defer s.mut.Unlock()
	return s.lastAck
}

// Closed is closed when the session reaches the Closed state.
func (s *Session) Closed() <-chan struct{} { return s.closed }

// Err returns the reason the session closed, or nil if it is open or was closed locally.
func (s *Session) Err() error {
	select {
	case <-s.closed:
		return s.err
	default:
		return nil
	}
}

// Detach removes all handlers, so that closing the session does not call back into its owner.
// A handler that is already running is not interrupted.
func (s *Session) Detach() {
	s.mut.Lock()
	defer s.mut.Unlock()
	s.handlers = Handlers{}
}

// Close closes the connection. It is safe to call more than once.
func (s *Session) Close() error {
	s.closeWith(nil)
	return nil
}

func (s *Session) checkReady() error {
	switch s.State() {
	case Ready:
		return nil
	case Closed:
		return ErrClosed
	default:
		return ErrNotReady
	}
}

func (s *Session) sendReady(ctx context.Context, msg protocol.Message) error {
	if err := s.checkReady(); err != nil {
		return err
	}
	return s.send(ctx, msg)
}

// send writes one message. A failed or interrupted write leaves the stream misaligned, so it closes the session.
func (s *Session) send(ctx context.Context, msg protocol.Message) error {
	s.writeMut.Lock()
	defer s.writeMut.Unlock()

	select {
	case <-s.closed:
		return ErrClosed
	default:
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = s.conn.SetWriteDeadline(deadline)
	}
	fired := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		defer close(fired)
		_ = s.conn.SetWriteDeadline(time.Now())
	})
	defer func() {
		if !stop() {
			<-fired
		}
		_ = s.conn.SetWriteDeadline(time.Time{})
	}()

	if err := s.writer.Write(msg); err != nil {
		terr := &TransportError{Op: fmt.Sprintf("writing %T", msg), Err: err}
		s.closeWith(terr)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if s.isLocallyClosed() {
			return ErrClosed
		}
		return terr
	}
	return nil
}

func (s *Session) isLocallyClosed() bool {
	select {
	case <-s.closed:
		return s.err == nil
	default:
		return false
	}
}

func (s *Session) readLoop() {
	r := protocol.NewReader(s.conn)
	for {
		msg, err := r.Read()
		if err != nil {
			var perr *protocol.ProtocolError
			switch {
			case errors.As(err, &perr):
				s.log.Errorw("protocol error, closing session", "Error", err)
				s.closeWith(perr)
			case inet.IsExpectedCloseError(err):
				s.log.Debugw("connection closed", "Error", err)
				s.closeWith(&TransportError{Op: "reading", Err: err})
			default:
				s.log.Errorw("read failed, closing session", "Error", err)
				s.closeWith(&TransportError{Op: "reading", Err: err})
			}
			return
		}
		s.dispatch(msg)
	}
}

func (s *Session) currentHandlers() Handlers {
	s.mut.Lock()
	defer s.mut.Unlock()
	return s.handlers
}

func (s *Session) dispatch(msg protocol.Message) {
	switch m := msg.(type) {
	case *protocol.Frame:
		s.handleFrame(m)
	case *protocol.SourceUpdateResult:
		details := m.Details()
		if details != nil {
			s.log.Debugw("source update failed", "Error", details.Error())
		}
		if h := s.currentHandlers().OnResult; h != nil {
			h(details)
		}
	case *protocol.ViewportResizeRequest:
		s.log.Debugw("viewport resize requested", "Width", m.Width, "Height", m.Height)
		if h := s.currentHandlers().OnResize; h != nil {
			h(m.Width, m.Height)
		}
	default:
		s.log.Warnw("ignoring unexpected message", "Type", fmt.Sprintf("%T", msg))
	}
}

// handleFrame decodes and publishes a frame, then acknowledges it. The ack is sent whether or not decoding worked,
// since the renderer does not send another frame until it sees one.
func (s *Session) handleFrame(f *protocol.Frame) {
	img, err := s.decoder.Decode(f)
	if err != nil {
		s.log.Warnw("dropping frame", "SequenceID", f.SequenceID, "Error", err)
	} else if h := s.currentHandlers().OnFrame; h != nil {
		h(img)
	}

	if err := s.send(context.Background(), &protocol.FrameAck{SequenceID: f.SequenceID}); err != nil {
		s.log.Debugw("acknowledging frame", "SequenceID", f.SequenceID, "Error", err)
		return
	}
	s.mut.Lock()
	s.lastAck = f.SequenceID
	s.mut.Unlock()
}

func (s *Session) closeWith(reason error) {
	first := false
	var onClosed func(error)
	s.closeOnce.Do(func() {
		first = true
		s.mut.Lock()
		s.state = Closed
		onClosed = s.handlers.OnClosed
		s.mut.Unlock()

		s.err = reason
		if err := s.conn.Close(); err != nil && !inet.IsExpectedCloseError(err) {
			s.log.Debugw("closing connection", "Error", err)
		}
		close(s.closed)
		s.log.Debugw("session closed", "Reason", reason)
	})
	if first && onClosed != nil {
		onClosed(reason)
	}
}
