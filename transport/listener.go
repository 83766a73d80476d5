// Package transport accepts the reverse connection from a renderer process.
//
// The previewer is the server: it binds a loopback port first, passes the port to the renderer on its command line,
// and then waits for the renderer to dial back. Exactly one connection is accepted per listener.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	inet "github.com/guseggert/remotepreview/internal/net"
	"go.uber.org/zap"
)

// Scheme is the URI scheme the renderer expects for its --transport argument.
const Scheme = "tcp-bson"

var (
	// ErrClosed is returned by Accept when the listener was closed before a connection arrived.
	ErrClosed = errors.New("listener closed")
	// ErrAcceptCalled is returned when Accept is called more than once.
	ErrAcceptCalled = errors.New("accept already called")
)

type Listener struct {
	log  *zap.SugaredLogger
	ln   *net.TCPListener
	port int

	accepting atomic.Bool
	closeOnce sync.Once
	closeErr  error
	closed    atomic.Bool
}

// Open binds an ephemeral loopback port. The port is known as soon as Open returns, before any connection exists.
func Open(log *zap.SugaredLogger) (*Listener, error) {
	ln, port, err := inet.ListenLoopbackTCP()
	if err != nil {
		return nil, err
	}
	l := &Listener{
		log:  log.Named("listener"),
		ln:   ln,
		port: port,
	}
	l.log.Debugw("listening", "Port", port)
	return l, nil
}

func (l *Listener) Port() int { return l.port }

// URI is the value to pass to the renderer's --transport flag.
func (l *Listener) URI() string {
	return fmt.Sprintf("%s://127.0.0.1:%d/", Scheme, l.port)
}

// Accept waits for the first inbound connection and then stops listening. If ctx is done first, the listener is closed
// and the context's cause is returned.
func (l *Listener) Accept(ctx context.Context) (net.Conn, error) {
	if !l.accepting.CompareAndSwap(false, true) {
		return nil, ErrAcceptCalled
	}
	stop := context.AfterFunc(ctx, func() { _ = l.Close() })
	defer stop()

	conn, err := l.ln.Accept()
	_ = l.Close()
	if err != nil {
		if ctx.Err() != nil {
			return nil, context.Cause(ctx)
		}
		if l.closed.Load() && errors.Is(err, net.ErrClosed) {
			return nil, ErrClosed
		}
		return nil, fmt.Errorf("accepting connection: %w", err)
	}
	l.log.Debugw("accepted connection", "RemoteAddr", conn.RemoteAddr().String())
	return conn, nil
}

// Close stops listening. It is safe to call more than once and from any goroutine; a pending Accept returns ErrClosed.
func (l *Listener) Close() error {
	l.closeOnce.Do(func() {
		l.closed.Store(true)
		l.closeErr = l.ln.Close()
		l.log.Debugw("closed listener", "Port", l.port)
	})
	return l.closeErr
}
