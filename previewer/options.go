package previewer

import (
	"time"

	"github.com/guseggert/remotepreview/frame"
	"github.com/guseggert/remotepreview/session"
	"github.com/guseggert/remotepreview/supervisor"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// DefaultConnectTimeout bounds how long Start waits for the renderer to connect and complete the handshake.
const DefaultConnectTimeout = 30 * time.Second

type Option func(c *Controller)

func WithLogger(l *zap.Logger) Option {
	return func(c *Controller) {
		c.log = l.Sugar()
	}
}

// WithLogLevel raises the minimum level of the controller's logger, whichever logger is in use.
func WithLogLevel(l zapcore.Level) Option {
	return func(c *Controller) {
		c.logLevel = &l
	}
}

// WithLauncher replaces the process supervisor. WithRuntime and WithRendererOutput have no effect when it is used.
func WithLauncher(l Launcher) Option {
	return func(c *Controller) {
		c.launcher = l
	}
}

// WithRuntime sets the host runtime executable used by the default launcher.
func WithRuntime(path string) Option {
	return func(c *Controller) {
		c.runtime = path
	}
}

// WithRendererOutput receives the renderer's stdout and stderr lines from the default launcher.
func WithRendererOutput(h supervisor.OutputHandler) Option {
	return func(c *Controller) {
		c.output = h
	}
}

func WithDispatcher(d Dispatcher) Option {
	return func(c *Controller) {
		c.dispatch = d
	}
}

func WithObserver(o Observer) Option {
	return func(c *Controller) {
		c.observers = append(c.observers, o)
	}
}

// WithConnectTimeout sets how long Start waits for the renderer. Zero waits indefinitely.
func WithConnectTimeout(d time.Duration) Option {
	return func(c *Controller) {
		c.connectTimeout = d
	}
}

// WithDPI sets the base DPI, before scaling.
func WithDPI(dpi float64) Option {
	return func(c *Controller) {
		c.dpi = dpi
	}
}

// WithScaling sets the initial preview scaling.
func WithScaling(s float64) Option {
	return func(c *Controller) {
		c.scaling = s
	}
}

// WithFrameFormat sets the image encoding of published frames.
func WithFrameFormat(f frame.Format) Option {
	return func(c *Controller) {
		c.decoder = frame.Decoder{Format: f}
	}
}

func WithFrameDecoder(d session.FrameDecoder) Option {
	return func(c *Controller) {
		c.decoder = d
	}
}
