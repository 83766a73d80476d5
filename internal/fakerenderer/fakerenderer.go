// Package fakerenderer is a stand-in for the external renderer. Tests use it in-process over a net.Conn,
// or as a child process by re-executing the test binary with EnvMode set.
package fakerenderer

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/guseggert/remotepreview/protocol"
)

// EnvMode selects the child process behavior. See Run.
const EnvMode = "REMOTEPREVIEW_FAKE_RENDERER"

// BadMarkup is the substring that makes the fake renderer report a markup error.
const BadMarkup = "<bad"

// CrashKey, sent as a key-down input event, makes the fake renderer exit with CrashExitCode.
const (
	CrashKey      = "F4"
	CrashExitCode = 7
)

type Options struct {
	// BadFrames makes every frame's buffer one byte short of its declared dimensions.
	BadFrames bool
	// Log receives one line per notable event ("handshake", "ack <seq>", ...). May be nil.
	Log io.Writer
	// OnCrashKey is called when CrashKey is received. Defaults to returning from Serve.
	OnCrashKey func()
}

// Serve speaks the renderer side of the protocol on conn until the connection ends.
// After the handshake it renders one frame per source update, and reports markup containing BadMarkup as an error.
func Serve(conn net.Conn, opts Options) error {
	logf := func(format string, args ...any) {
		if opts.Log != nil {
			fmt.Fprintf(opts.Log, format+"\n", args...)
		}
	}

	r := protocol.NewReader(conn)
	w := protocol.NewWriter(conn)

	renderInfo, err := readHandshake(r)
	if err != nil {
		return err
	}
	logf("handshake dpi=%g", renderInfo.DpiX)

	var seq int64
	for {
		msg, err := r.Read()
		if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
			return nil
		}
		if err != nil {
			return err
		}
		switch m := msg.(type) {
		case *protocol.SourceUpdate:
			logf("source %s", m.Text)
			if strings.Contains(m.Text, BadMarkup) {
				line := 1
				err = w.Write(&protocol.SourceUpdateResult{Exception: &protocol.ExceptionDetails{
					ExceptionType: "XmlException",
					Message:       "unexpected eof",
					LineNumber:    &line,
				}})
				if err != nil {
					return err
				}
				continue
			}
			if err := w.Write(&protocol.SourceUpdateResult{}); err != nil {
				return err
			}
			seq++
			if err := w.Write(testFrame(seq, opts.BadFrames)); err != nil {
				return err
			}
		case *protocol.FrameAck:
			logf("ack %d", m.SequenceID)
		case *protocol.ClientRenderInfo:
			logf("render info dpi=%g", m.DpiX)
		case *protocol.InputEvent:
			logf("input %s", m.Kind)
			if m.Kind == protocol.KeyDown && m.Key == CrashKey {
				if opts.OnCrashKey != nil {
					opts.OnCrashKey()
				}
				return nil
			}
			if m.Kind == protocol.Scroll {
				err := w.Write(&protocol.ViewportResizeRequest{Width: 640 + m.DeltaX, Height: 480 + m.DeltaY})
				if err != nil {
					return err
				}
			}
		default:
			return fmt.Errorf("unexpected message %T", msg)
		}
	}
}

func readHandshake(r *protocol.Reader) (*protocol.ClientRenderInfo, error) {
	formats, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("reading pixel formats: %w", err)
	}
	if _, ok := formats.(*protocol.ClientSupportedPixelFormats); !ok {
		return nil, fmt.Errorf("expected pixel formats first, got %T", formats)
	}
	info, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("reading render info: %w", err)
	}
	renderInfo, ok := info.(*protocol.ClientRenderInfo)
	if !ok {
		return nil, fmt.Errorf("expected render info second, got %T", info)
	}
	return renderInfo, nil
}

// Misbehave completes the handshake and waits for the next message. Then, with garbage set, it writes a frame of
// an unknown message type; otherwise it closes conn.
func Misbehave(conn net.Conn, garbage bool) error {
	r := protocol.NewReader(conn)
	if _, err := readHandshake(r); err != nil {
		return err
	}
	if _, err := r.Read(); err != nil {
		return fmt.Errorf("reading first message: %w", err)
	}
	if !garbage {
		return conn.Close()
	}
	// a zero length and the nil UUID, which is not a registered message type
	_, err := conn.Write(make([]byte, 20))
	return err
}

func testFrame(seq int64, bad bool) *protocol.Frame {
	const width, height = 2, 2
	data := make([]byte, 0, width*height*4)
	for i := 0; i < width*height; i++ {
		data = append(data, 0xff, byte(seq), 0x00, 0xff)
	}
	if bad {
		data = data[:len(data)-1]
	}
	return &protocol.Frame{SequenceID: seq, Width: width, Height: height, Format: protocol.Rgba8888, Data: data}
}

// Run is the child process entry point. Modes:
//
//	serve        connect to --transport and Serve
//	serve-bad    like serve, with BadFrames
//	exit:<code>  write a line to stdout and stderr, then exit with code
//	hang         never connect, sleep until killed
//	drop         handshake, close the connection on the first message, then sleep until killed
//	garbage      handshake, answer the first message with an unknown message type, then sleep until killed
//	args         print each argument on its own line and exit 0
func Run(mode string, args []string) int {
	switch {
	case mode == "args":
		for _, a := range args {
			fmt.Println(a)
		}
		return 0
	case strings.HasPrefix(mode, "exit:"):
		code, err := strconv.Atoi(strings.TrimPrefix(mode, "exit:"))
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 2
		}
		fmt.Println("fake renderer starting")
		fmt.Fprintln(os.Stderr, "fake renderer failing")
		return code
	case mode == "hang":
		for {
			time.Sleep(time.Hour)
		}
	case mode == "drop", mode == "garbage":
		addr, err := transportAddr(args)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 2
		}
		conn, err := net.Dial("tcp", addr)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 3
		}
		if err := Misbehave(conn, mode == "garbage"); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		fmt.Println("misbehaved")
		for {
			time.Sleep(time.Hour)
		}
	case mode == "serve", mode == "serve-bad":
		addr, err := transportAddr(args)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 2
		}
		conn, err := net.Dial("tcp", addr)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 3
		}
		defer conn.Close()
		crashed := false
		err = Serve(conn, Options{
			BadFrames:  mode == "serve-bad",
			Log:        os.Stdout,
			OnCrashKey: func() { crashed = true },
		})
		if crashed {
			return CrashExitCode
		}
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		return 0
	default:
		fmt.Fprintf(os.Stderr, "unknown mode %q\n", mode)
		return 2
	}
}

// transportAddr extracts host:port from the --transport argument of the launch command line.
func transportAddr(args []string) (string, error) {
	for i, a := range args {
		if a != "--transport" || i+1 >= len(args) {
			continue
		}
		u, err := url.Parse(args[i+1])
		if err != nil {
			return "", fmt.Errorf("parsing transport URI: %w", err)
		}
		return u.Host, nil
	}
	return "", errors.New("no --transport argument")
}

// MaybeRun runs the fake renderer and exits if EnvMode is set. Call it first thing in TestMain.
func MaybeRun() {
	mode := os.Getenv(EnvMode)
	if mode == "" {
		return
	}
	os.Exit(Run(mode, os.Args[1:]))
}
