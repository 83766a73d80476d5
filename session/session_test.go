package session

import (
	"bytes"
	"context"
	"encoding/binary"
	"math"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/guseggert/remotepreview/frame"
	"github.com/guseggert/remotepreview/internal/fakerenderer"
	"github.com/guseggert/remotepreview/internal/testutil"
	"github.com/guseggert/remotepreview/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const timeout = 5 * time.Second

var log *zap.SugaredLogger

func init() {
	l, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	log = l.Sugar()
}

// syncBuffer collects the fake renderer's event log.
type syncBuffer struct {
	mut sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mut.Lock()
	defer b.mut.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) Lines() []string {
	b.mut.Lock()
	defer b.mut.Unlock()
	return strings.Split(strings.TrimSpace(b.buf.String()), "\n")
}

func (b *syncBuffer) Contains(line string) bool {
	for _, l := range b.Lines() {
		if l == line {
			return true
		}
	}
	return false
}

// connPair returns both ends of a loopback TCP connection.
func connPair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			close(accepted)
			return
		}
		accepted <- conn
	}()
	client, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	server := testutil.RequireReceive(t, accepted, timeout, "accepting")
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return client, server
}

type recorder struct {
	frames  chan *frame.Image
	results chan *protocol.ExceptionDetails
	resizes chan [2]float64
	closed  chan error
}

func newRecorder() *recorder {
	return &recorder{
		frames:  make(chan *frame.Image, 16),
		results: make(chan *protocol.ExceptionDetails, 16),
		resizes: make(chan [2]float64, 16),
		closed:  make(chan error, 16),
	}
}

func (r *recorder) handlers() Handlers {
	return Handlers{
		OnFrame:  func(img *frame.Image) { r.frames <- img },
		OnResult: func(d *protocol.ExceptionDetails) { r.results <- d },
		OnResize: func(w, h float64) { r.resizes <- [2]float64{w, h} },
		OnClosed: func(err error) { r.closed <- err },
	}
}

type fixture struct {
	session  *Session
	rec      *recorder
	events   *syncBuffer
	renderer net.Conn
	served   chan error
}

func startSession(t *testing.T, opts Options, fakeOpts fakerenderer.Options) *fixture {
	t.Helper()
	local, remote := connPair(t)
	f := &fixture{
		rec:      newRecorder(),
		events:   &syncBuffer{},
		renderer: remote,
		served:   make(chan error, 1),
	}
	fakeOpts.Log = f.events
	go func() { f.served <- fakerenderer.Serve(remote, fakeOpts) }()

	opts.Log = log
	opts.Handlers = f.rec.handlers()
	f.session = New(local, opts)
	t.Cleanup(func() { _ = f.session.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	require.NoError(t, f.session.Handshake(ctx))
	require.Equal(t, Ready, f.session.State())
	return f
}

func TestHandshakeSendsScaledDPI(t *testing.T) {
	f := startSession(t, Options{DPI: 96, Scaling: 1.5}, fakerenderer.Options{})
	assert.Eventually(t, func() bool { return f.events.Contains("handshake dpi=144") }, timeout, 10*time.Millisecond)

	require.NoError(t, f.session.SetScaling(context.Background(), 2))
	assert.Equal(t, 2.0, f.session.Scaling())
	assert.Eventually(t, func() bool { return f.events.Contains("render info dpi=192") }, timeout, 10*time.Millisecond)
}

func TestHandshakeDefaults(t *testing.T) {
	f := startSession(t, Options{}, fakerenderer.Options{})
	assert.Eventually(t, func() bool { return f.events.Contains("handshake dpi=218") }, timeout, 10*time.Millisecond)
}

func TestFramesArePublishedAndAcked(t *testing.T) {
	f := startSession(t, Options{Decoder: frame.Decoder{Format: frame.PNG}}, fakerenderer.Options{})
	ctx := context.Background()

	for seq := int64(1); seq <= 3; seq++ {
		require.NoError(t, f.session.SendSourceUpdate(ctx, "/out/App.dll", "<Grid/>"))
		assert.Nil(t, testutil.RequireReceive(t, f.rec.results, timeout, "result %d", seq))
		img := testutil.RequireReceive(t, f.rec.frames, timeout, "frame %d", seq)
		assert.Equal(t, seq, img.SequenceID)
		assert.Equal(t, "image/png", img.ContentType)
	}
	assert.Eventually(t, func() bool { return f.session.LastAck() == 3 }, timeout, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return f.events.Contains("ack 3") }, timeout, 10*time.Millisecond)
}

func TestBadFramesAreStillAcked(t *testing.T) {
	f := startSession(t, Options{}, fakerenderer.Options{BadFrames: true})
	ctx := context.Background()

	require.NoError(t, f.session.SendSourceUpdate(ctx, "/out/App.dll", "<Grid/>"))
	require.NoError(t, f.session.SendSourceUpdate(ctx, "/out/App.dll", "<Grid/>"))
	assert.Eventually(t, func() bool {
		return f.events.Contains("ack 1") && f.events.Contains("ack 2")
	}, timeout, 10*time.Millisecond)

	testutil.RequireNoReceive(t, f.rec.frames, 50*time.Millisecond, "bad frames are not published")
	assert.Equal(t, Ready, f.session.State())
}

func TestErrorStateIsReplaced(t *testing.T) {
	f := startSession(t, Options{}, fakerenderer.Options{})
	ctx := context.Background()

	require.NoError(t, f.session.SendSourceUpdate(ctx, "/out/App.dll", "<bad-xml>"))
	details := testutil.RequireReceive(t, f.rec.results, timeout, "error result")
	require.NotNil(t, details)
	assert.Equal(t, "unexpected eof", details.Message)
	require.NotNil(t, details.LineNumber)
	assert.Equal(t, 1, *details.LineNumber)

	require.NoError(t, f.session.SendSourceUpdate(ctx, "/out/App.dll", "<Grid/>"))
	assert.Nil(t, testutil.RequireReceive(t, f.rec.results, timeout, "clean result"))
}

func TestViewportResizeIsForwarded(t *testing.T) {
	f := startSession(t, Options{}, fakerenderer.Options{})

	err := f.session.SendInput(context.Background(), &protocol.InputEvent{Kind: protocol.Scroll, DeltaX: 10, DeltaY: -20})
	require.NoError(t, err)
	assert.Equal(t, [2]float64{650, 460}, testutil.RequireReceive(t, f.rec.resizes, timeout, "resize"))

	err = f.session.SendInput(context.Background(), &protocol.InputEvent{Kind: "wiggle"})
	assert.ErrorContains(t, err, "unknown input event kind")

	err = f.session.SendInput(context.Background(), nil)
	assert.ErrorContains(t, err, "nil input event")
	assert.Equal(t, Ready, f.session.State())
}

func TestScalingMustBeFinite(t *testing.T) {
	f := startSession(t, Options{DPI: math.NaN(), Scaling: math.Inf(1)}, fakerenderer.Options{})
	assert.Equal(t, 1.0, f.session.Scaling())
	assert.Eventually(t, func() bool { return f.events.Contains("handshake dpi=218") }, timeout, 10*time.Millisecond)

	for _, v := range []float64{0, -1, math.NaN(), math.Inf(1), math.Inf(-1)} {
		assert.Error(t, f.session.SetScaling(context.Background(), v), "scaling %g", v)
		assert.False(t, ValidFactor(v), "factor %g", v)
	}
	assert.Equal(t, 1.0, f.session.Scaling())
	assert.True(t, ValidFactor(0.25))
}

func TestSendsBeforeHandshake(t *testing.T) {
	local, _ := connPair(t)
	s := New(local, Options{Log: log})
	assert.Equal(t, Connecting, s.State())
	assert.ErrorIs(t, s.SendSourceUpdate(context.Background(), "a.dll", "<Grid/>"), ErrNotReady)
	assert.ErrorIs(t, s.SetScaling(context.Background(), 2), ErrNotReady)

	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.SendSourceUpdate(context.Background(), "a.dll", "<Grid/>"), ErrClosed)
	assert.ErrorIs(t, s.Handshake(context.Background()), ErrClosed)
}

func TestLocalCloseFiresOnce(t *testing.T) {
	f := startSession(t, Options{}, fakerenderer.Options{})

	require.NoError(t, f.session.Close())
	require.NoError(t, f.session.Close())
	testutil.RequireClosed(t, f.session.Closed(), timeout, "session closed")

	assert.NoError(t, testutil.RequireReceive(t, f.rec.closed, timeout, "closed event"))
	testutil.RequireNoReceive(t, f.rec.closed, 50*time.Millisecond, "second closed event")
	assert.Equal(t, Closed, f.session.State())
	assert.NoError(t, f.session.Err())
	assert.ErrorIs(t, f.session.SendSourceUpdate(context.Background(), "a.dll", "<Grid/>"), ErrClosed)

	require.NoError(t, testutil.RequireReceive(t, f.served, timeout, "fake renderer returns"))
}

func TestPeerDisconnectIsTransportError(t *testing.T) {
	f := startSession(t, Options{}, fakerenderer.Options{})

	err := f.session.SendInput(context.Background(), &protocol.InputEvent{Kind: protocol.KeyDown, Key: fakerenderer.CrashKey})
	require.NoError(t, err)
	require.NoError(t, testutil.RequireReceive(t, f.served, timeout, "fake renderer returns"))
	require.NoError(t, f.renderer.Close())

	closeErr := testutil.RequireReceive(t, f.rec.closed, timeout, "closed event")
	var terr *TransportError
	require.ErrorAs(t, closeErr, &terr)
	assert.ErrorAs(t, f.session.Err(), &terr)
}

func TestProtocolErrorClosesSession(t *testing.T) {
	local, remote := connPair(t)
	rec := newRecorder()
	s := New(local, Options{Log: log, Handlers: rec.handlers()})

	ready := make(chan struct{})
	go func() {
		// drain the handshake, then send a frame with an unknown type
		r := protocol.NewReader(remote)
		_, _ = r.Read()
		_, _ = r.Read()
		<-ready
		header := make([]byte, 20)
		binary.LittleEndian.PutUint32(header, 0)
		_, _ = remote.Write(header)
	}()

	require.NoError(t, s.Handshake(context.Background()))
	close(ready)
	closeErr := testutil.RequireReceive(t, rec.closed, timeout, "closed event")
	var perr *protocol.ProtocolError
	require.ErrorAs(t, closeErr, &perr)
	assert.Equal(t, Closed, s.State())
}

func TestDetachSuppressesHandlers(t *testing.T) {
	f := startSession(t, Options{}, fakerenderer.Options{})

	f.session.Detach()
	require.NoError(t, f.session.Close())
	testutil.RequireClosed(t, f.session.Closed(), timeout, "session closed")
	testutil.RequireNoReceive(t, f.rec.closed, 50*time.Millisecond, "detached session fired closed")
}

func TestSendHonorsContext(t *testing.T) {
	f := startSession(t, Options{}, fakerenderer.Options{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := f.session.SendSourceUpdate(ctx, "a.dll", "<Grid/>")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, Ready, f.session.State())
}
