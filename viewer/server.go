// Package viewer serves a running previewer over HTTP: the latest frame, the markup error state,
// source and input pushes, and a WebSocket stream of controller events.
package viewer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/guseggert/remotepreview/frame"
	"github.com/guseggert/remotepreview/previewer"
	"github.com/guseggert/remotepreview/protocol"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// DefaultListenAddr is loopback only. The server has no authentication.
const DefaultListenAddr = "127.0.0.1:8290"

// Frame response headers.
const (
	HeaderSequenceID = "X-Sequence-Id"
	HeaderWidth      = "X-Frame-Width"
	HeaderHeight     = "X-Frame-Height"
)

// maxSourceSize bounds POST /source bodies.
const maxSourceSize = 16 << 20

// Previewer is the part of *previewer.Controller the server drives.
type Previewer interface {
	UpdateSource(ctx context.Context, text string) error
	SendInput(ctx context.Context, ev *protocol.InputEvent) error
	SetScaling(ctx context.Context, scaling float64) error
	Image() *frame.Image
	ErrorState() *protocol.ExceptionDetails
	Status() previewer.Status
	AddObserver(o previewer.Observer)
	RemoveObserver(o previewer.Observer)
}

var _ Previewer = (*previewer.Controller)(nil)

type Server struct {
	log        *zap.SugaredLogger
	logLevel   *zapcore.Level
	previewer  Previewer
	hub        *hub
	listenAddr string

	m          sync.Mutex
	httpServer *http.Server
	listener   net.Listener
	listening  chan struct{}
	closed     chan struct{}
	closeOnce  sync.Once
}

type Option func(s *Server)

func WithListenAddr(addr string) Option {
	return func(s *Server) {
		s.listenAddr = addr
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		s.log = l.Sugar()
	}
}

// WithLogLevel raises the minimum level of the server's logger, whichever logger is in use.
func WithLogLevel(l zapcore.Level) Option {
	return func(s *Server) {
		s.logLevel = &l
	}
}

// NewServer builds a server for p and subscribes it to p's events. Nothing listens until Run.
func NewServer(p Previewer, opts ...Option) (*Server, error) {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	s := &Server{
		log:        logger.Sugar(),
		previewer:  p,
		listenAddr: DefaultListenAddr,
		listening:  make(chan struct{}),
		closed:     make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if s.logLevel != nil {
		s.log = s.log.WithOptions(zap.IncreaseLevel(*s.logLevel))
	}
	s.log = s.log.Named("viewer")
	s.hub = newHub(s.log.Named("hub"))
	p.AddObserver(s.hub)
	return s, nil
}

// Handler returns the routes without a listener, for embedding or tests.
func (s *Server) Handler() http.Handler {
	router := httprouter.New()
	router.GET("/heartbeat", s.heartbeat)
	router.GET("/status", s.status)
	router.GET("/frame", s.frame)
	router.GET("/error", s.errorState)
	router.GET("/events", s.events)
	router.POST("/source", s.source)
	router.POST("/scaling", s.scaling)
	router.POST("/input", s.input)
	return router
}

// Run serves until Stop is called, returning nil in that case.
func (s *Server) Run() error {
	ln, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		return fmt.Errorf("listening TCP: %w", err)
	}

	server := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	s.m.Lock()
	select {
	case <-s.closed:
		s.m.Unlock()
		ln.Close()
		return nil
	default:
	}
	s.httpServer = server
	s.listener = ln
	close(s.listening)
	s.m.Unlock()

	s.log.Infow("serving", "Addr", ln.Addr().String())
	err = server.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Addr waits for Run to start listening and returns the bound address.
func (s *Server) Addr(ctx context.Context) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-s.closed:
		return "", http.ErrServerClosed
	case <-s.listening:
		s.m.Lock()
		defer s.m.Unlock()
		return s.listener.Addr().String(), nil
	}
}

// Stop closes the listener and every open connection, including event streams, and unsubscribes from the previewer.
func (s *Server) Stop() error {
	var err error
	s.closeOnce.Do(func() {
		s.previewer.RemoveObserver(s.hub)
		s.m.Lock()
		close(s.closed)
		server := s.httpServer
		s.m.Unlock()
		if server != nil {
			err = server.Close()
		}
	})
	return err
}

func writeJSON(w http.ResponseWriter, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Add("Content-Type", "application/json")
	w.Write(b)
}

// httpStatus maps controller errors to response codes.
func httpStatus(err error) int {
	switch {
	case errors.Is(err, previewer.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) heartbeat(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	writeJSON(w, struct {
		Time string
	}{
		Time: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	writeJSON(w, s.previewer.Status())
}

func (s *Server) frame(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	img := s.previewer.Image()
	if img == nil {
		http.Error(w, "no frame rendered yet", http.StatusNotFound)
		return
	}
	h := w.Header()
	h.Set("Content-Type", img.ContentType)
	h.Set("Cache-Control", "no-store")
	h.Set(HeaderSequenceID, strconv.FormatInt(img.SequenceID, 10))
	h.Set(HeaderWidth, strconv.Itoa(img.Width))
	h.Set(HeaderHeight, strconv.Itoa(img.Height))
	if _, err := w.Write(img.Data); err != nil {
		s.log.Debugf("error sending frame response: %s", err)
	}
}

// ErrorResponse is the body of GET /error. Error is nil when the markup is valid.
type ErrorResponse struct {
	Error *protocol.ExceptionDetails `json:"error"`
}

func (s *Server) errorState(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	writeJSON(w, ErrorResponse{Error: s.previewer.ErrorState()})
}

func (s *Server) source(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	b, err := io.ReadAll(io.LimitReader(r.Body, maxSourceSize+1))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if len(b) > maxSourceSize {
		http.Error(w, "source too large", http.StatusRequestEntityTooLarge)
		return
	}
	if err := s.previewer.UpdateSource(r.Context(), string(b)); err != nil {
		s.log.Debugw("updating source", "Error", err)
		http.Error(w, err.Error(), httpStatus(err))
		return
	}
	w.WriteHeader(http.StatusOK)
}

type ScalingRequest struct {
	Scaling float64 `json:"scaling"`
}

func (s *Server) scaling(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	var req ScalingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Scaling <= 0 {
		http.Error(w, fmt.Sprintf("invalid scaling %g", req.Scaling), http.StatusBadRequest)
		return
	}
	if err := s.previewer.SetScaling(r.Context(), req.Scaling); err != nil {
		s.log.Debugw("setting scaling", "Error", err)
		http.Error(w, err.Error(), httpStatus(err))
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) input(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	var ev protocol.InputEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := ev.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.previewer.SendInput(r.Context(), &ev); err != nil {
		s.log.Debugw("sending input", "Error", err)
		http.Error(w, err.Error(), httpStatus(err))
		return
	}
	w.WriteHeader(http.StatusOK)
}

// events streams controller events to a WebSocket client until either side closes.
func (s *Server) events(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		s.log.Debugf("events WebSocket accept error: %s", err)
		return
	}
	s.log.Debug("accepted events WebSocket conn")

	sub := s.hub.Add()
	defer s.hub.Remove(sub)

	// nothing is read from subscribers; CloseRead cancels ctx when they go away
	ctx := wsConn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			wsConn.Close(websocket.StatusNormalClosure, "")
			return
		case <-s.closed:
			wsConn.Close(websocket.StatusGoingAway, "server stopping")
			return
		case ev := <-sub:
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, wsConn, ev)
			cancel()
			if err != nil {
				s.log.Debugf("events write error: %s", err)
				wsConn.Close(websocket.StatusInternalError, "write failed")
				return
			}
		}
	}
}
