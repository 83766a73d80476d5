package viewer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/guseggert/remotepreview/frame"
	"github.com/guseggert/remotepreview/previewer"
	"github.com/guseggert/remotepreview/protocol"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// ErrNoFrame is returned by Client.Frame before the renderer has produced a frame.
var ErrNoFrame = errors.New("no frame rendered yet")

// StatusError is a non-200 response from the server.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("non-200 HTTP status code %d: %s", e.StatusCode, e.Body)
}

type Client struct {
	Logger     *zap.SugaredLogger
	HTTPClient *http.Client

	baseURL                  string
	customizeRetryableClient func(*retryablehttp.Client)
	waitInterval             time.Duration
}

type ClientOption func(c *Client)

func WithClientWaitInterval(d time.Duration) ClientOption {
	return func(c *Client) {
		c.waitInterval = d
	}
}

func WithClientLogger(l *zap.Logger) ClientOption {
	return func(c *Client) {
		c.Logger = l.Named("viewer_client").Sugar()
	}
}

func WithCustomizeRetryableClient(f func(r *retryablehttp.Client)) ClientOption {
	return func(c *Client) {
		c.customizeRetryableClient = f
	}
}

type logAdapter struct {
	*zap.SugaredLogger
}

func (a *logAdapter) Printf(msg string, args ...interface{}) { a.Debugf(msg, args...) }

// NewClient builds a client for the server at addr, either "host:port" or a full http URL.
func NewClient(log *zap.SugaredLogger, addr string, opts ...ClientOption) *Client {
	baseURL := strings.TrimSuffix(addr, "/")
	if !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}
	c := &Client{
		Logger:       log.Named("viewer_client"),
		baseURL:      baseURL,
		waitInterval: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}

	retryClient := retryablehttp.NewClient()
	retryClient.Backoff = func(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
		return 10 * time.Millisecond
	}
	retryClient.RetryMax = 10
	retryClient.Logger = &logAdapter{SugaredLogger: c.Logger}

	if c.customizeRetryableClient != nil {
		c.customizeRetryableClient(retryClient)
	}

	c.HTTPClient = retryClient.StandardClient()
	return c
}

func (c *Client) do(ctx context.Context, method, path, contentType string, body []byte) (*http.Response, error) {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	if contentType != "" {
		req.Header.Add("Content-Type", contentType)
	}
	req.Close = true

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP error: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		var msg string
		b, err := io.ReadAll(resp.Body)
		if err != nil {
			msg = fmt.Errorf("error reading body: %w", err).Error()
		} else {
			msg = strings.TrimSpace(string(b))
		}
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: msg}
	}
	return resp, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body []byte
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = b
	}
	resp, err := c.do(ctx, method, path, "application/json", body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}

func (c *Client) SendHeartbeat(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return c.doJSON(ctx, http.MethodGet, "/heartbeat", nil, nil)
}

func (c *Client) WaitForServer(ctx context.Context) error {
	ticker := time.NewTicker(c.waitInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			err := c.SendHeartbeat(ctx)
			if err == nil {
				c.Logger.Debug("heartbeat succeeded, done waiting for server")
				return nil
			}
			c.Logger.Debugf("got heartbeat error: %s", err)
		}
	}
}

// PushSource replaces the markup being previewed.
func (c *Client) PushSource(ctx context.Context, text string) error {
	resp, err := c.do(ctx, http.MethodPost, "/source", "text/plain; charset=utf-8", []byte(text))
	if err != nil {
		return fmt.Errorf("pushing source: %w", err)
	}
	resp.Body.Close()
	return nil
}

func (c *Client) SetScaling(ctx context.Context, scaling float64) error {
	if err := c.doJSON(ctx, http.MethodPost, "/scaling", ScalingRequest{Scaling: scaling}, nil); err != nil {
		return fmt.Errorf("setting scaling: %w", err)
	}
	return nil
}

func (c *Client) SendInput(ctx context.Context, ev *protocol.InputEvent) error {
	if err := c.doJSON(ctx, http.MethodPost, "/input", ev, nil); err != nil {
		return fmt.Errorf("sending input: %w", err)
	}
	return nil
}

func (c *Client) Status(ctx context.Context) (previewer.Status, error) {
	var status previewer.Status
	err := c.doJSON(ctx, http.MethodGet, "/status", nil, &status)
	return status, err
}

// ErrorState returns the renderer's current markup error, nil if the markup is valid.
func (c *Client) ErrorState(ctx context.Context) (*protocol.ExceptionDetails, error) {
	var resp ErrorResponse
	if err := c.doJSON(ctx, http.MethodGet, "/error", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Error, nil
}

// Frame fetches the latest frame, returning ErrNoFrame if there is none yet.
func (c *Client) Frame(ctx context.Context) (*frame.Image, error) {
	resp, err := c.do(ctx, http.MethodGet, "/frame", "", nil)
	if err != nil {
		var serr *StatusError
		if errors.As(err, &serr) && serr.StatusCode == http.StatusNotFound {
			return nil, ErrNoFrame
		}
		return nil, fmt.Errorf("fetching frame: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading frame: %w", err)
	}
	img := &frame.Image{
		ContentType: resp.Header.Get("Content-Type"),
		Data:        data,
	}
	if img.SequenceID, err = strconv.ParseInt(resp.Header.Get(HeaderSequenceID), 10, 64); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", HeaderSequenceID, err)
	}
	if img.Width, err = strconv.Atoi(resp.Header.Get(HeaderWidth)); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", HeaderWidth, err)
	}
	if img.Height, err = strconv.Atoi(resp.Header.Get(HeaderHeight)); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", HeaderHeight, err)
	}
	return img, nil
}

// EventStream is an open /events subscription.
type EventStream struct {
	conn *websocket.Conn
}

// Events subscribes to controller events. Events published before the subscription is registered are not seen.
func (c *Client) Events(ctx context.Context) (*EventStream, error) {
	u := c.baseURL + "/events"
	c.Logger.Debugw("dialing WebSocket", "URL", u)
	wsConn, _, err := websocket.Dial(ctx, u, &websocket.DialOptions{HTTPClient: c.HTTPClient})
	if err != nil {
		return nil, fmt.Errorf("dialing WebSocket conn: %w", err)
	}
	return &EventStream{conn: wsConn}, nil
}

// Next blocks until the next event arrives or the stream ends.
func (e *EventStream) Next(ctx context.Context) (Event, error) {
	var ev Event
	err := wsjson.Read(ctx, e.conn, &ev)
	return ev, err
}

func (e *EventStream) Close() error {
	return e.conn.Close(websocket.StatusNormalClosure, "")
}
