package viewer

import (
	"sync"

	"github.com/guseggert/remotepreview/frame"
	"github.com/guseggert/remotepreview/previewer"
	"github.com/guseggert/remotepreview/protocol"
	"go.uber.org/zap"
)

// EventType names the controller event carried by an Event.
type EventType string

const (
	EventStarted EventType = "started"
	EventStopped EventType = "stopped"
	EventFrame   EventType = "frame"
	EventError   EventType = "error"
	EventExited  EventType = "exited"
	EventCrashed EventType = "crashed"
	EventResize  EventType = "resize"
)

// Event is the JSON message sent to each /events subscriber.
type Event struct {
	Type EventType `json:"type"`

	// frame
	SequenceID  int64  `json:"sequenceId,omitempty"`
	ContentType string `json:"contentType,omitempty"`

	// frame and resize
	Width  float64 `json:"width,omitempty"`
	Height float64 `json:"height,omitempty"`

	// error; nil when the markup became valid
	Error *protocol.ExceptionDetails `json:"error,omitempty"`

	// exited and crashed
	ExitCode *int   `json:"exitCode,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// subscriberBuffer is how many events a slow subscriber may fall behind before events are dropped for it.
const subscriberBuffer = 64

// hub fans controller events out to a dynamic set of subscribers.
// Observer callbacks never block: a subscriber whose buffer is full misses the event.
type hub struct {
	log *zap.SugaredLogger

	m           sync.Mutex
	subscribers []chan Event
}

var _ previewer.Observer = (*hub)(nil)

func newHub(log *zap.SugaredLogger) *hub {
	return &hub{log: log}
}

func (h *hub) Add() chan Event {
	h.m.Lock()
	defer h.m.Unlock()
	ch := make(chan Event, subscriberBuffer)
	h.subscribers = append(h.subscribers, ch)
	return ch
}

func (h *hub) Remove(ch chan Event) {
	h.m.Lock()
	defer h.m.Unlock()
	for i := 0; i < len(h.subscribers); i++ {
		if h.subscribers[i] == ch {
			h.subscribers = append(h.subscribers[:i], h.subscribers[i+1:]...)
			return
		}
	}
}

func (h *hub) Len() int {
	h.m.Lock()
	defer h.m.Unlock()
	return len(h.subscribers)
}

func (h *hub) publish(ev Event) {
	h.m.Lock()
	defer h.m.Unlock()
	for _, ch := range h.subscribers {
		select {
		case ch <- ev:
		default:
			h.log.Debugw("subscriber is behind, dropping event", "Type", ev.Type)
		}
	}
}

func (h *hub) OnStarted() { h.publish(Event{Type: EventStarted}) }
func (h *hub) OnStopped() { h.publish(Event{Type: EventStopped}) }

func (h *hub) OnFrame(img *frame.Image) {
	h.publish(Event{
		Type:        EventFrame,
		SequenceID:  img.SequenceID,
		ContentType: img.ContentType,
		Width:       float64(img.Width),
		Height:      float64(img.Height),
	})
}

func (h *hub) OnErrorChanged(details *protocol.ExceptionDetails) {
	h.publish(Event{Type: EventError, Error: details})
}

func (h *hub) OnProcessExited(code int) {
	h.publish(Event{Type: EventExited, ExitCode: &code})
}

func (h *hub) OnCrashed(err *previewer.CrashError) {
	code := err.ExitCode
	h.publish(Event{Type: EventCrashed, ExitCode: &code, Reason: err.Error()})
}

func (h *hub) OnViewportResize(width, height float64) {
	h.publish(Event{Type: EventResize, Width: width, Height: height})
}
