package protocol

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Message is one of the message variants defined in this file.
type Message interface {
	// MessageType returns the discriminator written ahead of the message body.
	MessageType() uuid.UUID
}

// Message type discriminators. These must match between both ends of the connection.
var (
	TypeClientSupportedPixelFormats = uuid.MustParse("63481025-7016-43fe-bada-ddd4a1d0d8ba")
	TypeClientRenderInfo            = uuid.MustParse("7a3c25d3-3652-438d-8ef1-86e942cc96c0")
	TypeSourceUpdate                = uuid.MustParse("9aec9a2e-6315-4066-b4ba-e9a9efd0f8cc")
	TypeInputEvent                  = uuid.MustParse("1c3b691e-3d54-4237-bfb0-9fea0c9c0a36")
	TypeFrame                       = uuid.MustParse("f58313ee-fe69-4536-819d-f52edf201a0e")
	TypeFrameAck                    = uuid.MustParse("68014f8a-289d-4851-8d34-5367eda7f827")
	TypeSourceUpdateResult          = uuid.MustParse("b7a70093-0c5d-47fd-9261-22086d43a2e2")
	TypeViewportResizeRequest       = uuid.MustParse("22b55f5b-5d14-4edb-bc68-3b3ab7c2e6c8")
)

var registry = map[uuid.UUID]func() Message{
	TypeClientSupportedPixelFormats: func() Message { return &ClientSupportedPixelFormats{} },
	TypeClientRenderInfo:            func() Message { return &ClientRenderInfo{} },
	TypeSourceUpdate:                func() Message { return &SourceUpdate{} },
	TypeInputEvent:                  func() Message { return &InputEvent{} },
	TypeFrame:                       func() Message { return &Frame{} },
	TypeFrameAck:                    func() Message { return &FrameAck{} },
	TypeSourceUpdateResult:          func() Message { return &SourceUpdateResult{} },
	TypeViewportResizeRequest:       func() Message { return &ViewportResizeRequest{} },
}

// PixelFormat identifies the layout of a raw frame buffer.
type PixelFormat int

const (
	Rgb565 PixelFormat = iota
	Rgba8888
	Bgra8888
)

// BytesPerPixel returns the size of one pixel, or 0 for an unknown format.
func (f PixelFormat) BytesPerPixel() int {
	switch f {
	case Rgb565:
		return 2
	case Rgba8888, Bgra8888:
		return 4
	default:
		return 0
	}
}

func (f PixelFormat) String() string {
	switch f {
	case Rgb565:
		return "Rgb565"
	case Rgba8888:
		return "Rgba8888"
	case Bgra8888:
		return "Bgra8888"
	default:
		return fmt.Sprintf("PixelFormat(%d)", int(f))
	}
}

// ClientSupportedPixelFormats tells the renderer which frame layouts the previewer can decode.
type ClientSupportedPixelFormats struct {
	Formats []PixelFormat `cbor:"formats"`
}

// ClientRenderInfo carries the effective DPI, i.e. base DPI multiplied by the preview scaling.
type ClientRenderInfo struct {
	DpiX float64 `cbor:"dpiX"`
	DpiY float64 `cbor:"dpiY"`
}

// SourceUpdate asks the renderer to load new markup in the context of the given assembly.
type SourceUpdate struct {
	AssemblyPath string `cbor:"assemblyPath"`
	Text         string `cbor:"text"`
}

// InputKind selects which fields of an InputEvent are meaningful.
type InputKind string

const (
	PointerMoved    InputKind = "pointer-moved"
	PointerPressed  InputKind = "pointer-pressed"
	PointerReleased InputKind = "pointer-released"
	Scroll          InputKind = "scroll"
	KeyDown         InputKind = "key-down"
	KeyUp           InputKind = "key-up"
	TextInput       InputKind = "text-input"
)

// Modifier is a keyboard modifier held during an input event.
type Modifier string

const (
	ModifierAlt     Modifier = "alt"
	ModifierControl Modifier = "control"
	ModifierShift   Modifier = "shift"
	ModifierMeta    Modifier = "meta"
)

// MouseButton is the pointer button for pressed/released events.
type MouseButton int

const (
	ButtonNone MouseButton = iota
	ButtonLeft
	ButtonRight
	ButtonMiddle
)

// InputEvent is a pointer or keyboard event forwarded from the preview surface.
// Coordinates are in the renderer's logical units.
type InputEvent struct {
	Kind      InputKind   `json:"kind"`
	X         float64     `json:"x,omitempty"`
	Y         float64     `json:"y,omitempty"`
	Button    MouseButton `json:"button,omitempty"`
	DeltaX    float64     `json:"deltaX,omitempty"`
	DeltaY    float64     `json:"deltaY,omitempty"`
	Key       string      `json:"key,omitempty"`
	Text      string      `json:"text,omitempty"`
	Modifiers []Modifier  `json:"modifiers,omitempty"`
}

// Validate checks that the event kind is known.
func (e *InputEvent) Validate() error {
	if e == nil {
		return errors.New("nil input event")
	}
	switch e.Kind {
	case PointerMoved, PointerPressed, PointerReleased, Scroll, KeyDown, KeyUp, TextInput:
		return nil
	default:
		return fmt.Errorf("unknown input event kind %q", e.Kind)
	}
}

// Frame is one rendered raster image. Data is Width*Height pixels in Format, with no row padding.
type Frame struct {
	SequenceID int64       `cbor:"sequenceId"`
	Width      int         `cbor:"width"`
	Height     int         `cbor:"height"`
	Format     PixelFormat `cbor:"format"`
	Data       []byte      `cbor:"data"`
}

// FrameAck acknowledges a Frame. The renderer waits for it before sending the next frame.
type FrameAck struct {
	SequenceID int64 `cbor:"sequenceId"`
}

// ExceptionDetails is a structured markup error reported by the renderer.
type ExceptionDetails struct {
	ExceptionType string `json:"exceptionType,omitempty"`
	Message       string `json:"message"`
	LineNumber    *int   `json:"lineNumber,omitempty"`
	LinePosition  *int   `json:"linePosition,omitempty"`
}

func (e *ExceptionDetails) Error() string {
	line, pos := 0, 0
	if e.LineNumber != nil {
		line = *e.LineNumber
	}
	if e.LinePosition != nil {
		pos = *e.LinePosition
	}
	return fmt.Sprintf("line %d, position %d: %s", line, pos, e.Message)
}

// Equal reports whether two details describe the same error. Nil equals nil.
func (e *ExceptionDetails) Equal(o *ExceptionDetails) bool {
	if e == nil || o == nil {
		return e == o
	}
	return e.ExceptionType == o.ExceptionType &&
		e.Message == o.Message &&
		intPtrEqual(e.LineNumber, o.LineNumber) &&
		intPtrEqual(e.LinePosition, o.LinePosition)
}

func intPtrEqual(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// SourceUpdateResult answers a SourceUpdate. Both fields empty means the markup loaded cleanly.
type SourceUpdateResult struct {
	Error     string            `cbor:"error,omitempty"`
	Exception *ExceptionDetails `cbor:"exception,omitempty"`
}

// Details returns the error the result describes, or nil. A bare Error string is promoted to
// ExceptionDetails so callers only deal with one shape.
func (r *SourceUpdateResult) Details() *ExceptionDetails {
	if r.Exception != nil {
		return r.Exception
	}
	if strings.TrimSpace(r.Error) != "" {
		return &ExceptionDetails{Message: r.Error}
	}
	return nil
}

// ViewportResizeRequest asks the host to resize its view of the preview.
type ViewportResizeRequest struct {
	Width  float64 `cbor:"width"`
	Height float64 `cbor:"height"`
}

func (*ClientSupportedPixelFormats) MessageType() uuid.UUID { return TypeClientSupportedPixelFormats }
func (*ClientRenderInfo) MessageType() uuid.UUID            { return TypeClientRenderInfo }
func (*SourceUpdate) MessageType() uuid.UUID                { return TypeSourceUpdate }
func (*InputEvent) MessageType() uuid.UUID                  { return TypeInputEvent }
func (*Frame) MessageType() uuid.UUID                       { return TypeFrame }
func (*FrameAck) MessageType() uuid.UUID                    { return TypeFrameAck }
func (*SourceUpdateResult) MessageType() uuid.UUID          { return TypeSourceUpdateResult }
func (*ViewportResizeRequest) MessageType() uuid.UUID       { return TypeViewportResizeRequest }
