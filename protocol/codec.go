package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
)

const (
	lengthSize = 4
	typeSize   = 16
	headerSize = lengthSize + typeSize

	// MaxBodySize bounds a single frame body. An 8K RGBA frame is ~130 MB, so this leaves headroom
	// for anything a preview surface will realistically produce.
	MaxBodySize = 256 * 1024 * 1024

	readChunkSize = 64 * 1024
)

// ErrIncomplete is returned by Decode when the buffer does not yet hold a complete frame.
var ErrIncomplete = errors.New("incomplete frame")

// ProtocolError reports a malformed or unrecognized frame. The stream cannot be resynchronized after one.
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol error: %s: %s", e.Reason, e.Err)
	}
	return "protocol error: " + e.Reason
}

func (e *ProtocolError) Unwrap() error { return e.Err }

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("protocol: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("protocol: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes msg as a single frame.
func Marshal(msg Message) ([]byte, error) {
	if msg == nil {
		return nil, errors.New("encoding nil message")
	}
	body, err := encMode.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encoding %T: %w", msg, err)
	}
	if len(body) > MaxBodySize {
		return nil, fmt.Errorf("encoding %T: body length %d exceeds maximum %d", msg, len(body), MaxBodySize)
	}
	typ := msg.MessageType()
	b := make([]byte, headerSize+len(body))
	binary.LittleEndian.PutUint32(b[:lengthSize], uint32(len(body)))
	copy(b[lengthSize:headerSize], typ[:])
	copy(b[headerSize:], body)
	return b, nil
}

// Unmarshal decodes exactly one frame from b. Trailing bytes are a ProtocolError.
func Unmarshal(b []byte) (Message, error) {
	msg, n, err := Decode(b)
	if errors.Is(err, ErrIncomplete) {
		return nil, &ProtocolError{Reason: "truncated frame", Err: err}
	}
	if err != nil {
		return nil, err
	}
	if n != len(b) {
		return nil, &ProtocolError{Reason: fmt.Sprintf("%d trailing bytes after frame", len(b)-n)}
	}
	return msg, nil
}

// Decode decodes the first frame in b, returning the message and the number of bytes consumed.
// It returns ErrIncomplete if b holds only part of a frame.
func Decode(b []byte) (Message, int, error) {
	if len(b) < headerSize {
		return nil, 0, ErrIncomplete
	}
	bodyLen := binary.LittleEndian.Uint32(b[:lengthSize])
	if bodyLen > MaxBodySize {
		return nil, 0, &ProtocolError{Reason: fmt.Sprintf("body length %d exceeds maximum %d", bodyLen, MaxBodySize)}
	}
	total := headerSize + int(bodyLen)
	if len(b) < total {
		return nil, 0, ErrIncomplete
	}

	typ, err := uuid.FromBytes(b[lengthSize:headerSize])
	if err != nil {
		return nil, 0, &ProtocolError{Reason: "reading message type", Err: err}
	}
	newMsg, ok := registry[typ]
	if !ok {
		return nil, 0, &ProtocolError{Reason: fmt.Sprintf("unknown message type %s", typ)}
	}
	msg := newMsg()
	if err := decMode.Unmarshal(b[headerSize:total], msg); err != nil {
		return nil, 0, &ProtocolError{Reason: fmt.Sprintf("decoding %T", msg), Err: err}
	}
	return msg, total, nil
}

// Reader reads frames from a byte stream, buffering partial reads until a frame is complete.
// A Reader is not safe for concurrent use.
type Reader struct {
	r   io.Reader
	buf []byte
	off int
}

func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

// Read returns the next message. It returns io.EOF only on a clean end of stream between frames,
// and io.ErrUnexpectedEOF if the stream ends mid-frame.
func (r *Reader) Read() (Message, error) {
	for {
		msg, n, err := Decode(r.buf[r.off:])
		if err == nil {
			r.off += n
			if r.off == len(r.buf) {
				r.buf = r.buf[:0]
				r.off = 0
			}
			return msg, nil
		}
		if !errors.Is(err, ErrIncomplete) {
			return nil, err
		}
		if err := r.fill(); err != nil {
			if errors.Is(err, io.EOF) && len(r.buf) > r.off {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
	}
}

func (r *Reader) fill() error {
	if r.off > 0 {
		n := copy(r.buf, r.buf[r.off:])
		r.buf = r.buf[:n]
		r.off = 0
	}
	if cap(r.buf)-len(r.buf) < readChunkSize {
		grown := make([]byte, len(r.buf), 2*cap(r.buf)+readChunkSize)
		copy(grown, r.buf)
		r.buf = grown
	}
	n, err := r.r.Read(r.buf[len(r.buf):cap(r.buf)])
	r.buf = r.buf[:len(r.buf)+n]
	if n > 0 || err == nil {
		return nil
	}
	return err
}

// Writer writes one frame per call. A Writer is not safe for concurrent use.
type Writer struct {
	w io.Writer
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

func (w *Writer) Write(msg Message) error {
	b, err := Marshal(msg)
	if err != nil {
		return err
	}
	if _, err := w.w.Write(b); err != nil {
		return fmt.Errorf("writing %T: %w", msg, err)
	}
	return nil
}
