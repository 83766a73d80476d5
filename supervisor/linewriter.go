package supervisor

import (
	"bytes"
	"strings"
	"sync"
)

// maxLineLength caps a buffered partial line so a renderer that never writes a newline cannot grow memory without bound.
const maxLineLength = 64 * 1024

// lineWriter splits written bytes into lines and passes each non-blank one to handle.
type lineWriter struct {
	stream Stream
	handle func(Stream, string)

	mut sync.Mutex
	buf []byte
}

func (w *lineWriter) Write(b []byte) (int, error) {
	w.mut.Lock()
	defer w.mut.Unlock()

	w.buf = append(w.buf, b...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.emit(w.buf[:i])
		w.buf = w.buf[i+1:]
	}
	if len(w.buf) > maxLineLength {
		w.emit(w.buf)
		w.buf = nil
	}
	return len(b), nil
}

// Flush emits any trailing partial line.
func (w *lineWriter) Flush() {
	w.mut.Lock()
	defer w.mut.Unlock()
	if len(w.buf) > 0 {
		w.emit(w.buf)
		w.buf = nil
	}
}

func (w *lineWriter) emit(line []byte) {
	s := strings.TrimRight(string(line), "\r")
	if strings.TrimSpace(s) == "" {
		return
	}
	w.handle(w.stream, s)
}
