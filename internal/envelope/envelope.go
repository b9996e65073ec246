// Package envelope frames a sequence of JSON units on a streaming response
// body. The first unit is written bare and every later unit is preceded by a
// single '\n', so a reader can decode each unit as soon as it arrives. There
// is no terminator: end of body ends the sequence.
package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
)

// Writer writes framed units. Writes are serialized so units never
// interleave.
type Writer struct {
	mu      sync.Mutex
	w       io.Writer
	flusher http.Flusher
	n       int
}

// New wraps w. When w is an http.Flusher, every unit is flushed after it is
// written.
func New(w io.Writer) *Writer {
	f, _ := w.(http.Flusher)
	return &Writer{w: w, flusher: f}
}

// Count reports how many units were written.
func (e *Writer) Count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.n
}

// Write encodes v as one unit.
func (e *Writer) Write(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("envelope: encode: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.n > 0 {
		b = append([]byte{'\n'}, b...)
	}
	if _, err := e.w.Write(b); err != nil {
		return fmt.Errorf("envelope: write: %w", err)
	}
	e.n++
	if e.flusher != nil {
		e.flusher.Flush()
	}
	return nil
}

// ErrorUnit is the body unit that reports a failure once streaming started.
type ErrorUnit struct {
	Error string `json:"error"`
}

// Kinder is implemented by errors that name their own kind.
type Kinder interface {
	Kind() string
}

// WriteError writes err as a single {"error":"<Kind>: <message>"} unit.
func (e *Writer) WriteError(kind string, err error) error {
	var k Kinder
	if errors.As(err, &k) {
		kind = k.Kind()
	}
	return e.Write(ErrorUnit{Error: kind + ": " + err.Error()})
}
