// Package stream implements the SSE delivery core: resumable, ordered,
// filtered delivery of session events and public agent-card changes with
// cursor semantics and watermark progression.
package stream

import (
	"bufio"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Frame is one text/event-stream frame. A frame with only Comment
// set is a keep-alive.
type Frame struct {
	Event   string
	ID      string
	Data    []byte
	Comment string
}

// Encode writes the frame in wire form, terminated by the blank line.
func (f Frame) Encode(w io.Writer) error {
	bw := bufio.NewWriter(w)
	if f.Comment != "" {
		if _, err := fmt.Fprintf(bw, ": %s\n", f.Comment); err != nil {
			return err
		}
	}
	if f.Event != "" {
		if _, err := fmt.Fprintf(bw, "event: %s\n", f.Event); err != nil {
			return err
		}
	}
	if f.ID != "" {
		if _, err := fmt.Fprintf(bw, "id: %s\n", f.ID); err != nil {
			return err
		}
	}
	for _, line := range splitDataLines(f.Data) {
		if _, err := fmt.Fprintf(bw, "data: %s\n", line); err != nil {
			return err
		}
	}
	if _, err := bw.WriteString("\n"); err != nil {
		return err
	}
	return bw.Flush()
}

func splitDataLines(data []byte) []string {
	if len(data) == 0 {
		return nil
	}
	return strings.Split(string(data), "\n")
}

// writeFrame encodes the frame and flushes the HTTP response.
func writeFrame(w http.ResponseWriter, f Frame) error {
	if err := f.Encode(w); err != nil {
		return err
	}
	if fl, ok := w.(http.Flusher); ok {
		fl.Flush()
	}
	return nil
}
