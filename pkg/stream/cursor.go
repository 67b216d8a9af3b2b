package stream

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrCursorConflict is returned when both Last-Event-ID and a query cursor
// are supplied. The request fails closed.
var ErrCursorConflict = errors.New("stream: cursor supplied via both header and query parameter")

// CursorNotFoundError reports a cursor that refers to no existing event.
type CursorNotFoundError struct {
	Cursor string
}

func (e *CursorNotFoundError) Error() string {
	return fmt.Sprintf("stream: cursor %q not found", e.Cursor)
}

// MalformedCursorError reports a syntactically invalid cursor.
type MalformedCursorError struct {
	Cursor string
}

func (e *MalformedCursorError) Error() string {
	return fmt.Sprintf("stream: malformed cursor %q", e.Cursor)
}

// ResolveCursor extracts the resume cursor from the request. The client
// may use the Last-Event-ID header or the named query parameter, not both.
// An empty cursor means tail from head.
func ResolveCursor(r *http.Request, queryParam string) (string, error) {
	header := strings.TrimSpace(r.Header.Get("Last-Event-ID"))
	query := strings.TrimSpace(r.URL.Query().Get(queryParam))
	if header != "" && query != "" {
		return "", ErrCursorConflict
	}
	cursor := header
	if cursor == "" {
		cursor = query
	}
	if cursor == "" {
		return "", nil
	}
	if strings.ContainsAny(cursor, " \t\n") {
		return "", &MalformedCursorError{Cursor: cursor}
	}
	return cursor, nil
}
