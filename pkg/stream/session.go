package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/settld-labs/settld-proxy/pkg/contracts"
	"github.com/settld-labs/settld-proxy/pkg/store"
)

// Event names on the session stream.
const (
	FrameSessionReady     = "session.ready"
	FrameSessionEvent     = "session.event"
	FrameSessionWatermark = "session.watermark"
)

// Ordering and delivery-mode markers surfaced in headers and ready frames.
const (
	OrderingSessionSeqASC = "SESSION_SEQ_ASC"
	DeliveryResumeTail    = "resume_then_tail"
)

// SessionServer serves one session's event stream over SSE: resume from
// cursor, then tail live appends. One goroutine per connection.
type SessionServer struct {
	Store       store.Store
	Broadcaster *Broadcaster
	KeepAlive   time.Duration
}

type headSnapshot struct {
	StreamID         string `json:"streamId"`
	Ordering         string `json:"ordering"`
	DeliveryMode     string `json:"deliveryMode"`
	HeadEventCount   int    `json:"headEventCount"`
	HeadFirstEventID string `json:"headFirstEventId,omitempty"`
	HeadLastEventID  string `json:"headLastEventId,omitempty"`
	SinceEventID     string `json:"sinceEventId,omitempty"`
	NextSinceEventID string `json:"nextSinceEventId,omitempty"`
}

// Serve streams the session to w. The cursor has already been resolved;
// Serve validates it against the stream before writing any response bytes,
// so callers can map typed errors to HTTP statuses.
func (s *SessionServer) Serve(ctx context.Context, w http.ResponseWriter, tenantID, sessionID, cursor string, f Filter) error {
	sess, err := s.Store.GetSession(ctx, tenantID, sessionID)
	if err != nil {
		return err
	}
	streamID := contracts.SessionStreamID(sess.SessionID)

	head, err := s.Store.GetStreamHead(ctx, tenantID, streamID)
	if err != nil {
		return err
	}
	firstID := ""
	if head.EventCount > 0 {
		first, err := s.Store.ListSessionEvents(ctx, tenantID, sessionID, store.EventQuery{Limit: 1})
		if err != nil {
			return err
		}
		if len(first) > 0 {
			firstID = first[0].ID
		}
	}

	// Subscribe before reading the backlog so an append committed while
	// the backlog loads is still delivered; the seen set dedups events
	// that land in both.
	sub := s.Broadcaster.Subscribe(streamID)
	defer s.Broadcaster.Unsubscribe(streamID, sub)

	// Validate the cursor and load the backlog before any bytes go out.
	// An absent cursor means tail from head: no replay at all.
	var backlog []contracts.ChainedEvent
	if cursor != "" {
		backlog, err = s.Store.ListSessionEvents(ctx, tenantID, sessionID, store.EventQuery{AfterEventID: cursor})
		if errors.Is(err, store.ErrNotFound) {
			return &CursorNotFoundError{Cursor: cursor}
		}
		if err != nil {
			return err
		}
	}

	snap := headSnapshot{
		StreamID:         streamID,
		Ordering:         OrderingSessionSeqASC,
		DeliveryMode:     DeliveryResumeTail,
		HeadEventCount:   head.EventCount,
		HeadFirstEventID: firstID,
		HeadLastEventID:  head.LastEventID,
		SinceEventID:     cursor,
		NextSinceEventID: head.LastEventID,
	}
	writeStreamHeaders(w, snap)

	ready, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	if err := writeFrame(w, Frame{Event: FrameSessionReady, Data: ready}); err != nil {
		return err
	}

	seen := make(map[string]struct{}, len(backlog))
	for _, ev := range backlog {
		seen[ev.ID] = struct{}{}
		if err := s.emit(w, ev, f); err != nil {
			return err
		}
	}

	keepAlive := s.KeepAlive
	if keepAlive <= 0 {
		keepAlive = 15 * time.Second
	}
	ticker := time.NewTicker(keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := writeFrame(w, Frame{Comment: "keep-alive"}); err != nil {
				return err
			}
		case env, ok := <-sub.C:
			if !ok {
				if sub.Overflowed() {
					_ = writeFrame(w, Frame{Comment: "subscriber dropped: buffer overflow"})
				}
				return nil
			}
			if env.Event == nil {
				continue
			}
			if _, dup := seen[env.Event.ID]; dup {
				continue
			}
			seen[env.Event.ID] = struct{}{}
			if err := s.emit(w, *env.Event, f); err != nil {
				return err
			}
		}
	}
}

// emit delivers the event or, when the filter excludes it, a watermark
// frame that still advances the client's resume cursor.
func (s *SessionServer) emit(w http.ResponseWriter, ev contracts.ChainedEvent, f Filter) error {
	if f.MatchesEvent(ev) {
		body, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		return writeFrame(w, Frame{Event: FrameSessionEvent, ID: ev.ID, Data: body})
	}
	mark, err := json.Marshal(map[string]string{"lastObservedEventId": ev.ID})
	if err != nil {
		return err
	}
	return writeFrame(w, Frame{Event: FrameSessionWatermark, ID: ev.ID, Data: mark})
}

func writeStreamHeaders(w http.ResponseWriter, snap headSnapshot) {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Settld-Stream-Ordering", snap.Ordering)
	h.Set("X-Settld-Delivery-Mode", snap.DeliveryMode)
	h.Set("X-Settld-Head-Event-Count", fmt.Sprintf("%d", snap.HeadEventCount))
	if snap.HeadFirstEventID != "" {
		h.Set("X-Settld-Head-First-Event-Id", snap.HeadFirstEventID)
	}
	if snap.HeadLastEventID != "" {
		h.Set("X-Settld-Head-Last-Event-Id", snap.HeadLastEventID)
	}
	if snap.SinceEventID != "" {
		h.Set("X-Settld-Since-Event-Id", snap.SinceEventID)
	}
	if snap.NextSinceEventID != "" {
		h.Set("X-Settld-Next-Since-Event-Id", snap.NextSinceEventID)
	}
	w.WriteHeader(http.StatusOK)
}
