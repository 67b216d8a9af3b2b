package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/settld-labs/settld-proxy/pkg/contracts"
	"github.com/settld-labs/settld-proxy/pkg/store"
)

// PublicCardsStreamID is the broadcast stream for public agent cards.
const PublicCardsStreamID = "public/agent-cards"

// Event names on the public-card stream.
const (
	FrameCardsReady     = "agent_cards.ready"
	FrameCardUpsert     = "agent_card.upsert"
	FrameCardRemoved    = "agent_card.removed"
	FrameCardsWatermark = "agent_cards.watermark"
)

// CardServer serves the public agent-card stream: replay the current card
// set ordered by (updatedAt, agentId), then tail live upserts/removals.
type CardServer struct {
	Store       store.Store
	Broadcaster *Broadcaster
	KeepAlive   time.Duration
}

type cardRemovedBody struct {
	AgentID    string `json:"agentId"`
	ReasonCode string `json:"reasonCode"`
	At         string `json:"at,omitempty"`
}

// Serve streams public cards to w. cursor is the agent id of the last
// observed card; replay resumes strictly after its position in the
// (updatedAt, agentId) ordering.
func (s *CardServer) Serve(ctx context.Context, w http.ResponseWriter, cursor string, f Filter) error {
	// Subscribe before snapshotting the card set so an upsert committed
	// while the snapshot loads is still delivered; the replay dedup set
	// keeps the overlap from double-emitting.
	sub := s.Broadcaster.Subscribe(PublicCardsStreamID)
	defer s.Broadcaster.Unsubscribe(PublicCardsStreamID, sub)

	cards, err := s.Store.ListPublicAgentCards(ctx)
	if err != nil {
		return err
	}

	start := 0
	if cursor != "" {
		start = -1
		for i, c := range cards {
			if c.AgentID == cursor {
				start = i + 1
				break
			}
		}
		if start < 0 {
			return &CursorNotFoundError{Cursor: cursor}
		}
	}

	snap := headSnapshot{
		StreamID:     PublicCardsStreamID,
		Ordering:     "UPDATED_AT_ASC_AGENT_ID_ASC",
		DeliveryMode: DeliveryResumeTail,
		SinceEventID: cursor,
	}
	snap.HeadEventCount = len(cards)
	if len(cards) > 0 {
		snap.HeadFirstEventID = cards[0].AgentID
		snap.HeadLastEventID = cards[len(cards)-1].AgentID
		snap.NextSinceEventID = cards[len(cards)-1].AgentID
	}
	writeStreamHeaders(w, snap)

	ready, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	if err := writeFrame(w, Frame{Event: FrameCardsReady, Data: ready}); err != nil {
		return err
	}

	// Replay dedup key is agentId@revision so a later tail upsert of the
	// same card is still delivered.
	seen := make(map[string]struct{})
	for _, card := range cards[start:] {
		seen[cardKey(card)] = struct{}{}
		if err := s.emitCard(w, card, f); err != nil {
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
			switch {
			case env.Card != nil:
				if _, dup := seen[cardKey(*env.Card)]; dup {
					continue
				}
				seen[cardKey(*env.Card)] = struct{}{}
				if err := s.emitCard(w, *env.Card, f); err != nil {
					return err
				}
			case env.CardRemoved != nil:
				body, err := json.Marshal(cardRemovedBody{
					AgentID:    env.CardRemoved.AgentID,
					ReasonCode: env.CardRemoved.ReasonCode,
					At:         env.CardRemoved.At,
				})
				if err != nil {
					return err
				}
				if err := writeFrame(w, Frame{Event: FrameCardRemoved, ID: env.CardRemoved.AgentID, Data: body}); err != nil {
					return err
				}
			}
		}
	}
}

func cardKey(card contracts.AgentCard) string {
	return card.AgentID + "@" + card.UpdatedAt
}

func (s *CardServer) emitCard(w http.ResponseWriter, card contracts.AgentCard, f Filter) error {
	if f.MatchesCard(card) {
		body, err := json.Marshal(card)
		if err != nil {
			return err
		}
		return writeFrame(w, Frame{Event: FrameCardUpsert, ID: card.AgentID, Data: body})
	}
	mark, err := json.Marshal(map[string]string{"lastObservedAgentId": card.AgentID})
	if err != nil {
		return err
	}
	return writeFrame(w, Frame{Event: FrameCardsWatermark, ID: card.AgentID, Data: mark})
}
