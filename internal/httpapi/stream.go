package httpapi

import (
	"context"
	"net/http"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const streamWriteTimeout = 10 * time.Second

// handleEventsStream upgrades to a websocket and pushes the execution's
// mutation events as they are appended. Buffered history from fromSequence is
// replayed first so a reconnecting client sees no gap.
func (s *Server) handleEventsStream(w http.ResponseWriter, r *http.Request, executionID, correlationID string) {
	fromSequence, err := parseOptionalBoundedInt(r.URL.Query().Get("fromSequence"), 0, 0, 1<<31-1)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid fromSequence", correlationID)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream closed")

	events, cancel := s.tracker.Buffer().Subscribe()
	defer cancel()

	// CloseRead gives back a context cancelled when the client goes away.
	ctx := conn.CloseRead(r.Context())

	backlog := s.tracker.Buffer().Events(executionID, uint64(fromSequence))
	lastSequence := uint64(0)
	for _, event := range backlog {
		writeCtx, writeCancel := context.WithTimeout(ctx, streamWriteTimeout)
		writeErr := wsjson.Write(writeCtx, conn, event)
		writeCancel()
		if writeErr != nil {
			return
		}
		lastSequence = event.SequenceNumber
	}

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "client disconnected")
			return
		case event, ok := <-events:
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "stream ended")
				return
			}
			if event.ExecutionID != executionID {
				continue
			}
			// Events already sent from the backlog replay are skipped.
			if event.SequenceNumber <= lastSequence {
				continue
			}
			writeCtx, writeCancel := context.WithTimeout(ctx, streamWriteTimeout)
			writeErr := wsjson.Write(writeCtx, conn, event)
			writeCancel()
			if writeErr != nil {
				return
			}
			lastSequence = event.SequenceNumber
		}
	}
}
