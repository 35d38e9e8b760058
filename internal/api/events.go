package api

import (
	"context"
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// StreamEvents upgrades to a websocket and writes a snapshot on every
// change of history, pending or error. Incoming frames are ignored.
func (h *Handler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	e, ok := h.lookup(w, r)
	if !ok {
		return
	}

	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.log.Error().Err(err).Str("conversation_id", e.conv.ID()).Msg("failed to accept websocket")
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			h.log.Debug().Err(closeErr).Msg("failed to close websocket")
		}
	}()

	ctx := ws.CloseRead(r.Context())
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-e.ctx.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	messages, cancelMessages := e.conv.Messages().Subscribe()
	defer cancelMessages()
	pending, cancelPending := e.conv.Pending().Subscribe()
	defer cancelPending()
	errs, cancelErrs := e.conv.Error().Subscribe()
	defer cancelErrs()

	// each holder delivers its current value on subscribe; the first
	// snapshot is written once for all three
	<-pending
	<-errs

	for {
		select {
		case <-ctx.Done():
			return
		case <-messages:
		case <-pending:
		case <-errs:
		}
		if err := wsjson.Write(ctx, ws, e.conv.Snapshot()); err != nil {
			if ctx.Err() == nil {
				h.log.Debug().Err(err).Str("conversation_id", e.conv.ID()).Msg("websocket write failed")
			}
			return
		}
	}
}
