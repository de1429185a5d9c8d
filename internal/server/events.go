package server

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/l0p7/resilcache/internal/conflict"
	"github.com/l0p7/resilcache/internal/recovery"
)

const (
	writeWait    = 5 * time.Second
	pingInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// streamMessage is one frame on /events. Exactly one payload is set, except
// for the hello frame, which carries the recovery state.
type streamMessage struct {
	Type     string          `json:"type"`
	Conflict *conflict.Event `json:"conflict,omitempty"`
	Recovery *recovery.Event `json:"recovery,omitempty"`
	State    recovery.State  `json:"state,omitempty"`
	Streams  []string        `json:"streams,omitempty"`
}

func wantedStreams(raw string) (conflicts, recoveries bool) {
	if strings.TrimSpace(raw) == "" {
		return true, true
	}
	for _, part := range strings.Split(raw, ",") {
		switch strings.TrimSpace(strings.ToLower(part)) {
		case "conflict", "conflicts":
			conflicts = true
		case "recovery":
			recoveries = true
		}
	}
	return conflicts, recoveries
}

// events streams conflict and recovery transitions over a websocket until
// the client goes away. ?types=conflict,recovery narrows the streams.
func (a *api) events(w http.ResponseWriter, r *http.Request) {
	wantConflicts, wantRecovery := wantedStreams(r.URL.Query().Get("types"))
	if !wantConflicts && !wantRecovery {
		a.writeError(w, http.StatusBadRequest, "types must name conflict or recovery")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Warn("websocket upgrade failed", slog.Any("error", err))
		return
	}
	defer conn.Close()

	var (
		conflictCh <-chan conflict.Event
		recoveryCh <-chan recovery.Event
		streams    []string
	)
	if wantConflicts {
		sub := a.deps.Conflicts.Subscribe()
		defer sub.Unsubscribe()
		conflictCh = sub.C()
		streams = append(streams, "conflict")
	}
	if wantRecovery {
		sub := a.deps.Recovery.Subscribe()
		defer sub.Unsubscribe()
		recoveryCh = sub.C()
		streams = append(streams, "recovery")
	}

	// The read pump only notices the client closing.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	send := func(msg streamMessage) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(msg); err != nil {
			a.logger.Debug("websocket write failed", slog.Any("error", err))
			return false
		}
		return true
	}
	if !send(streamMessage{Type: "hello", State: a.deps.Recovery.State(), Streams: streams}) {
		return
	}
	a.logger.Debug("event stream opened", slog.Any("streams", streams))

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()
	for {
		select {
		case <-gone:
			return
		case <-r.Context().Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(writeWait))
			return
		case ev, ok := <-conflictCh:
			if !ok {
				return
			}
			if !send(streamMessage{Type: "conflict", Conflict: &ev}) {
				return
			}
		case ev, ok := <-recoveryCh:
			if !ok {
				return
			}
			if !send(streamMessage{Type: "recovery", Recovery: &ev}) {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
