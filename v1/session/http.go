package session

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/thef4tdaddy/violet-vault-sub003/v1/editlock"
)

// stateJSON is the wire shape streamed to browser sessions.
type stateJSON struct {
	Status      string `json:"status"`
	LockedBy    string `json:"lockedBy,omitempty"`
	ExpiresAt   string `json:"expiresAt,omitempty"`
	RemainingMS int64  `json:"remainingMs"`
	CanEdit     bool   `json:"canEdit"`
	Degraded    bool   `json:"degraded,omitempty"`
}

func encodeState(st State) stateJSON {
	out := stateJSON{
		Status:      st.Status.String(),
		LockedBy:    st.LockedBy,
		RemainingMS: st.Remaining.Milliseconds(),
		CanEdit:     st.CanEdit,
		Degraded:    st.Degraded,
	}
	if !st.ExpiresAt.IsZero() {
		out.ExpiresAt = st.ExpiresAt.Format(time.RFC3339)
	}
	return out
}

// bindFromRequest builds a binder from the "type" and "id" query
// parameters. Streams observe by default; "acquire=1" also takes the lock
// for the duration of the connection.
func bindFromRequest(coord *editlock.Coordinator, r *http.Request) (*Binder, error) {
	recordType := r.URL.Query().Get("type")
	recordID := r.URL.Query().Get("id")
	if recordType == "" || recordID == "" {
		return nil, fmt.Errorf("missing type or id")
	}
	opts := []Option{}
	if r.URL.Query().Get("acquire") != "1" {
		opts = append(opts, WithoutAutoAcquire(), WithoutAutoRelease())
	}
	return New(coord, recordType, recordID, opts...), nil
}

// SSEHandler streams lock state changes for one record over
// Server-Sent Events.
func SSEHandler(coord *editlock.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b, err := bindFromRequest(coord, r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		defer b.Close()
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "stream unsupported", http.StatusInternalServerError)
			return
		}
		writeState := func(st State) bool {
			data, err := json.Marshal(encodeState(st))
			if err != nil {
				return false
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				return false
			}
			flusher.Flush()
			return true
		}
		if !writeState(b.State()) {
			return
		}
		for {
			select {
			case st, ok := <-b.Updates():
				if !ok {
					return
				}
				if !writeState(st) {
					return
				}
			case <-r.Context().Done():
				return
			}
		}
	}
}

var upgrader = websocket.Upgrader{}

// WebSocketHandler streams lock state changes for one record over
// WebSocket.
func WebSocketHandler(coord *editlock.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b, err := bindFromRequest(coord, r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			b.Close()
			return
		}
		defer conn.Close()
		defer b.Close()
		writeState := func(st State) bool {
			data, err := json.Marshal(encodeState(st))
			if err != nil {
				return false
			}
			return conn.WriteMessage(websocket.TextMessage, data) == nil
		}
		if !writeState(b.State()) {
			return
		}
		for {
			select {
			case st, ok := <-b.Updates():
				if !ok {
					return
				}
				if !writeState(st) {
					return
				}
			case <-r.Context().Done():
				return
			}
		}
	}
}
