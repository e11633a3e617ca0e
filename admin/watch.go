package admin

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const writeWait = 10 * time.Second

// WatchEvent is one message on the /watch stream. The first message is a
// "snapshot" with every record; each later "change" carries the ids touched by
// one registry operation and the current state of those still present.
type WatchEvent struct {
	Type    string       `json:"type"`
	IDs     []string     `json:"ids,omitempty"`
	Removed bool         `json:"removed,omitempty"`
	At      time.Time    `json:"at"`
	Records []RecordView `json:"records"`
}

func (h *Handler) handleWatch(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		writeError(w, http.StatusServiceUnavailable, "shutting down")
		return
	}
	h.wg.Add(1)
	h.mu.Unlock()
	defer h.wg.Done()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("watch upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	changes, cancel := h.store.Subscribe(64)
	defer cancel()

	// 读协程只用于感知对端关闭
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	snapshot := WatchEvent{Type: "snapshot", At: time.Now(), Records: viewsOf(h.store.Records())}
	if err := h.send(conn, snapshot); err != nil {
		return
	}

	ping := time.NewTicker(h.pingInterval)
	defer ping.Stop()
	for {
		select {
		case <-h.done:
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
				time.Now().Add(time.Second))
			return
		case <-gone:
			return
		case cs, ok := <-changes:
			if !ok {
				return
			}
			ev := WatchEvent{Type: "change", IDs: cs.IDs, Removed: cs.Removed, At: cs.At, Records: []RecordView{}}
			if !cs.Removed {
				for _, id := range cs.IDs {
					if rec, ok := h.store.Get(id); ok {
						ev.Records = append(ev.Records, viewOf(rec))
					}
				}
			}
			if err := h.send(conn, ev); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func (h *Handler) send(conn *websocket.Conn, ev WatchEvent) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(ev); err != nil {
		h.logger.Debug("watch write failed", zap.Error(err))
		return err
	}
	return nil
}
