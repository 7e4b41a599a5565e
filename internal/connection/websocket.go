package connection

import (
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
)

const maxInboundFrame = 64 * 1024

// ServeWebSocket runs the read and write pumps for an attached
// connection over an upgraded websocket. It blocks until the
// connection ends and always detaches before returning. onMessage
// receives every inbound frame after last_seen is updated.
func ServeWebSocket(m *Manager, conn *Conn, ws *websocket.Conn, writeTimeout time.Duration, onMessage func(*Conn, []byte)) {
	ws.SetReadLimit(maxInboundFrame)

	go writePump(m, conn, ws, writeTimeout)

	// Read pump. Unblocked by the write pump closing the socket when
	// the connection is closed from elsewhere.
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			reason := CloseTransportError
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				reason = CloseNormal
			}
			m.Detach(conn.ID, reason)
			return
		}
		conn.Touch()
		if onMessage != nil {
			onMessage(conn, data)
		}
	}
}

func writePump(m *Manager, conn *Conn, ws *websocket.Conn, writeTimeout time.Duration) {
	for {
		env, ok := conn.Next(nil)
		if !ok {
			// Connection closed; tell the client why, then tear the
			// socket down to unblock the read pump.
			reason := conn.Reason()
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(reason))
			_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
			_ = ws.Close()
			return
		}

		data, err := env.Marshal()
		if err != nil {
			slog.Error("connection: failed to marshal envelope", "connectionId", conn.ID, "err", err)
			continue
		}
		_ = ws.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
			m.Detach(conn.ID, CloseTransportError)
			_ = ws.Close()
			return
		}
	}
}
