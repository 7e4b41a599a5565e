package connection

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// sseHeartbeat is the comment-line keepalive interval. Proxies drop
// quiet streams; the comment keeps them open without emitting data.
const sseHeartbeat = 15 * time.Second

// ServeSSE streams the connection's outbound queue as Server-Sent
// Events. It blocks until the client goes away or the connection is
// closed, and always detaches before returning.
func ServeSSE(m *Manager, conn *Conn, w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		m.Detach(conn.ID, CloseTransportError)
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// The stream outlives the server-wide write timeout.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	for {
		waitCtx, cancel := context.WithTimeout(r.Context(), sseHeartbeat)
		env, ok := conn.Next(waitCtx)
		cancel()

		if !ok {
			if conn.State() == StateClosed {
				// Tell the client why before ending the stream.
				fmt.Fprintf(w, "event: close\ndata: {\"reason\":%q}\n\n", conn.Reason())
				flusher.Flush()
				m.Detach(conn.ID, conn.Reason())
				return
			}
			if r.Context().Err() != nil {
				m.Detach(conn.ID, CloseNormal)
				return
			}
			// Timed out waiting: heartbeat.
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				m.Detach(conn.ID, CloseTransportError)
				return
			}
			flusher.Flush()
			continue
		}

		data, err := env.Marshal()
		if err != nil {
			slog.Error("connection: failed to marshal envelope", "connectionId", conn.ID, "err", err)
			continue
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", env.Type, data); err != nil {
			m.Detach(conn.ID, CloseTransportError)
			return
		}
		flusher.Flush()
		// An SSE client never sends frames; a successful write is the
		// liveness signal.
		conn.Touch()
	}
}
