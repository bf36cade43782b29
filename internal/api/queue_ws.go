package api

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/AyooB00/Qouantb-sub001/internal/platform/resilience"
)

const (
	streamBuffer       = 64
	streamWriteTimeout = 5 * time.Second
)

type snapshotMessage struct {
	Type  string                   `json:"type"`
	Stats resilience.GovernorStats `json:"stats"`
}

// handleQueueStream pushes governor events to a websocket client, starting
// with a stats snapshot. Events are dropped for a client that cannot keep up.
func (s *Server) handleQueueStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: originPatterns(s.origins),
	})
	if err != nil {
		s.logger.LogWarn(r.Context(), "websocket accept failed", "error", err.Error())
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream closed")

	events := make(chan resilience.Event, streamBuffer)
	unsubscribe := s.governor.Subscribe(func(e resilience.Event) {
		select {
		case events <- e:
		default:
		}
	})
	defer unsubscribe()

	// The client sends nothing; CloseRead cancels ctx when it disconnects.
	ctx := conn.CloseRead(r.Context())

	if err := s.writeStream(ctx, conn, snapshotMessage{Type: "snapshot", Stats: s.governor.Stats()}); err != nil {
		return
	}

	s.logger.LogDebug(ctx, "queue stream opened", "remote", r.RemoteAddr)

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case e := <-events:
			if err := s.writeStream(ctx, conn, e); err != nil {
				s.logger.LogDebug(ctx, "queue stream write failed", "error", err.Error())
				return
			}
		}
	}
}

func (s *Server) writeStream(ctx context.Context, conn *websocket.Conn, v any) error {
	ctx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, v)
}

// originPatterns turns CORS origins into websocket host patterns.
func originPatterns(origins []string) []string {
	patterns := make([]string, 0, len(origins))
	for _, o := range origins {
		if o == "*" {
			return []string{"*"}
		}
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			patterns = append(patterns, u.Host)
		}
	}
	return patterns
}
