package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/opsgate/opsgate/internal/auth"
	"github.com/opsgate/opsgate/internal/rpc"
)

// wsWriteWait is the maximum time allowed to write one response frame. A
// peer that stalls longer than this loses the session.
const wsWriteWait = 10 * time.Second

// wsMaxMessageBytes matches the stdio transport's request line cap.
const wsMaxMessageBytes = rpc.DefaultMaxLineBytes

// upgrader performs the HTTP to WebSocket upgrade. Origin checks are
// skipped: the server binds loopback and callers are local tooling, not
// browsers.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(*http.Request) bool {
		return true
	},
}

// handleWS bridges one WebSocket session onto the dispatcher. Each incoming
// text message is one request line; each non-notification response goes
// back as one text message. The bearer token from the upgrade request
// authenticates every call on the session.
//
// The session is strictly request/response on a single goroutine, so no
// write synchronization is needed.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	token := auth.TokenFromHeaders(r.Header)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		s.log.Warn("websocket upgrade failed",
			zap.String("remote_addr", r.RemoteAddr), zap.Error(err))
		return
	}
	s.track(conn)
	defer func() {
		s.untrack(conn)
		_ = conn.Close()
	}()

	log := s.log.With(zap.String("remote_addr", r.RemoteAddr))
	log.Info("websocket session open")
	defer log.Info("websocket session closed")

	conn.SetReadLimit(wsMaxMessageBytes)
	meta := map[string]string{rpc.MetaSource: "ws:" + r.RemoteAddr}

	for {
		// ReadMessage blocks until a data frame arrives; control frames are
		// handled inside the library. Oversized frames error out here and
		// end the session with a 1009 close.
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
			) {
				log.Warn("websocket read failed", zap.Error(err))
			}
			return
		}

		resp := s.disp.HandleLine(r.Context(), msg, token, meta)
		if resp == nil {
			continue
		}
		if err := conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
			log.Warn("websocket write deadline", zap.Error(err))
			return
		}
		if err := conn.WriteMessage(websocket.TextMessage, resp); err != nil {
			log.Warn("websocket write failed", zap.Error(err))
			return
		}
	}
}
