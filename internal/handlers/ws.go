package handlers

import (
	"context"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/Shaostoul/Humanity-sub000/internal/relay"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// Clients identify by public key, not by origin.
		return true
	},
}

// ServeWS upgrades the connection and hands it to a relay session. The
// session runs the identify handshake itself; nothing is authenticated
// at the HTTP layer.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	// The request context dies when this handler returns; the session
	// outlives it.
	session := relay.NewSession(h.state, conn)
	go session.Run(context.Background())
}
