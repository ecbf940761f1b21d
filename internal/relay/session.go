package relay

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/Shaostoul/Humanity-sub000/internal/identity"
	"github.com/Shaostoul/Humanity-sub000/internal/metrics"
	"github.com/Shaostoul/Humanity-sub000/internal/models"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = (pongWait * 9) / 10
	maxFrameSize = 64 * 1024
	outBuffer    = 256
)

// Session owns the connection state machine for one client:
// AwaitingIdentify until a valid identify frame, then Active with an
// inbound read loop and an outbound forward loop, then Closed.
type Session struct {
	state  *State
	conn   *websocket.Conn
	logger zerolog.Logger

	key  string // public key, set at identify
	name string // display name, may be empty

	out  chan models.RoutedMessage // direct, unfiltered deliveries
	sub  *Subscription
	done chan struct{}
	once sync.Once
}

// NewSession wraps an upgraded connection.
func NewSession(state *State, conn *websocket.Conn) *Session {
	return &Session{
		state:  state,
		conn:   conn,
		logger: state.logger.With().Str("remote", conn.RemoteAddr().String()).Logger(),
		out:    make(chan models.RoutedMessage, outBuffer),
		done:   make(chan struct{}),
	}
}

// Run drives the session to completion. It returns when the connection
// is closed from either side.
func (s *Session) Run(ctx context.Context) {
	defer s.conn.Close()

	s.conn.SetReadLimit(maxFrameSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	if !s.awaitIdentify(ctx) {
		return
	}
	s.runActive(ctx)
}

// Close ends the session; both loops unblock. Safe to call more than
// once and from any goroutine.
func (s *Session) Close() {
	s.once.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}

// readFrame reads one frame and decodes it. A malformed frame is a
// protocol violation, not an error: it returns ok=false with the
// connection still live. A transport error ends the session.
func (s *Session) readFrame() (models.RoutedMessage, bool, error) {
	var msg models.RoutedMessage
	_, data, err := s.conn.ReadMessage()
	if err != nil {
		return msg, false, err
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		s.logger.Debug().Err(err).Msg("ignoring malformed frame")
		return msg, false, nil
	}
	return msg, true, nil
}

type identifyResult int

const (
	identifyOK identifyResult = iota
	identifyRetry
	identifyFatal
)

// awaitIdentify reads frames until a successful identify. Non-identify
// frames are ignored. Returns false when the session must close.
func (s *Session) awaitIdentify(ctx context.Context) bool {
	for {
		msg, ok, err := s.readFrame()
		if err != nil {
			return false
		}
		if !ok || msg.Type != models.TypeIdentify {
			continue
		}

		switch s.handleIdentify(ctx, msg) {
		case identifyOK:
			return true
		case identifyFatal:
			return false
		}
		// retryable: stay in AwaitingIdentify
	}
}

// handleIdentify runs the identify pipeline: link-code redemption, name
// validation, ban check, name-ownership resolution.
func (s *Session) handleIdentify(ctx context.Context, msg models.RoutedMessage) identifyResult {
	key := msg.PublicKey
	if key == "" {
		return identifyRetry
	}
	name := strings.TrimSpace(msg.DisplayName)

	if msg.LinkCode != "" {
		linked, err := s.state.registry.RedeemLinkCode(ctx, msg.LinkCode, key)
		if err != nil {
			s.logger.Error().Err(err).Msg("link code redemption failed")
			s.writeDirect(models.RoutedMessage{Type: models.TypeSystem, Content: "link failed, try again"})
			return identifyRetry
		}
		if linked == "" {
			metrics.IdentifyRejections.WithLabelValues("bad_link_code").Inc()
			s.writeDirect(models.RoutedMessage{Type: models.TypeSystem, Content: "invalid or expired link code"})
			return identifyRetry
		}
		// A redeemed code overrides the requested display name.
		name = linked
	}

	if name != "" && !validName(name) {
		metrics.IdentifyRejections.WithLabelValues("bad_name").Inc()
		s.writeDirect(models.RoutedMessage{
			Type:    models.TypeNameTaken,
			Content: "names are 1-24 characters: letters, digits, _ and - only",
		})
		return identifyRetry
	}

	if !models.IsBotKey(key) {
		rec, err := s.state.store.GetRole(ctx, key)
		if err != nil {
			metrics.StoreErrors.WithLabelValues("get_role").Inc()
			s.logger.Error().Err(err).Msg("role lookup failed during identify")
		} else if rec.Banned {
			metrics.IdentifyRejections.WithLabelValues("banned").Inc()
			s.writeDirect(models.RoutedMessage{Type: models.TypeNameTaken, Content: "you are banned"})
			return identifyFatal
		}

		if name != "" {
			owner, err := s.state.registry.Resolve(ctx, name, key)
			if err != nil {
				metrics.StoreErrors.WithLabelValues("resolve_name").Inc()
				s.logger.Error().Err(err).Msg("name resolution failed")
				s.writeDirect(models.RoutedMessage{Type: models.TypeSystem, Content: "temporary failure, try again"})
				return identifyRetry
			}
			switch owner {
			case identity.Free:
				if err := s.state.registry.Register(ctx, name, key); err != nil {
					metrics.StoreErrors.WithLabelValues("bind_name").Inc()
					s.logger.Error().Err(err).Msg("name registration failed")
					s.writeDirect(models.RoutedMessage{Type: models.TypeSystem, Content: "temporary failure, try again"})
					return identifyRetry
				}
			case identity.OwnedByOther:
				metrics.IdentifyRejections.WithLabelValues("name_taken").Inc()
				s.writeDirect(models.RoutedMessage{
					Type:    models.TypeNameTaken,
					Content: "name " + name + " is registered to another key",
				})
				return identifyRetry
			}
		}
	}

	s.key = key
	s.name = name
	return identifyOK
}

// runActive joins the relay: subscribe, enter the peer table, sync this
// connection, announce, then run both loops until one ends.
func (s *Session) runActive(ctx context.Context) {
	s.sub = s.state.bus.Subscribe()
	s.state.addPeer(s)
	metrics.SessionsActive.Inc()
	s.logger.Info().Str("name", s.name).Msg("session active")

	// Initial sync, to this connection only.
	s.send(s.state.peerListMessage())
	s.send(s.state.channelListMessage(ctx))

	s.state.Publish(models.RoutedMessage{
		Type:     models.TypePeerJoined,
		From:     s.key,
		FromName: s.name,
	})

	go s.writePump()
	s.readPump(ctx)

	// Closed: either loop ending tears the whole session down.
	s.Close()
	s.state.bus.Unsubscribe(s.sub)
	s.state.removePeer(s)
	metrics.SessionsActive.Dec()
	s.logger.Info().Str("name", s.name).Msg("session closed")

	s.state.Publish(models.RoutedMessage{
		Type:     models.TypePeerLeft,
		From:     s.key,
		FromName: s.name,
	})
}

// readPump consumes inbound frames and drives the chat/command
// pipeline. Unknown variants are ignored.
func (s *Session) readPump(ctx context.Context) {
	for {
		msg, ok, err := s.readFrame()
		if err != nil {
			return
		}
		if !ok {
			continue
		}

		switch msg.Type {
		case models.TypeChat:
			s.handleChat(ctx, msg)
		case models.TypeTyping:
			s.state.Publish(models.RoutedMessage{
				Type:     models.TypeTyping,
				From:     s.key,
				FromName: s.name,
				Channel:  msg.Channel,
			})
		case models.TypeDelete:
			s.handleDelete(ctx, msg)
		case models.TypePrivate:
			if msg.To != "" && msg.Content != "" {
				s.state.Publish(models.RoutedMessage{
					Type:     models.TypePrivate,
					From:     s.key,
					FromName: s.name,
					To:       msg.To,
					Content:  msg.Content,
				})
			}
		default:
			// Identify while active, server-side variants, unknown tags:
			// all ignored.
		}
	}
}

// handleDelete removes a message owned by this session. The row must
// match both this session's key and the exact timestamp.
func (s *Session) handleDelete(ctx context.Context, msg models.RoutedMessage) {
	if msg.Timestamp == 0 {
		return
	}
	deleted, err := s.state.store.DeleteOwnMessage(ctx, s.key, msg.Timestamp)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("delete").Inc()
		s.logger.Error().Err(err).Msg("message delete failed")
		return
	}
	if deleted {
		s.state.removeFromHistory(s.key, msg.Timestamp)
		s.state.Publish(models.RoutedMessage{
			Type:      models.TypeDelete,
			From:      s.key,
			Timestamp: msg.Timestamp,
		})
	}
}

// writePump forwards bus traffic (filtered) and direct deliveries to
// the connection, and keeps the transport alive with pings.
func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer s.Close()

	for {
		select {
		case msg := <-s.out:
			if !s.writeMessage(msg) {
				return
			}
		case msg, ok := <-s.sub.Messages():
			if !ok {
				return
			}
			fwd, deliver := s.filterOutbound(msg)
			if !deliver {
				continue
			}
			if !s.writeMessage(fwd) {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.done:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			s.conn.WriteMessage(websocket.CloseMessage, nil)
			return
		}
	}
}

// filterOutbound applies the forward-filtering rule: no echo of this
// session's own Chat/Typing/Delete; Private only to its target,
// rewritten to System before delivery; everything else unfiltered.
func (s *Session) filterOutbound(msg models.RoutedMessage) (models.RoutedMessage, bool) {
	switch msg.Type {
	case models.TypeChat, models.TypeTyping, models.TypeDelete:
		if msg.From == s.key {
			return msg, false
		}
	case models.TypePrivate:
		if msg.To != s.key {
			return msg, false
		}
		msg.Type = models.TypeSystem
		msg.To = ""
	}
	return msg, true
}

// send queues a direct delivery for this connection only.
func (s *Session) send(msg models.RoutedMessage) {
	select {
	case s.out <- msg:
	case <-s.done:
	default:
		// Out buffer full: drop rather than block the caller.
		metrics.SessionQueueDropped.Inc()
	}
}

// sendPrivate delivers a server reply to this session only, through the
// bus so the Private targeting rule does the addressing.
func (s *Session) sendPrivate(content string) {
	s.state.Publish(models.RoutedMessage{
		Type:    models.TypePrivate,
		To:      s.key,
		Content: content,
	})
}

// writeDirect writes a frame synchronously. Only used before Active,
// when no write pump is running.
func (s *Session) writeDirect(msg models.RoutedMessage) {
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteJSON(msg); err != nil {
		s.logger.Debug().Err(err).Msg("direct write failed")
	}
}

// writeMessage writes one frame from the write pump.
func (s *Session) writeMessage(msg models.RoutedMessage) bool {
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteJSON(msg); err != nil {
		s.logger.Debug().Err(err).Msg("write failed")
		return false
	}
	return true
}
