// Package humanity is a minimal Go client for the relay's WebSocket
// protocol: identify, chat, and a receive loop.
package humanity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Shaostoul/Humanity-sub000/internal/models"
)

// ErrIdentifyRejected is returned when the server answers identify with
// a name rejection.
var ErrIdentifyRejected = errors.New("identify rejected")

// Client is one connection to the relay.
type Client struct {
	conn *websocket.Conn

	// PublicKey is the identity this client connected with.
	PublicKey string
	// DisplayName is the name granted at identify (may differ from the
	// requested one when a link code was redeemed).
	DisplayName string
}

// Options configures Dial.
type Options struct {
	ServerURL   string // e.g. "ws://localhost:8080"
	PublicKey   string
	DisplayName string // optional
	LinkCode    string // optional, overrides DisplayName on success
}

// Dial connects, identifies, and waits for the initial peer list. It
// returns ErrIdentifyRejected when the server refuses the name.
func Dial(ctx context.Context, opts Options) (*Client, error) {
	u, err := url.Parse(opts.ServerURL)
	if err != nil {
		return nil, err
	}
	u.Path = "/ws"

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, err
	}

	c := &Client{conn: conn, PublicKey: opts.PublicKey, DisplayName: opts.DisplayName}

	err = c.writeJSON(models.RoutedMessage{
		Type:        models.TypeIdentify,
		PublicKey:   opts.PublicKey,
		DisplayName: opts.DisplayName,
		LinkCode:    opts.LinkCode,
	})
	if err != nil {
		conn.Close()
		return nil, err
	}

	// The server answers a successful identify with PeerList then
	// ChannelList; a rejection comes back as NameTaken or System.
	for {
		msg, err := c.Read()
		if err != nil {
			conn.Close()
			return nil, err
		}
		switch msg.Type {
		case models.TypePeerList:
			for _, p := range msg.Peers {
				if p.PublicKey == opts.PublicKey {
					c.DisplayName = p.DisplayName
				}
			}
			return c, nil
		case models.TypeNameTaken:
			conn.Close()
			return nil, fmt.Errorf("%w: %s", ErrIdentifyRejected, msg.Content)
		case models.TypeSystem:
			conn.Close()
			return nil, fmt.Errorf("%w: %s", ErrIdentifyRejected, msg.Content)
		}
	}
}

// Close closes the connection.
func (c *Client) Close() error {
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return c.conn.Close()
}

// Read blocks for the next routed message.
func (c *Client) Read() (models.RoutedMessage, error) {
	var msg models.RoutedMessage
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return msg, err
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		return msg, err
	}
	return msg, nil
}

// SendChat publishes a chat message. An empty channel targets general.
func (c *Client) SendChat(channel, content string) error {
	return c.writeJSON(models.RoutedMessage{
		Type:    models.TypeChat,
		Channel: channel,
		Content: content,
	})
}

// SendTyping signals that this client is typing.
func (c *Client) SendTyping(channel string) error {
	return c.writeJSON(models.RoutedMessage{Type: models.TypeTyping, Channel: channel})
}

// SendCommand runs a slash command (e.g. "/link").
func (c *Client) SendCommand(command string) error {
	return c.writeJSON(models.RoutedMessage{Type: models.TypeChat, Content: command})
}

// DeleteMessage asks the server to delete this client's own message
// with the exact timestamp.
func (c *Client) DeleteMessage(timestamp int64) error {
	return c.writeJSON(models.RoutedMessage{Type: models.TypeDelete, Timestamp: timestamp})
}

func (c *Client) writeJSON(msg models.RoutedMessage) error {
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteJSON(msg)
}
