package models

import "strings"

// MessageType tags the closed set of routed message variants. The same
// set is both the wire format and the in-process broadcast event type;
// consumers switch exhaustively on it and ignore unknown tags.
type MessageType string

const (
	TypeIdentify    MessageType = "identify"
	TypeChat        MessageType = "chat"
	TypePeerJoined  MessageType = "peer_joined"
	TypePeerLeft    MessageType = "peer_left"
	TypePeerList    MessageType = "peer_list"
	TypeSystem      MessageType = "system"
	TypeNameTaken   MessageType = "name_taken"
	TypePrivate     MessageType = "private"
	TypeChannelList MessageType = "channel_list"
	TypeTyping      MessageType = "typing"
	TypeDelete      MessageType = "delete"
)

// Durable reports whether this variant is written to the message log.
// Everything else is transient and only ever crosses the bus.
func (t MessageType) Durable() bool {
	return t == TypeChat || t == TypeSystem
}

// BotKeyPrefix marks keys owned by server-side publishers (HTTP bot API,
// webhook announcer). Bot keys skip the ban and name-ownership checks at
// identify time.
const BotKeyPrefix = "bot:"

// IsBotKey reports whether a public key carries the reserved bot prefix.
func IsBotKey(key string) bool {
	return strings.HasPrefix(key, BotKeyPrefix)
}

// RoutedMessage is the single broadcast/wire unit. Which fields are
// meaningful depends on Type; unused fields marshal away via omitempty.
type RoutedMessage struct {
	ID        string      `json:"id,omitempty"` // ULID, assigned at publish
	Type      MessageType `json:"type"`
	From      string      `json:"from,omitempty"`      // sender public key
	FromName  string      `json:"from_name,omitempty"` // sender display name
	To        string      `json:"to,omitempty"`        // target key (private only)
	Channel   string      `json:"channel,omitempty"`   // channel id (chat only)
	Content   string      `json:"content,omitempty"`
	Timestamp int64       `json:"ts,omitempty"` // unix ms
	Signature string      `json:"sig,omitempty"`

	// Identify payload.
	PublicKey   string `json:"public_key,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	LinkCode    string `json:"link_code,omitempty"`

	// List payloads.
	Peers    []Peer    `json:"peers,omitempty"`
	Channels []Channel `json:"channels,omitempty"`
}

// StoredMessage is a row in the append-only message log. ID is the
// durable cursor for paginating readers.
type StoredMessage struct {
	ID        int64       `json:"id"`
	Channel   string      `json:"channel"`
	Type      MessageType `json:"type"`
	FromKey   string      `json:"from,omitempty"`
	FromName  string      `json:"from_name,omitempty"`
	Content   string      `json:"content,omitempty"`
	Timestamp int64       `json:"ts"`
	Signature string      `json:"sig,omitempty"`
}
