package models

// Peer is a connected, identified client. An entry exists only while its
// session is active; the relay peer table owns it exclusively.
type Peer struct {
	PublicKey   string `json:"public_key"`
	DisplayName string `json:"display_name,omitempty"`
}
