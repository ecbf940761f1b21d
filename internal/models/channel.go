package models

// GeneralChannelID is the fixed id of the seeded "general" channel,
// created at first boot and exempt from deletion.
const (
	GeneralChannelID   = "00000000-0000-0000-0000-000000000001"
	GeneralChannelName = "general"
)

// Channel is a named message stream.
type Channel struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}
