package models

import (
	"fmt"
	"time"
)

// Direction tells which side a mirrored message originated on.
type Direction interface {
	direction()
	String() string
}

// SourceToChat marks a WHMCS reply rendered into a Discord message.
type SourceToChat struct{}

// ChatToSource marks a Discord message pushed to WHMCS as a reply. Its
// original chat message is removed by the relay, so the record waits for
// WHMCS to echo the reply back.
type ChatToSource struct{}

func (SourceToChat) direction()     {}
func (SourceToChat) String() string { return "whmcs_to_discord" }
func (ChatToSource) direction()     {}
func (ChatToSource) String() string { return "discord_to_whmcs" }

// ParseDirection decodes the persisted direction tag.
func ParseDirection(s string) (Direction, error) {
	switch s {
	case SourceToChat{}.String():
		return SourceToChat{}, nil
	case ChatToSource{}.String():
		return ChatToSource{}, nil
	default:
		return nil, fmt.Errorf("unknown sync direction %q", s)
	}
}

// SyncRecord is one row of the sync ledger: a reply and the chat message
// representing it.
type SyncRecord struct {
	ID        int64
	TicketID  string
	ReplyID   string // empty until WHMCS assigns one
	MessageID string
	Direction Direction
	SyncedAt  time.Time
}

// IsSourceToChat reports whether the record was produced by reply mirroring.
func (r *SyncRecord) IsSourceToChat() bool {
	_, ok := r.Direction.(SourceToChat)
	return ok
}

// IsChatToSource reports whether the record was produced by the chat relay.
func (r *SyncRecord) IsChatToSource() bool {
	_, ok := r.Direction.(ChatToSource)
	return ok
}

// ClientDetails is the cached subset of a WHMCS client shown on ticket summaries.
type ClientDetails struct {
	ClientID    string
	FirstName   string
	LastName    string
	Email       string
	CompanyName string
	CachedAt    time.Time
}

// DisplayName returns "First Last", falling back to the email.
func (c *ClientDetails) DisplayName() string {
	name := c.FirstName
	if c.LastName != "" {
		if name != "" {
			name += " "
		}
		name += c.LastName
	}
	if name == "" {
		return c.Email
	}
	return name
}
