package models

import "time"

// TicketMapping links a WHMCS ticket to the Discord channel mirroring it.
// A row exists only while the channel is believed to exist.
type TicketMapping struct {
	ID             int64     `json:"id"`
	TicketID       string    `json:"ticket_id"`   // WHMCS tid, user-facing
	InternalID     *int64    `json:"internal_id"` // WHMCS numeric id, backfilled when known
	ChannelID      string    `json:"channel_id"`
	CategoryID     string    `json:"category_id"`
	DepartmentID   int64     `json:"department_id"`
	DepartmentName string    `json:"department_name"`
	Priority       string    `json:"priority"`
	Status         string    `json:"status"`
	LastSyncedAt   time.Time `json:"last_synced_at"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// HasInternalID reports whether replies can be pushed upstream for this ticket.
func (m *TicketMapping) HasInternalID() bool {
	return m.InternalID != nil && *m.InternalID > 0
}

// DepartmentMapping links a WHMCS department to one Discord category.
type DepartmentMapping struct {
	ID             int64     `json:"id"`
	DepartmentID   int64     `json:"department_id"`
	DepartmentName string    `json:"department_name"`
	CategoryID     string    `json:"category_id"`
	CreatedAt      time.Time `json:"created_at"`
}

// DepartmentRoleMapping grants a Discord role visibility of a department's channels.
type DepartmentRoleMapping struct {
	ID             int64     `json:"id"`
	DepartmentID   int64     `json:"department_id"`
	DepartmentName string    `json:"department_name"`
	RoleID         string    `json:"role_id"`
	RoleName       string    `json:"role_name"`
	CreatedAt      time.Time `json:"created_at"`
}
