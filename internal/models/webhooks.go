package models

import "ticketbridge/pkg/whmcs"

// Ticket webhook actions sent by the WHMCS hook module
const (
	TicketActionOpened  = "opened"
	TicketActionUpdated = "updated"
	TicketActionClosed  = "closed"
	TicketActionDeleted = "deleted"
)

// TicketWebhookPayload is the body of POST /webhook/ticket
type TicketWebhookPayload struct {
	Action   string           `json:"action" validate:"required,oneof=opened updated closed deleted"`
	TicketID whmcs.FlexString `json:"ticket_id" validate:"required,ticketid"`
	Status   string           `json:"status,omitempty"`
	Priority string           `json:"priority,omitempty"`
}

// ReplyWebhookPayload is the body of POST /webhook/reply
type ReplyWebhookPayload struct {
	TicketID whmcs.FlexString `json:"ticket_id" validate:"required,ticketid"`
	ReplyID  whmcs.FlexString `json:"reply_id" validate:"required"`
	Admin    string           `json:"admin,omitempty"`
}
