package format

import (
	"fmt"
	"strings"
	"time"

	"ticketbridge/internal/constants"
	"ticketbridge/internal/models"
	"ticketbridge/pkg/discord"
	"ticketbridge/pkg/whmcs"
)

const (
	colorStaffReply   = 0x0099ff
	colorClientReply  = 0x7289da
	colorStatusChange = 0xffc107
	colorDefault      = 0x6c757d
)

var priorityColors = map[string]int{
	"Low":    0x28a745,
	"Medium": 0xffc107,
	"High":   0xfd7e14,
	"Urgent": 0xdc3545,
}

var statusEmoji = map[string]string{
	"Open":           "🟢",
	"Answered":       "💬",
	"Customer-Reply": "📨",
	"Closed":         "🔒",
	"On Hold":        "⏸️",
	"In Progress":    "🔄",
	"Pending":        "⏳",
	"Escalated":      "🔺",
	"Resolved":       "✅",
	"Cancelled":      "❌",
}

// PriorityColor returns the embed colour for a priority.
func PriorityColor(priority string) int {
	if c, ok := priorityColors[priority]; ok {
		return c
	}
	return colorDefault
}

// StatusEmoji returns the emoji shown next to a status.
func StatusEmoji(status string) string {
	if e, ok := statusEmoji[status]; ok {
		return e
	}
	return "❓"
}

// whmcsTime parses the "2006-01-02 15:04:05" timestamps WHMCS returns.
func whmcsTime(s string) (time.Time, bool) {
	for _, layout := range []string{"2006-01-02 15:04:05", time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, strings.TrimSpace(s)); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func embedTimestamp(s string) string {
	if t, ok := whmcsTime(s); ok {
		return t.UTC().Format(time.RFC3339)
	}
	return ""
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}

// SummaryEmbed renders the ticket header posted once per channel.
func SummaryEmbed(ticket *whmcs.Ticket, client *models.ClientDetails) discord.Embed {
	embed := discord.Embed{
		Title:     truncateRunes(fmt.Sprintf("Ticket #%s - %s", ticket.TID, ticket.Subject), 256),
		Color:     PriorityColor(ticket.Priority),
		Timestamp: embedTimestamp(ticket.Date),
		Fields: []discord.EmbedField{
			{Name: "Status", Value: StatusEmoji(ticket.Status) + " " + ticket.Status, Inline: true},
			{Name: "Priority", Value: orDefault(ticket.Priority, constants.DefaultPriority), Inline: true},
			{Name: "Department", Value: orDefault(ticket.DeptName, "General"), Inline: true},
		},
	}

	if client != nil {
		embed.Fields = append(embed.Fields,
			discord.EmbedField{Name: "Client", Value: orDefault(client.DisplayName(), "N/A"), Inline: true},
			discord.EmbedField{Name: "Email", Value: orDefault(client.Email, "N/A"), Inline: true},
			discord.EmbedField{Name: "Company", Value: orDefault(client.CompanyName, "N/A"), Inline: true},
		)
	}

	if ticket.LastReply != "" {
		embed.Fields = append(embed.Fields, discord.EmbedField{Name: "Last Reply", Value: ticket.LastReply})
	}
	return embed
}

// Button actions encoded in custom ids as "<action>_<tid>"
const (
	ButtonClose = "close"
	ButtonHold  = "hold"
)

// TicketButtons are the Close and Put On Hold actions under the summary.
func TicketButtons(ticketID string) []discord.Component {
	return []discord.Component{{
		Type: discord.ComponentActionRow,
		Components: []discord.Component{
			{
				Type:     discord.ComponentButton,
				Style:    discord.ButtonDanger,
				Label:    "Close Ticket",
				CustomID: ButtonClose + "_" + ticketID,
				Emoji:    &discord.Emoji{Name: "🔒"},
			},
			{
				Type:     discord.ComponentButton,
				Style:    discord.ButtonSecondary,
				Label:    "Put On Hold",
				CustomID: ButtonHold + "_" + ticketID,
				Emoji:    &discord.Emoji{Name: "⏸️"},
			},
		},
	}}
}

// ParseButtonID splits "close_<tid>" into its action and ticket id.
func ParseButtonID(customID string) (action, ticketID string, ok bool) {
	action, ticketID, ok = strings.Cut(customID, "_")
	if !ok || ticketID == "" {
		return "", "", false
	}
	switch action {
	case ButtonClose, ButtonHold:
		return action, ticketID, true
	}
	return "", "", false
}

// ReplyEmbed renders one ticket reply. Staff replies use a different colour.
func ReplyEmbed(reply *whmcs.Reply, attachmentNames []string) discord.Embed {
	isAdmin := reply.IsAdmin()
	color := colorClientReply
	author := "Client"
	if isAdmin {
		color = colorStaffReply
		author = "Staff"
	}
	if reply.Name != "" {
		author = reply.Name
	} else if isAdmin {
		author = reply.Admin
	}

	embed := discord.Embed{
		Color:       color,
		Author:      &discord.EmbedAuthor{Name: truncateRunes(author, 256)},
		Description: truncateRunes(orDefault(SanitizeMessage(reply.Message), "(no content)"), constants.MaxEmbedDescription),
		Timestamp:   embedTimestamp(reply.Date),
	}
	if len(attachmentNames) > 0 {
		embed.Fields = append(embed.Fields, discord.EmbedField{
			Name:  "Attachments",
			Value: truncateRunes(strings.Join(attachmentNames, "\n"), 1024),
		})
	}
	return embed
}

// UnavailableAttachmentsNotice is appended when no attachment of a reply
// could be fetched.
func UnavailableAttachmentsNotice(names []string) string {
	var b strings.Builder
	b.WriteString("⚠️ Attachments could not be retrieved from WHMCS:")
	for _, n := range names {
		b.WriteString("\n• ")
		b.WriteString(n)
	}
	return truncateRunes(b.String(), constants.MaxMessageContentLength)
}

// StatusChangeEmbed announces a status transition.
func StatusChangeEmbed(ticketID, from, to, updatedBy string, at time.Time) discord.Embed {
	return discord.Embed{
		Title:       "Ticket Status Updated",
		Description: fmt.Sprintf("Ticket #%s status changed", ticketID),
		Color:       colorStatusChange,
		Timestamp:   at.UTC().Format(time.RFC3339),
		Fields: []discord.EmbedField{
			{Name: "From", Value: StatusEmoji(from) + " " + orDefault(from, "Unknown"), Inline: true},
			{Name: "To", Value: StatusEmoji(to) + " " + to, Inline: true},
			{Name: "Updated By", Value: orDefault(updatedBy, "System"), Inline: true},
		},
	}
}

// TicketInfoEmbed answers the ticketinfo command.
func TicketInfoEmbed(m *models.TicketMapping) discord.Embed {
	internal := "unknown"
	if m.HasInternalID() {
		internal = fmt.Sprintf("%d", *m.InternalID)
	}
	return discord.Embed{
		Title: "Ticket #" + m.TicketID,
		Color: PriorityColor(m.Priority),
		Fields: []discord.EmbedField{
			{Name: "Status", Value: StatusEmoji(m.Status) + " " + orDefault(m.Status, "Unknown"), Inline: true},
			{Name: "Priority", Value: orDefault(m.Priority, "Unknown"), Inline: true},
			{Name: "Department", Value: orDefault(m.DepartmentName, "General"), Inline: true},
			{Name: "Internal ID", Value: internal, Inline: true},
			{Name: "Last Synced", Value: m.LastSyncedAt.UTC().Format("2006-01-02 15:04:05 UTC"), Inline: true},
		},
	}
}
