// Package format renders tickets and replies into Discord names, embeds
// and buttons.
package format

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"ticketbridge/internal/constants"
)

var (
	nonSlugChars     = regexp.MustCompile(`[^a-z0-9-]`)
	repeatedDashes   = regexp.MustCompile(`-+`)
	forbiddenInTitle = regexp.MustCompile("[@#:`~]")
	whitespaceRuns   = regexp.MustCompile(`\s+`)
	channelNameRe    = regexp.MustCompile(`^(🟢|🟡|🟠|🔴|⚪)-(.+)-([A-Za-z0-9]+)$`)
)

var priorityEmoji = map[string]string{
	"Low":    "🟢",
	"Medium": "🟡",
	"High":   "🟠",
	"Urgent": "🔴",
}

const unknownPriorityEmoji = "⚪"

// PriorityEmoji returns the channel-name prefix for a priority.
func PriorityEmoji(priority string) string {
	if e, ok := priorityEmoji[priority]; ok {
		return e
	}
	return unknownPriorityEmoji
}

// Slug lowercases s, replaces anything outside [a-z0-9-] with a dash,
// collapses dash runs and truncates to the channel slug length.
func Slug(s string) string {
	slug := nonSlugChars.ReplaceAllString(strings.ToLower(s), "-")
	slug = repeatedDashes.ReplaceAllString(slug, "-")
	if len(slug) > constants.MaxChannelNameSlugLength {
		slug = slug[:constants.MaxChannelNameSlugLength]
	}
	return slug
}

// ChannelName builds "<priority emoji>-<department slug>-<tid>". Equal
// inputs always produce equal names.
func ChannelName(priority, department, ticketID string) string {
	return PriorityEmoji(priority) + "-" + Slug(department) + "-" + ticketID
}

// CategoryName strips characters Discord rejects in category names,
// collapses whitespace and caps the length.
func CategoryName(department string) string {
	name := forbiddenInTitle.ReplaceAllString(department, "")
	name = strings.TrimSpace(whitespaceRuns.ReplaceAllString(name, " "))
	name = truncateRunes(name, constants.MaxCategoryNameLength)
	if name == "" {
		return constants.DefaultCategoryName
	}
	return name
}

// ChannelInfo is what can be recovered from a ticket channel name
type ChannelInfo struct {
	Priority string
	Slug     string
	TicketID string
}

// ParseChannelName recovers the priority and the trailing ticket token
// from a channel name. Ticket ids containing dashes come back truncated to
// their last segment; the mapping store stays the source of truth.
func ParseChannelName(name string) (*ChannelInfo, bool) {
	m := channelNameRe.FindStringSubmatch(name)
	if m == nil {
		return nil, false
	}
	priority := "Unknown"
	for p, e := range priorityEmoji {
		if e == m[1] {
			priority = p
		}
	}
	if !strings.ContainsAny(m[3], "0123456789") {
		return nil, false
	}
	return &ChannelInfo{Priority: priority, Slug: m[2], TicketID: m[3]}, true
}

// ChannelTopic is the topic set on ticket channels.
func ChannelTopic(ticketID, subject string) string {
	return truncateRunes("WHMCS Ticket #"+ticketID+" - "+subject, 1024)
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}
