package discord

import (
	"encoding/json"
	"strconv"
)

// Channel types
const (
	ChannelTypeGuildText     = 0
	ChannelTypeGuildCategory = 4
)

// Overwrite target types
const (
	OverwriteRole   = 0
	OverwriteMember = 1
)

// Permission bits
const (
	PermissionAdministrator      int64 = 1 << 3
	PermissionManageChannels     int64 = 1 << 4
	PermissionViewChannel        int64 = 1 << 10
	PermissionSendMessages       int64 = 1 << 11
	PermissionManageMessages     int64 = 1 << 13
	PermissionReadMessageHistory int64 = 1 << 16
)

// Gateway intents
const (
	IntentGuilds         = 1 << 0
	IntentGuildMessages  = 1 << 9
	IntentMessageContent = 1 << 15
)

// Overwrite is a channel permission overwrite
type Overwrite struct {
	ID    string `json:"id"`
	Type  int    `json:"type"`
	Allow string `json:"allow"`
	Deny  string `json:"deny"`
}

// NewRoleOverwrite builds a role overwrite from permission bitsets.
func NewRoleOverwrite(roleID string, allow, deny int64) Overwrite {
	return Overwrite{
		ID:    roleID,
		Type:  OverwriteRole,
		Allow: strconv.FormatInt(allow, 10),
		Deny:  strconv.FormatInt(deny, 10),
	}
}

// Channel is a guild channel or category
type Channel struct {
	ID                   string      `json:"id"`
	Type                 int         `json:"type"`
	GuildID              string      `json:"guild_id,omitempty"`
	Name                 string      `json:"name"`
	Topic                string      `json:"topic,omitempty"`
	ParentID             string      `json:"parent_id,omitempty"`
	PermissionOverwrites []Overwrite `json:"permission_overwrites,omitempty"`
}

// ChannelSpec describes a channel to create
type ChannelSpec struct {
	Name       string
	Type       int
	Topic      string
	ParentID   string
	Overwrites []Overwrite
}

type createChannelRequest struct {
	Name                 string      `json:"name"`
	Type                 int         `json:"type"`
	Topic                string      `json:"topic,omitempty"`
	ParentID             string      `json:"parent_id,omitempty"`
	PermissionOverwrites []Overwrite `json:"permission_overwrites,omitempty"`
}

// User is a Discord account
type User struct {
	ID         string `json:"id"`
	Username   string `json:"username"`
	GlobalName string `json:"global_name,omitempty"`
	Bot        bool   `json:"bot,omitempty"`
}

// Member is a user's guild membership
type Member struct {
	User        *User    `json:"user,omitempty"`
	Nick        string   `json:"nick,omitempty"`
	Roles       []string `json:"roles"`
	Permissions string   `json:"permissions,omitempty"`
}

// HasRole reports whether the member holds roleID.
func (m *Member) HasRole(roleID string) bool {
	if m == nil {
		return false
	}
	for _, r := range m.Roles {
		if r == roleID {
			return true
		}
	}
	return false
}

// IsAdministrator reports whether the interaction permissions include
// Administrator. Only interaction payloads carry computed permissions.
func (m *Member) IsAdministrator() bool {
	if m == nil || m.Permissions == "" {
		return false
	}
	perms, err := strconv.ParseInt(m.Permissions, 10, 64)
	if err != nil {
		return false
	}
	return perms&PermissionAdministrator != 0
}

// Attachment is a file uploaded to a Discord message
type Attachment struct {
	ID          string `json:"id"`
	Filename    string `json:"filename"`
	Size        int64  `json:"size"`
	URL         string `json:"url"`
	ContentType string `json:"content_type,omitempty"`
}

// Message is a channel message
type Message struct {
	ID          string       `json:"id"`
	ChannelID   string       `json:"channel_id"`
	GuildID     string       `json:"guild_id,omitempty"`
	Content     string       `json:"content"`
	Author      User         `json:"author"`
	Member      *Member      `json:"member,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
	Timestamp   string       `json:"timestamp,omitempty"`
}

// EmbedAuthor is the author line of an embed
type EmbedAuthor struct {
	Name string `json:"name"`
}

// EmbedField is one name/value row of an embed
type EmbedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

// EmbedFooter is the footer of an embed
type EmbedFooter struct {
	Text string `json:"text"`
}

// Embed is a rich message block
type Embed struct {
	Title       string       `json:"title,omitempty"`
	Description string       `json:"description,omitempty"`
	Color       int          `json:"color,omitempty"`
	Timestamp   string       `json:"timestamp,omitempty"`
	Author      *EmbedAuthor `json:"author,omitempty"`
	Fields      []EmbedField `json:"fields,omitempty"`
	Footer      *EmbedFooter `json:"footer,omitempty"`
}

// Component types and button styles
const (
	ComponentActionRow = 1
	ComponentButton    = 2

	ButtonPrimary   = 1
	ButtonSecondary = 2
	ButtonSuccess   = 3
	ButtonDanger    = 4
)

// Emoji is a unicode emoji reference
type Emoji struct {
	Name string `json:"name"`
}

// Component is an action row or a button
type Component struct {
	Type       int         `json:"type"`
	Components []Component `json:"components,omitempty"`
	Style      int         `json:"style,omitempty"`
	Label      string      `json:"label,omitempty"`
	CustomID   string      `json:"custom_id,omitempty"`
	Emoji      *Emoji      `json:"emoji,omitempty"`
}

// File is a staged file uploaded with a message
type File struct {
	Name string
	Path string
}

// MessageSend is the body of a create-message call
type MessageSend struct {
	Content    string      `json:"content,omitempty"`
	Embeds     []Embed     `json:"embeds,omitempty"`
	Components []Component `json:"components,omitempty"`
	Files      []File      `json:"-"`
}

// Interaction types
const (
	InteractionPing               = 1
	InteractionApplicationCommand = 2
	InteractionMessageComponent   = 3
	InteractionAutocomplete       = 4
)

// Interaction callback types
const (
	CallbackChannelMessage      = 4
	CallbackDeferredChannel     = 5
	CallbackAutocompleteResult  = 8
	MessageFlagEphemeral        = 1 << 6
	CommandOptionSubCommand     = 1
	CommandOptionString         = 3
	CommandOptionInteger        = 4
	CommandOptionRole           = 8
	ApplicationCommandChatInput = 1
)

// Role is a guild role
type Role struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// CommandOption is an option value sent with an interaction
type CommandOption struct {
	Name    string          `json:"name"`
	Type    int             `json:"type"`
	Value   json.RawMessage `json:"value,omitempty"`
	Options []CommandOption `json:"options,omitempty"`
	Focused bool            `json:"focused,omitempty"`
}

// String returns the option value as text.
func (o *CommandOption) String() string {
	if len(o.Value) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(o.Value, &s); err == nil {
		return s
	}
	return string(o.Value)
}

// Int returns the option value as an integer.
func (o *CommandOption) Int() (int64, bool) {
	var n json.Number
	if err := json.Unmarshal(o.Value, &n); err != nil {
		s := o.String()
		i, err := strconv.ParseInt(s, 10, 64)
		return i, err == nil
	}
	i, err := n.Int64()
	return i, err == nil
}

// ResolvedData carries entities referenced by options
type ResolvedData struct {
	Roles map[string]Role `json:"roles,omitempty"`
}

// InteractionData is the payload of a command, component or autocomplete
type InteractionData struct {
	ID            string          `json:"id,omitempty"`
	Name          string          `json:"name,omitempty"`
	Type          int             `json:"type,omitempty"`
	Options       []CommandOption `json:"options,omitempty"`
	CustomID      string          `json:"custom_id,omitempty"`
	ComponentType int             `json:"component_type,omitempty"`
	Resolved      *ResolvedData   `json:"resolved,omitempty"`
}

// Option finds a top-level option by name.
func (d *InteractionData) Option(name string) *CommandOption {
	return findOption(d.Options, name)
}

func findOption(options []CommandOption, name string) *CommandOption {
	for i := range options {
		if options[i].Name == name {
			return &options[i]
		}
	}
	return nil
}

// Sub returns the selected subcommand and its options.
func (d *InteractionData) Sub() (string, []CommandOption) {
	for _, o := range d.Options {
		if o.Type == CommandOptionSubCommand {
			return o.Name, o.Options
		}
	}
	return "", d.Options
}

// Focused returns the option being autocompleted.
func (d *InteractionData) Focused() *CommandOption {
	var walk func([]CommandOption) *CommandOption
	walk = func(opts []CommandOption) *CommandOption {
		for i := range opts {
			if opts[i].Focused {
				return &opts[i]
			}
			if found := walk(opts[i].Options); found != nil {
				return found
			}
		}
		return nil
	}
	return walk(d.Options)
}

// Interaction is a slash command, button press or autocomplete request
type Interaction struct {
	ID            string          `json:"id"`
	ApplicationID string          `json:"application_id"`
	Type          int             `json:"type"`
	Data          InteractionData `json:"data"`
	GuildID       string          `json:"guild_id,omitempty"`
	ChannelID     string          `json:"channel_id,omitempty"`
	Member        *Member         `json:"member,omitempty"`
	Token         string          `json:"token"`
}

// Username returns the invoking member's username.
func (i *Interaction) Username() string {
	if i.Member != nil && i.Member.User != nil {
		return i.Member.User.Username
	}
	return ""
}

// Choice is an autocomplete suggestion
type Choice struct {
	Name  string      `json:"name"`
	Value interface{} `json:"value"`
}

// InteractionResponseData is the message or choices of a callback
type InteractionResponseData struct {
	Content    string      `json:"content,omitempty"`
	Embeds     []Embed     `json:"embeds,omitempty"`
	Components []Component `json:"components,omitempty"`
	Flags      int         `json:"flags,omitempty"`
	Choices    []Choice    `json:"choices,omitempty"`
}

// InteractionResponse is an interaction callback
type InteractionResponse struct {
	Type int                      `json:"type"`
	Data *InteractionResponseData `json:"data,omitempty"`
}

// ApplicationCommandOption declares a command option
type ApplicationCommandOption struct {
	Type         int                        `json:"type"`
	Name         string                     `json:"name"`
	Description  string                     `json:"description"`
	Required     bool                       `json:"required,omitempty"`
	Autocomplete bool                       `json:"autocomplete,omitempty"`
	Options      []ApplicationCommandOption `json:"options,omitempty"`
}

// ApplicationCommand declares a slash command
type ApplicationCommand struct {
	Name                     string                     `json:"name"`
	Description              string                     `json:"description"`
	Type                     int                        `json:"type,omitempty"`
	Options                  []ApplicationCommandOption `json:"options,omitempty"`
	DefaultMemberPermissions *string                    `json:"default_member_permissions,omitempty"`
}
