package service

import (
	"context"
	"time"

	"ticketbridge/internal/attachments"
	"ticketbridge/internal/models"
	"ticketbridge/pkg/discord"
	"ticketbridge/pkg/whmcs"
)

// ChatPlatform is the subset of the Discord REST API the engine uses.
type ChatPlatform interface {
	GuildID() string
	FindCategory(ctx context.Context, name string) (*discord.Channel, error)
	CreateChannel(ctx context.Context, spec discord.ChannelSpec) (*discord.Channel, error)
	GetChannel(ctx context.Context, channelID string) (*discord.Channel, error)
	RenameChannel(ctx context.Context, channelID, name string) error
	SetChannelOverwrites(ctx context.Context, channelID string, overwrites []discord.Overwrite) error
	DeleteChannel(ctx context.Context, channelID string) error
	SendMessage(ctx context.Context, channelID string, msg discord.MessageSend) (*discord.Message, error)
	DeleteMessage(ctx context.Context, channelID, messageID string) error
	AddReaction(ctx context.Context, channelID, messageID, emoji string) error
	RespondInteraction(ctx context.Context, interaction *discord.Interaction, resp discord.InteractionResponse) error
	EditInteractionResponse(ctx context.Context, interaction *discord.Interaction, data discord.InteractionResponseData) error
	DownloadAttachment(ctx context.Context, url string, maxBytes int64) ([]byte, error)
}

// TicketSystem is the subset of the WHMCS API the engine uses.
type TicketSystem interface {
	GetTicket(ctx context.Context, tid string) (*whmcs.Ticket, error)
	GetTickets(ctx context.Context, filter whmcs.TicketFilter) ([]whmcs.TicketSummary, error)
	GetSupportDepartments(ctx context.Context) ([]whmcs.Department, error)
	GetSupportStatuses(ctx context.Context) ([]whmcs.Status, error)
	AddTicketReply(ctx context.Context, req whmcs.ReplyRequest) (string, error)
	UpdateTicket(ctx context.Context, internalID int64, update whmcs.TicketUpdate) error
	GetAdminUsers(ctx context.Context) ([]whmcs.AdminUser, error)
	GetClientDetails(ctx context.Context, clientID string) (*whmcs.ClientInfo, error)
	GetTicketAttachment(ctx context.Context, q whmcs.AttachmentQuery) (*whmcs.AttachmentData, error)
}

// Store persists mappings, the sync ledger and cached client details.
type Store interface {
	SaveTicketMapping(ctx context.Context, m *models.TicketMapping) error
	UpdateTicketMapping(ctx context.Context, m *models.TicketMapping) error
	GetTicketMapping(ctx context.Context, ticketID string) (*models.TicketMapping, error)
	GetTicketMappingByChannel(ctx context.Context, channelID string) (*models.TicketMapping, error)
	ListTicketMappings(ctx context.Context) ([]*models.TicketMapping, error)
	ListTicketMappingsByDepartment(ctx context.Context, departmentID int64) ([]*models.TicketMapping, error)
	DeleteTicketData(ctx context.Context, ticketID string) error

	RecordSync(ctx context.Context, r *models.SyncRecord) error
	FindSyncByReply(ctx context.Context, ticketID, replyID string) (*models.SyncRecord, error)
	ReplyKnown(ctx context.Context, replyID string) (bool, error)
	ReplaceSync(ctx context.Context, staleID int64, r *models.SyncRecord) error
	DeleteSyncRecords(ctx context.Context, ticketID string) error

	GetDepartmentMapping(ctx context.Context, departmentID int64) (*models.DepartmentMapping, error)
	GetDepartmentMappingByCategory(ctx context.Context, categoryID string) (*models.DepartmentMapping, error)
	SaveDepartmentMapping(ctx context.Context, m *models.DepartmentMapping) error
	DeleteDepartmentMapping(ctx context.Context, departmentID int64) error
	ListDepartmentMappings(ctx context.Context) ([]*models.DepartmentMapping, error)
	AddDepartmentRole(ctx context.Context, m *models.DepartmentRoleMapping) error
	RemoveDepartmentRole(ctx context.Context, departmentID int64, roleID string) (bool, error)
	ListDepartmentRoles(ctx context.Context, departmentID int64) ([]*models.DepartmentRoleMapping, error)
	ListAllDepartmentRoles(ctx context.Context) ([]*models.DepartmentRoleMapping, error)

	GetClientDetails(ctx context.Context, clientID string, maxAge time.Duration) (*models.ClientDetails, error)
	SaveClientDetails(ctx context.Context, c *models.ClientDetails) error
	PurgeClientDetails(ctx context.Context, maxAge time.Duration) (int64, error)
}

// StatusClassifier answers open/closed questions about WHMCS statuses.
type StatusClassifier interface {
	IsClosed(ctx context.Context, status string) bool
	IsOpen(ctx context.Context, status string) bool
	ActiveStatusNames(ctx context.Context) []string
	Invalidate()
}

// AttachmentProcessor stages reply attachments for upload.
type AttachmentProcessor interface {
	Process(ctx context.Context, refs []whmcs.AttachmentRef, tc attachments.TicketContext) *attachments.Batch
	SweepStale() (int, error)
}

// Syncer is the capability command handlers and webhooks get: schedule
// work on the keyed pool and wait for it.
type Syncer interface {
	SyncTicket(ctx context.Context, ticketID string) error
	SyncAll(ctx context.Context) (int, error)
}
