package service

import (
	"context"
	"encoding/base64"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"ticketbridge/internal/attachments"
	"ticketbridge/internal/constants"
	"ticketbridge/internal/errors"
	"ticketbridge/internal/metrics"
	"ticketbridge/internal/models"
	"ticketbridge/internal/tracing"
	"ticketbridge/pkg/discord"
	"ticketbridge/pkg/whmcs"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

// Reactions and notices shown by the relay
const (
	ReactionSynced  = "✅"
	ReactionFailed  = "❌"
	ReactionIgnored = "⚠️"

	msgStaffOnlyReply   = "Only staff members can reply to tickets."
	msgMissingInternal  = "Unable to sync reply: Missing ticket internal ID."
	msgRelayFailed      = "Failed to sync reply to WHMCS."
	defaultStaffPrefix  = "[Staff] "
	relayCleanupTimeout = 10 * time.Second
)

// RelayConfig configures chat-to-ticket relaying.
type RelayConfig struct {
	GuildID           string
	StaffRoleID       string
	NamePrefix        string
	MaxSize           int64
	AllowedExtensions []string
	DeleteDelay       time.Duration // before the relayed message is removed
	WarningTTL        time.Duration // lifetime of rejected-file warnings
	NoticeTTL         time.Duration // lifetime of short notices
}

func (c *RelayConfig) applyDefaults() {
	if c.NamePrefix == "" {
		c.NamePrefix = defaultStaffPrefix
	}
	if c.MaxSize <= 0 {
		c.MaxSize = constants.DefaultRelayMaxSizeMB * constants.BytesPerMegabyte
	}
	if len(c.AllowedExtensions) == 0 {
		c.AllowedExtensions = constants.DefaultRelayExtensions
	}
	if c.DeleteDelay <= 0 {
		c.DeleteDelay = constants.DefaultRelayDeleteDelayMs * time.Millisecond
	}
	if c.WarningTTL <= 0 {
		c.WarningTTL = constants.DefaultRelayWarningTTLSec * time.Second
	}
	if c.NoticeTTL <= 0 {
		c.NoticeTTL = constants.DefaultRelayNoticeTTLSec * time.Second
	}
}

// Relay pushes staff messages typed in a ticket channel to WHMCS as
// replies. The reply comes back through mirroring, so the original chat
// message is removed once WHMCS accepted it.
type Relay struct {
	engine  *Engine
	chat    ChatPlatform
	tickets TicketSystem
	store   Store
	policy  attachments.Policy
	cfg     RelayConfig
	logger  *logrus.Logger

	// schedule runs fn after d; tests replace it to run immediately.
	schedule func(d time.Duration, fn func())
}

func NewRelay(engine *Engine, chat ChatPlatform, cfg RelayConfig, logger *logrus.Logger) *Relay {
	cfg.applyDefaults()
	if logger == nil {
		logger = logrus.New()
	}
	return &Relay{
		engine:  engine,
		chat:    chat,
		tickets: engine.tickets,
		store:   engine.store,
		policy:  attachments.NewPolicy(cfg.AllowedExtensions, cfg.MaxSize),
		cfg:     cfg,
		logger:  logger,
		schedule: func(d time.Duration, fn func()) {
			time.AfterFunc(d, fn)
		},
	}
}

// OnMessageCreate handles a message posted in the guild. Messages outside
// ticket channels are ignored.
func (r *Relay) OnMessageCreate(ctx context.Context, msg *discord.Message) {
	if msg == nil || msg.Author.Bot {
		return
	}
	if r.cfg.GuildID != "" && msg.GuildID != r.cfg.GuildID {
		return
	}

	log := r.logger.WithFields(logrus.Fields{
		LogFieldChannelID: msg.ChannelID,
		LogFieldMessageID: msg.ID,
		LogFieldUser:      msg.Author.Username,
	})

	mapping, err := r.store.GetTicketMappingByChannel(ctx, msg.ChannelID)
	if err != nil {
		errors.Entry(log, err).Error("Failed to look up ticket for channel")
		return
	}
	if mapping == nil {
		return
	}
	log = log.WithField(LogFieldTicketID, mapping.TicketID)

	if !msg.Member.HasRole(r.cfg.StaffRoleID) {
		log.Info("Removing reply from non-staff member")
		metrics.IncrementCounter("relay_rejected_total", map[string]string{"reason": "not_staff"}, "Chat messages not relayed")
		if err := r.chat.DeleteMessage(ctx, msg.ChannelID, msg.ID); err != nil {
			errors.Entry(log, err).Warn("Failed to delete non-staff message")
		}
		r.notify(ctx, msg.ChannelID, msgStaffOnlyReply, r.cfg.NoticeTTL)
		return
	}

	err = r.engine.RunExclusive(ctx, mapping.TicketID, func(ctx context.Context) error {
		return r.relay(ctx, msg, log)
	})
	if err != nil {
		errors.Entry(log, err).Error("Failed to relay message to WHMCS")
		r.react(ctx, msg, ReactionFailed)
		r.notify(ctx, msg.ChannelID, msgRelayFailed, r.cfg.NoticeTTL)
	}
}

// relay runs under the ticket's key. The mapping is re-read because a sync
// may have replaced or removed it while the message waited.
func (r *Relay) relay(ctx context.Context, msg *discord.Message, log *logrus.Entry) error {
	ctx, span := tracing.StartSpan(ctx, "relay.message",
		attribute.String("discord.channel_id", msg.ChannelID),
		attribute.Int("discord.attachments", len(msg.Attachments)))
	defer span.End()

	mapping, err := r.store.GetTicketMappingByChannel(ctx, msg.ChannelID)
	if err != nil {
		return err
	}
	if mapping == nil {
		log.Info("Ticket channel unmapped before relay, dropping message")
		return nil
	}

	internalID, err := r.engine.reconciler.resolveInternalID(ctx, nil, mapping)
	if err != nil {
		errors.Entry(log, err).Warn("Cannot relay reply without internal ticket id")
		metrics.IncrementCounter("relay_rejected_total", map[string]string{"reason": "missing_internal_id"}, "Chat messages not relayed")
		r.react(ctx, msg, ReactionFailed)
		r.notify(ctx, msg.ChannelID, msgMissingInternal, r.cfg.NoticeTTL)
		return nil
	}

	content := strings.TrimSpace(msg.Content)
	if content == "" && len(msg.Attachments) == 0 {
		log.Debug("Empty message without attachments, not relaying")
		r.react(ctx, msg, ReactionIgnored)
		return nil
	}

	files, rejected, links := r.collectAttachments(ctx, msg.Attachments, log)
	for _, link := range links {
		content = appendParagraph(content, link)
	}
	if len(files) > 0 {
		content = appendParagraph(content, fmt.Sprintf("📎 %d file(s) attached", len(files)))
	}
	if len(rejected) > 0 {
		r.notify(ctx, msg.ChannelID, r.rejectionWarning(rejected), r.cfg.WarningTTL)
	}

	if strings.TrimSpace(content) == "" {
		if len(files) == 0 {
			r.react(ctx, msg, ReactionIgnored)
			return nil
		}
		content = fmt.Sprintf("Uploaded %d file(s)", len(files))
	}

	replyID, err := r.tickets.AddTicketReply(ctx, whmcs.ReplyRequest{
		InternalID:    internalID,
		Message:       content,
		AdminUsername: r.cfg.NamePrefix + msg.Author.Username,
		Attachments:   files,
	})
	if err != nil {
		return err
	}

	record := &models.SyncRecord{
		TicketID:  mapping.TicketID,
		ReplyID:   replyID,
		MessageID: msg.ID,
		Direction: models.ChatToSource{},
		SyncedAt:  time.Now().UTC(),
	}
	if err := r.store.RecordSync(ctx, record); err != nil && !errors.IsConflict(err) {
		// WHMCS has the reply; mirroring will still pick it up once.
		errors.Entry(log, err).Warn("Failed to record relayed reply")
	}

	metrics.IncrementCounter("relay_replies_total", nil, "Chat messages relayed to WHMCS")
	log.WithFields(logrus.Fields{
		LogFieldReplyID: replyID,
		LogFieldCount:   len(files),
	}).Info("Relayed chat message to WHMCS")
	if IsVerboseLogging(ctx) {
		log.WithField("content", truncateForLog(content, 120)).Debug("Relayed content")
	}

	r.react(ctx, msg, ReactionSynced)
	r.later(r.cfg.DeleteDelay, func(ctx context.Context) {
		if err := r.chat.DeleteMessage(ctx, msg.ChannelID, msg.ID); err != nil {
			errors.Entry(log, err).Warn("Failed to delete relayed message")
		}
	})
	return nil
}

// collectAttachments downloads allowed files and encodes them for upload.
// Rejected names carry a reason; failed downloads become link lines.
func (r *Relay) collectAttachments(ctx context.Context, list []discord.Attachment, log *logrus.Entry) (files []whmcs.EncodedFile, rejected, links []string) {
	for _, a := range list {
		flog := log.WithField(LogFieldFileName, a.Filename)
		ext := strings.ToLower(filepath.Ext(a.Filename))
		if !r.policy.AllowsName(a.Filename) {
			flog.Warn("Attachment type not allowed for relay")
			rejected = append(rejected, fmt.Sprintf("%s (unsupported file type: %s)", a.Filename, ext))
			continue
		}
		if !r.policy.AllowsSize(a.Size) {
			flog.WithField("size", a.Size).Warn("Attachment too large for relay")
			rejected = append(rejected, fmt.Sprintf("%s (file too large: %s, limit %s)",
				a.Filename, formatMB(a.Size), formatMB(r.policy.MaxSize())))
			continue
		}

		data, err := r.chat.DownloadAttachment(ctx, a.URL, r.policy.MaxSize())
		if err != nil {
			errors.Entry(flog, err).Warn("Failed to download attachment, relaying a link instead")
			links = append(links, fmt.Sprintf("📎 %s (download failed, link: %s)", a.Filename, a.URL))
			continue
		}
		files = append(files, whmcs.EncodedFile{
			Name: a.Filename,
			Data: base64.StdEncoding.EncodeToString(data),
		})
		flog.WithField("kind", attachments.Kind(a.Filename)).Debug("Prepared attachment for relay")
	}
	return files, rejected, links
}

func (r *Relay) rejectionWarning(rejected []string) string {
	var b strings.Builder
	b.WriteString("⚠️ **Attachment warning**\nThese files could not be uploaded to WHMCS:\n")
	for _, name := range rejected {
		b.WriteString("• ")
		b.WriteString(name)
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "\nAllowed: %s, max %s", strings.Join(r.cfg.AllowedExtensions, ", "), formatMB(r.policy.MaxSize()))
	return b.String()
}

func (r *Relay) react(ctx context.Context, msg *discord.Message, emoji string) {
	if err := r.chat.AddReaction(ctx, msg.ChannelID, msg.ID, emoji); err != nil {
		errors.Entry(r.logger, err).WithField(LogFieldMessageID, msg.ID).Debug("Failed to add reaction")
	}
}

// notify posts a short-lived message that removes itself after ttl.
func (r *Relay) notify(ctx context.Context, channelID, content string, ttl time.Duration) {
	sent, err := r.chat.SendMessage(ctx, channelID, discord.MessageSend{Content: content})
	if err != nil {
		errors.Entry(r.logger, err).WithField(LogFieldChannelID, channelID).Warn("Failed to post notice")
		return
	}
	r.later(ttl, func(ctx context.Context) {
		if err := r.chat.DeleteMessage(ctx, channelID, sent.ID); err != nil {
			errors.Entry(r.logger, err).WithField(LogFieldMessageID, sent.ID).Debug("Failed to remove notice")
		}
	})
}

func (r *Relay) later(d time.Duration, fn func(ctx context.Context)) {
	r.schedule(d, func() {
		ctx, cancel := context.WithTimeout(context.Background(), relayCleanupTimeout)
		defer cancel()
		fn(ctx)
	})
}

func appendParagraph(content, line string) string {
	if content == "" {
		return line
	}
	return content + "\n\n" + line
}

func formatMB(size int64) string {
	return fmt.Sprintf("%.2fMB", float64(size)/float64(constants.BytesPerMegabyte))
}
