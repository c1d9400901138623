package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"ticketbridge/internal/constants"
	"ticketbridge/internal/errors"
	"ticketbridge/internal/format"
	"ticketbridge/internal/metrics"
	"ticketbridge/internal/models"
	"ticketbridge/pkg/discord"
	"ticketbridge/pkg/whmcs"

	"github.com/sirupsen/logrus"
)

// Slash command names
const (
	CommandSyncTicket   = "syncticket"
	CommandSyncAll      = "syncall"
	CommandTicketInfo   = "ticketinfo"
	CommandAssignTicket = "assignticket"
	CommandPriority     = "priority"
	CommandWTB          = "wtb"
)

const (
	msgNotLinked       = "This channel is not linked to a WHMCS ticket."
	msgStaffOnly       = "Only staff members can use this."
	msgStaffOnlyClose  = "Only staff members can close tickets."
	msgMappingMissing  = "Ticket mapping not found or missing internal ID."
	msgUnknownAction   = "Unknown action."
	msgGenericError    = "An error occurred while processing your request."
	msgUnknownCommand  = "Unknown command."
	msgInfoFailed      = "Failed to retrieve ticket information."
	msgAssignFailed    = "Failed to assign ticket."
	msgPriorityFailed  = "Failed to change priority."
	msgPermissionError = "Operation failed: %s"
)

// CommandConfig carries the guild settings the handler needs.
type CommandConfig struct {
	StaffRoleID  string
	ClosedStatus string
	OnHoldStatus string
}

// CommandHandler serves slash commands, their autocomplete and the ticket
// buttons.
type CommandHandler struct {
	engine     *Engine
	syncer     Syncer
	chat       ChatPlatform
	tickets    TicketSystem
	store      Store
	priorities *PriorityCatalog
	cfg        CommandConfig
	logger     *logrus.Logger
}

func NewCommandHandler(engine *Engine, chat ChatPlatform, priorities *PriorityCatalog, cfg CommandConfig, logger *logrus.Logger) *CommandHandler {
	if cfg.ClosedStatus == "" {
		cfg.ClosedStatus = constants.DefaultClosedStatus
	}
	if cfg.OnHoldStatus == "" {
		cfg.OnHoldStatus = constants.DefaultOnHoldStatus
	}
	if logger == nil {
		logger = logrus.New()
	}
	if priorities == nil {
		priorities = NewPriorityCatalog(engine.tickets, 0, logger)
	}
	return &CommandHandler{
		engine:     engine,
		syncer:     engine,
		chat:       chat,
		tickets:    engine.tickets,
		store:      engine.store,
		priorities: priorities,
		cfg:        cfg,
		logger:     logger,
	}
}

// Commands is the slash command set registered at startup.
func Commands() []discord.ApplicationCommand {
	department := discord.ApplicationCommandOption{
		Type: discord.CommandOptionString, Name: "department",
		Description: "WHMCS department", Required: true, Autocomplete: true,
	}
	role := discord.ApplicationCommandOption{
		Type: discord.CommandOptionRole, Name: "role",
		Description: "Discord role", Required: true,
	}
	optionalDepartment := department
	optionalDepartment.Required = false

	return []discord.ApplicationCommand{
		{
			Name: CommandSyncTicket, Description: "Sync a specific WHMCS ticket",
			Type: discord.ApplicationCommandChatInput,
			Options: []discord.ApplicationCommandOption{{
				Type: discord.CommandOptionString, Name: "ticketid",
				Description: "The WHMCS ticket ID", Required: true,
			}},
		},
		{Name: CommandSyncAll, Description: "Sync all open WHMCS tickets", Type: discord.ApplicationCommandChatInput},
		{Name: CommandTicketInfo, Description: "Show information about the current ticket", Type: discord.ApplicationCommandChatInput},
		{
			Name: CommandAssignTicket, Description: "Assign the ticket to a staff member",
			Type: discord.ApplicationCommandChatInput,
			Options: []discord.ApplicationCommandOption{{
				Type: discord.CommandOptionString, Name: "admin",
				Description: "WHMCS admin username", Required: true, Autocomplete: true,
			}},
		},
		{
			Name: CommandPriority, Description: "Change ticket priority",
			Type: discord.ApplicationCommandChatInput,
			Options: []discord.ApplicationCommandOption{{
				Type: discord.CommandOptionString, Name: "level",
				Description: "The new priority level", Required: true, Autocomplete: true,
			}},
		},
		{
			Name: CommandWTB, Description: "Manage department role permissions",
			Type: discord.ApplicationCommandChatInput,
			Options: []discord.ApplicationCommandOption{
				{Type: discord.CommandOptionSubCommand, Name: "add", Description: "Grant a role access to a department's tickets",
					Options: []discord.ApplicationCommandOption{department, role}},
				{Type: discord.CommandOptionSubCommand, Name: "remove", Description: "Revoke a role's access to a department's tickets",
					Options: []discord.ApplicationCommandOption{department, role}},
				{Type: discord.CommandOptionSubCommand, Name: "list", Description: "List department role permissions",
					Options: []discord.ApplicationCommandOption{optionalDepartment}},
			},
		},
	}
}

// HandleInteraction routes an interaction by type.
func (h *CommandHandler) HandleInteraction(ctx context.Context, in *discord.Interaction) {
	switch in.Type {
	case discord.InteractionApplicationCommand:
		h.handleCommand(ctx, in)
	case discord.InteractionAutocomplete:
		h.handleAutocomplete(ctx, in)
	case discord.InteractionMessageComponent:
		h.handleButton(ctx, in)
	}
}

func (h *CommandHandler) isStaff(in *discord.Interaction) bool {
	return in.Member.HasRole(h.cfg.StaffRoleID) || in.Member.IsAdministrator()
}

func (h *CommandHandler) handleCommand(ctx context.Context, in *discord.Interaction) {
	name := in.Data.Name
	log := h.logger.WithFields(logrus.Fields{
		LogFieldCommand:   name,
		LogFieldUser:      in.Username(),
		LogFieldChannelID: in.ChannelID,
	})
	log.Info("Handling slash command")
	metrics.IncrementCounter("commands_total", map[string]string{"command": name}, "Slash commands received")

	if !h.isStaff(in) {
		h.reply(ctx, in, msgStaffOnly)
		return
	}

	switch name {
	case CommandSyncTicket:
		h.syncTicket(ctx, in, log)
	case CommandSyncAll:
		h.syncAll(ctx, in, log)
	case CommandTicketInfo:
		h.ticketInfo(ctx, in, log)
	case CommandAssignTicket:
		h.assignTicket(ctx, in, log)
	case CommandPriority:
		h.changePriority(ctx, in, log)
	case CommandWTB:
		h.wtb(ctx, in, log)
	default:
		h.reply(ctx, in, msgUnknownCommand)
	}
}

func (h *CommandHandler) syncTicket(ctx context.Context, in *discord.Interaction, log *logrus.Entry) {
	tid := ""
	if opt := in.Data.Option("ticketid"); opt != nil {
		tid = strings.TrimSpace(opt.String())
	}
	if tid == "" {
		h.reply(ctx, in, "A ticket ID is required.")
		return
	}
	if !h.deferReply(ctx, in) {
		return
	}
	if err := h.syncer.SyncTicket(ctx, tid); err != nil {
		errors.Entry(log, err).WithField(LogFieldTicketID, tid).Error("syncticket failed")
		h.edit(ctx, in, fmt.Sprintf("Failed to sync ticket: %s", errors.GetUserMessage(err)))
		return
	}
	h.edit(ctx, in, fmt.Sprintf("Successfully synced ticket #%s", tid))
}

func (h *CommandHandler) syncAll(ctx context.Context, in *discord.Interaction, log *logrus.Entry) {
	if !h.deferReply(ctx, in) {
		return
	}
	created, err := h.syncer.SyncAll(ctx)
	if err != nil {
		errors.Entry(log, err).Error("syncall failed")
		h.edit(ctx, in, fmt.Sprintf("Failed to sync tickets: %s", errors.GetUserMessage(err)))
		return
	}
	h.edit(ctx, in, fmt.Sprintf("Successfully synced tickets from WHMCS, %d new channel(s) created", created))
}

func (h *CommandHandler) ticketInfo(ctx context.Context, in *discord.Interaction, log *logrus.Entry) {
	mapping, err := h.store.GetTicketMappingByChannel(ctx, in.ChannelID)
	if err != nil {
		errors.Entry(log, err).Error("ticketinfo lookup failed")
		h.reply(ctx, in, msgInfoFailed)
		return
	}
	if mapping == nil {
		h.reply(ctx, in, msgNotLinked)
		return
	}

	embeds := []discord.Embed{format.TicketInfoEmbed(mapping)}
	if ticket, err := h.tickets.GetTicket(ctx, mapping.TicketID); err == nil {
		embeds = append([]discord.Embed{format.SummaryEmbed(ticket, nil)}, embeds...)
	} else {
		errors.Entry(log, err).Warn("Showing stored ticket details only")
	}
	h.respond(ctx, in, discord.InteractionResponseData{Embeds: embeds, Flags: discord.MessageFlagEphemeral})
}

func (h *CommandHandler) assignTicket(ctx context.Context, in *discord.Interaction, log *logrus.Entry) {
	mapping, err := h.store.GetTicketMappingByChannel(ctx, in.ChannelID)
	if err != nil {
		errors.Entry(log, err).Error("assignticket lookup failed")
		h.reply(ctx, in, msgAssignFailed)
		return
	}
	if mapping == nil {
		h.reply(ctx, in, msgNotLinked)
		return
	}

	username := ""
	if opt := in.Data.Option("admin"); opt != nil {
		username = strings.TrimSpace(opt.String())
	}
	admins, err := h.tickets.GetAdminUsers(ctx)
	if err != nil {
		errors.Entry(log, err).Error("Failed to list admin users")
		h.reply(ctx, in, msgAssignFailed)
		return
	}
	var admin *whmcs.AdminUser
	for i := range admins {
		if admins[i].Username == username {
			admin = &admins[i]
			break
		}
	}
	if admin == nil {
		h.reply(ctx, in, fmt.Sprintf("Admin user %q not found.", username))
		return
	}

	err = h.engine.RunExclusive(ctx, mapping.TicketID, func(ctx context.Context) error {
		internalID, err := h.engine.reconciler.resolveInternalID(ctx, nil, mapping)
		if err != nil {
			return err
		}
		return h.tickets.UpdateTicket(ctx, internalID, whmcs.TicketUpdate{Flag: admin.ID.Int64()})
	})
	if err != nil {
		errors.Entry(log, err).WithField(LogFieldTicketID, mapping.TicketID).Error("Failed to assign ticket")
		h.reply(ctx, in, msgAssignFailed)
		return
	}
	log.WithFields(logrus.Fields{
		LogFieldTicketID: mapping.TicketID,
		"admin":          username,
	}).Info("Assigned ticket")
	h.reply(ctx, in, fmt.Sprintf("Ticket assigned to %s", username))
}

func (h *CommandHandler) changePriority(ctx context.Context, in *discord.Interaction, log *logrus.Entry) {
	mapping, err := h.store.GetTicketMappingByChannel(ctx, in.ChannelID)
	if err != nil {
		errors.Entry(log, err).Error("priority lookup failed")
		h.reply(ctx, in, msgPriorityFailed)
		return
	}
	if mapping == nil {
		h.reply(ctx, in, msgNotLinked)
		return
	}
	level := ""
	if opt := in.Data.Option("level"); opt != nil {
		level = strings.TrimSpace(opt.String())
	}
	if level == "" {
		h.reply(ctx, in, "A priority level is required.")
		return
	}

	err = h.engine.RunExclusive(ctx, mapping.TicketID, func(ctx context.Context) error {
		// Re-read under the key; a sync may have changed the row.
		current, err := h.store.GetTicketMapping(ctx, mapping.TicketID)
		if err != nil {
			return err
		}
		if current == nil {
			return errors.NewNotFoundError("ticket mapping", mapping.TicketID)
		}
		internalID, err := h.engine.reconciler.resolveInternalID(ctx, nil, current)
		if err != nil {
			return err
		}
		if err := h.tickets.UpdateTicket(ctx, internalID, whmcs.TicketUpdate{Priority: level}); err != nil {
			return err
		}
		current.Priority = level
		if err := h.store.UpdateTicketMapping(ctx, current); err != nil {
			return err
		}
		return h.chat.RenameChannel(ctx, current.ChannelID, format.ChannelName(level, current.DepartmentName, current.TicketID))
	})
	if err != nil {
		errors.Entry(log, err).WithField(LogFieldTicketID, mapping.TicketID).Error("Failed to change priority")
		h.reply(ctx, in, msgPriorityFailed)
		return
	}
	h.reply(ctx, in, fmt.Sprintf("Ticket priority changed to %s", level))
}

func (h *CommandHandler) wtb(ctx context.Context, in *discord.Interaction, log *logrus.Entry) {
	if !h.deferReply(ctx, in) {
		return
	}
	sub, opts := in.Data.Sub()
	deptName := ""
	if opt := findOption(opts, "department"); opt != nil {
		deptName = strings.TrimSpace(opt.String())
	}

	var content string
	var err error
	switch sub {
	case "add":
		content, err = h.wtbChange(ctx, in, opts, deptName, true)
	case "remove":
		content, err = h.wtbChange(ctx, in, opts, deptName, false)
	case "list":
		content, err = h.wtbList(ctx, deptName)
	default:
		content = msgUnknownCommand
	}
	if err != nil {
		errors.Entry(log, err).WithField("subcommand", sub).Error("wtb command failed")
		content = fmt.Sprintf(msgPermissionError, errors.GetUserMessage(err))
	}
	h.edit(ctx, in, content)
}

func (h *CommandHandler) findDepartment(ctx context.Context, name string) (*whmcs.Department, error) {
	departments, err := h.tickets.GetSupportDepartments(ctx)
	if err != nil {
		return nil, err
	}
	for i := range departments {
		if departments[i].Name == name {
			return &departments[i], nil
		}
	}
	return nil, nil
}

func (h *CommandHandler) wtbChange(ctx context.Context, in *discord.Interaction, opts []discord.CommandOption, deptName string, add bool) (string, error) {
	roleID := ""
	if opt := findOption(opts, "role"); opt != nil {
		roleID = opt.String()
	}
	if roleID == "" {
		return "A role is required.", nil
	}
	roleName := roleID
	if in.Data.Resolved != nil {
		if role, ok := in.Data.Resolved.Roles[roleID]; ok {
			roleName = role.Name
		}
	}

	dept, err := h.findDepartment(ctx, deptName)
	if err != nil {
		return "", err
	}
	if dept == nil {
		return fmt.Sprintf("Department not found: %s", deptName), nil
	}

	rec := h.engine.reconciler
	var result PropagationResult
	if add {
		result, err = rec.AddDepartmentRole(ctx, dept.ID.Int64(), dept.Name, roleID, roleName)
		if errors.IsConflict(err) {
			return fmt.Sprintf("Department %q is already mapped to role <@&%s>", dept.Name, roleID), nil
		}
	} else {
		result, err = rec.RemoveDepartmentRole(ctx, dept.ID.Int64(), roleID)
		if errors.IsNotFound(err) {
			return fmt.Sprintf("Department %q is not mapped to role <@&%s>", dept.Name, roleID), nil
		}
	}
	if err != nil {
		return "", err
	}

	verb := "Added"
	if !add {
		verb = "Removed"
	}
	content := fmt.Sprintf("✅ %s permission mapping:\nDepartment: %s\nRole: <@&%s>\n\n🔄 Updated %d channel(s)",
		verb, dept.Name, roleID, result.Updated)
	if result.Failed > 0 {
		content += fmt.Sprintf(", %d failed", result.Failed)
	}
	return content, nil
}

func (h *CommandHandler) wtbList(ctx context.Context, deptName string) (string, error) {
	scope := "The system"
	var roles []*models.DepartmentRoleMapping
	if deptName != "" {
		dept, err := h.findDepartment(ctx, deptName)
		if err != nil {
			return "", err
		}
		if dept == nil {
			return fmt.Sprintf("Department not found: %s", deptName), nil
		}
		scope = fmt.Sprintf("Department %q", dept.Name)
		if roles, err = h.store.ListDepartmentRoles(ctx, dept.ID.Int64()); err != nil {
			return "", err
		}
	} else {
		var err error
		if roles, err = h.store.ListAllDepartmentRoles(ctx); err != nil {
			return "", err
		}
	}
	if len(roles) == 0 {
		return fmt.Sprintf("%s has no permission mappings", scope), nil
	}

	grouped := make(map[string][]string)
	var order []string
	for _, r := range roles {
		if _, ok := grouped[r.DepartmentName]; !ok {
			order = append(order, r.DepartmentName)
		}
		grouped[r.DepartmentName] = append(grouped[r.DepartmentName], r.RoleID)
	}
	sort.Strings(order)

	var b strings.Builder
	b.WriteString("📋 **Department permissions**\n\n")
	for _, dept := range order {
		fmt.Fprintf(&b, "**%s**\n", dept)
		for _, id := range grouped[dept] {
			fmt.Fprintf(&b, "└ <@&%s>\n", id)
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func (h *CommandHandler) handleButton(ctx context.Context, in *discord.Interaction) {
	log := h.logger.WithFields(logrus.Fields{
		LogFieldAction:    in.Data.CustomID,
		LogFieldUser:      in.Username(),
		LogFieldChannelID: in.ChannelID,
	})

	action, tid, ok := format.ParseButtonID(in.Data.CustomID)
	if !ok {
		h.reply(ctx, in, msgUnknownAction)
		return
	}
	metrics.IncrementCounter("buttons_total", map[string]string{"action": action}, "Ticket buttons pressed")
	if !h.isStaff(in) {
		msg := msgStaffOnly
		if action == format.ButtonClose {
			msg = msgStaffOnlyClose
		}
		h.reply(ctx, in, msg)
		return
	}

	var replied atomic.Bool
	err := h.engine.RunExclusive(ctx, tid, func(ctx context.Context) error {
		mapping, err := h.store.GetTicketMapping(ctx, tid)
		if err != nil {
			return err
		}
		if mapping == nil {
			replied.Store(true)
			h.reply(ctx, in, msgMappingMissing)
			return nil
		}
		internalID, err := h.engine.reconciler.resolveInternalID(ctx, nil, mapping)
		if err != nil {
			if !errors.IsNotFound(err) {
				return err
			}
			replied.Store(true)
			h.reply(ctx, in, msgMappingMissing)
			return nil
		}

		switch action {
		case format.ButtonClose:
			if err := h.tickets.UpdateTicket(ctx, internalID, whmcs.TicketUpdate{Status: h.cfg.ClosedStatus}); err != nil {
				return err
			}
			replied.Store(true)
			h.reply(ctx, in, fmt.Sprintf("Ticket #%s has been closed and channel will be deleted.", tid))
			return h.engine.reconciler.removeTicket(ctx, tid)
		case format.ButtonHold:
			if err := h.tickets.UpdateTicket(ctx, internalID, whmcs.TicketUpdate{Status: h.cfg.OnHoldStatus}); err != nil {
				return err
			}
			replied.Store(true)
			h.reply(ctx, in, fmt.Sprintf("Ticket #%s has been put on hold.", tid))
			return nil
		}
		return nil
	})
	if err != nil {
		errors.Entry(log, err).WithField(LogFieldTicketID, tid).Error("Button action failed")
		if !replied.Load() {
			h.reply(ctx, in, msgGenericError)
		}
		return
	}
	log.WithField(LogFieldTicketID, tid).Info("Handled ticket button")
}

func (h *CommandHandler) handleAutocomplete(ctx context.Context, in *discord.Interaction) {
	focused := in.Data.Focused()
	if focused == nil {
		h.choices(ctx, in, nil)
		return
	}
	query := strings.ToLower(focused.String())

	var choices []discord.Choice
	switch focused.Name {
	case "department":
		departments, err := h.tickets.GetSupportDepartments(ctx)
		if err != nil {
			errors.Entry(h.logger, err).Warn("Department autocomplete failed")
			break
		}
		for _, d := range departments {
			if strings.Contains(strings.ToLower(d.Name), query) {
				choices = append(choices, discord.Choice{Name: d.Name, Value: d.Name})
			}
		}
	case "admin":
		admins, err := h.tickets.GetAdminUsers(ctx)
		if err != nil {
			errors.Entry(h.logger, err).Warn("Admin autocomplete failed")
			break
		}
		for _, a := range admins {
			if !adminMatches(a, query) {
				continue
			}
			name := a.Username
			if a.FirstName != "" && a.LastName != "" {
				name = fmt.Sprintf("%s (%s %s)", a.Username, a.FirstName, a.LastName)
			}
			choices = append(choices, discord.Choice{Name: name, Value: a.Username})
		}
	case "level":
		for _, p := range h.priorities.Levels(ctx) {
			if strings.Contains(strings.ToLower(p), query) {
				choices = append(choices, discord.Choice{Name: p, Value: p})
			}
		}
	}
	h.choices(ctx, in, choices)
}

func adminMatches(a whmcs.AdminUser, query string) bool {
	return strings.Contains(strings.ToLower(a.Username), query) ||
		strings.Contains(strings.ToLower(a.FirstName), query) ||
		strings.Contains(strings.ToLower(a.LastName), query)
}

func (h *CommandHandler) choices(ctx context.Context, in *discord.Interaction, choices []discord.Choice) {
	if len(choices) > constants.MaxAutocompleteChoices {
		choices = choices[:constants.MaxAutocompleteChoices]
	}
	if choices == nil {
		choices = []discord.Choice{}
	}
	err := h.chat.RespondInteraction(ctx, in, discord.InteractionResponse{
		Type: discord.CallbackAutocompleteResult,
		Data: &discord.InteractionResponseData{Choices: choices},
	})
	if err != nil {
		errors.Entry(h.logger, err).Debug("Failed to answer autocomplete")
	}
}

func (h *CommandHandler) reply(ctx context.Context, in *discord.Interaction, content string) {
	h.respond(ctx, in, discord.InteractionResponseData{Content: content, Flags: discord.MessageFlagEphemeral})
}

func (h *CommandHandler) respond(ctx context.Context, in *discord.Interaction, data discord.InteractionResponseData) {
	err := h.chat.RespondInteraction(ctx, in, discord.InteractionResponse{
		Type: discord.CallbackChannelMessage,
		Data: &data,
	})
	if err != nil {
		errors.Entry(h.logger, err).WithField(LogFieldCommand, in.Data.Name).Warn("Failed to respond to interaction")
	}
}

// deferReply acknowledges a slow command; the result follows through edit.
func (h *CommandHandler) deferReply(ctx context.Context, in *discord.Interaction) bool {
	err := h.chat.RespondInteraction(ctx, in, discord.InteractionResponse{
		Type: discord.CallbackDeferredChannel,
		Data: &discord.InteractionResponseData{Flags: discord.MessageFlagEphemeral},
	})
	if err != nil {
		errors.Entry(h.logger, err).WithField(LogFieldCommand, in.Data.Name).Warn("Failed to defer interaction")
		return false
	}
	return true
}

func (h *CommandHandler) edit(ctx context.Context, in *discord.Interaction, content string) {
	if err := h.chat.EditInteractionResponse(ctx, in, discord.InteractionResponseData{Content: content}); err != nil {
		errors.Entry(h.logger, err).WithField(LogFieldCommand, in.Data.Name).Warn("Failed to edit interaction response")
	}
}

func findOption(opts []discord.CommandOption, name string) *discord.CommandOption {
	for i := range opts {
		if opts[i].Name == name {
			return &opts[i]
		}
	}
	return nil
}
