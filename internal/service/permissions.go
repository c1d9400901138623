package service

import (
	"context"

	"ticketbridge/internal/errors"
	"ticketbridge/internal/models"
	"ticketbridge/pkg/discord"

	"github.com/sirupsen/logrus"
)

const (
	ticketAllow = discord.PermissionViewChannel |
		discord.PermissionSendMessages |
		discord.PermissionReadMessageHistory |
		discord.PermissionManageMessages

	categoryStaffAllow = discord.PermissionViewChannel |
		discord.PermissionSendMessages |
		discord.PermissionReadMessageHistory |
		discord.PermissionManageChannels
)

// PropagationResult counts the channels a role change was applied to.
type PropagationResult struct {
	Updated int
	Failed  int
}

// ticketOverwrites is the full overwrite set of a department's ticket
// channels: @everyone cannot see, staff and every granted role can.
func (r *Reconciler) ticketOverwrites(ctx context.Context, departmentID int64) ([]discord.Overwrite, error) {
	roles, err := r.store.ListDepartmentRoles(ctx, departmentID)
	if err != nil {
		return nil, err
	}

	overwrites := []discord.Overwrite{
		discord.NewRoleOverwrite(r.chat.GuildID(), 0, discord.PermissionViewChannel),
	}
	seen := map[string]bool{r.chat.GuildID(): true}
	if r.cfg.StaffRoleID != "" {
		overwrites = append(overwrites, discord.NewRoleOverwrite(r.cfg.StaffRoleID, ticketAllow, 0))
		seen[r.cfg.StaffRoleID] = true
	}
	for _, role := range roles {
		if seen[role.RoleID] {
			continue
		}
		seen[role.RoleID] = true
		overwrites = append(overwrites, discord.NewRoleOverwrite(role.RoleID, ticketAllow, 0))
	}
	return overwrites, nil
}

func (r *Reconciler) categoryOverwrites() []discord.Overwrite {
	overwrites := []discord.Overwrite{
		discord.NewRoleOverwrite(r.chat.GuildID(), 0, discord.PermissionViewChannel),
	}
	if r.cfg.StaffRoleID != "" {
		overwrites = append(overwrites, discord.NewRoleOverwrite(r.cfg.StaffRoleID, categoryStaffAllow, 0))
	}
	return overwrites
}

// AddDepartmentRole grants roleID visibility of every channel of the
// department, present and future. An existing grant is a Conflict.
func (r *Reconciler) AddDepartmentRole(ctx context.Context, departmentID int64, departmentName, roleID, roleName string) (PropagationResult, error) {
	err := r.store.AddDepartmentRole(ctx, &models.DepartmentRoleMapping{
		DepartmentID:   departmentID,
		DepartmentName: departmentName,
		RoleID:         roleID,
		RoleName:       roleName,
	})
	if err != nil {
		return PropagationResult{}, err
	}
	r.logger.WithFields(logrus.Fields{
		LogFieldDepartmentID: departmentID,
		LogFieldRoleID:       roleID,
	}).Info("Granted role to department")
	return r.propagate(ctx, departmentID)
}

// RemoveDepartmentRole revokes a grant and rewrites the overwrites of every
// channel of the department. Revoking a grant that does not exist is NotFound.
func (r *Reconciler) RemoveDepartmentRole(ctx context.Context, departmentID int64, roleID string) (PropagationResult, error) {
	removed, err := r.store.RemoveDepartmentRole(ctx, departmentID, roleID)
	if err != nil {
		return PropagationResult{}, err
	}
	if !removed {
		return PropagationResult{}, errors.NewNotFoundError("department role", roleID)
	}
	r.logger.WithFields(logrus.Fields{
		LogFieldDepartmentID: departmentID,
		LogFieldRoleID:       roleID,
	}).Info("Revoked role from department")
	return r.propagate(ctx, departmentID)
}

// propagate re-applies the full overwrite set to each mapped channel of the
// department. Per-channel failures are counted, not returned.
func (r *Reconciler) propagate(ctx context.Context, departmentID int64) (PropagationResult, error) {
	var result PropagationResult

	overwrites, err := r.ticketOverwrites(ctx, departmentID)
	if err != nil {
		return result, err
	}
	mappings, err := r.store.ListTicketMappingsByDepartment(ctx, departmentID)
	if err != nil {
		return result, err
	}

	for _, m := range mappings {
		if err := r.chat.SetChannelOverwrites(ctx, m.ChannelID, overwrites); err != nil {
			result.Failed++
			errors.Entry(r.logger, err).WithFields(logrus.Fields{
				LogFieldTicketID:  m.TicketID,
				LogFieldChannelID: m.ChannelID,
			}).Warn("Failed to update channel permissions")
			continue
		}
		result.Updated++
	}

	r.logger.WithFields(logrus.Fields{
		LogFieldDepartmentID: departmentID,
		LogFieldCount:        result.Updated,
		LogFieldFailed:       result.Failed,
	}).Info("Propagated department permissions")
	return result, nil
}
