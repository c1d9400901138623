package service

import (
	"context"
	"fmt"

	"ticketbridge/internal/errors"
	"ticketbridge/internal/format"
	"ticketbridge/internal/models"
	"ticketbridge/pkg/discord"

	"github.com/sirupsen/logrus"
)

// SyncDepartments maps every WHMCS department to a Discord category.
// Failures are per department; the count of mapped departments is returned.
func (r *Reconciler) SyncDepartments(ctx context.Context) (int, error) {
	departments, err := r.tickets.GetSupportDepartments(ctx)
	if err != nil {
		return 0, err
	}

	mapped := 0
	for _, d := range departments {
		if _, err := r.ensureDepartment(ctx, d.ID.Int64(), d.Name); err != nil {
			errors.Entry(r.logger, err).WithFields(logrus.Fields{
				LogFieldDepartmentID: d.ID.Int64(),
				"department_name":    d.Name,
			}).Error("Failed to map department")
			continue
		}
		mapped++
	}
	r.logger.WithField(LogFieldCount, mapped).Info("Synchronised departments")
	return mapped, nil
}

// ensureDepartment returns the department's mapping, creating the category
// when none exists or the mapped one was deleted in Discord. A category
// name already owned by another department gets " - <id>" appended.
func (r *Reconciler) ensureDepartment(ctx context.Context, departmentID int64, name string) (*models.DepartmentMapping, error) {
	r.deptMu.Lock()
	defer r.deptMu.Unlock()

	log := r.logger.WithField(LogFieldDepartmentID, departmentID)

	existing, err := r.store.GetDepartmentMapping(ctx, departmentID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		category, err := r.chat.GetChannel(ctx, existing.CategoryID)
		if err != nil {
			return nil, err
		}
		if category != nil {
			return existing, nil
		}
		log.WithField(LogFieldCategoryID, existing.CategoryID).Warn("Department category missing in Discord, recreating")
		if err := r.store.DeleteDepartmentMapping(ctx, departmentID); err != nil {
			return nil, err
		}
		if name == "" {
			name = existing.DepartmentName
		}
	}

	categoryName := format.CategoryName(name)
	category, err := r.chat.FindCategory(ctx, categoryName)
	if err != nil {
		return nil, err
	}
	if category != nil {
		owner, err := r.store.GetDepartmentMappingByCategory(ctx, category.ID)
		if err != nil {
			return nil, err
		}
		if owner != nil && owner.DepartmentID != departmentID {
			categoryName = fmt.Sprintf("%s - %d", categoryName, departmentID)
			log.WithField("category_name", categoryName).Warn("Category name taken by another department, using a unique name")
			if category, err = r.chat.FindCategory(ctx, categoryName); err != nil {
				return nil, err
			}
		}
	}
	if category == nil {
		category, err = r.chat.CreateChannel(ctx, discord.ChannelSpec{
			Name:       categoryName,
			Type:       discord.ChannelTypeGuildCategory,
			Overwrites: r.categoryOverwrites(),
		})
		if err != nil {
			return nil, err
		}
		log.WithField(LogFieldCategoryID, category.ID).Info("Created department category")
	}

	mapping := &models.DepartmentMapping{
		DepartmentID:   departmentID,
		DepartmentName: name,
		CategoryID:     category.ID,
	}
	if err := r.store.SaveDepartmentMapping(ctx, mapping); err != nil {
		if !errors.IsConflict(err) {
			return nil, err
		}
		// Lost a race with another process: use whatever was stored.
		stored, gerr := r.store.GetDepartmentMapping(ctx, departmentID)
		if gerr != nil {
			return nil, gerr
		}
		if stored == nil {
			return nil, err
		}
		return stored, nil
	}
	return mapping, nil
}
