package database

import (
	"context"
	"database/sql"

	"ticketbridge/internal/models"
)

// GetDepartmentMapping returns the category mapping of a department, or nil.
func (d *Database) GetDepartmentMapping(ctx context.Context, departmentID int64) (*models.DepartmentMapping, error) {
	var m models.DepartmentMapping
	err := d.db.QueryRowContext(ctx,
		`SELECT id, department_id, department_name, category_id, created_at FROM department_mappings WHERE department_id = ?`,
		departmentID,
	).Scan(&m.ID, &m.DepartmentID, &m.DepartmentName, &m.CategoryID, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, classify("get department mapping", "department mapping", err)
	}
	return &m, nil
}

// GetDepartmentMappingByCategory returns the department owning a category, or nil.
func (d *Database) GetDepartmentMappingByCategory(ctx context.Context, categoryID string) (*models.DepartmentMapping, error) {
	var m models.DepartmentMapping
	err := d.db.QueryRowContext(ctx,
		`SELECT id, department_id, department_name, category_id, created_at FROM department_mappings WHERE category_id = ?`,
		categoryID,
	).Scan(&m.ID, &m.DepartmentID, &m.DepartmentName, &m.CategoryID, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, classify("get department mapping", "department mapping", err)
	}
	return &m, nil
}

// SaveDepartmentMapping inserts a department mapping. A concurrent insert
// for the same department or category yields a Conflict error.
func (d *Database) SaveDepartmentMapping(ctx context.Context, m *models.DepartmentMapping) error {
	return retryableDBOperation(ctx, func() error {
		res, err := d.db.ExecContext(ctx,
			`INSERT INTO department_mappings (department_id, department_name, category_id) VALUES (?, ?, ?)`,
			m.DepartmentID, m.DepartmentName, m.CategoryID,
		)
		if err != nil {
			return classify("save department mapping", "department mapping", err)
		}
		if id, err := res.LastInsertId(); err == nil {
			m.ID = id
		}
		return nil
	}, "save department mapping")
}

// DeleteDepartmentMapping forgets a department's category, used when the
// category was removed in Discord.
func (d *Database) DeleteDepartmentMapping(ctx context.Context, departmentID int64) error {
	return retryableDBOperation(ctx, func() error {
		_, err := d.db.ExecContext(ctx, `DELETE FROM department_mappings WHERE department_id = ?`, departmentID)
		return classify("delete department mapping", "department mapping", err)
	}, "delete department mapping")
}

// ListDepartmentMappings returns every department mapping.
func (d *Database) ListDepartmentMappings(ctx context.Context) ([]*models.DepartmentMapping, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT id, department_id, department_name, category_id, created_at FROM department_mappings ORDER BY department_id`)
	if err != nil {
		return nil, classify("list department mappings", "department mapping", err)
	}
	defer rows.Close()

	var out []*models.DepartmentMapping
	for rows.Next() {
		var m models.DepartmentMapping
		if err := rows.Scan(&m.ID, &m.DepartmentID, &m.DepartmentName, &m.CategoryID, &m.CreatedAt); err != nil {
			return nil, classify("scan department mapping", "department mapping", err)
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

// AddDepartmentRole grants a role to a department. An existing grant
// yields a Conflict error.
func (d *Database) AddDepartmentRole(ctx context.Context, m *models.DepartmentRoleMapping) error {
	return retryableDBOperation(ctx, func() error {
		res, err := d.db.ExecContext(ctx,
			`INSERT INTO department_role_mappings (department_id, department_name, role_id, role_name) VALUES (?, ?, ?, ?)`,
			m.DepartmentID, m.DepartmentName, m.RoleID, m.RoleName,
		)
		if err != nil {
			return classify("add department role", "department role", err)
		}
		if id, err := res.LastInsertId(); err == nil {
			m.ID = id
		}
		return nil
	}, "add department role")
}

// RemoveDepartmentRole revokes a grant and reports whether one existed.
func (d *Database) RemoveDepartmentRole(ctx context.Context, departmentID int64, roleID string) (bool, error) {
	var removed bool
	err := retryableDBOperation(ctx, func() error {
		res, err := d.db.ExecContext(ctx,
			`DELETE FROM department_role_mappings WHERE department_id = ? AND role_id = ?`, departmentID, roleID)
		if err != nil {
			return classify("remove department role", "department role", err)
		}
		n, _ := res.RowsAffected()
		removed = n > 0
		return nil
	}, "remove department role")
	return removed, err
}

// ListDepartmentRoles returns the grants of one department.
func (d *Database) ListDepartmentRoles(ctx context.Context, departmentID int64) ([]*models.DepartmentRoleMapping, error) {
	return d.queryDepartmentRoles(ctx,
		`SELECT id, department_id, department_name, role_id, role_name, created_at
		 FROM department_role_mappings WHERE department_id = ? ORDER BY id`, departmentID)
}

// ListAllDepartmentRoles returns every grant.
func (d *Database) ListAllDepartmentRoles(ctx context.Context) ([]*models.DepartmentRoleMapping, error) {
	return d.queryDepartmentRoles(ctx,
		`SELECT id, department_id, department_name, role_id, role_name, created_at
		 FROM department_role_mappings ORDER BY department_name, id`)
}

func (d *Database) queryDepartmentRoles(ctx context.Context, query string, args ...interface{}) ([]*models.DepartmentRoleMapping, error) {
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify("list department roles", "department role", err)
	}
	defer rows.Close()

	var out []*models.DepartmentRoleMapping
	for rows.Next() {
		var m models.DepartmentRoleMapping
		if err := rows.Scan(&m.ID, &m.DepartmentID, &m.DepartmentName, &m.RoleID, &m.RoleName, &m.CreatedAt); err != nil {
			return nil, classify("scan department role", "department role", err)
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}
