// SPDX-FileCopyrightText: 2024 Wharf Authors
// SPDX-License-Identifier: Apache-2.0

package models

import (
	"time"
)

// Visibility is the set of values for Repository.Visibility.
type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityPrivate Visibility = "private"
)

// IsValid returns whether this is one of the known visibility values.
func (v Visibility) IsValid() bool {
	return v == VisibilityPublic || v == VisibilityPrivate
}

// Repository contains a record from the `repositories` table.
type Repository struct {
	ID             int64      `db:"id"`
	OrganizationID int64      `db:"org_id"`
	Name           string     `db:"name"`
	Visibility     Visibility `db:"visibility"`
	CreatedBy      *int64     `db:"created_by"`
	CreatedAt      time.Time  `db:"created_at"`
}

// Permission is the set of values for RepositoryPermission.Permission.
// Grants are additive: "admin" implies "write" implies "read".
type Permission string

const (
	PermissionRead  Permission = "read"
	PermissionWrite Permission = "write"
	PermissionAdmin Permission = "admin"
)

// IsValid returns whether this is one of the known permission values.
func (p Permission) IsValid() bool {
	switch p {
	case PermissionRead, PermissionWrite, PermissionAdmin:
		return true
	default:
		return false
	}
}

var permissionRank = map[Permission]int{
	PermissionRead:  1,
	PermissionWrite: 2,
	PermissionAdmin: 3,
}

// Includes returns whether this grant covers the other one, following the
// read < write < admin ordering.
func (p Permission) Includes(other Permission) bool {
	return permissionRank[p] >= permissionRank[other]
}

// RepositoryPermission contains a record from the `repository_permissions`
// table. Exactly one of UserID and OrganizationID is set (enforced by a
// CHECK constraint).
type RepositoryPermission struct {
	ID             int64      `db:"id"`
	RepositoryID   int64      `db:"repo_id"`
	UserID         *int64     `db:"user_id"`
	OrganizationID *int64     `db:"org_id"`
	Permission     Permission `db:"permission"`
}
