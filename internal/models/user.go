// SPDX-FileCopyrightText: 2024 Wharf Authors
// SPDX-License-Identifier: Apache-2.0

package models

import (
	"time"
)

// User contains a record from the `users` table.
//
// PasswordHash is either an Argon2id PHC string (prefix "$argon2") or a
// legacy bcrypt hash. New hashes are always Argon2id; bcrypt is only verified
// for records that predate the migration.
type User struct {
	ID           int64     `db:"id"`
	Username     string    `db:"username"`
	Email        string    `db:"email"`
	PasswordHash string    `db:"password_hash"`
	CreatedAt    time.Time `db:"created_at"`
}

// Organization contains a record from the `organizations` table. Its name is
// the namespace component of repository names ("name/repo").
type Organization struct {
	ID          int64     `db:"id"`
	Name        string    `db:"name"`
	DisplayName string    `db:"display_name"`
	Description string    `db:"description"`
	CreatedAt   time.Time `db:"created_at"`
}

// Role is the set of roles that an OrganizationMember can have.
type Role string

const (
	RoleOwner      Role = "owner"
	RoleAdmin      Role = "admin"
	RoleMaintainer Role = "maintainer"
	RoleMember     Role = "member"
)

// IsValid returns whether this is one of the known roles.
func (r Role) IsValid() bool {
	switch r {
	case RoleOwner, RoleAdmin, RoleMaintainer, RoleMember:
		return true
	default:
		return false
	}
}

// CanPush returns whether members with this role may push into the org's
// repositories.
func (r Role) CanPush() bool {
	switch r {
	case RoleOwner, RoleAdmin, RoleMaintainer:
		return true
	default:
		return false
	}
}

// CanDelete returns whether members with this role may delete manifests in
// the org's repositories.
func (r Role) CanDelete() bool {
	return r == RoleOwner || r == RoleAdmin
}

// OrganizationMember contains a record from the `organization_members` table.
type OrganizationMember struct {
	OrganizationID int64     `db:"org_id"`
	UserID         int64     `db:"user_id"`
	Role           Role      `db:"role"`
	JoinedAt       time.Time `db:"joined_at"`
	InvitedBy      *int64    `db:"invited_by"`
}

// APIKey contains a record from the `api_keys` table.
//
// KeyHash is the SHA-256 hex digest of the plaintext key. The plaintext is
// only ever returned once, in the response to the creation request.
type APIKey struct {
	ID         int64      `db:"id"`
	UserID     int64      `db:"user_id"`
	Name       string     `db:"name"`
	KeyHash    string     `db:"key_hash"`
	CreatedAt  time.Time  `db:"created_at"`
	ExpiresAt  *time.Time `db:"expires_at"`
	LastUsedAt *time.Time `db:"last_used_at"`
	IsActive   bool       `db:"is_active"`
}

// IsUsable returns whether this key may authenticate requests at the given
// point in time.
func (k APIKey) IsUsable(now time.Time) bool {
	if !k.IsActive {
		return false
	}
	return k.ExpiresAt == nil || k.ExpiresAt.After(now)
}
