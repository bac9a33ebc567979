// SPDX-FileCopyrightText: 2024 Wharf Authors
// SPDX-License-Identifier: Apache-2.0

package test

import (
	"testing"

	"github.com/wharfhub/wharf/internal/auth"
	"github.com/wharfhub/wharf/internal/models"
	"github.com/wharfhub/wharf/internal/wharf"
)

// MustCreateUser inserts a user with the given password into the database.
func (s Setup) MustCreateUser(t *testing.T, username, password string) models.User {
	t.Helper()
	passwordHash, err := auth.HashPassword(password)
	if err != nil {
		t.Fatal(err.Error())
	}
	user := models.User{
		Username:     username,
		Email:        username + "@example.org",
		PasswordHash: passwordHash,
		CreatedAt:    s.Clock.Now(),
	}
	err = s.DB.Insert(&user)
	if err != nil {
		t.Fatal(err.Error())
	}
	return user
}

// MustCreateOrganization inserts an organization whose founding owner is the
// given user.
func (s Setup) MustCreateOrganization(t *testing.T, name string, founder models.User) models.Organization {
	t.Helper()
	org := models.Organization{Name: name, CreatedAt: s.Clock.Now()}
	err := wharf.CreateOrganization(s.DB, &org, founder.ID)
	if err != nil {
		t.Fatal(err.Error())
	}
	return org
}

// MustCreateRepository inserts a repository created by the given user, who
// receives the usual admin grant.
func (s Setup) MustCreateRepository(t *testing.T, org models.Organization, name string, visibility models.Visibility, creator models.User) models.Repository {
	t.Helper()
	repo := models.Repository{
		OrganizationID: org.ID,
		Name:           name,
		Visibility:     visibility,
		CreatedAt:      s.Clock.Now(),
	}
	err := wharf.CreateRepository(s.DB, &repo, creator.ID)
	if err != nil {
		t.Fatal(err.Error())
	}
	return repo
}

// MustAddMember inserts an organization membership.
func (s Setup) MustAddMember(t *testing.T, org models.Organization, user models.User, role models.Role) {
	t.Helper()
	err := s.DB.Insert(&models.OrganizationMember{
		OrganizationID: org.ID,
		UserID:         user.ID,
		Role:           role,
		JoinedAt:       s.Clock.Now(),
	})
	if err != nil {
		t.Fatal(err.Error())
	}
}

// TokenFor issues a session token for the given user, as the login endpoint
// would.
func (s Setup) TokenFor(t *testing.T, user models.User) string {
	t.Helper()
	token, err := auth.IssueToken(s.Config, user, s.Clock.Now())
	if err != nil {
		t.Fatal(err.Error())
	}
	return token
}
