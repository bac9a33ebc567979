// SPDX-FileCopyrightText: 2024 Wharf Authors
// SPDX-License-Identifier: Apache-2.0

package accounts

import (
	"net/http"
	"net/mail"
	"strings"

	"github.com/sapcc/go-bits/httpapi"
	"github.com/sapcc/go-bits/respondwith"

	"github.com/wharfhub/wharf/internal/auth"
	"github.com/wharfhub/wharf/internal/models"
	"github.com/wharfhub/wharf/internal/wharf"
)

// userRendered is how users appear in API responses. The password hash never
// leaves the database layer.
type userRendered struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
}

func renderUser(user models.User) userRendered {
	return userRendered{ID: user.ID, Username: user.Username, Email: user.Email}
}

// This implements the POST /api/v1/auth/register endpoint.
func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	httpapi.IdentifyEndpoint(r, "/api/v1/auth/register")
	var req struct {
		Username string `json:"username"`
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if !decodeJSONRequestBody(w, r.Body, &req) {
		return
	}

	if !models.NameComponentRx.MatchString(req.Username) {
		http.Error(w, "invalid username", http.StatusUnprocessableEntity)
		return
	}
	if _, err := mail.ParseAddress(req.Email); err != nil {
		http.Error(w, "invalid email address", http.StatusUnprocessableEntity)
		return
	}
	if len(req.Password) < 8 {
		http.Error(w, "password must have at least 8 characters", http.StatusUnprocessableEntity)
		return
	}

	existing, err := wharf.FindUserByName(a.db, req.Username)
	if respondWithErrorText(w, err) {
		return
	}
	if existing != nil {
		http.Error(w, "username is taken", http.StatusConflict)
		return
	}

	passwordHash, err := auth.HashPassword(req.Password)
	if respondWithErrorText(w, err) {
		return
	}
	user := models.User{
		Username:     req.Username,
		Email:        req.Email,
		PasswordHash: passwordHash,
		CreatedAt:    a.timeNow(),
	}
	err = a.db.Insert(&user)
	if respondWithErrorText(w, err) {
		return
	}

	respondwith.JSON(w, http.StatusCreated, map[string]any{"user": renderUser(user)})
}

// This implements the POST /api/v1/auth/token endpoint, which doubles as the
// realm of the WWW-Authenticate challenge on the registry surface.
//
// Credentials are taken from Basic auth (the form that `docker login`
// sends) or from a JSON body.
func (a *API) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	httpapi.IdentifyEndpoint(r, "/api/v1/auth/token")

	username, password, haveBasicAuth := r.BasicAuth()
	if !haveBasicAuth {
		var req struct {
			Username string `json:"username"`
			Password string `json:"password"`
		}
		if !decodeJSONRequestBody(w, r.Body, &req) {
			return
		}
		username, password = req.Username, req.Password
	}
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		http.Error(w, "missing credentials", http.StatusBadRequest)
		return
	}

	user, err := wharf.FindUserByName(a.db, username)
	if respondWithErrorText(w, err) {
		return
	}
	if user == nil || !auth.VerifyPassword(password, user.PasswordHash) {
		http.Error(w, "wrong credentials", http.StatusUnauthorized)
		return
	}

	now := a.timeNow()
	token, err := auth.IssueToken(a.cfg, *user, now)
	if respondWithErrorText(w, err) {
		return
	}
	respondwith.JSON(w, http.StatusOK, map[string]any{
		"token":      token,
		"expires_at": now.Add(a.cfg.JWTExpiration).Unix(),
		"user":       renderUser(*user),
	})
}
