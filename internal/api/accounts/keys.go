// SPDX-FileCopyrightText: 2024 Wharf Authors
// SPDX-License-Identifier: Apache-2.0

package accounts

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/sapcc/go-bits/httpapi"
	"github.com/sapcc/go-bits/respondwith"

	"github.com/wharfhub/wharf/internal/auth"
	"github.com/wharfhub/wharf/internal/models"
)

type apiKeyRendered struct {
	ID         int64  `json:"id"`
	Name       string `json:"name"`
	CreatedAt  int64  `json:"created_at"`
	ExpiresAt  *int64 `json:"expires_at,omitempty"`
	LastUsedAt *int64 `json:"last_used_at,omitempty"`
}

func renderAPIKey(key models.APIKey) apiKeyRendered {
	rendered := apiKeyRendered{
		ID:        key.ID,
		Name:      key.Name,
		CreatedAt: key.CreatedAt.Unix(),
	}
	if key.ExpiresAt != nil {
		expiresAt := key.ExpiresAt.Unix()
		rendered.ExpiresAt = &expiresAt
	}
	if key.LastUsedAt != nil {
		lastUsedAt := key.LastUsedAt.Unix()
		rendered.LastUsedAt = &lastUsedAt
	}
	return rendered
}

// This implements the POST /api/v1/keys endpoint. The plaintext key appears
// only in this response; the database stores its SHA-256 hash.
func (a *API) handleCreateAPIKey(w http.ResponseWriter, r *http.Request) {
	httpapi.IdentifyEndpoint(r, "/api/v1/keys")
	user := a.requireUser(w, r)
	if user == nil {
		return
	}

	var req struct {
		Name          string `json:"name"`
		ExpiresInDays uint64 `json:"expires_in_days"`
	}
	if !decodeJSONRequestBody(w, r.Body, &req) {
		return
	}

	plaintextKey, err := a.generateAPIKey()
	if respondWithErrorText(w, err) {
		return
	}
	key := models.APIKey{
		UserID:    user.ID,
		Name:      req.Name,
		KeyHash:   auth.HashAPIKey(plaintextKey),
		CreatedAt: a.timeNow(),
		IsActive:  true,
	}
	if req.ExpiresInDays > 0 {
		expiresAt := key.CreatedAt.Add(time.Duration(req.ExpiresInDays) * 24 * time.Hour)
		key.ExpiresAt = &expiresAt
	}
	err = a.db.Insert(&key)
	if respondWithErrorText(w, err) {
		return
	}

	respondwith.JSON(w, http.StatusCreated, map[string]any{
		"api_key": renderAPIKey(key),
		"key":     plaintextKey,
	})
}

// This implements the GET /api/v1/keys endpoint.
func (a *API) handleListAPIKeys(w http.ResponseWriter, r *http.Request) {
	httpapi.IdentifyEndpoint(r, "/api/v1/keys")
	user := a.requireUser(w, r)
	if user == nil {
		return
	}

	var keys []models.APIKey
	_, err := a.db.Select(&keys,
		`SELECT * FROM api_keys WHERE user_id = $1 AND is_active ORDER BY id`, user.ID)
	if respondWithErrorText(w, err) {
		return
	}

	keysRendered := make([]apiKeyRendered, len(keys))
	for idx, key := range keys {
		keysRendered[idx] = renderAPIKey(key)
	}
	respondwith.JSON(w, http.StatusOK, map[string]any{"api_keys": keysRendered})
}

// This implements the DELETE /api/v1/keys/:id endpoint. Keys are deactivated
// rather than deleted, so the audit trail of last_used_at survives.
func (a *API) handleDeleteAPIKey(w http.ResponseWriter, r *http.Request) {
	httpapi.IdentifyEndpoint(r, "/api/v1/keys/:id")
	user := a.requireUser(w, r)
	if user == nil {
		return
	}

	keyID, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		http.Error(w, "invalid key ID", http.StatusBadRequest)
		return
	}

	result, err := a.db.Exec(
		`UPDATE api_keys SET is_active = FALSE WHERE id = $1 AND user_id = $2 AND is_active`,
		keyID, user.ID)
	if respondWithErrorText(w, err) {
		return
	}
	rowCount, err := result.RowsAffected()
	if respondWithErrorText(w, err) {
		return
	}
	if rowCount == 0 {
		http.Error(w, "no such API key", http.StatusNotFound)
		return
	}

	// the revoked key may still be cached as a valid credential
	auth.InvalidateCredentials(r.Context(), a.cache)
	w.WriteHeader(http.StatusNoContent)
}
