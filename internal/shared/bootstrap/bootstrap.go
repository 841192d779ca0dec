// Package bootstrap loads the initial-admin-credentials JSON file spec.md
// §6 names ("a JSON file provides initial admin credentials, hashed on
// load"), idle after startup — this is a one-shot seed, not a running
// component.
package bootstrap

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/mrmushfiq/llm0-gateway/internal/core/admission"
	"github.com/mrmushfiq/llm0-gateway/internal/core/keystore"
	"github.com/mrmushfiq/llm0-gateway/internal/shared/models"
)

// adminKey is the on-disk shape of one bootstrap admin credential.
type adminKey struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	Secret     string   `json:"secret"`
	Platforms  []string `json:"platforms"`
	TokenLimit int64    `json:"tokenLimit"`
}

// Apply reads path and, for every admin credential not already present in
// store (matched by id), hashes its secret with adm and inserts it. A
// missing file is not an error — bootstrap is optional once an operator
// has provisioned keys through other means.
func Apply(ctx context.Context, path string, store keystore.Store, adm *admission.Admitter) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	var admins []adminKey
	if err := json.Unmarshal(data, &admins); err != nil {
		return err
	}

	for _, a := range admins {
		existing, err := store.GetApiKey(ctx, a.ID)
		if err != nil {
			return err
		}
		if existing != nil {
			continue
		}

		permissions := models.PlatformAll
		if len(a.Platforms) > 0 {
			permissions = models.Platform(a.Platforms[0])
		}

		key := &models.ApiKey{
			ID:           a.ID,
			Name:         a.Name,
			HashedSecret: adm.HashSecret(a.Secret),
			IsActive:     true,
			CreatedAt:    time.Now(),
			Permissions:  permissions,
			TokenLimit:   a.TokenLimit,
		}
		if err := store.PutApiKey(ctx, key); err != nil {
			return err
		}
	}

	return nil
}
