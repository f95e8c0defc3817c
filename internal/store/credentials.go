// Copyright 2026 The FlowMesh Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/flowmesh/flowmesh/internal/models"
)

// credentialRecord backs the user_credentials table. Values arrive already
// encrypted; the store never sees plaintext.
type credentialRecord struct {
	ID             string `gorm:"primaryKey"`
	UserID         string `gorm:"index:idx_cred_scope,unique"`
	OrganizationID string `gorm:"index:idx_cred_scope,unique"`
	Platform       string `gorm:"index:idx_cred_scope,unique"`
	Name           string
	Type           string
	EncryptedValue string `gorm:"type:text"`
	FieldsJSON     string `gorm:"type:text"`
	CreatedAt      time.Time
	LastUsed       *time.Time
}

func (credentialRecord) TableName() string { return "user_credentials" }

func credentialToRecord(c *models.Credential) (*credentialRecord, error) {
	fields, err := marshalJSON(c.Fields)
	if err != nil {
		return nil, err
	}
	return &credentialRecord{
		ID:             c.ID,
		UserID:         c.UserID,
		OrganizationID: c.OrganizationID,
		Platform:       c.Platform,
		Name:           c.Name,
		Type:           string(c.Type),
		EncryptedValue: c.EncryptedValue,
		FieldsJSON:     fields,
		CreatedAt:      c.CreatedAt,
		LastUsed:       c.LastUsed,
	}, nil
}

func recordToCredential(rec *credentialRecord) (*models.Credential, error) {
	var fields map[string]string
	if err := unmarshalJSON(rec.FieldsJSON, &fields); err != nil {
		return nil, err
	}
	return &models.Credential{
		ID:             rec.ID,
		UserID:         rec.UserID,
		OrganizationID: rec.OrganizationID,
		Platform:       rec.Platform,
		Name:           rec.Name,
		Type:           models.CredentialType(rec.Type),
		EncryptedValue: rec.EncryptedValue,
		Fields:         fields,
		CreatedAt:      rec.CreatedAt,
		LastUsed:       rec.LastUsed,
	}, nil
}

// UpsertCredential creates or replaces the credential for its
// (user, organization, platform) scope.
func (s *Store) UpsertCredential(c *models.Credential) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	rec, err := credentialToRecord(c)
	if err != nil {
		return err
	}
	return s.db.Transaction(func(tx *gorm.DB) error {
		var existing credentialRecord
		err := tx.Where("user_id = ? AND organization_id = ? AND platform = ?",
			rec.UserID, rec.OrganizationID, rec.Platform).First(&existing).Error
		switch {
		case err == nil:
			rec.ID = existing.ID
			rec.CreatedAt = existing.CreatedAt
			c.ID = existing.ID
			return tx.Save(rec).Error
		case errors.Is(err, gorm.ErrRecordNotFound):
			return tx.Create(rec).Error
		default:
			return err
		}
	})
}

// GetCredential resolves the credential for (user, platform, org?). The
// org-scoped row is preferred when organizationID is non-empty; the user's
// personal row is the fallback.
func (s *Store) GetCredential(userID, platform, organizationID string) (*models.Credential, error) {
	if organizationID != "" {
		var rec credentialRecord
		err := s.db.Where("user_id = ? AND platform = ? AND organization_id = ?",
			userID, platform, organizationID).First(&rec).Error
		if err == nil {
			return recordToCredential(&rec)
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
	}
	var rec credentialRecord
	err := s.db.Where("user_id = ? AND platform = ? AND organization_id = ''",
		userID, platform).First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return recordToCredential(&rec)
}

// GetCredentialByID loads a credential regardless of scope.
func (s *Store) GetCredentialByID(id string) (*models.Credential, error) {
	var rec credentialRecord
	if err := s.db.First(&rec, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return recordToCredential(&rec)
}

// ListCredentials returns every credential visible to the user in the given
// scope.
func (s *Store) ListCredentials(userID, organizationID string) ([]*models.Credential, error) {
	q := s.db.Where("user_id = ?", userID)
	if organizationID != "" {
		q = q.Where("organization_id IN ?", []string{"", organizationID})
	} else {
		q = q.Where("organization_id = ''")
	}
	var recs []credentialRecord
	if err := q.Order("created_at ASC").Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make([]*models.Credential, 0, len(recs))
	for i := range recs {
		c, err := recordToCredential(&recs[i])
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// ListCredentialsForUser returns every credential owned by the user across
// scopes. The vault uses this to build the per-run plaintext map.
func (s *Store) ListCredentialsForUser(userID string) ([]*models.Credential, error) {
	var recs []credentialRecord
	if err := s.db.Where("user_id = ?", userID).Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make([]*models.Credential, 0, len(recs))
	for i := range recs {
		c, err := recordToCredential(&recs[i])
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// DeleteCredential removes a credential owned by the user.
func (s *Store) DeleteCredential(id, userID string) error {
	res := s.db.Delete(&credentialRecord{}, "id = ? AND user_id = ?", id, userID)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchCredential records credential usage.
func (s *Store) TouchCredential(id string, at time.Time) error {
	return s.db.Model(&credentialRecord{}).Where("id = ?", id).
		Update("last_used", at.UTC()).Error
}

// oauthAccountRecord backs the accounts table for OAuth providers.
type oauthAccountRecord struct {
	UserID                string `gorm:"primaryKey"`
	Provider              string `gorm:"primaryKey"`
	AccessTokenEncrypted  string `gorm:"type:text"`
	RefreshTokenEncrypted string `gorm:"type:text"`
	ExpiresAt             *time.Time
	UpdatedAt             time.Time
}

func (oauthAccountRecord) TableName() string { return "accounts" }

// GetOAuthAccount loads the token pair for (user, provider).
func (s *Store) GetOAuthAccount(userID, provider string) (*models.OAuthAccount, error) {
	var rec oauthAccountRecord
	err := s.db.First(&rec, "user_id = ? AND provider = ?", userID, provider).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &models.OAuthAccount{
		UserID:                rec.UserID,
		Provider:              rec.Provider,
		AccessTokenEncrypted:  rec.AccessTokenEncrypted,
		RefreshTokenEncrypted: rec.RefreshTokenEncrypted,
		ExpiresAt:             rec.ExpiresAt,
	}, nil
}

// UpsertOAuthAccount creates or replaces the token pair.
func (s *Store) UpsertOAuthAccount(a *models.OAuthAccount) error {
	rec := oauthAccountRecord{
		UserID:                a.UserID,
		Provider:              a.Provider,
		AccessTokenEncrypted:  a.AccessTokenEncrypted,
		RefreshTokenEncrypted: a.RefreshTokenEncrypted,
		ExpiresAt:             a.ExpiresAt,
		UpdatedAt:             time.Now().UTC(),
	}
	return s.db.Save(&rec).Error
}

// SwapOAuthTokens updates the token pair only if expiresAt still matches
// the value the caller read, preventing double refresh across processes.
// Returns ErrConflict when another process refreshed first.
func (s *Store) SwapOAuthTokens(a *models.OAuthAccount, prevExpiresAt *time.Time) error {
	q := s.db.Model(&oauthAccountRecord{}).
		Where("user_id = ? AND provider = ?", a.UserID, a.Provider)
	if prevExpiresAt == nil {
		q = q.Where("expires_at IS NULL")
	} else {
		q = q.Where("expires_at = ?", prevExpiresAt.UTC())
	}
	res := q.Updates(map[string]any{
		"access_token_encrypted":  a.AccessTokenEncrypted,
		"refresh_token_encrypted": a.RefreshTokenEncrypted,
		"expires_at":              a.ExpiresAt,
		"updated_at":              time.Now().UTC(),
	})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrConflict
	}
	return nil
}

// oauthStateRecord backs the oauth_state table used during the PKCE
// exchange.
type oauthStateRecord struct {
	State     string `gorm:"primaryKey"`
	UserID    string
	Provider  string
	Verifier  string
	CreatedAt time.Time
	ExpiresAt time.Time
}

func (oauthStateRecord) TableName() string { return "oauth_state" }

// SaveOAuthState stores a pending PKCE exchange.
func (s *Store) SaveOAuthState(state, userID, provider, verifier string, ttl time.Duration) error {
	now := time.Now().UTC()
	rec := oauthStateRecord{
		State:     state,
		UserID:    userID,
		Provider:  provider,
		Verifier:  verifier,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	return s.db.Create(&rec).Error
}

// ConsumeOAuthState retrieves and deletes a pending exchange. Expired states
// are treated as missing.
func (s *Store) ConsumeOAuthState(state string) (userID, provider, verifier string, err error) {
	var rec oauthStateRecord
	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&rec, "state = ?", state).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		if err := tx.Delete(&oauthStateRecord{}, "state = ?", state).Error; err != nil {
			return err
		}
		if time.Now().UTC().After(rec.ExpiresAt) {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		return "", "", "", err
	}
	return rec.UserID, rec.Provider, rec.Verifier, nil
}
