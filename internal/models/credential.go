// Copyright 2026 The FlowMesh Authors
// SPDX-License-Identifier: Apache-2.0

package models

import "time"

// CredentialType distinguishes credential payload shapes.
type CredentialType string

const (
	CredentialTypeAPIKey           CredentialType = "api_key"
	CredentialTypeToken            CredentialType = "token"
	CredentialTypeSecret           CredentialType = "secret"
	CredentialTypeConnectionString CredentialType = "connection_string"
	CredentialTypeMultiField       CredentialType = "multi_field"
)

// Credential is a secret bound to a user (and optionally an organization)
// and a platform. Values are encrypted at rest; this type never carries
// plaintext.
type Credential struct {
	ID             string         `json:"id"`
	UserID         string         `json:"userId"`
	OrganizationID string         `json:"organizationId,omitempty"`
	Platform       string         `json:"platform"`
	Name           string         `json:"name"`
	Type           CredentialType `json:"type"`
	// EncryptedValue holds the ciphertext for single-value credentials.
	EncryptedValue string `json:"-"`
	// Fields holds independently encrypted named fields for multi_field
	// credentials.
	Fields    map[string]string `json:"-"`
	CreatedAt time.Time         `json:"createdAt"`
	LastUsed  *time.Time        `json:"lastUsed,omitempty"`
}

// Info is the only shape the vault returns over listing interfaces.
func (c *Credential) Info() CredentialInfo {
	return CredentialInfo{
		ID:        c.ID,
		Platform:  c.Platform,
		Name:      c.Name,
		Type:      c.Type,
		CreatedAt: c.CreatedAt,
		LastUsed:  c.LastUsed,
	}
}

// CredentialInfo is credential metadata without secret material.
type CredentialInfo struct {
	ID        string         `json:"id"`
	Platform  string         `json:"platform"`
	Name      string         `json:"name"`
	Type      CredentialType `json:"type"`
	CreatedAt time.Time      `json:"createdAt"`
	LastUsed  *time.Time     `json:"lastUsed,omitempty"`
}

// OAuthAccount is a provider token pair bound to a user. Tokens are
// encrypted at rest.
type OAuthAccount struct {
	UserID                string     `json:"userId"`
	Provider              string     `json:"provider"`
	AccessTokenEncrypted  string     `json:"-"`
	RefreshTokenEncrypted string     `json:"-"`
	ExpiresAt             *time.Time `json:"expiresAt,omitempty"`
}
