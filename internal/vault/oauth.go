// Copyright 2026 The FlowMesh Authors
// SPDX-License-Identifier: Apache-2.0

package vault

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"

	"golang.org/x/oauth2"

	"github.com/flowmesh/flowmesh/internal/models"
	"github.com/flowmesh/flowmesh/internal/store"
)

// OAuth2Refresher adapts an oauth2.Config into the vault's refresh hook.
func OAuth2Refresher(cfg *oauth2.Config) TokenRefresher {
	return func(ctx context.Context, refreshToken string) (string, string, time.Time, error) {
		src := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
		token, err := src.Token()
		if err != nil {
			return "", "", time.Time{}, err
		}
		return token.AccessToken, token.RefreshToken, token.Expiry, nil
	}
}

// BeginAuthorization starts a PKCE authorization flow: it persists the
// state and verifier and returns the provider URL to redirect to.
func (v *Vault) BeginAuthorization(cfg *oauth2.Config, userID, provider string) (string, error) {
	state, err := randomToken()
	if err != nil {
		return "", err
	}
	verifier := oauth2.GenerateVerifier()
	if err := v.store.SaveOAuthState(state, userID, provider, verifier, 10*time.Minute); err != nil {
		return "", err
	}
	url := cfg.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.S256ChallengeOption(verifier))
	return url, nil
}

// CompleteAuthorization finishes the PKCE flow: it consumes the state,
// exchanges the code and persists the encrypted token pair. Returns the
// user the flow belongs to.
func (v *Vault) CompleteAuthorization(ctx context.Context, cfg *oauth2.Config, state, code string) (string, error) {
	userID, provider, verifier, err := v.store.ConsumeOAuthState(state)
	if err != nil {
		if err == store.ErrNotFound {
			return "", fmt.Errorf("unknown or expired authorization state")
		}
		return "", err
	}
	token, err := cfg.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		return "", fmt.Errorf("exchanging authorization code: %w", err)
	}

	encAccess, err := v.cipher.Encrypt(token.AccessToken)
	if err != nil {
		return "", err
	}
	encRefresh := ""
	if token.RefreshToken != "" {
		if encRefresh, err = v.cipher.Encrypt(token.RefreshToken); err != nil {
			return "", err
		}
	}
	var expiresAt *time.Time
	if !token.Expiry.IsZero() {
		t := token.Expiry.UTC()
		expiresAt = &t
	}
	err = v.store.UpsertOAuthAccount(&models.OAuthAccount{
		UserID:                userID,
		Provider:              provider,
		AccessTokenEncrypted:  encAccess,
		RefreshTokenEncrypted: encRefresh,
		ExpiresAt:             expiresAt,
	})
	if err != nil {
		return "", err
	}
	v.invalidate(ctx, userID)
	return userID, nil
}

func randomToken() (string, error) {
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}
