// Copyright 2026 The FlowMesh Authors
// SPDX-License-Identifier: Apache-2.0

// Package vault stores credentials encrypted at rest and materializes the
// per-run plaintext map. Plaintext exists only inside the execution
// context of a run; every listing surface returns metadata only.
package vault

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/flowmesh/flowmesh/internal/models"
	"github.com/flowmesh/flowmesh/internal/store"
)

// invalidateChannel carries out-of-band cache invalidation signals
// between processes. The message is the affected user id.
const invalidateChannel = "fm:vault:invalidate"

// ErrCredentialMissing is returned when a required credential does not
// exist or cannot be refreshed.
var ErrCredentialMissing = errors.New("credential not found")

// Vault is the credential service. Safe for concurrent use.
type Vault struct {
	store         *store.Store
	cipher        *Cipher
	logger        *slog.Logger
	redis         *redis.Client
	cacheTTL      time.Duration
	refreshMargin time.Duration

	refresh singleflight.Group

	mu    sync.Mutex
	cache map[string]cacheEntry

	// oauthProviders maps provider name to its token refresh hook.
	oauthProviders map[string]TokenRefresher
}

type cacheEntry struct {
	creds   map[string]string
	expires time.Time
}

// TokenRefresher exchanges a refresh token for a new token pair. Wired
// per provider from x/oauth2 endpoint configs.
type TokenRefresher func(ctx context.Context, refreshToken string) (access, refreshed string, expiresAt time.Time, err error)

// Option adjusts vault construction.
type Option func(*Vault)

// WithRedis enables cross-process cache invalidation over pub/sub.
func WithRedis(client *redis.Client) Option {
	return func(v *Vault) { v.redis = client }
}

// WithOAuthProvider registers a token refresher for a provider.
func WithOAuthProvider(provider string, r TokenRefresher) Option {
	return func(v *Vault) { v.oauthProviders[provider] = r }
}

// WithCacheTTL overrides the per-process cache lifetime.
func WithCacheTTL(ttl time.Duration) Option {
	return func(v *Vault) { v.cacheTTL = ttl }
}

// WithRefreshMargin overrides the OAuth expiry safety margin.
func WithRefreshMargin(margin time.Duration) Option {
	return func(v *Vault) { v.refreshMargin = margin }
}

// New builds a vault around the store and a 32-byte encryption key.
func New(st *store.Store, key []byte, logger *slog.Logger, opts ...Option) (*Vault, error) {
	cipher, err := NewCipher(key)
	if err != nil {
		return nil, err
	}
	v := &Vault{
		store:          st,
		cipher:         cipher,
		logger:         logger,
		cacheTTL:       30 * time.Second,
		refreshMargin:  60 * time.Second,
		cache:          make(map[string]cacheEntry),
		oauthProviders: make(map[string]TokenRefresher),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// StoreCredential encrypts and persists a credential. value is used for
// single-value types; fields for multi_field.
func (v *Vault) StoreCredential(ctx context.Context, userID, orgID, platform, name string, credType models.CredentialType, value string, fields map[string]string) (*models.CredentialInfo, error) {
	cred := &models.Credential{
		ID:             uuid.NewString(),
		UserID:         userID,
		OrganizationID: orgID,
		Platform:       platform,
		Name:           name,
		Type:           credType,
		CreatedAt:      time.Now().UTC(),
	}
	if credType == models.CredentialTypeMultiField {
		enc := make(map[string]string, len(fields))
		for field, plain := range fields {
			sealed, err := v.cipher.Encrypt(plain)
			if err != nil {
				return nil, err
			}
			enc[field] = sealed
		}
		cred.Fields = enc
	} else {
		sealed, err := v.cipher.Encrypt(value)
		if err != nil {
			return nil, err
		}
		cred.EncryptedValue = sealed
	}
	if err := v.store.UpsertCredential(cred); err != nil {
		return nil, err
	}
	v.invalidate(ctx, userID)
	info := cred.Info()
	return &info, nil
}

// DeleteCredential removes a credential owned by the user.
func (v *Vault) DeleteCredential(ctx context.Context, id, userID string) error {
	if err := v.store.DeleteCredential(id, userID); err != nil {
		return err
	}
	v.invalidate(ctx, userID)
	return nil
}

// ListCredentials returns metadata for every credential visible to the
// user in the given scope. No plaintext crosses this boundary.
func (v *Vault) ListCredentials(userID, orgID string) ([]models.CredentialInfo, error) {
	creds, err := v.store.ListCredentials(userID, orgID)
	if err != nil {
		return nil, err
	}
	infos := make([]models.CredentialInfo, 0, len(creds))
	for _, c := range creds {
		infos = append(infos, c.Info())
	}
	return infos, nil
}

// CredentialMap builds the plaintext map for one run: platform name to
// secret, with org-scoped rows shadowing personal ones, OAuth access
// tokens refreshed when near expiry, and the alias table applied.
func (v *Vault) CredentialMap(ctx context.Context, userID, orgID string) (map[string]string, error) {
	key := userID + "|" + orgID
	v.mu.Lock()
	if entry, ok := v.cache[key]; ok && time.Now().Before(entry.expires) {
		out := cloneMap(entry.creds)
		v.mu.Unlock()
		return out, nil
	}
	v.mu.Unlock()

	creds, err := v.store.ListCredentialsForUser(userID)
	if err != nil {
		return nil, err
	}

	plain := make(map[string]string)
	fromOrg := make(map[string]bool)
	for _, c := range creds {
		if c.OrganizationID != "" && c.OrganizationID != orgID {
			continue
		}
		orgScoped := c.OrganizationID != ""
		if fromOrg[c.Platform] && !orgScoped {
			continue
		}
		secret, err := v.decryptCredential(c)
		if err != nil {
			v.logger.Warn("Skipping undecryptable credential",
				"credentialId", c.ID, "platform", c.Platform, "error", err)
			continue
		}
		plain[c.Platform] = secret
		if orgScoped {
			fromOrg[c.Platform] = true
		}
		if err := v.store.TouchCredential(c.ID, time.Now().UTC()); err != nil {
			v.logger.Warn("Recording credential use failed", "credentialId", c.ID, "error", err)
		}
	}

	for provider := range v.oauthProviders {
		token, err := v.AccessToken(ctx, userID, provider)
		if err != nil {
			if !errors.Is(err, ErrCredentialMissing) && !errors.Is(err, store.ErrNotFound) {
				v.logger.Warn("OAuth token unavailable", "provider", provider, "error", err)
			}
			continue
		}
		if _, exists := plain[provider]; !exists {
			plain[provider] = token
		}
	}

	expandAliases(plain)

	v.mu.Lock()
	v.cache[key] = cacheEntry{creds: cloneMap(plain), expires: time.Now().Add(v.cacheTTL)}
	v.mu.Unlock()
	return plain, nil
}

// decryptCredential opens a credential's secret material. Multi-field
// credentials collapse to their "value" field when present, otherwise the
// first field in sorted order would be arbitrary, so they require one.
func (v *Vault) decryptCredential(c *models.Credential) (string, error) {
	if c.Type == models.CredentialTypeMultiField {
		sealed, ok := c.Fields["value"]
		if !ok {
			return "", fmt.Errorf("multi_field credential %s has no value field", c.ID)
		}
		return v.cipher.Decrypt(sealed)
	}
	return v.cipher.Decrypt(c.EncryptedValue)
}

// Field decrypts one named field of a multi_field credential.
func (v *Vault) Field(c *models.Credential, field string) (string, error) {
	sealed, ok := c.Fields[field]
	if !ok {
		return "", fmt.Errorf("credential %s has no field %q", c.ID, field)
	}
	return v.cipher.Decrypt(sealed)
}

// AccessToken returns a live access token for (user, provider),
// refreshing it first when it expires within the safety margin.
// Concurrent callers for the same account coalesce to one exchange.
func (v *Vault) AccessToken(ctx context.Context, userID, provider string) (string, error) {
	account, err := v.store.GetOAuthAccount(userID, provider)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", ErrCredentialMissing
		}
		return "", err
	}

	if account.ExpiresAt == nil || time.Until(*account.ExpiresAt) > v.refreshMargin {
		return v.cipher.Decrypt(account.AccessTokenEncrypted)
	}

	token, err, _ := v.refresh.Do(userID+"|"+provider, func() (any, error) {
		return v.refreshToken(ctx, account)
	})
	if err != nil {
		return "", err
	}
	return token.(string), nil
}

// refreshToken exchanges the refresh token, re-encrypts and persists the
// new pair with a compare-and-set on the previous expiry. Losing the CAS
// means another process refreshed first; the stored token is reloaded.
func (v *Vault) refreshToken(ctx context.Context, account *models.OAuthAccount) (string, error) {
	refresher, ok := v.oauthProviders[account.Provider]
	if !ok {
		return "", fmt.Errorf("provider %q has no refresh endpoint: %w", account.Provider, ErrCredentialMissing)
	}
	if account.RefreshTokenEncrypted == "" {
		return "", fmt.Errorf("token expired and no refresh token stored: %w", ErrCredentialMissing)
	}
	refreshPlain, err := v.cipher.Decrypt(account.RefreshTokenEncrypted)
	if err != nil {
		return "", err
	}

	access, refreshed, expiresAt, err := refresher(ctx, refreshPlain)
	if err != nil {
		return "", fmt.Errorf("refreshing %s token: %w", account.Provider, err)
	}
	if refreshed == "" {
		refreshed = refreshPlain
	}

	encAccess, err := v.cipher.Encrypt(access)
	if err != nil {
		return "", err
	}
	encRefresh, err := v.cipher.Encrypt(refreshed)
	if err != nil {
		return "", err
	}
	updated := &models.OAuthAccount{
		UserID:                account.UserID,
		Provider:              account.Provider,
		AccessTokenEncrypted:  encAccess,
		RefreshTokenEncrypted: encRefresh,
		ExpiresAt:             &expiresAt,
	}
	err = v.store.SwapOAuthTokens(updated, account.ExpiresAt)
	if errors.Is(err, store.ErrConflict) {
		current, loadErr := v.store.GetOAuthAccount(account.UserID, account.Provider)
		if loadErr != nil {
			return "", loadErr
		}
		return v.cipher.Decrypt(current.AccessTokenEncrypted)
	}
	if err != nil {
		return "", err
	}
	return access, nil
}

// Warm primes the credential cache for the given users.
func (v *Vault) Warm(ctx context.Context, userIDs []string) {
	for _, userID := range userIDs {
		if _, err := v.CredentialMap(ctx, userID, ""); err != nil {
			v.logger.Warn("Credential warm failed", "userId", userID, "error", err)
		}
	}
}

// invalidate drops local cache entries for the user and tells other
// processes to do the same.
func (v *Vault) invalidate(ctx context.Context, userID string) {
	v.dropUser(userID)
	if v.redis == nil {
		return
	}
	if err := v.redis.Publish(ctx, invalidateChannel, userID).Err(); err != nil {
		v.logger.Warn("Publishing cache invalidation failed", "error", err)
	}
}

func (v *Vault) dropUser(userID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	prefix := userID + "|"
	for key := range v.cache {
		if strings.HasPrefix(key, prefix) {
			delete(v.cache, key)
		}
	}
}

// ListenInvalidations consumes the pub/sub channel until ctx is done.
// Run in its own goroutine on every worker and API process.
func (v *Vault) ListenInvalidations(ctx context.Context) {
	if v.redis == nil {
		return
	}
	sub := v.redis.Subscribe(ctx, invalidateChannel)
	defer sub.Close()
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			v.dropUser(msg.Payload)
		}
	}
}

func cloneMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, val := range m {
		out[k] = val
	}
	return out
}
