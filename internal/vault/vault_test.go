// Copyright 2026 The FlowMesh Authors
// SPDX-License-Identifier: Apache-2.0

package vault

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flowmesh/flowmesh/internal/models"
	"github.com/flowmesh/flowmesh/internal/store"
)

func testKey() []byte {
	return []byte("0123456789abcdef0123456789abcdef")
}

func testVault(t *testing.T, opts ...Option) (*Vault, *store.Store) {
	t.Helper()
	st, err := store.Open("sqlite://:memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	v, err := New(st, testKey(), slog.New(slog.DiscardHandler), opts...)
	require.NoError(t, err)
	return v, st
}

func TestCipherRoundTrip(t *testing.T) {
	c, err := NewCipher(testKey())
	require.NoError(t, err)

	sealed, err := c.Encrypt("sk-secret")
	require.NoError(t, err)
	require.NotContains(t, sealed, "sk-secret")

	plain, err := c.Decrypt(sealed)
	require.NoError(t, err)
	require.Equal(t, "sk-secret", plain)

	// Same plaintext seals differently every time (random nonce).
	again, err := c.Encrypt("sk-secret")
	require.NoError(t, err)
	require.NotEqual(t, sealed, again)
}

func TestCipherRejectsTampering(t *testing.T) {
	c, err := NewCipher(testKey())
	require.NoError(t, err)
	sealed, err := c.Encrypt("value")
	require.NoError(t, err)

	tampered := "A" + sealed[1:]
	if tampered == sealed {
		tampered = "B" + sealed[1:]
	}
	_, err = c.Decrypt(tampered)
	require.Error(t, err)
}

func TestCipherKeyLength(t *testing.T) {
	_, err := NewCipher([]byte("short"))
	require.Error(t, err)
}

func TestStoreThenResolve(t *testing.T) {
	v, _ := testVault(t)
	ctx := context.Background()

	_, err := v.StoreCredential(ctx, "user-a", "", "openai", "My key", models.CredentialTypeAPIKey, "sk-live-123", nil)
	require.NoError(t, err)

	creds, err := v.CredentialMap(ctx, "user-a", "")
	require.NoError(t, err)
	require.Equal(t, "sk-live-123", creds["openai"])
}

func TestListingNeverLeaksPlaintext(t *testing.T) {
	v, _ := testVault(t)
	ctx := context.Background()
	const secret = "sk-live-super-secret"

	_, err := v.StoreCredential(ctx, "user-a", "", "openai", "My key", models.CredentialTypeAPIKey, secret, nil)
	require.NoError(t, err)

	infos, err := v.ListCredentials("user-a", "")
	require.NoError(t, err)
	require.Len(t, infos, 1)

	raw, err := json.Marshal(infos)
	require.NoError(t, err)
	require.NotContains(t, string(raw), secret)
}

func TestOrgScopeShadowsPersonal(t *testing.T) {
	v, _ := testVault(t)
	ctx := context.Background()

	_, err := v.StoreCredential(ctx, "user-a", "", "openai", "personal", models.CredentialTypeAPIKey, "personal-key", nil)
	require.NoError(t, err)
	_, err = v.StoreCredential(ctx, "user-a", "org-1", "openai", "org", models.CredentialTypeAPIKey, "org-key", nil)
	require.NoError(t, err)

	withOrg, err := v.CredentialMap(ctx, "user-a", "org-1")
	require.NoError(t, err)
	require.Equal(t, "org-key", withOrg["openai"])

	personal, err := v.CredentialMap(ctx, "user-a", "")
	require.NoError(t, err)
	require.Equal(t, "personal-key", personal["openai"])
}

func TestCredentialIsolationBetweenUsers(t *testing.T) {
	v, _ := testVault(t)
	ctx := context.Background()

	_, err := v.StoreCredential(ctx, "user-a", "", "openai", "a", models.CredentialTypeAPIKey, "K_A", nil)
	require.NoError(t, err)
	_, err = v.StoreCredential(ctx, "user-b", "", "openai", "b", models.CredentialTypeAPIKey, "K_B", nil)
	require.NoError(t, err)

	credsB, err := v.CredentialMap(ctx, "user-b", "")
	require.NoError(t, err)
	require.Equal(t, "K_B", credsB["openai"])
	for _, secret := range credsB {
		require.NotEqual(t, "K_A", secret)
	}
}

func TestAliasExpansion(t *testing.T) {
	v, _ := testVault(t)
	ctx := context.Background()

	_, err := v.StoreCredential(ctx, "user-a", "", "youtube_apikey", "yt", models.CredentialTypeAPIKey, "yt-key", nil)
	require.NoError(t, err)

	creds, err := v.CredentialMap(ctx, "user-a", "")
	require.NoError(t, err)
	require.Equal(t, "yt-key", creds["youtube"])
	require.Equal(t, "yt-key", creds["youtube_apikey"])
}

func TestAliasNeverOverwritesExplicit(t *testing.T) {
	v, _ := testVault(t)
	ctx := context.Background()

	_, err := v.StoreCredential(ctx, "user-a", "", "youtube", "explicit", models.CredentialTypeAPIKey, "explicit-key", nil)
	require.NoError(t, err)
	_, err = v.StoreCredential(ctx, "user-a", "", "youtube_apikey", "spelled", models.CredentialTypeAPIKey, "spelled-key", nil)
	require.NoError(t, err)

	creds, err := v.CredentialMap(ctx, "user-a", "")
	require.NoError(t, err)
	require.Equal(t, "explicit-key", creds["youtube"])
}

func TestMultiFieldCredential(t *testing.T) {
	v, st := testVault(t)
	ctx := context.Background()

	info, err := v.StoreCredential(ctx, "user-a", "", "twilio", "tw", models.CredentialTypeMultiField, "", map[string]string{
		"value":       "auth-token",
		"account_sid": "AC123",
	})
	require.NoError(t, err)

	creds, err := v.CredentialMap(ctx, "user-a", "")
	require.NoError(t, err)
	require.Equal(t, "auth-token", creds["twilio"])

	stored, err := st.GetCredentialByID(info.ID)
	require.NoError(t, err)
	sid, err := v.Field(stored, "account_sid")
	require.NoError(t, err)
	require.Equal(t, "AC123", sid)
}

func TestCacheInvalidationOnUpdate(t *testing.T) {
	v, _ := testVault(t, WithCacheTTL(time.Hour))
	ctx := context.Background()

	_, err := v.StoreCredential(ctx, "user-a", "", "openai", "k", models.CredentialTypeAPIKey, "old", nil)
	require.NoError(t, err)
	creds, err := v.CredentialMap(ctx, "user-a", "")
	require.NoError(t, err)
	require.Equal(t, "old", creds["openai"])

	_, err = v.StoreCredential(ctx, "user-a", "", "openai", "k", models.CredentialTypeAPIKey, "new", nil)
	require.NoError(t, err)

	creds, err = v.CredentialMap(ctx, "user-a", "")
	require.NoError(t, err)
	require.Equal(t, "new", creds["openai"], "update must bypass the stale cache entry")
}

func TestInvalidationScopedToExactUser(t *testing.T) {
	v, st := testVault(t, WithCacheTTL(time.Hour))
	ctx := context.Background()

	_, err := v.StoreCredential(ctx, "user-1", "", "openai", "k", models.CredentialTypeAPIKey, "key-1", nil)
	require.NoError(t, err)
	info, err := v.StoreCredential(ctx, "user-12", "", "openai", "k", models.CredentialTypeAPIKey, "key-12", nil)
	require.NoError(t, err)

	for _, userID := range []string{"user-1", "user-12"} {
		_, err := v.CredentialMap(ctx, userID, "")
		require.NoError(t, err)
	}

	// Updating user-1 invalidates user-1's cache entries only; user-12
	// shares the id prefix and must keep serving from cache.
	_, err = v.StoreCredential(ctx, "user-1", "", "openai", "k", models.CredentialTypeAPIKey, "key-1-rotated", nil)
	require.NoError(t, err)
	require.NoError(t, st.DeleteCredential(info.ID, "user-12"))

	creds, err := v.CredentialMap(ctx, "user-12", "")
	require.NoError(t, err)
	require.Equal(t, "key-12", creds["openai"], "user-12's cache entry must survive user-1's invalidation")

	rotated, err := v.CredentialMap(ctx, "user-1", "")
	require.NoError(t, err)
	require.Equal(t, "key-1-rotated", rotated["openai"])
}

func storeOAuthAccount(t *testing.T, v *Vault, st *store.Store, userID, provider, access, refresh string, expiresAt time.Time) {
	t.Helper()
	encAccess, err := v.cipher.Encrypt(access)
	require.NoError(t, err)
	encRefresh, err := v.cipher.Encrypt(refresh)
	require.NoError(t, err)
	exp := expiresAt.UTC()
	require.NoError(t, st.UpsertOAuthAccount(&models.OAuthAccount{
		UserID:                userID,
		Provider:              provider,
		AccessTokenEncrypted:  encAccess,
		RefreshTokenEncrypted: encRefresh,
		ExpiresAt:             &exp,
	}))
}

func TestAccessTokenFreshTokenNotRefreshed(t *testing.T) {
	var exchanges atomic.Int32
	refresher := func(context.Context, string) (string, string, time.Time, error) {
		exchanges.Add(1)
		return "new-access", "new-refresh", time.Now().Add(time.Hour), nil
	}
	v, st := testVault(t, WithOAuthProvider("google", refresher))
	storeOAuthAccount(t, v, st, "user-a", "google", "live-access", "live-refresh", time.Now().Add(time.Hour))

	token, err := v.AccessToken(context.Background(), "user-a", "google")
	require.NoError(t, err)
	require.Equal(t, "live-access", token)
	require.Zero(t, exchanges.Load())
}

func TestAccessTokenRefreshesNearExpiry(t *testing.T) {
	var exchanges atomic.Int32
	refresher := func(_ context.Context, refresh string) (string, string, time.Time, error) {
		require.Equal(t, "live-refresh", refresh)
		exchanges.Add(1)
		return "new-access", "new-refresh", time.Now().Add(time.Hour), nil
	}
	v, st := testVault(t, WithOAuthProvider("google", refresher))
	storeOAuthAccount(t, v, st, "user-a", "google", "stale-access", "live-refresh", time.Now().Add(10*time.Second))

	token, err := v.AccessToken(context.Background(), "user-a", "google")
	require.NoError(t, err)
	require.Equal(t, "new-access", token)
	require.EqualValues(t, 1, exchanges.Load())

	// The persisted pair was swapped and re-encrypted.
	account, err := st.GetOAuthAccount("user-a", "google")
	require.NoError(t, err)
	plain, err := v.cipher.Decrypt(account.AccessTokenEncrypted)
	require.NoError(t, err)
	require.Equal(t, "new-access", plain)
}

func TestConcurrentRefreshCoalesces(t *testing.T) {
	var exchanges atomic.Int32
	release := make(chan struct{})
	refresher := func(context.Context, string) (string, string, time.Time, error) {
		exchanges.Add(1)
		<-release
		return "new-access", "new-refresh", time.Now().Add(time.Hour), nil
	}
	v, st := testVault(t, WithOAuthProvider("google", refresher))
	storeOAuthAccount(t, v, st, "user-a", "google", "stale", "refresh", time.Now().Add(time.Second))

	var wg sync.WaitGroup
	results := make([]string, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			token, err := v.AccessToken(context.Background(), "user-a", "google")
			require.NoError(t, err)
			results[i] = token
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	require.EqualValues(t, 1, exchanges.Load(), "concurrent refreshes must coalesce")
	for _, token := range results {
		require.Equal(t, "new-access", token)
	}
}

func TestRunLogsNeverContainSecrets(t *testing.T) {
	var buf strings.Builder
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	st, err := store.Open("sqlite://:memory:")
	require.NoError(t, err)
	defer st.Close()
	v, err := New(st, testKey(), logger)
	require.NoError(t, err)

	const secret = "sk-live-never-log-me"
	_, err = v.StoreCredential(context.Background(), "user-a", "", "openai", "k", models.CredentialTypeAPIKey, secret, nil)
	require.NoError(t, err)
	_, err = v.CredentialMap(context.Background(), "user-a", "")
	require.NoError(t, err)

	require.NotContains(t, buf.String(), secret)
}
