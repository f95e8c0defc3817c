// Copyright 2026 The FlowMesh Authors
// SPDX-License-Identifier: Apache-2.0

package authz

import (
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func testAuthorizer(t *testing.T) *Authorizer {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	a, err := New(db)
	require.NoError(t, err)
	return a
}

func TestOwnerAlwaysAllowed(t *testing.T) {
	a := testAuthorizer(t)
	require.True(t, a.CanAccess("user-a", "user-a", ""))
	require.True(t, a.CanAccess("user-a", "user-a", "org-1"))
}

func TestStrangerDenied(t *testing.T) {
	a := testAuthorizer(t)
	require.False(t, a.CanAccess("user-b", "user-a", ""))
	require.False(t, a.CanAccess("user-b", "user-a", "org-1"))
	require.False(t, a.CanAccess("", "user-a", ""))
}

func TestOrgAdminReachesOrgResources(t *testing.T) {
	a := testAuthorizer(t)
	require.NoError(t, a.GrantOrgAdmin("admin-1", "org-1"))

	require.True(t, a.IsOrgAdmin("admin-1", "org-1"))
	require.True(t, a.CanAccess("admin-1", "user-a", "org-1"))

	// A personal resource stays out of reach even for an org admin.
	require.False(t, a.CanAccess("admin-1", "user-a", ""))
	// Admin of another organization is still a stranger.
	require.False(t, a.CanAccess("admin-1", "user-a", "org-2"))
}

func TestRevokeOrgAdmin(t *testing.T) {
	a := testAuthorizer(t)
	require.NoError(t, a.GrantOrgAdmin("admin-1", "org-1"))
	require.True(t, a.IsOrgAdmin("admin-1", "org-1"))

	require.NoError(t, a.RevokeOrgAdmin("admin-1", "org-1"))
	require.False(t, a.IsOrgAdmin("admin-1", "org-1"))
}
