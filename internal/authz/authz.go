// Copyright 2026 The FlowMesh Authors
// SPDX-License-Identifier: Apache-2.0

// Package authz decides who may touch which workflows and credentials.
// Resources are owner-scoped; organization admins additionally reach
// everything inside their organization.
package authz

import (
	"fmt"

	"github.com/casbin/casbin/v2"
	casbinmodel "github.com/casbin/casbin/v2/model"
	gormadapter "github.com/casbin/gorm-adapter/v3"
	"gorm.io/gorm"
)

const orgAdminRole = "role:org-admin"

// rbacModel is a domain RBAC model: subjects hold roles per organization
// and policies grant object/action patterns within a domain.
const rbacModel = `
[request_definition]
r = sub, dom, obj, act

[policy_definition]
p = sub, dom, obj, act

[role_definition]
g = _, _, _

[policy_effect]
e = some(where (p.eft == allow))

[matchers]
m = g(r.sub, p.sub, r.dom) && keyMatch(r.dom, p.dom) && keyMatch(r.obj, p.obj) && keyMatch(r.act, p.act)
`

// Authorizer wraps the casbin enforcer with FlowMesh's two access rules.
type Authorizer struct {
	enforcer *casbin.Enforcer
}

// New builds an authorizer persisting policies in the application
// database.
func New(db *gorm.DB) (*Authorizer, error) {
	adapter, err := gormadapter.NewAdapterByDB(db)
	if err != nil {
		return nil, fmt.Errorf("building casbin adapter: %w", err)
	}
	m, err := casbinmodel.NewModelFromString(rbacModel)
	if err != nil {
		return nil, fmt.Errorf("parsing casbin model: %w", err)
	}
	enforcer, err := casbin.NewEnforcer(m, adapter)
	if err != nil {
		return nil, fmt.Errorf("building casbin enforcer: %w", err)
	}
	if err := enforcer.LoadPolicy(); err != nil {
		return nil, fmt.Errorf("loading policies: %w", err)
	}
	// One standing grant: the org-admin role reaches everything in its
	// own domain.
	if _, err := enforcer.AddPolicy(orgAdminRole, "*", "*", "*"); err != nil {
		return nil, err
	}
	return &Authorizer{enforcer: enforcer}, nil
}

// GrantOrgAdmin makes the user an admin of the organization.
func (a *Authorizer) GrantOrgAdmin(userID, orgID string) error {
	_, err := a.enforcer.AddRoleForUserInDomain(userID, orgAdminRole, orgID)
	return err
}

// RevokeOrgAdmin removes the user's admin role in the organization.
func (a *Authorizer) RevokeOrgAdmin(userID, orgID string) error {
	_, err := a.enforcer.DeleteRoleForUserInDomain(userID, orgAdminRole, orgID)
	return err
}

// IsOrgAdmin reports whether the user administers the organization.
func (a *Authorizer) IsOrgAdmin(userID, orgID string) bool {
	if orgID == "" {
		return false
	}
	ok, err := a.enforcer.Enforce(userID, orgID, "*", "admin")
	return err == nil && ok
}

// CanAccess applies the resource access rule: the owner always may; an
// org-scoped resource also admits the organization's admins.
func (a *Authorizer) CanAccess(userID, ownerID, orgID string) bool {
	if userID != "" && userID == ownerID {
		return true
	}
	return a.IsOrgAdmin(userID, orgID)
}
