// Copyright 2026 The FlowMesh Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flowmesh/flowmesh/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open("sqlite://:memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sampleWorkflow(id, userID string) *models.Workflow {
	return &models.Workflow{
		ID:      id,
		UserID:  userID,
		Version: "1.0",
		Name:    "uppercase",
		Status:  models.WorkflowStatusActive,
		Trigger: models.Trigger{Type: models.TriggerManual},
		Config: models.WorkflowConfig{
			Steps: []models.Step{
				{ID: "a", Module: "utilities.string.upper", Inputs: map[string]any{"text": "hi"}},
			},
		},
	}
}

func TestWorkflowRoundTrip(t *testing.T) {
	s := newTestStore(t)

	w := sampleWorkflow("wf-1", "user-1")
	w.Trigger = models.Trigger{
		Type:   models.TriggerCron,
		Config: models.TriggerConfig{Expression: "*/5 * * * *", Timezone: "UTC"},
	}
	w.Config.ReturnValue = "{{ steps.a }}"
	w.Metadata = &models.WorkflowMetadata{Category: "demo", Tags: []string{"x"}}
	require.NoError(t, s.CreateWorkflow(w))

	got, err := s.GetWorkflow("wf-1")
	require.NoError(t, err)
	require.Equal(t, w.Name, got.Name)
	require.Equal(t, w.Trigger, got.Trigger)
	require.Equal(t, w.Config, got.Config)
	require.Equal(t, w.Metadata, got.Metadata)

	_, err = s.GetWorkflow("nope")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestListWorkflowsScoping(t *testing.T) {
	s := newTestStore(t)

	personal := sampleWorkflow("wf-personal", "user-1")
	require.NoError(t, s.CreateWorkflow(personal))

	org := sampleWorkflow("wf-org", "user-1")
	org.OrganizationID = "org-1"
	require.NoError(t, s.CreateWorkflow(org))

	other := sampleWorkflow("wf-other", "user-2")
	require.NoError(t, s.CreateWorkflow(other))

	mine, total, err := s.ListWorkflows("user-1", "", 1, 50)
	require.NoError(t, err)
	require.EqualValues(t, 1, total)
	require.Equal(t, "wf-personal", mine[0].ID)

	orgList, _, err := s.ListWorkflows("user-1", "org-1", 1, 50)
	require.NoError(t, err)
	require.Len(t, orgList, 1)
	require.Equal(t, "wf-org", orgList[0].ID)
}

func TestWebhookLookup(t *testing.T) {
	s := newTestStore(t)

	w := sampleWorkflow("wf-hook", "user-1")
	w.Trigger = models.Trigger{
		Type:   models.TriggerWebhook,
		Config: models.TriggerConfig{Path: "incoming/orders", Secret: "shh"},
	}
	require.NoError(t, s.CreateWorkflow(w))

	paused := sampleWorkflow("wf-paused", "user-1")
	paused.Status = models.WorkflowStatusPaused
	paused.Trigger = w.Trigger
	require.NoError(t, s.CreateWorkflow(paused))

	found, err := s.FindWorkflowsByWebhookPath("incoming/orders")
	require.NoError(t, err)
	require.Len(t, found, 1)
	require.Equal(t, "wf-hook", found[0].ID)
}

func TestRunTerminalImmutable(t *testing.T) {
	s := newTestStore(t)

	run := &models.Run{
		ID:          "run-1",
		WorkflowID:  "wf-1",
		UserID:      "user-1",
		TriggeredBy: models.TriggerManual,
		Status:      models.RunStatusQueued,
	}
	require.NoError(t, s.CreateRun(run))

	started := time.Now().UTC()
	run.Status = models.RunStatusRunning
	run.StartedAt = &started
	require.NoError(t, s.UpdateRun(run))

	finished := time.Now().UTC()
	run.Status = models.RunStatusSuccess
	run.FinishedAt = &finished
	run.Output = "HI"
	require.NoError(t, s.UpdateRun(run))

	// Terminal state never transitions again.
	run.Status = models.RunStatusError
	err := s.UpdateRun(run)
	require.ErrorIs(t, err, ErrTerminalRun)

	got, err := s.GetRun("run-1")
	require.NoError(t, err)
	require.Equal(t, models.RunStatusSuccess, got.Status)
	require.Equal(t, "HI", got.Output)
}

func TestHasRunForTick(t *testing.T) {
	s := newTestStore(t)

	tick := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	run := &models.Run{
		ID:           "run-cron",
		WorkflowID:   "wf-1",
		UserID:       "user-1",
		TriggeredBy:  models.TriggerCron,
		ScheduledFor: &tick,
		Status:       models.RunStatusQueued,
	}
	require.NoError(t, s.CreateRun(run))

	exists, err := s.HasRunForTick("wf-1", tick)
	require.NoError(t, err)
	require.True(t, exists)

	exists, err = s.HasRunForTick("wf-1", tick.Add(time.Minute))
	require.NoError(t, err)
	require.False(t, exists)
}

func TestCredentialScopePreference(t *testing.T) {
	s := newTestStore(t)

	personal := &models.Credential{
		ID: "cred-personal", UserID: "user-1", Platform: "openai",
		Name: "personal", Type: models.CredentialTypeAPIKey, EncryptedValue: "enc-personal",
	}
	require.NoError(t, s.UpsertCredential(personal))

	orgScoped := &models.Credential{
		ID: "cred-org", UserID: "user-1", OrganizationID: "org-1", Platform: "openai",
		Name: "org", Type: models.CredentialTypeAPIKey, EncryptedValue: "enc-org",
	}
	require.NoError(t, s.UpsertCredential(orgScoped))

	got, err := s.GetCredential("user-1", "openai", "org-1")
	require.NoError(t, err)
	require.Equal(t, "enc-org", got.EncryptedValue)

	got, err = s.GetCredential("user-1", "openai", "")
	require.NoError(t, err)
	require.Equal(t, "enc-personal", got.EncryptedValue)

	// Org lookup falls back to the personal row when no org row exists.
	got, err = s.GetCredential("user-1", "openai", "org-2")
	require.NoError(t, err)
	require.Equal(t, "enc-personal", got.EncryptedValue)

	_, err = s.GetCredential("user-2", "openai", "")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestUpsertCredentialReplacesScope(t *testing.T) {
	s := newTestStore(t)

	first := &models.Credential{
		ID: "cred-1", UserID: "user-1", Platform: "github",
		Name: "old", Type: models.CredentialTypeToken, EncryptedValue: "enc-old",
	}
	require.NoError(t, s.UpsertCredential(first))

	second := &models.Credential{
		ID: "cred-2", UserID: "user-1", Platform: "github",
		Name: "new", Type: models.CredentialTypeToken, EncryptedValue: "enc-new",
	}
	require.NoError(t, s.UpsertCredential(second))
	// Upsert keeps the original row identity.
	require.Equal(t, "cred-1", second.ID)

	all, err := s.ListCredentials("user-1", "")
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Equal(t, "enc-new", all[0].EncryptedValue)
}

func TestStateVersioning(t *testing.T) {
	s := newTestStore(t)

	e1, err := s.SaveState("wf-1", "counter", float64(1), 0, false)
	require.NoError(t, err)
	require.Equal(t, 1, e1.Version)

	// Same value does not bump the version unless forced.
	e2, err := s.SaveState("wf-1", "counter", float64(1), 0, false)
	require.NoError(t, err)
	require.Equal(t, 1, e2.Version)

	e3, err := s.SaveState("wf-1", "counter", float64(1), 0, true)
	require.NoError(t, err)
	require.Equal(t, 2, e3.Version)

	e4, err := s.SaveState("wf-1", "counter", float64(2), 0, false)
	require.NoError(t, err)
	require.Equal(t, 3, e4.Version)

	got, err := s.LoadState("wf-1", "counter")
	require.NoError(t, err)
	require.Equal(t, float64(2), got.Value)
	require.Equal(t, 3, got.Version)
}

func TestStateVersionRetention(t *testing.T) {
	s := newTestStore(t)

	for i := 1; i <= 15; i++ {
		_, err := s.SaveState("wf-1", "k", float64(i), 0, false)
		require.NoError(t, err)
	}
	var count int64
	require.NoError(t, s.db.Model(&stateRecord{}).
		Where("workflow_id = ? AND key = ?", "wf-1", "k").Count(&count).Error)
	require.EqualValues(t, stateVersionsKept, count)
}

func TestStateTTL(t *testing.T) {
	s := newTestStore(t)

	_, err := s.SaveState("wf-1", "ephemeral", "v", -time.Second, false)
	require.NoError(t, err)

	_, err = s.LoadState("wf-1", "ephemeral")
	require.ErrorIs(t, err, ErrNotFound)

	removed, err := s.GCExpiredState()
	require.NoError(t, err)
	require.EqualValues(t, 1, removed)
}

func TestSwapOAuthTokensCAS(t *testing.T) {
	s := newTestStore(t)

	expires := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)
	acct := &models.OAuthAccount{
		UserID: "user-1", Provider: "google",
		AccessTokenEncrypted: "enc-a1", RefreshTokenEncrypted: "enc-r1",
		ExpiresAt: &expires,
	}
	require.NoError(t, s.UpsertOAuthAccount(acct))

	newExpires := expires.Add(time.Hour)
	refreshed := &models.OAuthAccount{
		UserID: "user-1", Provider: "google",
		AccessTokenEncrypted: "enc-a2", RefreshTokenEncrypted: "enc-r2",
		ExpiresAt: &newExpires,
	}
	require.NoError(t, s.SwapOAuthTokens(refreshed, &expires))

	// A second swap against the stale expiry loses the race.
	err := s.SwapOAuthTokens(refreshed, &expires)
	require.True(t, errors.Is(err, ErrConflict))
}
