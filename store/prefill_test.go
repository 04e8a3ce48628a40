package store

import (
	"context"
	"testing"
	"time"

	"github.com/cachewarden/cachewarden/types"
)

func testSession(id string) *types.PrefillSession {
	return &types.PrefillSession{
		SessionID:          id,
		CreatedBySessionID: "web-" + id,
		Service:            "steam",
		Status:             types.SessionActive,
		CreatedAt:          testInstant,
		ExpiresAt:          testInstant.Add(2 * time.Hour),
	}
}

func TestPrefillSessionLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	session := testSession("sess-1")
	if err := s.SavePrefillSession(ctx, session); err != nil {
		t.Fatalf("SavePrefillSession() error = %v", err)
	}

	got, err := s.GetPrefillSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("GetPrefillSession() error = %v", err)
	}
	if got == nil || got.Status != types.SessionActive {
		t.Fatalf("session = %+v", got)
	}

	// Save again with updated fields; the row is replaced, not duplicated.
	session.ContainerID = strPtr("abc123")
	session.SteamUsername = strPtr("gordon")
	session.IsAuthenticated = true
	if err := s.SavePrefillSession(ctx, session); err != nil {
		t.Fatalf("SavePrefillSession() update error = %v", err)
	}
	got, _ = s.GetPrefillSession(ctx, "sess-1")
	if got.ContainerID == nil || *got.ContainerID != "abc123" || !got.IsAuthenticated {
		t.Errorf("updated session = %+v", got)
	}
	if !got.CreatedAt.Equal(testInstant) {
		t.Errorf("CreatedAt = %v, want preserved %v", got.CreatedAt, testInstant)
	}

	endedAt := testInstant.Add(time.Hour)
	if err := s.TerminatePrefillSession(ctx, "sess-1", "user request", "sess-1", endedAt); err != nil {
		t.Fatalf("TerminatePrefillSession() error = %v", err)
	}
	got, _ = s.GetPrefillSession(ctx, "sess-1")
	if got.Status != types.SessionTerminated {
		t.Errorf("Status = %v, want Terminated", got.Status)
	}
	if got.IsAuthenticated || got.IsPrefilling {
		t.Error("auth/prefill flags survived termination")
	}
	if got.EndedAt == nil || !got.EndedAt.Equal(endedAt) {
		t.Errorf("EndedAt = %v, want %v", got.EndedAt, endedAt)
	}
	if got.TerminationReason == nil || *got.TerminationReason != "user request" {
		t.Errorf("TerminationReason = %v", got.TerminationReason)
	}
}

func TestGetPrefillSession_Missing(t *testing.T) {
	s := newTestStore(t)

	got, err := s.GetPrefillSession(context.Background(), "nope")
	if err != nil {
		t.Fatalf("GetPrefillSession() error = %v", err)
	}
	if got != nil {
		t.Errorf("session = %+v, want nil", got)
	}
}

func TestPrefillSessionsByStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		if err := s.SavePrefillSession(ctx, testSession(id)); err != nil {
			t.Fatalf("SavePrefillSession(%s) error = %v", id, err)
		}
	}
	if err := s.SetPrefillSessionStatus(ctx, "b", types.SessionOrphaned); err != nil {
		t.Fatalf("SetPrefillSessionStatus() error = %v", err)
	}

	active, err := s.PrefillSessionsByStatus(ctx, types.SessionActive)
	if err != nil {
		t.Fatalf("PrefillSessionsByStatus() error = %v", err)
	}
	if len(active) != 2 {
		t.Errorf("active = %d, want 2", len(active))
	}

	orphaned, _ := s.PrefillSessionsByStatus(ctx, types.SessionOrphaned)
	if len(orphaned) != 1 || orphaned[0].SessionID != "b" {
		t.Errorf("orphaned = %+v", orphaned)
	}

	if err := s.SetPrefillSessionStatus(ctx, "b", types.SessionCleaned); err != nil {
		t.Fatalf("SetPrefillSessionStatus() error = %v", err)
	}
	orphaned, _ = s.PrefillSessionsByStatus(ctx, types.SessionOrphaned)
	if len(orphaned) != 0 {
		t.Errorf("orphaned after clean = %+v", orphaned)
	}
}

func TestHistoryEntries(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	entry := &types.PrefillHistoryEntry{
		SessionID: "sess-1",
		AppID:     440,
		AppName:   strPtr("Team Fortress 2"),
		StartedAt: testInstant,
		Status:    types.HistoryInProgress,
	}
	id, err := s.StartHistoryEntry(ctx, entry)
	if err != nil {
		t.Fatalf("StartHistoryEntry() error = %v", err)
	}
	if id == 0 {
		t.Fatal("StartHistoryEntry() returned id 0")
	}

	// A fresh start for the same app supersedes the open entry.
	second, err := s.StartHistoryEntry(ctx, &types.PrefillHistoryEntry{
		SessionID: "sess-1",
		AppID:     440,
		StartedAt: testInstant.Add(time.Minute),
		Status:    types.HistoryInProgress,
	})
	if err != nil {
		t.Fatalf("second StartHistoryEntry() error = %v", err)
	}

	history, err := s.SessionHistory(ctx, "sess-1", 50)
	if err != nil {
		t.Fatalf("SessionHistory() error = %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("len(history) = %d, want 2", len(history))
	}
	byID := map[int64]types.PrefillHistoryEntry{}
	for _, h := range history {
		byID[h.ID] = h
	}
	if byID[id].Status != types.HistoryCancelled {
		t.Errorf("stale entry status = %v, want Cancelled", byID[id].Status)
	}
	if byID[second].Status != types.HistoryInProgress {
		t.Errorf("fresh entry status = %v, want InProgress", byID[second].Status)
	}

	completedAt := testInstant.Add(10 * time.Minute)
	if err := s.CompleteHistoryEntry(ctx, second, types.HistoryCompleted, 1_000_000, 1_000_000, nil, completedAt); err != nil {
		t.Fatalf("CompleteHistoryEntry() error = %v", err)
	}
	history, _ = s.SessionHistory(ctx, "sess-1", 50)
	for _, h := range history {
		if h.ID == second {
			if h.Status != types.HistoryCompleted || h.BytesDownloaded != 1_000_000 {
				t.Errorf("completed entry = %+v", h)
			}
			if h.CompletedAt == nil || !h.CompletedAt.Equal(completedAt) {
				t.Errorf("CompletedAt = %v, want %v", h.CompletedAt, completedAt)
			}
		}
	}
}

func TestCompleteOpenHistoryEntries(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, appID := range []uint32{440, 730} {
		_, err := s.StartHistoryEntry(ctx, &types.PrefillHistoryEntry{
			SessionID: "sess-1",
			AppID:     appID,
			StartedAt: testInstant,
			Status:    types.HistoryInProgress,
		})
		if err != nil {
			t.Fatalf("StartHistoryEntry() error = %v", err)
		}
	}

	if err := s.CompleteOpenHistoryEntries(ctx, "sess-1", types.HistoryCancelled, testInstant.Add(time.Hour)); err != nil {
		t.Fatalf("CompleteOpenHistoryEntries() error = %v", err)
	}

	history, _ := s.SessionHistory(ctx, "sess-1", 50)
	for _, h := range history {
		if h.Status != types.HistoryCancelled {
			t.Errorf("entry %d status = %v, want Cancelled", h.ID, h.Status)
		}
		if h.CompletedAt == nil {
			t.Errorf("entry %d has nil CompletedAt", h.ID)
		}
	}
}

func TestBans(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := testInstant

	if err := s.BanSteamUser(ctx, "  Alice  ", strPtr("chargeback"), nil); err != nil {
		t.Fatalf("BanSteamUser() error = %v", err)
	}

	// Lookup normalizes case and whitespace the same way.
	ban, err := s.ActiveBan(ctx, "ALICE", now)
	if err != nil {
		t.Fatalf("ActiveBan() error = %v", err)
	}
	if ban == nil {
		t.Fatal("ActiveBan() = nil, want ban")
	}
	if ban.Username != "alice" {
		t.Errorf("Username = %q, want alice", ban.Username)
	}
	if ban.Reason == nil || *ban.Reason != "chargeback" {
		t.Errorf("Reason = %v", ban.Reason)
	}

	if err := s.LiftBan(ctx, "alice"); err != nil {
		t.Fatalf("LiftBan() error = %v", err)
	}
	if ban, _ := s.ActiveBan(ctx, "alice", now); ban != nil {
		t.Errorf("ActiveBan() after lift = %+v, want nil", ban)
	}
}

func TestBans_Expiry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	expiresAt := testInstant.Add(time.Hour)
	if err := s.BanSteamUser(ctx, "bob", nil, timePtr(expiresAt)); err != nil {
		t.Fatalf("BanSteamUser() error = %v", err)
	}

	if ban, _ := s.ActiveBan(ctx, "bob", testInstant); ban == nil {
		t.Error("ban inactive before expiry")
	}
	if ban, _ := s.ActiveBan(ctx, "bob", expiresAt); ban != nil {
		t.Error("ban active at expiry instant")
	}
}

func TestBans_SingleActivePerUsername(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.BanSteamUser(ctx, "carol", strPtr("first"), nil); err != nil {
		t.Fatalf("BanSteamUser() error = %v", err)
	}
	if err := s.BanSteamUser(ctx, "carol", strPtr("second"), nil); err != nil {
		t.Fatalf("BanSteamUser() error = %v", err)
	}

	all, err := s.ListBans(ctx)
	if err != nil {
		t.Fatalf("ListBans() error = %v", err)
	}
	active := 0
	for _, b := range all {
		if b.Username == "carol" && !b.IsLifted {
			active++
		}
	}
	if active != 1 {
		t.Errorf("active bans = %d, want 1", active)
	}

	ban, _ := s.ActiveBan(ctx, "carol", testInstant)
	if ban == nil || ban.Reason == nil || *ban.Reason != "second" {
		t.Errorf("ActiveBan() = %+v, want the newest ban", ban)
	}
}
