package repository

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hitoshi/sessionbridge/internal/model"
)

func seedSession(t *testing.T, store *MemoryStore, id string, refs ...model.ResourceRef) {
	t.Helper()
	ctx := context.Background()
	now := time.Now()
	if err := store.Sessions().Create(ctx, &model.AnonymousSession{ID: id, CreatedAt: now, LastActiveAt: now}); err != nil {
		t.Fatalf("Create session: %v", err)
	}
	for _, ref := range refs {
		ok, err := store.Sessions().LinkResource(ctx, id, ref)
		if err != nil || !ok {
			t.Fatalf("LinkResource(%s) = %v, %v", ref, ok, err)
		}
	}
}

func TestMemoryStore_ImplementsInterfaces(t *testing.T) {
	store := NewMemoryStore()
	var _ SessionRepository = store.Sessions()
	var _ ResourceRepository = store.Resources()
	var _ UserRepository = store.Users()
}

// TestMemoryStore_Claim_OnlyOneConcurrentWinner は同時Claimで1件のみ成功することを検証する。
func TestMemoryStore_Claim_OnlyOneConcurrentWinner(t *testing.T) {
	store := NewMemoryStore()
	seedSession(t, store, "s1")

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := store.Sessions().Claim(context.Background(), ClaimRequest{
				SessionID: "s1", UserID: "u1", Now: time.Now(),
			})
			if err != nil {
				t.Errorf("Claim returned error: %v", err)
			}
			if ok {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("winning claims = %d, want 1", wins)
	}
	s, _ := store.Sessions().FindByID(context.Background(), "s1")
	if s.Status != model.SessionStatusMigrating {
		t.Errorf("status = %q, want %q", s.Status, model.SessionStatusMigrating)
	}
	if s.MigrationAttempts != 1 {
		t.Errorf("MigrationAttempts = %d, want 1", s.MigrationAttempts)
	}
}

// TestMemoryStore_Claim_Resume はステールな確保のみ同一ユーザーが再確保できることを検証する。
func TestMemoryStore_Claim_Resume(t *testing.T) {
	store := NewMemoryStore()
	seedSession(t, store, "s1")
	ctx := context.Background()
	claimedAt := time.Now().Add(-time.Minute)

	if ok, _ := store.Sessions().Claim(ctx, ClaimRequest{SessionID: "s1", UserID: "u1", Now: claimedAt}); !ok {
		t.Fatal("first claim should succeed")
	}

	tests := []struct {
		name string
		req  ClaimRequest
		want bool
	}{
		{"resume disabled", ClaimRequest{SessionID: "s1", UserID: "u1", Now: time.Now(), StaleBefore: time.Now(), MaxAttempts: 3}, false},
		{"other user", ClaimRequest{SessionID: "s1", UserID: "u2", Now: time.Now(), AllowResume: true, StaleBefore: time.Now(), MaxAttempts: 3}, false},
		{"lease not expired", ClaimRequest{SessionID: "s1", UserID: "u1", Now: time.Now(), AllowResume: true, StaleBefore: claimedAt.Add(-time.Second), MaxAttempts: 3}, false},
		{"attempts exhausted", ClaimRequest{SessionID: "s1", UserID: "u1", Now: time.Now(), AllowResume: true, StaleBefore: time.Now(), MaxAttempts: 1}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := store.Sessions().Claim(ctx, tt.req)
			if err != nil {
				t.Fatalf("Claim returned error: %v", err)
			}
			if got != tt.want {
				t.Errorf("Claim = %v, want %v", got, tt.want)
			}
		})
	}

	ok, err := store.Sessions().Claim(ctx, ClaimRequest{
		SessionID: "s1", UserID: "u1", Now: time.Now(), AllowResume: true, StaleBefore: time.Now(), MaxAttempts: 3,
	})
	if err != nil || !ok {
		t.Fatalf("stale resume = %v, %v; want true", ok, err)
	}
	s, _ := store.Sessions().FindByID(ctx, "s1")
	if s.MigrationAttempts != 2 {
		t.Errorf("MigrationAttempts = %d, want 2", s.MigrationAttempts)
	}
}

// TestMemoryStore_LinkResource_FrozenAfterClaim は確保後にリソースを追記できないことを検証する。
func TestMemoryStore_LinkResource_FrozenAfterClaim(t *testing.T) {
	store := NewMemoryStore()
	ref := model.ResourceRef{Type: model.ResourceTypeFile, ID: "f1"}
	seedSession(t, store, "s1", ref, ref)
	ctx := context.Background()

	s, _ := store.Sessions().FindByID(ctx, "s1")
	if len(s.LinkedResources) != 1 {
		t.Errorf("duplicate link should be ignored, got %d refs", len(s.LinkedResources))
	}

	store.Sessions().Claim(ctx, ClaimRequest{SessionID: "s1", UserID: "u1", Now: time.Now()})

	ok, err := store.Sessions().LinkResource(ctx, "s1", model.ResourceRef{Type: model.ResourceTypeGeneration, ID: "g1"})
	if err != nil {
		t.Fatalf("LinkResource returned error: %v", err)
	}
	if ok {
		t.Error("LinkResource on migrating session should return false")
	}
}

// TestMemoryStore_TransferOwner_Conditional は所有者が一致する場合のみ移転することを検証する。
func TestMemoryStore_TransferOwner_Conditional(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	ref := model.ResourceRef{Type: model.ResourceTypeFile, ID: "f1"}
	store.Resources().Create(ctx, &model.Resource{Ref: ref, OwnerID: "s1"})

	ok, err := store.Resources().TransferOwner(ctx, ref, "s-other", "u1")
	if err != nil || ok {
		t.Fatalf("TransferOwner with wrong owner = %v, %v; want false", ok, err)
	}
	ok, err = store.Resources().TransferOwner(ctx, ref, "s1", "u1")
	if err != nil || !ok {
		t.Fatalf("TransferOwner = %v, %v; want true", ok, err)
	}
	ok, _ = store.Resources().TransferOwner(ctx, ref, "s1", "u1")
	if ok {
		t.Error("second TransferOwner should be a no-op")
	}

	r, _ := store.Resources().FindByRef(ctx, ref)
	if r == nil || r.OwnerID != "u1" {
		t.Errorf("owner = %+v, want u1", r)
	}
}

// TestMemoryStore_CompleteAndRelease は完了と解放の状態遷移を検証する。
func TestMemoryStore_CompleteAndRelease(t *testing.T) {
	store := NewMemoryStore()
	seedSession(t, store, "s1")
	ctx := context.Background()

	res := &model.MigrationResult{SessionID: "s1", UserID: "u1", MigratedCount: 1, Timestamp: time.Now()}
	if ok, _ := store.Sessions().Complete(ctx, res); ok {
		t.Fatal("Complete on active session should fail")
	}

	store.Sessions().Claim(ctx, ClaimRequest{SessionID: "s1", UserID: "u1", Now: time.Now()})
	if ok, _ := store.Sessions().Complete(ctx, &model.MigrationResult{SessionID: "s1", UserID: "u2"}); ok {
		t.Fatal("Complete by a different user should fail")
	}
	if ok, _ := store.Sessions().Release(ctx, "s1", time.Now().Add(time.Minute)); !ok {
		t.Fatal("Release on stale migrating session should succeed")
	}

	store.Sessions().Claim(ctx, ClaimRequest{SessionID: "s1", UserID: "u1", Now: time.Now()})
	if ok, _ := store.Sessions().Complete(ctx, res); !ok {
		t.Fatal("Complete should succeed")
	}
	if ok, _ := store.Sessions().Release(ctx, "s1", time.Now().Add(time.Minute)); ok {
		t.Error("Release on migrated session should fail")
	}

	stored, err := store.Sessions().FindResult(ctx, "s1")
	if err != nil || stored == nil {
		t.Fatalf("FindResult = %v, %v", stored, err)
	}
	if stored.MigratedCount != 1 {
		t.Errorf("MigratedCount = %d, want 1", stored.MigratedCount)
	}
}

func TestMemoryStore_ListSummaries(t *testing.T) {
	store := NewMemoryStore()
	seedSession(t, store, "s1", model.ResourceRef{Type: model.ResourceTypeFile, ID: "f1"})
	seedSession(t, store, "s2")

	summaries, err := store.Sessions().ListSummaries(context.Background())
	if err != nil {
		t.Fatalf("ListSummaries returned error: %v", err)
	}
	if len(summaries) != 2 {
		t.Fatalf("len(summaries) = %d, want 2", len(summaries))
	}
	total := 0
	for _, s := range summaries {
		total += s.ResourceCount
	}
	if total != 1 {
		t.Errorf("total ResourceCount = %d, want 1", total)
	}
}

// TestMemoryStore_Release_KeepsLiveClaim は期限内の確保を解放しないことを検証する。
func TestMemoryStore_Release_KeepsLiveClaim(t *testing.T) {
	store := NewMemoryStore()
	seedSession(t, store, "s1")
	ctx := context.Background()
	claimedAt := time.Now()

	store.Sessions().Claim(ctx, ClaimRequest{SessionID: "s1", UserID: "u1", Now: claimedAt})

	if ok, _ := store.Sessions().Release(ctx, "s1", claimedAt.Add(-time.Second)); ok {
		t.Fatal("Release of a live claim should fail")
	}
	s, _ := store.Sessions().FindByID(ctx, "s1")
	if s.Status != model.SessionStatusMigrating || s.MigrationUserID != "u1" {
		t.Errorf("session = %+v, want migrating by u1", s)
	}

	if ok, _ := store.Sessions().Release(ctx, "s1", claimedAt.Add(time.Second)); !ok {
		t.Fatal("Release of a stale claim should succeed")
	}
	s, _ = store.Sessions().FindByID(ctx, "s1")
	if s.Status != model.SessionStatusActive || s.MigrationUserID != "" || s.ClaimedAt != nil {
		t.Errorf("session = %+v, want released", s)
	}
	if s.MigrationAttempts != 1 {
		t.Errorf("MigrationAttempts = %d, want 1", s.MigrationAttempts)
	}
}

// TestMemoryStore_Touch はlast_active_atの更新を検証する。
func TestMemoryStore_Touch(t *testing.T) {
	store := NewMemoryStore()
	seedSession(t, store, "s1")
	ctx := context.Background()
	at := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

	if err := store.Sessions().Touch(ctx, "s1", at); err != nil {
		t.Fatalf("Touch returned error: %v", err)
	}
	s, _ := store.Sessions().FindByID(ctx, "s1")
	if !s.LastActiveAt.Equal(at) {
		t.Errorf("LastActiveAt = %v, want %v", s.LastActiveAt, at)
	}

	if err := store.Sessions().Touch(ctx, "missing", at); err != nil {
		t.Errorf("Touch on missing session returned error: %v", err)
	}
}
