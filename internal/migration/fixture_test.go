package migration

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hitoshi/sessionbridge/internal/model"
	"github.com/hitoshi/sessionbridge/internal/repository"
)

// --- テスト用フィクスチャ ---

var fixtureTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	store     *repository.MemoryStore
	sessions  repository.SessionRepository
	resources repository.ResourceRepository
	users     repository.UserRepository
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := repository.NewMemoryStore()
	f := &fixture{
		store:     store,
		sessions:  store.Sessions(),
		resources: store.Resources(),
		users:     store.Users(),
	}
	for _, id := range []string{"u1", "u2", "u9"} {
		f.addUser(t, id)
	}
	return f
}

func (f *fixture) addUser(t *testing.T, id string) {
	t.Helper()
	err := f.users.Create(context.Background(), &model.User{
		ID:        id,
		Email:     id + "@example.com",
		Name:      id,
		CreatedAt: fixtureTime,
		UpdatedAt: fixtureTime,
	})
	if err != nil {
		t.Fatalf("ユーザーの作成に失敗: %v", err)
	}
}

// addSession はセッションを作成し、各リソースを指定所有者で作成してリンクする。
func (f *fixture) addSession(t *testing.T, id string, owned ...ownedRef) {
	t.Helper()
	ctx := context.Background()
	err := f.sessions.Create(ctx, &model.AnonymousSession{
		ID:           id,
		CreatedAt:    fixtureTime,
		LastActiveAt: fixtureTime,
	})
	if err != nil {
		t.Fatalf("セッションの作成に失敗: %v", err)
	}
	for _, o := range owned {
		existing, err := f.resources.FindByRef(ctx, o.ref)
		if err != nil {
			t.Fatalf("リソースの取得に失敗: %v", err)
		}
		if existing == nil && o.owner != "" {
			err := f.resources.Create(ctx, &model.Resource{
				Ref:       o.ref,
				OwnerID:   o.owner,
				CreatedAt: fixtureTime,
				UpdatedAt: fixtureTime,
			})
			if err != nil {
				t.Fatalf("リソースの作成に失敗: %v", err)
			}
		}
		linked, err := f.sessions.LinkResource(ctx, id, o.ref)
		if err != nil || !linked {
			t.Fatalf("リソースのリンクに失敗: linked=%v err=%v", linked, err)
		}
	}
}

func (f *fixture) ownerOf(t *testing.T, ref model.ResourceRef) string {
	t.Helper()
	r, err := f.resources.FindByRef(context.Background(), ref)
	if err != nil {
		t.Fatalf("リソースの取得に失敗: %v", err)
	}
	if r == nil {
		return ""
	}
	return r.OwnerID
}

func (f *fixture) statusOf(t *testing.T, sessionID string) model.SessionStatus {
	t.Helper()
	s, err := f.sessions.FindByID(context.Background(), sessionID)
	if err != nil || s == nil {
		t.Fatalf("セッションの取得に失敗: session=%v err=%v", s, err)
	}
	return s.Status
}

// ownedRef はリソース参照と初期所有者の組。ownerが空の場合はリソースを作成しない。
type ownedRef struct {
	ref   model.ResourceRef
	owner string
}

func owned(t model.ResourceType, id, owner string) ownedRef {
	return ownedRef{ref: model.ResourceRef{Type: t, ID: id}, owner: owner}
}

func testPlannerConfig() PlannerConfig {
	cfg := DefaultPlannerConfig()
	cfg.StoreTimeout = time.Second
	return cfg
}

// --- モック ---

// faultySessions はSessionRepositoryの一部メソッドを差し替えるラッパー。
type faultySessions struct {
	repository.SessionRepository
	claimFn    func(ctx context.Context, req repository.ClaimRequest) (bool, error)
	completeFn func(ctx context.Context, res *model.MigrationResult) (bool, error)
}

func (m *faultySessions) Claim(ctx context.Context, req repository.ClaimRequest) (bool, error) {
	if m.claimFn != nil {
		return m.claimFn(ctx, req)
	}
	return m.SessionRepository.Claim(ctx, req)
}

func (m *faultySessions) Complete(ctx context.Context, res *model.MigrationResult) (bool, error) {
	if m.completeFn != nil {
		return m.completeFn(ctx, res)
	}
	return m.SessionRepository.Complete(ctx, res)
}

// countingResources はTransferOwnerの呼び出しを数え、任意で失敗させるラッパー。
type countingResources struct {
	repository.ResourceRepository
	transfers  atomic.Int64
	transferFn func(ctx context.Context, ref model.ResourceRef, from, to string) (bool, error)
}

func (m *countingResources) TransferOwner(ctx context.Context, ref model.ResourceRef, from, to string) (bool, error) {
	m.transfers.Add(1)
	if m.transferFn != nil {
		return m.transferFn(ctx, ref, from, to)
	}
	return m.ResourceRepository.TransferOwner(ctx, ref, from, to)
}

func assertKind(t *testing.T, err error, want model.ErrorKind) {
	t.Helper()
	if err == nil {
		t.Fatalf("エラー種別 %s を期待したがエラーなし", want)
	}
	if got := model.KindOf(err); got != want {
		t.Fatalf("エラー種別: got %q, want %q (err=%v)", got, want, err)
	}
}
