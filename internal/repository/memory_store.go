package repository

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hitoshi/sessionbridge/internal/model"
)

// MemoryStore はプロセス内メモリで動作するストア。
// STORAGE_BACKEND=memory でのローカル起動とテストで使用する。
// 全ての条件付き書き込みは単一のロック区間内で判定と更新を行う。
type MemoryStore struct {
	mu        sync.RWMutex
	sessions  map[string]*model.AnonymousSession
	resources map[model.ResourceRef]*model.Resource
	users     map[string]*model.User
	results   map[string]*model.MigrationResult
}

// NewMemoryStore は空のMemoryStoreを生成する。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:  make(map[string]*model.AnonymousSession),
		resources: make(map[model.ResourceRef]*model.Resource),
		users:     make(map[string]*model.User),
		results:   make(map[string]*model.MigrationResult),
	}
}

// Sessions はSessionRepositoryとしてのビューを返す。
func (s *MemoryStore) Sessions() SessionRepository { return memorySessions{s} }

// Resources はResourceRepositoryとしてのビューを返す。
func (s *MemoryStore) Resources() ResourceRepository { return memoryResources{s} }

// Users はUserRepositoryとしてのビューを返す。
func (s *MemoryStore) Users() UserRepository { return memoryUsers{s} }

func copySession(in *model.AnonymousSession) *model.AnonymousSession {
	out := *in
	out.LinkedResources = append([]model.ResourceRef(nil), in.LinkedResources...)
	if in.ClaimedAt != nil {
		t := *in.ClaimedAt
		out.ClaimedAt = &t
	}
	return &out
}

func copyResult(in *model.MigrationResult) *model.MigrationResult {
	out := *in
	out.Conflicts = append([]model.Conflict(nil), in.Conflicts...)
	return &out
}

type memorySessions struct{ s *MemoryStore }

func (m memorySessions) Create(ctx context.Context, session *model.AnonymousSession) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	if _, ok := m.s.sessions[session.ID]; ok {
		return fmt.Errorf("failed to create session: duplicate id %s", session.ID)
	}
	session.Status = model.SessionStatusActive
	m.s.sessions[session.ID] = copySession(session)
	return nil
}

func (m memorySessions) FindByID(ctx context.Context, id string) (*model.AnonymousSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()

	session, ok := m.s.sessions[id]
	if !ok {
		return nil, nil
	}
	return copySession(session), nil
}

func (m memorySessions) LinkResource(ctx context.Context, sessionID string, ref model.ResourceRef) (bool, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	session, ok := m.s.sessions[sessionID]
	if !ok || session.Status != model.SessionStatusActive {
		return false, nil
	}
	for _, linked := range session.LinkedResources {
		if linked == ref {
			return true, nil
		}
	}
	session.LinkedResources = append(session.LinkedResources, ref)
	return true, nil
}

func (m memorySessions) Touch(ctx context.Context, sessionID string, at time.Time) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	if session, ok := m.s.sessions[sessionID]; ok {
		session.LastActiveAt = at
	}
	return nil
}

func (m memorySessions) Claim(ctx context.Context, req ClaimRequest) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, fmt.Errorf("failed to claim session: %w", err)
	}
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	session, ok := m.s.sessions[req.SessionID]
	if !ok {
		return false, nil
	}

	claimable := session.Status == model.SessionStatusActive
	if !claimable && req.AllowResume && session.Status == model.SessionStatusMigrating {
		claimable = session.MigrationUserID == req.UserID &&
			session.ClaimedAt != nil && session.ClaimedAt.Before(req.StaleBefore) &&
			session.MigrationAttempts < req.MaxAttempts
	}
	if !claimable {
		return false, nil
	}

	now := req.Now
	session.Status = model.SessionStatusMigrating
	session.MigrationUserID = req.UserID
	session.MigrationAttempts++
	session.ClaimedAt = &now
	return true, nil
}

func (m memorySessions) Complete(ctx context.Context, res *model.MigrationResult) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, fmt.Errorf("failed to mark session migrated: %w", err)
	}
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	session, ok := m.s.sessions[res.SessionID]
	if !ok || session.Status != model.SessionStatusMigrating || session.MigrationUserID != res.UserID {
		return false, nil
	}
	session.Status = model.SessionStatusMigrated
	m.s.results[res.SessionID] = copyResult(res)
	return true, nil
}

func (m memorySessions) Release(ctx context.Context, sessionID string, staleBefore time.Time) (bool, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	session, ok := m.s.sessions[sessionID]
	if !ok || session.Status != model.SessionStatusMigrating {
		return false, nil
	}
	if session.ClaimedAt != nil && !session.ClaimedAt.Before(staleBefore) {
		return false, nil
	}
	session.Status = model.SessionStatusActive
	session.MigrationUserID = ""
	session.ClaimedAt = nil
	return true, nil
}

func (m memorySessions) FindResult(ctx context.Context, sessionID string) (*model.MigrationResult, error) {
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()

	res, ok := m.s.results[sessionID]
	if !ok {
		return nil, nil
	}
	return copyResult(res), nil
}

func (m memorySessions) ListSummaries(ctx context.Context) ([]model.SessionSummary, error) {
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()

	summaries := make([]model.SessionSummary, 0, len(m.s.sessions))
	for _, session := range m.s.sessions {
		summaries = append(summaries, model.SessionSummary{
			ID:            session.ID,
			Status:        session.Status,
			CreatedAt:     session.CreatedAt,
			ResourceCount: len(session.LinkedResources),
		})
	}
	return summaries, nil
}

// SetStatus はテストや外部の期限切れ処理を模すため、セッションの状態を直接書き換える。
func (s *MemoryStore) SetStatus(sessionID string, status model.SessionStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if session, ok := s.sessions[sessionID]; ok {
		session.Status = status
	}
}

type memoryResources struct{ s *MemoryStore }

func (m memoryResources) Create(ctx context.Context, resource *model.Resource) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	if _, ok := m.s.resources[resource.Ref]; ok {
		return fmt.Errorf("failed to create resource: duplicate key %s", resource.Ref)
	}
	r := *resource
	m.s.resources[resource.Ref] = &r
	return nil
}

func (m memoryResources) FindByRef(ctx context.Context, ref model.ResourceRef) (*model.Resource, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("failed to find resource: %w", err)
	}
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()

	r, ok := m.s.resources[ref]
	if !ok {
		return nil, nil
	}
	out := *r
	return &out, nil
}

func (m memoryResources) TransferOwner(ctx context.Context, ref model.ResourceRef, fromOwner, toOwner string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, fmt.Errorf("failed to transfer resource owner: %w", err)
	}
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	r, ok := m.s.resources[ref]
	if !ok || r.OwnerID != fromOwner {
		return false, nil
	}
	r.OwnerID = toOwner
	r.UpdatedAt = time.Now()
	return true, nil
}

type memoryUsers struct{ s *MemoryStore }

func (m memoryUsers) FindByID(ctx context.Context, id string) (*model.User, error) {
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()

	u, ok := m.s.users[id]
	if !ok {
		return nil, nil
	}
	out := *u
	return &out, nil
}

func (m memoryUsers) Create(ctx context.Context, user *model.User) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	if _, ok := m.s.users[user.ID]; ok {
		return fmt.Errorf("failed to insert user: duplicate id %s", user.ID)
	}
	u := *user
	m.s.users[user.ID] = &u
	return nil
}

// compile-time interface check
var (
	_ SessionRepository  = memorySessions{}
	_ ResourceRepository = memoryResources{}
	_ UserRepository     = memoryUsers{}
)
