package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hitoshi/sessionbridge/internal/model"
)

// PostgresSessionRepo はPostgreSQLを使用した匿名セッションリポジトリ。
type PostgresSessionRepo struct {
	db *sql.DB
}

// NewPostgresSessionRepo はPostgresSessionRepoを生成する。
func NewPostgresSessionRepo(db *sql.DB) *PostgresSessionRepo {
	return &PostgresSessionRepo{db: db}
}

// Create はActive状態のセッションを作成する。
func (r *PostgresSessionRepo) Create(ctx context.Context, session *model.AnonymousSession) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO anonymous_sessions (id, status, created_at, last_active_at)
		 VALUES ($1, $2, $3, $4)`,
		session.ID, string(model.SessionStatusActive), session.CreatedAt, session.LastActiveAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	session.Status = model.SessionStatusActive
	return nil
}

// FindByID は指定IDのセッションをlinked resources付きで取得する。見つからない場合はnilを返す。
func (r *PostgresSessionRepo) FindByID(ctx context.Context, id string) (*model.AnonymousSession, error) {
	session := &model.AnonymousSession{}
	var (
		status          string
		migrationUserID sql.NullString
		claimedAt       sql.NullTime
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT id, status, created_at, last_active_at, migration_user_id, migration_attempts, claimed_at
		 FROM anonymous_sessions
		 WHERE id = $1`,
		id,
	).Scan(&session.ID, &status, &session.CreatedAt, &session.LastActiveAt,
		&migrationUserID, &session.MigrationAttempts, &claimedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}

	session.Status = model.SessionStatus(status)
	session.MigrationUserID = migrationUserID.String
	if claimedAt.Valid {
		t := claimedAt.Time
		session.ClaimedAt = &t
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT resource_type, resource_id
		 FROM session_resources
		 WHERE session_id = $1
		 ORDER BY seq`,
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list session resources: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var resourceType, resourceID string
		if err := rows.Scan(&resourceType, &resourceID); err != nil {
			return nil, fmt.Errorf("failed to scan session resource: %w", err)
		}
		session.LinkedResources = append(session.LinkedResources, model.ResourceRef{
			Type: model.ResourceType(resourceType),
			ID:   resourceID,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate session resources: %w", err)
	}

	return session, nil
}

// LinkResource はセッションにリソース参照を追記する。
// セッション行をFOR SHAREでロックするため、同時に走るClaimとは直列化される。
// 既に同じ参照が追記済みの場合は何もせずtrueを返す。
func (r *PostgresSessionRepo) LinkResource(ctx context.Context, sessionID string, ref model.ResourceRef) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var status string
	err = tx.QueryRowContext(ctx,
		`SELECT status FROM anonymous_sessions WHERE id = $1 FOR SHARE`,
		sessionID,
	).Scan(&status)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to lock session: %w", err)
	}
	if model.SessionStatus(status) != model.SessionStatusActive {
		return false, nil
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO session_resources (session_id, resource_type, resource_id, linked_at)
		 VALUES ($1, $2, $3, now())
		 ON CONFLICT (session_id, resource_type, resource_id) DO NOTHING`,
		sessionID, string(ref.Type), ref.ID,
	)
	if err != nil {
		return false, fmt.Errorf("failed to link resource: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return true, nil
}

// Touch はlast_active_atを更新する。
func (r *PostgresSessionRepo) Touch(ctx context.Context, sessionID string, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE anonymous_sessions SET last_active_at = $2 WHERE id = $1`,
		sessionID, at,
	)
	if err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}
	return nil
}

// Claim はセッションをMigratingへ遷移させる。
// 状態の確認と書き込みを単一のUPDATE文で行うため、同時に呼ばれても成功するのは1件のみ。
func (r *PostgresSessionRepo) Claim(ctx context.Context, req ClaimRequest) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE anonymous_sessions
		 SET status = 'migrating',
		     migration_user_id = $2,
		     migration_attempts = migration_attempts + 1,
		     claimed_at = $3
		 WHERE id = $1
		   AND (
		     status = 'active'
		     OR ($4 AND status = 'migrating'
		         AND migration_user_id = $2
		         AND claimed_at < $5
		         AND migration_attempts < $6)
		   )`,
		req.SessionID, req.UserID, req.Now, req.AllowResume, req.StaleBefore, req.MaxAttempts,
	)
	if err != nil {
		return false, fmt.Errorf("failed to claim session: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rowsAffected == 1, nil
}

// conflictRecord はmigration_results.conflictsに保存するJSON表現。
type conflictRecord struct {
	ResourceType string `json:"resourceType"`
	ResourceID   string `json:"resourceId"`
	Reason       string `json:"reason"`
}

// Complete はMigrating→Migratedの遷移と結果の保存を同一トランザクションで行う。
func (r *PostgresSessionRepo) Complete(ctx context.Context, res *model.MigrationResult) (bool, error) {
	records := make([]conflictRecord, len(res.Conflicts))
	for i, c := range res.Conflicts {
		records[i] = conflictRecord{
			ResourceType: string(c.Ref.Type),
			ResourceID:   c.Ref.ID,
			Reason:       c.Reason,
		}
	}
	conflictsJSON, err := json.Marshal(records)
	if err != nil {
		return false, fmt.Errorf("failed to encode conflicts: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx,
		`UPDATE anonymous_sessions
		 SET status = 'migrated', migrated_at = $3
		 WHERE id = $1 AND status = 'migrating' AND migration_user_id = $2`,
		res.SessionID, res.UserID, res.Timestamp,
	)
	if err != nil {
		return false, fmt.Errorf("failed to mark session migrated: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return false, nil
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO migration_results
		   (id, session_id, user_id, user_email, migrated_count, skipped_count, conflicts, attempt, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		res.ID, res.SessionID, res.UserID, res.UserEmail,
		res.MigratedCount, res.SkippedCount, conflictsJSON, res.Attempt, res.Timestamp,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert migration result: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return true, nil
}

// Release はstaleBeforeより前に確保されたMigrating状態のセッションをActiveへ戻す。
// 期限内の確保は実行中の移行が所有しているため解放しない。
// migration_attemptsは監査のため保持する。
func (r *PostgresSessionRepo) Release(ctx context.Context, sessionID string, staleBefore time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE anonymous_sessions
		 SET status = 'active', migration_user_id = NULL, claimed_at = NULL
		 WHERE id = $1 AND status = 'migrating'
		   AND (claimed_at IS NULL OR claimed_at < $2)`,
		sessionID, staleBefore,
	)
	if err != nil {
		return false, fmt.Errorf("failed to release session: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rowsAffected == 1, nil
}

// FindResult は保存済みの移行結果を取得する。見つからない場合はnilを返す。
func (r *PostgresSessionRepo) FindResult(ctx context.Context, sessionID string) (*model.MigrationResult, error) {
	res := &model.MigrationResult{}
	var conflictsJSON []byte
	err := r.db.QueryRowContext(ctx,
		`SELECT id, session_id, user_id, user_email, migrated_count, skipped_count, conflicts, attempt, created_at
		 FROM migration_results
		 WHERE session_id = $1`,
		sessionID,
	).Scan(&res.ID, &res.SessionID, &res.UserID, &res.UserEmail,
		&res.MigratedCount, &res.SkippedCount, &conflictsJSON, &res.Attempt, &res.Timestamp)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find migration result: %w", err)
	}

	var records []conflictRecord
	if err := json.Unmarshal(conflictsJSON, &records); err != nil {
		return nil, fmt.Errorf("failed to decode conflicts: %w", err)
	}
	for _, rec := range records {
		res.Conflicts = append(res.Conflicts, model.Conflict{
			Ref:    model.ResourceRef{Type: model.ResourceType(rec.ResourceType), ID: rec.ResourceID},
			Reason: rec.Reason,
		})
	}

	return res, nil
}

// ListSummaries は統計集計用に全セッションの要約を返す。
func (r *PostgresSessionRepo) ListSummaries(ctx context.Context) ([]model.SessionSummary, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT s.id, s.status, s.created_at, COUNT(sr.seq)
		 FROM anonymous_sessions s
		 LEFT JOIN session_resources sr ON sr.session_id = s.id
		 GROUP BY s.id, s.status, s.created_at`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list session summaries: %w", err)
	}
	defer rows.Close()

	var summaries []model.SessionSummary
	for rows.Next() {
		var (
			s      model.SessionSummary
			status string
		)
		if err := rows.Scan(&s.ID, &status, &s.CreatedAt, &s.ResourceCount); err != nil {
			return nil, fmt.Errorf("failed to scan session summary: %w", err)
		}
		s.Status = model.SessionStatus(status)
		summaries = append(summaries, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate session summaries: %w", err)
	}

	return summaries, nil
}

// compile-time interface check
var _ SessionRepository = (*PostgresSessionRepo)(nil)
