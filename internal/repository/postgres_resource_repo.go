package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/sessionbridge/internal/model"
)

// PostgresResourceRepo はPostgreSQLを使用したリソース所有権リポジトリ。
type PostgresResourceRepo struct {
	db *sql.DB
}

// NewPostgresResourceRepo はPostgresResourceRepoを生成する。
func NewPostgresResourceRepo(db *sql.DB) *PostgresResourceRepo {
	return &PostgresResourceRepo{db: db}
}

// Create はリソースを作成する。
func (r *PostgresResourceRepo) Create(ctx context.Context, resource *model.Resource) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO resources (resource_type, resource_id, owner_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		string(resource.Ref.Type), resource.Ref.ID, resource.OwnerID, resource.CreatedAt, resource.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create resource: %w", err)
	}
	return nil
}

// FindByRef は指定キーのリソースを取得する。見つからない場合はnilを返す。
func (r *PostgresResourceRepo) FindByRef(ctx context.Context, ref model.ResourceRef) (*model.Resource, error) {
	resource := &model.Resource{}
	var resourceType string
	err := r.db.QueryRowContext(ctx,
		`SELECT resource_type, resource_id, owner_id, created_at, updated_at
		 FROM resources
		 WHERE resource_type = $1 AND resource_id = $2`,
		string(ref.Type), ref.ID,
	).Scan(&resourceType, &resource.Ref.ID, &resource.OwnerID, &resource.CreatedAt, &resource.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find resource: %w", err)
	}
	resource.Ref.Type = model.ResourceType(resourceType)

	return resource, nil
}

// TransferOwner は現在の所有者がfromOwnerである場合に限り所有者をtoOwnerへ変更する。
// 条件付きUPDATE1文で行うため、第三者が先に所有者を変えていた場合は上書きしない。
func (r *PostgresResourceRepo) TransferOwner(ctx context.Context, ref model.ResourceRef, fromOwner, toOwner string) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE resources
		 SET owner_id = $4, updated_at = now()
		 WHERE resource_type = $1 AND resource_id = $2 AND owner_id = $3`,
		string(ref.Type), ref.ID, fromOwner, toOwner,
	)
	if err != nil {
		return false, fmt.Errorf("failed to transfer resource owner: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rowsAffected == 1, nil
}

// compile-time interface check
var _ ResourceRepository = (*PostgresResourceRepo)(nil)
