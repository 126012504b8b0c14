package migration

import (
	"context"
	"time"

	"github.com/hitoshi/sessionbridge/internal/model"
)

// callStore はストア呼び出しにタイムアウトを付与し、失敗をStorageErrorに変換する。
// 呼び出し元コンテキストのキャンセルやタイムアウト超過もStorageError（再試行可能）になる。
func callStore[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	v, err := fn(ctx)
	if err != nil {
		var zero T
		return zero, model.NewStorageError(err)
	}
	return v, nil
}
