// Package model はドメインモデルを定義する。
package model

import (
	"fmt"
	"time"
)

// ResourceType は匿名セッション中に蓄積されるリソースの種別を表す。
// 移行可能な種別は確定していないため、開いたタグとして扱う。
type ResourceType string

const (
	// ResourceTypeFile はアップロードファイル。
	ResourceTypeFile ResourceType = "file"
	// ResourceTypeGeneration は生成ジョブ。
	ResourceTypeGeneration ResourceType = "gen"
	// ResourceTypePreference は設定のblob。
	ResourceTypePreference ResourceType = "preference"
	// ResourceTypeUsage は利用量カウンタ。
	ResourceTypeUsage ResourceType = "usage"
)

// ResourceRef はリソースへの参照（種別とID）。resourcesテーブルの複合キーに対応する。
type ResourceRef struct {
	Type ResourceType
	ID   string
}

// String は "type/id" 形式の文字列を返す。
func (r ResourceRef) String() string {
	return fmt.Sprintf("%s/%s", r.Type, r.ID)
}

// Resource は所有者を持つリソースを表す。
// OwnerIDは匿名時はセッションID、移行後はユーザーIDになる。
type Resource struct {
	Ref       ResourceRef
	OwnerID   string
	CreatedAt time.Time
	UpdatedAt time.Time
}
