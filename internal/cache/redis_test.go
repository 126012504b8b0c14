package cache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/hitoshi/sessionbridge/internal/model"
)

func TestConnect_AddressFormats(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		wantAddr string
		wantDB   int
		wantErr  bool
	}{
		{name: "URL形式", input: "redis://localhost:6380/2", wantAddr: "localhost:6380", wantDB: 2},
		{name: "host:port形式", input: "cache:6379", wantAddr: "cache:6379"},
		{name: "不正なURL", input: "redis://localhost:6379/notanumber", wantErr: true},
		{name: "空文字", input: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := Connect(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatal("エラーを期待したがnil")
				}
				return
			}
			if err != nil {
				t.Fatalf("Connect: %v", err)
			}
			defer client.Close()

			opts := client.Options()
			if opts.Addr != tt.wantAddr || opts.DB != tt.wantDB {
				t.Errorf("got addr=%s db=%d, want %s/%d", opts.Addr, opts.DB, tt.wantAddr, tt.wantDB)
			}
		})
	}
}

// TestRedisStatsCache_RoundTrip はTEST_REDIS_URLで接続できるRedisがある場合のみ実行する。
func TestRedisStatsCache_RoundTrip(t *testing.T) {
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL が設定されていないためスキップ")
	}
	client, err := Connect(url)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer client.Close()

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redisに接続できないためスキップ: %v", err)
	}

	c := NewRedisStatsCache(client, time.Minute)
	if err := c.Invalidate(ctx); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}

	got, err := c.Get(ctx)
	if err != nil || got != nil {
		t.Fatalf("空のキャッシュ: got %v err %v", got, err)
	}

	computedAt := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	want := &model.SessionStats{
		TotalSessions: 3,
		CountByStatus: map[model.SessionStatus]int{
			model.SessionStatusActive:   2,
			model.SessionStatusMigrated: 1,
		},
		StaleActiveSessions:        1,
		AverageResourcesPerSession: 1.5,
		AgeThreshold:               24 * time.Hour,
		ComputedAt:                 computedAt,
	}
	if err := c.Set(ctx, want); err != nil {
		t.Fatalf("Set: %v", err)
	}

	got, err = c.Get(ctx)
	if err != nil || got == nil {
		t.Fatalf("Get: got %v err %v", got, err)
	}
	if got.TotalSessions != 3 || got.CountByStatus[model.SessionStatusActive] != 2 ||
		got.AgeThreshold != 24*time.Hour || !got.ComputedAt.Equal(computedAt) {
		t.Errorf("got %+v", got)
	}
}
