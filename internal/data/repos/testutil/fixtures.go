package testutil

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"gorm.io/gorm"

	types "github.com/yungbote/graphpilot-backend/internal/domain/assistant"
)

// SeedThread inserts a thread document with a one-message history.
func SeedThread(tb testing.TB, ctx context.Context, tx *gorm.DB, key, graphKey, workspace string, updated time.Time) *types.ThreadDocument {
	tb.Helper()
	history, _ := json.Marshal([]map[string]string{{"role": "user", "content": "hello"}})
	doc := &types.ThreadDocument{
		Key:                 key,
		GraphKey:            graphKey,
		Workspace:           workspace,
		UserID:              "u1",
		Role:                "editor",
		ConversationHistory: history,
		CreatedTime:         updated,
		LastUpdatedTime:     updated,
	}
	if err := tx.WithContext(ctx).Create(doc).Error; err != nil {
		tb.Fatalf("seed thread: %v", err)
	}
	return doc
}
