package assistant

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	types "github.com/yungbote/graphpilot-backend/internal/domain/assistant"
	"github.com/yungbote/graphpilot-backend/internal/pkg/dbctx"
	"github.com/yungbote/graphpilot-backend/internal/platform/logger"
)

type ThreadRepo interface {
	Ping(ctx context.Context) error
	AutoMigrate(ctx context.Context) error
	// Upsert replaces the document with the same key or inserts it.
	Upsert(dbc dbctx.Context, doc *types.ThreadDocument) error
	// Get returns (nil, nil) when no document has the key.
	Get(dbc dbctx.Context, key string) (*types.ThreadDocument, error)
	// Delete is a no-op for unknown keys.
	Delete(dbc dbctx.Context, key string) error
	// ListByGraph returns documents newest first. An empty workspace
	// matches every workspace.
	ListByGraph(dbc dbctx.Context, graphKey, workspace string, limit int) ([]*types.ThreadDocument, error)
}

type threadRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewThreadRepo(db *gorm.DB, log *logger.Logger) ThreadRepo {
	if log == nil {
		log = logger.Nop()
	}
	return &threadRepo{db: db, log: log.With("repo", "ThreadRepo")}
}

func (r *threadRepo) Ping(ctx context.Context) error {
	if r.db == nil {
		return fmt.Errorf("thread repo: no database")
	}
	// SELECT 1 also works when db is bound to a transaction
	return r.db.WithContext(ctx).Exec("SELECT 1").Error
}

func (r *threadRepo) AutoMigrate(ctx context.Context) error {
	if r.db == nil {
		return fmt.Errorf("thread repo: no database")
	}
	return r.db.WithContext(ctx).AutoMigrate(&types.ThreadDocument{})
}

func (r *threadRepo) Upsert(dbc dbctx.Context, doc *types.ThreadDocument) error {
	if doc == nil || strings.TrimSpace(doc.Key) == "" {
		return fmt.Errorf("missing key")
	}
	now := time.Now().UTC()
	if doc.CreatedTime.IsZero() {
		doc.CreatedTime = now
	}
	if doc.LastUpdatedTime.IsZero() {
		doc.LastUpdatedTime = now
	}
	if len(doc.ConversationHistory) == 0 {
		doc.ConversationHistory = []byte("[]")
	}
	return dbc.DB(r.db).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"graph_key",
			"workspace",
			"user_id",
			"role",
			"conversation_history",
			"pending_interrupt",
			"last_updated_time",
		}),
	}).Create(doc).Error
}

func (r *threadRepo) Get(dbc dbctx.Context, key string) (*types.ThreadDocument, error) {
	if strings.TrimSpace(key) == "" {
		return nil, fmt.Errorf("missing key")
	}
	var out types.ThreadDocument
	err := dbc.DB(r.db).Where(map[string]any{"key": key}).Take(&out).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *threadRepo) Delete(dbc dbctx.Context, key string) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("missing key")
	}
	return dbc.DB(r.db).Where(map[string]any{"key": key}).Delete(&types.ThreadDocument{}).Error
}

func (r *threadRepo) ListByGraph(dbc dbctx.Context, graphKey, workspace string, limit int) ([]*types.ThreadDocument, error) {
	if strings.TrimSpace(graphKey) == "" {
		return nil, fmt.Errorf("missing graph_key")
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	q := dbc.DB(r.db).Model(&types.ThreadDocument{}).Where("graph_key = ?", graphKey)
	if workspace != "" {
		q = q.Where("workspace = ?", workspace)
	}
	var out []*types.ThreadDocument
	if err := q.Order("last_updated_time DESC").Limit(limit).Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}
