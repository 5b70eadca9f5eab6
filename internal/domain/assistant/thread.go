// Package assistant holds the persisted shape of assistant conversations.
package assistant

import (
	"bytes"
	"time"

	"gorm.io/datatypes"
)

// ThreadDocument is the durable projection of one conversation. The live
// agent is rebuilt from it on any instance.
type ThreadDocument struct {
	Key       string `gorm:"column:key;primaryKey;size:96" json:"key"`
	GraphKey  string `gorm:"column:graph_key;not null;index:idx_ai_thread_scope,priority:1" json:"graphKey"`
	Workspace string `gorm:"column:workspace;not null;default:'';index:idx_ai_thread_scope,priority:2" json:"workspace"`
	UserID    string `gorm:"column:user_id;not null;default:'';index" json:"userId"`
	Role      string `gorm:"column:role;not null;default:'editor'" json:"role"`

	// ConversationHistory is a JSON array of chat messages.
	ConversationHistory datatypes.JSON `gorm:"column:conversation_history;type:jsonb;not null" json:"conversationHistory"`
	// PendingInterrupt is null unless a proposed action awaits a decision.
	PendingInterrupt datatypes.JSON `gorm:"column:pending_interrupt;type:jsonb" json:"pendingInterrupt,omitempty"`

	CreatedTime     time.Time `gorm:"column:created_time;not null;index" json:"createdTime"`
	LastUpdatedTime time.Time `gorm:"column:last_updated_time;not null;index" json:"lastUpdatedTime"`
}

func (ThreadDocument) TableName() string { return "ai_thread" }

func (d *ThreadDocument) HasPendingInterrupt() bool {
	if d == nil {
		return false
	}
	raw := bytes.TrimSpace(d.PendingInterrupt)
	return len(raw) > 0 && !bytes.Equal(raw, []byte("null"))
}
