package model

import (
	"time"
)

// MaxContentLength 单条消息内容的最大字符数 (rune)
const MaxContentLength = 2000

// Message 消息模型
// Only Content is mutable after creation, and only by AuthorID.
type Message struct {
	ID         string `gorm:"primaryKey;type:varchar(36)" json:"id"`
	AuthorID   string `gorm:"index;not null;type:varchar(36)" json:"author_id"`
	AuthorName string `gorm:"not null;type:varchar(255)" json:"author_name"`
	GuildID    string `gorm:"column:guild;not null;type:varchar(36);index:idx_messages_guild_created,priority:1" json:"guild"`
	Content    string `gorm:"type:text;not null" json:"content"`

	CreatedAt time.Time `gorm:"not null;index:idx_messages_guild_created,priority:2" json:"created_at"`
}

func (Message) TableName() string {
	return "messages"
}

// MessageView is a message as served to clients, joined with the author's avatar.
type MessageView struct {
	Message
	Avatar string `json:"avatar"`
}

// MessageEvent records a committed create, edit or delete for export.
type MessageEvent struct {
	Type       string    `json:"type"`
	GuildID    string    `json:"guild"`
	MessageID  string    `json:"id"`
	ActorID    string    `json:"actor_id"`
	Content    string    `json:"content,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

const (
	EventCreated = "create"
	EventEdited  = "edit"
	EventDeleted = "delete"
)
