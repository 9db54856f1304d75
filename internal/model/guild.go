package model

import "time"

// Guild 聊天室
type Guild struct {
	ID     string `gorm:"primaryKey;type:varchar(36)" json:"id"`
	Name   string `gorm:"not null;type:varchar(255)" json:"name"`
	Owner  string `gorm:"index;not null;type:varchar(36)" json:"owner"`
	Avatar string `gorm:"type:varchar(512)" json:"avatar"`

	CreatedAt time.Time `gorm:"not null" json:"created_at"`
}

func (Guild) TableName() string {
	return "guilds"
}

// GuildUser 成员关系, 联合主键 (user_id, guild_id)
type GuildUser struct {
	UserID  string `gorm:"primaryKey;type:varchar(36)" json:"user_id"`
	GuildID string `gorm:"primaryKey;type:varchar(36);index" json:"guild_id"`
}

func (GuildUser) TableName() string {
	return "guild_users"
}
