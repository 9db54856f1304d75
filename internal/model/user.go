package model

import (
	"time"
)

// User 用户模型
type User struct {
	ID           string `gorm:"primaryKey;type:varchar(36)" json:"id"`
	Username     string `gorm:"column:username;uniqueIndex;not null;type:varchar(255)" json:"username"`
	Email        string `gorm:"uniqueIndex;not null;type:varchar(255)" json:"email"`
	PasswordHash string `gorm:"not null;type:varchar(255)" json:"-"`
	Avatar       string `gorm:"type:varchar(512)" json:"avatar"`

	CreatedAt time.Time `gorm:"not null" json:"created_at"`
}

func (User) TableName() string {
	return "users"
}

// Member is the public projection of a user listed in a guild.
type Member struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Avatar   string `json:"avatar"`
}

// AsMember strips private fields.
func (u *User) AsMember() Member {
	return Member{ID: u.ID, Username: u.Username, Avatar: u.Avatar}
}

// All returns every model managed by migrations.
func All() []any {
	return []any{&User{}, &Guild{}, &GuildUser{}, &Message{}}
}
