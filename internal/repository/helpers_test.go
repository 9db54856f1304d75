package repository

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/Gopher0727/campfire/config"
	"github.com/Gopher0727/campfire/internal/model"
	"github.com/Gopher0727/campfire/internal/storage"
	"github.com/Gopher0727/campfire/utils/uuidv7"
)

func newTestDB(t testing.TB) *gorm.DB {
	t.Helper()
	db, err := storage.OpenDatabase(&config.StorageConfig{
		Driver:   "sqlite",
		Path:     filepath.Join(t.TempDir(), "test.db"),
		LogLevel: "silent",
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return db
}

func seedUser(t testing.TB, db *gorm.DB, name string) *model.User {
	t.Helper()
	u := &model.User{
		ID:           uuidv7.New(),
		Username:     name,
		Email:        name + "@example.com",
		PasswordHash: "hash",
		Avatar:       "https://avatars.example/" + name,
		CreatedAt:    time.Now().UTC(),
	}
	require.NoError(t, db.Create(u).Error)
	return u
}

func seedGuild(t testing.TB, db *gorm.DB, owner *model.User) *model.Guild {
	t.Helper()
	g := &model.Guild{ID: uuidv7.New(), Name: "campfire", Owner: owner.ID, CreatedAt: time.Now().UTC()}
	require.NoError(t, NewGuildRepository(db).Create(context.Background(), g))
	return g
}

func newMessage(guildID string, author *model.User, content string, at time.Time) model.Message {
	return model.Message{
		ID:         uuidv7.New(),
		AuthorID:   author.ID,
		AuthorName: author.Username,
		GuildID:    guildID,
		Content:    content,
		CreatedAt:  at,
	}
}
