package service

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"github.com/Gopher0727/campfire/config"
	"github.com/Gopher0727/campfire/internal/model"
	"github.com/Gopher0727/campfire/internal/pkg/gateway"
	"github.com/Gopher0727/campfire/internal/pkg/writebehind"
	"github.com/Gopher0727/campfire/internal/repository"
	"github.com/Gopher0727/campfire/internal/storage"
	"github.com/Gopher0727/campfire/middleware/jwt"
	logger "github.com/Gopher0727/campfire/middleware/log"
)

type fixture struct {
	db       *gorm.DB
	users    *repository.UserRepository
	guilds   *repository.GuildRepository
	messages *repository.MessageRepository
	buffer   *writebehind.Buffer
	registry *gateway.Registry
	tokens   *jwt.TokenManager

	auth    *AuthService
	guild   *GuildService
	history *MessageService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := storage.OpenDatabase(&config.StorageConfig{
		Driver:   "sqlite",
		Path:     filepath.Join(t.TempDir(), "service.db"),
		LogLevel: "silent",
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})

	f := &fixture{
		db:       db,
		users:    repository.NewUserRepository(db, nil),
		guilds:   repository.NewGuildRepository(db),
		messages: repository.NewMessageRepository(db),
		registry: gateway.NewRegistry(4, nil, logger.NewNop()),
		tokens:   jwt.NewTokenManager(&config.JWTConfig{Secret: "test-secret", ExpireHours: 1, RefreshHours: 1}),
	}
	f.buffer = writebehind.New(f.messages, writebehind.Options{FlushInterval: time.Hour}, logger.NewNop())

	f.auth = NewAuthService(f.users, f.tokens)
	f.auth.cost = bcrypt.MinCost
	f.guild = NewGuildService(f.guilds, f.buffer, f.registry, f.registry, logger.NewNop())
	f.history = NewMessageService(f.messages, f.buffer, f.users, f.guild)
	return f
}

func (f *fixture) register(t *testing.T, name string) *model.User {
	t.Helper()
	user, err := f.auth.Register(context.Background(), &RegisterRequest{
		Username: name,
		Email:    name + "@example.com",
		Password: "password-" + name,
		Avatar:   "https://avatars.example/" + name,
	})
	require.NoError(t, err)
	return user
}

func (f *fixture) createGuild(t *testing.T, owner *model.User) *model.Guild {
	t.Helper()
	guild, err := f.guild.CreateGuild(context.Background(), owner.ID, &CreateGuildRequest{Name: "campfire"})
	require.NoError(t, err)
	return guild
}
