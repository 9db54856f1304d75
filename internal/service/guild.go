package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/Gopher0727/campfire/internal/model"
	"github.com/Gopher0727/campfire/internal/repository"
	logger "github.com/Gopher0727/campfire/middleware/log"
	"github.com/Gopher0727/campfire/utils/uuidv7"
)

var (
	ErrGuildNotFound    = errors.New("guild not found")
	ErrNotMember        = errors.New("user is not a member of this guild")
	ErrNotOwner         = errors.New("only the guild owner can do this")
	ErrOwnerCannotLeave = errors.New("the guild owner cannot leave; delete the guild instead")
	ErrGuildExists      = errors.New("guild already exists")
)

// CreateGuildRequest represents a request to create a new guild
type CreateGuildRequest struct {
	Name   string `json:"name" binding:"required,min=1,max=100"`
	Avatar string `json:"avatar" binding:"omitempty,max=512"`
}

// GuildPurger deletes a guild's stored rows and its buffered messages as one step.
type GuildPurger interface {
	PurgeGuild(guildID string, deleteStored func() (bool, error)) (bool, error)
}

// ConnectionCloser disconnects live connections that lost their membership.
type ConnectionCloser interface {
	CloseGuild(guildID string) int
	CloseUser(guildID, userID string) int
}

// Presence reports which users hold an open connection to a guild, and forgets
// a guild once it is deleted.
type Presence interface {
	OnlineUsers(ctx context.Context, guildID string) ([]string, error)
	ClearGuild(ctx context.Context, guildID string) error
}

// IGuildService defines the interface for guild management operations
type IGuildService interface {
	CreateGuild(ctx context.Context, ownerID string, req *CreateGuildRequest) (*model.Guild, error)
	GetGuild(ctx context.Context, userID, guildID string) (*model.Guild, error)
	DeleteGuild(ctx context.Context, userID, guildID string) error
	JoinGuild(ctx context.Context, userID, guildID string) (*model.Guild, error)
	LeaveGuild(ctx context.Context, userID, guildID string) error
	GetUserGuilds(ctx context.Context, userID string) ([]model.Guild, error)
	GetGuildMembers(ctx context.Context, userID, guildID string) ([]model.Member, error)
	GetOnlineMembers(ctx context.Context, userID, guildID string) ([]model.Member, error)
	CheckMembership(ctx context.Context, userID, guildID string) error
}

// GuildService implements the IGuildService interface
type GuildService struct {
	guildRepo   repository.IGuildRepository
	purger      GuildPurger
	connections ConnectionCloser
	online      Presence
	log         *logger.Logger
}

func NewGuildService(
	guildRepo repository.IGuildRepository,
	purger GuildPurger,
	connections ConnectionCloser,
	online Presence,
	log *logger.Logger,
) *GuildService {
	return &GuildService{
		guildRepo:   guildRepo,
		purger:      purger,
		connections: connections,
		online:      online,
		log:         log.Named("guild"),
	}
}

// CreateGuild creates a guild owned by ownerID, who joins it immediately.
func (s *GuildService) CreateGuild(ctx context.Context, ownerID string, req *CreateGuildRequest) (*model.Guild, error) {
	guild := &model.Guild{
		ID:        uuidv7.New(),
		Name:      strings.TrimSpace(req.Name),
		Owner:     ownerID,
		Avatar:    req.Avatar,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.guildRepo.Create(ctx, guild); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, ErrGuildExists
		}
		return nil, fmt.Errorf("failed to create guild: %w", err)
	}
	return guild, nil
}

// GetGuild returns a guild the user belongs to.
func (s *GuildService) GetGuild(ctx context.Context, userID, guildID string) (*model.Guild, error) {
	guild, err := s.findGuild(ctx, guildID)
	if err != nil {
		return nil, err
	}
	if err := s.CheckMembership(ctx, userID, guildID); err != nil {
		return nil, err
	}
	return guild, nil
}

// DeleteGuild removes the guild with its memberships and messages, buffered
// ones included, then disconnects everyone still bound to it.
func (s *GuildService) DeleteGuild(ctx context.Context, userID, guildID string) error {
	guild, err := s.findGuild(ctx, guildID)
	if err != nil {
		return err
	}
	if guild.Owner != userID {
		return ErrNotOwner
	}

	ok, err := s.purger.PurgeGuild(guildID, func() (bool, error) {
		return s.guildRepo.Delete(ctx, guildID, userID)
	})
	if err != nil {
		return fmt.Errorf("failed to delete guild: %w", err)
	}
	if !ok {
		// deleted concurrently
		return ErrGuildNotFound
	}

	closed := s.connections.CloseGuild(guildID)
	if err := s.online.ClearGuild(ctx, guildID); err != nil {
		// stale entries only; the guild itself is gone
		s.log.WarnContext(ctx, "failed to clear guild presence", zap.String("guild_id", guildID), zap.Error(err))
	}
	s.log.InfoContext(ctx, "guild deleted", zap.String("guild_id", guildID), zap.Int("disconnected", closed))
	return nil
}

// JoinGuild adds the user to the guild. Joining twice is not an error.
func (s *GuildService) JoinGuild(ctx context.Context, userID, guildID string) (*model.Guild, error) {
	if err := s.guildRepo.AddMember(ctx, guildID, userID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrGuildNotFound
		}
		return nil, fmt.Errorf("failed to join guild: %w", err)
	}
	return s.findGuild(ctx, guildID)
}

// LeaveGuild removes the user from the guild and closes their connections to it.
func (s *GuildService) LeaveGuild(ctx context.Context, userID, guildID string) error {
	guild, err := s.findGuild(ctx, guildID)
	if err != nil {
		return err
	}
	if guild.Owner == userID {
		return ErrOwnerCannotLeave
	}

	removed, err := s.guildRepo.RemoveMember(ctx, guildID, userID)
	if err != nil {
		return fmt.Errorf("failed to leave guild: %w", err)
	}
	if !removed {
		return ErrNotMember
	}
	s.connections.CloseUser(guildID, userID)
	return nil
}

func (s *GuildService) GetUserGuilds(ctx context.Context, userID string) ([]model.Guild, error) {
	guilds, err := s.guildRepo.GuildsOfUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve guilds: %w", err)
	}
	return guilds, nil
}

// GetGuildMembers lists the members of a guild the user belongs to.
func (s *GuildService) GetGuildMembers(ctx context.Context, userID, guildID string) ([]model.Member, error) {
	if _, err := s.GetGuild(ctx, userID, guildID); err != nil {
		return nil, err
	}
	users, err := s.guildRepo.MembersOf(ctx, guildID)
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve members: %w", err)
	}
	return lo.Map(users, func(u model.User, _ int) model.Member { return u.AsMember() }), nil
}

// GetOnlineMembers lists the members that currently hold a connection to the guild.
func (s *GuildService) GetOnlineMembers(ctx context.Context, userID, guildID string) ([]model.Member, error) {
	members, err := s.GetGuildMembers(ctx, userID, guildID)
	if err != nil {
		return nil, err
	}
	online, err := s.online.OnlineUsers(ctx, guildID)
	if err != nil {
		return nil, fmt.Errorf("failed to read presence: %w", err)
	}
	set := lo.Keyify(online)
	return lo.Filter(members, func(m model.Member, _ int) bool {
		_, ok := set[m.ID]
		return ok
	}), nil
}

// CheckMembership returns ErrNotMember unless userID belongs to guildID.
// Malformed ids are simply not members.
func (s *GuildService) CheckMembership(ctx context.Context, userID, guildID string) error {
	ok, err := s.guildRepo.IsMember(ctx, guildID, userID)
	if err != nil {
		return fmt.Errorf("failed to check membership: %w", err)
	}
	if !ok {
		return ErrNotMember
	}
	return nil
}

func (s *GuildService) findGuild(ctx context.Context, guildID string) (*model.Guild, error) {
	guild, err := s.guildRepo.FindByID(ctx, guildID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrGuildNotFound
		}
		return nil, fmt.Errorf("failed to find guild: %w", err)
	}
	return guild, nil
}
