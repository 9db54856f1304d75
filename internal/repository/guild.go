package repository

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/Gopher0727/campfire/internal/model"
	"github.com/Gopher0727/campfire/utils/uuidv7"
)

// errNotOwner rolls back a guild delete requested by someone other than the owner.
var errNotOwner = errors.New("requester does not own guild")

// IGuildRepository defines the interface for guild data operations
type IGuildRepository interface {
	Create(ctx context.Context, guild *model.Guild) error
	FindByID(ctx context.Context, id string) (*model.Guild, error)
	Delete(ctx context.Context, guildID, requesterID string) (bool, error)
	AddMember(ctx context.Context, guildID, userID string) error
	RemoveMember(ctx context.Context, guildID, userID string) (bool, error)
	IsMember(ctx context.Context, guildID, userID string) (bool, error)
	MembersOf(ctx context.Context, guildID string) ([]model.User, error)
	GuildsOfUser(ctx context.Context, userID string) ([]model.Guild, error)
}

// GuildRepository implements IGuildRepository interface
type GuildRepository struct {
	db *gorm.DB
}

func NewGuildRepository(db *gorm.DB) *GuildRepository {
	return &GuildRepository{db: db}
}

// Create 创建 guild, 并在同一事务中加入 owner 的成员关系
func (r *GuildRepository) Create(ctx context.Context, guild *model.Guild) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(guild).Error; err != nil {
			return err
		}
		return tx.Create(&model.GuildUser{UserID: guild.Owner, GuildID: guild.ID}).Error
	})
	if isDuplicate(err) {
		return fmt.Errorf("guild %s: %w", guild.ID, ErrConflict)
	}
	return err
}

func (r *GuildRepository) FindByID(ctx context.Context, id string) (*model.Guild, error) {
	if !uuidv7.Valid(id) {
		return nil, ErrNotFound
	}
	var guild model.Guild
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&guild).Error; err != nil {
		return nil, notFound(err)
	}
	return &guild, nil
}

// Delete removes a guild together with its memberships and messages. Only the
// owner may delete; anyone else gets false and nothing changes.
func (r *GuildRepository) Delete(ctx context.Context, guildID, requesterID string) (bool, error) {
	if !uuidv7.Valid(guildID) || !uuidv7.Valid(requesterID) {
		return false, nil
	}
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("id = ? AND owner = ?", guildID, requesterID).Delete(&model.Guild{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errNotOwner
		}
		if err := tx.Where("guild_id = ?", guildID).Delete(&model.GuildUser{}).Error; err != nil {
			return err
		}
		return tx.Where("guild = ?", guildID).Delete(&model.Message{}).Error
	})
	if errors.Is(err, errNotOwner) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// AddMember joins userID to an existing guild. Joining twice is a no-op.
func (r *GuildRepository) AddMember(ctx context.Context, guildID, userID string) error {
	if !uuidv7.Valid(guildID) || !uuidv7.Valid(userID) {
		return ErrNotFound
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&model.Guild{}).Where("id = ?", guildID).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return ErrNotFound
		}
		return tx.Clauses(clause.OnConflict{DoNothing: true}).
			Create(&model.GuildUser{UserID: userID, GuildID: guildID}).Error
	})
}

func (r *GuildRepository) RemoveMember(ctx context.Context, guildID, userID string) (bool, error) {
	if !uuidv7.Valid(guildID) || !uuidv7.Valid(userID) {
		return false, nil
	}
	res := r.db.WithContext(ctx).
		Where("guild_id = ? AND user_id = ?", guildID, userID).
		Delete(&model.GuildUser{})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *GuildRepository) IsMember(ctx context.Context, guildID, userID string) (bool, error) {
	if !uuidv7.Valid(guildID) || !uuidv7.Valid(userID) {
		return false, nil
	}
	var count int64
	err := r.db.WithContext(ctx).
		Model(&model.GuildUser{}).
		Where("guild_id = ? AND user_id = ?", guildID, userID).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// MembersOf lists the users of a guild ordered by username.
func (r *GuildRepository) MembersOf(ctx context.Context, guildID string) ([]model.User, error) {
	users := []model.User{}
	if !uuidv7.Valid(guildID) {
		return users, nil
	}
	err := r.db.WithContext(ctx).
		Joins("JOIN guild_users ON guild_users.user_id = users.id").
		Where("guild_users.guild_id = ?", guildID).
		Order("users.username ASC").
		Find(&users).Error
	if err != nil {
		return nil, err
	}
	return users, nil
}

// GuildsOfUser lists the guilds userID belongs to, oldest first.
func (r *GuildRepository) GuildsOfUser(ctx context.Context, userID string) ([]model.Guild, error) {
	guilds := []model.Guild{}
	if !uuidv7.Valid(userID) {
		return guilds, nil
	}
	err := r.db.WithContext(ctx).
		Joins("JOIN guild_users ON guild_users.guild_id = guilds.id").
		Where("guild_users.user_id = ?", userID).
		Order("guilds.created_at ASC, guilds.id ASC").
		Find(&guilds).Error
	if err != nil {
		return nil, err
	}
	return guilds, nil
}
