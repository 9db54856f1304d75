package repository

import (
	"context"
	"fmt"

	"github.com/samber/lo"
	"gorm.io/gorm"

	"github.com/Gopher0727/campfire/internal/model"
	"github.com/Gopher0727/campfire/utils/uuidv7"
)

// UserCache is a read-through cache in front of user lookups by id.
type UserCache interface {
	Get(ctx context.Context, id string) (*model.User, bool)
	Set(ctx context.Context, user *model.User)
	Invalidate(ctx context.Context, id string)
}

type IUserRepository interface {
	Create(ctx context.Context, user *model.User) error
	FindByID(ctx context.Context, id string) (*model.User, error)
	FindByIDs(ctx context.Context, ids []string) ([]model.User, error)
	FindByEmail(ctx context.Context, email string) (*model.User, error)
	Update(ctx context.Context, user *model.User) error
}

type UserRepository struct {
	db    *gorm.DB
	cache UserCache
}

// NewUserRepository creates a user repository. cache may be nil.
func NewUserRepository(db *gorm.DB, cache UserCache) *UserRepository {
	return &UserRepository{db: db, cache: cache}
}

// Create 创建用户, 用户名或邮箱重复时返回 ErrConflict
func (r *UserRepository) Create(ctx context.Context, user *model.User) error {
	if err := r.db.WithContext(ctx).Create(user).Error; err != nil {
		if isDuplicate(err) {
			return fmt.Errorf("user %s: %w", user.Username, ErrConflict)
		}
		return err
	}
	return nil
}

// FindByID 根据 ID 获取用户 (带缓存)
func (r *UserRepository) FindByID(ctx context.Context, id string) (*model.User, error) {
	if !uuidv7.Valid(id) {
		return nil, ErrNotFound
	}
	if r.cache != nil {
		if user, ok := r.cache.Get(ctx, id); ok {
			return user, nil
		}
	}

	var user model.User
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&user).Error; err != nil {
		return nil, notFound(err)
	}

	if r.cache != nil {
		r.cache.Set(ctx, &user)
	}
	return &user, nil
}

// FindByIDs loads the users with the given ids; unknown and malformed ids are skipped.
func (r *UserRepository) FindByIDs(ctx context.Context, ids []string) ([]model.User, error) {
	users := []model.User{}
	ids = lo.Uniq(lo.Filter(ids, func(id string, _ int) bool { return uuidv7.Valid(id) }))
	if len(ids) == 0 {
		return users, nil
	}
	if err := r.db.WithContext(ctx).Where("id IN ?", ids).Find(&users).Error; err != nil {
		return nil, err
	}
	return users, nil
}

// FindByEmail 根据邮箱获取用户, 不走缓存 (登录需要 password_hash)
func (r *UserRepository) FindByEmail(ctx context.Context, email string) (*model.User, error) {
	var user model.User
	if err := r.db.WithContext(ctx).Where("email = ?", email).First(&user).Error; err != nil {
		return nil, notFound(err)
	}
	return &user, nil
}

// Update writes the mutable profile fields of user and drops the cached copy.
// An empty PasswordHash leaves the stored hash untouched.
func (r *UserRepository) Update(ctx context.Context, user *model.User) error {
	if !uuidv7.Valid(user.ID) {
		return ErrNotFound
	}
	fields := map[string]any{
		"username": user.Username,
		"email":    user.Email,
		"avatar":   user.Avatar,
	}
	// cached users carry no hash; an empty hash means "unchanged"
	if user.PasswordHash != "" {
		fields["password_hash"] = user.PasswordHash
	}
	res := r.db.WithContext(ctx).
		Model(&model.User{}).
		Where("id = ?", user.ID).
		Updates(fields)
	if res.Error != nil {
		if isDuplicate(res.Error) {
			return fmt.Errorf("user %s: %w", user.ID, ErrConflict)
		}
		return res.Error
	}
	if r.cache != nil {
		r.cache.Invalidate(ctx, user.ID)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
