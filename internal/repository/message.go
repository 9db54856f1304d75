package repository

import (
	"context"
	"fmt"
	"slices"

	"github.com/samber/lo"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/Gopher0727/campfire/internal/model"
	"github.com/Gopher0727/campfire/utils/uuidv7"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 100

	insertBatchSize = 200
)

// IMessageRepository is the durable message log.
type IMessageRepository interface {
	Append(ctx context.Context, msg *model.Message) error
	AppendBatch(ctx context.Context, msgs []model.Message) error
	FindMessage(ctx context.Context, id string) (*model.Message, error)
	PagedHistory(ctx context.Context, guildID string, page, pageSize int) ([]model.MessageView, error)
	RecentWindow(ctx context.Context, guildID string, offset, limit int) ([]model.MessageView, error)
	UpdateMessageContent(ctx context.Context, id, requesterID, content string) (bool, error)
	DeleteMessage(ctx context.Context, id, requesterID string) (bool, error)
}

type MessageRepository struct {
	db *gorm.DB
}

func NewMessageRepository(db *gorm.DB) *MessageRepository {
	return &MessageRepository{db: db}
}

// Append inserts one message. Replaying an id fails with ErrDuplicateKey.
func (r *MessageRepository) Append(ctx context.Context, msg *model.Message) error {
	if err := r.db.WithContext(ctx).Create(msg).Error; err != nil {
		if isDuplicate(err) {
			return fmt.Errorf("message %s: %w", msg.ID, ErrDuplicateKey)
		}
		return err
	}
	return nil
}

// AppendBatch writes msgs in one transaction. Rows whose id already exists are
// skipped, so retrying a batch after an ambiguous failure cannot duplicate or fail.
// Messages addressed to a guild that no longer exists are discarded.
func (r *MessageRepository) AppendBatch(ctx context.Context, msgs []model.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		guildIDs := lo.Uniq(lo.Map(msgs, func(m model.Message, _ int) string { return m.GuildID }))
		var live []string
		if err := tx.Model(&model.Guild{}).Where("id IN ?", guildIDs).Pluck("id", &live).Error; err != nil {
			return err
		}
		exists := lo.Keyify(live)
		rows := lo.Filter(msgs, func(m model.Message, _ int) bool {
			_, ok := exists[m.GuildID]
			return ok
		})
		if len(rows) == 0 {
			return nil
		}
		return tx.Clauses(clause.OnConflict{DoNothing: true}).
			CreateInBatches(&rows, insertBatchSize).Error
	})
}

func (r *MessageRepository) FindMessage(ctx context.Context, id string) (*model.Message, error) {
	if !uuidv7.Valid(id) {
		return nil, ErrNotFound
	}
	var msg model.Message
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&msg).Error; err != nil {
		return nil, notFound(err)
	}
	return &msg, nil
}

// NormalizePage clamps paging input: page starts at 1, size defaults to
// DefaultPageSize and never exceeds MaxPageSize.
func NormalizePage(page, pageSize int) (int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}
	return page, pageSize
}

// PagedHistory returns page p of a guild's history: the pageSize newest messages
// after skipping (p-1)*pageSize, ordered oldest to newest. A malformed guild id
// yields an empty page.
func (r *MessageRepository) PagedHistory(ctx context.Context, guildID string, page, pageSize int) ([]model.MessageView, error) {
	page, pageSize = NormalizePage(page, pageSize)
	rows, err := r.RecentWindow(ctx, guildID, (page-1)*pageSize, pageSize)
	if err != nil {
		return nil, err
	}
	slices.Reverse(rows)
	return rows, nil
}

// RecentWindow returns up to limit messages of a guild, newest first, skipping
// the offset newest ones. Each row carries the author's current avatar.
func (r *MessageRepository) RecentWindow(ctx context.Context, guildID string, offset, limit int) ([]model.MessageView, error) {
	rows := []model.MessageView{}
	if !uuidv7.Valid(guildID) || limit <= 0 {
		return rows, nil
	}
	if offset < 0 {
		offset = 0
	}
	err := r.db.WithContext(ctx).
		Table("messages").
		Select("messages.*, COALESCE(users.avatar, '') AS avatar").
		Joins("LEFT JOIN users ON users.id = messages.author_id").
		Where("messages.guild = ?", guildID).
		Order("messages.created_at DESC, messages.id DESC").
		Offset(offset).
		Limit(limit).
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("load history for guild %s: %w", guildID, err)
	}
	return rows, nil
}

// UpdateMessageContent overwrites content only when requesterID authored the
// message. The ownership check and the write are one statement.
func (r *MessageRepository) UpdateMessageContent(ctx context.Context, id, requesterID, content string) (bool, error) {
	if !uuidv7.Valid(id) || !uuidv7.Valid(requesterID) {
		return false, nil
	}
	res := r.db.WithContext(ctx).
		Model(&model.Message{}).
		Where("id = ? AND author_id = ?", id, requesterID).
		Update("content", content)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// DeleteMessage removes the message only when requesterID authored it.
func (r *MessageRepository) DeleteMessage(ctx context.Context, id, requesterID string) (bool, error) {
	if !uuidv7.Valid(id) || !uuidv7.Valid(requesterID) {
		return false, nil
	}
	res := r.db.WithContext(ctx).
		Where("id = ? AND author_id = ?", id, requesterID).
		Delete(&model.Message{})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}
