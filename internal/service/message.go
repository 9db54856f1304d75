package service

import (
	"context"
	"fmt"
	"slices"

	"github.com/samber/lo"

	"github.com/Gopher0727/campfire/internal/model"
	"github.com/Gopher0727/campfire/internal/repository"
)

// HistoryStore reads persisted history, newest first.
type HistoryStore interface {
	RecentWindow(ctx context.Context, guildID string, offset, limit int) ([]model.MessageView, error)
}

// PendingReader exposes messages accepted but not yet persisted.
type PendingReader interface {
	ReadThrough(ctx context.Context, guildID string, fn func(ctx context.Context, pending []model.Message) error) error
}

// IMessageService defines the interface for message history
type IMessageService interface {
	GetHistory(ctx context.Context, userID, guildID string, page, pageSize int) ([]model.MessageView, error)
}

// MessageService serves history pages that include buffered messages, so a
// client that reloads right after sending still sees its message.
type MessageService struct {
	store    HistoryStore
	pending  PendingReader
	userRepo repository.IUserRepository
	guilds   IGuildService
}

func NewMessageService(store HistoryStore, pending PendingReader, userRepo repository.IUserRepository, guilds IGuildService) *MessageService {
	return &MessageService{store: store, pending: pending, userRepo: userRepo, guilds: guilds}
}

// GetHistory returns page p of the guild's history ordered oldest to newest.
// Page 1 holds the newest pageSize messages.
func (s *MessageService) GetHistory(ctx context.Context, userID, guildID string, page, pageSize int) ([]model.MessageView, error) {
	if err := s.guilds.CheckMembership(ctx, userID, guildID); err != nil {
		return nil, err
	}
	page, pageSize = repository.NormalizePage(page, pageSize)
	offset := (page - 1) * pageSize

	var result []model.MessageView
	err := s.pending.ReadThrough(ctx, guildID, func(ctx context.Context, pending []model.Message) error {
		if len(pending) == 0 {
			rows, err := s.store.RecentWindow(ctx, guildID, offset, pageSize)
			result = rows
			return err
		}

		// A stored row's rank shifts by at most len(pending), so the page
		// can only draw on store ranks [offset-len(pending), offset+pageSize).
		start := max(0, offset-len(pending))
		stored, err := s.store.RecentWindow(ctx, guildID, start, offset+pageSize-start)
		if err != nil {
			return err
		}
		views, err := s.withAvatars(ctx, pending)
		if err != nil {
			return err
		}
		exhausted := len(stored) < offset+pageSize-start
		result = mergeWindow(stored, start, exhausted, views, offset, pageSize)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}

	slices.Reverse(result)
	if result == nil {
		result = []model.MessageView{}
	}
	return result, nil
}

// withAvatars joins buffered messages with their authors' current avatars.
func (s *MessageService) withAvatars(ctx context.Context, pending []model.Message) ([]model.MessageView, error) {
	authorIDs := lo.Map(pending, func(m model.Message, _ int) string { return m.AuthorID })
	users, err := s.userRepo.FindByIDs(ctx, authorIDs)
	if err != nil {
		return nil, err
	}
	avatars := lo.SliceToMap(users, func(u model.User) (string, string) { return u.ID, u.Avatar })
	return lo.Map(pending, func(m model.Message, _ int) model.MessageView {
		return model.MessageView{Message: m, Avatar: avatars[m.AuthorID]}
	}), nil
}

// newer orders messages the way the store does: created_at, then id, descending.
func newer(a, b model.Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID > b.ID
}

type rankedView struct {
	view model.MessageView
	rank int
}

// mergeWindow returns the union ranks [offset, offset+limit) of stored and
// pending, newest first. stored holds store ranks starting at start; exhausted
// reports that no stored rows exist past it.
func mergeWindow(stored []model.MessageView, start int, exhausted bool, pending []model.MessageView, offset, limit int) []model.MessageView {
	inStore := lo.SliceToMap(stored, func(v model.MessageView) (string, struct{}) { return v.ID, struct{}{} })
	pending = lo.Filter(pending, func(v model.MessageView, _ int) bool {
		_, dup := inStore[v.ID]
		return !dup
	})

	pendingNewer := func(m model.Message) int {
		return lo.CountBy(pending, func(p model.MessageView) bool { return newer(p.Message, m) })
	}

	ranked := make([]rankedView, 0, len(stored)+len(pending))
	for i, v := range stored {
		ranked = append(ranked, rankedView{view: v, rank: start + i + pendingNewer(v.Message)})
	}
	for _, p := range pending {
		storedNewer := lo.CountBy(stored, func(v model.MessageView) bool { return newer(v.Message, p.Message) })
		if storedNewer == len(stored) && !exhausted {
			// older than everything fetched, so beyond the page
			continue
		}
		if storedNewer == 0 && start > 0 {
			// newer than the window; its rank is below offset
			continue
		}
		ranked = append(ranked, rankedView{view: p, rank: start + storedNewer + pendingNewer(p.Message)})
	}

	ranked = lo.Filter(ranked, func(r rankedView, _ int) bool { return r.rank >= offset && r.rank < offset+limit })
	slices.SortFunc(ranked, func(a, b rankedView) int { return a.rank - b.rank })
	return lo.Map(ranked, func(r rankedView, _ int) model.MessageView { return r.view })
}
