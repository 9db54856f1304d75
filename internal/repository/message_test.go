package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/Gopher0727/campfire/internal/model"
	"github.com/Gopher0727/campfire/utils/uuidv7"
)

func TestMessageRepository_AppendAndFind(t *testing.T) {
	db := newTestDB(t)
	repo := NewMessageRepository(db)
	ctx := context.Background()
	author := seedUser(t, db, "alice")
	guild := seedGuild(t, db, author)

	msg := newMessage(guild.ID, author, "hello", time.Now().UTC())
	require.NoError(t, repo.Append(ctx, &msg))

	got, err := repo.FindMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, msg.ID, got.ID)
	assert.Equal(t, msg.AuthorID, got.AuthorID)
	assert.Equal(t, msg.AuthorName, got.AuthorName)
	assert.Equal(t, msg.GuildID, got.GuildID)
	assert.Equal(t, msg.Content, got.Content)
	assert.WithinDuration(t, msg.CreatedAt, got.CreatedAt, time.Millisecond)

	t.Run("replay is a duplicate key", func(t *testing.T) {
		err := repo.Append(ctx, &msg)
		assert.ErrorIs(t, err, ErrDuplicateKey)
	})

	t.Run("unknown and malformed ids are not found", func(t *testing.T) {
		_, err := repo.FindMessage(ctx, uuidv7.New())
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = repo.FindMessage(ctx, "not-a-uuid")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestMessageRepository_AppendBatchIsIdempotent(t *testing.T) {
	db := newTestDB(t)
	repo := NewMessageRepository(db)
	ctx := context.Background()
	author := seedUser(t, db, "alice")
	guild := seedGuild(t, db, author)

	now := time.Now().UTC()
	batch := []model.Message{
		newMessage(guild.ID, author, "one", now),
		newMessage(guild.ID, author, "two", now.Add(time.Millisecond)),
	}
	require.NoError(t, repo.AppendBatch(ctx, batch))
	require.NoError(t, repo.AppendBatch(ctx, batch))
	require.NoError(t, repo.AppendBatch(ctx, nil))

	var count int64
	require.NoError(t, db.Model(&model.Message{}).Count(&count).Error)
	assert.Equal(t, int64(2), count)
}

func TestMessageRepository_AppendBatchSkipsMissingGuilds(t *testing.T) {
	db := newTestDB(t)
	repo := NewMessageRepository(db)
	ctx := context.Background()
	author := seedUser(t, db, "alice")
	live := seedGuild(t, db, author)
	gone := seedGuild(t, db, author)
	deleted, err := NewGuildRepository(db).Delete(ctx, gone.ID, author.ID)
	require.NoError(t, err)
	require.True(t, deleted)

	now := time.Now().UTC()
	kept := newMessage(live.ID, author, "kept", now)
	require.NoError(t, repo.AppendBatch(ctx, []model.Message{
		newMessage(gone.ID, author, "deleted guild", now),
		kept,
		newMessage(uuidv7.New(), author, "unknown guild", now),
	}))

	var ids []string
	require.NoError(t, db.Model(&model.Message{}).Pluck("id", &ids).Error)
	assert.Equal(t, []string{kept.ID}, ids)

	// nothing left to insert is not an error
	require.NoError(t, repo.AppendBatch(ctx, []model.Message{newMessage(gone.ID, author, "again", now)}))
}

func TestMessageRepository_PagedHistory(t *testing.T) {
	db := newTestDB(t)
	repo := NewMessageRepository(db)
	ctx := context.Background()
	author := seedUser(t, db, "alice")
	guild := seedGuild(t, db, author)
	other := seedGuild(t, db, author)

	base := time.Now().UTC().Add(-time.Hour)
	a := newMessage(guild.ID, author, "A", base)
	b := newMessage(guild.ID, author, "B", base.Add(time.Second))
	c := newMessage(guild.ID, author, "C", base.Add(2*time.Second))
	noise := newMessage(other.ID, author, "elsewhere", base.Add(3*time.Second))
	require.NoError(t, repo.AppendBatch(ctx, []model.Message{c, a, noise, b}))

	contents := func(rows []model.MessageView) []string {
		out := make([]string, len(rows))
		for i, r := range rows {
			out[i] = r.Content
		}
		return out
	}

	page1, err := repo.PagedHistory(ctx, guild.ID, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"B", "C"}, contents(page1))
	assert.Equal(t, author.Avatar, page1[0].Avatar)

	page2, err := repo.PagedHistory(ctx, guild.ID, 2, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, contents(page2))

	page3, err := repo.PagedHistory(ctx, guild.ID, 3, 2)
	require.NoError(t, err)
	assert.Empty(t, page3)

	all, err := repo.PagedHistory(ctx, guild.ID, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B", "C"}, contents(all))

	bad, err := repo.PagedHistory(ctx, "not-a-uuid", 1, 50)
	require.NoError(t, err)
	assert.NotNil(t, bad)
	assert.Empty(t, bad)
}

func TestMessageRepository_HistoryWithoutAuthorRow(t *testing.T) {
	db := newTestDB(t)
	repo := NewMessageRepository(db)
	ctx := context.Background()
	owner := seedUser(t, db, "owner")
	guild := seedGuild(t, db, owner)

	ghost := &model.User{ID: uuidv7.New(), Username: "ghost"}
	msg := newMessage(guild.ID, ghost, "boo", time.Now().UTC())
	require.NoError(t, repo.Append(ctx, &msg))

	rows, err := repo.PagedHistory(ctx, guild.ID, 1, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "", rows[0].Avatar)
	assert.Equal(t, "ghost", rows[0].AuthorName)
}

func TestNormalizePage(t *testing.T) {
	tests := []struct{ page, size, wantPage, wantSize int }{
		{1, 10, 1, 10},
		{0, 10, 1, 10},
		{-3, 0, 1, DefaultPageSize},
		{2, -1, 2, DefaultPageSize},
		{5, 1000, 5, MaxPageSize},
	}
	for _, tt := range tests {
		p, s := NormalizePage(tt.page, tt.size)
		assert.Equal(t, tt.wantPage, p)
		assert.Equal(t, tt.wantSize, s)
	}
}

func TestMessageRepository_OwnershipGate(t *testing.T) {
	db := newTestDB(t)
	repo := NewMessageRepository(db)
	ctx := context.Background()
	author := seedUser(t, db, "alice")
	intruder := seedUser(t, db, "mallory")
	guild := seedGuild(t, db, author)

	msg := newMessage(guild.ID, author, "original", time.Now().UTC())
	require.NoError(t, repo.Append(ctx, &msg))

	ok, err := repo.UpdateMessageContent(ctx, msg.ID, intruder.ID, "hacked")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = repo.DeleteMessage(ctx, msg.ID, intruder.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = repo.UpdateMessageContent(ctx, "not-a-uuid", author.ID, "x")
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := repo.FindMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, "original", got.Content)

	ok, err = repo.UpdateMessageContent(ctx, msg.ID, author.ID, "bye")
	require.NoError(t, err)
	assert.True(t, ok)
	got, err = repo.FindMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, "bye", got.Content)
	assert.Equal(t, guild.ID, got.GuildID)

	ok, err = repo.DeleteMessage(ctx, msg.ID, author.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	_, err = repo.FindMessage(ctx, msg.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	ok, err = repo.DeleteMessage(ctx, msg.ID, author.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

// Foreign edit and delete attempts never change a message, whatever the content.
func TestMessageRepository_ForeignMutationProperty(t *testing.T) {
	db := newTestDB(t)
	repo := NewMessageRepository(db)
	ctx := context.Background()
	author := seedUser(t, db, "alice")
	guild := seedGuild(t, db, author)

	rapid.Check(t, func(rt *rapid.T) {
		original := rapid.StringMatching(`[a-zA-Z0-9 .,!?]{1,200}`).Draw(rt, "original")
		attempt := rapid.StringMatching(`[a-zA-Z0-9 .,!?]{1,200}`).Draw(rt, "attempt")
		requester := uuidv7.New()
		if rapid.Bool().Draw(rt, "malformed") {
			requester = rapid.StringMatching(`[a-z0-9\-]{0,40}`).Draw(rt, "requester")
		}

		msg := newMessage(guild.ID, author, original, time.Now().UTC())
		if err := repo.Append(ctx, &msg); err != nil {
			rt.Fatalf("append: %v", err)
		}

		if ok, err := repo.UpdateMessageContent(ctx, msg.ID, requester, attempt); err != nil || ok {
			rt.Fatalf("foreign edit applied: ok=%v err=%v", ok, err)
		}
		if ok, err := repo.DeleteMessage(ctx, msg.ID, requester); err != nil || ok {
			rt.Fatalf("foreign delete applied: ok=%v err=%v", ok, err)
		}

		got, err := repo.FindMessage(ctx, msg.ID)
		if err != nil {
			rt.Fatalf("message vanished: %v", err)
		}
		if got.Content != original {
			rt.Fatalf("content changed to %q", got.Content)
		}
	})
}
