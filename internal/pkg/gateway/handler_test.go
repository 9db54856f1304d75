package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Gopher0727/campfire/config"
	"github.com/Gopher0727/campfire/internal/model"
	"github.com/Gopher0727/campfire/internal/pkg/writebehind"
	"github.com/Gopher0727/campfire/internal/repository"
	"github.com/Gopher0727/campfire/internal/storage"
	logger "github.com/Gopher0727/campfire/middleware/log"
	"github.com/Gopher0727/campfire/utils/uuidv7"
)

type memStore struct {
	mu       sync.Mutex
	messages map[string]model.Message
	order    []string
}

func newMemStore() *memStore {
	return &memStore{messages: make(map[string]model.Message)}
}

func (s *memStore) Enqueue(msg model.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[msg.ID] = msg
	s.order = append(s.order, msg.ID)
}

func (s *memStore) FindMessage(_ context.Context, id string) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &msg, nil
}

func (s *memStore) UpdateMessageContent(_ context.Context, id, requesterID, content string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[id]
	if !ok || msg.AuthorID != requesterID {
		return false, nil
	}
	msg.Content = content
	s.messages[id] = msg
	return true, nil
}

func (s *memStore) DeleteMessage(_ context.Context, id, requesterID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[id]
	if !ok || msg.AuthorID != requesterID {
		return false, nil
	}
	delete(s.messages, id)
	return true, nil
}

func (s *memStore) last() model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.messages[s.order[len(s.order)-1]]
}

type exportRecorder struct {
	mu     sync.Mutex
	events []model.MessageEvent
}

func (e *exportRecorder) Export(ev model.MessageEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, ev)
}

func (e *exportRecorder) types() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.events))
	for i, ev := range e.events {
		out[i] = ev.Type
	}
	return out
}

type engineFixture struct {
	handler  *MessageHandler
	registry *Registry
	store    *memStore
	exports  *exportRecorder
}

func newEngine(t *testing.T) *engineFixture {
	t.Helper()
	registry := NewRegistry(4, nil, logger.NewNop())
	store := newMemStore()
	exports := &exportRecorder{}
	h := NewMessageHandler(registry, store, nil, exports, Options{}, logger.NewNop())
	h.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.FixedZone("X", 3600)) }
	return &engineFixture{handler: h, registry: registry, store: store, exports: exports}
}

func (f *engineFixture) join(userID, guildID string) *Connection {
	c := newTestConn(userID, guildID, 16)
	f.registry.Admit(c)
	return c
}

func decodeMessage(t *testing.T, frame []byte) model.MessageView {
	t.Helper()
	require.True(t, strings.HasPrefix(string(frame), MessagePrefix), string(frame))
	var view model.MessageView
	require.NoError(t, json.Unmarshal(frame[len(MessagePrefix):], &view))
	return view
}

func TestMessageHandler_SendStampsIdentity(t *testing.T) {
	f := newEngine(t)
	alice := f.join("alice", "g1")
	bob := f.join("bob", "g1")
	eve := f.join("eve", "g2")

	f.handler.HandleFrame(context.Background(), alice,
		[]byte(`message:{"guild":"g1","author_id":"bob","author_name":"Bob","content":"hello","avatar":"a.png"}`))

	stored := f.store.last()
	assert.Equal(t, "alice", stored.AuthorID)
	assert.Equal(t, "name-alice", stored.AuthorName)
	assert.Equal(t, "g1", stored.GuildID)
	assert.True(t, uuidv7.Valid(stored.ID))
	assert.Equal(t, time.UTC, stored.CreatedAt.Location())
	assert.Equal(t, 11, stored.CreatedAt.Hour())

	for _, c := range []*Connection{alice, bob} {
		frames := drain(c)
		require.Len(t, frames, 1)
		view := decodeMessage(t, frames[0])
		assert.Equal(t, stored.ID, view.ID)
		assert.Equal(t, "alice", view.AuthorID)
		assert.Equal(t, "a.png", view.Avatar)
	}
	assert.Empty(t, drain(eve))
	assert.Equal(t, []string{model.EventCreated}, f.exports.types())
}

func TestMessageHandler_SendRejections(t *testing.T) {
	tests := []struct {
		name  string
		frame string
	}{
		{"other guild", `message:{"guild":"g2","content":"hi"}`},
		{"empty content", `message:{"guild":"g1","content":""}`},
		{"whitespace content", `message:{"guild":"g1","content":"  \n\t "}`},
		{"too long", `message:{"guild":"g1","content":"` + strings.Repeat("é", model.MaxContentLength+1) + `"}`},
		{"malformed", `message:{"guild":`},
		{"no prefix", `{"guild":"g1","content":"hi"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newEngine(t)
			alice := f.join("alice", "g1")
			f.handler.HandleFrame(context.Background(), alice, []byte(tt.frame))

			assert.Empty(t, f.store.order)
			assert.Empty(t, drain(alice))
			assert.Empty(t, f.exports.types())
		})
	}

	t.Run("max length accepted", func(t *testing.T) {
		f := newEngine(t)
		alice := f.join("alice", "g1")
		f.handler.HandleFrame(context.Background(), alice,
			[]byte(`message:{"content":"`+strings.Repeat("é", model.MaxContentLength)+`"}`))
		assert.Len(t, f.store.order, 1)
		assert.Len(t, drain(alice), 1)
	})
}

func TestMessageHandler_EditAndDelete(t *testing.T) {
	f := newEngine(t)
	alice := f.join("alice", "g1")
	bob := f.join("bob", "g1")

	f.handler.HandleFrame(context.Background(), alice, []byte(`message:{"guild":"g1","content":"first"}`))
	id := f.store.last().ID
	drain(alice)
	drain(bob)

	edit := []byte(`event:{"eventType":"edit","guild":"g1","id":"` + id + `","content":"second"}`)
	f.handler.HandleFrame(context.Background(), alice, edit)

	msg, err := f.store.FindMessage(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "second", msg.Content)
	assert.Equal(t, [][]byte{edit}, drain(bob))
	drain(alice)

	del := []byte(`event:{"eventType":"delete","guild":"g1","id":"` + id + `"}`)
	f.handler.HandleFrame(context.Background(), alice, del)
	_, err = f.store.FindMessage(context.Background(), id)
	assert.ErrorIs(t, err, repository.ErrNotFound)
	assert.Equal(t, [][]byte{del}, drain(bob))

	assert.Equal(t, []string{model.EventCreated, model.EventEdited, model.EventDeleted}, f.exports.types())
}

func TestMessageHandler_EventRejections(t *testing.T) {
	f := newEngine(t)
	alice := f.join("alice", "g1")
	bob := f.join("bob", "g1")
	mallory := f.join("mallory", "g2")

	f.handler.HandleFrame(context.Background(), alice, []byte(`message:{"content":"mine"}`))
	id := f.store.last().ID
	drain(alice)
	drain(bob)

	rejected := []struct {
		name string
		conn *Connection
		data string
	}{
		{"foreign edit", bob, `event:{"eventType":"edit","guild":"g1","id":"` + id + `","content":"hijack"}`},
		{"foreign delete", bob, `event:{"eventType":"delete","guild":"g1","id":"` + id + `"}`},
		{"cross guild", mallory, `event:{"eventType":"delete","guild":"g2","id":"` + id + `"}`},
		{"guild mismatch", alice, `event:{"eventType":"delete","guild":"g2","id":"` + id + `"}`},
		{"blank edit", alice, `event:{"eventType":"edit","guild":"g1","id":"` + id + `","content":" "}`},
		{"unknown id", alice, `event:{"eventType":"delete","guild":"g1","id":"missing"}`},
		{"unknown type", alice, `event:{"eventType":"pin","guild":"g1","id":"` + id + `"}`},
	}
	for _, tt := range rejected {
		t.Run(tt.name, func(t *testing.T) {
			f.handler.HandleFrame(context.Background(), tt.conn, []byte(tt.data))

			msg, err := f.store.FindMessage(context.Background(), id)
			require.NoError(t, err)
			assert.Equal(t, "mine", msg.Content)
			assert.Empty(t, drain(alice))
			assert.Empty(t, drain(bob))
			assert.Empty(t, drain(mallory))
		})
	}
	assert.Equal(t, []string{model.EventCreated}, f.exports.types())
}

func TestMessageHandler_NilExporter(t *testing.T) {
	registry := NewRegistry(1, nil, logger.NewNop())
	h := NewMessageHandler(registry, newMemStore(), nil, nil, Options{}, logger.NewNop())
	c := newTestConn("u1", "g1", 4)
	registry.Admit(c)

	h.HandleFrame(context.Background(), c, []byte(`message:{"content":"hi"}`))
	assert.Len(t, drain(c), 1)
}

func TestOptionsDefaults(t *testing.T) {
	o := Options{PongWait: 10 * time.Second, PingPeriod: 20 * time.Second}
	o.setDefaults()
	assert.Equal(t, 9*time.Second, o.PingPeriod)
	assert.Equal(t, 10*time.Second, o.WriteWait)
	assert.Equal(t, int64(16*1024), o.MaxMessageSize)

	o = OptionsFromConfig(&config.WebsocketConfig{WriteWait: time.Second, PongWait: 4 * time.Second, PingPeriod: 2 * time.Second, MaxMessageSize: 512})
	o.setDefaults()
	assert.Equal(t, 2*time.Second, o.PingPeriod)
	assert.Equal(t, int64(512), o.MaxMessageSize)
}

// End to end over real sockets, a real write-behind buffer and SQLite.
func TestMessageHandler_WebSocketRoundTrip(t *testing.T) {
	db, err := storage.OpenDatabase(&config.StorageConfig{
		Driver:   "sqlite",
		Path:     filepath.Join(t.TempDir(), "ws.db"),
		LogLevel: "silent",
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})

	ctx := context.Background()
	alice, bob, mallory := uuidv7.New(), uuidv7.New(), uuidv7.New()
	guilds := repository.NewGuildRepository(db)
	guild := &model.Guild{ID: uuidv7.New(), Name: "campfire", Owner: alice, CreatedAt: time.Now().UTC()}
	require.NoError(t, guilds.Create(ctx, guild))
	require.NoError(t, guilds.AddMember(ctx, guild.ID, bob))

	repo := repository.NewMessageRepository(db)
	buffer := writebehind.New(repo, writebehind.Options{FlushInterval: 20 * time.Millisecond}, logger.NewNop())
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- buffer.Run(runCtx) }()

	registry := NewRegistry(4, nil, logger.NewNop())
	h := NewMessageHandler(registry, buffer, guilds, nil, Options{}, logger.NewNop())
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		q := r.URL.Query()
		id := Identity{UserID: q.Get("user"), UserName: q.Get("user")}
		h.HandleConnection(NewConnection(context.Background(), id, q.Get("guild"), ws, 16))
	}))
	t.Cleanup(srv.Close)

	dial := func(user string) *websocket.Conn {
		url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?user=" + user + "&guild=" + guild.ID
		c, _, err := websocket.DefaultDialer.Dial(url, nil)
		require.NoError(t, err)
		t.Cleanup(func() { c.Close() })
		return c
	}
	aliceWS := dial(alice)
	bobWS := dial(bob)
	require.Eventually(t, func() bool { return registry.GuildCount(guild.ID) == 2 }, 2*time.Second, 10*time.Millisecond)

	// upgraded without membership: dropped right after admission
	malloryWS := dial(mallory)
	malloryWS.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = malloryWS.ReadMessage()
	require.Error(t, err)
	assert.Equal(t, 2, registry.GuildCount(guild.ID))

	require.NoError(t, aliceWS.WriteMessage(websocket.TextMessage, []byte(`message:{"guild":"`+guild.ID+`","content":"over the wire"}`)))

	bobWS.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, frame, err := bobWS.ReadMessage()
	require.NoError(t, err)
	view := decodeMessage(t, frame)
	assert.Equal(t, alice, view.AuthorID)
	assert.Equal(t, "over the wire", view.Content)

	edit := []byte(`event:{"eventType":"edit","guild":"` + guild.ID + `","id":"` + view.ID + `","content":"edited"}`)
	require.NoError(t, aliceWS.WriteMessage(websocket.TextMessage, edit))
	_, frame, err = bobWS.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, edit, frame)

	require.Eventually(t, func() bool {
		stored, err := repo.FindMessage(context.Background(), view.ID)
		return err == nil && stored.Content == "edited"
	}, 2*time.Second, 20*time.Millisecond)

	bobWS.Close()
	require.Eventually(t, func() bool { return registry.GuildCount(guild.ID) == 1 }, 2*time.Second, 10*time.Millisecond)

	h.Shutdown()
	assert.Equal(t, 0, registry.Count())
	cancel()
	assert.NoError(t, <-done)
}

type membershipStub struct {
	member bool
	err    error
	calls  int
}

func (m *membershipStub) IsMember(context.Context, string, string) (bool, error) {
	m.calls++
	return m.member, m.err
}

func TestMessageHandler_HandleConnectionRechecksMembership(t *testing.T) {
	tests := []struct {
		name    string
		members *membershipStub
	}{
		{"membership lost", &membershipStub{member: false}},
		{"check failed", &membershipStub{member: true, err: errors.New("db down")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			presence := newPresenceRecorder()
			registry := NewRegistry(2, presence, logger.NewNop())
			h := NewMessageHandler(registry, newMemStore(), tt.members, nil, Options{}, logger.NewNop())
			c := newTestConn("bob", "g1", 4)

			assert.False(t, h.HandleConnection(c))
			assert.Equal(t, 1, tt.members.calls)
			assert.True(t, c.IsClosed())
			assert.Equal(t, 0, registry.GuildCount("g1"))
			assert.Equal(t, 0, presence.count("g1", "bob"))
		})
	}
}

func TestMessageHandler_ClosedConnectionFramesIgnored(t *testing.T) {
	f := newEngine(t)
	alice := f.join("alice", "g1")
	bob := f.join("bob", "g1")

	f.handler.HandleFrame(context.Background(), alice, []byte(`message:{"content":"first"}`))
	id := f.store.last().ID
	drain(bob)

	f.registry.Remove(alice)
	f.handler.HandleFrame(context.Background(), alice, []byte(`message:{"content":"late"}`))
	f.handler.HandleFrame(context.Background(), alice,
		[]byte(`event:{"eventType":"delete","id":"`+id+`"}`))

	assert.Len(t, f.store.order, 1)
	_, err := f.store.FindMessage(context.Background(), id)
	assert.NoError(t, err)
	assert.Empty(t, drain(bob))
	assert.Equal(t, []string{model.EventCreated}, f.exports.types())
}
