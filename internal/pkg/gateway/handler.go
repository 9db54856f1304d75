package gateway

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Gopher0727/campfire/config"
	"github.com/Gopher0727/campfire/internal/model"
	"github.com/Gopher0727/campfire/internal/repository"
	logger "github.com/Gopher0727/campfire/middleware/log"
	"github.com/Gopher0727/campfire/utils/uuidv7"
)

// avatar references longer than this are not echoed
const maxAvatarLength = 2048

// MessageStore is the buffer-aware message API used by the engine.
type MessageStore interface {
	Enqueue(msg model.Message)
	FindMessage(ctx context.Context, id string) (*model.Message, error)
	UpdateMessageContent(ctx context.Context, id, requesterID, content string) (bool, error)
	DeleteMessage(ctx context.Context, id, requesterID string) (bool, error)
}

// MembershipChecker confirms that a user still belongs to a guild.
type MembershipChecker interface {
	IsMember(ctx context.Context, guildID, userID string) (bool, error)
}

// Exporter receives every committed mutation. Export must not block.
type Exporter interface {
	Export(ev model.MessageEvent)
}

type Options struct {
	WriteWait      time.Duration
	PongWait       time.Duration
	PingPeriod     time.Duration
	MaxMessageSize int64
}

func OptionsFromConfig(cfg *config.WebsocketConfig) Options {
	return Options{
		WriteWait:      cfg.WriteWait,
		PongWait:       cfg.PongWait,
		PingPeriod:     cfg.PingPeriod,
		MaxMessageSize: cfg.MaxMessageSize,
	}
}

func (o *Options) setDefaults() {
	if o.WriteWait <= 0 {
		o.WriteWait = 10 * time.Second
	}
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	if o.PingPeriod <= 0 || o.PingPeriod >= o.PongWait {
		o.PingPeriod = o.PongWait * 9 / 10
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = 16 * 1024
	}
}

// MessageHandler is the fan-out engine. It reads frames from every active
// connection, authorises and applies them, and broadcasts the outcome to the
// connections of the same guild.
type MessageHandler struct {
	registry *Registry
	store    MessageStore
	members  MembershipChecker
	exporter Exporter
	opts     Options
	log      *logger.Logger
	now      func() time.Time
}

// NewMessageHandler creates the engine. members and exporter may be nil; without
// members admitted connections are not re-checked.
func NewMessageHandler(
	registry *Registry,
	store MessageStore,
	members MembershipChecker,
	exporter Exporter,
	opts Options,
	log *logger.Logger,
) *MessageHandler {
	opts.setDefaults()
	return &MessageHandler{
		registry: registry,
		store:    store,
		members:  members,
		exporter: exporter,
		opts:     opts,
		log:      log.Named("gateway"),
		now:      time.Now,
	}
}

// HandleConnection admits an authenticated, membership-checked connection and
// starts its pumps. The connection is removed from the registry when either
// pump stops.
//
// Membership is checked again once the connection is in the registry: a leave
// or guild delete that ran after the handshake check found nothing to close,
// so the connection is dropped here instead. It reports whether the
// connection was kept.
func (h *MessageHandler) HandleConnection(conn *Connection) bool {
	h.registry.Admit(conn)
	if !h.stillMember(conn) {
		h.registry.Remove(conn)
		return false
	}
	go h.writePump(conn)
	go h.readPump(conn)
	return true
}

func (h *MessageHandler) stillMember(conn *Connection) bool {
	if h.members == nil {
		return true
	}
	ok, err := h.members.IsMember(conn.Context(), conn.GuildID, conn.UserID)
	if err != nil {
		h.log.Error("membership recheck failed", zap.Error(err),
			zap.String("guild_id", conn.GuildID), zap.String("user_id", conn.UserID))
		return false
	}
	if !ok {
		h.log.Debug("membership lost before admit",
			zap.String("guild_id", conn.GuildID), zap.String("user_id", conn.UserID))
	}
	return ok
}

func (h *MessageHandler) readPump(conn *Connection) {
	defer h.registry.Remove(conn)

	ws := conn.Conn
	ws.SetReadLimit(h.opts.MaxMessageSize)
	ws.SetReadDeadline(time.Now().Add(h.opts.PongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(h.opts.PongWait))
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) && !conn.IsClosed() {
				h.log.Debug("websocket read error", zap.Error(err), zap.String("user_id", conn.UserID))
			}
			return
		}
		h.HandleFrame(conn.Context(), conn, data)
	}
}

func (h *MessageHandler) writePump(conn *Connection) {
	ticker := time.NewTicker(h.opts.PingPeriod)
	defer func() {
		ticker.Stop()
		h.registry.Remove(conn)
	}()

	ws := conn.Conn
	for {
		select {
		case <-conn.Context().Done():
			return
		case frame, ok := <-conn.Outbound():
			ws.SetWriteDeadline(time.Now().Add(h.opts.WriteWait))
			if !ok {
				ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			ws.SetWriteDeadline(time.Now().Add(h.opts.WriteWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// HandleFrame processes one inbound frame from conn. Refused or malformed
// frames are dropped without a reply, as is anything read from a connection
// that has since been closed (its guild deleted or its user gone).
func (h *MessageHandler) HandleFrame(ctx context.Context, conn *Connection, data []byte) {
	if conn.Context().Err() != nil {
		return
	}
	frame, err := ParseFrame(data)
	if err != nil {
		h.log.Debug("frame dropped", zap.Error(err), zap.String("user_id", conn.UserID))
		return
	}

	switch f := frame.(type) {
	case *SendFrame:
		h.handleSend(conn, f)
	case *EventFrame:
		h.handleEvent(ctx, conn, f)
	}
}

func (h *MessageHandler) handleSend(conn *Connection, f *SendFrame) {
	if !sameGuild(conn, f.GuildID) || !validContent(f.Content) {
		return
	}

	msg := model.Message{
		ID:         uuidv7.New(),
		AuthorID:   conn.UserID,
		AuthorName: conn.UserName,
		GuildID:    conn.GuildID,
		Content:    f.Content,
		CreatedAt:  h.now().UTC(),
	}
	h.store.Enqueue(msg)

	avatar := f.Avatar
	if len(avatar) > maxAvatarLength {
		avatar = ""
	}
	out, err := EncodeMessage(model.MessageView{Message: msg, Avatar: avatar})
	if err != nil {
		h.log.Error("encode message frame", zap.Error(err))
		return
	}
	h.registry.Broadcast(conn.GuildID, out)

	h.export(model.MessageEvent{
		Type:       model.EventCreated,
		GuildID:    msg.GuildID,
		MessageID:  msg.ID,
		ActorID:    msg.AuthorID,
		Content:    msg.Content,
		OccurredAt: msg.CreatedAt,
	})
}

func (h *MessageHandler) handleEvent(ctx context.Context, conn *Connection, f *EventFrame) {
	if !sameGuild(conn, f.GuildID) {
		return
	}
	if f.EventType == EventEdit && !validContent(*f.Content) {
		return
	}

	target, err := h.store.FindMessage(ctx, f.ID)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			h.log.ErrorContext(ctx, "find message", zap.Error(err), zap.String("message_id", f.ID))
		}
		return
	}
	if target.GuildID != conn.GuildID {
		return
	}

	var applied bool
	ev := model.MessageEvent{
		GuildID:    conn.GuildID,
		MessageID:  f.ID,
		ActorID:    conn.UserID,
		OccurredAt: h.now().UTC(),
	}
	switch f.EventType {
	case EventEdit:
		applied, err = h.store.UpdateMessageContent(ctx, f.ID, conn.UserID, *f.Content)
		ev.Type, ev.Content = model.EventEdited, *f.Content
	case EventDelete:
		applied, err = h.store.DeleteMessage(ctx, f.ID, conn.UserID)
		ev.Type = model.EventDeleted
	}
	if err != nil {
		h.log.ErrorContext(ctx, "apply message event", zap.Error(err),
			zap.String("event", string(f.EventType)), zap.String("message_id", f.ID))
		return
	}
	if !applied {
		return
	}

	h.registry.Broadcast(conn.GuildID, f.Raw())
	h.export(ev)
}

func (h *MessageHandler) export(ev model.MessageEvent) {
	if h.exporter != nil {
		h.exporter.Export(ev)
	}
}

// Shutdown disconnects every connection.
func (h *MessageHandler) Shutdown() {
	h.registry.Shutdown()
}

// sameGuild accepts a frame addressed to the connection's guild. An empty guild
// field means the bound guild.
func sameGuild(conn *Connection, guildID string) bool {
	return guildID == "" || guildID == conn.GuildID
}

// validContent rejects blank content and content over MaxContentLength characters.
func validContent(content string) bool {
	if strings.TrimSpace(content) == "" {
		return false
	}
	return utf8.RuneCountInString(content) <= model.MaxContentLength
}
