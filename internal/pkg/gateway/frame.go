package gateway

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Gopher0727/campfire/internal/model"
)

// Live-channel frames are a kind prefix followed by a JSON payload.
const (
	MessagePrefix = "message:"
	EventPrefix   = "event:"
)

type EventType string

const (
	EventEdit   EventType = "edit"
	EventDelete EventType = "delete"
)

var (
	ErrUnknownFrame   = errors.New("unknown frame kind")
	ErrMalformedFrame = errors.New("malformed frame")
)

// Frame is an inbound frame: either *SendFrame or *EventFrame.
type Frame interface {
	isFrame()
}

// SendFrame asks to post a new message. AuthorID and AuthorName are carried on
// the wire but the server always overwrites them with the connection identity.
type SendFrame struct {
	GuildID    string `json:"guild"`
	AuthorID   string `json:"author_id"`
	AuthorName string `json:"author_name"`
	Content    string `json:"content"`
	Avatar     string `json:"avatar"`
}

// EventFrame asks to edit or delete an existing message.
type EventFrame struct {
	EventType EventType `json:"eventType"`
	GuildID   string    `json:"guild"`
	ID        string    `json:"id"`
	Content   *string   `json:"content,omitempty"`

	raw []byte
}

func (*SendFrame) isFrame()  {}
func (*EventFrame) isFrame() {}

// Raw returns the frame exactly as it was received, prefix included.
func (f *EventFrame) Raw() []byte {
	return f.raw
}

// ParseFrame decodes one inbound frame.
func ParseFrame(data []byte) (Frame, error) {
	switch {
	case bytes.HasPrefix(data, []byte(MessagePrefix)):
		var f SendFrame
		if err := json.Unmarshal(data[len(MessagePrefix):], &f); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		return &f, nil

	case bytes.HasPrefix(data, []byte(EventPrefix)):
		var f EventFrame
		if err := json.Unmarshal(data[len(EventPrefix):], &f); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		switch f.EventType {
		case EventEdit:
			if f.Content == nil {
				return nil, fmt.Errorf("%w: edit without content", ErrMalformedFrame)
			}
		case EventDelete:
		default:
			return nil, fmt.Errorf("%w: event type %q", ErrMalformedFrame, f.EventType)
		}
		f.raw = bytes.Clone(data)
		return &f, nil
	}
	return nil, ErrUnknownFrame
}

// EncodeMessage renders the outbound frame announcing a stored message.
func EncodeMessage(view model.MessageView) ([]byte, error) {
	payload, err := json.Marshal(view)
	if err != nil {
		return nil, err
	}
	return append([]byte(MessagePrefix), payload...), nil
}
