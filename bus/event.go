package bus

import (
	"encoding/json"
	"errors"
	"fmt"
)

const (
	EventNewComment       = "new-comment"
	EventLineSheetComment = "linesheet-comment"
	EventAddComment       = "add-comment"
	// the line sheet form of add-comment, with the comment as an object
	EventAddLineSheetComment = "add-linesheet-comment"
	// a client announces a changed tech pack, the others get techpack-update
	EventTechPackUpdated = "techpack-updated"
	EventTechPackUpdate  = "techpack-update"
	EventNotification    = "notification"
	EventChatMessage     = "chat-message"
	EventError           = "error"
)

var ErrInvalidFrame = errors.New("invalid frame")

// every text frame on the bus is one envelope
// a zero length frame is a ping and carries no envelope
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func EncodeEnvelope(event string, payload any) ([]byte, error) {
	var data json.RawMessage
	switch v := payload.(type) {
	case nil:
	case json.RawMessage:
		data = v
	case []byte:
		data = v
	default:
		var err error
		data, err = json.Marshal(payload)
		if err != nil {
			return nil, err
		}
	}
	return json.Marshal(&Envelope{
		Event: event,
		Data:  data,
	})
}

func DecodeEnvelope(message []byte) (*Envelope, error) {
	var envelope Envelope
	if err := json.Unmarshal(message, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidFrame, err)
	}
	if envelope.Event == "" {
		return nil, fmt.Errorf("%w: missing event", ErrInvalidFrame)
	}
	return &envelope, nil
}

type ErrorMessage struct {
	Message string `json:"message"`
}
