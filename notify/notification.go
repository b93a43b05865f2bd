package notify

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bringyour/atelier/bus"
)

var ErrInvalidNotification = errors.New("invalid notification")

type NotificationType string

const (
	TypeInfo    NotificationType = "info"
	TypePending NotificationType = "pending"
	TypeSuccess NotificationType = "success"
	TypeError   NotificationType = "error"
)

// unknown types display as info
func ParseNotificationType(value string) NotificationType {
	switch t := NotificationType(strings.ToLower(value)); t {
	case TypeInfo, TypePending, TypeSuccess, TypeError:
		return t
	default:
		return TypeInfo
	}
}

type Notification struct {
	Id        string           `json:"id"`
	Title     string           `json:"title"`
	Message   string           `json:"message"`
	Type      NotificationType `json:"type"`
	Timestamp time.Time        `json:"timestamp"`
	Read      bool             `json:"read"`
	Data      json.RawMessage  `json:"data,omitempty"`
}

// the inbound `notification` payload
// the relay sends `{type, action, item, message}`, other producers `{title, body}`
type notificationEvent struct {
	Id        string          `json:"id"`
	Title     string          `json:"title"`
	Body      string          `json:"body"`
	Message   string          `json:"message"`
	Type      string          `json:"type"`
	Action    string          `json:"action"`
	Timestamp json.RawMessage `json:"timestamp"`
	Item      json.RawMessage `json:"item"`
	Data      json.RawMessage `json:"data"`
}

func ParseNotificationEvent(data json.RawMessage) (Notification, error) {
	var event notificationEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return Notification{}, fmt.Errorf("%w: %w", ErrInvalidNotification, err)
	}

	notification := Notification{
		Id:      event.Id,
		Title:   event.Title,
		Message: event.Message,
		Type:    ParseNotificationType(event.Type),
		Data:    event.Data,
	}
	if notification.Message == "" {
		notification.Message = event.Body
	}
	if notification.Title == "" {
		notification.Title = event.Action
	}
	if len(notification.Data) == 0 {
		notification.Data = event.Item
	}
	if notification.Title == "" && notification.Message == "" {
		return Notification{}, fmt.Errorf("%w: missing title and message", ErrInvalidNotification)
	}
	if timestamp, ok := bus.ParseTimestamp(event.Timestamp); ok {
		notification.Timestamp = timestamp
	}
	return notification, nil
}
