package comment

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/bringyour/atelier/bus"
)

type ChatMessage struct {
	Id      string    `json:"id"`
	Sender  string    `json:"sender"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
	Read    bool      `json:"read"`
}

type ChatLogSettings struct {
	MaxMessages   int
	MaxBodyLength int
}

func DefaultChatLogSettings() *ChatLogSettings {
	return &ChatLogSettings{
		MaxMessages:   200,
		MaxBodyLength: 1000,
	}
}

// the global chat, oldest first
type ChatLog struct {
	emitter  Emitter
	settings *ChatLogSettings

	stateLock sync.Mutex
	messages  []ChatMessage

	changeCallbacks *bus.CallbackList[func()]
}

func NewChatLog(emitter Emitter, settings *ChatLogSettings) *ChatLog {
	return &ChatLog{
		emitter:         emitter,
		settings:        settings,
		changeCallbacks: bus.NewCallbackList[func()](),
	}
}

func (self *ChatLog) AddChangeCallback(changeCallback func()) func() {
	callbackId := self.changeCallbacks.Add(changeCallback)
	return func() {
		self.changeCallbacks.Remove(callbackId)
	}
}

func (self *ChatLog) changed() {
	for _, changeCallback := range self.changeCallbacks.Get() {
		bus.HandleError(changeCallback)
	}
}

// Send emits a chat message
// the relay broadcasts it to every connection, including this one, so it is not appended here
func (self *ChatLog) Send(sender string, message string) error {
	if strings.TrimSpace(sender) == "" {
		return fmt.Errorf("%w: sender", ErrMissingField)
	}
	message = strings.TrimSpace(message)
	if message == "" {
		return ErrEmptyComment
	}
	if self.settings.MaxBodyLength < len([]rune(message)) {
		return ErrCommentTooLong
	}
	return self.emitter.Emit(bus.EventChatMessage, &chatMessageEvent{
		Id:      bus.NewId(),
		Sender:  sender,
		Message: message,
	})
}

// Append adds an inbound message as unread
// returns false for a message id that is already present
func (self *ChatLog) Append(message ChatMessage) bool {
	added := func() bool {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if message.Id == "" {
			message.Id = bus.NewId()
		} else if slices.ContainsFunc(self.messages, func(m ChatMessage) bool {
			return m.Id == message.Id
		}) {
			return false
		}
		if message.Time.IsZero() {
			message.Time = time.Now()
		}
		message.Read = false
		self.messages = append(self.messages, message)
		if 0 < self.settings.MaxMessages && self.settings.MaxMessages < len(self.messages) {
			self.messages = slices.Clone(self.messages[len(self.messages)-self.settings.MaxMessages:])
		}
		return true
	}()
	if added {
		self.changed()
	}
	return added
}

func (self *ChatLog) MarkRead(id string) {
	changed := func() bool {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		i := slices.IndexFunc(self.messages, func(m ChatMessage) bool {
			return m.Id == id
		})
		if i < 0 || self.messages[i].Read {
			return false
		}
		self.messages[i].Read = true
		return true
	}()
	if changed {
		self.changed()
	}
}

func (self *ChatLog) MarkAllRead() {
	changed := func() bool {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		changed := false
		for i := range self.messages {
			if !self.messages[i].Read {
				self.messages[i].Read = true
				changed = true
			}
		}
		return changed
	}()
	if changed {
		self.changed()
	}
}

func (self *ChatLog) Messages() []ChatMessage {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return slices.Clone(self.messages)
}

func (self *ChatLog) Unread() []ChatMessage {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	unread := []ChatMessage{}
	for _, message := range self.messages {
		if !message.Read {
			unread = append(unread, message)
		}
	}
	return unread
}

func (self *ChatLog) Clear() {
	self.stateLock.Lock()
	self.messages = nil
	self.stateLock.Unlock()
	self.changed()
}

type chatMessageEvent struct {
	Id      string          `json:"id,omitempty"`
	Sender  string          `json:"sender"`
	Message string          `json:"message"`
	Time    json.RawMessage `json:"time,omitempty"`
}

// bus handler for `chat-message`
func (self *ChatLog) HandleChatMessageEvent(data json.RawMessage) {
	var event chatMessageEvent
	if err := json.Unmarshal(data, &event); err != nil {
		glog.Infof("[chat]drop message = %s\n", err)
		return
	}
	if event.Sender == "" || event.Message == "" {
		glog.Infof("[chat]drop message without sender or message\n")
		return
	}
	message := ChatMessage{
		Id:      event.Id,
		Sender:  event.Sender,
		Message: event.Message,
	}
	if t, ok := bus.ParseTimestamp(event.Time); ok {
		message.Time = t
	}
	self.Append(message)
}
