package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/golang/glog"

	"github.com/bringyour/atelier/api"
	"github.com/bringyour/atelier/bus"
	"github.com/bringyour/atelier/comment"
	"github.com/bringyour/atelier/notify"
)

type SessionSettings struct {
	Bus     *bus.ClientSettings
	Notify  *notify.StoreSettings
	Comment *comment.StoreSettings
	ChatLog *comment.ChatLogSettings
	Api     *api.ApiSettings
}

func DefaultSessionSettings() *SessionSettings {
	return &SessionSettings{
		Bus:     bus.DefaultClientSettings(),
		Notify:  notify.DefaultStoreSettings(),
		Comment: comment.DefaultStoreSettings(),
		ChatLog: comment.DefaultChatLogSettings(),
		Api:     api.DefaultApiSettings(),
	}
}

type handlerRegistration struct {
	event     string
	handlerId bus.CallbackId
}

// one signed in user's stores, bound to one bus connection
// the stores are created once here and torn down together by `Close`
type Session struct {
	ctx    context.Context
	cancel context.CancelFunc

	user *api.ByJwt

	busClient     *bus.Client
	atelierApi    *api.AtelierApi
	notifications *notify.Store
	comments      *comment.Store
	chatLog       *comment.ChatLog

	stateLock sync.Mutex
	handlers  []handlerRegistration
	closed    bool
}

func NewSession(ctx context.Context, apiUrl string, busUrl string, byJwt string, settings *SessionSettings) *Session {
	cancelCtx, cancel := context.WithCancel(ctx)

	user := &api.ByJwt{}
	if byJwt != "" {
		if parsed, err := api.ParseByJwtUnverified(byJwt); err == nil {
			user = parsed
		} else {
			glog.Infof("[s]could not read token = %s\n", err)
		}
	}

	busClient := bus.NewClient(cancelCtx, busUrl, byJwt, settings.Bus)
	atelierApi := api.NewAtelierApi(cancelCtx, apiUrl, settings.Api)
	atelierApi.SetByJwt(byJwt)

	session := &Session{
		ctx:           cancelCtx,
		cancel:        cancel,
		user:          user,
		busClient:     busClient,
		atelierApi:    atelierApi,
		notifications: notify.NewStore(cancelCtx, settings.Notify),
		comments:      comment.NewStore(cancelCtx, busClient, settings.Comment),
		chatLog:       comment.NewChatLog(busClient, settings.ChatLog),
	}

	session.on(bus.EventNotification, session.notifications.HandleNotificationEvent)
	session.on(bus.EventNewComment, session.comments.HandleNewCommentEvent)
	session.on(bus.EventLineSheetComment, session.comments.HandleNewCommentEvent)
	session.on(bus.EventChatMessage, session.chatLog.HandleChatMessageEvent)
	session.on(bus.EventError, session.handleErrorEvent)

	return session
}

func (self *Session) on(event string, handler bus.Handler) {
	handlerId := self.busClient.On(event, handler)
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.handlers = append(self.handlers, handlerRegistration{
		event:     event,
		handlerId: handlerId,
	})
}

// relay errors surface as error notifications
func (self *Session) handleErrorEvent(data json.RawMessage) {
	var errorMessage bus.ErrorMessage
	if err := json.Unmarshal(data, &errorMessage); err != nil || errorMessage.Message == "" {
		return
	}
	glog.Infof("[s]relay error = %s\n", errorMessage.Message)
	self.notifications.Add(notify.Notification{
		Title:   "Error",
		Message: errorMessage.Message,
		Type:    notify.TypeError,
	})
}

func (self *Session) Connect() error {
	return self.busClient.Connect()
}

// joins the room and loads the confirmed comments
// the room stays open and joined when loading fails
func (self *Session) OpenRoom(room bus.Room) error {
	self.comments.OpenRoom(room)
	if err := self.busClient.JoinRoom(room); err != nil {
		return fmt.Errorf("join %s: %w", room, err)
	}
	return self.Refresh(room)
}

// seeds the record comments and the comments on each of its files
func (self *Session) Refresh(room bus.Room) error {
	if !self.comments.IsOpen(room) {
		return fmt.Errorf("%w: %s", comment.ErrRoomNotOpen, room)
	}
	record, err := self.atelierApi.GetRecordSync(room.Domain, room.Id)
	if err != nil {
		return fmt.Errorf("load %s: %w", room, err)
	}
	comments := record.CommentsFor("")
	for _, file := range record.Files {
		comments = append(comments, record.CommentsFor(file.Id)...)
	}
	self.comments.Seed(room, comments)
	return nil
}

func (self *Session) CloseRoom(room bus.Room) error {
	self.comments.CloseRoom(room)
	return self.busClient.LeaveRoom(room)
}

// posts as the signed in user
func (self *Session) PostComment(room bus.Room, body string, fileId string) (comment.Comment, error) {
	return self.comments.PostLocal(room, self.user.DisplayName(), body, fileId)
}

func (self *Session) SendChat(message string) error {
	return self.chatLog.Send(self.user.DisplayName(), message)
}

func (self *Session) User() *api.ByJwt {
	return self.user
}

func (self *Session) Bus() *bus.Client {
	return self.busClient
}

func (self *Session) Api() *api.AtelierApi {
	return self.atelierApi
}

func (self *Session) Notifications() *notify.Store {
	return self.notifications
}

func (self *Session) Comments() *comment.Store {
	return self.comments
}

func (self *Session) ChatLog() *comment.ChatLog {
	return self.chatLog
}

func (self *Session) Done() <-chan struct{} {
	return self.ctx.Done()
}

// deregisters every handler, clears the stores and closes the connection
func (self *Session) Close() {
	self.stateLock.Lock()
	if self.closed {
		self.stateLock.Unlock()
		return
	}
	self.closed = true
	handlers := self.handlers
	self.handlers = nil
	self.stateLock.Unlock()

	bus.Trace("[s]close", func() {
		for _, handler := range handlers {
			self.busClient.Off(handler.event, handler.handlerId)
		}
		self.notifications.Clear()
		self.notifications.Close()
		self.comments.Close()
		self.chatLog.Clear()
		self.atelierApi.Close()
		self.busClient.Close()
		self.cancel()
	})
}
