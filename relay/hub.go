package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/bringyour/atelier/bus"
	"github.com/bringyour/atelier/comment"
)

// the domains the relay serves rooms and collections for
var Domains = []string{
	bus.DomainTechPack,
	bus.DomainLineSheet,
	bus.DomainPantone,
	bus.DomainPrintStrike,
	bus.DomainPreProduction,
}

func IsDomain(domain string) bool {
	return slices.Contains(Domains, domain)
}

type HubSettings struct {
	PingTimeout      time.Duration
	WriteTimeout     time.Duration
	ReadTimeout      time.Duration
	SendBufferSize   int
	MaxCommentLength int
	// empty allows any origin
	AllowedOrigins []string
}

func DefaultHubSettings() *HubSettings {
	return &HubSettings{
		PingTimeout:      5 * time.Second,
		WriteTimeout:     5 * time.Second,
		ReadTimeout:      15 * time.Second,
		SendBufferSize:   64,
		MaxCommentLength: 1000,
	}
}

type hubConn struct {
	connId string
	send   chan []byte
	rooms  map[bus.Room]bool
}

// fans bus events out to the connections in a room
type Hub struct {
	ctx    context.Context
	cancel context.CancelFunc

	store    *Store
	metrics  *Metrics
	settings *HubSettings
	upgrader websocket.Upgrader

	stateLock sync.Mutex
	conns     map[*hubConn]bool
	rooms     map[bus.Room]map[*hubConn]bool
}

func NewHub(ctx context.Context, store *Store, metrics *Metrics, settings *HubSettings) *Hub {
	cancelCtx, cancel := context.WithCancel(ctx)
	hub := &Hub{
		ctx:      cancelCtx,
		cancel:   cancel,
		store:    store,
		metrics:  metrics,
		settings: settings,
		conns:    map[*hubConn]bool{},
		rooms:    map[bus.Room]map[*hubConn]bool{},
	}
	hub.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     hub.checkOrigin,
	}
	return hub
}

func (self *Hub) checkOrigin(r *http.Request) bool {
	if len(self.settings.AllowedOrigins) == 0 {
		return true
	}
	return slices.Contains(self.settings.AllowedOrigins, r.Header.Get("Origin"))
}

func (self *Hub) Close() {
	self.cancel()
}

// upgrades the request and serves the connection until it closes
func (self *Hub) ServeWs(w http.ResponseWriter, r *http.Request) {
	ws, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Infof("[r]upgrade error = %s\n", err)
		return
	}
	defer ws.Close()

	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()

	conn := &hubConn{
		connId: uuid.NewString(),
		send:   make(chan []byte, self.settings.SendBufferSize),
		rooms:  map[bus.Room]bool{},
	}
	self.register(conn)
	defer self.unregister(conn)
	glog.V(1).Infof("[r]%s connected\n", conn.connId)

	go func() {
		defer handleCancel()

		for {
			select {
			case <-handleCtx.Done():
				return
			case message := <-conn.send:
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.TextMessage, message); err != nil {
					glog.Infof("[rs]%s-> error = %s\n", conn.connId, err)
					return
				}
			case <-time.After(self.settings.PingTimeout):
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.TextMessage, make([]byte, 0)); err != nil {
					return
				}
			}
		}
	}()

	go func() {
		defer handleCancel()

		for {
			select {
			case <-handleCtx.Done():
				return
			default:
			}

			ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
			messageType, message, err := ws.ReadMessage()
			if err != nil {
				glog.V(1).Infof("[rr]%s<- error = %s\n", conn.connId, err)
				return
			}
			if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
				continue
			}
			if 0 == len(message) {
				// ping
				continue
			}
			envelope, err := bus.DecodeEnvelope(message)
			if err != nil {
				glog.Infof("[rr]%s<- drop = %s\n", conn.connId, err)
				continue
			}
			self.metrics.Events.WithLabelValues(eventLabel(envelope.Event)).Inc()
			bus.HandleError(func() {
				self.handleEvent(handleCtx, conn, envelope)
			})
		}
	}()

	select {
	case <-handleCtx.Done():
	}
}

func (self *Hub) register(conn *hubConn) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.conns[conn] = true
	self.metrics.Connections.Inc()
}

func (self *Hub) unregister(conn *hubConn) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	delete(self.conns, conn)
	for room := range conn.rooms {
		self.leaveWithLock(conn, room)
	}
	self.metrics.Connections.Dec()
	glog.V(1).Infof("[r]%s disconnected\n", conn.connId)
}

func (self *Hub) join(conn *hubConn, room bus.Room) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if _, ok := self.conns[conn]; !ok {
		return
	}
	members, ok := self.rooms[room]
	if !ok {
		members = map[*hubConn]bool{}
		self.rooms[room] = members
	}
	members[conn] = true
	conn.rooms[room] = true
	glog.V(1).Infof("[r]%s joined %s\n", conn.connId, room)
}

func (self *Hub) leave(conn *hubConn, room bus.Room) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.leaveWithLock(conn, room)
}

func (self *Hub) leaveWithLock(conn *hubConn, room bus.Room) {
	delete(conn.rooms, room)
	if members, ok := self.rooms[room]; ok {
		delete(members, conn)
		if len(members) == 0 {
			delete(self.rooms, room)
		}
	}
}

func (self *Hub) RoomSize(room bus.Room) int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.rooms[room])
}

// a slow connection drops messages rather than blocking the room
func (self *Hub) deliver(conns []*hubConn, message []byte) {
	for _, conn := range conns {
		select {
		case conn.send <- message:
		default:
			glog.Infof("[r]%s drop, send buffer full\n", conn.connId)
		}
	}
}

func (self *Hub) Broadcast(room bus.Room, event string, payload any) error {
	message, err := bus.EncodeEnvelope(event, payload)
	if err != nil {
		return err
	}
	self.stateLock.Lock()
	conns := make([]*hubConn, 0, len(self.rooms[room]))
	for conn := range self.rooms[room] {
		conns = append(conns, conn)
	}
	self.stateLock.Unlock()

	self.metrics.Broadcasts.WithLabelValues(event).Inc()
	self.deliver(conns, message)
	return nil
}

func (self *Hub) BroadcastAll(event string, payload any) error {
	return self.broadcastAllExcept(nil, event, payload)
}

func (self *Hub) broadcastAllExcept(except *hubConn, event string, payload any) error {
	message, err := bus.EncodeEnvelope(event, payload)
	if err != nil {
		return err
	}
	self.stateLock.Lock()
	conns := make([]*hubConn, 0, len(self.conns))
	for conn := range self.conns {
		if conn != except {
			conns = append(conns, conn)
		}
	}
	self.stateLock.Unlock()

	self.metrics.Broadcasts.WithLabelValues(event).Inc()
	self.deliver(conns, message)
	return nil
}

func (self *Hub) reply(conn *hubConn, event string, payload any) {
	message, err := bus.EncodeEnvelope(event, payload)
	if err != nil {
		return
	}
	self.deliver([]*hubConn{conn}, message)
}

func (self *Hub) replyError(conn *hubConn, event string, err error) {
	self.metrics.Rejected.WithLabelValues(eventLabel(event)).Inc()
	self.reply(conn, bus.EventError, &bus.ErrorMessage{
		Message: err.Error(),
	})
}

func (self *Hub) handleEvent(ctx context.Context, conn *hubConn, envelope *bus.Envelope) {
	switch {
	case strings.HasPrefix(envelope.Event, "join-"):
		if room, err := parseRoomEvent(envelope, "join-"); err == nil {
			self.join(conn, room)
		} else {
			self.replyError(conn, envelope.Event, err)
		}
	case strings.HasPrefix(envelope.Event, "leave-"):
		if room, err := parseRoomEvent(envelope, "leave-"); err == nil {
			self.leave(conn, room)
		}
	case envelope.Event == bus.EventAddComment:
		if err := self.addComment(ctx, envelope.Data); err != nil {
			glog.V(1).Infof("[r]%s add-comment error = %s\n", conn.connId, err)
			self.replyError(conn, envelope.Event, err)
		}
	case envelope.Event == bus.EventAddLineSheetComment:
		if err := self.addLineSheetComment(ctx, envelope.Data); err != nil {
			glog.V(1).Infof("[r]%s add-linesheet-comment error = %s\n", conn.connId, err)
			self.replyError(conn, envelope.Event, err)
		}
	case envelope.Event == bus.EventTechPackUpdated:
		self.broadcastAllExcept(conn, bus.EventTechPackUpdate, envelope.Data)
	case envelope.Event == bus.EventChatMessage:
		if err := self.chatMessage(envelope.Data); err != nil {
			self.replyError(conn, envelope.Event, err)
		}
	default:
		glog.V(1).Infof("[r]%s unhandled %s\n", conn.connId, envelope.Event)
	}
}

// client event names are mapped onto a fixed label set
func eventLabel(event string) string {
	switch {
	case strings.HasPrefix(event, "join-"):
		return "join"
	case strings.HasPrefix(event, "leave-"):
		return "leave"
	}
	switch event {
	case bus.EventAddComment,
		bus.EventAddLineSheetComment,
		bus.EventTechPackUpdated,
		bus.EventChatMessage:
		return event
	default:
		return "other"
	}
}

func parseRoomEvent(envelope *bus.Envelope, prefix string) (bus.Room, error) {
	domain := strings.TrimPrefix(envelope.Event, prefix)
	if !IsDomain(domain) {
		return bus.Room{}, fmt.Errorf("%w: unknown domain %s", bus.ErrInvalidRoom, domain)
	}
	var id string
	if err := json.Unmarshal(envelope.Data, &id); err != nil || id == "" {
		return bus.Room{}, fmt.Errorf("%w: missing id", bus.ErrInvalidRoom)
	}
	return bus.NewRoom(domain, id), nil
}

// the room is named by whichever domain id field the payload carries
func roomForPayload(fields map[string]json.RawMessage) (bus.Room, bool) {
	for _, domain := range Domains {
		raw, ok := fields[bus.IdField(domain)]
		if !ok {
			continue
		}
		var id string
		if err := json.Unmarshal(raw, &id); err == nil && id != "" {
			return bus.NewRoom(domain, id), true
		}
	}
	return bus.Room{}, false
}

type addCommentEvent struct {
	Comment  string `json:"comment"`
	User     string `json:"user"`
	Role     string `json:"role"`
	ClientId string `json:"clientId"`
	FileId   string `json:"fileId"`
}

func (self *Hub) validateComment(user string, body string) (string, error) {
	if strings.TrimSpace(user) == "" {
		return "", fmt.Errorf("%w: user", comment.ErrMissingField)
	}
	body = strings.TrimSpace(body)
	if body == "" {
		return "", comment.ErrEmptyComment
	}
	if self.settings.MaxCommentLength < utf8.RuneCountInString(body) {
		return "", comment.ErrCommentTooLong
	}
	return body, nil
}

func (self *Hub) addComment(ctx context.Context, data json.RawMessage) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return errors.New("invalid comment data")
	}
	room, ok := roomForPayload(fields)
	if !ok {
		return fmt.Errorf("%w: room id", comment.ErrMissingField)
	}
	var event addCommentEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return errors.New("invalid comment data")
	}
	return self.saveComment(ctx, room, &event)
}

type addLineSheetCommentEvent struct {
	LineSheetId string `json:"lineSheetId"`
	Comment     struct {
		Id      string `json:"id"`
		Author  string `json:"author"`
		Comment string `json:"comment"`
		Role    string `json:"role"`
		FileId  string `json:"fileId"`
	} `json:"comment"`
}

// `{lineSheetId, comment: {id, author, comment, role}}`
// the comment id is the sender's temporary id
func (self *Hub) addLineSheetComment(ctx context.Context, data json.RawMessage) error {
	var event addLineSheetCommentEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return errors.New("invalid comment data")
	}
	if event.LineSheetId == "" {
		return fmt.Errorf("%w: lineSheetId", comment.ErrMissingField)
	}
	room := bus.NewRoom(bus.DomainLineSheet, event.LineSheetId)
	return self.saveComment(ctx, room, &addCommentEvent{
		Comment:  event.Comment.Comment,
		User:     event.Comment.Author,
		Role:     event.Comment.Role,
		ClientId: event.Comment.Id,
		FileId:   event.Comment.FileId,
	})
}

func (self *Hub) saveComment(ctx context.Context, room bus.Room, event *addCommentEvent) error {
	body, err := self.validateComment(event.User, event.Comment)
	if err != nil {
		return err
	}

	c, err := self.store.AddComment(ctx, &NewComment{
		Collection: room.Domain,
		RecordId:   room.Id,
		FileId:     event.FileId,
		ClientId:   event.ClientId,
		Author:     event.User,
		Body:       body,
		Role:       event.Role,
	})
	if err != nil {
		return errors.New("failed to save comment")
	}
	return self.BroadcastComment(room, c)
}

// `new-comment` or `linesheet-comment` to the room, the sender included
func (self *Hub) BroadcastComment(room bus.Room, c comment.Comment) error {
	return self.Broadcast(room, bus.CommentEvent(room.Domain), map[string]any{
		room.IdField(): room.Id,
		"comment":      comment.NewRemoteComment(c),
	})
}

type chatMessageEvent struct {
	Id      string `json:"id"`
	Sender  string `json:"sender"`
	Message string `json:"message"`
	Time    string `json:"time"`
}

func (self *Hub) chatMessage(data json.RawMessage) error {
	var event chatMessageEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return errors.New("invalid chat message")
	}
	message, err := self.validateComment(event.Sender, event.Message)
	if err != nil {
		return err
	}
	if event.Id == "" {
		event.Id = uuid.NewString()
	}
	event.Message = message
	event.Time = time.Now().UTC().Format(time.RFC3339Nano)
	return self.BroadcastAll(bus.EventChatMessage, &event)
}
