package comment

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/golang/glog"
	"golang.org/x/exp/maps"

	"github.com/bringyour/atelier/bus"
)

type ChangeFunction func(room bus.Room)

// the bus client satisfies this
type Emitter interface {
	Emit(event string, payload any) error
}

type StoreSettings struct {
	// an optimistic comment matches a remote comment with the same author and body
	// when the timestamps are within this tolerance
	MatchTolerance time.Duration
	MaxBodyLength  int
}

func DefaultStoreSettings() *StoreSettings {
	return &StoreSettings{
		MatchTolerance: 5 * time.Second,
		MaxBodyLength:  1000,
	}
}

type entry struct {
	comment Comment
	// arrival order, breaks timestamp ties
	seq uint64
}

type roomComments struct {
	entries []*entry
}

// per room comments with optimistic posting
// optimistic entries are reconciled with the relay's confirmation,
// by the echoed client id when present and by author, body and time otherwise
type Store struct {
	ctx    context.Context
	cancel context.CancelFunc

	emitter  Emitter
	settings *StoreSettings

	stateLock sync.Mutex
	rooms     map[bus.Room]*roomComments
	nextSeq   uint64

	changeCallbacks *bus.CallbackList[ChangeFunction]
}

func NewStoreWithDefaults(ctx context.Context, emitter Emitter) *Store {
	return NewStore(ctx, emitter, DefaultStoreSettings())
}

func NewStore(ctx context.Context, emitter Emitter, settings *StoreSettings) *Store {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Store{
		ctx:             cancelCtx,
		cancel:          cancel,
		emitter:         emitter,
		settings:        settings,
		rooms:           map[bus.Room]*roomComments{},
		changeCallbacks: bus.NewCallbackList[ChangeFunction](),
	}
}

func (self *Store) AddChangeCallback(changeCallback ChangeFunction) func() {
	callbackId := self.changeCallbacks.Add(changeCallback)
	return func() {
		self.changeCallbacks.Remove(callbackId)
	}
}

func (self *Store) changed(room bus.Room) {
	for _, changeCallback := range self.changeCallbacks.Get() {
		bus.HandleError(func() {
			changeCallback(room)
		})
	}
}

func (self *Store) OpenRoom(room bus.Room) {
	opened := func() bool {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if _, ok := self.rooms[room]; ok {
			return false
		}
		self.rooms[room] = &roomComments{}
		return true
	}()
	if opened {
		self.changed(room)
	}
}

// drops the room's comments
func (self *Store) CloseRoom(room bus.Room) {
	closed := func() bool {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if _, ok := self.rooms[room]; !ok {
			return false
		}
		delete(self.rooms, room)
		return true
	}()
	if closed {
		self.changed(room)
	}
}

func (self *Store) Rooms() []bus.Room {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	rooms := maps.Keys(self.rooms)
	slices.SortFunc(rooms, func(a bus.Room, b bus.Room) int {
		return strings.Compare(a.Name(), b.Name())
	})
	return rooms
}

func (self *Store) IsOpen(room bus.Room) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	_, ok := self.rooms[room]
	return ok
}

func (self *Store) validate(room bus.Room, author string, body string) (string, error) {
	if room.Domain == "" || room.Id == "" {
		return "", fmt.Errorf("%w: room", ErrMissingField)
	}
	if strings.TrimSpace(author) == "" {
		return "", fmt.Errorf("%w: author", ErrMissingField)
	}
	body = strings.TrimSpace(body)
	if body == "" {
		return "", ErrEmptyComment
	}
	if self.settings.MaxBodyLength < utf8.RuneCountInString(body) {
		return "", fmt.Errorf("%w: %d characters allowed", ErrCommentTooLong, self.settings.MaxBodyLength)
	}
	return body, nil
}

func addCommentPayload(room bus.Room, c Comment) map[string]any {
	payload := map[string]any{
		room.IdField(): room.Id,
		"comment":      c.Body,
		"user":         c.Author,
		"clientId":     c.Id,
	}
	if c.FileId != "" {
		payload["fileId"] = c.FileId
	}
	return payload
}

// PostLocal appends an optimistic comment and emits `add-comment`
// when the emit fails the comment stays optimistic and is returned with the error
func (self *Store) PostLocal(room bus.Room, author string, body string, fileId string) (Comment, error) {
	body, err := self.validate(room, author, body)
	if err != nil {
		return Comment{}, err
	}

	c := Comment{
		Id:           bus.NewTempId(),
		Author:       author,
		Body:         body,
		FileId:       fileId,
		Timestamp:    time.Now(),
		Read:         true,
		IsOptimistic: true,
	}

	err = func() error {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		comments, ok := self.rooms[room]
		if !ok {
			return fmt.Errorf("%w: %s", ErrRoomNotOpen, room)
		}
		self.nextSeq += 1
		comments.entries = append(comments.entries, &entry{
			comment: c,
			seq:     self.nextSeq,
		})
		return nil
	}()
	if err != nil {
		return Comment{}, err
	}
	self.changed(room)

	if err := self.emitter.Emit(bus.EventAddComment, addCommentPayload(room, c)); err != nil {
		glog.Infof("[c]%s post %s error = %s\n", room, c.Id, err)
		return c, fmt.Errorf("emit comment: %w", err)
	}
	return c, nil
}

// Resend emits an optimistic comment again
// there is no automatic retry, failed posts are resent by the caller
func (self *Store) Resend(room bus.Room, id string) error {
	c, err := func() (Comment, error) {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		comments, ok := self.rooms[room]
		if !ok {
			return Comment{}, fmt.Errorf("%w: %s", ErrRoomNotOpen, room)
		}
		i := comments.indexOfId(id)
		if i < 0 {
			return Comment{}, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		if !comments.entries[i].comment.IsOptimistic {
			return Comment{}, fmt.Errorf("%w: %s", ErrNotOptimistic, id)
		}
		return comments.entries[i].comment, nil
	}()
	if err != nil {
		return err
	}

	if err := self.emitter.Emit(bus.EventAddComment, addCommentPayload(room, c)); err != nil {
		return fmt.Errorf("emit comment: %w", err)
	}
	return nil
}

// ReceiveRemote reconciles a confirmed comment into the room
// returns false when the room is not open or the comment is a duplicate
func (self *Store) ReceiveRemote(room bus.Room, remote Comment) bool {
	changed := func() bool {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		comments, ok := self.rooms[room]
		if !ok {
			return false
		}
		return self.reconcile(room, comments, remote)
	}()
	if changed {
		self.changed(room)
	}
	return changed
}

// Seed loads confirmed comments, e.g. from the rest api
func (self *Store) Seed(room bus.Room, remotes []Comment) int {
	changeCount := func() int {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		comments, ok := self.rooms[room]
		if !ok {
			return 0
		}
		changeCount := 0
		for _, remote := range remotes {
			if self.reconcile(room, comments, remote) {
				changeCount += 1
			}
		}
		return changeCount
	}()
	if 0 < changeCount {
		self.changed(room)
	}
	return changeCount
}

// must be called with the state lock
func (self *Store) reconcile(room bus.Room, comments *roomComments, remote Comment) bool {
	remote.IsOptimistic = false
	if remote.Id == "" {
		remote.Id = bus.NewId()
	}
	if remote.Timestamp.IsZero() {
		remote.Timestamp = time.Now()
	}

	replace := func(i int) bool {
		local := comments.entries[i].comment
		remote.Read = local.Read
		if remote.ClientId == "" {
			remote.ClientId = local.Id
		}
		comments.entries[i] = &entry{
			comment: remote,
			seq:     comments.entries[i].seq,
		}
		glog.V(1).Infof("[c]%s confirm %s = %s\n", room, local.Id, remote.Id)
		return true
	}

	// 1. correlation id
	if remote.ClientId != "" {
		if i := comments.indexOfId(remote.ClientId); 0 <= i && comments.entries[i].comment.IsOptimistic {
			return replace(i)
		}
	}

	// 2. same id
	if i := comments.indexOfId(remote.Id); 0 <= i {
		if comments.entries[i].comment.IsOptimistic {
			return replace(i)
		}
		glog.V(1).Infof("[c]%s duplicate id %s\n", room, remote.Id)
		return false
	}

	// 3. optimistic entry with the same author and body, oldest first
	match := -1
	for i, e := range comments.entries {
		c := e.comment
		if !c.IsOptimistic || c.Author != remote.Author || c.Body != remote.Body {
			continue
		}
		if self.settings.MatchTolerance < absDuration(c.Timestamp.Sub(remote.Timestamp)) {
			continue
		}
		if match < 0 || e.seq < comments.entries[match].seq {
			match = i
		}
	}
	if 0 <= match {
		return replace(match)
	}

	// 4. same author and timestamp
	for _, e := range comments.entries {
		c := e.comment
		if !c.IsOptimistic && c.Author == remote.Author && c.Timestamp.Equal(remote.Timestamp) {
			glog.V(1).Infof("[c]%s duplicate %s at %s\n", room, remote.Author, remote.Timestamp)
			return false
		}
	}

	// 5. new
	remote.Read = false
	self.nextSeq += 1
	comments.entries = append(comments.entries, &entry{
		comment: remote,
		seq:     self.nextSeq,
	})
	return true
}

// newest first, ties by arrival with the later arrival first
func (self *Store) Comments(room bus.Room) []Comment {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	comments, ok := self.rooms[room]
	if !ok {
		return []Comment{}
	}
	entries := slices.Clone(comments.entries)
	sort.SliceStable(entries, func(i int, j int) bool {
		a := entries[i]
		b := entries[j]
		if !a.comment.Timestamp.Equal(b.comment.Timestamp) {
			return a.comment.Timestamp.After(b.comment.Timestamp)
		}
		return a.seq > b.seq
	})
	out := make([]Comment, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.comment)
	}
	return out
}

func (self *Store) MarkRead(room bus.Room, id string) {
	changed := func() bool {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		comments, ok := self.rooms[room]
		if !ok {
			return false
		}
		i := comments.indexOfId(id)
		if i < 0 || comments.entries[i].comment.Read {
			return false
		}
		comments.markRead(i)
		return true
	}()
	if changed {
		self.changed(room)
	}
}

func (self *Store) MarkAllRead(room bus.Room) {
	changed := func() bool {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		comments, ok := self.rooms[room]
		if !ok {
			return false
		}
		changed := false
		for i, e := range comments.entries {
			if !e.comment.Read {
				comments.markRead(i)
				changed = true
			}
		}
		return changed
	}()
	if changed {
		self.changed(room)
	}
}

func (self *Store) UnreadCount(room bus.Room) int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	comments, ok := self.rooms[room]
	if !ok {
		return 0
	}
	unreadCount := 0
	for _, e := range comments.entries {
		if !e.comment.Read {
			unreadCount += 1
		}
	}
	return unreadCount
}

type newCommentEvent struct {
	Comment *RemoteComment `json:"comment"`
}

// bus handler for `new-comment` and `linesheet-comment`
// the event is routed to the open room whose id field matches
func (self *Store) HandleNewCommentEvent(data json.RawMessage) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		glog.Infof("[c]drop comment event = %s\n", err)
		return
	}
	var event newCommentEvent
	if err := json.Unmarshal(data, &event); err != nil || event.Comment == nil {
		glog.Infof("[c]drop comment event without comment\n")
		return
	}

	for _, room := range self.Rooms() {
		raw, ok := fields[room.IdField()]
		if !ok {
			continue
		}
		var roomId string
		if err := json.Unmarshal(raw, &roomId); err != nil || roomId != room.Id {
			continue
		}
		self.ReceiveRemote(room, event.Comment.ToComment())
		return
	}
	glog.V(2).Infof("[c]no open room for comment event\n")
}

func (self *Store) Close() {
	self.cancel()
	self.stateLock.Lock()
	self.rooms = map[bus.Room]*roomComments{}
	self.stateLock.Unlock()
}

func (self *roomComments) indexOfId(id string) int {
	return slices.IndexFunc(self.entries, func(e *entry) bool {
		return e.comment.Id == id
	})
}

func (self *roomComments) markRead(i int) {
	e := *self.entries[i]
	e.comment.Read = true
	self.entries[i] = &e
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
