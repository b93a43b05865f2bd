package main

import (
	"sync"

	"github.com/bringyour/atelier/bus"
	"github.com/bringyour/atelier/comment"
	"github.com/bringyour/atelier/notify"
)

// prints each notification, confirmed comment and chat message once, as it first appears
// change callbacks arrive from the bus read loop, expiry and the caller, so all state is locked
// seen ids are pruned to what the stores still hold
type watchPrinter struct {
	styles *styles
	print  func(line string)

	stateLock         sync.Mutex
	seenNotifications map[string]bool
	seenComments      map[bus.Room]map[string]bool
	seenChat          map[string]bool
}

func newWatchPrinter(styles *styles, print func(line string)) *watchPrinter {
	return &watchPrinter{
		styles:            styles,
		print:             print,
		seenNotifications: map[string]bool{},
		seenComments:      map[bus.Room]map[string]bool{},
		seenChat:          map[string]bool{},
	}
}

// the lists are read under the lock so a stale list never replaces a newer one
// `list` is newest first
func (self *watchPrinter) notifications(list func() []notify.Notification) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	notifications := list()
	seen := map[string]bool{}
	for i := len(notifications) - 1; 0 <= i; i -= 1 {
		n := notifications[i]
		if !self.seenNotifications[n.Id] {
			self.print(self.styles.notification(n))
		}
		seen[n.Id] = true
	}
	self.seenNotifications = seen
}

// `list` is newest first
func (self *watchPrinter) comments(room bus.Room, list func() []comment.Comment) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	comments := list()
	last := self.seenComments[room]
	seen := map[string]bool{}
	for i := len(comments) - 1; 0 <= i; i -= 1 {
		c := comments[i]
		if c.IsOptimistic {
			continue
		}
		if !last[c.Id] {
			self.print(self.styles.comment(room, c))
		}
		seen[c.Id] = true
	}
	if len(seen) == 0 {
		delete(self.seenComments, room)
	} else {
		self.seenComments[room] = seen
	}
}

// `list` is oldest first
func (self *watchPrinter) chat(list func() []comment.ChatMessage) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	messages := list()
	seen := map[string]bool{}
	for _, m := range messages {
		if !self.seenChat[m.Id] {
			self.print(self.styles.chat(m))
		}
		seen[m.Id] = true
	}
	self.seenChat = seen
}
