package bus

import (
	"errors"
	"fmt"
	"strings"
)

const (
	DomainTechPack      = "techpack"
	DomainLineSheet     = "linesheet"
	DomainPantone       = "pantone"
	DomainPrintStrike   = "printstrike"
	DomainPreProduction = "preproduction"
)

var ErrInvalidRoom = errors.New("invalid room")

// a server-side grouping of connections, named `<domain>-<id>`
type Room struct {
	Domain string
	Id     string
}

func NewRoom(domain string, id string) Room {
	return Room{
		Domain: domain,
		Id:     id,
	}
}

func ParseRoom(name string) (Room, error) {
	domain, id, ok := strings.Cut(name, "-")
	if !ok || domain == "" || id == "" {
		return Room{}, fmt.Errorf("%w: %s", ErrInvalidRoom, name)
	}
	return NewRoom(domain, id), nil
}

func (self Room) Name() string {
	return fmt.Sprintf("%s-%s", self.Domain, self.Id)
}

func (self Room) String() string {
	return self.Name()
}

func (self Room) JoinEvent() string {
	return "join-" + self.Domain
}

func (self Room) LeaveEvent() string {
	return "leave-" + self.Domain
}

// the payload field that carries the room id in comment events
func (self Room) IdField() string {
	return IdField(self.Domain)
}

func IdField(domain string) string {
	switch domain {
	case DomainTechPack:
		return "techpackId"
	case DomainLineSheet:
		return "lineSheetId"
	default:
		return domain + "Id"
	}
}

// the event that carries new comments for rooms of the domain
func CommentEvent(domain string) string {
	switch domain {
	case DomainLineSheet:
		return EventLineSheetComment
	default:
		return EventNewComment
	}
}
