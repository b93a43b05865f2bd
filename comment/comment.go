package comment

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/bringyour/atelier/bus"
)

var (
	ErrEmptyComment   = errors.New("comment is empty")
	ErrCommentTooLong = errors.New("comment is too long")
	ErrMissingField   = errors.New("missing field")
	ErrRoomNotOpen    = errors.New("room not open")
	ErrNotFound       = errors.New("comment not found")
	ErrNotOptimistic  = errors.New("comment already confirmed")
)

type Comment struct {
	// `temp-<ulid>` until the relay confirms the comment
	Id string `json:"id"`
	// the temporary id the comment was posted with
	ClientId     string    `json:"clientId,omitempty"`
	Author       string    `json:"author"`
	Avatar       string    `json:"avatar,omitempty"`
	Body         string    `json:"comment"`
	Role         string    `json:"role,omitempty"`
	FileId       string    `json:"fileId,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
	Read         bool      `json:"read"`
	IsOptimistic bool      `json:"isOptimistic"`
}

// a comment as the relay and the rest api send it
// older producers use `_id`, `user` and `text`
type RemoteComment struct {
	Id        string          `json:"id,omitempty"`
	LegacyId  string          `json:"_id,omitempty"`
	ClientId  string          `json:"clientId,omitempty"`
	Author    string          `json:"author,omitempty"`
	User      string          `json:"user,omitempty"`
	Avatar    string          `json:"avatar,omitempty"`
	Comment   string          `json:"comment,omitempty"`
	Text      string          `json:"text,omitempty"`
	Role      string          `json:"role,omitempty"`
	FileId    string          `json:"fileId,omitempty"`
	Timestamp json.RawMessage `json:"timestamp,omitempty"`
}

func (self *RemoteComment) ToComment() Comment {
	c := Comment{
		Id:       self.Id,
		ClientId: self.ClientId,
		Author:   self.Author,
		Avatar:   self.Avatar,
		Body:     self.Comment,
		Role:     self.Role,
		FileId:   self.FileId,
	}
	if c.Id == "" {
		c.Id = self.LegacyId
	}
	if c.Author == "" {
		c.Author = self.User
	}
	if c.Body == "" {
		c.Body = self.Text
	}
	if timestamp, ok := bus.ParseTimestamp(self.Timestamp); ok {
		c.Timestamp = timestamp
	}
	return c
}

func NewRemoteComment(c Comment) *RemoteComment {
	timestamp, _ := json.Marshal(c.Timestamp.UTC().Format(time.RFC3339Nano))
	return &RemoteComment{
		Id:        c.Id,
		LegacyId:  c.Id,
		ClientId:  c.ClientId,
		Author:    c.Author,
		Avatar:    c.Avatar,
		Comment:   c.Body,
		Role:      c.Role,
		FileId:    c.FileId,
		Timestamp: timestamp,
	}
}
