package bus

import (
	"strings"

	"github.com/oklog/ulid/v2"
)

const TempIdPrefix = "temp-"

// ulids sort by creation time, so ids made by one client order the same way as the posts
func NewId() string {
	return strings.ToLower(ulid.Make().String())
}

// a provisional id for an item that has not been confirmed by the server
func NewTempId() string {
	return TempIdPrefix + NewId()
}

func IsTempId(id string) bool {
	return strings.HasPrefix(id, TempIdPrefix)
}
