package bus

import (
	"encoding/json"
	"errors"
	"flag"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func init() {
	initGlog()
}

func initGlog() {
	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")
	flag.Set("v", "0")
}

func TestIdOrder(t *testing.T) {
	// ulids are ordered by create time
	ids := []string{}
	for i := 0; i < 32; i += 1 {
		ids = append(ids, NewId())
	}
	for i := 1; i < len(ids); i += 1 {
		assert.Equal(t, ids[i-1] < ids[i], true)
	}
}

func TestTempId(t *testing.T) {
	tempId := NewTempId()
	assert.Equal(t, IsTempId(tempId), true)
	assert.Equal(t, IsTempId(NewId()), false)
}

func TestCallbackList(t *testing.T) {
	callbacks := NewCallbackList[func() int]()
	aId := callbacks.Add(func() int { return 1 })
	bId := callbacks.Add(func() int { return 2 })
	callbacks.Add(func() int { return 3 })

	values := func() []int {
		out := []int{}
		for _, callback := range callbacks.Get() {
			out = append(out, callback())
		}
		return out
	}

	assert.Equal(t, values(), []int{1, 2, 3})
	assert.NotEqual(t, aId, bId)

	snapshot := callbacks.Get()
	assert.Equal(t, callbacks.Remove(bId), true)
	assert.Equal(t, callbacks.Remove(bId), false)
	assert.Equal(t, values(), []int{1, 3})
	// snapshots are not affected by later changes
	assert.Equal(t, len(snapshot), 3)

	callbacks.Remove(aId)
	assert.Equal(t, values(), []int{3})
	assert.Equal(t, callbacks.Len(), 1)

	callbacks.Clear()
	assert.Equal(t, callbacks.Len(), 0)
}

func TestRoom(t *testing.T) {
	room := NewRoom(DomainTechPack, "tp1")
	assert.Equal(t, room.Name(), "techpack-tp1")
	assert.Equal(t, room.JoinEvent(), "join-techpack")
	assert.Equal(t, room.LeaveEvent(), "leave-techpack")
	assert.Equal(t, room.IdField(), "techpackId")

	assert.Equal(t, NewRoom(DomainLineSheet, "ls1").IdField(), "lineSheetId")
	assert.Equal(t, NewRoom(DomainPantone, "p1").IdField(), "pantoneId")

	assert.Equal(t, CommentEvent(DomainTechPack), EventNewComment)
	assert.Equal(t, CommentEvent(DomainLineSheet), EventLineSheetComment)

	parsed, err := ParseRoom("linesheet-a-b")
	assert.Equal(t, err, nil)
	assert.Equal(t, parsed, NewRoom(DomainLineSheet, "a-b"))

	_, err = ParseRoom("techpack")
	assert.Equal(t, errors.Is(err, ErrInvalidRoom), true)
	_, err = ParseRoom("techpack-")
	assert.Equal(t, errors.Is(err, ErrInvalidRoom), true)
}

func TestEnvelope(t *testing.T) {
	message, err := EncodeEnvelope(EventAddComment, map[string]string{"techpackId": "tp1"})
	assert.Equal(t, err, nil)
	assert.Equal(t, string(message), `{"event":"add-comment","data":{"techpackId":"tp1"}}`)

	envelope, err := DecodeEnvelope(message)
	assert.Equal(t, err, nil)
	assert.Equal(t, envelope.Event, EventAddComment)
	assert.Equal(t, string(envelope.Data), `{"techpackId":"tp1"}`)

	message, err = EncodeEnvelope("ping", nil)
	assert.Equal(t, err, nil)
	assert.Equal(t, string(message), `{"event":"ping"}`)

	_, err = DecodeEnvelope([]byte(`{"data":1}`))
	assert.Equal(t, errors.Is(err, ErrInvalidFrame), true)
	_, err = DecodeEnvelope([]byte(`not json`))
	assert.Equal(t, errors.Is(err, ErrInvalidFrame), true)
}

func TestHandleError(t *testing.T) {
	var handled error
	r := HandleError(func() {
		panic("bad handler")
	}, func(err error) {
		handled = err
	})
	assert.NotEqual(t, r, nil)
	assert.Equal(t, handled.Error(), "bad handler")

	r = HandleError(func() {})
	assert.Equal(t, r, nil)
}

func TestParseTimestamp(t *testing.T) {
	ts, ok := ParseTimestamp(json.RawMessage(`1709287200000`))
	assert.Equal(t, ok, true)
	assert.Equal(t, ts.UnixMilli(), int64(1709287200000))

	ts, ok = ParseTimestamp(json.RawMessage(`"2024-03-01T10:00:00.250Z"`))
	assert.Equal(t, ok, true)
	assert.Equal(t, ts.Equal(time.Date(2024, 3, 1, 10, 0, 0, 250000000, time.UTC)), true)

	_, ok = ParseTimestamp(json.RawMessage(`null`))
	assert.Equal(t, ok, false)
	_, ok = ParseTimestamp(json.RawMessage(`"yesterday"`))
	assert.Equal(t, ok, false)
}
