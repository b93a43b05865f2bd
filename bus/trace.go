package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/golang/glog"
)

func IsDoneError(r any) bool {
	switch v := r.(type) {
	case error:
		return errors.Is(v, context.Canceled)
	default:
		return false
	}
}

// runs `do` and recovers a panic, passing the recovered error to the handlers
// handlers can be `func()` or `func(error)`
func HandleError(do func(), handlers ...any) (r any) {
	defer func() {
		if r = recover(); r != nil {
			if IsDoneError(r) {
				// the context was canceled and raised. this is a standard pattern, do not log
			} else {
				glog.Warningf("Unexpected error: %s\n", ErrorJson(r, debug.Stack()))
			}
			err, ok := r.(error)
			if !ok {
				err = fmt.Errorf("%v", r)
			}
			for _, handler := range handlers {
				switch v := handler.(type) {
				case func():
					v()
				case func(error):
					v(err)
				}
			}
		}
	}()
	do()
	return
}

func ErrorJson(err any, stack []byte) string {
	stackLines := []string{}
	for _, line := range strings.Split(string(stack), "\n") {
		stackLines = append(stackLines, strings.TrimSpace(line))
	}
	errorJson, _ := json.Marshal(map[string]any{
		"error": fmt.Sprintf("%T=%v", err, err),
		"stack": stackLines,
	})
	return string(errorJson)
}

func Trace(tag string, do func()) {
	start := time.Now()
	glog.Infof("[trace]%s start\n", tag)
	defer func() {
		glog.Infof("[trace]%s end (%dms)\n", tag, time.Since(start)/time.Millisecond)
	}()
	do()
}

func TraceWithReturnError[R any](tag string, do func() (R, error)) (result R, err error) {
	start := time.Now()
	glog.Infof("[trace]%s start\n", tag)
	defer func() {
		if err != nil {
			glog.Infof("[trace]%s end (%dms) error = %s\n", tag, time.Since(start)/time.Millisecond, err)
		} else {
			glog.Infof("[trace]%s end (%dms)\n", tag, time.Since(start)/time.Millisecond)
		}
	}()
	result, err = do()
	return
}
