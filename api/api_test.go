package api

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/go-playground/assert/v2"
	gojwt "github.com/golang-jwt/jwt/v5"

	"github.com/bringyour/atelier/comment"
)

func init() {
	initGlog()
}

func initGlog() {
	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")
	flag.Set("v", "0")
}

var pngBytes = append([]byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR"), make([]byte, 32)...)
var pdfBytes = []byte("%PDF-1.4\n%\xe2\xe3\xcf\xd3\n1 0 obj\n<<>>\nendobj\n%%EOF\n")

type testApiServer struct {
	server       *httptest.Server
	listCount    atomic.Int64
	lastAuth     atomic.Value
	lastComment  atomic.Value
	lastFileName atomic.Value
}

func newTestApiServer() *testApiServer {
	s := &testApiServer{}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/techpack", func(w http.ResponseWriter, r *http.Request) {
		s.listCount.Add(1)
		s.lastAuth.Store(r.Header.Get("Authorization"))
		fmt.Fprint(w, `[{"_id":"tp1","collection":"techpack","name":"Spring jacket","files":[],"comments":[]}]`)
	})
	mux.HandleFunc("GET /api/techpack/missing", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "record not found", http.StatusNotFound)
	})
	mux.HandleFunc("POST /api/techpack/tp1/comments", func(w http.ResponseWriter, r *http.Request) {
		var args AddCommentArgs
		json.NewDecoder(r.Body).Decode(&args)
		s.lastComment.Store(args)
		fmt.Fprintf(w, `{"_id":"tp1","name":"Spring jacket","comments":[{"_id":"c1","author":%q,"comment":%q,"timestamp":"2024-03-01T10:00:00Z"}],"files":[{"_id":"f1","fileName":"a.pdf","comments":[{"_id":"c2","author":"ben","comment":"on file"}]}]}`, args.User, args.Text)
	})
	mux.HandleFunc("POST /api/techpack", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		headers := r.MultipartForm.File["files"]
		if len(headers) == 1 {
			s.lastFileName.Store(headers[0].Filename)
		}
		fmt.Fprintf(w, `{"_id":"tp2","name":%q,"files":[{"_id":"f1","fileName":"a.pdf"}],"comments":[]}`, r.FormValue("name"))
	})
	mux.HandleFunc("GET /api/file/f1", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/pdf")
		w.Header().Set("Content-Disposition", `inline; filename="a.pdf"`)
		w.Write(pdfBytes)
	})
	s.server = httptest.NewServer(mux)
	return s
}

func TestListRecordsCached(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := newTestApiServer()
	defer s.server.Close()

	atelierApi := NewAtelierApiWithDefaults(ctx, s.server.URL+"/")
	defer atelierApi.Close()
	atelierApi.SetByJwt("token")

	records, err := atelierApi.ListRecordsSync("techpack")
	assert.Equal(t, err, nil)
	assert.Equal(t, len(records), 1)
	assert.Equal(t, records[0].Name, "Spring jacket")
	assert.Equal(t, s.lastAuth.Load(), "Bearer token")

	callback, c := NewBlockingApiCallback[[]*Record]()
	atelierApi.ListRecords("techpack", callback)
	result := <-c
	assert.Equal(t, result.Error, nil)
	assert.Equal(t, len(result.Result), 1)
	assert.Equal(t, s.listCount.Load(), int64(1))

	// writes invalidate the cache
	_, err = atelierApi.AddCommentSync("techpack", "tp1", &AddCommentArgs{Text: "hi", User: "ana"})
	assert.Equal(t, err, nil)
	atelierApi.ListRecordsSync("techpack")
	assert.Equal(t, s.listCount.Load(), int64(2))

	_, err = atelierApi.GetRecordSync("techpack", "missing")
	assert.Equal(t, err.Error(), "record not found")
}

func TestAddComment(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := newTestApiServer()
	defer s.server.Close()

	atelierApi := NewAtelierApiWithDefaults(ctx, s.server.URL)
	defer atelierApi.Close()

	record, err := atelierApi.AddCommentSync("techpack", "tp1", &AddCommentArgs{Text: "check the collar", User: "ana"})
	assert.Equal(t, err, nil)
	assert.Equal(t, s.lastComment.Load(), AddCommentArgs{Text: "check the collar", User: "ana"})

	comments := record.CommentsFor("")
	assert.Equal(t, len(comments), 1)
	assert.Equal(t, comments[0].Id, "c1")
	assert.Equal(t, comments[0].Body, "check the collar")

	fileComments := record.CommentsFor("f1")
	assert.Equal(t, len(fileComments), 1)
	assert.Equal(t, fileComments[0].FileId, "f1")
	assert.Equal(t, len(record.CommentsFor("f2")), 0)

	_, err = atelierApi.AddCommentSync("techpack", "tp1", &AddCommentArgs{Text: " ", User: "ana"})
	assert.Equal(t, errors.Is(err, comment.ErrEmptyComment), true)
	_, err = atelierApi.AddCommentSync("techpack", "tp1", &AddCommentArgs{Text: "hi"})
	assert.Equal(t, errors.Is(err, comment.ErrMissingField), true)
}

func TestCreateRecordAndGetFile(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := newTestApiServer()
	defer s.server.Close()

	atelierApi := NewAtelierApiWithDefaults(ctx, s.server.URL)
	defer atelierApi.Close()

	file, err := NewUploadFile("a.pdf", pdfBytes, DefaultUploadSettings())
	assert.Equal(t, err, nil)
	assert.Equal(t, file.ContentType, "application/pdf")

	record, err := atelierApi.CreateRecordSync("techpack", "Summer dress", file)
	assert.Equal(t, err, nil)
	assert.Equal(t, record.Id, "tp2")
	assert.Equal(t, record.Name, "Summer dress")
	assert.Equal(t, s.lastFileName.Load(), "a.pdf")

	_, err = atelierApi.CreateRecordSync("techpack", " ")
	assert.Equal(t, errors.Is(err, ErrMissingName), true)

	content, err := atelierApi.GetFileSync("f1")
	assert.Equal(t, err, nil)
	assert.Equal(t, content.FileName, "a.pdf")
	assert.Equal(t, content.ContentType, "application/pdf")
	assert.Equal(t, content.Data, pdfBytes)
}

func TestUploadValidation(t *testing.T) {
	settings := DefaultUploadSettings()

	file, err := NewUploadFile("swatch.png", pngBytes, settings)
	assert.Equal(t, err, nil)
	assert.Equal(t, file.ContentType, "image/png")

	_, err = NewUploadFile("notes.txt", []byte("hello"), settings)
	assert.Equal(t, errors.Is(err, ErrInvalidFileType), true)

	settings.MaxFileSize = 8
	_, err = NewUploadFile("swatch.png", pngBytes, settings)
	assert.Equal(t, errors.Is(err, ErrFileTooLarge), true)

	path := filepath.Join(t.TempDir(), "big.png")
	assert.Equal(t, os.WriteFile(path, pngBytes, 0600), nil)
	_, err = NewUploadFileFromPath(path, settings)
	assert.Equal(t, errors.Is(err, ErrFileTooLarge), true)

	file, err = NewUploadFileFromPath(path, DefaultUploadSettings())
	assert.Equal(t, err, nil)
	assert.Equal(t, file.Name, "big.png")
}

func TestParseByJwtUnverified(t *testing.T) {
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.MapClaims{
		"sub":   "u1",
		"name":  "Ana",
		"email": "ana@example.com",
		"role":  "designer",
	})
	jwt, err := token.SignedString([]byte("any key"))
	assert.Equal(t, err, nil)

	byJwt, err := ParseByJwtUnverified(jwt)
	assert.Equal(t, err, nil)
	assert.Equal(t, byJwt.UserId, "u1")
	assert.Equal(t, byJwt.Role, "designer")
	assert.Equal(t, byJwt.DisplayName(), "Ana")

	byJwt.Name = ""
	assert.Equal(t, byJwt.DisplayName(), "ana@example.com")
	byJwt.Email = ""
	assert.Equal(t, byJwt.DisplayName(), AnonymousUser)

	_, err = ParseByJwtUnverified("not a jwt")
	assert.NotEqual(t, err, nil)
}

func TestNotify(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var body atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		body.Store(string(b))
		fmt.Fprint(w, `{"id":"n1"}`)
	}))
	defer server.Close()

	atelierApi := NewAtelierApiWithDefaults(ctx, server.URL)
	defer atelierApi.Close()

	result, err := atelierApi.NotifySync(&NotifyArgs{Title: "Sample", Message: "approved", Type: "success"})
	assert.Equal(t, err, nil)
	assert.Equal(t, result.Id, "n1")
	assert.Equal(t, body.Load(), `{"title":"Sample","message":"approved","type":"success"}`)
}
