package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/golang/glog"

	"github.com/bringyour/atelier/apicache"
	"github.com/bringyour/atelier/comment"
)

const defaultHttpTimeout = 60 * time.Second
const defaultHttpConnectTimeout = 5 * time.Second
const defaultHttpTlsTimeout = 5 * time.Second

var ErrMissingName = errors.New("missing name")

func defaultClient() *http.Client {
	// see https://medium.com/@nate510/don-t-use-go-s-default-http-client-4804cb19f779
	dialer := &net.Dialer{
		Timeout: defaultHttpConnectTimeout,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: defaultHttpTlsTimeout,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   defaultHttpTimeout,
	}
}

type ApiSettings struct {
	CacheTtl time.Duration
	Upload   UploadSettings
	// when nil, a client with connect and tls timeouts
	HttpClient *http.Client
}

func DefaultApiSettings() *ApiSettings {
	return &ApiSettings{
		CacheTtl: 60 * time.Second,
		Upload:   *DefaultUploadSettings(),
	}
}

type File struct {
	Id          string                   `json:"_id"`
	FileName    string                   `json:"fileName"`
	ContentType string                   `json:"contentType"`
	Size        int64                    `json:"size"`
	Comments    []*comment.RemoteComment `json:"comments,omitempty"`
}

type Record struct {
	Id         string                   `json:"_id"`
	Collection string                   `json:"collection"`
	Name       string                   `json:"name"`
	Files      []*File                  `json:"files"`
	Comments   []*comment.RemoteComment `json:"comments"`
	CreatedAt  time.Time                `json:"createdAt"`
}

// confirmed comments on the record, or on one of its files when `fileId` is set
func (self *Record) CommentsFor(fileId string) []comment.Comment {
	remotes := self.Comments
	if fileId != "" {
		remotes = nil
		for _, file := range self.Files {
			if file.Id == fileId {
				remotes = file.Comments
				break
			}
		}
	}
	comments := make([]comment.Comment, 0, len(remotes))
	for _, remote := range remotes {
		c := remote.ToComment()
		if fileId != "" {
			c.FileId = fileId
		}
		comments = append(comments, c)
	}
	return comments
}

type FileContent struct {
	FileName    string
	ContentType string
	Data        []byte
}

type AddCommentArgs struct {
	Text string `json:"text"`
	User string `json:"user"`
}

type NotifyArgs struct {
	Title   string          `json:"title"`
	Message string          `json:"message"`
	Type    string          `json:"type,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type NotifyResult struct {
	Id string `json:"id"`
}

type ListRecordsCallback apiCallback[[]*Record]
type RecordCallback apiCallback[*Record]

// client for the relay rest api
// reads go through a response cache that is invalidated on every write
type AtelierApi struct {
	ctx    context.Context
	cancel context.CancelFunc

	apiUrl string
	byJwt  string

	settings *ApiSettings

	client  *http.Client
	fetcher *apicache.Fetcher
}

func NewAtelierApiWithDefaults(ctx context.Context, apiUrl string) *AtelierApi {
	return NewAtelierApi(ctx, apiUrl, DefaultApiSettings())
}

func NewAtelierApi(ctx context.Context, apiUrl string, settings *ApiSettings) *AtelierApi {
	cancelCtx, cancel := context.WithCancel(ctx)

	client := settings.HttpClient
	if client == nil {
		client = defaultClient()
	}
	fetcherSettings := apicache.DefaultFetcherSettings()
	fetcherSettings.DefaultTtl = settings.CacheTtl

	return &AtelierApi{
		ctx:      cancelCtx,
		cancel:   cancel,
		apiUrl:   strings.TrimSuffix(apiUrl, "/"),
		settings: settings,
		client:   client,
		fetcher:  apicache.NewFetcher(cancelCtx, client, fetcherSettings),
	}
}

// this gets attached to api calls that need it
func (self *AtelierApi) SetByJwt(byJwt string) {
	self.byJwt = byJwt
}

func (self *AtelierApi) Close() {
	self.cancel()
	self.fetcher.Close()
}

func (self *AtelierApi) url(parts ...string) string {
	escaped := make([]string, 0, len(parts))
	for _, part := range parts {
		escaped = append(escaped, url.PathEscape(part))
	}
	return fmt.Sprintf("%s/api/%s", self.apiUrl, strings.Join(escaped, "/"))
}

func (self *AtelierApi) ListRecords(collection string, callback ListRecordsCallback) {
	go func() {
		self.ListRecordsSync(collection, callback)
	}()
}

func (self *AtelierApi) ListRecordsSync(collection string, callbacks ...ListRecordsCallback) ([]*Record, error) {
	records, err := cachedGet(self, self.url(collection), []*Record{})
	for _, callback := range callbacks {
		callback.Result(records, err)
	}
	return records, err
}

func (self *AtelierApi) GetRecord(collection string, id string, callback RecordCallback) {
	go func() {
		self.GetRecordSync(collection, id, callback)
	}()
}

func (self *AtelierApi) GetRecordSync(collection string, id string, callbacks ...RecordCallback) (*Record, error) {
	record, err := cachedGet(self, self.url(collection, id), &Record{})
	for _, callback := range callbacks {
		callback.Result(record, err)
	}
	return record, err
}

// multipart create with a `name` field and one `files` part per file
func (self *AtelierApi) CreateRecordSync(collection string, name string, files ...*UploadFile) (*Record, error) {
	if strings.TrimSpace(name) == "" {
		return nil, ErrMissingName
	}

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	if err := writer.WriteField("name", name); err != nil {
		return nil, err
	}
	for _, file := range files {
		header := textproto.MIMEHeader{}
		header.Set("Content-Disposition", mime.FormatMediaType("form-data", map[string]string{
			"name":     "files",
			"filename": file.Name,
		}))
		header.Set("Content-Type", file.ContentType)
		part, err := writer.CreatePart(header)
		if err != nil {
			return nil, err
		}
		if _, err := part.Write(file.Data); err != nil {
			return nil, err
		}
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}

	record, err := send(self, self.url(collection), writer.FormDataContentType(), body.Bytes(), &Record{})
	if err != nil {
		return nil, err
	}
	self.fetcher.Invalidate()
	return record, nil
}

func (self *AtelierApi) AddCommentSync(collection string, id string, args *AddCommentArgs) (*Record, error) {
	return self.postJson(self.url(collection, id, "comments"), args)
}

func (self *AtelierApi) AddFileCommentSync(collection string, id string, fileId string, args *AddCommentArgs) (*Record, error) {
	return self.postJson(self.url(collection, id, "files", fileId, "comments"), args)
}

func (self *AtelierApi) postJson(url string, args *AddCommentArgs) (*Record, error) {
	if strings.TrimSpace(args.Text) == "" {
		return nil, comment.ErrEmptyComment
	}
	if strings.TrimSpace(args.User) == "" {
		return nil, fmt.Errorf("%w: user", comment.ErrMissingField)
	}
	record, err := post(self, url, args, &Record{})
	if err != nil {
		return nil, err
	}
	self.fetcher.Invalidate()
	return record, nil
}

func (self *AtelierApi) NotifySync(args *NotifyArgs) (*NotifyResult, error) {
	return post(self, self.url("notifications"), args, &NotifyResult{})
}

// file bodies are not cached
func (self *AtelierApi) GetFileSync(fileId string) (*FileContent, error) {
	req, err := http.NewRequestWithContext(self.ctx, "GET", self.url("file", fileId), nil)
	if err != nil {
		return nil, err
	}
	self.authorize(req)

	r, err := self.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer r.Body.Close()

	data, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	if r.StatusCode != http.StatusOK {
		return nil, errors.New(strings.TrimSpace(string(data)))
	}

	content := &FileContent{
		ContentType: r.Header.Get("Content-Type"),
		Data:        data,
	}
	if _, params, err := mime.ParseMediaType(r.Header.Get("Content-Disposition")); err == nil {
		content.FileName = params["filename"]
	}
	return content, nil
}

func (self *AtelierApi) authorize(req *http.Request) {
	if self.byJwt != "" {
		auth := fmt.Sprintf("Bearer %s", self.byJwt)
		req.Header.Add("Authorization", auth)
	}
}

func cachedGet[R any](self *AtelierApi, url string, result R) (R, error) {
	options := &apicache.FetchOptions{}
	if self.byJwt != "" {
		options.Header = map[string]string{
			"Authorization": fmt.Sprintf("Bearer %s", self.byJwt),
		}
	}
	fetchResult, err := self.fetcher.CachedFetch(self.ctx, url, options, self.settings.CacheTtl)
	if err != nil {
		var statusErr *apicache.StatusError
		if errors.As(err, &statusErr) {
			// the response body is the error message
			err = errors.New(strings.TrimSpace(string(statusErr.Body)))
		}
		var empty R
		return empty, err
	}
	if err := json.Unmarshal(fetchResult.Data, &result); err != nil {
		var empty R
		return empty, err
	}
	return result, nil
}

func post[R any](self *AtelierApi, url string, args any, result R) (R, error) {
	requestBodyBytes, err := json.Marshal(args)
	if err != nil {
		var empty R
		return empty, err
	}
	return send(self, url, "application/json", requestBodyBytes, result)
}

func send[R any](self *AtelierApi, url string, contentType string, requestBodyBytes []byte, result R) (R, error) {
	req, err := http.NewRequestWithContext(self.ctx, "POST", url, bytes.NewReader(requestBodyBytes))
	if err != nil {
		var empty R
		return empty, err
	}

	req.Header.Add("Content-Type", contentType)
	self.authorize(req)

	r, err := self.client.Do(req)
	if err != nil {
		var empty R
		return empty, err
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)

	if r.StatusCode < 200 || 300 <= r.StatusCode {
		// the response body is the error message
		errorMessage := strings.TrimSpace(string(responseBodyBytes))
		glog.V(1).Infof("[api]%s error %d = %s\n", url, r.StatusCode, errorMessage)
		var empty R
		return empty, errors.New(errorMessage)
	}

	if err != nil {
		var empty R
		return empty, err
	}

	err = json.Unmarshal(responseBodyBytes, &result)
	if err != nil {
		var empty R
		return empty, err
	}

	return result, nil
}
