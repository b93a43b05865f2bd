package apicache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/golang/glog"
	"golang.org/x/sync/singleflight"
)

var ErrInvalidJson = errors.New("response is not valid json")

type StatusError struct {
	StatusCode int
	Status     string
	Body       []byte
}

func (self *StatusError) Error() string {
	return fmt.Sprintf("request failed: %s", self.Status)
}

// the request options are part of the cache key
type FetchOptions struct {
	Method string            `json:"method,omitempty"`
	Header map[string]string `json:"headers,omitempty"`
	Body   json.RawMessage   `json:"body,omitempty"`
}

type Response struct {
	StatusCode int
	Status     string
	Header     http.Header
}

type FetchResult struct {
	Response Response
	Data     json.RawMessage
}

func CacheKey(url string, options *FetchOptions) string {
	if options == nil {
		options = &FetchOptions{}
	}
	optionsJson, _ := json.Marshal(options)
	return url + "_" + string(optionsJson)
}

type FetcherSettings struct {
	CacheSettings
	RequestTimeout time.Duration
}

func DefaultFetcherSettings() *FetcherSettings {
	return &FetcherSettings{
		CacheSettings:  *DefaultCacheSettings(),
		RequestTimeout: 30 * time.Second,
	}
}

// a read-through cache of json responses
// concurrent misses for the same key share one request
type Fetcher struct {
	client   *http.Client
	settings *FetcherSettings

	cache *Cache[string, *FetchResult]
	group singleflight.Group
}

func NewFetcherWithDefaults(ctx context.Context, client *http.Client) *Fetcher {
	return NewFetcher(ctx, client, DefaultFetcherSettings())
}

func NewFetcher(ctx context.Context, client *http.Client, settings *FetcherSettings) *Fetcher {
	if client == nil {
		client = &http.Client{
			Timeout: settings.RequestTimeout,
		}
	}
	return &Fetcher{
		client:   client,
		settings: settings,
		cache:    NewCache[string, *FetchResult](ctx, &settings.CacheSettings),
	}
}

// CachedFetch returns the cached result for the url and options, or fetches and caches it
// only 2xx responses with a json body are cached
func (self *Fetcher) CachedFetch(ctx context.Context, url string, options *FetchOptions, ttl time.Duration) (*FetchResult, error) {
	key := CacheKey(url, options)
	if result, ok := self.cache.Get(key); ok {
		glog.V(2).Infof("[cache]hit %s\n", key)
		return result, nil
	}

	// the shared request is not bound to any one caller
	// each caller stops waiting when its own context is done
	flight := self.group.DoChan(key, func() (any, error) {
		if result, ok := self.cache.Get(key); ok {
			return result, nil
		}
		fetchCtx := context.WithoutCancel(ctx)
		if 0 < self.settings.RequestTimeout {
			var cancel context.CancelFunc
			fetchCtx, cancel = context.WithTimeout(fetchCtx, self.settings.RequestTimeout)
			defer cancel()
		}
		result, err := self.fetch(fetchCtx, url, options)
		if err != nil {
			return nil, err
		}
		self.cache.Set(key, result, ttl)
		return result, nil
	})
	select {
	case r := <-flight:
		if r.Err != nil {
			return nil, r.Err
		}
		if r.Shared {
			glog.V(2).Infof("[cache]shared %s\n", key)
		}
		return r.Val.(*FetchResult), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (self *Fetcher) fetch(ctx context.Context, url string, options *FetchOptions) (*FetchResult, error) {
	method := http.MethodGet
	var body io.Reader
	if options != nil {
		if options.Method != "" {
			method = options.Method
		}
		if 0 < len(options.Body) {
			body = bytes.NewReader(options.Body)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if options != nil {
		for key, value := range options.Header {
			req.Header.Set(key, value)
		}
	}

	r, err := self.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer r.Body.Close()

	responseBody, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	if r.StatusCode < 200 || 300 <= r.StatusCode {
		return nil, &StatusError{
			StatusCode: r.StatusCode,
			Status:     r.Status,
			Body:       responseBody,
		}
	}
	if !json.Valid(responseBody) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidJson, url)
	}

	return &FetchResult{
		Response: Response{
			StatusCode: r.StatusCode,
			Status:     r.Status,
			Header:     r.Header.Clone(),
		},
		Data: json.RawMessage(responseBody),
	}, nil
}

// drops every cached response, after a write
func (self *Fetcher) Invalidate() {
	self.cache.Clear()
}

func (self *Fetcher) Close() {
	self.cache.Close()
}
