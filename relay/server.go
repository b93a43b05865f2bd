package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"
	"github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bringyour/atelier/api"
	"github.com/bringyour/atelier/bus"
	"github.com/bringyour/atelier/comment"
	"github.com/bringyour/atelier/notify"
)

type ServerSettings struct {
	Addr          string
	DbPath        string
	MaxUploadSize int64
	Hub           HubSettings
}

func DefaultServerSettings() *ServerSettings {
	return &ServerSettings{
		Addr:          ":8080",
		DbPath:        "atelier.db",
		MaxUploadSize: 25 * 1024 * 1024,
		Hub:           *DefaultHubSettings(),
	}
}

// the rest api and the bus endpoint
type Server struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings *ServerSettings

	store   *Store
	hub     *Hub
	metrics *Metrics
	router  *gin.Engine

	server *http.Server
}

func NewServerWithDefaults(ctx context.Context) (*Server, error) {
	return NewServer(ctx, DefaultServerSettings())
}

func NewServer(ctx context.Context, settings *ServerSettings) (*Server, error) {
	store, err := NewStore(settings.DbPath)
	if err != nil {
		return nil, err
	}

	cancelCtx, cancel := context.WithCancel(ctx)

	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)

	server := &Server{
		ctx:      cancelCtx,
		cancel:   cancel,
		settings: settings,
		store:    store,
		hub:      NewHub(cancelCtx, store, metrics, &settings.Hub),
		metrics:  metrics,
	}

	router := gin.Default()
	router.MaxMultipartMemory = settings.MaxUploadSize
	router.GET("/ws", func(c *gin.Context) { server.hub.ServeWs(c.Writer, c.Request) })
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
	router.GET("/api/:collection", func(c *gin.Context) { server.listRecords(c) })
	// `/api/file/:fileId` shares the pattern
	router.GET("/api/:collection/:id", func(c *gin.Context) { server.getRecordOrFile(c) })
	// `/api/notifications` shares the pattern
	router.POST("/api/:collection", func(c *gin.Context) { server.createRecordOrNotify(c) })
	router.POST("/api/:collection/:id/comments", func(c *gin.Context) { server.addComment(c) })
	router.POST("/api/:collection/:id/files/:fileId/comments", func(c *gin.Context) { server.addComment(c) })
	server.router = router

	return server, nil
}

func (self *Server) Handler() http.Handler {
	return self.router
}

func (self *Server) Hub() *Hub {
	return self.hub
}

func (self *Server) Start(errorCallback func(err error)) error {
	if self.server != nil {
		return errors.New("server already started")
	}
	// wrap Gin router in an HTTP server
	self.server = &http.Server{
		Addr:    self.settings.Addr,
		Handler: self.router,
	}
	server := self.server
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errorCallback(err)
			return
		}
	}()
	glog.Infof("[r]listening on %s\n", self.settings.Addr)
	return nil
}

func (self *Server) Stop() error {
	self.hub.Close()
	self.cancel()
	defer self.store.Close()

	if self.server == nil {
		return nil
	}
	// try to shutdown the server gracefully (wait max 5 secs to finish pending requests)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := self.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	self.server = nil
	return nil
}

func (self *Server) collection(c *gin.Context) (string, bool) {
	collection := c.Param("collection")
	if !IsDomain(collection) {
		c.String(http.StatusNotFound, fmt.Sprintf("%d Not Found - unknown collection %q", http.StatusNotFound, collection))
		return "", false
	}
	return collection, true
}

func (self *Server) listRecords(c *gin.Context) {
	collection, ok := self.collection(c)
	if !ok {
		return
	}
	records, err := self.store.ListRecords(c.Request.Context(), collection)
	if err != nil {
		glog.Infof("[r]list %s error = %s\n", collection, err)
		c.String(http.StatusInternalServerError, fmt.Sprintf("%d Internal Server Error - %v", http.StatusInternalServerError, err))
		return
	}
	c.JSON(http.StatusOK, records)
}

func (self *Server) getRecordOrFile(c *gin.Context) {
	if c.Param("collection") == "file" {
		self.getFile(c, c.Param("id"))
		return
	}
	collection, ok := self.collection(c)
	if !ok {
		return
	}
	record, err := self.store.GetRecord(c.Request.Context(), collection, c.Param("id"))
	if errors.Is(err, ErrNotFound) {
		c.String(http.StatusNotFound, fmt.Sprintf("%d Not Found - %v", http.StatusNotFound, err))
		return
	}
	if err != nil {
		c.String(http.StatusInternalServerError, fmt.Sprintf("%d Internal Server Error - %v", http.StatusInternalServerError, err))
		return
	}
	c.JSON(http.StatusOK, record)
}

func (self *Server) getFile(c *gin.Context, fileId string) {
	file, err := self.store.GetFile(c.Request.Context(), fileId)
	if errors.Is(err, ErrNotFound) {
		c.String(http.StatusNotFound, fmt.Sprintf("%d Not Found - %v", http.StatusNotFound, err))
		return
	}
	if err != nil {
		c.String(http.StatusInternalServerError, fmt.Sprintf("%d Internal Server Error - %v", http.StatusInternalServerError, err))
		return
	}

	// pdfs and images display in the browser, everything else downloads
	disposition := "attachment"
	if file.ContentType == "application/pdf" || strings.HasPrefix(file.ContentType, "image/") {
		disposition = "inline"
	}
	c.Header("Content-Disposition", mime.FormatMediaType(disposition, map[string]string{
		"filename": file.FileName,
	}))
	c.Data(http.StatusOK, file.ContentType, file.Data)
}

func (self *Server) createRecordOrNotify(c *gin.Context) {
	if c.Param("collection") == "notifications" {
		self.notify(c)
		return
	}
	collection, ok := self.collection(c)
	if !ok {
		return
	}

	name := strings.TrimSpace(c.PostForm("name"))
	if name == "" {
		c.String(http.StatusBadRequest, fmt.Sprintf("%d Bad Request - name is required", http.StatusBadRequest))
		return
	}

	files := []*NewFile{}
	if form, err := c.MultipartForm(); err == nil {
		for _, header := range form.File["files"] {
			if self.settings.MaxUploadSize < header.Size {
				c.String(http.StatusRequestEntityTooLarge, fmt.Sprintf("%d Request Entity Too Large - %s", http.StatusRequestEntityTooLarge, header.Filename))
				return
			}
			f, err := header.Open()
			if err != nil {
				c.String(http.StatusBadRequest, fmt.Sprintf("%d Bad Request - %v", http.StatusBadRequest, err))
				return
			}
			data, err := io.ReadAll(f)
			f.Close()
			if err != nil {
				c.String(http.StatusBadRequest, fmt.Sprintf("%d Bad Request - %v", http.StatusBadRequest, err))
				return
			}
			files = append(files, &NewFile{
				FileName:    header.Filename,
				ContentType: mimetype.Detect(data).String(),
				Data:        data,
			})
		}
	}

	record, err := self.store.CreateRecord(c.Request.Context(), collection, name, files)
	if err != nil {
		c.String(http.StatusInternalServerError, fmt.Sprintf("%d Internal Server Error - %v", http.StatusInternalServerError, err))
		return
	}
	self.metrics.Records.WithLabelValues(collection).Inc()

	self.hub.BroadcastAll(bus.EventNotification, map[string]any{
		"id":      uuid.NewString(),
		"type":    collection,
		"action":  "created",
		"item":    record,
		"message": fmt.Sprintf("New %s created", collection),
	})

	c.JSON(http.StatusOK, record)
}

func (self *Server) addComment(c *gin.Context) {
	collection, ok := self.collection(c)
	if !ok {
		return
	}
	recordId := c.Param("id")
	fileId := c.Param("fileId")

	var args api.AddCommentArgs
	if err := c.ShouldBindJSON(&args); err != nil {
		c.String(http.StatusBadRequest, fmt.Sprintf("%d Bad Request - %v", http.StatusBadRequest, err))
		return
	}
	body, err := self.hub.validateComment(args.User, args.Text)
	if err != nil {
		c.String(http.StatusBadRequest, fmt.Sprintf("%d Bad Request - %v", http.StatusBadRequest, err))
		return
	}

	ctx := c.Request.Context()
	if _, err := self.store.GetRecord(ctx, collection, recordId); err != nil {
		c.String(http.StatusNotFound, fmt.Sprintf("%d Not Found - %v", http.StatusNotFound, err))
		return
	}
	if fileId != "" {
		if ok, err := self.store.HasFile(ctx, recordId, fileId); err != nil || !ok {
			c.String(http.StatusNotFound, fmt.Sprintf("%d Not Found - file %s", http.StatusNotFound, fileId))
			return
		}
	}

	added, err := self.store.AddComment(ctx, &NewComment{
		Collection: collection,
		RecordId:   recordId,
		FileId:     fileId,
		Author:     args.User,
		Body:       body,
	})
	if err != nil {
		c.String(http.StatusInternalServerError, fmt.Sprintf("%d Internal Server Error - %v", http.StatusInternalServerError, err))
		return
	}
	self.hub.BroadcastComment(bus.NewRoom(collection, recordId), added)

	record, err := self.store.GetRecord(ctx, collection, recordId)
	if err != nil {
		c.String(http.StatusInternalServerError, fmt.Sprintf("%d Internal Server Error - %v", http.StatusInternalServerError, err))
		return
	}
	c.JSON(http.StatusOK, record)
}

func (self *Server) notify(c *gin.Context) {
	var args api.NotifyArgs
	if err := c.ShouldBindJSON(&args); err != nil {
		c.String(http.StatusBadRequest, fmt.Sprintf("%d Bad Request - %v", http.StatusBadRequest, err))
		return
	}
	if strings.TrimSpace(args.Title) == "" && strings.TrimSpace(args.Message) == "" {
		c.String(http.StatusBadRequest, fmt.Sprintf("%d Bad Request - %v", http.StatusBadRequest, comment.ErrMissingField))
		return
	}

	id := uuid.NewString()
	self.hub.BroadcastAll(bus.EventNotification, map[string]any{
		"id":        id,
		"title":     args.Title,
		"message":   args.Message,
		"type":      notify.ParseNotificationType(args.Type),
		"data":      args.Data,
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	})
	c.JSON(http.StatusOK, &api.NotifyResult{
		Id: id,
	})
}
