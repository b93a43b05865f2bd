package bus

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/golang/glog"
	"github.com/gorilla/websocket"
	"golang.org/x/exp/maps"
)

var (
	ErrNotConnected = errors.New("bus not connected")
	ErrClosed       = errors.New("bus closed")
	ErrSendTimeout  = errors.New("bus send timeout")
)

type Handler func(data json.RawMessage)

type ConnectionFunction func(connected bool)

type ClientSettings struct {
	HandshakeTimeout      time.Duration
	PingTimeout           time.Duration
	WriteTimeout          time.Duration
	ReadTimeout           time.Duration
	ReconnectInitialDelay time.Duration
	ReconnectMaxDelay     time.Duration
	// 0 retries forever
	ReconnectMaxAttempts int
	SendBufferSize       int
}

func DefaultClientSettings() *ClientSettings {
	return &ClientSettings{
		HandshakeTimeout:      20 * time.Second,
		PingTimeout:           5 * time.Second,
		WriteTimeout:          5 * time.Second,
		ReadTimeout:           15 * time.Second,
		ReconnectInitialDelay: 1 * time.Second,
		ReconnectMaxDelay:     5 * time.Second,
		ReconnectMaxAttempts:  10,
		SendBufferSize:        32,
	}
}

// a persistent connection to the relay
// the connection is re-established with backoff after a drop,
// and rooms that were joined are joined again on each new connection
type Client struct {
	ctx    context.Context
	cancel context.CancelFunc

	busUrl string
	byJwt  string

	settings *ClientSettings

	stateLock sync.Mutex
	running   bool
	// non-nil while connected
	send     chan []byte
	rooms    map[Room]bool
	handlers map[string]*CallbackList[Handler]

	connectionCallbacks *CallbackList[ConnectionFunction]
}

func NewClientWithDefaults(ctx context.Context, busUrl string, byJwt string) *Client {
	return NewClient(ctx, busUrl, byJwt, DefaultClientSettings())
}

func NewClient(ctx context.Context, busUrl string, byJwt string, settings *ClientSettings) *Client {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Client{
		ctx:                 cancelCtx,
		cancel:              cancel,
		busUrl:              busUrl,
		byJwt:               byJwt,
		settings:            settings,
		rooms:               map[Room]bool{},
		handlers:            map[string]*CallbackList[Handler]{},
		connectionCallbacks: NewCallbackList[ConnectionFunction](),
	}
}

// starts the connect loop if it is not already running
// after the reconnect attempts are exhausted, `Connect` starts a new loop
func (self *Client) Connect() error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	select {
	case <-self.ctx.Done():
		return ErrClosed
	default:
	}

	if self.running {
		return nil
	}
	self.running = true
	go self.run()
	return nil
}

func (self *Client) IsConnected() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.send != nil
}

func (self *Client) On(event string, handler Handler) CallbackId {
	self.stateLock.Lock()
	handlers, ok := self.handlers[event]
	if !ok {
		handlers = NewCallbackList[Handler]()
		self.handlers[event] = handlers
	}
	self.stateLock.Unlock()

	return handlers.Add(handler)
}

func (self *Client) Off(event string, handlerId CallbackId) {
	self.stateLock.Lock()
	handlers, ok := self.handlers[event]
	self.stateLock.Unlock()

	if ok {
		handlers.Remove(handlerId)
	}
}

func (self *Client) OffAll() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.handlers = map[string]*CallbackList[Handler]{}
}

func (self *Client) AddConnectionCallback(connectionCallback ConnectionFunction) func() {
	callbackId := self.connectionCallbacks.Add(connectionCallback)
	return func() {
		self.connectionCallbacks.Remove(callbackId)
	}
}

// at most once. A message queued on a connection that drops is lost.
func (self *Client) Emit(event string, payload any) error {
	message, err := EncodeEnvelope(event, payload)
	if err != nil {
		return err
	}

	select {
	case <-self.ctx.Done():
		return ErrClosed
	default:
	}

	self.stateLock.Lock()
	send := self.send
	self.stateLock.Unlock()

	if send == nil {
		return ErrNotConnected
	}

	select {
	case <-self.ctx.Done():
		return ErrClosed
	case send <- message:
		return nil
	case <-time.After(self.settings.WriteTimeout):
		return ErrSendTimeout
	}
}

// the room is remembered and joined again on every reconnect
// while disconnected the join is deferred until the next connection
func (self *Client) JoinRoom(room Room) error {
	self.stateLock.Lock()
	self.rooms[room] = true
	self.stateLock.Unlock()

	err := self.Emit(room.JoinEvent(), room.Id)
	if errors.Is(err, ErrNotConnected) {
		return nil
	}
	return err
}

func (self *Client) LeaveRoom(room Room) error {
	self.stateLock.Lock()
	_, joined := self.rooms[room]
	delete(self.rooms, room)
	self.stateLock.Unlock()

	if !joined {
		return nil
	}
	err := self.Emit(room.LeaveEvent(), room.Id)
	if errors.Is(err, ErrNotConnected) {
		return nil
	}
	return err
}

func (self *Client) Rooms() []Room {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return maps.Keys(self.rooms)
}

func (self *Client) Close() {
	self.cancel()
}

func (self *Client) Done() <-chan struct{} {
	return self.ctx.Done()
}

func (self *Client) newReconnect() backoff.BackOff {
	exponential := backoff.NewExponentialBackOff()
	exponential.InitialInterval = self.settings.ReconnectInitialDelay
	exponential.MaxInterval = self.settings.ReconnectMaxDelay
	exponential.MaxElapsedTime = 0
	exponential.Reset()

	var reconnect backoff.BackOff = exponential
	if 0 < self.settings.ReconnectMaxAttempts {
		reconnect = backoff.WithMaxRetries(exponential, uint64(self.settings.ReconnectMaxAttempts))
	}
	reconnect = backoff.WithContext(reconnect, self.ctx)
	reconnect.Reset()
	return reconnect
}

func (self *Client) dial() (*websocket.Conn, error) {
	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: self.settings.HandshakeTimeout,
	}
	header := http.Header{}
	if self.byJwt != "" {
		header.Add("Authorization", "Bearer "+self.byJwt)
	}
	ws, _, err := dialer.DialContext(self.ctx, self.busUrl, header)
	return ws, err
}

func (self *Client) run() {
	defer func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.running = false
	}()

	reconnect := self.newReconnect()
	for {
		var ws *websocket.Conn
		var err error
		if glog.V(2) {
			ws, err = TraceWithReturnError("[b]connect "+self.busUrl, self.dial)
		} else {
			ws, err = self.dial()
		}
		if err == nil {
			reconnect.Reset()
			self.handle(ws)
		} else {
			glog.Infof("[b]connect error %s = %s\n", self.busUrl, err)
		}

		select {
		case <-self.ctx.Done():
			return
		default:
		}

		delay := reconnect.NextBackOff()
		if delay == backoff.Stop {
			glog.Infof("[b]reconnect attempts exhausted %s\n", self.busUrl)
			return
		}
		select {
		case <-self.ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func (self *Client) handle(ws *websocket.Conn) {
	defer ws.Close()

	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()

	send := make(chan []byte, self.settings.SendBufferSize)

	go func() {
		defer handleCancel()

		for {
			select {
			case <-handleCtx.Done():
				return
			case message := <-send:
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.TextMessage, message); err != nil {
					// note that for websocket a dealine timeout cannot be recovered
					glog.Infof("[bs]%s-> error = %s\n", self.busUrl, err)
					return
				}
				glog.V(2).Infof("[bs]%s->\n", self.busUrl)
			case <-time.After(self.settings.PingTimeout):
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.TextMessage, make([]byte, 0)); err != nil {
					return
				}
			}
		}
	}()

	go func() {
		defer handleCancel()

		for {
			select {
			case <-handleCtx.Done():
				return
			default:
			}

			ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
			messageType, message, err := ws.ReadMessage()
			if err != nil {
				glog.Infof("[br]%s<- error = %s\n", self.busUrl, err)
				return
			}

			switch messageType {
			case websocket.TextMessage, websocket.BinaryMessage:
				if 0 == len(message) {
					// ping
					glog.V(2).Infof("[br]ping %s<-\n", self.busUrl)
					continue
				}
				envelope, err := DecodeEnvelope(message)
				if err != nil {
					glog.Infof("[br]%s<- drop = %s\n", self.busUrl, err)
					continue
				}
				glog.V(2).Infof("[br]%s<- %s\n", self.busUrl, envelope.Event)
				self.dispatch(envelope)
			default:
				glog.V(2).Infof("[br]other=%d %s<-\n", messageType, self.busUrl)
			}
		}
	}()

	// join again before any new emit can go out on this connection
	// the rooms are read and `send` is published under one lock,
	// so a concurrent JoinRoom is either rejoined here or emitted on `send`
	published := func() bool {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		for room := range self.rooms {
			message, err := EncodeEnvelope(room.JoinEvent(), room.Id)
			if err != nil {
				continue
			}
			// the writer drains `send` without the state lock
			select {
			case <-handleCtx.Done():
				return false
			case send <- message:
			}
		}
		self.send = send
		return true
	}()
	if !published {
		return
	}
	self.connectionChanged(true)

	defer func() {
		self.stateLock.Lock()
		if self.send == send {
			self.send = nil
		}
		self.stateLock.Unlock()
		self.connectionChanged(false)
	}()

	select {
	case <-handleCtx.Done():
	}
}

func (self *Client) dispatch(envelope *Envelope) {
	self.stateLock.Lock()
	handlers, ok := self.handlers[envelope.Event]
	self.stateLock.Unlock()

	if !ok {
		return
	}
	for _, handler := range handlers.Get() {
		HandleError(func() {
			handler(envelope.Data)
		})
	}
}

func (self *Client) connectionChanged(connected bool) {
	glog.Infof("[b]%s connected = %t\n", self.busUrl, connected)
	for _, connectionCallback := range self.connectionCallbacks.Get() {
		HandleError(func() {
			connectionCallback(connected)
		})
	}
}
