package dbp2p

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/golang/glog"
)

type ChannelState int

const (
	ChannelDisconnected ChannelState = iota
	ChannelConnecting
	ChannelOpen
	// closed locally, or closed cleanly by the server
	ChannelClosed
	ChannelClosedWithError
)

func (self ChannelState) String() string {
	switch self {
	case ChannelDisconnected:
		return "disconnected"
	case ChannelConnecting:
		return "connecting"
	case ChannelOpen:
		return "open"
	case ChannelClosed:
		return "closed"
	case ChannelClosedWithError:
		return "closed_with_error"
	default:
		return fmt.Sprintf("unknown(%d)", int(self))
	}
}

type EventChannelSettings struct {
	// how long `Connect` blocks the caller. The dial keeps running after this.
	ConnectTimeout     time.Duration
	WsHandshakeTimeout time.Duration
	PingTimeout        time.Duration
	WriteTimeout       time.Duration
	// the server pings every 54s
	ReadTimeout    time.Duration
	ReadLimit      int64
	SendBufferSize int
}

func DefaultEventChannelSettings() *EventChannelSettings {
	return &EventChannelSettings{
		ConnectTimeout:     5 * time.Second,
		WsHandshakeTimeout: 15 * time.Second,
		PingTimeout:        30 * time.Second,
		WriteTimeout:       10 * time.Second,
		ReadTimeout:        90 * time.Second,
		ReadLimit:          512 * 1024,
		SendBufferSize:     256,
	}
}

// called after each state change, outside of the channel lock.
// `err` is the cause for `ChannelDisconnected` and `ChannelClosedWithError`.
type StateChangeFunc func(state ChannelState, err error)

// the single long-lived connection to the notification endpoint.
//
// Disconnected -connect-> Connecting -open-> Open -close-> Closed
// Connecting -dial error-> Disconnected
// Open -read/write error-> ClosedWithError
//
// On each open, the subscription registry is replayed as subscribe frames.
// The replay runs alongside the receive loop, so replay frames and inbound events
// may interleave. The registry is never changed by a close.
//
// A second `Connect` while connecting or open fails with `ErrAlreadyConnected`.
type EventChannel struct {
	ctx    context.Context
	cancel context.CancelFunc

	wsUrl       string
	credentials *CredentialStore
	registry    *SubscriptionRegistry
	dispatcher  *EventDispatcher

	settings *EventChannelSettings
	dialer   *websocket.Dialer

	stateLock sync.Mutex
	state     ChannelState
	stateErr  error
	// the connection that owns the state. Nil when not connecting or open.
	conn *eventConn
	// closed on each state change
	stateUpdate chan struct{}
	stateChange StateChangeFunc

	wg sync.WaitGroup
}

func NewEventChannelWithDefaults(
	ctx context.Context,
	wsUrl string,
	credentials *CredentialStore,
	registry *SubscriptionRegistry,
	dispatcher *EventDispatcher,
) *EventChannel {
	return NewEventChannel(
		ctx,
		wsUrl,
		credentials,
		registry,
		dispatcher,
		DefaultEventChannelSettings(),
	)
}

func NewEventChannel(
	ctx context.Context,
	wsUrl string,
	credentials *CredentialStore,
	registry *SubscriptionRegistry,
	dispatcher *EventDispatcher,
	settings *EventChannelSettings,
) *EventChannel {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &EventChannel{
		ctx:         cancelCtx,
		cancel:      cancel,
		wsUrl:       wsUrl,
		credentials: credentials,
		registry:    registry,
		dispatcher:  dispatcher,
		settings:    settings,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: settings.WsHandshakeTimeout,
		},
		state:       ChannelDisconnected,
		stateUpdate: make(chan struct{}),
	}
}

func (self *EventChannel) SetStateChangeCallback(stateChange StateChangeFunc) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.stateChange = stateChange
}

func (self *EventChannel) State() ChannelState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.state
}

// the cause of the last `ChannelDisconnected` or `ChannelClosedWithError`
func (self *EventChannel) StateErr() error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.stateErr
}

func (self *EventChannel) IsOpen() bool {
	return self.State() == ChannelOpen
}

// blocks until the state is one of `states`
func (self *EventChannel) WaitState(ctx context.Context, states ...ChannelState) (ChannelState, error) {
	for {
		self.stateLock.Lock()
		state := self.state
		stateUpdate := self.stateUpdate
		self.stateLock.Unlock()

		if slices.Contains(states, state) {
			return state, nil
		}
		select {
		case <-ctx.Done():
			return state, ctx.Err()
		case <-stateUpdate:
		}
	}
}

// opens the channel with the current session token.
// Blocks until the channel is open or `ConnectTimeout` elapses. On timeout the dial
// keeps running in the background and the channel may still open later.
func (self *EventChannel) Connect(ctx context.Context) error {
	token, err := self.credentials.RequireToken()
	if err != nil {
		return err
	}

	self.stateLock.Lock()
	switch self.state {
	case ChannelConnecting, ChannelOpen:
		self.stateLock.Unlock()
		return ErrAlreadyConnected
	}
	if err := self.ctx.Err(); err != nil {
		self.stateLock.Unlock()
		return fmt.Errorf("%w: channel is shut down (%w)", ErrNotConnected, err)
	}
	c := newEventConn(self.ctx, self.settings.SendBufferSize)
	self.conn = c
	stateChange := self.setStateWithLock(ChannelConnecting, nil)
	self.stateLock.Unlock()
	stateChange()

	opened := make(chan error, 1)
	self.wg.Add(1)
	go func() {
		defer self.wg.Done()
		HandleError(func() {
			self.run(c, token, opened)
		}, func(err error) {
			c.fail(err)
			self.transition(c, ChannelClosedWithError, err)
			select {
			case opened <- err:
			default:
			}
		})
	}()

	select {
	case err := <-opened:
		return err
	case <-time.After(self.settings.ConnectTimeout):
		glog.Infof("[c]connect %s timeout after %s\n", c.id, self.settings.ConnectTimeout)
		return fmt.Errorf("%w: channel did not open within %s", ErrTimeout, self.settings.ConnectTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// queues a frame as json. No acknowledgement is awaited.
func (self *EventChannel) Send(frame any) error {
	self.stateLock.Lock()
	c := self.conn
	open := self.state == ChannelOpen
	self.stateLock.Unlock()

	if !open {
		return ErrNotConnected
	}
	return self.sendOn(c, frame)
}

// closes the current connection and waits for its goroutines to exit.
// The registry is kept so that a later `Connect` replays it.
// Idempotent. Must not be called from an observer, which runs on the receive goroutine.
func (self *EventChannel) Close() error {
	self.stateLock.Lock()
	c := self.conn
	self.conn = nil
	stateChange := func() {}
	if self.state != ChannelClosed {
		stateChange = self.setStateWithLock(ChannelClosed, nil)
	}
	self.stateLock.Unlock()

	if c != nil {
		c.cancel()
	}
	stateChange()
	self.wg.Wait()
	return nil
}

// closes the channel for good. A later `Connect` fails with `ErrNotConnected`.
// Must not be called from an observer.
func (self *EventChannel) Shutdown() {
	self.cancel()
	self.Close()
}

func (self *EventChannel) run(c *eventConn, token string, opened chan error) {
	defer c.cancel()

	connect := func() (*websocket.Conn, error) {
		channelUrl, err := self.channelUrl(token)
		if err != nil {
			return nil, err
		}
		dialer := *self.dialer
		// the server also reads the token from the protocol header
		dialer.Subprotocols = []string{token}
		ws, r, err := dialer.DialContext(c.ctx, channelUrl, nil)
		if err != nil {
			transportErr := &TransportError{
				Method: "GET",
				Url:    self.redactedUrl(),
				Err:    err,
			}
			if r != nil {
				transportErr.StatusCode = r.StatusCode
				if r.StatusCode == http.StatusUnauthorized {
					transportErr.Err = fmt.Errorf("%w: %s", ErrUnauthenticated, err)
				}
			}
			return nil, transportErr
		}
		return ws, nil
	}

	var ws *websocket.Conn
	var err error
	if glog.V(LogLevelTrace) {
		ws, err = TraceWithReturnError(fmt.Sprintf("[c]connect %s", c.id), connect)
	} else {
		ws, err = connect()
	}
	if err != nil {
		glog.Infof("[c]connect error %s = %s\n", c.id, err)
		self.transition(c, ChannelDisconnected, err)
		opened <- err
		return
	}

	c.ws = ws
	if !self.transition(c, ChannelOpen, nil) {
		// closed while connecting
		ws.Close()
		opened <- ErrNotConnected
		return
	}
	opened <- nil

	self.wg.Add(3)
	go func() {
		defer self.wg.Done()
		self.closeOnDone(c)
	}()
	go func() {
		defer self.wg.Done()
		self.writeLoop(c)
	}()
	go func() {
		defer self.wg.Done()
		self.replay(c)
	}()

	readErr := self.readLoop(c)
	c.fail(readErr)
	c.cancel()

	closeErr := c.err()
	switch {
	case self.ctx.Err() != nil, websocket.IsCloseError(closeErr, websocket.CloseNormalClosure, websocket.CloseGoingAway):
		if self.transition(c, ChannelClosed, nil) {
			glog.Infof("[c]closed %s\n", c.id)
		}
	default:
		if self.transition(c, ChannelClosedWithError, closeErr) {
			glog.Infof("[c]closed %s error = %s\n", c.id, closeErr)
		}
	}
}

// inbound frames go to the dispatcher in arrival order, one at a time
func (self *EventChannel) readLoop(c *eventConn) error {
	ws := c.ws
	ws.SetReadLimit(self.settings.ReadLimit)
	ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		return nil
	})
	ws.SetPingHandler(func(message string) error {
		ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		err := ws.WriteControl(websocket.PongMessage, []byte(message), time.Now().Add(self.settings.WriteTimeout))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	for {
		messageType, message, err := ws.ReadMessage()
		if err != nil {
			glog.V(LogLevelTrace).Infof("[cr]%s<- error = %s\n", c.id, err)
			return err
		}
		ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))

		switch messageType {
		case websocket.TextMessage, websocket.BinaryMessage:
			for _, frame := range splitFrames(message) {
				glog.V(LogLevelTrace).Infof("[cr]%s<- (%d)\n", c.id, len(frame))
				self.dispatcher.Dispatch(frame)
			}
		default:
			glog.V(LogLevelTrace).Infof("[cr]other=%d %s<-\n", messageType, c.id)
		}
	}
}

func (self *EventChannel) writeLoop(c *eventConn) {
	pingTicker := time.NewTicker(self.settings.PingTimeout)
	defer pingTicker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case message := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				// note that for websocket a deadline timeout cannot be recovered
				glog.Infof("[cs]%s-> error = %s\n", c.id, err)
				c.fail(err)
				return
			}
			glog.V(LogLevelTrace).Infof("[cs]%s-> (%d)\n", c.id, len(message))
		case <-pingTicker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(self.settings.WriteTimeout)); err != nil {
				glog.Infof("[cs]ping %s-> error = %s\n", c.id, err)
				c.fail(err)
				return
			}
		}
	}
}

// unblocks the read loop when the connection is done
func (self *EventChannel) closeOnDone(c *eventConn) {
	<-c.ctx.Done()
	c.ws.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(self.settings.WriteTimeout),
	)
	c.ws.Close()
}

func (self *EventChannel) replay(c *eventConn) {
	subscriptions := self.registry.Snapshot()
	for _, subscription := range subscriptions {
		if err := self.sendOn(c, subscription.SubscribeFrame()); err != nil {
			glog.Infof("[c]replay %s %s error = %s\n", c.id, subscription, err)
			return
		}
	}
	glog.V(LogLevelTrace).Infof("[c]replay %s (%d)\n", c.id, len(subscriptions))
}

func (self *EventChannel) sendOn(c *eventConn, frame any) error {
	message, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	select {
	case <-c.ctx.Done():
		return ErrNotConnected
	case c.send <- message:
		return nil
	case <-time.After(self.settings.WriteTimeout):
		return fmt.Errorf("%w: send queue full", ErrTimeout)
	}
}

// updates the state if `c` still owns it
func (self *EventChannel) transition(c *eventConn, state ChannelState, err error) bool {
	self.stateLock.Lock()
	if self.conn != c {
		self.stateLock.Unlock()
		return false
	}
	switch state {
	case ChannelConnecting, ChannelOpen:
	default:
		self.conn = nil
	}
	stateChange := self.setStateWithLock(state, err)
	self.stateLock.Unlock()

	stateChange()
	return true
}

// returns the notification to run after the lock is released
func (self *EventChannel) setStateWithLock(state ChannelState, err error) func() {
	self.state = state
	self.stateErr = err
	close(self.stateUpdate)
	self.stateUpdate = make(chan struct{})
	glog.V(LogLevelTrace).Infof("[c]state %s\n", state)

	stateChange := self.stateChange
	return func() {
		if stateChange != nil {
			stateChange(state, err)
		}
	}
}

// `{wsUrl}/ws?token=<token>`
func (self *EventChannel) channelUrl(token string) (string, error) {
	u, err := url.Parse(self.wsUrl)
	if err != nil {
		return "", err
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	query := u.Query()
	query.Set("token", token)
	u.RawQuery = query.Encode()
	return u.String(), nil
}

// the channel url without the token, for errors and logs
func (self *EventChannel) redactedUrl() string {
	return strings.TrimRight(self.wsUrl, "/") + "/ws"
}

// the server may batch queued messages into one frame separated by newlines.
// A frame that does not hold several messages is returned as received.
func splitFrames(message []byte) [][]byte {
	if json.Valid(message) {
		return [][]byte{message}
	}
	frames := [][]byte{}
	for _, frame := range bytes.Split(message, []byte{'\n'}) {
		frame = bytes.TrimSpace(frame)
		if 0 < len(frame) {
			frames = append(frames, frame)
		}
	}
	if len(frames) <= 1 {
		return [][]byte{message}
	}
	return frames
}

type eventConn struct {
	id Id

	ctx    context.Context
	cancel context.CancelFunc

	// set once the dial completes, before the channel is open
	ws   *websocket.Conn
	send chan []byte

	errLock  sync.Mutex
	closeErr error
}

func newEventConn(ctx context.Context, sendBufferSize int) *eventConn {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &eventConn{
		id:     NewId(),
		ctx:    cancelCtx,
		cancel: cancel,
		send:   make(chan []byte, sendBufferSize),
	}
}

// records the first error and closes the connection
func (self *eventConn) fail(err error) {
	self.errLock.Lock()
	if self.closeErr == nil {
		self.closeErr = err
	}
	self.errLock.Unlock()
	self.cancel()
}

func (self *eventConn) err() error {
	self.errLock.Lock()
	defer self.errLock.Unlock()
	return self.closeErr
}
