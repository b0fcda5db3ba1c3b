// Package autopush speaks the Mozilla autopush websocket protocol: it keeps a
// connection to the push service alive, registers channels and hands incoming
// notifications to a callback.
package autopush

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/khaliullov/scanmycar-agent/internal/logger"
)

var ErrNotConnected = errors.New("push service not connected")

type Options struct {
	URL string
	// Hello returns the persisted UAID and the channels to resume.
	Hello func() (uaid string, channelIDs []string)
	// OnUAID is called when the service assigns a different UAID.
	OnUAID func(uaid string)
	// OnNotification runs on the read goroutine.
	OnNotification func(Notification)
	// OnConnection reports connect and disconnect.
	OnConnection func(connected bool)

	Logger         *logger.Logger
	Dialer         *websocket.Dialer
	ReconnectDelay time.Duration
	KeepAlive      time.Duration
}

type Client struct {
	opts Options
	log  *logger.Logger

	writeMu sync.Mutex
	conn    *websocket.Conn

	stateMu sync.Mutex
	ready   chan struct{}
	online  bool

	pendingMu sync.Mutex
	pending   map[string]chan RegisterResponse

	started  atomic.Bool
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func New(opts Options) *Client {
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.ReconnectDelay == 0 {
		opts.ReconnectDelay = 5 * time.Second
	}
	if opts.KeepAlive == 0 {
		opts.KeepAlive = 10 * time.Minute
	}
	if opts.Hello == nil {
		opts.Hello = func() (string, []string) { return "", nil }
	}
	log := opts.Logger
	if log == nil {
		log = logger.Discard()
	}
	return &Client{
		opts:    opts,
		log:     log.WithComponent("autopush"),
		ready:   make(chan struct{}),
		pending: make(map[string]chan RegisterResponse),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start connects in the background and keeps reconnecting until Stop.
func (c *Client) Start() {
	if !c.started.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer close(c.done)
		for {
			select {
			case <-c.stop:
				return
			default:
			}

			if err := c.dial(); err != nil {
				c.log.Warn("dial failed", slog.String("error", err.Error()))
				if !c.sleep() {
					return
				}
				continue
			}

			if err := c.sendHello(); err != nil {
				c.closeConn()
				if !c.sleep() {
					return
				}
				continue
			}

			connDone := make(chan struct{})
			go c.keepAliveLoop(connDone)
			c.readLoop()
			close(connDone)

			c.closeConn()
			c.failPending()
			c.log.Info("connection lost, reconnecting", slog.Duration("delay", c.opts.ReconnectDelay))
			if !c.sleep() {
				return
			}
		}
	}()
}

func (c *Client) Stop() {
	c.stopOnce.Do(func() {
		close(c.stop)
		c.closeConn()
	})
	if c.started.Load() {
		<-c.done
	}
}

func (c *Client) Connected() bool {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.online
}

// WaitConnected blocks until the hello handshake has completed.
func (c *Client) WaitConnected(ctx context.Context) error {
	c.stateMu.Lock()
	ready := c.ready
	c.stateMu.Unlock()
	select {
	case <-ready:
		return nil
	case <-c.stop:
		return ErrNotConnected
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Register opens channelID bound to the application server key and returns
// the push endpoint the server must post to.
func (c *Client) Register(ctx context.Context, channelID, key string) (string, error) {
	if err := c.WaitConnected(ctx); err != nil {
		return "", err
	}

	ch := make(chan RegisterResponse, 1)
	c.pendingMu.Lock()
	c.pending[channelID] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, channelID)
		c.pendingMu.Unlock()
	}()

	req := RegisterRequest{Type: MessageTypeRegister, ChannelID: channelID, Key: key}
	if err := c.write(req); err != nil {
		return "", fmt.Errorf("register write failed: %w", err)
	}

	select {
	case resp := <-ch:
		if resp.Status != StatusOK {
			return "", fmt.Errorf("register %s failed: status=%d", channelID, resp.Status)
		}
		c.log.Info("registered", slog.String("channel", channelID), slog.String("endpoint", resp.PushEndpoint))
		return resp.PushEndpoint, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (c *Client) Unregister(channelID string) error {
	return c.write(UnregisterRequest{Type: MessageTypeUnregister, ChannelID: channelID})
}

func (c *Client) Ack(channelID, version string) error {
	return c.write(Ack{
		Type:    MessageTypeAck,
		Updates: []AckUpdate{{ChannelID: channelID, Version: version}},
	})
}

func (c *Client) write(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	return c.conn.WriteJSON(v)
}

func (c *Client) sleep() bool {
	select {
	case <-time.After(c.opts.ReconnectDelay):
		return true
	case <-c.stop:
		return false
	}
}

func (c *Client) dial() error {
	conn, _, err := c.opts.Dialer.Dial(c.opts.URL, nil)
	if err != nil {
		return fmt.Errorf("dial push service: %w", err)
	}
	conn.SetPongHandler(func(string) error { return nil })
	c.writeMu.Lock()
	c.conn = conn
	c.writeMu.Unlock()
	return nil
}

func (c *Client) closeConn() {
	c.writeMu.Lock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.writeMu.Unlock()

	c.stateMu.Lock()
	wasOnline := c.online
	c.online = false
	select {
	case <-c.ready:
		c.ready = make(chan struct{})
	default:
	}
	c.stateMu.Unlock()
	if wasOnline && c.opts.OnConnection != nil {
		c.opts.OnConnection(false)
	}
}

func (c *Client) sendHello() error {
	uaid, channelIDs := c.opts.Hello()
	hello := HelloRequest{Type: MessageTypeHello, UseWebPush: true}
	if uaid != "" {
		hello.UAID = uaid
		hello.ChannelIDs = channelIDs
	}
	return c.write(hello)
}

func (c *Client) keepAliveLoop(connDone <-chan struct{}) {
	ticker := time.NewTicker(c.opts.KeepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := c.write(map[string]any{}); err != nil {
				return
			}
		case <-connDone:
			return
		case <-c.stop:
			return
		}
	}
}

func (c *Client) readLoop() {
	for {
		c.writeMu.Lock()
		conn := c.conn
		c.writeMu.Unlock()
		if conn == nil {
			return
		}
		_, msgBytes, err := conn.ReadMessage()
		if err != nil {
			c.log.Debug("read error", slog.String("error", err.Error()))
			return
		}

		var typeCheck struct {
			MessageType MessageType `json:"messageType"`
		}
		if json.Unmarshal(msgBytes, &typeCheck) != nil {
			continue
		}
		c.log.Debug("push service ->", slog.String("message", string(msgBytes)))

		switch typeCheck.MessageType {
		case MessageTypeHello:
			var resp HelloResponse
			if json.Unmarshal(msgBytes, &resp) != nil {
				continue
			}
			if resp.Status != 0 && resp.Status != StatusOK {
				c.log.Warn("hello rejected", slog.Int("status", resp.Status))
				return
			}
			c.handleHello(resp)
		case MessageTypeRegister:
			var rr RegisterResponse
			if json.Unmarshal(msgBytes, &rr) == nil {
				c.handleRegisterResponse(rr)
			}
		case MessageTypeNotification:
			var nm Notification
			if json.Unmarshal(msgBytes, &nm) == nil && c.opts.OnNotification != nil {
				c.opts.OnNotification(nm)
			}
		}
	}
}

func (c *Client) handleHello(resp HelloResponse) {
	uaid, _ := c.opts.Hello()
	if resp.UAID != "" && resp.UAID != uaid && c.opts.OnUAID != nil {
		c.opts.OnUAID(resp.UAID)
		c.log.Info("saved uaid", slog.String("uaid", resp.UAID))
	}

	c.stateMu.Lock()
	c.online = true
	select {
	case <-c.ready:
	default:
		close(c.ready)
	}
	c.stateMu.Unlock()
	if c.opts.OnConnection != nil {
		c.opts.OnConnection(true)
	}
}

func (c *Client) handleRegisterResponse(resp RegisterResponse) {
	c.pendingMu.Lock()
	ch, ok := c.pending[resp.ChannelID]
	c.pendingMu.Unlock()
	if !ok {
		c.log.Warn("register response for unknown channel", slog.String("channel", resp.ChannelID))
		return
	}
	select {
	case ch <- resp:
	default:
	}
}

func (c *Client) failPending() {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for id, ch := range c.pending {
		select {
		case ch <- RegisterResponse{ChannelID: id}:
		default:
		}
	}
}
