package remote

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/matheus3301/worldchat/internal/store"
	"go.uber.org/zap"
)

const (
	pingInterval = 30 * time.Second
	pongWait     = 2 * pingInterval
	writeWait    = 5 * time.Second
)

// WSOptions configures a WSClient.
type WSOptions struct {
	URL            string
	DialTimeout    time.Duration
	RequestTimeout time.Duration
	ReconnectMin   time.Duration
	ReconnectMax   time.Duration
	// OnState is called from the connection goroutine on every connect and
	// disconnect.
	OnState func(connected bool, err error)
}

// WSClient is a Channel over a persistent websocket. It reconnects with
// exponential backoff and re-subscribes every active conversation after a
// reconnect. Requests made while disconnected fail fast with ErrOffline.
type WSClient struct {
	opts   WSOptions
	logger *zap.Logger
	dialer *websocket.Dialer

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[string]chan Frame
	subs    map[string]map[uint64]SnapshotFunc

	writeMu sync.Mutex
	nextID  atomic.Uint64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWSClient returns a client that is not yet connected. Call Start.
func NewWSClient(opts WSOptions, logger *zap.Logger) *WSClient {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 10 * time.Second
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 10 * time.Second
	}
	if opts.ReconnectMin <= 0 {
		opts.ReconnectMin = 500 * time.Millisecond
	}
	if opts.ReconnectMax <= 0 {
		opts.ReconnectMax = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WSClient{
		opts:    opts,
		logger:  logger,
		dialer:  &websocket.Dialer{HandshakeTimeout: opts.DialTimeout},
		pending: make(map[string]chan Frame),
		subs:    make(map[string]map[uint64]SnapshotFunc),
	}
}

// Start launches the connection loop.
func (c *WSClient) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run(ctx)
	}()
}

// Close stops reconnecting and closes the current connection.
func (c *WSClient) Close() error {
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	c.wg.Wait()
	return nil
}

// Connected reports whether a connection is currently established.
func (c *WSClient) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

func (c *WSClient) run(ctx context.Context) {
	delay := c.opts.ReconnectMin
	for {
		conn, _, err := c.dialer.DialContext(ctx, c.opts.URL, nil)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Debug("remote dial failed", zap.String("url", c.opts.URL), zap.Duration("retry_in", delay), zap.Error(err))
			c.notify(false, err)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
			delay = min(delay*2, c.opts.ReconnectMax)
			continue
		}
		delay = c.opts.ReconnectMin

		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
		c.logger.Info("remote connected", zap.String("url", c.opts.URL))
		c.resubscribe()
		c.notify(true, nil)

		err = c.serve(ctx, conn)

		c.mu.Lock()
		c.conn = nil
		for id, ch := range c.pending {
			close(ch)
			delete(c.pending, id)
		}
		c.mu.Unlock()
		_ = conn.Close()

		if ctx.Err() != nil {
			c.notify(false, ctx.Err())
			return
		}
		c.logger.Warn("remote connection lost", zap.Error(err))
		c.notify(false, err)
	}
}

func (c *WSClient) notify(connected bool, err error) {
	if c.opts.OnState != nil {
		c.opts.OnState(connected, err)
	}
}

// serve reads frames until the connection fails. A sibling goroutine keeps
// the connection alive with pings.
func (c *WSClient) serve(ctx context.Context, conn *websocket.Conn) error {
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.writeMu.Lock()
				err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
				c.writeMu.Unlock()
				if err != nil {
					return
				}
			case <-done:
				return
			case <-ctx.Done():
				_ = conn.Close()
				return
			}
		}
	}()

	for {
		var f Frame
		if err := conn.ReadJSON(&f); err != nil {
			return err
		}
		switch f.Op {
		case OpReply:
			c.mu.Lock()
			ch, ok := c.pending[f.ID]
			delete(c.pending, f.ID)
			c.mu.Unlock()
			if ok {
				ch <- f
			}
		case OpSnapshot:
			c.deliver(f.ConversationID, f.Records)
		default:
			c.logger.Debug("ignoring remote frame", zap.String("op", f.Op))
		}
	}
}

func (c *WSClient) deliver(conversationID string, records []Record) {
	c.mu.Lock()
	fns := make([]SnapshotFunc, 0, len(c.subs[conversationID]))
	for _, fn := range c.subs[conversationID] {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn(records)
	}
}

func (c *WSClient) resubscribe() {
	c.mu.Lock()
	convs := make([]string, 0, len(c.subs))
	for id := range c.subs {
		convs = append(convs, id)
	}
	c.mu.Unlock()
	for _, id := range convs {
		if err := c.send(Frame{Op: OpSubscribe, ConversationID: id}); err != nil {
			c.logger.Warn("resubscribe failed", zap.String("conversation_id", id), zap.Error(err))
		}
	}
}

func (c *WSClient) send(f Frame) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrOffline
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(f); err != nil {
		return &TransientError{Op: f.Op, Err: err}
	}
	return nil
}

// request sends f and waits for the matching reply.
func (c *WSClient) request(ctx context.Context, f Frame) (Frame, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
	defer cancel()

	f.ID = strconv.FormatUint(c.nextID.Add(1), 10)
	ch := make(chan Frame, 1)
	c.mu.Lock()
	if c.conn == nil {
		c.mu.Unlock()
		return Frame{}, ErrOffline
	}
	c.pending[f.ID] = ch
	c.mu.Unlock()

	if err := c.send(f); err != nil {
		c.forget(f.ID)
		return Frame{}, err
	}

	select {
	case reply, ok := <-ch:
		if !ok {
			return Frame{}, &TransientError{Op: f.Op, Err: fmt.Errorf("connection closed before reply")}
		}
		return reply, reply.err(f.Op)
	case <-ctx.Done():
		c.forget(f.ID)
		return Frame{}, &TransientError{Op: f.Op, Err: ctx.Err()}
	}
}

func (c *WSClient) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// Publish sends a message. The remote treats a repeated message ID as a no-op
// and acknowledges it again.
func (c *WSClient) Publish(ctx context.Context, m *store.Message) (Ack, error) {
	rec := RecordFromMessage(m)
	reply, err := c.request(ctx, Frame{Op: OpPublish, ConversationID: m.ConversationID, Record: &rec})
	if err != nil {
		return Ack{}, err
	}
	return Ack{MessageID: m.ID, AcceptedAt: reply.AcceptedAt}, nil
}

// Subscribe registers fn for snapshots of a conversation. While disconnected
// the subscription is kept and sent after the next connect.
func (c *WSClient) Subscribe(ctx context.Context, conversationID string, fn SnapshotFunc) (func(), error) {
	id := c.nextID.Add(1)
	c.mu.Lock()
	first := len(c.subs[conversationID]) == 0
	if first {
		c.subs[conversationID] = make(map[uint64]SnapshotFunc)
	}
	c.subs[conversationID][id] = fn
	connected := c.conn != nil
	c.mu.Unlock()

	if first && connected {
		if _, err := c.request(ctx, Frame{Op: OpSubscribe, ConversationID: conversationID}); err != nil && Classify(err) == ClassPermanent {
			c.drop(conversationID, id)
			return nil, err
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			if c.drop(conversationID, id) {
				_ = c.send(Frame{Op: OpUnsubscribe, ConversationID: conversationID})
			}
		})
	}, nil
}

// drop removes one callback and reports whether it was the last one.
func (c *WSClient) drop(conversationID string, id uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	subs := c.subs[conversationID]
	delete(subs, id)
	if len(subs) == 0 {
		delete(c.subs, conversationID)
		return true
	}
	return false
}

func (c *WSClient) UpdateConversationSummary(ctx context.Context, conversationID, text, senderID string, ts int64) error {
	_, err := c.request(ctx, Frame{Op: OpSummary, ConversationID: conversationID, Text: text, SenderID: senderID, Timestamp: ts})
	return err
}

func (c *WSClient) MarkRead(ctx context.Context, conversationID, messageID, userID string) error {
	_, err := c.request(ctx, Frame{Op: OpMarkRead, ConversationID: conversationID, MessageID: messageID, UserID: userID})
	return err
}

func (c *WSClient) MarkDelivered(ctx context.Context, conversationID, messageID string) error {
	_, err := c.request(ctx, Frame{Op: OpMarkDelivered, ConversationID: conversationID, MessageID: messageID})
	return err
}
