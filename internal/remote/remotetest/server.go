package remotetest

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/matheus3301/worldchat/internal/remote"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server serves the websocket protocol in front of a Memory store.
type Server struct {
	mem *Memory

	mu    sync.Mutex
	conns map[*serverConn]struct{}
}

// Handler returns a Server for mem.
func Handler(mem *Memory) *Server {
	return &Server{mem: mem, conns: make(map[*serverConn]struct{})}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &serverConn{ws: ws, mem: s.mem, unsubs: make(map[string]func())}
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
	}()
	c.serve(r.Context())
}

// Disconnect drops every open client connection.
func (s *Server) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		_ = c.ws.Close()
	}
}

type serverConn struct {
	ws  *websocket.Conn
	mem *Memory

	writeMu sync.Mutex
	mu      sync.Mutex
	unsubs  map[string]func()
}

func (c *serverConn) write(f remote.Frame) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_ = c.ws.WriteJSON(f)
}

func (c *serverConn) serve(ctx context.Context) {
	defer func() {
		c.mu.Lock()
		for _, unsub := range c.unsubs {
			unsub()
		}
		c.mu.Unlock()
		_ = c.ws.Close()
	}()

	for {
		var f remote.Frame
		if err := c.ws.ReadJSON(&f); err != nil {
			return
		}
		if err := c.handle(ctx, f); err != nil {
			c.write(remote.ReplyError(f.ID, err))
		}
	}
}

func (c *serverConn) handle(ctx context.Context, f remote.Frame) error {
	reply := remote.Frame{ID: f.ID, Op: remote.OpReply}
	switch f.Op {
	case remote.OpPublish:
		if f.Record == nil {
			return &remote.PermanentError{Op: f.Op, Reason: "missing record"}
		}
		ack, err := c.mem.Publish(ctx, f.Record.Message())
		if err != nil {
			return err
		}
		reply.AcceptedAt = ack.AcceptedAt

	case remote.OpSubscribe:
		c.mu.Lock()
		_, active := c.unsubs[f.ConversationID]
		c.mu.Unlock()
		if !active {
			conv := f.ConversationID
			unsub, err := c.mem.Subscribe(ctx, conv, func(records []remote.Record) {
				c.write(remote.Frame{Op: remote.OpSnapshot, ConversationID: conv, Records: records})
			})
			if err != nil {
				return err
			}
			c.mu.Lock()
			c.unsubs[conv] = unsub
			c.mu.Unlock()
		}

	case remote.OpUnsubscribe:
		c.mu.Lock()
		unsub := c.unsubs[f.ConversationID]
		delete(c.unsubs, f.ConversationID)
		c.mu.Unlock()
		if unsub != nil {
			unsub()
		}

	case remote.OpSummary:
		if err := c.mem.UpdateConversationSummary(ctx, f.ConversationID, f.Text, f.SenderID, f.Timestamp); err != nil {
			return err
		}

	case remote.OpMarkRead:
		if err := c.mem.MarkRead(ctx, f.ConversationID, f.MessageID, f.UserID); err != nil {
			return err
		}

	case remote.OpMarkDelivered:
		if err := c.mem.MarkDelivered(ctx, f.ConversationID, f.MessageID); err != nil {
			return err
		}

	default:
		return &remote.PermanentError{Op: f.Op, Reason: "unknown op"}
	}
	c.write(reply)
	return nil
}
