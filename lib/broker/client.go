package broker

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/nrednav/cuid2"

	"github.com/browserforce/relay/lib/cdp"
	"github.com/browserforce/relay/lib/logring"
)

const (
	clientReadLimit = 100 * 1024 * 1024
	clientWriteWait = 10 * time.Second
)

// Client is one CDP WebSocket. All outbound frames go through its bounded
// send queue; a client that cannot keep up is dropped rather than ever
// stalling the extension.
type Client struct {
	id          string
	label       string
	conn        *websocket.Conn
	logger      *slog.Logger
	broker      *Broker
	sendCh      chan []byte
	done        chan struct{}
	stopOnce    sync.Once
	connectedAt time.Time

	flagMu          sync.Mutex
	discover        bool
	autoAttach      bool
	waitForDebugger bool
}

// ServeCDP handles GET /cdp: token check, client registration, then the
// read loop for the life of the connection.
func (b *Broker) ServeCDP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"}, // loopback bind plus token is the gate here
	})
	if err != nil {
		b.logger.Error("client accept failed", "err", err)
		return
	}
	conn.SetReadLimit(clientReadLimit)

	if !b.opts.Token.Matches(r.URL.Query().Get("token")) {
		b.logger.Warn("client token rejected")
		conn.Close(websocket.StatusPolicyViolation, "invalid token")
		return
	}

	c := &Client{
		id:          cuid2.Generate(),
		label:       r.URL.Query().Get("label"),
		conn:        conn,
		broker:      b,
		sendCh:      make(chan []byte, b.opts.ClientQueueCap),
		done:        make(chan struct{}),
		connectedAt: time.Now(),
	}
	c.logger = b.logger.With("client_id", c.id)

	b.register(c)
	b.lifecycleClient(c, "connected", "")
	c.logger.Info("client connected", "label", c.label)

	go c.writePump()
	c.readLoop()

	c.stop()
	b.unregister(c)
	removed, orphaned := b.reg.DetachClient(c.id)
	for _, t := range orphaned {
		b.releaseTab(t)
	}
	b.lifecycleClient(c, "disconnected", "")
	c.logger.Info("client disconnected", "sessions_dropped", len(removed))
	conn.Close(websocket.StatusNormalClosure, "")
}

func (c *Client) readLoop() {
	decodeErrs := 0
	for {
		_, data, err := c.conn.Read(context.Background())
		if err != nil {
			return
		}
		c.broker.ring.Append(logring.FromClient, c.id, json.RawMessage(data))

		var msg cdp.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			decodeErrs++
			c.logger.Warn("client frame undecodable", "err", err, "frames", decodeErrs)
			if decodeErrs >= c.broker.opts.DecodeErrorLimit {
				c.conn.Close(websocket.StatusPolicyViolation, "too many undecodable frames")
				return
			}
			continue
		}
		if msg.ID == 0 {
			// Commands without an id cannot be answered; treat like noise.
			decodeErrs++
			c.logger.Warn("client frame missing id", "method", msg.Method, "frames", decodeErrs)
			if decodeErrs >= c.broker.opts.DecodeErrorLimit {
				c.conn.Close(websocket.StatusPolicyViolation, "too many undecodable frames")
				return
			}
			continue
		}
		decodeErrs = 0

		if msg.Method == "" {
			c.enqueue(cdp.NewErrorResponse(msg.ID, msg.SessionID, cdp.CodeInvalidRequest, "method required"))
			continue
		}
		c.broker.dispatch(c, msg)
	}
}

// writePump is the only goroutine writing to the socket.
func (c *Client) writePump() {
	for {
		select {
		case data := <-c.sendCh:
			ctx, cancel := context.WithTimeout(context.Background(), clientWriteWait)
			err := c.conn.Write(ctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				c.logger.Debug("client write failed", "err", err)
				c.conn.Close(websocket.StatusAbnormalClosure, "write failed")
				return
			}
		case <-c.done:
			return
		}
	}
}

// enqueue queues one outbound frame without ever blocking the caller. A
// full queue means the client is too slow to keep: it gets dropped with a
// close reason and a lifecycle entry.
func (c *Client) enqueue(msg cdp.Message) {
	data, err := msg.Encode()
	if err != nil {
		c.logger.Error("encode outbound frame failed", "err", err)
		return
	}

	// Ring entry only once the queue accepts the frame; a frame lost to an
	// overflow drop was never delivered and must not read as if it were.
	select {
	case c.sendCh <- data:
		c.broker.ring.Append(logring.ToClient, c.id, data)
	case <-c.done:
	default:
		c.overflow()
	}
}

func (c *Client) overflow() {
	c.stopOnce.Do(func() {
		close(c.done)
		c.logger.Warn("client send queue overflow, dropping client")
		c.broker.lifecycleClient(c, "dropped", "send queue overflow")
		c.conn.Close(websocket.StatusTryAgainLater, "send queue overflow")
	})
}

func (c *Client) stop() {
	c.stopOnce.Do(func() {
		close(c.done)
	})
}

func (c *Client) discovering() bool {
	c.flagMu.Lock()
	defer c.flagMu.Unlock()
	return c.discover
}

func (c *Client) setDiscover(on bool) {
	c.flagMu.Lock()
	defer c.flagMu.Unlock()
	c.discover = on
}

func (c *Client) autoAttachState() (on, waitForDebugger bool) {
	c.flagMu.Lock()
	defer c.flagMu.Unlock()
	return c.autoAttach, c.waitForDebugger
}

func (c *Client) setAutoAttach(on, waitForDebugger bool) {
	c.flagMu.Lock()
	defer c.flagMu.Unlock()
	c.autoAttach = on
	c.waitForDebugger = waitForDebugger
}

func (b *Broker) lifecycleClient(c *Client, event, reason string) {
	payload := map[string]string{"event": event}
	if c.label != "" {
		payload["label"] = c.label
	}
	if reason != "" {
		payload["reason"] = reason
	}
	msg, _ := json.Marshal(payload)
	b.ring.Append(logring.ClientLifecycle, c.id, msg)
}
