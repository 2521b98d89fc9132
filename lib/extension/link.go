// Package extension owns the single privileged WebSocket to the companion
// browser extension: connection lifecycle, liveness keepalive, and the
// pending table correlating broker commands with extension responses.
package extension

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/browserforce/relay/lib/auth"
	"github.com/browserforce/relay/lib/logring"
)

// State describes the extension link lifecycle.
type State string

const (
	// StateAbsent means no extension socket is connected.
	StateAbsent State = "absent"
	// StateConnecting means the socket is upgraded but no frame has arrived.
	StateConnecting State = "connecting"
	// StateReady means keepalives are flowing and commands may be forwarded.
	StateReady State = "ready"
	// StateStale means the extension stopped answering liveness pings and
	// teardown is underway.
	StateStale State = "stale"
)

const (
	// DefaultKeepalive is the liveness ping interval.
	DefaultKeepalive = 5 * time.Second
	// DefaultMaxMissedPongs closes the socket after this many unanswered
	// liveness pings.
	DefaultMaxMissedPongs = 2
	// DefaultCallTimeout bounds each outbound command.
	DefaultCallTimeout = 30 * time.Second
	// DefaultDecodeErrorLimit closes the socket after this many consecutive
	// undecodable frames.
	DefaultDecodeErrorLimit = 8

	readLimit = 100 * 1024 * 1024 // screenshots and traces are large
)

// Terminal command failures. Extension-reported errors use CommandError.
var (
	ErrNotConnected   = errors.New("extension not connected")
	ErrTimeout        = errors.New("extension command timed out")
	ErrConnectionGone = errors.New("extension connection gone")
	ErrShuttingDown   = errors.New("relay shutting down")
)

// CommandError is an error the extension reported for a command; the
// message is surfaced to clients verbatim.
type CommandError struct {
	Message string
}

func (e *CommandError) Error() string { return e.Message }

// Origin schemes accepted on the extension endpoint. Connections without an
// Origin header (non-browser tooling) pass; the token still gates them.
var allowedOriginSchemes = map[string]bool{
	"chrome-extension":     true,
	"moz-extension":        true,
	"safari-web-extension": true,
}

// Events receives link lifecycle transitions and unsolicited extension
// frames. Callbacks run on the link's goroutines and must not block.
type Events interface {
	LinkUp()
	LinkDown()
	CDPEvent(ev CDPEventParams)
	TabDetached(ev TabDetachedParams)
	TabUpdated(ev TabUpdatedParams)
}

// Options configures a Link. Zero values select the defaults above.
type Options struct {
	Token            auth.Token
	Ring             *logring.Ring
	Events           Events
	Keepalive        time.Duration
	MaxMissedPongs   int
	CallTimeout      time.Duration
	DecodeErrorLimit int
}

type pendingCommand struct {
	method string
	timer  *time.Timer
	done   func(result json.RawMessage, err error)
}

// Link accepts and owns the extension WebSocket. A newer connection
// supersedes the current one; there is never more than one live socket.
type Link struct {
	logger *slog.Logger
	opts   Options

	mu         sync.Mutex
	state      State
	conn       *websocket.Conn
	connID     string
	gen        uint64
	nextID     uint64
	pending    map[uint64]*pendingCommand
	pongMisses int
	closed     bool

	writeMu sync.Mutex
}

// New returns a Link in the absent state.
func New(logger *slog.Logger, opts Options) *Link {
	if opts.Keepalive <= 0 {
		opts.Keepalive = DefaultKeepalive
	}
	if opts.MaxMissedPongs <= 0 {
		opts.MaxMissedPongs = DefaultMaxMissedPongs
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = DefaultCallTimeout
	}
	if opts.DecodeErrorLimit <= 0 {
		opts.DecodeErrorLimit = DefaultDecodeErrorLimit
	}
	return &Link{
		logger:  logger,
		opts:    opts,
		state:   StateAbsent,
		pending: make(map[uint64]*pendingCommand),
	}
}

// State returns the current lifecycle state.
func (l *Link) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Ready reports whether commands may be forwarded to the extension.
func (l *Link) Ready() bool {
	return l.State() == StateReady
}

// ServeWS handles GET /extension: origin and token checks, supersede of any
// previous socket, then the read loop for the life of the connection.
func (l *Link) ServeWS(w http.ResponseWriter, r *http.Request) {
	if origin := r.Header.Get("Origin"); origin != "" {
		u, err := url.Parse(origin)
		if err != nil || !allowedOriginSchemes[u.Scheme] {
			l.logger.Warn("extension origin rejected", "origin", origin)
			http.Error(w, "forbidden origin", http.StatusForbidden)
			return
		}
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"}, // scheme allowlist above is the real check
	})
	if err != nil {
		l.logger.Error("extension accept failed", "err", err)
		return
	}
	conn.SetReadLimit(readLimit)

	if !l.opts.Token.Matches(r.URL.Query().Get("token")) {
		l.logger.Warn("extension token rejected")
		conn.Close(websocket.StatusPolicyViolation, "invalid token")
		return
	}

	connID := uuid.New().String()
	gen, superseded, ok := l.adopt(conn, connID)
	if !ok {
		conn.Close(websocket.StatusGoingAway, "relay shutting down")
		return
	}
	l.logger.Info("extension connected", "conn_id", connID)
	l.lifecycle("connected", connID)

	// A superseded socket leaves its debugger attachments behind; give the
	// broker a full down/up cycle so stale sessions are torn down first.
	if superseded {
		l.opts.Events.LinkDown()
	}
	go l.keepaliveLoop(gen, conn)
	l.opts.Events.LinkUp()
	l.readLoop(gen, conn, connID)
}

// adopt installs a new connection, superseding and failing out the previous
// one. Returns the new connection generation.
func (l *Link) adopt(conn *websocket.Conn, connID string) (gen uint64, superseded, ok bool) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return 0, false, false
	}
	old := l.conn
	oldID := l.connID
	l.gen++
	gen = l.gen
	l.conn = conn
	l.connID = connID
	l.state = StateConnecting
	l.pongMisses = 0
	failed := l.takePendingLocked()
	l.mu.Unlock()

	if old != nil {
		l.logger.Info("extension superseded", "conn_id", oldID)
		l.lifecycle("superseded", oldID)
		old.Close(websocket.StatusPolicyViolation, "superseded")
	}
	failPending(failed, ErrConnectionGone)
	return gen, old != nil, true
}

// takePendingLocked empties the pending table; the caller fails the entries
// outside the lock.
func (l *Link) takePendingLocked() []*pendingCommand {
	out := make([]*pendingCommand, 0, len(l.pending))
	for id, p := range l.pending {
		p.timer.Stop()
		out = append(out, p)
		delete(l.pending, id)
	}
	return out
}

func failPending(cmds []*pendingCommand, err error) {
	for _, p := range cmds {
		p.done(nil, err)
	}
}

func (l *Link) readLoop(gen uint64, conn *websocket.Conn, connID string) {
	decodeErrs := 0
	for {
		_, data, err := conn.Read(context.Background())
		if err != nil {
			l.dropConn(gen, connID, err)
			return
		}
		l.opts.Ring.Append(logring.FromExtension, "", json.RawMessage(data))
		l.markAlive(gen)

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			decodeErrs++
			l.logger.Warn("extension frame undecodable", "err", err, "frames", decodeErrs)
			if decodeErrs >= l.opts.DecodeErrorLimit {
				conn.Close(websocket.StatusPolicyViolation, "too many undecodable frames")
				l.dropConn(gen, connID, errors.New("decode error limit reached"))
				return
			}
			continue
		}
		decodeErrs = 0

		if f.ID != 0 {
			l.resolve(f)
			continue
		}
		switch f.Method {
		case EventPong:
			// markAlive already reset the miss counter
		case EventCDPEvent:
			var ev CDPEventParams
			if err := json.Unmarshal(f.Params, &ev); err != nil {
				l.logger.Warn("cdpEvent params undecodable", "err", err)
				continue
			}
			l.opts.Events.CDPEvent(ev)
		case EventTabDetached:
			var ev TabDetachedParams
			if err := json.Unmarshal(f.Params, &ev); err != nil {
				l.logger.Warn("tabDetached params undecodable", "err", err)
				continue
			}
			l.opts.Events.TabDetached(ev)
		case EventTabUpdated:
			var ev TabUpdatedParams
			if err := json.Unmarshal(f.Params, &ev); err != nil {
				l.logger.Warn("tabUpdated params undecodable", "err", err)
				continue
			}
			l.opts.Events.TabUpdated(ev)
		default:
			l.logger.Warn("unknown extension frame", "method", f.Method)
		}
	}
}

// markAlive resets liveness tracking and promotes connecting to ready on the
// first inbound frame.
func (l *Link) markAlive(gen uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if gen != l.gen {
		return
	}
	l.pongMisses = 0
	if l.state == StateConnecting {
		l.state = StateReady
		l.logger.Info("extension ready", "conn_id", l.connID)
	}
}

// resolve consumes the pending entry for a response frame. Each entry is
// consumed exactly once; late responses are logged and discarded.
func (l *Link) resolve(f Frame) {
	l.mu.Lock()
	p, ok := l.pending[f.ID]
	if ok {
		delete(l.pending, f.ID)
	}
	l.mu.Unlock()

	if !ok {
		l.logger.Debug("late extension response discarded", "id", f.ID)
		return
	}
	p.timer.Stop()
	if f.Error != "" {
		p.done(nil, &CommandError{Message: f.Error})
		return
	}
	p.done(f.Result, nil)
}

func (l *Link) keepaliveLoop(gen uint64, conn *websocket.Conn) {
	ticker := time.NewTicker(l.opts.Keepalive)
	defer ticker.Stop()
	for range ticker.C {
		l.mu.Lock()
		if gen != l.gen || l.closed {
			l.mu.Unlock()
			return
		}
		if l.pongMisses >= l.opts.MaxMissedPongs {
			l.state = StateStale
			connID := l.connID
			l.mu.Unlock()
			l.logger.Warn("extension liveness lost", "conn_id", connID, "missed", l.opts.MaxMissedPongs)
			l.lifecycle("stale", connID)
			conn.Close(websocket.StatusGoingAway, "liveness timeout")
			return
		}
		l.pongMisses++
		l.mu.Unlock()

		if err := l.writeFrame(conn, Frame{Method: MethodPing}); err != nil {
			return
		}
	}
}

// dropConn tears down connection state once per generation. Stale
// generations (already superseded) are ignored.
func (l *Link) dropConn(gen uint64, connID string, cause error) {
	l.mu.Lock()
	if gen != l.gen {
		l.mu.Unlock()
		return
	}
	l.conn = nil
	l.state = StateAbsent
	failed := l.takePendingLocked()
	l.mu.Unlock()

	l.logger.Info("extension disconnected", "conn_id", connID, "cause", cause)
	l.lifecycle("disconnected", connID)
	failPending(failed, ErrConnectionGone)
	l.opts.Events.LinkDown()
}

// Send writes a command frame and registers its completion callback. The
// callback fires exactly once with the extension result, an extension
// CommandError, ErrTimeout, or ErrConnectionGone. A synchronous error means
// the callback will never fire.
func (l *Link) Send(method string, params any, done func(result json.RawMessage, err error)) error {
	var raw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshal %s params: %w", method, err)
		}
		raw = b
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrShuttingDown
	}
	conn := l.conn
	if conn == nil {
		l.mu.Unlock()
		return ErrNotConnected
	}
	l.nextID++
	id := l.nextID
	p := &pendingCommand{method: method, done: done}
	p.timer = time.AfterFunc(l.opts.CallTimeout, func() { l.expire(id) })
	l.pending[id] = p
	l.mu.Unlock()

	if err := l.writeFrame(conn, Frame{ID: id, Method: method, Params: raw}); err != nil {
		// Consume our own entry so done never fires for a sync failure. When
		// the entry is already gone the read loop lost the connection first
		// and done has fired with ErrConnectionGone; reporting this write
		// error too would give the command two terminal outcomes.
		if !l.takeCommand(id, p) {
			return nil
		}
		return fmt.Errorf("write %s: %w", method, err)
	}
	return nil
}

// takeCommand removes id's entry if it is still p, reporting whether the
// caller now owns the command's outcome.
func (l *Link) takeCommand(id uint64, p *pendingCommand) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	q, ok := l.pending[id]
	if !ok || q != p {
		return false
	}
	delete(l.pending, id)
	p.timer.Stop()
	return true
}

func (l *Link) expire(id uint64) {
	l.mu.Lock()
	p, ok := l.pending[id]
	if ok {
		delete(l.pending, id)
	}
	l.mu.Unlock()
	if !ok {
		return
	}
	l.logger.Warn("extension command timed out", "id", id, "method", p.method)
	p.done(nil, ErrTimeout)
}

// Call is the blocking form of Send.
func (l *Link) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	type outcome struct {
		result json.RawMessage
		err    error
	}
	ch := make(chan outcome, 1)
	if err := l.Send(method, params, func(result json.RawMessage, err error) {
		ch <- outcome{result, err}
	}); err != nil {
		return nil, err
	}
	select {
	case out := <-ch:
		return out.result, out.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *Link) writeFrame(conn *websocket.Conn, f Frame) error {
	payload, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	l.opts.Ring.Append(logring.ToExtension, "", payload)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	return conn.Write(ctx, websocket.MessageText, payload)
}

// Close shuts the link down for process exit: pending commands fail with
// ErrShuttingDown and any live socket closes with a going-away status.
func (l *Link) Close() {
	l.mu.Lock()
	l.closed = true
	conn := l.conn
	l.conn = nil
	l.state = StateAbsent
	l.gen++
	failed := l.takePendingLocked()
	l.mu.Unlock()

	failPending(failed, ErrShuttingDown)
	if conn != nil {
		conn.Close(websocket.StatusGoingAway, "relay shutting down")
	}
}

func (l *Link) lifecycle(event, connID string) {
	msg, _ := json.Marshal(map[string]string{"event": event, "connId": connID})
	l.opts.Ring.Append(logring.ExtensionLifecycle, "", msg)
}
