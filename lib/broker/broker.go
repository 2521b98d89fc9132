// Package broker is the relay's core: it accepts CDP clients, synthesizes
// the Target domain from the extension's tab set, forwards session-scoped
// commands over the extension link, and fans extension events out to every
// attached session.
package broker

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/browserforce/relay/lib/auth"
	"github.com/browserforce/relay/lib/cdp"
	"github.com/browserforce/relay/lib/extension"
	"github.com/browserforce/relay/lib/logring"
	"github.com/browserforce/relay/lib/targets"
)

// Browser.getVersion values reported for the relayed browser.
const (
	productName     = "BrowserForce/1.0"
	protocolVersion = "1.3"
	productRevision = "1"
	userAgent       = "BrowserForce/1.0 (CDP relay)"
	jsVersion       = "12.4"
)

const (
	// DefaultClientQueueCap bounds each client's egress queue.
	DefaultClientQueueCap = 256
	// DefaultQuirkDelay separates the Runtime.disable nudge from the
	// re-forwarded Runtime.enable.
	DefaultQuirkDelay = 50 * time.Millisecond
	// DefaultDecodeErrorLimit closes a client after this many consecutive
	// undecodable frames.
	DefaultDecodeErrorLimit = 8

	seedTimeout = 10 * time.Second
)

// Options configures a Broker. Zero values select the defaults.
type Options struct {
	Token            auth.Token
	Ring             *logring.Ring
	ClientQueueCap   int
	QuirkDelay       time.Duration
	DecodeErrorLimit int

	// Link carries extension-side tuning; Token, Ring and Events are
	// populated by the broker itself.
	Link extension.Options
}

// Broker wires the client, extension and registry sides together. It owns
// the clients map; clients never reach each other except through it.
type Broker struct {
	logger *slog.Logger
	opts   Options
	ring   *logring.Ring
	reg    *targets.Registry
	link   *extension.Link

	mu      sync.Mutex
	clients map[string]*Client
}

// New builds a Broker and its extension link.
func New(logger *slog.Logger, opts Options) *Broker {
	if opts.ClientQueueCap <= 0 {
		opts.ClientQueueCap = DefaultClientQueueCap
	}
	if opts.QuirkDelay <= 0 {
		opts.QuirkDelay = DefaultQuirkDelay
	}
	if opts.DecodeErrorLimit <= 0 {
		opts.DecodeErrorLimit = DefaultDecodeErrorLimit
	}
	b := &Broker{
		logger:  logger,
		opts:    opts,
		ring:    opts.Ring,
		reg:     targets.NewRegistry(),
		clients: make(map[string]*Client),
	}
	linkOpts := opts.Link
	linkOpts.Token = opts.Token
	linkOpts.Ring = opts.Ring
	linkOpts.Events = b
	b.link = extension.New(logger.With("component", "extension-link"), linkOpts)
	return b
}

// Link exposes the extension link for the admin surface.
func (b *Broker) Link() *extension.Link { return b.link }

// Registry exposes target and session counts for the admin surface.
func (b *Broker) Registry() *targets.Registry { return b.reg }

// ClientSummary describes one connected client for /logs/status.
type ClientSummary struct {
	ID          string    `json:"id"`
	Label       string    `json:"label,omitempty"`
	ConnectedAt time.Time `json:"connectedAt"`
	Sessions    int       `json:"sessions"`
}

// Clients snapshots the connected clients.
func (b *Broker) Clients() []ClientSummary {
	b.mu.Lock()
	snapshot := make([]*Client, 0, len(b.clients))
	for _, c := range b.clients {
		snapshot = append(snapshot, c)
	}
	b.mu.Unlock()

	out := make([]ClientSummary, 0, len(snapshot))
	for _, c := range snapshot {
		out = append(out, ClientSummary{
			ID:          c.id,
			Label:       c.label,
			ConnectedAt: c.connectedAt,
			Sessions:    len(b.reg.SessionsForClient(c.id)),
		})
	}
	return out
}

// ClientCount returns how many clients are connected.
func (b *Broker) ClientCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

// Shutdown closes every client socket and the extension link. Pending
// extension commands fail with a cancellation error.
func (b *Broker) Shutdown() {
	b.mu.Lock()
	snapshot := make([]*Client, 0, len(b.clients))
	for _, c := range b.clients {
		snapshot = append(snapshot, c)
	}
	b.mu.Unlock()

	for _, c := range snapshot {
		c.conn.Close(websocket.StatusGoingAway, "relay shutting down")
	}
	b.link.Close()
}

func (b *Broker) register(c *Client) {
	b.mu.Lock()
	b.clients[c.id] = c
	b.mu.Unlock()
}

func (b *Broker) unregister(c *Client) {
	b.mu.Lock()
	delete(b.clients, c.id)
	b.mu.Unlock()
}

func (b *Broker) clientByID(id string) *Client {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.clients[id]
}

// emitToClient queues an event or response for one client, if it is still
// connected.
func (b *Broker) emitToClient(clientID string, msg cdp.Message) {
	if c := b.clientByID(clientID); c != nil {
		c.enqueue(msg)
	}
}

// emitDiscovery queues a discovery event for every client that enabled
// target discovery, plus the owners of any sessions named in owners.
func (b *Broker) emitDiscovery(method string, params any, owners []targets.Session) {
	msg, err := cdp.NewEvent(method, params, "")
	if err != nil {
		b.logger.Error("marshal discovery event failed", "method", method, "err", err)
		return
	}

	// Held through the enqueues so a setDiscoverTargets replay burst cannot
	// interleave with, or duplicate, a live discovery event.
	b.mu.Lock()
	defer b.mu.Unlock()
	recipients := make(map[string]*Client)
	for id, c := range b.clients {
		if c.discovering() {
			recipients[id] = c
		}
	}
	for _, s := range owners {
		if c, ok := b.clients[s.ClientID]; ok {
			recipients[s.ClientID] = c
		}
	}

	for _, c := range recipients {
		c.enqueue(msg)
	}
}

// destroyTargets announces target destruction: detachedFromTarget to each
// dropped session's owner, then targetDestroyed to discovery subscribers and
// the owners themselves.
func (b *Broker) destroyTargets(gone []targets.Target, dropped []targets.Session) {
	byTarget := make(map[string][]targets.Session)
	for _, s := range dropped {
		byTarget[s.TargetID] = append(byTarget[s.TargetID], s)
		ev, err := cdp.NewEvent(cdp.EventDetachedFromTarget, cdp.DetachedFromTargetParams{
			SessionID: s.ID,
			TargetID:  s.TargetID,
		}, "")
		if err == nil {
			b.emitToClient(s.ClientID, ev)
		}
	}
	for _, t := range gone {
		b.emitDiscovery(cdp.EventTargetDestroyed, cdp.TargetDestroyedParams{TargetID: t.ID}, byTarget[t.ID])
	}
}

// LinkUp seeds the registry from the extension's tab snapshot. The seed runs
// on its own goroutine: the link's read loop has to be live to carry the
// listTabs response.
func (b *Broker) LinkUp() {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), seedTimeout)
		defer cancel()
		raw, err := b.link.Call(ctx, extension.MethodListTabs, nil)
		if err != nil {
			b.logger.Warn("tab seed failed", "err", err)
			return
		}
		var res extension.ListTabsResult
		if err := json.Unmarshal(raw, &res); err != nil {
			b.logger.Warn("tab seed undecodable", "err", err)
			return
		}
		seeds := make([]targets.TabSeed, 0, len(res.Tabs))
		for _, tab := range res.Tabs {
			seeds = append(seeds, targets.TabSeed{TabID: tab.TabID, URL: tab.URL, Title: tab.Title})
		}
		diff := b.reg.ReplaceTabs(seeds)
		for _, t := range diff.Created {
			b.emitDiscovery(cdp.EventTargetCreated, cdp.TargetCreatedParams{TargetInfo: t.Info()}, nil)
		}
		b.destroyTargets(diff.Removed, diff.RemovedSessions)
		b.logger.Info("targets seeded", "tabs", len(seeds))
	}()
}

// LinkDown clears the registry and tells every attached session its target
// is gone.
func (b *Broker) LinkDown() {
	gone, dropped := b.reg.Clear()
	b.destroyTargets(gone, dropped)
	b.logger.Info("extension link down", "targets_dropped", len(gone), "sessions_dropped", len(dropped))
}

// TabUpdated refreshes a tab's target and announces it.
func (b *Broker) TabUpdated(ev extension.TabUpdatedParams) {
	t, created := b.reg.UpsertTab(ev.TabID, ev.URL, ev.Title)
	if created {
		b.emitDiscovery(cdp.EventTargetCreated, cdp.TargetCreatedParams{TargetInfo: t.Info()}, nil)
		return
	}
	b.emitDiscovery(cdp.EventTargetInfoChanged, cdp.TargetInfoChangedParams{TargetInfo: t.Info()}, b.reg.SessionsForTarget(t.ID))
}

// TabDetached tears down one tab's targets, or every attached target when
// the user dismissed the browser's debugging banner.
func (b *Broker) TabDetached(ev extension.TabDetachedParams) {
	if ev.Reason == extension.DetachReasonCanceledByUser {
		wereAttached, dropped := b.reg.DetachAllSessions()
		b.destroyTargets(wereAttached, dropped)
		b.logger.Info("user canceled debugging", "targets", len(wereAttached), "sessions", len(dropped))
		return
	}
	gone, dropped := b.reg.RemoveTab(ev.TabID)
	b.destroyTargets(gone, dropped)
}

// CDPEvent fans one extension event out to every session attached to its
// target, stamped with each session's own id. Target-domain events emitted
// from inside a tab maintain the child-target registry instead of being
// forwarded raw.
func (b *Broker) CDPEvent(ev extension.CDPEventParams) {
	switch ev.Method {
	case cdp.EventAttachedToTarget:
		b.registerChild(ev)
		return
	case cdp.EventDetachedFromTarget, cdp.EventTargetDestroyed:
		b.dropChild(ev)
		return
	}

	_, sessions, ok := b.reg.RouteEvent(ev.TabID, ev.ChildSessionID)
	if !ok {
		b.logger.Debug("event for unknown target discarded", "tab_id", ev.TabID, "method", ev.Method)
		return
	}
	for _, s := range sessions {
		b.emitToClient(s.ClientID, cdp.Message{Method: ev.Method, Params: ev.Params, SessionID: s.ID})
	}
}

// registerChild turns an in-tab Target.attachedToTarget into a discoverable
// OOPIF child target. Clients attach to it like any other target; the raw
// event is not forwarded because its session id means nothing to them.
func (b *Broker) registerChild(ev extension.CDPEventParams) {
	var p struct {
		SessionID  string         `json:"sessionId"`
		TargetInfo cdp.TargetInfo `json:"targetInfo"`
	}
	if err := json.Unmarshal(ev.Params, &p); err != nil || p.TargetInfo.TargetID == "" {
		b.logger.Warn("attachedToTarget params undecodable", "err", err)
		return
	}
	child, created := b.reg.RegisterChild(ev.TabID, p.SessionID, p.TargetInfo)
	if created {
		b.emitDiscovery(cdp.EventTargetCreated, cdp.TargetCreatedParams{TargetInfo: child.Info()}, nil)
	}
}

// dropChild removes a child target when the tab reports it detached or
// destroyed. Page targets are governed by tabDetached, not in-tab events.
func (b *Broker) dropChild(ev extension.CDPEventParams) {
	var p struct {
		SessionID string `json:"sessionId"`
		TargetID  string `json:"targetId"`
	}
	if err := json.Unmarshal(ev.Params, &p); err != nil {
		return
	}
	var child targets.Target
	if p.TargetID != "" {
		t, ok := b.reg.Get(p.TargetID)
		if !ok || t.ChildSessionID == "" {
			return
		}
		child = t
	} else if p.SessionID != "" {
		t, _, ok := b.reg.RouteEvent(ev.TabID, p.SessionID)
		if !ok {
			return
		}
		child = t
	} else {
		return
	}
	gone, dropped, ok := b.reg.RemoveTarget(child.ID)
	if !ok {
		return
	}
	b.destroyTargets([]targets.Target{gone}, dropped)
}
