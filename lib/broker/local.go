package broker

import (
	"encoding/json"

	"github.com/nrednav/cuid2"
	"github.com/samber/lo"

	"github.com/browserforce/relay/lib/cdp"
	"github.com/browserforce/relay/lib/extension"
	"github.com/browserforce/relay/lib/targets"
)

func (b *Broker) handleLocal(c *Client, msg cdp.Message) {
	switch msg.Method {
	case cdp.MethodBrowserGetVersion:
		b.handleGetVersion(c, msg)
	case cdp.MethodSetDiscoverTargets:
		b.handleSetDiscoverTargets(c, msg)
	case cdp.MethodSetAutoAttach:
		b.handleSetAutoAttach(c, msg)
	case cdp.MethodGetTargets:
		b.handleGetTargets(c, msg)
	case cdp.MethodAttachToTarget:
		b.handleAttachToTarget(c, msg)
	case cdp.MethodDetachFromTarget:
		b.handleDetachFromTarget(c, msg)
	case cdp.MethodCreateTarget:
		b.handleCreateTarget(c, msg)
	case cdp.MethodCloseTarget:
		b.handleCloseTarget(c, msg)
	}
}

func (b *Broker) handleGetVersion(c *Client, msg cdp.Message) {
	res, err := json.Marshal(cdp.VersionResult{
		ProtocolVersion: protocolVersion,
		Product:         productName,
		Revision:        productRevision,
		UserAgent:       userAgent,
		JSVersion:       jsVersion,
	})
	if err != nil {
		c.enqueue(errorResponse(msg.ID, msg.SessionID, err))
		return
	}
	c.enqueue(cdp.NewResponse(msg.ID, msg.SessionID, res))
}

// handleSetDiscoverTargets replies first, then replays the current target
// set as a burst of synthetic targetCreated before any live event.
func (b *Broker) handleSetDiscoverTargets(c *Client, msg cdp.Message) {
	var p cdp.SetDiscoverTargetsParams
	if err := cdp.DecodeParams(msg.Params, &p); err != nil {
		c.enqueue(cdp.NewErrorResponse(msg.ID, msg.SessionID, cdp.CodeInvalidParams, "invalid parameters"))
		return
	}
	if !p.Discover {
		c.setDiscover(false)
		c.enqueue(cdp.NewResponse(msg.ID, msg.SessionID, nil))
		return
	}

	// Flag flip, response, and replay all happen under the broker lock so a
	// concurrently discovered target reaches this client exactly once: in
	// the burst, or as a live event strictly after it.
	b.mu.Lock()
	defer b.mu.Unlock()
	c.setDiscover(true)
	c.enqueue(cdp.NewResponse(msg.ID, msg.SessionID, nil))
	for _, t := range b.reg.List() {
		ev, err := cdp.NewEvent(cdp.EventTargetCreated, cdp.TargetCreatedParams{TargetInfo: t.Info()}, "")
		if err != nil {
			continue
		}
		c.enqueue(ev)
	}
}

func (b *Broker) handleSetAutoAttach(c *Client, msg cdp.Message) {
	var p cdp.SetAutoAttachParams
	if err := cdp.DecodeParams(msg.Params, &p); err != nil {
		c.enqueue(cdp.NewErrorResponse(msg.ID, msg.SessionID, cdp.CodeInvalidParams, "invalid parameters"))
		return
	}
	c.setAutoAttach(p.AutoAttach, p.WaitForDebuggerOnStart)
	c.enqueue(cdp.NewResponse(msg.ID, msg.SessionID, nil))
}

func (b *Broker) handleGetTargets(c *Client, msg cdp.Message) {
	infos := lo.Map(b.reg.List(), func(t targets.Target, _ int) cdp.TargetInfo { return t.Info() })
	res, err := json.Marshal(cdp.GetTargetsResult{TargetInfos: infos})
	if err != nil {
		c.enqueue(errorResponse(msg.ID, msg.SessionID, err))
		return
	}
	c.enqueue(cdp.NewResponse(msg.ID, msg.SessionID, res))
}

func (b *Broker) handleAttachToTarget(c *Client, msg cdp.Message) {
	var p cdp.AttachToTargetParams
	if err := cdp.DecodeParams(msg.Params, &p); err != nil || p.TargetID == "" {
		c.enqueue(cdp.NewErrorResponse(msg.ID, msg.SessionID, cdp.CodeInvalidParams, "targetId required"))
		return
	}

	sess, tgt, created, err := b.reg.Attach(c.id, p.TargetID)
	if err != nil {
		c.enqueue(cdp.NewErrorResponse(msg.ID, msg.SessionID, cdp.CodeInvalidParams, "No target with given id found"))
		return
	}
	if !created {
		// The (client, target) pair already holds a live session.
		b.replyAttached(c, msg.ID, msg.SessionID, sess, tgt, false)
		return
	}

	// Child targets ride the tab's existing debugger attachment; only page
	// targets need the extension round-trip.
	if tgt.ChildSessionID != "" {
		b.reg.MarkAttached(tgt.ID, true)
		b.replyAttached(c, msg.ID, msg.SessionID, sess, tgt, true)
		return
	}

	if !b.link.Ready() {
		b.reg.RemoveSession(sess.ID)
		c.enqueue(errorResponse(msg.ID, msg.SessionID, extension.ErrNotConnected))
		return
	}
	id, sid := msg.ID, msg.SessionID
	params := extension.AttachTabParams{TabID: tgt.TabID, SessionID: sess.ID}
	sendErr := b.link.Send(extension.MethodAttachTab, params, func(_ json.RawMessage, err error) {
		if err != nil {
			b.reg.RemoveSession(sess.ID)
			c.enqueue(errorResponse(id, sid, err))
			return
		}
		b.reg.MarkAttached(tgt.ID, true)
		b.replyAttached(c, id, sid, sess, tgt, true)
	})
	if sendErr != nil {
		b.reg.RemoveSession(sess.ID)
		c.enqueue(errorResponse(id, sid, sendErr))
	}
}

// replyAttached sends the attachToTarget response and, for fresh sessions,
// the matching attachedToTarget event.
func (b *Broker) replyAttached(c *Client, id int64, sid string, sess targets.Session, tgt targets.Target, fresh bool) {
	res, err := json.Marshal(cdp.AttachToTargetResult{SessionID: sess.ID})
	if err != nil {
		c.enqueue(errorResponse(id, sid, err))
		return
	}
	c.enqueue(cdp.NewResponse(id, sid, res))
	if !fresh {
		return
	}
	if current, ok := b.reg.Get(tgt.ID); ok {
		tgt = current
	}
	ev, err := cdp.NewEvent(cdp.EventAttachedToTarget, cdp.AttachedToTargetParams{
		SessionID:  sess.ID,
		TargetInfo: tgt.Info(),
	}, "")
	if err == nil {
		c.enqueue(ev)
	}
}

func (b *Broker) handleDetachFromTarget(c *Client, msg cdp.Message) {
	var p cdp.DetachFromTargetParams
	if err := cdp.DecodeParams(msg.Params, &p); err != nil || p.SessionID == "" {
		c.enqueue(cdp.NewErrorResponse(msg.ID, msg.SessionID, cdp.CodeInvalidParams, "sessionId required"))
		return
	}
	sess, _, ok := b.reg.SessionRoute(p.SessionID)
	if !ok || sess.ClientID != c.id {
		c.enqueue(cdp.NewErrorResponse(msg.ID, msg.SessionID, cdp.CodeSessionNotFound, "session not found"))
		return
	}

	_, tgt, remaining, _ := b.reg.RemoveSession(p.SessionID)
	c.enqueue(cdp.NewResponse(msg.ID, msg.SessionID, nil))
	ev, err := cdp.NewEvent(cdp.EventDetachedFromTarget, cdp.DetachedFromTargetParams{
		SessionID: sess.ID,
		TargetID:  sess.TargetID,
	}, "")
	if err == nil {
		c.enqueue(ev)
	}
	if remaining == 0 {
		b.releaseTab(tgt)
	}
}

func (b *Broker) handleCreateTarget(c *Client, msg cdp.Message) {
	var p cdp.CreateTargetParams
	if err := cdp.DecodeParams(msg.Params, &p); err != nil {
		c.enqueue(cdp.NewErrorResponse(msg.ID, msg.SessionID, cdp.CodeInvalidParams, "invalid parameters"))
		return
	}
	if p.URL == "" {
		p.URL = "about:blank"
	}
	if !b.link.Ready() {
		c.enqueue(errorResponse(msg.ID, msg.SessionID, extension.ErrNotConnected))
		return
	}

	id, sid := msg.ID, msg.SessionID
	// The extension attaches its debugger on create and tracks the
	// attachment by this handle; client sessions are minted separately.
	params := extension.CreateTabParams{URL: p.URL, SessionID: cuid2.Generate()}
	sendErr := b.link.Send(extension.MethodCreateTab, params, func(raw json.RawMessage, err error) {
		if err != nil {
			c.enqueue(errorResponse(id, sid, err))
			return
		}
		var res extension.AttachTabResult
		if err := json.Unmarshal(raw, &res); err != nil {
			c.enqueue(cdp.NewErrorResponse(id, sid, cdp.CodeInternalError, "malformed extension response"))
			return
		}
		url := res.TargetInfo.URL
		if url == "" {
			url = p.URL
		}
		tgt, created := b.reg.AddPage(res.TabID, res.TargetID, url, res.TargetInfo.Title)
		b.reg.MarkAttached(tgt.ID, true)

		result, err := json.Marshal(cdp.CreateTargetResult{TargetID: tgt.ID})
		if err != nil {
			c.enqueue(errorResponse(id, sid, err))
			return
		}
		c.enqueue(cdp.NewResponse(id, sid, result))
		if created {
			b.emitDiscovery(cdp.EventTargetCreated, cdp.TargetCreatedParams{TargetInfo: tgt.Info()}, nil)
		}
		b.autoAttachCreated(c, tgt.ID)
	})
	if sendErr != nil {
		c.enqueue(errorResponse(id, sid, sendErr))
	}
}

// autoAttachCreated mints a session on a just-created target for clients
// that enabled auto-attach. The new target never pauses; the recorded
// waitForDebuggerOnStart flag is only echoed back.
func (b *Broker) autoAttachCreated(c *Client, targetID string) {
	on, waitForDebugger := c.autoAttachState()
	if !on {
		return
	}
	sess, tgt, created, err := b.reg.Attach(c.id, targetID)
	if err != nil || !created {
		return
	}
	ev, err := cdp.NewEvent(cdp.EventAttachedToTarget, cdp.AttachedToTargetParams{
		SessionID:          sess.ID,
		TargetInfo:         tgt.Info(),
		WaitingForDebugger: waitForDebugger,
	}, "")
	if err == nil {
		c.enqueue(ev)
	}
}

func (b *Broker) handleCloseTarget(c *Client, msg cdp.Message) {
	var p cdp.CloseTargetParams
	if err := cdp.DecodeParams(msg.Params, &p); err != nil || p.TargetID == "" {
		c.enqueue(cdp.NewErrorResponse(msg.ID, msg.SessionID, cdp.CodeInvalidParams, "targetId required"))
		return
	}
	tgt, ok := b.reg.Get(p.TargetID)
	if !ok {
		c.enqueue(cdp.NewErrorResponse(msg.ID, msg.SessionID, cdp.CodeInvalidParams, "No target with given id found"))
		return
	}
	if !b.link.Ready() {
		c.enqueue(errorResponse(msg.ID, msg.SessionID, extension.ErrNotConnected))
		return
	}

	id, sid := msg.ID, msg.SessionID
	sendErr := b.link.Send(extension.MethodCloseTab, extension.CloseTabParams{TabID: tgt.TabID}, func(_ json.RawMessage, err error) {
		if err != nil {
			c.enqueue(errorResponse(id, sid, err))
			return
		}
		res, err := json.Marshal(cdp.CloseTargetResult{Success: true})
		if err != nil {
			c.enqueue(errorResponse(id, sid, err))
			return
		}
		c.enqueue(cdp.NewResponse(id, sid, res))
		// The extension usually reports tabDetached for the closed tab as
		// well; whichever lands first empties the registry for the tab.
		gone, dropped := b.reg.RemoveTab(tgt.TabID)
		b.destroyTargets(gone, dropped)
	})
	if sendErr != nil {
		c.enqueue(errorResponse(id, sid, sendErr))
	}
}
