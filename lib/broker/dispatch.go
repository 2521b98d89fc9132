package broker

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/browserforce/relay/lib/cdp"
	"github.com/browserforce/relay/lib/extension"
	"github.com/browserforce/relay/lib/targets"
)

var localSynthMethods = map[string]bool{
	cdp.MethodBrowserGetVersion:  true,
	cdp.MethodSetDiscoverTargets: true,
	cdp.MethodSetAutoAttach:      true,
	cdp.MethodGetTargets:         true,
	cdp.MethodAttachToTarget:     true,
	cdp.MethodDetachFromTarget:   true,
	cdp.MethodCreateTarget:       true,
	cdp.MethodCloseTarget:        true,
}

// dispatch classifies one client command: answered locally, forwarded to
// the extension under a session, or rejected as unrouteable.
func (b *Broker) dispatch(c *Client, msg cdp.Message) {
	switch {
	case localSynthMethods[msg.Method]:
		b.handleLocal(c, msg)
	case msg.SessionID != "":
		b.forward(c, msg)
	default:
		c.enqueue(cdp.NewErrorResponse(msg.ID, "", cdp.CodeMethodNotFound,
			fmt.Sprintf("'%s' wasn't found", msg.Method)))
	}
}

// forward substitutes the session's tab route and relays the command as an
// extension cdpCommand. The response is queued from the link's callback so
// the read loop never waits on the extension.
func (b *Broker) forward(c *Client, msg cdp.Message) {
	sess, tgt, ok := b.reg.SessionRoute(msg.SessionID)
	if !ok || sess.ClientID != c.id {
		// Sessions vanish when their target does (user cancel, tab close,
		// extension loss); commands riding a dead session fail the same way
		// an unreachable extension does, so clients re-attach either way.
		c.enqueue(cdp.NewErrorResponse(msg.ID, msg.SessionID, cdp.CodeInternalError, "session not found"))
		return
	}
	if !b.link.Ready() {
		c.enqueue(errorResponse(msg.ID, msg.SessionID, extension.ErrNotConnected))
		return
	}

	// Chrome only re-emits Runtime.executionContextCreated for contexts it
	// believes are newly observed. Disabling first coerces the re-emission
	// for clients that enable on an already-enabled tab.
	if msg.Method == "Runtime.enable" {
		nudge := extension.CDPCommandParams{
			TabID:          tgt.TabID,
			Method:         "Runtime.disable",
			ChildSessionID: tgt.ChildSessionID,
		}
		if err := b.link.Send(extension.MethodCDPCommand, nudge, func(_ json.RawMessage, err error) {
			if err != nil {
				c.logger.Debug("runtime disable nudge failed", "err", err)
			}
		}); err != nil {
			c.logger.Debug("runtime disable nudge not sent", "err", err)
		}
		time.Sleep(b.opts.QuirkDelay)
	}

	id, sid := msg.ID, msg.SessionID
	params := extension.CDPCommandParams{
		TabID:          tgt.TabID,
		Method:         msg.Method,
		Params:         msg.Params,
		ChildSessionID: tgt.ChildSessionID,
	}
	err := b.link.Send(extension.MethodCDPCommand, params, func(result json.RawMessage, err error) {
		if err != nil {
			c.enqueue(errorResponse(id, sid, err))
			return
		}
		c.enqueue(cdp.NewResponse(id, sid, result))
	})
	if err != nil {
		c.enqueue(errorResponse(id, sid, err))
	}
}

// errorResponse maps extension-side failures onto the stable CDP codes:
// extension-reported messages pass through verbatim on -32000, relay
// infrastructure failures land on -32603.
func errorResponse(id int64, sessionID string, err error) cdp.Message {
	var cmdErr *extension.CommandError
	switch {
	case errors.As(err, &cmdErr):
		return cdp.NewErrorResponse(id, sessionID, cdp.CodeServerError, cmdErr.Message)
	case errors.Is(err, extension.ErrNotConnected):
		return cdp.NewErrorResponse(id, sessionID, cdp.CodeInternalError, extension.ErrNotConnected.Error())
	case errors.Is(err, extension.ErrTimeout):
		return cdp.NewErrorResponse(id, sessionID, cdp.CodeInternalError, extension.ErrTimeout.Error())
	case errors.Is(err, extension.ErrConnectionGone):
		return cdp.NewErrorResponse(id, sessionID, cdp.CodeInternalError, extension.ErrConnectionGone.Error())
	default:
		return cdp.NewErrorResponse(id, sessionID, cdp.CodeInternalError, err.Error())
	}
}

// releaseTab detaches the extension's debugger from a tab once no session
// anywhere still rides it. Best effort: the tab may already be gone.
func (b *Broker) releaseTab(t targets.Target) {
	if t.ChildSessionID != "" {
		return // children ride the tab's debugger
	}
	if b.reg.SessionCountForTab(t.TabID) > 0 {
		return
	}
	err := b.link.Send(extension.MethodDetachTab, extension.DetachTabParams{TabID: t.TabID}, func(_ json.RawMessage, err error) {
		if err != nil {
			b.logger.Debug("detachTab failed", "tab_id", t.TabID, "err", err)
		}
	})
	if err != nil {
		b.logger.Debug("detachTab not sent", "tab_id", t.TabID, "err", err)
	}
}
