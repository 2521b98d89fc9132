package extension

import (
	"encoding/json"

	"github.com/browserforce/relay/lib/cdp"
)

// Methods the broker invokes on the extension.
const (
	MethodListTabs        = "listTabs"
	MethodAttachTab       = "attachTab"
	MethodDetachTab       = "detachTab"
	MethodCreateTab       = "createTab"
	MethodCloseTab        = "closeTab"
	MethodCDPCommand      = "cdpCommand"
	MethodExtensionReload = "extensionReload"
	MethodPing            = "ping"
)

// Unsolicited methods the extension pushes to the broker.
const (
	EventCDPEvent    = "cdpEvent"
	EventTabDetached = "tabDetached"
	EventTabUpdated  = "tabUpdated"
	EventPong        = "pong"
)

// DetachReasonCanceledByUser marks the user dismissing the browser's
// debugging banner, which tears down every attached target at once.
const DetachReasonCanceledByUser = "canceled_by_user"

// Frame is one message on the extension socket. Broker commands carry
// id+method, extension responses carry id+result|error (error is a bare
// message string), and unsolicited frames carry method only.
type Frame struct {
	ID     uint64          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Tab is the extension's view of one browser tab.
type Tab struct {
	TabID  int64  `json:"tabId"`
	URL    string `json:"url"`
	Title  string `json:"title"`
	Active bool   `json:"active"`
}

type ListTabsResult struct {
	Tabs []Tab `json:"tabs"`
}

type AttachTabParams struct {
	TabID     int64  `json:"tabId"`
	SessionID string `json:"sessionId"`
}

// AttachTabResult doubles as the createTab result.
type AttachTabResult struct {
	SessionID  string         `json:"sessionId"`
	TargetID   string         `json:"targetId"`
	TargetInfo cdp.TargetInfo `json:"targetInfo"`
	TabID      int64          `json:"tabId"`
}

type DetachTabParams struct {
	TabID int64 `json:"tabId"`
}

type CreateTabParams struct {
	URL       string `json:"url,omitempty"`
	SessionID string `json:"sessionId"`
}

type CloseTabParams struct {
	TabID int64 `json:"tabId"`
}

type CDPCommandParams struct {
	TabID          int64           `json:"tabId"`
	Method         string          `json:"method"`
	Params         json.RawMessage `json:"params,omitempty"`
	ChildSessionID string          `json:"childSessionId,omitempty"`
}

type CDPEventParams struct {
	TabID          int64           `json:"tabId"`
	Method         string          `json:"method"`
	Params         json.RawMessage `json:"params"`
	ChildSessionID string          `json:"childSessionId,omitempty"`
}

type TabDetachedParams struct {
	TabID  int64  `json:"tabId"`
	Reason string `json:"reason"`
}

type TabUpdatedParams struct {
	TabID int64   `json:"tabId"`
	URL   *string `json:"url,omitempty"`
	Title *string `json:"title,omitempty"`
}

type ReloadResult struct {
	Reloaded bool `json:"reloaded"`
}
