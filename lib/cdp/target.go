package cdp

import "encoding/json"

// Methods the relay answers locally instead of forwarding.
const (
	MethodBrowserGetVersion  = "Browser.getVersion"
	MethodSetDiscoverTargets = "Target.setDiscoverTargets"
	MethodSetAutoAttach      = "Target.setAutoAttach"
	MethodGetTargets         = "Target.getTargets"
	MethodAttachToTarget     = "Target.attachToTarget"
	MethodDetachFromTarget   = "Target.detachFromTarget"
	MethodCreateTarget       = "Target.createTarget"
	MethodCloseTarget        = "Target.closeTarget"
)

// Target-domain events the relay synthesizes.
const (
	EventTargetCreated      = "Target.targetCreated"
	EventTargetDestroyed    = "Target.targetDestroyed"
	EventTargetInfoChanged  = "Target.targetInfoChanged"
	EventAttachedToTarget   = "Target.attachedToTarget"
	EventDetachedFromTarget = "Target.detachedFromTarget"
)

// TargetInfo mirrors the CDP Target.TargetInfo shape for the target kinds
// the relay exposes (tabs and their OOPIF children).
type TargetInfo struct {
	TargetID        string `json:"targetId"`
	Type            string `json:"type"`
	Title           string `json:"title"`
	URL             string `json:"url"`
	Attached        bool   `json:"attached"`
	CanAccessOpener bool   `json:"canAccessOpener"`
}

type SetDiscoverTargetsParams struct {
	Discover bool `json:"discover"`
}

type SetAutoAttachParams struct {
	AutoAttach             bool `json:"autoAttach"`
	WaitForDebuggerOnStart bool `json:"waitForDebuggerOnStart"`
	Flatten                bool `json:"flatten"`
}

type AttachToTargetParams struct {
	TargetID string `json:"targetId"`
	Flatten  bool   `json:"flatten"`
}

type AttachToTargetResult struct {
	SessionID string `json:"sessionId"`
}

type DetachFromTargetParams struct {
	SessionID string `json:"sessionId"`
	TargetID  string `json:"targetId,omitempty"`
}

type CreateTargetParams struct {
	URL string `json:"url"`
}

type CreateTargetResult struct {
	TargetID string `json:"targetId"`
}

type CloseTargetParams struct {
	TargetID string `json:"targetId"`
}

type CloseTargetResult struct {
	Success bool `json:"success"`
}

type GetTargetsResult struct {
	TargetInfos []TargetInfo `json:"targetInfos"`
}

type TargetCreatedParams struct {
	TargetInfo TargetInfo `json:"targetInfo"`
}

type TargetInfoChangedParams struct {
	TargetInfo TargetInfo `json:"targetInfo"`
}

type TargetDestroyedParams struct {
	TargetID string `json:"targetId"`
}

type AttachedToTargetParams struct {
	SessionID          string     `json:"sessionId"`
	TargetInfo         TargetInfo `json:"targetInfo"`
	WaitingForDebugger bool       `json:"waitingForDebugger"`
}

type DetachedFromTargetParams struct {
	SessionID string `json:"sessionId"`
	TargetID  string `json:"targetId,omitempty"`
}

// VersionResult is the Browser.getVersion payload the relay reports.
type VersionResult struct {
	ProtocolVersion string `json:"protocolVersion"`
	Product         string `json:"product"`
	Revision        string `json:"revision"`
	UserAgent       string `json:"userAgent"`
	JSVersion       string `json:"jsVersion"`
}

// DecodeParams unmarshals a frame's params into dst, tolerating absent
// params as the zero value.
func DecodeParams(params json.RawMessage, dst any) error {
	if len(params) == 0 {
		return nil
	}
	return json.Unmarshal(params, dst)
}
