// Package targets mirrors the extension's tab set as CDP targets and owns
// the session table mapping broker-minted session ids to tabs.
package targets

import (
	"fmt"
	"sort"
	"sync"

	"github.com/nrednav/cuid2"
	"github.com/samber/lo"

	"github.com/browserforce/relay/lib/cdp"
)

// Target is one debuggable surface: a tab's page, or an OOPIF child
// tunneled through the tab. ChildSessionID is empty for page targets.
type Target struct {
	ID             string
	TabID          int64
	ChildSessionID string
	Type           string
	URL            string
	Title          string
	Attached       bool

	order uint64
}

// Info renders the CDP TargetInfo shape for this target.
func (t Target) Info() cdp.TargetInfo {
	return cdp.TargetInfo{
		TargetID: t.ID,
		Type:     t.Type,
		Title:    t.Title,
		URL:      t.URL,
		Attached: t.Attached,
	}
}

// Session is one client's attachment to a target. IDs are opaque and unique
// for the process lifetime; the same (client, target) pair has at most one
// live session.
type Session struct {
	ID       string
	ClientID string
	TargetID string
}

// SynthTargetID derives the fallback target id for a tab when the extension
// does not provide one.
func SynthTargetID(tabID int64) string {
	return fmt.Sprintf("tab-%d", tabID)
}

// Registry is the broker's authoritative target and session table. All
// methods are safe for concurrent use; snapshots are returned as copies and
// never alias internal state.
type Registry struct {
	mu        sync.Mutex
	targets   map[string]*Target
	sessions  map[string]*Session
	nextOrder uint64
}

func NewRegistry() *Registry {
	return &Registry{
		targets:  make(map[string]*Target),
		sessions: make(map[string]*Session),
	}
}

// TabSeed is one tab from the extension's listTabs snapshot.
type TabSeed struct {
	TabID int64
	URL   string
	Title string
}

// SeedResult reports what ReplaceTabs changed.
type SeedResult struct {
	Created         []Target
	Removed         []Target
	RemovedSessions []Session
}

// ReplaceTabs reconciles the registry against a full tab snapshot: unknown
// tabs become discovered page targets, known ones are refreshed, and targets
// whose tab disappeared are removed along with their sessions.
func (r *Registry) ReplaceTabs(seeds []TabSeed) SeedResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	var res SeedResult
	live := make(map[int64]bool, len(seeds))
	for _, s := range seeds {
		live[s.TabID] = true
		if t := r.pageTargetLocked(s.TabID); t != nil {
			t.URL = s.URL
			t.Title = s.Title
			continue
		}
		t := r.addPageTargetLocked(s.TabID, s.URL, s.Title)
		res.Created = append(res.Created, *t)
	}
	for id, t := range r.targets {
		if !live[t.TabID] {
			res.Removed = append(res.Removed, *t)
			delete(r.targets, id)
		}
	}
	for id, s := range r.sessions {
		if _, ok := r.targets[s.TargetID]; !ok {
			res.RemovedSessions = append(res.RemovedSessions, *s)
			delete(r.sessions, id)
		}
	}
	sortTargets(res.Created)
	sortTargets(res.Removed)
	return res
}

// UpsertTab refreshes a tab's page target from a tabUpdated event, creating
// a discovered target when the tab is new. Nil fields leave the previous
// value in place.
func (r *Registry) UpsertTab(tabID int64, url, title *string) (Target, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if t := r.pageTargetLocked(tabID); t != nil {
		if url != nil {
			t.URL = *url
		}
		if title != nil {
			t.Title = *title
		}
		return *t, false
	}
	t := r.addPageTargetLocked(tabID, lo.FromPtr(url), lo.FromPtr(title))
	return *t, true
}

// AddPage registers a page target for a tab the broker created itself,
// keyed by the extension-provided target id when there is one. The id a
// client first observes stays canonical for the target's lifetime, so this
// only applies to tabs no client has seen yet; an existing page target for
// the tab is returned unchanged.
func (r *Registry) AddPage(tabID int64, targetID, url, title string) (Target, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if t := r.pageTargetLocked(tabID); t != nil {
		return *t, false
	}
	if targetID == "" {
		targetID = SynthTargetID(tabID)
	}
	t := &Target{
		ID:    targetID,
		TabID: tabID,
		Type:  "page",
		URL:   url,
		Title: title,
		order: r.bumpOrderLocked(),
	}
	r.targets[t.ID] = t
	return *t, true
}

// RegisterChild records an OOPIF child target reported from inside a tab.
func (r *Registry) RegisterChild(tabID int64, childSessionID string, info cdp.TargetInfo) (Target, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if t, ok := r.targets[info.TargetID]; ok {
		t.URL = info.URL
		t.Title = info.Title
		return *t, false
	}
	typ := info.Type
	if typ == "" {
		typ = "iframe"
	}
	t := &Target{
		ID:             info.TargetID,
		TabID:          tabID,
		ChildSessionID: childSessionID,
		Type:           typ,
		URL:            info.URL,
		Title:          info.Title,
		order:          r.bumpOrderLocked(),
	}
	r.targets[t.ID] = t
	return *t, true
}

// Get returns a target snapshot by id.
func (r *Registry) Get(targetID string) (Target, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.targets[targetID]
	if !ok {
		return Target{}, false
	}
	return *t, true
}

// List snapshots every target in discovery order.
func (r *Registry) List() []Target {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Target, 0, len(r.targets))
	for _, t := range r.targets {
		out = append(out, *t)
	}
	sortTargets(out)
	return out
}

// Attach mints a session for (client, target). Re-attaching an existing pair
// returns the live session instead of a new one.
func (r *Registry) Attach(clientID, targetID string) (Session, Target, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.targets[targetID]
	if !ok {
		return Session{}, Target{}, false, fmt.Errorf("no target with id %q", targetID)
	}
	for _, s := range r.sessions {
		if s.ClientID == clientID && s.TargetID == targetID {
			return *s, *t, false, nil
		}
	}
	s := &Session{ID: cuid2.Generate(), ClientID: clientID, TargetID: targetID}
	r.sessions[s.ID] = s
	return *s, *t, true, nil
}

// MarkAttached flips a target's attached flag once the extension confirms.
func (r *Registry) MarkAttached(targetID string, attached bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.targets[targetID]; ok {
		t.Attached = attached
	}
}

// RemoveSession drops a session and reports how many sessions remain on its
// target, so the caller can release the tab when the count hits zero.
func (r *Registry) RemoveSession(sessionID string) (Session, Target, int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return Session{}, Target{}, 0, false
	}
	delete(r.sessions, sessionID)
	remaining := 0
	for _, other := range r.sessions {
		if other.TargetID == s.TargetID {
			remaining++
		}
	}
	var t Target
	if tp, ok := r.targets[s.TargetID]; ok {
		if remaining == 0 {
			tp.Attached = false
		}
		t = *tp
	}
	return *s, t, remaining, true
}

// SessionRoute resolves a client frame's sessionId to its tab route.
func (r *Registry) SessionRoute(sessionID string) (Session, Target, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return Session{}, Target{}, false
	}
	t, ok := r.targets[s.TargetID]
	if !ok {
		return *s, Target{}, false
	}
	return *s, *t, true
}

// RouteEvent finds the target an extension event belongs to and every
// session attached to it, across all clients.
func (r *Registry) RouteEvent(tabID int64, childSessionID string) (Target, []Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var target *Target
	for _, t := range r.targets {
		if t.TabID == tabID && t.ChildSessionID == childSessionID {
			target = t
			break
		}
	}
	if target == nil {
		return Target{}, nil, false
	}
	return *target, r.sessionsForLocked(target.ID), true
}

// SessionsForTarget snapshots the sessions attached to one target.
func (r *Registry) SessionsForTarget(targetID string) []Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessionsForLocked(targetID)
}

// SessionsForClient snapshots one client's sessions.
func (r *Registry) SessionsForClient(clientID string) []Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Session
	for _, s := range r.sessions {
		if s.ClientID == clientID {
			out = append(out, *s)
		}
	}
	sortSessions(out)
	return out
}

// DetachClient drops every session a disconnecting client held and reports
// the targets left with no sessions at all.
func (r *Registry) DetachClient(clientID string) (removed []Session, orphaned []Target) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, s := range r.sessions {
		if s.ClientID == clientID {
			removed = append(removed, *s)
			delete(r.sessions, id)
		}
	}
	for _, s := range removed {
		if len(r.sessionsForLocked(s.TargetID)) == 0 {
			if t, ok := r.targets[s.TargetID]; ok && t.Attached {
				t.Attached = false
				orphaned = append(orphaned, *t)
			}
		}
	}
	sortSessions(removed)
	sortTargets(orphaned)
	return removed, orphaned
}

// RemoveTarget drops one target and its sessions, leaving siblings on the
// same tab alone.
func (r *Registry) RemoveTarget(targetID string) (Target, []Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.targets[targetID]
	if !ok {
		return Target{}, nil, false
	}
	delete(r.targets, targetID)
	var dropped []Session
	for id, s := range r.sessions {
		if s.TargetID == targetID {
			dropped = append(dropped, *s)
			delete(r.sessions, id)
		}
	}
	sortSessions(dropped)
	return *t, dropped, true
}

// RemoveTab drops a tab's page target and its OOPIF children, with every
// session attached to them.
func (r *Registry) RemoveTab(tabID int64) (removed []Target, sessions []Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, t := range r.targets {
		if t.TabID == tabID {
			removed = append(removed, *t)
			delete(r.targets, id)
		}
	}
	for id, s := range r.sessions {
		for _, t := range removed {
			if s.TargetID == t.ID {
				sessions = append(sessions, *s)
				delete(r.sessions, id)
				break
			}
		}
	}
	sortTargets(removed)
	sortSessions(sessions)
	return removed, sessions
}

// DetachAllSessions drops every session and marks every target detached.
// Returns the targets that were attached, for destruction fan-out.
func (r *Registry) DetachAllSessions() (wereAttached []Target, dropped []Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, s := range r.sessions {
		dropped = append(dropped, *s)
		delete(r.sessions, id)
	}
	for _, t := range r.targets {
		if t.Attached {
			t.Attached = false
			wereAttached = append(wereAttached, *t)
		}
	}
	sortTargets(wereAttached)
	sortSessions(dropped)
	return wereAttached, dropped
}

// Clear empties the registry entirely; used when the extension link drops.
func (r *Registry) Clear() (targets []Target, sessions []Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, t := range r.targets {
		targets = append(targets, *t)
		delete(r.targets, id)
	}
	for id, s := range r.sessions {
		sessions = append(sessions, *s)
		delete(r.sessions, id)
	}
	sortTargets(targets)
	sortSessions(sessions)
	return targets, sessions
}

// Counts reports target and session totals for the health endpoint.
func (r *Registry) Counts() (targets, sessions int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.targets), len(r.sessions)
}

// SessionCountForTab counts live sessions across every target of a tab,
// page and children alike. The tab's debugger may only be released when
// this reaches zero.
func (r *Registry) SessionCountForTab(tabID int64) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, s := range r.sessions {
		if t, ok := r.targets[s.TargetID]; ok && t.TabID == tabID {
			n++
		}
	}
	return n
}

func (r *Registry) pageTargetLocked(tabID int64) *Target {
	for _, t := range r.targets {
		if t.TabID == tabID && t.ChildSessionID == "" {
			return t
		}
	}
	return nil
}

func (r *Registry) addPageTargetLocked(tabID int64, url, title string) *Target {
	t := &Target{
		ID:    SynthTargetID(tabID),
		TabID: tabID,
		Type:  "page",
		URL:   url,
		Title: title,
		order: r.bumpOrderLocked(),
	}
	r.targets[t.ID] = t
	return t
}

func (r *Registry) sessionsForLocked(targetID string) []Session {
	var out []Session
	for _, s := range r.sessions {
		if s.TargetID == targetID {
			out = append(out, *s)
		}
	}
	sortSessions(out)
	return out
}

func (r *Registry) bumpOrderLocked() uint64 {
	r.nextOrder++
	return r.nextOrder
}

func sortTargets(ts []Target) {
	sort.Slice(ts, func(i, j int) bool { return ts[i].order < ts[j].order })
}

func sortSessions(ss []Session) {
	sort.Slice(ss, func(i, j int) bool { return ss[i].ID < ss[j].ID })
}
