package targets

import (
	"testing"

	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/browserforce/relay/lib/cdp"
)

func seedOne(t *testing.T, r *Registry, tabID int64, url string) Target {
	t.Helper()
	res := r.ReplaceTabs([]TabSeed{{TabID: tabID, URL: url, Title: "t"}})
	require.Len(t, res.Created, 1)
	return res.Created[0]
}

func TestReplaceTabsCreatesAndRemoves(t *testing.T) {
	r := NewRegistry()

	res := r.ReplaceTabs([]TabSeed{
		{TabID: 1, URL: "https://a.test", Title: "A"},
		{TabID: 2, URL: "https://b.test", Title: "B"},
	})
	require.Len(t, res.Created, 2)
	assert.Equal(t, "tab-1", res.Created[0].ID)
	assert.Equal(t, "page", res.Created[0].Type)

	// Tab 2 went away, tab 3 showed up.
	res = r.ReplaceTabs([]TabSeed{
		{TabID: 1, URL: "https://a.test/next", Title: "A"},
		{TabID: 3, URL: "https://c.test", Title: "C"},
	})
	require.Len(t, res.Created, 1)
	assert.Equal(t, "tab-3", res.Created[0].ID)
	require.Len(t, res.Removed, 1)
	assert.Equal(t, "tab-2", res.Removed[0].ID)

	got, ok := r.Get("tab-1")
	require.True(t, ok)
	assert.Equal(t, "https://a.test/next", got.URL)
}

func TestUpsertTabPartialUpdate(t *testing.T) {
	r := NewRegistry()
	seedOne(t, r, 7, "https://start.test")

	_, created := r.UpsertTab(7, lo.ToPtr("https://moved.test"), nil)
	assert.False(t, created)
	got, _ := r.Get("tab-7")
	assert.Equal(t, "https://moved.test", got.URL)
	assert.Equal(t, "t", got.Title)

	tgt, created := r.UpsertTab(9, nil, lo.ToPtr("fresh"))
	assert.True(t, created)
	assert.Equal(t, "tab-9", tgt.ID)
	assert.Equal(t, "fresh", tgt.Title)
}

func TestAddPageUsesExtensionIDForUnseenTabs(t *testing.T) {
	r := NewRegistry()

	tgt, created := r.AddPage(4, "EXT-TARGET-4", "https://x.test", "X")
	require.True(t, created)
	assert.Equal(t, "EXT-TARGET-4", tgt.ID)
	assert.Equal(t, int64(4), tgt.TabID)

	// A later snapshot of the same tab must not mint a second target.
	res := r.ReplaceTabs([]TabSeed{{TabID: 4, URL: "https://x.test/2", Title: "X"}})
	assert.Empty(t, res.Created)
	got, ok := r.Get("EXT-TARGET-4")
	require.True(t, ok)
	assert.Equal(t, "https://x.test/2", got.URL)

	// A tab clients already know keeps its original id.
	seedOne(t, r, 5, "https://seen.test")
	existing, created := r.AddPage(5, "EXT-TARGET-5", "", "")
	assert.False(t, created)
	assert.Equal(t, "tab-5", existing.ID)

	// Without an extension id the synthesized form applies.
	synth, created := r.AddPage(6, "", "https://y.test", "Y")
	assert.True(t, created)
	assert.Equal(t, "tab-6", synth.ID)
}

func TestAttachMintsOneSessionPerClientTargetPair(t *testing.T) {
	r := NewRegistry()
	seedOne(t, r, 1, "https://a.test")

	s1, _, created, err := r.Attach("c1", "tab-1")
	require.NoError(t, err)
	assert.True(t, created)
	require.NotEmpty(t, s1.ID)

	again, _, created, err := r.Attach("c1", "tab-1")
	require.NoError(t, err)
	assert.False(t, created, "re-attach must reuse the live session")
	assert.Equal(t, s1.ID, again.ID)

	s2, _, created, err := r.Attach("c2", "tab-1")
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, s1.ID, s2.ID, "each client gets its own session")

	_, _, _, err = r.Attach("c1", "nope")
	require.Error(t, err)
}

func TestRemoveSessionReportsRemaining(t *testing.T) {
	r := NewRegistry()
	seedOne(t, r, 1, "https://a.test")
	s1, _, _, _ := r.Attach("c1", "tab-1")
	s2, _, _, _ := r.Attach("c2", "tab-1")
	r.MarkAttached("tab-1", true)

	_, tgt, remaining, ok := r.RemoveSession(s1.ID)
	require.True(t, ok)
	assert.Equal(t, 1, remaining)
	assert.True(t, tgt.Attached)

	_, tgt, remaining, ok = r.RemoveSession(s2.ID)
	require.True(t, ok)
	assert.Equal(t, 0, remaining)
	assert.False(t, tgt.Attached, "last session off clears the attached flag")

	_, _, _, ok = r.RemoveSession(s2.ID)
	assert.False(t, ok)
}

func TestRouteEventMatchesPageAndChild(t *testing.T) {
	r := NewRegistry()
	seedOne(t, r, 5, "https://page.test")
	child, created := r.RegisterChild(5, "child-sess-1", cdp.TargetInfo{
		TargetID: "IFRAME-1", Type: "iframe", URL: "https://frame.test",
	})
	require.True(t, created)
	assert.Equal(t, "child-sess-1", child.ChildSessionID)

	pageSess, _, _, err := r.Attach("c1", "tab-5")
	require.NoError(t, err)
	childSess, _, _, err := r.Attach("c1", "IFRAME-1")
	require.NoError(t, err)

	tgt, sessions, ok := r.RouteEvent(5, "")
	require.True(t, ok)
	assert.Equal(t, "tab-5", tgt.ID)
	require.Len(t, sessions, 1)
	assert.Equal(t, pageSess.ID, sessions[0].ID)

	tgt, sessions, ok = r.RouteEvent(5, "child-sess-1")
	require.True(t, ok)
	assert.Equal(t, "IFRAME-1", tgt.ID)
	require.Len(t, sessions, 1)
	assert.Equal(t, childSess.ID, sessions[0].ID)

	_, _, ok = r.RouteEvent(99, "")
	assert.False(t, ok)
}

func TestRemoveTabCascadesChildrenAndSessions(t *testing.T) {
	r := NewRegistry()
	seedOne(t, r, 5, "https://page.test")
	r.RegisterChild(5, "child-sess-1", cdp.TargetInfo{TargetID: "IFRAME-1", Type: "iframe"})
	r.Attach("c1", "tab-5")
	r.Attach("c1", "IFRAME-1")

	removed, sessions := r.RemoveTab(5)
	assert.Len(t, removed, 2)
	assert.Len(t, sessions, 2)

	targetsLeft, sessionsLeft := r.Counts()
	assert.Zero(t, targetsLeft)
	assert.Zero(t, sessionsLeft)
}

func TestDetachClientReportsOrphanedTargets(t *testing.T) {
	r := NewRegistry()
	res := r.ReplaceTabs([]TabSeed{
		{TabID: 1, URL: "https://a.test", Title: "t"},
		{TabID: 2, URL: "https://b.test", Title: "t"},
	})
	require.Len(t, res.Created, 2)
	r.Attach("c1", "tab-1")
	r.Attach("c1", "tab-2")
	r.Attach("c2", "tab-2")
	r.MarkAttached("tab-1", true)
	r.MarkAttached("tab-2", true)

	removed, orphaned := r.DetachClient("c1")
	assert.Len(t, removed, 2)
	require.Len(t, orphaned, 1, "tab-2 still has c2's session")
	assert.Equal(t, "tab-1", orphaned[0].ID)

	assert.Empty(t, r.SessionsForClient("c1"))
	assert.Len(t, r.SessionsForClient("c2"), 1)
}

func TestDetachAllSessionsKeepsTargetsDiscovered(t *testing.T) {
	r := NewRegistry()
	res := r.ReplaceTabs([]TabSeed{
		{TabID: 1, URL: "https://a.test", Title: "t"},
		{TabID: 2, URL: "https://b.test", Title: "t"},
	})
	require.Len(t, res.Created, 2)
	r.Attach("c1", "tab-1")
	r.Attach("c2", "tab-1")
	r.MarkAttached("tab-1", true)

	wereAttached, dropped := r.DetachAllSessions()
	require.Len(t, wereAttached, 1)
	assert.Equal(t, "tab-1", wereAttached[0].ID)
	assert.Len(t, dropped, 2)

	// Targets survive as discovered-but-detached.
	targetsLeft, sessionsLeft := r.Counts()
	assert.Equal(t, 2, targetsLeft)
	assert.Zero(t, sessionsLeft)
	got, _ := r.Get("tab-1")
	assert.False(t, got.Attached)
}

func TestClearEmptiesEverything(t *testing.T) {
	r := NewRegistry()
	seedOne(t, r, 1, "https://a.test")
	r.Attach("c1", "tab-1")

	targets, sessions := r.Clear()
	assert.Len(t, targets, 1)
	assert.Len(t, sessions, 1)
	targetsLeft, sessionsLeft := r.Counts()
	assert.Zero(t, targetsLeft)
	assert.Zero(t, sessionsLeft)
}

func TestListPreservesDiscoveryOrder(t *testing.T) {
	r := NewRegistry()
	for _, id := range []int64{3, 1, 2} {
		r.UpsertTab(id, lo.ToPtr("https://x.test"), nil)
	}
	ids := lo.Map(r.List(), func(t Target, _ int) string { return t.ID })
	assert.Equal(t, []string{"tab-3", "tab-1", "tab-2"}, ids)
}
