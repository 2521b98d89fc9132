package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/browserforce/relay/lib/auth"
	"github.com/browserforce/relay/lib/cdp"
	"github.com/browserforce/relay/lib/extension"
	"github.com/browserforce/relay/lib/logring"
)

const testToken auth.Token = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

func silentLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// relayFixture is an in-process relay: broker on an httptest server, plus a
// scripted fake extension.
type relayFixture struct {
	t      *testing.T
	broker *Broker
	ring   *logring.Ring
	srv    *httptest.Server
}

func newRelay(t *testing.T, tweak func(*Options)) *relayFixture {
	t.Helper()
	ring := logring.New(1024)
	opts := Options{
		Token:      testToken,
		Ring:       ring,
		QuirkDelay: 5 * time.Millisecond,
	}
	if tweak != nil {
		tweak(&opts)
	}
	b := New(silentLogger(), opts)

	mux := http.NewServeMux()
	mux.HandleFunc("/cdp", b.ServeCDP)
	mux.HandleFunc("/extension", b.Link().ServeWS)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	t.Cleanup(b.Shutdown)

	return &relayFixture{t: t, broker: b, ring: ring, srv: srv}
}

func (f *relayFixture) wsURL(path string) string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http") + path + "?token=" + string(testToken)
}

// fakeExtension speaks the extension side of the relay protocol. Commands
// from the broker land on the commands channel after the default handler
// answered them.
type fakeExtension struct {
	t        *testing.T
	conn     *websocket.Conn
	commands chan extension.Frame
	tabs     []extension.Tab
}

func (f *relayFixture) connectExtension(tabs ...extension.Tab) *fakeExtension {
	f.t.Helper()
	header := http.Header{}
	header.Set("Origin", "chrome-extension://abcdefghijklmnopabcdefghijklmnop")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, f.wsURL("/extension"), &websocket.DialOptions{HTTPHeader: header})
	require.NoError(f.t, err)

	ext := &fakeExtension{t: f.t, conn: conn, commands: make(chan extension.Frame, 64), tabs: tabs}
	f.t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })

	ext.write(extension.Frame{Method: extension.EventPong})
	go ext.serve()
	require.Eventually(f.t, func() bool { return f.broker.Link().Ready() }, 2*time.Second, 5*time.Millisecond)
	// Wait for the listTabs seed so tests start from a stable registry.
	require.Eventually(f.t, func() bool {
		targets, _ := f.broker.Registry().Counts()
		return targets == len(tabs)
	}, 2*time.Second, 5*time.Millisecond)
	return ext
}

// serve answers broker commands with canned results and mirrors them onto
// the commands channel for assertions.
func (e *fakeExtension) serve() {
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		_, data, err := e.conn.Read(ctx)
		cancel()
		if err != nil {
			return
		}
		var frame extension.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		if frame.ID == 0 {
			if frame.Method == extension.MethodPing {
				e.write(extension.Frame{Method: extension.EventPong})
			}
			continue
		}

		switch frame.Method {
		case extension.MethodListTabs:
			result, _ := json.Marshal(extension.ListTabsResult{Tabs: e.tabs})
			e.write(extension.Frame{ID: frame.ID, Result: result})
		case extension.MethodAttachTab:
			var p extension.AttachTabParams
			json.Unmarshal(frame.Params, &p)
			result, _ := json.Marshal(extension.AttachTabResult{
				SessionID: p.SessionID,
				TargetID:  fmt.Sprintf("tab-%d", p.TabID),
				TabID:     p.TabID,
			})
			e.write(extension.Frame{ID: frame.ID, Result: result})
		case extension.MethodCreateTab:
			var p extension.CreateTabParams
			json.Unmarshal(frame.Params, &p)
			result, _ := json.Marshal(extension.AttachTabResult{
				SessionID:  p.SessionID,
				TargetID:   "tab-990",
				TabID:      990,
				TargetInfo: cdp.TargetInfo{TargetID: "tab-990", Type: "page", URL: p.URL},
			})
			e.write(extension.Frame{ID: frame.ID, Result: result})
		default:
			// cdpCommand, detachTab, closeTab
			e.write(extension.Frame{ID: frame.ID, Result: json.RawMessage(`{}`)})
		}

		select {
		case e.commands <- frame:
		default:
		}
	}
}

func (e *fakeExtension) write(f extension.Frame) {
	data, err := json.Marshal(f)
	require.NoError(e.t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.conn.Write(ctx, websocket.MessageText, data); err != nil {
		e.t.Logf("fake extension write: %v", err)
	}
}

// push sends an unsolicited frame to the broker.
func (e *fakeExtension) push(method string, params any) {
	raw, err := json.Marshal(params)
	require.NoError(e.t, err)
	e.write(extension.Frame{Method: method, Params: raw})
}

// nextCommand waits for the next broker command of the given method,
// skipping others (keepalive answers never land here).
func (e *fakeExtension) nextCommand(method string) extension.Frame {
	e.t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case f := <-e.commands:
			if f.Method == method {
				return f
			}
		case <-deadline:
			e.t.Fatalf("no %s command from broker", method)
			return extension.Frame{}
		}
	}
}

// cdpClient is one CDP WebSocket client.
type cdpClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func (f *relayFixture) connectClient(label string) *cdpClient {
	f.t.Helper()
	url := f.wsURL("/cdp")
	if label != "" {
		url += "&label=" + label
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(f.t, err)
	f.t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return &cdpClient{t: f.t, conn: conn}
}

func (c *cdpClient) send(id int64, method string, params any, sessionID string) {
	c.t.Helper()
	msg := cdp.Message{ID: id, Method: method, SessionID: sessionID}
	if params != nil {
		raw, err := json.Marshal(params)
		require.NoError(c.t, err)
		msg.Params = raw
	}
	data, err := msg.Encode()
	require.NoError(c.t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(c.t, c.conn.Write(ctx, websocket.MessageText, data))
}

// sendRaw writes bytes as-is, for frames Encode would refuse to produce.
func (c *cdpClient) sendRaw(data string) {
	c.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(c.t, c.conn.Write(ctx, websocket.MessageText, []byte(data)))
}

func (c *cdpClient) next() cdp.Message {
	c.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := c.conn.Read(ctx)
	require.NoError(c.t, err)
	var msg cdp.Message
	require.NoError(c.t, json.Unmarshal(data, &msg))
	return msg
}

// response waits for the response to command id, skipping events.
func (c *cdpClient) response(id int64) cdp.Message {
	c.t.Helper()
	for i := 0; i < 256; i++ {
		msg := c.next()
		if msg.ID == id {
			return msg
		}
	}
	c.t.Fatalf("no response for id %d", id)
	return cdp.Message{}
}

// event waits for the next event with the given method, skipping others.
func (c *cdpClient) event(method string) cdp.Message {
	c.t.Helper()
	for i := 0; i < 256; i++ {
		msg := c.next()
		if msg.ID == 0 && msg.Method == method {
			return msg
		}
	}
	c.t.Fatalf("no %s event", method)
	return cdp.Message{}
}

// attach runs the discover+attach flow and returns the minted sessionId.
func (c *cdpClient) attach(targetID string) string {
	c.t.Helper()
	c.send(100, cdp.MethodAttachToTarget, cdp.AttachToTargetParams{TargetID: targetID, Flatten: true}, "")
	resp := c.response(100)
	require.Nil(c.t, resp.Error)
	var res cdp.AttachToTargetResult
	require.NoError(c.t, json.Unmarshal(resp.Result, &res))
	require.NotEmpty(c.t, res.SessionID)
	return res.SessionID
}

func exampleTab() extension.Tab {
	return extension.Tab{TabID: 42, URL: "https://example.com", Title: "Example", Active: true}
}

func TestHandshakeBrowserGetVersion(t *testing.T) {
	f := newRelay(t, nil)
	c := f.connectClient("")

	c.send(1, cdp.MethodBrowserGetVersion, nil, "")
	resp := c.response(1)
	require.Nil(t, resp.Error)
	var v cdp.VersionResult
	require.NoError(t, json.Unmarshal(resp.Result, &v))
	assert.Equal(t, "BrowserForce/1.0", v.Product)
	assert.Equal(t, "1.3", v.ProtocolVersion)
}

func TestInvalidTokenClosesClient(t *testing.T) {
	f := newRelay(t, nil)

	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/cdp?token=wrong"
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	_, _, err = conn.Read(ctx)
	require.Error(t, err)
	assert.Equal(t, websocket.StatusPolicyViolation, websocket.CloseStatus(err))
}

func TestDiscoveryReplaysCurrentTargets(t *testing.T) {
	f := newRelay(t, nil)
	f.connectExtension(exampleTab())
	c := f.connectClient("")

	c.send(1, cdp.MethodSetDiscoverTargets, cdp.SetDiscoverTargetsParams{Discover: true}, "")
	resp := c.response(1)
	require.Nil(t, resp.Error)

	ev := c.event(cdp.EventTargetCreated)
	var p cdp.TargetCreatedParams
	require.NoError(t, json.Unmarshal(ev.Params, &p))
	assert.Equal(t, "tab-42", p.TargetInfo.TargetID)
	assert.Equal(t, "https://example.com", p.TargetInfo.URL)
}

func TestAttachAndRuntimeEnableQuirk(t *testing.T) {
	f := newRelay(t, nil)
	ext := f.connectExtension(exampleTab())
	c := f.connectClient("scripter")

	c.send(2, cdp.MethodGetTargets, nil, "")
	resp := c.response(2)
	var targets cdp.GetTargetsResult
	require.NoError(t, json.Unmarshal(resp.Result, &targets))
	require.Len(t, targets.TargetInfos, 1)

	sessionID := c.attach(targets.TargetInfos[0].TargetID)
	attachCmd := ext.nextCommand(extension.MethodAttachTab)
	var attachParams extension.AttachTabParams
	require.NoError(t, json.Unmarshal(attachCmd.Params, &attachParams))
	assert.Equal(t, int64(42), attachParams.TabID)

	ev := c.event(cdp.EventAttachedToTarget)
	var attached cdp.AttachedToTargetParams
	require.NoError(t, json.Unmarshal(ev.Params, &attached))
	assert.Equal(t, sessionID, attached.SessionID)

	// Runtime.enable must be preceded by a Runtime.disable nudge.
	c.send(4, "Runtime.enable", nil, sessionID)
	first := ext.nextCommand(extension.MethodCDPCommand)
	var firstParams extension.CDPCommandParams
	require.NoError(t, json.Unmarshal(first.Params, &firstParams))
	assert.Equal(t, "Runtime.disable", firstParams.Method)

	second := ext.nextCommand(extension.MethodCDPCommand)
	var secondParams extension.CDPCommandParams
	require.NoError(t, json.Unmarshal(second.Params, &secondParams))
	assert.Equal(t, "Runtime.enable", secondParams.Method)
	assert.Equal(t, int64(42), secondParams.TabID)

	resp = c.response(4)
	require.Nil(t, resp.Error)
	assert.Equal(t, sessionID, resp.SessionID)

	// The re-emitted execution context lands stamped with the session id.
	ext.push(extension.EventCDPEvent, extension.CDPEventParams{
		TabID:  42,
		Method: "Runtime.executionContextCreated",
		Params: json.RawMessage(`{"context":{"id":1}}`),
	})
	ctxEv := c.event("Runtime.executionContextCreated")
	assert.Equal(t, sessionID, ctxEv.SessionID)
}

func TestUserCancelDetachesEverything(t *testing.T) {
	f := newRelay(t, nil)
	ext := f.connectExtension(exampleTab(), extension.Tab{TabID: 7, URL: "https://other.test"})

	c1 := f.connectClient("one")
	c2 := f.connectClient("two")
	s1 := c1.attach("tab-42")
	s2 := c2.attach("tab-7")

	ext.push(extension.EventTabDetached, extension.TabDetachedParams{
		TabID:  42,
		Reason: extension.DetachReasonCanceledByUser,
	})

	// Both clients see their targets destroyed, not only the named tab.
	d1 := c1.event(cdp.EventTargetDestroyed)
	var p1 cdp.TargetDestroyedParams
	require.NoError(t, json.Unmarshal(d1.Params, &p1))
	assert.Equal(t, "tab-42", p1.TargetID)

	d2 := c2.event(cdp.EventTargetDestroyed)
	var p2 cdp.TargetDestroyedParams
	require.NoError(t, json.Unmarshal(d2.Params, &p2))
	assert.Equal(t, "tab-7", p2.TargetID)

	// Commands riding the dead sessions fail with -32603.
	c1.send(9, "Runtime.evaluate", map[string]string{"expression": "1"}, s1)
	resp := c1.response(9)
	require.NotNil(t, resp.Error)
	assert.Equal(t, cdp.CodeInternalError, resp.Error.Code)

	c2.send(9, "Runtime.evaluate", map[string]string{"expression": "1"}, s2)
	resp = c2.response(9)
	require.NotNil(t, resp.Error)
	assert.Equal(t, cdp.CodeInternalError, resp.Error.Code)
}

func TestEventFanOutStampsEachSession(t *testing.T) {
	f := newRelay(t, nil)
	ext := f.connectExtension(exampleTab())

	c1 := f.connectClient("one")
	c2 := f.connectClient("two")
	s1 := c1.attach("tab-42")
	s2 := c2.attach("tab-42")
	require.NotEqual(t, s1, s2)

	ext.push(extension.EventCDPEvent, extension.CDPEventParams{
		TabID:  42,
		Method: "Page.loadEventFired",
		Params: json.RawMessage(`{"timestamp":1}`),
	})

	ev1 := c1.event("Page.loadEventFired")
	assert.Equal(t, s1, ev1.SessionID)
	ev2 := c2.event("Page.loadEventFired")
	assert.Equal(t, s2, ev2.SessionID)
}

func TestSlowConsumerIsDroppedAlone(t *testing.T) {
	f := newRelay(t, func(o *Options) {
		o.ClientQueueCap = 4
	})
	f.connectExtension(exampleTab())

	slow := f.connectClient("slow")
	slow.send(1, cdp.MethodSetDiscoverTargets, cdp.SetDiscoverTargetsParams{Discover: true}, "")
	fast := f.connectClient("fast")
	fast.send(1, cdp.MethodSetDiscoverTargets, cdp.SetDiscoverTargetsParams{Discover: true}, "")
	fast.response(1)

	// Fast keeps reading in the background; slow never reads again.
	fastEvents := make(chan cdp.Message, 4096)
	go func() {
		defer close(fastEvents)
		for {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			_, data, err := fast.conn.Read(ctx)
			cancel()
			if err != nil {
				return
			}
			var msg cdp.Message
			if json.Unmarshal(data, &msg) == nil {
				fastEvents <- msg
			}
		}
	}()

	// Payloads big enough to fill the slow client's socket buffers, so the
	// writer stalls and the bounded queue spills.
	bigURL := "https://flood.test/" + strings.Repeat("x", 512*1024)
	for i := 0; i < 64; i++ {
		f.broker.TabUpdated(extension.TabUpdatedParams{
			TabID: int64(1000 + i),
			URL:   lo.ToPtr(bigURL),
		})
	}

	require.Eventually(t, func() bool { return f.broker.ClientCount() == 1 }, 10*time.Second, 10*time.Millisecond)

	// The extension link is unaffected and the fast client kept receiving.
	assert.True(t, f.broker.Link().Ready())
	sawFlood := false
	deadline := time.After(10 * time.Second)
	for !sawFlood {
		select {
		case msg, ok := <-fastEvents:
			require.True(t, ok, "fast client was dropped too")
			if msg.Method == cdp.EventTargetCreated {
				sawFlood = true
			}
		case <-deadline:
			t.Fatal("fast client never saw the flood")
		}
	}

	// The drop left a lifecycle record.
	counts := f.ring.Counts()
	assert.GreaterOrEqual(t, counts[logring.ClientLifecycle], uint64(3))
}

func TestExtensionLossDestroysSessions(t *testing.T) {
	f := newRelay(t, nil)
	ext := f.connectExtension(exampleTab())
	c := f.connectClient("")
	s := c.attach("tab-42")

	ext.conn.Close(websocket.StatusGoingAway, "browser killed the worker")

	ev := c.event(cdp.EventTargetDestroyed)
	var p cdp.TargetDestroyedParams
	require.NoError(t, json.Unmarshal(ev.Params, &p))
	assert.Equal(t, "tab-42", p.TargetID)

	c.send(5, "Runtime.evaluate", map[string]string{"expression": "1"}, s)
	resp := c.response(5)
	require.NotNil(t, resp.Error)
	assert.Equal(t, cdp.CodeInternalError, resp.Error.Code)
}

func TestUnknownMethodWithoutSession(t *testing.T) {
	f := newRelay(t, nil)
	c := f.connectClient("")

	c.send(1, "Page.navigate", map[string]string{"url": "https://x.test"}, "")
	resp := c.response(1)
	require.NotNil(t, resp.Error)
	assert.Equal(t, cdp.CodeMethodNotFound, resp.Error.Code)
}

func TestCreateAndCloseTarget(t *testing.T) {
	f := newRelay(t, nil)
	ext := f.connectExtension()
	c := f.connectClient("")

	c.send(1, cdp.MethodSetDiscoverTargets, cdp.SetDiscoverTargetsParams{Discover: true}, "")
	c.response(1)

	c.send(2, cdp.MethodCreateTarget, cdp.CreateTargetParams{URL: "https://new.test"}, "")
	createCmd := ext.nextCommand(extension.MethodCreateTab)
	var createParams extension.CreateTabParams
	require.NoError(t, json.Unmarshal(createCmd.Params, &createParams))
	assert.Equal(t, "https://new.test", createParams.URL)

	resp := c.response(2)
	require.Nil(t, resp.Error)
	var created cdp.CreateTargetResult
	require.NoError(t, json.Unmarshal(resp.Result, &created))
	assert.Equal(t, "tab-990", created.TargetID)

	c.send(3, cdp.MethodCloseTarget, cdp.CloseTargetParams{TargetID: created.TargetID}, "")
	ext.nextCommand(extension.MethodCloseTab)
	resp = c.response(3)
	require.Nil(t, resp.Error)
	var closed cdp.CloseTargetResult
	require.NoError(t, json.Unmarshal(resp.Result, &closed))
	assert.True(t, closed.Success)

	ev := c.event(cdp.EventTargetDestroyed)
	var destroyed cdp.TargetDestroyedParams
	require.NoError(t, json.Unmarshal(ev.Params, &destroyed))
	assert.Equal(t, "tab-990", destroyed.TargetID)
}

func TestAttachWithoutExtensionFailsFast(t *testing.T) {
	f := newRelay(t, nil)
	c := f.connectClient("")

	c.send(1, cdp.MethodAttachToTarget, cdp.AttachToTargetParams{TargetID: "tab-1", Flatten: true}, "")
	resp := c.response(1)
	require.NotNil(t, resp.Error)
	// No extension means no targets; attach fails on the unknown target.
	assert.Equal(t, cdp.CodeInvalidParams, resp.Error.Code)
}

func TestForwardedCommandOrderIsPreserved(t *testing.T) {
	f := newRelay(t, nil)
	ext := f.connectExtension(exampleTab())
	c := f.connectClient("")
	s := c.attach("tab-42")
	ext.nextCommand(extension.MethodAttachTab)

	for i := int64(0); i < 10; i++ {
		c.send(10+i, "Input.dispatchKeyEvent", map[string]any{"type": "keyDown", "key": fmt.Sprint(i)}, s)
	}

	for i := int64(0); i < 10; i++ {
		cmd := ext.nextCommand(extension.MethodCDPCommand)
		var p extension.CDPCommandParams
		require.NoError(t, json.Unmarshal(cmd.Params, &p))
		var key struct {
			Key string `json:"key"`
		}
		require.NoError(t, json.Unmarshal(p.Params, &key))
		assert.Equal(t, fmt.Sprint(i), key.Key, "forwarded out of order")
	}
}

func TestDetachFromTarget(t *testing.T) {
	f := newRelay(t, nil)
	ext := f.connectExtension(exampleTab())
	c := f.connectClient("")

	c.send(1, cdp.MethodDetachFromTarget, cdp.DetachFromTargetParams{SessionID: "sess-unknown"}, "")
	resp := c.response(1)
	require.NotNil(t, resp.Error)
	assert.Equal(t, cdp.CodeSessionNotFound, resp.Error.Code)

	s := c.attach("tab-42")
	ext.nextCommand(extension.MethodAttachTab)

	c.send(2, cdp.MethodDetachFromTarget, cdp.DetachFromTargetParams{SessionID: s}, "")
	resp = c.response(2)
	require.Nil(t, resp.Error)

	ev := c.event(cdp.EventDetachedFromTarget)
	var p cdp.DetachedFromTargetParams
	require.NoError(t, json.Unmarshal(ev.Params, &p))
	assert.Equal(t, s, p.SessionID)
	assert.Equal(t, "tab-42", p.TargetID)

	// The last session off the tab releases the extension's debugger.
	ext.nextCommand(extension.MethodDetachTab)

	// The detached session routes nothing anymore.
	c.send(3, "Runtime.evaluate", map[string]string{"expression": "1"}, s)
	resp = c.response(3)
	require.NotNil(t, resp.Error)
	assert.Equal(t, cdp.CodeInternalError, resp.Error.Code)
}

func TestMalformedClientFramesBelowLimitAreTolerated(t *testing.T) {
	f := newRelay(t, func(o *Options) {
		o.DecodeErrorLimit = 4
	})
	c := f.connectClient("")

	c.sendRaw("not json")
	c.sendRaw("{broken")
	c.sendRaw(`{"method":"Page.enable"}`) // no id: unanswerable, counts as noise

	c.send(1, cdp.MethodBrowserGetVersion, nil, "")
	require.Nil(t, c.response(1).Error)

	// The valid command reset the counter, so more noise stays survivable.
	c.sendRaw("junk")
	c.send(2, cdp.MethodBrowserGetVersion, nil, "")
	require.Nil(t, c.response(2).Error)
}

func TestClientDecodeErrorLimitClosesTheSocket(t *testing.T) {
	f := newRelay(t, func(o *Options) {
		o.DecodeErrorLimit = 4
	})
	c := f.connectClient("")

	for i := 0; i < 4; i++ {
		c.sendRaw("garbage")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		_, _, err := c.conn.Read(ctx)
		if err != nil {
			assert.Equal(t, websocket.StatusPolicyViolation, websocket.CloseStatus(err))
			break
		}
	}
	require.Eventually(t, func() bool { return f.broker.ClientCount() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestCommandWithoutMethodIsInvalidRequest(t *testing.T) {
	f := newRelay(t, nil)
	c := f.connectClient("")

	c.sendRaw(`{"id":7}`)
	resp := c.response(7)
	require.NotNil(t, resp.Error)
	assert.Equal(t, cdp.CodeInvalidRequest, resp.Error.Code)
}

func TestOverflowedFramesAreNotRecordedAsDelivered(t *testing.T) {
	f := newRelay(t, func(o *Options) {
		o.ClientQueueCap = 4
	})
	f.connectExtension(exampleTab())

	slow := f.connectClient("slow")
	slow.send(1, cdp.MethodSetDiscoverTargets, cdp.SetDiscoverTargetsParams{Discover: true}, "")
	require.Nil(t, slow.response(1).Error)
	before := f.ring.Counts()[logring.ToClient]

	// Stop reading and flood until the bounded queue spills.
	bigURL := "https://flood.test/" + strings.Repeat("x", 512*1024)
	for i := 0; i < 64; i++ {
		f.broker.TabUpdated(extension.TabUpdatedParams{
			TabID: int64(1000 + i),
			URL:   lo.ToPtr(bigURL),
		})
	}
	require.Eventually(t, func() bool { return f.broker.ClientCount() == 0 }, 10*time.Second, 10*time.Millisecond)

	// Only frames the queue accepted count as delivered; the spilled
	// majority of the flood must not appear in the ring.
	delivered := f.ring.Counts()[logring.ToClient] - before
	assert.Less(t, delivered, uint64(32))
}
