package control

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/confab-net/confab/internal/protocol"
	"github.com/confab-net/confab/internal/secmem"
	"github.com/confab-net/confab/internal/wire"
)

const testPassword = "A1B2"

func startHub(t *testing.T) *Hub {
	t.Helper()

	h, err := NewHub("127.0.0.1:0", secmem.NewSecureString(testPassword))
	if err != nil {
		t.Fatalf("NewHub: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(3 * time.Second):
			t.Error("hub did not shut down")
		}
	})
	return h
}

type testClient struct {
	t    *testing.T
	conn *wire.LineConn

	// sync is the whiteboard_sync received during join.
	sync map[string]any
}

func dialHub(t *testing.T, h *Hub) *testClient {
	t.Helper()

	nc, err := net.Dial("tcp", h.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	c := &testClient{t: t, conn: wire.NewLineConn(nc)}
	t.Cleanup(func() { c.conn.Close() })
	return c
}

func (c *testClient) send(v any) {
	c.t.Helper()
	if err := c.conn.WriteJSON(v); err != nil {
		c.t.Fatalf("send: %v", err)
	}
}

func (c *testClient) next() map[string]any {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := c.conn.ReadLine()
	if err != nil {
		c.t.Fatalf("read: %v", err)
	}
	var msg map[string]any
	if err := json.Unmarshal(line, &msg); err != nil {
		c.t.Fatalf("decode %q: %v", line, err)
	}
	return msg
}

func (c *testClient) expect(msgType string) map[string]any {
	c.t.Helper()
	msg := c.next()
	if msg["type"] != msgType {
		c.t.Fatalf("got %v, want type %q", msg, msgType)
	}
	return msg
}

func (c *testClient) expectClosed() {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := c.conn.ReadLine()
	if err == nil {
		c.t.Fatalf("connection still open, read %s", line)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		c.t.Fatal("connection still open after 2s")
	}
}

// join connects, authenticates and drains the three join-time messages:
// whiteboard_sync, the direct user_list and the broadcast user_list.
func join(t *testing.T, h *Hub, name string) *testClient {
	t.Helper()

	c := dialHub(t, h)
	c.send(protocol.Hello{
		Type:      protocol.TypeHello,
		Name:      name,
		Password:  testPassword,
		VideoPort: protocol.ClientVideoPort,
		AudioPort: protocol.ClientAudioPort,
	})
	c.sync = c.expect(protocol.TypeWhiteboardSync)
	c.expect(protocol.TypeUserList)
	c.expect(protocol.TypeUserList)
	return c
}

// drainJoin consumes the two messages an existing participant receives
// when someone else joins.
func (c *testClient) drainJoin(name string) {
	c.t.Helper()
	msg := c.expect(protocol.TypeJoin)
	if msg["name"] != name {
		c.t.Fatalf("join name = %v, want %s", msg["name"], name)
	}
	c.expect(protocol.TypeUserList)
}

func users(msg map[string]any) []map[string]any {
	raw, _ := msg["users"].([]any)
	out := make([]map[string]any, 0, len(raw))
	for _, u := range raw {
		out = append(out, u.(map[string]any))
	}
	return out
}

func TestRejectsInvalidPassword(t *testing.T) {
	h := startHub(t)

	c := dialHub(t, h)
	c.send(protocol.Hello{Type: protocol.TypeHello, Name: "mallory", Password: "WRONG"})

	msg := c.expect(protocol.TypeError)
	if msg["message"] != "Invalid password" {
		t.Fatalf("message = %v", msg["message"])
	}
	if msg["auth_failed"] != true {
		t.Fatalf("auth_failed = %v, want true", msg["auth_failed"])
	}
	c.expectClosed()

	if got := h.Stats().Participants; got != 0 {
		t.Fatalf("participants = %d, want 0", got)
	}
}

func TestJoinSequence(t *testing.T) {
	h := startHub(t)

	c := dialHub(t, h)
	c.send(protocol.Hello{
		Type:      protocol.TypeHello,
		Name:      "alice",
		Password:  testPassword,
		VideoPort: protocol.ClientVideoPort,
		AudioPort: protocol.ClientAudioPort,
	})

	sync := c.expect(protocol.TypeWhiteboardSync)
	state := sync["state"].(map[string]any)
	if len(state["strokes"].([]any)) != 0 || state["version"].(float64) != 0 {
		t.Fatalf("expected empty board, got %v", state)
	}

	roster := users(c.expect(protocol.TypeUserList))
	if len(roster) != 1 || roster[0]["name"] != "alice" {
		t.Fatalf("roster = %v, want just alice", roster)
	}
	if roster[0]["color"] != "#4C88FF" {
		t.Fatalf("color = %v, want first palette color", roster[0]["color"])
	}
	if roster[0]["addr"] != "127.0.0.1" {
		t.Fatalf("addr = %v, want bare IP", roster[0]["addr"])
	}

	// The roster broadcast follows; a self join is never echoed.
	c.expect(protocol.TypeUserList)
}

func TestJoinVisibleToOthers(t *testing.T) {
	h := startHub(t)
	alice := join(t, h, "alice")
	_ = join(t, h, "bob")

	msg := alice.expect(protocol.TypeJoin)
	if msg["name"] != "bob" || msg["color"] != "#27C48B" {
		t.Fatalf("join = %v", msg)
	}
	roster := users(alice.expect(protocol.TypeUserList))
	if len(roster) != 2 {
		t.Fatalf("roster size = %d, want 2", len(roster))
	}
}

func TestDuplicateNameRejected(t *testing.T) {
	h := startHub(t)
	alice := join(t, h, "alice")

	c := dialHub(t, h)
	c.send(protocol.Hello{Type: protocol.TypeHello, Name: "alice", Password: testPassword})
	msg := c.expect(protocol.TypeError)
	if msg["message"] != "Username already taken" {
		t.Fatalf("message = %v", msg["message"])
	}
	if _, present := msg["auth_failed"]; present {
		t.Fatal("name collision must not set auth_failed")
	}
	c.expectClosed()

	// The original participant is untouched.
	alice.send(protocol.Chat{Type: protocol.TypeChat, Message: "still here"})
	echo := alice.expect(protocol.TypeChat)
	if echo["from"] != "alice" || echo["message"] != "still here" {
		t.Fatalf("echo = %v", echo)
	}
	if got := h.Stats().Participants; got != 1 {
		t.Fatalf("participants = %d, want 1", got)
	}
}

func TestChatBroadcastIncludesSender(t *testing.T) {
	h := startHub(t)
	alice := join(t, h, "alice")
	bob := join(t, h, "bob")
	alice.drainJoin("bob")

	bob.send(protocol.Chat{Type: protocol.TypeChat, Message: "hello room"})

	for _, c := range []*testClient{alice, bob} {
		msg := c.expect(protocol.TypeChat)
		if msg["from"] != "bob" || msg["message"] != "hello room" {
			t.Fatalf("chat = %v", msg)
		}
	}
}

func TestPrivateChatDelivery(t *testing.T) {
	h := startHub(t)
	alice := join(t, h, "alice")
	bob := join(t, h, "bob")
	alice.drainJoin("bob")
	carol := join(t, h, "carol")
	alice.drainJoin("carol")
	bob.drainJoin("carol")

	bob.send(protocol.PrivateChat{Type: protocol.TypePrivateChat, To: "alice", Message: "psst"})

	direct := alice.expect(protocol.TypePrivateChat)
	if direct["from"] != "bob" || direct["message"] != "psst" {
		t.Fatalf("private = %v", direct)
	}
	receipt := bob.expect(protocol.TypePrivateChatSent)
	if receipt["to"] != "alice" || receipt["message"] != "psst" {
		t.Fatalf("receipt = %v", receipt)
	}

	// Carol sees nothing of the exchange: her next message is the
	// group chat sent afterwards.
	bob.send(protocol.Chat{Type: protocol.TypeChat, Message: "marker"})
	msg := carol.expect(protocol.TypeChat)
	if msg["message"] != "marker" {
		t.Fatalf("carol got %v", msg)
	}
}

func TestPrivateChatUnknownRecipient(t *testing.T) {
	h := startHub(t)
	alice := join(t, h, "alice")

	alice.send(protocol.PrivateChat{Type: protocol.TypePrivateChat, To: "ghost", Message: "hi"})
	msg := alice.expect(protocol.TypeError)
	if msg["message"] != "User ghost not found" {
		t.Fatalf("message = %v", msg["message"])
	}

	// The session survives the error.
	alice.send(protocol.Chat{Type: protocol.TypeChat, Message: "ok"})
	alice.expect(protocol.TypeChat)
}

func TestWhiteboardDrawFlow(t *testing.T) {
	h := startHub(t)
	alice := join(t, h, "alice")
	bob := join(t, h, "bob")
	alice.drainJoin("bob")

	stroke := json.RawMessage(`{"id":"s1","points":[{"x":0,"y":0},{"x":10,"y":10}],"color":"#000000","width":3}`)
	alice.send(protocol.WhiteboardAction{
		Type:   protocol.TypeWhiteboardAction,
		Action: protocol.ActionDraw,
		Data:   stroke,
	})

	msg := bob.expect(protocol.TypeWhiteboardAction)
	if msg["from"] != "alice" || msg["action"] != protocol.ActionDraw {
		t.Fatalf("delta = %v", msg)
	}
	if msg["version"].(float64) != 1 {
		t.Fatalf("version = %v, want 1", msg["version"])
	}
	if msg["data"].(map[string]any)["id"] != "s1" {
		t.Fatalf("data = %v", msg["data"])
	}

	// The originator is not echoed its own delta.
	alice.send(protocol.Chat{Type: protocol.TypeChat, Message: "marker"})
	if got := alice.expect(protocol.TypeChat); got["message"] != "marker" {
		t.Fatalf("alice got %v", got)
	}

	// A later joiner receives the stroke in its sync snapshot.
	carol := join(t, h, "carol")
	state := carol.sync["state"].(map[string]any)
	strokes := state["strokes"].([]any)
	if len(strokes) != 1 || strokes[0].(map[string]any)["id"] != "s1" {
		t.Fatalf("carol sync strokes = %v", strokes)
	}
	if state["version"].(float64) != 1 {
		t.Fatalf("carol sync version = %v", state["version"])
	}
}

func TestEraseWithoutMatchStillBroadcast(t *testing.T) {
	h := startHub(t)
	alice := join(t, h, "alice")
	bob := join(t, h, "bob")
	alice.drainJoin("bob")

	alice.send(protocol.WhiteboardAction{
		Type:    protocol.TypeWhiteboardAction,
		Action:  protocol.ActionErase,
		EraseID: "nope",
	})

	msg := bob.expect(protocol.TypeWhiteboardAction)
	if msg["action"] != protocol.ActionErase || msg["version"].(float64) != 1 {
		t.Fatalf("delta = %v", msg)
	}
}

func TestNoOpUndoNotBroadcast(t *testing.T) {
	h := startHub(t)
	alice := join(t, h, "alice")
	bob := join(t, h, "bob")
	alice.drainJoin("bob")

	alice.send(protocol.WhiteboardAction{Type: protocol.TypeWhiteboardAction, Action: protocol.ActionUndo})
	alice.send(protocol.Chat{Type: protocol.TypeChat, Message: "marker"})

	if msg := bob.expect(protocol.TypeChat); msg["message"] != "marker" {
		t.Fatalf("bob got %v", msg)
	}
	if got := h.Stats().BoardVersion; got != 0 {
		t.Fatalf("board version = %d, want 0", got)
	}
}

func TestCursorMoveCarriesAssignedColor(t *testing.T) {
	h := startHub(t)
	alice := join(t, h, "alice")
	bob := join(t, h, "bob")
	alice.drainJoin("bob")

	bob.send(protocol.CursorMove{Type: protocol.TypeCursorMove, X: 120, Y: 48})

	msg := alice.expect(protocol.TypeCursorMove)
	if msg["from"] != "bob" || msg["x"].(float64) != 120 || msg["y"].(float64) != 48 {
		t.Fatalf("cursor = %v", msg)
	}
	if msg["color"] != "#27C48B" {
		t.Fatalf("color = %v, want bob's palette color", msg["color"])
	}

	// Not echoed to the mover.
	bob.send(protocol.Chat{Type: protocol.TypeChat, Message: "marker"})
	alice.expect(protocol.TypeChat)
	if got := bob.expect(protocol.TypeChat); got["message"] != "marker" {
		t.Fatalf("bob got %v", got)
	}
}

func TestGestureExcludesSender(t *testing.T) {
	h := startHub(t)
	alice := join(t, h, "alice")
	bob := join(t, h, "bob")
	alice.drainJoin("bob")

	alice.send(protocol.Gesture{Type: protocol.TypeGesture, GestureType: "thumbs_up"})

	msg := bob.expect(protocol.TypeGesture)
	if msg["from"] != "alice" || msg["gesture_type"] != "thumbs_up" {
		t.Fatalf("gesture = %v", msg)
	}

	alice.send(protocol.Chat{Type: protocol.TypeChat, Message: "marker"})
	if got := alice.expect(protocol.TypeChat); got["message"] != "marker" {
		t.Fatalf("alice got %v", got)
	}
}

func TestPresentStartRelayed(t *testing.T) {
	h := startHub(t)
	alice := join(t, h, "alice")
	bob := join(t, h, "bob")
	alice.drainJoin("bob")

	alice.send(protocol.Presence{Type: protocol.TypePresentStart})
	msg := bob.expect(protocol.TypePresentStart)
	if msg["from"] != "alice" {
		t.Fatalf("present_start = %v", msg)
	}
}

func TestLeaveOnDisconnect(t *testing.T) {
	h := startHub(t)
	alice := join(t, h, "alice")
	bob := join(t, h, "bob")
	alice.drainJoin("bob")

	bob.conn.Close()

	msg := alice.expect(protocol.TypeLeave)
	if msg["name"] != "bob" || msg["addr"] != "127.0.0.1" {
		t.Fatalf("leave = %v", msg)
	}
	roster := users(alice.expect(protocol.TypeUserList))
	if len(roster) != 1 || roster[0]["name"] != "alice" {
		t.Fatalf("roster = %v", roster)
	}
}

func TestByeProducesExactlyOneLeave(t *testing.T) {
	h := startHub(t)
	alice := join(t, h, "alice")
	bob := join(t, h, "bob")
	alice.drainJoin("bob")

	bob.send(protocol.Bye{Type: protocol.TypeBye})
	bob.conn.Close()

	alice.expect(protocol.TypeLeave)
	alice.expect(protocol.TypeUserList)

	// No second leave: the next message is the marker echo.
	alice.send(protocol.Chat{Type: protocol.TypeChat, Message: "marker"})
	if msg := alice.expect(protocol.TypeChat); msg["message"] != "marker" {
		t.Fatalf("alice got %v", msg)
	}
}

func TestMessageBeforeHelloDisconnects(t *testing.T) {
	h := startHub(t)

	c := dialHub(t, h)
	c.send(protocol.Chat{Type: protocol.TypeChat, Message: "premature"})
	c.expectClosed()

	if got := h.Stats().Participants; got != 0 {
		t.Fatalf("participants = %d, want 0", got)
	}
}

func TestMalformedLineSkipped(t *testing.T) {
	h := startHub(t)
	alice := join(t, h, "alice")
	bob := join(t, h, "bob")
	alice.drainJoin("bob")

	if err := alice.conn.WriteLine([]byte("{this is not json")); err != nil {
		t.Fatalf("write garbage: %v", err)
	}
	alice.send(protocol.Chat{Type: protocol.TypeChat, Message: "survived"})

	if msg := bob.expect(protocol.TypeChat); msg["message"] != "survived" {
		t.Fatalf("bob got %v", msg)
	}
}

func TestRepeatedHelloDisconnects(t *testing.T) {
	h := startHub(t)
	alice := join(t, h, "alice")
	bob := join(t, h, "bob")
	alice.drainJoin("bob")

	bob.send(protocol.Hello{Type: protocol.TypeHello, Name: "bob2", Password: testPassword})

	alice.expect(protocol.TypeLeave)
	alice.expect(protocol.TypeUserList)
	bob.expectClosed()
}
