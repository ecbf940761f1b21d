package relay_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/Shaostoul/Humanity-sub000/internal/config"
	"github.com/Shaostoul/Humanity-sub000/internal/models"
	"github.com/Shaostoul/Humanity-sub000/internal/relay"
	"github.com/Shaostoul/Humanity-sub000/internal/store"
)

func newRelayServer(t *testing.T) (*relay.State, *httptest.Server, store.Store) {
	t.Helper()

	st, err := store.NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "relay.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(st.Close)

	cfg := &config.Config{
		HistorySize:     100,
		BusCapacity:     64,
		MaxMessageChars: 2000,
		LinkCodeTTL:     5 * time.Minute,
	}
	state := relay.NewState(cfg, zerolog.Nop(), st, nil, nil)

	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		relay.NewSession(state, conn).Run(context.Background())
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return state, srv, st
}

type testClient struct {
	t    *testing.T
	conn *websocket.Conn
	key  string
}

func dialWS(t *testing.T, srv *httptest.Server) *testClient {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return &testClient{t: t, conn: conn}
}

func (c *testClient) sendJSON(msg models.RoutedMessage) {
	c.t.Helper()
	c.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if err := c.conn.WriteJSON(msg); err != nil {
		c.t.Fatalf("write: %v", err)
	}
}

func (c *testClient) recv() (models.RoutedMessage, error) {
	var msg models.RoutedMessage
	c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	err := c.conn.ReadJSON(&msg)
	return msg, err
}

// waitFor reads frames until one satisfies pred, skipping unrelated
// traffic (presence churn, channel lists).
func (c *testClient) waitFor(desc string, pred func(models.RoutedMessage) bool) models.RoutedMessage {
	c.t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		msg, err := c.recv()
		if err != nil {
			c.t.Fatalf("waiting for %s: %v", desc, err)
		}
		if pred(msg) {
			return msg
		}
	}
	c.t.Fatalf("timed out waiting for %s", desc)
	return models.RoutedMessage{}
}

// expectNone asserts no frame matching pred arrives within the window.
// It consumes the connection; use it as the client's final assertion.
func (c *testClient) expectNone(window time.Duration, desc string, pred func(models.RoutedMessage) bool) {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(window))
	for {
		var msg models.RoutedMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			return // timeout or close: nothing matched
		}
		if pred(msg) {
			c.t.Fatalf("unexpected %s: %+v", desc, msg)
		}
	}
}

// identify completes the handshake and waits for the initial peer list.
func (c *testClient) identify(key, name string) models.RoutedMessage {
	c.t.Helper()
	c.key = key
	c.sendJSON(models.RoutedMessage{Type: models.TypeIdentify, PublicKey: key, DisplayName: name})
	return c.waitFor("peer list", func(m models.RoutedMessage) bool {
		return m.Type == models.TypePeerList
	})
}

func hasPeer(m models.RoutedMessage, key, name string) bool {
	for _, p := range m.Peers {
		if p.PublicKey == key && p.DisplayName == name {
			return true
		}
	}
	return false
}

func TestIdentifyHandshake(t *testing.T) {
	_, srv, _ := newRelayServer(t)

	a := dialWS(t, srv)
	peers := a.identify("key-a", "alice")
	if !hasPeer(peers, "key-a", "alice") {
		t.Fatalf("peer list missing alice: %+v", peers.Peers)
	}

	// The channel list follows, seeded with general.
	channels := a.waitFor("channel list", func(m models.RoutedMessage) bool {
		return m.Type == models.TypeChannelList
	})
	if len(channels.Channels) != 1 || channels.Channels[0].ID != models.GeneralChannelID {
		t.Fatalf("expected seeded general channel, got %+v", channels.Channels)
	}

	// A second key cannot claim a registered name, but may retry.
	b := dialWS(t, srv)
	b.sendJSON(models.RoutedMessage{Type: models.TypeIdentify, PublicKey: "key-b", DisplayName: "alice"})
	b.waitFor("name rejection", func(m models.RoutedMessage) bool {
		return m.Type == models.TypeNameTaken
	})
	peers = b.identify("key-b", "bob")
	if !hasPeer(peers, "key-a", "alice") || !hasPeer(peers, "key-b", "bob") {
		t.Fatalf("peer list after retry: %+v", peers.Peers)
	}

	// alice sees bob join.
	a.waitFor("peer joined", func(m models.RoutedMessage) bool {
		return m.Type == models.TypePeerJoined && m.From == "key-b"
	})
}

func TestIdentifyRejectsInvalidName(t *testing.T) {
	_, srv, _ := newRelayServer(t)

	c := dialWS(t, srv)
	c.sendJSON(models.RoutedMessage{Type: models.TypeIdentify, PublicKey: "key-x", DisplayName: "bad name!"})
	c.waitFor("name rejection", func(m models.RoutedMessage) bool {
		return m.Type == models.TypeNameTaken
	})

	// Still in the handshake: a valid identify succeeds on the same
	// connection.
	c.identify("key-x", "xena")
}

func TestBotKeySkipsOwnershipAndBans(t *testing.T) {
	_, srv, st := newRelayServer(t)
	ctx := context.Background()

	a := dialWS(t, srv)
	a.identify("key-a", "alice")

	if err := st.SetBanned(ctx, "bot:helper", true); err != nil {
		t.Fatalf("set banned: %v", err)
	}

	// A bot key connects even while banned, and may wear a name another
	// key has registered.
	bot := dialWS(t, srv)
	peers := bot.identify("bot:helper", "alice")
	if !hasPeer(peers, "bot:helper", "alice") {
		t.Fatalf("bot missing from peer list: %+v", peers.Peers)
	}
}

func TestChatDeliveryAndNoSelfEcho(t *testing.T) {
	_, srv, st := newRelayServer(t)

	a := dialWS(t, srv)
	a.identify("key-a", "alice")
	b := dialWS(t, srv)
	b.identify("key-b", "bob")

	a.sendJSON(models.RoutedMessage{Type: models.TypeChat, Content: "hello there"})

	got := b.waitFor("chat", func(m models.RoutedMessage) bool {
		return m.Type == models.TypeChat && m.Content == "hello there"
	})
	if got.From != "key-a" || got.FromName != "alice" {
		t.Fatalf("wrong sender: %+v", got)
	}
	if got.Channel != models.GeneralChannelID {
		t.Fatalf("empty channel should default to general, got %q", got.Channel)
	}
	if got.ID == "" || got.Timestamp == 0 {
		t.Fatalf("message not stamped: %+v", got)
	}

	count, err := st.CountMessages(context.Background(), models.GeneralChannelID)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 persisted message, got %d", count)
	}

	// The sender never sees its own chat come back.
	a.expectNone(400*time.Millisecond, "self echo", func(m models.RoutedMessage) bool {
		return m.Type == models.TypeChat && m.From == "key-a"
	})
}

func TestChatLengthPolicy(t *testing.T) {
	_, srv, st := newRelayServer(t)

	a := dialWS(t, srv)
	a.identify("key-a", "alice")
	b := dialWS(t, srv)
	b.identify("key-b", "bob")

	// Exactly at the advertised cap: accepted.
	atCap := strings.Repeat("x", 2000)
	a.sendJSON(models.RoutedMessage{Type: models.TypeChat, Content: atCap})
	b.waitFor("at-cap chat", func(m models.RoutedMessage) bool {
		return m.Type == models.TypeChat && m.Content == atCap
	})

	// One character over: rejected privately, not broadcast.
	over := strings.Repeat("x", 2001)
	a.sendJSON(models.RoutedMessage{Type: models.TypeChat, Content: over})
	a.waitFor("length rejection", func(m models.RoutedMessage) bool {
		return m.Type == models.TypeSystem && strings.Contains(m.Content, "message too long")
	})
	b.expectNone(400*time.Millisecond, "oversized chat", func(m models.RoutedMessage) bool {
		return m.Type == models.TypeChat && m.Content == over
	})

	count, err := st.CountMessages(context.Background(), models.GeneralChannelID)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected only the at-cap message persisted, got %d", count)
	}
}

func TestPrivateDelivery(t *testing.T) {
	_, srv, _ := newRelayServer(t)

	a := dialWS(t, srv)
	a.identify("key-a", "alice")
	b := dialWS(t, srv)
	b.identify("key-b", "bob")
	c := dialWS(t, srv)
	c.identify("key-c", "carol")

	a.sendJSON(models.RoutedMessage{Type: models.TypePrivate, To: "key-b", Content: "psst"})

	// The target receives it rewritten to System.
	got := b.waitFor("private", func(m models.RoutedMessage) bool {
		return m.Type == models.TypeSystem && m.Content == "psst"
	})
	if got.From != "key-a" || got.To != "" {
		t.Fatalf("bad private delivery: %+v", got)
	}

	// Nobody else sees it.
	c.expectNone(400*time.Millisecond, "leaked private", func(m models.RoutedMessage) bool {
		return m.Content == "psst"
	})
}

func TestTypingBroadcast(t *testing.T) {
	_, srv, _ := newRelayServer(t)

	a := dialWS(t, srv)
	a.identify("key-a", "alice")
	b := dialWS(t, srv)
	b.identify("key-b", "bob")

	a.sendJSON(models.RoutedMessage{Type: models.TypeTyping})
	got := b.waitFor("typing", func(m models.RoutedMessage) bool {
		return m.Type == models.TypeTyping
	})
	if got.From != "key-a" || got.FromName != "alice" {
		t.Fatalf("typing attribution: %+v", got)
	}
}

func TestDeleteOwnMessage(t *testing.T) {
	state, srv, st := newRelayServer(t)

	a := dialWS(t, srv)
	a.identify("key-a", "alice")
	b := dialWS(t, srv)
	b.identify("key-b", "bob")

	a.sendJSON(models.RoutedMessage{Type: models.TypeChat, Content: "oops"})
	chat := b.waitFor("chat", func(m models.RoutedMessage) bool {
		return m.Type == models.TypeChat && m.Content == "oops"
	})

	if n := len(state.History()); n != 1 {
		t.Fatalf("expected 1 buffered message before delete, got %d", n)
	}

	a.sendJSON(models.RoutedMessage{Type: models.TypeDelete, Timestamp: chat.Timestamp})
	del := b.waitFor("delete", func(m models.RoutedMessage) bool {
		return m.Type == models.TypeDelete
	})
	if del.From != "key-a" || del.Timestamp != chat.Timestamp {
		t.Fatalf("bad delete broadcast: %+v", del)
	}

	count, err := st.CountMessages(context.Background(), models.GeneralChannelID)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected deleted row gone, count %d", count)
	}

	// The in-memory window must track the deletion: it is always a
	// suffix of the persisted log.
	for _, m := range state.History() {
		if m.From == "key-a" && m.Timestamp == chat.Timestamp {
			t.Fatal("deleted message still present in the history buffer")
		}
	}
}

func TestLinkCodeFlow(t *testing.T) {
	_, srv, _ := newRelayServer(t)

	a := dialWS(t, srv)
	a.identify("key-a", "alice")

	a.sendJSON(models.RoutedMessage{Type: models.TypeChat, Content: "/link"})
	reply := a.waitFor("link code", func(m models.RoutedMessage) bool {
		return m.Type == models.TypeSystem && strings.Contains(m.Content, "link code:")
	})

	codeRe := regexp.MustCompile(`link code: ([A-Z0-9]{6})`)
	match := codeRe.FindStringSubmatch(reply.Content)
	if match == nil {
		t.Fatalf("no code in reply %q", reply.Content)
	}
	code := match[1]

	// Redeeming binds the new key to the existing name.
	c := dialWS(t, srv)
	c.sendJSON(models.RoutedMessage{Type: models.TypeIdentify, PublicKey: "key-c", LinkCode: code})
	peers := c.waitFor("peer list", func(m models.RoutedMessage) bool {
		return m.Type == models.TypePeerList
	})
	if !hasPeer(peers, "key-c", "alice") {
		t.Fatalf("linked device should carry the name: %+v", peers.Peers)
	}

	// The code is single use.
	d := dialWS(t, srv)
	d.sendJSON(models.RoutedMessage{Type: models.TypeIdentify, PublicKey: "key-d", LinkCode: code})
	d.waitFor("redeem failure", func(m models.RoutedMessage) bool {
		return m.Type == models.TypeSystem && strings.Contains(m.Content, "invalid or expired")
	})
	d.identify("key-d", "dave")
}

func TestRevokeGuards(t *testing.T) {
	state, srv, _ := newRelayServer(t)
	ctx := context.Background()

	a := dialWS(t, srv)
	a.identify("alicekey-primary", "alice")

	a.sendJSON(models.RoutedMessage{Type: models.TypeChat, Content: "/revoke abc"})
	a.waitFor("short prefix rejection", func(m models.RoutedMessage) bool {
		return m.Type == models.TypeSystem && strings.Contains(m.Content, "at least 6")
	})

	a.sendJSON(models.RoutedMessage{Type: models.TypeChat, Content: "/revoke alicek"})
	a.waitFor("own key rejection", func(m models.RoutedMessage) bool {
		return m.Type == models.TypeSystem && strings.Contains(m.Content, "connected with")
	})

	if err := state.Registry().Register(ctx, "alice", "otherkey-backup"); err != nil {
		t.Fatalf("register second device: %v", err)
	}
	a.sendJSON(models.RoutedMessage{Type: models.TypeChat, Content: "/revoke otherk"})
	a.waitFor("revocation", func(m models.RoutedMessage) bool {
		return m.Type == models.TypeSystem && strings.Contains(m.Content, "revoked 1 device")
	})
}

func TestMuteCommand(t *testing.T) {
	_, srv, st := newRelayServer(t)
	ctx := context.Background()

	if err := st.SetRole(ctx, "key-admin", models.RoleAdmin); err != nil {
		t.Fatalf("set role: %v", err)
	}

	admin := dialWS(t, srv)
	admin.identify("key-admin", "root")
	b := dialWS(t, srv)
	b.identify("key-b", "bob")

	admin.sendJSON(models.RoutedMessage{Type: models.TypeChat, Content: "/mute bob"})
	admin.waitFor("mute ack", func(m models.RoutedMessage) bool {
		return m.Type == models.TypeSystem && m.Content == "muted bob"
	})

	b.sendJSON(models.RoutedMessage{Type: models.TypeChat, Content: "can you hear me"})
	b.waitFor("mute notice", func(m models.RoutedMessage) bool {
		return m.Type == models.TypeSystem && m.Content == "you are muted"
	})

	admin.sendJSON(models.RoutedMessage{Type: models.TypeChat, Content: "/unmute bob"})
	admin.waitFor("unmute ack", func(m models.RoutedMessage) bool {
		return m.Type == models.TypeSystem && m.Content == "unmuted bob"
	})

	b.sendJSON(models.RoutedMessage{Type: models.TypeChat, Content: "back again"})
	admin.waitFor("chat after unmute", func(m models.RoutedMessage) bool {
		return m.Type == models.TypeChat && m.Content == "back again"
	})
}

func TestModerationRequiresPrivilege(t *testing.T) {
	_, srv, _ := newRelayServer(t)

	a := dialWS(t, srv)
	a.identify("key-a", "alice")
	b := dialWS(t, srv)
	b.identify("key-b", "bob")

	a.sendJSON(models.RoutedMessage{Type: models.TypeChat, Content: "/ban bob"})
	a.waitFor("privilege rejection", func(m models.RoutedMessage) bool {
		return m.Type == models.TypeSystem && m.Content == "moderator only"
	})

	a.sendJSON(models.RoutedMessage{Type: models.TypeChat, Content: "/channel-create dev"})
	a.waitFor("admin rejection", func(m models.RoutedMessage) bool {
		return m.Type == models.TypeSystem && m.Content == "admin only"
	})
}

func TestBanEvictsAndBlocksReconnect(t *testing.T) {
	_, srv, st := newRelayServer(t)
	ctx := context.Background()

	if err := st.SetRole(ctx, "key-admin", models.RoleAdmin); err != nil {
		t.Fatalf("set role: %v", err)
	}

	admin := dialWS(t, srv)
	admin.identify("key-admin", "root")
	b := dialWS(t, srv)
	b.identify("key-b", "bob")

	admin.sendJSON(models.RoutedMessage{Type: models.TypeChat, Content: "/ban bob"})
	admin.waitFor("ban announcement", func(m models.RoutedMessage) bool {
		return m.Type == models.TypeSystem && m.Content == "bob was banned"
	})

	// bob's connection is torn down.
	deadline := time.Now().Add(3 * time.Second)
	for {
		if _, err := b.recv(); err != nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("banned session was not evicted")
		}
	}

	// Reconnecting with a banned key is refused and the connection
	// closed.
	b2 := dialWS(t, srv)
	b2.sendJSON(models.RoutedMessage{Type: models.TypeIdentify, PublicKey: "key-b", DisplayName: "bob"})
	b2.waitFor("ban rejection", func(m models.RoutedMessage) bool {
		return m.Type == models.TypeNameTaken && m.Content == "you are banned"
	})
	if _, err := b2.recv(); err == nil {
		t.Fatal("connection should close after a ban rejection")
	}
}

func TestChannelCommands(t *testing.T) {
	_, srv, st := newRelayServer(t)
	ctx := context.Background()

	if err := st.SetRole(ctx, "key-admin", models.RoleAdmin); err != nil {
		t.Fatalf("set role: %v", err)
	}
	admin := dialWS(t, srv)
	admin.identify("key-admin", "root")

	admin.sendJSON(models.RoutedMessage{Type: models.TypeChat, Content: "/channel-create dev build talk"})
	list := admin.waitFor("channel list", func(m models.RoutedMessage) bool {
		return m.Type == models.TypeChannelList && len(m.Channels) == 2
	})
	if list.Channels[0].ID != models.GeneralChannelID {
		t.Fatalf("general should list first: %+v", list.Channels)
	}
	if list.Channels[1].Name != "dev" || list.Channels[1].Description != "build talk" {
		t.Fatalf("bad created channel: %+v", list.Channels[1])
	}
	admin.waitFor("create announcement", func(m models.RoutedMessage) bool {
		return m.Type == models.TypeSystem && m.Content == "channel dev created"
	})

	admin.sendJSON(models.RoutedMessage{Type: models.TypeChat, Content: "/channel-create dev"})
	admin.waitFor("duplicate rejection", func(m models.RoutedMessage) bool {
		return m.Type == models.TypeSystem && strings.Contains(m.Content, "already exists")
	})

	admin.sendJSON(models.RoutedMessage{Type: models.TypeChat, Content: "/channel-delete general"})
	admin.waitFor("general protection", func(m models.RoutedMessage) bool {
		return m.Type == models.TypeSystem && strings.Contains(m.Content, "cannot be deleted")
	})

	admin.sendJSON(models.RoutedMessage{Type: models.TypeChat, Content: "/channel-delete dev"})
	admin.waitFor("delete announcement", func(m models.RoutedMessage) bool {
		return m.Type == models.TypeSystem && m.Content == "channel dev deleted"
	})
}

func TestMalformedFrameIgnored(t *testing.T) {
	_, srv, _ := newRelayServer(t)

	a := dialWS(t, srv)
	a.identify("key-a", "alice")
	b := dialWS(t, srv)
	b.identify("key-b", "bob")

	// Garbage is dropped without killing the connection.
	a.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if err := a.conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("write garbage: %v", err)
	}

	a.sendJSON(models.RoutedMessage{Type: models.TypeChat, Content: "still here"})
	b.waitFor("chat after garbage", func(m models.RoutedMessage) bool {
		return m.Type == models.TypeChat && m.Content == "still here"
	})
}

func TestPeerLeftOnDisconnect(t *testing.T) {
	_, srv, _ := newRelayServer(t)

	a := dialWS(t, srv)
	a.identify("key-a", "alice")
	b := dialWS(t, srv)
	b.identify("key-b", "bob")

	b.conn.Close()
	a.waitFor("peer left", func(m models.RoutedMessage) bool {
		return m.Type == models.TypePeerLeft && m.From == "key-b"
	})
}
