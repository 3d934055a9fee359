package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/zulandar/gemscout/internal/bot"
)

// fakeBotAPI emulates the handful of Bot API methods the adapter uses.
// getUpdates responses are consumed from a queue; an empty queue yields an
// empty update list after a short hold, like a quiet long poll.
type fakeBotAPI struct {
	t *testing.T

	mu             sync.Mutex
	updatesQueue   []updatesReply
	offsets        []int64
	sent           []fakeSent
	deleteWebhooks int
	setMyCommands  int
}

type updatesReply struct {
	updates  []Update
	conflict bool
}

type fakeSent struct {
	ChatID int64
	Text   string
}

func newFakeBotAPI(t *testing.T) (*fakeBotAPI, *Adapter) {
	t.Helper()
	f := &fakeBotAPI{t: t}
	ts := httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(ts.Close)

	a, err := NewAdapter(AdapterOpts{Token: "test-token", BaseURL: ts.URL})
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}
	return f, a
}

func (f *fakeBotAPI) handle(w http.ResponseWriter, r *http.Request) {
	method := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
	var body map[string]any
	json.NewDecoder(r.Body).Decode(&body)
	w.Header().Set("Content-Type", "application/json")

	switch method {
	case "getMe":
		fmt.Fprint(w, `{"ok":true,"result":{"id":42,"is_bot":true,"username":"GemScoutBot"}}`)
	case "setMyCommands":
		f.mu.Lock()
		f.setMyCommands++
		f.mu.Unlock()
		fmt.Fprint(w, `{"ok":true,"result":true}`)
	case "deleteWebhook":
		f.mu.Lock()
		f.deleteWebhooks++
		f.mu.Unlock()
		fmt.Fprint(w, `{"ok":true,"result":true}`)
	case "sendMessage":
		f.mu.Lock()
		f.sent = append(f.sent, fakeSent{
			ChatID: int64(body["chat_id"].(float64)),
			Text:   body["text"].(string),
		})
		f.mu.Unlock()
		fmt.Fprint(w, `{"ok":true,"result":{"message_id":1}}`)
	case "getUpdates":
		f.mu.Lock()
		f.offsets = append(f.offsets, int64(body["offset"].(float64)))
		var reply updatesReply
		if len(f.updatesQueue) > 0 {
			reply = f.updatesQueue[0]
			f.updatesQueue = f.updatesQueue[1:]
		}
		f.mu.Unlock()

		if reply.conflict {
			w.WriteHeader(http.StatusConflict)
			fmt.Fprint(w, `{"ok":false,"error_code":409,"description":"Conflict: terminated by other getUpdates request"}`)
			return
		}
		if reply.updates == nil {
			// Quiet long poll; hold briefly so the loop doesn't spin.
			time.Sleep(20 * time.Millisecond)
			fmt.Fprint(w, `{"ok":true,"result":[]}`)
			return
		}
		out, _ := json.Marshal(reply.updates)
		fmt.Fprintf(w, `{"ok":true,"result":%s}`, out)
	default:
		f.t.Errorf("unexpected method %q", method)
		fmt.Fprint(w, `{"ok":false,"error_code":400,"description":"unknown method"}`)
	}
}

func (f *fakeBotAPI) queueUpdates(replies ...updatesReply) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updatesQueue = append(f.updatesQueue, replies...)
}

func textUpdate(updateID, chatID, userID int64, chatType, text string) Update {
	return Update{
		UpdateID: updateID,
		Message: &Message{
			MessageID: updateID,
			From:      &User{ID: userID, Username: "alice"},
			Chat:      Chat{ID: chatID, Type: chatType},
			Date:      1700000000,
			Text:      text,
		},
	}
}

// --- Connect / Identity ---

func TestConnect_CapturesIdentityAndPublishesMenu(t *testing.T) {
	f, a := newFakeBotAPI(t)
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	id := a.Identity()
	if id.UserID != "42" || id.Username != "GemScoutBot" {
		t.Fatalf("identity = %+v", id)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.setMyCommands != 1 {
		t.Fatalf("expected command menu published once, got %d", f.setMyCommands)
	}
}

// --- Listen / polling ---

func TestListen_DeliversUpdates(t *testing.T) {
	f, a := newFakeBotAPI(t)
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	f.queueUpdates(updatesReply{updates: []Update{
		textUpdate(7, 100, 9, "private", "what about PEPE"),
	}})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := a.Listen(ctx)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer a.Close()

	select {
	case msg := <-ch:
		if msg.Platform != "telegram" {
			t.Errorf("platform = %q", msg.Platform)
		}
		if msg.ChatID != "100" || msg.UserID != "9" || msg.Text != "what about PEPE" {
			t.Errorf("unexpected message: %+v", msg)
		}
		if msg.ChatType != bot.ChatPrivate {
			t.Errorf("chat type = %q, want private", msg.ChatType)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for inbound message")
	}

	if state := a.SupervisorState(); state != "running" {
		t.Errorf("supervisor state = %q, want running", state)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	// Webhooks are cleared before polling starts.
	if f.deleteWebhooks < 1 {
		t.Error("expected deleteWebhook before polling")
	}
}

func TestListen_OffsetAdvancesPastDeliveredUpdates(t *testing.T) {
	f, a := newFakeBotAPI(t)
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	f.queueUpdates(updatesReply{updates: []Update{
		textUpdate(7, 100, 9, "private", "one"),
		textUpdate(8, 100, 9, "private", "two"),
	}})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := a.Listen(ctx)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer a.Close()

	for i := 0; i < 2; i++ {
		select {
		case <-ch:
		case <-time.After(2 * time.Second):
			t.Fatal("timeout")
		}
	}

	// Wait for the next poll and check its offset.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		n := len(f.offsets)
		var last int64
		if n > 0 {
			last = f.offsets[n-1]
		}
		f.mu.Unlock()
		if n >= 2 && last == 9 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("offset never advanced to 9")
}

func TestListen_ConflictRestartsPolling(t *testing.T) {
	f, a := newFakeBotAPI(t)
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	f.queueUpdates(
		updatesReply{conflict: true},
		updatesReply{updates: []Update{textUpdate(7, 100, 9, "private", "after restart")}},
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := a.Listen(ctx)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer a.Close()

	// Skip the real restart backoffs.
	a.mu.Lock()
	a.sup.sleep = func(ctx context.Context, d time.Duration) bool { return ctx.Err() == nil }
	a.mu.Unlock()

	select {
	case msg := <-ch:
		if msg.Text != "after restart" {
			t.Errorf("unexpected message: %+v", msg)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for message after conflict restart")
	}

	if state := a.SupervisorState(); state != "running" {
		t.Errorf("supervisor state = %q, want running", state)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	// Once on the initial start, once for the restart.
	if f.deleteWebhooks < 2 {
		t.Errorf("expected webhook cleared on restart, deleteWebhooks = %d", f.deleteWebhooks)
	}
}

// --- Send / Close ---

func TestSend(t *testing.T) {
	f, a := newFakeBotAPI(t)
	if err := a.Send(context.Background(), bot.OutboundMessage{ChatID: "100", Text: "hello"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) != 1 || f.sent[0].ChatID != 100 || f.sent[0].Text != "hello" {
		t.Fatalf("unexpected sends: %+v", f.sent)
	}
}

func TestSend_BadChatID(t *testing.T) {
	_, a := newFakeBotAPI(t)
	if err := a.Send(context.Background(), bot.OutboundMessage{ChatID: "not-a-number", Text: "x"}); err == nil {
		t.Fatal("expected error for non-numeric chat id")
	}
}

func TestClose_StopsPollingAndClosesChannel(t *testing.T) {
	_, a := newFakeBotAPI(t)
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	ch, err := a.Listen(context.Background())
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	if err := a.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("second close should not error: %v", err)
	}
	if state := a.SupervisorState(); state != "stopped" {
		t.Errorf("supervisor state = %q, want stopped", state)
	}
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected closed inbound channel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for channel close")
	}
}

// --- mention and reply detection ---

func TestMentionsUser(t *testing.T) {
	msg := func(text string, entities ...Entity) *Message {
		return &Message{Text: text, Entities: entities}
	}
	tests := []struct {
		name string
		m    *Message
		want bool
	}{
		{
			name: "plain mention",
			m:    msg("@GemScoutBot what about PEPE", Entity{Type: "mention", Offset: 0, Length: 12}),
			want: true,
		},
		{
			name: "case insensitive",
			m:    msg("@gemscoutbot hi", Entity{Type: "mention", Offset: 0, Length: 12}),
			want: true,
		},
		{
			// Emoji are two UTF-16 code units each; entity offsets count
			// those units, not bytes or runes.
			name: "mention after emoji",
			m:    msg("\U0001F680\U0001F680 @GemScoutBot hi", Entity{Type: "mention", Offset: 5, Length: 12}),
			want: true,
		},
		{
			name: "different user",
			m:    msg("@OtherBot hi", Entity{Type: "mention", Offset: 0, Length: 9}),
			want: false,
		},
		{
			name: "non-mention entity",
			m:    msg("@GemScoutBot hi", Entity{Type: "bot_command", Offset: 0, Length: 12}),
			want: false,
		},
		{
			name: "out of range entity ignored",
			m:    msg("short", Entity{Type: "mention", Offset: 3, Length: 50}),
			want: false,
		},
		{
			name: "no entities",
			m:    msg("@GemScoutBot hi"),
			want: false,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := mentionsUser(tc.m, "GemScoutBot"); got != tc.want {
				t.Errorf("mentionsUser = %v, want %v", got, tc.want)
			}
		})
	}

	if mentionsUser(msg("@ hi", Entity{Type: "mention", Offset: 0, Length: 2}), "") {
		t.Error("empty username should never match")
	}
}

func TestRepliesToBot(t *testing.T) {
	reply := func(from *User) *Message {
		return &Message{Text: "thanks", ReplyTo: &Message{From: from}}
	}
	if !repliesToBot(reply(&User{IsBot: true, Username: "GemScoutBot"}), "GemScoutBot") {
		t.Error("expected reply to bot detected")
	}
	if repliesToBot(reply(&User{IsBot: false, Username: "GemScoutBot"}), "GemScoutBot") {
		t.Error("non-bot author should not match")
	}
	if repliesToBot(reply(&User{IsBot: true, Username: "OtherBot"}), "GemScoutBot") {
		t.Error("other bot should not match")
	}
	if repliesToBot(&Message{Text: "no reply"}, "GemScoutBot") {
		t.Error("message without reply should not match")
	}
}

var _ bot.Adapter = (*Adapter)(nil)
var _ bot.Identifier = (*Adapter)(nil)
