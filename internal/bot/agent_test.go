package bot

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/zulandar/gemscout/internal/ai"
	"github.com/zulandar/gemscout/internal/memory"
)

// fakeReasoner returns canned outcomes and records the requests it saw.
type fakeReasoner struct {
	mu       sync.Mutex
	outcome  ai.Outcome
	requests []ai.Request
}

func (f *fakeReasoner) Chat(ctx context.Context, req ai.Request) ai.Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	return f.outcome
}

func (f *fakeReasoner) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func setupAgent(t *testing.T, reasoner Reasoner, max int) (*Agent, *MockAdapter, memory.Store) {
	t.Helper()
	adapter := NewMockAdapter()
	adapter.Connect(context.Background())
	mem := memory.NewStore(nil)
	agent, err := NewAgent(AgentOpts{
		Admission:   NewAdmission(max),
		Memory:      mem,
		Reasoner:    reasoner,
		Adapter:     adapter,
		Platform:    "telegram",
		BotUsername: "GemScoutBot",
	})
	if err != nil {
		t.Fatalf("new agent: %v", err)
	}
	return agent, adapter, mem
}

func privateMsg(text string) InboundMessage {
	return InboundMessage{
		Platform: "telegram",
		ChatID:   "100",
		ChatType: ChatPrivate,
		UserID:   "7",
		Text:     text,
	}
}

// --- addressing policy tests ---

func TestAgent_IgnoresCommands(t *testing.T) {
	reasoner := &fakeReasoner{outcome: ai.Outcome{Kind: ai.OutcomeSuccess, Text: "x"}}
	agent, adapter, _ := setupAgent(t, reasoner, 2)

	if res := agent.Handle(context.Background(), privateMsg("/gem PEPE")); res != Ignored {
		t.Fatalf("expected Ignored for command, got %s", res)
	}
	if reasoner.calls() != 0 || len(adapter.Sent()) != 0 {
		t.Fatal("commands must not reach the reasoner or produce replies")
	}
}

func TestAgent_GroupRequiresMentionOrReply(t *testing.T) {
	reasoner := &fakeReasoner{outcome: ai.Outcome{Kind: ai.OutcomeSuccess, Text: "x"}}
	agent, adapter, _ := setupAgent(t, reasoner, 2)

	msg := privateMsg("what about PEPE")
	msg.ChatType = ChatGroup

	if res := agent.Handle(context.Background(), msg); res != Ignored {
		t.Fatalf("expected Ignored in group without mention, got %s", res)
	}
	if reasoner.calls() != 0 || len(adapter.Sent()) != 0 {
		t.Fatal("unaddressed group chatter must cost nothing")
	}

	msg.MentionsBot = true
	if res := agent.Handle(context.Background(), msg); res != Replied {
		t.Fatalf("expected Replied for mention, got %s", res)
	}

	msg.MentionsBot = false
	msg.ReplyToBot = true
	if res := agent.Handle(context.Background(), msg); res != Replied {
		t.Fatalf("expected Replied for reply-to-bot, got %s", res)
	}
}

func TestAgent_MentionOnlyAsksForClarification(t *testing.T) {
	reasoner := &fakeReasoner{outcome: ai.Outcome{Kind: ai.OutcomeSuccess, Text: "x"}}
	agent, adapter, _ := setupAgent(t, reasoner, 2)

	msg := privateMsg("@GemScoutBot")
	msg.ChatType = ChatGroup
	msg.MentionsBot = true

	if res := agent.Handle(context.Background(), msg); res != Replied {
		t.Fatalf("expected Replied, got %s", res)
	}
	sent := adapter.Sent()
	if len(sent) != 1 || sent[0].Text != clarifyText {
		t.Fatalf("expected clarification prompt, got %v", sent)
	}
	if reasoner.calls() != 0 {
		t.Fatal("empty question must not reach the reasoner")
	}
}

// --- prompt construction tests ---

func TestAgent_PromptShape(t *testing.T) {
	reasoner := &fakeReasoner{outcome: ai.Outcome{Kind: ai.OutcomeSuccess, Text: "Risky."}}
	agent, adapter, _ := setupAgent(t, reasoner, 2)

	if res := agent.Handle(context.Background(), privateMsg("what about PEPE")); res != Replied {
		t.Fatalf("expected Replied, got %s", res)
	}

	if reasoner.calls() != 1 {
		t.Fatalf("expected 1 reasoner call, got %d", reasoner.calls())
	}
	req := reasoner.requests[0]
	msgs := req.Messages
	if len(msgs) != 3 {
		t.Fatalf("expected persona + user turn + style, got %d messages", len(msgs))
	}
	if msgs[0].Role != ai.RoleSystem || !strings.Contains(msgs[0].Content, "Gem Scout") {
		t.Fatalf("first message must be the persona, got %+v", msgs[0])
	}
	if msgs[1].Role != ai.RoleUser || msgs[1].Content != "what about PEPE" {
		t.Fatalf("second message must be the current turn, got %+v", msgs[1])
	}
	if msgs[2].Role != ai.RoleSystem || msgs[2].Content != styleInstruction {
		t.Fatalf("last message must be the style instruction, got %+v", msgs[2])
	}
	if req.Meta == nil || req.Meta.Feature != "agent" || req.Meta.UserID != "7" {
		t.Fatalf("missing meta, got %+v", req.Meta)
	}

	sent := adapter.Sent()
	if len(sent) != 1 {
		t.Fatalf("expected 1 reply, got %d", len(sent))
	}
	want := "Risky.\n\n" + Disclaimer()
	if sent[0].Text != want {
		t.Fatalf("expected disclaimer appended, got %q", sent[0].Text)
	}
}

func TestAgent_HistoryCarriesAcrossTurns(t *testing.T) {
	reasoner := &fakeReasoner{outcome: ai.Outcome{Kind: ai.OutcomeSuccess, Text: "First answer. Not financial advice."}}
	agent, _, _ := setupAgent(t, reasoner, 2)

	agent.Handle(context.Background(), privateMsg("tell me about BONK"))
	agent.Handle(context.Background(), privateMsg("and its liquidity?"))

	req := reasoner.requests[1]
	// persona + (user, assistant, user) + style
	if len(req.Messages) != 5 {
		t.Fatalf("expected 5 messages on second turn, got %d", len(req.Messages))
	}
	if req.Messages[2].Role != ai.RoleAssistant {
		t.Fatalf("expected assistant turn replayed, got %+v", req.Messages[2])
	}
}

// faultyMemory wraps a real store and injects failures.
type faultyMemory struct {
	memory.Store
	failAddUser bool
	failRecent  bool
}

func (s *faultyMemory) AddTurn(ctx context.Context, platform, userID, chatID, role, text string) error {
	if s.failAddUser && role == "user" {
		return errors.New("write failed")
	}
	return s.Store.AddTurn(ctx, platform, userID, chatID, role, text)
}

func (s *faultyMemory) RecentTurns(ctx context.Context, platform, userID, chatID string, limit int) ([]memory.Turn, error) {
	if s.failRecent {
		return nil, errors.New("read failed")
	}
	return s.Store.RecentTurns(ctx, platform, userID, chatID, limit)
}

func setupAgentWithMemory(t *testing.T, reasoner Reasoner, mem memory.Store) (*Agent, *MockAdapter) {
	t.Helper()
	adapter := NewMockAdapter()
	adapter.Connect(context.Background())
	agent, err := NewAgent(AgentOpts{
		Admission: NewAdmission(2),
		Memory:    mem,
		Reasoner:  reasoner,
		Adapter:   adapter,
		Platform:  "telegram",
	})
	if err != nil {
		t.Fatalf("new agent: %v", err)
	}
	return agent, adapter
}

func TestAgent_PromptEndsWithCurrentTurnWhenRecordFails(t *testing.T) {
	reasoner := &fakeReasoner{outcome: ai.Outcome{Kind: ai.OutcomeSuccess, Text: "Risky. Not financial advice."}}
	mem := &faultyMemory{Store: memory.NewStore(nil)}
	agent, _ := setupAgentWithMemory(t, reasoner, mem)

	// Seed an earlier exchange, then fail the write of the next user turn.
	ctx := context.Background()
	mem.Store.AddTurn(ctx, "telegram", "7", "100", "user", "tell me about BONK")
	mem.Store.AddTurn(ctx, "telegram", "7", "100", "assistant", "Thin liquidity.")
	mem.failAddUser = true

	if res := agent.Handle(ctx, privateMsg("and its volume?")); res != Replied {
		t.Fatalf("expected Replied, got %s", res)
	}

	msgs := reasoner.requests[0].Messages
	// persona + (user, assistant) history + current turn + style
	if len(msgs) != 5 {
		t.Fatalf("expected 5 messages, got %d: %+v", len(msgs), msgs)
	}
	last := msgs[len(msgs)-2]
	if last.Role != ai.RoleUser || last.Content != "and its volume?" {
		t.Fatalf("prompt must end with the current user turn, got %+v", last)
	}
}

func TestAgent_PromptDegradesToCurrentTurnOnHistoryError(t *testing.T) {
	reasoner := &fakeReasoner{outcome: ai.Outcome{Kind: ai.OutcomeSuccess, Text: "Risky. Not financial advice."}}
	mem := &faultyMemory{Store: memory.NewStore(nil), failRecent: true}
	agent, _ := setupAgentWithMemory(t, reasoner, mem)

	if res := agent.Handle(context.Background(), privateMsg("what about PEPE")); res != Replied {
		t.Fatalf("expected Replied, got %s", res)
	}

	msgs := reasoner.requests[0].Messages
	if len(msgs) != 3 {
		t.Fatalf("expected persona + current turn + style, got %d messages", len(msgs))
	}
	if msgs[1].Role != ai.RoleUser || msgs[1].Content != "what about PEPE" {
		t.Fatalf("expected the current turn, got %+v", msgs[1])
	}
}

func TestAgent_NoDoubleDisclaimer(t *testing.T) {
	reasoner := &fakeReasoner{outcome: ai.Outcome{
		Kind: ai.OutcomeSuccess,
		Text: "Thin liquidity. Not financial advice.",
	}}
	agent, adapter, _ := setupAgent(t, reasoner, 2)

	agent.Handle(context.Background(), privateMsg("bonk?"))
	sent := adapter.Sent()
	if len(sent) != 1 {
		t.Fatalf("expected 1 reply, got %d", len(sent))
	}
	if strings.Count(sent[0].Text, "Not financial advice") != 1 {
		t.Fatalf("disclaimer duplicated: %q", sent[0].Text)
	}
}

// --- fallback tests ---

func TestAgent_NotConfiguredFallback(t *testing.T) {
	reasoner := &fakeReasoner{outcome: ai.Outcome{Kind: ai.OutcomeNotConfigured}}
	agent, adapter, mem := setupAgent(t, reasoner, 2)

	if res := agent.Handle(context.Background(), privateMsg("hello")); res != Replied {
		t.Fatalf("expected Replied, got %s", res)
	}
	sent := adapter.Sent()
	if len(sent) != 1 || sent[0].Text != notConfiguredText {
		t.Fatalf("expected not-configured text, got %v", sent)
	}

	// The fallback becomes the assistant turn.
	turns, err := mem.RecentTurns(context.Background(), "telegram", "7", "100", 10)
	if err != nil {
		t.Fatalf("recent turns: %v", err)
	}
	if len(turns) != 2 || turns[1].Role != "assistant" || turns[1].Text != notConfiguredText {
		t.Fatalf("fallback not recorded as assistant turn: %+v", turns)
	}
}

func TestAgent_FailureFallback(t *testing.T) {
	reasoner := &fakeReasoner{outcome: ai.Outcome{Kind: ai.OutcomeRetryableFailure, Status: 500}}
	agent, adapter, _ := setupAgent(t, reasoner, 2)

	agent.Handle(context.Background(), privateMsg("hello"))
	sent := adapter.Sent()
	if len(sent) != 1 || sent[0].Text != failedText {
		t.Fatalf("expected failure apology, got %v", sent)
	}
}

func TestAgent_EmptySuccessTreatedAsFailure(t *testing.T) {
	reasoner := &fakeReasoner{outcome: ai.Outcome{Kind: ai.OutcomeSuccess, Text: "   "}}
	agent, adapter, _ := setupAgent(t, reasoner, 2)

	agent.Handle(context.Background(), privateMsg("hello"))
	sent := adapter.Sent()
	if len(sent) != 1 || sent[0].Text != failedText {
		t.Fatalf("blank reply must fall back to the apology, got %v", sent)
	}
}

// --- admission tests ---

type blockingReasoner struct {
	started chan struct{}
	release chan struct{}
}

func (b *blockingReasoner) Chat(ctx context.Context, req ai.Request) ai.Outcome {
	b.started <- struct{}{}
	<-b.release
	return ai.Outcome{Kind: ai.OutcomeSuccess, Text: "done"}
}

func TestAgent_DeferredWhileBusy(t *testing.T) {
	reasoner := &blockingReasoner{
		started: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	agent, adapter, _ := setupAgent(t, reasoner, 5)

	done := make(chan Result, 1)
	go func() {
		done <- agent.Handle(context.Background(), privateMsg("slow question"))
	}()
	<-reasoner.started

	// Same user+chat while the first request is in flight.
	if res := agent.Handle(context.Background(), privateMsg("another one")); res != Deferred {
		t.Fatalf("expected Deferred, got %s", res)
	}
	sent := adapter.Sent()
	if len(sent) != 1 || sent[0].Text != workingText {
		t.Fatalf("expected working notice, got %v", sent)
	}

	close(reasoner.release)
	if res := <-done; res != Replied {
		t.Fatalf("first request should finish as Replied, got %s", res)
	}
}

func TestAgent_DeferredAtGlobalCapacity(t *testing.T) {
	reasoner := &blockingReasoner{
		started: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	agent, adapter, _ := setupAgent(t, reasoner, 1)

	done := make(chan Result, 1)
	go func() {
		done <- agent.Handle(context.Background(), privateMsg("slow question"))
	}()
	<-reasoner.started

	other := privateMsg("different user")
	other.UserID = "8"
	other.ChatID = "200"
	if res := agent.Handle(context.Background(), other); res != Deferred {
		t.Fatalf("expected Deferred at capacity, got %s", res)
	}
	sent := adapter.Sent()
	if len(sent) != 1 || sent[0].Text != busyText {
		t.Fatalf("expected busy notice, got %v", sent)
	}

	close(reasoner.release)
	<-done
}

// --- panic containment ---

type panickyReasoner struct{}

func (panickyReasoner) Chat(ctx context.Context, req ai.Request) ai.Outcome {
	panic("reasoner exploded")
}

func TestAgent_RecoversFromPanic(t *testing.T) {
	agent, adapter, _ := setupAgent(t, panickyReasoner{}, 2)

	if res := agent.Handle(context.Background(), privateMsg("boom")); res != Replied {
		t.Fatalf("expected Replied after recovery, got %s", res)
	}
	sent := adapter.Sent()
	if len(sent) != 1 || sent[0].Text != failedText {
		t.Fatalf("expected apology after panic, got %v", sent)
	}

	// The admission slot must have been released.
	adapter.ClearSent()
	reasoner := &fakeReasoner{outcome: ai.Outcome{Kind: ai.OutcomeSuccess, Text: "fine"}}
	agent.reasoner = reasoner
	if res := agent.Handle(context.Background(), privateMsg("again")); res != Replied {
		t.Fatalf("key still locked after panic: %s", res)
	}
}

// --- reply clamp ---

func TestAgent_ClampsLongReplies(t *testing.T) {
	reasoner := &fakeReasoner{outcome: ai.Outcome{
		Kind: ai.OutcomeSuccess,
		Text: strings.Repeat("a", replyMax+500) + " Not financial advice.",
	}}
	agent, adapter, _ := setupAgent(t, reasoner, 2)

	agent.Handle(context.Background(), privateMsg("long"))
	sent := adapter.Sent()
	if len(sent) != 1 {
		t.Fatalf("expected 1 reply, got %d", len(sent))
	}
	if len(sent[0].Text) != replyMax {
		t.Fatalf("expected reply clamped to %d, got %d", replyMax, len(sent[0].Text))
	}
}
