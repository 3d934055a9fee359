package bot

import (
	"context"
	"fmt"
	"log"
	"regexp"
	"strings"

	"github.com/zulandar/gemscout/internal/ai"
	"github.com/zulandar/gemscout/internal/memory"
)

// Result classifies how the agent handled an inbound message.
type Result int

const (
	// Replied: a response was sent (including apologies and clarifying
	// prompts).
	Replied Result = iota
	// Ignored: the message was not addressed to the agent.
	Ignored
	// Deferred: admission was denied; the user was told to retry later.
	Deferred
)

// String returns the result name for logs.
func (r Result) String() string {
	switch r {
	case Replied:
		return "replied"
	case Ignored:
		return "ignored"
	case Deferred:
		return "deferred"
	}
	return "unknown"
}

// Reasoner is the reasoning-service dependency of the agent.
type Reasoner interface {
	Chat(ctx context.Context, req ai.Request) ai.Outcome
}

// Prompt and reply bounds.
const (
	historyLimit   = 16   // recent turns replayed into the prompt
	historyTurnMax = 2000 // chars per replayed turn
	replyMax       = 3500 // chars per outbound reply
)

// User-facing agent texts.
const (
	clarifyText       = "What token are you looking at? You can also use /trending or /gem <query>."
	workingText       = "I'm working on your last request. One sec."
	busyText          = "Busy right now, try again in a moment."
	notConfiguredText = "AI isn't configured yet on the server. Try /help, /trending, or /gem <query>."
	failedText        = "Sorry, I couldn't generate an analysis right now. Try /gem <query> or /trending."

	styleInstruction = "Response style: concise, structured, risk-first. Avoid hype. If data is uncertain or missing, say so plainly. End with a short disclaimer line."
)

// Disclaimer is appended to generated replies that lack one.
func Disclaimer() string {
	return "Not financial advice. High risk. Do your own research."
}

// Agent is the conversational catch-all: it decides whether a free-text
// message is addressed to the bot, gates the reasoning call through
// Admission, and turns the outcome into a reply.
type Agent struct {
	admission *Admission
	memory    memory.Store
	reasoner  Reasoner
	adapter   Adapter
	platform  string
	mentionRe *regexp.Regexp // matches the bot's own @mention, nil if unknown
}

// AgentOpts holds parameters for creating an Agent.
type AgentOpts struct {
	Admission   *Admission
	Memory      memory.Store
	Reasoner    Reasoner
	Adapter     Adapter
	Platform    string
	BotUsername string // the bot's own handle, for mention stripping
}

// NewAgent creates a conversation Agent.
func NewAgent(opts AgentOpts) (*Agent, error) {
	if opts.Admission == nil {
		return nil, fmt.Errorf("bot: agent: admission controller is required")
	}
	if opts.Memory == nil {
		return nil, fmt.Errorf("bot: agent: memory store is required")
	}
	if opts.Reasoner == nil {
		return nil, fmt.Errorf("bot: agent: reasoner is required")
	}
	if opts.Adapter == nil {
		return nil, fmt.Errorf("bot: agent: adapter is required")
	}
	if opts.Platform == "" {
		return nil, fmt.Errorf("bot: agent: platform is required")
	}
	ag := &Agent{
		admission: opts.Admission,
		memory:    opts.Memory,
		reasoner:  opts.Reasoner,
		adapter:   opts.Adapter,
		platform:  opts.Platform,
	}
	if opts.BotUsername != "" {
		ag.mentionRe = regexp.MustCompile(`(?i)@` + regexp.QuoteMeta(opts.BotUsername) + `\b`)
	}
	return ag, nil
}

// Handle processes one inbound text message end to end. Nothing escapes
// this handler: panics are recovered and converted into the generic
// apology, and the admission token (if any) is always released.
func (ag *Agent) Handle(ctx context.Context, msg InboundMessage) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("bot: agent: recovered: %v [user=%s chat=%s]", r, msg.UserID, msg.ChatID)
			ag.send(ctx, msg.ChatID, failedText)
			res = Replied
		}
	}()

	text := strings.TrimSpace(msg.Text)

	// Commands belong to the command layer, never the agent.
	if strings.HasPrefix(text, "/") {
		return Ignored
	}

	// Addressing policy: in private chats every text message is eligible;
	// in groups only explicit mentions or replies to the bot.
	if msg.ChatType != ChatPrivate && !msg.MentionsBot && !msg.ReplyToBot {
		return Ignored
	}

	userText := ag.stripMention(text)
	if userText == "" {
		ag.send(ctx, msg.ChatID, clarifyText)
		return Replied
	}

	key := Key{UserID: msg.UserID, ChatID: msg.ChatID}
	token, reason := ag.admission.TryAdmit(key)
	switch reason {
	case RejectAlreadyInFlight:
		ag.send(ctx, msg.ChatID, workingText)
		return Deferred
	case RejectGlobalCapacity:
		ag.send(ctx, msg.ChatID, busyText)
		return Deferred
	}
	defer token.Release()

	if err := ag.memory.AddTurn(ctx, ag.platform, msg.UserID, msg.ChatID, "user", userText); err != nil {
		log.Printf("bot: agent: add user turn: %v", err)
	}
	history, err := ag.memory.RecentTurns(ctx, ag.platform, msg.UserID, msg.ChatID, historyLimit)
	if err != nil {
		log.Printf("bot: agent: recent turns: %v", err)
		history = nil
	}
	// The prompt must end with the current user turn even when recording it
	// failed or the history query dropped it. Stored turns may be clamped,
	// so the tail check matches on a prefix.
	if n := len(history); n == 0 || history[n-1].Role != "user" || !strings.HasPrefix(userText, history[n-1].Text) {
		history = append(history, memory.Turn{Role: "user", Text: userText})
	}

	out := ag.reasoner.Chat(ctx, ai.Request{
		Messages: buildPrompt(history),
		Meta: &ai.Meta{
			Platform: ag.platform,
			UserID:   msg.UserID,
			ChatID:   msg.ChatID,
			Feature:  "agent",
		},
	})

	reply := strings.TrimSpace(out.Text)
	if !out.OK() || reply == "" {
		fallback := failedText
		if out.Kind == ai.OutcomeNotConfigured {
			fallback = notConfiguredText
		}
		// The fallback becomes the assistant turn so the conversation
		// stays coherent on the next request.
		if err := ag.memory.AddTurn(ctx, ag.platform, msg.UserID, msg.ChatID, "assistant", fallback); err != nil {
			log.Printf("bot: agent: add fallback turn: %v", err)
		}
		ag.send(ctx, msg.ChatID, fallback)
		return Replied
	}

	final := reply
	if !strings.Contains(final, "Not financial advice") {
		final = final + "\n\n" + Disclaimer()
	}
	if err := ag.memory.AddTurn(ctx, ag.platform, msg.UserID, msg.ChatID, "assistant", final); err != nil {
		log.Printf("bot: agent: add assistant turn: %v", err)
	}
	ag.send(ctx, msg.ChatID, clampText(final, replyMax))
	return Replied
}

// buildPrompt assembles the reasoning request: persona preamble, the
// history window (which already ends with the current user turn), then the
// style instruction.
func buildPrompt(history []memory.Turn) []ai.Message {
	msgs := make([]ai.Message, 0, len(history)+2)
	msgs = append(msgs, ai.Message{Role: ai.RoleSystem, Content: ai.BotProfile()})
	for _, turn := range history {
		role := ai.RoleUser
		if turn.Role == "assistant" {
			role = ai.RoleAssistant
		}
		msgs = append(msgs, ai.Message{Role: role, Content: clampText(turn.Text, historyTurnMax)})
	}
	msgs = append(msgs, ai.Message{Role: ai.RoleSystem, Content: styleInstruction})
	return msgs
}

// stripMention removes the bot's own @mention token from the text.
func (ag *Agent) stripMention(text string) string {
	if ag.mentionRe == nil {
		return text
	}
	return strings.TrimSpace(ag.mentionRe.ReplaceAllString(text, " "))
}

func (ag *Agent) send(ctx context.Context, chatID, text string) {
	if err := ag.adapter.Send(ctx, OutboundMessage{ChatID: chatID, Text: text}); err != nil {
		log.Printf("bot: agent: send reply chat=%s: %v", chatID, err)
	}
}

// clampText truncates s to max bytes.
func clampText(s string, max int) string {
	if len(s) > max {
		return s[:max]
	}
	return s
}
