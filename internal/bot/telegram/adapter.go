package telegram

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf16"

	"github.com/zulandar/gemscout/internal/bot"
)

// menuCommands is the command menu published to Telegram clients.
var menuCommands = []BotCommand{
	{Command: "start", Description: "Welcome and examples"},
	{Command: "help", Description: "How to use Gem Scout"},
	{Command: "gem", Description: "Analyze a token"},
	{Command: "trending", Description: "Trending tokens"},
	{Command: "watch", Description: "Manage your watchlist"},
	{Command: "alert", Description: "Toggle alerts"},
	{Command: "reset", Description: "Clear memory"},
}

// Adapter implements bot.Adapter over the Bot API with long polling.
type Adapter struct {
	client *Client

	mu      sync.Mutex
	self    User
	inbound chan bot.InboundMessage
	sup     *Supervisor
	closed  bool
}

// AdapterOpts holds parameters for creating a telegram Adapter.
type AdapterOpts struct {
	Token   string
	BaseURL string // tests point this at a local server
}

// NewAdapter creates a telegram Adapter.
func NewAdapter(opts AdapterOpts) (*Adapter, error) {
	client, err := NewClient(ClientOpts{Token: opts.Token, BaseURL: opts.BaseURL})
	if err != nil {
		return nil, err
	}
	return &Adapter{
		client:  client,
		inbound: make(chan bot.InboundMessage, 100),
	}, nil
}

// Connect verifies the token and learns the bot's own account. It also
// publishes the command menu, best-effort.
func (a *Adapter) Connect(ctx context.Context) error {
	me, err := a.client.GetMe(ctx)
	if err != nil {
		return fmt.Errorf("telegram: connect: %w", err)
	}
	a.mu.Lock()
	a.self = *me
	a.mu.Unlock()

	if err := a.client.SetMyCommands(ctx, menuCommands); err != nil {
		log.Printf("telegram: set command menu: %v", err)
	}
	return nil
}

// Identity returns the bot's own account (implements bot.Identifier).
func (a *Adapter) Identity() bot.Identity {
	a.mu.Lock()
	defer a.mu.Unlock()
	return bot.Identity{
		UserID:   strconv.FormatInt(a.self.ID, 10),
		Username: a.self.Username,
	}
}

// Listen starts supervised long polling and returns the inbound channel.
func (a *Adapter) Listen(ctx context.Context) (<-chan bot.InboundMessage, error) {
	conn := &pollConn{
		client:  a.client,
		deliver: a.deliver,
	}
	sup := NewSupervisor(conn)
	// Conflicts detected by the poll loop feed back into the supervisor,
	// which restarts the connection against the Listen context.
	conn.onFatal = func(err error) {
		sup.OnError(ctx, err)
	}

	if err := sup.Start(ctx); err != nil {
		return nil, fmt.Errorf("telegram: listen: %w", err)
	}
	a.mu.Lock()
	a.sup = sup
	a.mu.Unlock()
	return a.inbound, nil
}

// SupervisorState reports the polling lifecycle state for the status
// endpoint.
func (a *Adapter) SupervisorState() string {
	a.mu.Lock()
	sup := a.sup
	a.mu.Unlock()
	if sup == nil {
		return Stopped.String()
	}
	return sup.State().String()
}

// Send posts a text message. ChatID is the decimal Telegram chat ID.
func (a *Adapter) Send(ctx context.Context, msg bot.OutboundMessage) error {
	chatID, err := strconv.ParseInt(msg.ChatID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: send: bad chat id %q: %w", msg.ChatID, err)
	}
	return a.client.SendMessage(ctx, chatID, msg.Text)
}

// Close stops polling and closes the inbound channel.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	sup := a.sup
	a.mu.Unlock()

	if sup != nil {
		sup.Stop()
	}
	close(a.inbound)
	return nil
}

// deliver converts one update into an inbound message.
func (a *Adapter) deliver(u Update) {
	m := u.Message
	if m == nil || m.From == nil || m.Text == "" {
		return
	}
	a.mu.Lock()
	self := a.self
	closed := a.closed
	a.mu.Unlock()
	if closed {
		return
	}

	chatType := bot.ChatGroup
	if m.Chat.Type == "private" {
		chatType = bot.ChatPrivate
	}

	a.inbound <- bot.InboundMessage{
		Platform:    "telegram",
		ChatID:      strconv.FormatInt(m.Chat.ID, 10),
		ChatType:    chatType,
		UserID:      strconv.FormatInt(m.From.ID, 10),
		UserName:    m.From.Username,
		MessageID:   strconv.FormatInt(m.MessageID, 10),
		Text:        m.Text,
		MentionsBot: mentionsUser(m, self.Username),
		ReplyToBot:  repliesToBot(m, self.Username),
		Timestamp:   time.Unix(m.Date, 0),
	}
}

// mentionsUser reports whether the message @-mentions the given username.
// Entity offsets are in UTF-16 code units, per the Bot API.
func mentionsUser(m *Message, username string) bool {
	if username == "" {
		return false
	}
	want := "@" + username
	units := utf16.Encode([]rune(m.Text))
	for _, e := range m.Entities {
		if e.Type != "mention" {
			continue
		}
		if e.Offset < 0 || e.Offset+e.Length > len(units) {
			continue
		}
		got := string(utf16.Decode(units[e.Offset : e.Offset+e.Length]))
		if strings.EqualFold(got, want) {
			return true
		}
	}
	return false
}

func repliesToBot(m *Message, username string) bool {
	r := m.ReplyTo
	return r != nil && r.From != nil && r.From.IsBot &&
		strings.EqualFold(r.From.Username, username)
}

// pollConn is the supervised long-poll connection. Start spawns the poll
// loop; Stop cancels it and waits for it to exit.
type pollConn struct {
	client  *Client
	deliver func(Update)
	onFatal func(error) // invoked after the loop exits on a conflict

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	offset int64
}

func (p *pollConn) Clear(ctx context.Context) error {
	return p.client.DeleteWebhook(ctx, true)
}

func (p *pollConn) Start(ctx context.Context) error {
	pctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	p.mu.Lock()
	p.cancel = cancel
	p.done = done
	p.mu.Unlock()
	go p.loop(pctx, done)
	return nil
}

func (p *pollConn) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	done := p.done
	p.cancel = nil
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

func (p *pollConn) loop(ctx context.Context, done chan struct{}) {
	var fatal error
	defer func() {
		// The done channel must close before onFatal runs: the
		// supervisor's recovery calls Stop, which waits on it.
		close(done)
		if fatal != nil && p.onFatal != nil {
			p.onFatal(fatal)
		}
	}()

	for {
		if ctx.Err() != nil {
			return
		}
		p.mu.Lock()
		offset := p.offset
		p.mu.Unlock()

		updates, err := p.client.GetUpdates(ctx, offset)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if IsConflict(err) {
				fatal = err
				return
			}
			log.Printf("telegram: poll: %v", err)
			if !sleepCtx(ctx, time.Second) {
				return
			}
			continue
		}
		for _, u := range updates {
			p.mu.Lock()
			if u.UpdateID >= p.offset {
				p.offset = u.UpdateID + 1
			}
			p.mu.Unlock()
			p.deliver(u)
		}
	}
}
