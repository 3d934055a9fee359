package bot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/zulandar/gemscout/internal/ai"
	"github.com/zulandar/gemscout/internal/alerts"
	"github.com/zulandar/gemscout/internal/market"
	"github.com/zulandar/gemscout/internal/memory"
	"github.com/zulandar/gemscout/internal/watchlist"
)

// MarketClient is the market-data dependency of the command handler.
type MarketClient interface {
	Resolve(ctx context.Context, query, chainHint string) (*market.Token, error)
	FetchSnapshot(ctx context.Context, chain, address string) (*market.Snapshot, error)
	FetchTrending(ctx context.Context, chainHint string) ([]market.Token, error)
}

// CommandHandler implements the slash-command surface.
type CommandHandler struct {
	memory        memory.Store
	watch         watchlist.Store
	settings      alerts.SettingsStore
	market        MarketClient
	reasoner      Reasoner
	adapter       Adapter
	platform      string
	alertsEnabled bool
	persistent    bool
}

// CommandHandlerOpts holds parameters for creating a CommandHandler.
type CommandHandlerOpts struct {
	Memory        memory.Store
	Watchlist     watchlist.Store
	Settings      alerts.SettingsStore
	Market        MarketClient
	Reasoner      Reasoner
	Adapter       Adapter
	Platform      string
	AlertsEnabled bool // server-side alerts feature switch
	Persistent    bool // whether the backing stores survive restarts
}

// NewCommandHandler creates a CommandHandler.
func NewCommandHandler(opts CommandHandlerOpts) (*CommandHandler, error) {
	if opts.Memory == nil || opts.Watchlist == nil || opts.Settings == nil {
		return nil, fmt.Errorf("bot: commands: stores are required")
	}
	if opts.Market == nil {
		return nil, fmt.Errorf("bot: commands: market client is required")
	}
	if opts.Reasoner == nil {
		return nil, fmt.Errorf("bot: commands: reasoner is required")
	}
	if opts.Adapter == nil {
		return nil, fmt.Errorf("bot: commands: adapter is required")
	}
	if opts.Platform == "" {
		return nil, fmt.Errorf("bot: commands: platform is required")
	}
	return &CommandHandler{
		memory:        opts.Memory,
		watch:         opts.Watchlist,
		settings:      opts.Settings,
		market:        opts.Market,
		reasoner:      opts.Reasoner,
		adapter:       opts.Adapter,
		platform:      opts.Platform,
		alertsEnabled: opts.AlertsEnabled,
		persistent:    opts.Persistent,
	}, nil
}

// parseCommand splits "/gem@MyBot BONK" into ("gem", "BONK"). The
// @botname suffix Telegram appends in groups is stripped.
func parseCommand(text string) (name, args string) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", ""
	}
	rest := text[1:]
	name = rest
	if i := strings.IndexAny(rest, " \t\n"); i >= 0 {
		name = rest[:i]
		args = strings.TrimSpace(rest[i+1:])
	}
	if at := strings.Index(name, "@"); at >= 0 {
		name = name[:at]
	}
	return strings.ToLower(name), args
}

// Handle dispatches one slash command. Unknown commands are dropped.
func (h *CommandHandler) Handle(ctx context.Context, msg InboundMessage) {
	name, args := parseCommand(msg.Text)
	switch name {
	case "start":
		h.handleStart(ctx, msg)
	case "help":
		h.handleHelp(ctx, msg)
	case "gem":
		h.handleGem(ctx, msg, args)
	case "trending":
		h.handleTrending(ctx, msg, args)
	case "watch":
		h.handleWatch(ctx, msg, args)
	case "alert":
		h.handleAlert(ctx, msg, args)
	case "reset":
		h.handleReset(ctx, msg, args)
	default:
		log.Printf("bot: commands: unknown command %q chat=%s", name, msg.ChatID)
	}
}

func (h *CommandHandler) reply(ctx context.Context, msg InboundMessage, text string) {
	if err := h.adapter.Send(ctx, OutboundMessage{ChatID: msg.ChatID, Text: text}); err != nil {
		log.Printf("bot: commands: send chat=%s: %v", msg.ChatID, err)
	}
}

func (h *CommandHandler) handleStart(ctx context.Context, msg InboundMessage) {
	storage := "Memory and watchlists are persistent."
	if !h.persistent {
		storage = "Note: no database is configured, so memory and watchlists are temporary and may reset on deploy."
	}
	lines := []string{
		"Gem Scout helps you discover and evaluate early-stage crypto tokens with a risk-first scorecard.",
		"",
		"Try:",
		"/trending",
		"/gem PEPE",
		"/watch add PEPE",
		"/watch list",
		"",
		Disclaimer(),
		"",
		storage,
	}
	h.reply(ctx, msg, strings.Join(lines, "\n"))
}

func (h *CommandHandler) handleHelp(ctx context.Context, msg InboundMessage) {
	lines := []string{
		"Commands:",
		"/start - welcome and examples",
		"/help - this message",
		"/gem <query> - analyze a token (symbol/name/address)",
		"/trending [chain] - trending/new tokens",
		"/watch add <query> - add to watchlist",
		"/watch remove <query> - remove from watchlist",
		"/watch list - show your watchlist",
		"/alert on|off - toggle alerts",
		"/reset [all] - clear memory (and optionally watchlist)",
		"",
		"Examples:",
		"/trending solana",
		"/gem 0x...",
		"/watch add BONK",
		"/alert on",
	}
	h.reply(ctx, msg, strings.Join(lines, "\n"))
}

const gemUsage = "Usage: /gem <symbol|name|address>"

func (h *CommandHandler) handleGem(ctx context.Context, msg InboundMessage, args string) {
	if args == "" {
		h.reply(ctx, msg, gemUsage)
		return
	}

	token, err := h.market.Resolve(ctx, args, "")
	if err != nil {
		var amb *market.AmbiguousError
		switch {
		case errors.As(err, &amb):
			lines := []string{
				"I found multiple matches. Reply with the number, or re-run /gem with a chain hint.",
				"Example: /gem solana BONK",
				"",
			}
			for i, c := range amb.Candidates {
				lines = append(lines, formatCandidate(c, i))
			}
			h.reply(ctx, msg, strings.Join(lines, "\n"))
		case errors.Is(err, market.ErrNoMatches):
			h.reply(ctx, msg, "No matches found. Try a contract address, or a more specific name/symbol.")
		default:
			log.Printf("bot: commands: gem resolve %q: %v", args, err)
			h.reply(ctx, msg, "Data provider error while searching. Try again in a bit.")
		}
		return
	}

	// Best-effort fresh snapshot; the resolved token already carries
	// stats if this fails.
	merged := *token
	if snap, err := h.market.FetchSnapshot(ctx, token.Chain, token.Address); err == nil {
		merged = mergeSnapshot(*token, snap)
	} else {
		log.Printf("bot: commands: gem snapshot %s/%s: %v", token.Chain, token.Address, err)
	}

	out := h.reasoner.Chat(ctx, ai.Request{
		Messages: []ai.Message{
			{Role: ai.RoleSystem, Content: ai.BotProfile()},
			{Role: ai.RoleUser, Content: scorecardPrompt(merged)},
		},
		Meta: &ai.Meta{
			Platform: h.platform,
			UserID:   msg.UserID,
			ChatID:   msg.ChatID,
			Feature:  "gem",
		},
	})

	reply := strings.TrimSpace(out.Text)
	if !out.OK() || reply == "" {
		lines := []string{
			"Token found, but I couldn't generate the AI scorecard right now.",
			fmt.Sprintf("%s (%s)", tokenLabel(*token), token.Chain),
			token.Address,
		}
		if token.URL != "" {
			lines = append(lines, token.URL)
		}
		lines = append(lines, "", Disclaimer())
		h.reply(ctx, msg, strings.Join(lines, "\n"))
		return
	}
	if !strings.Contains(reply, "Not financial advice") {
		reply = reply + "\n\n" + Disclaimer()
	}
	h.reply(ctx, msg, clampText(reply, replyMax))
}

// scorecardPrompt builds the /gem analysis prompt around a JSON dump of
// the token's best-effort market data.
func scorecardPrompt(t market.Token) string {
	data, err := json.MarshalIndent(tokenData(t), "", "  ")
	if err != nil {
		data = []byte("{}")
	}
	return strings.Join([]string{
		"Create a structured token scorecard with these sections:",
		"Overview",
		"Risk tier and top risk flags",
		"Momentum snapshot",
		"Fundamentals checklist",
		"What would I watch next",
		"",
		"Be explicit about missing fields. Avoid hype. Keep it concise.",
		"End with a short disclaimer line.",
		"",
		"Token data (best-effort):",
		string(data),
	}, "\n")
}

const trendingUsage = "Usage: /trending [chain]"

func (h *CommandHandler) handleTrending(ctx context.Context, msg InboundMessage, args string) {
	if len(args) > 32 {
		h.reply(ctx, msg, trendingUsage)
		return
	}

	tokens, err := h.market.FetchTrending(ctx, args)
	if err != nil {
		log.Printf("bot: commands: trending %q: %v", args, err)
		h.reply(ctx, msg, "Trending is best-effort and the data source is having trouble right now. Try again soon.")
		return
	}
	if len(tokens) == 0 {
		h.reply(ctx, msg, "No trending tokens found right now (best-effort). Try /trending without a chain, or use /gem <query>.")
		return
	}

	header := "Trending tokens (best-effort):"
	if args != "" {
		header = fmt.Sprintf("Trending tokens for %s (best-effort):", args)
	}
	lines := []string{header, market.TrendingNote, ""}
	for i, t := range tokens {
		if i >= 8 {
			break
		}
		lines = append(lines, formatTrendingLine(t, i))
	}
	lines = append(lines, "",
		"Tip: use /gem <symbol|address> for a risk-first scorecard.",
		"Not financial advice.")
	h.reply(ctx, msg, strings.Join(lines, "\n"))
}

var watchUsage = strings.Join([]string{
	"Usage:",
	"/watch add <query>",
	"/watch remove <query>",
	"/watch list",
}, "\n")

func (h *CommandHandler) handleWatch(ctx context.Context, msg InboundMessage, args string) {
	fields := strings.Fields(args)
	if len(fields) == 0 {
		h.reply(ctx, msg, watchUsage)
		return
	}
	sub := strings.ToLower(fields[0])
	rest := strings.TrimSpace(strings.Join(fields[1:], " "))

	if sub == "list" {
		h.handleWatchList(ctx, msg)
		return
	}
	if sub != "add" && sub != "remove" || rest == "" {
		h.reply(ctx, msg, watchUsage)
		return
	}

	token, err := h.market.Resolve(ctx, rest, "")
	if err != nil {
		var amb *market.AmbiguousError
		if errors.As(err, &amb) {
			h.reply(ctx, msg, "That query matches multiple tokens. Please be more specific (chain or contract address).")
			return
		}
		h.reply(ctx, msg, "I couldn't resolve that token. Try a contract address, or a more specific symbol/name.")
		return
	}

	suffix := ""
	if !h.persistent {
		suffix = " (temporary)"
	}

	if sub == "add" {
		err := h.watch.Add(ctx, h.platform, msg.UserID, watchlist.Item{
			Chain:   token.Chain,
			Address: token.Address,
			Symbol:  token.Symbol,
			Name:    token.Name,
		})
		if errors.Is(err, watchlist.ErrLimitReached) {
			h.reply(ctx, msg, "Your watchlist is full. Remove something first with /watch remove <query>.")
			return
		}
		if err != nil {
			log.Printf("bot: commands: watch add user=%s: %v", msg.UserID, err)
			h.reply(ctx, msg, "Couldn't update your watchlist right now. Try again.")
			return
		}
		h.reply(ctx, msg, fmt.Sprintf("%s added to watchlist%s.\nNot financial advice.", tokenLabel(*token), suffix))
		return
	}

	if err := h.watch.Remove(ctx, h.platform, msg.UserID, token.Chain, token.Address); err != nil {
		log.Printf("bot: commands: watch remove user=%s: %v", msg.UserID, err)
		h.reply(ctx, msg, "Couldn't update your watchlist right now. Try again.")
		return
	}
	h.reply(ctx, msg, fmt.Sprintf("%s removed from watchlist%s.\nNot financial advice.", tokenLabel(*token), suffix))
}

func (h *CommandHandler) handleWatchList(ctx context.Context, msg InboundMessage) {
	items, err := h.watch.List(ctx, h.platform, msg.UserID)
	if err != nil {
		log.Printf("bot: commands: watch list user=%s: %v", msg.UserID, err)
		h.reply(ctx, msg, "Couldn't load your watchlist right now. Try again.")
		return
	}
	if len(items) == 0 {
		h.reply(ctx, msg, "Your watchlist is empty. Try /watch add <query>.")
		return
	}

	// Opportunistically refresh the first few items; keeps the listing
	// rate-limit friendly.
	for i := range items {
		if i >= 5 {
			break
		}
		snap, err := h.market.FetchSnapshot(ctx, items[i].Chain, items[i].Address)
		if err != nil {
			continue
		}
		rec := watchlist.Snapshot{
			PriceUSD:          snap.PriceUSD,
			LiquidityUSD:      snap.LiquidityUSD,
			Volume24hUSD:      snap.Volume24hUSD,
			PriceChange24hPct: snap.PriceChange24hPct,
			At:                snap.At,
		}
		if err := h.watch.RecordSnapshot(ctx, h.platform, msg.UserID, items[i].Chain, items[i].Address, rec); err != nil {
			log.Printf("bot: commands: record snapshot user=%s: %v", msg.UserID, err)
		}
		items[i].LastSnapshot = &rec
		at := snap.At
		items[i].LastCheckedAt = &at
	}

	header := "Your watchlist:"
	if !h.persistent {
		header = "Your watchlist (temporary, no DB):"
	}
	lines := []string{header, ""}
	for i, item := range items {
		lines = append(lines, formatWatchItem(item, i))
	}
	lines = append(lines, "",
		"Tip: /gem <query> for a full scorecard.",
		"Not financial advice.")
	h.reply(ctx, msg, strings.Join(lines, "\n"))
}

const alertUsage = "Usage: /alert on | /alert off"

func (h *CommandHandler) handleAlert(ctx context.Context, msg InboundMessage, args string) {
	arg := strings.ToLower(strings.TrimSpace(args))

	if arg == "" {
		cur, err := h.settings.Enabled(ctx, h.platform, msg.UserID)
		if err != nil {
			log.Printf("bot: commands: alert status user=%s: %v", msg.UserID, err)
		}
		state := "OFF"
		if cur {
			state = "ON"
		}
		h.reply(ctx, msg, fmt.Sprintf("Alerts are %s.\n%s", state, alertUsage))
		return
	}

	if !h.alertsEnabled {
		h.reply(ctx, msg, "Alerts aren't available yet on this bot instance (server has alerts disabled). Your watchlist still works.")
		return
	}
	if arg != "on" && arg != "off" {
		h.reply(ctx, msg, alertUsage)
		return
	}

	enabled := arg == "on"
	if err := h.settings.SetEnabled(ctx, h.platform, msg.UserID, enabled); err != nil {
		log.Printf("bot: commands: alert set user=%s: %v", msg.UserID, err)
		h.reply(ctx, msg, "Couldn't update alert settings right now. Try again.")
		return
	}
	state := "OFF"
	if enabled {
		state = "ON"
	}
	h.reply(ctx, msg, fmt.Sprintf("Alerts are now %s.", state))
}

func (h *CommandHandler) handleReset(ctx context.Context, msg InboundMessage, args string) {
	if err := h.memory.Clear(ctx, h.platform, msg.UserID, msg.ChatID); err != nil {
		log.Printf("bot: commands: reset memory user=%s: %v", msg.UserID, err)
	}

	if strings.EqualFold(strings.TrimSpace(args), "all") {
		if err := h.watch.Clear(ctx, h.platform, msg.UserID); err != nil {
			log.Printf("bot: commands: reset watchlist user=%s: %v", msg.UserID, err)
		}
		h.reply(ctx, msg, "Memory and watchlist cleared.")
		return
	}
	h.reply(ctx, msg, "Memory cleared. If you also want to clear your watchlist, run: /reset all")
}
