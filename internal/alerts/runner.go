package alerts

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/zulandar/gemscout/internal/market"
	"github.com/zulandar/gemscout/internal/watchlist"
)

// Alert trigger thresholds. Both rules require a previous snapshot to
// compare against.
const (
	volSpikePct    = 150.0  // 24h volume up at least this much, and
	volSpikeMinUSD = 25000  // current volume at least this
	liqDropPct     = -40.0  // liquidity down at least this much, and
	liqDropMinUSD  = 10000  // previous liquidity at least this
)

// Per-cycle caps keep a polling pass bounded and rate-limit friendly.
const (
	defaultUserCap  = 50
	defaultItemCap  = 10
	listLimit       = 200
	defaultItemGap  = 250 * time.Millisecond
	DefaultInterval = 5 * time.Minute
)

// MarketData is the market lookup needed by the runner.
type MarketData interface {
	FetchSnapshot(ctx context.Context, chain, address string) (*market.Snapshot, error)
}

// SendFunc delivers an alert text to a user (direct message).
type SendFunc func(ctx context.Context, userID, text string) error

// Runner polls watched tokens for enabled users and sends best-effort
// alerts. It is an explicit task: Run blocks until the context is
// cancelled, and cycles never overlap.
type Runner struct {
	settings SettingsStore
	watch    watchlist.Store
	market   MarketData
	send     SendFunc
	platform string
	interval time.Duration
	cronExpr string
	userCap  int
	itemCap  int
	itemGap  time.Duration
	out      io.Writer

	sleep func(ctx context.Context, d time.Duration) bool
}

// RunnerOpts holds parameters for creating a Runner.
type RunnerOpts struct {
	Settings SettingsStore
	Watch    watchlist.Store
	Market   MarketData
	Send     SendFunc
	Platform string
	Interval time.Duration // defaults to DefaultInterval
	Cron     string        // optional 5-field cron expression; overrides Interval
	Out      io.Writer     // defaults to os.Stdout
}

// NewRunner creates an alerts Runner.
func NewRunner(opts RunnerOpts) (*Runner, error) {
	if opts.Settings == nil {
		return nil, fmt.Errorf("alerts: settings store is required")
	}
	if opts.Watch == nil {
		return nil, fmt.Errorf("alerts: watchlist store is required")
	}
	if opts.Market == nil {
		return nil, fmt.Errorf("alerts: market data is required")
	}
	if opts.Send == nil {
		return nil, fmt.Errorf("alerts: send func is required")
	}
	if opts.Platform == "" {
		return nil, fmt.Errorf("alerts: platform is required")
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	if opts.Cron != "" {
		if _, err := cronParser.Parse(opts.Cron); err != nil {
			return nil, fmt.Errorf("alerts: invalid cron %q: %w", opts.Cron, err)
		}
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	return &Runner{
		settings: opts.Settings,
		watch:    opts.Watch,
		market:   opts.Market,
		send:     opts.Send,
		platform: opts.Platform,
		interval: interval,
		cronExpr: opts.Cron,
		userCap:  defaultUserCap,
		itemCap:  defaultItemCap,
		itemGap:  defaultItemGap,
		out:      out,
		sleep:    sleepCtx,
	}, nil
}

// cronParser uses standard 5-field cron expressions.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// nextWait returns the delay before the next cycle.
func (r *Runner) nextWait() time.Duration {
	if r.cronExpr == "" {
		return r.interval
	}
	sched, err := cronParser.Parse(r.cronExpr)
	if err != nil {
		return r.interval
	}
	d := time.Until(sched.Next(time.Now()))
	if d <= 0 {
		return r.interval
	}
	return d
}

// Run executes poll cycles until ctx is cancelled. The first cycle starts
// immediately; cycles run strictly in sequence, so a long cycle delays the
// next one rather than overlapping it.
func (r *Runner) Run(ctx context.Context) {
	fmt.Fprintf(r.out, "Alerts runner online (interval %s)\n", r.interval)
	cycle := 0
	for {
		cycle++
		started := time.Now()
		if err := r.runCycle(ctx); err != nil {
			log.Printf("alerts: cycle %d fail: %v", cycle, err)
		} else {
			log.Printf("alerts: cycle %d ok ms=%d", cycle, time.Since(started).Milliseconds())
		}
		if !r.sleep(ctx, r.nextWait()) {
			fmt.Fprintf(r.out, "Alerts runner stopped\n")
			return
		}
	}
}

// runCycle checks every enabled user's watchlist once.
func (r *Runner) runCycle(ctx context.Context) error {
	users, err := r.settings.ListEnabled(ctx, r.platform, listLimit)
	if err != nil {
		return err
	}
	if len(users) > r.userCap {
		users = users[:r.userCap]
	}
	for _, userID := range users {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.checkUser(ctx, userID)
	}
	return nil
}

// checkUser polls one user's watchlist, comparing fresh snapshots against
// stored ones and sending alerts on triggered rules.
func (r *Runner) checkUser(ctx context.Context, userID string) {
	items, err := r.watch.List(ctx, r.platform, userID)
	if err != nil {
		log.Printf("alerts: list watchlist user=%s: %v", userID, err)
		return
	}
	if len(items) > r.itemCap {
		items = items[:r.itemCap]
	}
	for _, item := range items {
		snap, err := r.market.FetchSnapshot(ctx, item.Chain, item.Address)
		if err != nil {
			continue // best-effort; try again next cycle
		}

		if item.LastSnapshot != nil {
			if why, triggered := evaluate(item.LastSnapshot, snap); triggered {
				r.notify(ctx, userID, item, why)
			}
		}

		// Persist the fresh snapshot so the next cycle has a baseline.
		rec := watchlist.Snapshot{
			PriceUSD:          snap.PriceUSD,
			LiquidityUSD:      snap.LiquidityUSD,
			Volume24hUSD:      snap.Volume24hUSD,
			PriceChange24hPct: snap.PriceChange24hPct,
			At:                snap.At,
		}
		if err := r.watch.RecordSnapshot(ctx, r.platform, userID, item.Chain, item.Address, rec); err != nil {
			log.Printf("alerts: record snapshot user=%s token=%s: %v", userID, item.Address, err)
		}

		if !r.sleep(ctx, r.itemGap) {
			return
		}
	}
}

// evaluate applies the alert rules to a previous/current snapshot pair.
func evaluate(prev *watchlist.Snapshot, cur *market.Snapshot) (string, bool) {
	prevVol, curVol := floatOrZero(prev.Volume24hUSD), floatOrZero(cur.Volume24hUSD)
	prevLiq, curLiq := floatOrZero(prev.LiquidityUSD), floatOrZero(cur.LiquidityUSD)

	if volChg, ok := pctChange(curVol, prevVol); ok && volChg >= volSpikePct && curVol >= volSpikeMinUSD {
		return fmt.Sprintf("Volume spike: +%d%% (24h)", int(volChg+0.5)), true
	}
	if liqChg, ok := pctChange(curLiq, prevLiq); ok && liqChg <= liqDropPct && prevLiq >= liqDropMinUSD {
		return fmt.Sprintf("Liquidity drop: %d%%", int(liqChg-0.5)), true
	}
	return "", false
}

// notify sends one alert message, best-effort.
func (r *Runner) notify(ctx context.Context, userID string, item watchlist.Item, why string) {
	label := item.Symbol
	if label == "" {
		label = item.Name
	}
	if label == "" {
		label = item.Address
	}
	chain := item.Chain
	if chain == "" {
		chain = "unknown chain"
	}
	text := strings.Join([]string{
		"Watchlist alert (best-effort)",
		fmt.Sprintf("%s on %s", label, chain),
		why,
		"Use /gem to re-check details.",
		"Not financial advice.",
	}, "\n")
	if err := r.send(ctx, userID, text); err != nil {
		log.Printf("alerts: send user=%s: %v", userID, err)
	}
}

func pctChange(cur, prev float64) (float64, bool) {
	if prev == 0 {
		return 0, false
	}
	return (cur - prev) / prev * 100, true
}

func floatOrZero(f *float64) float64 {
	if f == nil {
		return 0
	}
	return *f
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
