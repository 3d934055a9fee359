package bot

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"gorm.io/gorm"

	"github.com/zulandar/gemscout/internal/alerts"
	"github.com/zulandar/gemscout/internal/config"
	"github.com/zulandar/gemscout/internal/memory"
	"github.com/zulandar/gemscout/internal/watchlist"
)

// Daemon is the main bot process. It connects a platform Adapter, wires
// the memory, watchlist and alert stores around it, and pumps inbound
// messages through the router until the context is cancelled.
type Daemon struct {
	cfg       *config.Config
	db        *gorm.DB
	adapter   Adapter
	market    MarketClient
	reasoner  Reasoner
	admission *Admission
	out       io.Writer
}

// DaemonOpts holds parameters for creating a new Daemon.
type DaemonOpts struct {
	Config    *config.Config
	DB        *gorm.DB // nil when database.driver is "memory"
	Adapter   Adapter
	Market    MarketClient
	Reasoner  Reasoner
	Admission *Admission
	Out       io.Writer // defaults to os.Stdout
}

// NewDaemon creates a Daemon with the given options.
func NewDaemon(opts DaemonOpts) (*Daemon, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("bot: config is required")
	}
	if opts.Adapter == nil {
		return nil, fmt.Errorf("bot: adapter is required")
	}
	if opts.Market == nil {
		return nil, fmt.Errorf("bot: market client is required")
	}
	if opts.Reasoner == nil {
		return nil, fmt.Errorf("bot: reasoner is required")
	}
	if opts.Admission == nil {
		return nil, fmt.Errorf("bot: admission controller is required")
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	return &Daemon{
		cfg:       opts.Config,
		db:        opts.DB,
		adapter:   opts.Adapter,
		market:    opts.Market,
		reasoner:  opts.Reasoner,
		admission: opts.Admission,
		out:       out,
	}, nil
}

// Run starts the daemon. It connects the adapter, builds all subsystems,
// and blocks until the context is cancelled. On shutdown it closes the
// adapter gracefully.
func (d *Daemon) Run(ctx context.Context) error {
	fmt.Fprintf(d.out, "Gem Scout connecting...\n")
	if err := d.adapter.Connect(ctx); err != nil {
		return fmt.Errorf("bot: connect: %w", err)
	}

	// Learn our own identity if the adapter exposes it.
	var self Identity
	if ider, ok := d.adapter.(Identifier); ok {
		self = ider.Identity()
	}

	memStore := memory.NewStore(d.db)
	watchStore := watchlist.NewStore(d.db)
	settings := alerts.NewSettingsStore(d.db)

	agent, err := NewAgent(AgentOpts{
		Admission:   d.admission,
		Memory:      memStore,
		Reasoner:    d.reasoner,
		Adapter:     d.adapter,
		Platform:    d.cfg.Platform,
		BotUsername: self.Username,
	})
	if err != nil {
		d.adapter.Close()
		return fmt.Errorf("bot: build agent: %w", err)
	}

	cmds, err := NewCommandHandler(CommandHandlerOpts{
		Memory:        memStore,
		Watchlist:     watchStore,
		Settings:      settings,
		Market:        d.market,
		Reasoner:      d.reasoner,
		Adapter:       d.adapter,
		Platform:      d.cfg.Platform,
		AlertsEnabled: d.cfg.Alerts.Enabled,
		Persistent:    d.cfg.Persistent(),
	})
	if err != nil {
		d.adapter.Close()
		return fmt.Errorf("bot: build command handler: %w", err)
	}

	router, err := NewRouter(RouterOpts{
		Stages: []Stage{
			SelfFilterStage(self),
			CommandStage(cmds),
			AgentStage(agent),
		},
	})
	if err != nil {
		d.adapter.Close()
		return fmt.Errorf("bot: build router: %w", err)
	}

	inbound, err := d.adapter.Listen(ctx)
	if err != nil {
		d.adapter.Close()
		return fmt.Errorf("bot: listen: %w", err)
	}

	if d.cfg.Alerts.Enabled {
		runner, err := alerts.NewRunner(alerts.RunnerOpts{
			Settings: settings,
			Watch:    watchStore,
			Market:   d.market,
			Send: func(ctx context.Context, userID, text string) error {
				// Alerts go to the user's direct chat; on every supported
				// platform the DM chat ID is the user ID.
				return d.adapter.Send(ctx, OutboundMessage{ChatID: userID, Text: text})
			},
			Platform: d.cfg.Platform,
			Interval: time.Duration(d.cfg.Alerts.PollIntervalSec) * time.Second,
			Cron:     d.cfg.Alerts.Cron,
			Out:      d.out,
		})
		if err != nil {
			d.adapter.Close()
			return fmt.Errorf("bot: build alerts runner: %w", err)
		}
		go runner.Run(ctx)
	}

	fmt.Fprintf(d.out, "Gem Scout online\n")

	// Main loop: inbound messages are handled one at a time, in arrival
	// order. Concurrency is bounded inside the agent, not here.
	for {
		select {
		case <-ctx.Done():
			fmt.Fprintf(d.out, "Gem Scout shutting down...\n")
			if err := d.adapter.Close(); err != nil {
				log.Printf("bot: close adapter: %v", err)
			}
			fmt.Fprintf(d.out, "Gem Scout stopped\n")
			return nil

		case msg, ok := <-inbound:
			if !ok {
				fmt.Fprintf(d.out, "Gem Scout inbound channel closed\n")
				return nil
			}
			router.Handle(ctx, msg)
		}
	}
}
