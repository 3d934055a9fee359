package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/zulandar/gemscout/internal/ai"
	"github.com/zulandar/gemscout/internal/bot"
	discordadapter "github.com/zulandar/gemscout/internal/bot/discord"
	slackadapter "github.com/zulandar/gemscout/internal/bot/slack"
	"github.com/zulandar/gemscout/internal/bot/telegram"
	"github.com/zulandar/gemscout/internal/config"
	"github.com/zulandar/gemscout/internal/db"
	"github.com/zulandar/gemscout/internal/market"
	"github.com/zulandar/gemscout/internal/status"
)

func newRunCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the Gem Scout bot",
		Long:  "Connects to the configured chat platform and serves commands, analysis, and watchlist alerts.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBot(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "gemscout.yaml", "path to config file")
	return cmd
}

func runBot(cmd *cobra.Command, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	gormDB, err := db.Connect(cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	if err := db.Migrate(gormDB); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	adapter, err := createAdapter(cfg)
	if err != nil {
		return err
	}

	reasoner := ai.NewClient(ai.ClientOpts{
		Endpoint:   cfg.AI.Endpoint,
		Key:        cfg.AI.Key,
		Model:      cfg.AI.Model,
		Timeout:    time.Duration(cfg.AI.TimeoutSec) * time.Second,
		MaxRetries: cfg.AI.MaxRetries,
	})
	marketClient := market.NewClient(market.ClientOpts{})
	admission := bot.NewAdmission(cfg.AI.InflightMax)

	daemon, err := bot.NewDaemon(bot.DaemonOpts{
		Config:    cfg,
		DB:        gormDB,
		Adapter:   adapter,
		Market:    marketClient,
		Reasoner:  reasoner,
		Admission: admission,
		Out:       cmd.OutOrStdout(),
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle OS signals for graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	if cfg.Status.Enabled {
		go func() {
			pollState := func() string { return "n/a" }
			if tg, ok := adapter.(*telegram.Adapter); ok {
				pollState = tg.SupervisorState
			}
			err := status.Start(ctx, status.StartOpts{
				Port:         cfg.Status.Port,
				Version:      Version,
				InFlight:     admission.InFlight,
				PollingState: pollState,
				Out:          cmd.OutOrStdout(),
			})
			if err != nil {
				log.Printf("status server: %v", err)
			}
		}()
	}

	return daemon.Run(ctx)
}

// createAdapter builds a platform adapter from the config.
func createAdapter(cfg *config.Config) (bot.Adapter, error) {
	switch cfg.Platform {
	case "telegram":
		return telegram.NewAdapter(telegram.AdapterOpts{
			Token: cfg.Telegram.Token,
		})
	case "discord":
		return discordadapter.New(discordadapter.AdapterOpts{
			BotToken:  cfg.Discord.BotToken,
			ChannelID: cfg.Discord.ChannelID,
		})
	case "slack":
		return slackadapter.New(slackadapter.AdapterOpts{
			AppToken:  cfg.Slack.AppToken,
			BotToken:  cfg.Slack.BotToken,
			ChannelID: cfg.Slack.ChannelID,
		})
	default:
		return nil, fmt.Errorf("unsupported platform %q", cfg.Platform)
	}
}
