package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/zulandar/gemscout/internal/config"
	"github.com/zulandar/gemscout/internal/db"
)

type checkResult struct {
	name   string
	status string // "PASS", "WARN", "FAIL"
	detail string
}

func newDoctorCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check the local setup",
		Long:  "Validates config, platform credentials, database connectivity, and AI configuration.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDoctor(cmd.OutOrStdout(), configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "gemscout.yaml", "path to config file")
	return cmd
}

func runDoctor(out io.Writer, configPath string) error {
	var results []checkResult

	cfg, err := config.Load(configPath)
	if err != nil {
		results = append(results, checkResult{"config", "FAIL", err.Error()})
		printResults(out, results)
		return fmt.Errorf("doctor: config check failed")
	}
	results = append(results, checkResult{"config", "PASS",
		fmt.Sprintf("platform=%s", cfg.Platform)})

	results = append(results, checkCredentials(cfg))
	results = append(results, checkDatabase(cfg))
	results = append(results, checkAI(cfg))

	printResults(out, results)

	for _, r := range results {
		if r.status == "FAIL" {
			return fmt.Errorf("doctor: %s check failed", r.name)
		}
	}
	return nil
}

func checkCredentials(cfg *config.Config) checkResult {
	switch cfg.Platform {
	case "telegram":
		if cfg.Telegram.Token == "" {
			return checkResult{"credentials", "FAIL", "telegram.token is empty (set TELEGRAM_BOT_TOKEN)"}
		}
	case "discord":
		if cfg.Discord.BotToken == "" {
			return checkResult{"credentials", "FAIL", "discord.bot_token is empty (set DISCORD_BOT_TOKEN)"}
		}
	case "slack":
		if cfg.Slack.AppToken == "" || cfg.Slack.BotToken == "" {
			return checkResult{"credentials", "FAIL", "slack tokens missing (set SLACK_APP_TOKEN and SLACK_BOT_TOKEN)"}
		}
	}
	return checkResult{"credentials", "PASS", "platform credentials present"}
}

func checkDatabase(cfg *config.Config) checkResult {
	if !cfg.Persistent() {
		return checkResult{"database", "WARN", "driver=memory; memory and watchlists reset on restart"}
	}
	gormDB, err := db.Connect(cfg.Database)
	if err != nil {
		return checkResult{"database", "FAIL", err.Error()}
	}
	if err := db.Migrate(gormDB); err != nil {
		return checkResult{"database", "FAIL", err.Error()}
	}
	return checkResult{"database", "PASS", fmt.Sprintf("driver=%s", cfg.Database.Driver)}
}

func checkAI(cfg *config.Config) checkResult {
	if cfg.AI.Endpoint == "" || cfg.AI.Key == "" {
		return checkResult{"ai", "WARN", "endpoint or key missing; chat analysis will be unavailable"}
	}
	return checkResult{"ai", "PASS", fmt.Sprintf("endpoint=%s", cfg.AI.Endpoint)}
}

func printResults(out io.Writer, results []checkResult) {
	for _, r := range results {
		fmt.Fprintf(out, "[%s] %-12s %s\n", r.status, r.name, r.detail)
	}
}
