package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/bridgebot/internal/config"
)

func onboardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "onboard",
		Short: "Interactive setup wizard",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnboard()
		},
	}
}

func runOnboard() error {
	cfg := config.Default()
	cfg.Gateway.WebsocketURL = "ws://127.0.0.1:5500/event"
	cfg.Gateway.CommandURL = "http://127.0.0.1:5500/api"

	var (
		admins   string
		keywords string
		logChats bool
	)

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Bridge websocket URL").
				Description("Event stream of the messaging bridge").
				Value(&cfg.Gateway.WebsocketURL),
			huh.NewInput().
				Title("Bridge command URL").
				Description("HTTP command API of the same bridge").
				Value(&cfg.Gateway.CommandURL),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Model").
				Placeholder("gpt-4o-mini").
				Value(&cfg.Provider.Model),
			huh.NewInput().
				Title("Provider base URL").
				Placeholder("https://api.openai.com/v1").
				Value(&cfg.Provider.BaseURL),
			huh.NewText().
				Title("System prompt").
				Description("Persona prepended to every completion").
				Value(&cfg.Provider.SystemPrompt),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Admin sender IDs").
				Description("Comma separated, always allowed everywhere").
				Value(&admins),
			huh.NewSelect[string]().
				Title("Default tier in groups").
				Options(huh.NewOptions("blocked", "default", "trusted")...).
				Value(&cfg.Permission.DefaultTier),
			huh.NewInput().
				Title("Trigger keywords").
				Description("Comma separated words that call the agent in groups").
				Value(&keywords),
			huh.NewConfirm().
				Title("Log chat previews?").
				Value(&logChats),
		),
	)
	if err := form.Run(); err != nil {
		return fmt.Errorf("onboard: %w", err)
	}

	cfg.Permission.Admins = splitCSV(admins)
	if kws := splitCSV(keywords); len(kws) > 0 {
		cfg.Dispatch.Trigger.Keywords = make(map[string]int, len(kws))
		for _, kw := range kws {
			cfg.Dispatch.Trigger.Keywords[kw] = cfg.Dispatch.Trigger.Threshold
		}
	}
	cfg.Logging.LogChats = logChats

	cfgPath := resolveConfigPath()
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("onboard: encode config: %w", err)
	}
	if err := os.WriteFile(cfgPath, append(raw, '\n'), 0600); err != nil {
		return fmt.Errorf("onboard: write %s: %w", cfgPath, err)
	}

	fmt.Printf("Wrote %s\n\n", cfgPath)
	fmt.Println("Secrets never live in the config file. Before starting, export:")
	fmt.Printf("  export BRIDGEBOT_TOKEN=%s   # must match the bridge's token\n", uuid.NewString())
	fmt.Println("  export BRIDGEBOT_API_KEY=...      # completion provider key")
	fmt.Println("  export BRIDGEBOT_POSTGRES_DSN=... # optional, sqlite is used otherwise")
	fmt.Println()
	fmt.Println("Then run:  bridgebot serve")
	return nil
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
