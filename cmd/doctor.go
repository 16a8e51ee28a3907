package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/bridgebot/internal/config"
	"github.com/nextlevelbuilder/bridgebot/internal/store/pg"
	"github.com/nextlevelbuilder/bridgebot/internal/store/sqlite"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("bridgebot doctor")
	fmt.Printf("  Version:  %s\n", Version)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND — run: bridgebot onboard)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}
	if err := cfg.Validate(); err != nil {
		fmt.Printf("  Validate: FAILED (%s)\n", err)
	} else {
		fmt.Println("  Validate: OK")
	}

	fmt.Println()
	fmt.Println("  Secrets:")
	checkSecret("BRIDGEBOT_TOKEN", cfg.Gateway.Token)
	checkSecret("BRIDGEBOT_API_KEY", cfg.Provider.APIKey)

	fmt.Println()
	fmt.Println("  Bridge:")
	if cfg.Gateway.CommandURL == "" {
		fmt.Println("    Command API: not configured")
	} else {
		client := &http.Client{Timeout: 3 * time.Second}
		resp, err := client.Get(cfg.Gateway.CommandURL)
		if err != nil {
			fmt.Printf("    Command API: UNREACHABLE (%s)\n", err)
		} else {
			resp.Body.Close()
			fmt.Printf("    Command API: reachable (HTTP %d)\n", resp.StatusCode)
		}
	}

	fmt.Println()
	fmt.Println("  Database:")
	if cfg.Database.PostgresDSN != "" {
		repo, err := pg.Open(cfg.Database.PostgresDSN)
		if err != nil {
			fmt.Printf("    Postgres: CONNECT FAILED (%s)\n", err)
		} else {
			repo.Close()
			fmt.Println("    Postgres: OK")
		}
	} else {
		path := cfg.Database.SQLitePath
		if path == "" {
			path = "bridgebot.db"
		}
		repo, err := sqlite.Open(path)
		if err != nil {
			fmt.Printf("    SQLite:   OPEN FAILED (%s)\n", err)
		} else {
			if _, lpErr := repo.LoadPolicy(context.Background()); lpErr == nil {
				fmt.Printf("    SQLite:   %s (policy seeded)\n", path)
			} else {
				fmt.Printf("    SQLite:   %s\n", path)
			}
			repo.Close()
		}
	}
}

func checkSecret(name, value string) {
	if value == "" {
		fmt.Printf("    %-20s MISSING\n", name+":")
	} else {
		fmt.Printf("    %-20s set\n", name+":")
	}
}
