package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/chatalloc/internal/config"
	"github.com/nextlevelbuilder/chatalloc/internal/directory"
	"github.com/nextlevelbuilder/chatalloc/internal/store/pg"
	"github.com/nextlevelbuilder/chatalloc/internal/store/sqlite"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check configuration, storage, and directory connectivity",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDoctor()
		},
	}
}

func runDoctor() error {
	fmt.Println("chatalloc doctor")
	fmt.Println()

	failed := 0
	check := func(name string, fn func() error) {
		if err := fn(); err != nil {
			failed++
			fmt.Printf("  ✗ %s: %v\n", name, err)
		} else {
			fmt.Printf("  ✓ %s\n", name)
		}
	}

	cfgPath := resolveConfigPath()
	var cfg *config.Config
	check("config ("+cfgPath+")", func() error {
		var err error
		cfg, err = config.Load(cfgPath)
		return err
	})
	if cfg == nil {
		return fmt.Errorf("cannot continue without config")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if cfg.IsManagedMode() {
		check("postgres", func() error {
			if cfg.Database.PostgresDSN == "" {
				return fmt.Errorf("CHATALLOC_POSTGRES_DSN is not set")
			}
			db, err := pg.OpenDB(cfg.Database.PostgresDSN)
			if err != nil {
				return err
			}
			defer db.Close()
			return db.PingContext(ctx)
		})
	} else {
		check("sqlite", func() error {
			db, err := sqlite.OpenDB(cfg.Database.SQLitePath)
			if err != nil {
				return err
			}
			defer db.Close()
			return db.PingContext(ctx)
		})
	}

	check("agent directory", func() error {
		if cfg.Directory.AppID == "" || cfg.Directory.SecretKey == "" {
			return fmt.Errorf("directory credentials are not set")
		}
		dir := directory.New(
			cfg.Directory.BaseURL,
			cfg.Directory.AppID,
			cfg.Directory.SecretKey,
			cfg.Directory.DivisionID,
			time.Duration(cfg.Directory.TimeoutSec)*time.Second,
		)
		agents, err := dir.ListAgents(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("    %d agents in division\n", len(agents))
		return nil
	})

	fmt.Println()
	if failed > 0 {
		return fmt.Errorf("%d check(s) failed", failed)
	}
	fmt.Println("All checks passed.")
	return nil
}
