// Package app contains the top-level orchestration for the server and client
// roles.
package app

import (
	"context"
	"fmt"

	"github.com/pterm/pterm"

	"github.com/1ureka/parley/internal/config"
	"github.com/1ureka/parley/internal/directory"
	"github.com/1ureka/parley/internal/router"
	"github.com/1ureka/parley/internal/store"
	"github.com/1ureka/parley/internal/util"
)

// RunServer orchestrates the full server lifecycle:
//  1. Open the user directory (SQLite when a database path is set)
//  2. Build the router on top of it
//  3. Print the endpoints and start the stats reporter
//  4. Serve until ctx is cancelled
func RunServer(ctx context.Context, cfg config.Config) error {
	if err := cfg.Validate(config.RoleServer); err != nil {
		return err
	}

	// ── 1. Directory ───────────────────────────────────────────────────
	var (
		reg   router.Registry = directory.NewMemory()
		first                 = router.Option(func(*router.Router) {})
	)
	if cfg.Database.Path != "" {
		st, err := store.Open(cfg.Database.Path)
		if err != nil {
			return err
		}
		defer st.Close()

		top, err := st.MaxIdentity(ctx)
		if err != nil {
			return err
		}
		reg = st
		first = router.WithFirstIdentity(top + 1)
	}

	// ── 2. Router ──────────────────────────────────────────────────────
	r := router.New(
		router.WithRegistry(reg),
		router.WithQueueSize(cfg.Server.QueueSize),
		router.WithTransportOptions(config.TransportOptions(cfg.Server.ICEServers)),
		first,
	)

	// ── 3. Banner & stats ──────────────────────────────────────────────
	printServerBanner(cfg)
	if cfg.Server.StatsInterval > 0 {
		util.StartStatsReporter(ctx, cfg.Server.StatsInterval, func() []string {
			return roster(r.Peers())
		})
	}

	// ── 4. Serve ───────────────────────────────────────────────────────
	if err := r.ListenAndServe(ctx, cfg.Server.Listen, cfg.Server.HTTP); err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	util.LogInfo("router stopped")
	return nil
}

// roster labels live sessions as name#id for the status line.
func roster(peers []router.PeerInfo) []string {
	names := make([]string, len(peers))
	for i, p := range peers {
		names[i] = p.Name + p.ID.String()
	}
	return names
}

func printServerBanner(cfg config.Config) {
	orOff := func(s string) string {
		if s == "" {
			return "off"
		}
		return s
	}
	db := cfg.Database.Path
	if db == "" {
		db = "in memory"
	}

	pterm.DefaultTable.WithData(pterm.TableData{
		{"TCP", orOff(cfg.Server.Listen)},
		{"WebSocket / RTC", orOff(cfg.Server.HTTP)},
		{"Database", db},
	}).Render()
	pterm.Println()
}
