// Parley: CLI entry point.
//
// A single binary runs either the router ("parley serve") or a terminal chat
// client ("parley chat"). Without a subcommand it asks interactively which
// role to take.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/1ureka/parley/internal/app"
	"github.com/1ureka/parley/internal/config"
	"github.com/1ureka/parley/internal/util"
)

var version = "dev"

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
}

// ---------------------------------------------------------------------------
// Commands
// ---------------------------------------------------------------------------

type rootFlags struct {
	config string
	debug  bool
}

func newRootCmd() *cobra.Command {
	var rf rootFlags

	root := &cobra.Command{
		Use:           "parley",
		Short:         "Identity-addressed chat over TCP, WebSocket or WebRTC",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			pterm.Info.Println(fmt.Sprintf("Parley v%s", version))
			pterm.Println()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInteractive(cmd.Context(), &rf)
		},
	}
	root.PersistentFlags().StringVar(&rf.config, "config", "", "config file (default ./parley.toml or ~/.config/parley/parley.toml)")
	root.PersistentFlags().BoolVar(&rf.debug, "debug", false, "enable debug logging")

	root.AddCommand(newServeCmd(&rf), newChatCmd(&rf))
	return root
}

func newServeCmd(rf *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the router",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(rf, cmd, map[string]string{
				"server.listen": "listen",
				"server.http":   "http",
				"database.path": "db",
			})
			if err != nil {
				return err
			}
			return app.RunServer(cmd.Context(), cfg)
		},
	}
	f := cmd.Flags()
	f.String("listen", "", "TCP listen address, empty string disables (default :1666)")
	f.String("http", "", "WebSocket/WebRTC listen address, empty string disables (default :1667)")
	f.String("db", "", "sqlite database for users and history")
	return cmd
}

func newChatCmd(rf *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Join a router as a chat client",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(rf, cmd, map[string]string{
				"client.name":      "name",
				"client.host":      "host",
				"client.port":      "port",
				"client.transport": "transport",
				"database.path":    "db",
			})
			if err != nil {
				return err
			}
			return runChat(cmd.Context(), cfg)
		},
	}
	f := cmd.Flags()
	f.StringP("name", "n", "", "display name")
	f.String("host", "", "router host (default localhost)")
	f.IntP("port", "p", 0, "router port (default 1666)")
	f.StringP("transport", "t", "", "tcp, ws or rtc (default tcp)")
	f.String("db", "", "sqlite database for names and history")
	return cmd
}

// ---------------------------------------------------------------------------
// Run modes
// ---------------------------------------------------------------------------

// runInteractive prompts for the role and the settings a first run needs.
func runInteractive(ctx context.Context, rf *rootFlags) error {
	role, _ := pterm.DefaultInteractiveSelect.
		WithOptions([]string{"Server — Route messages between clients", "Client — Chat through a server"}).
		WithDefaultText("Select your role").
		Show()

	pterm.Println()

	cfg, err := loadConfig(rf, nil, nil)
	if err != nil {
		return err
	}

	if strings.HasPrefix(role, "Server") {
		return app.RunServer(ctx, cfg)
	}

	if cfg.Client.Name == "" {
		cfg.Client.Name = askName()
	}
	cfg.Client.Port = askPort(fmt.Sprintf("Router port (default %d)", cfg.Client.Port), cfg.Client.Port)
	return runChat(ctx, cfg)
}

func runChat(ctx context.Context, cfg config.Config) error {
	util.SetLogOutput(os.Stderr)
	err := app.RunClient(ctx, cfg, os.Stdin, os.Stdout)
	if errors.Is(err, app.ErrConnectionLost) {
		util.LogWarning("%v", err)
		return nil
	}
	if err == nil {
		util.LogInfo("left the chat")
	}
	return err
}

// ---------------------------------------------------------------------------
// Helper Functions
// ---------------------------------------------------------------------------

// loadConfig reads the config file and environment, then applies the
// flags the user set explicitly. keys maps config keys to flag names.
func loadConfig(rf *rootFlags, cmd *cobra.Command, keys map[string]string) (config.Config, error) {
	cfg, err := config.Load(rf.config, func(v *viper.Viper) error {
		for key, name := range keys {
			fl := cmd.Flags().Lookup(name)
			if fl == nil || !fl.Changed {
				continue
			}
			if err := v.BindPFlag(key, fl); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return config.Config{}, err
	}

	if rf.debug || cfg.Debug {
		util.EnableDebug()
	}
	return cfg, nil
}

// askName prompts for a display name until a non-blank one is entered.
func askName() string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText("Display name").
			Show()

		if name := strings.TrimSpace(raw); name != "" {
			pterm.Println()
			return name
		}

		util.LogWarning("name must not be blank")
		pterm.Println()
	}
}

// askPort prompts for a port number until a valid one is entered. An empty
// answer keeps def.
func askPort(prompt string, def int) int {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText(prompt).
			Show()

		raw = strings.TrimSpace(raw)
		if raw == "" {
			pterm.Println()
			return def
		}
		port, err := strconv.Atoi(raw)
		if err == nil && config.ValidatePort(port) == nil {
			pterm.Println()
			return port
		}

		util.LogWarning("invalid port number: must be 1 ~ 65535")
		pterm.Println()
	}
}
