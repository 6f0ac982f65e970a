// ABOUTME: Entry point for session-gateway, the multi-session chat gateway server
// ABOUTME: Dispatches the serve, init and client subcommands

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fatih/color"
	flag "github.com/spf13/pflag"

	"github.com/2389/session-gateway/internal/config"
	"github.com/2389/session-gateway/internal/gateway"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                     _                                 _
 ___  ___  ___ ___(_) ___  _ __         __ _  __ _| |_ _____      ____ _ _   _
/ __|/ _ \/ __/ __| |/ _ \| '_ \ _____ / _' |/ _' | __/ _ \ \ /\ / / _' | | | |
\__ \  __/\__ \__ \ | (_) | | | |_____| (_| | (_| | ||  __/\ V  V / (_| | |_| |
|___/\___||___/___/_|\___/|_| |_|      \__, |\__,_|\__\___| \_/\_/ \__,_|\__, |
                                       |___/                             |___/
`

// getConfigPath returns the path to the gateway config file.
// Priority: --config flag > SESSION_GATEWAY_CONFIG env var >
// XDG_CONFIG_HOME/session-gateway/gateway.yaml > ~/.config/session-gateway/gateway.yaml
func getConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if envPath := os.Getenv("SESSION_GATEWAY_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "session-gateway", "gateway.yaml")
}

// getDataPath returns the path to the session-gateway data directory.
// Priority: XDG_DATA_HOME/session-gateway > ~/.local/share/session-gateway
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "session-gateway")
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage: session-gateway <command> [flags]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve      Start the gateway server")
	fmt.Fprintln(w, "  init       Create a new config file interactively")
	fmt.Fprintln(w, "  health     Check gateway readiness")
	fmt.Fprintln(w, "  sessions   List the sessions of a running gateway")
	fmt.Fprintln(w, "  audit      Show the session lifecycle audit log")
	fmt.Fprintln(w, "  version    Print the version")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Run 'session-gateway <command> --help' for command flags.")
}

func main() {
	if len(os.Args) < 2 {
		printUsage(os.Stderr)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	err := run(ctx, os.Args[1], os.Args[2:])
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, command string, args []string) error {
	switch command {
	case "serve":
		return runServe(ctx, args)
	case "init":
		return runInit(args, os.Stdin, os.Stdout)
	case "health":
		return runHealth(ctx, args, os.Stdout)
	case "sessions":
		return runSessions(ctx, args, os.Stdout)
	case "audit":
		return runAudit(ctx, args, os.Stdout)
	case "version", "--version":
		fmt.Printf("session-gateway %s\n", version)
		return nil
	case "help", "-h", "--help":
		printUsage(os.Stdout)
		return nil
	default:
		printUsage(os.Stderr)
		return fmt.Errorf("unknown command: %s", command)
	}
}

// newFlagSet returns a FlagSet for a subcommand with the shared --config flag.
func newFlagSet(name string) (*flag.FlagSet, *string) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	configFlag := fs.StringP("config", "c", "", "Path to the config file")
	return fs, configFlag
}

func runServe(ctx context.Context, args []string) error {
	fs, configFlag := newFlagSet("serve")
	if err := fs.Parse(args); err != nil {
		return err
	}
	configPath := getConfigPath(*configFlag)

	// Print banner
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	// Version info
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	// Startup info
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	if cfg.Server.GRPCAddr != "" {
		fmt.Printf("gRPC:      %s\n", cfg.Server.GRPCAddr)
	} else {
		fmt.Print("gRPC:      ")
		gray.Println("disabled")
	}
	green.Print("    ▶ ")
	fmt.Printf("Presence:  %s\n", cfg.Presence.Backend)
	green.Print("    ▶ ")
	fmt.Printf("Engine:    ")
	if cfg.Engine.Kind == config.EngineFake {
		yellow.Println(cfg.Engine.Kind)
	} else {
		fmt.Printf("%s (%s)\n", cfg.Engine.Kind, cfg.Engine.Matrix.Homeserver)
	}

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.HTTPS {
			yellow.Print(" [https]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}

	fmt.Println()

	logger.Info("starting session-gateway",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"grpc_addr", cfg.Server.GRPCAddr,
		"presence", cfg.Presence.Backend,
		"engine", cfg.Engine.Kind,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}
