// ABOUTME: Entry point for hive-gateway, the multi-tenant messaging gateway
// ABOUTME: Dispatches serve, init, health, token and instances subcommands

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/fatih/color"

	"github.com/2389/hive-gateway/internal/config"
	"github.com/2389/hive-gateway/internal/gateway"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
  _     _                                _
 | |__ (_)_   _____        __ _  __ _| |_ _____      ____ _ _   _
 | '_ \| \ \ / / _ \_____ / _' |/ _' | __/ _ \ \ /\ / / _' | | | |
 | | | | |\ V /  __/_____| (_| | (_| | ||  __/\ V  V / (_| | |_| |
 |_| |_|_| \_/ \___|      \__, |\__,_|\__\___| \_/\_/ \__,_|\__, |
                          |___/                             |___/
`

// getConfigPath returns the path to the gateway config file.
// Priority: --config flag > HIVE_CONFIG env var > ./config.yaml > XDG_CONFIG_HOME/hive/gateway.yaml
func getConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if envPath := os.Getenv("HIVE_CONFIG"); envPath != "" {
		return envPath
	}
	if _, err := os.Stat("config.yaml"); err == nil {
		return "config.yaml"
	}
	return defaultConfigPath()
}

func defaultConfigPath() string {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}
	return filepath.Join(configDir, "hive", "gateway.yaml")
}

// getDataPath returns the hive data directory.
// Priority: XDG_DATA_HOME/hive > ~/.local/share/hive
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}
	return filepath.Join(dataDir, "hive")
}

func usage() {
	fmt.Println("Usage: hive-gateway [--config PATH] <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                         Start the gateway server (default)")
	fmt.Println("  init                          Create a new config file interactively")
	fmt.Println("  health                        Check gateway health")
	fmt.Println("  instances                     List tenant instances and their status")
	fmt.Println("  token issue --subject S ...   Issue a tenant-scoped API token")
	fmt.Println("  token hash KEY                Print a bcrypt hash for auth.api_key_hash")
	fmt.Println("  version                       Print the version")
}

// splitGlobalArgs pulls --config out of args and returns it with the
// remaining command and its arguments. An empty command means serve.
func splitGlobalArgs(args []string) (configFlag, command string, rest []string, err error) {
	var positional []string
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--config" || arg == "-config" || arg == "-c":
			if i+1 >= len(args) {
				return "", "", nil, fmt.Errorf("%s requires a value", arg)
			}
			configFlag = args[i+1]
			i++
		case strings.HasPrefix(arg, "--config="):
			configFlag = strings.TrimPrefix(arg, "--config=")
		default:
			positional = append(positional, arg)
		}
	}
	if len(positional) == 0 {
		return configFlag, "serve", nil, nil
	}
	return configFlag, positional[0], positional[1:], nil
}

func main() {
	configFlag, command, args, err := splitGlobalArgs(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	configPath := getConfigPath(configFlag)

	switch command {
	case "serve":
		err = runServe(ctx, configPath)
	case "init":
		err = runInit(configPath)
	case "health":
		err = runHealth(ctx, configPath, os.Stdout)
	case "instances":
		err = runInstances(ctx, configPath, os.Stdout)
	case "token":
		err = runToken(configPath, args, os.Stdout)
	case "version":
		fmt.Println(version)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", command)
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context, configPath string) error {
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:     %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:       %s\n", cfg.Server.HTTPAddr)
	if cfg.Server.GRPCAddr != "" {
		green.Print("    ▶ ")
		fmt.Printf("gRPC:       %s\n", cfg.Server.GRPCAddr)
	}
	green.Print("    ▶ ")
	fmt.Printf("Homeserver: %s\n", cfg.Matrix.Homeserver)
	green.Print("    ▶ ")
	fmt.Printf("Sessions:   %s\n", cfg.Sessions.Dir)

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale:  ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Funnel {
			yellow.Print(" [funnel]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}
	if cfg.Auth.Disabled {
		yellow.Println("    ! authentication disabled")
	}

	fmt.Println()

	logger.Info("starting hive-gateway",
		"version", version,
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"grpc_addr", cfg.Server.GRPCAddr,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}
