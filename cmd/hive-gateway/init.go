// ABOUTME: Interactive config generator for the init subcommand
// ABOUTME: Prompts for server, matrix, tailscale and logging settings and writes YAML

package main

import (
	"bufio"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

func runInit(configPath string) error {
	return initConfig(os.Stdin, os.Stdout, configPath)
}

func initConfig(in io.Reader, out io.Writer, defaultPath string) error {
	reader := bufio.NewReader(in)
	ask := func(question, defaultVal string) string {
		return prompt(reader, out, question, defaultVal)
	}
	yes := func(question string) bool {
		v := strings.ToLower(ask(question, "no"))
		return v == "yes" || v == "y"
	}

	fmt.Fprintln(out, "hive-gateway configuration setup")
	fmt.Fprintln(out, "================================")
	fmt.Fprintln(out)

	outputFile := ask("Config file path", defaultPath)
	if _, err := os.Stat(outputFile); err == nil {
		if !yes("File exists. Overwrite?") {
			fmt.Fprintln(out, "Aborted.")
			return nil
		}
	}

	fmt.Fprintln(out, "\n--- Server Configuration ---")
	httpAddr := ask("HTTP address", "127.0.0.1:8080")
	grpcAddr := ask("gRPC health address (empty to disable)", "")
	publicURL := ask("Public URL (used for SSO callbacks)", "http://"+httpAddr)

	fmt.Fprintln(out, "\n--- Storage ---")
	dataPath := getDataPath()
	sessionsDir := ask("Sessions directory", filepath.Join(dataPath, "sessions"))
	dbPath := ask("SQLite database path", filepath.Join(dataPath, "gateway.db"))

	fmt.Fprintln(out, "\n--- Matrix ---")
	homeserver := ask("Homeserver URL", "https://matrix.org")
	encryption := yes("Enable end-to-end encryption?")

	fmt.Fprintln(out, "\n--- Tailscale Configuration ---")
	tailscaleEnabled := yes("Enable Tailscale?")
	var tsHostname, tsAuthKey string
	var tsEphemeral, tsFunnel bool
	if tailscaleEnabled {
		tsHostname = ask("Tailscale hostname", "hive-gateway")
		tsAuthKey = ask("Tailscale auth key (leave empty for interactive)", "")
		tsEphemeral = yes("Ephemeral node?")
		tsFunnel = yes("Enable Funnel (public HTTPS)?")
	}

	fmt.Fprintln(out, "\n--- Logging Configuration ---")
	logLevel := ask("Log level (debug/info/warn/error)", "info")
	logFormat := ask("Log format (text/json)", "text")

	apiKey, err := randomSecret()
	if err != nil {
		return err
	}
	jwtSecret, err := randomSecret()
	if err != nil {
		return err
	}

	var cfg strings.Builder
	cfg.WriteString("# hive-gateway configuration\n")
	cfg.WriteString("# Generated by hive-gateway init\n\n")

	cfg.WriteString("server:\n")
	cfg.WriteString(fmt.Sprintf("  http_addr: %q\n", httpAddr))
	if grpcAddr != "" {
		cfg.WriteString(fmt.Sprintf("  grpc_addr: %q\n", grpcAddr))
	}
	cfg.WriteString(fmt.Sprintf("  public_url: %q\n", publicURL))
	cfg.WriteString("\n")

	cfg.WriteString("database:\n")
	cfg.WriteString(fmt.Sprintf("  path: %q\n", dbPath))
	cfg.WriteString("\n")

	cfg.WriteString("sessions:\n")
	cfg.WriteString(fmt.Sprintf("  dir: %q\n", sessionsDir))
	cfg.WriteString("  max_retries: 10\n")
	cfg.WriteString("  base_delay: \"5s\"\n")
	cfg.WriteString("  max_delay: \"5m\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("auth:\n")
	cfg.WriteString(fmt.Sprintf("  api_key: %q\n", apiKey))
	cfg.WriteString(fmt.Sprintf("  jwt_secret: %q\n", jwtSecret))
	cfg.WriteString("\n")

	cfg.WriteString("matrix:\n")
	cfg.WriteString(fmt.Sprintf("  homeserver: %q\n", homeserver))
	cfg.WriteString(fmt.Sprintf("  encryption: %t\n", encryption))
	if encryption {
		pickle, err := randomSecret()
		if err != nil {
			return err
		}
		cfg.WriteString(fmt.Sprintf("  pickle_secret: %q\n", pickle))
	}
	cfg.WriteString("\n")

	cfg.WriteString("tailscale:\n")
	cfg.WriteString(fmt.Sprintf("  enabled: %t\n", tailscaleEnabled))
	if tailscaleEnabled {
		cfg.WriteString(fmt.Sprintf("  hostname: %q\n", tsHostname))
		if tsAuthKey != "" {
			cfg.WriteString(fmt.Sprintf("  auth_key: %q\n", tsAuthKey))
		}
		cfg.WriteString(fmt.Sprintf("  ephemeral: %t\n", tsEphemeral))
		cfg.WriteString(fmt.Sprintf("  funnel: %t\n", tsFunnel))
	}
	cfg.WriteString("\n")

	cfg.WriteString("delivery:\n")
	cfg.WriteString("  concurrency: 10\n")
	cfg.WriteString("  max_retries: 3\n")
	cfg.WriteString("  timeout: \"10s\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: %q\n", logLevel))
	cfg.WriteString(fmt.Sprintf("  format: %q\n", logFormat))
	cfg.WriteString("\n")

	cfg.WriteString("metrics:\n")
	cfg.WriteString("  enabled: true\n")
	cfg.WriteString("  path: \"/metrics\"\n")

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	// The file holds secrets.
	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	if err := os.MkdirAll(sessionsDir, 0700); err != nil {
		return fmt.Errorf("creating sessions directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	fmt.Fprintf(out, "\nConfig written to %s\n", outputFile)
	fmt.Fprintf(out, "Sessions directory: %s\n", sessionsDir)
	fmt.Fprintf(out, "API key: %s\n", apiKey)
	fmt.Fprintln(out, "\nTo start the server:")
	fmt.Fprintf(out, "  hive-gateway --config %s serve\n", outputFile)

	return nil
}

func randomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating secret: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func prompt(reader *bufio.Reader, out io.Writer, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Fprintf(out, "%s [%s]: ", question, defaultVal)
	} else {
		fmt.Fprintf(out, "%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil && input == "" {
		fmt.Fprintln(out)
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
