// ABOUTME: Client-side subcommands that talk to a running gateway or mint credentials
// ABOUTME: Implements health, instances and token issue/hash

package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/2389/hive-gateway/internal/auth"
	"github.com/2389/hive-gateway/internal/config"
	"github.com/2389/hive-gateway/internal/instance"
)

const cliTokenTTL = 5 * time.Minute

// baseURL is where client commands reach the gateway. HIVE_URL overrides
// the configured public URL.
func baseURL(cfg *config.Config) string {
	if u := os.Getenv("HIVE_URL"); u != "" {
		return strings.TrimRight(u, "/")
	}
	return cfg.Server.PublicURL
}

// authorizeRequest attaches credentials for an admin call. HIVE_API_KEY
// wins, then the configured plaintext key, then a short-lived token minted
// from the JWT secret.
func authorizeRequest(req *http.Request, cfg *config.Config) error {
	if cfg.Auth.Disabled {
		return nil
	}
	if key := os.Getenv("HIVE_API_KEY"); key != "" {
		req.Header.Set(auth.APIKeyHeader, key)
		return nil
	}
	if cfg.Auth.APIKey != "" {
		req.Header.Set(auth.APIKeyHeader, cfg.Auth.APIKey)
		return nil
	}
	if cfg.Auth.JWTSecret != "" {
		v, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
		if err != nil {
			return err
		}
		token, err := v.Generate("hive-cli", []string{auth.AllTenants}, cliTokenTTL)
		if err != nil {
			return fmt.Errorf("generating token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
		return nil
	}
	return errors.New("no usable credentials: set HIVE_API_KEY")
}

func runHealth(ctx context.Context, configPath string, out io.Writer) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL(cfg)+"/health/ready", nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	fmt.Fprintln(out, "healthy")
	return nil
}

type instancesResponse struct {
	Success   bool                 `json:"success"`
	Error     string               `json:"error"`
	Instances []*instance.Snapshot `json:"instances"`
}

func runInstances(ctx context.Context, configPath string, out io.Writer) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL(cfg)+"/api/instances", nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if err := authorizeRequest(req, cfg); err != nil {
		return err
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("listing instances: %w", err)
	}
	defer resp.Body.Close()

	var body instancesResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("listing instances: status %d: %s", resp.StatusCode, body.Error)
	}

	if len(body.Instances) == 0 {
		fmt.Fprintln(out, "no instances")
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "CLIENT ID\tSTATUS\tUSER\tRETRIES\tLAST REASON")
	for _, s := range body.Instances {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n",
			s.ClientID, colorStatus(s.Status), dash(s.User), s.Retries, dash(s.LastReason))
	}
	return tw.Flush()
}

func colorStatus(s instance.Status) string {
	switch {
	case s == instance.StatusConnected:
		return color.GreenString(string(s))
	case s.Terminal():
		return color.RedString(string(s))
	case s == instance.StatusWaitingScan:
		return color.CyanString(string(s))
	default:
		return color.YellowString(string(s))
	}
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func runToken(configPath string, args []string, out io.Writer) error {
	if len(args) == 0 {
		return errors.New("usage: hive-gateway token <issue|hash> [flags]")
	}

	switch args[0] {
	case "hash":
		if len(args) != 2 || args[1] == "" {
			return errors.New("usage: hive-gateway token hash <api-key>")
		}
		hash, err := auth.HashAPIKey(args[1])
		if err != nil {
			return err
		}
		fmt.Fprintln(out, hash)
		return nil
	case "issue":
		return runTokenIssue(configPath, args[1:], out)
	default:
		return fmt.Errorf("unknown token command: %s", args[0])
	}
}

func runTokenIssue(configPath string, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("token issue", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	subject := fs.String("subject", "", "token subject, e.g. a service name")
	tenants := fs.String("tenants", "", "comma-separated client ids, or * for all")
	ttl := fs.Duration("ttl", 30*24*time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *subject == "" {
		return errors.New("--subject is required")
	}
	var scope []string
	for _, t := range strings.Split(*tenants, ",") {
		if t = strings.TrimSpace(t); t != "" {
			scope = append(scope, t)
		}
	}
	if len(scope) == 0 {
		return errors.New("--tenants is required (use '*' for all instances)")
	}
	if *ttl <= 0 {
		return errors.New("--ttl must be positive")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is not configured")
	}

	v, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return err
	}
	token, err := v.Generate(*subject, scope, *ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	fmt.Fprintln(out, token)
	return nil
}
