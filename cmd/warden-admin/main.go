// ABOUTME: Operator CLI for a running fold-warden gateway
// ABOUTME: Issues and inspects scoped tokens, manages sessions, reads the journal

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// version is set by ldflags at build time.
var version = "dev"

// client talks to the gateway control API over HTTP. Credentials resolve
// from flags first, then WARDEN_* env vars.
type client struct {
	host         string
	gatewayToken string
	scopedToken  string
	sessionToken string
	http         *http.Client
}

func newClient(flagHost, flagToken, flagSession string) *client {
	c := &client{
		host:         firstNonEmpty(flagHost, os.Getenv("WARDEN_HOST"), "127.0.0.1:8080"),
		gatewayToken: firstNonEmpty(flagToken, os.Getenv("WARDEN_GATEWAY_TOKEN")),
		scopedToken:  os.Getenv("WARDEN_SCOPED_TOKEN"),
		sessionToken: firstNonEmpty(flagSession, os.Getenv("WARDEN_SESSION_TOKEN")),
		http:         &http.Client{Timeout: 30 * time.Second},
	}
	return c
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// do sends a request and decodes the JSON response into out (when non-nil).
// Non-2xx responses become errors carrying the server's error message.
func (c *client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	url := fmt.Sprintf("http://%s%s", c.host, path)
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.scopedToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.scopedToken)
	} else if c.gatewayToken != "" {
		req.Header.Set("X-Gateway-Token", c.gatewayToken)
	}
	if c.sessionToken != "" {
		req.Header.Set("X-Session-Token", c.sessionToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s (HTTP %d)", apiErr.Error, resp.StatusCode)
		}
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// Response shapes mirror the gateway control API.

type loginResponse struct {
	Token     string `json:"token"`
	Subject   string `json:"subject"`
	Role      string `json:"role"`
	ExpiresAt string `json:"expires_at"`
}

type sessionStatsResponse struct {
	Total    int `json:"total"`
	Elevated int `json:"elevated"`
}

type issueTokenResponse struct {
	Token string `json:"token"`
	JTI   string `json:"jti"`
}

type inspectTokenResponse struct {
	Valid   bool           `json:"valid"`
	Reason  string         `json:"reason,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
}

type journalEntryResponse struct {
	ID         string `json:"id"`
	Actor      string `json:"actor"`
	Action     string `json:"action"`
	TargetType string `json:"target_type"`
	TargetID   string `json:"target_id"`
	Timestamp  string `json:"timestamp"`
}

type auditVerifyResponse struct {
	OK       bool   `json:"ok"`
	Count    int    `json:"count"`
	LastHash string `json:"last_hash,omitempty"`
	Line     int    `json:"line,omitempty"`
	Error    string `json:"error,omitempty"`
}

func main() {
	var (
		flagHost    string
		flagToken   string
		flagSession string
	)

	rootCmd := &cobra.Command{
		Use:   "warden-admin",
		Short: "operator CLI for a fold-warden gateway",
		Long: `Administers a running fold-warden gateway over its control API.

Credentials resolve from flags, then environment:
  WARDEN_HOST           gateway HTTP address (default 127.0.0.1:8080)
  WARDEN_GATEWAY_TOKEN  shared gateway token
  WARDEN_SCOPED_TOKEN   scoped bearer token (takes precedence)
  WARDEN_SESSION_TOKEN  session token for elevation-gated operations`,
	}
	rootCmd.PersistentFlags().StringVar(&flagHost, "host", "", "gateway HTTP address (env: WARDEN_HOST)")
	rootCmd.PersistentFlags().StringVar(&flagToken, "token", "", "gateway token (env: WARDEN_GATEWAY_TOKEN)")
	rootCmd.PersistentFlags().StringVar(&flagSession, "session", "", "session token (env: WARDEN_SESSION_TOKEN)")

	loginCmd := &cobra.Command{
		Use:   "login",
		Short: "create an auth session and print its token",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient(flagHost, flagToken, flagSession)
			var resp loginResponse
			if err := c.do(cmd.Context(), http.MethodPost, "/api/login", nil, &resp); err != nil {
				return err
			}
			green := color.New(color.FgGreen)
			green.Print("✓ ")
			fmt.Printf("session created for %s (%s), expires %s\n", resp.Subject, resp.Role, resp.ExpiresAt)
			fmt.Println(resp.Token)
			return nil
		},
	}

	elevateCmd := &cobra.Command{
		Use:   "elevate",
		Short: "elevate the current session for sensitive operations",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient(flagHost, flagToken, flagSession)
			if c.sessionToken == "" {
				return fmt.Errorf("session token required (--session or WARDEN_SESSION_TOKEN)")
			}
			if err := c.do(cmd.Context(), http.MethodPost, "/api/session/elevate", nil, nil); err != nil {
				return err
			}
			color.New(color.FgGreen).Print("✓ ")
			fmt.Println("session elevated")
			return nil
		},
	}

	dropCmd := &cobra.Command{
		Use:   "drop",
		Short: "drop elevation, keeping the session",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient(flagHost, flagToken, flagSession)
			if c.sessionToken == "" {
				return fmt.Errorf("session token required (--session or WARDEN_SESSION_TOKEN)")
			}
			if err := c.do(cmd.Context(), http.MethodPost, "/api/session/drop", nil, nil); err != nil {
				return err
			}
			fmt.Println("elevation dropped")
			return nil
		},
	}

	sessionsCmd := &cobra.Command{
		Use:   "sessions",
		Short: "show active session counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient(flagHost, flagToken, flagSession)
			var resp sessionStatsResponse
			if err := c.do(cmd.Context(), http.MethodGet, "/api/sessions/stats", nil, &resp); err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintf(w, "ACTIVE\tELEVATED\n")
			fmt.Fprintf(w, "%d\t%d\n", resp.Total, resp.Elevated)
			return w.Flush()
		},
	}

	var (
		issueSubject string
		issueRole    string
		issueScopes  []string
		issueMethods []string
		issueTTL     int64
	)
	tokenCmd := &cobra.Command{
		Use:   "token",
		Short: "manage scoped tokens",
	}
	issueCmd := &cobra.Command{
		Use:   "issue",
		Short: "mint a scoped token (requires an elevated session)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if issueSubject == "" {
				return fmt.Errorf("--subject is required")
			}
			c := newClient(flagHost, flagToken, flagSession)
			body := map[string]any{
				"subject": issueSubject,
				"role":    issueRole,
				"scopes":  issueScopes,
			}
			if len(issueMethods) > 0 {
				body["methods"] = issueMethods
			}
			if issueTTL > 0 {
				body["ttl_seconds"] = issueTTL
			}
			var resp issueTokenResponse
			if err := c.do(cmd.Context(), http.MethodPost, "/api/tokens", body, &resp); err != nil {
				return err
			}
			green := color.New(color.FgGreen)
			green.Print("✓ ")
			fmt.Printf("token issued, jti %s\n", resp.JTI)
			fmt.Println(resp.Token)
			return nil
		},
	}
	issueCmd.Flags().StringVar(&issueSubject, "subject", "", "token subject (required)")
	issueCmd.Flags().StringVar(&issueRole, "role", "operator", "token role")
	issueCmd.Flags().StringSliceVar(&issueScopes, "scope", nil, "scope to grant (repeatable)")
	issueCmd.Flags().StringSliceVar(&issueMethods, "method", nil, "method pattern to allow (repeatable)")
	issueCmd.Flags().Int64Var(&issueTTL, "ttl", 0, "lifetime in seconds (0 uses the server default)")

	inspectCmd := &cobra.Command{
		Use:   "inspect <token>",
		Short: "verify a token and show its claims",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient(flagHost, flagToken, flagSession)
			var resp inspectTokenResponse
			body := map[string]string{"token": args[0]}
			if err := c.do(cmd.Context(), http.MethodPost, "/api/tokens/inspect", body, &resp); err != nil {
				return err
			}
			if !resp.Valid {
				color.New(color.FgRed, color.Bold).Print("✗ ")
				fmt.Printf("invalid: %s\n", resp.Reason)
				return nil
			}
			color.New(color.FgGreen).Print("✓ ")
			fmt.Println("valid")
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			for _, key := range []string{"sub", "role", "jti", "scopes", "methods", "exp", "iat"} {
				if v, ok := resp.Payload[key]; ok {
					fmt.Fprintf(w, "%s\t%v\n", key, v)
				}
			}
			return w.Flush()
		},
	}

	revokeCmd := &cobra.Command{
		Use:   "revoke <jti>",
		Short: "revoke a token by jti (requires an elevated session)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient(flagHost, flagToken, flagSession)
			body := map[string]string{"jti": args[0]}
			if err := c.do(cmd.Context(), http.MethodPost, "/api/tokens/revoke", body, nil); err != nil {
				return err
			}
			fmt.Printf("revoked %s\n", args[0])
			return nil
		},
	}
	tokenCmd.AddCommand(issueCmd, inspectCmd, revokeCmd)

	var (
		journalLimit  int
		journalActor  string
		journalAction string
	)
	journalCmd := &cobra.Command{
		Use:   "journal",
		Short: "list admin journal entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient(flagHost, flagToken, flagSession)
			path := fmt.Sprintf("/api/journal?limit=%d", journalLimit)
			if journalActor != "" {
				path += "&actor=" + journalActor
			}
			if journalAction != "" {
				path += "&action=" + journalAction
			}
			var entries []journalEntryResponse
			if err := c.do(cmd.Context(), http.MethodGet, path, nil, &entries); err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Println("no journal entries")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintf(w, "TIME\tACTOR\tACTION\tTARGET\n")
			for _, e := range entries {
				target := e.TargetType
				if e.TargetID != "" {
					target += "/" + e.TargetID
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.Timestamp, e.Actor, e.Action, target)
			}
			return w.Flush()
		},
	}
	journalCmd.Flags().IntVar(&journalLimit, "limit", 50, "maximum entries to return")
	journalCmd.Flags().StringVar(&journalActor, "actor", "", "filter by actor")
	journalCmd.Flags().StringVar(&journalAction, "action", "", "filter by action")

	auditCmd := &cobra.Command{
		Use:   "audit",
		Short: "audit log operations",
	}
	verifyCmd := &cobra.Command{
		Use:   "verify",
		Short: "ask the server to verify its tamper log chain",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient(flagHost, flagToken, flagSession)
			var resp auditVerifyResponse
			if err := c.do(cmd.Context(), http.MethodGet, "/api/audit/verify", nil, &resp); err != nil {
				return err
			}
			if resp.OK {
				color.New(color.FgGreen).Print("✓ ")
				fmt.Printf("chain intact: %d records", resp.Count)
				if len(resp.LastHash) >= 12 {
					fmt.Printf(", tip %s", resp.LastHash[:12])
				}
				fmt.Println()
				return nil
			}
			color.New(color.FgRed, color.Bold).Print("✗ ")
			fmt.Printf("chain broken at line %d after %d good records\n", resp.Line, resp.Count)
			if resp.Error != "" {
				return fmt.Errorf("%s", resp.Error)
			}
			return fmt.Errorf("audit chain verification failed")
		},
	}
	auditCmd.AddCommand(verifyCmd)

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "print warden-admin version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("warden-admin %s\n", version)
		},
	}

	rootCmd.AddCommand(loginCmd, elevateCmd, dropCmd, sessionsCmd, tokenCmd, journalCmd, auditCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
