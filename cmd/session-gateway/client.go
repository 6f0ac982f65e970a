// ABOUTME: Subcommands that query a running gateway over its HTTP API
// ABOUTME: health reports readiness; sessions and audit print tables

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/2389/session-gateway/internal/config"
)

// sessionRow is the subset of a /sessions entry the table shows.
type sessionRow struct {
	ClientID    string    `json:"clientId"`
	AccountID   string    `json:"accountId"`
	State       string    `json:"state"`
	Epoch       uint64    `json:"epoch"`
	AuthEnabled bool      `json:"authEnabled"`
	SingleShot  bool      `json:"singleShot"`
	CreatedAt   time.Time `json:"createdAt"`
}

// gatewayURL resolves the base URL of the gateway. An explicit --addr wins
// over the config file.
func gatewayURL(configFlag, addrFlag string) (string, error) {
	addr := addrFlag
	if addr == "" {
		cfg, err := config.Load(getConfigPath(configFlag))
		if err != nil {
			return "", fmt.Errorf("loading config: %w", err)
		}
		addr = cfg.Server.HTTPAddr
	}
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimSuffix(addr, "/"), nil
	}
	// A wildcard listen address is reachable on loopback.
	if strings.HasPrefix(addr, "0.0.0.0:") {
		addr = "127.0.0.1:" + strings.TrimPrefix(addr, "0.0.0.0:")
	}
	return "http://" + addr, nil
}

func getBody(ctx context.Context, target string) (int, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("reading response: %w", err)
	}
	return resp.StatusCode, body, nil
}

func runHealth(ctx context.Context, args []string, out io.Writer) error {
	fs, configFlag := newFlagSet("health")
	addrFlag := fs.StringP("addr", "a", "", "Gateway HTTP address (overrides the config file)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	base, err := gatewayURL(*configFlag, *addrFlag)
	if err != nil {
		return err
	}

	status, body, err := getBody(ctx, base+"/health/ready")
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if status != http.StatusOK {
		return fmt.Errorf("not ready: status %d: %s", status, strings.TrimSpace(string(body)))
	}

	fmt.Fprintln(out, strings.TrimSpace(string(body)))
	return nil
}

func runSessions(ctx context.Context, args []string, out io.Writer) error {
	fs, configFlag := newFlagSet("sessions")
	addrFlag := fs.StringP("addr", "a", "", "Gateway HTTP address (overrides the config file)")
	asJSON := fs.Bool("json", false, "Print the raw JSON snapshot")
	if err := fs.Parse(args); err != nil {
		return err
	}

	base, err := gatewayURL(*configFlag, *addrFlag)
	if err != nil {
		return err
	}

	status, body, err := getBody(ctx, base+"/sessions")
	if err != nil {
		return fmt.Errorf("listing sessions: %w", err)
	}
	if status != http.StatusOK {
		return fmt.Errorf("listing sessions: status %d", status)
	}

	if *asJSON {
		_, err := out.Write(body)
		return err
	}

	var rows []sessionRow
	if err := json.Unmarshal(body, &rows); err != nil {
		return fmt.Errorf("decoding sessions: %w", err)
	}

	printSessions(out, rows)
	return nil
}

func printSessions(out io.Writer, rows []sessionRow) {
	cyan := color.New(color.FgCyan)

	fmt.Fprintln(out)
	cyan.Fprintf(out, "  Sessions (%d)\n", len(rows))
	fmt.Fprintln(out)

	if len(rows) == 0 {
		fmt.Fprintln(out, "  No sessions.")
		fmt.Fprintln(out)
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  CLIENT\tACCOUNT\tSTATE\tEPOCH\tFLAGS\tCREATED")
	fmt.Fprintln(w, "  ------\t-------\t-----\t-----\t-----\t-------")

	for _, r := range rows {
		account := r.AccountID
		if account == "" {
			account = "-"
		}
		fmt.Fprintf(w, "  %s\t%s\t%s\t%d\t%s\t%s\n",
			truncate(r.ClientID, 24),
			truncate(account, 24),
			r.State,
			r.Epoch,
			sessionFlags(r),
			r.CreatedAt.Local().Format("Jan 02 15:04"),
		)
	}
	w.Flush()
	fmt.Fprintln(out)
}

func sessionFlags(r sessionRow) string {
	var flags []string
	if r.AuthEnabled {
		flags = append(flags, "auth")
	}
	if r.SingleShot {
		flags = append(flags, "single-shot")
	}
	if len(flags) == 0 {
		return "-"
	}
	return strings.Join(flags, ",")
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

// auditRow is one /audit entry.
type auditRow struct {
	ClientID  string         `json:"clientId"`
	AccountID string         `json:"accountId"`
	Action    string         `json:"action"`
	Timestamp time.Time      `json:"timestamp"`
	Detail    map[string]any `json:"detail"`
}

func runAudit(ctx context.Context, args []string, out io.Writer) error {
	fs, configFlag := newFlagSet("audit")
	addrFlag := fs.StringP("addr", "a", "", "Gateway HTTP address (overrides the config file)")
	client := fs.String("client", "", "Only entries for this client identifier")
	account := fs.String("account", "", "Only entries for this account")
	action := fs.String("action", "", "Only entries with this action")
	since := fs.Duration("since", 0, "Only entries newer than this, e.g. 1h")
	limit := fs.IntP("limit", "n", 50, "Maximum number of entries")
	if err := fs.Parse(args); err != nil {
		return err
	}

	base, err := gatewayURL(*configFlag, *addrFlag)
	if err != nil {
		return err
	}

	q := url.Values{}
	if *client != "" {
		q.Set("clientId", *client)
	}
	if *account != "" {
		q.Set("accountId", *account)
	}
	if *action != "" {
		q.Set("action", *action)
	}
	if *since > 0 {
		q.Set("since", time.Now().Add(-*since).UTC().Format(time.RFC3339))
	}
	q.Set("limit", strconv.Itoa(*limit))

	status, body, err := getBody(ctx, base+"/audit?"+q.Encode())
	if err != nil {
		return fmt.Errorf("listing audit log: %w", err)
	}
	if status != http.StatusOK {
		return fmt.Errorf("listing audit log: status %d: %s", status, strings.TrimSpace(string(body)))
	}

	var rows []auditRow
	if err := json.Unmarshal(body, &rows); err != nil {
		return fmt.Errorf("decoding audit log: %w", err)
	}

	printAudit(out, rows)
	return nil
}

func printAudit(out io.Writer, rows []auditRow) {
	cyan := color.New(color.FgCyan)

	fmt.Fprintln(out)
	cyan.Fprintf(out, "  Audit log (%d)\n", len(rows))
	fmt.Fprintln(out)

	if len(rows) == 0 {
		fmt.Fprintln(out, "  No entries.")
		fmt.Fprintln(out)
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  TIME\tCLIENT\tACCOUNT\tACTION\tDETAIL")
	fmt.Fprintln(w, "  ----\t------\t-------\t------\t------")

	for _, r := range rows {
		account := r.AccountID
		if account == "" {
			account = "-"
		}
		fmt.Fprintf(w, "  %s\t%s\t%s\t%s\t%s\n",
			r.Timestamp.Local().Format("Jan 02 15:04:05"),
			truncate(r.ClientID, 24),
			truncate(account, 24),
			r.Action,
			formatDetail(r.Detail),
		)
	}
	w.Flush()
	fmt.Fprintln(out)
}

func formatDetail(d map[string]any) string {
	if len(d) == 0 {
		return "-"
	}
	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, d[k]))
	}
	return strings.Join(parts, " ")
}
