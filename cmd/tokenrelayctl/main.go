package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"
)

var version = "dev"

// loadEnvFile reads ~/.tokenrelay/env and sets any key=value pairs not
// already present in the process environment.
func loadEnvFile() {
	home, err := os.UserHomeDir()
	if err != nil {
		return
	}
	data, err := os.ReadFile(home + "/.tokenrelay/env")
	if err != nil {
		return
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		if os.Getenv(strings.TrimSpace(k)) == "" {
			_ = os.Setenv(strings.TrimSpace(k), strings.TrimSpace(v))
		}
	}
}

func main() {
	loadEnvFile()
	c := &ctl{
		base:   baseURL(),
		token:  os.Getenv("TOKENRELAY_ADMIN_TOKEN"),
		client: &http.Client{Timeout: 30 * time.Second},
		out:    os.Stdout,
	}
	if len(os.Args) < 2 {
		usageTo(os.Stderr)
		os.Exit(1)
	}
	if err := c.run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		if errors.Is(err, errUsage) {
			fmt.Fprintln(os.Stderr)
			usageTo(os.Stderr)
		}
		os.Exit(1)
	}
}

func baseURL() string {
	if u := os.Getenv("TOKENRELAY_URL"); u != "" {
		return strings.TrimRight(u, "/")
	}
	return "http://localhost:8090"
}

var errUsage = errors.New("usage")

func usageErr(format string, args ...any) error {
	return fmt.Errorf("%w: tokenrelayctl "+format, append([]any{errUsage}, args...)...)
}

func usageTo(w io.Writer) {
	_, _ = fmt.Fprint(w, `tokenrelayctl, CLI for the tokenrelay admin API

Usage: tokenrelayctl <command> [arguments]

Environment:
  TOKENRELAY_URL          Base URL (default: http://localhost:8090)
  TOKENRELAY_ADMIN_TOKEN  Bearer token for admin endpoints
  ~/.tokenrelay/env       Auto-sourced; explicit environment wins.

Commands:
  status                          Server health and vault state
  providers                       Provider availability and credential source
  credential set <provider> <key> Store a provider API key
  credential delete <provider>    Remove a stored API key
  health                          Provider health stats
  health reset <provider>         Clear a provider's cooldown
  test <provider> [--model M] [--prompt P]  One small call with the stored credential

  tools                           List capabilities
  tool get <name>                 Show a capability configuration
  tool set <name> <json>          Patch a capability configuration
  tool reset <name>               Drop the saved override
  chain <name>                    Show the resolved and effective chain
  pin <name> <provider> <model>   Pin a capability to one model
  unpin <name>                    Clear the pin
  agent get|set <role> [json]     Global pipeline role configuration
  binding get|set <tool> <role> [json]  Per-capability role binding
  routing get|set [json]          Global routing policy
  run <name> <prompt> [--system S]  Run a capability's chain

  settings [--prefix P]           List persisted settings (credentials masked)
  settings refresh                Drop the settings cache
  secrets invalidate              Refetch the Secrets Manager bundle
  vault unlock <passphrase>       Unlock the credential vault
  vault lock                      Lock the credential vault
  attempts [--limit N]            Recent provider attempts
  audit [--limit N]               Recent admin changes
  events [--types a,b] [--count N]  Stream events
  rotate-admin-token              Replace the admin token

  version                         Show version
  help                            Show this help
`)
}

type ctl struct {
	base   string
	token  string
	client *http.Client
	out    io.Writer
}

func (c *ctl) run(args []string) error {
	cmd, rest := args[0], args[1:]
	switch cmd {
	case "version", "--version", "-v":
		_, err := fmt.Fprintf(c.out, "tokenrelayctl %s\n", version)
		return err
	case "help", "--help", "-h":
		usageTo(c.out)
		return nil
	case "status":
		return c.doStatus()
	case "providers", "provider":
		return c.doProviders()
	case "credential":
		return c.doCredential(rest)
	case "health":
		return c.doHealth(rest)
	case "test":
		return c.doProviderTest(rest)
	case "tools":
		return c.doTools()
	case "tool":
		return c.doTool(rest)
	case "chain":
		if len(rest) < 1 {
			return usageErr("chain <name>")
		}
		return c.printJSON(http.MethodGet, "/admin/v1/tools/"+url.PathEscape(rest[0])+"/chain", nil)
	case "pin":
		if len(rest) < 3 {
			return usageErr("pin <name> <provider> <model>")
		}
		body := map[string]string{"provider": rest[1], "model": rest[2]}
		return c.printJSON(http.MethodPut, "/admin/v1/tools/"+url.PathEscape(rest[0])+"/pin", body)
	case "unpin":
		if len(rest) < 1 {
			return usageErr("unpin <name>")
		}
		if _, err := c.call(http.MethodDelete, "/admin/v1/tools/"+url.PathEscape(rest[0])+"/pin", nil); err != nil {
			return err
		}
		_, err := fmt.Fprintf(c.out, "Pin cleared for %s.\n", rest[0])
		return err
	case "agent":
		return c.doAgent(rest)
	case "binding":
		return c.doBinding(rest)
	case "routing":
		return c.doRouting(rest)
	case "run":
		return c.doRun(rest)
	case "settings":
		return c.doSettings(rest)
	case "secrets":
		if len(rest) < 1 || rest[0] != "invalidate" {
			return usageErr("secrets invalidate")
		}
		return c.printJSON(http.MethodPost, "/admin/v1/secrets/invalidate", nil)
	case "vault":
		return c.doVault(rest)
	case "attempts":
		return c.doAttempts(rest)
	case "audit":
		return c.doAudit(rest)
	case "events":
		return c.doEvents(rest)
	case "rotate-admin-token":
		res, err := c.call(http.MethodPost, "/admin/v1/token/rotate", nil)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(c.out, "Admin token rotated.\nNew token: %v\n", res["admin_token"])
		return err
	}
	return usageErr("unknown command %q", cmd)
}

// --- HTTP helpers ---

func (c *ctl) request(method, path string, body any) (*http.Response, error) {
	var rdr io.Reader
	if body != nil {
		switch b := body.(type) {
		case string:
			rdr = strings.NewReader(b)
		default:
			data, err := json.Marshal(b)
			if err != nil {
				return nil, err
			}
			rdr = strings.NewReader(string(data))
		}
	}
	req, err := http.NewRequest(method, c.base+path, rdr)
	if err != nil {
		return nil, err
	}
	if rdr != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return c.client.Do(req)
}

// call sends a request and decodes a JSON object response. A string body
// is sent verbatim so users can pass raw JSON arguments.
func (c *ctl) call(method, path string, body any) (map[string]any, error) {
	resp, err := c.request(method, path, body)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	out := map[string]any{}
	if len(data) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return out, nil
}

func (c *ctl) printJSON(method, path string, body any) error {
	res, err := c.call(method, path, body)
	if err != nil {
		return err
	}
	b, _ := json.MarshalIndent(res, "", "  ")
	_, err = fmt.Fprintln(c.out, string(b))
	return err
}

func (c *ctl) table(header string) *tabwriter.Writer {
	tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, header)
	return tw
}

func parseFlag(args []string, name, def string) string {
	for i, a := range args {
		if a == name && i+1 < len(args) {
			return args[i+1]
		}
	}
	return def
}

func parseLimit(args []string) int {
	n, err := strconv.Atoi(parseFlag(args, "--limit", "50"))
	if err != nil || n <= 0 {
		return 50
	}
	return n
}

// --- Commands ---

func (c *ctl) doStatus() error {
	// /healthz answers 503 when no provider is usable; that is still a status.
	resp, err := c.request(http.MethodGet, "/healthz", nil)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	var h map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return fmt.Errorf("decode /healthz: %w", err)
	}
	vaultState := "disabled"
	if locked, ok := h["vault_locked"].(bool); ok {
		vaultState = "unlocked"
		if locked {
			vaultState = "locked"
		}
	}
	_, err = fmt.Fprintf(c.out, "Server:     %s\nStatus:     %v\nProviders:  %s available\nVault:      %s\n",
		c.base, h["status"], fmtNum(h["providers_available"]), vaultState)
	return err
}

func (c *ctl) doProviders() error {
	res, err := c.call(http.MethodGet, "/admin/v1/providers", nil)
	if err != nil {
		return err
	}
	tw := c.table("PROVIDER\tLABEL\tAVAILABLE\tSOURCE\tMODEL\tREGION\tHEALTH")
	for _, p := range items(res, "providers") {
		health := "-"
		if h, ok := p["health"].(map[string]any); ok {
			health = str(h["state"])
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%v\t%s\t%s\t%s\t%s\n",
			str(p["name"]), str(p["label"]), p["available"], str(p["credential_source"]),
			str(p["model"]), str(p["region"]), health)
	}
	return tw.Flush()
}

func (c *ctl) doCredential(args []string) error {
	if len(args) < 2 {
		return usageErr("credential <set|delete> <provider> [key]")
	}
	path := "/admin/v1/providers/" + url.PathEscape(args[1]) + "/credential"
	switch args[0] {
	case "set":
		if len(args) < 3 {
			return usageErr("credential set <provider> <key>")
		}
		if _, err := c.call(http.MethodPut, path, map[string]string{"api_key": args[2]}); err != nil {
			return err
		}
		_, err := fmt.Fprintf(c.out, "Credential stored for %s.\n", args[1])
		return err
	case "delete":
		if _, err := c.call(http.MethodDelete, path, nil); err != nil {
			return err
		}
		_, err := fmt.Fprintf(c.out, "Credential removed for %s.\n", args[1])
		return err
	}
	return usageErr("credential <set|delete> <provider> [key]")
}

func (c *ctl) doHealth(args []string) error {
	if len(args) >= 2 && args[0] == "reset" {
		if _, err := c.call(http.MethodPost, "/admin/v1/health/"+url.PathEscape(args[1])+"/reset", nil); err != nil {
			return err
		}
		_, err := fmt.Fprintf(c.out, "Health reset for %s.\n", args[1])
		return err
	}
	res, err := c.call(http.MethodGet, "/admin/v1/health", nil)
	if err != nil {
		return err
	}
	stats := items(res, "providers")
	if len(stats) == 0 {
		_, err := fmt.Fprintln(c.out, "No provider health data available.")
		return err
	}
	tw := c.table("PROVIDER\tSTATE\tCONSEC_ERR\tAVG LATENCY\tLAST SUCCESS\tLAST ERROR")
	for _, m := range stats {
		lastErr := str(m["last_error"])
		if len(lastErr) > 60 {
			lastErr = lastErr[:57] + "..."
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			str(m["provider"]), str(m["state"]), fmtNum(m["consec_errors"]),
			fmtDuration(m["avg_latency_ms"]), fmtTime(m["last_success_at"]), lastErr)
	}
	return tw.Flush()
}

func (c *ctl) doProviderTest(args []string) error {
	if len(args) < 1 {
		return usageErr("test <provider> [--model M] [--prompt P]")
	}
	body := map[string]string{
		"model":  parseFlag(args, "--model", ""),
		"prompt": parseFlag(args, "--prompt", ""),
	}
	res, err := c.call(http.MethodPost, "/admin/v1/providers/"+url.PathEscape(args[0])+"/test", body)
	if err != nil {
		return err
	}
	return c.printResult(res)
}

func (c *ctl) doRun(args []string) error {
	if len(args) < 2 {
		return usageErr("run <name> <prompt> [--system S]")
	}
	body := map[string]string{
		"prompt":        args[1],
		"system_prompt": parseFlag(args, "--system", ""),
	}
	res, err := c.call(http.MethodPost, "/admin/v1/tools/"+url.PathEscape(args[0])+"/run", body)
	if err != nil {
		return err
	}
	return c.printResult(res)
}

// printResult writes the serving model and timing, the attempt trace, then
// the response text.
func (c *ctl) printResult(res map[string]any) error {
	r, _ := res["result"].(map[string]any)
	_, _ = fmt.Fprintf(c.out, "Served by %s/%s in %s (invocation %s)\n",
		str(r["provider_used"]), str(r["model_used"]), fmtDuration(r["elapsed_ms"]), str(r["invocation_id"]))
	for _, a := range items(r, "trace") {
		line := fmt.Sprintf("  %s/%s  %s", str(a["provider"]), str(a["model"]), str(a["outcome"]))
		if e := str(a["error"]); e != "" {
			line += "  " + e
		}
		_, _ = fmt.Fprintln(c.out, line)
	}
	_, err := fmt.Fprintf(c.out, "\n%s\n", str(r["response"]))
	return err
}

func (c *ctl) doTools() error {
	res, err := c.call(http.MethodGet, "/admin/v1/tools", nil)
	if err != nil {
		return err
	}
	tw := c.table("NAME\tCONFIGURED\tENABLED\tPINNED\tCHAIN")
	for _, t := range items(res, "tools") {
		_, _ = fmt.Fprintf(tw, "%s\t%v\t%v\t%s\t%s\n",
			str(t["name"]), t["configured"], t["enabled"], str(t["pinned"]), fmtChain(t["chain"]))
	}
	return tw.Flush()
}

func (c *ctl) doTool(args []string) error {
	if len(args) < 2 {
		return usageErr("tool <get|set|reset> <name> [json]")
	}
	path := "/admin/v1/tools/" + url.PathEscape(args[1])
	switch args[0] {
	case "get":
		return c.printJSON(http.MethodGet, path, nil)
	case "set":
		if len(args) < 3 {
			return usageErr("tool set <name> <json>")
		}
		return c.printJSON(http.MethodPut, path, args[2])
	case "reset":
		return c.printJSON(http.MethodDelete, path, nil)
	}
	return usageErr("tool <get|set|reset> <name> [json]")
}

func (c *ctl) doAgent(args []string) error {
	if len(args) < 2 {
		return usageErr("agent <get|set> <role> [json]")
	}
	path := "/admin/v1/agents/" + url.PathEscape(args[1])
	if args[0] == "set" {
		if len(args) < 3 {
			return usageErr("agent set <role> <json>")
		}
		return c.printJSON(http.MethodPut, path, args[2])
	}
	return c.printJSON(http.MethodGet, path, nil)
}

func (c *ctl) doBinding(args []string) error {
	if len(args) < 3 {
		return usageErr("binding <get|set> <tool> <role> [json]")
	}
	path := "/admin/v1/tools/" + url.PathEscape(args[1]) + "/agents/" + url.PathEscape(args[2])
	if args[0] == "set" {
		if len(args) < 4 {
			return usageErr("binding set <tool> <role> <json>")
		}
		return c.printJSON(http.MethodPut, path, args[3])
	}
	return c.printJSON(http.MethodGet, path, nil)
}

func (c *ctl) doRouting(args []string) error {
	if len(args) >= 1 && args[0] == "set" {
		if len(args) < 2 {
			return usageErr("routing set <json>")
		}
		return c.printJSON(http.MethodPut, "/admin/v1/routing", args[1])
	}
	return c.printJSON(http.MethodGet, "/admin/v1/routing", nil)
}

func (c *ctl) doSettings(args []string) error {
	if len(args) >= 1 && args[0] == "refresh" {
		if _, err := c.call(http.MethodPost, "/admin/v1/settings/refresh", nil); err != nil {
			return err
		}
		_, err := fmt.Fprintln(c.out, "Settings cache refreshed.")
		return err
	}
	path := "/admin/v1/settings"
	if p := parseFlag(args, "--prefix", ""); p != "" {
		path += "?prefix=" + url.QueryEscape(p)
	}
	res, err := c.call(http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	tw := c.table("KEY\tVALUE")
	for _, s := range items(res, "settings") {
		v := str(s["value"])
		if len(v) > 70 {
			v = v[:67] + "..."
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\n", str(s["key"]), v)
	}
	return tw.Flush()
}

func (c *ctl) doVault(args []string) error {
	if len(args) < 1 {
		return usageErr("vault <unlock|lock> [passphrase]")
	}
	switch args[0] {
	case "unlock":
		if len(args) < 2 {
			return usageErr("vault unlock <passphrase>")
		}
		if _, err := c.call(http.MethodPost, "/admin/v1/vault/unlock", map[string]string{"passphrase": args[1]}); err != nil {
			return err
		}
		_, err := fmt.Fprintln(c.out, "Vault unlocked.")
		return err
	case "lock":
		res, err := c.call(http.MethodPost, "/admin/v1/vault/lock", nil)
		if err != nil {
			return err
		}
		msg := "Vault locked."
		if res["already_locked"] == true {
			msg = "Vault was already locked."
		}
		_, err = fmt.Fprintln(c.out, msg)
		return err
	}
	return usageErr("vault <unlock|lock> [passphrase]")
}

func (c *ctl) doAttempts(args []string) error {
	res, err := c.call(http.MethodGet, fmt.Sprintf("/admin/v1/attempts?limit=%d", parseLimit(args)), nil)
	if err != nil {
		return err
	}
	recs := items(res, "attempts")
	if len(recs) == 0 {
		_, err := fmt.Fprintln(c.out, "No attempts recorded.")
		return err
	}
	tw := c.table("TIME\tCAPABILITY\tPROVIDER\tMODEL\tOUTCOME\tLATENCY\tERROR")
	for _, m := range recs {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			fmtTime(m["timestamp"]), str(m["capability"]), str(m["provider"]), str(m["model"]),
			str(m["outcome"]), fmtDuration(m["latency_ms"]), str(m["error"]))
	}
	return tw.Flush()
}

func (c *ctl) doAudit(args []string) error {
	res, err := c.call(http.MethodGet, fmt.Sprintf("/admin/v1/audit?limit=%d", parseLimit(args)), nil)
	if err != nil {
		return err
	}
	entries := items(res, "audit")
	if len(entries) == 0 {
		_, err := fmt.Fprintln(c.out, "No audit logs.")
		return err
	}
	tw := c.table("TIME\tACTION\tRESOURCE\tDETAIL\tREQUEST ID")
	for _, m := range entries {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			fmtTime(m["timestamp"]), str(m["action"]), str(m["resource"]), str(m["detail"]), str(m["request_id"]))
	}
	return tw.Flush()
}

// doEvents prints one line per streamed event until the stream ends or
// --count events have been printed.
func (c *ctl) doEvents(args []string) error {
	path := "/admin/v1/events"
	if t := parseFlag(args, "--types", ""); t != "" {
		path += "?types=" + url.QueryEscape(t)
	}
	limit, _ := strconv.Atoi(parseFlag(args, "--count", "0"))

	// The stream outlives the client timeout.
	stream := *c.client
	stream.Timeout = 0
	sc := &ctl{base: c.base, token: c.token, client: &stream, out: c.out}
	resp, err := sc.request(http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	seen := 0
	lines := bufio.NewScanner(resp.Body)
	for lines.Scan() {
		payload, ok := strings.CutPrefix(lines.Text(), "data:")
		if !ok {
			continue
		}
		var evt map[string]any
		if json.Unmarshal([]byte(strings.TrimSpace(payload)), &evt) != nil || evt["type"] == nil {
			continue
		}
		_, _ = fmt.Fprintln(c.out, fmtEvent(evt))
		seen++
		if limit > 0 && seen >= limit {
			return nil
		}
	}
	return lines.Err()
}

func fmtEvent(evt map[string]any) string {
	ts := fmtTime(evt["timestamp"])
	typ := str(evt["type"])
	fields := []string{}
	for _, k := range []string{"capability", "provider_id", "model_id", "old_state", "new_state", "resource", "reason", "error_msg"} {
		if v := str(evt[k]); v != "" {
			fields = append(fields, k+"="+v)
		}
	}
	if v, ok := evt["latency_ms"]; ok {
		fields = append(fields, "latency="+fmtDuration(v))
	}
	return fmt.Sprintf("[%s] %s  %s", ts, typ, strings.Join(fields, " "))
}

// --- formatting ---

func items(res map[string]any, key string) []map[string]any {
	raw, _ := res[key].([]any)
	out := make([]map[string]any, 0, len(raw))
	for _, r := range raw {
		if m, ok := r.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

func str(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

func fmtChain(v any) string {
	entries, _ := v.([]any)
	parts := make([]string, 0, len(entries))
	for _, e := range entries {
		pair, _ := e.([]any)
		if len(pair) == 2 {
			parts = append(parts, str(pair[0])+"/"+str(pair[1]))
		}
	}
	return strings.Join(parts, " > ")
}

func fmtNum(v any) string {
	if v == nil {
		return "-"
	}
	switch n := v.(type) {
	case float64:
		if n == float64(int(n)) {
			return strconv.Itoa(int(n))
		}
		return strconv.FormatFloat(n, 'f', 2, 64)
	case int:
		return strconv.Itoa(n)
	default:
		return fmt.Sprintf("%v", v)
	}
}

func fmtDuration(v any) string {
	f, ok := v.(float64)
	if !ok {
		return "-"
	}
	if f < 1000 {
		return fmt.Sprintf("%.0fms", f)
	}
	return fmt.Sprintf("%.1fs", f/1000)
}

func fmtTime(v any) string {
	s, ok := v.(string)
	if !ok || s == "" {
		return "-"
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return s
	}
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}
