// usermgr administers the gateway's bearer-token policy store: creating,
// resetting, disabling, enabling, and listing tokens without having to
// hand-edit the JSON file gatewayd reads at startup.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/localforge/gateway/internal/config"
	"github.com/localforge/gateway/internal/tokenstore"
)

func usage() {
	fmt.Fprintln(os.Stderr, `usermgr manages gateway bearer-token policies.

Usage:
  usermgr create [--tools-allowlist a,b,c] [--max-request-bytes N] [--ip-allowlist cidr,cidr] <name>
  usermgr reset <token>
  usermgr disable <token>
  usermgr enable <token>
  usermgr list

Reads/writes the file at GATEWAY_TOKEN_POLICIES_PATH (or its configured default).`)
}

func loadStore() *tokenstore.Store {
	cfg := config.Load()
	store, err := tokenstore.Load(cfg.TokenPoliciesJSON, cfg.TokenPoliciesPath, cfg.TokenPoliciesStrict)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error: loading token store:", err)
		os.Exit(1)
	}
	return store
}

func splitCSV(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func cmdCreate(args []string) {
	fs := flag.NewFlagSet("create", flag.ExitOnError)
	toolsAllowlist := fs.String("tools-allowlist", "", "comma-separated tool names this token may invoke")
	maxRequestBytes := fs.Int64("max-request-bytes", 0, "per-token request body size override")
	ipAllowlist := fs.String("ip-allowlist", "", "comma-separated CIDR/IP allowlist override")
	rateLimitRPS := fs.Float64("tool-rate-limit-rps", 0, "per-token tool rate limit")
	rateLimitBurst := fs.Int("tool-rate-limit-burst", 0, "per-token tool rate limit burst")
	fs.Parse(args)

	if fs.NArg() != 1 {
		usage()
		os.Exit(2)
	}
	name := fs.Arg(0)

	store := loadStore()
	policy, err := store.Create(name, tokenstore.Policy{
		MaxRequestBytes:    *maxRequestBytes,
		ToolsAllowlist:     splitCSV(*toolsAllowlist),
		ToolRateLimitRPS:   *rateLimitRPS,
		ToolRateLimitBurst: *rateLimitBurst,
		IPAllowlist:        splitCSV(*ipAllowlist),
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "error: creating token:", err)
		os.Exit(1)
	}
	printJSON(policy)
}

func cmdReset(args []string) {
	if len(args) != 1 {
		usage()
		os.Exit(2)
	}
	store := loadStore()
	newToken, err := store.Reset(args[0])
	if err != nil {
		fmt.Fprintln(os.Stderr, "error: resetting token:", err)
		os.Exit(1)
	}
	printJSON(map[string]string{"token": newToken})
}

func cmdDisable(args []string) {
	if len(args) != 1 {
		usage()
		os.Exit(2)
	}
	store := loadStore()
	if err := store.Disable(args[0]); err != nil {
		fmt.Fprintln(os.Stderr, "error: disabling token:", err)
		os.Exit(1)
	}
	fmt.Println("disabled")
}

func cmdEnable(args []string) {
	if len(args) != 1 {
		usage()
		os.Exit(2)
	}
	store := loadStore()
	if err := store.Enable(args[0]); err != nil {
		fmt.Fprintln(os.Stderr, "error: enabling token:", err)
		os.Exit(1)
	}
	fmt.Println("enabled")
}

func cmdList() {
	store := loadStore()
	printJSON(store.List())
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "create":
		cmdCreate(os.Args[2:])
	case "reset":
		cmdReset(os.Args[2:])
	case "disable":
		cmdDisable(os.Args[2:])
	case "enable":
		cmdEnable(os.Args[2:])
	case "list":
		cmdList()
	case "-h", "--help", "help":
		usage()
	default:
		fmt.Fprintln(os.Stderr, "error: unknown subcommand:", os.Args[1])
		usage()
		os.Exit(2)
	}
}
