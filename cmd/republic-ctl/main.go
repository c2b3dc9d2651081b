package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"republic-center/internal/health"
	"republic-center/internal/session"
	"republic-center/internal/store"
	"republic-center/internal/wifi"
)

// build-time override (e.g. -ldflags "-X main.version=1.2.3")
var version = "dev"

type globalFlags struct {
	server  string
	apiKey  string
	token   string
	timeout time.Duration
	json    bool
	noColor bool
	verbose bool
	debug   bool
}

func main() {
	root := newRootCmd(os.Stdout)
	root.SilenceUsage = true
	root.SilenceErrors = true

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// app holds what every subcommand needs.
type app struct {
	flags globalFlags
	out   io.Writer
}

func (a *app) client() *client {
	return newClient(a.flags.server, a.flags.apiKey, a.flags.token, a.flags.timeout)
}

func (a *app) renderer() *renderer {
	colors := !a.flags.noColor
	if f, ok := a.out.(*os.File); !ok || !term.IsTerminal(int(f.Fd())) {
		colors = false
	}
	return &renderer{w: a.out, json: a.flags.json, colors: colors}
}

func (a *app) ctx(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), a.flags.timeout)
}

func newRootCmd(out io.Writer) *cobra.Command {
	a := &app{out: out}
	cmd := &cobra.Command{
		Use:   "republic-ctl",
		Short: "Command line client for the Republic Smart Center",
		Long: strings.TrimSpace(`
republic-ctl drives a running republic-center over its REST API: pairing
session, Wi-Fi profiles, operators, health and the event log.

Log in once and export the printed token:
  export REPUBLIC_TOKEN=$(republic-ctl login admin 123)`),
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			initLogging(a.flags)
			return nil
		},
	}

	f := &a.flags
	cmd.PersistentFlags().StringVarP(&f.server, "server", "s", envOr("REPUBLIC_SERVER", "http://127.0.0.1:8080"), "Center base URL")
	cmd.PersistentFlags().StringVar(&f.apiKey, "api-key", os.Getenv("REPUBLIC_API_KEY"), "X-API-Key for the REST API")
	cmd.PersistentFlags().StringVarP(&f.token, "token", "t", os.Getenv("REPUBLIC_TOKEN"), "Operator session token")
	cmd.PersistentFlags().DurationVar(&f.timeout, "timeout", 15*time.Second, "Request timeout")
	cmd.PersistentFlags().BoolVar(&f.json, "json", false, "Print raw JSON")
	cmd.PersistentFlags().BoolVar(&f.noColor, "no-color", false, "Disable ANSI colors")
	cmd.PersistentFlags().BoolVarP(&f.verbose, "verbose", "v", false, "Enable verbose (info) logging")
	cmd.PersistentFlags().BoolVar(&f.debug, "debug", false, "Enable debug logging (overrides --verbose)")
	cmd.Version = version

	cmd.AddCommand(
		newLoginCmd(a),
		newLogoutCmd(a),
		newSessionCmd(a),
		newHealthCmd(a),
		newLogsCmd(a),
		newWifiCmd(a),
		newUsersCmd(a),
		newAskCmd(a),
		newScriptsCmd(a),
		newVersionCmd(a),
	)
	return cmd
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func initLogging(f globalFlags) {
	var level slog.Level
	switch {
	case f.debug:
		level = slog.LevelDebug
	case f.verbose:
		level = slog.LevelInfo
	default:
		level = slog.LevelWarn
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(handler))
}

func newVersionCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show client and server versions",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(a.out, "republic-ctl: %s\n", version)
			ctx, cancel := a.ctx(cmd)
			defer cancel()
			var v map[string]string
			if err := a.client().do(ctx, "GET", "/api/version", nil, &v); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "republic-center: %s\n", v["version"])
			return nil
		},
	}
}

// --- Operators ---

func newLoginCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "login <username> <password>",
		Short: "Log in and print the session token",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := a.ctx(cmd)
			defer cancel()
			var resp struct {
				Token   string        `json:"token"`
				Account store.Account `json:"account"`
			}
			err := a.client().do(ctx, "POST", "/api/login", map[string]string{
				"username": args[0],
				"password": args[1],
			}, &resp)
			if err != nil {
				return err
			}
			slog.Info("logged in", "user", resp.Account.Username, "role", resp.Account.Role)
			fmt.Fprintln(a.out, resp.Token)
			return nil
		},
	}
}

func newLogoutCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "End the operator session given by --token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := a.ctx(cmd)
			defer cancel()
			return a.client().do(ctx, "POST", "/api/logout", nil, nil)
		},
	}
}

func newUsersCmd(a *app) *cobra.Command {
	var search string
	cmd := &cobra.Command{
		Use:   "users",
		Short: "List and manage operator accounts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := a.ctx(cmd)
			defer cancel()
			path := "/api/users"
			if search != "" {
				path += "?q=" + url.QueryEscape(search)
			}
			var list []store.Account
			if err := a.client().do(ctx, "GET", path, nil, &list); err != nil {
				return err
			}
			return a.renderer().users(list)
		},
	}
	cmd.Flags().StringVarP(&search, "search", "q", "", "Only list usernames containing this text")

	var role string
	add := &cobra.Command{
		Use:   "add <username> <password>",
		Short: "Create an account",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := a.ctx(cmd)
			defer cancel()
			var acc store.Account
			err := a.client().do(ctx, "POST", "/api/users", map[string]string{
				"username": args[0], "password": args[1], "role": role,
			}, &acc)
			if err != nil {
				return err
			}
			return a.renderer().users([]store.Account{acc})
		},
	}
	add.Flags().StringVar(&role, "role", "operator", "Role: admin|operator|viewer")

	remove := &cobra.Command{
		Use:   "remove <id>",
		Short: "Delete an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := a.ctx(cmd)
			defer cancel()
			return a.client().do(ctx, "DELETE", "/api/users/"+pathEscape(args[0]), nil, nil)
		},
	}

	perm := &cobra.Command{
		Use:   "toggle-permission <id> <can_scan|can_connect|can_manage_users>",
		Short: "Flip one permission of an account",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := a.ctx(cmd)
			defer cancel()
			var acc store.Account
			path := "/api/users/" + pathEscape(args[0]) + "/permissions/" + pathEscape(args[1])
			if err := a.client().do(ctx, "POST", path, nil, &acc); err != nil {
				return err
			}
			return a.renderer().users([]store.Account{acc})
		},
	}

	cmd.AddCommand(add, remove, perm)
	return cmd
}

// --- Pairing session ---

func newSessionCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Show or change the pairing session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.sessionCall(cmd, "GET", "/api/session", nil)
		},
	}

	toggle := &cobra.Command{
		Use:   "toggle",
		Short: "Open or close the pairing gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.sessionCall(cmd, "POST", "/api/session/toggle", nil)
		},
	}
	pair := &cobra.Command{
		Use:   "pair <payload>",
		Short: "Complete pairing with scanned QR data",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := a.ctx(cmd)
			defer cancel()
			var resp struct {
				Session session.Snapshot `json:"session"`
			}
			if err := a.client().do(ctx, "POST", "/api/session/pair", map[string]string{"data": args[0]}, &resp); err != nil {
				return err
			}
			return a.renderer().session(resp.Session)
		},
	}
	manual := &cobra.Command{
		Use:   "connect <host:port>",
		Short: "Connect to a manually entered target",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.sessionCall(cmd, "POST", "/api/session/manual", map[string]string{"target": args[0]})
		},
	}
	disconnect := &cobra.Command{
		Use:   "disconnect",
		Short: "Close the pairing session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.sessionCall(cmd, "POST", "/api/session/disconnect", nil)
		},
	}
	payload := &cobra.Command{
		Use:   "payload",
		Short: "Print the QR pairing payload of the center",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := a.ctx(cmd)
			defer cancel()
			var resp map[string]string
			if err := a.client().do(ctx, "GET", "/api/pairing/payload", nil, &resp); err != nil {
				return err
			}
			fmt.Fprintln(a.out, resp["payload"])
			return nil
		},
	}

	cmd.AddCommand(toggle, pair, manual, disconnect, payload)
	return cmd
}

func (a *app) sessionCall(cmd *cobra.Command, method, path string, body any) error {
	ctx, cancel := a.ctx(cmd)
	defer cancel()
	var snap session.Snapshot
	if err := a.client().do(ctx, method, path, body, &snap); err != nil {
		return err
	}
	return a.renderer().session(snap)
}

// --- Health and log ---

func newHealthCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Show the self-repair monitor",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.healthCall(cmd, "GET", "/api/health")
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "repair",
		Short: "Start a repair cycle",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.healthCall(cmd, "POST", "/api/health/repair")
		},
	})
	return cmd
}

func (a *app) healthCall(cmd *cobra.Command, method, path string) error {
	ctx, cancel := a.ctx(cmd)
	defer cancel()
	var h health.Snapshot
	if err := a.client().do(ctx, method, path, nil, &h); err != nil {
		return err
	}
	return a.renderer().health(h)
}

func newLogsCmd(a *app) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Print the event log, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := a.ctx(cmd)
			defer cancel()
			var lines []logLine
			if err := a.client().do(ctx, "GET", "/api/logs", nil, &lines); err != nil {
				return err
			}
			if limit > 0 && len(lines) > limit {
				lines = lines[:limit]
			}
			return a.renderer().logs(lines)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "Show at most n entries (0 = all)")
	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Empty the event log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := a.ctx(cmd)
			defer cancel()
			return a.client().do(ctx, "DELETE", "/api/logs", nil, nil)
		},
	})
	return cmd
}

// --- Wi-Fi ---

func newWifiCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "wifi",
		Short: "List saved Wi-Fi networks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := a.ctx(cmd)
			defer cancel()
			var s savedNetworks
			if err := a.client().do(ctx, "GET", "/api/wifi/saved", nil, &s); err != nil {
				return err
			}
			return a.renderer().saved(s)
		},
	}

	scan := &cobra.Command{
		Use:   "scan",
		Short: "Scan for visible networks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := a.ctx(cmd)
			defer cancel()
			var results []wifi.ScanResult
			if err := a.client().do(ctx, "POST", "/api/wifi/scan", nil, &results); err != nil {
				return err
			}
			return a.renderer().scan(results)
		},
	}

	var req wifi.ConnectRequest
	var static wifi.IPConfig
	connect := &cobra.Command{
		Use:   "connect <ssid>",
		Short: "Connect to a network and remember it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.SSID = args[0]
			if static.Address != "" {
				static.Mode = "static"
				req.IP = &static
			}
			ctx, cancel := a.ctx(cmd)
			defer cancel()
			var saved wifi.SavedNetwork
			if err := a.client().do(ctx, "POST", "/api/wifi/connect", req, &saved); err != nil {
				return err
			}
			return a.renderer().saved(savedNetworks{Networks: []wifi.SavedNetwork{saved}, Active: saved.SSID})
		},
	}
	connect.Flags().StringVarP(&req.Password, "password", "p", "", "Network password")
	connect.Flags().StringVarP(&req.Encryption, "encryption", "e", wifi.EncryptionWPA2, "WPA2|WEP|Open")
	connect.Flags().StringVar(&static.Address, "ip", "", "Static address (DHCP when empty)")
	connect.Flags().StringVar(&static.Gateway, "gateway", "", "Static gateway")
	connect.Flags().StringVar(&static.DNS, "dns", "", "Static DNS server")
	connect.Flags().StringVar(&req.MACMode, "mac-mode", wifi.MACRandom, "random|device|static")
	connect.Flags().StringVar(&req.StaticMAC, "mac", "", "MAC address for --mac-mode static")

	forget := &cobra.Command{
		Use:   "forget <ssid>",
		Short: "Remove a saved network",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := a.ctx(cmd)
			defer cancel()
			return a.client().do(ctx, "DELETE", "/api/wifi/saved/"+pathEscape(args[0]), nil, nil)
		},
	}

	cmd.AddCommand(scan, connect, forget)
	return cmd
}

// --- Assistant and automations ---

func newAskCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "ask <question...>",
		Short: "Ask the troubleshooting assistant",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := a.ctx(cmd)
			defer cancel()
			var resp map[string]string
			err := a.client().do(ctx, "POST", "/api/assistant", map[string]string{
				"prompt": strings.Join(args, " "),
			}, &resp)
			if err != nil {
				return err
			}
			fmt.Fprintln(a.out, resp["answer"])
			return nil
		},
	}
}

func newScriptsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scripts",
		Short: "List automation hooks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := a.ctx(cmd)
			defer cancel()
			var list []scriptView
			if err := a.client().do(ctx, "GET", "/api/automations", nil, &list); err != nil {
				return err
			}
			return a.renderer().scripts(list)
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "run <id>",
		Short: "Run a hook once and print its output",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := a.ctx(cmd)
			defer cancel()
			var res runResult
			if err := a.client().do(ctx, "POST", "/api/automations/"+pathEscape(args[0])+"/run", nil, &res); err != nil {
				return err
			}
			return a.renderer().run(res)
		},
	})
	return cmd
}
