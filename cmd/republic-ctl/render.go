package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"republic-center/internal/health"
	"republic-center/internal/session"
	"republic-center/internal/store"
	"republic-center/internal/wifi"
)

// renderer writes command results as tables or JSON.
type renderer struct {
	w      io.Writer
	json   bool
	colors bool
}

func (r *renderer) newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(r.w)
	tw.SetStyle(table.StyleRounded)
	tw.Style().Options.SeparateRows = false
	if !r.colors {
		tw.Style().Color = table.ColorOptions{}
	}
	return tw
}

// emitJSON prints v as indented JSON and reports whether JSON mode is on.
func (r *renderer) emitJSON(v any) (bool, error) {
	if !r.json {
		return false, nil
	}
	enc := json.NewEncoder(r.w)
	enc.SetIndent("", "  ")
	return true, enc.Encode(v)
}

func (r *renderer) paint(s string, colors ...text.Color) string {
	if !r.colors {
		return s
	}
	return text.Colors(colors).Sprint(s)
}

func (r *renderer) status(s string) string {
	switch s {
	case string(session.StatusConnected), string(health.StatusOptimal), "yes":
		return r.paint(s, text.FgGreen)
	case string(health.StatusRepairing), string(health.StatusWarning):
		return r.paint(s, text.FgYellow)
	case string(session.StatusDisconnected), "no":
		return r.paint(s, text.FgHiBlack)
	}
	return s
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func (r *renderer) session(s session.Snapshot) error {
	if ok, err := r.emitJSON(s); ok {
		return err
	}
	fmt.Fprintf(r.w, "Session: %s", r.status(string(s.Status)))
	if s.Target != "" {
		fmt.Fprintf(r.w, " (%s)", s.Target)
	}
	fmt.Fprintln(r.w)
	if len(s.Devices) == 0 {
		return nil
	}
	tw := r.newTable()
	tw.AppendHeader(table.Row{"Device", "Type", "IP", "Latency", "Status", "Connected"})
	for _, d := range s.Devices {
		tw.AppendRow(table.Row{d.Name, d.Type, d.IP, fmt.Sprintf("%d ms", d.Latency), d.Status, d.ConnectedAt.Format("15:04:05")})
	}
	tw.Render()
	return nil
}

func (r *renderer) health(h health.Snapshot) error {
	if ok, err := r.emitJSON(h); ok {
		return err
	}
	tw := r.newTable()
	tw.AppendRows([]table.Row{
		{"Status", r.status(string(h.Status))},
		{"Last check", h.LastCheck.Format("2006-01-02 15:04:05")},
		{"Auto-fixed issues", h.AutoFixedIssues},
		{"Active modules", strings.Join(h.ActiveModules, ", ")},
	})
	tw.Render()
	return nil
}

type logLine struct {
	Time    string `json:"time"`
	Message string `json:"message"`
	Line    string `json:"line"`
}

func (r *renderer) logs(lines []logLine) error {
	if ok, err := r.emitJSON(lines); ok {
		return err
	}
	for _, l := range lines {
		fmt.Fprintln(r.w, l.Line)
	}
	return nil
}

func (r *renderer) users(accounts []store.Account) error {
	if ok, err := r.emitJSON(accounts); ok {
		return err
	}
	tw := r.newTable()
	tw.AppendHeader(table.Row{"ID", "Username", "Role", "Scan", "Connect", "Manage users", "Last login"})
	for _, a := range accounts {
		tw.AppendRow(table.Row{
			a.ID, a.Username, a.Role,
			r.status(yesNo(a.Permissions.CanScan)),
			r.status(yesNo(a.Permissions.CanConnect)),
			r.status(yesNo(a.Permissions.CanManageUsers)),
			a.LastLogin,
		})
	}
	tw.Render()
	return nil
}

type savedNetworks struct {
	Networks []wifi.SavedNetwork `json:"networks"`
	Active   string              `json:"active"`
}

func (r *renderer) saved(s savedNetworks) error {
	if ok, err := r.emitJSON(s); ok {
		return err
	}
	tw := r.newTable()
	tw.AppendHeader(table.Row{"SSID", "Encryption", "MAC", "Last connected", "Active"})
	for _, n := range s.Networks {
		tw.AppendRow(table.Row{n.SSID, n.Encryption, n.MAC, n.LastConnected, r.status(yesNo(n.SSID == s.Active))})
	}
	tw.Render()
	return nil
}

func (r *renderer) scan(results []wifi.ScanResult) error {
	if ok, err := r.emitJSON(results); ok {
		return err
	}
	tw := r.newTable()
	tw.AppendHeader(table.Row{"SSID", "Signal", "Secured", "Saved"})
	for _, n := range results {
		tw.AppendRow(table.Row{n.SSID, n.Strength, yesNo(n.Secure), yesNo(n.Saved)})
	}
	tw.Render()
	return nil
}

type scriptView struct {
	ID   string `json:"id"`
	Meta struct {
		Name        string `json:"name"`
		Description string `json:"description"`
		Enabled     bool   `json:"enabled"`
	} `json:"meta"`
	Running bool `json:"running"`
}

func (r *renderer) scripts(list []scriptView) error {
	if ok, err := r.emitJSON(list); ok {
		return err
	}
	tw := r.newTable()
	tw.AppendHeader(table.Row{"ID", "Name", "Enabled", "Running", "Description"})
	for _, s := range list {
		tw.AppendRow(table.Row{s.ID, s.Meta.Name, r.status(yesNo(s.Meta.Enabled)), r.status(yesNo(s.Running)), s.Meta.Description})
	}
	tw.Render()
	return nil
}

type runResult struct {
	OK       bool     `json:"ok"`
	Error    string   `json:"error,omitempty"`
	Logs     []string `json:"logs"`
	Duration string   `json:"duration"`
}

func (r *renderer) run(res runResult) error {
	if ok, err := r.emitJSON(res); ok {
		return err
	}
	for _, l := range res.Logs {
		fmt.Fprintln(r.w, l)
	}
	if res.OK {
		fmt.Fprintf(r.w, "%s in %s\n", r.paint("ok", text.FgGreen), res.Duration)
		return nil
	}
	fmt.Fprintf(r.w, "%s: %s\n", r.paint("failed", text.FgRed), res.Error)
	return nil
}
