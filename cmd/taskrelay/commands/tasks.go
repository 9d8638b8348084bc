package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"taskrelay/internal/app"
	"taskrelay/internal/task/ident"
	"taskrelay/internal/task/manager"
	logx "taskrelay/pkg/logx"
)

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "List persisted tasks",
	Long: `List the tasks persisted in the snapshot store, i.e. what the daemon
restores on the next cold start.

Use --all to list every app in the store, --json for scripting.`,
	RunE: runTasks,
}

func init() {
	tasksCmd.Flags().Bool("all", false, "List every app in the store")
	tasksCmd.Flags().Bool("json", false, "Output as JSON")
	rootCmd.AddCommand(tasksCmd)
}

// taskRow is one persisted task.
type taskRow struct {
	App        string         `json:"appId"`
	Task       string         `json:"taskName"`
	Kind       string         `json:"consumerKind"`
	Identifier string         `json:"identifier"`
	Options    map[string]any `json:"options"`
}

func runTasks(cmd *cobra.Command, _ []string) error {
	all, _ := cmd.Flags().GetBool("all")
	asJSON, _ := cmd.Flags().GetBool("json")

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := app.OpenStore(cfg, logx.Nop())
	if err != nil {
		return err
	}
	if store == nil {
		return fmt.Errorf("storage is disabled (storage.driver=%q)", cfg.Storage.Driver)
	}
	defer store.Close()

	ctx := cmd.Context()
	mgr := manager.New(store, nil, nil, logx.Nop())
	apps := []string{appID(cfg)}
	if all {
		if apps, err = mgr.PersistedApps(ctx); err != nil {
			return err
		}
	}

	var rows []taskRow
	for _, id := range apps {
		snap, err := mgr.RestoredState(ctx, id)
		if err != nil {
			return err
		}
		rows = append(rows, snapshotRows(id, snap)...)
	}

	if asJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	}
	renderTasks(cmd.OutOrStdout(), rows)
	return nil
}

func snapshotRows(appID string, snap manager.Snapshot) []taskRow {
	rows := make([]taskRow, 0, len(snap))
	for _, name := range snap.Names() {
		e := snap[name]
		rows = append(rows, taskRow{
			App:        appID,
			Task:       name,
			Kind:       e.ConsumerKind,
			Identifier: ident.Encode(ident.Ref{AppID: appID, TaskName: name}),
			Options:    e.Options,
		})
	}
	return rows
}

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("69"))
	cellStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

func renderTasks(w io.Writer, rows []taskRow) {
	if len(rows) == 0 {
		fmt.Fprintln(w, mutedStyle.Render("no persisted tasks"))
		return
	}
	header := []string{"APP", "TASK", "KIND", "OPTIONS"}
	cells := make([][]string, 0, len(rows))
	for _, r := range rows {
		cells = append(cells, []string{r.App, r.Task, r.Kind, formatOptions(r.Options)})
	}

	widths := make([]int, len(header))
	for i, h := range header {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range cells {
		for i, c := range row {
			widths[i] = max(widths[i], lipgloss.Width(c))
		}
	}

	line := func(style lipgloss.Style, row []string) string {
		parts := make([]string, len(row))
		for i, c := range row {
			parts[i] = style.Width(widths[i] + 2).Render(c)
		}
		return strings.TrimRight(lipgloss.JoinHorizontal(lipgloss.Top, parts...), " ")
	}

	fmt.Fprintln(w, line(headerStyle, header))
	for _, row := range cells {
		fmt.Fprintln(w, line(cellStyle, row))
	}
	fmt.Fprintln(w, mutedStyle.Render(fmt.Sprintf("%d task(s)", len(rows))))
}

// formatOptions renders options as sorted key=value pairs.
func formatOptions(o map[string]any) string {
	if len(o) == 0 {
		return "-"
	}
	keys := make([]string, 0, len(o))
	for k := range o {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		b, err := json.Marshal(o[k])
		if err != nil {
			b = []byte("?")
		}
		parts = append(parts, k+"="+string(b))
	}
	return strings.Join(parts, " ")
}
