package reporting

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/ethereum-optimism/infra/op-launch/types"
	"github.com/ethereum-optimism/infra/op-launch/ui"
)

const failureTextLimit = 200

// TableFormatter renders a report tree as an ASCII table
type TableFormatter struct {
	title        string
	showFailures bool
}

func NewTableFormatter(title string, showFailures bool) *TableFormatter {
	return &TableFormatter{title: title, showFailures: showFailures}
}

// Format renders one row per group and per case, followed by failure details
func (f *TableFormatter) Format(report *types.Report) (string, error) {
	if report == nil || report.Root == nil {
		return "", fmt.Errorf("report has no root group")
	}
	var buf bytes.Buffer

	t := table.NewWriter()
	t.SetOutputMirror(&buf)
	title := f.title
	if report.Header.LaunchID != "" {
		title = fmt.Sprintf("%s: %s", f.title, report.Header.LaunchID)
	}
	t.SetTitle(title)
	t.AppendHeader(table.Row{"TYPE", "ID", "DURATION", "TESTS", "PASSED", "FAILED", "ABORTED", "DISABLED", "STATUS"})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Name: "TYPE", AutoMerge: true},
		{Name: "ID", WidthMax: 120, WidthMaxEnforcer: text.WrapSoft},
		{Name: "DURATION", Align: text.AlignRight},
		{Name: "TESTS", Align: text.AlignRight},
		{Name: "PASSED", Align: text.AlignRight},
		{Name: "FAILED", Align: text.AlignRight},
		{Name: "ABORTED", Align: text.AlignRight},
		{Name: "DISABLED", Align: text.AlignRight},
	})

	f.addGroup(t, report.Root, 0, true, nil)

	stats := report.Stats()
	status := overallStatus(stats)
	switch status {
	case types.StatusFailed:
		t.SetStyle(table.StyleColoredBlackOnRedWhite)
	case types.StatusDisabled:
		t.SetStyle(table.StyleColoredBlackOnYellowWhite)
	default:
		t.SetStyle(table.StyleColoredBlackOnGreenWhite)
	}
	t.AppendFooter(table.Row{
		"TOTAL",
		"",
		formatDuration(time.Duration(report.Header.DurationMillis()) * time.Millisecond),
		stats.Total,
		stats.Passed,
		stats.Failed,
		stats.Aborted,
		stats.Disabled,
		status.String(),
	})
	t.Render()

	if f.showFailures {
		writeFailures(&buf, report.Root)
	}
	return buf.String(), nil
}

func (f *TableFormatter) addGroup(t table.Writer, n *types.GroupNode, depth int, isLast bool, parentIsLast []bool) {
	stats := (&types.Report{Root: n}).Stats()
	t.AppendRow(table.Row{
		"Group",
		ui.BuildTreePrefix(depth, isLast, parentIsLast) + n.DisplayName,
		"",
		stats.Total,
		stats.Passed,
		stats.Failed,
		stats.Aborted,
		stats.Disabled,
		overallStatus(stats).String(),
	})

	childParents := parentIsLast
	if depth > 0 {
		childParents = append(append([]bool{}, parentIsLast...), isLast)
	}
	items := len(n.Cases) + len(n.Children)
	for i, c := range n.Cases {
		last := i == items-1
		t.AppendRow(table.Row{
			"Case",
			ui.BuildTreePrefix(depth+1, last, childParents) + c.RunDisplayName,
			formatDuration(time.Duration(c.DurationMillis()) * time.Millisecond),
			"", "", "", "", "",
			c.Status().String(),
		})
	}
	for i, child := range n.Children {
		f.addGroup(t, child, depth+1, len(n.Cases)+i == items-1, childParents)
	}
}

// overallStatus folds case outcomes into one status: any failure fails the
// group, otherwise all-disabled is DISABLED and anything else PASSED
func overallStatus(stats types.ReportStats) types.Status {
	switch {
	case stats.Failed+stats.Aborted > 0:
		return types.StatusFailed
	case stats.Total > 0 && stats.Disabled == stats.Total:
		return types.StatusDisabled
	default:
		return types.StatusPassed
	}
}

func writeFailures(buf *bytes.Buffer, root *types.GroupNode) {
	var failed []*types.CaseRecord
	for _, c := range root.AllCases() {
		if c.Status().IsFailure() {
			failed = append(failed, c)
		}
	}
	if len(failed) == 0 {
		return
	}
	buf.WriteString("\nFAILURES:\n")
	for _, c := range failed {
		fmt.Fprintf(buf, "  %s [%s]\n", c.CaseID(), c.Status())
		if detail := c.FailureDetail(); detail != nil {
			msg := strings.TrimSpace(FailureText(detail))
			if len(msg) > failureTextLimit {
				msg = msg[:failureTextLimit] + "..."
			}
			for _, line := range strings.Split(msg, "\n") {
				fmt.Fprintf(buf, "    %s\n", line)
			}
		}
	}
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	return d.Truncate(time.Millisecond).String()
}
