package reporting

import (
	"bytes"
	"context"
	_ "embed"
	"fmt"
	"html/template"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/ethereum-optimism/infra/op-launch/types"
)

//go:embed templates/report.html.tmpl
var reportTemplate string

// templateFuncs are the helpers available to report templates
func templateFuncs() template.FuncMap {
	return template.FuncMap{
		"formatMillis": func(ms int64) string {
			return formatDuration(time.Duration(ms) * time.Millisecond)
		},
		"statusClass": func(status types.Status) string {
			return strings.ToLower(string(status))
		},
		"indent": func(depth int) int {
			return 8 + depth*16
		},
	}
}

// HTMLSink renders each report as a standalone page next to the JSON files
type HTMLSink struct {
	log     log.Logger
	baseDir string
	tmpl    *template.Template

	mu sync.Mutex
}

var _ Sink = (*HTMLSink)(nil)

func NewHTMLSink(logger log.Logger, baseDir string) (*HTMLSink, error) {
	tmpl, err := template.New("report").Funcs(templateFuncs()).Parse(reportTemplate)
	if err != nil {
		return nil, fmt.Errorf("failed to parse report template: %w", err)
	}
	return &HTMLSink{log: logger, baseDir: baseDir, tmpl: tmpl}, nil
}

func (s *HTMLSink) Name() string {
	return "html"
}

type htmlPage struct {
	Title  string
	Status types.Status
	Header types.Header
	Stats  types.ReportStats
	Rows   []htmlRow
}

type htmlRow struct {
	Group          bool
	Depth          int
	Name           string
	ID             string
	Status         types.Status
	DurationMillis int64
	Detail         string
}

// Render writes the page for report to w
func (s *HTMLSink) Render(w io.Writer, report *types.Report) error {
	stats := report.Stats()
	page := htmlPage{
		Title:  "Launch Summary",
		Status: overallStatus(stats),
		Header: report.Header,
		Stats:  stats,
	}
	if report.Root != nil {
		page.Title = report.Root.DisplayName
		report.Root.Walk(func(n *types.GroupNode, depth int) bool {
			page.Rows = append(page.Rows, htmlRow{Group: true, Depth: depth, Name: n.DisplayName, ID: n.Key})
			for _, c := range n.Cases {
				row := htmlRow{
					Depth:          depth + 1,
					Name:           c.RunDisplayName,
					ID:             c.CaseID(),
					Status:         c.Status(),
					DurationMillis: c.DurationMillis(),
				}
				if c.Status() != types.StatusPassed {
					row.Detail = strings.TrimSpace(FailureText(c.FailureDetail()))
				}
				page.Rows = append(page.Rows, row)
			}
			return true
		})
	}
	return s.tmpl.Execute(w, page)
}

func (s *HTMLSink) Publish(_ context.Context, report *types.Report) error {
	var buf bytes.Buffer
	if err := s.Render(&buf, report); err != nil {
		return fmt.Errorf("failed to render html report: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dir := runDir(s.baseDir, report.Header.LaunchID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory %s: %w", dir, err)
	}
	file := filepath.Join(dir, reportFilename(report, ".html"))
	if err := os.WriteFile(file, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write html report: %w", err)
	}
	s.log.Info("Wrote html report", "file", file)
	return nil
}
