package cli

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/ashureev/mqol-labs/internal/domain"
	"github.com/charmbracelet/glamour"
)

const defaultReportTitle = "婚姻生活质量评估报告"

// newRenderer returns a glamour renderer for the terminal. When glamour
// cannot be initialised, markdown is printed as is.
func newRenderer() func(string) (string, error) {
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(80),
	)
	if err != nil {
		slog.Warn("markdown renderer unavailable", "error", err)
		return plain
	}
	return r.Render
}

func plain(md string) (string, error) { return md, nil }

func writeReport(w io.Writer, render func(string) (string, error), rv *domain.ReportVersion) {
	md := ReportMarkdown(rv.Report)
	out, err := render(md)
	if err != nil {
		slog.Warn("failed to render report", "error", err)
		out = md
	}
	fmt.Fprintf(w, "%s\n（报告版本 %d）\n", out, rv.VersionNo)
}

// ReportMarkdown formats a report object as markdown. Unknown keys are
// ignored and missing sections are left out.
func ReportMarkdown(report map[string]any) string {
	var b strings.Builder

	header := asMap(report["header"])
	meta := asMap(report["meta"])
	title := firstString(header["title"])
	if title == "" {
		title = defaultReportTitle
	}
	fmt.Fprintf(&b, "# %s\n\n", title)

	name := firstString(header["user_display_name"], meta["user_display_name"])
	date := firstString(header["report_date"], meta["report_date"])
	switch {
	case name != "" && date != "":
		fmt.Fprintf(&b, "**%s** · %s\n\n", name, date)
	case name != "":
		fmt.Fprintf(&b, "**%s**\n\n", name)
	case date != "":
		fmt.Fprintf(&b, "%s\n\n", date)
	}

	if summary := firstString(report["summary"]); summary != "" {
		fmt.Fprintf(&b, "%s\n\n", summary)
	}

	if dims := asSlice(report["dimensions"]); len(dims) > 0 {
		b.WriteString("## 各维度评估\n\n")
		for _, d := range dims {
			m := asMap(d)
			line := "- **" + firstString(m["dimension"]) + "**"
			if score, ok := m["score"]; ok {
				line += "：" + formatScore(score)
			}
			if sev := firstString(m["severity"]); sev != "" {
				line += "（" + sev + "）"
			}
			if text := firstString(m["interpretation"]); text != "" {
				line += " " + text
			}
			b.WriteString(line + "\n")
		}
		b.WriteString("\n")
	}

	if recs := asSlice(report["recommendations"]); len(recs) > 0 {
		b.WriteString("## 建议\n\n")
		for _, r := range recs {
			m := asMap(r)
			if dim := firstString(m["dimension"]); dim != "" {
				fmt.Fprintf(&b, "### %s\n\n", dim)
			}
			for _, a := range asSlice(m["actions"]) {
				if s := firstString(a); s != "" {
					fmt.Fprintf(&b, "- %s\n", s)
				}
			}
			b.WriteString("\n")
		}
	}

	if closing := firstString(report["closing"]); closing != "" {
		fmt.Fprintf(&b, "%s\n", closing)
	}
	return strings.TrimRight(b.String(), "\n") + "\n"
}

func asMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

func asSlice(v any) []any {
	s, _ := v.([]any)
	return s
}

func firstString(vals ...any) string {
	for _, v := range vals {
		if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

func formatScore(v any) string {
	switch n := v.(type) {
	case float64:
		return fmt.Sprintf("%.1f", n)
	case int:
		return fmt.Sprintf("%d", n)
	default:
		return fmt.Sprint(v)
	}
}
