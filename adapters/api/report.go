package api

import (
	"fmt"
	"strings"

	"github.com/gomarkdown/markdown"
	"github.com/gomarkdown/markdown/html"
	"github.com/gomarkdown/markdown/parser"

	"shadowgate/domain/gate"
	"shadowgate/domain/lifecycle"
)

// RenderGateMarkdown renders the rollout gate report as operator-facing
// markdown.
func RenderGateMarkdown(report gate.Report, state lifecycle.State) string {
	var b strings.Builder

	b.WriteString("# Rollout Gate Report\n\n")
	fmt.Fprintf(&b, "Generated: %s\n\n", report.GeneratedAt.Time().Format("2006-01-02 15:04:05 MST"))
	fmt.Fprintf(&b, "Candidate state: **%s**\n\n", state)

	if report.Ready {
		b.WriteString("## Verdict: READY\n\n")
		b.WriteString("All gates passing. Promotion to CANDIDATE_READY is permitted; go-live still requires operator approval.\n\n")
	} else {
		b.WriteString("## Verdict: NOT READY\n\n")
		fmt.Fprintf(&b, "Blocking: %s\n\n", strings.Join(report.BlockingFactors, ", "))
	}

	b.WriteString("| Gate | Metric | Threshold | Result |\n")
	b.WriteString("|------|--------|-----------|--------|\n")
	for _, ev := range report.Evaluations {
		verdict := "FAIL"
		if ev.Pass {
			verdict = "PASS"
		}
		fmt.Fprintf(&b, "| %s | %.4f | %s %.4f | %s |\n",
			ev.Name, ev.MetricValue, comparator(ev.Direction), ev.Threshold, verdict)
	}
	b.WriteString("\n")

	for _, ev := range report.Evaluations {
		if ev.Detail != "" {
			fmt.Fprintf(&b, "- **%s**: %s\n", ev.Name, ev.Detail)
		}
	}
	return b.String()
}

func comparator(d gate.Direction) string {
	if d == gate.HigherIsBetter {
		return ">="
	}
	return "<="
}

// RenderGateHTML renders the markdown report as HTML for the operator
// endpoint.
func RenderGateHTML(report gate.Report, state lifecycle.State) []byte {
	md := []byte(RenderGateMarkdown(report, state))
	p := parser.NewWithExtensions(parser.CommonExtensions | parser.Tables)
	renderer := html.NewRenderer(html.RendererOptions{Flags: html.CommonFlags})
	return markdown.ToHTML(md, p, renderer)
}
