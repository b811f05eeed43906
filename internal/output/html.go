package output

import (
	"encoding/json"
	"fmt"
	"html/template"
	"io"
	"time"

	"github.com/torosent/wsramp/internal/metrics"
)

// HTMLReportData contains all data needed for the HTML report template.
type HTMLReportData struct {
	GeneratedAt string
	Summary     Summary
	HistoryJSON template.JS
}

// GenerateHTMLReport generates a standalone HTML report with embedded charts.
func GenerateHTMLReport(w io.Writer, s Summary) error {
	history := s.History
	if history == nil {
		history = []metrics.DataPoint{}
	}
	historyJSON, err := json.Marshal(history)
	if err != nil {
		return fmt.Errorf("failed to marshal history: %w", err)
	}

	data := HTMLReportData{
		GeneratedAt: time.Now().Format(time.RFC3339),
		Summary:     s,
		HistoryJSON: template.JS(historyJSON),
	}

	tmpl, err := template.New("report").Funcs(template.FuncMap{
		"formatDuration": func(d time.Duration) string {
			return d.Round(time.Millisecond).String()
		},
		"formatFloat": func(f float64) string {
			return fmt.Sprintf("%.2f", f)
		},
		"formatPercent": func(part, total int64) string {
			if total == 0 {
				return "0.0"
			}
			return fmt.Sprintf("%.1f", (float64(part)/float64(total))*100)
		},
	}).Parse(htmlTemplate)
	if err != nil {
		return fmt.Errorf("failed to parse template: %w", err)
	}

	if err := tmpl.Execute(w, data); err != nil {
		return fmt.Errorf("failed to execute template: %w", err)
	}

	return nil
}

const htmlTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>wsramp report {{.Summary.RunID}}</title>
    <style>
        * { margin: 0; padding: 0; box-sizing: border-box; }
        body {
            font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, Arial, sans-serif;
            background: #f3f4f6;
            color: #1f2937;
            line-height: 1.5;
            padding: 24px;
        }
        .page { max-width: 1280px; margin: 0 auto; background: #fff; border-radius: 8px; overflow: hidden; }
        header { background: #0f766e; color: #fff; padding: 28px 36px; }
        header h1 { font-size: 1.8rem; margin-bottom: 6px; }
        header .meta { opacity: 0.9; font-size: 0.9rem; }
        main { padding: 36px; }
        .cards { display: grid; grid-template-columns: repeat(auto-fit, minmax(200px, 1fr)); gap: 16px; margin-bottom: 36px; }
        .card { background: #f9fafb; border-radius: 8px; padding: 18px; border-left: 4px solid #0f766e; }
        .card h3 { font-size: 0.8rem; color: #6b7280; text-transform: uppercase; margin-bottom: 8px; }
        .card .value { font-size: 1.8rem; font-weight: bold; }
        .card .sub { font-size: 0.85rem; color: #6b7280; }
        .card.ok { border-left-color: #10b981; }
        .card.bad { border-left-color: #ef4444; }
        section { margin-bottom: 36px; }
        section h2 { font-size: 1.3rem; margin-bottom: 16px; padding-bottom: 8px; border-bottom: 2px solid #e5e7eb; }
        .chart { width: 100%; height: 300px; margin-bottom: 24px; }
        table { width: 100%; border-collapse: collapse; }
        th, td { text-align: left; padding: 10px; border-bottom: 1px solid #e5e7eb; }
        th { background: #f9fafb; font-size: 0.8rem; text-transform: uppercase; color: #4b5563; }
        .badge { display: inline-block; padding: 3px 10px; border-radius: 10px; font-size: 0.8rem; font-weight: 600; }
        .pass { background: #d1fae5; color: #065f46; }
        .fail { background: #fee2e2; color: #991b1b; }
        .muted { color: #6b7280; font-style: italic; }
    </style>
    <script src="https://cdn.jsdelivr.net/npm/uplot@1.6.24/dist/uPlot.iife.min.js"></script>
    <link rel="stylesheet" href="https://cdn.jsdelivr.net/npm/uplot@1.6.24/dist/uPlot.min.css">
</head>
<body>
<div class="page">
    <header>
        <h1>wsramp: {{.Summary.Plan}}</h1>
        <div class="meta">Target: {{.Summary.Target}}</div>
        <div class="meta">Run {{.Summary.RunID}} | Generated {{.GeneratedAt}} | Duration {{formatDuration .Summary.Duration}}</div>
        {{if .Summary.Aborted}}<div class="meta"><strong>Aborted:</strong> {{.Summary.AbortReason}}</div>{{end}}
    </header>
    <main>
        <div class="cards">
            <div class="card {{if .Summary.Passed}}ok{{else}}bad{{end}}">
                <h3>Verdict</h3>
                <div class="value">{{if .Summary.Passed}}PASS{{else}}FAIL{{end}}</div>
                <div class="sub">{{.Summary.Thresholds.Passed}}/{{.Summary.Thresholds.Total}} thresholds</div>
            </div>
            <div class="card">
                <h3>Sessions started</h3>
                <div class="value">{{.Summary.Stats.SessionsStarted}}</div>
                <div class="sub">{{.Summary.Stats.SessionsClosed}} closed cleanly</div>
            </div>
            <div class="card bad">
                <h3>Sessions failed</h3>
                <div class="value">{{.Summary.Stats.SessionsFailed}}</div>
                <div class="sub">{{formatPercent .Summary.Stats.SessionsFailed .Summary.Stats.SessionsStarted}}%</div>
            </div>
            <div class="card">
                <h3>Delay samples</h3>
                <div class="value">{{.Summary.Stats.Samples}}</div>
                <div class="sub">{{formatFloat .Summary.Stats.SamplesPerSec}}/s</div>
            </div>
        </div>

        {{if .Summary.History}}
        <section>
            <h2>Over Time</h2>
            <div id="sessions-chart" class="chart"></div>
            <div id="delay-chart" class="chart"></div>
        </section>
        {{end}}

        <section>
            <h2>Message Delay (ms)</h2>
            {{if .Summary.Stats.Samples}}
            <table>
                <thead><tr><th>Min</th><th>Mean</th><th>P50</th><th>P90</th><th>P95</th><th>P99</th><th>Max</th></tr></thead>
                <tbody><tr>
                    <td>{{formatFloat .Summary.Stats.MinDelayMs}}</td>
                    <td>{{formatFloat .Summary.Stats.MeanDelayMs}}</td>
                    <td>{{formatFloat .Summary.Stats.P50DelayMs}}</td>
                    <td>{{formatFloat .Summary.Stats.P90DelayMs}}</td>
                    <td>{{formatFloat .Summary.Stats.P95DelayMs}}</td>
                    <td>{{formatFloat .Summary.Stats.P99DelayMs}}</td>
                    <td>{{formatFloat .Summary.Stats.MaxDelayMs}}</td>
                </tr></tbody>
            </table>
            {{else}}
            <p class="muted">No timed messages were received.</p>
            {{end}}
        </section>

        {{if .Summary.Thresholds.Results}}
        <section>
            <h2>Thresholds</h2>
            <table>
                <thead><tr><th>Threshold</th><th>Limit</th><th>Actual</th><th>Status</th></tr></thead>
                <tbody>
                {{range .Summary.Thresholds.Results}}
                <tr>
                    <td>{{.Threshold}}{{if .AbortOnFail}} <span class="muted">(abort on fail)</span>{{end}}</td>
                    <td>{{.Operator}} {{formatFloat .Expected}}{{if .Allowance}} <span class="muted">(+{{formatFloat .Allowance}})</span>{{end}}</td>
                    <td>{{if .NoData}}<span class="muted">no data</span>{{else}}{{formatFloat .Actual}}{{end}}</td>
                    <td>{{if .Pass}}<span class="badge pass">✓ PASS</span>{{else}}<span class="badge fail">✗ FAIL</span>{{end}}</td>
                </tr>
                {{end}}
                </tbody>
            </table>
        </section>
        {{end}}

        {{if .Summary.Scenarios}}
        <section>
            <h2>Scenarios</h2>
            <table>
                <thead><tr><th>Scenario</th><th>Peak live</th><th>Started</th><th>Completed</th><th>Failed</th><th>Stopped</th></tr></thead>
                <tbody>
                {{range .Summary.Scenarios}}
                <tr>
                    <td><strong>{{.Name}}</strong></td>
                    <td>{{.PeakLive}}</td>
                    <td>{{.Started}}</td>
                    <td>{{.Completed}}</td>
                    <td>{{.Failed}}</td>
                    <td>{{.Stopped}}</td>
                </tr>
                {{end}}
                </tbody>
            </table>
        </section>
        {{end}}

        {{if .Summary.Stats.Failures}}
        <section>
            <h2>Failures</h2>
            <table>
                <thead><tr><th>Kind</th><th>Error</th><th>Count</th></tr></thead>
                <tbody>
                {{range $kind, $labels := .Summary.Stats.Failures}}{{range $label, $count := $labels}}
                <tr><td>{{$kind}}</td><td>{{$label}}</td><td>{{$count}}</td></tr>
                {{end}}{{end}}
                </tbody>
            </table>
        </section>
        {{end}}
    </main>
</div>

{{if .Summary.History}}
<script>
    const history = {{.HistoryJSON}};
    if (history.length > 0) {
        const t = history.map(d => d.elapsed_seconds);
        const el = id => document.getElementById(id);
        new uPlot({
            title: "Sessions",
            width: el('sessions-chart').offsetWidth,
            height: 300,
            scales: { x: { time: false } },
            series: [
                { label: "Time (s)" },
                { label: "Live", stroke: "#0f766e", width: 2 },
                { label: "Target", stroke: "#9ca3af", dash: [6, 4], width: 1 },
            ],
        }, [t, history.map(d => d.live_sessions), history.map(d => d.target_sessions)], el('sessions-chart'));
        new uPlot({
            title: "Message delay (ms)",
            width: el('delay-chart').offsetWidth,
            height: 300,
            scales: { x: { time: false } },
            series: [
                { label: "Time (s)" },
                { label: "Mean", stroke: "#10b981", width: 2 },
                { label: "P95", stroke: "#f59e0b", width: 2 },
            ],
        }, [t, history.map(d => d.mean_delay_ms), history.map(d => d.p95_delay_ms)], el('delay-chart'));
    }
</script>
{{end}}
</body>
</html>
`
