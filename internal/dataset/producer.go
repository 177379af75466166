package dataset

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"text/template"

	"reportbot/internal/delivery"
	"reportbot/internal/orchestrator"
	"reportbot/internal/trust"
	"reportbot/pkg/tgui"
)

// DefaultTemplate renders the standard report.
const DefaultTemplate = `{{if .Backfill}}[late] {{end}}{{title .Kind}} report {{.Instant.Format "01/02 15:04"}}
{{if .Reading.MissionDate}}Mission date {{.Reading.MissionDate}}
{{end}}
Score {{num .Reading.TotalScore}} (volume {{num .Reading.VolumeScore}}, acceptance {{num .Reading.AcceptanceScore}})
Completed {{int .Reading.TotalCompleted}} / rejected {{int .Reading.TotalRejected}} / acceptance {{num .Reading.AcceptanceRate}}%
{{with missions .Reading}}
Missions{{range .}}
- {{.Label}} {{.Current}}/{{.Target}} {{bar .Current .Target}}{{end}}
{{end}}{{with top .Reading 3}}
Top riders{{range $i, $r := .}}
{{inc $i}}. {{trunc $r.Name 24}} {{$r.Complete}} done ({{printf "%.1f" $r.Contribution}}%){{end}}
{{end}}{{if ne .Verdict.Status "VALID"}}
Data check: {{.Verdict.Status}} ({{printf "%.2f" .Verdict.Confidence}}){{end}}`

var missionLabels = map[string]string{
	trust.MissionMorningLunchPeak: "Morning/lunch peak",
	trust.MissionAfternoonOffPeak: "Afternoon off-peak",
	trust.MissionEveningPeak:      "Evening peak",
	trust.MissionLateNightOffPeak: "Late-night off-peak",
}

type missionLine struct {
	Label           string
	Current, Target int
}

var funcs = template.FuncMap{
	"title": func(k delivery.Kind) string {
		s := string(k)
		if s == "" {
			return ""
		}
		return strings.ToUpper(s[:1]) + s[1:]
	},
	"num": func(p *float64) string {
		if p == nil {
			return "-"
		}
		return fmt.Sprintf("%.1f", *p)
	},
	"int": func(p *int) string {
		if p == nil {
			return "-"
		}
		return fmt.Sprint(*p)
	},
	"inc": func(i int) int { return i + 1 },
	// Telegram HTML helpers for parse_mode: HTML templates
	"esc":   tgui.Esc,
	"bold":  tgui.B,
	"code":  tgui.Code,
	"trunc": tgui.TruncRunes,
	"bar": progressBar,
	"missions": func(r trust.Reading) []missionLine {
		var out []missionLine
		for _, k := range trust.MissionKeys {
			m, ok := r.Missions[k]
			if !ok {
				continue
			}
			out = append(out, missionLine{Label: missionLabels[k], Current: m.Current, Target: m.Target})
		}
		return out
	},
	"top": func(r trust.Reading, n int) []trust.Rider {
		rs := append([]trust.Rider(nil), r.Riders...)
		sort.SliceStable(rs, func(i, j int) bool { return rs[i].Contribution > rs[j].Contribution })
		if len(rs) > n {
			rs = rs[:n]
		}
		return rs
	},
}

// progressBar draws ten cells; a met target is marked done.
func progressBar(cur, target int) string {
	if target <= 0 {
		return ""
	}
	filled := min(cur*10/target, 10)
	if filled < 0 {
		filled = 0
	}
	s := strings.Repeat("#", filled) + strings.Repeat(".", 10-filled)
	if cur >= target {
		return s + " done"
	}
	return fmt.Sprintf("%s %d%%", s, cur*100/target)
}

// TemplateProducer renders a Brief with text/template.
type TemplateProducer struct {
	tmpl *template.Template
}

var _ orchestrator.Producer = (*TemplateProducer)(nil)

// NewTemplateProducer parses text, or DefaultTemplate when text is empty.
func NewTemplateProducer(text string) (*TemplateProducer, error) {
	if strings.TrimSpace(text) == "" {
		text = DefaultTemplate
	}
	t, err := template.New("report").Funcs(funcs).Option("missingkey=error").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("report template: %w", err)
	}
	return &TemplateProducer{tmpl: t}, nil
}

func (p *TemplateProducer) Produce(_ context.Context, b orchestrator.Brief) (string, error) {
	var sb strings.Builder
	if err := p.tmpl.Execute(&sb, b); err != nil {
		return "", fmt.Errorf("render report: %w", err)
	}
	return strings.TrimSpace(sb.String()), nil
}
