package sync

import (
	"fmt"
	"io"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

// Renderer prints reports as tables
type Renderer struct {
	out   io.Writer
	color bool
}

// NewRenderer creates a renderer writing to out; color enables ANSI colors
func NewRenderer(out io.Writer, color bool) *Renderer {
	return &Renderer{out: out, color: color}
}

// Render prints one table covering every category in reports
func (r *Renderer) Render(title string, reports []*Report) {
	t := table.NewWriter()
	t.SetOutputMirror(r.out)
	t.SetStyle(table.StyleLight)
	t.SetTitle(title)
	t.AppendHeader(table.Row{"CATEGORY", "FILE", "ACTION", "DETAIL"})

	for _, rep := range reports {
		if rep.Skipped {
			t.AppendRow(table.Row{rep.Category, "", r.paint(text.FgHiBlack, "-- skipped"), rep.SkipReason})
			continue
		}
		if len(rep.Outcomes) == 0 && rep.Err == nil {
			t.AppendRow(table.Row{rep.Category, "", r.paint(text.FgHiBlack, "-- empty"), "no tracked files"})
			continue
		}
		for _, o := range rep.Outcomes {
			t.AppendRow(table.Row{rep.Category, o.File, r.action(o), o.Detail})
		}
		if rep.Err != nil && len(rep.Outcomes) == 0 {
			t.AppendRow(table.Row{rep.Category, "", r.paint(text.FgRed, "!! aborted"), rep.Err.Error()})
		}
	}

	t.Render()
}

// Summary prints counts of written, unchanged and failed files
func (r *Renderer) Summary(res *Result) {
	upToDate := 0
	for _, rep := range res.Reports {
		for _, o := range rep.Outcomes {
			if o.Decision == DecisionUpToDate {
				upToDate++
			}
		}
	}
	_, _ = fmt.Fprintf(r.out, "%d written, %d up to date, %d failed\n", res.Written(), upToDate, res.Failures())
}

// Println writes a plain message line
func (r *Renderer) Println(msg string) {
	_, _ = fmt.Fprintln(r.out, msg)
}

func (r *Renderer) action(o Outcome) string {
	if o.Err != nil {
		return r.paint(text.FgRed, "!! failed")
	}
	label := o.Decision.Indicator() + " " + o.Decision.Label()
	switch o.Decision {
	case DecisionLocalToRepo, DecisionCreateInRepo:
		return r.paint(text.FgYellow, label)
	case DecisionRepoToLocal, DecisionCreateLocally:
		return r.paint(text.FgCyan, label)
	case DecisionUpToDate:
		return r.paint(text.FgGreen, label)
	default:
		return r.paint(text.FgHiBlack, label)
	}
}

func (r *Renderer) paint(c text.Color, s string) string {
	if !r.color {
		return s
	}
	return text.Colors{c}.Sprint(s)
}
