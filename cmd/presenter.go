package cmd

import (
	"fmt"
	"io"
	"iter"
	"strings"
	"time"

	"github.com/xmonitor/pkg/models"
)

// presenter prints the feed to the terminal, one block per event
type presenter struct {
	out   io.Writer
	quiet bool // only items and analysis
}

func (p *presenter) consume(feed iter.Seq[models.FeedEvent]) {
	for ev := range feed {
		p.print(ev)
	}
}

func (p *presenter) print(ev models.FeedEvent) {
	at := ev.Header().At.Local().Format("15:04:05")

	switch e := ev.(type) {
	case *models.ItemEvent:
		fmt.Fprintf(p.out, "%s  %s  %s\n", at, e.Target.Label, e.Item.Author())
		fmt.Fprintf(p.out, "%s\n", indent(e.Item.Text))
		fmt.Fprintf(p.out, "    %s\n\n", e.Item.URL())

	case *models.AnalysisEvent:
		if e.Err != nil {
			fmt.Fprintf(p.out, "%s  %s  analysis failed for %s: %v\n\n", at, e.Target.Label, e.Item.ID, e.Err)
			return
		}
		fmt.Fprintf(p.out, "%s  %s  analysis of %s (%s/%s, %s)\n", at, e.Target.Label, e.Item.ID, e.Provider, e.Model, e.Duration.Round(100*time.Millisecond))
		fmt.Fprintf(p.out, "%s\n\n", indent(e.Output))

	case *models.SystemEvent:
		if p.quiet && e.Level == models.LevelInfo {
			return
		}
		fmt.Fprintf(p.out, "%s  %s\n", at, models.Summarize(e))
	}
}

func indent(text string) string {
	lines := strings.Split(strings.TrimSpace(text), "\n")
	for i, l := range lines {
		lines[i] = "    " + strings.TrimRight(l, " \t")
	}
	return strings.Join(lines, "\n")
}
