package alignment

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"
)

const clock = "15:04:05.000"

// Render prints the per-label table and the aggregate score.
func (r *Report) Render(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)

	header := []string{"LABEL"}
	for _, n := range r.Datasets {
		header = append(header, strings.ToUpper(n))
	}
	header = append(header, "OVERLAP", "RATIO", "START GAP", "CLASS")
	fmt.Fprintln(tw, strings.Join(header, "\t"))

	for _, l := range r.Labels {
		cols := []string{l.Label}
		for _, n := range r.Datasets {
			win, ok := l.Windows[n]
			if !ok {
				cols = append(cols, "-")
				continue
			}
			cols = append(cols, fmt.Sprintf("%s..%s (%d)", win.Start.UTC().Format(clock), win.End.UTC().Format(clock), win.Count))
		}
		cols = append(cols,
			l.Overlap.Round(time.Millisecond).String(),
			fmt.Sprintf("%.2f", l.OverlapRatio),
			l.MaxStartGap.Round(time.Millisecond).String(),
			string(l.Class))
		fmt.Fprintln(tw, strings.Join(cols, "\t"))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	verdict := "PASS"
	if !r.Acceptable() {
		verdict = "FAIL"
	}
	_, err := fmt.Fprintf(w, "\nAlignment score: %.1f/100 (%s, threshold %.0f)\n", r.Score, verdict, r.PassScore)
	return err
}
