package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/mattsolo1/grove-core/cli"
	"github.com/spf13/cobra"

	"github.com/mattsolo1/grove-narrative/pkg/carousel"
	"github.com/mattsolo1/grove-narrative/pkg/orchestration"
)

const maxPreview = 240

// commonOptions are shared by commands that load narratives.
type commonOptions struct {
	configPath string
	files      []string
}

func (o *commonOptions) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&o.configPath, "config", "", "Path to narrate.yml (default ./narrate.yml if present)")
	cmd.Flags().StringSliceVarP(&o.files, "file", "f", nil, "Narrative definition files or directories (overrides config)")
}

// jsonOutput reports the root --json flag.
func jsonOutput(cmd *cobra.Command) bool {
	return cli.GetOptions(cmd).JSONOutput
}

func configureColor(f *os.File) {
	if !isatty.IsTerminal(f.Fd()) && !isatty.IsCygwinTerminal(f.Fd()) {
		color.NoColor = true
	}
}

func statusMark(s orchestration.ActStatus) string {
	switch s {
	case orchestration.ActCompleted:
		return color.GreenString("✓")
	case orchestration.ActSkipped:
		return color.YellowString("!")
	case orchestration.ActFailed:
		return color.RedString("✗")
	}
	return color.CyanString("•")
}

func preview(s string) string {
	s = strings.TrimSpace(s)
	if r := []rune(s); len(r) > maxPreview {
		return string(r[:maxPreview]) + "…"
	}
	return s
}

func printExecution(w io.Writer, ex *orchestration.NarrativeExecution) {
	fmt.Fprintf(w, "%s %s\n", color.New(color.Bold).Sprint(ex.Narrative), color.HiBlackString(ex.RunID))
	acts := ex.Acts
	if ex.Failed != nil {
		acts = append(append([]*orchestration.ActExecution{}, acts...), ex.Failed)
	}
	for _, a := range acts {
		elapsed := a.Finished.Sub(a.Started).Round(time.Millisecond)
		fmt.Fprintf(w, "  %s %s %s\n", statusMark(a.Status), a.Act, color.HiBlackString("(%s, %s)", a.Status, elapsed))
		if a.Err != nil {
			fmt.Fprintf(w, "      %s\n", color.RedString(a.Err.Error()))
			continue
		}
		for _, line := range strings.Split(preview(a.Output), "\n") {
			fmt.Fprintf(w, "      %s\n", line)
		}
	}
	for _, warn := range ex.Warnings {
		fmt.Fprintf(w, "  %s %s\n", color.YellowString("warning:"), warn)
	}
	fmt.Fprintf(w, "  %s %d requests, %d tokens\n", color.HiBlackString("usage:"), ex.Usage.Requests, ex.Usage.Tokens)
}

type actReport struct {
	Act    string                  `json:"act"`
	Status orchestration.ActStatus `json:"status"`
	Output string                  `json:"output,omitempty"`
	Model  string                  `json:"model,omitempty"`
	Tokens int                     `json:"tokens,omitempty"`
	Error  string                  `json:"error,omitempty"`
}

type runReport struct {
	RunID     string         `json:"run_id"`
	Narrative string         `json:"narrative"`
	Acts      []actReport    `json:"acts"`
	Warnings  []string       `json:"warnings,omitempty"`
	Usage     carousel.Usage `json:"usage"`
	Error     string         `json:"error,omitempty"`
}

func newRunReport(ex *orchestration.NarrativeExecution, runErr error) runReport {
	rep := runReport{RunID: ex.RunID, Narrative: ex.Narrative, Usage: ex.Usage}
	acts := ex.Acts
	if ex.Failed != nil {
		acts = append(append([]*orchestration.ActExecution{}, acts...), ex.Failed)
	}
	for _, a := range acts {
		r := actReport{Act: a.Act, Status: a.Status, Output: a.Output, Model: a.Model, Tokens: a.Usage.Total()}
		if a.Err != nil {
			r.Error = a.Err.Error()
		}
		rep.Acts = append(rep.Acts, r)
	}
	for _, w := range ex.Warnings {
		rep.Warnings = append(rep.Warnings, w.String())
	}
	if runErr != nil {
		rep.Error = runErr.Error()
	}
	return rep
}

func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON output: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func printCarouselState(w io.Writer, name string, st *carousel.State) {
	mark := color.GreenString("✓")
	switch st.Termination {
	case carousel.TerminationBudgetExhausted:
		mark = color.YellowString("■")
	case carousel.TerminationError:
		mark = color.RedString("✗")
	}
	fmt.Fprintf(w, "%s %s: %s\n", mark, color.New(color.Bold).Sprint(name), st.Termination)
	fmt.Fprintf(w, "  iterations: %d total, %d succeeded, %d failed\n", st.Total, st.Succeeded, st.Failed)
	if st.BudgetExhausted {
		fmt.Fprintf(w, "  budget exhausted: %s\n", st.ExhaustedMetric)
	}
	fmt.Fprintf(w, "  usage: %d requests, %d tokens\n", st.Usage.Requests, st.Usage.Tokens)
}
