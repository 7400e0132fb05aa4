package cmd

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"kreconcile/internal/demo"
	"kreconcile/pkg/logging"
	kstrings "kreconcile/pkg/strings"
)

func newDemoCmd() *cobra.Command {
	var (
		scenario int
		quiet    bool
	)
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run the reference reconciliation scenarios in-process",
		Long: `Runs the built-in scenarios against a fresh in-memory store and prints
a summary table:

  1. the finalizer is written before anything else, then the Bucket
     becomes Ready
  2. deleting a Bucket releases the external bucket and removes it
  3. adds of an in-flight key coalesce into exactly one more pass
  4. a status write that hits a conflict is retried and lands

Exits with code 3 when a scenario fails.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			scenarios, err := selectScenarios(scenario)
			if err != nil {
				return err
			}
			if logLevel == "" {
				logging.InitForCLI(logging.LevelError, cmd.ErrOrStderr())
			} else if level, err := logging.ParseLevel(logLevel); err == nil {
				logging.InitForCLI(level, cmd.ErrOrStderr())
			} else {
				return err
			}

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			results := runScenarios(ctx, scenarios, quiet, cmd.ErrOrStderr())
			return renderResults(cmd.OutOrStdout(), results)
		},
	}
	cmd.Flags().IntVar(&scenario, "scenario", 0, "Run only this scenario number (default: all)")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Do not show progress")
	return cmd
}

func selectScenarios(number int) ([]demo.Scenario, error) {
	all := demo.Scenarios()
	if number == 0 {
		return all, nil
	}
	for _, sc := range all {
		if sc.Number == number {
			return []demo.Scenario{sc}, nil
		}
	}
	return nil, fmt.Errorf("unknown scenario %d, expected 1-%d", number, len(all))
}

func runScenarios(ctx context.Context, scenarios []demo.Scenario, quiet bool, progressOut io.Writer) []demo.Result {
	if quiet {
		return demo.Run(ctx, scenarios, nil)
	}

	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(progressOut))
	s.Start()
	defer s.Stop()
	return demo.Run(ctx, scenarios, func(sc demo.Scenario) {
		s.Lock()
		s.Suffix = fmt.Sprintf(" Scenario %d: %s...", sc.Number, sc.Name)
		s.Unlock()
	})
}

// renderResults prints the results table and returns errScenariosFailed
// when any scenario failed.
func renderResults(out io.Writer, results []demo.Result) error {
	t := table.NewWriter()
	t.SetOutputMirror(out)
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{
		text.FgHiCyan.Sprint("#"),
		text.FgHiCyan.Sprint("SCENARIO"),
		text.FgHiCyan.Sprint("RESULT"),
		text.FgHiCyan.Sprint("DURATION"),
		text.FgHiCyan.Sprint("DETAIL"),
	})

	failed := 0
	for _, r := range results {
		outcome := color.GreenString("PASS")
		if !r.Passed {
			outcome = color.RedString("FAIL")
			failed++
		}
		t.AppendRow(table.Row{r.Scenario, r.Name, outcome, r.Duration.Round(time.Millisecond), kstrings.Truncate(r.Detail, kstrings.TableCellMaxLen)})
	}
	t.Render()

	if failed > 0 {
		fmt.Fprintln(out, color.RedString("%d of %d scenarios failed", failed, len(results)))
		return errScenariosFailed
	}
	fmt.Fprintln(out, color.GreenString("All %d scenarios passed", len(results)))
	return nil
}

func init() {
	// fatih/color already turns itself off when stdout is not a terminal.
	if color.NoColor {
		text.DisableColors()
	}
}
