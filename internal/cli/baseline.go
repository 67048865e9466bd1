package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/kwsync/internal/baseline"
	"github.com/roach88/kwsync/internal/ir"
)

// BaselineOptions holds flags for the baseline command.
type BaselineOptions struct {
	*RootOptions
	Database string
	Repair   bool
}

// NewBaselineCommand creates the baseline command.
func NewBaselineCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &BaselineOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "baseline [baseline-dir]",
		Short: "Load or repair the baseline entries",
		Long: `Load the baseline sets declared in a directory of CUE files.

Baseline members whose provenance id is not yet in the registry are
inserted. With --repair, drifted or demoted members are also restored to
their declared content and missing ones are re-inserted.

The directory defaults to baseline_dir from the config.

Examples:
  kwsync baseline --db ./kwsync.db ./baseline
  kwsync baseline --db ./kwsync.db --repair`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := opts.Config.BaselineDir
			if len(args) == 1 {
				dir = args[0]
			}
			return runBaseline(opts, dir, cmd)
		},
	}

	addDBFlag(cmd, &opts.Database)
	cmd.Flags().BoolVar(&opts.Repair, "repair", false, "restore drifted baseline entries")

	return cmd
}

func runBaseline(opts *BaselineOptions, dir string, cmd *cobra.Command) error {
	out := opts.formatter(cmd)
	ctx := cmd.Context()

	if dir == "" {
		return out.Fail(ExitCommandError, ErrCodeInput, "no baseline directory: pass one or set baseline_dir in the config", nil)
	}

	sets, err := baseline.LoadDir(dir)
	if err != nil {
		return out.Fail(ExitCommandError, ErrCodeInput, "load baseline", err)
	}
	entries := baseline.Entries(sets)
	for _, set := range sets {
		out.VerboseLog("Baseline set %s: %d entries", set.Name, len(set.Entries))
	}

	s, err := openSession(ctx, opts.RootOptions, opts.Database)
	if err != nil {
		return out.Fail(ExitCommandError, ErrCodeStore, "open database", err)
	}
	defer s.Close()

	cause := "baseline"
	var touched []ir.LocalID
	if opts.Repair {
		cause = "repair_baseline"
		touched, err = s.engine.RepairBaseline(entries)
	} else {
		touched, err = s.engine.LoadBaseline(entries)
	}
	if err != nil {
		return out.Fail(ExitFailure, ErrCodeRefused, "apply baseline", err)
	}

	changes, err := s.commit(ctx, cause, nil)
	if err != nil {
		return out.Fail(ExitCommandError, ErrCodeStore, "save state", err)
	}

	report := baselineReport{
		Sets:       make([]string, len(sets)),
		Touched:    make([]int64, len(touched)),
		Repair:     opts.Repair,
		syncReport: newSyncReport(s, changes, nil),
	}
	for i, set := range sets {
		report.Sets[i] = set.Name
	}
	for i, id := range touched {
		report.Touched[i] = int64(id)
	}
	return out.Success(report)
}

type baselineReport struct {
	Sets    []string `json:"sets"`
	Touched []int64  `json:"touched"`
	Repair  bool     `json:"repair"`
	syncReport
}

func (r baselineReport) String() string {
	verb := "inserted"
	if r.Repair {
		verb = "repaired"
	}
	return fmt.Sprintf("Baseline sets: %s\n%d entries %s\n%s",
		strings.Join(r.Sets, ", "), len(r.Touched), verb, r.syncReport.String())
}
