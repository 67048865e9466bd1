package cli

import (
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/roach88/kwsync/internal/harness"
)

// MergeOptions holds flags for the merge command.
type MergeOptions struct {
	*RootOptions
	Database string
	Snapshot string
}

// NewMergeCommand creates the merge command.
func NewMergeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &MergeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "merge",
		Short: "Merge a full remote snapshot",
		Long: `Merge a full snapshot from the sync service into the local registry.

Merging starts a sync session. Every record is reconciled with the local
entry of the same guid or key, local-only entries are assigned guids, and
the resulting outgoing changes are printed and appended to the change log.

The snapshot file lists records:

  records:
    - guid: g1
      key: wiki
      url: https://en.wikipedia.org/w/index.php?search={searchTerms}
      modified: 1700000000

Example:
  kwsync merge --db ./kwsync.db --snapshot ./snapshot.yaml`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMerge(opts, cmd)
		},
	}

	addDBFlag(cmd, &opts.Database)
	cmd.Flags().StringVar(&opts.Snapshot, "snapshot", "", "path to snapshot YAML file (required)")
	_ = cmd.MarkFlagRequired("snapshot")

	return cmd
}

func runMerge(opts *MergeOptions, cmd *cobra.Command) error {
	out := opts.formatter(cmd)
	ctx := cmd.Context()

	data, err := afero.ReadFile(opts.fs(), opts.Snapshot)
	if err != nil {
		return out.Fail(ExitCommandError, ErrCodeInput, "read snapshot", err)
	}
	records, err := harness.ParseSnapshot(data)
	if err != nil {
		return out.Fail(ExitCommandError, ErrCodeInput, "invalid snapshot", err)
	}

	s, err := openSession(ctx, opts.RootOptions, opts.Database)
	if err != nil {
		return out.Fail(ExitCommandError, ErrCodeStore, "open database", err)
	}
	defer s.Close()

	out.VerboseLog("Merging %d records into %d entries", len(records), s.engine.Len())
	res := s.engine.Merge(records)

	changes, err := s.commit(ctx, "merge", res.Changes)
	if err != nil {
		return out.Fail(ExitCommandError, ErrCodeStore, "save state", err)
	}
	return out.Success(newSyncReport(s, changes, res.Diagnostics))
}
