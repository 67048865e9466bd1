package cli

import (
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/roach88/kwsync/internal/engine"
	"github.com/roach88/kwsync/internal/harness"
)

// ApplyOptions holds flags for the apply command.
type ApplyOptions struct {
	*RootOptions
	Database string
	Changes  string
}

// NewApplyCommand creates the apply command.
func NewApplyCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ApplyOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Apply incremental changes from the sync service",
		Long: `Apply a batch of incremental changes within the current sync session.

Changes are applied in file order. Problems with single changes are reported
as diagnostics; applying outside a sync session (before the first merge or
after stop) fails with exit code 1.

The changes file lists changes of kind add, update, delete or default:

  changes:
    - kind: add
      record: {guid: g2, key: maps, url: "https://maps.example/?q={searchTerms}", modified: 1700000100}
    - kind: delete
      guid: g1
    - kind: default
      guid: g2

Example:
  kwsync apply --db ./kwsync.db --changes ./changes.yaml`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runApply(opts, cmd)
		},
	}

	addDBFlag(cmd, &opts.Database)
	cmd.Flags().StringVar(&opts.Changes, "changes", "", "path to changes YAML file (required)")
	_ = cmd.MarkFlagRequired("changes")

	return cmd
}

func runApply(opts *ApplyOptions, cmd *cobra.Command) error {
	out := opts.formatter(cmd)
	ctx := cmd.Context()

	data, err := afero.ReadFile(opts.fs(), opts.Changes)
	if err != nil {
		return out.Fail(ExitCommandError, ErrCodeInput, "read changes", err)
	}
	changes, err := harness.ParseChanges(data)
	if err != nil {
		return out.Fail(ExitCommandError, ErrCodeInput, "invalid changes", err)
	}

	s, err := openSession(ctx, opts.RootOptions, opts.Database)
	if err != nil {
		return out.Fail(ExitCommandError, ErrCodeStore, "open database", err)
	}
	defer s.Close()

	diags, applyErr := s.engine.ApplyChanges(changes)

	// Changes applied before a failure are kept.
	outgoing, err := s.commit(ctx, "apply", nil)
	if err != nil {
		return out.Fail(ExitCommandError, ErrCodeStore, "save state", err)
	}
	if applyErr != nil {
		if engine.IsNotSyncing(applyErr) {
			return out.Fail(ExitFailure, ErrCodeRefused, "not syncing: run merge first", applyErr)
		}
		return out.Fail(ExitFailure, ErrCodeRefused, "apply changes", applyErr)
	}
	return out.Success(newSyncReport(s, outgoing, diags))
}
