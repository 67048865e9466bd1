package cli

import (
	"github.com/spf13/cobra"
)

// StopOptions holds flags for the stop command.
type StopOptions struct {
	*RootOptions
	Database string
}

// NewStopCommand creates the stop command.
func NewStopCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StopOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "stop",
		Short: "End the sync session",
		Long: `End the current sync session.

Pending outgoing changes are dropped and the in-flight ledger is reset.
Local removals made afterwards are remembered and deleted upstream by the
next merge.

Example:
  kwsync stop --db ./kwsync.db`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := opts.formatter(cmd)
			ctx := cmd.Context()

			s, err := openSession(ctx, opts.RootOptions, opts.Database)
			if err != nil {
				return out.Fail(ExitCommandError, ErrCodeStore, "open database", err)
			}
			defer s.Close()

			wasSyncing := s.engine.Syncing()
			s.engine.StopSyncing()
			if _, err := s.commit(ctx, "stop", nil); err != nil {
				return out.Fail(ExitCommandError, ErrCodeStore, "save state", err)
			}
			return out.Success(stopReport{WasSyncing: wasSyncing})
		},
	}

	addDBFlag(cmd, &opts.Database)

	return cmd
}

type stopReport struct {
	WasSyncing bool `json:"was_syncing"`
}

func (r stopReport) String() string {
	if !r.WasSyncing {
		return "Not syncing."
	}
	return "Sync session ended."
}
