package cli

import (
	"github.com/spf13/cobra"

	"github.com/roach88/kwsync/internal/ir"
)

// DefaultOptions holds flags for the default command.
type DefaultOptions struct {
	*RootOptions
	Database string
	GUID     string
	ID       int64
	Clear    bool
}

// NewDefaultCommand creates the default command.
func NewDefaultCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DefaultOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "default",
		Short: "Show or change the default selection",
		Long: `Show or change the default selection.

With --guid the default is named by sync guid; if no entry carries the guid
yet, the selection stays pending until one arrives. With --id the default is
bound to a local entry directly. --clear unsets it. Without flags the
current selection is shown.

Examples:
  kwsync default --db ./kwsync.db
  kwsync default --db ./kwsync.db --guid g1
  kwsync default --db ./kwsync.db --id 3
  kwsync default --db ./kwsync.db --clear`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDefault(opts, cmd)
		},
	}

	addDBFlag(cmd, &opts.Database)
	cmd.Flags().StringVar(&opts.GUID, "guid", "", "select the default by sync guid")
	cmd.Flags().Int64Var(&opts.ID, "id", 0, "select the default by local id")
	cmd.Flags().BoolVar(&opts.Clear, "clear", false, "unset the default")
	cmd.MarkFlagsMutuallyExclusive("guid", "id", "clear")

	return cmd
}

func runDefault(opts *DefaultOptions, cmd *cobra.Command) error {
	out := opts.formatter(cmd)
	ctx := cmd.Context()
	flags := cmd.Flags()

	s, err := openSession(ctx, opts.RootOptions, opts.Database)
	if err != nil {
		return out.Fail(ExitCommandError, ErrCodeStore, "open database", err)
	}
	defer s.Close()

	var submitErr error
	switch {
	case flags.Changed("guid"):
		submitErr = s.engine.SetDefaultGUID(opts.GUID)
	case flags.Changed("id"):
		id := ir.LocalID(opts.ID)
		if _, ok := s.engine.FindByLocalID(id); !ok {
			return out.Fail(ExitCommandError, ErrCodeInput, "no entry with that id", nil)
		}
		submitErr = s.engine.SetDefaultID(id)
	case opts.Clear:
		submitErr = s.engine.ClearDefault()
	default:
		return out.Success(newSyncReport(s, nil, nil))
	}

	changes, err := s.commit(ctx, "default", nil)
	if err != nil {
		return out.Fail(ExitCommandError, ErrCodeStore, "save state", err)
	}
	if submitErr != nil {
		return out.Fail(ExitFailure, ErrCodeRefused, "change default", submitErr)
	}
	return out.Success(newSyncReport(s, changes, nil))
}
