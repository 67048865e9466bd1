package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/kwsync/internal/ir"
)

// AddOptions holds flags for the add command.
type AddOptions struct {
	*RootOptions
	Database   string
	Key        string
	URL        string
	Name       string
	SuggestURL string
}

// NewAddCommand creates the add command.
func NewAddCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &AddOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a local entry",
		Long: `Add a user entry to the local registry.

While syncing the entry is assigned a guid and pushed upstream at once;
otherwise it is pushed by the next merge.

Example:
  kwsync add --db ./kwsync.db --key wiki --url "https://en.wikipedia.org/w/index.php?search={searchTerms}"`,
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

			id, err := s.engine.Add(ir.Entry{
				LookupKey:          opts.Key,
				ShortName:          opts.Name,
				URLTemplate:        opts.URL,
				SuggestURLTemplate: opts.SuggestURL,
				Origin:             ir.OriginUser,
				Replaceable:        true,
			})
			if err != nil {
				return out.Fail(ExitFailure, ErrCodeRefused, "add entry", err)
			}
			out.VerboseLog("Added entry %d", id)

			changes, err := s.commit(ctx, "add", nil)
			if err != nil {
				return out.Fail(ExitCommandError, ErrCodeStore, "save state", err)
			}
			return out.Success(newSyncReport(s, changes, nil))
		},
	}

	addDBFlag(cmd, &opts.Database)
	cmd.Flags().StringVar(&opts.Key, "key", "", "lookup key (required)")
	cmd.Flags().StringVar(&opts.URL, "url", "", "URL template (required)")
	cmd.Flags().StringVar(&opts.Name, "name", "", "short display name")
	cmd.Flags().StringVar(&opts.SuggestURL, "suggest-url", "", "suggestion URL template")
	_ = cmd.MarkFlagRequired("key")
	_ = cmd.MarkFlagRequired("url")

	return cmd
}

// RemoveOptions holds flags for the remove command.
type RemoveOptions struct {
	*RootOptions
	Database string
	GUID     string
	ID       int64
	Key      string
}

// NewRemoveCommand creates the remove command.
func NewRemoveCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RemoveOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "remove",
		Short: "Remove a local entry",
		Long: `Remove an entry from the local registry by guid, local id or key owner.

Baseline entries and the current default cannot be removed. While syncing a
synced entry is deleted upstream at once; otherwise the delete is sent by
the next merge.

Examples:
  kwsync remove --db ./kwsync.db --guid g1
  kwsync remove --db ./kwsync.db --key wiki`,
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

			target, err := opts.target(cmd, s)
			if err != nil {
				return out.Fail(ExitCommandError, ErrCodeInput, "find entry", err)
			}
			if err := s.engine.Remove(target.LocalID); err != nil {
				return out.Fail(ExitFailure, ErrCodeRefused, "remove entry", err)
			}

			changes, err := s.commit(ctx, "remove", nil)
			if err != nil {
				return out.Fail(ExitCommandError, ErrCodeStore, "save state", err)
			}
			return out.Success(newSyncReport(s, changes, nil))
		},
	}

	addDBFlag(cmd, &opts.Database)
	cmd.Flags().StringVar(&opts.GUID, "guid", "", "remove the entry with this sync guid")
	cmd.Flags().Int64Var(&opts.ID, "id", 0, "remove the entry with this local id")
	cmd.Flags().StringVar(&opts.Key, "key", "", "remove the owner of this key")
	cmd.MarkFlagsMutuallyExclusive("guid", "id", "key")
	cmd.MarkFlagsOneRequired("guid", "id", "key")

	return cmd
}

func (o *RemoveOptions) target(cmd *cobra.Command, s *session) (ir.Entry, error) {
	switch {
	case cmd.Flags().Changed("id"):
		if e, ok := s.engine.FindByLocalID(ir.LocalID(o.ID)); ok {
			return e, nil
		}
		return ir.Entry{}, fmt.Errorf("no entry with id %d", o.ID)
	case o.GUID != "":
		if e, ok := s.engine.FindByGUID(o.GUID); ok {
			return e, nil
		}
		return ir.Entry{}, fmt.Errorf("no entry with guid %q", o.GUID)
	default:
		if e, ok := s.engine.FindOwner(o.Key); ok {
			return e, nil
		}
		return ir.Entry{}, fmt.Errorf("no owner for key %q", o.Key)
	}
}
