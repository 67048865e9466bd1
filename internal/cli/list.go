package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/roach88/kwsync/internal/ir"
)

// ListOptions holds flags for the list command.
type ListOptions struct {
	*RootOptions
	Database string
}

// NewListCommand creates the list command.
func NewListCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ListOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registry entries",
		Long: `List every entry in the local registry in local id order.

Flags mark the owner of each key (*), shadowed baseline entries (s), the
bound default (d) and entries not yet synced (u).

Example:
  kwsync list --db ./kwsync.db
  kwsync list --db ./kwsync.db --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := opts.formatter(cmd)

			s, err := openSession(cmd.Context(), opts.RootOptions, opts.Database)
			if err != nil {
				return out.Fail(ExitCommandError, ErrCodeStore, "open database", err)
			}
			defer s.Close()

			return out.Success(newListReport(s))
		},
	}

	addDBFlag(cmd, &opts.Database)

	return cmd
}

type listReport struct {
	Entries []map[string]any `json:"entries"`
	Default string           `json:"default"`
	Syncing bool             `json:"syncing"`

	rows []listRow
}

type listRow struct {
	entry                      ir.Entry
	owner, shadowed, isDefault bool
}

func newListReport(s *session) listReport {
	state := s.engine.State()
	owners := make(map[ir.LocalID]bool, len(state.Owners))
	for _, id := range state.Owners {
		owners[id] = true
	}
	shadowed := make(map[ir.LocalID]bool, len(state.Shadowed))
	for _, id := range state.Shadowed {
		shadowed[id] = true
	}
	def, hasDefault := s.engine.DefaultEntry()

	r := listReport{
		Entries: make([]map[string]any, len(state.Entries)),
		Default: state.Default.String(),
		Syncing: state.Syncing,
	}
	for i, e := range state.Entries {
		row := listRow{
			entry:     e,
			owner:     owners[e.LocalID],
			shadowed:  shadowed[e.LocalID],
			isDefault: hasDefault && def.LocalID == e.LocalID,
		}
		obj := ir.EntryObject(e)
		obj["owner"] = row.owner
		obj["shadowed"] = row.shadowed
		obj["default"] = row.isDefault
		r.Entries[i] = obj
		r.rows = append(r.rows, row)
	}
	return r
}

func (r listReport) String() string {
	if len(r.rows) == 0 {
		return fmt.Sprintf("No entries.\ndefault: %s", r.Default)
	}

	var b strings.Builder
	tw := tabwriter.NewWriter(&b, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tFLAGS\tKEY\tGUID\tURL")
	for _, row := range r.rows {
		guid := row.entry.SyncGUID
		if guid == "" {
			guid = "-"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", row.entry.LocalID, row.flags(), row.entry.LookupKey, guid, row.entry.URLTemplate)
	}
	tw.Flush()
	fmt.Fprintf(&b, "default: %s", r.Default)
	return b.String()
}

func (r listRow) flags() string {
	var f []byte
	if r.owner {
		f = append(f, '*')
	}
	if r.shadowed {
		f = append(f, 's')
	}
	if r.isDefault {
		f = append(f, 'd')
	}
	if !r.entry.Synced() {
		f = append(f, 'u')
	}
	if len(f) == 0 {
		return "-"
	}
	return string(f)
}
