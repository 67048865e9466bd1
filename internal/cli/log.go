package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/kwsync/internal/store"
)

// LogOptions holds flags for the log command.
type LogOptions struct {
	*RootOptions
	Database string
	GUID     string
	After    int64
}

// NewLogCommand creates the log command.
func NewLogCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &LogOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "log",
		Short: "Show the outgoing change log",
		Long: `Show the outgoing changes recorded by earlier commands, oldest first.

Each record carries the command that produced it and the change body in
canonical JSON.

Examples:
  kwsync log --db ./kwsync.db
  kwsync log --db ./kwsync.db --guid g1
  kwsync log --db ./kwsync.db --after 40 --format json`,
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

			records, err := s.store.ReadChangeLog(ctx, opts.After, opts.GUID)
			if err != nil {
				return out.Fail(ExitCommandError, ErrCodeStore, "read change log", err)
			}
			return out.Success(newLogReport(records))
		},
	}

	addDBFlag(cmd, &opts.Database)
	cmd.Flags().StringVar(&opts.GUID, "guid", "", "only show changes for this sync guid")
	cmd.Flags().Int64Var(&opts.After, "after", 0, "only show records after this sequence number")

	return cmd
}

type logReport struct {
	Records []logEntry `json:"records"`
}

type logEntry struct {
	Seq   int64           `json:"seq"`
	Cause string          `json:"cause"`
	Kind  string          `json:"kind"`
	GUID  string          `json:"guid"`
	Body  json.RawMessage `json:"body"`
}

func newLogReport(records []store.LogRecord) logReport {
	r := logReport{Records: make([]logEntry, len(records))}
	for i, rec := range records {
		r.Records[i] = logEntry{
			Seq:   rec.Seq,
			Cause: rec.Cause,
			Kind:  rec.Kind,
			GUID:  rec.GUID,
			Body:  json.RawMessage(rec.Body),
		}
	}
	return r
}

func (r logReport) String() string {
	if len(r.Records) == 0 {
		return "No changes logged."
	}
	var b strings.Builder
	for i, rec := range r.Records {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%d %s %s %s", rec.Seq, rec.Cause, rec.Kind, rec.GUID)
	}
	return b.String()
}
