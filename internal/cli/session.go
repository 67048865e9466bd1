package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/kwsync/internal/engine"
	"github.com/roach88/kwsync/internal/ir"
	"github.com/roach88/kwsync/internal/store"
)

// session is one command's view of the persisted engine: it loads the
// state from the database, lets the command drive the engine, then saves
// the new state and logs the outgoing changes.
type session struct {
	store  *store.Store
	engine *engine.Engine
	logger *slog.Logger

	// published holds the default selections announced during the command.
	published []string
}

// addDBFlag registers --db on cmd. An empty value falls back to the
// configured database.
func addDBFlag(cmd *cobra.Command, target *string) {
	cmd.Flags().StringVar(target, "db", "", "path to SQLite database (default from config)")
}

// openSession opens the database and restores the engine saved in it.
func openSession(ctx context.Context, opts *RootOptions, dbPath string) (*session, error) {
	if dbPath == "" {
		dbPath = opts.Config.Database
	}
	if dbPath == "" {
		return nil, errors.New("no database: pass --db or set database in the config")
	}

	logger := opts.logger()
	st, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}

	state, err := st.Load(ctx)
	if err != nil {
		st.Close()
		return nil, err
	}

	s := &session{store: st, logger: logger}

	engineOpts, err := opts.Config.EngineOptions()
	if err != nil {
		st.Close()
		return nil, err
	}
	engineOpts = append(engineOpts,
		engine.WithLogger(logger),
		engine.WithPublisher(engine.PublisherFunc(s.publish)),
	)

	s.engine, err = engine.Restore(state, engineOpts...)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("restore engine: %w", err)
	}
	logger.Debug("session opened", "db", dbPath, "entries", s.engine.Len(), "syncing", s.engine.Syncing())
	return s, nil
}

func (s *session) publish(guid string, id ir.LocalID) {
	s.logger.Info("default published", "guid", guid, "local_id", id)
	s.published = append(s.published, guid)
}

// commit drains the outgoing changes after produced, appends them all to
// the change log under cause and saves the engine state. The full list is
// returned for reporting.
func (s *session) commit(ctx context.Context, cause string, produced []ir.Change) ([]ir.Change, error) {
	changes := append(produced, s.engine.DrainChanges()...)
	if err := s.store.AppendChanges(ctx, cause, changes); err != nil {
		return nil, err
	}
	if err := s.store.Save(ctx, s.engine.State()); err != nil {
		return nil, err
	}
	s.logger.Debug("session committed", "cause", cause, "changes", len(changes))
	return changes, nil
}

func (s *session) Close() error {
	return s.store.Close()
}

// syncReport is the result of a command that may produce outgoing changes.
type syncReport struct {
	Changes     []map[string]any `json:"changes"`
	Diagnostics []diagnostic     `json:"diagnostics"`
	Default     string           `json:"default"`
	Published   []string         `json:"published,omitempty"`

	changes []ir.Change
}

type diagnostic struct {
	Code    string `json:"code"`
	GUID    string `json:"guid,omitempty"`
	Message string `json:"message"`
}

func newSyncReport(s *session, changes []ir.Change, diags []engine.Diagnostic) syncReport {
	r := syncReport{
		Changes:     make([]map[string]any, len(changes)),
		Diagnostics: make([]diagnostic, len(diags)),
		Default:     s.engine.Default().String(),
		Published:   s.published,
		changes:     changes,
	}
	for i, c := range changes {
		r.Changes[i] = ir.ChangeObject(c)
	}
	for i, d := range diags {
		r.Diagnostics[i] = diagnostic{Code: string(d.Err.Code), GUID: d.GUID, Message: d.Err.Message}
	}
	return r
}

func (r syncReport) String() string {
	var b strings.Builder
	if len(r.changes) == 0 {
		b.WriteString("No outgoing changes.\n")
	}
	for _, c := range r.changes {
		fmt.Fprintf(&b, "> %s\n", c)
	}
	for _, d := range r.Diagnostics {
		fmt.Fprintf(&b, "! %s", d.Code)
		if d.GUID != "" {
			fmt.Fprintf(&b, " %s", d.GUID)
		}
		fmt.Fprintf(&b, ": %s\n", d.Message)
	}
	for _, g := range r.Published {
		fmt.Fprintf(&b, "default published: %s\n", g)
	}
	fmt.Fprintf(&b, "default: %s", r.Default)
	return b.String()
}
