package cli

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// cliEnv runs commands against one database, reading input files from an
// in-memory filesystem.
type cliEnv struct {
	t  *testing.T
	fs afero.Fs
	db string
}

func newCLIEnv(t *testing.T) *cliEnv {
	t.Helper()
	return &cliEnv{
		t:  t,
		fs: afero.NewMemMapFs(),
		db: filepath.Join(t.TempDir(), "kwsync.db"),
	}
}

func (e *cliEnv) write(name, content string) string {
	e.t.Helper()
	path := "/input/" + name
	require.NoError(e.t, afero.WriteFile(e.fs, path, []byte(content), 0644))
	return path
}

// run executes one command with --db set and returns its stdout.
func (e *cliEnv) run(args ...string) (string, error) {
	e.t.Helper()
	out := &bytes.Buffer{}
	cmd := NewRootCommandWithFs(e.fs)
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(append(args, "--db", e.db))
	err := cmd.Execute()
	return out.String(), err
}

// runJSON executes one command with --format json and decodes the response.
func (e *cliEnv) runJSON(args ...string) (CLIResponse, error) {
	e.t.Helper()
	out, err := e.run(append([]string{"--format", "json"}, args...)...)
	var resp CLIResponse
	require.NoError(e.t, json.Unmarshal([]byte(out), &resp), "output: %s", out)
	return resp, err
}

func data(t *testing.T, resp CLIResponse) map[string]any {
	t.Helper()
	require.Equal(t, "ok", resp.Status, "error: %+v", resp.Error)
	m, ok := resp.Data.(map[string]any)
	require.True(t, ok, "data: %#v", resp.Data)
	return m
}

func actions(t *testing.T, d map[string]any) []string {
	t.Helper()
	changes, ok := d["changes"].([]any)
	require.True(t, ok, "changes: %#v", d["changes"])
	out := make([]string, len(changes))
	for i, c := range changes {
		obj := c.(map[string]any)
		out[i] = obj["action"].(string) + " " + obj["guid"].(string)
	}
	return out
}

const snapshotYAML = `
records:
  - guid: g1
    key: b
    url: http://b.example/
    modified: 100
`

func TestApply_BeforeMergeFails(t *testing.T) {
	env := newCLIEnv(t)
	changes := env.write("changes.yaml", "changes:\n  - kind: delete\n    guid: g1\n")

	resp, err := env.runJSON("apply", "--changes", changes)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeRefused, resp.Error.Code)
	assert.Contains(t, resp.Error.Details, "NOT_SYNCING")
}

func TestSyncSession(t *testing.T) {
	env := newCLIEnv(t)

	// A local entry made before the first merge is pushed by it.
	out, err := env.run("add", "--key", "a", "--url", "http://a.example/")
	require.NoError(t, err)
	assert.Contains(t, out, "No outgoing changes.")

	resp, err := env.runJSON("merge", "--snapshot", env.write("snapshot.yaml", snapshotYAML))
	require.NoError(t, err)
	merged := data(t, resp)
	pushed := actions(t, merged)
	require.Len(t, pushed, 1)
	assert.Regexp(t, `^add `, pushed[0])
	assert.Equal(t, "unset", merged["default"])

	changes := env.write("changes.yaml", `
changes:
  - kind: add
    record: {guid: g2, key: c, url: "http://c.example/", modified: 200}
  - kind: default
    guid: g2
`)
	resp, err = env.runJSON("apply", "--changes", changes)
	require.NoError(t, err)
	applied := data(t, resp)
	assert.Empty(t, actions(t, applied), "incoming changes are not echoed upstream")
	assert.Equal(t, "bound(3)", applied["default"])
	assert.Equal(t, []any{"g2"}, applied["published"])

	resp, err = env.runJSON("list")
	require.NoError(t, err)
	listed := data(t, resp)
	assert.Equal(t, "bound(3)", listed["default"])
	assert.Equal(t, true, listed["syncing"])
	entries := listed["entries"].([]any)
	require.Len(t, entries, 3)
	third := entries[2].(map[string]any)
	assert.Equal(t, "c", third["lookup_key"])
	assert.Equal(t, true, third["default"])
	assert.Equal(t, true, third["owner"])

	resp, err = env.runJSON("log")
	require.NoError(t, err)
	records := data(t, resp)["records"].([]any)
	require.Len(t, records, 1)
	rec := records[0].(map[string]any)
	assert.Equal(t, "merge", rec["cause"])
	assert.Equal(t, "add", rec["kind"])
	body := rec["body"].(map[string]any)
	assert.Equal(t, "add", body["action"])
}

func TestRemove(t *testing.T) {
	env := newCLIEnv(t)
	_, err := env.run("merge", "--snapshot", env.write("snapshot.yaml", snapshotYAML))
	require.NoError(t, err)

	_, err = env.run("default", "--guid", "g1")
	require.NoError(t, err)

	// The default cannot be removed.
	resp, err := env.runJSON("remove", "--key", "b")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, resp.Error.Details, "PROTECTED_DELETE")

	_, err = env.run("default", "--clear")
	require.NoError(t, err)

	resp, err = env.runJSON("remove", "--guid", "g1")
	require.NoError(t, err)
	assert.Equal(t, []string{"delete g1"}, actions(t, data(t, resp)))

	_, err = env.run("remove", "--guid", "g1")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), `no entry with guid "g1"`)

	resp, err = env.runJSON("log", "--guid", "g1")
	require.NoError(t, err)
	records := data(t, resp)["records"].([]any)
	require.Len(t, records, 1)
	assert.Equal(t, "remove", records[0].(map[string]any)["cause"])
}

func TestDefault(t *testing.T) {
	env := newCLIEnv(t)

	out, err := env.run("default")
	require.NoError(t, err)
	assert.Contains(t, out, "default: unset")

	resp, err := env.runJSON("default", "--guid", "g1")
	require.NoError(t, err)
	assert.Equal(t, "pending(g1)", data(t, resp)["default"])

	// The pending selection binds when the entry arrives.
	resp, err = env.runJSON("merge", "--snapshot", env.write("snapshot.yaml", snapshotYAML))
	require.NoError(t, err)
	merged := data(t, resp)
	assert.Equal(t, "bound(1)", merged["default"])
	assert.Equal(t, []any{"g1"}, merged["published"])

	resp, err = env.runJSON("default", "--clear")
	require.NoError(t, err)
	assert.Equal(t, "unset", data(t, resp)["default"])

	resp, err = env.runJSON("default", "--id", "1")
	require.NoError(t, err)
	assert.Equal(t, "bound(1)", data(t, resp)["default"])

	_, err = env.run("default", "--id", "99")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestStop(t *testing.T) {
	env := newCLIEnv(t)

	out, err := env.run("stop")
	require.NoError(t, err)
	assert.Equal(t, "Not syncing.\n", out)

	_, err = env.run("merge", "--snapshot", env.write("snapshot.yaml", snapshotYAML))
	require.NoError(t, err)

	out, err = env.run("stop")
	require.NoError(t, err)
	assert.Equal(t, "Sync session ended.\n", out)

	_, err = env.run("apply", "--changes", env.write("changes.yaml", "changes:\n  - kind: delete\n    guid: g1\n"))
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	// A removal while stopped is sent by the next merge.
	_, err = env.run("remove", "--guid", "g1")
	require.NoError(t, err)
	resp, err := env.runJSON("merge", "--snapshot", env.write("snapshot.yaml", snapshotYAML))
	require.NoError(t, err)
	assert.Equal(t, []string{"delete g1"}, actions(t, data(t, resp)))
}

func TestMerge_InputErrors(t *testing.T) {
	env := newCLIEnv(t)

	_, err := env.run("merge", "--snapshot", "/input/missing.yaml")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "read snapshot")

	resp, err := env.runJSON("merge", "--snapshot", env.write("bad.yaml", "records:\n  - gid: g1\n"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Equal(t, ErrCodeInput, resp.Error.Code)
}

func TestMerge_MalformedRecordsAreReported(t *testing.T) {
	env := newCLIEnv(t)

	out, err := env.run("merge", "--snapshot", env.write("snapshot.yaml", `
records:
  - guid: g1
    key: ""
    url: http://a.example/
    modified: 10
`))
	require.NoError(t, err)
	assert.Contains(t, out, "! MALFORMED_RECORD g1")
	assert.Contains(t, out, "default: unset")
}

func TestList_Text(t *testing.T) {
	env := newCLIEnv(t)

	out, err := env.run("list")
	require.NoError(t, err)
	assert.Equal(t, "No entries.\ndefault: unset\n", out)

	_, err = env.run("add", "--key", "a", "--url", "http://a.example/")
	require.NoError(t, err)

	out, err = env.run("list")
	require.NoError(t, err)
	assert.Contains(t, out, "ID  FLAGS  KEY  GUID  URL")
	assert.Contains(t, out, "1   *u     a    -     http://a.example/")
}

func TestBaseline(t *testing.T) {
	env := newCLIEnv(t)
	dir := filepath.Join("..", "baseline", "testdata", "default")

	resp, err := env.runJSON("baseline", dir)
	require.NoError(t, err)
	loaded := data(t, resp)
	assert.Equal(t, []any{"prepopulated", "starter"}, loaded["sets"])
	assert.Len(t, loaded["touched"], 3)
	assert.Empty(t, actions(t, loaded), "not syncing, nothing is pushed")

	// Loading again inserts nothing.
	resp, err = env.runJSON("baseline", dir)
	require.NoError(t, err)
	assert.Empty(t, data(t, resp)["touched"])

	resp, err = env.runJSON("baseline", "--repair", dir)
	require.NoError(t, err)
	repaired := data(t, resp)
	assert.Equal(t, true, repaired["repair"])
	assert.Empty(t, repaired["touched"], "no drift")

	resp, err = env.runJSON("list")
	require.NoError(t, err)
	assert.Len(t, data(t, resp)["entries"], 3)
}

func TestBaseline_NoDirectory(t *testing.T) {
	env := newCLIEnv(t)

	_, err := env.run("baseline")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "no baseline directory")
}

func TestDatabaseFromConfig(t *testing.T) {
	env := newCLIEnv(t)
	dir := t.TempDir()
	require.NoError(t, afero.WriteFile(env.fs, "/etc/kwsync.toml", []byte(`database = "`+filepath.Join(dir, "cfg.db")+`"`+"\n"), 0644))

	cmd := NewRootCommandWithFs(env.fs)
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"--config", "/etc/kwsync.toml", "add", "--key", "a", "--url", "http://a.example/"})
	require.NoError(t, cmd.Execute())

	out := &bytes.Buffer{}
	cmd = NewRootCommandWithFs(env.fs)
	cmd.SetOut(out)
	cmd.SetArgs([]string{"--config", "/etc/kwsync.toml", "list"})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "http://a.example/")
}
