package tools

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/agent-guardian/pkg/capability"
)

func newWorkspace(t *testing.T) *Workspace {
	t.Helper()
	ws, err := NewWorkspace(t.TempDir())
	require.NoError(t, err)
	return ws
}

func TestResolve(t *testing.T) {
	ws := newWorkspace(t)

	tests := []struct {
		path    string
		wantErr bool
	}{
		{"agent/main.py", false},
		{"./a/../b.txt", false},
		{filepath.Join(ws.Root, "inside.txt"), false},
		{"../escape.txt", true},
		{"a/../../escape.txt", true},
		{"/etc/passwd", true},
		{"", true},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			_, err := ws.Resolve(tt.path)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrOutsideWorkspace)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestWriteReadEdit(t *testing.T) {
	ws := newWorkspace(t)
	ctx := context.Background()

	_, err := ws.WriteFile(ctx, "agent/config.yaml", "retries: 1\ntimeout: 5\n")
	require.NoError(t, err)

	content, err := ws.ReadFile(ctx, "agent/config.yaml")
	require.NoError(t, err)
	assert.Equal(t, "retries: 1\ntimeout: 5\n", content)

	_, err = ws.EditFile(ctx, "agent/config.yaml", "timeout: 5", "timeout: 30")
	require.NoError(t, err)
	content, _ = ws.ReadFile(ctx, "agent/config.yaml")
	assert.Equal(t, "retries: 1\ntimeout: 30\n", content)

	_, err = ws.EditFile(ctx, "agent/config.yaml", "not there", "x")
	assert.ErrorIs(t, err, ErrNoMatch)

	_, err = ws.WriteFile(ctx, "agent/dup.txt", "a\na\n")
	require.NoError(t, err)
	_, err = ws.EditFile(ctx, "agent/dup.txt", "a", "b")
	assert.ErrorIs(t, err, ErrAmbiguousMatch)
}

func TestSearchFiles(t *testing.T) {
	ws := newWorkspace(t)
	ctx := context.Background()

	_, _ = ws.WriteFile(ctx, "src/a.py", "import os\nAPI_KEY = os.environ['KEY']\n")
	_, _ = ws.WriteFile(ctx, "src/b.py", "print('hi')\n")
	_, _ = ws.WriteFile(ctx, "src/.git/config", "API_KEY leaked\n")
	_, _ = ws.WriteFile(ctx, "src/notes.md", "API_KEY docs\n")

	matches, truncated, err := ws.SearchFiles(ctx, "src", `API_KEY`, "*.py", 0)
	require.NoError(t, err)
	assert.False(t, truncated)
	require.Len(t, matches, 1)
	assert.Equal(t, filepath.Join("src", "a.py"), matches[0].Path)
	assert.Equal(t, 2, matches[0].Line)

	matches, truncated, err = ws.SearchFiles(ctx, "src", `API_KEY`, "", 1)
	require.NoError(t, err)
	assert.True(t, truncated)
	assert.Len(t, matches, 1)

	_, _, err = ws.SearchFiles(ctx, "src", `(`, "", 0)
	assert.Error(t, err)
}

func TestParseArgv(t *testing.T) {
	tests := []struct {
		command string
		want    []string
		wantErr bool
	}{
		{`python3 agent.py --topic ai`, []string{"python3", "agent.py", "--topic", "ai"}, false},
		{`echo "hello world" 'single quoted'`, []string{"echo", "hello world", "single quoted"}, false},
		{`ls my\ dir`, []string{"ls", "my dir"}, false},
		{`cat a | grep b`, nil, true},
		{`echo hi > out.txt`, nil, true},
		{`echo $HOME`, nil, true},
		{`echo $(whoami)`, nil, true},
		{`FOO=bar env`, nil, true},
		{`true; false`, nil, true},
		{`sleep 10 &`, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.command, func(t *testing.T) {
			argv, err := ParseArgv(tt.command)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrUnsupportedCommand)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, argv)
		})
	}
}

func TestCommandRunner(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	ws := newWorkspace(t)
	require.NoError(t, os.MkdirAll(filepath.Join(ws.Root, "sub"), 0755))

	runner := &CommandRunner{Workspace: ws, Allow: []string{"sh", "pwd"}, Timeout: 5 * time.Second}
	ctx := context.Background()

	res, err := runner.Run(ctx, `sh -c "echo out; echo err 1>&2; exit 3"`, "")
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, "out\n", res.Stdout)
	assert.Equal(t, "err\n", res.Stderr)

	res, err = runner.Run(ctx, `pwd`, "sub")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(ws.Root, "sub")+"\n", res.Stdout)

	_, err = runner.Run(ctx, `rm -rf sub`, "")
	assert.ErrorIs(t, err, ErrCommandNotAllowed)

	_, err = runner.Run(ctx, `pwd`, "../..")
	assert.ErrorIs(t, err, ErrOutsideWorkspace)
}

func TestRegister(t *testing.T) {
	ws := newWorkspace(t)
	reg := capability.NewRegistry()

	Register(reg, ws, nil)
	assert.True(t, reg.Has(capability.ReadFile))
	assert.True(t, reg.Has(capability.EditFile))
	assert.False(t, reg.Has(capability.RunCommand), "nil runner must not register run_command")

	set := capability.NewAvailableSet(reg.Names()...)
	ctx := context.Background()

	_, err := capability.Invoke[capability.WriteFileInput, capability.WriteFileOutput](ctx, set, reg,
		capability.WriteFile, capability.WriteFileInput{Path: "x.txt", Content: "abc"})
	require.NoError(t, err)

	out, err := capability.Invoke[capability.ReadFileInput, capability.ReadFileOutput](ctx, set, reg,
		capability.ReadFile, capability.ReadFileInput{Path: "x.txt"})
	require.NoError(t, err)
	assert.Equal(t, "abc", out.Content)
}
