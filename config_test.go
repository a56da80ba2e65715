package divvy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadDefinition(t *testing.T) {
	path := filepath.Join(t.TempDir(), "task.yaml")
	raw := "task: checksum\nparams:\n  count: 10\n"
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o644))

	def, err := LoadDefinition(path)
	require.NoError(t, err)
	require.Equal(t, "checksum", def.Task)
	require.Equal(t, 10, def.Params["count"])
}

func TestLoadDefinition_MissingTaskName(t *testing.T) {
	path := filepath.Join(t.TempDir(), "task.yaml")
	require.NoError(t, os.WriteFile(path, []byte("params:\n  count: 1\n"), 0o644))

	_, err := LoadDefinition(path)
	require.Error(t, err)
}

func TestLoadDefinition_MissingFile(t *testing.T) {
	_, err := LoadDefinition(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestDefinition_Build(t *testing.T) {
	r := NewRegistry()
	r.Register("nop", func(params map[string]any) (Task, error) {
		return nopTask{params: params}, nil
	})

	def := &Definition{Task: "nop", Params: map[string]any{"count": 2}}
	task, err := def.Build(r)
	require.NoError(t, err)
	require.Equal(t, 2, task.(nopTask).params["count"])
}
