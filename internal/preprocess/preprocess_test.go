package preprocess

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ingestd/internal/ingesterr"
	"ingestd/internal/store"
)

type fakeRunner struct {
	stdout string
	stderr string
	err    error
	calls  int
}

func (f *fakeRunner) Run(ctx context.Context, argv []string, env []string) (string, string, error) {
	f.calls++
	return f.stdout, f.stderr, f.err
}

func testOrder(file string, spec store.PreprocessingSpec) store.Order {
	return store.Order{
		UUID:          "order-1",
		Files:         []string{file},
		Preprocessing: &spec,
	}
}

func TestRunParsesTailJSON(t *testing.T) {
	file := filepath.Join(t.TempDir(), "plate.db")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))

	spec := store.PreprocessingSpec{Container: "conv:latest", OutputFolder: "/data", AltOutputFolder: t.TempDir(), InputFile: "{Files}"}
	tail := `[{"name":"plate.ome.tiff","full_path":"/data/.processed/plate.ome.tiff","alt_path":"/out/plate.ome.tiff","keyvalues":[{"channels":"3"}]}]`
	runner := &fakeRunner{stdout: "starting\n" + tail + "\n"}

	results, err := Run(context.Background(), testOrder(file, spec), runner, Options{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "plate.ome.tiff", results[0].Name)
	assert.Equal(t, "3", results[0].KeyValues["channels"])
	assert.Equal(t, 1, runner.calls)
}

func TestRunFallsBackToDirectoryScan(t *testing.T) {
	file := filepath.Join(t.TempDir(), "plate.db")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))

	altRoot := t.TempDir()
	spec := store.PreprocessingSpec{Container: "conv:latest", OutputFolder: "/data", AltOutputFolder: altRoot}
	staging := LocalStagingDir(altRoot, "order-1")
	require.NoError(t, os.MkdirAll(staging, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(staging, "out.tiff"), []byte("y"), 0o644))

	runner := &fakeRunner{stdout: "not json at all"}
	results, err := Run(context.Background(), testOrder(file, spec), runner, Options{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "out.tiff", results[0].Name)
}

func TestRunFailsWhenNoUsableFilesProduced(t *testing.T) {
	file := filepath.Join(t.TempDir(), "plate.db")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))

	spec := store.PreprocessingSpec{Container: "conv:latest", OutputFolder: "/data", AltOutputFolder: t.TempDir()}
	runner := &fakeRunner{stdout: "[]"}

	_, err := Run(context.Background(), testOrder(file, spec), runner, Options{})
	require.Error(t, err)
	assert.Equal(t, ingesterr.PreprocessFailed, ingesterr.KindOf(err))
}

func TestRunWrapsNonZeroExit(t *testing.T) {
	file := filepath.Join(t.TempDir(), "plate.db")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))

	spec := store.PreprocessingSpec{Container: "conv:latest", OutputFolder: "/data", AltOutputFolder: t.TempDir()}
	runner := &fakeRunner{err: assert.AnError, stderr: "container exploded"}

	_, err := Run(context.Background(), testOrder(file, spec), runner, Options{})
	require.Error(t, err)
	assert.Equal(t, ingesterr.PreprocessFailed, ingesterr.KindOf(err))
}
