package pool

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"ingestd/internal/importer"
	"ingestd/internal/store"
	storememory "ingestd/internal/store/memory"
)

type fakeResolver struct{}

func (fakeResolver) ResolveUser(ctx context.Context, userName string) (bool, error) { return true, nil }
func (fakeResolver) ResolveGroupMembership(ctx context.Context, groupName, userName string) (bool, error) {
	return true, nil
}

type fakeRepo struct{ fakeResolver }

func (fakeRepo) OpenSession(ctx context.Context, groupName, userName string, ttl time.Duration) (importer.Session, error) {
	return fakeSession{}, nil
}
func (fakeRepo) DatasetExists(ctx context.Context, id int64) (bool, error) { return true, nil }
func (fakeRepo) ScreenExists(ctx context.Context, id int64) (bool, error)  { return true, nil }
func (fakeRepo) ManagedFilesFor(ctx context.Context, objectID string) ([]string, error) {
	return nil, nil
}
func (fakeRepo) AttachAnnotations(ctx context.Context, objectID string, kv map[string]string) error {
	return nil
}

type fakeSession struct{}

func (fakeSession) SessionUUID() string          { return "sess" }
func (fakeSession) Host() string                 { return "omero.example" }
func (fakeSession) Port() int                    { return 4064 }
func (fakeSession) Close(ctx context.Context) error { return nil }

type fakeImportRunner struct {
	stdout string
	err    error
}

func (f fakeImportRunner) Run(ctx context.Context, argv []string) (string, string, error) {
	return f.stdout, "", f.err
}

func writePoolTempFile(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "img.tiff")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	return path
}

func newTestPool(t *testing.T, tracker store.Tracker, runner importer.Runner) *Pool {
	pipeline := Pipeline{
		Tracker:  tracker,
		Resolver: fakeResolver{},
		Repo:     fakeRepo{},
		Runner:   runner,
	}
	return New(2, pipeline, zap.NewNop().Sugar())
}

func TestSubmitRecordsCompletedOnSuccess(t *testing.T) {
	tracker := storememory.New()
	file := writePoolTempFile(t)
	tracker.Seed(store.Order{
		UUID:            "o1",
		GroupName:       "lab",
		UserName:        "alice",
		DestinationType: store.DestinationDataset,
		DestinationID:   1,
		Files:           []string{file},
	}, time.Now().UTC())
	order, err := tracker.ClaimNext(context.Background())
	require.NoError(t, err)

	p := newTestPool(t, tracker, fakeImportRunner{stdout: "Image:1\n"})
	p.Submit(context.Background(), *order)
	p.Wait()

	stage, err := tracker.CurrentStage(context.Background(), "o1")
	require.NoError(t, err)
	assert.Equal(t, store.StageCompleted, stage)
}

func TestSubmitRecordsFailedOnValidationError(t *testing.T) {
	tracker := storememory.New()
	tracker.Seed(store.Order{
		UUID:            "o1",
		GroupName:       "lab",
		UserName:        "alice",
		DestinationType: store.DestinationDataset,
		DestinationID:   1,
		Files:           nil, // invalid: no files
	}, time.Now().UTC())
	order, err := tracker.ClaimNext(context.Background())
	require.NoError(t, err)

	p := newTestPool(t, tracker, fakeImportRunner{stdout: "Image:1\n"})
	p.Submit(context.Background(), *order)
	p.Wait()

	stage, err := tracker.CurrentStage(context.Background(), "o1")
	require.NoError(t, err)
	assert.Equal(t, store.StageFailed, stage)
}

func TestFreeSlotsRestoredAfterWorkFinishes(t *testing.T) {
	tracker := storememory.New()
	file := writePoolTempFile(t)
	tracker.Seed(store.Order{
		UUID:            "o1",
		GroupName:       "lab",
		UserName:        "alice",
		DestinationType: store.DestinationDataset,
		DestinationID:   1,
		Files:           []string{file},
	}, time.Now().UTC())
	order, err := tracker.ClaimNext(context.Background())
	require.NoError(t, err)

	p := newTestPool(t, tracker, fakeImportRunner{stdout: "Image:1\n"})
	assert.Equal(t, 2, p.FreeSlots())
	p.Submit(context.Background(), *order)
	p.Wait()
	assert.Equal(t, 2, p.FreeSlots())
}
