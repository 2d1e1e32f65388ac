package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ingestd/internal/store"
)

func TestClaimNextFIFOByTimestamp(t *testing.T) {
	tr := New()
	base := time.Now().UTC()
	tr.Seed(store.Order{UUID: "b", Files: []string{"/x"}}, base.Add(2*time.Second))
	tr.Seed(store.Order{UUID: "a", Files: []string{"/y"}}, base)

	ctx := context.Background()
	order, err := tr.ClaimNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, order)
	assert.Equal(t, "a", order.UUID)
	assert.Equal(t, store.StageStarted, order.Stage)
}

func TestClaimNextExcludesAlreadyStarted(t *testing.T) {
	tr := New()
	ctx := context.Background()
	tr.Seed(store.Order{UUID: "a", Files: []string{"/x"}}, time.Now().UTC())

	first, err := tr.ClaimNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := tr.ClaimNext(ctx)
	require.NoError(t, err)
	assert.Nil(t, second)
}

func TestClaimNextReturnsNilWhenEmpty(t *testing.T) {
	tr := New()
	order, err := tr.ClaimNext(context.Background())
	require.NoError(t, err)
	assert.Nil(t, order)
}

func TestRecordRejectsInvalidTransition(t *testing.T) {
	tr := New()
	ctx := context.Background()
	tr.Seed(store.Order{UUID: "a", Files: []string{"/x"}}, time.Now().UTC())

	err := tr.Record(ctx, "a", store.StageCompleted, "skip ahead")
	var transitionErr *store.ErrInvalidTransition
	require.ErrorAs(t, err, &transitionErr)
	assert.Equal(t, store.StagePending, transitionErr.From)
	assert.Equal(t, store.StageCompleted, transitionErr.To)
}

func TestRecordAllowsStartedToCompleted(t *testing.T) {
	tr := New()
	ctx := context.Background()
	tr.Seed(store.Order{UUID: "a", Files: []string{"/x"}}, time.Now().UTC())
	_, err := tr.ClaimNext(ctx)
	require.NoError(t, err)

	require.NoError(t, tr.Record(ctx, "a", store.StageCompleted, "done"))
	stage, err := tr.CurrentStage(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, store.StageCompleted, stage)
}

func TestCurrentStageNotFound(t *testing.T) {
	tr := New()
	_, err := tr.CurrentStage(context.Background(), "missing")
	var notFound *store.ErrNotFound
	assert.ErrorAs(t, err, &notFound)
}

func TestListDanglingOnlyReportsStarted(t *testing.T) {
	tr := New()
	ctx := context.Background()
	tr.Seed(store.Order{UUID: "a", Files: []string{"/x"}}, time.Now().UTC())
	tr.Seed(store.Order{UUID: "b", Files: []string{"/y"}}, time.Now().UTC())

	_, err := tr.ClaimNext(ctx) // claims "a" (earlier timestamp equal, tie-broken by uuid)
	require.NoError(t, err)

	dangling, err := tr.ListDangling(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a"}, dangling)
}
