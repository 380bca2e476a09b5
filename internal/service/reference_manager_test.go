package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appErrors "github.com/unclebandit/zalo-scheduler/internal/errors"
	"github.com/unclebandit/zalo-scheduler/internal/model"
)

func TestVerifyReportsLeftoverReferences(t *testing.T) {
	f := newFixture(t, 30, 200, 1)
	ctx := context.Background()
	refs := f.svc.References

	require.NoError(t, refs.AddReference(ctx, customerID(1), "gone-job", "gone-task", testAccount, model.ActionAddFriend))

	err := refs.Verify(ctx, "gone-job")
	require.Error(t, err)
	assert.ErrorIs(t, err, appErrors.ErrPartialIntegrity)
	assert.Equal(t, appErrors.KindPartialIntegrity, appErrors.Kind(err))

	pruned, err := refs.PruneDangling(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, pruned)
	assert.NoError(t, refs.Verify(ctx, "gone-job"))
}

func TestAddReferenceUnknownCustomer(t *testing.T) {
	f := newFixture(t, 30, 200, 0)
	err := f.svc.References.AddReference(context.Background(), "nobody", "job", "task", testAccount, model.ActionFindUID)
	assert.ErrorIs(t, err, appErrors.ErrNotFound)
}

func TestRestoreMissingReferences(t *testing.T) {
	f := newFixture(t, 30, 200, 3)
	ctx := context.Background()
	job := f.createJob(t, 3)

	n, err := f.svc.References.RemoveReferences(ctx, []string{customerID(1), customerID(3)}, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Empty(t, f.references(t, customerID(1)))

	restored, err := f.svc.References.RestoreMissing(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, restored)
	for i := 1; i <= 3; i++ {
		refs := f.references(t, customerID(i))
		require.Len(t, refs, 1)
		assert.Equal(t, job.ID, refs[0].JobID)
	}
}

func TestArchiveRepairsLeftoverReferences(t *testing.T) {
	f := newFixture(t, 30, 200, 2)
	ctx := context.Background()
	job := f.createJob(t, 1)

	// a stray entry for the job under a task the job never had
	require.NoError(t, f.svc.References.AddReference(ctx, customerID(2), job.ID, "stray-task", testAccount, model.ActionSendMessage))

	_, err := f.svc.StopSchedule(ctx, "user-1", job.ID)
	require.NoError(t, err)
	assert.Empty(t, f.references(t, customerID(2)))
}
