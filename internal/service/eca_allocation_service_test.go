package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noah-isme/eca-allocation-api/internal/dto"
	"github.com/noah-isme/eca-allocation-api/internal/models"
	appErrors "github.com/noah-isme/eca-allocation-api/pkg/errors"
)

type allocationHarness struct {
	world   *ecaWorld
	mock    sqlmock.Sqlmock
	queue   *ecaQueueStub
	cache   *ecaCacheRepoStub
	metrics *MetricsService
	svc     *EcaAllocationService
}

func newAllocationHarness(t *testing.T, f *ecaFixture) (*allocationHarness, func() error) {
	t.Helper()
	db, mock := newEcaTxMock(t)
	h := &allocationHarness{
		world:   newEcaWorld(f),
		mock:    mock,
		queue:   &ecaQueueStub{},
		cache:   &ecaCacheRepoStub{},
		metrics: NewMetricsService(),
	}
	cacheSvc := NewCacheService(h.cache, h.metrics, time.Minute, zap.NewNop(), true)
	h.svc = NewEcaAllocationService(db, h.world.stores(), NewEcaAllocationEngine(4, 0.8, zap.NewNop()), cacheSvc, h.queue, h.metrics,
		EcaAllocationServiceConfig{PreviewCacheTTL: time.Minute}, nil, zap.NewNop())
	h.svc.now = func() time.Time { return ecaEpoch }
	return h, mock.ExpectationsWereMet
}

func overflowFixture() *ecaFixture {
	return newEcaFixture(models.EcaModeFirstComeFirstServed).
		activity("act-x", 1, ecaCap(1), nil).
		students("A", "B").
		pick("A", "act-x", 1).
		pick("B", "act-x", 1)
}

func appErrorCode(t *testing.T, err error) string {
	t.Helper()
	var appErr *appErrors.Error
	require.True(t, errors.As(err, &appErr), "expected app error, got %v", err)
	return appErr.Code
}

func TestEcaAllocationServiceRunCommitsOutcome(t *testing.T) {
	h, verify := newAllocationHarness(t, overflowFixture())
	h.mock.ExpectBegin()
	h.mock.ExpectCommit()

	result, err := h.svc.Run(context.Background(), "term-1", dto.RunAllocationRequest{}, "admin-1")
	require.NoError(t, err)
	require.NoError(t, verify())

	assert.True(t, result.Success)
	assert.Equal(t, models.EcaModeFirstComeFirstServed, result.Mode)
	assert.Equal(t, 1, result.TotalAllocations)
	assert.Equal(t, 1, result.WaitlistCount)

	require.Len(t, h.world.allocations.allocations, 1)
	stored := h.world.allocations.allocations[0]
	assert.Equal(t, "A", stored.StudentID)
	assert.Equal(t, models.EcaAllocFirstCome, stored.AllocationType)
	assert.Equal(t, models.EcaAllocationConfirmed, stored.Status)
	assert.Nil(t, stored.ChoiceRank)

	require.Len(t, h.world.waitlist.entries, 1)
	assert.Equal(t, "B", h.world.waitlist.entries[0].StudentID)
	assert.Equal(t, 1, h.world.waitlist.entries[0].Position)

	term := h.world.terms.terms["term-1"]
	assert.True(t, term.AllocationRun)
	assert.Equal(t, models.EcaTermStatusAllocationComplete, term.Status)
	require.NotNil(t, h.world.terms.runAt)
	assert.Equal(t, ecaEpoch, *h.world.terms.runAt)

	require.Len(t, h.world.audit.logs, 1)
	assert.Equal(t, models.AuditActionAllocationRun, h.world.audit.logs[0].Action)
	require.NotNil(t, h.world.audit.logs[0].UserID)
	assert.Equal(t, "admin-1", *h.world.audit.logs[0].UserID)
	assert.Contains(t, string(h.world.audit.logs[0].NewValues), `"rerun":false`)

	require.Len(t, h.queue.jobs, 1)
	assert.Equal(t, JobTypeInvalidateTerm, h.queue.jobs[0].Type)
	assert.Equal(t, "term-1", h.queue.jobs[0].Payload)

	snapshot := h.metrics.Snapshot()
	assert.Equal(t, uint64(1), snapshot.AllocationRuns)
	assert.Equal(t, uint64(0), snapshot.AllocationFailures)
}

func TestEcaAllocationServiceRunRejectsHeldLock(t *testing.T) {
	h, verify := newAllocationHarness(t, overflowFixture())
	h.world.terms.lockHeld = true
	h.mock.ExpectBegin()
	h.mock.ExpectRollback()

	_, err := h.svc.Run(context.Background(), "term-1", dto.RunAllocationRequest{}, "admin-1")
	require.Error(t, err)
	require.NoError(t, verify())

	assert.Equal(t, appErrors.ErrLockConflict.Code, appErrorCode(t, err))
	assert.Empty(t, h.world.allocations.allocations)
	assert.Empty(t, h.queue.jobs)
	assert.Equal(t, uint64(1), h.metrics.Snapshot().AllocationFailures)
}

func TestEcaAllocationServiceRunGuardsTermState(t *testing.T) {
	tests := []struct {
		name     string
		status   models.EcaTermStatus
		run      bool
		override bool
	}{
		{name: "registration still open", status: models.EcaTermStatusRegistrationOpen},
		{name: "already run without override", status: models.EcaTermStatusAllocationComplete, run: true},
		{name: "active term even with override", status: models.EcaTermStatusActive, run: true, override: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := overflowFixture()
			f.snap.Term.Status = tc.status
			f.snap.Term.AllocationRun = tc.run
			h, verify := newAllocationHarness(t, f)
			h.mock.ExpectBegin()
			h.mock.ExpectRollback()

			_, err := h.svc.Run(context.Background(), "term-1", dto.RunAllocationRequest{Override: tc.override}, "admin-1")
			require.Error(t, err)
			require.NoError(t, verify())
			assert.Equal(t, appErrors.ErrStateConflict.Code, appErrorCode(t, err))
			assert.Empty(t, h.world.audit.logs)
		})
	}
}

func TestEcaAllocationServiceRunMissingTerm(t *testing.T) {
	h, verify := newAllocationHarness(t, overflowFixture())
	h.mock.ExpectBegin()
	h.mock.ExpectRollback()

	_, err := h.svc.Run(context.Background(), "missing", dto.RunAllocationRequest{}, "admin-1")
	require.Error(t, err)
	require.NoError(t, verify())
	assert.Equal(t, appErrors.ErrNotFound.Code, appErrorCode(t, err))
}

func TestEcaAllocationServiceOverrideRerunReplacesPreviousOutput(t *testing.T) {
	reason := models.CancelReasonBelowMinimum
	f := overflowFixture().
		activity("act-y", 2, ecaCap(5), nil, func(a *models.EcaActivity) {
			a.IsCancelled = true
			a.CancelReason = &reason
		}).
		pick("B", "act-y", 1)
	f.snap.Term.Status = models.EcaTermStatusAllocationComplete
	f.snap.Term.AllocationRun = true

	h, verify := newAllocationHarness(t, f)
	h.world.allocations.allocations = []models.EcaAllocation{{ID: "stale", TermID: "term-1", StudentID: "B", ActivityID: "act-x", Status: models.EcaAllocationConfirmed}}
	h.world.waitlist.entries = []models.EcaWaitlistEntry{{ID: "stale-wait", TermID: "term-1", ActivityID: "act-x", StudentID: "A", Position: 1}}
	h.mock.ExpectBegin()
	h.mock.ExpectCommit()

	result, err := h.svc.Run(context.Background(), "term-1", dto.RunAllocationRequest{Override: true}, "admin-1")
	require.NoError(t, err)
	require.NoError(t, verify())

	assert.Equal(t, 1, h.world.allocations.cleared)
	assert.Equal(t, 1, h.world.waitlist.cleared)
	assert.Equal(t, 1, h.world.activities.resets)
	for _, alloc := range h.world.allocations.allocations {
		assert.NotEqual(t, "stale", alloc.ID)
	}
	assert.Equal(t, 2, result.TotalAllocations)

	placed := map[string]string{}
	for _, alloc := range h.world.allocations.allocations {
		if alloc.ActivityID == "act-y" {
			placed[alloc.StudentID] = alloc.ActivityID
		}
	}
	assert.Equal(t, map[string]string{"B": "act-y"}, placed)

	require.Len(t, h.world.audit.logs, 1)
	assert.Equal(t, models.AuditActionAllocationRun, h.world.audit.logs[0].Action)
	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(h.world.audit.logs[0].NewValues, &payload))
	assert.Equal(t, true, payload["rerun"])
	assert.EqualValues(t, 2, payload["totalAllocations"])
}

func TestEcaAllocationServiceRunRollsBackOnStoreFailure(t *testing.T) {
	h, verify := newAllocationHarness(t, overflowFixture())
	h.world.allocations.insertErr = errors.New("disk full")
	h.mock.ExpectBegin()
	h.mock.ExpectRollback()

	_, err := h.svc.Run(context.Background(), "term-1", dto.RunAllocationRequest{}, "admin-1")
	require.Error(t, err)
	require.NoError(t, verify())

	assert.Equal(t, appErrors.ErrInternal.Code, appErrorCode(t, err))
	assert.Nil(t, h.world.terms.runAt)
	assert.Empty(t, h.world.audit.logs)
	assert.Empty(t, h.queue.jobs)
	assert.Equal(t, uint64(1), h.metrics.Snapshot().AllocationFailures)
}

func TestEcaAllocationServiceRunHonoursRequestOptions(t *testing.T) {
	f := newEcaFixture(models.EcaModeFirstComeFirstServed).
		activity("act-chess", 1, ecaCap(10), ecaCap(3)).
		activity("act-art", 1, ecaCap(10), nil).
		students("S1").
		pick("S1", "act-chess", 1).
		pick("S1", "act-art", 2)
	h, verify := newAllocationHarness(t, f)
	h.mock.ExpectBegin()
	h.mock.ExpectCommit()

	mode := models.EcaModeSmartAllocation
	cancel := true
	result, err := h.svc.Run(context.Background(), "term-1", dto.RunAllocationRequest{SelectionMode: &mode, CancelBelowMinimum: &cancel}, "")
	require.NoError(t, err)
	require.NoError(t, verify())

	assert.Equal(t, models.EcaModeSmartAllocation, result.Mode)
	assert.True(t, result.CancelBelowMinimum)
	assert.Equal(t, []string{"act-chess"}, h.world.activities.cancelled)
	require.Len(t, h.world.allocations.allocations, 1)
	assert.Equal(t, "act-art", h.world.allocations.allocations[0].ActivityID)
	assert.Nil(t, h.world.audit.logs[0].UserID)
}

func TestEcaAllocationServiceRunRejectsUnknownMode(t *testing.T) {
	h, verify := newAllocationHarness(t, overflowFixture())

	mode := models.EcaSelectionMode("LOTTERY")
	_, err := h.svc.Run(context.Background(), "term-1", dto.RunAllocationRequest{SelectionMode: &mode}, "admin-1")
	require.Error(t, err)
	require.NoError(t, verify())
	assert.Equal(t, appErrors.ErrValidation.Code, appErrorCode(t, err))
}

func TestEcaAllocationServicePreviewCachesProjection(t *testing.T) {
	h, verify := newAllocationHarness(t, overflowFixture())
	h.mock.ExpectBegin()
	h.mock.ExpectRollback()

	preview, hit, err := h.svc.Preview(context.Background(), "term-1", dto.RunAllocationRequest{})
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, 1, preview.Result.TotalAllocations)
	require.Len(t, preview.Activities, 1)
	assert.Equal(t, 1, preview.Activities[0].ProjectedAllocations)
	assert.Equal(t, 1, preview.Activities[0].WaitlistCount)

	cached, hit, err := h.svc.Preview(context.Background(), "term-1", dto.RunAllocationRequest{})
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, preview.Result.TotalAllocations, cached.Result.TotalAllocations)
	require.NoError(t, verify())

	assert.Empty(t, h.world.allocations.allocations)
	assert.False(t, h.world.terms.terms["term-1"].AllocationRun)
	assert.Equal(t, uint64(1), h.metrics.Snapshot().CacheHits)
}

func TestEcaAllocationServicePreviewIgnoresPreviousCancellations(t *testing.T) {
	reason := models.CancelReasonBelowMinimum
	f := newEcaFixture(models.EcaModeFirstComeFirstServed).
		activity("act-chess", 1, ecaCap(10), nil, func(a *models.EcaActivity) {
			a.IsCancelled = true
			a.CancelReason = &reason
		}).
		students("A").
		pick("A", "act-chess", 1)
	f.snap.Term.Status = models.EcaTermStatusAllocationComplete
	f.snap.Term.AllocationRun = true

	h, verify := newAllocationHarness(t, f)
	h.mock.ExpectBegin()
	h.mock.ExpectRollback()

	preview, _, err := h.svc.Preview(context.Background(), "term-1", dto.RunAllocationRequest{})
	require.NoError(t, err)
	require.NoError(t, verify())

	require.Len(t, preview.Activities, 1)
	assert.Equal(t, 1, preview.Activities[0].ProjectedAllocations)
	assert.True(t, h.world.activities.activities[0].IsCancelled)
}

func TestEcaAllocationServicePreviewRejectsDraftTerm(t *testing.T) {
	f := overflowFixture()
	f.snap.Term.Status = models.EcaTermStatusDraft
	h, verify := newAllocationHarness(t, f)

	_, _, err := h.svc.Preview(context.Background(), "term-1", dto.RunAllocationRequest{})
	require.Error(t, err)
	require.NoError(t, verify())
	assert.Equal(t, appErrors.ErrStateConflict.Code, appErrorCode(t, err))
}

func TestEcaAllocationServicePreviewReadsTermFromSnapshot(t *testing.T) {
	reason := models.CancelReasonBelowMinimum
	f := newEcaFixture(models.EcaModeFirstComeFirstServed).
		activity("act-chess", 1, ecaCap(10), nil, func(a *models.EcaActivity) {
			a.IsCancelled = true
			a.CancelReason = &reason
		}).
		students("A").
		pick("A", "act-chess", 1)
	f.snap.Term.Status = models.EcaTermStatusRegistrationClosed

	h, verify := newAllocationHarness(t, f)
	committed := f.snap.Term
	committed.Status = models.EcaTermStatusAllocationComplete
	committed.AllocationRun = true
	h.world.terms.committed = map[string]models.EcaTerm{"term-1": committed}
	h.mock.ExpectBegin()
	h.mock.ExpectRollback()

	preview, _, err := h.svc.Preview(context.Background(), "term-1", dto.RunAllocationRequest{})
	require.NoError(t, err)
	require.NoError(t, verify())

	assert.Equal(t, 1, h.world.terms.txReads)
	require.Len(t, preview.Activities, 1)
	assert.False(t, preview.Activities[0].WillBeCancelled)
	assert.Equal(t, 1, preview.Activities[0].ProjectedAllocations)
	assert.Equal(t, 1, preview.Result.TotalAllocations)
	assert.Empty(t, preview.Result.Errors)
}

func TestEcaAllocationServicePreviewRechecksStateInsideSnapshot(t *testing.T) {
	h, verify := newAllocationHarness(t, overflowFixture())
	moved := *h.world.terms.terms["term-1"]
	moved.Status = models.EcaTermStatusActive
	h.world.terms.committed = map[string]models.EcaTerm{"term-1": moved}
	h.mock.ExpectBegin()
	h.mock.ExpectRollback()

	_, _, err := h.svc.Preview(context.Background(), "term-1", dto.RunAllocationRequest{})
	require.Error(t, err)
	require.NoError(t, verify())
	assert.Equal(t, appErrors.ErrStateConflict.Code, appErrorCode(t, err))
}
