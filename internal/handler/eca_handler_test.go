package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/eca-allocation-api/internal/dto"
	"github.com/noah-isme/eca-allocation-api/internal/middleware"
	"github.com/noah-isme/eca-allocation-api/internal/models"
	"github.com/noah-isme/eca-allocation-api/internal/service"
	appErrors "github.com/noah-isme/eca-allocation-api/pkg/errors"
	"github.com/noah-isme/eca-allocation-api/pkg/export"
)

type allocationServiceMock struct {
	runReq     dto.RunAllocationRequest
	runTerm    string
	runActor   string
	runErr     error
	previewHit bool
	previewErr error
}

func (m *allocationServiceMock) Run(ctx context.Context, termID string, req dto.RunAllocationRequest, actorID string) (*dto.EcaAllocationResult, error) {
	m.runTerm, m.runReq, m.runActor = termID, req, actorID
	if m.runErr != nil {
		return nil, m.runErr
	}
	return &dto.EcaAllocationResult{Success: true, TermID: termID, TotalAllocations: 3}, nil
}

func (m *allocationServiceMock) Preview(ctx context.Context, termID string, req dto.RunAllocationRequest) (*dto.EcaAllocationPreview, bool, error) {
	if m.previewErr != nil {
		return nil, false, m.previewErr
	}
	return &dto.EcaAllocationPreview{Result: dto.EcaAllocationResult{TermID: termID}}, m.previewHit, nil
}

type adminServiceMock struct {
	query     dto.AllocationListQuery
	manualReq dto.ManualAllocationRequest
	manualErr error
	format    export.Format
	exportErr error
}

func (m *adminServiceMock) ListByTerm(ctx context.Context, termID string, query dto.AllocationListQuery) ([]models.EcaAllocationDetail, *models.Pagination, error) {
	m.query = query
	return []models.EcaAllocationDetail{}, &models.Pagination{Page: 1, PageSize: 50, TotalCount: 0}, nil
}

func (m *adminServiceMock) ListForStudent(ctx context.Context, termID, studentID string) ([]models.EcaAllocationDetail, bool, error) {
	return []models.EcaAllocationDetail{}, true, nil
}

func (m *adminServiceMock) Waitlist(ctx context.Context, activityID string) ([]models.EcaWaitlistEntry, error) {
	return nil, appErrors.Clone(appErrors.ErrNotFound, "activity not found")
}

func (m *adminServiceMock) Manual(ctx context.Context, termID string, req dto.ManualAllocationRequest, actorID string) (*models.EcaAllocation, error) {
	m.manualReq = req
	if m.manualErr != nil {
		return nil, m.manualErr
	}
	return &models.EcaAllocation{ID: "alloc-1", StudentID: req.StudentID, ActivityID: req.ActivityID}, nil
}

func (m *adminServiceMock) Withdraw(ctx context.Context, allocationID, actorID string) (*dto.WithdrawAllocationResponse, error) {
	return &dto.WithdrawAllocationResponse{Withdrawn: models.EcaAllocation{ID: allocationID}}, nil
}

func (m *adminServiceMock) ExportRoster(ctx context.Context, activityID string, format export.Format) (*service.ExportResult, error) {
	m.format = format
	if m.exportErr != nil {
		return nil, m.exportErr
	}
	return &service.ExportResult{Filename: "roster.csv", ContentType: "text/csv", Payload: []byte("student_id\n")}, nil
}

type selectionServiceMock struct {
	submitted dto.SubmitSelectionsRequest
	student   string
}

func (m *selectionServiceMock) EligibleActivities(ctx context.Context, termID, studentID string) ([]dto.EligibleActivity, error) {
	return []dto.EligibleActivity{{Activity: models.EcaActivity{ID: "act-1"}, Eligible: true}}, nil
}

func (m *selectionServiceMock) List(ctx context.Context, termID, studentID string) ([]models.EcaSelection, error) {
	return []models.EcaSelection{}, nil
}

func (m *selectionServiceMock) Submit(ctx context.Context, termID, studentID string, req dto.SubmitSelectionsRequest, actorID string) ([]models.EcaSelection, error) {
	m.submitted, m.student = req, studentID
	return []models.EcaSelection{}, nil
}

type termServiceMock struct {
	transitionErr error
}

func (m *termServiceMock) Get(ctx context.Context, id string) (*models.EcaTerm, error) {
	return &models.EcaTerm{ID: id, Status: models.EcaTermStatusDraft}, nil
}

func (m *termServiceMock) Transition(ctx context.Context, id string, req dto.TransitionTermRequest, actorID string) (*models.EcaTerm, error) {
	if m.transitionErr != nil {
		return nil, m.transitionErr
	}
	return &models.EcaTerm{ID: id, Status: req.Status}, nil
}

func newEcaContext(method, target, body string, params gin.Params) (*gin.Context, *httptest.ResponseRecorder) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	var reader *bytes.Buffer
	if body == "" {
		reader = &bytes.Buffer{}
	} else {
		reader = bytes.NewBufferString(body)
	}
	req, _ := http.NewRequest(method, target, reader)
	req.Header.Set("Content-Type", "application/json")
	c.Request = req
	c.Params = params
	c.Set(middleware.ContextUserKey, &models.JWTClaims{UserID: "admin-1", Role: models.RoleAdmin})
	return c, w
}

func decodeEnvelope(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestEcaAllocationHandlerRunWithEmptyBody(t *testing.T) {
	svc := &allocationServiceMock{}
	handler := NewEcaAllocationHandler(svc)

	c, w := newEcaContext(http.MethodPost, "/eca/terms/term-1/allocation/run", "", gin.Params{{Key: "id", Value: "term-1"}})
	handler.Run(c)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "term-1", svc.runTerm)
	assert.Equal(t, "admin-1", svc.runActor)
	assert.Nil(t, svc.runReq.SelectionMode)
	assert.False(t, svc.runReq.Override)
}

func TestEcaAllocationHandlerRunPassesOptions(t *testing.T) {
	svc := &allocationServiceMock{}
	handler := NewEcaAllocationHandler(svc)

	c, w := newEcaContext(http.MethodPost, "/", `{"selectionMode":"SMART_ALLOCATION","cancelBelowMinimum":false,"override":true}`, gin.Params{{Key: "id", Value: "term-1"}})
	handler.Run(c)

	require.Equal(t, http.StatusOK, w.Code)
	require.NotNil(t, svc.runReq.SelectionMode)
	assert.Equal(t, models.EcaModeSmartAllocation, *svc.runReq.SelectionMode)
	require.NotNil(t, svc.runReq.CancelBelowMinimum)
	assert.False(t, *svc.runReq.CancelBelowMinimum)
	assert.True(t, svc.runReq.Override)
}

func TestEcaAllocationHandlerRunErrors(t *testing.T) {
	t.Run("malformed body", func(t *testing.T) {
		c, w := newEcaContext(http.MethodPost, "/", `{"override":`, gin.Params{{Key: "id", Value: "term-1"}})
		NewEcaAllocationHandler(&allocationServiceMock{}).Run(c)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
	t.Run("lock conflict", func(t *testing.T) {
		svc := &allocationServiceMock{runErr: appErrors.Clone(appErrors.ErrLockConflict, "allocation already running")}
		c, w := newEcaContext(http.MethodPost, "/", "", gin.Params{{Key: "id", Value: "term-1"}})
		NewEcaAllocationHandler(svc).Run(c)
		assert.Equal(t, appErrors.ErrLockConflict.Status, w.Code)
	})
}

func TestEcaAllocationHandlerPreviewReportsCacheHit(t *testing.T) {
	handler := NewEcaAllocationHandler(&allocationServiceMock{previewHit: true})

	c, w := newEcaContext(http.MethodPost, "/", "{}", gin.Params{{Key: "id", Value: "term-1"}})
	handler.Preview(c)

	require.Equal(t, http.StatusOK, w.Code)
	body := decodeEnvelope(t, w)
	meta, ok := body["meta"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, true, meta["cache_hit"])
}

func TestTermHandlerTransition(t *testing.T) {
	handler := NewTermHandler(&termServiceMock{})

	c, w := newEcaContext(http.MethodPost, "/", `{"status":"REGISTRATION_OPEN"}`, gin.Params{{Key: "id", Value: "term-1"}})
	handler.Transition(c)
	require.Equal(t, http.StatusOK, w.Code)

	c, w = newEcaContext(http.MethodPost, "/", `{}`, gin.Params{{Key: "id", Value: "term-1"}})
	NewTermHandler(&termServiceMock{transitionErr: appErrors.Clone(appErrors.ErrValidation, "status is required")}).Transition(c)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestEcaSelectionHandlerSubmit(t *testing.T) {
	svc := &selectionServiceMock{}
	handler := NewEcaSelectionHandler(svc)
	params := gin.Params{{Key: "id", Value: "term-1"}, {Key: "studentId", Value: "stu-1"}}

	c, w := newEcaContext(http.MethodPut, "/", `{"selections":[{"activityId":"act-1","rank":1}]}`, params)
	handler.Submit(c)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "stu-1", svc.student)
	require.Len(t, svc.submitted.Selections, 1)
	assert.Equal(t, "act-1", svc.submitted.Selections[0].ActivityID)

	c, w = newEcaContext(http.MethodPut, "/", `[`, params)
	handler.Submit(c)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestEcaSelectionHandlerEligibleActivities(t *testing.T) {
	c, w := newEcaContext(http.MethodGet, "/", "", gin.Params{{Key: "id", Value: "term-1"}, {Key: "studentId", Value: "stu-1"}})
	NewEcaSelectionHandler(&selectionServiceMock{}).EligibleActivities(c)

	require.Equal(t, http.StatusOK, w.Code)
	data, ok := decodeEnvelope(t, w)["data"].([]interface{})
	require.True(t, ok)
	assert.Len(t, data, 1)
}

func TestEcaAdminHandlerList(t *testing.T) {
	svc := &adminServiceMock{}
	c, w := newEcaContext(http.MethodGet, "/eca/terms/term-1/allocations?activityId=act-1&status=CONFIRMED&page=2&pageSize=10", "", gin.Params{{Key: "id", Value: "term-1"}})
	NewEcaAdminHandler(svc).List(c)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "act-1", svc.query.ActivityID)
	assert.Equal(t, "CONFIRMED", svc.query.Status)
	assert.Equal(t, 2, svc.query.Page)
	assert.Equal(t, 10, svc.query.PageSize)
	assert.NotNil(t, decodeEnvelope(t, w)["pagination"])
}

func TestEcaAdminHandlerManual(t *testing.T) {
	svc := &adminServiceMock{}
	handler := NewEcaAdminHandler(svc)

	c, w := newEcaContext(http.MethodPost, "/", `{"studentId":"stu-1","activityId":"act-1"}`, gin.Params{{Key: "id", Value: "term-1"}})
	handler.Manual(c)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "stu-1", svc.manualReq.StudentID)

	svc.manualErr = appErrors.Clone(appErrors.ErrConflict, "Chess is full")
	c, w = newEcaContext(http.MethodPost, "/", `{"studentId":"stu-2","activityId":"act-1"}`, gin.Params{{Key: "id", Value: "term-1"}})
	handler.Manual(c)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestEcaAdminHandlerStudentAllocationsMeta(t *testing.T) {
	c, w := newEcaContext(http.MethodGet, "/", "", gin.Params{{Key: "id", Value: "term-1"}, {Key: "studentId", Value: "stu-1"}})
	NewEcaAdminHandler(&adminServiceMock{}).StudentAllocations(c)

	require.Equal(t, http.StatusOK, w.Code)
	meta, ok := decodeEnvelope(t, w)["meta"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, true, meta["cache_hit"])
}

func TestEcaAdminHandlerWaitlistNotFound(t *testing.T) {
	c, w := newEcaContext(http.MethodGet, "/", "", gin.Params{{Key: "id", Value: "ghost"}})
	NewEcaAdminHandler(&adminServiceMock{}).Waitlist(c)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestEcaAdminHandlerRoster(t *testing.T) {
	svc := &adminServiceMock{}
	c, w := newEcaContext(http.MethodGet, "/eca/activities/act-1/roster?format=csv", "", gin.Params{{Key: "id", Value: "act-1"}})
	NewEcaAdminHandler(svc).Roster(c)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, export.Format("csv"), svc.format)
	assert.Contains(t, w.Header().Get("Content-Disposition"), "roster.csv")
	assert.Equal(t, "student_id\n", w.Body.String())
}

type pingStub struct{ err error }

func (p pingStub) PingContext(ctx context.Context) error { return p.err }

func TestMetricsHandlerReady(t *testing.T) {
	handler := NewMetricsHandler(service.NewMetricsService(), map[string]Pinger{"postgres": pingStub{}})
	c, w := newEcaContext(http.MethodGet, "/ready", "", nil)
	handler.Ready(c)
	assert.Equal(t, http.StatusOK, w.Code)

	handler = NewMetricsHandler(nil, map[string]Pinger{"postgres": pingStub{}, "redis": pingStub{err: assert.AnError}})
	c, w = newEcaContext(http.MethodGet, "/ready", "", nil)
	handler.Ready(c)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
