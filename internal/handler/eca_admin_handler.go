package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/eca-allocation-api/internal/dto"
	"github.com/noah-isme/eca-allocation-api/internal/middleware"
	"github.com/noah-isme/eca-allocation-api/internal/models"
	"github.com/noah-isme/eca-allocation-api/internal/service"
	appErrors "github.com/noah-isme/eca-allocation-api/pkg/errors"
	"github.com/noah-isme/eca-allocation-api/pkg/export"
	"github.com/noah-isme/eca-allocation-api/pkg/response"
)

type ecaAdminService interface {
	ListByTerm(ctx context.Context, termID string, query dto.AllocationListQuery) ([]models.EcaAllocationDetail, *models.Pagination, error)
	ListForStudent(ctx context.Context, termID, studentID string) ([]models.EcaAllocationDetail, bool, error)
	Waitlist(ctx context.Context, activityID string) ([]models.EcaWaitlistEntry, error)
	Manual(ctx context.Context, termID string, req dto.ManualAllocationRequest, actorID string) (*models.EcaAllocation, error)
	Withdraw(ctx context.Context, allocationID, actorID string) (*dto.WithdrawAllocationResponse, error)
	ExportRoster(ctx context.Context, activityID string, format export.Format) (*service.ExportResult, error)
}

// EcaAdminHandler serves post-run allocation management.
type EcaAdminHandler struct {
	service ecaAdminService
}

// NewEcaAdminHandler constructs the handler.
func NewEcaAdminHandler(service ecaAdminService) *EcaAdminHandler {
	return &EcaAdminHandler{service: service}
}

// List godoc
// @Summary List a term's allocations
// @Tags ECA Allocations
// @Produce json
// @Param id path string true "Term ID"
// @Param activityId query string false "Activity filter"
// @Param studentId query string false "Student filter"
// @Param status query string false "CONFIRMED, WITHDRAWN or REMOVED"
// @Param type query string false "Allocation type"
// @Param page query int false "Page"
// @Param pageSize query int false "Page size"
// @Success 200 {object} response.Envelope
// @Router /eca/terms/{id}/allocations [get]
func (h *EcaAdminHandler) List(c *gin.Context) {
	var query dto.AllocationListQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid query"))
		return
	}
	items, pagination, err := h.service.ListByTerm(c.Request.Context(), c.Param("id"), query)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, items, pagination)
}

// StudentAllocations godoc
// @Summary List a student's confirmed allocations
// @Tags ECA Allocations
// @Produce json
// @Param id path string true "Term ID"
// @Param studentId path string true "Student ID"
// @Success 200 {object} response.Envelope
// @Router /eca/terms/{id}/students/{studentId}/allocations [get]
func (h *EcaAdminHandler) StudentAllocations(c *gin.Context) {
	items, cacheHit, err := h.service.ListForStudent(c.Request.Context(), c.Param("id"), c.Param("studentId"))
	if err != nil {
		response.Error(c, err)
		return
	}
	middleware.SetCacheHit(c, cacheHit)
	response.JSON(c, http.StatusOK, items, nil, middleware.ExtractMeta(c))
}

// Manual godoc
// @Summary Place a student manually
// @Tags ECA Allocations
// @Accept json
// @Produce json
// @Param id path string true "Term ID"
// @Param payload body dto.ManualAllocationRequest true "Placement"
// @Success 201 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /eca/terms/{id}/allocations [post]
func (h *EcaAdminHandler) Manual(c *gin.Context) {
	var req dto.ManualAllocationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	alloc, err := h.service.Manual(c.Request.Context(), c.Param("id"), req, actorID(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, alloc)
}

// Withdraw godoc
// @Summary Withdraw an allocation
// @Description Withdraws the allocation and promotes the first eligible waitlisted student
// @Tags ECA Allocations
// @Produce json
// @Param id path string true "Allocation ID"
// @Success 200 {object} response.Envelope
// @Router /eca/allocations/{id}/withdraw [post]
func (h *EcaAdminHandler) Withdraw(c *gin.Context) {
	resp, err := h.service.Withdraw(c.Request.Context(), c.Param("id"), actorID(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, resp, nil)
}

// Waitlist godoc
// @Summary Show an activity's waitlist
// @Tags ECA Allocations
// @Produce json
// @Param id path string true "Activity ID"
// @Success 200 {object} response.Envelope
// @Router /eca/activities/{id}/waitlist [get]
func (h *EcaAdminHandler) Waitlist(c *gin.Context) {
	entries, err := h.service.Waitlist(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, entries, nil)
}

// Roster godoc
// @Summary Download an activity roster
// @Tags ECA Allocations
// @Produce text/csv
// @Produce application/pdf
// @Param id path string true "Activity ID"
// @Param format query string false "csv (default) or pdf"
// @Success 200 {file} file
// @Router /eca/activities/{id}/roster [get]
func (h *EcaAdminHandler) Roster(c *gin.Context) {
	result, err := h.service.ExportRoster(c.Request.Context(), c.Param("id"), export.Format(c.Query("format")))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Attachment(c, result.Filename, result.ContentType, result.Payload)
}
