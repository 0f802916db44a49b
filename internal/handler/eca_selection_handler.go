package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/eca-allocation-api/internal/dto"
	"github.com/noah-isme/eca-allocation-api/internal/models"
	appErrors "github.com/noah-isme/eca-allocation-api/pkg/errors"
	"github.com/noah-isme/eca-allocation-api/pkg/response"
)

type ecaSelectionService interface {
	EligibleActivities(ctx context.Context, termID, studentID string) ([]dto.EligibleActivity, error)
	List(ctx context.Context, termID, studentID string) ([]models.EcaSelection, error)
	Submit(ctx context.Context, termID, studentID string, req dto.SubmitSelectionsRequest, actorID string) ([]models.EcaSelection, error)
}

// EcaSelectionHandler serves the parent-facing selection endpoints.
type EcaSelectionHandler struct {
	service ecaSelectionService
}

// NewEcaSelectionHandler constructs the handler.
func NewEcaSelectionHandler(service ecaSelectionService) *EcaSelectionHandler {
	return &EcaSelectionHandler{service: service}
}

// EligibleActivities godoc
// @Summary List activities with the student's eligibility
// @Tags ECA Selections
// @Produce json
// @Param id path string true "Term ID"
// @Param studentId path string true "Student ID"
// @Success 200 {object} response.Envelope
// @Router /eca/terms/{id}/students/{studentId}/eligible-activities [get]
func (h *EcaSelectionHandler) EligibleActivities(c *gin.Context) {
	items, err := h.service.EligibleActivities(c.Request.Context(), c.Param("id"), c.Param("studentId"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, items, nil)
}

// List godoc
// @Summary List a student's selections
// @Tags ECA Selections
// @Produce json
// @Param id path string true "Term ID"
// @Param studentId path string true "Student ID"
// @Success 200 {object} response.Envelope
// @Router /eca/terms/{id}/students/{studentId}/selections [get]
func (h *EcaSelectionHandler) List(c *gin.Context) {
	items, err := h.service.List(c.Request.Context(), c.Param("id"), c.Param("studentId"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, items, nil)
}

// Submit godoc
// @Summary Replace a student's selections
// @Tags ECA Selections
// @Accept json
// @Produce json
// @Param id path string true "Term ID"
// @Param studentId path string true "Student ID"
// @Param payload body dto.SubmitSelectionsRequest true "Selections"
// @Success 200 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /eca/terms/{id}/students/{studentId}/selections [put]
func (h *EcaSelectionHandler) Submit(c *gin.Context) {
	var req dto.SubmitSelectionsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	items, err := h.service.Submit(c.Request.Context(), c.Param("id"), c.Param("studentId"), req, actorID(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, items, nil)
}
