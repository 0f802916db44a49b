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

type ecaTermService interface {
	Get(ctx context.Context, id string) (*models.EcaTerm, error)
	Transition(ctx context.Context, id string, req dto.TransitionTermRequest, actorID string) (*models.EcaTerm, error)
}

// TermHandler exposes ECA term endpoints.
type TermHandler struct {
	service ecaTermService
}

// NewTermHandler constructs a term handler.
func NewTermHandler(svc ecaTermService) *TermHandler {
	return &TermHandler{service: svc}
}

// Get godoc
// @Summary Get ECA term
// @Tags ECA Terms
// @Produce json
// @Param id path string true "Term ID"
// @Success 200 {object} response.Envelope
// @Router /eca/terms/{id} [get]
func (h *TermHandler) Get(c *gin.Context) {
	term, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, term, nil)
}

// Transition godoc
// @Summary Move a term to its next status
// @Tags ECA Terms
// @Accept json
// @Produce json
// @Param id path string true "Term ID"
// @Param payload body dto.TransitionTermRequest true "Target status"
// @Success 200 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /eca/terms/{id}/transition [post]
func (h *TermHandler) Transition(c *gin.Context) {
	var req dto.TransitionTermRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	term, err := h.service.Transition(c.Request.Context(), c.Param("id"), req, actorID(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, term, nil)
}
