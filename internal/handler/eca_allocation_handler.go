package handler

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/eca-allocation-api/internal/dto"
	"github.com/noah-isme/eca-allocation-api/internal/middleware"
	appErrors "github.com/noah-isme/eca-allocation-api/pkg/errors"
	"github.com/noah-isme/eca-allocation-api/pkg/response"
)

type ecaAllocationService interface {
	Run(ctx context.Context, termID string, req dto.RunAllocationRequest, actorID string) (*dto.EcaAllocationResult, error)
	Preview(ctx context.Context, termID string, req dto.RunAllocationRequest) (*dto.EcaAllocationPreview, bool, error)
}

// EcaAllocationHandler exposes the allocation run and preview endpoints.
type EcaAllocationHandler struct {
	service ecaAllocationService
}

// NewEcaAllocationHandler constructs the handler.
func NewEcaAllocationHandler(service ecaAllocationService) *EcaAllocationHandler {
	return &EcaAllocationHandler{service: service}
}

// Run godoc
// @Summary Run allocation for a term
// @Description Allocates every selection of a closed term and commits the result atomically
// @Tags ECA Allocation
// @Accept json
// @Produce json
// @Param id path string true "Term ID"
// @Param payload body dto.RunAllocationRequest false "Run options"
// @Success 200 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /eca/terms/{id}/allocation/run [post]
func (h *EcaAllocationHandler) Run(c *gin.Context) {
	req, ok := bindRunRequest(c)
	if !ok {
		return
	}
	result, err := h.service.Run(c.Request.Context(), c.Param("id"), req, actorID(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, result, nil)
}

// Preview godoc
// @Summary Preview allocation for a term
// @Description Runs the allocation pipeline without writing anything
// @Tags ECA Allocation
// @Accept json
// @Produce json
// @Param id path string true "Term ID"
// @Param payload body dto.RunAllocationRequest false "Preview options"
// @Success 200 {object} response.Envelope
// @Router /eca/terms/{id}/allocation/preview [post]
func (h *EcaAllocationHandler) Preview(c *gin.Context) {
	req, ok := bindRunRequest(c)
	if !ok {
		return
	}
	start := time.Now()
	preview, cacheHit, err := h.service.Preview(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	middleware.SetCacheHit(c, cacheHit)
	middleware.SetMeta(c, "processing_time_ms", time.Since(start).Milliseconds())
	response.JSON(c, http.StatusOK, preview, nil, middleware.ExtractMeta(c))
}

// bindRunRequest accepts an empty body as default options.
func bindRunRequest(c *gin.Context) (dto.RunAllocationRequest, bool) {
	var req dto.RunAllocationRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return req, false
	}
	return req, true
}
