package handlers

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/loiht2/ml-platform-finetune/backend/models"
)

// ListModels handles GET /api/models
func (h *Handler) ListModels(c *gin.Context) {
	records, err := h.repo.ListAll(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}

	responses := make([]models.ModelResponse, 0, len(records))
	for i := range records {
		responses = append(responses, h.repo.ToResponse(&records[i]))
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "success",
		"data":   responses,
	})
}

// ActivateModel handles POST /api/models/activate
func (h *Handler) ActivateModel(c *gin.Context) {
	var req models.ModelActionRequest
	if !h.bindJSON(c, &req) {
		return
	}

	if err := h.repo.Activate(c.Request.Context(), req.JobID); err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":  "success",
		"message": fmt.Sprintf("Model %s activated successfully", req.JobID),
	})
}

// DeleteModel handles POST /api/models/delete
func (h *Handler) DeleteModel(c *gin.Context) {
	var req models.ModelActionRequest
	if !h.bindJSON(c, &req) {
		return
	}

	if err := h.repo.Remove(c.Request.Context(), req.JobID); err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":  "success",
		"message": fmt.Sprintf("Model %s deleted successfully", req.JobID),
	})
}
