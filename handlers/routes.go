package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/loiht2/ml-platform-finetune/backend/dataset"
)

// RegisterRoutes mounts every endpoint on router.
func (h *Handler) RegisterRoutes(router gin.IRouter) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})

	// Dataset routes, including the legacy names still used by the frontend
	for _, kind := range dataset.Kinds {
		router.POST("/upload-"+string(kind)+"-data", h.UploadData(kind))
		router.POST("/upload-"+kind.LegacyName()+"-data", h.UploadData(kind))
	}
	router.GET("/data-entries", h.ListDataEntries)
	router.POST("/add-data/:kind", h.AddDataEntry)
	router.POST("/update-data/:kind", h.UpdateDataEntry)
	router.POST("/delete-data/:kind", h.DeleteDataEntry)

	// Training and inference
	router.POST("/start_training_test", h.StartTraining)
	router.POST("/run_inference", h.RunInference)
	router.POST("/huggingface/login", h.HuggingFaceLogin)

	api := router.Group("/api")
	{
		models := api.Group("/models")
		{
			models.GET("", h.ListModels)
			models.POST("/activate", h.ActivateModel)
			models.POST("/delete", h.DeleteModel)
		}
		api.GET("/jobs", h.ListJobs)
	}
}
